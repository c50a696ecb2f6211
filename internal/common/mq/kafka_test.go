package mq

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestKafkaMessageHeaders(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &Message{
		ID:         "rid-1",
		Key:        "domain-system",
		Body:       []byte(`{"rid":"rid-1"}`),
		Headers:    map[string]string{"event": "end"},
		Timestamp:  ts,
		RetryCount: 2,
		MaxRetries: 5,
	}
	km := toKafkaMessage("record.change", msg)
	if string(km.Key) != "domain-system" {
		t.Fatalf("expected partition key from Key, got %q", km.Key)
	}

	back := fromKafkaMessage(km)
	if back.ID != "rid-1" || back.RetryCount != 2 || back.MaxRetries != 5 {
		t.Fatalf("unexpected message metadata: %+v", back)
	}
	if !back.Timestamp.Equal(ts) {
		t.Fatalf("expected timestamp %v, got %v", ts, back.Timestamp)
	}
	if back.Headers["event"] != "end" {
		t.Fatalf("expected custom header to survive, got %v", back.Headers)
	}
	if _, ok := back.Headers[headerID]; ok {
		t.Fatal("reserved headers must not leak into Headers")
	}
}

func TestFromKafkaMessageFallsBackToKey(t *testing.T) {
	m := fromKafkaMessage(kafka.Message{Key: []byte("k1"), Value: []byte("x")})
	if m.ID != "k1" {
		t.Fatalf("expected id from key, got %q", m.ID)
	}
}

func TestNewKafkaQueueRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaQueue(KafkaConfig{}); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestSubscribeOptionsDefaults(t *testing.T) {
	var o SubscribeOptions
	o.SetDefaults()
	if o.Concurrency != 1 || o.MaxRetries != 3 || o.RetryDelay != time.Second {
		t.Fatalf("unexpected defaults: %+v", o)
	}
}
