package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

// DefaultChangeTopic carries every persisted record change.
const DefaultChangeTopic = "record.change"

// ChangePublisher forwards record changes to other processes.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change model.RecordChange) error
}

// MQChangePublisher publishes record changes to a message queue, keyed by
// record id so the changes of one record stay ordered within a partition.
type MQChangePublisher struct {
	queue mq.Producer
	topic string
}

// NewMQChangePublisher creates a new MQ change publisher.
func NewMQChangePublisher(queue mq.Producer, topic string) *MQChangePublisher {
	if topic == "" {
		topic = DefaultChangeTopic
	}
	return &MQChangePublisher{queue: queue, topic: topic}
}

// PublishChange publishes one change event.
func (p *MQChangePublisher) PublishChange(ctx context.Context, change model.RecordChange) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("change publisher is not configured")
	}
	if change.Record == nil || change.Record.ID == "" {
		return appErr.ValidationError("rid", "required")
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal record change failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.Key = change.Record.ID
	message.SetHeader("reason", change.Reason)
	message.SetHeader("domain", change.Record.DomainID)
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "publish record change failed")
	}
	return nil
}
