// Package metrics holds the prometheus collectors shared by the judge binaries.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "judgeflow"

var (
	// 10ms -> 10min
	taskBuckets = []float64{
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600,
	}

	// 256 byte (1<<8) -> 256m (1<<28)
	fileSizeBucket = prometheus.ExponentialBuckets(1<<8, 2, 20)

	TasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Number of tasks put into the queue",
	}, []string{"type"})

	TasksClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "claimed_total",
		Help:      "Number of tasks handed to a worker loop",
	}, []string{"lane"})

	TasksReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "reclaimed_total",
		Help:      "Number of leased tasks returned to pending after the lease expired",
	})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "worker",
		Name:      "task_seconds",
		Help:      "Histogram for the wall time of one judge task",
		Buckets:   taskBuckets,
	}, []string{"status"})

	RecordsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "router",
		Name:      "finished_total",
		Help:      "Number of records that reached a terminal status",
	}, []string{"status"})

	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "router",
		Name:      "dropped_total",
		Help:      "Number of worker events ignored by the router",
	}, []string{"reason"})

	DownloadSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "testdata",
		Name:      "download_bytes",
		Help:      "Histogram for the size of downloaded test data files",
		Buckets:   fileSizeBucket,
	})

	DownloadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "testdata",
		Name:      "download_errors_total",
		Help:      "Number of failed test data downloads",
	})

	WorkersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "server",
		Name:      "workers_connected",
		Help:      "Number of distributed workers holding a connection",
	})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TasksEnqueued, TasksClaimed, TasksReclaimed, TaskDuration,
			RecordsFinished, EventsDropped, DownloadSize, DownloadErrors,
			WorkersConnected,
		)
	})
}
