package selfmonitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters and gauges. Registered once via promauto; every stage
// labels with its own name so one dashboard covers the whole pipeline.
var (
	PullCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyeye",
		Name:      "pull_records_total",
		Help:      "Records pulled from data sources, by stage.",
	}, []string{"stage"})

	DropCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyeye",
		Name:      "drop_records_total",
		Help:      "Records dropped before reaching the next stage, by stage and reason.",
	}, []string{"stage", "reason"})

	ProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyeye",
		Name:      "process_total",
		Help:      "Units processed by a stage (anomalies, events, alerts, actions).",
	}, []string{"stage"})

	ProcessLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skyeye",
		Name:      "process_latency_seconds",
		Help:      "Wall time of one stage invocation.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"stage"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "skyeye",
		Name:      "queue_depth",
		Help:      "Pending entries in an internal queue.",
	}, []string{"queue"})

	AlertCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyeye",
		Name:      "alerts_total",
		Help:      "Alert lifecycle transitions, by operation type.",
	}, []string{"op_type"})

	NoticeCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyeye",
		Name:      "notices_total",
		Help:      "Notification sends, by notifier and outcome.",
	}, []string{"notifier", "result"})

	LeaderGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skyeye",
		Name:      "scheduler_is_leader",
		Help:      "1 when this worker currently holds a dispatch role.",
	})
)
