package selfmonitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/storage"
)

// Poller samples internal queue depths into gauges on a fixed period.
type Poller struct {
	Store    *storage.Store
	Topic    *storage.EventTopic
	Interval time.Duration
}

func NewPoller(store *storage.Store, topic *storage.EventTopic) *Poller {
	return &Poller{Store: store, Topic: topic, Interval: 15 * time.Second}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample(ctx)
		}
	}
}

func (p *Poller) sample(ctx context.Context) {
	if n, err := p.Store.QueueDepth(ctx, p.Store.Keys.ManagerQueue()); err == nil {
		QueueDepth.WithLabelValues("manager").Set(float64(n))
	} else {
		log.Warn().Err(err).Msg("manager queue depth sample failed")
	}
	if p.Topic != nil {
		if n, err := p.Topic.Depth(ctx); err == nil {
			QueueDepth.WithLabelValues("event_topic").Set(float64(n))
		}
	}
	if n, err := p.Store.Client().ZCard(ctx, p.Store.Keys.TaskDelayQueue()).Result(); err == nil {
		QueueDepth.WithLabelValues("delayed_tasks").Set(float64(n))
	}
}
