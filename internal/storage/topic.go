package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// EventTopic is the durable events topic between Trigger and AlertBuilder.
// It is a Redis Stream consumed through a consumer group: entries carry the
// dedupe fingerprint so one builder instance sees all events of a slot, and
// acks happen only after the batch finished persistence (commit-on-success).
type EventTopic struct {
	rdb    *redis.Client
	stream string
	group  string
}

const topicMaxLen = 100000

func NewEventTopic(s *Store, group string) *EventTopic {
	return &EventTopic{rdb: s.Client(), stream: s.Keys.EventTopic(), group: group}
}

// EnsureGroup creates the consumer group if missing.
func (t *EventTopic) EnsureGroup(ctx context.Context) error {
	err := t.rdb.XGroupCreateMkStream(ctx, t.stream, t.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group %s: %w", t.group, err)
	}
	return nil
}

// Publish appends one event keyed by its dedupe fingerprint.
func (t *EventTopic) Publish(ctx context.Context, dedupeMD5 string, ev *models.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}
	return t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		MaxLen: topicMaxLen,
		Approx: true,
		Values: map[string]interface{}{"key": dedupeMD5, "value": raw},
	}).Err()
}

// TopicEntry is one consumed record pending ack.
type TopicEntry struct {
	ID    string
	Key   string
	Event models.Event
}

// ReadBatch blocks up to block for up to count entries for this consumer.
// Malformed entries are acked immediately and dropped with a warning.
func (t *EventTopic) ReadBatch(ctx context.Context, consumer string, count int, block time.Duration) ([]TopicEntry, error) {
	streams, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.group,
		Consumer: consumer,
		Streams:  []string{t.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read event topic: %w", err)
	}
	var out []TopicEntry
	for _, st := range streams {
		for _, msg := range st.Messages {
			raw, _ := msg.Values["value"].(string)
			key, _ := msg.Values["key"].(string)
			var ev models.Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				log.Warn().Err(err).Str("entry_id", msg.ID).Str("raw", raw).Msg("drop malformed event")
				t.rdb.XAck(ctx, t.stream, t.group, msg.ID)
				continue
			}
			out = append(out, TopicEntry{ID: msg.ID, Key: key, Event: ev})
		}
	}
	return out, nil
}

// Ack commits the given entries. Called only after the batch completed
// alert persistence and snapshot writes.
func (t *EventTopic) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return t.rdb.XAck(ctx, t.stream, t.group, ids...).Err()
}

// Depth reports the stream length for self-monitor gauges.
func (t *EventTopic) Depth(ctx context.Context) (int64, error) {
	return t.rdb.XLen(ctx, t.stream).Result()
}
