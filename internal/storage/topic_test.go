package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyeye-ops/skyeye/internal/models"
)

func TestEventTopic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	topic := NewEventTopic(store, "alert_builder")
	require.NoError(t, topic.EnsureGroup(ctx))
	require.NoError(t, topic.EnsureGroup(ctx), "recreating the group is harmless")

	ev := &models.Event{
		EventID:    "e1",
		StrategyID: 12,
		Severity:   1,
		Status:     models.EventStatusAbnormal,
		Dimensions: map[string]string{"ip": "10.0.0.1"},
	}
	require.NoError(t, topic.Publish(ctx, "feedbeef", ev))

	entries, err := topic.ReadBatch(ctx, "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "feedbeef", entries[0].Key)
	assert.Equal(t, "e1", entries[0].Event.EventID)

	// unacked entries do not come back on the ">" cursor
	again, err := topic.ReadBatch(ctx, "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, topic.Ack(ctx, entries[0].ID))
	require.NoError(t, topic.Ack(ctx), "empty ack is a no-op")

	depth, err := topic.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "ack commits the group offset, the stream keeps the entry")
}
