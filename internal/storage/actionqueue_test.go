package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyeye-ops/skyeye/internal/models"
)

func TestActionQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tasks := []ActionTask{{
		AlertID:    "16198402891",
		StrategyID: 12,
		BizID:      2,
		Severity:   1,
		PluginType: "notice",
		UserGroups: []int{100},
	}}
	require.NoError(t, store.PushActionTasks(ctx, tasks))
	require.NoError(t, store.PushActionTasks(ctx, nil), "empty batch is a no-op")

	got, err := store.PopActionTask(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "16198402891", got.AlertID)
	assert.Equal(t, "notice", got.PluginType)
	assert.Equal(t, []int{100}, got.UserGroups)

	got, err = store.PopActionTask(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConvergeCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	execute, convergeID, err := store.ConvergeCheck(ctx, "2:notice:1", "act-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, execute, "first claimer executes")
	assert.Equal(t, "act-1", convergeID)

	execute, convergeID, err = store.ConvergeCheck(ctx, "2:notice:1", "act-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, execute, "later actions converge")
	assert.Equal(t, "act-1", convergeID, "suppressed actions point at the executor")

	// a different dimension is a fresh slot
	execute, _, err = store.ConvergeCheck(ctx, "2:webhook:1", "act-3", time.Minute)
	require.NoError(t, err)
	assert.True(t, execute)

	require.NoError(t, store.RecordConvergeMember(ctx, "act-1", "act-2", models.ConvergeSkipped, time.Minute))
	status, err := store.Client().HGet(ctx, store.Keys.ConvergeMembers("act-1"), "act-2").Result()
	require.NoError(t, err)
	assert.Equal(t, string(models.ConvergeSkipped), status)
}
