package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnomalyTickWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := int64(1619840000)
	for _, off := range []int64{0, 60, 120, 300} {
		require.NoError(t, store.RecordAnomalyTick(ctx, 12, 3, 1, "md5", base+off))
	}

	// window [base, base+120] holds 3 ticks
	n, err := store.AnomalyTickCount(ctx, 12, 3, 1, "md5", base, base+120)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// the straggler at +300 is outside
	n, err = store.AnomalyTickCount(ctx, 12, 3, 1, "md5", base+121, base+240)
	require.NoError(t, err)
	assert.Zero(t, n)

	// rewriting a tick is idempotent
	require.NoError(t, store.RecordAnomalyTick(ctx, 12, 3, 1, "md5", base+60))
	n, err = store.AnomalyTickCount(ctx, 12, 3, 1, "md5", base, base+120)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// severities keep separate windows
	n, err = store.AnomalyTickCount(ctx, 12, 3, 2, "md5", base, base+300)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTriggerWatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w := &TriggerWatch{
		StrategyID: 12, ItemID: 3, Severity: 1,
		DimsMD5:    "md5",
		Dimensions: map[string]string{"ip": "10.0.0.1"},
		DedupeMD5:  "feedbeef",
		FirstTime:  1619840000,
		LatestTime: 1619840300,
	}
	assert.Equal(t, "12.3.1.md5", w.ID())

	require.NoError(t, store.SaveTriggerWatch(ctx, w))

	got, err := store.GetTriggerWatch(ctx, w.ID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, w.DedupeMD5, got.DedupeMD5)
	assert.Equal(t, w.FirstTime, got.FirstTime)

	all, err := store.ListTriggerWatches(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DropTriggerWatch(ctx, w.ID()))
	got, err = store.GetTriggerWatch(ctx, w.ID())
	require.NoError(t, err)
	assert.Nil(t, got)
}
