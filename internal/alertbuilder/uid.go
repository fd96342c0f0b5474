package alertbuilder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/skyeye-ops/skyeye/internal/storage"
)

// Alert uids are "pad(ts,10)" + seq, where seq comes from the shared
// per-second sequence pool. Strictly monotonic within a second; a fresh pool
// opens every second so ids never collide across restarts of any worker.

// UID allocates alert identifiers from the shared sequence pool.
type UID struct {
	Store *storage.Store
}

// Generate reserves the next uid for the given unix-seconds timestamp.
func (u UID) Generate(ctx context.Context, ts int64) (string, error) {
	seq, err := u.Store.NextSequence(ctx, ts)
	if err != nil {
		return "", fmt.Errorf("reserve alert sequence: %w", err)
	}
	return fmt.Sprintf("%010d%d", ts, seq), nil
}

// ParseTs extracts the unix-seconds timestamp from a uid.
func ParseTs(uid string) (int64, error) {
	if len(uid) < 11 {
		return 0, fmt.Errorf("alert uid %q too short", uid)
	}
	return strconv.ParseInt(uid[:10], 10, 64)
}

// ParseSeq extracts the sequence number from a uid.
func ParseSeq(uid string) (int64, error) {
	if len(uid) < 11 {
		return 0, fmt.Errorf("alert uid %q too short", uid)
	}
	return strconv.ParseInt(uid[10:], 10, 64)
}
