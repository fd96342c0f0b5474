package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// Action dispatch queue between the builder and the action workers, plus the
// converge bookkeeping.

// ActionTask is one unit of action work for an alert.
type ActionTask struct {
	AlertID    string                `json:"alert_id"`
	StrategyID int                   `json:"strategy_id"`
	BizID      int                   `json:"bk_biz_id"`
	Severity   int                   `json:"severity"`
	PluginType string                `json:"plugin_type"`
	Action     models.StrategyAction `json:"action"`
	UserGroups []int                 `json:"user_groups,omitempty"`
	RetryCount int                   `json:"retry_count"`
}

// PushActionTasks enqueues action work.
func (s *Store) PushActionTasks(ctx context.Context, tasks []ActionTask) error {
	if len(tasks) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(tasks))
	for _, t := range tasks {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal action task %s: %w", t.AlertID, err)
		}
		vals = append(vals, raw)
	}
	return s.rdb.LPush(ctx, s.Keys.ActionQueue(), vals...).Err()
}

// PopActionTask pops one task; nil when none within block.
func (s *Store) PopActionTask(ctx context.Context, block time.Duration) (*ActionTask, error) {
	res, err := s.rdb.BLPop(ctx, block, s.Keys.ActionQueue()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	var t ActionTask
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return nil, fmt.Errorf("unmarshal action task: %w", err)
	}
	return &t, nil
}

// ConvergeCheck claims the converge slot for a dimension. The first action
// inside the window becomes the executor; later ones are suppressed and
// point at the executor's converge id.
func (s *Store) ConvergeCheck(ctx context.Context, dimension, actionID string, window time.Duration) (bool, string, error) {
	key := s.Keys.ConvergeRelation(dimension)
	ok, err := s.rdb.SetNX(ctx, key, actionID, window).Result()
	if err != nil {
		return false, "", fmt.Errorf("converge claim %s: %w", dimension, err)
	}
	if ok {
		return true, actionID, nil
	}
	holder, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// holder expired between SETNX and GET; claim on the next tick
		return false, actionID, nil
	}
	if err != nil {
		return false, "", err
	}
	return false, holder, nil
}

// RecordConvergeMember appends one relation to the audit hash.
func (s *Store) RecordConvergeMember(ctx context.Context, convergeID, actionID string, status models.ConvergeStatus, ttl time.Duration) error {
	key := s.Keys.ConvergeMembers(convergeID)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, actionID, string(status))
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}
