package action

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/config"
	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/selfmonitor"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

const (
	taskBlock     = 5 * time.Second
	convergeTTL   = 30 * time.Minute
	delayedKind   = "action_retry"
	convergeAudit = 24 * time.Hour
)

// Service executes action tasks: converge check, plugin dispatch, retry
// scheduling, and the per-stage QoS gate.
type Service struct {
	Store    *storage.Store
	Docs     *storage.DocStore
	Registry *PluginRegistry

	MaxRetries   int
	RetryBackoff time.Duration
	QoS          config.QoSPolicy
	qosWindow    time.Duration
}

func NewService(store *storage.Store, docs *storage.DocStore, reg *PluginRegistry, cfg *config.ActionConfig) *Service {
	backoff, err := time.ParseDuration(cfg.RetryBackoff)
	if err != nil || backoff <= 0 {
		backoff = 30 * time.Second
	}
	qosWindow, err := time.ParseDuration(cfg.QoS.Window)
	if err != nil || qosWindow <= 0 {
		qosWindow = time.Minute
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		Store: store, Docs: docs, Registry: reg,
		MaxRetries:   maxRetries,
		RetryBackoff: backoff,
		QoS:          cfg.QoS,
		qosWindow:    qosWindow,
	}
}

// Run consumes the action queue until the context ends.
func (s *Service) Run(ctx context.Context) {
	log.Info().Msg("action service started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("action service stopped")
			return
		default:
		}
		task, err := s.Store.PopActionTask(ctx, taskBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("pop action task failed")
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}
		start := time.Now()
		if err := s.Execute(ctx, task); err != nil {
			log.Error().Err(err).Str("alert_id", task.AlertID).Str("plugin", task.PluginType).Msg("action execution failed")
		}
		selfmonitor.ProcessLatency.WithLabelValues("action").Observe(time.Since(start).Seconds())
	}
}

// Execute runs one task end to end.
func (s *Service) Execute(ctx context.Context, task *storage.ActionTask) error {
	plugin := s.Registry.Lookup(task.PluginType)
	if plugin == nil {
		return fmt.Errorf("no plugin registered for %q", task.PluginType)
	}
	alert, err := s.loadAlert(ctx, task.AlertID)
	if err != nil {
		return err
	}
	if alert == nil {
		log.Warn().Str("alert_id", task.AlertID).Msg("action for unknown alert dropped")
		return nil
	}
	if alert.IsShielded || alert.IsBlocked || !alert.Active() {
		log.Info().Str("alert_id", alert.ID).Bool("shielded", alert.IsShielded).Bool("blocked", alert.IsBlocked).Msg("action suppressed")
		return nil
	}

	inst := &models.ActionInstance{
		ID:         uuid.NewString(),
		PluginType: task.PluginType,
		Status:     models.ActionReceived,
		StrategyID: task.StrategyID,
		BizID:      task.BizID,
		AlertIDs:   []string{task.AlertID},
		Inputs:     plugin.RenderInputs(alert, task.Action),
		RetryCount: task.RetryCount,
		MaxRetries: s.MaxRetries,
		CreateTime: time.Now().Unix(),
	}

	// action QoS: over-limit work is skipped, not failed
	if s.QoS.IsEnabled {
		fp := fmt.Sprintf("action.%d.%d.%s", task.BizID, task.StrategyID, task.PluginType)
		n, err := s.Store.QoSIncr(ctx, fp, s.qosWindow)
		if err == nil && n > s.QoS.Threshold {
			inst.Status = models.ActionSkipped
			inst.Error = fmt.Sprintf("action rate %d exceeded threshold %d", n, s.QoS.Threshold)
			log.Warn().Str("op_type", string(models.OpActionQOS)).Str("fingerprint", fp).Msg("action skipped by qos")
			return s.record(ctx, alert, inst, models.OpActionQOS)
		}
	}

	// converge: one executor per (biz, plugin, severity) window
	dimension := fmt.Sprintf("%d:%s:%d", task.BizID, task.PluginType, task.Severity)
	execute, convergeID, err := s.Store.ConvergeCheck(ctx, dimension, inst.ID, convergeTTL)
	if err != nil {
		return err
	}
	inst.ConvergeID = convergeID
	if !execute {
		inst.Status = models.ActionConverged
		s.Store.RecordConvergeMember(ctx, convergeID, inst.ID, models.ConvergeSkipped, convergeAudit)
		log.Info().Str("alert_id", alert.ID).Str("converge_id", convergeID).Msg("action converged")
		return s.record(ctx, alert, inst, models.OpConverge)
	}
	s.Store.RecordConvergeMember(ctx, convergeID, inst.ID, models.ConvergeExecuted, convergeAudit)

	inst.Status = models.ActionRunning
	outputs, perr := plugin.Perform(ctx, inst)
	inst.Outputs = outputs
	inst.EndTime = time.Now().Unix()
	if perr != nil {
		inst.Status = models.ActionFailure
		inst.Error = perr.Error()
		selfmonitor.NoticeCount.WithLabelValues(task.PluginType, "failure").Inc()
		if task.RetryCount < s.MaxRetries {
			if err := s.scheduleRetry(ctx, task); err != nil {
				log.Error().Err(err).Str("alert_id", task.AlertID).Msg("retry scheduling failed")
			}
		}
		return s.record(ctx, alert, inst, models.OpAction)
	}
	inst.Status = models.ActionSuccess
	selfmonitor.NoticeCount.WithLabelValues(task.PluginType, "success").Inc()
	selfmonitor.ProcessCount.WithLabelValues("action").Inc()
	return s.record(ctx, alert, inst, models.OpAction)
}

// scheduleRetry re-enqueues the task with exponential backoff.
func (s *Service) scheduleRetry(ctx context.Context, task *storage.ActionTask) error {
	retry := *task
	retry.RetryCount++
	payload, err := json.Marshal(&retry)
	if err != nil {
		return err
	}
	delay := time.Duration(math.Pow(2, float64(task.RetryCount))) * s.RetryBackoff
	runAt := time.Now().Add(delay).Unix()
	log.Info().Str("alert_id", task.AlertID).Int("retry", retry.RetryCount).Int64("run_at", runAt).Msg("action retry scheduled")
	return s.Store.PushDelayed(ctx, storage.DelayedTask{
		ID:      uuid.NewString(),
		Kind:    delayedKind,
		Payload: payload,
		RunAt:   runAt,
	})
}

// SweepRetries re-publishes due retries onto the action queue. Wired to the
// cron scheduler under a named lock so only one worker sweeps.
func (s *Service) SweepRetries(ctx context.Context) error {
	tasks, err := s.Store.SweepDelayed(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Kind != delayedKind {
			continue
		}
		var task storage.ActionTask
		if err := json.Unmarshal(t.Payload, &task); err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("drop malformed retry payload")
			continue
		}
		if err := s.Store.PushActionTasks(ctx, []storage.ActionTask{task}); err != nil {
			return err
		}
	}
	return nil
}

// record persists the instance on the alert document plus a flow log entry.
func (s *Service) record(ctx context.Context, alert *models.Alert, inst *models.ActionInstance, op models.OpType) error {
	if alert.Extra == nil {
		alert.Extra = map[string]string{}
	}
	raw, _ := json.Marshal(inst)
	alert.Extra["action."+inst.ID] = string(raw)
	alert.IsHandled = true
	if err := s.Docs.UpsertAlerts(ctx, []*models.Alert{alert}); err != nil {
		return err
	}
	desc := fmt.Sprintf("action %s (%s) %s", inst.ID, inst.PluginType, inst.Status)
	if inst.Error != "" {
		desc = desc + ": " + inst.Error
	}
	return s.Docs.AppendLogs(ctx, []models.AlertLog{
		models.NewAlertLog(alert.ID, op, alert.Status, alert.Severity, desc),
	})
}

func (s *Service) loadAlert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := s.Docs.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, nil
	}
	if snap, err := s.Store.GetActiveAlert(ctx, a.DedupeMD5); err == nil && snap != nil && snap.ID == a.ID {
		return snap, nil
	}
	return a, nil
}
