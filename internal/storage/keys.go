package storage

import "fmt"

// Key namespace. Every runtime key lives under the configured prefix except
// checkpoints and service locks, which keep their own namespaces so operator
// tooling can scan them directly.
type Keys struct {
	Prefix string
}

func (k Keys) AnomalyList(strategyID, itemID, severity int) string {
	return fmt.Sprintf("%s.anomaly.list.%d.%d.%d", k.Prefix, strategyID, itemID, severity)
}

func (k Keys) AnomalySignal() string { return k.Prefix + ".anomaly.signal" }

func (k Keys) DedupeContent(md5 string) string {
	return k.Prefix + ".alert.dedupe.content." + md5
}

func (k Keys) QoSControl() string { return k.Prefix + ".qos.control" }

func (k Keys) TaskDelayQueue() string { return k.Prefix + ".task_delay_queue" }

func (k Keys) TaskStorage() string { return k.Prefix + ".task_storage" }

func (k Keys) EventTopic() string { return k.Prefix + ".event.list" }

func (k Keys) ManagerQueue() string { return k.Prefix + ".alert.manager.queue" }

func (k Keys) Checkpoint(groupKey string) string { return "checkpoint/" + groupKey }

func (k Keys) ServiceLock(stage, unit string) string {
	return fmt.Sprintf("service_lock/%s/%s", stage, unit)
}

func (k Keys) CronLock(name string) string { return "cron_lock_" + name }

func (k Keys) Heartbeat(workerID string) string { return k.Prefix + ".worker.heartbeat." + workerID }

func (k Keys) HeartbeatSet() string { return k.Prefix + ".worker.set" }

func (k Keys) TokenBucket(groupKey string) string { return k.Prefix + ".token.bucket." + groupKey }

func (k Keys) SequencePool(ts int64) string { return fmt.Sprintf("%s.alert.uid.%d", k.Prefix, ts) }

func (k Keys) StrategySnapshot(id string) string { return k.Prefix + ".strategy.snapshot." + id }

func (k Keys) TriggerWindow(strategyID, itemID, severity int, dimsMD5 string) string {
	return fmt.Sprintf("%s.trigger.window.%d.%d.%d.%s", k.Prefix, strategyID, itemID, severity, dimsMD5)
}

func (k Keys) TriggerWatch() string { return k.Prefix + ".trigger.watch" }

func (k Keys) NodataCounter(groupKey string, itemID int) string {
	return fmt.Sprintf("%s.nodata.count.%s.%d", k.Prefix, groupKey, itemID)
}

func (k Keys) PointCache(strategyID, itemID int, dimsMD5 string) string {
	return fmt.Sprintf("%s.point.cache.%d.%d.%s", k.Prefix, strategyID, itemID, dimsMD5)
}

func (k Keys) CircuitOverride() string { return k.Prefix + ".circuit.override" }

func (k Keys) QuickShields() string { return k.Prefix + ".shield.quick" }

func (k Keys) ConvergeRelation(dimension string) string {
	return k.Prefix + ".converge.relation." + dimension
}

func (k Keys) ConvergeMembers(convergeID string) string {
	return k.Prefix + ".converge.members." + convergeID
}

func (k Keys) ActionQueue() string { return k.Prefix + ".action.queue" }
