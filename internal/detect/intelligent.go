package detect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// Detectors over precomputed model output. The model runs outside the
// pipeline and annotates points through extra fields in Values.

// IntelligentDetect fires on values["is_anomaly"] >= 1 as written by the
// scoring model; upper/lower bounds enrich the message when present.
type IntelligentDetect struct{}

func newIntelligentDetect(json.RawMessage) (Algorithm, error) {
	return &IntelligentDetect{}, nil
}

func (IntelligentDetect) HistoryOffsets() []time.Duration { return nil }

func (IntelligentDetect) Match(p models.DataPoint, _ History) (bool, string, error) {
	if p.Values["is_anomaly"] < 1 {
		return false, "", nil
	}
	msg := fmt.Sprintf("model marked value %g anomalous", p.Value)
	upper, hasUpper := p.Values["upper_bound"]
	lower, hasLower := p.Values["lower_bound"]
	if hasUpper && hasLower {
		msg = fmt.Sprintf("%s, expected range [%g, %g]", msg, lower, upper)
	}
	return true, msg, nil
}

// AbnormalCluster fires on clustered anomalies; the model writes the cluster
// label alongside is_anomaly.
type AbnormalCluster struct{}

func newAbnormalCluster(json.RawMessage) (Algorithm, error) {
	return &AbnormalCluster{}, nil
}

func (AbnormalCluster) HistoryOffsets() []time.Duration { return nil }

func (AbnormalCluster) Match(p models.DataPoint, _ History) (bool, string, error) {
	if p.Values["is_anomaly"] < 1 {
		return false, "", nil
	}
	msg := fmt.Sprintf("abnormal cluster detected, value %g", p.Value)
	if cluster, ok := p.Values["cluster"]; ok {
		msg = fmt.Sprintf("%s, cluster %g", msg, cluster)
	}
	return true, msg, nil
}
