package detect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// Algorithm type tags as stored in strategy config.
const (
	AlgorithmThreshold          = "Threshold"
	AlgorithmSimpleRingRatio    = "SimpleRingRatio"
	AlgorithmAdvancedRingRatio  = "AdvancedRingRatio"
	AlgorithmRingRatioAmplitude = "RingRatioAmplitude"
	AlgorithmSimpleYearRound    = "SimpleYearRound"
	AlgorithmAdvancedYearRound  = "AdvancedYearRound"
	AlgorithmIntelligentDetect  = "IntelligentDetect"
	AlgorithmAbnormalCluster    = "AbnormalCluster"
	AlgorithmPartialNodes       = "PartialNodes"
)

// History gives an algorithm the cached point at a past offset relative to
// the evaluated point. Nil means history is missing; the algorithm abstains.
type History func(offset time.Duration) *models.DataPoint

// Algorithm is one detection variant. Match reports whether the point is
// anomalous together with a display message.
type Algorithm interface {
	Match(p models.DataPoint, history History) (bool, string, error)
	// HistoryOffsets lists the past offsets Match will ask for; empty for
	// algorithms that only look at the current point.
	HistoryOffsets() []time.Duration
}

// Constructor decodes a variant-specific config payload.
type Constructor func(raw json.RawMessage) (Algorithm, error)

// Registry maps algorithm type tags to constructors. Built once at startup
// and passed to the Detect service; never mutated afterwards.
type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	r := &Registry{constructors: map[string]Constructor{}}
	r.Register(AlgorithmThreshold, newThreshold)
	r.Register(AlgorithmSimpleRingRatio, newSimpleRingRatio)
	r.Register(AlgorithmAdvancedRingRatio, newAdvancedRingRatio)
	r.Register(AlgorithmRingRatioAmplitude, newRingRatioAmplitude)
	r.Register(AlgorithmSimpleYearRound, newSimpleYearRound)
	r.Register(AlgorithmAdvancedYearRound, newAdvancedYearRound)
	r.Register(AlgorithmIntelligentDetect, newIntelligentDetect)
	r.Register(AlgorithmAbnormalCluster, newAbnormalCluster)
	r.Register(AlgorithmPartialNodes, newPartialNodes)
	return r
}

func (r *Registry) Register(tag string, c Constructor) { r.constructors[tag] = c }

// Build instantiates the algorithm for a strategy config entry.
func (r *Registry) Build(cfg models.AlgorithmConfig) (Algorithm, error) {
	c, ok := r.constructors[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm type %q", cfg.Type)
	}
	algo, err := c(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("build algorithm %q: %w", cfg.Type, err)
	}
	return algo, nil
}
