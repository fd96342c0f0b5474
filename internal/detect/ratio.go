package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// History-comparing detectors. All of them abstain (no match, no error) when
// the required history point is missing; a gap in the cache must not fire.

const day = 24 * time.Hour

type bandConfig struct {
	Floor float64 `json:"floor"` // percent drop bound, 0 disables
	Ceil  float64 `json:"ceil"`  // percent rise bound, 0 disables
}

func (c bandConfig) exceeded(current, reference float64) (bool, string) {
	if c.Ceil > 0 && current >= reference*(1+c.Ceil/100) {
		return true, fmt.Sprintf("current value %g rose more than %g%% over reference %g", current, c.Ceil, reference)
	}
	if c.Floor > 0 && current <= reference*(1-c.Floor/100) {
		return true, fmt.Sprintf("current value %g dropped more than %g%% below reference %g", current, c.Floor, reference)
	}
	return false, ""
}

// SimpleRingRatio compares against the immediately preceding point.
type SimpleRingRatio struct {
	band   bandConfig
	offset time.Duration
}

func newSimpleRingRatio(raw json.RawMessage) (Algorithm, error) {
	var cfg bandConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &SimpleRingRatio{band: cfg, offset: time.Minute}, nil
}

func (a *SimpleRingRatio) HistoryOffsets() []time.Duration { return []time.Duration{a.offset} }

func (a *SimpleRingRatio) Match(p models.DataPoint, history History) (bool, string, error) {
	prev := history(a.offset)
	if prev == nil {
		return false, "", nil
	}
	hit, msg := a.band.exceeded(p.Value, prev.Value)
	return hit, msg, nil
}

type advancedBandConfig struct {
	bandConfig
	FloorInterval int `json:"floor_interval"` // points averaged for the drop check
	CeilInterval  int `json:"ceil_interval"`  // points averaged for the rise check
}

// AdvancedRingRatio compares against the mean of the last N points.
type AdvancedRingRatio struct {
	cfg  advancedBandConfig
	step time.Duration
}

func newAdvancedRingRatio(raw json.RawMessage) (Algorithm, error) {
	var cfg advancedBandConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.FloorInterval <= 0 {
		cfg.FloorInterval = 1
	}
	if cfg.CeilInterval <= 0 {
		cfg.CeilInterval = 1
	}
	return &AdvancedRingRatio{cfg: cfg, step: time.Minute}, nil
}

func (a *AdvancedRingRatio) HistoryOffsets() []time.Duration {
	n := a.cfg.FloorInterval
	if a.cfg.CeilInterval > n {
		n = a.cfg.CeilInterval
	}
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, time.Duration(i)*a.step)
	}
	return out
}

func (a *AdvancedRingRatio) Match(p models.DataPoint, history History) (bool, string, error) {
	if a.cfg.Ceil > 0 {
		if ref, ok := meanAt(history, a.step, a.cfg.CeilInterval); ok {
			if hit, msg := (bandConfig{Ceil: a.cfg.Ceil}).exceeded(p.Value, ref); hit {
				return true, msg, nil
			}
		}
	}
	if a.cfg.Floor > 0 {
		if ref, ok := meanAt(history, a.step, a.cfg.FloorInterval); ok {
			if hit, msg := (bandConfig{Floor: a.cfg.Floor}).exceeded(p.Value, ref); hit {
				return true, msg, nil
			}
		}
	}
	return false, "", nil
}

func meanAt(history History, step time.Duration, n int) (float64, bool) {
	var sum float64
	var count int
	for i := 1; i <= n; i++ {
		if pt := history(time.Duration(i) * step); pt != nil {
			sum += pt.Value
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// ringAmplitudeConfig: fire when the jump from the previous point exceeds
// prev*ratio + shock and the current value passes the threshold clause.
type ringAmplitudeConfig struct {
	Ratio     float64 `json:"ratio"`
	Shock     float64 `json:"shock"`
	Threshold float64 `json:"threshold"`
	Method    string  `json:"method"`
}

type RingRatioAmplitude struct {
	cfg    ringAmplitudeConfig
	offset time.Duration
}

func newRingRatioAmplitude(raw json.RawMessage) (Algorithm, error) {
	var cfg ringAmplitudeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Method == "" {
		cfg.Method = "gte"
	}
	return &RingRatioAmplitude{cfg: cfg, offset: time.Minute}, nil
}

func (a *RingRatioAmplitude) HistoryOffsets() []time.Duration { return []time.Duration{a.offset} }

func (a *RingRatioAmplitude) Match(p models.DataPoint, history History) (bool, string, error) {
	prev := history(a.offset)
	if prev == nil {
		return false, "", nil
	}
	clause := ThresholdClause{Method: a.cfg.Method, Threshold: a.cfg.Threshold}
	if !clause.match(p.Value) {
		return false, "", nil
	}
	jump := math.Abs(p.Value - prev.Value)
	bound := math.Abs(prev.Value)*a.cfg.Ratio + a.cfg.Shock
	if jump >= bound {
		return true, fmt.Sprintf("current value %g jumped %g from previous %g, amplitude bound %g", p.Value, jump, prev.Value, bound), nil
	}
	return false, "", nil
}

// SimpleYearRound compares against the same moment one day back.
type SimpleYearRound struct {
	band bandConfig
}

func newSimpleYearRound(raw json.RawMessage) (Algorithm, error) {
	var cfg bandConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &SimpleYearRound{band: cfg}, nil
}

func (a *SimpleYearRound) HistoryOffsets() []time.Duration { return []time.Duration{day} }

func (a *SimpleYearRound) Match(p models.DataPoint, history History) (bool, string, error) {
	ref := history(day)
	if ref == nil {
		return false, "", nil
	}
	hit, msg := a.band.exceeded(p.Value, ref.Value)
	return hit, msg, nil
}

// AdvancedYearRound compares against the mean of the same moment over the
// past N days.
type AdvancedYearRound struct {
	cfg advancedBandConfig
}

func newAdvancedYearRound(raw json.RawMessage) (Algorithm, error) {
	var cfg advancedBandConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.FloorInterval <= 0 {
		cfg.FloorInterval = 1
	}
	if cfg.CeilInterval <= 0 {
		cfg.CeilInterval = 1
	}
	return &AdvancedYearRound{cfg: cfg}, nil
}

func (a *AdvancedYearRound) HistoryOffsets() []time.Duration {
	n := a.cfg.FloorInterval
	if a.cfg.CeilInterval > n {
		n = a.cfg.CeilInterval
	}
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, time.Duration(i)*day)
	}
	return out
}

func (a *AdvancedYearRound) Match(p models.DataPoint, history History) (bool, string, error) {
	if a.cfg.Ceil > 0 {
		if ref, ok := meanAt(history, day, a.cfg.CeilInterval); ok {
			if hit, msg := (bandConfig{Ceil: a.cfg.Ceil}).exceeded(p.Value, ref); hit {
				return true, msg, nil
			}
		}
	}
	if a.cfg.Floor > 0 {
		if ref, ok := meanAt(history, day, a.cfg.FloorInterval); ok {
			if hit, msg := (bandConfig{Floor: a.cfg.Floor}).exceeded(p.Value, ref); hit {
				return true, msg, nil
			}
		}
	}
	return false, "", nil
}
