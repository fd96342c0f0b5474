package trigger

import (
	"time"

	"github.com/skyeye-ops/skyeye/internal/models"
)

// ShouldFire reports whether a trigger condition holds: at least `count`
// anomalous ticks inside the last `checkWindow` ticks.
func ShouldFire(anomalousTicks int64, cfg models.TriggerConfig) bool {
	if cfg.Count <= 0 {
		return anomalousTicks > 0
	}
	return anomalousTicks >= int64(cfg.Count)
}

// WindowStart returns the inclusive start timestamp of a check window ending
// at ts, given the tick interval in seconds.
func WindowStart(ts int64, window, intervalSec int) int64 {
	if window <= 0 {
		window = 1
	}
	if intervalSec <= 0 {
		intervalSec = 60
	}
	return ts - int64(window*intervalSec) + 1
}

// UptimeAllows checks the trigger's uptime restriction against now. Empty
// config means always allowed. Time ranges are inclusive wall-clock windows;
// ranges crossing midnight wrap. When calendars are referenced, today's date
// must be listed in at least one of them.
func UptimeAllows(cfg *models.UptimeConfig, calendars map[int]*models.Calendar, now time.Time) bool {
	if cfg == nil {
		return true
	}
	if len(cfg.TimeRanges) > 0 && !inAnyRange(cfg.TimeRanges, now) {
		return false
	}
	if len(cfg.Calendars) > 0 && !onCalendar(cfg.Calendars, calendars, now) {
		return false
	}
	return true
}

func inAnyRange(ranges []models.TimeRange, now time.Time) bool {
	cur := now.Format("15:04")
	for _, r := range ranges {
		if r.Start == "" || r.End == "" {
			continue
		}
		if r.Start <= r.End {
			if cur >= r.Start && cur <= r.End {
				return true
			}
		} else if cur >= r.Start || cur <= r.End {
			return true
		}
	}
	return false
}

func onCalendar(ids []int, calendars map[int]*models.Calendar, now time.Time) bool {
	today := now.Format("2006-01-02")
	for _, id := range ids {
		cal := calendars[id]
		if cal == nil {
			continue
		}
		for _, d := range cal.Dates {
			if d == today {
				return true
			}
		}
	}
	return false
}
