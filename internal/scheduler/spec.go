package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is either a fixed inter-cycle interval or a cron spec.
//
// Accepted forms:
//   - "12h", "30m"          fixed interval
//   - "cron:0 */12 * * *"   standard 5-field cron
//   - "0 */12 * * *"        bare cron (contains spaces)
type Schedule struct {
	every time.Duration
	cron  cron.Schedule
}

func ParseSchedule(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, fmt.Errorf("empty schedule")
	}
	if rest, ok := strings.CutPrefix(raw, "cron:"); ok {
		sch, err := cron.ParseStandard(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid cron spec %q: %w", rest, err)
		}
		return Schedule{cron: sch}, nil
	}
	if !strings.Contains(raw, " ") {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid schedule %q: %w", raw, err)
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("schedule interval must be > 0, got %q", raw)
		}
		return Schedule{every: d}, nil
	}
	sch, err := cron.ParseStandard(raw)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return Schedule{cron: sch}, nil
}

// Next returns how long to wait after now until the next cycle.
func (s Schedule) Next(now time.Time) time.Duration {
	if s.cron != nil {
		return s.cron.Next(now).Sub(now)
	}
	return s.every
}

func (s Schedule) String() string {
	if s.cron != nil {
		return "cron"
	}
	return s.every.String()
}
