package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		cron  bool
		every time.Duration
	}{
		{name: "interval hours", raw: "12h", every: 12 * time.Hour},
		{name: "interval minutes", raw: "30m", every: 30 * time.Minute},
		{name: "prefixed cron", raw: "cron:0 */12 * * *", cron: true},
		{name: "bare cron", raw: "0 3 * * *", cron: true},
		{name: "padded input", raw: "  6h  ", every: 6 * time.Hour},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if tt.cron != (got.cron != nil) {
				t.Fatalf("cron = %v, want %v", got.cron != nil, tt.cron)
			}
			if !tt.cron && got.every != tt.every {
				t.Fatalf("every = %v, want %v", got.every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "-5m", "0s", "cron:nope", "* * bogus"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestScheduleNext(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	s, err := ParseSchedule("12h")
	if err != nil {
		t.Fatal(err)
	}
	if d := s.Next(now); d != 12*time.Hour {
		t.Fatalf("Next = %v, want 12h", d)
	}

	c, err := ParseSchedule("cron:0 12 * * *")
	if err != nil {
		t.Fatal(err)
	}
	if d := c.Next(now); d != time.Hour {
		t.Fatalf("Next = %v, want 1h until noon", d)
	}
}
