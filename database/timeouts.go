package database

import (
	"fmt"
	"time"

	"github.com/gaborage/go-bricks-txn/config"
)

const clockLayout = "15:04"

// TimeoutPolicy computes the per-command timeout. A zero duration means the
// command runs without a deadline.
type TimeoutPolicy struct {
	defaultTimeout     time.Duration
	longRunningTimeout time.Duration
	maintenance        *maintenanceWindow
	now                func() time.Time
}

type maintenanceWindow struct {
	start, end int // minutes after midnight
	loc        *time.Location
	timeout    time.Duration
}

// NewTimeoutPolicy builds a policy from validated command configuration.
func NewTimeoutPolicy(cfg *config.CommandConfig) (*TimeoutPolicy, error) {
	policy := &TimeoutPolicy{
		defaultTimeout:     cfg.Timeout,
		longRunningTimeout: cfg.LongRunning,
		now:                time.Now,
	}
	if !cfg.Maintenance.Enabled {
		return policy, nil
	}

	start, err := minutesOfDay(cfg.Maintenance.Start)
	if err != nil {
		return nil, err
	}
	end, err := minutesOfDay(cfg.Maintenance.End)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Maintenance.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance timezone %q: %w", cfg.Maintenance.Timezone, err)
	}

	policy.maintenance = &maintenanceWindow{start: start, end: end, loc: loc, timeout: cfg.Maintenance.Timeout}
	return policy, nil
}

// DefaultTimeoutPolicy returns a 15 second policy without maintenance window.
func DefaultTimeoutPolicy() *TimeoutPolicy {
	return &TimeoutPolicy{defaultTimeout: 15 * time.Second, now: time.Now}
}

// Timeout returns the timeout for a command.
func (p *TimeoutPolicy) Timeout(longRunning bool) time.Duration {
	if longRunning {
		return p.longRunningTimeout
	}
	if p.maintenance != nil && p.maintenance.contains(p.now()) {
		return p.maintenance.timeout
	}
	return p.defaultTimeout
}

func (w *maintenanceWindow) contains(t time.Time) bool {
	local := t.In(w.loc)
	m := local.Hour()*60 + local.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	// window wraps midnight
	return m >= w.start || m < w.end
}

func minutesOfDay(s string) (int, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
