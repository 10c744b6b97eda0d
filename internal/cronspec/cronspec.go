// Package cronspec computes next/previous fire times for standard 5-field
// cron expressions, the CronEval component of the scheduling engine.
package cronspec

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Spec wraps a parsed cron schedule. robfig/cron only walks forward, so
// PrevBefore is built on top of repeated Next calls via an exponential
// backward probe — there is no library support for reverse iteration.
type Spec struct {
	expr     string
	schedule cron.Schedule
}

// Parse validates a standard 5-field cron expression (minute hour dom month
// dow), ranges, lists, and steps included. On a parse failure callers should
// skip that definition rather than abort.
func Parse(expr string) (*Spec, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return &Spec{expr: expr, schedule: sched}, nil
}

// String returns the original expression.
func (s *Spec) String() string { return s.expr }

// NextAfter returns the first fire time strictly after base.
func (s *Spec) NextAfter(base time.Time) time.Time {
	return s.schedule.Next(base)
}

// PrevBefore returns the last fire time strictly before base. It probes
// backward with exponentially growing windows until it finds a window
// containing at least one fire time, then walks forward through that
// window with Next to the latest one still before base.
func (s *Spec) PrevBefore(base time.Time) time.Time {
	// Establish an upper bound on the probe: most cron expressions fire at
	// least once a year; five years comfortably covers yearly schedules.
	const maxProbe = 5 * 365 * 24 * time.Hour

	step := time.Minute
	lo := base.Add(-step)
	for {
		if base.Sub(lo) > maxProbe {
			// No occurrence found within the bound; return the zero value
			// rather than loop forever on a degenerate schedule.
			return time.Time{}
		}
		candidate := s.schedule.Next(lo)
		if candidate.Before(base) {
			return s.lastBefore(lo, base)
		}
		step *= 2
		lo = base.Add(-step)
	}
}

// lastBefore finds the last fire time in (lo, base) by repeatedly advancing
// from lo with Next until the next candidate would no longer be before base.
func (s *Spec) lastBefore(lo, base time.Time) time.Time {
	cursor := lo
	var last time.Time
	for {
		next := s.schedule.Next(cursor)
		if !next.Before(base) {
			return last
		}
		last = next
		cursor = next
	}
}
