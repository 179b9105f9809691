// Package cron runs user-defined scheduled prompts: five-field cron
// expressions checked once a minute, each firing an ephemeral agent
// session.
package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// parser accepts classic five-field expressions (minute through
// day-of-week). Day-of-month and day-of-week combine with OR when both
// are restricted, per traditional cron.
var parser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// Validate reports whether expr is a well-formed schedule.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("cron: bad expression %q: %w", expr, err)
	}
	return nil
}

// Matches reports whether expr fires in the minute containing t.
func Matches(expr string, t time.Time) (bool, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("cron: bad expression %q: %w", expr, err)
	}
	floor := t.Truncate(time.Minute)
	return sched.Next(floor.Add(-time.Second)).Equal(floor), nil
}
