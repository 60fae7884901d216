// Package cron parses task schedules and runs the poller that drives due
// tasks through the task service.
package cron

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateExpr reports whether expr is a parseable 5-field expression.
func ValidateExpr(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("empty cron expression")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", cronExpr)
	}
	return next, nil
}

// NextRunMillis is NextRunTime expressed in unix milliseconds, the unit used
// for tasks.next_run.
func NextRunMillis(cronExpr string, after time.Time) (int64, error) {
	next, err := NextRunTime(cronExpr, after)
	if err != nil {
		return 0, err
	}
	return next.UnixMilli(), nil
}
