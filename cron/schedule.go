package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// parser supports standard 5-field cron and descriptors like "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cascade/cron: parse %q: %w", expr, err)
	}
	return s, nil
}

// Next returns the first occurrence of expr strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	s, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}
