// Package scheduler fires agent tasks and host jobs from a single poll
// ticker. Schedules are 5-field cron expressions or plain interval
// seconds; all cron math runs in one process-wide IANA timezone.
package scheduler

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/warden/internal/state"
)

// Validate rejects malformed schedules at the admin boundary, before
// anything lands in the store.
func Validate(kind, value string) error {
	switch kind {
	case state.ScheduleCron:
		if !gronx.New().IsValid(value) {
			return fmt.Errorf("invalid cron expression %q", value)
		}
		return nil
	case state.ScheduleInterval:
		secs, err := strconv.Atoi(value)
		if err != nil || secs <= 0 {
			return fmt.Errorf("interval must be a positive integer of seconds, got %q", value)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// NextRun computes the first fire time strictly after the reference.
// Cron advances along the expression; intervals are ref+d.
func NextRun(kind, value string, after time.Time) (time.Time, error) {
	switch kind {
	case state.ScheduleCron:
		return gronx.NextTickAfter(value, after, false)
	case state.ScheduleInterval:
		secs, err := strconv.Atoi(value)
		if err != nil || secs <= 0 {
			return time.Time{}, fmt.Errorf("bad interval %q", value)
		}
		return after.Add(time.Duration(secs) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// ResolveTimezone picks the process-wide zone: explicit override, then
// the TZ environment variable, then the OS-configured local zone.
// time.Local already degrades to UTC when the OS zone is undetectable.
func ResolveTimezone(override string) (*time.Location, error) {
	name := override
	if name == "" {
		name = os.Getenv("TZ")
	}
	if name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return time.UTC, fmt.Errorf("load timezone %q: %w", name, err)
		}
		return loc, nil
	}
	return time.Local, nil
}
