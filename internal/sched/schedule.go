package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/store"
)

// Runtime states derived from a job's persisted fields.
const (
	StateDisabled  = "disabled"
	StateRunning   = "running"
	StateIdle      = "idle"
	StateScheduled = "scheduled"
	StatePending   = "pending"
)

// ValidateSchedule checks a schedule definition. Invalid definitions are
// VALIDATION errors so admin mutations are rejected before anything is
// persisted.
func ValidateSchedule(scheduleType string, intervalSec int64, cronExpr string) error {
	const op = "sched.validate"

	switch scheduleType {
	case store.ScheduleInterval:
		if intervalSec < 1 {
			return driver.E(driver.KindValidation, op, "",
				fmt.Errorf("interval_sec must be >= 1, got %d", intervalSec))
		}

		return nil
	case store.ScheduleCron:
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return driver.E(driver.KindValidation, op, "",
				fmt.Errorf("invalid cron expression %q: %w", cronExpr, err))
		}

		return nil
	default:
		return driver.E(driver.KindValidation, op, "",
			fmt.Errorf("unknown schedule type %q", scheduleType))
	}
}

// NextFire computes the next run time strictly after the given instant.
func NextFire(j *store.ScheduledJob, after time.Time) (time.Time, error) {
	switch j.ScheduleType {
	case store.ScheduleInterval:
		if j.IntervalSec < 1 {
			return time.Time{}, errors.New("sched: interval_sec must be >= 1")
		}

		return after.Add(time.Duration(j.IntervalSec) * time.Second), nil
	case store.ScheduleCron:
		schedule, err := cron.ParseStandard(j.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("sched: cron %q: %w", j.CronExpression, err)
		}

		return schedule.Next(after), nil
	default:
		return time.Time{}, fmt.Errorf("sched: unknown schedule type %q", j.ScheduleType)
	}
}

// Preview computes up to n future fire times starting after from.
func Preview(j *store.ScheduledJob, from time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}

	if n > 50 {
		n = 50
	}

	fires := make([]time.Time, 0, n)
	at := from

	for i := 0; i < n; i++ {
		next, err := NextFire(j, at)
		if err != nil {
			return nil, err
		}

		fires = append(fires, next)
		at = next
	}

	return fires, nil
}

// RuntimeState derives the observable state of a task at an instant.
func RuntimeState(j *store.ScheduledJob, now time.Time) string {
	switch {
	case !j.Enabled:
		return StateDisabled
	case j.LockUntil != nil && j.LockUntil.After(now):
		return StateRunning
	case j.NextRunAfter == nil:
		return StateIdle
	case now.Before(*j.NextRunAfter):
		return StateScheduled
	default:
		return StatePending
	}
}
