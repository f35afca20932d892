package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/store"
)

// Dispatcher defaults.
const (
	DefaultTickInterval = 15 * time.Second
	DefaultLeaseTTL     = 10 * time.Minute

	// maxErrorLen bounds the error text persisted with a failed run.
	maxErrorLen = 500
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	ListScheduledJobs(ctx context.Context) ([]store.ScheduledJob, error)
	GetScheduledJob(ctx context.Context, taskID string) (*store.ScheduledJob, error)
	CreateScheduledJob(ctx context.Context, j *store.ScheduledJob) error
	UpdateScheduledJob(ctx context.Context, j *store.ScheduledJob) error
	DeleteScheduledJob(ctx context.Context, taskID string) error
	ListDueJobs(ctx context.Context, now time.Time) ([]store.ScheduledJob, error)
	AcquireLease(ctx context.Context, taskID string, now time.Time, ttl time.Duration) (bool, error)
	FinishScheduledRun(ctx context.Context, run *store.ScheduledJobRun, nextRunAfter *time.Time) error
	DisableScheduledJob(ctx context.Context, taskID, reason string) error
	ListScheduledJobRuns(ctx context.Context, taskID string, limit int) ([]store.ScheduledJobRun, error)
	ScheduledRunAnalytics(ctx context.Context, since time.Time) ([]store.RunAnalytics, error)
}

// Dispatcher owns the tick loop and the admin surface for scheduled tasks.
type Dispatcher struct {
	store    Store
	registry *Registry
	logger   *slog.Logger

	tickInterval time.Duration
	leaseTTL     time.Duration
	now          func() time.Time
}

// NewDispatcher builds a dispatcher over a store and registry.
func NewDispatcher(st Store, registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		store:        st,
		registry:     registry,
		logger:       logger,
		tickInterval: DefaultTickInterval,
		leaseTTL:     DefaultLeaseTTL,
		now:          time.Now,
	}
}

// Registry exposes the handler registry for the admin API.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Configure overrides the tick interval and lease TTL. Non-positive values
// keep the current setting. Call before Start.
func (d *Dispatcher) Configure(tick, lease time.Duration) {
	if tick > 0 {
		d.tickInterval = tick
	}

	if lease > 0 {
		d.leaseTTL = lease
	}
}

// Start runs the tick loop until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	d.logger.Info("scheduler started", slog.Duration("tick", d.tickInterval))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("scheduler stopped")

			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: lease and execute every due task.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.now()

	due, err := d.store.ListDueJobs(ctx, now)
	if err != nil {
		d.logger.Error("listing due tasks failed", slog.Any("error", err))

		return
	}

	for i := range due {
		j := due[i]

		won, err := d.store.AcquireLease(ctx, j.TaskID, now, d.leaseTTL)
		if err != nil {
			d.logger.Error("lease attempt failed",
				slog.String("task_id", j.TaskID), slog.Any("error", err))

			continue
		}

		if !won {
			continue
		}

		d.runLeased(ctx, &j, store.TriggerScheduled)
	}
}

// TriggerNow manually runs a task, still going through the lease so a
// manual trigger never overlaps a scheduled run.
func (d *Dispatcher) TriggerNow(ctx context.Context, taskID string) (*store.ScheduledJobRun, error) {
	j, err := d.store.GetScheduledJob(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, driver.E(driver.KindNotFound, "sched.trigger", taskID, nil)
		}

		return nil, err
	}

	won, err := d.store.AcquireLease(ctx, j.TaskID, d.now(), d.leaseTTL)
	if err != nil {
		return nil, err
	}

	if !won {
		return nil, driver.E(driver.KindConflict, "sched.trigger", taskID,
			errors.New("task is already running or disabled"))
	}

	return d.runLeased(ctx, j, store.TriggerManual), nil
}

// runLeased executes a task the caller has already leased and settles the
// run record, counters, next fire, and lease in one store call.
func (d *Dispatcher) runLeased(ctx context.Context, j *store.ScheduledJob, trigger string) *store.ScheduledJobRun {
	started := d.now()
	run := &store.ScheduledJobRun{
		TaskID:    j.TaskID,
		StartedAt: started,
		Trigger:   trigger,
	}

	handler, ok := d.registry.Get(j.HandlerID)
	if !ok {
		run.Status = store.RunFailure
		run.ErrorMessage = "no handler registered: " + j.HandlerID
	} else {
		result, err := handler.Run(ctx, RunContext{
			Now:    started,
			Config: json.RawMessage(j.ConfigJSON),
			Logger: d.logger.With(slog.String("task_id", j.TaskID)),
		})

		switch {
		case err != nil:
			run.Status = store.RunFailure
			run.ErrorMessage = truncate(err.Error(), maxErrorLen)
		default:
			run.Status = store.RunSuccess
			run.Summary = result.Summary

			if result.Details != nil {
				if raw, merr := json.Marshal(result.Details); merr == nil {
					run.DetailsJSON = string(raw)
				}
			}
		}
	}

	run.FinishedAt = d.now()
	run.DurationMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()

	var nextRun *time.Time

	next, err := NextFire(j, run.FinishedAt)
	if err != nil {
		// The schedule definition went bad (e.g. cron edited behind our
		// back); park the task instead of spinning on it.
		if disableErr := d.store.DisableScheduledJob(ctx, j.TaskID, "error: "+truncate(err.Error(), maxErrorLen)); disableErr != nil {
			d.logger.Error("disabling task with broken schedule failed",
				slog.String("task_id", j.TaskID), slog.Any("error", disableErr))
		}
	} else {
		nextRun = &next
	}

	if err := d.store.FinishScheduledRun(ctx, run, nextRun); err != nil {
		d.logger.Error("recording task run failed",
			slog.String("task_id", j.TaskID), slog.Any("error", err))
	}

	d.logger.Info("scheduled task finished",
		slog.String("task_id", j.TaskID), slog.String("handler", j.HandlerID),
		slog.String("status", run.Status), slog.Int64("duration_ms", run.DurationMS),
		slog.String("trigger", trigger))

	return run
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}

// TaskView is a scheduled job with its derived runtime state.
type TaskView struct {
	store.ScheduledJob
	RuntimeState string `json:"runtimeState"`
}

// ListTasks returns all tasks with runtime states at the current instant.
func (d *Dispatcher) ListTasks(ctx context.Context) ([]TaskView, error) {
	jobs, err := d.store.ListScheduledJobs(ctx)
	if err != nil {
		return nil, err
	}

	now := d.now()
	out := make([]TaskView, 0, len(jobs))

	for _, j := range jobs {
		out = append(out, TaskView{ScheduledJob: j, RuntimeState: RuntimeState(&j, now)})
	}

	return out, nil
}

// GetTask returns one task with runtime state.
func (d *Dispatcher) GetTask(ctx context.Context, taskID string) (*TaskView, error) {
	j, err := d.store.GetScheduledJob(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, driver.E(driver.KindNotFound, "sched.get", taskID, nil)
		}

		return nil, err
	}

	return &TaskView{ScheduledJob: *j, RuntimeState: RuntimeState(j, d.now())}, nil
}

// CreateTask validates and persists a new task instance, seeding its first
// fire time.
func (d *Dispatcher) CreateTask(ctx context.Context, j *store.ScheduledJob) error {
	const op = "sched.create"

	if _, ok := d.registry.Get(j.HandlerID); !ok {
		return driver.E(driver.KindValidation, op, j.TaskID,
			fmt.Errorf("unknown handler %q", j.HandlerID))
	}

	if err := ValidateSchedule(j.ScheduleType, j.IntervalSec, j.CronExpression); err != nil {
		return err
	}

	if j.NextRunAfter == nil {
		next, err := NextFire(j, d.now())
		if err != nil {
			return driver.E(driver.KindValidation, op, j.TaskID, err)
		}

		j.NextRunAfter = &next
	}

	return d.store.CreateScheduledJob(ctx, j)
}

// UpdateTask validates and applies definition changes. An invalid schedule
// leaves the stored task untouched.
func (d *Dispatcher) UpdateTask(ctx context.Context, j *store.ScheduledJob) error {
	const op = "sched.update"

	if _, ok := d.registry.Get(j.HandlerID); !ok {
		return driver.E(driver.KindValidation, op, j.TaskID,
			fmt.Errorf("unknown handler %q", j.HandlerID))
	}

	if err := ValidateSchedule(j.ScheduleType, j.IntervalSec, j.CronExpression); err != nil {
		return err
	}

	next, err := NextFire(j, d.now())
	if err != nil {
		return driver.E(driver.KindValidation, op, j.TaskID, err)
	}

	j.NextRunAfter = &next

	if err := d.store.UpdateScheduledJob(ctx, j); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return driver.E(driver.KindNotFound, op, j.TaskID, nil)
		}

		return err
	}

	return nil
}

// DeleteTask removes a task and its run history.
func (d *Dispatcher) DeleteTask(ctx context.Context, taskID string) error {
	if err := d.store.DeleteScheduledJob(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return driver.E(driver.KindNotFound, "sched.delete", taskID, nil)
		}

		return err
	}

	return nil
}

// PreviewTask returns up to n future fire times for a task.
func (d *Dispatcher) PreviewTask(ctx context.Context, taskID string, n int) ([]time.Time, error) {
	j, err := d.store.GetScheduledJob(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, driver.E(driver.KindNotFound, "sched.preview", taskID, nil)
		}

		return nil, err
	}

	fires, err := Preview(j, d.now(), n)
	if err != nil {
		return nil, driver.E(driver.KindValidation, "sched.preview", taskID, err)
	}

	return fires, nil
}

// Runs returns the recent run history of a task.
func (d *Dispatcher) Runs(ctx context.Context, taskID string, limit int) ([]store.ScheduledJobRun, error) {
	return d.store.ListScheduledJobRuns(ctx, taskID, limit)
}

// Analytics aggregates run outcomes per task over a trailing window.
func (d *Dispatcher) Analytics(ctx context.Context, windowHours int) ([]store.RunAnalytics, error) {
	if windowHours <= 0 {
		windowHours = 24
	}

	return d.store.ScheduledRunAnalytics(ctx, d.now().Add(-time.Duration(windowHours)*time.Hour))
}
