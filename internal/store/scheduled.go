package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule types.
const (
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// Run statuses and triggers.
const (
	RunSuccess = "success"
	RunFailure = "failure"

	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// ScheduledJob is one schedulable task instance binding a handler to a
// schedule. LockUntil implements leasing: a runner holds the lease iff
// lock_until > now and it set that value through AcquireLease.
type ScheduledJob struct {
	TaskID            string     `json:"taskId"`
	HandlerID         string     `json:"handlerId"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Enabled           bool       `json:"enabled"`
	ScheduleType      string     `json:"scheduleType"`
	IntervalSec       int64      `json:"intervalSec,omitempty"`
	CronExpression    string     `json:"cronExpression,omitempty"`
	RunCount          int64      `json:"runCount"`
	FailureCount      int64      `json:"failureCount"`
	LastRunStatus     string     `json:"lastRunStatus,omitempty"`
	LastRunStartedAt  *time.Time `json:"lastRunStartedAt,omitempty"`
	LastRunFinishedAt *time.Time `json:"lastRunFinishedAt,omitempty"`
	NextRunAfter      *time.Time `json:"nextRunAfter,omitempty"`
	LockUntil         *time.Time `json:"lockUntil,omitempty"`
	ConfigJSON        string     `json:"config"`
}

// ScheduledJobRun is one recorded execution.
type ScheduledJobRun struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"taskId"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	DurationMS   int64     `json:"durationMs"`
	Summary      string    `json:"summary,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	DetailsJSON  string    `json:"details,omitempty"`
	Trigger      string    `json:"trigger"`
}

const scheduledColumns = `task_id, handler_id, name, description, enabled, schedule_type,
	interval_sec, cron_expression, run_count, failure_count, last_run_status,
	last_run_started_at, last_run_finished_at, next_run_after, lock_until, config_json`

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := time.Unix(v.Int64, 0).UTC()

	return &t
}

func timeVal(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.Unix()
}

func scanScheduledJob(row interface{ Scan(...any) error }) (*ScheduledJob, error) {
	var j ScheduledJob
	var intervalSec sql.NullInt64
	var cronExpr sql.NullString
	var started, finished, nextRun, lockUntil sql.NullInt64

	err := row.Scan(&j.TaskID, &j.HandlerID, &j.Name, &j.Description, &j.Enabled, &j.ScheduleType,
		&intervalSec, &cronExpr, &j.RunCount, &j.FailureCount, &j.LastRunStatus,
		&started, &finished, &nextRun, &lockUntil, &j.ConfigJSON)
	if err != nil {
		return nil, err
	}

	j.IntervalSec = intervalSec.Int64
	j.CronExpression = cronExpr.String
	j.LastRunStartedAt = nullTime(started)
	j.LastRunFinishedAt = nullTime(finished)
	j.NextRunAfter = nullTime(nextRun)
	j.LockUntil = nullTime(lockUntil)

	return &j, nil
}

// ListScheduledJobs returns all task instances.
func (s *Store) ListScheduledJobs(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+scheduledColumns+" FROM scheduled_jobs ORDER BY task_id")
	if err != nil {
		return nil, fmt.Errorf("store: listing scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ScheduledJob

	for rows.Next() {
		j, scanErr := scanScheduledJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning scheduled job: %w", scanErr)
		}

		jobs = append(jobs, *j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating scheduled jobs: %w", err)
	}

	return jobs, nil
}

// GetScheduledJob returns one task instance.
func (s *Store) GetScheduledJob(ctx context.Context, taskID string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+scheduledColumns+" FROM scheduled_jobs WHERE task_id = ?", taskID)

	j, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting scheduled job %s: %w", taskID, err)
	}

	return j, nil
}

// CreateScheduledJob inserts a task instance.
func (s *Store) CreateScheduledJob(ctx context.Context, j *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (`+scheduledColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.TaskID, j.HandlerID, j.Name, j.Description, j.Enabled, j.ScheduleType,
		nullableInt64(j.IntervalSec), nullableString(j.CronExpression), j.RunCount, j.FailureCount,
		j.LastRunStatus, timeVal(j.LastRunStartedAt), timeVal(j.LastRunFinishedAt),
		timeVal(j.NextRunAfter), timeVal(j.LockUntil), j.ConfigJSON)
	if err != nil {
		return fmt.Errorf("store: creating scheduled job %s: %w", j.TaskID, err)
	}

	return nil
}

// UpdateScheduledJob overwrites the definition fields of a task instance.
// Runtime fields (counters, lease, last-run) are managed by the dispatcher
// through dedicated methods.
func (s *Store) UpdateScheduledJob(ctx context.Context, j *ScheduledJob) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET handler_id = ?, name = ?, description = ?, enabled = ?,
		 schedule_type = ?, interval_sec = ?, cron_expression = ?, next_run_after = ?, config_json = ?
		 WHERE task_id = ?`,
		j.HandlerID, j.Name, j.Description, j.Enabled, j.ScheduleType,
		nullableInt64(j.IntervalSec), nullableString(j.CronExpression),
		timeVal(j.NextRunAfter), j.ConfigJSON, j.TaskID)
	if err != nil {
		return fmt.Errorf("store: updating scheduled job %s: %w", j.TaskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: scheduled job rows affected: %w", err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteScheduledJob removes a task instance and its run history.
func (s *Store) DeleteScheduledJob(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin scheduled job delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM scheduled_job_runs WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("store: deleting runs of %s: %w", taskID, err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM scheduled_jobs WHERE task_id = ?", taskID)
	if err != nil {
		return fmt.Errorf("store: deleting scheduled job %s: %w", taskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: scheduled job delete rows affected: %w", err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// ListDueJobs returns enabled jobs whose next_run_after has passed (or was
// never set) and whose lease is stale or absent.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_jobs
		 WHERE enabled = 1
		   AND (next_run_after IS NULL OR next_run_after <= ?)
		   AND (lock_until IS NULL OR lock_until <= ?)`,
		now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: listing due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ScheduledJob

	for rows.Next() {
		j, scanErr := scanScheduledJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning due job: %w", scanErr)
		}

		jobs = append(jobs, *j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating due jobs: %w", err)
	}

	return jobs, nil
}

// AcquireLease attempts the leasing compare-and-swap: set lock_until to
// now+ttl iff the stored lock_until is still stale. Exactly one concurrent
// caller wins; the rest observe false.
func (s *Store) AcquireLease(ctx context.Context, taskID string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET lock_until = ?
		 WHERE task_id = ? AND enabled = 1 AND (lock_until IS NULL OR lock_until <= ?)`,
		now.Add(ttl).Unix(), taskID, now.Unix())
	if err != nil {
		return false, fmt.Errorf("store: acquiring lease on %s: %w", taskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: lease rows affected: %w", err)
	}

	return n == 1, nil
}

// FinishScheduledRun records the outcome of a leased run in one transaction:
// insert the run record, bump counters, set last-run fields, compute
// next_run_after, and clear the lease.
func (s *Store) FinishScheduledRun(ctx context.Context, run *ScheduledJobRun, nextRunAfter *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin run finish: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scheduled_job_runs (task_id, status, started_at, finished_at, duration_ms,
		 summary, error_message, details_json, trigger_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.Status, run.StartedAt.Unix(), run.FinishedAt.Unix(), run.DurationMS,
		run.Summary, run.ErrorMessage, run.DetailsJSON, run.Trigger); err != nil {
		return fmt.Errorf("store: inserting run record for %s: %w", run.TaskID, err)
	}

	failureBump := 0
	if run.Status == RunFailure {
		failureBump = 1
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE scheduled_jobs SET run_count = run_count + 1, failure_count = failure_count + ?,
		 last_run_status = ?, last_run_started_at = ?, last_run_finished_at = ?,
		 next_run_after = ?, lock_until = NULL
		 WHERE task_id = ?`,
		failureBump, run.Status, run.StartedAt.Unix(), run.FinishedAt.Unix(),
		timeVal(nextRunAfter), run.TaskID); err != nil {
		return fmt.Errorf("store: updating counters for %s: %w", run.TaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit run finish: %w", err)
	}

	return nil
}

// DisableScheduledJob disables a task and records why (e.g. the cron
// expression became invalid at run time).
func (s *Store) DisableScheduledJob(ctx context.Context, taskID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_jobs SET enabled = 0, last_run_status = ?, lock_until = NULL WHERE task_id = ?",
		reason, taskID)
	if err != nil {
		return fmt.Errorf("store: disabling scheduled job %s: %w", taskID, err)
	}

	return nil
}

// ListScheduledJobRuns returns the most recent runs of a task, newest first.
func (s *Store) ListScheduledJobRuns(ctx context.Context, taskID string, limit int) ([]ScheduledJobRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, status, started_at, finished_at, duration_ms, summary, error_message, details_json, trigger_kind
		 FROM scheduled_job_runs WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing runs of %s: %w", taskID, err)
	}
	defer rows.Close()

	var runs []ScheduledJobRun

	for rows.Next() {
		var r ScheduledJobRun
		var started, finished int64

		if scanErr := rows.Scan(&r.ID, &r.TaskID, &r.Status, &started, &finished,
			&r.DurationMS, &r.Summary, &r.ErrorMessage, &r.DetailsJSON, &r.Trigger); scanErr != nil {
			return nil, fmt.Errorf("store: scanning run: %w", scanErr)
		}

		r.StartedAt = time.Unix(started, 0).UTC()
		r.FinishedAt = time.Unix(finished, 0).UTC()
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating runs: %w", err)
	}

	return runs, nil
}

// RunAnalytics summarizes run outcomes per task over a trailing window.
type RunAnalytics struct {
	TaskID        string `json:"taskId"`
	Runs          int64  `json:"runs"`
	Failures      int64  `json:"failures"`
	AvgDurationMS int64  `json:"avgDurationMs"`
}

// ScheduledRunAnalytics aggregates run history since the window start.
func (s *Store) ScheduledRunAnalytics(ctx context.Context, since time.Time) ([]RunAnalytics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, COUNT(*), SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		        CAST(AVG(duration_ms) AS INTEGER)
		 FROM scheduled_job_runs WHERE started_at >= ? GROUP BY task_id ORDER BY task_id`,
		RunFailure, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: computing run analytics: %w", err)
	}
	defer rows.Close()

	var out []RunAnalytics

	for rows.Next() {
		var a RunAnalytics
		if scanErr := rows.Scan(&a.TaskID, &a.Runs, &a.Failures, &a.AvgDurationMS); scanErr != nil {
			return nil, fmt.Errorf("store: scanning analytics row: %w", scanErr)
		}

		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating analytics rows: %w", err)
	}

	return out, nil
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}

	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}

	return v
}
