package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// JobStats are the aggregate counters of a job. success + skipped + failed
// never exceeds total and all counters are monotonically non-decreasing.
type JobStats struct {
	Success     int   `json:"success"`
	Skipped     int   `json:"skipped"`
	Failed      int   `json:"failed"`
	Total       int   `json:"total"`
	BytesCopied int64 `json:"bytesCopied"`
}

// Job is a persisted job descriptor.
type Job struct {
	ID          string    `json:"id"`
	TaskType    string    `json:"taskType"`
	Status      string    `json:"status"`
	PayloadJSON string    `json:"payload"`
	Stats       JobStats  `json:"stats"`
	Principal   string    `json:"principal"`
	MountScope  string    `json:"mountScope,omitempty"`
	Error       string    `json:"error,omitempty"`
	Resumable   bool      `json:"resumable"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	TaskType  string
	Status    string
	Principal string
	Limit     int
	Offset    int
}

const jobColumns = `id, task_type, status, payload_json, success, skipped, failed, total,
	bytes_copied, principal, mount_scope, error, resumable, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var createdAt, updatedAt int64

	err := row.Scan(&j.ID, &j.TaskType, &j.Status, &j.PayloadJSON,
		&j.Stats.Success, &j.Stats.Skipped, &j.Stats.Failed, &j.Stats.Total,
		&j.Stats.BytesCopied, &j.Principal, &j.MountScope, &j.Error, &j.Resumable,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &j, nil
}

// CreateJob persists a new descriptor.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, task_type, status, payload_json, success, skipped, failed, total,
		 bytes_copied, principal, mount_scope, error, resumable, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TaskType, j.Status, j.PayloadJSON,
		j.Stats.Success, j.Stats.Skipped, j.Stats.Failed, j.Stats.Total,
		j.Stats.BytesCopied, j.Principal, j.MountScope, j.Error, j.Resumable, now, now)
	if err != nil {
		return fmt.Errorf("store: creating job %s: %w", j.ID, err)
	}

	return nil
}

// GetJob returns one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting job %s: %w", id, err)
	}

	return j, nil
}

// UpdateJob persists the mutable fields of a descriptor.
func (s *Store) UpdateJob(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, success = ?, skipped = ?, failed = ?, total = ?,
		 bytes_copied = ?, error = ?, updated_at = ? WHERE id = ?`,
		j.Status, j.Stats.Success, j.Stats.Skipped, j.Stats.Failed, j.Stats.Total,
		j.Stats.BytesCopied, j.Error, time.Now().Unix(), j.ID)
	if err != nil {
		return fmt.Errorf("store: updating job %s: %w", j.ID, err)
	}

	return nil
}

// DeleteJob removes a descriptor.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: deleting job %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: deleted job rows affected: %w", err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// ListJobs returns descriptors matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var conds []string
	var args []any

	if f.TaskType != "" {
		conds = append(conds, "task_type = ?")
		args = append(args, f.TaskType)
	}

	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}

	if f.Principal != "" {
		conds = append(conds, "principal = ?")
		args = append(args, f.Principal)
	}

	q := "SELECT " + jobColumns + " FROM jobs"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job

	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning job: %w", scanErr)
		}

		jobs = append(jobs, *j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating jobs: %w", err)
	}

	return jobs, nil
}
