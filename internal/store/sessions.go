package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Upload session statuses. Transitions are monotonic: active may move to any
// terminal state; terminal states never change again.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionAborted   = "aborted"
	SessionExpired   = "expired"
	SessionError     = "error"
)

// ErrSessionNotActive is returned by compare-and-set updates when the session
// left the active state concurrently (completed, aborted, or expired).
var ErrSessionNotActive = errors.New("store: upload session is not active")

// UploadSession is one resumable multipart upload.
type UploadSession struct {
	ID                string    `json:"id"`
	Principal         string    `json:"principal"`
	StorageConfigID   int64     `json:"storageConfigId"`
	MountID           int64     `json:"mountId"`
	FSPath            string    `json:"fsPath"`
	FileName          string    `json:"fileName"`
	FileSize          int64     `json:"fileSize"`
	PartSize          int64     `json:"partSize"`
	TotalParts        int       `json:"totalParts"`
	BytesUploaded     int64     `json:"bytesUploaded"`
	UploadedParts     int       `json:"uploadedParts"`
	NextExpectedRange string    `json:"nextExpectedRange,omitempty"`
	ProviderUploadID  string    `json:"-"`
	ProviderUploadURL string    `json:"-"`
	ProviderMeta      string    `json:"-"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	ExpiresAt         time.Time `json:"expiresAt,omitzero"`
}

const sessionColumns = `id, principal, storage_config_id, mount_id, fs_path, file_name,
	file_size, part_size, total_parts, bytes_uploaded, uploaded_parts, next_expected_range,
	provider_upload_id, provider_upload_url, provider_meta, status, created_at, updated_at, expires_at`

func scanSession(row interface{ Scan(...any) error }) (*UploadSession, error) {
	var u UploadSession
	var createdAt, updatedAt int64
	var expiresAt sql.NullInt64

	err := row.Scan(&u.ID, &u.Principal, &u.StorageConfigID, &u.MountID, &u.FSPath, &u.FileName,
		&u.FileSize, &u.PartSize, &u.TotalParts, &u.BytesUploaded, &u.UploadedParts, &u.NextExpectedRange,
		&u.ProviderUploadID, &u.ProviderUploadURL, &u.ProviderMeta, &u.Status, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	if expiresAt.Valid {
		u.ExpiresAt = time.Unix(expiresAt.Int64, 0).UTC()
	}

	return &u, nil
}

// CreateSession persists a new active upload session.
func (s *Store) CreateSession(ctx context.Context, u *UploadSession) error {
	now := time.Now().Unix()

	var expires sql.NullInt64
	if !u.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: u.ExpiresAt.Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Principal, u.StorageConfigID, u.MountID, u.FSPath, u.FileName,
		u.FileSize, u.PartSize, u.TotalParts, u.BytesUploaded, u.UploadedParts, u.NextExpectedRange,
		u.ProviderUploadID, u.ProviderUploadURL, u.ProviderMeta, SessionActive, now, now, expires)
	if err != nil {
		return fmt.Errorf("store: creating upload session %s: %w", u.ID, err)
	}

	return nil
}

// GetSession returns one upload session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*UploadSession, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM upload_sessions WHERE id = ?", id)

	u, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting upload session %s: %w", id, err)
	}

	return u, nil
}

// UpdateSessionProgress advances byte and part counters. The update is a
// compare-and-set gated on status = active, so a concurrent abort or expiry
// is never overwritten (ErrSessionNotActive).
func (s *Store) UpdateSessionProgress(ctx context.Context, id string, bytesUploaded int64, uploadedParts int, nextRange string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_sessions
		 SET bytes_uploaded = ?, uploaded_parts = ?, next_expected_range = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		bytesUploaded, uploadedParts, nextRange, time.Now().Unix(), id, SessionActive)
	if err != nil {
		return fmt.Errorf("store: updating session %s progress: %w", id, err)
	}

	return s.requireRow(res, id)
}

// FinishSession moves an active session to a terminal status. CAS on
// status = active keeps terminal transitions monotonic.
func (s *Store) FinishSession(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE upload_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		status, time.Now().Unix(), id, SessionActive)
	if err != nil {
		return fmt.Errorf("store: finishing session %s: %w", id, err)
	}

	return s.requireRow(res, id)
}

func (s *Store) requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for session %s: %w", id, err)
	}

	if n == 0 {
		return ErrSessionNotActive
	}

	return nil
}

// MarkExpiredSessions expires active sessions whose provider deadline passed
// or that have seen no progress within the grace window. Returns the number
// of sessions marked.
func (s *Store) MarkExpiredSessions(ctx context.Context, now time.Time, activeGrace time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_sessions SET status = ?, updated_at = ?
		 WHERE status = ? AND ((expires_at IS NOT NULL AND expires_at < ?) OR updated_at < ?)`,
		SessionExpired, now.Unix(), SessionActive, now.Unix(), now.Add(-activeGrace).Unix())
	if err != nil {
		return 0, fmt.Errorf("store: marking expired sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: expired sessions rows affected: %w", err)
	}

	return n, nil
}

// DeleteTerminalSessionsBefore removes completed/aborted/expired/error
// sessions last touched before cutoff. Returns the number deleted.
func (s *Store) DeleteTerminalSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM upload_sessions WHERE status != ? AND updated_at < ?",
		SessionActive, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: deleting terminal sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: deleted sessions rows affected: %w", err)
	}

	return n, nil
}

// CountSessionsByStatus returns per-status session counts.
func (s *Store) CountSessionsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM upload_sessions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("store: counting sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)

	for rows.Next() {
		var status string
		var n int64

		if scanErr := rows.Scan(&status, &n); scanErr != nil {
			return nil, fmt.Errorf("store: scanning session count: %w", scanErr)
		}

		counts[status] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating session counts: %w", err)
	}

	return counts, nil
}
