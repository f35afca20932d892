package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PathPassword protects a directory subtree with a shared secret. The
// previous secret is retained through one rotation so stale client tokens
// can be told apart from wrong ones.
type PathPassword struct {
	Path       string    `json:"path"`
	Secret     string    `json:"-"`
	PrevSecret string    `json:"-"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// GetPathPassword returns the password record for an exact path.
func (s *Store) GetPathPassword(ctx context.Context, path string) (*PathPassword, error) {
	var p PathPassword
	var updatedAt int64

	err := s.db.QueryRowContext(ctx,
		"SELECT path, secret, prev_secret, updated_at FROM path_passwords WHERE path = ?",
		path).Scan(&p.Path, &p.Secret, &p.PrevSecret, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting path password for %s: %w", path, err)
	}

	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &p, nil
}

// SetPathPassword creates or rotates the secret for a path. On rotation the
// outgoing secret becomes prev_secret.
func (s *Store) SetPathPassword(ctx context.Context, path, secret string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO path_passwords (path, secret, prev_secret, updated_at) VALUES (?, ?, '', ?)
		 ON CONFLICT(path) DO UPDATE SET prev_secret = secret, secret = excluded.secret,
		 updated_at = excluded.updated_at`,
		path, secret, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: setting path password for %s: %w", path, err)
	}

	return nil
}

// DeletePathPassword removes the protection from a path.
func (s *Store) DeletePathPassword(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM path_passwords WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("store: deleting path password for %s: %w", path, err)
	}

	return nil
}
