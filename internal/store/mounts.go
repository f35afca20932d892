package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// WebDAV proxy policies for mounts.
const (
	WebDAVPolicyRedirect    = "redirect"
	WebDAVPolicyUseProxyURL = "use_proxy_url"
	WebDAVPolicyNativeProxy = "native_proxy"
)

// Mount binds a virtual path prefix to a storage config.
type Mount struct {
	ID              int64     `json:"id"`
	MountPath       string    `json:"mountPath"`
	StorageConfigID int64     `json:"storageConfigId"`
	CacheTTL        int       `json:"cacheTtl"`
	WebProxy        bool      `json:"webProxy"`
	WebDAVPolicy    string    `json:"webdavPolicy"`
	Owner           string    `json:"owner"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUsedAt      time.Time `json:"lastUsedAt,omitzero"`
}

// StorageConfig is the driver-specific backend configuration. ConfigJSON
// holds non-secret settings; SecretsCiphertext holds sealed credentials that
// only a driver factory opens.
type StorageConfig struct {
	ID                int64  `json:"id"`
	Type              string `json:"type"`
	ConfigJSON        string `json:"-"`
	IsPublic          bool   `json:"isPublic"`
	IsDefault         bool   `json:"isDefault"`
	OwnerID           string `json:"ownerId"`
	SecretsCiphertext string `json:"-"`
}

const mountColumns = "id, mount_path, storage_config_id, cache_ttl, web_proxy, webdav_policy, owner, created_at, last_used_at"

func scanMount(row interface{ Scan(...any) error }) (*Mount, error) {
	var m Mount
	var createdAt int64
	var lastUsed sql.NullInt64

	err := row.Scan(&m.ID, &m.MountPath, &m.StorageConfigID, &m.CacheTTL,
		&m.WebProxy, &m.WebDAVPolicy, &m.Owner, &createdAt, &lastUsed)
	if err != nil {
		return nil, err
	}

	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	if lastUsed.Valid {
		m.LastUsedAt = time.Unix(lastUsed.Int64, 0).UTC()
	}

	return &m, nil
}

// ListMounts returns all mounts ordered by mount path.
func (s *Store) ListMounts(ctx context.Context) ([]Mount, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+mountColumns+" FROM mounts ORDER BY mount_path")
	if err != nil {
		return nil, fmt.Errorf("store: listing mounts: %w", err)
	}
	defer rows.Close()

	var mounts []Mount

	for rows.Next() {
		m, scanErr := scanMount(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning mount: %w", scanErr)
		}

		mounts = append(mounts, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating mounts: %w", err)
	}

	return mounts, nil
}

// GetMount returns one mount by ID.
func (s *Store) GetMount(ctx context.Context, id int64) (*Mount, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+mountColumns+" FROM mounts WHERE id = ?", id)

	m, err := scanMount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting mount %d: %w", id, err)
	}

	return m, nil
}

// CreateMount inserts a mount and returns it with the assigned ID.
func (s *Store) CreateMount(ctx context.Context, m *Mount) (*Mount, error) {
	now := time.Now().Unix()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mounts (mount_path, storage_config_id, cache_ttl, web_proxy, webdav_policy, owner, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.MountPath, m.StorageConfigID, m.CacheTTL, m.WebProxy, m.WebDAVPolicy, m.Owner, now)
	if err != nil {
		return nil, fmt.Errorf("store: creating mount %s: %w", m.MountPath, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: mount insert ID: %w", err)
	}

	created := *m
	created.ID = id
	created.CreatedAt = time.Unix(now, 0).UTC()

	return &created, nil
}

// TouchMount records that the mount was just used.
func (s *Store) TouchMount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE mounts SET last_used_at = ? WHERE id = ?", time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: touching mount %d: %w", id, err)
	}

	return nil
}

// GetStorageConfig returns one storage config by ID.
func (s *Store) GetStorageConfig(ctx context.Context, id int64) (*StorageConfig, error) {
	var c StorageConfig

	err := s.db.QueryRowContext(ctx,
		"SELECT id, type, config_json, is_public, is_default, owner_id, secrets_ciphertext FROM storage_configs WHERE id = ?",
		id).Scan(&c.ID, &c.Type, &c.ConfigJSON, &c.IsPublic, &c.IsDefault, &c.OwnerID, &c.SecretsCiphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting storage config %d: %w", id, err)
	}

	return &c, nil
}

// CreateStorageConfig inserts a storage config. When IsDefault is set, any
// previous default for the same owner is demoted in the same transaction —
// exactly one default per owner.
func (s *Store) CreateStorageConfig(ctx context.Context, c *StorageConfig) (*StorageConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin storage config insert: %w", err)
	}
	defer tx.Rollback()

	if c.IsDefault {
		if _, err := tx.ExecContext(ctx,
			"UPDATE storage_configs SET is_default = 0 WHERE owner_id = ?", c.OwnerID); err != nil {
			return nil, fmt.Errorf("store: demoting previous default config: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO storage_configs (type, config_json, is_public, is_default, owner_id, secrets_ciphertext)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.Type, c.ConfigJSON, c.IsPublic, c.IsDefault, c.OwnerID, c.SecretsCiphertext)
	if err != nil {
		return nil, fmt.Errorf("store: creating storage config: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: storage config insert ID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit storage config insert: %w", err)
	}

	created := *c
	created.ID = id

	return &created, nil
}

// ACLConfigIDs returns the storage-config IDs granted to a subject.
func (s *Store) ACLConfigIDs(ctx context.Context, subjectType, subjectID string) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT storage_config_id FROM principal_storage_acl WHERE subject_type = ? AND subject_id = ?",
		subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("store: listing ACL for %s/%s: %w", subjectType, subjectID, err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)

	for rows.Next() {
		var id int64
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("store: scanning ACL row: %w", scanErr)
		}

		ids[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating ACL rows: %w", err)
	}

	return ids, nil
}

// GrantACL adds a storage config to a subject's allow-list. Idempotent.
func (s *Store) GrantACL(ctx context.Context, subjectType, subjectID string, configID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO principal_storage_acl (subject_type, subject_id, storage_config_id)
		 VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		subjectType, subjectID, configID)
	if err != nil {
		return fmt.Errorf("store: granting ACL: %w", err)
	}

	return nil
}

// PublicConfigIDs returns the IDs of publicly visible storage configs.
func (s *Store) PublicConfigIDs(ctx context.Context) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM storage_configs WHERE is_public = 1")
	if err != nil {
		return nil, fmt.Errorf("store: listing public configs: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)

	for rows.Next() {
		var id int64
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("store: scanning public config row: %w", scanErr)
		}

		ids[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating public config rows: %w", err)
	}

	return ids, nil
}
