// Package mount resolves virtual paths to mounts: longest-prefix matching,
// per-principal visibility, virtual-directory detection, and per-path
// password tokens.
package mount

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/store"
)

// Principal kinds.
const (
	KindAdmin  = "admin"
	KindAPIKey = "api_key"
)

// Forbidden sub-reasons surfaced on password-token failures.
const (
	ReasonPasswordRequired = "PASSWORD_REQUIRED"
	ReasonPasswordChanged  = "PASSWORD_CHANGED"
)

// Principal identifies the caller. BasicPath scopes API-key principals to a
// required path prefix; it is ignored for admins.
type Principal struct {
	Kind      string
	ID        string
	BasicPath string
}

// IsAdmin reports whether the principal bypasses visibility and token
// checks.
func (p Principal) IsAdmin() bool { return p.Kind == KindAdmin }

// Resolved is the outcome of mapping a virtual path onto a mount.
type Resolved struct {
	Mount   store.Mount
	Config  *store.StorageConfig
	Subpath string
}

// Store is the persistence surface the resolver needs.
type Store interface {
	ListMounts(ctx context.Context) ([]store.Mount, error)
	GetStorageConfig(ctx context.Context, id int64) (*store.StorageConfig, error)
	ACLConfigIDs(ctx context.Context, subjectType, subjectID string) (map[int64]bool, error)
	PublicConfigIDs(ctx context.Context) (map[int64]bool, error)
	GetPathPassword(ctx context.Context, path string) (*store.PathPassword, error)
	TouchMount(ctx context.Context, id int64) error
}

// Resolver maps virtual paths to mounts for a principal.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// NewResolver builds a resolver over the given store.
func NewResolver(st Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{store: st, logger: logger}
}

// VisibleMounts returns the mounts the principal may see, sorted by mount
// path (the store's order). Admins see everything; API-key principals see
// mounts whose storage config is public AND granted to them, restricted to
// their basic path scope.
func (r *Resolver) VisibleMounts(ctx context.Context, p Principal) ([]store.Mount, error) {
	mounts, err := r.store.ListMounts(ctx)
	if err != nil {
		return nil, err
	}

	if p.IsAdmin() {
		return mounts, nil
	}

	public, err := r.store.PublicConfigIDs(ctx)
	if err != nil {
		return nil, err
	}

	granted, err := r.store.ACLConfigIDs(ctx, p.Kind, p.ID)
	if err != nil {
		return nil, err
	}

	scope := "/"
	if p.BasicPath != "" {
		if scope, err = pathutil.Canonicalize(p.BasicPath); err != nil {
			return nil, driver.E(driver.KindValidation, "mount.visible", p.BasicPath, err)
		}
	}

	visible := make([]store.Mount, 0, len(mounts))

	for _, m := range mounts {
		if !public[m.StorageConfigID] || !granted[m.StorageConfigID] {
			continue
		}

		if !inScope(scope, m.MountPath) {
			continue
		}

		visible = append(visible, m)
	}

	return visible, nil
}

// inScope reports whether a mount is reachable from the principal's scope:
// either the mount sits under the scope, or the scope dives inside the
// mount (the principal then sees the sub-tree).
func inScope(scope, mountPath string) bool {
	if scope == "/" {
		return true
	}

	return scope == mountPath ||
		pathutil.IsAncestor(scope, mountPath) ||
		pathutil.IsAncestor(mountPath, scope)
}

// ErrVirtualDirectory marks a path that is not on any mount but is a strict
// prefix of at least one visible mount path.
var ErrVirtualDirectory = errors.New("mount: path is a virtual directory")

// Resolve picks the longest visible mount whose path is the virtual path or
// an ancestor of it. A path above all mounts resolves to
// ErrVirtualDirectory; anything else is NOT_FOUND.
func (r *Resolver) Resolve(ctx context.Context, virtualPath string, p Principal) (*Resolved, error) {
	const op = "mount.resolve"

	canon, err := pathutil.Canonicalize(virtualPath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, virtualPath, err)
	}

	if !p.IsAdmin() && p.BasicPath != "" {
		scope, scopeErr := pathutil.Canonicalize(p.BasicPath)
		if scopeErr != nil {
			return nil, driver.E(driver.KindValidation, op, p.BasicPath, scopeErr)
		}

		if scope != "/" && canon != scope && !pathutil.IsAncestor(scope, canon) && !pathutil.IsAncestor(canon, scope) {
			return nil, driver.E(driver.KindForbidden, op, virtualPath,
				fmt.Errorf("path outside principal scope %s", scope))
		}
	}

	visible, err := r.VisibleMounts(ctx, p)
	if err != nil {
		return nil, err
	}

	var best *store.Mount

	virtualAbove := false

	for i := range visible {
		m := &visible[i]

		if m.MountPath == canon || pathutil.IsAncestor(m.MountPath, canon) {
			if best == nil || len(m.MountPath) > len(best.MountPath) {
				best = m
			}

			continue
		}

		if canon == "/" || pathutil.IsAncestor(canon, m.MountPath) {
			virtualAbove = true
		}
	}

	if best == nil {
		if virtualAbove {
			return nil, ErrVirtualDirectory
		}

		return nil, driver.E(driver.KindNotFound, op, virtualPath, nil)
	}

	cfg, err := r.store.GetStorageConfig(ctx, best.StorageConfigID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, driver.E(driver.KindInternal, op, virtualPath,
				fmt.Errorf("mount %d references missing storage config %d", best.ID, best.StorageConfigID))
		}

		return nil, err
	}

	sub, err := pathutil.Subpath(best.MountPath, canon)
	if err != nil {
		return nil, driver.E(driver.KindInternal, op, virtualPath, err)
	}

	if touchErr := r.store.TouchMount(ctx, best.ID); touchErr != nil {
		r.logger.Warn("recording mount use failed",
			slog.Int64("mount_id", best.ID), slog.Any("error", touchErr))
	}

	return &Resolved{Mount: *best, Config: cfg, Subpath: sub}, nil
}

// PathToken is the expected x-fs-path-token value for a path secret:
// hex(HMAC-SHA256(secret, path)).
func PathToken(path, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(path))

	return hex.EncodeToString(mac.Sum(nil))
}

// CheckPathToken enforces the per-path password on directory listings for
// non-admin principals. The token is checked against the path itself and
// every protected ancestor. A token minted from the previous secret
// surfaces PASSWORD_CHANGED so clients re-prompt instead of retrying.
func (r *Resolver) CheckPathToken(ctx context.Context, virtualPath string, p Principal, token string) error {
	const op = "mount.path_token"

	if p.IsAdmin() {
		return nil
	}

	canon, err := pathutil.Canonicalize(virtualPath)
	if err != nil {
		return driver.E(driver.KindValidation, op, virtualPath, err)
	}

	for probe := canon; ; probe = pathutil.ParentPath(probe) {
		pw, getErr := r.store.GetPathPassword(ctx, probe)
		if errors.Is(getErr, store.ErrNotFound) {
			if probe == "/" {
				return nil
			}

			continue
		}

		if getErr != nil {
			return getErr
		}

		if token == "" {
			return &driver.Error{Kind: driver.KindForbidden, Op: op, Path: virtualPath,
				Reason: ReasonPasswordRequired}
		}

		expected := PathToken(probe, pw.Secret)
		if hmac.Equal([]byte(token), []byte(expected)) {
			return nil
		}

		if pw.PrevSecret != "" {
			stale := PathToken(probe, pw.PrevSecret)
			if hmac.Equal([]byte(token), []byte(stale)) {
				return &driver.Error{Kind: driver.KindForbidden, Op: op, Path: virtualPath,
					Reason: ReasonPasswordChanged}
			}
		}

		return &driver.Error{Kind: driver.KindForbidden, Op: op, Path: virtualPath,
			Reason: ReasonPasswordRequired}
	}
}
