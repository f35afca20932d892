package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/mount"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/store"
)

// UploadHandle is returned from InitUpload: the persisted session plus the
// provider part plan the client uploads against.
type UploadHandle struct {
	Session *store.UploadSession        `json:"session"`
	Init    *driver.MultipartInitResult `json:"init"`
}

// SessionProgress reflects backend upload state for resume.
type SessionProgress struct {
	Session       *store.UploadSession `json:"session"`
	UploadedParts int                  `json:"uploadedParts"`
	BytesUploaded int64                `json:"bytesUploaded"`
	Completed     bool                 `json:"completed"`
}

// InitUpload starts a frontend-driven multipart upload: the driver plans
// parts and presigns targets, and the session row tracks the lifecycle.
func (fs *FileSystem) InitUpload(ctx context.Context, path string, p mount.Principal, fileSize, partSize int64) (*UploadHandle, error) {
	const op = "gateway.init_upload"

	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, path, err)
	}

	res, drv, err := fs.resolve(ctx, canon, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return nil, driver.E(driver.KindValidation, op, canon,
			errors.New("cannot upload to a virtual directory"))
	}

	if err != nil {
		return nil, err
	}

	if err := requireCap(drv, driver.CapMultipart, op, canon); err != nil {
		return nil, err
	}

	mp, ok := drv.(driver.Multiparter)
	if !ok {
		return nil, driver.E(driver.KindInternal, op, canon,
			errors.New("driver declares MULTIPART without Multiparter"))
	}

	init, err := mp.InitMultipart(ctx, res.Subpath, driver.MultipartInit{
		FileName: pathutil.BaseName(canon),
		FileSize: fileSize,
		PartSize: partSize,
	})
	if err != nil {
		return nil, err
	}

	var meta string
	if len(init.Meta) > 0 {
		raw, merr := json.Marshal(init.Meta)
		if merr != nil {
			return nil, driver.E(driver.KindInternal, op, canon, merr)
		}

		meta = string(raw)
	}

	session := &store.UploadSession{
		ID:               uuid.NewString(),
		Principal:        p.ID,
		StorageConfigID:  res.Config.ID,
		MountID:          res.Mount.ID,
		FSPath:           canon,
		FileName:         pathutil.BaseName(canon),
		FileSize:         fileSize,
		PartSize:         init.PartSize,
		TotalParts:       init.PartCount,
		ProviderUploadID: init.UploadID,
		ProviderMeta:     meta,
		ExpiresAt:        init.ExpiresAt,
	}

	// Single-session backends address chunks at the upload URL itself.
	if len(init.PartURLs) == 0 {
		session.ProviderUploadURL = init.UploadID
	}

	if err := fs.store.CreateSession(ctx, session); err != nil {
		// Orphaned provider uploads are reaped by the cleanup task; abort
		// eagerly anyway so the backend does not accumulate them.
		if abortErr := mp.AbortMultipart(context.WithoutCancel(ctx), res.Subpath, init.UploadID); abortErr != nil {
			fs.logger.Warn("aborting orphaned provider upload failed",
				slog.String("upload_id", init.UploadID), slog.Any("error", abortErr))
		}

		return nil, err
	}

	session.Status = store.SessionActive

	fs.logger.Info("upload session started",
		slog.String("session_id", session.ID), slog.String("path", canon),
		slog.Int64("file_size", fileSize), slog.Int("parts", init.PartCount))

	return &UploadHandle{Session: session, Init: init}, nil
}

// session loads a session and enforces ownership for non-admins.
func (fs *FileSystem) session(ctx context.Context, id string, p mount.Principal) (*store.UploadSession, error) {
	s, err := fs.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, driver.E(driver.KindSessionNotFound, "gateway.session", id, nil)
	}

	if err != nil {
		return nil, err
	}

	if !p.IsAdmin() && s.Principal != p.ID {
		return nil, driver.E(driver.KindSessionNotFound, "gateway.session", id, nil)
	}

	return s, nil
}

// multiparterFor rebuilds the driver a session was created against.
func (fs *FileSystem) multiparterFor(ctx context.Context, s *store.UploadSession) (driver.Multiparter, string, error) {
	m, err := fs.store.GetMount(ctx, s.MountID)
	if err != nil {
		return nil, "", err
	}

	cfg, err := fs.store.GetStorageConfig(ctx, s.StorageConfigID)
	if err != nil {
		return nil, "", err
	}

	drv, err := fs.factory.DriverFor(cfg)
	if err != nil {
		return nil, "", err
	}

	mp, ok := drv.(driver.Multiparter)
	if !ok {
		return nil, "", driver.E(driver.KindInternal, "gateway.session", s.ID,
			errors.New("session driver lost multipart support"))
	}

	sub, err := pathutil.Subpath(m.MountPath, s.FSPath)
	if err != nil {
		return nil, "", driver.E(driver.KindInternal, "gateway.session", s.ID, err)
	}

	return mp, sub, nil
}

// UploadProgress reflects provider state for resume. A session the provider
// no longer knows is marked error and surfaces UPLOAD_SESSION_NOT_FOUND so
// the client restarts the upload.
func (fs *FileSystem) UploadProgress(ctx context.Context, sessionID string, p mount.Principal) (*SessionProgress, error) {
	s, err := fs.session(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}

	if s.Status != store.SessionActive {
		return &SessionProgress{
			Session:       s,
			UploadedParts: s.UploadedParts,
			BytesUploaded: s.BytesUploaded,
			Completed:     s.Status == store.SessionCompleted,
		}, nil
	}

	mp, sub, err := fs.multiparterFor(ctx, s)
	if err != nil {
		return nil, err
	}

	parts, err := mp.ListParts(ctx, sub, s.ProviderUploadID)
	if err != nil {
		if driver.IsKind(err, driver.KindSessionNotFound) {
			fs.expireSession(ctx, s.ID)
		}

		return nil, err
	}

	progress := deriveProgress(parts, s.PartSize, s.FileSize)
	progress.Session = s

	if err := fs.store.UpdateSessionProgress(ctx, s.ID, progress.BytesUploaded, progress.UploadedParts, ""); err != nil {
		if !errors.Is(err, store.ErrSessionNotActive) {
			return nil, err
		}
	} else {
		s.BytesUploaded = progress.BytesUploaded
		s.UploadedParts = progress.UploadedParts
	}

	return progress, nil
}

// expireSession marks a session error after the provider forgot it.
func (fs *FileSystem) expireSession(ctx context.Context, id string) {
	if err := fs.store.FinishSession(context.WithoutCancel(ctx), id, store.SessionError); err != nil &&
		!errors.Is(err, store.ErrSessionNotActive) {
		fs.logger.Error("marking lost session failed",
			slog.String("session_id", id), slog.Any("error", err))
	}
}

// deriveProgress maps provider part state onto counters. Single-session
// backends report one synthetic part whose size is the confirmed byte count
// (-1 = everything received); completed parts are floor(bytes/partSize), so
// a misaligned final chunk is re-uploaded rather than guessed at.
func deriveProgress(parts []driver.PartInfo, partSize, fileSize int64) *SessionProgress {
	if len(parts) == 1 && parts[0].PartNumber == 0 {
		confirmed := parts[0].Size
		if confirmed < 0 {
			return &SessionProgress{
				UploadedParts: driver.PlanParts(fileSize, partSize),
				BytesUploaded: fileSize,
				Completed:     true,
			}
		}

		uploaded := 0
		if partSize > 0 {
			uploaded = int(confirmed / partSize)
		}

		return &SessionProgress{UploadedParts: uploaded, BytesUploaded: confirmed}
	}

	var bytes int64
	for _, part := range parts {
		bytes += part.Size
	}

	return &SessionProgress{UploadedParts: len(parts), BytesUploaded: bytes}
}

// CompleteUpload finalizes the provider upload and settles the session.
func (fs *FileSystem) CompleteUpload(ctx context.Context, sessionID string, p mount.Principal, parts []driver.CompletedPart) (*driver.PutResult, error) {
	const op = "gateway.complete_upload"

	s, err := fs.session(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}

	if s.Status != store.SessionActive {
		return nil, driver.E(driver.KindConflict, op, sessionID,
			fmt.Errorf("session is %s", s.Status))
	}

	mp, sub, err := fs.multiparterFor(ctx, s)
	if err != nil {
		return nil, err
	}

	result, err := mp.CompleteMultipart(ctx, sub, driver.MultipartComplete{
		UploadID: s.ProviderUploadID,
		Parts:    parts,
	})
	if err != nil {
		if driver.IsKind(err, driver.KindSessionNotFound) {
			fs.expireSession(ctx, s.ID)
		}

		return nil, err
	}

	if err := fs.store.FinishSession(ctx, s.ID, store.SessionCompleted); err != nil {
		if errors.Is(err, store.ErrSessionNotActive) {
			return nil, driver.E(driver.KindConflict, op, sessionID,
				errors.New("session left active state concurrently"))
		}

		return nil, err
	}

	fs.logger.Info("upload session completed",
		slog.String("session_id", s.ID), slog.String("path", s.FSPath),
		slog.Int64("file_size", s.FileSize))

	return result, nil
}

// AbortUpload cancels the provider upload and settles the session.
func (fs *FileSystem) AbortUpload(ctx context.Context, sessionID string, p mount.Principal) error {
	s, err := fs.session(ctx, sessionID, p)
	if err != nil {
		return err
	}

	if s.Status != store.SessionActive {
		return driver.E(driver.KindConflict, "gateway.abort_upload", sessionID,
			fmt.Errorf("session is %s", s.Status))
	}

	mp, sub, err := fs.multiparterFor(ctx, s)
	if err != nil {
		return err
	}

	if err := mp.AbortMultipart(ctx, sub, s.ProviderUploadID); err != nil &&
		!driver.IsKind(err, driver.KindSessionNotFound) {
		return err
	}

	if err := fs.store.FinishSession(ctx, s.ID, store.SessionAborted); err != nil &&
		!errors.Is(err, store.ErrSessionNotActive) {
		return err
	}

	return nil
}

// RefreshUploadURLs re-presigns part URLs for an active session.
func (fs *FileSystem) RefreshUploadURLs(ctx context.Context, sessionID string, p mount.Principal, partNumbers []int) ([]driver.PartURL, error) {
	s, err := fs.session(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}

	if s.Status != store.SessionActive {
		return nil, driver.E(driver.KindConflict, "gateway.refresh_upload_urls", sessionID,
			fmt.Errorf("session is %s", s.Status))
	}

	mp, sub, err := fs.multiparterFor(ctx, s)
	if err != nil {
		return nil, err
	}

	urls, err := mp.RefreshPartURLs(ctx, sub, s.ProviderUploadID, partNumbers)
	if err != nil {
		if driver.IsKind(err, driver.KindSessionNotFound) {
			fs.expireSession(ctx, s.ID)
		}

		return nil, err
	}

	return urls, nil
}
