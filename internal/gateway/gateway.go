// Package gateway implements the FileSystem orchestrator: every public
// operation over virtual paths. It resolves mounts, gates on driver
// capabilities, synthesizes virtual directories from the mount table, and
// splits cross-storage copies into presigned handoffs or background jobs.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/mount"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/store"
	"github.com/canopyfs/canopy/internal/stream"
)

// JobEnqueuer is the job-engine surface the gateway needs for cross-storage
// copies.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, principal string) (*store.Job, error)
}

// Store is the persistence surface the gateway uses beyond the resolver.
type Store interface {
	GetMount(ctx context.Context, id int64) (*store.Mount, error)
	GetStorageConfig(ctx context.Context, id int64) (*store.StorageConfig, error)
	CreateSession(ctx context.Context, u *store.UploadSession) error
	GetSession(ctx context.Context, id string) (*store.UploadSession, error)
	UpdateSessionProgress(ctx context.Context, id string, bytesUploaded int64, uploadedParts int, nextRange string) error
	FinishSession(ctx context.Context, id, status string) error
}

// FileSystem orchestrates all public file operations over virtual paths.
type FileSystem struct {
	resolver *mount.Resolver
	factory  *Factory
	store    Store
	signer   *pathutil.Signer
	enqueuer JobEnqueuer
	logger   *slog.Logger

	now func() time.Time
}

// New builds the orchestrator. enqueuer may be nil when the job engine is
// not wired (cross-storage batch copies then fail with VALIDATION).
func New(resolver *mount.Resolver, factory *Factory, st Store, signer *pathutil.Signer, enqueuer JobEnqueuer, logger *slog.Logger) *FileSystem {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileSystem{
		resolver: resolver,
		factory:  factory,
		store:    st,
		signer:   signer,
		enqueuer: enqueuer,
		logger:   logger,
		now:      time.Now,
	}
}

// resolve maps a virtual path to its mount and driver.
func (fs *FileSystem) resolve(ctx context.Context, path string, p mount.Principal) (*mount.Resolved, driver.Driver, error) {
	res, err := fs.resolver.Resolve(ctx, path, p)
	if err != nil {
		return nil, nil, err
	}

	drv, err := fs.factory.DriverFor(res.Config)
	if err != nil {
		return nil, nil, err
	}

	return res, drv, nil
}

func requireCap(drv driver.Driver, want driver.Capability, op, path string) error {
	if drv.Capabilities().Has(want) {
		return nil
	}

	return driver.E(driver.KindValidation, op, path,
		fmt.Errorf("driver %s lacks capability %s", drv.Type(), want))
}

// List returns the directory listing at a virtual path. Virtual directories
// are synthesized from the mount table without any driver call; mounted
// directories come from the driver with child mounts merged in as virtual
// entries. Non-admin callers must present a valid path token for protected
// subtrees.
func (fs *FileSystem) List(ctx context.Context, path string, p mount.Principal, pathToken string) (*driver.Listing, error) {
	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, driver.E(driver.KindValidation, "gateway.list", path, err)
	}

	if err := fs.resolver.CheckPathToken(ctx, canon, p, pathToken); err != nil {
		return nil, err
	}

	res, drv, err := fs.resolve(ctx, canon, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return fs.virtualListing(ctx, canon, p)
	}

	if err != nil {
		return nil, err
	}

	listing, err := drv.List(ctx, res.Subpath)
	if err != nil {
		return nil, err
	}

	fs.rebase(listing.Items, res.Mount.MountPath)
	listing.IsRoot = res.Subpath == "/"

	if err := fs.mergeChildMounts(ctx, canon, p, listing); err != nil {
		return nil, err
	}

	return listing, nil
}

// rebase rewrites driver-relative item paths into virtual paths.
func (fs *FileSystem) rebase(items []driver.FileInfo, mountPath string) {
	for i := range items {
		items[i].Path = pathutil.Join(mountPath, items[i].Path)
	}
}

// virtualListing computes a directory purely from the visible mount table.
func (fs *FileSystem) virtualListing(ctx context.Context, canon string, p mount.Principal) (*driver.Listing, error) {
	mounts, err := fs.resolver.VisibleMounts(ctx, p)
	if err != nil {
		return nil, err
	}

	listing := &driver.Listing{Items: []driver.FileInfo{}, IsRoot: canon == "/"}
	seen := make(map[string]bool)

	for _, m := range mounts {
		if m.MountPath != canon && !pathutil.IsAncestor(canon, m.MountPath) {
			continue
		}

		child := childSegment(canon, m.MountPath)
		if child == "" || seen[child] {
			continue
		}

		seen[child] = true
		listing.Items = append(listing.Items, driver.FileInfo{
			Name:      child,
			Path:      pathutil.Join(canon, child),
			IsDir:     true,
			IsVirtual: true,
		})
	}

	sort.Slice(listing.Items, func(i, j int) bool {
		return listing.Items[i].Name < listing.Items[j].Name
	})

	return listing, nil
}

// childSegment returns the first path segment of mountPath below dir, or ""
// when mountPath is not strictly below dir.
func childSegment(dir, mountPath string) string {
	sub, err := pathutil.Subpath(dir, mountPath)
	if err != nil || sub == "/" {
		return ""
	}

	rest := sub[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}

	return rest
}

// mergeChildMounts appends virtual entries for mounts nested directly under
// a mounted directory, so nested mounts stay reachable from listings.
func (fs *FileSystem) mergeChildMounts(ctx context.Context, canon string, p mount.Principal, listing *driver.Listing) error {
	mounts, err := fs.resolver.VisibleMounts(ctx, p)
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(listing.Items))
	for _, it := range listing.Items {
		present[it.Name] = true
	}

	for _, m := range mounts {
		if !pathutil.IsAncestor(canon, m.MountPath) {
			continue
		}

		child := childSegment(canon, m.MountPath)
		if child == "" || present[child] {
			continue
		}

		present[child] = true
		listing.Items = append(listing.Items, driver.FileInfo{
			Name:      child,
			Path:      pathutil.Join(canon, child),
			IsDir:     true,
			IsVirtual: true,
		})
	}

	return nil
}

// Stat returns metadata for a virtual path. Virtual directories stat as
// zero-size directories without touching any backend.
func (fs *FileSystem) Stat(ctx context.Context, path string, p mount.Principal) (*driver.FileInfo, error) {
	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, driver.E(driver.KindValidation, "gateway.stat", path, err)
	}

	res, drv, err := fs.resolve(ctx, canon, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return &driver.FileInfo{
			Name:      pathutil.BaseName(canon),
			Path:      canon,
			IsDir:     true,
			IsVirtual: true,
		}, nil
	}

	if err != nil {
		return nil, err
	}

	fi, err := drv.Stat(ctx, res.Subpath)
	if err != nil {
		return nil, err
	}

	fi.Path = canon

	return fi, nil
}

// Download returns a streaming descriptor for a file. Range handling is the
// caller's business: the descriptor slices unhonored ranges itself.
func (fs *FileSystem) Download(ctx context.Context, path string, p mount.Principal) (*stream.Descriptor, error) {
	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, driver.E(driver.KindValidation, "gateway.download", path, err)
	}

	res, drv, err := fs.resolve(ctx, canon, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return nil, driver.E(driver.KindValidation, "gateway.download", canon,
			errors.New("cannot download a directory"))
	}

	if err != nil {
		return nil, err
	}

	return drv.Download(ctx, res.Subpath)
}

// Upload writes a file at a virtual path. overwrite selects Update over
// Upload semantics.
func (fs *FileSystem) Upload(ctx context.Context, path string, p mount.Principal, body driver.Body, overwrite bool) (*driver.PutResult, error) {
	const op = "gateway.upload"

	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, path, err)
	}

	res, drv, err := fs.resolve(ctx, canon, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return nil, driver.E(driver.KindValidation, op, canon,
			errors.New("cannot write to a virtual directory"))
	}

	if err != nil {
		return nil, err
	}

	if err := requireCap(drv, driver.CapWriter, op, canon); err != nil {
		return nil, err
	}

	if overwrite {
		if err := drv.Update(ctx, res.Subpath, body); err != nil {
			return nil, err
		}

		return &driver.PutResult{StoragePath: res.Subpath}, nil
	}

	return drv.Upload(ctx, res.Subpath, body)
}

// Mkdir creates a directory at a virtual path.
func (fs *FileSystem) Mkdir(ctx context.Context, path string, p mount.Principal) (*driver.MkdirResult, error) {
	const op = "gateway.mkdir"

	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, path, err)
	}

	res, drv, err := fs.resolve(ctx, canon, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		// The directory already exists by virtue of the mounts beneath it.
		return &driver.MkdirResult{AlreadyExisted: true}, nil
	}

	if err != nil {
		return nil, err
	}

	if err := requireCap(drv, driver.CapWriter, op, canon); err != nil {
		return nil, err
	}

	return drv.CreateDirectory(ctx, res.Subpath)
}

// Rename moves a file within one mount. Renames across mounts are rejected;
// callers run a copy job and delete instead.
func (fs *FileSystem) Rename(ctx context.Context, oldPath, newPath string, p mount.Principal) (*driver.RenameResult, error) {
	const op = "gateway.rename"

	oldRes, drv, err := fs.resolve(ctx, oldPath, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return nil, driver.E(driver.KindValidation, op, oldPath,
			errors.New("cannot rename a virtual directory"))
	}

	if err != nil {
		return nil, err
	}

	newRes, err := fs.resolver.Resolve(ctx, newPath, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return nil, driver.E(driver.KindValidation, op, newPath,
			errors.New("target is a virtual directory"))
	}

	if err != nil {
		return nil, err
	}

	if oldRes.Mount.ID != newRes.Mount.ID {
		return nil, driver.E(driver.KindValidation, op, newPath,
			errors.New("rename across mounts is not supported, copy then delete"))
	}

	if err := requireCap(drv, driver.CapWriter, op, oldPath); err != nil {
		return nil, err
	}

	return drv.Rename(ctx, oldRes.Subpath, newRes.Subpath)
}

// Copy copies one file. Same-mount copies with an ATOMIC driver run
// server-side; everything else streams through the gateway.
func (fs *FileSystem) Copy(ctx context.Context, sourcePath, targetPath string, p mount.Principal, skipExisting bool) (*driver.CopyResult, error) {
	const op = "gateway.copy"

	srcRes, srcDrv, err := fs.resolve(ctx, sourcePath, p)
	if err != nil {
		return nil, fs.asValidationIfVirtual(err, op, sourcePath)
	}

	dstRes, dstDrv, err := fs.resolve(ctx, targetPath, p)
	if err != nil {
		return nil, fs.asValidationIfVirtual(err, op, targetPath)
	}

	if srcRes.Mount.ID == dstRes.Mount.ID && srcDrv.Capabilities().Has(driver.CapAtomic) {
		return srcDrv.Copy(ctx, srcRes.Subpath, dstRes.Subpath, driver.CopyOptions{SkipExisting: skipExisting})
	}

	return fs.streamCopy(ctx, srcDrv, dstDrv, srcRes, dstRes, sourcePath, targetPath, skipExisting)
}

func (fs *FileSystem) asValidationIfVirtual(err error, op, path string) error {
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return driver.E(driver.KindValidation, op, path,
			errors.New("operation needs a file, got a virtual directory"))
	}

	return err
}

// streamCopy pipes source bytes into the target driver.
func (fs *FileSystem) streamCopy(ctx context.Context, srcDrv, dstDrv driver.Driver, srcRes, dstRes *mount.Resolved, sourcePath, targetPath string, skipExisting bool) (*driver.CopyResult, error) {
	const op = "gateway.copy"

	if err := requireCap(dstDrv, driver.CapWriter, op, targetPath); err != nil {
		return nil, err
	}

	srcInfo, err := srcDrv.Stat(ctx, srcRes.Subpath)
	if err != nil {
		return nil, err
	}

	if srcInfo.IsDir {
		return nil, driver.E(driver.KindValidation, op, sourcePath,
			errors.New("directory copy across storages is not supported"))
	}

	if skipExisting {
		exists, err := dstDrv.Exists(ctx, dstRes.Subpath)
		if err != nil {
			return nil, err
		}

		if exists {
			return &driver.CopyResult{
				Status: driver.CopySkipped,
				Source: sourcePath,
				Target: targetPath,
				Reason: "target exists",
			}, nil
		}
	}

	desc, err := srcDrv.Download(ctx, srcRes.Subpath)
	if err != nil {
		return nil, err
	}

	rc, err := desc.OpenFull(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if err := dstDrv.Update(ctx, dstRes.Subpath, driver.Body{Reader: rc, Size: desc.Size}); err != nil {
		return nil, err
	}

	fs.logger.Info("cross-storage copy completed",
		slog.String("source", sourcePath), slog.String("target", targetPath),
		slog.Int64("bytes", srcInfo.Size))

	return &driver.CopyResult{Status: driver.CopySuccess, Source: sourcePath, Target: targetPath}, nil
}

// CopyOne implements jobs.Copier for the copy task handler.
func (fs *FileSystem) CopyOne(ctx context.Context, ref jobs.PrincipalRef, sourcePath, targetPath string, skipExisting bool) (*jobs.CopyOutcome, error) {
	p := mount.Principal{Kind: ref.Kind, ID: ref.ID, BasicPath: ref.BasicPath}

	srcRes, _, err := fs.resolve(ctx, sourcePath, p)
	if err != nil {
		return nil, fs.asValidationIfVirtual(err, "gateway.copy", sourcePath)
	}

	srcDrv, err := fs.factory.DriverFor(srcRes.Config)
	if err != nil {
		return nil, err
	}

	srcInfo, err := srcDrv.Stat(ctx, srcRes.Subpath)
	if err != nil {
		return nil, err
	}

	result, err := fs.Copy(ctx, sourcePath, targetPath, p, skipExisting)
	if err != nil {
		return nil, err
	}

	if result.Status == driver.CopySkipped {
		return &jobs.CopyOutcome{Skipped: true}, nil
	}

	return &jobs.CopyOutcome{Bytes: srcInfo.Size}, nil
}

// BatchCopy enqueues one background copy job for the given pairs.
func (fs *FileSystem) BatchCopy(ctx context.Context, p mount.Principal, pairs []jobs.CopyPair, skipExisting bool, maxConcurrency int) (*store.Job, error) {
	const op = "gateway.batch_copy"

	if fs.enqueuer == nil {
		return nil, driver.E(driver.KindValidation, op, "",
			errors.New("job engine is not configured"))
	}

	payload, err := json.Marshal(jobs.CopyPayload{
		Items:          pairs,
		SkipExisting:   skipExisting,
		MaxConcurrency: maxConcurrency,
		Principal:      jobs.PrincipalRef{Kind: p.Kind, ID: p.ID, BasicPath: p.BasicPath},
	})
	if err != nil {
		return nil, driver.E(driver.KindInternal, op, "", err)
	}

	return fs.enqueuer.Enqueue(ctx, jobs.TaskCopy, payload, p.ID)
}

// CopyHandoff is the client-driven copy plan: the client downloads from
// Source and uploads to Target directly, then commits via BatchCopyCommit.
type CopyHandoff struct {
	Source *driver.DownloadLink    `json:"source"`
	Target *driver.PresignedUpload `json:"target"`
}

// PlanClientCopy presigns both sides of a cross-storage copy when the
// source can hand out download links and the target accepts presigned
// uploads. VALIDATION when either side lacks the capability.
func (fs *FileSystem) PlanClientCopy(ctx context.Context, p mount.Principal, sourcePath, targetPath string, expiry time.Duration) (*CopyHandoff, error) {
	const op = "gateway.plan_client_copy"

	srcRes, srcDrv, err := fs.resolve(ctx, sourcePath, p)
	if err != nil {
		return nil, fs.asValidationIfVirtual(err, op, sourcePath)
	}

	dstRes, dstDrv, err := fs.resolve(ctx, targetPath, p)
	if err != nil {
		return nil, fs.asValidationIfVirtual(err, op, targetPath)
	}

	if err := requireCap(srcDrv, driver.CapDirectLink, op, sourcePath); err != nil {
		return nil, err
	}

	if err := requireCap(dstDrv, driver.CapPresigned, op, targetPath); err != nil {
		return nil, err
	}

	srcSigner, ok := srcDrv.(driver.Presigner)
	if !ok {
		return nil, driver.E(driver.KindInternal, op, sourcePath,
			errors.New("driver declares DIRECT_LINK without Presigner"))
	}

	dstSigner, ok := dstDrv.(driver.Presigner)
	if !ok {
		return nil, driver.E(driver.KindInternal, op, targetPath,
			errors.New("driver declares PRESIGNED without Presigner"))
	}

	link, err := srcSigner.PresignDownload(ctx, srcRes.Subpath, driver.PresignOptions{Expiry: expiry})
	if err != nil {
		return nil, err
	}

	upload, err := dstSigner.PresignUpload(ctx, dstRes.Subpath, driver.PresignOptions{Expiry: expiry})
	if err != nil {
		return nil, err
	}

	return &CopyHandoff{Source: link, Target: upload}, nil
}

// CommitFile is one client-uploaded file to verify and place.
type CommitFile struct {
	TargetPath  string `json:"targetPath"`
	StoragePath string `json:"s3Path"`
}

// CommitResult aggregates a batch-copy commit.
type CommitResult struct {
	Successes int                    `json:"successes"`
	Failures  []driver.DeleteFailure `json:"failures"`
}

// BatchCopyCommit verifies client-side uploads landed and moves any that
// were staged under a different storage path into place.
func (fs *FileSystem) BatchCopyCommit(ctx context.Context, p mount.Principal, targetMountID int64, files []CommitFile) (*CommitResult, error) {
	const op = "gateway.batch_copy_commit"

	m, err := fs.store.GetMount(ctx, targetMountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, driver.E(driver.KindNotFound, op, "", fmt.Errorf("mount %d", targetMountID))
		}

		return nil, err
	}

	cfg, err := fs.store.GetStorageConfig(ctx, m.StorageConfigID)
	if err != nil {
		return nil, err
	}

	if !p.IsAdmin() {
		// Visibility check through the resolver keeps ACL logic in one place.
		if _, err := fs.resolver.Resolve(ctx, m.MountPath, p); err != nil && !errors.Is(err, mount.ErrVirtualDirectory) {
			return nil, err
		}
	}

	drv, err := fs.factory.DriverFor(cfg)
	if err != nil {
		return nil, err
	}

	result := &CommitResult{Failures: []driver.DeleteFailure{}}

	for _, f := range files {
		sub, err := fs.commitOne(ctx, drv, m.MountPath, f)
		if err != nil {
			result.Failures = append(result.Failures, driver.DeleteFailure{Path: f.TargetPath, Error: err.Error()})

			continue
		}

		result.Successes++
		fs.logger.Debug("batch copy committed",
			slog.String("target", f.TargetPath), slog.String("storage_path", sub))
	}

	return result, nil
}

func (fs *FileSystem) commitOne(ctx context.Context, drv driver.Driver, mountPath string, f CommitFile) (string, error) {
	canon, err := pathutil.Canonicalize(f.TargetPath)
	if err != nil {
		return "", err
	}

	sub, err := pathutil.Subpath(mountPath, canon)
	if err != nil {
		return "", err
	}

	staged, err := pathutil.Canonicalize(f.StoragePath)
	if err != nil {
		return "", err
	}

	exists, err := drv.Exists(ctx, staged)
	if err != nil {
		return "", err
	}

	if !exists {
		return "", driver.E(driver.KindNotFound, "gateway.batch_copy_commit", f.StoragePath,
			errors.New("staged upload not found"))
	}

	if staged != sub {
		if _, err := drv.Rename(ctx, staged, sub); err != nil {
			return "", err
		}
	}

	return sub, nil
}

// BatchDelete deletes virtual paths, grouping by mount and fanning out one
// driver call per group. Paths that resolve to no mount or to a virtual
// directory become failure entries without aborting the rest.
func (fs *FileSystem) BatchDelete(ctx context.Context, p mount.Principal, paths []string) (*driver.BatchDeleteResult, error) {
	type group struct {
		res      *mount.Resolved
		drv      driver.Driver
		subpaths []string
		virtual  []string // original virtual paths, same order as subpaths
	}

	groups := make(map[int64]*group)
	result := &driver.BatchDeleteResult{Failures: []driver.DeleteFailure{}}

	for _, path := range paths {
		res, drv, err := fs.resolve(ctx, path, p)
		if err != nil {
			reason := err.Error()
			if errors.Is(err, mount.ErrVirtualDirectory) {
				reason = "virtual directories cannot be deleted"
			}

			result.Failures = append(result.Failures, driver.DeleteFailure{Path: path, Error: reason})

			continue
		}

		if err := requireCap(drv, driver.CapWriter, "gateway.batch_delete", path); err != nil {
			result.Failures = append(result.Failures, driver.DeleteFailure{Path: path, Error: err.Error()})

			continue
		}

		g, ok := groups[res.Mount.ID]
		if !ok {
			g = &group{res: res, drv: drv}
			groups[res.Mount.ID] = g
		}

		g.subpaths = append(g.subpaths, res.Subpath)
		g.virtual = append(g.virtual, path)
	}

	for _, g := range groups {
		dr, err := g.drv.BatchDelete(ctx, g.subpaths)
		if err != nil {
			for _, vp := range g.virtual {
				result.Failures = append(result.Failures, driver.DeleteFailure{Path: vp, Error: err.Error()})
			}

			continue
		}

		result.Successes += dr.Successes

		for _, f := range dr.Failures {
			// Map driver subpaths back to virtual paths for the caller.
			vp := pathutil.Join(g.res.Mount.MountPath, f.Path)
			result.Failures = append(result.Failures, driver.DeleteFailure{Path: vp, Error: f.Error})
		}
	}

	return result, nil
}

// Search runs backend-native search under a virtual path.
func (fs *FileSystem) Search(ctx context.Context, path, query string, p mount.Principal) ([]driver.FileInfo, error) {
	const op = "gateway.search"

	res, drv, err := fs.resolve(ctx, path, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return nil, driver.E(driver.KindValidation, op, path,
			errors.New("search needs a mounted path"))
	}

	if err != nil {
		return nil, err
	}

	if err := requireCap(drv, driver.CapSearch, op, path); err != nil {
		return nil, err
	}

	searcher, ok := drv.(driver.Searcher)
	if !ok {
		return nil, driver.E(driver.KindInternal, op, path,
			errors.New("driver declares SEARCH without Searcher"))
	}

	items, err := searcher.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	fs.rebase(items, res.Mount.MountPath)

	return items, nil
}

// FileLink returns a download URL for a file: a native or custom-host
// presigned link when the driver supports direct links, otherwise a signed
// gateway proxy URL when the mount allows proxying.
func (fs *FileSystem) FileLink(ctx context.Context, path string, p mount.Principal, expiry time.Duration, forceDownload bool) (*driver.DownloadLink, error) {
	const op = "gateway.file_link"

	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, path, err)
	}

	res, drv, err := fs.resolve(ctx, canon, p)
	if errors.Is(err, mount.ErrVirtualDirectory) {
		return nil, driver.E(driver.KindValidation, op, canon,
			errors.New("cannot link a directory"))
	}

	if err != nil {
		return nil, err
	}

	if drv.Capabilities().Has(driver.CapDirectLink) {
		if signer, ok := drv.(driver.Presigner); ok {
			link, err := signer.PresignDownload(ctx, res.Subpath, driver.PresignOptions{
				Expiry:        expiry,
				ForceDownload: forceDownload,
			})
			if err != nil {
				return nil, err
			}

			if link.Type != driver.LinkProxy {
				return link, nil
			}
		}
	}

	if !res.Mount.WebProxy || !drv.Capabilities().Has(driver.CapProxy) {
		return nil, driver.E(driver.KindValidation, op, canon,
			errors.New("no direct link available and proxying is disabled for this mount"))
	}

	return fs.proxyLink(canon, expiry, forceDownload), nil
}

// proxyLink builds a signed /api/p URL for a canonical virtual path.
func (fs *FileSystem) proxyLink(canon string, expiry time.Duration, forceDownload bool) *driver.DownloadLink {
	now := fs.now()

	var sign string
	var expiresAt time.Time

	if expiry > 0 {
		expiresAt = now.Add(expiry)
		sign = fs.signer.SignTemporary(canon, now, expiresAt)
	} else {
		sign = fs.signer.Sign(canon, now)
	}

	q := url.Values{}
	q.Set("sign", sign)
	q.Set("ts", strconv.FormatInt(now.Unix(), 10))

	if forceDownload {
		q.Set("download", "1")
	}

	return &driver.DownloadLink{
		URL:       "/api/p" + escapePath(canon) + "?" + q.Encode(),
		Type:      driver.LinkProxy,
		ExpiresAt: expiresAt,
	}
}

// VerifyProxy checks a signed proxy request and returns the canonical path.
func (fs *FileSystem) VerifyProxy(path, sign string, ts int64) (string, error) {
	const op = "gateway.proxy"

	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return "", driver.E(driver.KindValidation, op, path, err)
	}

	if err := fs.signer.Verify(canon, sign, ts, fs.now()); err != nil {
		return "", driver.E(driver.KindForbidden, op, canon, err)
	}

	return canon, nil
}

// ProxyDownload opens a descriptor for a verified proxy path. Proxy reads
// bypass principal visibility: the signature is the authorization.
func (fs *FileSystem) ProxyDownload(ctx context.Context, canon string) (*stream.Descriptor, error) {
	return fs.Download(ctx, canon, mount.Principal{Kind: mount.KindAdmin, ID: "proxy"})
}

// escapePath percent-encodes each segment of a canonical path for use in a
// URL while keeping the slashes.
func escapePath(canon string) string {
	if canon == "/" {
		return "/"
	}

	out := ""

	for _, seg := range strings.Split(canon[1:], "/") {
		out += "/" + url.PathEscape(seg)
	}

	return out
}
