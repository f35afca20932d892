// Package local implements the storage driver for a jailed directory tree on
// the local filesystem. Every subpath is confined to the configured root,
// including through symbolic links: each existing segment is walked and any
// link resolving outside the root is rejected.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/stream"
)

// Type identifies this driver in storage configs.
const Type = "local"

const defaultDirPerm = 0o755

// Config is the driver configuration stored in a storage config's JSON.
type Config struct {
	RootPath       string `json:"root_path"`
	TrashPath      string `json:"trash_path,omitempty"`
	DirPermission  string `json:"dir_permission,omitempty"`
	FilePermission string `json:"file_permission,omitempty"`
	Readonly       bool   `json:"readonly,omitempty"`
	AutoCreateRoot bool   `json:"auto_create_root,omitempty"`
}

// Driver serves one mount rooted at a local directory. It holds no cross-call
// state beyond the resolved root and is safe for concurrent use.
type Driver struct {
	root     string
	trash    string
	dirPerm  os.FileMode
	filePerm os.FileMode
	readonly bool
	logger   *slog.Logger
}

// New validates the configuration and probes the root directory. The root
// must exist (or be creatable with AutoCreateRoot), be a directory, and be
// readable; writability is additionally required unless Readonly is set.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.RootPath == "" || !filepath.IsAbs(cfg.RootPath) {
		return nil, driver.E(driver.KindValidation, "local.init", cfg.RootPath,
			errors.New("root_path must be an absolute path"))
	}

	dirPerm, err := parsePerm(cfg.DirPermission, defaultDirPerm)
	if err != nil {
		return nil, driver.E(driver.KindValidation, "local.init", cfg.RootPath, err)
	}

	filePerm, err := parsePerm(cfg.FilePermission, 0o644)
	if err != nil {
		return nil, driver.E(driver.KindValidation, "local.init", cfg.RootPath, err)
	}

	root := filepath.Clean(cfg.RootPath)

	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) && cfg.AutoCreateRoot && !cfg.Readonly {
		if mkErr := os.MkdirAll(root, dirPerm); mkErr != nil {
			return nil, driver.E(driver.KindUnsupportedEnv, "local.init", root, mkErr)
		}

		info, err = os.Stat(root)
	}

	if err != nil {
		return nil, driver.E(driver.KindUnsupportedEnv, "local.init", root, err)
	}

	if !info.IsDir() {
		return nil, driver.E(driver.KindUnsupportedEnv, "local.init", root,
			errors.New("root_path is not a directory"))
	}

	if f, openErr := os.Open(root); openErr != nil {
		return nil, driver.E(driver.KindUnsupportedEnv, "local.init", root,
			fmt.Errorf("root is not readable: %w", openErr))
	} else {
		f.Close()
	}

	if !cfg.Readonly {
		probe := filepath.Join(root, fmt.Sprintf(".canopy-probe-%d", time.Now().UnixNano()))
		if f, probeErr := os.OpenFile(probe, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm); probeErr != nil {
			return nil, driver.E(driver.KindUnsupportedEnv, "local.init", root,
				fmt.Errorf("root is not writable: %w", probeErr))
		} else {
			f.Close()
			os.Remove(probe)
		}
	}

	trash := ""
	if cfg.TrashPath != "" {
		trash = filepath.Clean(cfg.TrashPath)
		if !filepath.IsAbs(trash) {
			return nil, driver.E(driver.KindValidation, "local.init", trash,
				errors.New("trash_path must be an absolute path"))
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		root:     root,
		trash:    trash,
		dirPerm:  dirPerm,
		filePerm: filePerm,
		readonly: cfg.Readonly,
		logger:   logger,
	}, nil
}

func parsePerm(s string, def os.FileMode) (os.FileMode, error) {
	if s == "" {
		return def, nil
	}

	var bits uint32
	if _, err := fmt.Sscanf(s, "%o", &bits); err != nil || bits > 0o777 {
		return 0, fmt.Errorf("invalid permission %q", s)
	}

	return os.FileMode(bits), nil
}

func (d *Driver) Type() string { return Type }

// Capabilities declares READER, WRITER, ATOMIC rename/copy, and PROXY.
// Every driver declares both READER and WRITER; a readonly mount rejects
// writes at call time with DRIVER_READONLY instead of hiding the
// capability.
func (d *Driver) Capabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapAtomic | driver.CapProxy
}

// resolve canonicalizes subpath, joins it under root, and verifies
// containment twice: lexically on the joined path and physically by walking
// every existing segment and re-checking each symlink target against root.
func (d *Driver) resolve(op, subpath string) (string, error) {
	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return "", driver.E(driver.KindValidation, op, subpath, err)
	}

	joined := filepath.Join(d.root, filepath.FromSlash(canon))

	rel, err := filepath.Rel(d.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", driver.E(driver.KindPathOutOfRoot, op, subpath, nil)
	}

	if err := d.walkContained(op, joined); err != nil {
		return "", err
	}

	return joined, nil
}

// walkContained checks each existing segment between root and target. A
// symlink whose resolved destination leaves root is a containment violation.
// The walk stops at the first nonexistent segment so that paths about to be
// created are still vetted.
func (d *Driver) walkContained(op, target string) error {
	rel, err := filepath.Rel(d.root, target)
	if err != nil {
		return driver.E(driver.KindPathOutOfRoot, op, target, err)
	}

	if rel == "." {
		return nil
	}

	cur := d.root

	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, seg)

		info, lerr := os.Lstat(cur)
		if errors.Is(lerr, fs.ErrNotExist) {
			return nil
		}

		if lerr != nil {
			return driver.E(driver.KindInternal, op, cur, lerr)
		}

		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}

		resolved, rerr := filepath.EvalSymlinks(cur)
		if rerr != nil {
			return driver.E(driver.KindSymlinkEscape, op, cur, rerr)
		}

		rootResolved, rerr := filepath.EvalSymlinks(d.root)
		if rerr != nil {
			return driver.E(driver.KindInternal, op, d.root, rerr)
		}

		inside, rerr := filepath.Rel(rootResolved, resolved)
		if rerr != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
			return driver.E(driver.KindSymlinkEscape, op, cur,
				fmt.Errorf("symlink resolves outside root: %s", resolved))
		}

		cur = resolved
	}

	return nil
}

func (d *Driver) fileInfo(subpath string, info fs.FileInfo) driver.FileInfo {
	fi := driver.FileInfo{
		Name:     info.Name(),
		Path:     subpath,
		Size:     info.Size(),
		IsDir:    info.IsDir(),
		Modified: info.ModTime().UTC(),
	}

	if !info.IsDir() {
		fi.ETag = fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size())
		fi.MIMEType = mime.TypeByExtension(filepath.Ext(info.Name()))
	}

	return fi
}

func classifyFS(op, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return driver.E(driver.KindNotFound, op, path, err)
	case errors.Is(err, fs.ErrExist):
		return driver.E(driver.KindConflict, op, path, err)
	case errors.Is(err, fs.ErrPermission):
		return driver.E(driver.KindForbidden, op, path, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return driver.E(driver.KindCancelled, op, path, err)
	default:
		return driver.E(driver.KindInternal, op, path, err)
	}
}

func (d *Driver) requireWritable(op, path string) error {
	if d.readonly {
		return driver.E(driver.KindReadonly, op, path, nil)
	}

	return nil
}

// List returns the entries of a directory.
func (d *Driver) List(ctx context.Context, subpath string) (*driver.Listing, error) {
	const op = "local.list"

	abs, err := d.resolve(op, subpath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, classifyFS(op, subpath, err)
	}

	canon, _ := pathutil.Canonicalize(subpath)
	listing := &driver.Listing{IsRoot: canon == "/", Items: make([]driver.FileInfo, 0, len(entries))}

	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, driver.E(driver.KindCancelled, op, subpath, ctx.Err())
		}

		info, infoErr := e.Info()
		if infoErr != nil {
			// The entry vanished between ReadDir and Info.
			continue
		}

		listing.Items = append(listing.Items, d.fileInfo(pathutil.Join(canon, e.Name()), info))
	}

	return listing, nil
}

// Stat returns metadata for one entry.
func (d *Driver) Stat(ctx context.Context, subpath string) (*driver.FileInfo, error) {
	const op = "local.stat"

	abs, err := d.resolve(op, subpath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, classifyFS(op, subpath, err)
	}

	canon, _ := pathutil.Canonicalize(subpath)
	fi := d.fileInfo(canon, info)

	return &fi, nil
}

// Exists reports whether the entry is present.
func (d *Driver) Exists(ctx context.Context, subpath string) (bool, error) {
	_, err := d.Stat(ctx, subpath)
	if driver.IsKind(err, driver.KindNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// Download returns a descriptor over the file. Local files are seekable, so
// ranges are served natively by seeking before the read.
func (d *Driver) Download(ctx context.Context, subpath string) (*stream.Descriptor, error) {
	const op = "local.download"

	abs, err := d.resolve(op, subpath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, classifyFS(op, subpath, err)
	}

	if info.IsDir() {
		return nil, driver.E(driver.KindValidation, op, subpath, errors.New("is a directory"))
	}

	openFull := func(ctx context.Context) (io.ReadCloser, error) {
		f, openErr := os.Open(abs)
		if openErr != nil {
			return nil, classifyFS(op, subpath, openErr)
		}

		return f, nil
	}

	openRange := func(ctx context.Context, start, end int64) (io.ReadCloser, bool, error) {
		f, openErr := os.Open(abs)
		if openErr != nil {
			return nil, false, classifyFS(op, subpath, openErr)
		}

		if _, seekErr := f.Seek(start, io.SeekStart); seekErr != nil {
			f.Close()
			return nil, false, classifyFS(op, subpath, seekErr)
		}

		if end < 0 {
			return f, true, nil
		}

		return &limitedFile{Reader: io.LimitReader(f, end-start+1), f: f}, true, nil
	}

	return stream.NewDescriptor(info.Size(),
		mime.TypeByExtension(filepath.Ext(info.Name())),
		fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size()),
		info.ModTime().UTC(), openFull, openRange), nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error { return l.f.Close() }

// Upload writes a new file at subpath, creating parent directories as needed.
// An existing file at the path is a conflict; overwrite goes through Update.
func (d *Driver) Upload(ctx context.Context, subpath string, body driver.Body) (*driver.PutResult, error) {
	const op = "local.upload"

	if err := d.requireWritable(op, subpath); err != nil {
		return nil, err
	}

	abs, err := d.resolve(op, subpath)
	if err != nil {
		return nil, err
	}

	if err := d.writeFile(ctx, op, subpath, abs, body, os.O_CREATE|os.O_EXCL|os.O_WRONLY); err != nil {
		return nil, err
	}

	canon, _ := pathutil.Canonicalize(subpath)

	return &driver.PutResult{StoragePath: canon}, nil
}

// Update overwrites the file at subpath.
func (d *Driver) Update(ctx context.Context, subpath string, body driver.Body) error {
	const op = "local.update"

	if err := d.requireWritable(op, subpath); err != nil {
		return err
	}

	abs, err := d.resolve(op, subpath)
	if err != nil {
		return err
	}

	return d.writeFile(ctx, op, subpath, abs, body, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
}

func (d *Driver) writeFile(ctx context.Context, op, subpath, abs string, body driver.Body, flags int) error {
	if err := os.MkdirAll(filepath.Dir(abs), d.dirPerm); err != nil {
		return classifyFS(op, subpath, err)
	}

	f, err := os.OpenFile(abs, flags, d.filePerm)
	if err != nil {
		return classifyFS(op, subpath, err)
	}

	written, err := io.Copy(f, &ctxReader{ctx: ctx, r: body.Reader})

	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(abs)
		return classifyFS(op, subpath, err)
	}

	if body.Size >= 0 && written != body.Size {
		os.Remove(abs)
		return driver.E(driver.KindValidation, op, subpath,
			fmt.Errorf("body declared %d bytes, got %d", body.Size, written))
	}

	// Permission bits are applied post-write so umask cannot mask them.
	if err := os.Chmod(abs, d.filePerm); err != nil {
		d.logger.Warn("chmod after write failed", slog.String("path", subpath), slog.Any("error", err))
	}

	return nil
}

// ctxReader aborts a streaming copy between chunks when the context ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

// CreateDirectory makes the directory, reporting whether it already existed.
func (d *Driver) CreateDirectory(ctx context.Context, subpath string) (*driver.MkdirResult, error) {
	const op = "local.mkdir"

	if err := d.requireWritable(op, subpath); err != nil {
		return nil, err
	}

	abs, err := d.resolve(op, subpath)
	if err != nil {
		return nil, err
	}

	if info, statErr := os.Stat(abs); statErr == nil {
		if !info.IsDir() {
			return nil, driver.E(driver.KindConflict, op, subpath, errors.New("path exists as a file"))
		}

		return &driver.MkdirResult{AlreadyExisted: true}, nil
	}

	if err := os.MkdirAll(abs, d.dirPerm); err != nil {
		return nil, classifyFS(op, subpath, err)
	}

	return &driver.MkdirResult{}, nil
}

// Rename moves an entry within the tree. os.Rename is atomic on POSIX.
func (d *Driver) Rename(ctx context.Context, oldSubpath, newSubpath string) (*driver.RenameResult, error) {
	const op = "local.rename"

	if err := d.requireWritable(op, oldSubpath); err != nil {
		return nil, err
	}

	oldAbs, err := d.resolve(op, oldSubpath)
	if err != nil {
		return nil, err
	}

	newAbs, err := d.resolve(op, newSubpath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(newAbs); err == nil {
		return nil, driver.E(driver.KindConflict, op, newSubpath, errors.New("target exists"))
	}

	if err := os.MkdirAll(filepath.Dir(newAbs), d.dirPerm); err != nil {
		return nil, classifyFS(op, newSubpath, err)
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		return nil, classifyFS(op, oldSubpath, err)
	}

	return &driver.RenameResult{Success: true, Source: oldSubpath, Target: newSubpath}, nil
}

// Copy duplicates a file within the tree.
func (d *Driver) Copy(ctx context.Context, srcSubpath, dstSubpath string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	const op = "local.copy"

	result := &driver.CopyResult{Source: srcSubpath, Target: dstSubpath}

	if err := d.requireWritable(op, dstSubpath); err != nil {
		return nil, err
	}

	srcAbs, err := d.resolve(op, srcSubpath)
	if err != nil {
		return nil, err
	}

	dstAbs, err := d.resolve(op, dstSubpath)
	if err != nil {
		return nil, err
	}

	if opts.SkipExisting && !opts.PrecheckDone {
		if _, statErr := os.Stat(dstAbs); statErr == nil {
			result.Status = driver.CopySkipped
			result.Reason = "target exists"

			return result, nil
		}
	}

	src, err := os.Open(srcAbs)
	if err != nil {
		return nil, classifyFS(op, srcSubpath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, classifyFS(op, srcSubpath, err)
	}

	if info.IsDir() {
		return nil, driver.E(driver.KindValidation, op, srcSubpath, errors.New("source is a directory"))
	}

	if err := d.writeFile(ctx, op, dstSubpath, dstAbs, driver.Body{Reader: src, Size: info.Size()}, os.O_CREATE|os.O_TRUNC|os.O_WRONLY); err != nil {
		return nil, err
	}

	result.Status = driver.CopySuccess

	return result, nil
}

// BatchDelete removes each path, moving to trash when configured. Failures
// are collected per path and never abort the batch.
func (d *Driver) BatchDelete(ctx context.Context, subpaths []string) (*driver.BatchDeleteResult, error) {
	const op = "local.delete"

	result := &driver.BatchDeleteResult{}

	for _, sp := range subpaths {
		if ctx.Err() != nil {
			return nil, driver.E(driver.KindCancelled, op, "", ctx.Err())
		}

		if err := d.deleteOne(op, sp); err != nil {
			result.Failures = append(result.Failures, driver.DeleteFailure{Path: sp, Error: err.Error()})
			continue
		}

		result.Successes++
	}

	return result, nil
}

func (d *Driver) deleteOne(op, subpath string) error {
	if err := d.requireWritable(op, subpath); err != nil {
		return err
	}

	abs, err := d.resolve(op, subpath)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(abs); err != nil {
		return classifyFS(op, subpath, err)
	}

	if d.trash == "" {
		if err := os.RemoveAll(abs); err != nil {
			return classifyFS(op, subpath, err)
		}

		return nil
	}

	return d.moveToTrash(op, subpath, abs)
}

// moveToTrash renames into the trash directory, suffixing the name with a
// millisecond timestamp so repeated deletes of the same name never collide.
// Cross-device renames fall back to copy plus unlink.
func (d *Driver) moveToTrash(op, subpath, abs string) error {
	if err := os.MkdirAll(d.trash, d.dirPerm); err != nil {
		return classifyFS(op, subpath, err)
	}

	base := filepath.Base(abs)
	ms := time.Now().UnixMilli()
	dst := filepath.Join(d.trash, fmt.Sprintf("%s.%d", base, ms))

	for seq := 1; ; seq++ {
		if _, statErr := os.Lstat(dst); errors.Is(statErr, fs.ErrNotExist) {
			break
		}

		dst = filepath.Join(d.trash, fmt.Sprintf("%s.%d.%d", base, ms, seq))
	}

	err := os.Rename(abs, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return classifyFS(op, subpath, err)
	}

	if copyErr := copyTree(abs, dst, d.dirPerm); copyErr != nil {
		return classifyFS(op, subpath, copyErr)
	}

	if rmErr := os.RemoveAll(abs); rmErr != nil {
		return classifyFS(op, subpath, rmErr)
	}

	return nil
}

func copyTree(src, dst string, dirPerm os.FileMode) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(src, dst, info.Mode().Perm())
	}

	if err := os.MkdirAll(dst, dirPerm); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()), dirPerm); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)

	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	return err
}
