// Package s3 implements the storage driver for S3-compatible object stores.
// Directories are flattened to zero-byte placeholder objects with a trailing
// slash so listings can report folders.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/stream"
)

// Type identifies this driver in storage configs.
const Type = "s3"

// Uploads with a known size at or below this threshold go through a
// single-shot PutObject; everything else streams through minio's managed
// multipart uploader.
const singleShotLimit = 16 << 20

const defaultUploadPartSize = 16 << 20

// Config is the driver configuration. AccessKeyID and SecretAccessKey arrive
// decrypted from the sealed secrets blob.
type Config struct {
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	CustomHost      string `json:"custom_host,omitempty"`
	RootPrefix      string `json:"root_prefix,omitempty"`
	UploadThreads   int    `json:"upload_threads,omitempty"`
}

var timeNow = time.Now

// Driver serves one mount backed by a bucket (optionally under a key
// prefix). The minio client is safe for concurrent use.
type Driver struct {
	client     *minio.Client
	core       *minio.Core
	bucket     string
	rootPrefix string
	customHost string
	threads    uint
	logger     *slog.Logger
}

// New validates the configuration and builds the client. No network call is
// made; a misconfigured endpoint surfaces on first use.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, driver.E(driver.KindValidation, "s3.init", "",
			errors.New("endpoint and bucket are required"))
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, driver.E(driver.KindValidation, "s3.init", cfg.Endpoint, err)
	}

	threads := uint(4)
	if cfg.UploadThreads > 0 {
		threads = uint(cfg.UploadThreads)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		client:     client,
		core:       &minio.Core{Client: client},
		bucket:     cfg.Bucket,
		rootPrefix: strings.Trim(cfg.RootPrefix, "/"),
		customHost: strings.TrimRight(cfg.CustomHost, "/"),
		threads:    threads,
		logger:     logger,
	}, nil
}

func (d *Driver) Type() string { return Type }

func (d *Driver) Capabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapAtomic |
		driver.CapPresigned | driver.CapDirectLink | driver.CapMultipart | driver.CapProxy
}

// objectKey maps a subpath to a bucket key under the root prefix. The mount
// root maps to the prefix itself.
func (d *Driver) objectKey(subpath string) (string, error) {
	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return "", err
	}

	key := strings.TrimPrefix(canon, "/")
	if d.rootPrefix != "" {
		key = path.Join(d.rootPrefix, key)
		key = strings.TrimSuffix(key, "/.")
	}

	return key, nil
}

// dirKey is the placeholder key for a directory.
func dirKey(key string) string {
	if key == "" {
		return ""
	}

	return key + "/"
}

// subpathOf maps a bucket key back under the mount.
func (d *Driver) subpathOf(key string) string {
	key = strings.TrimSuffix(key, "/")
	if d.rootPrefix != "" {
		key = strings.TrimPrefix(key, d.rootPrefix)
	}

	return "/" + strings.TrimPrefix(key, "/")
}

// classify maps a minio error response to a driver error kind.
func classify(op, subpath string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return driver.E(driver.KindCancelled, op, subpath, err)
	}

	resp := minio.ToErrorResponse(err)

	var kind driver.Kind

	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		kind = driver.KindNotFound
	case resp.Code == "NoSuchUpload":
		kind = driver.KindSessionNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		kind = driver.KindForbidden
	case resp.StatusCode >= 500:
		return &driver.Error{Kind: driver.KindUpstream, Op: op, Path: subpath, Status: resp.StatusCode, Err: err}
	case resp.StatusCode != 0:
		return &driver.Error{Kind: driver.KindUpstream, Op: op, Path: subpath, Status: resp.StatusCode, Err: err}
	default:
		kind = driver.KindInternal
	}

	return driver.E(kind, op, subpath, err)
}

// List returns one level of entries under the subpath. Placeholder objects
// surface as directories; the placeholder of the listed directory itself is
// dropped.
func (d *Driver) List(ctx context.Context, subpath string) (*driver.Listing, error) {
	const op = "s3.list"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	prefix := dirKey(key)

	listing := &driver.Listing{IsRoot: key == d.rootPrefix || key == "", Items: []driver.FileInfo{}}

	for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, classify(op, subpath, obj.Err)
		}

		if obj.Key == prefix {
			continue
		}

		isDir := strings.HasSuffix(obj.Key, "/")
		sp := d.subpathOf(obj.Key)

		fi := driver.FileInfo{
			Name:     path.Base(sp),
			Path:     sp,
			IsDir:    isDir,
			Modified: obj.LastModified.UTC(),
		}

		if !isDir {
			fi.Size = obj.Size
			fi.ETag = strings.Trim(obj.ETag, `"`)
			fi.MIMEType = mime.TypeByExtension(path.Ext(fi.Name))
		}

		listing.Items = append(listing.Items, fi)
	}

	return listing, nil
}

// Stat returns metadata. A key miss falls back to probing the directory
// placeholder, then to a one-object prefix scan for implicit directories.
func (d *Driver) Stat(ctx context.Context, subpath string) (*driver.FileInfo, error) {
	const op = "s3.stat"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	sp := d.subpathOf(key)

	info, statErr := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{})
	if statErr == nil {
		return &driver.FileInfo{
			Name:     path.Base(sp),
			Path:     sp,
			Size:     info.Size,
			Modified: info.LastModified.UTC(),
			ETag:     strings.Trim(info.ETag, `"`),
			MIMEType: mime.TypeByExtension(path.Ext(key)),
		}, nil
	}

	classified := classify(op, subpath, statErr)
	if !driver.IsKind(classified, driver.KindNotFound) {
		return nil, classified
	}

	for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{
		Prefix:  dirKey(key),
		MaxKeys: 1,
	}) {
		if obj.Err != nil {
			return nil, classify(op, subpath, obj.Err)
		}

		return &driver.FileInfo{Name: path.Base(sp), Path: sp, IsDir: true}, nil
	}

	return nil, driver.E(driver.KindNotFound, op, subpath, statErr)
}

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

// Download builds a descriptor over GetObject. Range is native.
func (d *Driver) Download(ctx context.Context, subpath string) (*stream.Descriptor, error) {
	const op = "s3.download"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	info, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classify(op, subpath, err)
	}

	openFull := func(ctx context.Context) (io.ReadCloser, error) {
		obj, getErr := d.client.GetObject(ctx, d.bucket, key, minio.GetObjectOptions{})
		if getErr != nil {
			return nil, classify(op, subpath, getErr)
		}

		return obj, nil
	}

	openRange := func(ctx context.Context, start, end int64) (io.ReadCloser, bool, error) {
		opts := minio.GetObjectOptions{}

		// SetRange(start, 0) means "start to EOF" only when start > 0; an
		// open-ended range from offset zero is just a plain GET.
		if end >= 0 {
			if setErr := opts.SetRange(start, end); setErr != nil {
				return nil, false, driver.E(driver.KindValidation, op, subpath, setErr)
			}
		} else if start > 0 {
			if setErr := opts.SetRange(start, 0); setErr != nil {
				return nil, false, driver.E(driver.KindValidation, op, subpath, setErr)
			}
		}

		obj, getErr := d.client.GetObject(ctx, d.bucket, key, opts)
		if getErr != nil {
			return nil, false, classify(op, subpath, getErr)
		}

		return obj, true, nil
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}

	return stream.NewDescriptor(info.Size, contentType, strings.Trim(info.ETag, `"`),
		info.LastModified.UTC(), openFull, openRange), nil
}

// Upload stores the body. Known-small bodies go single-shot; unknown or
// large sizes use minio's managed multipart path with bounded concurrency.
func (d *Driver) Upload(ctx context.Context, subpath string, body driver.Body) (*driver.PutResult, error) {
	const op = "s3.upload"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	opts := minio.PutObjectOptions{
		ContentType: mime.TypeByExtension(path.Ext(key)),
	}

	size := body.Size
	if size < 0 || size > singleShotLimit {
		opts.PartSize = defaultUploadPartSize
		opts.NumThreads = d.threads
	}

	if size < 0 {
		size = -1
	}

	if _, err := d.client.PutObject(ctx, d.bucket, key, body.Reader, size, opts); err != nil {
		return nil, classify(op, subpath, err)
	}

	return &driver.PutResult{StoragePath: d.subpathOf(key)}, nil
}

// Update is identical to Upload: object stores overwrite by key.
func (d *Driver) Update(ctx context.Context, subpath string, body driver.Body) error {
	_, err := d.Upload(ctx, subpath, body)

	return err
}

// CreateDirectory writes the zero-byte placeholder object.
func (d *Driver) CreateDirectory(ctx context.Context, subpath string) (*driver.MkdirResult, error) {
	const op = "s3.mkdir"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	placeholder := dirKey(key)

	if _, statErr := d.client.StatObject(ctx, d.bucket, placeholder, minio.StatObjectOptions{}); statErr == nil {
		return &driver.MkdirResult{AlreadyExisted: true}, nil
	}

	if _, err := d.client.PutObject(ctx, d.bucket, placeholder, bytes.NewReader(nil), 0,
		minio.PutObjectOptions{}); err != nil {
		return nil, classify(op, subpath, err)
	}

	return &driver.MkdirResult{}, nil
}

// Rename is server-side copy plus delete of the source.
func (d *Driver) Rename(ctx context.Context, oldSubpath, newSubpath string) (*driver.RenameResult, error) {
	const op = "s3.rename"

	res, err := d.Copy(ctx, oldSubpath, newSubpath, driver.CopyOptions{})
	if err != nil {
		return nil, err
	}

	if res.Status != driver.CopySuccess {
		return nil, driver.E(driver.KindInternal, op, oldSubpath, fmt.Errorf("copy step: %s", res.Reason))
	}

	oldKey, err := d.objectKey(oldSubpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, oldSubpath, err)
	}

	if err := d.client.RemoveObject(ctx, d.bucket, oldKey, minio.RemoveObjectOptions{}); err != nil {
		return nil, classify(op, oldSubpath, err)
	}

	return &driver.RenameResult{Success: true, Source: oldSubpath, Target: newSubpath}, nil
}

// Copy is a server-side copy within the bucket.
func (d *Driver) Copy(ctx context.Context, srcSubpath, dstSubpath string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	const op = "s3.copy"

	result := &driver.CopyResult{Source: srcSubpath, Target: dstSubpath}

	srcKey, err := d.objectKey(srcSubpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, srcSubpath, err)
	}

	dstKey, err := d.objectKey(dstSubpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, dstSubpath, err)
	}

	if opts.SkipExisting && !opts.PrecheckDone {
		if _, statErr := d.client.StatObject(ctx, d.bucket, dstKey, minio.StatObjectOptions{}); statErr == nil {
			result.Status = driver.CopySkipped
			result.Reason = "target exists"

			return result, nil
		}
	}

	_, err = d.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: d.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: d.bucket, Object: srcKey})
	if err != nil {
		return nil, classify(op, srcSubpath, err)
	}

	result.Status = driver.CopySuccess

	return result, nil
}

// BatchDelete fans the keys through RemoveObjects, draining the error
// channel into per-path failures.
func (d *Driver) BatchDelete(ctx context.Context, subpaths []string) (*driver.BatchDeleteResult, error) {
	const op = "s3.delete"

	result := &driver.BatchDeleteResult{}
	keyToSubpath := make(map[string]string, len(subpaths))

	objects := make(chan minio.ObjectInfo, len(subpaths))

	for _, sp := range subpaths {
		key, err := d.objectKey(sp)
		if err != nil {
			result.Failures = append(result.Failures, driver.DeleteFailure{Path: sp, Error: err.Error()})
			continue
		}

		keyToSubpath[key] = sp
		objects <- minio.ObjectInfo{Key: key}
	}

	close(objects)

	failed := make(map[string]bool)

	for rmErr := range d.client.RemoveObjects(ctx, d.bucket, objects, minio.RemoveObjectsOptions{}) {
		sp := keyToSubpath[rmErr.ObjectName]
		if sp == "" {
			sp = rmErr.ObjectName
		}

		failed[rmErr.ObjectName] = true
		result.Failures = append(result.Failures, driver.DeleteFailure{Path: sp, Error: rmErr.Err.Error()})
	}

	for key := range keyToSubpath {
		if !failed[key] {
			result.Successes++
		}
	}

	return result, nil
}

// PresignUpload returns a direct PUT URL for the client.
func (d *Driver) PresignUpload(ctx context.Context, subpath string, opts driver.PresignOptions) (*driver.PresignedUpload, error) {
	const op = "s3.presign_upload"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	u, err := d.client.PresignedPutObject(ctx, d.bucket, key, opts.Expiry)
	if err != nil {
		return nil, classify(op, subpath, err)
	}

	return &driver.PresignedUpload{
		URL:         d.rewriteHost(u).String(),
		Method:      http.MethodPut,
		StoragePath: d.subpathOf(key),
		ExpiresAt:   timeNow().Add(opts.Expiry),
	}, nil
}

// PresignDownload returns a direct GET URL, rewritten to the custom host
// when one is configured.
func (d *Driver) PresignDownload(ctx context.Context, subpath string, opts driver.PresignOptions) (*driver.DownloadLink, error) {
	const op = "s3.presign_download"

	key, err := d.objectKey(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	params := url.Values{}
	if opts.ForceDownload {
		params.Set("response-content-disposition",
			fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	}

	u, err := d.client.PresignedGetObject(ctx, d.bucket, key, opts.Expiry, params)
	if err != nil {
		return nil, classify(op, subpath, err)
	}

	link := &driver.DownloadLink{
		URL:       u.String(),
		Type:      driver.LinkNativeDirect,
		ExpiresAt: timeNow().Add(opts.Expiry),
	}

	if d.customHost != "" {
		link.URL = d.rewriteHost(u).String()
		link.Type = driver.LinkCustomHost
	}

	return link, nil
}

// rewriteHost swaps scheme and host for the configured custom host, keeping
// path and query intact.
func (d *Driver) rewriteHost(u *url.URL) *url.URL {
	if d.customHost == "" {
		return u
	}

	custom, err := url.Parse(d.customHost)
	if err != nil || custom.Host == "" {
		d.logger.Warn("invalid custom_host, serving native URL", slog.String("custom_host", d.customHost))

		return u
	}

	rewritten := *u
	rewritten.Scheme = custom.Scheme
	rewritten.Host = custom.Host

	return &rewritten
}
