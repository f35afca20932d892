// Package webdav implements the storage driver for WebDAV servers. It speaks
// raw PROPFIND/MKCOL/MOVE/COPY over net/http rather than a DAV library so
// the quirks of real-world servers (missing Content-Length, 200 answers to
// Range requests) can be handled explicitly.
package webdav

import (
	"context"
	"crypto/tls"
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

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/stream"
)

// Type identifies this driver in storage configs.
const Type = "webdav"

const requestTimeout = 60 * time.Second

// Config is the driver configuration. Password arrives decrypted from the
// sealed secrets blob and is held in memory only.
type Config struct {
	BaseURL       string `json:"base_url"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty"`
}

// Driver serves one mount backed by a DAV collection. The HTTP client and
// its connection pool are shared across calls.
type Driver struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New validates the configuration and builds the shared HTTP client.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, driver.E(driver.KindValidation, "webdav.init", cfg.BaseURL,
			errors.New("base_url must be an absolute http(s) URL"))
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		baseURL:    strings.TrimRight(u.String(), "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Transport: transport, Timeout: requestTimeout},
		logger:     logger,
	}, nil
}

func (d *Driver) Type() string { return Type }

func (d *Driver) Capabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapAtomic | driver.CapProxy
}

// resourceURL encodes each path segment and appends it to the base URL.
func (d *Driver) resourceURL(subpath string) (string, error) {
	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return "", err
	}

	if canon == "/" {
		return d.baseURL + "/", nil
	}

	segs := strings.Split(strings.TrimPrefix(canon, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	return d.baseURL + "/" + strings.Join(segs, "/"), nil
}

// do issues one request with Basic auth. Streaming requests (GET) pass
// timeout=0 through a context deadline set by the caller instead of the
// client timeout, which would cut long downloads short.
func (d *Driver) do(ctx context.Context, method, rawURL string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}

	if d.username != "" || d.password != "" {
		req.SetBasicAuth(d.username, d.password)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return d.httpClient.Do(req)
}

// classify maps an HTTP status to a driver error kind.
func classify(op, subpath string, status int, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return driver.E(driver.KindCancelled, op, subpath, err)
		}

		return driver.E(driver.KindUpstream, op, subpath, err)
	}

	switch {
	case status == http.StatusNotFound:
		return driver.E(driver.KindNotFound, op, subpath, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return driver.E(driver.KindForbidden, op, subpath, nil)
	case status == http.StatusConflict || status == http.StatusPreconditionFailed ||
		status == http.StatusMethodNotAllowed:
		return driver.E(driver.KindConflict, op, subpath, nil)
	default:
		return &driver.Error{Kind: driver.KindUpstream, Op: op, Path: subpath, Status: status,
			Err: fmt.Errorf("unexpected status %d", status)}
	}
}

func drainClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// List issues a depth-1 PROPFIND and drops the collection's own entry.
func (d *Driver) List(ctx context.Context, subpath string) (*driver.Listing, error) {
	const op = "webdav.list"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	entries, err := d.propfind(ctx, op, canon, "1")
	if err != nil {
		return nil, err
	}

	listing := &driver.Listing{IsRoot: canon == "/", Items: []driver.FileInfo{}}

	for _, e := range entries {
		if e.Path == canon || e.Path == "/" && canon == "/" {
			continue
		}

		listing.Items = append(listing.Items, e)
	}

	return listing, nil
}

// Stat issues a depth-0 PROPFIND for the single resource.
func (d *Driver) Stat(ctx context.Context, subpath string) (*driver.FileInfo, error) {
	const op = "webdav.stat"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	entries, err := d.propfind(ctx, op, canon, "0")
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, driver.E(driver.KindNotFound, op, subpath, nil)
	}

	return &entries[0], nil
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

// Download probes the resource with HEAD and falls back to PROPFIND when the
// server reports no usable Content-Length. Range requests are attempted on
// open; a 200 answer to a ranged GET flags the stream as range-unhonored so
// the orchestrator slices.
func (d *Driver) Download(ctx context.Context, subpath string) (*stream.Descriptor, error) {
	const op = "webdav.download"

	rawURL, err := d.resourceURL(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	size := stream.SizeUnknown
	contentType := ""
	etag := ""

	var modified time.Time

	resp, err := d.do(ctx, http.MethodHead, rawURL, nil, nil)
	if err != nil {
		return nil, classify(op, subpath, 0, err)
	}

	if resp.StatusCode == http.StatusOK {
		size = resp.ContentLength
		contentType = resp.Header.Get("Content-Type")
		etag = strings.Trim(resp.Header.Get("Etag"), `"`)

		if t, parseErr := http.ParseTime(resp.Header.Get("Last-Modified")); parseErr == nil {
			modified = t
		}
	}

	status := resp.StatusCode
	drainClose(resp)

	if status == http.StatusNotFound {
		return nil, driver.E(driver.KindNotFound, op, subpath, nil)
	}

	if status != http.StatusOK && status != http.StatusMethodNotAllowed {
		return nil, classify(op, subpath, status, nil)
	}

	// Some servers omit Content-Length on HEAD or answer with zero for
	// non-empty files; PROPFIND is authoritative there.
	if size <= 0 {
		if fi, statErr := d.Stat(ctx, subpath); statErr == nil {
			size = fi.Size

			if etag == "" {
				etag = fi.ETag
			}

			if modified.IsZero() {
				modified = fi.Modified
			}
		}
	}

	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(rawURL))
	}

	openFull := func(ctx context.Context) (io.ReadCloser, error) {
		resp, getErr := d.get(ctx, rawURL, nil)
		if getErr != nil {
			return nil, classify(op, subpath, 0, getErr)
		}

		if resp.StatusCode != http.StatusOK {
			status := resp.StatusCode
			drainClose(resp)

			return nil, classify(op, subpath, status, nil)
		}

		return resp.Body, nil
	}

	openRange := func(ctx context.Context, start, end int64) (io.ReadCloser, bool, error) {
		header := http.Header{}
		if end >= 0 {
			header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		} else {
			header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}

		resp, getErr := d.get(ctx, rawURL, header)
		if getErr != nil {
			return nil, false, classify(op, subpath, 0, getErr)
		}

		switch resp.StatusCode {
		case http.StatusPartialContent:
			return resp.Body, true, nil
		case http.StatusOK:
			// Server ignored the Range header and sent the full body.
			return resp.Body, false, nil
		default:
			status := resp.StatusCode
			drainClose(resp)

			return nil, false, classify(op, subpath, status, nil)
		}
	}

	return stream.NewDescriptor(size, contentType, etag, modified, openFull, openRange), nil
}

// get issues a GET without the client-level timeout so long downloads are
// bounded only by the caller's context.
func (d *Driver) get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	if d.username != "" || d.password != "" {
		req.SetBasicAuth(d.username, d.password)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := &http.Client{Transport: d.httpClient.Transport}

	return client.Do(req)
}

// Upload PUTs the body. Parent collections are created on 409.
func (d *Driver) Upload(ctx context.Context, subpath string, body driver.Body) (*driver.PutResult, error) {
	const op = "webdav.upload"

	if err := d.put(ctx, op, subpath, body, true); err != nil {
		return nil, err
	}

	canon, _ := pathutil.Canonicalize(subpath)

	return &driver.PutResult{StoragePath: canon}, nil
}

// Update overwrites without the parent-creation retry.
func (d *Driver) Update(ctx context.Context, subpath string, body driver.Body) error {
	return d.put(ctx, "webdav.update", subpath, body, false)
}

func (d *Driver) put(ctx context.Context, op, subpath string, body driver.Body, mkParents bool) error {
	rawURL, err := d.resourceURL(subpath)
	if err != nil {
		return driver.E(driver.KindValidation, op, subpath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, body.Reader)
	if err != nil {
		return driver.E(driver.KindInternal, op, subpath, err)
	}

	if body.Size >= 0 {
		req.ContentLength = body.Size
	}

	if d.username != "" || d.password != "" {
		req.SetBasicAuth(d.username, d.password)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return classify(op, subpath, 0, err)
	}

	status := resp.StatusCode
	drainClose(resp)

	// 409 means a missing parent collection. Retrying requires rewinding the
	// body, so the recovery only applies to seekable readers.
	if status == http.StatusConflict && mkParents {
		seeker, seekable := body.Reader.(io.Seeker)
		canon, _ := pathutil.Canonicalize(subpath)
		parent := pathutil.ParentPath(canon)

		if seekable && parent != "/" {
			if _, mkErr := d.CreateDirectory(ctx, parent); mkErr == nil {
				if _, seekErr := seeker.Seek(0, io.SeekStart); seekErr != nil {
					return driver.E(driver.KindInternal, op, subpath, seekErr)
				}

				return d.put(ctx, op, subpath, body, false)
			}
		}
	}

	if status < 200 || status >= 300 {
		return classify(op, subpath, status, nil)
	}

	return nil
}

// CreateDirectory issues MKCOL, creating missing ancestors first.
func (d *Driver) CreateDirectory(ctx context.Context, subpath string) (*driver.MkdirResult, error) {
	const op = "webdav.mkdir"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	if canon == "/" {
		return &driver.MkdirResult{AlreadyExisted: true}, nil
	}

	status, err := d.mkcol(ctx, canon)
	if err != nil {
		return nil, classify(op, subpath, 0, err)
	}

	switch status {
	case http.StatusCreated:
		return &driver.MkdirResult{}, nil
	case http.StatusMethodNotAllowed:
		// Collection already exists.
		return &driver.MkdirResult{AlreadyExisted: true}, nil
	case http.StatusConflict:
		// Missing ancestor; build the chain top-down and retry.
		if parent := pathutil.ParentPath(canon); parent != "/" {
			if _, parentErr := d.CreateDirectory(ctx, parent); parentErr != nil {
				return nil, parentErr
			}

			retry, retryErr := d.mkcol(ctx, canon)
			if retryErr != nil {
				return nil, classify(op, subpath, 0, retryErr)
			}

			if retry == http.StatusCreated {
				return &driver.MkdirResult{}, nil
			}

			return nil, classify(op, subpath, retry, nil)
		}

		return nil, classify(op, subpath, status, nil)
	default:
		return nil, classify(op, subpath, status, nil)
	}
}

func (d *Driver) mkcol(ctx context.Context, canon string) (int, error) {
	rawURL, err := d.resourceURL(canon)
	if err != nil {
		return 0, err
	}

	resp, err := d.do(ctx, "MKCOL", rawURL, nil, nil)
	if err != nil {
		return 0, err
	}

	status := resp.StatusCode
	drainClose(resp)

	return status, nil
}

// Rename issues MOVE with Overwrite: F.
func (d *Driver) Rename(ctx context.Context, oldSubpath, newSubpath string) (*driver.RenameResult, error) {
	const op = "webdav.rename"

	status, err := d.moveOrCopy(ctx, "MOVE", oldSubpath, newSubpath, false)
	if err != nil {
		return nil, classify(op, oldSubpath, 0, err)
	}

	if status != http.StatusCreated && status != http.StatusNoContent {
		return nil, classify(op, oldSubpath, status, nil)
	}

	return &driver.RenameResult{Success: true, Source: oldSubpath, Target: newSubpath}, nil
}

// Copy issues COPY, honoring SkipExisting through a prior existence check.
func (d *Driver) Copy(ctx context.Context, srcSubpath, dstSubpath string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	const op = "webdav.copy"

	result := &driver.CopyResult{Source: srcSubpath, Target: dstSubpath}

	if opts.SkipExisting && !opts.PrecheckDone {
		exists, err := d.Exists(ctx, dstSubpath)
		if err != nil {
			return nil, err
		}

		if exists {
			result.Status = driver.CopySkipped
			result.Reason = "target exists"

			return result, nil
		}
	}

	status, err := d.moveOrCopy(ctx, "COPY", srcSubpath, dstSubpath, true)
	if err != nil {
		return nil, classify(op, srcSubpath, 0, err)
	}

	if status != http.StatusCreated && status != http.StatusNoContent {
		return nil, classify(op, srcSubpath, status, nil)
	}

	result.Status = driver.CopySuccess

	return result, nil
}

func (d *Driver) moveOrCopy(ctx context.Context, method, src, dst string, overwrite bool) (int, error) {
	srcURL, err := d.resourceURL(src)
	if err != nil {
		return 0, err
	}

	dstURL, err := d.resourceURL(dst)
	if err != nil {
		return 0, err
	}

	header := http.Header{}
	header.Set("Destination", dstURL)

	if overwrite {
		header.Set("Overwrite", "T")
	} else {
		header.Set("Overwrite", "F")
	}

	resp, err := d.do(ctx, method, srcURL, nil, header)
	if err != nil {
		return 0, err
	}

	status := resp.StatusCode
	drainClose(resp)

	return status, nil
}

// BatchDelete issues one DELETE per path, collecting failures.
func (d *Driver) BatchDelete(ctx context.Context, subpaths []string) (*driver.BatchDeleteResult, error) {
	const op = "webdav.delete"

	result := &driver.BatchDeleteResult{}

	for _, sp := range subpaths {
		if ctx.Err() != nil {
			return nil, driver.E(driver.KindCancelled, op, "", ctx.Err())
		}

		if err := d.deleteOne(ctx, op, sp); err != nil {
			result.Failures = append(result.Failures, driver.DeleteFailure{Path: sp, Error: err.Error()})
			continue
		}

		result.Successes++
	}

	return result, nil
}

func (d *Driver) deleteOne(ctx context.Context, op, subpath string) error {
	rawURL, err := d.resourceURL(subpath)
	if err != nil {
		return driver.E(driver.KindValidation, op, subpath, err)
	}

	resp, err := d.do(ctx, http.MethodDelete, rawURL, nil, nil)
	if err != nil {
		return classify(op, subpath, 0, err)
	}

	status := resp.StatusCode
	drainClose(resp)

	if status != http.StatusNoContent && status != http.StatusOK {
		return classify(op, subpath, status, nil)
	}

	return nil
}
