package graphdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/stream"
)

// Type identifies this driver in storage configs.
const Type = "graph_drive"

// Bodies at or below this size go through a single PUT to /content; larger
// bodies go through an upload session.
const simpleUploadLimit = 4 << 20

// Config is the driver configuration. RefreshToken arrives decrypted from
// the sealed secrets blob.
type Config struct {
	ClientID     string `json:"client_id"`
	Tenant       string `json:"tenant,omitempty"`
	RefreshToken string `json:"refresh_token"`
	OnlineAPI    string `json:"online_api,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
}

// Driver serves one mount backed by a Graph drive.
type Driver struct {
	client *client
	logger *slog.Logger
}

// New builds the driver with a token manager bound to the configured
// renewal flow. No network call is made until first use.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.RefreshToken == "" {
		return nil, driver.E(driver.KindValidation, "graph.init", "",
			errors.New("refresh_token is required"))
	}

	if cfg.OnlineAPI == "" && cfg.ClientID == "" {
		return nil, driver.E(driver.KindValidation, "graph.init", "",
			errors.New("client_id is required for the native OAuth flow"))
	}

	if logger == nil {
		logger = slog.Default()
	}

	tm := newTokenManager(cfg.ClientID, cfg.Tenant, cfg.OnlineAPI, cfg.RefreshToken, nil)

	return &Driver{
		client: newClient(cfg.BaseURL, nil, tm),
		logger: logger,
	}, nil
}

func (d *Driver) Type() string { return Type }

func (d *Driver) Capabilities() driver.Capability {
	return driver.CapReader | driver.CapWriter | driver.CapAtomic |
		driver.CapDirectLink | driver.CapMultipart | driver.CapProxy | driver.CapSearch
}

// driveItem is the subset of the Graph drive item resource the driver uses.
type driveItem struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ETag         string    `json:"eTag"`
	LastModified time.Time `json:"lastModifiedDateTime"`
	DownloadURL  string    `json:"@microsoft.graph.downloadUrl"`

	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`

	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`

	Parent *struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	} `json:"parentReference"`
}

func (d *Driver) fileInfo(parentCanon string, item driveItem) driver.FileInfo {
	fi := driver.FileInfo{
		Name:     item.Name,
		Path:     pathutil.Join(parentCanon, item.Name),
		IsDir:    item.Folder != nil,
		Modified: item.LastModified.UTC(),
		ETag:     strings.Trim(item.ETag, `"`),
	}

	if !fi.IsDir {
		fi.Size = item.Size
		if item.File != nil {
			fi.MIMEType = item.File.MimeType
		}
	}

	return fi
}

func decodeItem(resp *http.Response) (*driveItem, error) {
	defer resp.Body.Close()

	var item driveItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("graphdrive: decoding drive item: %w", err)
	}

	return &item, nil
}

// List pages through /children via @odata.nextLink.
func (d *Driver) List(ctx context.Context, subpath string) (*driver.Listing, error) {
	const op = "graph.list"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	apiPath, err := itemPath(canon, "/children")
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	listing := &driver.Listing{IsRoot: canon == "/", Items: []driver.FileInfo{}}

	next := apiPath

	for next != "" {
		resp, doErr := d.client.do(ctx, http.MethodGet, next, nil, "")
		if doErr != nil {
			return nil, doErr
		}

		var page struct {
			Value    []driveItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}

		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()

		if decodeErr != nil {
			return nil, driver.E(driver.KindUpstream, op, subpath, decodeErr)
		}

		for _, item := range page.Value {
			listing.Items = append(listing.Items, d.fileInfo(canon, item))
		}

		next = page.NextLink
	}

	return listing, nil
}

// Stat fetches the item metadata.
func (d *Driver) Stat(ctx context.Context, subpath string) (*driver.FileInfo, error) {
	const op = "graph.stat"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	item, err := d.getItem(ctx, canon)
	if err != nil {
		return nil, err
	}

	fi := d.fileInfo(pathutil.ParentPath(canon), *item)
	fi.Path = canon

	if canon == "/" {
		fi.Name = "/"
		fi.IsDir = true
	}

	return &fi, nil
}

func (d *Driver) getItem(ctx context.Context, canon string) (*driveItem, error) {
	apiPath, err := itemPath(canon, "")
	if err != nil {
		return nil, driver.E(driver.KindValidation, "graph.stat", canon, err)
	}

	resp, err := d.client.do(ctx, http.MethodGet, apiPath, nil, "")
	if err != nil {
		return nil, err
	}

	return decodeItem(resp)
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

// Download opens /content, which Graph answers with a 302 to a short-lived
// CDN URL; the HTTP client follows it. Range requests are honored natively.
func (d *Driver) Download(ctx context.Context, subpath string) (*stream.Descriptor, error) {
	const op = "graph.download"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	item, err := d.getItem(ctx, canon)
	if err != nil {
		return nil, err
	}

	if item.Folder != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, errors.New("is a folder"))
	}

	apiPath, err := itemPath(canon, "/content")
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	openFull := func(ctx context.Context) (io.ReadCloser, error) {
		resp, getErr := d.client.do(ctx, http.MethodGet, apiPath, nil, "")
		if getErr != nil {
			return nil, getErr
		}

		return resp.Body, nil
	}

	openRange := func(ctx context.Context, start, end int64) (io.ReadCloser, bool, error) {
		rangeVal := fmt.Sprintf("bytes=%d-", start)
		if end >= 0 {
			rangeVal = fmt.Sprintf("bytes=%d-%d", start, end)
		}

		resp, getErr := d.client.doRanged(ctx, apiPath, rangeVal)
		if getErr != nil {
			return nil, false, getErr
		}

		return resp.Body, resp.StatusCode == http.StatusPartialContent, nil
	}

	mimeType := ""
	if item.File != nil {
		mimeType = item.File.MimeType
	}

	return stream.NewDescriptor(item.Size, mimeType, strings.Trim(item.ETag, `"`),
		item.LastModified.UTC(), openFull, openRange), nil
}

// doRanged issues a single ranged GET outside the retry loop: a ranged read
// is resumed by the caller, not replayed.
func (c *client) doRanged(ctx context.Context, apiPath, rangeVal string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPath, nil)
	if err != nil {
		return nil, driver.E(driver.KindInternal, "graph.download", apiPath, err)
	}

	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, driver.E(driver.KindUpstream, "graph.download", apiPath, err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Range", rangeVal)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, driver.E(driver.KindCancelled, "graph.download", apiPath, ctx.Err())
		}

		return nil, driver.E(driver.KindUpstream, "graph.download", apiPath, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		status := resp.StatusCode
		resp.Body.Close()

		return nil, classifyStatus("graph.download", apiPath, status, "")
	}

	return resp, nil
}

// Upload stores the body: simple PUT for small known sizes, an upload
// session with a single ranged PUT otherwise.
func (d *Driver) Upload(ctx context.Context, subpath string, body driver.Body) (*driver.PutResult, error) {
	const op = "graph.upload"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	if body.Size >= 0 && body.Size <= simpleUploadLimit {
		return d.simplePut(ctx, op, canon, body)
	}

	return d.sessionPut(ctx, op, canon, body)
}

// Update has the same semantics: Graph PUT replaces the content.
func (d *Driver) Update(ctx context.Context, subpath string, body driver.Body) error {
	_, err := d.Upload(ctx, subpath, body)

	return err
}

func (d *Driver) simplePut(ctx context.Context, op, canon string, body driver.Body) (*driver.PutResult, error) {
	apiPath, err := itemPath(canon, "/content")
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, canon, err)
	}

	// Buffer so retries replay the body.
	data, err := io.ReadAll(body.Reader)
	if err != nil {
		return nil, driver.E(driver.KindInternal, op, canon, err)
	}

	resp, err := d.client.do(ctx, http.MethodPut, apiPath, func() (io.Reader, error) {
		return bytes.NewReader(data), nil
	}, "application/octet-stream")
	if err != nil {
		return nil, err
	}

	drainBody(resp)

	return &driver.PutResult{StoragePath: canon}, nil
}

// sessionPut creates an upload session and streams the whole body in one
// ranged PUT to the session URL.
func (d *Driver) sessionPut(ctx context.Context, op, canon string, body driver.Body) (*driver.PutResult, error) {
	session, err := d.createUploadSession(ctx, canon)
	if err != nil {
		return nil, err
	}

	size := body.Size
	data := body.Reader

	if size < 0 {
		// The Content-Range header requires the total length up front.
		buf, readErr := io.ReadAll(body.Reader)
		if readErr != nil {
			return nil, driver.E(driver.KindInternal, op, canon, readErr)
		}

		size = int64(len(buf))
		data = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, data)
	if err != nil {
		return nil, driver.E(driver.KindInternal, op, canon, err)
	}

	req.ContentLength = size
	req.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", size-1, size))

	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, driver.E(driver.KindCancelled, op, canon, ctx.Err())
		}

		return nil, driver.E(driver.KindUpstream, op, canon, err)
	}

	status := resp.StatusCode
	drainBody(resp)

	if status != http.StatusOK && status != http.StatusCreated {
		return nil, classifyStatus(op, canon, status, "")
	}

	return &driver.PutResult{StoragePath: canon}, nil
}

// uploadSession is the Graph createUploadSession response.
type uploadSession struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

func (d *Driver) createUploadSession(ctx context.Context, canon string) (*uploadSession, error) {
	const op = "graph.create_upload_session"

	apiPath, err := itemPath(canon, "/createUploadSession")
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, canon, err)
	}

	payload := map[string]any{
		"item": map[string]any{
			"@microsoft.graph.conflictBehavior": "replace",
			"name":                              path.Base(canon),
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, driver.E(driver.KindInternal, op, canon, err)
	}

	resp, err := d.client.do(ctx, http.MethodPost, apiPath, func() (io.Reader, error) {
		return bytes.NewReader(raw), nil
	}, "application/json")
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	var session uploadSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, driver.E(driver.KindUpstream, op, canon, err)
	}

	if session.UploadURL == "" {
		return nil, driver.E(driver.KindUpstream, op, canon, errors.New("session carried no uploadUrl"))
	}

	return &session, nil
}

// CreateDirectory POSTs a folder child under the parent.
func (d *Driver) CreateDirectory(ctx context.Context, subpath string) (*driver.MkdirResult, error) {
	const op = "graph.mkdir"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	if canon == "/" {
		return &driver.MkdirResult{AlreadyExisted: true}, nil
	}

	if item, statErr := d.getItem(ctx, canon); statErr == nil {
		if item.Folder == nil {
			return nil, driver.E(driver.KindConflict, op, subpath, errors.New("path exists as a file"))
		}

		return &driver.MkdirResult{AlreadyExisted: true}, nil
	}

	apiPath, err := itemPath(pathutil.ParentPath(canon), "/children")
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	payload := map[string]any{
		"name":                              path.Base(canon),
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, driver.E(driver.KindInternal, op, subpath, err)
	}

	resp, err := d.client.do(ctx, http.MethodPost, apiPath, func() (io.Reader, error) {
		return bytes.NewReader(raw), nil
	}, "application/json")
	if err != nil {
		if driver.IsKind(err, driver.KindConflict) {
			return &driver.MkdirResult{AlreadyExisted: true}, nil
		}

		return nil, err
	}

	drainBody(resp)

	return &driver.MkdirResult{}, nil
}

// Rename PATCHes name and parent reference in one call.
func (d *Driver) Rename(ctx context.Context, oldSubpath, newSubpath string) (*driver.RenameResult, error) {
	const op = "graph.rename"

	oldCanon, err := pathutil.Canonicalize(oldSubpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, oldSubpath, err)
	}

	newCanon, err := pathutil.Canonicalize(newSubpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, newSubpath, err)
	}

	apiPath, err := itemPath(oldCanon, "")
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, oldSubpath, err)
	}

	payload := map[string]any{"name": path.Base(newCanon)}

	if pathutil.ParentPath(oldCanon) != pathutil.ParentPath(newCanon) {
		payload["parentReference"] = map[string]string{
			"path": graphParentRef(pathutil.ParentPath(newCanon)),
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, driver.E(driver.KindInternal, op, oldSubpath, err)
	}

	resp, err := d.client.do(ctx, http.MethodPatch, apiPath, func() (io.Reader, error) {
		return bytes.NewReader(raw), nil
	}, "application/json")
	if err != nil {
		return nil, err
	}

	drainBody(resp)

	return &driver.RenameResult{Success: true, Source: oldSubpath, Target: newSubpath}, nil
}

// graphParentRef is the parentReference path form, e.g. "/drive/root:/docs".
func graphParentRef(canon string) string {
	if canon == "/" {
		return "/drive/root:"
	}

	return "/drive/root:" + canon
}

// Copy POSTs the async copy action and polls the monitor URL until the
// operation settles.
func (d *Driver) Copy(ctx context.Context, srcSubpath, dstSubpath string, opts driver.CopyOptions) (*driver.CopyResult, error) {
	const op = "graph.copy"

	result := &driver.CopyResult{Source: srcSubpath, Target: dstSubpath}

	srcCanon, err := pathutil.Canonicalize(srcSubpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, srcSubpath, err)
	}

	dstCanon, err := pathutil.Canonicalize(dstSubpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, dstSubpath, err)
	}

	if opts.SkipExisting && !opts.PrecheckDone {
		exists, existsErr := d.Exists(ctx, dstCanon)
		if existsErr != nil {
			return nil, existsErr
		}

		if exists {
			result.Status = driver.CopySkipped
			result.Reason = "target exists"

			return result, nil
		}
	}

	apiPath, err := itemPath(srcCanon, "/copy")
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, srcSubpath, err)
	}

	payload := map[string]any{
		"name": path.Base(dstCanon),
		"parentReference": map[string]string{
			"path": graphParentRef(pathutil.ParentPath(dstCanon)),
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, driver.E(driver.KindInternal, op, srcSubpath, err)
	}

	resp, err := d.client.do(ctx, http.MethodPost, apiPath, func() (io.Reader, error) {
		return bytes.NewReader(raw), nil
	}, "application/json")
	if err != nil {
		return nil, err
	}

	monitor := resp.Header.Get("Location")
	drainBody(resp)

	if monitor != "" {
		if err := d.awaitCopy(ctx, op, srcSubpath, monitor); err != nil {
			return nil, err
		}
	}

	result.Status = driver.CopySuccess

	return result, nil
}

// awaitCopy polls the unauthenticated monitor URL until completed or failed.
func (d *Driver) awaitCopy(ctx context.Context, op, subpath, monitor string) error {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, monitor, nil)
		if err != nil {
			return driver.E(driver.KindInternal, op, subpath, err)
		}

		resp, err := d.client.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return driver.E(driver.KindCancelled, op, subpath, ctx.Err())
			}

			return driver.E(driver.KindUpstream, op, subpath, err)
		}

		var status struct {
			Status string `json:"status"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}

		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()

		if decodeErr != nil {
			// Monitor redirects to the created item when done.
			return nil
		}

		switch status.Status {
		case "completed":
			return nil
		case "failed":
			msg := "copy failed"
			if status.Error != nil {
				msg = status.Error.Message
			}

			return driver.E(driver.KindUpstream, op, subpath, errors.New(msg))
		}

		if err := d.client.sleepFunc(ctx, time.Second); err != nil {
			return driver.E(driver.KindCancelled, op, subpath, err)
		}
	}
}

// BatchDelete issues one DELETE per item; 204 is success.
func (d *Driver) BatchDelete(ctx context.Context, subpaths []string) (*driver.BatchDeleteResult, error) {
	const op = "graph.delete"

	result := &driver.BatchDeleteResult{}

	for _, sp := range subpaths {
		if ctx.Err() != nil {
			return nil, driver.E(driver.KindCancelled, op, "", ctx.Err())
		}

		if err := d.deleteOne(ctx, sp); err != nil {
			result.Failures = append(result.Failures, driver.DeleteFailure{Path: sp, Error: err.Error()})
			continue
		}

		result.Successes++
	}

	return result, nil
}

func (d *Driver) deleteOne(ctx context.Context, subpath string) error {
	const op = "graph.delete"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return driver.E(driver.KindValidation, op, subpath, err)
	}

	apiPath, err := itemPath(canon, "")
	if err != nil {
		return driver.E(driver.KindValidation, op, subpath, err)
	}

	resp, err := d.client.do(ctx, http.MethodDelete, apiPath, nil, "")
	if err != nil {
		return err
	}

	drainBody(resp)

	return nil
}

// Search runs the drive search action.
func (d *Driver) Search(ctx context.Context, query string) ([]driver.FileInfo, error) {
	const op = "graph.search"

	apiPath := "/me/drive/root/search(q='" + strings.ReplaceAll(query, "'", "''") + "')"

	resp, err := d.client.do(ctx, http.MethodGet, apiPath, nil, "")
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	var page struct {
		Value []driveItem `json:"value"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, driver.E(driver.KindUpstream, op, query, err)
	}

	out := make([]driver.FileInfo, 0, len(page.Value))

	for _, item := range page.Value {
		parent := "/"
		if item.Parent != nil {
			if idx := strings.Index(item.Parent.Path, "root:"); idx >= 0 {
				parent = item.Parent.Path[idx+len("root:"):]
			}

			if parent == "" {
				parent = "/"
			}
		}

		out = append(out, d.fileInfo(parent, item))
	}

	return out, nil
}

// PresignUpload is not offered: Graph upload URLs come from upload sessions.
func (d *Driver) PresignUpload(ctx context.Context, subpath string, opts driver.PresignOptions) (*driver.PresignedUpload, error) {
	return nil, driver.E(driver.KindUnsupportedEnv, "graph.presign_upload", subpath,
		errors.New("direct upload URLs are session-based, use multipart init"))
}

// PresignDownload serves @microsoft.graph.downloadUrl when Graph provides
// one (valid for about an hour). Items without one fall back to the proxy.
func (d *Driver) PresignDownload(ctx context.Context, subpath string, opts driver.PresignOptions) (*driver.DownloadLink, error) {
	const op = "graph.presign_download"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	item, err := d.getItem(ctx, canon)
	if err != nil {
		return nil, err
	}

	if item.DownloadURL == "" {
		return &driver.DownloadLink{Type: driver.LinkProxy}, nil
	}

	return &driver.DownloadLink{
		URL:       item.DownloadURL,
		Type:      driver.LinkNativeDirect,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func drainBody(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
