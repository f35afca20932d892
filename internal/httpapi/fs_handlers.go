package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/gateway"
	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/mount"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/stream"
)

// pathTokenHeader carries the password token for protected subtrees.
const pathTokenHeader = "X-Fs-Path-Token"

func queryPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := r.URL.Query().Get("path")
	if p == "" {
		failValidation(w, "path query parameter is required")

		return "", false
	}

	return p, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	vpath, okPath := queryPath(w, r)
	if !okPath {
		return
	}

	listing, err := s.fs.List(r.Context(), vpath, p, r.Header.Get(pathTokenHeader))
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, listing)
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	vpath, okPath := queryPath(w, r)
	if !okPath {
		return
	}

	fi, err := s.fs.Stat(r.Context(), vpath, p)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, fi)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	vpath, okPath := queryPath(w, r)
	if !okPath {
		return
	}

	desc, err := s.fs.Download(r.Context(), vpath, p)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	s.serveDescriptor(w, r, desc, pathutil.BaseName(vpath), r.URL.Query().Get("download") == "1")
}

// serveDescriptor streams a descriptor honoring a single bytes range. When
// the driver cannot serve the range natively the descriptor slices, so a
// satisfiable range always yields 206 with exactly the requested bytes.
func (s *Server) serveDescriptor(w http.ResponseWriter, r *http.Request, desc *stream.Descriptor, name string, forceDownload bool) {
	ct := desc.ContentType
	if ct == "" {
		ct = mime.TypeByExtension(path.Ext(name))
	}

	if ct == "" {
		ct = "application/octet-stream"
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")

	if desc.ETag != "" {
		w.Header().Set("ETag", desc.ETag)
	}

	if !desc.LastModified.IsZero() {
		w.Header().Set("Last-Modified", desc.LastModified.UTC().Format(http.TimeFormat))
	}

	if forceDownload {
		// Plain filename for legacy clients, RFC 5987 encoding for the rest.
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s",
				asciiFallback(name), url.PathEscape(name)))
	}

	start, end, partial, err := parseRange(r.Header.Get("Range"), desc.Size)
	if err != nil {
		if desc.Size >= 0 {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(desc.Size, 10))
		}

		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

		return
	}

	if !partial {
		if desc.Size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
		}

		rc, err := desc.OpenFull(r.Context())
		if err != nil {
			fail(w, s.logger, err)

			return
		}
		defer rc.Close()

		w.WriteHeader(http.StatusOK)
		s.copyBody(w, rc)

		return
	}

	rc, err := desc.OpenRange(r.Context(), start, end)
	if errors.Is(err, stream.ErrRangeUnsupported) {
		rc, err = desc.OpenSliced(r.Context(), start, end)
	}

	if err != nil {
		fail(w, s.logger, err)

		return
	}
	defer rc.Close()

	total := "*"
	if desc.Size >= 0 {
		total = strconv.FormatInt(desc.Size, 10)
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", start, end, total))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	s.copyBody(w, rc)
}

// asciiFallback strips characters that would break a quoted filename
// parameter, replacing non-ASCII runes with underscores.
func asciiFallback(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}

		return r
	}, name)
}

func (s *Server) copyBody(w http.ResponseWriter, rc io.Reader) {
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; all we can do is note the broken transfer.
		s.logger.Debug("download stream interrupted", slog.Any("error", err))
	}
}

// parseRange interprets a single-range header against a known or unknown
// size. partial=false means serve the whole body; an error means 416.
func parseRange(header string, size int64) (start, end int64, partial bool, err error) {
	if header == "" {
		return 0, 0, false, nil
	}

	spec, hasPrefix := strings.CutPrefix(header, "bytes=")
	if !hasPrefix || strings.Contains(spec, ",") {
		// Multi-range and unknown units are served as a full response.
		return 0, 0, false, nil
	}

	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false, nil
	}

	if first == "" {
		// Suffix range needs a known size.
		if size < 0 {
			return 0, 0, false, nil
		}

		n, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, errors.New("invalid suffix range")
		}

		if n > size {
			n = size
		}

		return size - n, size - 1, true, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, errors.New("invalid range start")
	}

	if size >= 0 && start >= size {
		return 0, 0, false, errors.New("range start past EOF")
	}

	if last == "" {
		if size < 0 {
			// Open-ended range against an unknown size: full response.
			return 0, 0, false, nil
		}

		return start, size - 1, true, nil
	}

	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, false, errors.New("invalid range end")
	}

	if size >= 0 && end >= size {
		end = size - 1
	}

	return start, end, true, nil
}

func (s *Server) handleFileLink(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	vpath, okPath := queryPath(w, r)
	if !okPath {
		return
	}

	q := r.URL.Query()

	var expiry time.Duration

	if raw := q.Get("expires_in"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			failValidation(w, "expires_in must be a non-negative number of seconds")

			return
		}

		expiry = time.Duration(secs) * time.Second
	}

	link, err := s.fs.FileLink(r.Context(), vpath, p, expiry, q.Get("force_download") == "1")
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, link)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	vpath, okPath := queryPath(w, r)
	if !okPath {
		return
	}

	query := r.URL.Query().Get("query")
	if query == "" {
		failValidation(w, "query parameter is required")

		return
	}

	items, err := s.fs.Search(r.Context(), vpath, query, p)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, items)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	vpath, okPath := queryPath(w, r)
	if !okPath {
		return
	}

	size := r.ContentLength
	if size < 0 {
		size = stream.SizeUnknown
	}

	result, err := s.fs.Upload(r.Context(), vpath, p,
		driver.Body{Reader: r.Body, Size: size}, r.URL.Query().Get("overwrite") == "1")
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, result)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		Path string `json:"path"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.fs.Mkdir(r.Context(), req.Path, p)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, result)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.fs.Rename(r.Context(), req.OldPath, req.NewPath, p)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, result)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		SourcePath   string `json:"sourcePath"`
		TargetPath   string `json:"targetPath"`
		SkipExisting bool   `json:"skipExisting"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.fs.Copy(r.Context(), req.SourcePath, req.TargetPath, p, req.SkipExisting)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, result)
}

func (s *Server) handleBatchRemove(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		Paths []string `json:"paths"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	if len(req.Paths) == 0 {
		failValidation(w, "paths must not be empty")

		return
	}

	result, err := s.fs.BatchDelete(r.Context(), p, req.Paths)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, result)
}

func (s *Server) handleBatchCopy(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		Items          []jobs.CopyPair `json:"items"`
		SkipExisting   bool            `json:"skipExisting"`
		MaxConcurrency int             `json:"maxConcurrency"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	job, err := s.fs.BatchCopy(r.Context(), p, req.Items, req.SkipExisting, req.MaxConcurrency)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, job)
}

func (s *Server) handleBatchCopyCommit(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		TargetMountID int64                `json:"targetMountId"`
		Files         []gateway.CommitFile `json:"files"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.fs.BatchCopyCommit(r.Context(), p, req.TargetMountID, req.Files)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, result)
}

func (s *Server) handlePlanClientCopy(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		SourcePath string `json:"sourcePath"`
		TargetPath string `json:"targetPath"`
		ExpiresIn  int64  `json:"expiresIn"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	plan, err := s.fs.PlanClientCopy(r.Context(), p, req.SourcePath, req.TargetPath,
		time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, plan)
}

func (s *Server) handleMultipartInit(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		Path     string `json:"path"`
		FileSize int64  `json:"fileSize"`
		PartSize int64  `json:"partSize"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	handle, err := s.fs.InitUpload(r.Context(), req.Path, p, req.FileSize, req.PartSize)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, handle)
}

func (s *Server) handleMultipartProgress(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	progress, err := s.fs.UploadProgress(r.Context(), r.PathValue("id"), p)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, progress)
}

func (s *Server) handleMultipartComplete(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		Parts []driver.CompletedPart `json:"parts"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.fs.CompleteUpload(r.Context(), r.PathValue("id"), p, req.Parts)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, result)
}

func (s *Server) handleMultipartAbort(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	if err := s.fs.AbortUpload(r.Context(), r.PathValue("id"), p); err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, nil)
}

func (s *Server) handleMultipartRefreshURLs(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		PartNumbers []int `json:"partNumbers"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	urls, err := s.fs.RefreshUploadURLs(r.Context(), r.PathValue("id"), p, req.PartNumbers)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, urls)
}

// handleProxy serves signed gateway downloads. The HMAC over the canonical
// path is the sole authorization.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
	if err != nil {
		failValidation(w, "ts query parameter is required")

		return
	}

	canon, err := s.fs.VerifyProxy("/"+r.PathValue("path"), q.Get("sign"), ts)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	desc, err := s.fs.ProxyDownload(r.Context(), canon)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	s.serveDescriptor(w, r, desc, pathutil.BaseName(canon), q.Get("download") == "1")
}
