package graphdrive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/pathutil"
)

// Graph frontend multipart uses the single-session strategy: one upload
// session whose uploadUrl doubles as the uploadId. The client PUTs chunks
// with Content-Range directly to that URL; Graph finalizes the item when the
// last chunk lands, so CompleteMultipart only verifies the outcome.

// InitMultipart creates the upload session. PartURLs stays empty; the
// client addresses every chunk at the session URL in UploadID.
func (d *Driver) InitMultipart(ctx context.Context, subpath string, init driver.MultipartInit) (*driver.MultipartInitResult, error) {
	const op = "graph.multipart_init"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	if init.FileSize <= 0 || init.PartSize <= 0 {
		return nil, driver.E(driver.KindValidation, op, subpath,
			errors.New("fileSize and partSize must be positive"))
	}

	// Graph requires chunk sizes in 320 KiB multiples.
	const chunkQuantum = 320 << 10

	if init.PartSize%chunkQuantum != 0 {
		return nil, driver.E(driver.KindValidation, op, subpath,
			errors.New("partSize must be a multiple of 320 KiB"))
	}

	session, err := d.createUploadSession(ctx, canon)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Time{}
	if t, parseErr := time.Parse(time.RFC3339, session.ExpirationDateTime); parseErr == nil {
		expiresAt = t.UTC()
	}

	return &driver.MultipartInitResult{
		UploadID:    session.UploadURL,
		StoragePath: canon,
		PartSize:    init.PartSize,
		PartCount:   driver.PlanParts(init.FileSize, init.PartSize),
		ExpiresAt:   expiresAt,
		Meta:        map[string]string{"strategy": "single_session"},
	}, nil
}

// CompleteMultipart verifies that Graph finalized the session: the item must
// exist and the session probe must report it gone or fully received.
func (d *Driver) CompleteMultipart(ctx context.Context, subpath string, complete driver.MultipartComplete) (*driver.PutResult, error) {
	const op = "graph.multipart_complete"

	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return nil, driver.E(driver.KindValidation, op, subpath, err)
	}

	if _, err := d.getItem(ctx, canon); err != nil {
		if driver.IsKind(err, driver.KindNotFound) {
			return nil, driver.E(driver.KindConflict, op, subpath,
				errors.New("upload session not finalized, chunks missing"))
		}

		return nil, err
	}

	return &driver.PutResult{StoragePath: canon}, nil
}

// AbortMultipart cancels the session. Graph answers 204; a vanished session
// aborts idempotently.
func (d *Driver) AbortMultipart(ctx context.Context, subpath string, uploadID string) error {
	const op = "graph.multipart_abort"

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadID, nil)
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

	status := resp.StatusCode
	drainBody(resp)

	if status == http.StatusNoContent || status == http.StatusNotFound {
		return nil
	}

	return classifyStatus(op, subpath, status, "")
}

// ListUploads is not enumerable on Graph: sessions are only addressable by
// their uploadUrl, which the session store tracks.
func (d *Driver) ListUploads(ctx context.Context, prefix string) ([]driver.UploadInProgress, error) {
	return []driver.UploadInProgress{}, nil
}

// ListParts probes the session and reports confirmed progress as a single
// synthetic part whose Size is the contiguous byte count Graph acknowledged
// (the start of the first nextExpectedRange). Size -1 means the session
// received everything. Callers that know the agreed part size divide to get
// the completed-part count. A 404 probe means the session is gone and
// resume is impossible.
func (d *Driver) ListParts(ctx context.Context, subpath string, uploadID string) ([]driver.PartInfo, error) {
	const op = "graph.multipart_parts"

	session, err := d.probeSession(ctx, op, subpath, uploadID)
	if err != nil {
		return nil, err
	}

	confirmed := confirmedBytes(session.NextExpectedRanges)
	if confirmed == 0 {
		return []driver.PartInfo{}, nil
	}

	return []driver.PartInfo{{PartNumber: 0, Size: confirmed}}, nil
}

// RefreshPartURLs returns the session URL for every requested part: Graph
// chunks all target the one uploadUrl and it does not expire per part.
func (d *Driver) RefreshPartURLs(ctx context.Context, subpath string, uploadID string, partNumbers []int) ([]driver.PartURL, error) {
	const op = "graph.multipart_refresh"

	if _, err := d.probeSession(ctx, op, subpath, uploadID); err != nil {
		return nil, err
	}

	urls := make([]driver.PartURL, 0, len(partNumbers))
	for _, n := range partNumbers {
		urls = append(urls, driver.PartURL{PartNumber: n, URL: uploadID})
	}

	return urls, nil
}

func (d *Driver) probeSession(ctx context.Context, op, subpath, uploadURL string) (*uploadSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uploadURL, nil)
	if err != nil {
		return nil, driver.E(driver.KindInternal, op, subpath, err)
	}

	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, driver.E(driver.KindCancelled, op, subpath, ctx.Err())
		}

		return nil, driver.E(driver.KindUpstream, op, subpath, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, driver.E(driver.KindSessionNotFound, op, subpath,
			errors.New("upload session no longer exists"))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, subpath, resp.StatusCode, "")
	}

	var session uploadSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, driver.E(driver.KindUpstream, op, subpath, err)
	}

	return &session, nil
}

// confirmedBytes parses nextExpectedRanges ("26214400-") and returns the
// start of the first expected range: everything before it is confirmed.
// An empty list means the upload is fully received.
func confirmedBytes(ranges []string) int64 {
	if len(ranges) == 0 {
		return -1
	}

	first := ranges[0]
	if idx := strings.Index(first, "-"); idx > 0 {
		first = first[:idx]
	}

	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0
	}

	return n
}
