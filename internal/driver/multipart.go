package driver

import (
	"context"
	"time"
)

// MultipartInit describes a frontend-driven multipart upload request.
type MultipartInit struct {
	FileName string
	FileSize int64
	PartSize int64
}

// PartURL is a per-part presigned PUT target.
type PartURL struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// MultipartInitResult is returned from Init. For single-session backends
// (Graph) UploadID carries the session upload URL and PartURLs is empty —
// the client PUTs chunks with Content-Range to UploadID directly.
type MultipartInitResult struct {
	UploadID    string            `json:"uploadId"`
	StoragePath string            `json:"storagePath"`
	PartSize    int64             `json:"partSize"`
	PartCount   int               `json:"partCount"`
	PartURLs    []PartURL         `json:"partUrls,omitempty"`
	ExpiresAt   time.Time         `json:"expiresAt,omitzero"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// CompletedPart identifies one uploaded part during completion.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// MultipartComplete finalizes an upload.
type MultipartComplete struct {
	UploadID string
	Parts    []CompletedPart
}

// UploadInProgress describes a pending multipart upload found on the backend.
type UploadInProgress struct {
	UploadID    string    `json:"uploadId"`
	StoragePath string    `json:"storagePath"`
	Initiated   time.Time `json:"initiated"`
}

// PartInfo reflects backend state of one uploaded part, used for resume.
type PartInfo struct {
	PartNumber int       `json:"partNumber"`
	Size       int64     `json:"size"`
	ETag       string    `json:"etag,omitempty"`
	Modified   time.Time `json:"modified,omitzero"`
}

// Multiparter is implemented by drivers declaring CapMultipart.
type Multiparter interface {
	InitMultipart(ctx context.Context, subpath string, init MultipartInit) (*MultipartInitResult, error)
	CompleteMultipart(ctx context.Context, subpath string, complete MultipartComplete) (*PutResult, error)
	AbortMultipart(ctx context.Context, subpath string, uploadID string) error
	ListUploads(ctx context.Context, prefix string) ([]UploadInProgress, error)
	ListParts(ctx context.Context, subpath string, uploadID string) ([]PartInfo, error)
	RefreshPartURLs(ctx context.Context, subpath string, uploadID string, partNumbers []int) ([]PartURL, error)
}

// PlanParts computes the part count for a file of fileSize split into
// partSize chunks. The final part may be short.
func PlanParts(fileSize, partSize int64) int {
	if partSize <= 0 || fileSize <= 0 {
		return 1
	}

	count := fileSize / partSize
	if fileSize%partSize != 0 {
		count++
	}

	return int(count)
}
