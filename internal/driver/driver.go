package driver

import (
	"context"
	"io"
	"time"

	"github.com/canopyfs/canopy/internal/stream"
)

// FileInfo describes a single entry in a backend.
type FileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	IsDir    bool      `json:"isDirectory"`
	Modified time.Time `json:"modified"`
	ETag     string    `json:"etag,omitempty"`
	MIMEType string    `json:"mime,omitempty"`

	// IsVirtual marks entries synthesized from the mount table rather than
	// read from a backend.
	IsVirtual bool `json:"isVirtual,omitempty"`
}

// Listing is the result of a directory list.
type Listing struct {
	Items  []FileInfo `json:"items"`
	IsRoot bool       `json:"isRoot"`
}

// Body carries upload content. Size < 0 means the length is unknown and the
// driver must pick a streaming path; Size >= 0 lets the driver choose the
// most efficient single-shot or multipart strategy.
type Body struct {
	Reader io.Reader
	Size   int64
}

// PutResult reports where an upload landed in backend terms.
type PutResult struct {
	StoragePath string `json:"storagePath"`
}

// MkdirResult reports whether the directory already existed.
type MkdirResult struct {
	AlreadyExisted bool `json:"alreadyExisted"`
}

// RenameResult is the uniform rename outcome.
type RenameResult struct {
	Success bool   `json:"success"`
	Source  string `json:"source"`
	Target  string `json:"target"`
}

// CopyStatus enumerates per-copy outcomes.
type CopyStatus string

const (
	CopySuccess CopyStatus = "success"
	CopySkipped CopyStatus = "skipped"
	CopyFailed  CopyStatus = "failed"
)

// CopyOptions tunes a single copy operation. SkipExisting short-circuits
// when the target already exists; the existence check always runs unless
// PrecheckDone is set by a caller that has already performed it.
type CopyOptions struct {
	SkipExisting bool
	PrecheckDone bool
}

// CopyResult is the uniform copy outcome.
type CopyResult struct {
	Status CopyStatus `json:"status"`
	Source string     `json:"source"`
	Target string     `json:"target"`
	Reason string     `json:"reason,omitempty"`
}

// DeleteFailure records one failed path in a batch delete.
type DeleteFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// BatchDeleteResult aggregates a batch delete.
type BatchDeleteResult struct {
	Successes int             `json:"successes"`
	Failures  []DeleteFailure `json:"failures"`
}

// Driver is the uniform contract every storage backend implements.
// Implementations are per-mount, reusable, and safe for concurrent use.
// Every method accepts a context and propagates cancellation into backend
// I/O; a canceled call surfaces KindCancelled.
type Driver interface {
	// Type returns the backend type identifier, e.g. "local", "s3".
	Type() string

	// Capabilities returns the declared capability set. READER and WRITER
	// are always present.
	Capabilities() Capability

	List(ctx context.Context, subpath string) (*Listing, error)
	Stat(ctx context.Context, subpath string) (*FileInfo, error)
	Exists(ctx context.Context, subpath string) (bool, error)

	// Download returns a streaming handle. No content is transferred until
	// the descriptor is opened.
	Download(ctx context.Context, subpath string) (*stream.Descriptor, error)

	// Upload creates the object at subpath. Existing content handling is
	// backend-defined; callers wanting overwrite semantics use Update.
	Upload(ctx context.Context, subpath string, body Body) (*PutResult, error)

	// Update overwrites the object at subpath.
	Update(ctx context.Context, subpath string, body Body) error

	CreateDirectory(ctx context.Context, subpath string) (*MkdirResult, error)
	Rename(ctx context.Context, oldSubpath, newSubpath string) (*RenameResult, error)
	Copy(ctx context.Context, srcSubpath, dstSubpath string, opts CopyOptions) (*CopyResult, error)
	BatchDelete(ctx context.Context, subpaths []string) (*BatchDeleteResult, error)
}

// Searcher is implemented by drivers declaring CapSearch.
type Searcher interface {
	Search(ctx context.Context, query string) ([]FileInfo, error)
}

// PresignedUpload describes a direct-upload URL handed to a client.
type PresignedUpload struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	StoragePath string            `json:"storagePath"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

// LinkType classifies a download link.
type LinkType string

const (
	LinkNativeDirect LinkType = "native_direct"
	LinkCustomHost   LinkType = "custom_host"
	LinkProxy        LinkType = "proxy"
)

// PresignOptions tunes presigned link generation.
type PresignOptions struct {
	Expiry        time.Duration
	ForceDownload bool
}

// DownloadLink is a direct or proxied download URL.
type DownloadLink struct {
	URL       string    `json:"url"`
	Type      LinkType  `json:"type"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Presigner is implemented by drivers declaring CapPresigned and/or
// CapDirectLink.
type Presigner interface {
	PresignUpload(ctx context.Context, subpath string, opts PresignOptions) (*PresignedUpload, error)
	PresignDownload(ctx context.Context, subpath string, opts PresignOptions) (*DownloadLink, error)
}
