// Package stream defines the uniform streaming handle returned by storage
// drivers for downloads, plus the byte-slicing fallback used when a backend
// ignores Range requests.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// SizeUnknown marks a descriptor whose total size could not be determined.
const SizeUnknown int64 = -1

// ErrRangeUnsupported is returned by OpenRange when the descriptor has no
// range opener. Callers fall back to OpenFull plus Slice.
var ErrRangeUnsupported = errors.New("stream: descriptor does not support range reads")

// OpenFullFunc opens the complete content stream.
type OpenFullFunc func(ctx context.Context) (io.ReadCloser, error)

// OpenRangeFunc opens the byte range [start, end]. end < 0 means "to EOF".
// The honored return value reports whether the backend actually honored the
// range; when false the stream contains the full content and the caller must
// slice it.
type OpenRangeFunc func(ctx context.Context, start, end int64) (rc io.ReadCloser, honored bool, err error)

// Descriptor is an immutable per-download handle. It reports metadata without
// buffering content; the stream is opened lazily by OpenFull or OpenRange.
type Descriptor struct {
	Size         int64 // SizeUnknown when the backend did not report it
	ContentType  string
	ETag         string
	LastModified time.Time

	openFull  OpenFullFunc
	openRange OpenRangeFunc
}

// NewDescriptor creates a descriptor. openRange may be nil for backends
// without range support.
func NewDescriptor(size int64, contentType, etag string, modified time.Time, full OpenFullFunc, rng OpenRangeFunc) *Descriptor {
	return &Descriptor{
		Size:         size,
		ContentType:  contentType,
		ETag:         etag,
		LastModified: modified,
		openFull:     full,
		openRange:    rng,
	}
}

// SupportsRange reports whether the descriptor has a range opener. Even when
// true, a particular OpenRange call may come back with honored=false.
func (d *Descriptor) SupportsRange() bool {
	return d.openRange != nil
}

// OpenFull opens the complete content stream. The returned closer is
// idempotent.
func (d *Descriptor) OpenFull(ctx context.Context) (io.ReadCloser, error) {
	rc, err := d.openFull(ctx)
	if err != nil {
		return nil, err
	}

	return newOnceCloser(rc), nil
}

// OpenRange opens [start, end] (end < 0 means to EOF). When the backend
// serves the full body despite the Range header, the stream is wrapped in a
// slicer so the caller always receives exactly the requested bytes.
// ErrRangeUnsupported is returned when no range opener exists.
func (d *Descriptor) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	if d.openRange == nil {
		return nil, ErrRangeUnsupported
	}

	rc, honored, err := d.openRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	if !honored {
		return newOnceCloser(Slice(rc, start, end)), nil
	}

	return newOnceCloser(rc), nil
}

// OpenSliced opens the full stream and slices [start, end] out of it.
// Used by the orchestrator when the descriptor has no range opener at all.
func (d *Descriptor) OpenSliced(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	rc, err := d.openFull(ctx)
	if err != nil {
		return nil, err
	}

	return newOnceCloser(Slice(rc, start, end)), nil
}

// onceCloser makes Close idempotent. Drivers propagate cancellation through
// the underlying transport; double Close must not double-release it.
type onceCloser struct {
	io.Reader
	close func() error
	once  sync.Once
	err   error
}

func newOnceCloser(rc io.ReadCloser) io.ReadCloser {
	return &onceCloser{Reader: rc, close: rc.Close}
}

func (o *onceCloser) Close() error {
	o.once.Do(func() {
		o.err = o.close()
	})

	return o.err
}
