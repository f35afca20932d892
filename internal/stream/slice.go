package stream

import (
	"io"
)

// sliceReader discards the first start bytes of the underlying stream and
// bounds reads at end (inclusive). Used when a backend returns 200 with the
// full body for a Range request.
type sliceReader struct {
	rc        io.ReadCloser
	toDiscard int64
	remaining int64 // -1 = unbounded
}

// Slice wraps rc so that it yields exactly the bytes of [start, end].
// end < 0 means "through EOF".
func Slice(rc io.ReadCloser, start, end int64) io.ReadCloser {
	remaining := int64(-1)
	if end >= 0 {
		remaining = end - start + 1
	}

	return &sliceReader{rc: rc, toDiscard: start, remaining: remaining}
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if err := s.discard(); err != nil {
		return 0, err
	}

	if s.remaining == 0 {
		return 0, io.EOF
	}

	if s.remaining > 0 && int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}

	n, err := s.rc.Read(p)
	if s.remaining > 0 {
		s.remaining -= int64(n)
	}

	return n, err
}

// discard skips the leading bytes before the requested range. CopyN is used
// rather than Seek because the underlying stream is a network body.
func (s *sliceReader) discard() error {
	if s.toDiscard <= 0 {
		return nil
	}

	if _, err := io.CopyN(io.Discard, s.rc, s.toDiscard); err != nil {
		// EOF while skipping means the requested range starts past the end
		// of the stream. Plain io.EOF would silently yield an empty body.
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}

		return err
	}

	s.toDiscard = 0

	return nil
}

func (s *sliceReader) Close() error {
	return s.rc.Close()
}
