package antfetch

import (
	"io"
)

// Stream is a throttled response body.
//
// Reads are split into chunks, every chunk waits in all throttle
// bins of the handle before it is read from the connection.
type stream struct {
	h     *Handle
	f     *fetch
	rc    io.ReadCloser
	chunk int
	done  bool
}

// Read implementation.
//
// The method stops at the first short chunk, it returns
// fewer bytes than requested when the connection has
// no more data available.
func (s *stream) Read(p []byte) (int, error) {
	var total int

	if s.done {
		return 0, ErrNoFetch
	}

	for total < len(p) {
		var n = len(p) - total

		if n > s.chunk {
			n = s.chunk
		}

		got, err := s.read(p[total : total+n])
		total += got

		if err != nil {
			return total, err
		}

		if got < n {
			break
		}
	}

	return total, nil
}

// Close implementation.
func (s *stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.rc.Close()
}

// Read reads a single chunk.
func (s *stream) read(p []byte) (int, error) {
	reads, err := s.h.beginRead(s.f.ctx, s.f, len(p))
	if err != nil {
		return 0, err
	}

	n, err := s.rc.Read(p)
	s.h.endRead(s.f, reads, len(p), n)
	s.f.bytes += int64(n)

	if err != nil && err != io.EOF {
		s.h.invalid = true
		s.f.err = err

		if IsCanceled(err) {
			return n, err
		}

		return n, &TransportError{
			Target: s.h.target,
			Op:     "read",
			Err:    err,
		}
	}

	return n, err
}
