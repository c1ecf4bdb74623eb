// Package quarantine implements the optional temp-file buffering layer that
// gives an OS virus scanner a window to act on a message before it lands in
// the live store (spec §4.4).
package quarantine

import (
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/mailkit/maildepot/internal/errs"
)

// SafeSink is anything that supports the commit/rollback protocol the
// quarantine layer composes with: ordinary writes plus a Finish that
// commits and a Close that rolls back if Finish was never called.
type SafeSink interface {
	Write(p []byte) error
	Finish() error
	Close() error
}

// Stream lazily creates a uniquely named temp file on first Write, then on
// Finish closes it, reopens it for read, and copies its contents into the
// wrapped sink before delegating to the wrapped sink's own Finish.
type Stream struct {
	dir     string
	wrapped SafeSink

	tmp       *os.File
	tmpPath   string
	err       error
	closed    bool
	committed bool
}

// NewStream wraps sink, buffering through a temp file created under dir (an
// empty dir uses os.TempDir()).
func NewStream(dir string, sink SafeSink) *Stream {
	return &Stream{dir: dir, wrapped: sink}
}

func (s *Stream) latch(op string, err error) error {
	s.err = errs.New(op, errs.KindIO, errs.OK, err)
	return s.err
}

// Write buffers p into the temp file, creating it on first call.
func (s *Stream) Write(p []byte) error {
	if s.err != nil {
		return s.err
	}
	if s.tmp == nil {
		f, err := os.CreateTemp(s.dir, "maildepot-quarantine-"+uuid.NewString()+"-")
		if err != nil {
			return s.latch("quarantine.Stream.Write", err)
		}
		s.tmp = f
		s.tmpPath = f.Name()
	}
	if _, err := s.tmp.Write(p); err != nil {
		return s.latch("quarantine.Stream.Write", err)
	}
	return nil
}

// Finish closes the temp file, reopens it for read, copies its full
// contents into the wrapped sink, and invokes the wrapped sink's Finish to
// commit. If closing, reopening or copying the temp file fails, the temp
// file is deleted and the error is latched; an error from the wrapped
// sink's Finish is returned as is (after deleting the temp file) and is not
// latched.
func (s *Stream) Finish() error {
	if s.err != nil {
		return s.err
	}
	if s.tmp == nil {
		// Nothing was ever written; nothing to scan or copy.
		if err := s.wrapped.Finish(); err != nil {
			return err
		}
		s.committed = true
		return nil
	}
	if err := s.tmp.Close(); err != nil {
		s.cleanupTemp()
		return s.latch("quarantine.Stream.Finish", err)
	}

	r, err := os.Open(s.tmpPath)
	if err != nil {
		s.cleanupTemp()
		return s.latch("quarantine.Stream.Finish", err)
	}
	defer r.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if werr := s.wrapped.Write(buf[:n]); werr != nil {
				s.cleanupTemp()
				return s.latch("quarantine.Stream.Finish", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.cleanupTemp()
			return s.latch("quarantine.Stream.Finish", rerr)
		}
	}

	if err := s.wrapped.Finish(); err != nil {
		s.cleanupTemp()
		return err
	}
	s.cleanupTemp()
	s.committed = true
	return nil
}

// Close discards the temp file (rollback) if Finish was never called, and
// rolls back the wrapped sink too. A no-op once Finish has committed.
func (s *Stream) Close() error {
	if s.closed || s.committed {
		return nil
	}
	s.closed = true
	s.cleanupTemp()
	return s.wrapped.Close()
}

func (s *Stream) cleanupTemp() {
	if s.tmp != nil {
		_ = s.tmp.Close()
		s.tmp = nil
	}
	if s.tmpPath != "" {
		_ = os.Remove(s.tmpPath)
		s.tmpPath = ""
	}
}
