package mbox

import (
	"bytes"
	"errors"
	"io"

	"github.com/mailkit/maildepot/internal/errs"
)

// Sink is the seekable, truncatable destination a MsgOutputStream writes
// into. *os.File satisfies it.
type Sink interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

var errStreamClosed = errors.New("mbox: stream closed")

type outputState int

const (
	stateInitial outputState = iota
	stateStartOfLine
	stateMidLine
	stateStartAwaitingData
	stateError
	stateClosed
)

// MsgOutputStream is the write-side mboxrd codec for one message (spec
// §4.3). It synthesizes the "From " envelope line on first write, escapes
// body lines that would otherwise look like a new envelope, and supports
// transactional commit (Finish) or rollback (Close without Finish).
type MsgOutputStream struct {
	sink  Sink
	state outputState

	startPos  int64
	wroteAny  bool
	committed bool

	// pending holds an unresolved line-start prefix (a run of '>' possibly
	// followed by a partial match of "From ") carried across Write calls
	// while its classification is still ambiguous.
	pending []byte

	lastByte      byte
	hasAnyContent bool

	// fromLine is the literal bytes (including trailing EOL) written as the
	// envelope separator on first Write. Defaults to a generic "From \r\n"
	// when the caller has no original envelope to preserve.
	fromLine []byte

	err error
}

// NewMsgOutputStream wraps sink. The underlying stream's current position
// is not touched until the first Write. The envelope separator line written
// on first Write is a generic "From \r\n".
func NewMsgOutputStream(sink Sink) *MsgOutputStream {
	return &MsgOutputStream{sink: sink, fromLine: []byte("From \r\n")}
}

// NewMsgOutputStreamWithEnvelope wraps sink like NewMsgOutputStream, but
// writes fromLine (with eol appended) as the envelope separator instead of
// the generic one. Used by compaction to preserve a kept message's original
// envelope sender/date (spec §4.7).
func NewMsgOutputStreamWithEnvelope(sink Sink, fromLine, eol string) *MsgOutputStream {
	return &MsgOutputStream{sink: sink, fromLine: []byte(fromLine + eol)}
}

// StreamStatus returns the latched error, if any.
func (s *MsgOutputStream) StreamStatus() error {
	return s.err
}

func (s *MsgOutputStream) latch(err error) error {
	s.state = stateError
	s.err = errs.New("mbox.MsgOutputStream", errs.KindIO, errs.OK, err)
	return s.err
}

func (s *MsgOutputStream) rawWrite(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := s.sink.Write(p); err != nil {
		return s.latch(err)
	}
	return nil
}

func (s *MsgOutputStream) ensureStarted() error {
	if s.wroteAny {
		return nil
	}
	pos, err := s.sink.Seek(0, io.SeekCurrent)
	if err != nil {
		return s.latch(err)
	}
	s.startPos = pos
	if err := s.rawWrite(s.fromLine); err != nil {
		return err
	}
	s.state = stateStartOfLine
	s.wroteAny = true
	return nil
}

type lineStartResult int

const (
	resultAmbiguous lineStartResult = iota
	resultYes
	resultNo
)

var fromLiteral = []byte("From ")

// classifyLineStart inspects candidate (a run of bytes known to start a new
// line) for zero or more '>' followed by the literal "From ". It reports
// how many of candidate's leading bytes it needed to examine to reach its
// verdict.
func classifyLineStart(candidate []byte) (result lineStartResult, examined int) {
	i := 0
	for i < len(candidate) && candidate[i] == '>' {
		i++
	}
	if i == len(candidate) {
		return resultAmbiguous, i
	}
	remaining := candidate[i:]
	m := len(remaining)
	if m > len(fromLiteral) {
		m = len(fromLiteral)
	}
	for j := 0; j < m; j++ {
		if remaining[j] != fromLiteral[j] {
			return resultNo, i + j + 1
		}
	}
	if len(remaining) < len(fromLiteral) {
		return resultAmbiguous, len(candidate)
	}
	return resultYes, i + len(fromLiteral)
}

// Write feeds the next chunk of this message's raw bytes.
func (s *MsgOutputStream) Write(data []byte) error {
	if s.err != nil {
		return s.err
	}
	if s.state == stateClosed {
		return errStreamClosed
	}
	if err := s.ensureStarted(); err != nil {
		return err
	}

	n := len(data)
	i := 0
	runStart := 0

	for i < n {
		switch s.state {
		case stateStartOfLine, stateStartAwaitingData:
			var candidate []byte
			if len(s.pending) > 0 {
				candidate = make([]byte, 0, len(s.pending)+n-i)
				candidate = append(candidate, s.pending...)
				candidate = append(candidate, data[i:]...)
			} else {
				candidate = data[i:]
			}

			result, examined := classifyLineStart(candidate)
			switch result {
			case resultAmbiguous:
				if i > runStart {
					if err := s.rawWrite(data[runStart:i]); err != nil {
						return err
					}
				}
				s.pending = append([]byte(nil), candidate...)
				s.state = stateStartAwaitingData
				if n > 0 {
					s.lastByte = data[n-1]
					s.hasAnyContent = true
				}
				return nil

			case resultYes:
				if i > runStart {
					if err := s.rawWrite(data[runStart:i]); err != nil {
						return err
					}
				}
				if err := s.rawWrite([]byte(">")); err != nil {
					return err
				}
				if err := s.rawWrite(candidate[:examined]); err != nil {
					return err
				}
				consumed := examined - len(s.pending)
				s.pending = nil
				i += consumed
				runStart = i
				s.state = stateMidLine

			case resultNo:
				if i > runStart {
					if err := s.rawWrite(data[runStart:i]); err != nil {
						return err
					}
				}
				if err := s.rawWrite(candidate[:examined]); err != nil {
					return err
				}
				consumed := examined - len(s.pending)
				if consumed < 0 {
					consumed = 0
				}
				s.pending = nil
				i += consumed
				runStart = i
				s.state = stateMidLine
			}

		case stateMidLine:
			idx := bytes.IndexByte(data[i:], '\n')
			if idx < 0 {
				i = n
				continue
			}
			i = i + idx + 1
			if err := s.rawWrite(data[runStart:i]); err != nil {
				return err
			}
			runStart = i
			s.state = stateStartOfLine
		}
	}

	if i > runStart {
		if err := s.rawWrite(data[runStart:i]); err != nil {
			return err
		}
	}
	if n > 0 {
		s.lastByte = data[n-1]
		s.hasAnyContent = true
	}
	return nil
}

// Finish commits the message: flushes any still-pending ambiguous prefix as
// literal content, guarantees a terminal EOL, appends the blank
// end-of-message separator line, and marks the stream committed so a
// subsequent Close will not roll back.
func (s *MsgOutputStream) Finish() error {
	if s.err != nil {
		return s.err
	}
	if s.state == stateClosed {
		return errStreamClosed
	}
	if err := s.ensureStarted(); err != nil {
		return err
	}

	if s.state == stateStartAwaitingData && len(s.pending) > 0 {
		if err := s.rawWrite(s.pending); err != nil {
			return err
		}
		s.pending = nil
		s.state = stateMidLine
	}

	if s.hasAnyContent && s.lastByte != '\n' {
		if err := s.rawWrite([]byte("\n")); err != nil {
			return err
		}
	}
	if err := s.rawWrite([]byte("\n")); err != nil {
		return err
	}

	s.committed = true
	s.state = stateClosed
	return nil
}

// Close finalizes the stream without committing. If Finish was already
// called, this is a no-op. Otherwise it rolls the underlying sink back to
// the position it held before this message's first byte was written.
func (s *MsgOutputStream) Close() error {
	if s.state == stateClosed {
		return nil
	}
	if s.committed {
		s.state = stateClosed
		return nil
	}
	if s.wroteAny {
		if err := s.sink.Truncate(s.startPos); err != nil {
			return s.latch(err)
		}
		if _, err := s.sink.Seek(s.startPos, io.SeekStart); err != nil {
			return s.latch(err)
		}
	}
	s.state = stateClosed
	return nil
}
