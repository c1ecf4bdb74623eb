package mbox

import (
	"bytes"
	"testing"
)

// memSink is a minimal in-memory Sink for exercising MsgOutputStream without
// touching the filesystem.
type memSink struct {
	buf bytes.Buffer
	pos int64
}

func (m *memSink) Write(p []byte) (int, error) {
	if m.pos < int64(m.buf.Len()) {
		// Overwrite path: not exercised by these tests but kept honest.
		b := m.buf.Bytes()
		copy(b[m.pos:], p)
		m.pos += int64(len(p))
		return len(p), nil
	}
	n, err := m.buf.Write(p)
	m.pos += int64(n)
	return n, err
}

func (m *memSink) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		m.pos = offset
	case 1:
		m.pos += offset
	case 2:
		m.pos = int64(m.buf.Len()) + offset
	}
	return m.pos, nil
}

func (m *memSink) Truncate(size int64) error {
	b := m.buf.Bytes()
	if int64(len(b)) > size {
		m.buf.Truncate(int(size))
	}
	if m.pos > size {
		m.pos = size
	}
	return nil
}

func writeAndFinish(t *testing.T, body string) string {
	t.Helper()
	sink := &memSink{}
	s := NewMsgOutputStream(sink)
	if err := s.Write([]byte(body)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return sink.buf.String()
}

func TestEnvelopeSynthesized(t *testing.T) {
	got := writeAndFinish(t, "Subject: hi\r\n\r\nbody\r\n")
	if !bytes.HasPrefix([]byte(got), []byte("From \r\n")) {
		t.Fatalf("missing synthesized envelope: %q", got)
	}
}

func TestFromLineEscaped(t *testing.T) {
	got := writeAndFinish(t, "Subject: hi\r\n\r\nFrom the start of a body line\r\n")
	want := "From \r\nSubject: hi\r\n\r\n>From the start of a body line\r\n\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAlreadyEscapedLineGetsAnotherLevel(t *testing.T) {
	got := writeAndFinish(t, ">From already escaped once\r\n")
	want := "From \r\n>>From already escaped once\r\n\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNonFromGreaterThanLinePassesThrough(t *testing.T) {
	got := writeAndFinish(t, ">Quoted text, not a from line\r\n")
	want := "From \r\n>Quoted text, not a from line\r\n\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAmbiguousPrefixAcrossChunks(t *testing.T) {
	sink := &memSink{}
	s := NewMsgOutputStream(sink)
	body := ">>From split across writes\r\n"
	for i := 0; i < len(body); i++ {
		if err := s.Write([]byte{body[i]}); err != nil {
			t.Fatalf("write byte %d: %v", i, err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	want := "From \r\n>>>From split across writes\r\n\n"
	if sink.buf.String() != want {
		t.Fatalf("got %q, want %q", sink.buf.String(), want)
	}
}

func TestTerminalEOLGuaranteed(t *testing.T) {
	got := writeAndFinish(t, "Subject: hi\r\n\r\nno trailing newline")
	want := "From \r\nSubject: hi\r\n\r\nno trailing newline\n\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCloseWithoutFinishRollsBack(t *testing.T) {
	sink := &memSink{}
	sink.buf.WriteString("PREVIOUS MESSAGE CONTENT\n")
	sink.pos = int64(sink.buf.Len())
	startLen := sink.buf.Len()

	s := NewMsgOutputStream(sink)
	if err := s.Write([]byte("Subject: abandoned\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sink.buf.Len() <= startLen {
		t.Fatalf("expected bytes written before rollback")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.buf.Len() != startLen {
		t.Fatalf("rollback left %d bytes, want %d", sink.buf.Len(), startLen)
	}
}

func TestFinishThenCloseDoesNotRollBack(t *testing.T) {
	sink := &memSink{}
	s := NewMsgOutputStream(sink)
	if err := s.Write([]byte("X\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	afterFinish := sink.buf.Len()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.buf.Len() != afterFinish {
		t.Fatalf("close after finish changed length: %d -> %d", afterFinish, sink.buf.Len())
	}
}
