package rfc5322_test

import (
	"testing"

	"github.com/mailkit/maildepot/internal/rfc5322"
)

func collect(t *testing.T, data []byte, splits []int) []rfc5322.Header {
	t.Helper()
	r := rfc5322.NewReader()
	var got []rfc5322.Header
	cb := func(h rfc5322.Header) bool {
		got = append(got, h)
		return true
	}

	chunks := split(data, splits)
	for _, c := range chunks {
		r.Feed(c, cb)
	}
	r.Flush(cb)
	return got
}

func split(full []byte, points []int) [][]byte {
	if points == nil {
		return [][]byte{full}
	}
	var chunks [][]byte
	prev := 0
	for _, p := range points {
		if p <= prev || p > len(full) {
			continue
		}
		chunks = append(chunks, full[prev:p])
		prev = p
	}
	chunks = append(chunks, full[prev:])
	return chunks
}

func TestFoldedSubject(t *testing.T) {
	raw := "Subject: line one\r\n\tline two\r\nFrom: a@b.test\r\n\r\nbody\r\n"

	for _, splits := range [][]int{nil, allSplits(len(raw))} {
		got := collect(t, []byte(raw), splits)
		if len(got) != 2 {
			t.Fatalf("splits=%v: got %d headers, want 2: %+v", splits, len(got), got)
		}
		subj := got[0]
		if subj.Name != "Subject" {
			t.Fatalf("name = %q", subj.Name)
		}
		if subj.Value != "line one line two" {
			t.Fatalf("value = %q", subj.Value)
		}
		wantRawLen := int64(len("line one\r\n\tline two"))
		if subj.RawValueLength != wantRawLen {
			t.Fatalf("splits=%v: rawValueLength = %d, want %d", splits, subj.RawValueLength, wantRawLen)
		}
		wantPos := int64(len("Subject: "))
		if subj.RawValuePos != wantPos {
			t.Fatalf("rawValuePos = %d, want %d", subj.RawValuePos, wantPos)
		}

		from := got[1]
		if from.Name != "From" || from.Value != "a@b.test" {
			t.Fatalf("from header = %+v", from)
		}
	}
}

func allSplits(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func TestFlushIdempotent(t *testing.T) {
	r := rfc5322.NewReader()
	var got []rfc5322.Header
	cb := func(h rfc5322.Header) bool {
		got = append(got, h)
		return true
	}
	r.Feed([]byte("X-Test: value\r\n\r\n"), cb)
	r.Flush(cb)
	r.Flush(cb)
	r.Flush(cb)

	if len(got) != 1 {
		t.Fatalf("got %d headers, want 1 (flush must not re-emit): %+v", len(got), got)
	}
	if !r.Complete() {
		t.Fatalf("Complete() = false after blank line")
	}
}

func TestAmbiguousTrailingContinuationDropped(t *testing.T) {
	r := rfc5322.NewReader()
	var got []rfc5322.Header
	cb := func(h rfc5322.Header) bool {
		got = append(got, h)
		return true
	}
	// No terminating blank line: the stream ends mid-header, and the final
	// partial line looks like a folded continuation of Subject.
	r.Feed([]byte("Subject: line one\r\n\t"), cb)
	r.Flush(cb)

	if len(got) != 1 {
		t.Fatalf("got %d headers, want 1", len(got))
	}
	if got[0].Value != "line one" {
		t.Fatalf("value = %q, want unextended %q (ambiguous trailing fold dropped)", got[0].Value, "line one")
	}
}

func TestColonlessLineIgnored(t *testing.T) {
	got := collect(t, []byte("X-A: 1\r\nnot a header line\r\nX-B: 2\r\n\r\n"), nil)
	if len(got) != 2 {
		t.Fatalf("got %d headers, want 2: %+v", len(got), got)
	}
	if got[0].Name != "X-A" || got[1].Name != "X-B" {
		t.Fatalf("headers = %+v", got)
	}
}

func TestLeadingFoldBeforeAnyHeaderIgnored(t *testing.T) {
	got := collect(t, []byte(" stray continuation\r\nX-A: 1\r\n\r\n"), nil)
	if len(got) != 1 {
		t.Fatalf("got %d headers, want 1: %+v", len(got), got)
	}
	if got[0].Name != "X-A" || got[0].Value != "1" {
		t.Fatalf("headers = %+v", got)
	}
}

func TestBlankLineEndsBlockWithoutTrailingBody(t *testing.T) {
	r := rfc5322.NewReader()
	var got []rfc5322.Header
	halted := false
	cb := func(h rfc5322.Header) bool {
		got = append(got, h)
		return true
	}
	r.Feed([]byte("X-A: 1\r\n\r\nthis is body, not a header\r\n"), cb)
	if !r.Complete() {
		t.Fatalf("Complete() = false after blank line")
	}
	if len(got) != 1 {
		t.Fatalf("got %d headers, want 1", len(got))
	}
	_ = halted
}

func TestMultipleHeadersNoFold(t *testing.T) {
	got := collect(t, []byte("To: a@test\r\nCc: b@test\r\nCc: c@test\r\n\r\n"), nil)
	if len(got) != 3 {
		t.Fatalf("got %d headers, want 3 (HeaderReader does not aggregate; that is the caller's job): %+v", len(got), got)
	}
}
