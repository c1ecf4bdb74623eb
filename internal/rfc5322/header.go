// Package rfc5322 implements a folding-aware RFC 5322 header reader layered
// on top of the line package. Each emitted Header carries the byte offsets
// of its raw (pre-unfold) value within the stream fed so far, which is the
// hook that lets a caller seek back and overwrite the value in place without
// disturbing neighboring bytes.
package rfc5322

import "github.com/mailkit/maildepot/internal/line"

// Header is one parsed, unfolded header field.
type Header struct {
	// Name is the bytes before the colon, exactly as they appeared.
	Name string

	// Value is the unfolded, whitespace-normalized value: folded
	// continuation lines are joined with a single space and their
	// interior EOLs removed.
	Value string

	// RawValuePos is the absolute byte offset (within all data fed to the
	// Reader so far) of the start of the raw value region.
	RawValuePos int64

	// RawValueLength is the byte length of the raw value region, including
	// any interior EOLs from folded continuation lines but excluding the
	// terminating EOL of the header's last line.
	RawValueLength int64
}

// Callback receives one completed Header. Returning false halts Feed/Flush
// processing for the remainder of the current call.
type Callback func(h Header) bool

// Reader parses RFC 5322 headers (with folded continuations) out of a byte
// stream, tracking absolute byte offsets as it goes.
type Reader struct {
	lr       *line.Reader
	offset   int64
	started  bool // true once at least one header line has been accepted
	complete bool // true once the blank line ending the header block is seen
	pending  *builder
	lastCB   Callback
}

type builder struct {
	name           string
	value          []byte
	rawValuePos    int64
	rawValueLength int64
}

// NewReader returns a Reader ready to consume header bytes from the start of
// a message.
func NewReader() *Reader {
	return &Reader{lr: line.NewReader()}
}

// Complete reports whether the blank line ending the header block has been
// observed. Once true, further Feed calls are no-ops.
func (r *Reader) Complete() bool {
	return r.complete
}

// Feed consumes chunk, emitting completed Header values to cb as they are
// recognized. It is a no-op once Complete() is true.
func (r *Reader) Feed(chunk []byte, cb Callback) {
	if r.complete {
		return
	}
	r.lastCB = cb
	r.lr.Feed(chunk, func(ln []byte) bool {
		return r.handleLine(ln, cb)
	})
}

// Flush signals end-of-stream. If the final fed bytes formed an unterminated
// partial line, it is handled as a last line (unless it looks like a folded
// continuation, per the "idempotent" contract: an ambiguous trailing
// continuation is dropped rather than guessed at). Any still-pending header
// is then emitted. Flush is safe to call more than once; subsequent calls
// are no-ops.
func (r *Reader) Flush(cb Callback) {
	if r.complete {
		return
	}
	r.lastCB = cb

	// Peek whether the underlying line reader has a pending partial line
	// before asking it to flush, so we can decide whether it's an ambiguous
	// folded continuation.
	hadPending := r.lr.Pending()
	var partial []byte
	if hadPending {
		r.lr.Flush(func(ln []byte) bool {
			partial = ln
			return true
		})
	}
	if len(partial) > 0 {
		if !isFoldChar(partial[0]) {
			r.handleLine(partial, cb)
		}
		// A trailing ambiguous continuation is silently dropped: we cannot
		// tell if more of it was coming.
	}

	if r.pending != nil {
		h := r.finalize(r.pending)
		r.pending = nil
		cb(h)
	}
	r.complete = true
}

func isFoldChar(b byte) bool {
	return b == ' ' || b == '\t'
}

// splitEOL returns the line's content without its trailing terminator and
// the terminator's length (0, 1, or 2).
func splitEOL(ln []byte) ([]byte, int) {
	n := len(ln)
	if n == 0 {
		return ln, 0
	}
	if ln[n-1] != '\n' {
		return ln, 0
	}
	if n >= 2 && ln[n-2] == '\r' {
		return ln[:n-2], 2
	}
	return ln[:n-1], 1
}

func (r *Reader) handleLine(ln []byte, cb Callback) bool {
	lineStart := r.offset
	content, eolLen := splitEOL(ln)
	r.offset += int64(len(ln))

	// Blank line: end of header block.
	if len(content) == 0 {
		if r.pending != nil {
			h := r.finalize(r.pending)
			r.pending = nil
			if !cb(h) {
				r.complete = true
				return false
			}
		}
		r.complete = true
		return false
	}

	if isFoldChar(content[0]) {
		if r.pending == nil {
			// Folded continuation before any header started: ignored.
			return true
		}
		r.appendContinuation(r.pending, lineStart, content, eolLen)
		return true
	}

	// Otherwise this must be "name: value".
	colon := indexByte(content, ':')
	if colon < 0 {
		// No colon: tolerated, silently ignored. Does not disturb pending.
		return true
	}

	// A new header line always terminates any pending header first.
	if r.pending != nil {
		h := r.finalize(r.pending)
		r.pending = nil
		if !cb(h) {
			return false
		}
	}

	name := string(content[:colon])
	rest := content[colon+1:]
	consumed := colon + 1
	if len(rest) > 0 && isFoldChar(rest[0]) {
		rest = rest[1:]
		consumed++
	}

	b := &builder{
		name:           name,
		rawValuePos:    lineStart + int64(consumed),
		rawValueLength: int64(len(rest)),
	}
	b.value = append(b.value, rest...)
	r.pending = b
	r.started = true
	return true
}

func (r *Reader) appendContinuation(b *builder, lineStart int64, content []byte, eolLen int) {
	_ = eolLen
	// The new raw-value end is this line's content end; the gap between the
	// previous raw-value end and lineStart (the previous line's EOL) is
	// implicitly counted as an interior EOL.
	valueEnd := lineStart + int64(len(content))
	b.rawValueLength = valueEnd - b.rawValuePos

	b.value = append(b.value, ' ')
	b.value = append(b.value, trimLeadingFold(content)...)
}

// trimLeadingFold strips all leading SP/HTAB from a continuation line's
// content (the single-space replacement is added by the caller).
func trimLeadingFold(content []byte) []byte {
	i := 0
	for i < len(content) && isFoldChar(content[i]) {
		i++
	}
	return content[i:]
}

func (r *Reader) finalize(b *builder) Header {
	return Header{
		Name:           b.name,
		Value:          string(b.value),
		RawValuePos:    b.rawValuePos,
		RawValueLength: b.rawValueLength,
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
