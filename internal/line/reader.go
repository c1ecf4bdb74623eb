// Package line implements a byte-exact streaming line splitter.
//
// A Reader consumes chunks of bytes in any partitioning and emits complete
// lines (including their terminator) to a callback. Partial lines at chunk
// boundaries are carried over internally so that the concatenation of every
// line seen by the callback equals the concatenation of bytes fed, in order.
package line

import "bytes"

// Callback receives one line at a time. The slice is only valid for the
// duration of the call: Feed/Flush may reuse or mutate the reader's internal
// buffer afterward. Returning false halts processing of the current Feed or
// Flush call; any unconsumed bytes in the current chunk are discarded and the
// reader's carry-over buffer is left unchanged.
type Callback func(ln []byte) bool

// Reader carries a partial-line buffer across Feed calls.
type Reader struct {
	carry []byte
}

// NewReader returns a Reader with an empty carry-over buffer.
func NewReader() *Reader {
	return &Reader{}
}

// Feed scans chunk for LF-terminated lines and invokes cb once per complete
// line. A line spanning multiple Feed calls is joined with the pending
// carry-over buffer before being emitted. If chunk ends without a trailing
// LF, the remainder is stashed in the carry-over buffer for the next Feed or
// Flush call.
//
// Feed never allocates when every line fits in one fed chunk: a line that
// begins and ends within chunk (with no pending carry) is passed to cb as a
// direct subslice of chunk.
func (r *Reader) Feed(chunk []byte, cb Callback) {
	start := 0
	for {
		idx := bytes.IndexByte(chunk[start:], '\n')
		if idx < 0 {
			break
		}
		end := start + idx + 1
		var ln []byte
		if len(r.carry) > 0 {
			r.carry = append(r.carry, chunk[start:end]...)
			ln = r.carry
		} else {
			ln = chunk[start:end]
		}
		if !cb(ln) {
			// Halt: discard the rest of chunk, but the carry buffer (now
			// consumed into ln) must be reset since ln was handed off.
			r.carry = nil
			return
		}
		r.carry = r.carry[:0]
		start = end
	}
	if start < len(chunk) {
		r.carry = append(r.carry, chunk[start:]...)
	}
}

// Flush emits any pending carry-over buffer as a final, terminator-less
// line. It is a no-op if there is no pending data. After Flush, the carry
// buffer is cleared regardless of cb's return value.
func (r *Reader) Flush(cb Callback) {
	if len(r.carry) == 0 {
		return
	}
	ln := r.carry
	r.carry = nil
	cb(ln)
}

// Pending reports whether a partial line is currently buffered.
func (r *Reader) Pending() bool {
	return len(r.carry) > 0
}
