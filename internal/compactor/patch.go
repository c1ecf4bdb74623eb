package compactor

import (
	"bytes"
	"strings"

	"github.com/mailkit/maildepot/internal/mozheader"
	"github.com/mailkit/maildepot/internal/msghdr"
)

// sniffWindow bounds how much of a message's leading bytes patchHeaders
// buffers before deciding on line endings (spec §4.7: "buffer >= ~16 KiB").
const sniffWindow = 16 << 10

var patchedHeaderNames = map[string]bool{
	strings.ToLower(mozheader.StatusHeader):  true,
	strings.ToLower(mozheader.Status2Header): true,
	strings.ToLower(mozheader.KeysHeader):    true,
}

// eolFor detects CR in msg's leading sniff window to choose between LF and
// CRLF line endings for the freshly emitted X-Mozilla-* header block (spec
// §4.7: "Detect CR in the sniff window").
func eolFor(raw []byte) string {
	window := raw
	if len(window) > sniffWindow {
		window = window[:sniffWindow]
	}
	if bytes.IndexByte(window, '\r') >= 0 {
		return "\r\n"
	}
	return "\n"
}

// patchHeaders rebuilds msg's header block: the existing X-Mozilla-Status,
// X-Mozilla-Status2, and X-Mozilla-Keys headers (if present, continuation
// lines included) are discarded, freshly formatted versions are emitted
// first, then every other header line is carried over verbatim, followed by
// the blank line and the message body exactly as given (spec §4.7).
func patchHeaders(raw []byte, flags msghdr.Flags, priority msghdr.Priority, keywords []string, eol string) []byte {
	headerEnd, kept := stripPatchedHeaders(raw)

	var out bytes.Buffer
	out.WriteString(mozheader.StatusHeader)
	out.WriteString(": ")
	out.WriteString(mozheader.FormatStatus(flags, priority))
	out.WriteString(eol)
	out.WriteString(mozheader.Status2Header)
	out.WriteString(": ")
	out.WriteString(mozheader.FormatStatus2(flags))
	out.WriteString(eol)
	out.WriteString(mozheader.KeysHeader)
	out.WriteString(": ")
	out.WriteString(mozheader.FormatKeywords(keywords, mozheader.KeysFieldWidth))
	out.WriteString(eol)
	out.Write(kept)
	out.Write(raw[headerEnd:])
	return out.Bytes()
}

// stripPatchedHeaders walks raw's header block line by line, dropping any
// line belonging to one of patchedHeaderNames (including folded
// continuations), and returns the byte offset where the header block ends
// (the start of the blank line separating it from the body, so that line
// stays with the body) along with the surviving header lines exactly as
// they appeared.
func stripPatchedHeaders(raw []byte) (headerEnd int, kept []byte) {
	var out bytes.Buffer
	pos := 0
	skipping := false
	for pos < len(raw) {
		idx := bytes.IndexByte(raw[pos:], '\n')
		var line []byte
		if idx < 0 {
			line = raw[pos:]
			pos = len(raw)
		} else {
			line = raw[pos : pos+idx+1]
			pos = pos + idx + 1
		}

		content := bytes.TrimRight(line, "\r\n")
		if len(content) == 0 {
			return pos - len(line), out.Bytes()
		}

		if len(content) > 0 && (content[0] == ' ' || content[0] == '\t') {
			if !skipping {
				out.Write(line)
			}
			continue
		}

		colon := bytes.IndexByte(content, ':')
		if colon < 0 {
			skipping = false
			out.Write(line)
			continue
		}
		name := strings.ToLower(strings.TrimSpace(string(content[:colon])))
		skipping = patchedHeaderNames[name]
		if !skipping {
			out.Write(line)
		}
	}
	// No blank line found: the whole buffer was headers, no body.
	return pos, out.Bytes()
}
