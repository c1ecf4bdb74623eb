// Package mozheader formats the canonical X-Mozilla-* metadata headers that
// carry a message's flags and keywords in-band within mbox/maildir storage
// (spec §4.5, §4.6, §4.9). It is the write-side inverse of the parsing done
// in internal/headerstate.resolveFlags.
package mozheader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mailkit/maildepot/internal/errs"
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/rfc5322"
)

const (
	StatusHeader     = "X-Mozilla-Status"
	Status2Header    = "X-Mozilla-Status2"
	KeysHeader       = "X-Mozilla-Keys"
	AccountKeyHeader = "X-Mozilla-Account-Key"
	UIDLHeader       = "X-UIDL"

	// KeysFieldWidth is the number of characters X-Mozilla-Keys is
	// pre-padded to on first write, matching spec §4.6's "pre-padded with
	// 80 spaces" rule so later in-place rewrites have room to grow
	// keywords without relocating the message.
	KeysFieldWidth = 80

	// SniffWindowSize bounds how much of a message's leading bytes
	// RewriteHeaderInPlace reads before giving up on locating the target
	// header (spec §4.6 step 1: "e.g. 512 bytes").
	SniffWindowSize = 512
)

// FormatStatus renders the low 16 bits of flags (plus the priority
// sub-field) as the 4 zero-padded hex digits X-Mozilla-Status carries.
func FormatStatus(flags msghdr.Flags, priority msghdr.Priority) string {
	low := uint32(flags) & 0xFFFF
	low |= (uint32(priority) << 13) & 0x6000
	return fmt.Sprintf("%04X", low)
}

// FormatStatus2 renders the high 16 bits of flags as the 8 zero-padded hex
// digits X-Mozilla-Status2 carries.
func FormatStatus2(flags msghdr.Flags) string {
	high := (uint32(flags) >> 16) & 0xFFFF
	return fmt.Sprintf("%08X", high)
}

// FormatKeywords renders keywords as the space-joined token list
// X-Mozilla-Keys carries, padded with trailing spaces to at least width
// characters (KeysFieldWidth on first write; the existing field's width
// during an in-place rewrite).
func FormatKeywords(keywords []string, width int) string {
	joined := strings.Join(keywords, " ")
	if len(joined) < width {
		joined += strings.Repeat(" ", width-len(joined))
	}
	return joined
}

// ParseStatus reconstructs flags and priority from the X-Mozilla-Status and
// X-Mozilla-Status2 raw hex values, mirroring headerstate.resolveFlags.
func ParseStatus(statusHex, status2Hex string) (flags msghdr.Flags, priority msghdr.Priority) {
	var low, high uint64
	fmt.Sscanf(strings.TrimSpace(statusHex), "%x", &low)
	fmt.Sscanf(strings.TrimSpace(status2Hex), "%x", &high)
	raw := msghdr.Flags(low) | (msghdr.Flags(high) << 16)
	priority = msghdr.Priority((uint32(raw) & 0x6000) >> 13)
	return raw.OnDiskMask(), priority
}

// MergeKeywords applies a delta to an existing keyword list: add unions
// delta in (preserving existing order, then appending new entries);
// !add removes delta's entries. Shared by the mbox and maildir backends'
// ChangeKeywords.
func MergeKeywords(existing, delta []string, add bool) []string {
	set := make(map[string]bool, len(existing))
	for _, k := range existing {
		set[k] = true
	}
	if add {
		for _, k := range delta {
			set[k] = true
		}
	} else {
		for _, k := range delta {
			delete(set, k)
		}
	}
	out := make([]string, 0, len(set))
	for _, k := range existing {
		if set[k] {
			out = append(out, k)
			delete(set, k)
		}
	}
	for k := range set {
		out = append(out, k)
	}
	return out
}

// RewriteHeaderInPlace implements spec §4.6's rewrite-in-place algorithm: it
// reads a bounded sniff window starting at baseOffset, skips a leading mbox
// "From " envelope line if one is present (a no-op for maildir's one-file-
// per-message layout, where headers start at baseOffset directly), locates
// headerName via rfc5322.Reader's byte-offset tracking, and either
// overwrites its raw value in place (space-padded to the existing width) or
// reports that it didn't fit so the caller can schedule a rewrite at next
// compaction.
func RewriteHeaderInPlace(f *os.File, baseOffset int64, headerName, newValue string) (fit bool, err error) {
	window := make([]byte, SniffWindowSize)
	n, rerr := f.ReadAt(window, baseOffset)
	if rerr != nil && rerr != io.EOF {
		return false, errs.New("mozheader.RewriteHeaderInPlace", errs.KindIO, errs.OK, rerr)
	}
	window = window[:n]

	headerStart := int64(0)
	if idx := bytes.IndexByte(window, '\n'); idx >= 0 && bytes.HasPrefix(window, []byte("From ")) {
		headerStart = int64(idx + 1)
	}
	headerWindow := window[headerStart:]
	absoluteBase := baseOffset + headerStart

	var target *rfc5322.Header
	match := func(h rfc5322.Header) bool {
		if target == nil && strings.EqualFold(h.Name, headerName) {
			cp := h
			target = &cp
		}
		return true
	}
	hr := rfc5322.NewReader()
	hr.Feed(headerWindow, match)
	if target == nil {
		hr.Flush(match)
	}
	if target == nil {
		return false, errs.New("mozheader.RewriteHeaderInPlace", errs.KindCorrupt, errs.OK, fmt.Errorf("header %s not found in sniff window", headerName))
	}

	if int64(len(newValue)) > target.RawValueLength {
		return false, nil
	}
	padded := newValue + strings.Repeat(" ", int(target.RawValueLength)-len(newValue))
	if _, err := f.WriteAt([]byte(padded), absoluteBase+target.RawValuePos); err != nil {
		return false, errs.New("mozheader.RewriteHeaderInPlace", errs.KindIO, errs.OK, err)
	}
	return true, nil
}
