// Package headerstate implements MessageHeaderState, the per-message parser
// that turns a raw header block plus body byte count into a normalized
// MsgHdr (spec §4.5).
package headerstate

import (
	"crypto/md5"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"

	"github.com/mailkit/maildepot/internal/line"
	"github.com/mailkit/maildepot/internal/mozheader"
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/rfc5322"
)

// phase distinguishes the two halves of MessageHeaderState's state machine.
type phase int

const (
	phaseHeaders phase = iota
	phaseBody
)

// accumulated holds the raw, not-yet-finalized header values collected
// during ParseHeaders, before the single finalize pass.
type accumulated struct {
	firstSeen map[string]string // case-folded name -> first-occurrence raw value
	toParts   []string
	ccParts   []string
	received  []string // in order of appearance, raw values
	rawBytes  strings.Builder
}

// State is one message's header/body parser. Feed it raw bytes in order;
// when it reports Headers Done, call Finalize to produce the MsgHdr.
type State struct {
	ph phase

	hr  *rfc5322.Reader
	acc accumulated

	bodyLines *line.Reader
	lineCount int64

	customDBHeaders map[string]bool

	backupLookup func(messageID string) *msghdr.MsgHdr

	envelopeDate time.Time // zero if not supplied
}

// Option configures a State.
type Option func(*State)

// WithCustomDBHeaders registers additional header names (case-insensitive)
// whose raw values are captured into the MsgHdr's string-property bag.
func WithCustomDBHeaders(names []string) Option {
	return func(s *State) {
		for _, n := range names {
			s.customDBHeaders[strings.ToLower(n)] = true
		}
	}
}

// WithBackupLookup supplies a callback used during rebuild to locate a
// prior MsgHdr (keyed by messageId) whose sticky metadata should carry
// forward into the freshly parsed one.
func WithBackupLookup(lookup func(messageID string) *msghdr.MsgHdr) Option {
	return func(s *State) { s.backupLookup = lookup }
}

// WithEnvelopeDate supplies the delivery protocol's externally-known
// timestamp for this message (e.g. a POP3 session's server-reported time).
// resolveDate falls back to it when the message has no parseable Date:
// header, ahead of the Received:-derived tier (spec §4.5).
func WithEnvelopeDate(t time.Time) Option {
	return func(s *State) { s.envelopeDate = t }
}

// New returns a State ready to consume a message's raw bytes from byte 0.
func New(opts ...Option) *State {
	s := &State{
		hr:              rfc5322.NewReader(),
		bodyLines:       line.NewReader(),
		customDBHeaders: make(map[string]bool),
		acc: accumulated{
			firstSeen: make(map[string]string),
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Feed consumes the next line of the message's raw bytes. It transitions
// from ParseHeaders to ParseBodyState internally once the blank line ending
// the header block is seen.
//
// Feed must be called one line at a time (as produced by a line.Reader over
// the message's byte stream) rather than with arbitrary chunks, because the
// header/body boundary falls exactly on a line boundary and a chunk
// straddling it would strand body bytes inside the header reader. Callers
// that already split the stream into lines for other reasons (the indexer
// and ingest sink both do, to track byte offsets) satisfy this naturally.
func (s *State) Feed(data []byte) {
	if s.ph == phaseHeaders {
		s.hr.Feed(data, func(h rfc5322.Header) bool {
			s.observe(h)
			return true
		})
		if s.hr.Complete() {
			s.ph = phaseBody
		}
		return
	}
	s.FeedBody(data)
}

// FeedBody explicitly feeds body bytes, counting lines. Safe to call
// directly once the header block is known to be finished.
func (s *State) FeedBody(data []byte) {
	if s.ph == phaseHeaders {
		s.ph = phaseBody
	}
	s.bodyLines.Feed(data, func(ln []byte) bool {
		s.lineCount++
		return true
	})
}

// HeadersDone reports whether the blank line ending the header block has
// been seen.
func (s *State) HeadersDone() bool {
	return s.hr.Complete()
}

func (s *State) observe(h rfc5322.Header) {
	name := strings.ToLower(h.Name)
	s.acc.rawBytes.WriteString(h.Name)
	s.acc.rawBytes.WriteString(": ")
	s.acc.rawBytes.WriteString(h.Value)
	s.acc.rawBytes.WriteString("\r\n")

	switch name {
	case "to":
		s.acc.toParts = append(s.acc.toParts, h.Value)
		return
	case "cc":
		s.acc.ccParts = append(s.acc.ccParts, h.Value)
		return
	case "received":
		s.acc.received = append(s.acc.received, h.Value)
		return
	}

	if _, ok := s.acc.firstSeen[name]; !ok {
		s.acc.firstSeen[name] = h.Value
	}
	if s.customDBHeaders[name] {
		if _, ok := s.acc.firstSeen["x-custom:"+name]; !ok {
			s.acc.firstSeen["x-custom:"+name] = h.Value
		}
	}
}

// Flush finalizes the underlying line readers at end-of-stream. Call once
// all message bytes have been fed.
func (s *State) Flush() {
	s.hr.Flush(func(h rfc5322.Header) bool {
		s.observe(h)
		return true
	})
	s.bodyLines.Flush(func(ln []byte) bool {
		s.lineCount++
		return true
	})
}

// replyPrefixes lists the locale-aware "Re:"-equivalent tokens stripped
// from the subject. Only the common ASCII set is modeled; additional
// locales can be added without changing call sites.
var replyPrefixes = []string{"re:", "aw:", "antw:", "sv:", "vs:", "ref:"}

func stripReplyPrefix(subject string) (stripped string, hasRe bool) {
	s := subject
	for {
		trimmed := strings.TrimLeft(s, " \t")
		lower := strings.ToLower(trimmed)
		matched := false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(lower, p) {
				s = trimmed[len(p):]
				hasRe = true
				matched = true
				break
			}
		}
		if !matched {
			return strings.TrimLeft(s, " \t"), hasRe
		}
	}
}

// Finalize produces the MsgHdr for this message, or (nil, true) if the
// message was expunged (its size should instead be added to the folder's
// ExpungedBytes by the caller).
func (s *State) Finalize(messageSize int64) (hdr *msghdr.MsgHdr, expunged bool) {
	h := &msghdr.MsgHdr{}
	h.MessageSize = messageSize
	h.LineCount = s.lineCount

	flags, priority, wasExpunged := s.resolveFlags()
	if wasExpunged {
		return nil, true
	}
	h.Flags = flags
	h.Priority = priority

	h.MessageID = s.resolveMessageID()
	h.Subject, h.Flags = s.resolveSubject(h.Flags)
	h.Date = s.resolveDate()
	h.References = s.resolveReferences()
	h.Charset = s.resolveCharset()

	h.From = s.acc.firstSeen["from"]
	h.To = strings.Join(s.acc.toParts, ", ")
	h.Cc = strings.Join(s.acc.ccParts, ", ")
	h.AccountKey = s.acc.firstSeen["x-mozilla-account-key"]

	if ct, ok := s.acc.firstSeen["content-type"]; ok && strings.HasPrefix(strings.ToLower(ct), "multipart/mixed") {
		h.Flags = h.Flags.Set(msghdr.Attachment, true)
	}
	if s.hasMDNRequest() && !h.Flags.Has(msghdr.Read) && !h.Flags.Has(msghdr.MDNReportSent) {
		h.Flags = h.Flags.Set(msghdr.MDNReportNeeded, true)
	}

	for name := range s.customDBHeaders {
		if v, ok := s.acc.firstSeen["x-custom:"+name]; ok {
			h.SetProperty(name, v)
		}
	}
	if dr := s.resolveDateReceived(); dr != "" {
		h.SetProperty("dateReceived", dr)
	}

	if s.backupLookup != nil {
		if prior := s.backupLookup(h.MessageID); prior != nil {
			h.Properties = mergeSticky(prior.Properties, h.Properties)
			h.Keywords = prior.Keywords
		}
	}

	return h, false
}

func mergeSticky(prior, fresh map[string]string) map[string]string {
	if prior == nil {
		return fresh
	}
	merged := make(map[string]string, len(prior)+len(fresh))
	for k, v := range prior {
		merged[k] = v
	}
	for k, v := range fresh {
		merged[k] = v
	}
	return merged
}

func (s *State) resolveFlags() (flags msghdr.Flags, priority msghdr.Priority, expunged bool) {
	status, hasStatus := s.acc.firstSeen["x-mozilla-status"]
	status2, hasStatus2 := s.acc.firstSeen["x-mozilla-status2"]

	if hasStatus || hasStatus2 {
		flags, priority := mozheader.ParseStatus(status, status2)
		if flags.Has(msghdr.Expunged) {
			return 0, 0, true
		}
		return flags, priority, false
	}

	if berkeley, ok := s.acc.firstSeen["status"]; ok {
		f := msghdr.Flags(0)
		for _, c := range berkeley {
			switch c {
			case 'R', 'O':
				f = f.Set(msghdr.Read, true)
			case 'N', 'U':
				f = f.Set(msghdr.Read, false)
			case 'D':
				// ignored, per spec
			}
		}
		return f, 0, false
	}

	return 0, 0, false
}

func (s *State) resolveMessageID() string {
	raw := strings.TrimSpace(s.acc.firstSeen["message-id"])
	if len(raw) >= 2 && raw[0] == '<' && raw[len(raw)-1] == '>' {
		return raw[1 : len(raw)-1]
	}
	if raw != "" {
		return raw
	}
	sum := md5.Sum([]byte(s.acc.rawBytes.String()))
	return "<md5:" + base64.StdEncoding.EncodeToString(sum[:]) + ">"
}

func (s *State) resolveSubject(flags msghdr.Flags) (string, msghdr.Flags) {
	subj := s.acc.firstSeen["subject"]
	stripped, hasRe := stripReplyPrefix(subj)
	if hasRe {
		flags = flags.Set(msghdr.HasRe, true)
		return stripped, flags
	}
	return subj, flags
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
}

func parseRFC5322Date(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// resolveDate implements the priority: Date: -> envelopeDate (if supplied
// externally via WithEnvelopeDate) -> Received:-derived time -> now.
func (s *State) resolveDate() int64 {
	if raw, ok := s.acc.firstSeen["date"]; ok {
		if t, ok := parseRFC5322Date(raw); ok {
			return t.UnixMicro()
		}
	}
	if !s.envelopeDate.IsZero() {
		return s.envelopeDate.UnixMicro()
	}
	if len(s.acc.received) > 0 {
		if t, ok := receivedTrailingDate(s.acc.received[0]); ok {
			return t.UnixMicro()
		}
	}
	return nowFunc().UnixMicro()
}

// nowFunc is indirected so tests can pin "now".
var nowFunc = time.Now

func receivedTrailingDate(received string) (time.Time, bool) {
	idx := strings.LastIndex(received, ";")
	if idx < 0 {
		return time.Time{}, false
	}
	return parseRFC5322Date(received[idx+1:])
}

// resolveDateReceived implements the distinct "dateReceived" string
// property: Received: -> Delivery-Date: -> Date:, stored as a decimal
// seconds-since-epoch string.
func (s *State) resolveDateReceived() string {
	if len(s.acc.received) > 0 {
		if t, ok := receivedTrailingDate(s.acc.received[0]); ok {
			return strconv.FormatInt(t.Unix(), 10)
		}
	}
	if raw, ok := s.acc.firstSeen["delivery-date"]; ok {
		if t, ok := parseRFC5322Date(raw); ok {
			return strconv.FormatInt(t.Unix(), 10)
		}
	}
	if raw, ok := s.acc.firstSeen["date"]; ok {
		if t, ok := parseRFC5322Date(raw); ok {
			return strconv.FormatInt(t.Unix(), 10)
		}
	}
	return ""
}

func (s *State) resolveReferences() []string {
	raw, ok := s.acc.firstSeen["references"]
	if !ok || raw == "" {
		raw, ok = s.acc.firstSeen["in-reply-to"]
		if !ok || raw == "" {
			return nil
		}
	}
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "<>")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (s *State) resolveCharset() string {
	raw, ok := s.acc.firstSeen["content-type"]
	if !ok {
		return ""
	}
	hdr := message.Header{}
	hdr.Set("Content-Type", raw)
	_, params, err := hdr.ContentType()
	if err != nil {
		return ""
	}
	return params["charset"]
}

func (s *State) hasMDNRequest() bool {
	if _, ok := s.acc.firstSeen["disposition-notification-to"]; ok {
		return true
	}
	_, ok := s.acc.firstSeen["return-receipt-to"]
	return ok
}
