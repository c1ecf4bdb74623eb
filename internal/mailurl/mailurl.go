// Package mailurl builds and parses the mailbox:// URL scheme (spec §6):
// mailbox://<server-path> names a folder, mailbox-message://<server-path>#
// <msgKey>[?part=X.Y | &header=none] names a specific message within one. A
// legacy form, mailbox://user@host@server/folder?number=N, is accepted on
// input but never produced; Parse normalizes it away. Grounded on
// nsMailboxUrl.cpp, which carries the same dual-format handling.
package mailurl

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mailkit/maildepot/internal/errs"
)

const (
	folderScheme  = "mailbox"
	messageScheme = "mailbox-message"
)

// URL is a parsed mailbox:// or mailbox-message:// reference.
type URL struct {
	Scheme     string
	ServerPath string // decoded folder path, leading slash kept
	MessageKey int64  // 0 if absent
	Part       string // set for mailbox-message ?part=X.Y
	HeaderNone bool   // set for mailbox-message &header=none

	// Legacy is set when the input was the
	// mailbox://user@host@server/folder?number=N form. ServerPath still
	// carries the folder portion when present; LegacyUser/Host/Server
	// carry the pieces GetNormalizedSpec discards.
	Legacy       bool
	LegacyUser   string
	LegacyHost   string
	LegacyServer string
}

// MessageOptions carries the optional fragment parts of a mailbox-message
// URL. At most one of Part/HeaderNone is meaningful at a time.
type MessageOptions struct {
	Part       string
	HeaderNone bool
}

// FolderURL builds the canonical mailbox:// form for a folder at
// serverPath, e.g. FolderURL("/Mail/Local Folders/Inbox").
func FolderURL(serverPath string) string {
	u := url.URL{Scheme: folderScheme, Path: serverPath}
	return u.String()
}

// MessageURL builds the canonical mailbox-message:// form for message
// msgKey within the folder at serverPath.
func MessageURL(serverPath string, msgKey int64, opts MessageOptions) string {
	u := url.URL{Scheme: messageScheme, Path: serverPath}
	frag := strconv.FormatInt(msgKey, 10)
	switch {
	case opts.Part != "":
		frag += "?part=" + opts.Part
	case opts.HeaderNone:
		frag += "&header=none"
	}
	return u.String() + "#" + frag
}

// String renders u back to its canonical form. A legacy-parsed folder URL
// normalizes to mailbox:///path?number=N, matching GetNormalizedSpec.
func (u *URL) String() string {
	if u.Scheme == messageScheme {
		return MessageURL(u.ServerPath, u.MessageKey, MessageOptions{Part: u.Part, HeaderNone: u.HeaderNone})
	}
	s := FolderURL(u.ServerPath)
	if u.MessageKey != 0 {
		s += "?number=" + strconv.FormatInt(u.MessageKey, 10)
	}
	return s
}

// Parse parses a mailbox:// or mailbox-message:// spec, accepting both the
// canonical absolute-path form and the legacy user@host@server form.
func Parse(spec string) (*URL, error) {
	switch {
	case strings.HasPrefix(spec, messageScheme+"://"):
		return parseMessageURL(strings.TrimPrefix(spec, messageScheme+"://"))
	case strings.HasPrefix(spec, folderScheme+"://"):
		return parseFolderURL(strings.TrimPrefix(spec, folderScheme+"://"))
	default:
		return nil, errs.New("mailurl.Parse", errs.KindCorrupt, errs.OK, fmt.Errorf("unrecognized scheme: %q", spec))
	}
}

func parseFolderURL(rest string) (*URL, error) {
	if strings.HasPrefix(rest, "/") {
		path, query := splitOnce(rest, '?')
		decoded, err := url.PathUnescape(path)
		if err != nil {
			return nil, errs.New("mailurl.Parse", errs.KindCorrupt, errs.OK, err)
		}
		u := &URL{Scheme: folderScheme, ServerPath: decoded}
		if n, ok := queryInt(query, "number"); ok {
			u.MessageKey = n
		}
		return u, nil
	}
	return parseLegacyFolderURL(rest)
}

// parseLegacyFolderURL handles user@host@server/folder?number=N. nsMailboxUrl
// detects this form by the absence of "///" right after the scheme and never
// runs it through the standard URL parser, since the double "@" breaks it.
func parseLegacyFolderURL(rest string) (*URL, error) {
	path, query := splitOnce(rest, '?')
	parts := strings.SplitN(path, "@", 3)
	if len(parts) != 3 {
		return nil, errs.New("mailurl.Parse", errs.KindCorrupt, errs.OK, fmt.Errorf("malformed legacy mailbox URL path: %q", path))
	}
	u := &URL{
		Scheme:     folderScheme,
		Legacy:     true,
		LegacyUser: parts[0],
		LegacyHost: parts[1],
	}
	serverAndFolder := parts[2]
	if idx := strings.IndexByte(serverAndFolder, '/'); idx >= 0 {
		u.LegacyServer = serverAndFolder[:idx]
		u.ServerPath = serverAndFolder[idx:]
	} else {
		u.LegacyServer = serverAndFolder
	}
	if n, ok := queryInt(query, "number"); ok {
		u.MessageKey = n
	}
	return u, nil
}

func parseMessageURL(rest string) (*URL, error) {
	path, fragment := splitOnce(rest, '#')
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return nil, errs.New("mailurl.Parse", errs.KindCorrupt, errs.OK, err)
	}
	u := &URL{Scheme: messageScheme, ServerPath: decoded}
	if fragment == "" {
		return u, nil
	}

	digits, remainder := splitLeadingDigits(fragment)
	if digits == "" {
		return nil, errs.New("mailurl.Parse", errs.KindCorrupt, errs.OK, fmt.Errorf("missing message key in fragment: %q", fragment))
	}
	key, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, errs.New("mailurl.Parse", errs.KindCorrupt, errs.OK, err)
	}
	u.MessageKey = key

	if remainder != "" {
		values, err := url.ParseQuery(strings.TrimLeft(remainder, "?&"))
		if err != nil {
			return nil, errs.New("mailurl.Parse", errs.KindCorrupt, errs.OK, err)
		}
		u.Part = values.Get("part")
		u.HeaderNone = values.Get("header") == "none"
	}
	return u, nil
}

func splitOnce(s string, sep byte) (before, after string) {
	if idx := strings.IndexByte(s, sep); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

func splitLeadingDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}

func queryInt(query, key string) (int64, bool) {
	if query == "" {
		return 0, false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, false
	}
	raw := values.Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
