// Package mboxstore implements the mbox backend of the Store capability
// contract (spec §4.6): one mbox file per folder, with X-Mozilla-Status/
// Status2/Keys headers carrying flags and keywords in-band.
package mboxstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mailkit/maildepot/internal/errs"
	"github.com/mailkit/maildepot/internal/fileutil"
	"github.com/mailkit/maildepot/internal/mbox"
	"github.com/mailkit/maildepot/internal/mozheader"
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/quarantine"
	"github.com/mailkit/maildepot/internal/store"
)

// maxMboxSize is the optional 4 GiB - 4 MiB ceiling spec §4.6 names for
// mbox folders, applied when a Store is built WithSizeCap.
const maxMboxSize = (4 << 30) - (4 << 20)

// Option configures a Store.
type Option func(*Store)

// WithSizeCap enables the 4 GiB - 4 MiB mbox size ceiling guard.
func WithSizeCap() Option {
	return func(s *Store) { s.sizeCapped = true }
}

// WithTimeStampLeeway sets the mtime/size tolerance used by
// IsSummaryFileValid. Default is 60 seconds.
func WithTimeStampLeeway(d time.Duration) Option {
	return func(s *Store) { s.leeway = d }
}

// WithQuarantineDir wraps every new-message output stream in a
// quarantine.Stream staged through dir before it lands in the mbox file.
func WithQuarantineDir(dir string) Option {
	return func(s *Store) { s.quarantineDir = dir }
}

// Store is the mbox-backed implementation of store.Store. One Store
// instance owns an account's folder tree rooted at a directory of mbox
// files (plus "<name>.sbd" subdirectories holding child folders).
type Store struct {
	sizeCapped    bool
	leeway        time.Duration
	quarantineDir string

	mu      sync.Mutex
	appends map[string]*os.File
}

// New returns an mbox Store. Folder.Path values passed to its methods are
// absolute paths to mbox files.
func New(opts ...Option) *Store {
	s := &Store{
		leeway:  60 * time.Second,
		appends: make(map[string]*os.File),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// ignoredNames and ignoredSuffixes enumerate the per-format metadata and
// summary files discoverSubFolders must skip (spec §4.6).
var ignoredNames = map[string]bool{
	"popstate.dat":       true,
	"rules.dat":          true,
	"msgfilterrules.dat": true,
	"feeds.json":         true,
}

var ignoredSuffixes = []string{".msf", ".snm", ".toc", ".mozmsgs", ".sbd"}

func isIgnored(name string) bool {
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "#") {
		return true
	}
	if strings.HasSuffix(name, "~") {
		return true
	}
	lower := strings.ToLower(name)
	if ignoredNames[lower] {
		return true
	}
	for _, suf := range ignoredSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

// DiscoverSubFolders returns a child Folder for every sibling file not in
// the ignored set. mbox folders are plain files; a folder's own children
// live in a same-named "<name>.sbd" directory alongside it (itself ignored
// as a top-level entry when its parent's children are listed). The account
// root has no ".sbd" sibling of its own: its folder.Path is already the
// directory to scan.
func (s *Store) DiscoverSubFolders(folder *msghdr.Folder) ([]*msghdr.Folder, error) {
	dir := folder.Path
	if folder.Parent != nil {
		dir = folder.Path + ".sbd"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			folder.Children = nil
			return nil, nil
		}
		return nil, errs.New("mboxstore.DiscoverSubFolders", errs.KindIO, errs.OK, err)
	}

	var children []*msghdr.Folder
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if isIgnored(name) {
			continue
		}
		children = append(children, &msghdr.Folder{
			Name:    name,
			Path:    filepath.Join(dir, name),
			Backend: msghdr.BackendMbox,
			Parent:  folder,
		})
	}
	folder.Children = children
	return children, nil
}

// sanitizeName escapes filesystem-unsafe characters in a folder name by
// replacing each one with "_" followed by its hex code; names without any
// are returned unchanged.
func sanitizeName(name string) string {
	const unsafe = "/\\:*?\"<>|\x00"
	if !strings.ContainsAny(name, unsafe) {
		return name
	}
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(unsafe, r) {
			fmt.Fprintf(&b, "_%02x", r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateFolder creates an empty mbox file as a child of parent. For a
// non-root parent, the new file lives in parent's ".sbd" directory
// (created on first child if missing), matching spec §4.6's sibling-
// directory convention; for the account root, parent.Path is itself the
// directory to create in.
func (s *Store) CreateFolder(parent *msghdr.Folder, name string) (*msghdr.Folder, error) {
	safe := sanitizeName(name)
	dir := parent.Path
	if parent.Parent != nil {
		dir = parent.Path + ".sbd"
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errs.New("mboxstore.CreateFolder", errs.KindIO, errs.OK, err)
		}
	}
	path := filepath.Join(dir, safe)
	if _, err := os.Stat(path); err == nil {
		return nil, errs.New("mboxstore.CreateFolder", errs.KindIO, errs.FolderExists, nil)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, errs.New("mboxstore.CreateFolder", errs.KindIO, errs.OK, err)
	}
	f.Close()
	return &msghdr.Folder{Name: safe, Path: path, Backend: msghdr.BackendMbox, Parent: parent}, nil
}

// RenameFolder renames the mbox file (and its ".sbd" children directory,
// if present) to newName.
func (s *Store) RenameFolder(folder *msghdr.Folder, newName string) error {
	safe := sanitizeName(newName)
	newPath := filepath.Join(filepath.Dir(folder.Path), safe)
	if err := os.Rename(folder.Path, newPath); err != nil {
		return errs.New("mboxstore.RenameFolder", errs.KindIO, errs.OK, err)
	}
	oldSbd := folder.Path + ".sbd"
	if _, err := os.Stat(oldSbd); err == nil {
		_ = os.Rename(oldSbd, newPath+".sbd")
	}
	folder.Name = safe
	folder.Path = newPath
	return nil
}

// DeleteFolder removes the mbox file and its ".sbd" children directory.
func (s *Store) DeleteFolder(folder *msghdr.Folder) error {
	s.closeAppend(folder.Path)
	if err := os.Remove(folder.Path); err != nil && !os.IsNotExist(err) {
		return errs.New("mboxstore.DeleteFolder", errs.KindIO, errs.OK, err)
	}
	sbd := folder.Path + ".sbd"
	if err := os.RemoveAll(sbd); err != nil {
		return errs.New("mboxstore.DeleteFolder", errs.KindIO, errs.OK, err)
	}
	return nil
}

// CopyFolder copies (or, if move, moves) src's mbox file into dst's
// directory under src's name: dst.Path itself for the account root, or
// dst's ".sbd" directory (created if missing) for any other folder.
func (s *Store) CopyFolder(src, dst *msghdr.Folder, move bool) error {
	destDir := dst.Path
	if dst.Parent != nil {
		destDir = dst.Path + ".sbd"
		if err := os.MkdirAll(destDir, 0700); err != nil {
			return errs.New("mboxstore.CopyFolder", errs.KindIO, errs.CopyFolderAborted, err)
		}
	}
	destPath := filepath.Join(destDir, src.Name)
	if move {
		if err := os.Rename(src.Path, destPath); err == nil {
			return nil
		}
		// Fall through to copy+remove for cross-device renames.
	}
	in, err := os.Open(src.Path)
	if err != nil {
		return errs.New("mboxstore.CopyFolder", errs.KindIO, errs.CopyFolderAborted, err)
	}
	defer in.Close()
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errs.New("mboxstore.CopyFolder", errs.KindIO, errs.CopyFolderAborted, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errs.New("mboxstore.CopyFolder", errs.KindIO, errs.CopyFolderAborted, err)
	}
	if err := out.Close(); err != nil {
		return errs.New("mboxstore.CopyFolder", errs.KindIO, errs.CopyFolderAborted, err)
	}
	if move {
		if err := os.Remove(src.Path); err != nil {
			return errs.New("mboxstore.CopyFolder", errs.KindIO, errs.OK, err)
		}
	}
	return nil
}

// HasSpaceAvailable reports whether n more bytes can be written to
// folder's mbox file, honoring the optional size cap.
func (s *Store) HasSpaceAvailable(folder *msghdr.Folder, n int64) (bool, error) {
	if s.sizeCapped {
		info, err := os.Stat(folder.Path)
		var current int64
		if err == nil {
			current = info.Size()
		}
		if current+n > maxMboxSize {
			return false, nil
		}
	}
	free, err := fileutil.DiskFreeSpace(filepath.Dir(folder.Path))
	if err != nil {
		return false, errs.New("mboxstore.HasSpaceAvailable", errs.KindIO, errs.OK, err)
	}
	return free > n, nil
}

// IsSummaryFileValid compares the mbox file's current size/mtime against
// folder.Accounting within the configured leeway.
func (s *Store) IsSummaryFileValid(folder *msghdr.Folder) (bool, error) {
	if !folder.SummaryValid {
		return false, nil
	}
	info, err := os.Stat(folder.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.New("mboxstore.IsSummaryFileValid", errs.KindIO, errs.OK, err)
	}
	if info.Size() == 0 && folder.Accounting.NumMessages > 0 {
		return false, nil
	}
	if folder.Accounting.NumUnread > folder.Accounting.NumMessages {
		return false, nil
	}
	sizeDelta := info.Size() - folder.Accounting.FolderSize
	if sizeDelta < 0 {
		sizeDelta = -sizeDelta
	}
	dateDelta := info.ModTime().Unix() - folder.Accounting.FolderDate
	if dateDelta < 0 {
		dateDelta = -dateDelta
	}
	if sizeDelta > 0 && time.Duration(dateDelta)*time.Second > s.leeway {
		return false, nil
	}
	return true, nil
}

// SetSummaryFileValid updates folder's cached size/date when valid is true,
// or invalidates it (forcing a rebuild) otherwise.
func (s *Store) SetSummaryFileValid(folder *msghdr.Folder, valid bool) error {
	if !valid {
		folder.SummaryValid = false
		return nil
	}
	info, err := os.Stat(folder.Path)
	if err != nil {
		return errs.New("mboxstore.SetSummaryFileValid", errs.KindIO, errs.OK, err)
	}
	folder.Accounting.FolderSize = info.Size()
	folder.Accounting.FolderDate = info.ModTime().Unix()
	folder.SummaryValid = true
	return nil
}

func (s *Store) appendFile(path string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.appends[path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	s.appends[path] = f
	return f, nil
}

func (s *Store) closeAppend(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.appends[path]; ok {
		f.Close()
		delete(s.appends, path)
	}
}

// GetNewMsgOutputStream opens (or reuses) folder's cached append stream and
// returns a pre-populated MsgHdr (StoreToken/MessageOffset set to the
// current end-of-file) plus a writer, optionally quarantined.
func (s *Store) GetNewMsgOutputStream(folder *msghdr.Folder) (*msghdr.MsgHdr, store.OutputStream, error) {
	f, err := s.appendFile(folder.Path)
	if err != nil {
		return nil, nil, errs.New("mboxstore.GetNewMsgOutputStream", errs.KindIO, errs.OK, err)
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, nil, errs.New("mboxstore.GetNewMsgOutputStream", errs.KindIO, errs.OK, err)
	}

	hdr := &msghdr.MsgHdr{
		StoreToken:    strconv.FormatInt(offset, 10),
		MessageOffset: offset,
	}

	mst := mbox.NewMsgOutputStream(f)
	var out store.OutputStream = mst
	if s.quarantineDir != "" {
		out = quarantine.NewStream(s.quarantineDir, mst)
	}
	return hdr, out, nil
}

// DiscardNewMessage rolls back an in-progress append.
func (s *Store) DiscardNewMessage(folder *msghdr.Folder, stream store.OutputStream, hdr *msghdr.MsgHdr) error {
	return stream.Close()
}

// FinishNewMessage commits an in-progress append.
func (s *Store) FinishNewMessage(folder *msghdr.Folder, stream store.OutputStream, hdr *msghdr.MsgHdr) error {
	return stream.Finish()
}

// msgInputStream adapts a fully-read mbox.Message plus its backing file
// handle to the store.InputStream contract.
type msgInputStream struct {
	r *bytes.Reader
	f *os.File
}

func (m *msgInputStream) Read(p []byte) (int, error) { return m.r.Read(p) }
func (m *msgInputStream) Close() error                { return m.f.Close() }

// GetMsgInputStream opens folder's mbox file and seeks to storeToken's
// offset, returning the message's raw (unescaped) bytes.
func (s *Store) GetMsgInputStream(folder *msghdr.Folder, storeToken string) (store.InputStream, error) {
	offset, err := strconv.ParseInt(storeToken, 10, 64)
	if err != nil {
		return nil, errs.New("mboxstore.GetMsgInputStream", errs.KindCorrupt, errs.OK, err)
	}
	f, err := os.Open(folder.Path)
	if err != nil {
		return nil, errs.New("mboxstore.GetMsgInputStream", errs.KindIO, errs.OK, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, errs.New("mboxstore.GetMsgInputStream", errs.KindIO, errs.OK, err)
	}
	msg, err := mbox.NewReader(f).NextAtCurrentPosition()
	if err != nil {
		f.Close()
		return nil, errs.New("mboxstore.GetMsgInputStream", errs.KindCorrupt, errs.OK, err)
	}
	return &msgInputStream{r: bytes.NewReader(msg.Raw), f: f}, nil
}

// DeleteMessages marks each message Expunged in place; physical removal is
// deferred to the next compaction pass.
func (s *Store) DeleteMessages(folder *msghdr.Folder, hdrs []*msghdr.MsgHdr) error {
	return s.ChangeFlags(folder, hdrs, msghdr.Expunged, true)
}

// CopyMessages always reports that the mbox backend did not perform the
// copy, per spec §4.6: the caller falls back to a stream-copy.
func (s *Store) CopyMessages(move bool, srcFolder *msghdr.Folder, srcHdrs []*msghdr.MsgHdr, dstFolder *msghdr.Folder) error {
	return store.ErrCopyNotSupported
}

// ChangeFlags rewrites X-Mozilla-Status/Status2 in place for each header.
// Both fields have a fixed hex width that always accommodates any Flags/
// Priority value, so this never needs the grow-keywords fallback.
func (s *Store) ChangeFlags(folder *msghdr.Folder, hdrs []*msghdr.MsgHdr, mask msghdr.Flags, set bool) error {
	f, err := os.OpenFile(folder.Path, os.O_RDWR, 0600)
	if err != nil {
		return errs.New("mboxstore.ChangeFlags", errs.KindIO, errs.OK, err)
	}
	defer f.Close()

	for _, hdr := range hdrs {
		newFlags := hdr.Flags.Set(mask, set)
		offset, err := strconv.ParseInt(hdr.StoreToken, 10, 64)
		if err != nil {
			return errs.New("mboxstore.ChangeFlags", errs.KindCorrupt, errs.OK, err)
		}
		if _, err := mozheader.RewriteHeaderInPlace(f, offset, mozheader.StatusHeader, mozheader.FormatStatus(newFlags, hdr.Priority)); err != nil {
			return err
		}
		if _, err := mozheader.RewriteHeaderInPlace(f, offset, mozheader.Status2Header, mozheader.FormatStatus2(newFlags)); err != nil {
			return err
		}
		hdr.Flags = newFlags
	}
	return nil
}

// ChangeKeywords rewrites X-Mozilla-Keys in place. If the new keyword list
// doesn't fit in the header's existing width, hdr.GrowKeywords is set so
// the next compaction rewrites the message with extra room instead.
func (s *Store) ChangeKeywords(folder *msghdr.Folder, hdrs []*msghdr.MsgHdr, keywords []string, add bool) error {
	f, err := os.OpenFile(folder.Path, os.O_RDWR, 0600)
	if err != nil {
		return errs.New("mboxstore.ChangeKeywords", errs.KindIO, errs.OK, err)
	}
	defer f.Close()

	for _, hdr := range hdrs {
		merged := mozheader.MergeKeywords(hdr.Keywords, keywords, add)
		offset, err := strconv.ParseInt(hdr.StoreToken, 10, 64)
		if err != nil {
			return errs.New("mboxstore.ChangeKeywords", errs.KindCorrupt, errs.OK, err)
		}
		fit, err := mozheader.RewriteHeaderInPlace(f, offset, mozheader.KeysHeader, strings.Join(merged, " "))
		if err != nil {
			return err
		}
		hdr.Keywords = merged
		hdr.GrowKeywords = !fit
	}
	return nil
}

// Scan walks folder's mbox file front to back, yielding each message's raw
// bytes and its offset-based StoreToken.
func (s *Store) Scan(folder *msghdr.Folder, fn store.ScanFunc) error {
	f, err := os.Open(folder.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New("mboxstore.Scan", errs.KindIO, errs.OK, err)
	}
	defer f.Close()

	rdr := mbox.NewReader(f)
	for {
		offset := rdr.NextFromOffset()
		msg, err := rdr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.New("mboxstore.Scan", errs.KindCorrupt, errs.OK, err)
		}

		cont, err := fn(store.ScannedMessage{
			StoreToken:    strconv.FormatInt(offset, 10),
			MessageOffset: offset,
			Raw:           msg.Raw,
		})
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}
