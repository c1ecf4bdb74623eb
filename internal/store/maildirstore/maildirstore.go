// Package maildirstore implements the maildir backend of the Store
// capability contract (spec §4.6): one directory per folder with tmp/cur/
// sub-directories, one file per message, and the same X-Mozilla-Status
// in-band header convention as the mbox backend (confirmed by
// nsMsgMaildirStore's ChangeFlags delegating to the shared status-header
// rewrite rather than encoding flags in the Maildir ":2," filename suffix).
package maildirstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/google/uuid"
	"github.com/mailkit/maildepot/internal/errs"
	"github.com/mailkit/maildepot/internal/fileutil"
	"github.com/mailkit/maildepot/internal/mozheader"
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/quarantine"
	"github.com/mailkit/maildepot/internal/store"
)

// Option configures a Store.
type Option func(*Store)

// WithTimeStampLeeway sets the mtime/size tolerance used by
// IsSummaryFileValid. Default is 60 seconds.
func WithTimeStampLeeway(d time.Duration) Option {
	return func(s *Store) { s.leeway = d }
}

// WithQuarantineDir wraps every new-message output stream in a
// quarantine.Stream staged through dir before it lands in cur/.
func WithQuarantineDir(dir string) Option {
	return func(s *Store) { s.quarantineDir = dir }
}

// Store is the maildir-backed implementation of store.Store.
// Folder.Path values passed to its methods are absolute paths to the
// folder's directory (the parent of its tmp/cur sub-directories).
type Store struct {
	leeway        time.Duration
	quarantineDir string
}

// New returns a maildir Store.
func New(opts ...Option) *Store {
	s := &Store{leeway: 60 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

var ignoredNames = map[string]bool{
	"popstate.dat":       true,
	"rules.dat":          true,
	"msgfilterrules.dat": true,
	"feeds.json":         true,
	"tmp":                true,
	"cur":                true,
	"new":                true,
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

// DiscoverSubFolders walks folder.Path for sub-directories that aren't
// tmp/cur/new or otherwise ignored; each is a child folder (Maildir++
// nests children directly rather than via a ".sbd" sibling).
func (s *Store) DiscoverSubFolders(folder *msghdr.Folder) ([]*msghdr.Folder, error) {
	entries, err := os.ReadDir(folder.Path)
	if err != nil {
		return nil, errs.New("maildirstore.DiscoverSubFolders", errs.KindIO, errs.OK, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var children []*msghdr.Folder
	for _, name := range names {
		if isIgnored(name) {
			continue
		}
		path := filepath.Join(folder.Path, name)
		if _, err := os.Stat(filepath.Join(path, "cur")); err != nil {
			continue
		}
		children = append(children, &msghdr.Folder{
			Name:    name,
			Path:    path,
			Backend: msghdr.BackendMaildir,
			Parent:  folder,
		})
	}
	folder.Children = children
	return children, nil
}

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

func initMaildir(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return err
	}
	return maildir.Dir(path).Init()
}

// CreateFolder creates an empty maildir directory under parent's directory.
func (s *Store) CreateFolder(parent *msghdr.Folder, name string) (*msghdr.Folder, error) {
	safe := sanitizeName(name)
	path := filepath.Join(parent.Path, safe)
	if _, err := os.Stat(filepath.Join(path, "cur")); err == nil {
		return nil, errs.New("maildirstore.CreateFolder", errs.KindIO, errs.FolderExists, nil)
	}
	if err := initMaildir(path); err != nil {
		return nil, errs.New("maildirstore.CreateFolder", errs.KindIO, errs.OK, err)
	}
	return &msghdr.Folder{Name: safe, Path: path, Backend: msghdr.BackendMaildir, Parent: parent}, nil
}

// RenameFolder renames the folder's directory.
func (s *Store) RenameFolder(folder *msghdr.Folder, newName string) error {
	safe := sanitizeName(newName)
	newPath := filepath.Join(filepath.Dir(folder.Path), safe)
	if err := os.Rename(folder.Path, newPath); err != nil {
		return errs.New("maildirstore.RenameFolder", errs.KindIO, errs.OK, err)
	}
	folder.Name = safe
	folder.Path = newPath
	return nil
}

// DeleteFolder removes the folder's directory and everything under it.
func (s *Store) DeleteFolder(folder *msghdr.Folder) error {
	if err := os.RemoveAll(folder.Path); err != nil {
		return errs.New("maildirstore.DeleteFolder", errs.KindIO, errs.OK, err)
	}
	return nil
}

// CopyFolder copies (or, if move, moves) src's directory tree to dst's
// directory under src's name.
func (s *Store) CopyFolder(src, dst *msghdr.Folder, move bool) error {
	destPath := filepath.Join(dst.Path, src.Name)
	if move {
		if err := os.Rename(src.Path, destPath); err == nil {
			return nil
		}
	}
	if err := copyDir(src.Path, destPath); err != nil {
		return errs.New("maildirstore.CopyFolder", errs.KindIO, errs.CopyFolderAborted, err)
	}
	if move {
		if err := os.RemoveAll(src.Path); err != nil {
			return errs.New("maildirstore.CopyFolder", errs.KindIO, errs.OK, err)
		}
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0700)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

// HasSpaceAvailable reports whether n more bytes can be written under
// folder's directory.
func (s *Store) HasSpaceAvailable(folder *msghdr.Folder, n int64) (bool, error) {
	free, err := fileutil.DiskFreeSpace(folder.Path)
	if err != nil {
		return false, errs.New("maildirstore.HasSpaceAvailable", errs.KindIO, errs.OK, err)
	}
	return free > n, nil
}

// IsSummaryFileValid compares folder's directory mtime against
// folder.Accounting within the configured leeway. Maildir has no single
// file whose size tracks message count, so only the directory's mtime
// (bumped by any cur/ mutation) is checked.
func (s *Store) IsSummaryFileValid(folder *msghdr.Folder) (bool, error) {
	if !folder.SummaryValid {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(folder.Path, "cur"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.New("maildirstore.IsSummaryFileValid", errs.KindIO, errs.OK, err)
	}
	dateDelta := info.ModTime().Unix() - folder.Accounting.FolderDate
	if dateDelta < 0 {
		dateDelta = -dateDelta
	}
	if time.Duration(dateDelta)*time.Second > s.leeway {
		return false, nil
	}
	return true, nil
}

// SetSummaryFileValid updates folder's cached date when valid is true, or
// invalidates it otherwise.
func (s *Store) SetSummaryFileValid(folder *msghdr.Folder, valid bool) error {
	if !valid {
		folder.SummaryValid = false
		return nil
	}
	info, err := os.Stat(filepath.Join(folder.Path, "cur"))
	if err != nil {
		return errs.New("maildirstore.SetSummaryFileValid", errs.KindIO, errs.OK, err)
	}
	folder.Accounting.FolderDate = info.ModTime().Unix()
	folder.SummaryValid = true
	return nil
}

// tmpOutputStream adapts an *os.File under tmp/ to store.OutputStream,
// moving it into cur/ on Finish or removing it on Close (spec §4.6).
type tmpOutputStream struct {
	f         *os.File
	tmpPath   string
	curDir    string
	name      string
	hdr       *msghdr.MsgHdr
	committed bool
}

func (t *tmpOutputStream) Write(p []byte) error {
	_, err := t.f.Write(p)
	return err
}

func (t *tmpOutputStream) Finish() error {
	if err := t.f.Close(); err != nil {
		return errs.New("maildirstore.Finish", errs.KindIO, errs.OK, err)
	}
	destPath := filepath.Join(t.curDir, t.name)
	if _, err := os.Stat(destPath); err == nil {
		t.name = uuid.NewString()
		destPath = filepath.Join(t.curDir, t.name)
		t.hdr.StoreToken = t.name
	}
	if err := os.Rename(t.tmpPath, destPath); err != nil {
		return errs.New("maildirstore.Finish", errs.KindIO, errs.OK, err)
	}
	t.committed = true
	return nil
}

func (t *tmpOutputStream) Close() error {
	if t.committed {
		return nil
	}
	_ = t.f.Close()
	if err := os.Remove(t.tmpPath); err != nil && !os.IsNotExist(err) {
		return errs.New("maildirstore.Close", errs.KindIO, errs.OK, err)
	}
	return nil
}

// GetNewMsgOutputStream creates a uniquely-named file under folder's tmp/
// directory and returns a MsgHdr pre-populated with that name as its
// StoreToken.
func (s *Store) GetNewMsgOutputStream(folder *msghdr.Folder) (*msghdr.MsgHdr, store.OutputStream, error) {
	tmpDir := filepath.Join(folder.Path, "tmp")
	curDir := filepath.Join(folder.Path, "cur")
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return nil, nil, errs.New("maildirstore.GetNewMsgOutputStream", errs.KindIO, errs.OK, err)
	}

	name := fmt.Sprintf("%d.%s", time.Now().UnixNano(), uuid.NewString())
	tmpPath := filepath.Join(tmpDir, name)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, errs.New("maildirstore.GetNewMsgOutputStream", errs.KindIO, errs.OK, err)
	}

	hdr := &msghdr.MsgHdr{StoreToken: name}
	tst := &tmpOutputStream{f: f, tmpPath: tmpPath, curDir: curDir, name: name, hdr: hdr}
	var out store.OutputStream = tst
	if s.quarantineDir != "" {
		out = quarantine.NewStream(s.quarantineDir, tst)
	}
	return hdr, out, nil
}

// DiscardNewMessage removes the tmp/ file without ever making it visible.
func (s *Store) DiscardNewMessage(folder *msghdr.Folder, stream store.OutputStream, hdr *msghdr.MsgHdr) error {
	return stream.Close()
}

// FinishNewMessage moves the tmp/ file into cur/, disambiguating on
// collision, and updates hdr.StoreToken to the final name.
func (s *Store) FinishNewMessage(folder *msghdr.Folder, stream store.OutputStream, hdr *msghdr.MsgHdr) error {
	return stream.Finish()
}

type msgInputStream struct {
	f *os.File
}

func (m *msgInputStream) Read(p []byte) (int, error) { return m.f.Read(p) }
func (m *msgInputStream) Close() error                { return m.f.Close() }

// GetMsgInputStream opens the message identified by storeToken, resolving
// its on-disk path through go-maildir's key lookup rather than assuming
// it always lives directly under cur/ (a message delivered but not yet
// moved out of new/ is still addressable by key).
func (s *Store) GetMsgInputStream(folder *msghdr.Folder, storeToken string) (store.InputStream, error) {
	path, err := messagePath(folder, storeToken)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New("maildirstore.GetMsgInputStream", errs.KindIO, errs.OK, err)
	}
	return &msgInputStream{f: f}, nil
}

// messagePath resolves storeToken to its absolute path via go-maildir's
// key-based lookup, which scans both cur/ and new/ under folder.Path.
func messagePath(folder *msghdr.Folder, storeToken string) (string, error) {
	msg, err := maildir.Dir(folder.Path).MessageByKey(storeToken)
	if err != nil {
		return "", errs.New("maildirstore.messagePath", errs.KindIO, errs.OK, err)
	}
	return msg.Filename(), nil
}

// DeleteMessages physically removes each message's cur/ file, unlike the
// mbox backend's deferred Expunged-flag marking: maildir has no compaction
// pass that needs the gap preserved.
func (s *Store) DeleteMessages(folder *msghdr.Folder, hdrs []*msghdr.MsgHdr) error {
	for _, hdr := range hdrs {
		if hdr.StoreToken == "" {
			continue
		}
		path := filepath.Join(folder.Path, "cur", hdr.StoreToken)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errs.New("maildirstore.DeleteMessages", errs.KindIO, errs.OK, err)
		}
	}
	return nil
}

// CopyMessages moves or copies each message's cur/ file directly between
// folders, disambiguating destination names on collision.
func (s *Store) CopyMessages(move bool, srcFolder *msghdr.Folder, srcHdrs []*msghdr.MsgHdr, dstFolder *msghdr.Folder) error {
	dstCur := filepath.Join(dstFolder.Path, "cur")
	if err := os.MkdirAll(dstCur, 0700); err != nil {
		return errs.New("maildirstore.CopyMessages", errs.KindIO, errs.OK, err)
	}

	for _, hdr := range srcHdrs {
		srcPath := filepath.Join(srcFolder.Path, "cur", hdr.StoreToken)
		name := hdr.StoreToken
		dstPath := filepath.Join(dstCur, name)
		if _, err := os.Stat(dstPath); err == nil {
			name = uuid.NewString()
			dstPath = filepath.Join(dstCur, name)
		}

		if move {
			if err := os.Rename(srcPath, dstPath); err != nil {
				return errs.New("maildirstore.CopyMessages", errs.KindIO, errs.CopyFolderAborted, err)
			}
		} else {
			if err := copyFile(srcPath, dstPath); err != nil {
				return errs.New("maildirstore.CopyMessages", errs.KindIO, errs.CopyFolderAborted, err)
			}
		}
		hdr.StoreToken = name
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ChangeFlags rewrites X-Mozilla-Status/Status2 in place within each
// message's cur/ file.
func (s *Store) ChangeFlags(folder *msghdr.Folder, hdrs []*msghdr.MsgHdr, mask msghdr.Flags, set bool) error {
	for _, hdr := range hdrs {
		newFlags := hdr.Flags.Set(mask, set)
		if err := rewriteMessageHeaders(folder, hdr, func(f *os.File) error {
			if _, err := mozheader.RewriteHeaderInPlace(f, 0, mozheader.StatusHeader, mozheader.FormatStatus(newFlags, hdr.Priority)); err != nil {
				return err
			}
			_, err := mozheader.RewriteHeaderInPlace(f, 0, mozheader.Status2Header, mozheader.FormatStatus2(newFlags))
			return err
		}); err != nil {
			return err
		}
		hdr.Flags = newFlags
	}
	return nil
}

// ChangeKeywords rewrites X-Mozilla-Keys in place, setting
// hdr.GrowKeywords when the merged list doesn't fit the header's existing
// width.
func (s *Store) ChangeKeywords(folder *msghdr.Folder, hdrs []*msghdr.MsgHdr, keywords []string, add bool) error {
	for _, hdr := range hdrs {
		merged := mozheader.MergeKeywords(hdr.Keywords, keywords, add)
		var fit bool
		if err := rewriteMessageHeaders(folder, hdr, func(f *os.File) error {
			var rerr error
			fit, rerr = mozheader.RewriteHeaderInPlace(f, 0, mozheader.KeysHeader, strings.Join(merged, " "))
			return rerr
		}); err != nil {
			return err
		}
		hdr.Keywords = merged
		hdr.GrowKeywords = !fit
	}
	return nil
}

// Scan walks folder's cur/ directory in name order, yielding each
// message's raw bytes with its filename as StoreToken. MessageOffset is
// always 0: maildir has no single backing file for offsets to be relative
// to.
func (s *Store) Scan(folder *msghdr.Folder, fn store.ScanFunc) error {
	curDir := filepath.Join(folder.Path, "cur")
	entries, err := os.ReadDir(curDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New("maildirstore.Scan", errs.KindIO, errs.OK, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(curDir, name))
		if err != nil {
			return errs.New("maildirstore.Scan", errs.KindIO, errs.OK, err)
		}
		cont, err := fn(store.ScannedMessage{StoreToken: name, Raw: raw})
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func rewriteMessageHeaders(folder *msghdr.Folder, hdr *msghdr.MsgHdr, fn func(f *os.File) error) error {
	path, err := messagePath(folder, hdr.StoreToken)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return errs.New("maildirstore.rewriteMessageHeaders", errs.KindIO, errs.OK, err)
	}
	defer f.Close()
	return fn(f)
}
