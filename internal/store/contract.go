package store

import (
	"io"

	"github.com/mailkit/maildepot/internal/msghdr"
)

// InputStream is a seekable read handle onto one message's raw bytes.
type InputStream interface {
	io.Reader
	io.Closer
}

// OutputStream is the write side of a newly appended message. Finish commits
// the message (mbox: closes the quarantine stage and flushes; maildir:
// renames tmp -> cur). Close without Finish rolls the write back. This
// mirrors quarantine.SafeSink's signature so a Store can wrap either an
// mbox.MsgOutputStream or a quarantine.Stream interchangeably.
type OutputStream interface {
	Write(p []byte) error
	Finish() error
	Close() error
}

// Store is the capability contract a backend (mbox, maildir) implements
// over one folder tree, per spec §4.6. Folder/message identity is tracked
// by the caller via msghdr.Folder/msghdr.MsgHdr; Store only ever touches
// the filesystem representation and the opaque StoreToken.
type Store interface {
	// DiscoverSubFolders walks folder's on-disk directory and returns a
	// child Folder entry for each file/directory not in the ignored set.
	DiscoverSubFolders(folder *msghdr.Folder) ([]*msghdr.Folder, error)

	CreateFolder(parent *msghdr.Folder, name string) (*msghdr.Folder, error)
	RenameFolder(folder *msghdr.Folder, newName string) error
	DeleteFolder(folder *msghdr.Folder) error
	CopyFolder(src, dst *msghdr.Folder, move bool) error

	// HasSpaceAvailable reports whether n additional bytes can be written
	// to folder's backing store.
	HasSpaceAvailable(folder *msghdr.Folder, n int64) (bool, error)

	// IsSummaryFileValid compares the on-disk file's size/mtime against
	// folder.Accounting within the configured leeway.
	IsSummaryFileValid(folder *msghdr.Folder) (bool, error)
	SetSummaryFileValid(folder *msghdr.Folder, valid bool) error

	// GetNewMsgOutputStream begins a new message append, returning a
	// pre-populated MsgHdr (StoreToken/MessageOffset set) and a writer.
	GetNewMsgOutputStream(folder *msghdr.Folder) (*msghdr.MsgHdr, OutputStream, error)
	// DiscardNewMessage rolls back an in-progress append.
	DiscardNewMessage(folder *msghdr.Folder, stream OutputStream, hdr *msghdr.MsgHdr) error
	// FinishNewMessage commits an in-progress append.
	FinishNewMessage(folder *msghdr.Folder, stream OutputStream, hdr *msghdr.MsgHdr) error

	GetMsgInputStream(folder *msghdr.Folder, storeToken string) (InputStream, error)

	// DeleteMessages marks (mbox) or removes (maildir) the given messages.
	DeleteMessages(folder *msghdr.Folder, hdrs []*msghdr.MsgHdr) error

	// CopyMessages attempts a store-native copy/move. ErrCopyNotSupported
	// signals the caller should fall back to a stream copy (mbox).
	CopyMessages(move bool, srcFolder *msghdr.Folder, srcHdrs []*msghdr.MsgHdr, dstFolder *msghdr.Folder) error

	// ChangeFlags and ChangeKeywords rewrite X-Mozilla-Status/Status2/Keys
	// in place per spec §4.6's non-growing rewrite algorithm. They return
	// only an error; ChangeKeywords sets MsgHdr.GrowKeywords on each header
	// whose keywords didn't fit and need compaction to grow.
	ChangeFlags(folder *msghdr.Folder, hdrs []*msghdr.MsgHdr, mask msghdr.Flags, set bool) error
	ChangeKeywords(folder *msghdr.Folder, hdrs []*msghdr.MsgHdr, keywords []string, add bool) error

	// Scan streams every message currently in folder's backing store, in
	// storage order, invoking fn once per message with its raw bytes and
	// StoreToken (spec §4.8: "streamed by store.asyncScan"). fn returning
	// cont=false stops the scan early without error (spec §5's cancellation
	// contract). Backend-specific: mbox walks the single file via
	// internal/mbox.Reader; maildir walks cur/ in directory order.
	Scan(folder *msghdr.Folder, fn ScanFunc) error
}

// ScannedMessage is one message yielded by Store.Scan.
type ScannedMessage struct {
	StoreToken string
	// MessageOffset mirrors StoreToken as an integer for mbox folders (the
	// byte offset of the message's "From " line); always 0 for maildir.
	MessageOffset int64
	Raw           []byte
}

// ScanFunc is invoked once per message during a Scan. Returning cont=false
// stops the scan early (not an error); returning a non-nil err aborts it.
type ScanFunc func(msg ScannedMessage) (cont bool, err error)

// ErrCopyNotSupported is returned by CopyMessages when the backend cannot
// perform the copy/move itself and the caller must fall back to a
// stream-copy (spec §4.6: "mbox: reports 'store did not do the copy'").
var ErrCopyNotSupported = errCopyNotSupported{}

type errCopyNotSupported struct{}

func (errCopyNotSupported) Error() string { return "store: copy not supported, caller must stream-copy" }
