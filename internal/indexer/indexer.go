// Package indexer implements spec §4.8's StoreIndexer: rebuilding a
// folder's index database from scratch by streaming every message out of
// its backing store and feeding it through a fresh MessageHeaderState.
package indexer

import (
	"github.com/mailkit/maildepot/internal/charset"
	"github.com/mailkit/maildepot/internal/errs"
	"github.com/mailkit/maildepot/internal/headerstate"
	"github.com/mailkit/maildepot/internal/line"
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/store"
)

// indexerHolder is the semaphore holder name indexing registers while it
// owns a folder (spec §5).
const indexerHolder = "indexer"

// defaultMaxLineBytes is used when no Option overrides it.
const defaultMaxLineBytes = 1000

// Result summarizes one completed reindex pass.
type Result struct {
	Folder        *msghdr.Folder
	Added         []*msghdr.MsgHdr
	ExpungedBytes int64
	NumMessages   int64
	NumUnread     int64
	NumNew        int64
	FolderSize    int64
}

// CompletionCallback receives the finished Result before IndexFolder marks
// the database summaryValid. Returning an error aborts the pass; the
// database rows already written by UpsertMessages are left in place (the
// next successful reindex overwrites them).
type CompletionCallback func(*Result) error

// BackupLookup resolves a message's sticky metadata (keywords, custom
// properties) from a prior generation of the same folder's database,
// keyed by messageId. nil disables carryover.
type BackupLookup func(messageID string) (*msghdr.MsgHdr, error)

// Indexer runs StoreIndexer against one folder at a time.
type Indexer struct {
	db              *store.DB
	maxLineBytes    int64
	customDBHeaders []string
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithMaxLineBytes overrides the per-line cap enforced while parsing
// headers (spec §4.8: lines over the cap are discarded from the header
// parser but still counted toward messageSize).
func WithMaxLineBytes(n int) Option {
	return func(ix *Indexer) { ix.maxLineBytes = int64(n) }
}

// WithCustomDBHeaders registers additional header names to capture into
// each MsgHdr's Properties bag.
func WithCustomDBHeaders(names []string) Option {
	return func(ix *Indexer) { ix.customDBHeaders = names }
}

// New returns an Indexer backed by db.
func New(db *store.DB, opts ...Option) *Indexer {
	ix := &Indexer{db: db, maxLineBytes: defaultMaxLineBytes}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// IndexFolder rebuilds folderID's index rows from st's on-disk contents.
// It acquires folder's cooperative lock for the duration of the scan,
// returning a FolderBusy error immediately if another operation already
// holds it (spec §5).
//
// backup, if non-nil, is consulted once per message (by messageId) to
// carry forward keywords and custom properties from a previous generation
// of the database, as when rebuilding after the database file was lost or
// corrupted but the mbox/maildir store itself is intact.
func (ix *Indexer) IndexFolder(st store.Store, folder *msghdr.Folder, folderID int64, backup BackupLookup, onComplete CompletionCallback) error {
	if err := folder.AcquireSemaphore(indexerHolder); err != nil {
		return err
	}
	defer folder.ReleaseSemaphore()

	nextKey, err := ix.db.NextMsgKey(folderID)
	if err != nil {
		return errs.New("indexer.IndexFolder", errs.KindIO, errs.OK, err)
	}

	result := &Result{Folder: folder}
	var added []*msghdr.MsgHdr

	scanErr := st.Scan(folder, func(msg store.ScannedMessage) (bool, error) {
		hdr, expunged, err := ix.parseMessage(msg, backup)
		if err != nil {
			return false, err
		}
		if expunged {
			result.ExpungedBytes += int64(len(msg.Raw))
			return true, nil
		}

		hdr.StoreToken = msg.StoreToken
		hdr.MessageOffset = msg.MessageOffset
		hdr.MsgKey = nextKey
		nextKey++

		result.NumMessages++
		if !hdr.Flags.Has(msghdr.Read) {
			result.NumUnread++
		}
		if hdr.Flags.Has(msghdr.New) {
			result.NumNew++
		}
		result.FolderSize += hdr.MessageSize

		added = append(added, hdr)
		return true, nil
	})
	if scanErr != nil {
		return errs.New("indexer.IndexFolder", errs.KindIO, errs.OK, scanErr)
	}

	result.Added = added

	if err := ix.db.UpsertMessages(folderID, added); err != nil {
		return errs.New("indexer.IndexFolder", errs.KindIO, errs.OK, err)
	}

	acc := msghdr.Accounting{
		NumMessages:   result.NumMessages,
		NumUnread:     result.NumUnread,
		NumNew:        result.NumNew,
		ExpungedBytes: result.ExpungedBytes,
		FolderSize:    result.FolderSize,
		FolderDate:    folder.Accounting.FolderDate,
	}
	if err := ix.db.UpdateAccounting(folderID, acc); err != nil {
		return errs.New("indexer.IndexFolder", errs.KindIO, errs.OK, err)
	}
	folder.Accounting = acc

	if onComplete != nil {
		if err := onComplete(result); err != nil {
			return err
		}
	}

	if err := ix.db.SetSummaryValid(folderID, true); err != nil {
		return errs.New("indexer.IndexFolder", errs.KindIO, errs.OK, err)
	}
	folder.SummaryValid = true

	return nil
}

// parseMessage feeds msg.Raw through a fresh MessageHeaderState line by
// line, enforcing the per-line cap, and resolves the finished MsgHdr's
// charset when the message didn't declare one.
func (ix *Indexer) parseMessage(msg store.ScannedMessage, backup BackupLookup) (hdr *msghdr.MsgHdr, expunged bool, err error) {
	var lookupErr error
	opts := []headerstate.Option{headerstate.WithCustomDBHeaders(ix.customDBHeaders)}
	if backup != nil {
		opts = append(opts, headerstate.WithBackupLookup(func(messageID string) *msghdr.MsgHdr {
			prior, e := backup(messageID)
			if e != nil {
				lookupErr = e
				return nil
			}
			return prior
		}))
	}
	hs := headerstate.New(opts...)

	lr := line.NewReader()
	feed := func(ln []byte) bool {
		if int64(len(ln)) <= ix.maxLineBytes {
			hs.Feed(ln)
		}
		return true
	}
	lr.Feed(msg.Raw, feed)
	lr.Flush(feed)
	hs.Flush()

	if lookupErr != nil {
		return nil, false, lookupErr
	}

	hdr, expunged = hs.Finalize(int64(len(msg.Raw)))
	if expunged {
		return nil, true, nil
	}

	if hdr.Charset == "" {
		hdr.Charset = charset.Resolve("", msg.Raw)
	}
	hdr.Subject = charset.NormalizeToUTF8(hdr.Subject, hdr.Charset)
	hdr.From = charset.NormalizeToUTF8(hdr.From, hdr.Charset)

	return hdr, false, nil
}
