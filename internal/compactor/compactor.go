// Package compactor implements spec §4.7's FolderCompactor: reclaiming the
// space held by expunged messages in an mbox folder by rewriting it into a
// scratch file and swapping it in atomically. Maildir has no analogous
// operation: internal/store/maildirstore.DeleteMessages already removes a
// deleted message's file immediately, so there is never compactable slack.
package compactor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mailkit/maildepot/internal/errs"
	"github.com/mailkit/maildepot/internal/fileutil"
	"github.com/mailkit/maildepot/internal/mbox"
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/store"
)

// compactorHolder is the semaphore holder name compaction registers while
// it owns a folder (spec §5).
const compactorHolder = "compactor"

// bytesPerMessageEstimate is the per-message disk headroom spec §4.7's
// space estimate reserves; the estimate uses the database file size instead
// when that is larger than this figure times the message count.
const bytesPerMessageEstimate = 1024

// RetentionDecision is the caller's verdict on one message during
// compaction: whether to keep it, and if so, the flags/keywords to rewrite
// it with (a message's flags/keywords may have changed in the database
// since it was last written to the mbox file).
type RetentionDecision struct {
	Keep     bool
	Flags    msghdr.Flags
	Priority msghdr.Priority
	Keywords []string
}

// RetentionListener is consulted once per message in the source folder
// (spec §4.7 step 3). hdr is the message's existing indexed header, or a
// zero MsgHdr if the message wasn't found in the index (e.g. the folder
// needs reindexing first).
type RetentionListener func(hdr *msghdr.MsgHdr) (RetentionDecision, error)

// Result summarizes one completed compaction pass. The completion callback
// commits whatever database changes it implies (retokening Retained rows,
// deleting RemovedMsgKeys) before the compacted file is promoted live.
type Result struct {
	Folder         *msghdr.Folder
	Retained       []*msghdr.MsgHdr
	RemovedMsgKeys []int64
	BytesReclaimed int64
}

// CompletionCallback commits the caller's database changes against a
// completed Result (spec §4.7 step 4: "the caller commits database changes
// now"). An error here triggers a best-effort rollback of the rename
// sequence already performed.
type CompletionCallback func(*Result) error

// Compactor runs FolderCompactor against one folder at a time; spec §5
// requires multi-folder compaction to be sequential, never parallel, so
// there is no batch entry point here — callers loop and call CompactFolder
// once per folder.
type Compactor struct {
	db *store.DB
}

// New returns a Compactor that looks up existing header metadata (to know
// each message's current flags/keywords/msg_key before asking the
// retention listener) and estimates free-space headroom from db's own file
// size.
func New(db *store.DB) *Compactor {
	return &Compactor{db: db}
}

// CompactFolder compacts folder, whose row id in the index database is
// folderID. listener is asked about every message in turn; onComplete is
// invoked once the rewritten file is staged, before it is made live.
//
// Returns nil without doing anything if the folder is locked or has zero
// expunged bytes. If pre-flight space estimation judges there isn't enough
// room, it does nothing and returns an errs.InsufficientSpace error.
func (c *Compactor) CompactFolder(folder *msghdr.Folder, folderID int64, listener RetentionListener, onComplete CompletionCallback) error {
	if folder.IsLocked() {
		return nil
	}
	if folder.Accounting.ExpungedBytes <= 0 {
		return nil
	}

	ok, err := c.hasSpaceForCompaction(folder)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New("compactor.CompactFolder", errs.KindQuota, errs.InsufficientSpace, nil)
	}

	if err := folder.AcquireSemaphore(compactorHolder); err != nil {
		return err
	}
	defer folder.ReleaseSemaphore()

	existingByToken, err := c.indexedHeadersByToken(folderID)
	if err != nil {
		return err
	}

	name := filepath.Base(folder.Path)
	scratchDir := folder.Path + ".compact-temp"
	if err := os.MkdirAll(scratchDir, 0700); err != nil {
		return errs.New("compactor.CompactFolder", errs.KindIO, errs.OK, err)
	}
	defer os.RemoveAll(scratchDir)

	compactingPath := filepath.Join(scratchDir, name+".compacting")
	result, err := rewriteFolder(folder, compactingPath, existingByToken, listener)
	if err != nil {
		return err
	}

	compactedPath := filepath.Join(scratchDir, name+".compacted")
	if err := os.Rename(compactingPath, compactedPath); err != nil {
		return errs.New("compactor.CompactFolder", errs.KindIO, errs.OK, err)
	}

	originalPath := folder.Path + ".original"
	if err := os.Rename(folder.Path, originalPath); err != nil {
		return errs.New("compactor.CompactFolder", errs.KindIO, errs.OK, err)
	}

	if err := onComplete(result); err != nil {
		// The live file hasn't been touched since the rename above; restore
		// its name so the folder is exactly as it was before this call.
		_ = os.Rename(originalPath, folder.Path)
		return err
	}

	if err := os.Rename(compactedPath, folder.Path); err != nil {
		// onComplete already committed database changes against the new
		// layout: restoring .original here would desync the index from the
		// live file, so this is surfaced rather than silently rolled back.
		return errs.New("compactor.CompactFolder", errs.KindIO, errs.OK, err)
	}
	_ = os.Remove(originalPath)

	return nil
}

// hasSpaceForCompaction implements spec §4.7's pre-flight estimate:
// currentSize - expungedBytes + max(databaseSize, totalMessages * 1 KiB).
func (c *Compactor) hasSpaceForCompaction(folder *msghdr.Folder) (bool, error) {
	dbSize := int64(0)
	if c.db != nil {
		if info, err := os.Stat(c.db.Path()); err == nil {
			dbSize = info.Size()
		}
	}
	headroom := folder.Accounting.NumMessages * bytesPerMessageEstimate
	if dbSize > headroom {
		headroom = dbSize
	}
	estimate := folder.Accounting.FolderSize - folder.Accounting.ExpungedBytes + headroom

	free, err := fileutil.DiskFreeSpace(filepath.Dir(folder.Path))
	if err != nil {
		return false, errs.New("compactor.hasSpaceForCompaction", errs.KindIO, errs.OK, err)
	}
	return free > estimate, nil
}

func (c *Compactor) indexedHeadersByToken(folderID int64) (map[string]*msghdr.MsgHdr, error) {
	hdrs, err := c.db.ScanMessages(folderID)
	if err != nil {
		return nil, fmt.Errorf("compactor: scan existing headers: %w", err)
	}
	byToken := make(map[string]*msghdr.MsgHdr, len(hdrs))
	for _, h := range hdrs {
		byToken[h.StoreToken] = h
	}
	return byToken, nil
}

// rewriteFolder performs spec §4.7 steps 2-3: opening the .compacting file,
// streaming every retained message from folder's current mbox file into it
// with its X-Mozilla-* headers patched, and returning the Result the
// completion callback will commit.
func rewriteFolder(folder *msghdr.Folder, compactingPath string, existingByToken map[string]*msghdr.MsgHdr, listener RetentionListener) (*Result, error) {
	dst, err := os.OpenFile(compactingPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return nil, errs.New("compactor.rewriteFolder", errs.KindIO, errs.OK, err)
	}
	defer dst.Close()

	src, err := os.Open(folder.Path)
	if err != nil {
		return nil, errs.New("compactor.rewriteFolder", errs.KindIO, errs.OK, err)
	}
	defer src.Close()

	result := &Result{Folder: folder}
	rdr := mbox.NewReader(src)
	for {
		offset := rdr.NextFromOffset()
		msg, err := rdr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.New("compactor.rewriteFolder", errs.KindCorrupt, errs.OK, err)
		}

		token := strconv.FormatInt(offset, 10)
		existing := existingByToken[token]

		var hdrForListener msghdr.MsgHdr
		if existing != nil {
			hdrForListener = *existing
		}
		decision, err := listener(&hdrForListener)
		if err != nil {
			return nil, err
		}
		if !decision.Keep {
			if existing != nil {
				result.RemovedMsgKeys = append(result.RemovedMsgKeys, existing.MsgKey)
				result.BytesReclaimed += existing.MessageSize
			}
			continue
		}

		newOffset, err := dst.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, errs.New("compactor.rewriteFolder", errs.KindIO, errs.OK, err)
		}

		eol := eolFor(msg.Raw)
		patched := patchHeaders(msg.Raw, decision.Flags, decision.Priority, decision.Keywords, eol)

		out := mbox.NewMsgOutputStreamWithEnvelope(dst, msg.FromLine, eol)
		if err := out.Write(patched); err != nil {
			return nil, err
		}
		if err := out.Finish(); err != nil {
			return nil, err
		}

		if existing != nil {
			retained := *existing
			retained.StoreToken = strconv.FormatInt(newOffset, 10)
			retained.MessageOffset = newOffset
			retained.Flags = decision.Flags
			retained.Priority = decision.Priority
			retained.Keywords = decision.Keywords
			result.Retained = append(result.Retained, &retained)
		}
	}

	return result, nil
}
