package indexer_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mailkit/maildepot/internal/indexer"
	"github.com/mailkit/maildepot/internal/mozheader"
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/store"
	"github.com/mailkit/maildepot/internal/store/mboxstore"
)

func writeRawMbox(t *testing.T, path string, messages []string) {
	t.Helper()
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		t.Fatal(err)
	}
}

func rawMessage(messageID, subject string, flags msghdr.Flags) string {
	return "From sender@example.com Mon Jan  1 00:00:00 2024\r\n" +
		"Message-ID: <" + messageID + ">\r\n" +
		"Subject: " + subject + "\r\n" +
		"X-Mozilla-Status: " + mozheader.FormatStatus(flags, msghdr.PriorityNotSet) + "\r\n" +
		"X-Mozilla-Status2: " + mozheader.FormatStatus2(flags) + "\r\n" +
		"\r\n" +
		"body of " + subject + "\r\n" +
		"\r\n"
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	d, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return d
}

func TestIndexFolderAddsMessagesAndMarksSummaryValid(t *testing.T) {
	dir := t.TempDir()
	mboxPath := filepath.Join(dir, "Inbox")
	writeRawMbox(t, mboxPath, []string{
		rawMessage("one@example.com", "first", 0),
		rawMessage("two@example.com", "second", msghdr.Read),
	})

	db := openTestDB(t)
	folder := &msghdr.Folder{Path: mboxPath}
	folderID, err := db.UpsertFolder(0, folder)
	if err != nil {
		t.Fatalf("UpsertFolder: %v", err)
	}

	ix := indexer.New(db)
	var result *indexer.Result
	err = ix.IndexFolder(mboxstore.New(), folder, folderID, nil, func(r *indexer.Result) error {
		result = r
		return nil
	})
	if err != nil {
		t.Fatalf("IndexFolder: %v", err)
	}

	if len(result.Added) != 2 {
		t.Fatalf("got %d added messages, want 2", len(result.Added))
	}
	if result.NumMessages != 2 {
		t.Fatalf("NumMessages = %d, want 2", result.NumMessages)
	}
	if result.NumUnread != 1 {
		t.Fatalf("NumUnread = %d, want 1", result.NumUnread)
	}
	if !folder.SummaryValid {
		t.Fatalf("folder.SummaryValid not set after IndexFolder")
	}

	stored, err := db.ScanMessages(folderID)
	if err != nil {
		t.Fatalf("ScanMessages: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("got %d stored rows, want 2", len(stored))
	}
	if stored[0].MsgKey == stored[1].MsgKey {
		t.Fatalf("both messages got the same MsgKey: %d", stored[0].MsgKey)
	}
}

func TestIndexFolderCountsExpungedWithoutIndexing(t *testing.T) {
	dir := t.TempDir()
	mboxPath := filepath.Join(dir, "Inbox")
	keep := rawMessage("keep@example.com", "keep me", 0)
	drop := rawMessage("drop@example.com", "drop me", msghdr.Expunged)
	writeRawMbox(t, mboxPath, []string{keep, drop})

	db := openTestDB(t)
	folder := &msghdr.Folder{Path: mboxPath}
	folderID, err := db.UpsertFolder(0, folder)
	if err != nil {
		t.Fatalf("UpsertFolder: %v", err)
	}

	ix := indexer.New(db)
	var result *indexer.Result
	err = ix.IndexFolder(mboxstore.New(), folder, folderID, nil, func(r *indexer.Result) error {
		result = r
		return nil
	})
	if err != nil {
		t.Fatalf("IndexFolder: %v", err)
	}

	if len(result.Added) != 1 {
		t.Fatalf("got %d added messages, want 1 (expunged message skipped)", len(result.Added))
	}
	if result.ExpungedBytes <= 0 {
		t.Fatalf("ExpungedBytes = %d, want > 0", result.ExpungedBytes)
	}
}

func TestIndexFolderReturnsFolderBusyWhenLocked(t *testing.T) {
	dir := t.TempDir()
	mboxPath := filepath.Join(dir, "Inbox")
	writeRawMbox(t, mboxPath, []string{rawMessage("one@example.com", "first", 0)})

	db := openTestDB(t)
	folder := &msghdr.Folder{Path: mboxPath}
	folderID, err := db.UpsertFolder(0, folder)
	if err != nil {
		t.Fatalf("UpsertFolder: %v", err)
	}
	if err := folder.AcquireSemaphore("someone-else"); err != nil {
		t.Fatalf("AcquireSemaphore: %v", err)
	}
	defer folder.ReleaseSemaphore()

	ix := indexer.New(db)
	err = ix.IndexFolder(mboxstore.New(), folder, folderID, nil, nil)
	if err == nil {
		t.Fatalf("expected FolderBusy error, got nil")
	}
}

func TestIndexFolderCarriesForwardStickyMetadataFromBackup(t *testing.T) {
	dir := t.TempDir()
	mboxPath := filepath.Join(dir, "Inbox")
	writeRawMbox(t, mboxPath, []string{rawMessage("sticky@example.com", "has keywords", 0)})

	db := openTestDB(t)
	folder := &msghdr.Folder{Path: mboxPath}
	folderID, err := db.UpsertFolder(0, folder)
	if err != nil {
		t.Fatalf("UpsertFolder: %v", err)
	}

	backupDB := openTestDB(t)
	backupFolderID, err := backupDB.UpsertFolder(0, &msghdr.Folder{Path: mboxPath + ".backup"})
	if err != nil {
		t.Fatalf("UpsertFolder (backup): %v", err)
	}
	prior := &msghdr.MsgHdr{
		MsgKey:     1,
		StoreToken: "0",
		MessageID:  "sticky@example.com",
		Keywords:   []string{"$Label1"},
	}
	if err := backupDB.UpsertMessages(backupFolderID, []*msghdr.MsgHdr{prior}); err != nil {
		t.Fatalf("UpsertMessages (backup): %v", err)
	}

	ix := indexer.New(db)
	lookup := func(messageID string) (*msghdr.MsgHdr, error) {
		return backupDB.MessageByMessageID(backupFolderID, messageID)
	}
	err = ix.IndexFolder(mboxstore.New(), folder, folderID, lookup, nil)
	if err != nil {
		t.Fatalf("IndexFolder: %v", err)
	}

	stored, err := db.ScanMessages(folderID)
	if err != nil {
		t.Fatalf("ScanMessages: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("got %d stored rows, want 1", len(stored))
	}
	if len(stored[0].Keywords) != 1 || stored[0].Keywords[0] != "$Label1" {
		t.Fatalf("Keywords = %v, want carried-forward [$Label1]", stored[0].Keywords)
	}
}

func TestIndexFolderRespectsMaxLineBytes(t *testing.T) {
	dir := t.TempDir()
	mboxPath := filepath.Join(dir, "Inbox")
	longValue := strings.Repeat("x", 2000)
	msg := "From sender@example.com Mon Jan  1 00:00:00 2024\r\n" +
		"Subject: short\r\n" +
		"X-Oversized: " + longValue + "\r\n" +
		"\r\n" +
		"body\r\n" +
		"\r\n"
	writeRawMbox(t, mboxPath, []string{msg})

	db := openTestDB(t)
	folder := &msghdr.Folder{Path: mboxPath}
	folderID, err := db.UpsertFolder(0, folder)
	if err != nil {
		t.Fatalf("UpsertFolder: %v", err)
	}

	ix := indexer.New(db, indexer.WithMaxLineBytes(200))
	var result *indexer.Result
	err = ix.IndexFolder(mboxstore.New(), folder, folderID, nil, func(r *indexer.Result) error {
		result = r
		return nil
	})
	if err != nil {
		t.Fatalf("IndexFolder: %v", err)
	}
	if len(result.Added) != 1 {
		t.Fatalf("got %d added messages, want 1", len(result.Added))
	}
	if result.Added[0].Subject != "short" {
		t.Fatalf("Subject = %q, want %q (oversized header shouldn't affect parsing of others)", result.Added[0].Subject, "short")
	}
	if result.Added[0].MessageSize != int64(len(msg)-len(strings.SplitN(msg, "\r\n", 2)[0])-2) {
		t.Fatalf("MessageSize should still count the oversized line's bytes")
	}
}
