package store

import (
	"database/sql"
	"fmt"

	"github.com/mailkit/maildepot/internal/msghdr"
)

// UpsertFolder records or updates a folder's identity and cached accounting.
// parentID is 0 for a root-level folder. Returns the folder's row id.
func (d *DB) UpsertFolder(parentID int64, f *msghdr.Folder) (int64, error) {
	var parent interface{}
	if parentID != 0 {
		parent = parentID
	}

	res, err := d.db.Exec(`
		INSERT INTO folders (parent_id, name, path, backend, flags, num_messages,
			num_unread, num_new, expunged_bytes, folder_size, folder_date, summary_valid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			parent_id=excluded.parent_id, name=excluded.name, backend=excluded.backend,
			flags=excluded.flags, num_messages=excluded.num_messages,
			num_unread=excluded.num_unread, num_new=excluded.num_new,
			expunged_bytes=excluded.expunged_bytes, folder_size=excluded.folder_size,
			folder_date=excluded.folder_date, summary_valid=excluded.summary_valid
	`, parent, f.Name, f.Path, int(f.Backend), int(f.Flags),
		f.Accounting.NumMessages, f.Accounting.NumUnread, f.Accounting.NumNew,
		f.Accounting.ExpungedBytes, f.Accounting.FolderSize, f.Accounting.FolderDate,
		boolToInt(f.SummaryValid))
	if err != nil {
		return 0, fmt.Errorf("upsert folder %s: %w", f.Path, err)
	}

	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		row := d.db.QueryRow(`SELECT id FROM folders WHERE path = ?`, f.Path)
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("fetch folder id for %s: %w", f.Path, err)
		}
	}
	return id, nil
}

// FolderIDByPath looks up a folder's row id by its filesystem path.
func (d *DB) FolderIDByPath(path string) (int64, error) {
	var id int64
	row := d.db.QueryRow(`SELECT id FROM folders WHERE path = ?`, path)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetFolder loads a folder's full row (identity, backend, cached
// accounting) by its filesystem path. Returns nil, 0, nil if no row
// exists yet; callers that want one created should fall back to
// UpsertFolder.
func (d *DB) GetFolder(path string) (*msghdr.Folder, int64, error) {
	var (
		id                             int64
		name                           string
		backend, flags                 int
		numMessages, numUnread, numNew int64
		expungedBytes, folderSize      int64
		folderDate                     int64
		summaryValid                   int
		parent                         interface{}
	)
	row := d.db.QueryRow(`
		SELECT id, parent_id, name, backend, flags, num_messages, num_unread,
			num_new, expunged_bytes, folder_size, folder_date, summary_valid
		FROM folders WHERE path = ?`, path)
	err := row.Scan(&id, &parent, &name, &backend, &flags, &numMessages, &numUnread,
		&numNew, &expungedBytes, &folderSize, &folderDate, &summaryValid)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get folder %s: %w", path, err)
	}

	f := &msghdr.Folder{
		Name:    name,
		Path:    path,
		Backend: msghdr.Backend(backend),
		Flags:   msghdr.FolderFlags(flags),
		Accounting: msghdr.Accounting{
			NumMessages:   numMessages,
			NumUnread:     numUnread,
			NumNew:        numNew,
			ExpungedBytes: expungedBytes,
			FolderSize:    folderSize,
			FolderDate:    folderDate,
		},
		SummaryValid: summaryValid != 0,
	}
	return f, id, nil
}

// SetSummaryValid flips the summaryValid bit recorded for a folder, per
// spec §4.6's isSummaryFileValid/setSummaryFileValid contract.
func (d *DB) SetSummaryValid(folderID int64, valid bool) error {
	_, err := d.db.Exec(`UPDATE folders SET summary_valid = ? WHERE id = ?`, boolToInt(valid), folderID)
	return err
}

// UpdateAccounting overwrites a folder's cached counters, typically after a
// full reindex or compaction pass.
func (d *DB) UpdateAccounting(folderID int64, acc msghdr.Accounting) error {
	_, err := d.db.Exec(`
		UPDATE folders SET num_messages=?, num_unread=?, num_new=?, expunged_bytes=?,
			folder_size=?, folder_date=? WHERE id=?
	`, acc.NumMessages, acc.NumUnread, acc.NumNew, acc.ExpungedBytes, acc.FolderSize, acc.FolderDate, folderID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
