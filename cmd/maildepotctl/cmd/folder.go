package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/store"
)

// openFolder resolves path to a Folder + its index row id. An existing row
// is loaded as-is so its cached accounting survives across commands; only
// a folder seen for the first time gets a fresh row, with its backend
// detected from the shape of the on-disk entry (a directory with cur/ and
// tmp/ subdirectories is a maildir, anything else is treated as an mbox
// file).
func openFolder(db *store.DB, path string) (*msghdr.Folder, int64, error) {
	folder, folderID, err := db.GetFolder(path)
	if err != nil {
		return nil, 0, fmt.Errorf("get folder %s: %w", path, err)
	}
	if folder != nil {
		return folder, folderID, nil
	}

	backend, err := detectBackend(path)
	if err != nil {
		return nil, 0, err
	}
	folder = &msghdr.Folder{
		Name:    filepath.Base(path),
		Path:    path,
		Backend: backend,
	}
	folderID, err = db.UpsertFolder(0, folder)
	if err != nil {
		return nil, 0, fmt.Errorf("upsert folder %s: %w", path, err)
	}
	return folder, folderID, nil
}

func detectBackend(path string) (msghdr.Backend, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return msghdr.BackendMbox, nil
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return msghdr.BackendMbox, nil
	}
	if _, err := os.Stat(filepath.Join(path, "cur")); err == nil {
		if _, err := os.Stat(filepath.Join(path, "tmp")); err == nil {
			return msghdr.BackendMaildir, nil
		}
	}
	return msghdr.BackendMbox, nil
}
