package cmd

import (
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/store"
	"github.com/mailkit/maildepot/internal/store/maildirstore"
	"github.com/mailkit/maildepot/internal/store/mboxstore"
)

// openBackendStore returns the store.Store implementation matching
// backend, configured from the loaded config's [store] section.
func openBackendStore(backend msghdr.Backend) store.Store {
	leeway := cfg.Store.TimeStampLeeway()
	switch backend {
	case msghdr.BackendMaildir:
		opts := []maildirstore.Option{maildirstore.WithTimeStampLeeway(leeway)}
		if cfg.Store.QuarantineDir != "" {
			opts = append(opts, maildirstore.WithQuarantineDir(cfg.Store.QuarantineDir))
		}
		return maildirstore.New(opts...)
	default:
		opts := []mboxstore.Option{mboxstore.WithTimeStampLeeway(leeway)}
		if cfg.Store.MboxSizeCapBytes > 0 {
			opts = append(opts, mboxstore.WithSizeCap())
		}
		if cfg.Store.QuarantineDir != "" {
			opts = append(opts, mboxstore.WithQuarantineDir(cfg.Store.QuarantineDir))
		}
		return mboxstore.New(opts...)
	}
}

// openDB opens the index database at the configured DSN.
func openDB() (*store.DB, error) {
	db, err := store.Open(cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
