package cmd

import (
	"fmt"

	"github.com/mailkit/maildepot/internal/indexer"
	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex <folder-path>",
	Short: "Rebuild a folder's index from its on-disk messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		folder, folderID, err := openFolder(db, args[0])
		if err != nil {
			return err
		}
		st := openBackendStore(folder.Backend)

		ix := indexer.New(db,
			indexer.WithCustomDBHeaders(cfg.Index.CustomDBHeaders),
			indexer.WithMaxLineBytes(cfg.Index.MaxLineBytes),
		)

		err = ix.IndexFolder(st, folder, folderID, nil, func(r *indexer.Result) error {
			fmt.Printf("%s: %d messages indexed (%d unread, %d new), %d bytes expunged\n",
				folder.Path, len(r.Added), r.NumUnread, r.NumNew, r.ExpungedBytes)
			return nil
		})
		if err != nil {
			return fmt.Errorf("reindex %s: %w", folder.Path, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
