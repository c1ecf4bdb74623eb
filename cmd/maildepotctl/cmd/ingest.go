package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/mailkit/maildepot/internal/ingest"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <folder-path> <message-file>...",
	Short: "Incorporate raw RFC 5322 message files into a folder",
	Args:  cobra.MinimumNArgs(2),
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

		sink := ingest.New(db, st,
			ingest.WithDuplicatePolicy(cfg.Ingest.DuplicatePolicy),
			ingest.WithCustomDBHeaders(cfg.Index.CustomDBHeaders),
		)

		batch, err := sink.BeginBatch(folder, folderID, "")
		if err != nil {
			return fmt.Errorf("begin batch on %s: %w", folder.Path, err)
		}

		for _, path := range args[1:] {
			if err := incorporateFile(batch, path); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			}
		}

		result := batch.End()
		fmt.Printf("%s: incorporated %d new message(s)\n", folder.Path, result.NumNewMessages)
		return nil
	},
}

func incorporateFile(batch *ingest.Batch, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	msg, err := batch.IncorporateBegin("", 0, time.Time{})
	if err != nil {
		return fmt.Errorf("incorporate begin: %w", err)
	}
	if err := msg.Write(data); err != nil {
		_ = msg.Abort()
		return fmt.Errorf("write: %w", err)
	}
	if _, err := msg.Complete(); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
