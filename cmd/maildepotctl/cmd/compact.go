package cmd

import (
	"fmt"

	"github.com/mailkit/maildepot/internal/compactor"
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact <folder-path>",
	Short: "Reclaim expunged space in an mbox folder",
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
		if folder.Backend != msghdr.BackendMbox {
			fmt.Printf("%s: maildir folders have no compactable slack, skipping\n", folder.Path)
			return nil
		}

		c := compactor.New(db)
		listener := func(hdr *msghdr.MsgHdr) (compactor.RetentionDecision, error) {
			if hdr.Flags.Has(msghdr.Expunged) {
				return compactor.RetentionDecision{Keep: false}, nil
			}
			return compactor.RetentionDecision{
				Keep:     true,
				Flags:    hdr.Flags,
				Priority: hdr.Priority,
				Keywords: hdr.Keywords,
			}, nil
		}

		err = c.CompactFolder(folder, folderID, listener, func(r *compactor.Result) error {
			if err := db.DeleteMessages(folderID, r.RemovedMsgKeys); err != nil {
				return fmt.Errorf("delete removed rows: %w", err)
			}
			for _, hdr := range r.Retained {
				if err := db.RetokenMessage(folderID, hdr.MsgKey, hdr.StoreToken, hdr.MessageOffset); err != nil {
					return fmt.Errorf("retoken message %d: %w", hdr.MsgKey, err)
				}
			}
			fmt.Printf("%s: reclaimed %d bytes, %d removed, %d retained\n",
				folder.Path, r.BytesReclaimed, len(r.RemovedMsgKeys), len(r.Retained))
			return nil
		})
		if err != nil {
			return fmt.Errorf("compact %s: %w", folder.Path, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
}
