package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats <folder-path>",
	Short: "Show a folder's cached accounting counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		folder, _, err := openFolder(db, args[0])
		if err != nil {
			return err
		}

		acc := folder.Accounting
		fmt.Printf("Folder:    %s\n", folder.Path)
		fmt.Printf("Backend:   %s\n", folder.Backend)
		fmt.Printf("Messages:  %d\n", acc.NumMessages)
		fmt.Printf("Unread:    %d\n", acc.NumUnread)
		fmt.Printf("New:       %d\n", acc.NumNew)
		fmt.Printf("Size:      %d bytes\n", acc.FolderSize)
		fmt.Printf("Expunged:  %d bytes\n", acc.ExpungedBytes)
		fmt.Printf("SummaryValid: %v\n", folder.SummaryValid)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
