package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var importFormat string

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import observations from a CSV or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := getApp().Import(cmd.Context(), args[0], importFormat)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d rows, %d inserted, %d skipped, %d rejected\n",
			summary.RunID, summary.Rows, summary.Inserted, summary.Skipped, summary.Rejected)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFormat, "format", "", "File format: csv or json (defaults to file extension)")
}
