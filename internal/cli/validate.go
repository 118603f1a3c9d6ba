package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	validateID       int64
	validateAll      bool
	validateReviewer string
	validateNote     string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Accept flagged observations after manual review",
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateID <= 0 && !validateAll {
			return fmt.Errorf("either --id or --all is required")
		}
		if validateID > 0 && validateAll {
			return fmt.Errorf("--id and --all are mutually exclusive")
		}

		count, err := getApp().Validate(cmd.Context(), validateID, validateReviewer, validateNote)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d observation(s) validated\n", count)
		return nil
	},
}

func init() {
	validateCmd.Flags().Int64Var(&validateID, "id", 0, "Observation ID to validate")
	validateCmd.Flags().BoolVar(&validateAll, "all", false, "Validate every pending observation")
	validateCmd.Flags().StringVar(&validateReviewer, "reviewer", "", "Name recorded in the audit note")
	validateCmd.Flags().StringVar(&validateNote, "note", "", "Free-text validation note")
}
