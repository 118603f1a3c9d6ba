package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hogmalmsmedia/ratewatch/internal/app"
)

var (
	ingestPostID     int64
	ingestSourceID   string
	ingestSourceName string
	ingestField      string
	ingestCategory   string
	ingestValue      string
	ingestProv       string
	ingestDate       string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Record one raw observation",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, err := getApp().IngestOne(cmd.Context(), app.IngestOptions{
			PostID:     ingestPostID,
			SourceID:   ingestSourceID,
			SourceName: ingestSourceName,
			FieldName:  ingestField,
			Category:   ingestCategory,
			Value:      ingestValue,
			Provenance: ingestProv,
			Date:       ingestDate,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", outcome)
		return nil
	},
}

func init() {
	ingestCmd.Flags().Int64Var(&ingestPostID, "post", 0, "Subject post ID")
	ingestCmd.Flags().StringVar(&ingestSourceID, "source", "", "Subject source ID")
	ingestCmd.Flags().StringVar(&ingestSourceName, "source-name", "", "Display name for the source subject")
	ingestCmd.Flags().StringVar(&ingestField, "field", "", "Field name")
	ingestCmd.Flags().StringVar(&ingestCategory, "category", "", "Field category")
	ingestCmd.Flags().StringVar(&ingestValue, "value", "", "Raw field value")
	ingestCmd.Flags().StringVar(&ingestProv, "provenance", "manual", "Import source label")
	ingestCmd.Flags().StringVar(&ingestDate, "date", "", "Change date (RFC3339, defaults to now)")
}
