package cli

import (
	"github.com/spf13/cobra"

	"github.com/hogmalmsmedia/ratewatch/internal/app"
)

var (
	exportPostID    int64
	exportSourceID  string
	exportField     string
	exportDays      int
	exportCount     int
	exportFormat    string
	exportOutput    string
	exportMaxPoints int
	exportTitle     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export one change-history series as CSV, JSON, or a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			PostID:    exportPostID,
			SourceID:  exportSourceID,
			FieldName: exportField,
			Days:      exportDays,
			Count:     exportCount,
			Format:    exportFormat,
			Output:    exportOutput,
			MaxPoints: exportMaxPoints,
			Title:     exportTitle,
		})
	},
}

func init() {
	exportCmd.Flags().Int64Var(&exportPostID, "post", 0, "Subject post ID")
	exportCmd.Flags().StringVar(&exportSourceID, "source", "", "Subject source ID")
	exportCmd.Flags().StringVar(&exportField, "field", "", "Field name to export")
	exportCmd.Flags().IntVar(&exportDays, "days", 0, "History window in days (default 30)")
	exportCmd.Flags().IntVar(&exportCount, "count", 0, "Export the newest N observations instead of a day window")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "Output format: csv, json, or png")
	exportCmd.Flags().StringVar(&exportOutput, "output", "-", "Output file path (- for stdout)")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum chart data points (defaults to config)")
	exportCmd.Flags().StringVar(&exportTitle, "title", "", "Chart title for PNG output")
}
