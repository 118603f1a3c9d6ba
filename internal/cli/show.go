package cli

import (
	"github.com/spf13/cobra"

	"github.com/hogmalmsmedia/ratewatch/internal/app"
)

var (
	showLimit    int
	showCategory string
	showField    string
	showDays     int
	showPending  bool
	showLatest   bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "List recent observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), app.ShowOptions{
			Limit:            showLimit,
			Category:         showCategory,
			FieldName:        showField,
			Days:             showDays,
			PendingOnly:      showPending,
			LatestPerSubject: showLatest,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Maximum rows to display")
	showCmd.Flags().StringVar(&showCategory, "category", "", "Filter by field category")
	showCmd.Flags().StringVar(&showField, "field", "", "Filter by field name")
	showCmd.Flags().IntVar(&showDays, "days", 0, "Only show observations from the last N days")
	showCmd.Flags().BoolVar(&showPending, "pending", false, "Only show observations awaiting review")
	showCmd.Flags().BoolVar(&showLatest, "latest", false, "Show only the latest observation per subject")
}
