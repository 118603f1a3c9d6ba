package cli

import (
	"github.com/spf13/cobra"

	"github.com/hogmalmsmedia/ratewatch/internal/app"
)

var (
	historyPost   int64
	historySource string
	historyField  string
	historyDays   int
	historyCount  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the recorded series for one subject and field",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().History(cmd.Context(), cmd.OutOrStdout(), app.HistoryOptions{
			PostID:    historyPost,
			SourceID:  historySource,
			FieldName: historyField,
			Days:      historyDays,
			Count:     historyCount,
		})
	},
}

func init() {
	historyCmd.Flags().Int64Var(&historyPost, "post", 0, "Post id of the subject")
	historyCmd.Flags().StringVar(&historySource, "source", "", "Source id of the subject")
	historyCmd.Flags().StringVar(&historyField, "field", "", "Field name to display")
	historyCmd.Flags().IntVar(&historyDays, "days", 0, "Window as a day count (default 30)")
	historyCmd.Flags().IntVar(&historyCount, "count", 0, "Window as a row count instead of days")
}
