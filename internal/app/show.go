package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/storage"
)

// ShowOptions filters the recent-changes listing.
type ShowOptions struct {
	Limit            int
	Category         string
	FieldName        string
	Days             int
	PendingOnly      bool
	LatestPerSubject bool
}

// Show prints recent observations as an aligned table.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var observations []history.Observation
	if opts.PendingOnly {
		observations, err = store.Unvalidated(ctx, opts.Limit)
	} else {
		observations, err = store.Recent(ctx, storage.Filter{
			Category:         opts.Category,
			FieldName:        opts.FieldName,
			Days:             opts.Days,
			LatestPerSubject: opts.LatestPerSubject,
			Limit:            opts.Limit,
		})
	}
	if err != nil {
		return err
	}

	if len(observations) == 0 {
		fmt.Fprintln(out, "no observations recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBJECT\tFIELD\tOLD\tNEW\tDELTA\tTYPE\tVALIDATED\tDATE")
	for _, obs := range observations {
		oldValue := "-"
		if obs.OldValue != nil {
			oldValue = obs.OldValue.String()
		}
		delta := "-"
		if obs.ChangeAmount != nil {
			delta = obs.ChangeAmount.StringFixed(int32(obs.Decimals))
		}
		validated := "pending"
		if obs.IsValidated {
			validated = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			obs.ID,
			obs.Subject.Key(),
			obs.FieldName,
			oldValue,
			obs.NewValue.String(),
			delta,
			obs.ChangeType,
			validated,
			obs.ChangeDate.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

// HistoryOptions select one tracked series.
type HistoryOptions struct {
	PostID    int64
	SourceID  string
	FieldName string
	Days      int
	Count     int
}

// History prints one subject/field series as an aligned table, newest
// first.
func (a *App) History(ctx context.Context, out io.Writer, opts HistoryOptions) error {
	subject, err := subjectFrom(opts.PostID, opts.SourceID)
	if err != nil {
		return err
	}
	if opts.FieldName == "" {
		return fmt.Errorf("a field name is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var observations []history.Observation
	if opts.Count > 0 {
		observations, err = store.HistoryByCount(ctx, subject, opts.FieldName, opts.Count)
	} else {
		days := opts.Days
		if days <= 0 {
			days = 30
		}
		observations, err = store.HistoryByDays(ctx, subject, opts.FieldName, days)
	}
	if err != nil {
		return err
	}

	if len(observations) == 0 {
		fmt.Fprintf(out, "no observations recorded for %s/%s\n", subject.Key(), opts.FieldName)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tVALUE\tDELTA\tTYPE\tVALIDATED")
	for _, obs := range observations {
		delta := "-"
		if obs.ChangeAmount != nil {
			delta = obs.ChangeAmount.StringFixed(int32(obs.Decimals))
		}
		validated := "pending"
		if obs.IsValidated {
			validated = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			obs.ChangeDate.Format("2006-01-02 15:04"),
			obs.NewValue.String(),
			delta,
			obs.ChangeType,
			validated,
		)
	}
	return w.Flush()
}

// Stats prints aggregate counters for the stored history.
func (a *App) Stats(ctx context.Context, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.Statistics(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "total observations\t%d\n", stats.Total)
	fmt.Fprintf(w, "recorded today\t%d\n", stats.Today)
	fmt.Fprintf(w, "recorded this week\t%d\n", stats.ThisWeek)
	fmt.Fprintf(w, "pending review\t%d\n", stats.UnvalidatedCount)
	if len(stats.TopFields) > 0 {
		fmt.Fprintln(w, "\nmost active fields")
		for _, f := range stats.TopFields {
			fmt.Fprintf(w, "  %s\t%d\n", f.FieldName, f.Count)
		}
	}
	if len(stats.TopSubjects) > 0 {
		fmt.Fprintln(w, "\nmost active subjects")
		for _, s := range stats.TopSubjects {
			fmt.Fprintf(w, "  %s\t%d\n", s.SubjectKey, s.Count)
		}
	}
	return w.Flush()
}
