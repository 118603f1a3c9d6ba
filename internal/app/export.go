package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hogmalmsmedia/ratewatch/internal/chart"
	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/transfer"
)

// ExportOptions selects the series and output form for an export.
type ExportOptions struct {
	PostID    int64
	SourceID  string
	FieldName string
	Days      int
	Count     int
	Format    string
	Output    string
	MaxPoints int
	Title     string
}

// Export writes the change history of one subject/field series to a
// file as CSV, JSON, or a rendered PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	subject, err := subjectFrom(opts.PostID, opts.SourceID)
	if err != nil {
		return err
	}
	if opts.FieldName == "" {
		return fmt.Errorf("field name is required")
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
		return fmt.Errorf("no observations recorded for %s/%s", subject.Key(), opts.FieldName)
	}

	out, closeOut, err := openOutput(opts.Output)
	if err != nil {
		return err
	}
	defer closeOut()

	switch strings.ToLower(opts.Format) {
	case "csv", "":
		err = transfer.WriteCSV(out, observations)
	case "json":
		err = transfer.WriteJSON(out, observations)
	case "png":
		title := opts.Title
		if title == "" {
			title = fmt.Sprintf("%s %s", subject.Key(), opts.FieldName)
		}
		points := chart.Downsample(observations, a.Config.ResolveMaxPoints(opts.MaxPoints))
		err = chart.RenderPNG(out, title, points)
	default:
		err = fmt.Errorf("unsupported export format %q", opts.Format)
	}
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("subject", subject.Key()).
		Str("field", opts.FieldName).
		Int("rows", len(observations)).
		Str("output", opts.Output).
		Msg("export completed")
	return nil
}

func subjectFrom(postID int64, sourceID string) (history.Subject, error) {
	switch {
	case postID > 0 && sourceID != "":
		return history.Subject{}, fmt.Errorf("post and source are mutually exclusive")
	case postID > 0:
		return history.PostSubject(postID), nil
	case sourceID != "":
		return history.SourceSubject(sourceID, ""), nil
	default:
		return history.Subject{}, fmt.Errorf("either a post id or a source id is required")
	}
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
