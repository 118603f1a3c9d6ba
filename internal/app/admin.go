package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/ingest"
	"github.com/hogmalmsmedia/ratewatch/internal/review"
	"github.com/hogmalmsmedia/ratewatch/internal/transfer"
)

// Import loads observations from a CSV or JSON file. The format is
// derived from the file extension unless given explicitly.
func (a *App) Import(ctx context.Context, path, format string) (transfer.Summary, error) {
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}

	f, err := os.Open(path)
	if err != nil {
		return transfer.Summary{}, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return transfer.Summary{}, err
	}
	defer closeStore()

	importer := transfer.NewImporter(a.buildIngester(store, nil), a.Logger)

	switch strings.ToLower(format) {
	case "csv":
		return importer.ImportCSV(ctx, f)
	case "json":
		return importer.ImportJSON(ctx, f)
	default:
		return transfer.Summary{}, fmt.Errorf("unsupported import format %q", format)
	}
}

// IngestOptions describes a single observation submitted from the CLI.
type IngestOptions struct {
	PostID     int64
	SourceID   string
	SourceName string
	FieldName  string
	Category   string
	Value      string
	Provenance string
	Date       string
}

// IngestOne records one raw observation and reports the outcome.
func (a *App) IngestOne(ctx context.Context, opts IngestOptions) (ingest.Outcome, error) {
	subject, err := subjectFrom(opts.PostID, opts.SourceID)
	if err != nil {
		return ingest.Rejected, err
	}
	if opts.SourceID != "" && opts.SourceName != "" {
		subject = history.SourceSubject(opts.SourceID, opts.SourceName)
	}

	var changeDate time.Time
	if opts.Date != "" {
		changeDate, err = time.Parse(time.RFC3339, opts.Date)
		if err != nil {
			return ingest.Rejected, fmt.Errorf("parse change date: %w", err)
		}
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return ingest.Rejected, err
	}
	defer closeStore()

	ing := a.buildIngester(store, nil)
	return ing.Ingest(ctx, ingest.Candidate{
		Subject:    subject,
		FieldName:  opts.FieldName,
		Category:   opts.Category,
		RawValue:   opts.Value,
		Provenance: opts.Provenance,
		ChangeDate: changeDate,
	})
}

// Validate accepts one pending observation, or all of them when id is
// zero.
func (a *App) Validate(ctx context.Context, id int64, reviewer, note string) (int64, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeStore()

	gate := review.NewGate(store, nil, a.Logger)
	if id > 0 {
		if err := gate.Validate(ctx, id, reviewer, note); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return gate.ValidateAll(ctx, reviewer, note)
}
