// Package ingest decides whether an incoming observation represents a
// real change and persists it through the history store.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hogmalmsmedia/ratewatch/internal/cache"
	"github.com/hogmalmsmedia/ratewatch/internal/change"
	"github.com/hogmalmsmedia/ratewatch/internal/config"
	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/metrics"
	"github.com/hogmalmsmedia/ratewatch/internal/normalize"
)

// Outcome reports what an ingest call did.
type Outcome string

const (
	// Inserted means a new ledger row was written.
	Inserted Outcome = "inserted"
	// Skipped means the value matched the previous observation within
	// epsilon; success without a write.
	Skipped Outcome = "skipped"
	// Rejected means the input carried no usable value or an untracked
	// field; nothing was written.
	Rejected Outcome = "rejected"
)

// Store is the slice of the history store the ingester needs.
type Store interface {
	LatestObservation(ctx context.Context, subject history.Subject, field string) (*history.Observation, error)
	Insert(ctx context.Context, obs history.Observation) (int64, error)
	BatchInsert(ctx context.Context, observations []history.Observation) error
}

// FlagFunc is invoked when an inserted observation starts unvalidated.
type FlagFunc func(ctx context.Context, obs history.Observation)

// Candidate is one incoming observation before normalization.
type Candidate struct {
	Subject    history.Subject
	FieldName  string
	Category   string
	RawValue   string
	Provenance string
	// ChangeDate may backdate the observation; zero means now.
	ChangeDate time.Time
	Format     history.ValueFormat
	Suffix     string
	Decimals   int
}

// Ingester orchestrates normalizer, calculator, and store.
type Ingester struct {
	store    Store
	calc     *change.Calculator
	tracking config.TrackingConfig
	values   *cache.ValueCache
	onFlag   FlagFunc
	logger   zerolog.Logger
}

// New builds an Ingester. The tracking config is explicit; values may be
// nil to disable read caching and onFlag nil to disable review pushes.
func New(store Store, calc *change.Calculator, tracking config.TrackingConfig, values *cache.ValueCache, onFlag FlagFunc, logger zerolog.Logger) *Ingester {
	return &Ingester{
		store:    store,
		calc:     calc,
		tracking: tracking,
		values:   values,
		onFlag:   onFlag,
		logger:   logger.With().Str("component", "ingest").Logger(),
	}
}

// Ingest evaluates one candidate. It rejects untracked fields and
// non-numeric input, skips changes below epsilon, and otherwise inserts.
func (g *Ingester) Ingest(ctx context.Context, cand Candidate) (Outcome, error) {
	outcome, err := g.evaluate(ctx, cand, nil)
	metrics.IngestOutcomes.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

// evaluate runs the shared single-candidate pipeline. When prev is
// non-nil it overrides the store lookup (batch staging).
func (g *Ingester) evaluate(ctx context.Context, cand Candidate, prev *decimal.Decimal) (Outcome, error) {
	if !cand.Subject.Valid() || cand.FieldName == "" {
		return Rejected, nil
	}
	if !g.tracking.Tracks(cand.Category, cand.FieldName) {
		g.logger.Debug().
			Str("category", cand.Category).
			Str("field", cand.FieldName).
			Msg("field not tracked; candidate rejected")
		return Rejected, nil
	}

	value, ok := normalize.Value(cand.RawValue)
	if !ok {
		g.logger.Debug().
			Str("subject", cand.Subject.Key()).
			Str("field", cand.FieldName).
			Str("raw", cand.RawValue).
			Msg("value did not normalize; candidate rejected")
		return Rejected, nil
	}

	if prev == nil {
		latest, err := g.store.LatestObservation(ctx, cand.Subject, cand.FieldName)
		if err != nil {
			return Rejected, fmt.Errorf("lookup previous value: %w", err)
		}
		if latest != nil {
			previous := latest.NewValue
			prev = &previous
		}
	}

	if prev != nil && g.calc.WithinEpsilon(value, *prev) {
		return Skipped, nil
	}

	obs := g.buildObservation(cand, prev, value)
	id, err := g.store.Insert(ctx, obs)
	if err != nil {
		return Rejected, err
	}
	obs.ID = id

	if prev != nil {
		delta := value.Sub(*prev)
		if g.calc.IsLarge(delta) && g.onFlag != nil {
			obs.ChangeAmount = &delta
			obs.IsValidated = false
			g.onFlag(ctx, obs)
		}
	}

	if g.values != nil {
		g.values.Set(cache.Key(cand.Subject.Key(), cand.FieldName, string(obs.ValueFormat)), &value)
	}
	return Inserted, nil
}

func (g *Ingester) buildObservation(cand Candidate, prev *decimal.Decimal, value decimal.Decimal) history.Observation {
	format := cand.Format
	if format == "" {
		format = history.FormatPercentage
	}
	provenance := cand.Provenance
	if provenance == "" {
		provenance = "manual"
	}
	changeDate := cand.ChangeDate
	if changeDate.IsZero() {
		changeDate = time.Now().UTC()
	}
	return history.Observation{
		Subject:       cand.Subject,
		FieldName:     cand.FieldName,
		FieldCategory: cand.Category,
		OldValue:      prev,
		NewValue:      value,
		ImportSource:  provenance,
		ChangeDate:    changeDate,
		ValueFormat:   format,
		ValueSuffix:   cand.Suffix,
		Decimals:      cand.Decimals,
	}
}

// Batch accumulates candidates across many subjects and fields and
// flushes them as one multi-row insert at the end of an import run.
type Batch struct {
	g       *Ingester
	runID   string
	pending []history.Observation
	staged  map[string]decimal.Decimal
}

// NewBatch starts an import run tagged with a fresh run id.
func (g *Ingester) NewBatch() *Batch {
	return &Batch{
		g:      g,
		runID:  uuid.New().String(),
		staged: make(map[string]decimal.Decimal),
	}
}

// RunID returns the import-run identifier stamped on every row.
func (b *Batch) RunID() string { return b.runID }

// Add evaluates a candidate against the store and anything staged earlier
// in this run, queuing real changes for the flush.
func (b *Batch) Add(ctx context.Context, cand Candidate) (Outcome, error) {
	if !cand.Subject.Valid() || cand.FieldName == "" {
		metrics.IngestOutcomes.WithLabelValues(string(Rejected)).Inc()
		return Rejected, nil
	}
	if !b.g.tracking.Tracks(cand.Category, cand.FieldName) {
		metrics.IngestOutcomes.WithLabelValues(string(Rejected)).Inc()
		return Rejected, nil
	}

	value, ok := normalize.Value(cand.RawValue)
	if !ok {
		metrics.IngestOutcomes.WithLabelValues(string(Rejected)).Inc()
		return Rejected, nil
	}

	key := cache.Key(cand.Subject.Key(), cand.FieldName, "")
	var prev *decimal.Decimal
	if staged, ok := b.staged[key]; ok {
		prev = &staged
	} else {
		latest, err := b.g.store.LatestObservation(ctx, cand.Subject, cand.FieldName)
		if err != nil {
			return Rejected, fmt.Errorf("lookup previous value: %w", err)
		}
		if latest != nil {
			previous := latest.NewValue
			prev = &previous
		}
	}

	if prev != nil && b.g.calc.WithinEpsilon(value, *prev) {
		metrics.IngestOutcomes.WithLabelValues(string(Skipped)).Inc()
		return Skipped, nil
	}

	if cand.Provenance == "" {
		cand.Provenance = "import"
	}
	cand.Provenance = fmt.Sprintf("%s:%s", cand.Provenance, b.runID)

	b.pending = append(b.pending, b.g.buildObservation(cand, prev, value))
	b.staged[key] = value
	metrics.IngestOutcomes.WithLabelValues(string(Inserted)).Inc()
	return Inserted, nil
}

// Flush writes every queued observation in one all-or-nothing statement,
// hands rows with a large delta to the review hook, and flushes the read
// cache. Returns how many rows were written.
func (b *Batch) Flush(ctx context.Context) (int, error) {
	if len(b.pending) == 0 {
		return 0, nil
	}
	if err := b.g.store.BatchInsert(ctx, b.pending); err != nil {
		return 0, err
	}
	flushed := b.pending
	b.pending = nil
	b.staged = make(map[string]decimal.Decimal)

	if b.g.onFlag != nil {
		for _, obs := range flushed {
			if obs.OldValue == nil {
				continue
			}
			delta := obs.NewValue.Sub(*obs.OldValue)
			if !b.g.calc.IsLarge(delta) {
				continue
			}
			obs.ChangeAmount = &delta
			obs.IsValidated = false
			b.g.onFlag(ctx, obs)
		}
	}

	if b.g.values != nil {
		b.g.values.Flush()
	}
	b.g.logger.Info().Int("rows", len(flushed)).Str("run_id", b.runID).Msg("import batch flushed")
	return len(flushed), nil
}
