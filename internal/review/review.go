// Package review exposes the validation gate for flagged observations.
// Validation is one-way: pending rows become validated and stay there.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/metrics"
)

// Store is the slice of the history store the gate needs.
type Store interface {
	Validate(ctx context.Context, id int64, note string) error
	ValidateAll(ctx context.Context, note string) (int64, error)
	Unvalidated(ctx context.Context, limit int) ([]history.Observation, error)
}

// Flusher clears read caches after bulk mutations.
type Flusher interface {
	Flush()
}

// Gate wraps the store's validation operations with audit notes.
type Gate struct {
	store  Store
	values Flusher
	now    func() time.Time
	logger zerolog.Logger
}

// NewGate builds a review gate. values may be nil.
func NewGate(store Store, values Flusher, logger zerolog.Logger) *Gate {
	return &Gate{
		store:  store,
		values: values,
		now:    time.Now,
		logger: logger.With().Str("component", "review").Logger(),
	}
}

// Validate accepts one flagged observation, recording who validated and
// when alongside the free-text note.
func (g *Gate) Validate(ctx context.Context, id int64, reviewer, note string) error {
	if err := g.store.Validate(ctx, id, auditNote(g.now(), reviewer, note)); err != nil {
		return err
	}
	metrics.ObservationsValidated.Inc()
	g.logger.Info().Int64("id", id).Str("reviewer", reviewer).Msg("observation validated")
	return nil
}

// ValidateAll accepts every pending observation with a single bulk note;
// no per-row provenance is recorded.
func (g *Gate) ValidateAll(ctx context.Context, reviewer, note string) (int64, error) {
	if note == "" {
		note = "bulk validation"
	}
	count, err := g.store.ValidateAll(ctx, auditNote(g.now(), reviewer, note))
	if err != nil {
		return 0, err
	}
	metrics.ObservationsValidated.Add(float64(count))
	if g.values != nil {
		g.values.Flush()
	}
	g.logger.Info().Int64("count", count).Str("reviewer", reviewer).Msg("pending observations validated")
	return count, nil
}

// Pending lists observations awaiting review, newest first.
func (g *Gate) Pending(ctx context.Context, limit int) ([]history.Observation, error) {
	return g.store.Unvalidated(ctx, limit)
}

func auditNote(at time.Time, reviewer, note string) string {
	if reviewer == "" {
		reviewer = "system"
	}
	stamp := at.UTC().Format(time.RFC3339)
	if note == "" {
		return fmt.Sprintf("[%s %s] validated", stamp, reviewer)
	}
	return fmt.Sprintf("[%s %s] %s", stamp, reviewer, note)
}
