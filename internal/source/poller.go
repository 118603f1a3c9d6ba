// Package source polls external value streams and feeds them into the
// ingestion pipeline as scheduled syncs.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/ingest"
	"github.com/hogmalmsmedia/ratewatch/internal/metrics"
)

const syncProvenance = "scheduled_sync"

// Options parameterise the poller.
type Options struct {
	Timeout   time.Duration
	UserAgent string
}

// SourceLister provides the enabled source definitions to poll.
type SourceLister interface {
	ListSources(ctx context.Context, enabledOnly bool) ([]history.SourceDefinition, error)
}

// Ingestor accepts the polled values.
type Ingestor interface {
	Ingest(ctx context.Context, cand ingest.Candidate) (ingest.Outcome, error)
}

// Poller fetches each enabled source's current value over HTTP and runs
// it through ingestion. One bad source never aborts the sweep.
type Poller struct {
	sources SourceLister
	ingest  Ingestor
	client  *http.Client
	opts    Options
	logger  zerolog.Logger
}

// NewPoller constructs a Poller.
func NewPoller(sources SourceLister, ing Ingestor, opts Options, logger zerolog.Logger) *Poller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Poller{
		sources: sources,
		ingest:  ing,
		client:  &http.Client{Timeout: timeout},
		opts:    opts,
		logger:  logger.With().Str("component", "source_poller").Logger(),
	}
}

// PollAll sweeps every enabled source once. Returns the number of sources
// that produced an inserted observation.
func (p *Poller) PollAll(ctx context.Context) (int, error) {
	defs, err := p.sources.ListSources(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list enabled sources: %w", err)
	}

	inserted := 0
	for _, def := range defs {
		select {
		case <-ctx.Done():
			return inserted, ctx.Err()
		default:
		}

		outcome, pollErr := p.pollOne(ctx, def)
		if pollErr != nil {
			metrics.SourceSyncs.WithLabelValues("error").Inc()
			p.logger.Error().Err(pollErr).Str("source", def.ID).Msg("source poll failed")
			continue
		}
		metrics.SourceSyncs.WithLabelValues("ok").Inc()
		if outcome == ingest.Inserted {
			inserted++
		}
	}
	return inserted, nil
}

func (p *Poller) pollOne(ctx context.Context, def history.SourceDefinition) (ingest.Outcome, error) {
	if def.PollURL == "" {
		return ingest.Rejected, errors.New("source has no poll url")
	}

	raw, err := p.fetchValue(ctx, def)
	if err != nil {
		return ingest.Rejected, err
	}

	cand := ingest.Candidate{
		Subject:    history.SourceSubject(def.ID, def.DisplayName),
		FieldName:  def.FieldName,
		Category:   def.Category,
		RawValue:   raw,
		Provenance: syncProvenance,
		Format:     def.Format,
		Suffix:     def.Suffix,
		Decimals:   def.Decimals,
	}
	return p.ingest.Ingest(ctx, cand)
}

// fetchValue GETs the source endpoint and extracts the configured JSON
// key as a raw string; normalization happens downstream.
func (p *Poller) fetchValue(ctx context.Context, def history.SourceDefinition) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, def.PollURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ratewatch/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, def.PollURL)
	}

	if def.PollJSONKey == "" {
		return strings.TrimSpace(string(body)), nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode source payload: %w", err)
	}
	value, ok := payload[def.PollJSONKey]
	if !ok {
		return "", fmt.Errorf("key %q missing in source payload", def.PollJSONKey)
	}

	var asString string
	if err := json.Unmarshal(value, &asString); err == nil {
		return asString, nil
	}
	return strings.TrimSpace(string(value)), nil
}
