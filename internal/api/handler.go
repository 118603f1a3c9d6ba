// Package api exposes the history store over HTTP as JSON with a uniform
// {success, data|message} envelope. Auth is a host concern, not handled
// here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hogmalmsmedia/ratewatch/internal/cache"
	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/ingest"
	"github.com/hogmalmsmedia/ratewatch/internal/metrics"
	"github.com/hogmalmsmedia/ratewatch/internal/normalize"
	"github.com/hogmalmsmedia/ratewatch/internal/review"
	"github.com/hogmalmsmedia/ratewatch/internal/storage"
	"github.com/hogmalmsmedia/ratewatch/internal/transfer"
)

const maxBatchSize = 1000

// Deps aggregates handler dependencies.
type Deps struct {
	Store          storage.ObservationStore
	Sources        storage.SourceStore
	Ingester       *ingest.Ingester
	Gate           *review.Gate
	Values         *cache.ValueCache
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// Handler serves the REST surface.
type Handler struct {
	deps   Deps
	logger zerolog.Logger
}

// NewRouter builds the chi router with all routes registered.
func NewRouter(deps Deps) http.Handler {
	h := &Handler{deps: deps, logger: deps.Logger.With().Str("component", "api").Logger()}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(h.durationMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/observations", h.listObservations)
		r.Post("/observations", h.createObservation)
		r.Post("/observations/batch", h.batchObservations)
		r.Get("/observations/unvalidated", h.listUnvalidated)
		r.Post("/observations/validate-all", h.validateAll)
		r.Get("/observations/{id}", h.getObservation)
		r.Put("/observations/{id}", h.updateObservation)
		r.Delete("/observations/{id}", h.deleteObservation)
		r.Post("/observations/{id}/validate", h.validateObservation)

		r.Get("/history", h.history)
		r.Get("/latest", h.latest)
		r.Get("/statistics", h.statistics)

		r.Get("/sources", h.listSources)
		r.Post("/sources", h.upsertSource)
		r.Get("/sources/{id}", h.getSource)
		r.Delete("/sources/{id}", h.deleteSource)

		r.Post("/import", h.importObservations)
		r.Get("/export", h.exportObservations)

		r.Post("/cache/flush", h.flushCache)
	})

	return r
}

func (h *Handler) durationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.HTTPDuration.WithLabelValues(r.Method, route).
			Observe(float64(time.Since(start).Milliseconds()))
	})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrInvalidObservation):
		writeMessage(w, http.StatusBadRequest, "missing required fields")
	default:
		h.logger.Error().Err(err).Msg("storage operation failed")
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// parseSubjectQuery resolves ?post_id= / ?source_id= into a Subject.
func parseSubjectQuery(r *http.Request) (history.Subject, error) {
	postRaw := r.URL.Query().Get("post_id")
	sourceID := r.URL.Query().Get("source_id")

	switch {
	case postRaw != "" && sourceID == "":
		postID, err := strconv.ParseInt(postRaw, 10, 64)
		if err != nil || postID <= 0 {
			return history.Subject{}, errAmbiguousSubject
		}
		return history.PostSubject(postID), nil
	case postRaw == "" && sourceID != "":
		return history.SourceSubject(sourceID, ""), nil
	default:
		return history.Subject{}, errAmbiguousSubject
	}
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func (h *Handler) listObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.Filter{
		Category:         q.Get("category"),
		FieldName:        q.Get("field"),
		Days:             queryInt(r, "days"),
		ValidatedOnly:    q.Get("validated_only") == "true",
		ExcludeSources:   q.Get("exclude_sources") == "true",
		LatestPerSubject: q.Get("latest_per_subject") == "true",
		Limit:            queryInt(r, "limit"),
	}

	observations, err := h.deps.Store.Recent(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, toDTOs(observations))
}

func (h *Handler) createObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	subject, err := req.subject()
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	changeDate, err := req.changeDate()
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "change_date must be RFC3339")
		return
	}

	outcome, err := h.deps.Ingester.Ingest(r.Context(), ingest.Candidate{
		Subject:    subject,
		FieldName:  req.FieldName,
		Category:   req.Category,
		RawValue:   req.Value,
		Provenance: req.Provenance,
		ChangeDate: changeDate,
		Format:     history.ValueFormat(req.Format),
		Suffix:     req.Suffix,
		Decimals:   req.Decimals,
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	status := http.StatusCreated
	if outcome != ingest.Inserted {
		status = http.StatusOK
	}
	writeData(w, status, map[string]string{"outcome": string(outcome)})
}

func (h *Handler) batchObservations(w http.ResponseWriter, r *http.Request) {
	var reqs []observationRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(reqs) == 0 || len(reqs) > maxBatchSize {
		writeMessage(w, http.StatusBadRequest, "batch must contain between 1 and 1000 records")
		return
	}

	batch := h.deps.Ingester.NewBatch()
	outcomes := make(map[string]int)
	for _, req := range reqs {
		subject, err := req.subject()
		if err != nil {
			outcomes[string(ingest.Rejected)]++
			continue
		}
		changeDate, err := req.changeDate()
		if err != nil {
			outcomes[string(ingest.Rejected)]++
			continue
		}
		outcome, err := batch.Add(r.Context(), ingest.Candidate{
			Subject:    subject,
			FieldName:  req.FieldName,
			Category:   req.Category,
			RawValue:   req.Value,
			Provenance: req.Provenance,
			ChangeDate: changeDate,
			Format:     history.ValueFormat(req.Format),
			Suffix:     req.Suffix,
			Decimals:   req.Decimals,
		})
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		outcomes[string(outcome)]++
	}

	inserted, err := batch.Flush(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"run_id":   batch.RunID(),
		"inserted": inserted,
		"outcomes": outcomes,
	})
}

func (h *Handler) getObservation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	obs, err := h.deps.Store.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, toDTO(*obs))
}

type updateRequest struct {
	OldValue        *string `json:"old_value"`
	NewValue        *string `json:"new_value"`
	ChangeDate      *string `json:"change_date"`
	IsValidated     *bool   `json:"is_validated"`
	ValidationNotes *string `json:"validation_notes"`
	ImportSource    *string `json:"import_source"`
}

func (h *Handler) updateObservation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var patch storage.Patch
	if req.OldValue != nil {
		value, ok := normalize.Value(*req.OldValue)
		if !ok {
			writeMessage(w, http.StatusBadRequest, "old_value is not numeric")
			return
		}
		patch.OldValue = &value
	}
	if req.NewValue != nil {
		value, ok := normalize.Value(*req.NewValue)
		if !ok {
			writeMessage(w, http.StatusBadRequest, "new_value is not numeric")
			return
		}
		patch.NewValue = &value
	}
	if req.ChangeDate != nil {
		at, parseErr := time.Parse(time.RFC3339, *req.ChangeDate)
		if parseErr != nil {
			writeMessage(w, http.StatusBadRequest, "change_date must be RFC3339")
			return
		}
		patch.ChangeDate = &at
	}
	patch.IsValidated = req.IsValidated
	patch.ValidationNotes = req.ValidationNotes
	patch.ImportSource = req.ImportSource

	if err := h.deps.Store.Update(r.Context(), id, patch); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "updated")
}

func (h *Handler) deleteObservation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	existed, err := h.deps.Store.Delete(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if !existed {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeMessage(w, http.StatusOK, "deleted")
}

type validateRequest struct {
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

func (h *Handler) validateObservation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req validateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := h.deps.Gate.Validate(r.Context(), id, req.Reviewer, req.Note); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "validated")
}

func (h *Handler) validateAll(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	count, err := h.deps.Gate.ValidateAll(r.Context(), req.Reviewer, req.Note)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"validated": count})
}

func (h *Handler) listUnvalidated(w http.ResponseWriter, r *http.Request) {
	observations, err := h.deps.Gate.Pending(r.Context(), queryInt(r, "limit"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, toDTOs(observations))
}

// history serves either the day-window or the row-count variant; the two
// are explicit parameters, never inferred from magnitude.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	subject, err := parseSubjectQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	field := r.URL.Query().Get("field")
	if field == "" {
		writeMessage(w, http.StatusBadRequest, "field is required")
		return
	}

	days := queryInt(r, "days")
	count := queryInt(r, "count")
	if days > 0 && count > 0 {
		writeMessage(w, http.StatusBadRequest, "specify either days or count, not both")
		return
	}

	var observations []history.Observation
	if count > 0 {
		observations, err = h.deps.Store.HistoryByCount(r.Context(), subject, field, count)
	} else {
		if days <= 0 {
			days = 30
		}
		observations, err = h.deps.Store.HistoryByDays(r.Context(), subject, field, days)
	}
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, toDTOs(observations))
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	subject, err := parseSubjectQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	field := r.URL.Query().Get("field")
	if field == "" {
		writeMessage(w, http.StatusBadRequest, "field is required")
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = string(history.FormatPercentage)
	}

	key := cache.Key(subject.Key(), field, format)
	if value, hit := h.deps.Values.Get(key); hit {
		writeData(w, http.StatusOK, latestPayload(value, true))
		return
	}

	value, err := h.deps.Store.LatestValue(r.Context(), subject, field)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.deps.Values.Set(key, value)
	writeData(w, http.StatusOK, latestPayload(value, false))
}

func latestPayload(value *decimal.Decimal, cached bool) map[string]any {
	payload := map[string]any{"cached": cached}
	if value == nil {
		payload["value"] = nil
	} else {
		payload["value"] = value.String()
	}
	return payload
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Store.Statistics(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, toStatisticsDTO(stats))
}

func (h *Handler) listSources(w http.ResponseWriter, r *http.Request) {
	defs, err := h.deps.Sources.ListSources(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	dtos := make([]sourceDTO, 0, len(defs))
	for _, def := range defs {
		dtos = append(dtos, toSourceDTO(def))
	}
	writeData(w, http.StatusOK, dtos)
}

func (h *Handler) upsertSource(w http.ResponseWriter, r *http.Request) {
	var dto sourceDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.deps.Sources.UpsertSource(r.Context(), fromSourceDTO(dto)); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "saved")
}

func (h *Handler) getSource(w http.ResponseWriter, r *http.Request) {
	def, err := h.deps.Sources.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if def == nil {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeData(w, http.StatusOK, toSourceDTO(*def))
}

func (h *Handler) deleteSource(w http.ResponseWriter, r *http.Request) {
	existed, err := h.deps.Sources.DeleteSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if !existed {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeMessage(w, http.StatusOK, "deleted")
}

// importObservations accepts a CSV upload or a JSON array body; the
// format comes from ?format= or falls back to the Content-Type.
func (h *Handler) importObservations(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		if strings.Contains(r.Header.Get("Content-Type"), "csv") {
			format = "csv"
		} else {
			format = "json"
		}
	}

	importer := transfer.NewImporter(h.deps.Ingester, h.logger)
	var (
		summary transfer.Summary
		err     error
	)
	switch format {
	case "csv":
		summary, err = importer.ImportCSV(r.Context(), r.Body)
	case "json":
		summary, err = importer.ImportJSON(r.Context(), r.Body)
	default:
		writeMessage(w, http.StatusBadRequest, "format must be csv or json")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("format", format).Msg("import failed")
		writeMessage(w, http.StatusBadRequest, "import failed: "+err.Error())
		return
	}
	writeData(w, http.StatusOK, summary)
}

// exportObservations streams a (subject, field) history as a CSV
// download or a JSON array. Same window rules as the history endpoint.
func (h *Handler) exportObservations(w http.ResponseWriter, r *http.Request) {
	subject, err := parseSubjectQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	field := r.URL.Query().Get("field")
	if field == "" {
		writeMessage(w, http.StatusBadRequest, "field is required")
		return
	}

	days := queryInt(r, "days")
	count := queryInt(r, "count")
	if days > 0 && count > 0 {
		writeMessage(w, http.StatusBadRequest, "specify either days or count, not both")
		return
	}

	var observations []history.Observation
	if count > 0 {
		observations, err = h.deps.Store.HistoryByCount(r.Context(), subject, field, count)
	} else {
		if days <= 0 {
			days = 30
		}
		observations, err = h.deps.Store.HistoryByDays(r.Context(), subject, field, days)
	}
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "json":
		w.Header().Set("Content-Type", "application/json")
		if err := transfer.WriteJSON(w, observations); err != nil {
			h.logger.Error().Err(err).Msg("json export failed")
		}
	case "csv", "":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="observations.csv"`)
		if err := transfer.WriteCSV(w, observations); err != nil {
			h.logger.Error().Err(err).Msg("csv export failed")
		}
	default:
		writeMessage(w, http.StatusBadRequest, "format must be csv or json")
	}
}

func (h *Handler) flushCache(w http.ResponseWriter, _ *http.Request) {
	h.deps.Values.Flush()
	metrics.CacheFlushes.Inc()
	writeMessage(w, http.StatusOK, "cache flushed")
}
