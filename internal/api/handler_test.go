package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hogmalmsmedia/ratewatch/internal/cache"
	"github.com/hogmalmsmedia/ratewatch/internal/change"
	"github.com/hogmalmsmedia/ratewatch/internal/config"
	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/ingest"
	"github.com/hogmalmsmedia/ratewatch/internal/review"
	"github.com/hogmalmsmedia/ratewatch/internal/storage"
	"github.com/hogmalmsmedia/ratewatch/internal/transfer"
)

// fakeLedger is an in-memory stand-in for the postgres store.
type fakeLedger struct {
	nextID       int64
	observations []history.Observation
	sources      map[string]history.SourceDefinition
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{sources: make(map[string]history.SourceDefinition)}
}

func (f *fakeLedger) Insert(_ context.Context, obs history.Observation) (int64, error) {
	if !obs.Subject.Valid() || obs.FieldName == "" {
		return 0, storage.ErrInvalidObservation
	}
	f.nextID++
	obs.ID = f.nextID
	if obs.ChangeType == "" {
		if obs.OldValue == nil {
			obs.ChangeType = history.ChangeInitial
		} else {
			obs.ChangeType = history.ChangeUpdate
		}
	}
	f.observations = append(f.observations, obs)
	return obs.ID, nil
}

func (f *fakeLedger) BatchInsert(ctx context.Context, observations []history.Observation) error {
	for _, obs := range observations {
		if _, err := f.Insert(ctx, obs); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLedger) Update(_ context.Context, id int64, patch storage.Patch) error {
	for i := range f.observations {
		if f.observations[i].ID != id {
			continue
		}
		if patch.NewValue != nil {
			f.observations[i].NewValue = *patch.NewValue
		}
		if patch.IsValidated != nil {
			f.observations[i].IsValidated = *patch.IsValidated
		}
		return nil
	}
	return storage.ErrNotFound
}

func (f *fakeLedger) Get(_ context.Context, id int64) (*history.Observation, error) {
	for i := range f.observations {
		if f.observations[i].ID == id {
			obs := f.observations[i]
			return &obs, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeLedger) LatestObservation(_ context.Context, subject history.Subject, field string) (*history.Observation, error) {
	for i := len(f.observations) - 1; i >= 0; i-- {
		obs := f.observations[i]
		if obs.Subject.Key() == subject.Key() && obs.FieldName == field {
			return &obs, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) LatestValue(ctx context.Context, subject history.Subject, field string) (*decimal.Decimal, error) {
	obs, err := f.LatestObservation(ctx, subject, field)
	if err != nil || obs == nil {
		return nil, err
	}
	value := obs.NewValue
	return &value, nil
}

func (f *fakeLedger) HistoryByDays(_ context.Context, subject history.Subject, field string, _ int) ([]history.Observation, error) {
	return f.series(subject, field), nil
}

func (f *fakeLedger) HistoryByCount(_ context.Context, subject history.Subject, field string, limit int) ([]history.Observation, error) {
	series := f.series(subject, field)
	if len(series) > limit {
		series = series[:limit]
	}
	return series, nil
}

func (f *fakeLedger) series(subject history.Subject, field string) []history.Observation {
	matched := make([]history.Observation, 0)
	for i := len(f.observations) - 1; i >= 0; i-- {
		obs := f.observations[i]
		if obs.Subject.Key() == subject.Key() && obs.FieldName == field {
			matched = append(matched, obs)
		}
	}
	return matched
}

func (f *fakeLedger) Recent(_ context.Context, filter storage.Filter) ([]history.Observation, error) {
	matched := make([]history.Observation, 0)
	for i := len(f.observations) - 1; i >= 0; i-- {
		obs := f.observations[i]
		if filter.Category != "" && obs.FieldCategory != filter.Category {
			continue
		}
		matched = append(matched, obs)
	}
	return matched, nil
}

func (f *fakeLedger) Unvalidated(_ context.Context, _ int) ([]history.Observation, error) {
	matched := make([]history.Observation, 0)
	for _, obs := range f.observations {
		if !obs.IsValidated {
			matched = append(matched, obs)
		}
	}
	return matched, nil
}

func (f *fakeLedger) Delete(_ context.Context, id int64) (bool, error) {
	for i := range f.observations {
		if f.observations[i].ID == id {
			f.observations = append(f.observations[:i], f.observations[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) Statistics(_ context.Context) (history.Statistics, error) {
	return history.Statistics{Total: int64(len(f.observations))}, nil
}

func (f *fakeLedger) Validate(_ context.Context, id int64, note string) error {
	for i := range f.observations {
		if f.observations[i].ID == id {
			f.observations[i].IsValidated = true
			f.observations[i].ValidationNotes = note
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeLedger) ValidateAll(_ context.Context, note string) (int64, error) {
	var count int64
	for i := range f.observations {
		if !f.observations[i].IsValidated {
			f.observations[i].IsValidated = true
			f.observations[i].ValidationNotes = note
			count++
		}
	}
	return count, nil
}

func (f *fakeLedger) ListSources(_ context.Context, enabledOnly bool) ([]history.SourceDefinition, error) {
	defs := make([]history.SourceDefinition, 0)
	for _, def := range f.sources {
		if enabledOnly && !def.Enabled {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (f *fakeLedger) GetSource(_ context.Context, id string) (*history.SourceDefinition, error) {
	def, ok := f.sources[id]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (f *fakeLedger) UpsertSource(_ context.Context, def history.SourceDefinition) error {
	if def.ID == "" || def.DisplayName == "" {
		return storage.ErrInvalidObservation
	}
	f.sources[def.ID] = def
	return nil
}

func (f *fakeLedger) DeleteSource(_ context.Context, id string) (bool, error) {
	if _, ok := f.sources[id]; !ok {
		return false, nil
	}
	delete(f.sources, id)
	return true, nil
}

type envelopeBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func newTestRouter(t *testing.T) (http.Handler, *fakeLedger) {
	t.Helper()
	ledger := newFakeLedger()
	tracking := config.TrackingConfig{
		Epsilon: 0.0001,
		LargeChange: config.LargeChangeConfig{
			Threshold: 0.5,
			Unit:      config.UnitPoints,
		},
	}
	values := cache.New(time.Minute)
	calc := change.NewCalculator(tracking)
	ing := ingest.New(ledger, calc, tracking, values, nil, zerolog.Nop())
	gate := review.NewGate(ledger, values, zerolog.Nop())

	router := NewRouter(Deps{
		Store:    ledger,
		Sources:  ledger,
		Ingester: ing,
		Gate:     gate,
		Values:   values,
		Logger:   zerolog.Nop(),
	})
	return router, ledger
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelopeBody) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelopeBody
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, env := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestCreateObservation(t *testing.T) {
	router, ledger := newTestRouter(t)

	rec, env := doJSON(t, router, http.MethodPost, "/api/v1/observations", map[string]any{
		"post_id":    42,
		"field_name": "interest_rate",
		"value":      "3,95%",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), "inserted")
	require.Len(t, ledger.observations, 1)
	assert.Equal(t, "3.95", ledger.observations[0].NewValue.String())

	// Resubmitting the same value is a no-op, not an error.
	rec, env = doJSON(t, router, http.MethodPost, "/api/v1/observations", map[string]any{
		"post_id":    42,
		"field_name": "interest_rate",
		"value":      "3.95",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), "skipped")
	assert.Len(t, ledger.observations, 1)
}

func TestCreateObservationAmbiguousSubject(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, env := doJSON(t, router, http.MethodPost, "/api/v1/observations", map[string]any{
		"post_id":    42,
		"source_id":  "riksbank",
		"field_name": "interest_rate",
		"value":      "3.95",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)

	rec, _ = doJSON(t, router, http.MethodPost, "/api/v1/observations", map[string]any{
		"field_name": "interest_rate",
		"value":      "3.95",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchObservations(t *testing.T) {
	router, ledger := newTestRouter(t)

	rec, env := doJSON(t, router, http.MethodPost, "/api/v1/observations/batch", []map[string]any{
		{"post_id": 1, "field_name": "interest_rate", "value": "3.95"},
		{"post_id": 1, "field_name": "interest_rate", "value": "3,95"},
		{"post_id": 2, "field_name": "interest_rate", "value": "4.10"},
		{"post_id": 3, "field_name": "interest_rate", "value": "N/A"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		RunID    string         `json:"run_id"`
		Inserted int            `json:"inserted"`
		Outcomes map[string]int `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Outcomes["skipped"])
	assert.Equal(t, 1, result.Outcomes["rejected"])
	assert.Len(t, ledger.observations, 2)
}

func TestBatchObservationsEmpty(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/observations/batch", []map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetObservationNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, env := doJSON(t, router, http.MethodGet, "/api/v1/observations/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
}

func TestHistoryRequiresExplicitWindow(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, _ := doJSON(t, router, http.MethodGet, "/api/v1/history?post_id=42&field=interest_rate&days=30&count=10", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/v1/history?field=interest_rate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/v1/history?post_id=42&source_id=riksbank&field=interest_rate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryReturnsSeries(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, value := range []string{"3.95", "4.20", "4.45"} {
		rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/observations", map[string]any{
			"post_id":    42,
			"field_name": "interest_rate",
			"value":      value,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, env := doJSON(t, router, http.MethodGet, "/api/v1/history?post_id=42&field=interest_rate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dtos []observationDTO
	require.NoError(t, json.Unmarshal(env.Data, &dtos))
	require.Len(t, dtos, 3)
	assert.Equal(t, "4.45", dtos[0].NewValue, "newest first")

	rec, env = doJSON(t, router, http.MethodGet, "/api/v1/history?post_id=42&field=interest_rate&count=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &dtos))
	assert.Len(t, dtos, 2)
}

func TestLatestUsesCache(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/observations", map[string]any{
		"post_id":    42,
		"field_name": "interest_rate",
		"value":      "3.95",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Ingest already populated the cache, so the first read is a hit.
	rec, env := doJSON(t, router, http.MethodGet, "/api/v1/latest?post_id=42&field=interest_rate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Value  *string `json:"value"`
		Cached bool    `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.NotNil(t, payload.Value)
	assert.Equal(t, "3.95", *payload.Value)
	assert.True(t, payload.Cached)
}

func TestLatestUnknownKey(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, env := doJSON(t, router, http.MethodGet, "/api/v1/latest?post_id=7&field=interest_rate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Value  *string `json:"value"`
		Cached bool    `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Nil(t, payload.Value)
	assert.False(t, payload.Cached)
}

func TestValidateObservation(t *testing.T) {
	router, ledger := newTestRouter(t)
	old := decimal.RequireFromString("3.95")
	id, err := ledger.Insert(context.Background(), history.Observation{
		Subject:     history.PostSubject(42),
		FieldName:   "interest_rate",
		OldValue:    &old,
		NewValue:    decimal.RequireFromString("5.00"),
		IsValidated: false,
	})
	require.NoError(t, err)

	rec, env := doJSON(t, router, http.MethodPost, "/api/v1/observations/1/validate", map[string]any{
		"reviewer": "anna",
		"note":     "confirmed against source",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	obs, err := ledger.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, obs.IsValidated)
	assert.Contains(t, obs.ValidationNotes, "anna")
	assert.Contains(t, obs.ValidationNotes, "confirmed against source")
}

func TestValidateAllEndpoint(t *testing.T) {
	router, ledger := newTestRouter(t)
	for i := int64(1); i <= 3; i++ {
		_, err := ledger.Insert(context.Background(), history.Observation{
			Subject:   history.PostSubject(i),
			FieldName: "interest_rate",
			NewValue:  decimal.RequireFromString("5.00"),
		})
		require.NoError(t, err)
	}

	rec, env := doJSON(t, router, http.MethodPost, "/api/v1/observations/validate-all", map[string]any{
		"reviewer": "anna",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), "validated")
}

func TestDeleteObservation(t *testing.T) {
	router, ledger := newTestRouter(t)
	_, err := ledger.Insert(context.Background(), history.Observation{
		Subject:   history.PostSubject(42),
		FieldName: "interest_rate",
		NewValue:  decimal.RequireFromString("3.95"),
	})
	require.NoError(t, err)

	rec, _ := doJSON(t, router, http.MethodDelete, "/api/v1/observations/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ledger.observations)

	rec, _ = doJSON(t, router, http.MethodDelete, "/api/v1/observations/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSourceCRUD(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/sources", map[string]any{
		"id":           "riksbank_policy",
		"display_name": "Riksbank policy rate",
		"value_format": "percentage",
		"enabled":      true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := doJSON(t, router, http.MethodGet, "/api/v1/sources/riksbank_policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dto sourceDTO
	require.NoError(t, json.Unmarshal(env.Data, &dto))
	assert.Equal(t, "Riksbank policy rate", dto.DisplayName)

	rec, _ = doJSON(t, router, http.MethodDelete, "/api/v1/sources/riksbank_policy", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/v1/sources/riksbank_policy", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlushCache(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, env := doJSON(t, router, http.MethodPost, "/api/v1/cache/flush", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestImportCSVEndpoint(t *testing.T) {
	router, ledger := newTestRouter(t)

	body := "post_id,field,value,date\n" +
		"42,interest_rate,\"3,95\",2026-01-15\n" +
		"42,interest_rate,4.45,2026-01-16\n" +
		"0,interest_rate,4.45,2026-01-17\n"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/import", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var env envelopeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)

	var summary transfer.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 3, summary.Rows)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 1, summary.Rejected)
	assert.NotEmpty(t, summary.RunID)
	assert.Len(t, ledger.observations, 2)
}

func TestImportRejectsUnknownFormat(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/import?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportCSVEndpoint(t *testing.T) {
	router, ledger := newTestRouter(t)
	_, err := ledger.Insert(context.Background(), history.Observation{
		Subject:    history.PostSubject(42),
		FieldName:  "interest_rate",
		NewValue:   decimal.RequireFromString("3.95"),
		ChangeDate: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/export?post_id=42&field=interest_rate&days=30", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "id,post_id,source_id"))
	assert.Contains(t, rec.Body.String(), "3.95")
}

func TestExportJSONEndpoint(t *testing.T) {
	router, ledger := newTestRouter(t)
	_, err := ledger.Insert(context.Background(), history.Observation{
		Subject:    history.SourceSubject("riksbank_policy", "Riksbank"),
		FieldName:  "policy_rate",
		NewValue:   decimal.RequireFromString("4.00"),
		ChangeDate: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/export?source_id=riksbank_policy&field=policy_rate&format=json", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "riksbank_policy", records[0]["source_id"])
	assert.Equal(t, "4", records[0]["new_value"])
}
