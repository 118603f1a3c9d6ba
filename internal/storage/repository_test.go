package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hogmalmsmedia/ratewatch/internal/change"
	"github.com/hogmalmsmedia/ratewatch/internal/config"
	"github.com/hogmalmsmedia/ratewatch/internal/history"
)

var observationColumnNames = []string{
	"id", "post_id", "source_id", "source_name", "field_name", "field_category",
	"old_value", "new_value", "change_amount", "change_type", "import_source",
	"is_validated", "validation_notes", "change_date", "value_format", "value_suffix", "decimals", "created_at",
}

func testCalculator() *change.Calculator {
	return change.NewCalculator(config.TrackingConfig{
		Epsilon: 0.0001,
		LargeChange: config.LargeChangeConfig{
			Threshold: 0.5,
			Unit:      config.UnitPoints,
		},
	})
}

// newMockStore creates a Store backed by pgxmock for unit testing.
func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewStoreWithDB(mock, testCalculator(), zerolog.Nop()), mock
}

func TestInsertInitialObservation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO observations`).
		WithArgs(
			int64(42), nil, nil,
			"interest_rate", "mortgage",
			nil, "4.2", nil,
			"initial", "manual",
			true, "", pgxmock.AnyArg(),
			"percentage", "", 0,
		).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(101)))

	id, err := s.Insert(context.Background(), history.Observation{
		Subject:       history.PostSubject(42),
		FieldName:     "interest_rate",
		FieldCategory: "mortgage",
		NewValue:      decimal.RequireFromString("4.20"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLargeChangeStartsUnvalidated(t *testing.T) {
	s, mock := newMockStore(t)
	old := decimal.RequireFromString("3.95")

	mock.ExpectQuery(`INSERT INTO observations`).
		WithArgs(
			int64(42), nil, nil,
			"interest_rate", "",
			"3.95", "5", "1.05",
			"update", "manual",
			false, "", pgxmock.AnyArg(),
			"percentage", "", 0,
		).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(102)))

	_, err := s.Insert(context.Background(), history.Observation{
		Subject:   history.PostSubject(42),
		FieldName: "interest_rate",
		OldValue:  &old,
		NewValue:  decimal.RequireFromString("5.00"),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRejectsInvalidSubject(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.Insert(context.Background(), history.Observation{
		FieldName: "interest_rate",
		NewValue:  decimal.RequireFromString("4.20"),
	})
	assert.ErrorIs(t, err, ErrInvalidObservation)

	_, err = s.Insert(context.Background(), history.Observation{
		Subject:  history.PostSubject(42),
		NewValue: decimal.RequireFromString("4.20"),
	})
	assert.ErrorIs(t, err, ErrInvalidObservation)
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM observations WHERE id`).
		WithArgs(int64(999)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestObservationMissingIsNotAnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM observations`).
		WithArgs(int64(42), nil, "interest_rate").
		WillReturnError(pgx.ErrNoRows)

	obs, err := s.LatestObservation(context.Background(), history.PostSubject(42), "interest_rate")
	require.NoError(t, err)
	assert.Nil(t, obs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestObservationScansRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM observations`).
		WithArgs(int64(42), nil, "interest_rate").
		WillReturnRows(pgxmock.NewRows(observationColumnNames).AddRow(
			int64(7), int64(42), nil, nil, "interest_rate", "mortgage",
			"3.95", "4.2", "0.25", "update", "manual",
			true, "", now, "percentage", "%", 2, now,
		))

	obs, err := s.LatestObservation(context.Background(), history.PostSubject(42), "interest_rate")
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.Equal(t, int64(7), obs.ID)
	assert.Equal(t, "post:42", obs.Subject.Key())
	assert.Equal(t, "4.2", obs.NewValue.String())
	require.NotNil(t, obs.OldValue)
	assert.Equal(t, "3.95", obs.OldValue.String())
	require.NotNil(t, obs.ChangeAmount)
	assert.Equal(t, "0.25", obs.ChangeAmount.String())
	assert.Equal(t, history.ChangeUpdate, obs.ChangeType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryByDaysOrdering(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`ORDER BY change_date DESC, id DESC`).
		WithArgs(nil, "riksbank", "policy_rate", 30).
		WillReturnRows(pgxmock.NewRows(observationColumnNames).
			AddRow(
				int64(9), nil, "riksbank", "Riksbank", "policy_rate", "",
				"3.75", "4", "0.25", "update", "scheduled_sync",
				true, "", now, "percentage", "%", 2, now,
			).
			AddRow(
				int64(8), nil, "riksbank", "Riksbank", "policy_rate", "",
				nil, "3.75", nil, "initial", "scheduled_sync",
				true, "", now.Add(-24*time.Hour), "percentage", "%", 2, now,
			))

	observations, err := s.HistoryByDays(context.Background(), history.SourceSubject("riksbank", ""), "policy_rate", 30)
	require.NoError(t, err)
	require.Len(t, observations, 2)
	assert.Equal(t, "source:riksbank", observations[0].Subject.Key())
	assert.Nil(t, observations[1].OldValue)
	assert.Equal(t, history.ChangeInitial, observations[1].ChangeType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryByCountLimitPlacement(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	query := "(?s)" + regexp.QuoteMeta(`AND field_name = $3`) + ".+" +
		regexp.QuoteMeta(`ORDER BY change_date DESC, id DESC`) + ".+" +
		regexp.QuoteMeta(`LIMIT $4;`)
	mock.ExpectQuery(query).
		WithArgs(int64(42), nil, "interest_rate", 2).
		WillReturnRows(pgxmock.NewRows(observationColumnNames).
			AddRow(
				int64(9), int64(42), nil, nil, "interest_rate", "",
				"3.95", "4.2", "0.25", "update", "manual",
				true, "", now, "percentage", "%", 2, now,
			).
			AddRow(
				int64(8), int64(42), nil, nil, "interest_rate", "",
				nil, "3.95", nil, "initial", "manual",
				true, "", now.Add(-time.Hour), "percentage", "%", 2, now,
			))

	observations, err := s.HistoryByCount(context.Background(), history.PostSubject(42), "interest_rate", 2)
	require.NoError(t, err)
	require.Len(t, observations, 2)
	assert.Equal(t, int64(9), observations[0].ID)
	assert.Equal(t, int64(8), observations[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentAllFiltersPlaceholderOrder(t *testing.T) {
	s, mock := newMockStore(t)

	// Clause order and placeholder numbers must track the filter fields:
	// $1 category, $2 field, $3 days, $4 limit, with the boolean filters
	// and the latest-per-subject anti-join carrying no placeholders.
	query := "(?s)" + regexp.QuoteMeta(
		`AND o.field_category = $1 AND o.field_name = $2`+
			` AND o.change_date >= now() - ($3::int * interval '1 day')`+
			` AND o.is_validated AND o.source_id IS NULL AND NOT EXISTS (`) +
		".+" + regexp.QuoteMeta(`o2.change_date = o.change_date AND o2.id > o.id`) +
		".+" + regexp.QuoteMeta(`ORDER BY o.change_date DESC, o.id DESC LIMIT $4;`)
	mock.ExpectQuery(query).
		WithArgs("mortgage", "interest_rate", 7, 5).
		WillReturnRows(pgxmock.NewRows(observationColumnNames))

	observations, err := s.Recent(context.Background(), Filter{
		Category:         "mortgage",
		FieldName:        "interest_rate",
		Days:             7,
		ValidatedOnly:    true,
		ExcludeSources:   true,
		LatestPerSubject: true,
		Limit:            5,
	})
	require.NoError(t, err)
	assert.Empty(t, observations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentDefaultLimit(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE TRUE ORDER BY o.change_date DESC, o.id DESC LIMIT $1;`)).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows(observationColumnNames).AddRow(
			int64(3), int64(42), nil, nil, "interest_rate", "",
			nil, "3.95", nil, "initial", "manual",
			true, "", now, "percentage", "%", 2, now,
		))

	observations, err := s.Recent(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, int64(3), observations[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnvalidatedQuery(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	query := "(?s)" + regexp.QuoteMeta(`WHERE NOT is_validated`) + ".+" +
		regexp.QuoteMeta(`ORDER BY change_date DESC, id DESC`) + ".+" +
		regexp.QuoteMeta(`LIMIT $1;`)
	mock.ExpectQuery(query).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows(observationColumnNames).AddRow(
			int64(6), int64(42), nil, nil, "interest_rate", "",
			"3.95", "5", "1.05", "update", "manual",
			false, "", now, "percentage", "%", 2, now,
		))

	observations, err := s.Unvalidated(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.False(t, observations[0].IsValidated)

	// A non-positive limit falls back to the default page size.
	mock.ExpectQuery(query).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows(observationColumnNames))

	_, err = s.Unvalidated(context.Background(), 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRecomputesDelta(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM observations WHERE id`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(observationColumnNames).AddRow(
			int64(7), int64(42), nil, nil, "interest_rate", "mortgage",
			"3.95", "4.2", "0.25", "update", "manual",
			true, "", now, "percentage", "%", 2, now,
		))

	// The stored delta 0.25 must be recomputed from the corrected new
	// value, not patched incrementally.
	mock.ExpectExec(`UPDATE observations SET`).
		WithArgs(
			int64(7),
			"3.95", "4.35", "0.4",
			"update", true, "", now, "manual",
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	corrected := decimal.RequireFromString("4.35")
	err := s.Update(context.Background(), 7, Patch{NewValue: &corrected})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateAppendsNote(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE observations SET`).
		WithArgs(int64(5), "[2026-02-01T10:00:00Z anna] looks right").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.Validate(context.Background(), 5, "[2026-02-01T10:00:00Z anna] looks right")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateMissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE observations SET`).
		WithArgs(int64(5), "note").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.Validate(context.Background(), 5, "note")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateAllReportsCount(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`WHERE NOT is_validated`).
		WithArgs("bulk validation").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	count, err := s.ValidateAll(context.Background(), "bulk validation")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM observations`).
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	deleted, err := s.Delete(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, deleted)

	mock.ExpectExec(`DELETE FROM observations`).
		WithArgs(int64(8)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	deleted, err = s.Delete(context.Background(), 8)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsertAllOrNothing(t *testing.T) {
	s, mock := newMockStore(t)
	old := decimal.RequireFromString("3.95")

	batchArgs := make([]interface{}, 32)
	for i := range batchArgs {
		batchArgs[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec(`INSERT INTO observations`).
		WithArgs(batchArgs...).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	err := s.BatchInsert(context.Background(), []history.Observation{
		{
			Subject:   history.PostSubject(1),
			FieldName: "interest_rate",
			NewValue:  decimal.RequireFromString("3.95"),
		},
		{
			Subject:   history.PostSubject(1),
			FieldName: "interest_rate",
			OldValue:  &old,
			NewValue:  decimal.RequireFromString("4.20"),
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchInsertRejectsInvalidRow(t *testing.T) {
	s, _ := newMockStore(t)

	err := s.BatchInsert(context.Background(), []history.Observation{
		{FieldName: "interest_rate", NewValue: decimal.RequireFromString("1")},
	})
	assert.ErrorIs(t, err, ErrInvalidObservation)
}

func TestStoreNotConfigured(t *testing.T) {
	s := NewStoreWithDB(nil, testCalculator(), zerolog.Nop())

	_, err := s.Insert(context.Background(), history.Observation{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = s.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
