package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
)

const observationColumns = `id, post_id, source_id, source_name, field_name, field_category,
        old_value, new_value, change_amount, change_type, import_source,
        is_validated, validation_notes, change_date, value_format, value_suffix, decimals, created_at`

// Subject predicates take post_id as a nullable bigint in one parameter
// slot and source_id as a nullable text in the next; exactly one is set.
const subjectPredicate = `(($1::bigint IS NOT NULL AND post_id = $1) OR ($2::text IS NOT NULL AND source_id = $2))`

const (
	insertObservationSQL = `INSERT INTO observations (
        post_id, source_id, source_name, field_name, field_category,
        old_value, new_value, change_amount, change_type, import_source,
        is_validated, validation_notes, change_date, value_format, value_suffix, decimals
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    ) RETURNING id;`

	getObservationSQL = `SELECT ` + observationColumns + `
    FROM observations WHERE id = $1;`

	latestObservationSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE ` + subjectPredicate + ` AND field_name = $3
    ORDER BY change_date DESC, id DESC
    LIMIT 1;`

	historyByDaysSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE ` + subjectPredicate + ` AND field_name = $3
      AND change_date >= now() - ($4::int * interval '1 day')
    ORDER BY change_date DESC, id DESC;`

	historyByCountSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE ` + subjectPredicate + ` AND field_name = $3
    ORDER BY change_date DESC, id DESC
    LIMIT $4;`

	unvalidatedSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE NOT is_validated
    ORDER BY change_date DESC, id DESC
    LIMIT $1;`

	updateObservationSQL = `UPDATE observations SET
        old_value = $2,
        new_value = $3,
        change_amount = $4,
        change_type = $5,
        is_validated = $6,
        validation_notes = $7,
        change_date = $8,
        import_source = $9
    WHERE id = $1;`

	deleteObservationSQL = `DELETE FROM observations WHERE id = $1;`

	validateObservationSQL = `UPDATE observations SET
        is_validated = TRUE,
        validation_notes = CASE WHEN validation_notes = '' THEN $2
                                ELSE validation_notes || E'\n' || $2 END
    WHERE id = $1;`

	validateAllSQL = `UPDATE observations SET
        is_validated = TRUE,
        validation_notes = CASE WHEN validation_notes = '' THEN $1
                                ELSE validation_notes || E'\n' || $1 END
    WHERE NOT is_validated;`
)

// Filter narrows Recent listings.
type Filter struct {
	Category         string
	FieldName        string
	Days             int
	ValidatedOnly    bool
	ExcludeSources   bool
	LatestPerSubject bool
	Limit            int
}

// Patch describes a partial observation update. When OldValue or NewValue
// is present the delta is recomputed from scratch; the previously stored
// delta is never adjusted incrementally.
type Patch struct {
	OldValue        *decimal.Decimal
	NewValue        *decimal.Decimal
	ChangeDate      *time.Time
	IsValidated     *bool
	ValidationNotes *string
	ImportSource    *string
}

func subjectArgs(s history.Subject) (postID any, sourceID any, sourceName any) {
	if id, ok := s.PostID(); ok {
		return id, nil, nil
	}
	if id, ok := s.SourceID(); ok {
		name := any(nil)
		if s.SourceName() != "" {
			name = s.SourceName()
		}
		return nil, id, name
	}
	return nil, nil, nil
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// Insert appends one observation to the ledger. The delta and change type
// are always recomputed from the old/new values, and a large delta starts
// the row unvalidated. Business-rule rejections return ErrInvalidObservation
// after logging; they never panic.
func (s *Store) Insert(ctx context.Context, obs history.Observation) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	if err := s.prepare(&obs); err != nil {
		s.logger.Warn().
			Str("subject", obs.Subject.Key()).
			Str("field", obs.FieldName).
			Msg("observation rejected: missing required fields")
		return 0, err
	}

	postID, sourceID, sourceName := subjectArgs(obs.Subject)

	var id int64
	scanErr := db.QueryRow(ctx, insertObservationSQL,
		postID, sourceID, sourceName,
		obs.FieldName, obs.FieldCategory,
		nullableDecimal(obs.OldValue), obs.NewValue.String(), nullableDecimal(obs.ChangeAmount),
		string(obs.ChangeType), obs.ImportSource,
		obs.IsValidated, obs.ValidationNotes, obs.ChangeDate,
		string(obs.ValueFormat), obs.ValueSuffix, obs.Decimals,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert observation: %w", scanErr)
	}
	return id, nil
}

// prepare fills defaults and recomputes the derived columns in place.
func (s *Store) prepare(obs *history.Observation) error {
	if !obs.Subject.Valid() || obs.FieldName == "" {
		return ErrInvalidObservation
	}
	if obs.ChangeDate.IsZero() {
		obs.ChangeDate = time.Now().UTC()
	}
	if obs.ValueFormat == "" {
		obs.ValueFormat = history.FormatPercentage
	}
	if obs.ImportSource == "" {
		obs.ImportSource = "manual"
	}

	result := s.calc.ComputeValue(obs.OldValue, obs.NewValue)
	obs.ChangeAmount = result.Amount
	obs.ChangeType = result.ChangeType()

	obs.IsValidated = true
	if result.Amount != nil && s.calc.IsLarge(*result.Amount) {
		obs.IsValidated = false
	}
	return nil
}

// BatchInsert appends many observations in a single multi-row statement.
// The whole batch succeeds or fails as one write.
func (s *Store) BatchInsert(ctx context.Context, observations []history.Observation) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		return nil
	}

	var (
		builder strings.Builder
		args    []any
	)
	builder.WriteString(`INSERT INTO observations (
        post_id, source_id, source_name, field_name, field_category,
        old_value, new_value, change_amount, change_type, import_source,
        is_validated, validation_notes, change_date, value_format, value_suffix, decimals
    ) VALUES `)

	for i := range observations {
		obs := observations[i]
		if err := s.prepare(&obs); err != nil {
			s.logger.Warn().
				Str("subject", obs.Subject.Key()).
				Str("field", obs.FieldName).
				Msg("batch row rejected: missing required fields")
			return err
		}

		postID, sourceID, sourceName := subjectArgs(obs.Subject)
		base := len(args)
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString("(")
		for p := 1; p <= 16; p++ {
			if p > 1 {
				builder.WriteString(",")
			}
			fmt.Fprintf(&builder, "$%d", base+p)
		}
		builder.WriteString(")")
		args = append(args,
			postID, sourceID, sourceName,
			obs.FieldName, obs.FieldCategory,
			nullableDecimal(obs.OldValue), obs.NewValue.String(), nullableDecimal(obs.ChangeAmount),
			string(obs.ChangeType), obs.ImportSource,
			obs.IsValidated, obs.ValidationNotes, obs.ChangeDate,
			string(obs.ValueFormat), obs.ValueSuffix, obs.Decimals,
		)
	}
	builder.WriteString(";")

	if _, execErr := db.Exec(ctx, builder.String(), args...); execErr != nil {
		return fmt.Errorf("batch insert observations: %w", execErr)
	}
	return nil
}

// Update patches an observation. Value corrections reload the row and
// recompute the delta with the calculator before persisting.
func (s *Store) Update(ctx context.Context, id int64, patch Patch) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	oldValue := existing.OldValue
	newValue := existing.NewValue
	if patch.OldValue != nil {
		oldValue = patch.OldValue
	}
	if patch.NewValue != nil {
		newValue = *patch.NewValue
	}

	changeAmount := existing.ChangeAmount
	changeType := existing.ChangeType
	if patch.OldValue != nil || patch.NewValue != nil {
		result := s.calc.ComputeValue(oldValue, newValue)
		changeAmount = result.Amount
		changeType = result.ChangeType()
	}

	validated := existing.IsValidated
	if patch.IsValidated != nil {
		validated = *patch.IsValidated
	}
	notes := existing.ValidationNotes
	if patch.ValidationNotes != nil {
		notes = *patch.ValidationNotes
	}
	changeDate := existing.ChangeDate
	if patch.ChangeDate != nil {
		changeDate = *patch.ChangeDate
	}
	importSource := existing.ImportSource
	if patch.ImportSource != nil {
		importSource = *patch.ImportSource
	}

	cmdTag, execErr := db.Exec(ctx, updateObservationSQL,
		id,
		nullableDecimal(oldValue), newValue.String(), nullableDecimal(changeAmount),
		string(changeType), validated, notes, changeDate, importSource,
	)
	if execErr != nil {
		return fmt.Errorf("update observation: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one observation by id.
func (s *Store) Get(ctx context.Context, id int64) (*history.Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	row := db.QueryRow(ctx, getObservationSQL, id)
	obs, scanErr := scanObservationRow(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get observation: %w", scanErr)
	}
	return &obs, nil
}

// LatestObservation returns the most recent row for a subject+field key,
// or nil when the key has never been observed.
func (s *Store) LatestObservation(ctx context.Context, subject history.Subject, field string) (*history.Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	postID, sourceID, _ := subjectArgs(subject)
	row := db.QueryRow(ctx, latestObservationSQL, postID, sourceID, field)
	obs, scanErr := scanObservationRow(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest observation: %w", scanErr)
	}
	return &obs, nil
}

// LatestValue returns the newest recorded value for a subject+field key,
// or nil when no observation exists.
func (s *Store) LatestValue(ctx context.Context, subject history.Subject, field string) (*decimal.Decimal, error) {
	obs, err := s.LatestObservation(ctx, subject, field)
	if err != nil || obs == nil {
		return nil, err
	}
	value := obs.NewValue
	return &value, nil
}

// HistoryByDays lists observations for a key within the last N days,
// newest first.
func (s *Store) HistoryByDays(ctx context.Context, subject history.Subject, field string, days int) ([]history.Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	postID, sourceID, _ := subjectArgs(subject)
	rows, queryErr := db.Query(ctx, historyByDaysSQL, postID, sourceID, field, days)
	if queryErr != nil {
		return nil, fmt.Errorf("history by days: %w", queryErr)
	}
	return collectObservations(rows)
}

// HistoryByCount lists the most recent N observations for a key, newest
// first.
func (s *Store) HistoryByCount(ctx context.Context, subject history.Subject, field string, limit int) ([]history.Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	postID, sourceID, _ := subjectArgs(subject)
	rows, queryErr := db.Query(ctx, historyByCountSQL, postID, sourceID, field, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("history by count: %w", queryErr)
	}
	return collectObservations(rows)
}

// Recent lists observations matching the filter, newest first. With
// LatestPerSubject only the max-(change_date,id) row per subject+field
// survives the filter.
func (s *Store) Recent(ctx context.Context, filter Filter) ([]history.Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var (
		builder strings.Builder
		args    []any
	)
	builder.WriteString(`SELECT ` + observationColumns + ` FROM observations o WHERE TRUE`)

	addArg := func(clause string, value any) {
		args = append(args, value)
		fmt.Fprintf(&builder, clause, len(args))
	}

	if filter.Category != "" {
		addArg(" AND o.field_category = $%d", filter.Category)
	}
	if filter.FieldName != "" {
		addArg(" AND o.field_name = $%d", filter.FieldName)
	}
	if filter.Days > 0 {
		addArg(" AND o.change_date >= now() - ($%d::int * interval '1 day')", filter.Days)
	}
	if filter.ValidatedOnly {
		builder.WriteString(" AND o.is_validated")
	}
	if filter.ExcludeSources {
		builder.WriteString(" AND o.source_id IS NULL")
	}
	if filter.LatestPerSubject {
		builder.WriteString(` AND NOT EXISTS (
            SELECT 1 FROM observations o2
            WHERE o2.post_id IS NOT DISTINCT FROM o.post_id
              AND o2.source_id IS NOT DISTINCT FROM o.source_id
              AND o2.field_name = o.field_name
              AND (o2.change_date > o.change_date
                   OR (o2.change_date = o.change_date AND o2.id > o.id))
        )`)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	addArg(" ORDER BY o.change_date DESC, o.id DESC LIMIT $%d;", limit)

	rows, queryErr := db.Query(ctx, builder.String(), args...)
	if queryErr != nil {
		return nil, fmt.Errorf("recent observations: %w", queryErr)
	}
	return collectObservations(rows)
}

// Unvalidated lists rows pending review, newest first.
func (s *Store) Unvalidated(ctx context.Context, limit int) ([]history.Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, queryErr := db.Query(ctx, unvalidatedSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("unvalidated observations: %w", queryErr)
	}
	return collectObservations(rows)
}

// Delete removes an observation, reporting whether a row existed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := db.Exec(ctx, deleteObservationSQL, id)
	if execErr != nil {
		return false, fmt.Errorf("delete observation: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// Validate marks one observation reviewed, appending the audit note.
func (s *Store) Validate(ctx context.Context, id int64, note string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	cmdTag, execErr := db.Exec(ctx, validateObservationSQL, id, note)
	if execErr != nil {
		return fmt.Errorf("validate observation: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ValidateAll flips every pending row to validated with one bulk note
// and returns how many rows changed.
func (s *Store) ValidateAll(ctx context.Context, note string) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := db.Exec(ctx, validateAllSQL, note)
	if execErr != nil {
		return 0, fmt.Errorf("validate all: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func collectObservations(rows pgx.Rows) ([]history.Observation, error) {
	defer rows.Close()

	observations := make([]history.Observation, 0)
	for rows.Next() {
		obs, err := scanObservationRow(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

// scanObservationRow maps one ledger row onto the domain type. Numeric
// columns travel as strings and are parsed with decimal, matching how
// they were written.
func scanObservationRow(row pgx.Row) (history.Observation, error) {
	var (
		id           int64
		postID       sql.NullInt64
		sourceID     sql.NullString
		sourceName   sql.NullString
		fieldName    string
		category     string
		oldStr       sql.NullString
		newStr       string
		amountStr    sql.NullString
		changeType   string
		importSource string
		validated    bool
		notes        string
		changeDate   time.Time
		valueFormat  string
		valueSuffix  string
		decimals     int
		createdAt    time.Time
	)

	if err := row.Scan(
		&id, &postID, &sourceID, &sourceName, &fieldName, &category,
		&oldStr, &newStr, &amountStr, &changeType, &importSource,
		&validated, &notes, &changeDate, &valueFormat, &valueSuffix, &decimals, &createdAt,
	); err != nil {
		return history.Observation{}, err
	}

	var subject history.Subject
	if postID.Valid {
		subject = history.PostSubject(postID.Int64)
	} else {
		subject = history.SourceSubject(sourceID.String, sourceName.String)
	}

	newValue, err := decimal.NewFromString(newStr)
	if err != nil {
		return history.Observation{}, fmt.Errorf("parse new value: %w", err)
	}

	obs := history.Observation{
		ID:              id,
		Subject:         subject,
		FieldName:       fieldName,
		FieldCategory:   category,
		NewValue:        newValue,
		ChangeType:      history.ChangeType(changeType),
		ImportSource:    importSource,
		IsValidated:     validated,
		ValidationNotes: notes,
		ChangeDate:      changeDate,
		ValueFormat:     history.ValueFormat(valueFormat),
		ValueSuffix:     valueSuffix,
		Decimals:        decimals,
		CreatedAt:       createdAt,
	}

	if oldStr.Valid {
		oldValue, convErr := decimal.NewFromString(oldStr.String)
		if convErr != nil {
			return history.Observation{}, fmt.Errorf("parse old value: %w", convErr)
		}
		obs.OldValue = &oldValue
	}
	if amountStr.Valid {
		amount, convErr := decimal.NewFromString(amountStr.String)
		if convErr != nil {
			return history.Observation{}, fmt.Errorf("parse change amount: %w", convErr)
		}
		obs.ChangeAmount = &amount
	}

	return obs, nil
}
