package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
)

const (
	sourceColumns = `id, display_name, value_format, value_suffix, decimals, enabled,
        poll_url, poll_json_key, category, field_name, updated_at`

	listSourcesSQL = `SELECT ` + sourceColumns + `
    FROM sources
    ORDER BY display_name, id;`

	listEnabledSourcesSQL = `SELECT ` + sourceColumns + `
    FROM sources
    WHERE enabled
    ORDER BY display_name, id;`

	getSourceSQL = `SELECT ` + sourceColumns + `
    FROM sources WHERE id = $1;`

	upsertSourceSQL = `INSERT INTO sources (
        id, display_name, value_format, value_suffix, decimals, enabled,
        poll_url, poll_json_key, category, field_name, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now()
    )
    ON CONFLICT (id) DO UPDATE
    SET display_name  = EXCLUDED.display_name,
        value_format  = EXCLUDED.value_format,
        value_suffix  = EXCLUDED.value_suffix,
        decimals      = EXCLUDED.decimals,
        enabled       = EXCLUDED.enabled,
        poll_url      = EXCLUDED.poll_url,
        poll_json_key = EXCLUDED.poll_json_key,
        category      = EXCLUDED.category,
        field_name    = EXCLUDED.field_name,
        updated_at    = now();`

	deleteSourceSQL = `DELETE FROM sources WHERE id = $1;`
)

// ListSources lists source definitions, optionally only enabled ones.
func (s *Store) ListSources(ctx context.Context, enabledOnly bool) ([]history.SourceDefinition, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	query := listSourcesSQL
	if enabledOnly {
		query = listEnabledSourcesSQL
	}
	rows, queryErr := db.Query(ctx, query)
	if queryErr != nil {
		return nil, fmt.Errorf("list sources: %w", queryErr)
	}
	defer rows.Close()

	defs := make([]history.SourceDefinition, 0)
	for rows.Next() {
		def, scanErr := scanSource(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		defs = append(defs, def)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return defs, nil
}

// GetSource loads one source definition, nil when absent.
func (s *Store) GetSource(ctx context.Context, id string) (*history.SourceDefinition, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	def, scanErr := scanSource(db.QueryRow(ctx, getSourceSQL, id))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get source: %w", scanErr)
	}
	return &def, nil
}

// UpsertSource creates or replaces a source definition.
func (s *Store) UpsertSource(ctx context.Context, def history.SourceDefinition) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if def.ID == "" || def.DisplayName == "" {
		s.logger.Warn().Str("id", def.ID).Msg("source definition rejected: id and display name required")
		return ErrInvalidObservation
	}
	if def.Format == "" {
		def.Format = history.FormatPercentage
	}
	if def.FieldName == "" {
		def.FieldName = "rate"
	}

	if _, execErr := db.Exec(ctx, upsertSourceSQL,
		def.ID, def.DisplayName, string(def.Format), def.Suffix, def.Decimals,
		def.Enabled, def.PollURL, def.PollJSONKey, def.Category, def.FieldName,
	); execErr != nil {
		return fmt.Errorf("upsert source: %w", execErr)
	}
	return nil
}

// DeleteSource removes a source definition, reporting whether it existed.
// Historical observations keep their per-row format metadata and are not
// touched.
func (s *Store) DeleteSource(ctx context.Context, id string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := db.Exec(ctx, deleteSourceSQL, id)
	if execErr != nil {
		return false, fmt.Errorf("delete source: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

func scanSource(row pgx.Row) (history.SourceDefinition, error) {
	var (
		def       history.SourceDefinition
		format    string
		updatedAt time.Time
	)
	if err := row.Scan(
		&def.ID, &def.DisplayName, &format, &def.Suffix, &def.Decimals, &def.Enabled,
		&def.PollURL, &def.PollJSONKey, &def.Category, &def.FieldName, &updatedAt,
	); err != nil {
		return history.SourceDefinition{}, err
	}
	def.Format = history.ValueFormat(format)
	def.UpdatedAt = updatedAt
	return def, nil
}
