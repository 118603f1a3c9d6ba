package storage

import (
	"context"
	"fmt"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
)

const (
	statsCountsSQL = `SELECT
        COUNT(*),
        COUNT(*) FILTER (WHERE change_date >= date_trunc('day', now())),
        COUNT(*) FILTER (WHERE change_date >= now() - interval '7 days'),
        COUNT(*) FILTER (WHERE NOT is_validated)
    FROM observations;`

	topFieldsSQL = `SELECT field_name, COUNT(*) AS n
    FROM observations
    GROUP BY field_name
    ORDER BY n DESC, field_name
    LIMIT $1;`

	topSubjectsSQL = `SELECT COALESCE('post:' || post_id::text, 'source:' || source_id) AS subject_key, COUNT(*) AS n
    FROM observations
    GROUP BY subject_key
    ORDER BY n DESC, subject_key
    LIMIT $1;`
)

const topListLimit = 5

// Statistics aggregates ledger counts. No caching here; callers may layer
// a TTL cache on top.
func (s *Store) Statistics(ctx context.Context) (history.Statistics, error) {
	db, err := s.getDB()
	if err != nil {
		return history.Statistics{}, err
	}

	var stats history.Statistics
	if scanErr := db.QueryRow(ctx, statsCountsSQL).Scan(
		&stats.Total, &stats.Today, &stats.ThisWeek, &stats.UnvalidatedCount,
	); scanErr != nil {
		return history.Statistics{}, fmt.Errorf("statistics counts: %w", scanErr)
	}

	fieldRows, queryErr := db.Query(ctx, topFieldsSQL, topListLimit)
	if queryErr != nil {
		return history.Statistics{}, fmt.Errorf("statistics top fields: %w", queryErr)
	}
	stats.TopFields = make([]history.FieldCount, 0, topListLimit)
	for fieldRows.Next() {
		var fc history.FieldCount
		if err := fieldRows.Scan(&fc.FieldName, &fc.Count); err != nil {
			fieldRows.Close()
			return history.Statistics{}, err
		}
		stats.TopFields = append(stats.TopFields, fc)
	}
	fieldRows.Close()
	if fieldRows.Err() != nil {
		return history.Statistics{}, fieldRows.Err()
	}

	subjectRows, queryErr := db.Query(ctx, topSubjectsSQL, topListLimit)
	if queryErr != nil {
		return history.Statistics{}, fmt.Errorf("statistics top subjects: %w", queryErr)
	}
	stats.TopSubjects = make([]history.SubjectCount, 0, topListLimit)
	for subjectRows.Next() {
		var sc history.SubjectCount
		if err := subjectRows.Scan(&sc.SubjectKey, &sc.Count); err != nil {
			subjectRows.Close()
			return history.Statistics{}, err
		}
		stats.TopSubjects = append(stats.TopSubjects, sc)
	}
	subjectRows.Close()
	if subjectRows.Err() != nil {
		return history.Statistics{}, subjectRows.Err()
	}

	return stats, nil
}
