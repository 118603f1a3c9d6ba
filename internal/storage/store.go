// Package storage persists the observation ledger in PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hogmalmsmedia/ratewatch/internal/change"
	"github.com/hogmalmsmedia/ratewatch/internal/config"
	"github.com/hogmalmsmedia/ratewatch/internal/history"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrInvalidObservation marks a business-rule rejection: required
	// identifying fields were missing or the value did not normalize.
	// Nothing is written; callers surface their own message.
	ErrInvalidObservation = errors.New("storage: invalid observation")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ObservationStore defines the ledger operations.
type ObservationStore interface {
	Insert(ctx context.Context, obs history.Observation) (int64, error)
	Update(ctx context.Context, id int64, patch Patch) error
	Get(ctx context.Context, id int64) (*history.Observation, error)
	LatestObservation(ctx context.Context, subject history.Subject, field string) (*history.Observation, error)
	LatestValue(ctx context.Context, subject history.Subject, field string) (*decimal.Decimal, error)
	HistoryByDays(ctx context.Context, subject history.Subject, field string, days int) ([]history.Observation, error)
	HistoryByCount(ctx context.Context, subject history.Subject, field string, limit int) ([]history.Observation, error)
	Recent(ctx context.Context, filter Filter) ([]history.Observation, error)
	Unvalidated(ctx context.Context, limit int) ([]history.Observation, error)
	Delete(ctx context.Context, id int64) (bool, error)
	BatchInsert(ctx context.Context, observations []history.Observation) error
	Statistics(ctx context.Context) (history.Statistics, error)
	Validate(ctx context.Context, id int64, note string) error
	ValidateAll(ctx context.Context, note string) (int64, error)
}

// SourceStore defines CRUD over external source definitions.
type SourceStore interface {
	ListSources(ctx context.Context, enabledOnly bool) ([]history.SourceDefinition, error)
	GetSource(ctx context.Context, id string) (*history.SourceDefinition, error)
	UpsertSource(ctx context.Context, def history.SourceDefinition) error
	DeleteSource(ctx context.Context, id string) (bool, error)
}

// AdvisoryLocker exposes advisory lock helpers for the sync loop.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store implements ObservationStore and SourceStore over a pgx pool.
type Store struct {
	db     DB
	pool   *pgxpool.Pool
	calc   *change.Calculator
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store. The calculator supplies the
// delta and large-change rules applied at insert/update time.
func NewStore(pool *pgxpool.Pool, calc *change.Calculator, logger zerolog.Logger) *Store {
	return &Store{
		db:     pool,
		pool:   pool,
		calc:   calc,
		logger: logger.With().Str("component", "storage").Logger(),
	}
}

// NewStoreWithDB builds a Store over any DB implementation. Used by tests
// to substitute pgxmock; advisory locking degrades to a no-op.
func NewStoreWithDB(db DB, calc *change.Calculator, logger zerolog.Logger) *Store {
	return &Store{db: db, calc: calc, logger: logger.With().Str("component", "storage").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getDB() (DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns
// a release func. Without a real pool (tests) the lock is always granted.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if s.pool == nil {
		return func() {}, true, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS observations (
    id               BIGSERIAL PRIMARY KEY,
    post_id          BIGINT,
    source_id        TEXT,
    source_name      TEXT,
    field_name       TEXT NOT NULL,
    field_category   TEXT NOT NULL DEFAULT '',
    old_value        NUMERIC,
    new_value        NUMERIC NOT NULL,
    change_amount    NUMERIC,
    change_type      TEXT NOT NULL,
    import_source    TEXT NOT NULL DEFAULT 'manual',
    is_validated     BOOLEAN NOT NULL DEFAULT TRUE,
    validation_notes TEXT NOT NULL DEFAULT '',
    change_date      TIMESTAMPTZ NOT NULL,
    value_format     TEXT NOT NULL DEFAULT 'percentage',
    value_suffix     TEXT NOT NULL DEFAULT '',
    decimals         INT NOT NULL DEFAULT 2,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT observations_subject_xor CHECK ((post_id IS NOT NULL) <> (source_id IS NOT NULL)),
    CONSTRAINT observations_initial_shape CHECK ((change_amount IS NULL) = (old_value IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_observations_post_key
    ON observations (post_id, field_name, change_date DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_observations_source_key
    ON observations (source_id, field_name, change_date DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_observations_unvalidated
    ON observations (change_date DESC) WHERE NOT is_validated;
CREATE INDEX IF NOT EXISTS idx_observations_category
    ON observations (field_category, change_date DESC);

CREATE TABLE IF NOT EXISTS sources (
    id            TEXT PRIMARY KEY,
    display_name  TEXT NOT NULL,
    value_format  TEXT NOT NULL DEFAULT 'percentage',
    value_suffix  TEXT NOT NULL DEFAULT '',
    decimals      INT NOT NULL DEFAULT 2,
    enabled       BOOLEAN NOT NULL DEFAULT TRUE,
    poll_url      TEXT NOT NULL DEFAULT '',
    poll_json_key TEXT NOT NULL DEFAULT '',
    category      TEXT NOT NULL DEFAULT '',
    field_name    TEXT NOT NULL DEFAULT 'rate',
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
