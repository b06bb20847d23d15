package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/quantfeed/marketfeed/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. Tests substitute
// a pgxmock pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore is the shared-deployment backend.
type PostgresStore struct {
	pool Pool
}

// OpenPostgres connects and pings.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: ping postgres")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStore wraps an existing pool; used by tests.
func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS daily_metrics (
	metric         TEXT NOT NULL,
	date           DATE NOT NULL,
	value          DOUBLE PRECISION NOT NULL,
	unit           TEXT NOT NULL DEFAULT '',
	contributions  JSONB NOT NULL DEFAULT '[]',
	confidence     DOUBLE PRECISION NOT NULL,
	discrepancy    BOOLEAN NOT NULL DEFAULT FALSE,
	interpretation TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (metric, date)
);
CREATE TABLE IF NOT EXISTS cache_entries (
	key          TEXT PRIMARY KEY,
	value        BYTEA NOT NULL,
	policy       TEXT NOT NULL,
	refreshed_at TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_daily_metrics_date ON daily_metrics (date)`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return eris.Wrap(err, "store: migrate postgres")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertDaily(ctx context.Context, rec *model.ReconciledRecord) error {
	contribs, err := json.Marshal(rec.Contributions)
	if err != nil {
		return eris.Wrap(err, "store: marshal contributions")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO daily_metrics
			(metric, date, value, unit, contributions, confidence, discrepancy, interpretation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (metric, date) DO UPDATE SET
			value = EXCLUDED.value,
			unit = EXCLUDED.unit,
			contributions = EXCLUDED.contributions,
			confidence = EXCLUDED.confidence,
			discrepancy = EXCLUDED.discrepancy,
			interpretation = EXCLUDED.interpretation,
			updated_at = EXCLUDED.updated_at`,
		rec.Metric, rec.Date, rec.Value, rec.Unit, contribs,
		rec.Confidence, rec.Discrepancy, rec.Interpretation,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return eris.Wrapf(err, "store: upsert %s %s", rec.Metric, rec.Date.Format(dayFormat))
	}
	return nil
}

func (s *PostgresStore) GetMetric(ctx context.Context, metric string, from, to time.Time) ([]model.ReconciledRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT metric, date, value, unit, contributions, confidence, discrepancy, interpretation, created_at, updated_at
		FROM daily_metrics
		WHERE metric = $1 AND date >= $2 AND date <= $3
		ORDER BY date`,
		metric, model.Day(from), model.Day(to))
	if err != nil {
		return nil, eris.Wrapf(err, "store: query %s", metric)
	}
	defer rows.Close()

	var out []model.ReconciledRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate rows")
}

func (s *PostgresStore) GetLatest(ctx context.Context, metric string) (*model.ReconciledRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT metric, date, value, unit, contributions, confidence, discrepancy, interpretation, created_at, updated_at
		FROM daily_metrics
		WHERE metric = $1
		ORDER BY date DESC LIMIT 1`, metric)
	if err != nil {
		return nil, eris.Wrapf(err, "store: query latest %s", metric)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, eris.Wrap(rows.Err(), "store: latest")
	}
	return scanPostgresRecord(rows)
}

func (s *PostgresStore) MissingDates(ctx context.Context, metric string, from, to time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date FROM daily_metrics WHERE metric = $1 AND date >= $2 AND date <= $3`,
		metric, model.Day(from), model.Day(to))
	if err != nil {
		return nil, eris.Wrapf(err, "store: query dates %s", metric)
	}
	defer rows.Close()

	var existing []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "store: scan date")
		}
		existing = append(existing, d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "store: iterate dates")
	}
	return missingDates(existing, from, to), nil
}

func (s *PostgresStore) CacheGet(ctx context.Context, key string) (*model.CacheEntry, error) {
	var entry model.CacheEntry
	err := s.pool.QueryRow(ctx,
		`SELECT key, value, policy, refreshed_at, expires_at FROM cache_entries WHERE key = $1`, key).
		Scan(&entry.Key, &entry.Value, &entry.Policy, &entry.RefreshedAt, &entry.ExpiresAt)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: cache get %s", key)
	}
	return &entry, nil
}

func (s *PostgresStore) CachePut(ctx context.Context, entry *model.CacheEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_entries (key, value, policy, refreshed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			policy = EXCLUDED.policy,
			refreshed_at = EXCLUDED.refreshed_at,
			expires_at = EXCLUDED.expires_at`,
		entry.Key, entry.Value, string(entry.Policy),
		entry.RefreshedAt.UTC(), entry.ExpiresAt.UTC())
	return eris.Wrapf(err, "store: cache put %s", entry.Key)
}

func (s *PostgresStore) CacheTouch(ctx context.Context, key string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE cache_entries SET expires_at = $1 WHERE key = $2`, expiresAt.UTC(), key)
	return eris.Wrapf(err, "store: cache touch %s", key)
}

func (s *PostgresStore) CacheInvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return 0, eris.Wrapf(err, "store: cache invalidate %s", prefix)
	}
	return tag.RowsAffected(), nil
}

func scanPostgresRecord(rows pgx.Rows) (*model.ReconciledRecord, error) {
	var (
		rec      model.ReconciledRecord
		contribs []byte
	)
	err := rows.Scan(&rec.Metric, &rec.Date, &rec.Value, &rec.Unit, &contribs,
		&rec.Confidence, &rec.Discrepancy, &rec.Interpretation, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "store: scan record")
	}
	if err := json.Unmarshal(contribs, &rec.Contributions); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal contributions")
	}
	rec.Date = model.Day(rec.Date)
	return &rec, nil
}
