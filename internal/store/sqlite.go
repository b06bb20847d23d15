package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/quantfeed/marketfeed/internal/model"
)

const dayFormat = "2006-01-02"

// SQLiteStore is the single-node backend. WAL mode so the fetch cycle
// can write while reads are served.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database file and applies pragmas.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "store: open sqlite %s", path)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "store: %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS daily_metrics (
	metric         TEXT NOT NULL,
	date           TEXT NOT NULL,
	value          REAL NOT NULL,
	unit           TEXT NOT NULL DEFAULT '',
	contributions  TEXT NOT NULL DEFAULT '[]',
	confidence     REAL NOT NULL,
	discrepancy    INTEGER NOT NULL DEFAULT 0,
	interpretation TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (metric, date)
);
CREATE TABLE IF NOT EXISTS cache_entries (
	key          TEXT PRIMARY KEY,
	value        BLOB NOT NULL,
	policy       TEXT NOT NULL,
	refreshed_at TEXT NOT NULL,
	expires_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_daily_metrics_date ON daily_metrics (date);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return eris.Wrap(err, "store: migrate sqlite")
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) UpsertDaily(ctx context.Context, rec *model.ReconciledRecord) error {
	contribs, err := json.Marshal(rec.Contributions)
	if err != nil {
		return eris.Wrap(err, "store: marshal contributions")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_metrics
			(metric, date, value, unit, contributions, confidence, discrepancy, interpretation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric, date) DO UPDATE SET
			value = excluded.value,
			unit = excluded.unit,
			contributions = excluded.contributions,
			confidence = excluded.confidence,
			discrepancy = excluded.discrepancy,
			interpretation = excluded.interpretation,
			updated_at = excluded.updated_at`,
		rec.Metric, rec.Date.Format(dayFormat), rec.Value, rec.Unit, string(contribs),
		rec.Confidence, boolInt(rec.Discrepancy), rec.Interpretation,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return eris.Wrapf(err, "store: upsert %s %s", rec.Metric, rec.Date.Format(dayFormat))
	}
	return nil
}

func (s *SQLiteStore) GetMetric(ctx context.Context, metric string, from, to time.Time) ([]model.ReconciledRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric, date, value, unit, contributions, confidence, discrepancy, interpretation, created_at, updated_at
		FROM daily_metrics
		WHERE metric = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		metric, model.Day(from).Format(dayFormat), model.Day(to).Format(dayFormat))
	if err != nil {
		return nil, eris.Wrapf(err, "store: query %s", metric)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReconciledRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate rows")
}

func (s *SQLiteStore) GetLatest(ctx context.Context, metric string) (*model.ReconciledRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric, date, value, unit, contributions, confidence, discrepancy, interpretation, created_at, updated_at
		FROM daily_metrics
		WHERE metric = ?
		ORDER BY date DESC LIMIT 1`, metric)
	if err != nil {
		return nil, eris.Wrapf(err, "store: query latest %s", metric)
	}
	defer rows.Close() //nolint:errcheck

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSQLiteRecord(rows)
}

func (s *SQLiteStore) MissingDates(ctx context.Context, metric string, from, to time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date FROM daily_metrics WHERE metric = ? AND date >= ? AND date <= ?`,
		metric, model.Day(from).Format(dayFormat), model.Day(to).Format(dayFormat))
	if err != nil {
		return nil, eris.Wrapf(err, "store: query dates %s", metric)
	}
	defer rows.Close() //nolint:errcheck

	var existing []time.Time
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, eris.Wrap(err, "store: scan date")
		}
		d, err := time.Parse(dayFormat, day)
		if err != nil {
			return nil, eris.Wrapf(err, "store: bad date %q", day)
		}
		existing = append(existing, d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "store: iterate dates")
	}
	return missingDates(existing, from, to), nil
}

func (s *SQLiteStore) CacheGet(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, policy, refreshed_at, expires_at FROM cache_entries WHERE key = ?`, key)

	var (
		entry                  model.CacheEntry
		policy, refreshed, exp string
	)
	err := row.Scan(&entry.Key, &entry.Value, &policy, &refreshed, &exp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: cache get %s", key)
	}
	entry.Policy = model.PolicyClass(policy)
	if entry.RefreshedAt, err = time.Parse(time.RFC3339Nano, refreshed); err != nil {
		return nil, eris.Wrapf(err, "store: bad refreshed_at for %s", key)
	}
	if entry.ExpiresAt, err = time.Parse(time.RFC3339Nano, exp); err != nil {
		return nil, eris.Wrapf(err, "store: bad expires_at for %s", key)
	}
	return &entry, nil
}

func (s *SQLiteStore) CachePut(ctx context.Context, entry *model.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, policy, refreshed_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			policy = excluded.policy,
			refreshed_at = excluded.refreshed_at,
			expires_at = excluded.expires_at`,
		entry.Key, entry.Value, string(entry.Policy),
		entry.RefreshedAt.UTC().Format(time.RFC3339Nano),
		entry.ExpiresAt.UTC().Format(time.RFC3339Nano))
	return eris.Wrapf(err, "store: cache put %s", entry.Key)
}

func (s *SQLiteStore) CacheTouch(ctx context.Context, key string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET expires_at = ? WHERE key = ?`,
		expiresAt.UTC().Format(time.RFC3339Nano), key)
	return eris.Wrapf(err, "store: cache touch %s", key)
}

func (s *SQLiteStore) CacheInvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return 0, eris.Wrapf(err, "store: cache invalidate %s", prefix)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "store: rows affected")
}

func scanSQLiteRecord(rows *sql.Rows) (*model.ReconciledRecord, error) {
	var (
		rec                    model.ReconciledRecord
		day, contribs          string
		discrepancy            int
		createdRaw, updatedRaw string
	)
	err := rows.Scan(&rec.Metric, &day, &rec.Value, &rec.Unit, &contribs,
		&rec.Confidence, &discrepancy, &rec.Interpretation, &createdRaw, &updatedRaw)
	if err != nil {
		return nil, eris.Wrap(err, "store: scan record")
	}
	if rec.Date, err = time.Parse(dayFormat, day); err != nil {
		return nil, eris.Wrapf(err, "store: bad date %q", day)
	}
	if err := json.Unmarshal([]byte(contribs), &rec.Contributions); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal contributions")
	}
	rec.Discrepancy = discrepancy != 0
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdRaw); err != nil {
		return nil, eris.Wrap(err, "store: bad created_at")
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedRaw); err != nil {
		return nil, eris.Wrap(err, "store: bad updated_at")
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
