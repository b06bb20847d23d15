// Package store is the golden-copy persistence layer: reconciled daily
// metrics plus the adaptive response cache. Two backends exist, SQLite
// for single-node use and Postgres for shared deployments; both honor
// the same upsert and cache semantics.
package store

import (
	"context"
	"time"

	"github.com/quantfeed/marketfeed/internal/model"
)

// Store is the persistence contract. UpsertDaily is idempotent on
// (metric, date) and preserves the original created_at. CacheGet
// returns expired entries rather than hiding them so callers can serve
// stale data while revalidating.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	UpsertDaily(ctx context.Context, rec *model.ReconciledRecord) error
	GetMetric(ctx context.Context, metric string, from, to time.Time) ([]model.ReconciledRecord, error)
	GetLatest(ctx context.Context, metric string) (*model.ReconciledRecord, error)
	MissingDates(ctx context.Context, metric string, from, to time.Time) ([]time.Time, error)

	CacheGet(ctx context.Context, key string) (*model.CacheEntry, error)
	CachePut(ctx context.Context, entry *model.CacheEntry) error
	CacheTouch(ctx context.Context, key string, expiresAt time.Time) error
	CacheInvalidatePrefix(ctx context.Context, prefix string) (int64, error)
}

// missingDates computes the calendar-day gaps in [from, to] given the
// days that exist. Both backends share this so gap semantics cannot
// drift between them.
func missingDates(existing []time.Time, from, to time.Time) []time.Time {
	have := make(map[time.Time]struct{}, len(existing))
	for _, d := range existing {
		have[model.Day(d)] = struct{}{}
	}
	var gaps []time.Time
	for d := model.Day(from); !d.After(model.Day(to)); d = d.AddDate(0, 0, 1) {
		if _, ok := have[d]; !ok {
			gaps = append(gaps, d)
		}
	}
	return gaps
}
