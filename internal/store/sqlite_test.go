package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketfeed/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func reconciled(metric string, date time.Time, value float64) *model.ReconciledRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.ReconciledRecord{
		Metric: metric,
		Date:   model.Day(date),
		Value:  value,
		Unit:   "usd",
		Contributions: []model.Contribution{
			{Source: "binance", Value: value, Weight: 0.98},
		},
		Confidence:     0.97,
		Interpretation: "high",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSQLite_UpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertDaily(ctx, reconciled("btc_price_usd", day, 92150.5)))

	records, err := s.GetMetric(ctx, "btc_price_usd", day, day)
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, "btc_price_usd", got.Metric)
	assert.Equal(t, day, got.Date)
	assert.Equal(t, 92150.5, got.Value)
	assert.Equal(t, "usd", got.Unit)
	assert.Equal(t, 0.97, got.Confidence)
	assert.Equal(t, "high", got.Interpretation)
	require.Len(t, got.Contributions, 1)
	assert.Equal(t, "binance", got.Contributions[0].Source)
}

func TestSQLite_UpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

	first := reconciled("btc_price_usd", day, 92150.5)
	require.NoError(t, s.UpsertDaily(ctx, first))

	second := reconciled("btc_price_usd", day, 92200.0)
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	second.UpdatedAt = first.UpdatedAt.Add(time.Hour)
	require.NoError(t, s.UpsertDaily(ctx, second))

	records, err := s.GetMetric(ctx, "btc_price_usd", day, day)
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, 92200.0, got.Value)
	// created_at survives the overwrite, updated_at moves.
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt), "created_at changed on upsert")
	assert.True(t, got.UpdatedAt.Equal(second.UpdatedAt))
}

func TestSQLite_GetLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for d := 25; d <= 27; d++ {
		day := time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertDaily(ctx, reconciled("btc_price_usd", day, float64(d))))
	}

	rec, err := s.GetLatest(ctx, "btc_price_usd")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 27.0, rec.Value)

	rec, err = s.GetLatest(ctx, "unknown_metric")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSQLite_MissingDates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, d := range []int{20, 21, 24} {
		day := time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertDaily(ctx, reconciled("btc_price_usd", day, 1)))
	}

	from := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	gaps, err := s.MissingDates(ctx, "btc_price_usd", from, to)
	require.NoError(t, err)

	want := []time.Time{
		time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, want, gaps)
}

func TestSQLite_MissingDatesEmptyMetric(t *testing.T) {
	s := openTestStore(t)

	from := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	gaps, err := s.MissingDates(context.Background(), "nothing", from, to)
	require.NoError(t, err)
	assert.Len(t, gaps, 2)
}

func TestSQLite_CacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	entry := &model.CacheEntry{
		Key:         "metric/btc_price_usd/latest",
		Value:       []byte(`{"value":92150.5}`),
		Policy:      model.PolicyFast,
		RefreshedAt: now,
		ExpiresAt:   now.Add(5 * time.Minute),
	}
	require.NoError(t, s.CachePut(ctx, entry))

	got, err := s.CacheGet(ctx, entry.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Value, got.Value)
	assert.Equal(t, model.PolicyFast, got.Policy)
	assert.True(t, got.ExpiresAt.Equal(entry.ExpiresAt))
}

func TestSQLite_CacheGetReturnsExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &model.CacheEntry{
		Key:         "k",
		Value:       []byte("v"),
		Policy:      model.PolicyRealtime,
		RefreshedAt: now.Add(-time.Hour),
		ExpiresAt:   now.Add(-time.Hour).Add(10 * time.Second),
	}
	require.NoError(t, s.CachePut(ctx, entry))

	got, err := s.CacheGet(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got, "expired entries must still be returned")
	assert.True(t, got.Expired(now))
}

func TestSQLite_CacheGetMissing(t *testing.T) {
	s := openTestStore(t)

	got, err := s.CacheGet(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_CacheTouch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	entry := &model.CacheEntry{
		Key: "k", Value: []byte("v"), Policy: model.PolicyFast,
		RefreshedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, s.CachePut(ctx, entry))

	later := now.Add(time.Hour)
	require.NoError(t, s.CacheTouch(ctx, "k", later))

	got, err := s.CacheGet(ctx, "k")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(later))
	assert.True(t, got.RefreshedAt.Equal(now), "touch must not move refreshed_at")
}

func TestSQLite_CacheInvalidatePrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, key := range []string{"metric/a/latest", "metric/b/latest", "other/c"} {
		require.NoError(t, s.CachePut(ctx, &model.CacheEntry{
			Key: key, Value: []byte("v"), Policy: model.PolicyFast,
			RefreshedAt: now, ExpiresAt: now.Add(time.Minute),
		}))
	}

	n, err := s.CacheInvalidatePrefix(ctx, "metric/")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.CacheGet(ctx, "other/c")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
