package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketfeed/internal/model"
)

// fakeStore implements Store in memory with injectable failures for
// the cache degradation paths.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]model.CacheEntry
	putErr  error
	getErr  error
	puts    int
	touches int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]model.CacheEntry)}
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Close() error                  { return nil }

func (f *fakeStore) UpsertDaily(context.Context, *model.ReconciledRecord) error { return nil }
func (f *fakeStore) GetMetric(context.Context, string, time.Time, time.Time) ([]model.ReconciledRecord, error) {
	return nil, nil
}
func (f *fakeStore) GetLatest(context.Context, string) (*model.ReconciledRecord, error) {
	return nil, nil
}
func (f *fakeStore) MissingDates(context.Context, string, time.Time, time.Time) ([]time.Time, error) {
	return nil, nil
}

func (f *fakeStore) CacheGet(_ context.Context, key string) (*model.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if e, ok := f.entries[key]; ok {
		copied := e
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) CachePut(_ context.Context, entry *model.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.entries[entry.Key] = *entry
	return nil
}

func (f *fakeStore) CacheTouch(_ context.Context, key string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	if e, ok := f.entries[key]; ok {
		e.ExpiresAt = expiresAt
		f.entries[key] = e
	}
	return nil
}

func (f *fakeStore) CacheInvalidatePrefix(_ context.Context, prefix string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k := range f.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(f.entries, k)
			n++
		}
	}
	return n, nil
}

func fastCache(fs *fakeStore) *Cache {
	return NewCache(fs, CacheOptions{PersistRetries: 1, PersistBackoff: time.Millisecond})
}

func TestCache_FetchOnMiss(t *testing.T) {
	fs := newFakeStore()
	c := fastCache(fs)

	var fetches int
	entry, err := c.GetOrFetch(context.Background(), "k", model.PolicyFast, func(context.Context) ([]byte, error) {
		fetches++
		return []byte("v1"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, 1, fetches)
	assert.False(t, entry.Stale)

	// Second read within TTL must not fetch.
	_, err = c.GetOrFetch(context.Background(), "k", model.PolicyFast, func(context.Context) ([]byte, error) {
		fetches++
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)
}

func TestCache_PolicyTTLs(t *testing.T) {
	assert.Equal(t, 10*time.Second, PolicyTTL(model.PolicyRealtime))
	assert.Equal(t, 5*time.Minute, PolicyTTL(model.PolicyFast))
	assert.Equal(t, time.Hour, PolicyTTL(model.PolicyMedium))
	assert.Equal(t, 12*time.Hour, PolicyTTL(model.PolicySlow))
	assert.Equal(t, 24*time.Hour, PolicyTTL(model.PolicyDaily))
	assert.Greater(t, PolicyTTL(model.PolicyPermanent), 365*24*time.Hour)
}

func TestCache_ExpiredTriggersRefetch(t *testing.T) {
	fs := newFakeStore()
	c := fastCache(fs)

	now := time.Now().UTC()
	c.nowFunc = func() time.Time { return now }

	_, err := c.GetOrFetch(context.Background(), "k", model.PolicyRealtime, func(context.Context) ([]byte, error) {
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	now = now.Add(time.Minute)
	entry, err := c.GetOrFetch(context.Background(), "k", model.PolicyRealtime, func(context.Context) ([]byte, error) {
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), entry.Value)
}

func TestCache_StaleServedWhenRefreshFails(t *testing.T) {
	fs := newFakeStore()
	c := fastCache(fs)

	now := time.Now().UTC()
	c.nowFunc = func() time.Time { return now }

	_, err := c.GetOrFetch(context.Background(), "k", model.PolicyRealtime, func(context.Context) ([]byte, error) {
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	now = now.Add(time.Minute)
	entry, err := c.GetOrFetch(context.Background(), "k", model.PolicyRealtime, func(context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	})
	require.NoError(t, err, "stale content beats an error")
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.True(t, entry.Stale)
}

func TestCache_MissAndFailingFetchIsError(t *testing.T) {
	fs := newFakeStore()
	c := fastCache(fs)

	_, err := c.GetOrFetch(context.Background(), "absent", model.PolicyFast, func(context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	})
	assert.Error(t, err)
}

func TestCache_UnchangedContentExtendsTTL(t *testing.T) {
	fs := newFakeStore()
	c := fastCache(fs)

	now := time.Now().UTC()
	c.nowFunc = func() time.Time { return now }

	_, err := c.GetOrFetch(context.Background(), "k", model.PolicyRealtime, func(context.Context) ([]byte, error) {
		return []byte("same"), nil
	})
	require.NoError(t, err)
	putsBefore := fs.puts

	now = now.Add(time.Minute)
	entry, err := c.GetOrFetch(context.Background(), "k", model.PolicyRealtime, func(context.Context) ([]byte, error) {
		return []byte("same"), nil
	})
	require.NoError(t, err)
	assert.False(t, entry.Expired(now))
	assert.Equal(t, putsBefore, fs.puts, "identical content must touch, not rewrite")
	assert.Equal(t, 1, fs.touches)
}

func TestCache_DegradesToMemoryOnly(t *testing.T) {
	fs := newFakeStore()
	fs.putErr = errors.New("disk full")
	c := fastCache(fs)

	entry, err := c.GetOrFetch(context.Background(), "k", model.PolicyFast, func(context.Context) ([]byte, error) {
		return []byte("v1"), nil
	})
	require.NoError(t, err, "persistence failure must not lose the fetched value")
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.True(t, c.Degraded())

	// Reads keep working from memory while degraded.
	var fetches int
	got, err := c.GetOrFetch(context.Background(), "k", model.PolicyFast, func(context.Context) ([]byte, error) {
		fetches++
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.Zero(t, fetches)
}

func TestCache_ReadFallsBackToMemoryOnStoreError(t *testing.T) {
	fs := newFakeStore()
	c := fastCache(fs)

	_, err := c.GetOrFetch(context.Background(), "k", model.PolicyFast, func(context.Context) ([]byte, error) {
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	fs.getErr = errors.New("io error")
	var fetches int
	entry, err := c.GetOrFetch(context.Background(), "k", model.PolicyFast, func(context.Context) ([]byte, error) {
		fetches++
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Zero(t, fetches)
}

func TestCache_InvalidatePrefix(t *testing.T) {
	fs := newFakeStore()
	c := fastCache(fs)
	ctx := context.Background()

	for _, key := range []string{"metric/a", "metric/b", "other"} {
		_, err := c.GetOrFetch(ctx, key, model.PolicyFast, func(context.Context) ([]byte, error) {
			return []byte("v"), nil
		})
		require.NoError(t, err)
	}

	n, err := c.Invalidate(ctx, "metric/")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var fetches int
	_, err = c.GetOrFetch(ctx, "metric/a", model.PolicyFast, func(context.Context) ([]byte, error) {
		fetches++
		return []byte("v"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fetches, "invalidated key must refetch")
}

func TestCache_ConcurrentRefreshWhileDegraded(t *testing.T) {
	fs := newFakeStore()
	fs.putErr = errors.New("disk full")
	c := fastCache(fs)

	var mu sync.Mutex
	now := time.Now().UTC()
	c.nowFunc = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	_, err := c.GetOrFetch(context.Background(), "k", model.PolicyRealtime, func(context.Context) ([]byte, error) {
		return []byte("same"), nil
	})
	require.NoError(t, err)
	require.True(t, c.Degraded())

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	// Many goroutines refresh the same expired key with identical
	// content, exercising the touch path against concurrent readers.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := c.GetOrFetch(context.Background(), "k", model.PolicyRealtime, func(context.Context) ([]byte, error) {
				return []byte("same"), nil
			})
			assert.NoError(t, err)
			assert.Equal(t, []byte("same"), entry.Value)
		}()
	}
	wg.Wait()
}

func TestCache_ReturnedEntryIsDetached(t *testing.T) {
	fs := newFakeStore()
	fs.putErr = errors.New("disk full")
	c := fastCache(fs)

	entry, err := c.GetOrFetch(context.Background(), "k", model.PolicyFast, func(context.Context) ([]byte, error) {
		return []byte("v1"), nil
	})
	require.NoError(t, err)
	require.True(t, c.Degraded())

	// Clobbering a returned entry must not reach the cached state.
	entry.Stale = true
	entry.ExpiresAt = time.Time{}

	got, err := c.GetOrFetch(context.Background(), "k", model.PolicyFast, func(context.Context) ([]byte, error) {
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.False(t, got.Stale)
}

func TestCache_RetriesPersistBeforeDegrading(t *testing.T) {
	fs := newFakeStore()
	fs.putErr = errors.New("transient")
	c := fastCache(fs)

	_, err := c.GetOrFetch(context.Background(), "k", model.PolicyFast, func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, fs.puts, "one try plus one retry")
}
