package store

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quantfeed/marketfeed/internal/model"
)

// PolicyTTL maps a policy class to its time-to-live. Permanent entries
// never expire on their own; they go away only by explicit
// invalidation.
func PolicyTTL(class model.PolicyClass) time.Duration {
	switch class {
	case model.PolicyRealtime:
		return 10 * time.Second
	case model.PolicyFast:
		return 5 * time.Minute
	case model.PolicyMedium:
		return time.Hour
	case model.PolicySlow:
		return 12 * time.Hour
	case model.PolicyDaily:
		return 24 * time.Hour
	case model.PolicyPermanent:
		return 100 * 365 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// CacheOptions tunes the adaptive cache.
type CacheOptions struct {
	// PersistRetries is how many times a failed persistence write is
	// retried before the cache degrades to memory-only. Default 2.
	PersistRetries int

	// PersistBackoff spaces the retries. Default 200ms.
	PersistBackoff time.Duration
}

// Cache layers stale-while-revalidate and content-hash TTL extension
// over the persistent store. When persistence fails repeatedly it
// degrades to a memory-only mode: reads and writes keep working from
// an in-process map, the condition is logged, and Degraded() reports
// it so a cycle summary can surface the state.
type Cache struct {
	store Store
	opts  CacheOptions

	nowFunc func() time.Time

	mu       sync.RWMutex
	degraded bool
	memory   map[string]*model.CacheEntry
}

func NewCache(store Store, opts CacheOptions) *Cache {
	if opts.PersistRetries <= 0 {
		opts.PersistRetries = 2
	}
	if opts.PersistBackoff <= 0 {
		opts.PersistBackoff = 200 * time.Millisecond
	}
	return &Cache{
		store:   store,
		opts:    opts,
		nowFunc: time.Now,
		memory:  make(map[string]*model.CacheEntry),
	}
}

// Degraded reports whether the cache has fallen back to memory-only.
func (c *Cache) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// FetchFunc produces a fresh value for a cache key.
type FetchFunc func(ctx context.Context) ([]byte, error)

// GetOrFetch returns the cached value when fresh. When the entry is
// expired, fetch runs; if fetch fails and a stale entry exists, the
// stale value is returned with Stale=true rather than an error. When
// the fetched bytes hash identically to the cached ones, only the
// entry's expiry moves forward.
func (c *Cache) GetOrFetch(ctx context.Context, key string, class model.PolicyClass, fetch FetchFunc) (*model.CacheEntry, error) {
	now := c.nowFunc().UTC()

	entry := c.lookup(ctx, key)
	if entry != nil && !entry.Expired(now) {
		return entry, nil
	}

	fresh, ferr := fetch(ctx)
	if ferr != nil {
		if entry != nil {
			stale := *entry
			stale.Stale = true
			zap.L().Warn("serving stale cache entry, refresh failed",
				zap.String("key", key), zap.Error(ferr))
			return &stale, nil
		}
		return nil, eris.Wrapf(ferr, "cache: refresh %s", key)
	}

	expires := now.Add(PolicyTTL(class))

	if entry != nil && sha256.Sum256(entry.Value) == sha256.Sum256(fresh) {
		c.touch(ctx, key, expires)
		extended := *entry
		extended.ExpiresAt = expires
		extended.Stale = false
		return &extended, nil
	}

	next := &model.CacheEntry{
		Key:         key,
		Value:       fresh,
		Policy:      class,
		RefreshedAt: now,
		ExpiresAt:   expires,
	}
	c.put(ctx, next)
	return next, nil
}

// Refresh stores a value produced outside the read path, stamping it
// with the policy class TTL. Used after a fetch cycle lands new
// reconciled records.
func (c *Cache) Refresh(ctx context.Context, key string, class model.PolicyClass, value []byte) {
	now := c.nowFunc().UTC()
	c.put(ctx, &model.CacheEntry{
		Key:         key,
		Value:       value,
		Policy:      class,
		RefreshedAt: now,
		ExpiresAt:   now.Add(PolicyTTL(class)),
	})
}

// Invalidate removes every entry whose key starts with prefix.
func (c *Cache) Invalidate(ctx context.Context, prefix string) (int64, error) {
	c.mu.Lock()
	var dropped int64
	for k := range c.memory {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.memory, k)
			dropped++
		}
	}
	degraded := c.degraded
	c.mu.Unlock()

	if degraded {
		return dropped, nil
	}
	n, err := c.store.CacheInvalidatePrefix(ctx, prefix)
	if err != nil {
		return dropped, eris.Wrapf(err, "cache: invalidate %s", prefix)
	}
	return n, nil
}

// lookup returns a detached copy; pointers stored in c.memory never
// leave the lock, so callers can read and mutate their entry freely.
func (c *Cache) lookup(ctx context.Context, key string) *model.CacheEntry {
	c.mu.RLock()
	if c.degraded {
		entry := detach(c.memory[key])
		c.mu.RUnlock()
		return entry
	}
	c.mu.RUnlock()

	entry, err := c.store.CacheGet(ctx, key)
	if err != nil {
		zap.L().Warn("cache read failed, checking memory",
			zap.String("key", key), zap.Error(err))
		c.mu.RLock()
		entry = detach(c.memory[key])
		c.mu.RUnlock()
	}
	return entry
}

func detach(entry *model.CacheEntry) *model.CacheEntry {
	if entry == nil {
		return nil
	}
	copied := *entry
	return &copied
}

func (c *Cache) put(ctx context.Context, entry *model.CacheEntry) {
	c.mu.Lock()
	c.memory[entry.Key] = detach(entry)
	degraded := c.degraded
	c.mu.Unlock()
	if degraded {
		return
	}

	var err error
	for attempt := 0; attempt <= c.opts.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.opts.PersistBackoff):
			case <-ctx.Done():
				return
			}
		}
		if err = c.store.CachePut(ctx, entry); err == nil {
			return
		}
	}
	c.degrade(err)
}

func (c *Cache) touch(ctx context.Context, key string, expiresAt time.Time) {
	c.mu.Lock()
	if entry, ok := c.memory[key]; ok {
		entry.ExpiresAt = expiresAt
	}
	degraded := c.degraded
	c.mu.Unlock()
	if degraded {
		return
	}
	if err := c.store.CacheTouch(ctx, key, expiresAt); err != nil {
		zap.L().Warn("cache touch failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) degrade(cause error) {
	c.mu.Lock()
	already := c.degraded
	c.degraded = true
	c.mu.Unlock()
	if !already {
		zap.L().Error("cache persistence unavailable, degrading to memory-only",
			zap.Error(cause))
	}
}
