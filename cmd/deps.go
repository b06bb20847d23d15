package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/quantfeed/marketfeed/internal/adapter"
	"github.com/quantfeed/marketfeed/internal/artifact"
	"github.com/quantfeed/marketfeed/internal/consensus"
	"github.com/quantfeed/marketfeed/internal/fetch"
	"github.com/quantfeed/marketfeed/internal/normalize"
	"github.com/quantfeed/marketfeed/internal/pipeline"
	"github.com/quantfeed/marketfeed/internal/resilience"
	"github.com/quantfeed/marketfeed/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Store.DSN)
	case "", "sqlite":
		return store.OpenSQLite(cfg.Store.Path)
	default:
		return nil, eris.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildPipeline constructs the full dependency graph for one process.
// Everything is injected; nothing lives in package-level state.
func buildPipeline(ctx context.Context, st store.Store) (*pipeline.Pipeline, *resilience.HostBreakers, *store.Cache, error) {
	registry, err := adapter.LoadFile(cfg.Adapters)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "load adapter registry")
	}

	sink, err := artifact.NewStore(cfg.ArtifactRoot)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "init artifact store")
	}

	breakers := resilience.NewHostBreakers(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})

	client := fetch.NewHTTPClient(fetch.HTTPOptions{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     cfg.Fetch.Timeout,
		MaxRetries:  cfg.Fetch.MaxRetries,
		RateLimits:  cfg.Fetch.RateLimits,
		DefaultRate: cfg.Fetch.DefaultRate,
	})

	var pool *fetch.RenderPool
	if cfg.Render.Endpoint != "" {
		engine := fetch.NewRemoteRenderer(cfg.Render.Endpoint, cfg.Render.APIKey, cfg.Render.Timeout)
		pool = fetch.NewRenderPool(engine, cfg.Render.MaxContexts)
	}

	executor := fetch.NewExecutor(client, pool, breakers, sink, fetch.ExecutorOptions{
		Parallelism:    cfg.Fetch.Parallelism,
		CycleTimeout:   cfg.Fetch.CycleTimeout,
		AttemptTimeout: cfg.Fetch.AttemptTimeout,
	})

	normalizer := normalize.NewNormalizer(normalize.Options{
		History: metricHistory(ctx, st),
	})

	authorities := make(map[string]float64, len(cfg.Consensus.Authorities))
	for k, v := range cfg.Consensus.Authorities {
		authorities[k] = v
	}
	for _, spec := range registry.All() {
		if spec.Quality.Authority > 0 {
			authorities[spec.ID] = spec.Quality.Authority
		}
	}
	resolver := consensus.NewResolver(consensus.Config{
		TolerancePct:     cfg.Consensus.TolerancePct,
		ConfidenceFloor:  cfg.Consensus.ConfidenceFloor,
		MinQuorum:        cfg.Consensus.MinQuorum,
		DefaultAuthority: cfg.Consensus.DefaultAuthority,
		Authorities:      authorities,
	})

	cache := store.NewCache(st, store.CacheOptions{})

	p := pipeline.New(registry, executor, normalizer, resolver, breakers, st, cache)
	return p, breakers, cache, nil
}

// metricHistory supplies a trailing window of recent reconciled values
// so the normalizer can reject implausible spikes.
func metricHistory(ctx context.Context, st store.Store) func(metric string) []float64 {
	return func(metric string) []float64 {
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -30)
		records, err := st.GetMetric(ctx, metric, from, to)
		if err != nil {
			return nil
		}
		vals := make([]float64, len(records))
		for i, r := range records {
			vals[i] = r.Value
		}
		return vals
	}
}
