// Package pipeline orchestrates one acquisition cycle end to end:
// fetch every enabled source, normalize what came back, reconcile the
// observations, and land the survivors in the store and cache. A cycle
// publishes whatever reached sufficient coverage; metrics without
// coverage are simply absent.
package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quantfeed/marketfeed/internal/adapter"
	"github.com/quantfeed/marketfeed/internal/consensus"
	"github.com/quantfeed/marketfeed/internal/fetch"
	"github.com/quantfeed/marketfeed/internal/model"
	"github.com/quantfeed/marketfeed/internal/normalize"
	"github.com/quantfeed/marketfeed/internal/resilience"
	"github.com/quantfeed/marketfeed/internal/store"
)

// Pipeline wires the stages together. All dependencies are injected;
// nothing here reaches for ambient state.
type Pipeline struct {
	registry   *adapter.Registry
	executor   *fetch.Executor
	normalizer *normalize.Normalizer
	resolver   *consensus.Resolver
	breakers   *resilience.HostBreakers
	store      store.Store
	cache      *store.Cache
}

func New(registry *adapter.Registry, executor *fetch.Executor, normalizer *normalize.Normalizer,
	resolver *consensus.Resolver, breakers *resilience.HostBreakers, st store.Store, cache *store.Cache) *Pipeline {
	return &Pipeline{
		registry:   registry,
		executor:   executor,
		normalizer: normalizer,
		resolver:   resolver,
		breakers:   breakers,
		store:      st,
		cache:      cache,
	}
}

// CycleSummary is the per-cycle operational snapshot.
type CycleSummary struct {
	Started     time.Time                          `json:"started"`
	Finished    time.Time                          `json:"finished"`
	Attempted   int                                `json:"attempted"`
	Succeeded   int                                `json:"succeeded"`
	Failed      int                                `json:"failed"`
	SuccessRate float64                            `json:"success_rate"`
	Upserted    int                                `json:"upserted"`
	UpsertErrs  int                                `json:"upsert_errors"`
	NoConsensus []string                           `json:"no_consensus,omitempty"`
	DateSkew    []string                           `json:"date_skew,omitempty"`
	Confidence  map[string]float64                 `json:"confidence,omitempty"`
	Rejections  map[string]int                     `json:"rejections,omitempty"`
	Breakers    map[string]resilience.CircuitState `json:"breakers,omitempty"`
	Degraded    bool                               `json:"cache_degraded"`
}

type metricDay struct {
	metric string
	date   time.Time
}

// RunCycle executes one full cycle. The error return is reserved for
// cancellation and for an executor that produced nothing at all;
// individual adapter or metric failures degrade coverage instead.
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleSummary, error) {
	specs := p.registry.Enabled()
	if len(specs) == 0 {
		return nil, eris.New("pipeline: no enabled adapters")
	}

	result, err := p.executor.Run(ctx, specs)
	if err != nil && len(result.Artifacts) == 0 {
		return nil, eris.Wrap(err, "pipeline: fetch cycle")
	}

	summary := &CycleSummary{
		Started:     result.Started,
		Attempted:   len(specs),
		Succeeded:   result.Succeeded,
		Failed:      result.Failed,
		SuccessRate: result.SuccessRate(),
		Confidence:  make(map[string]float64),
	}

	groups := p.normalizeAll(specs, result)
	expected := p.registry.ExpectedSources()
	dates := make(map[string]time.Time)

	for key, records := range groups {
		rec, err := p.resolver.Resolve(key.metric, key.date, records, expected[key.metric])
		if err != nil {
			var nc *consensus.NoConsensusError
			if eris.As(err, &nc) {
				summary.NoConsensus = append(summary.NoConsensus, key.metric)
				zap.L().Warn("metric unresolved this cycle", zap.Error(err))
				continue
			}
			return nil, eris.Wrapf(err, "pipeline: resolve %s", key.metric)
		}

		if err := p.store.UpsertDaily(ctx, rec); err != nil {
			summary.UpsertErrs++
			zap.L().Error("upsert failed",
				zap.String("metric", rec.Metric), zap.Error(err))
			continue
		}
		summary.Upserted++
		summary.Confidence[key.metric] = rec.Confidence
		dates[key.metric] = rec.Date
		p.refreshCache(ctx, rec, records)
	}

	summary.DateSkew = dateSkew(dates)
	summary.Rejections = p.normalizer.Rejections()
	summary.Breakers = p.breakers.States()
	summary.Degraded = p.cache.Degraded()
	summary.Finished = time.Now().UTC()
	return summary, nil
}

// dateSkew cross-checks the dates the cycle published. Metrics whose
// resolved date differs from the most common date of the cycle are
// named so the operator can spot a source serving yesterday's page.
func dateSkew(dates map[string]time.Time) []string {
	if len(dates) < 2 {
		return nil
	}
	counts := make(map[time.Time]int)
	for _, d := range dates {
		counts[d]++
	}
	var modal time.Time
	best := 0
	for d, n := range counts {
		if n > best || (n == best && d.After(modal)) {
			modal, best = d, n
		}
	}
	var skewed []string
	for metric, d := range dates {
		if !d.Equal(modal) {
			skewed = append(skewed, metric)
			zap.L().Warn("metric date out of step with cycle",
				zap.String("metric", metric),
				zap.Time("date", d),
				zap.Time("cycle_date", modal))
		}
	}
	sort.Strings(skewed)
	return skewed
}

// normalizeAll runs every usable artifact through the normalizer and
// groups the canonical records by (metric, day).
func (p *Pipeline) normalizeAll(specs []adapter.Spec, result *fetch.CycleResult) map[metricDay][]model.CanonicalRecord {
	groups := make(map[metricDay][]model.CanonicalRecord)
	for _, spec := range specs {
		art, ok := result.Artifacts[spec.ID]
		if !ok || art.Outcome == model.OutcomeFailure {
			continue
		}
		records, err := p.normalizer.Normalize(spec, art)
		if err != nil {
			continue // rejection already counted and logged
		}
		for _, rec := range records {
			key := metricDay{metric: rec.Metric, date: rec.Date}
			groups[key] = append(groups[key], rec)
		}
	}
	return groups
}

func (p *Pipeline) refreshCache(ctx context.Context, rec *model.ReconciledRecord, records []model.CanonicalRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		zap.L().Error("marshal reconciled record", zap.Error(err))
		return
	}
	class := model.PolicyDaily
	if len(records) > 0 {
		if spec := p.registry.Get(records[0].Source); spec != nil {
			class = spec.MetricClass
		}
	}
	p.cache.Refresh(ctx, "metric/"+rec.Metric+"/latest", class, payload)
}

// Backfill reports the calendar gaps for each metric over [from, to].
// It does not fetch; the caller decides which gaps are actionable.
func (p *Pipeline) Backfill(ctx context.Context, metrics []string, from, to time.Time) (map[string][]time.Time, error) {
	gaps := make(map[string][]time.Time, len(metrics))
	for _, metric := range metrics {
		missing, err := p.store.MissingDates(ctx, metric, from, to)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: gaps for %s", metric)
		}
		if len(missing) > 0 {
			gaps[metric] = missing
		}
	}
	return gaps, nil
}
