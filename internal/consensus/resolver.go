// Package consensus reconciles the same metric observed by multiple
// sources into a single value with an honest confidence score. It
// never fabricates: when no agreement exists, the caller gets a typed
// error instead of a defaulted zero.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/quantfeed/marketfeed/internal/model"
)

// Config tunes the resolver. Zero values take the documented defaults.
type Config struct {
	// TolerancePct is the relative distance from the median beyond
	// which a value is discarded as an outlier. Default 2.
	TolerancePct float64

	// ConfidenceFloor bounds confidence from below for any record that
	// is emitted at all. Default 0.2.
	ConfidenceFloor float64

	// MinQuorum is the source count below which the result carries a
	// discrepancy flag. Default 2.
	MinQuorum int

	// DefaultAuthority weights sources absent from Authorities.
	// Default 0.75.
	DefaultAuthority float64

	// Authorities maps source id to its static weight in (0, 1].
	Authorities map[string]float64
}

func (c Config) withDefaults() Config {
	if c.TolerancePct <= 0 {
		c.TolerancePct = 2
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.2
	}
	if c.MinQuorum <= 0 {
		c.MinQuorum = 2
	}
	if c.DefaultAuthority <= 0 {
		c.DefaultAuthority = 0.75
	}
	return c
}

// NoConsensusError reports that no value could be agreed for a metric
// on a date. The absence of a record is the correct output here.
type NoConsensusError struct {
	Metric string
	Date   time.Time
	Reason string
}

func (e *NoConsensusError) Error() string {
	return fmt.Sprintf("no consensus for %s on %s: %s", e.Metric, e.Date.Format("2006-01-02"), e.Reason)
}

// Resolver reconciles per-metric observations. Safe for concurrent use;
// all state is in the immutable config.
type Resolver struct {
	cfg Config
}

func NewResolver(cfg Config) *Resolver {
	return &Resolver{cfg: cfg.withDefaults()}
}

func (r *Resolver) authority(source string) float64 {
	if w, ok := r.cfg.Authorities[source]; ok && w > 0 {
		return w
	}
	return r.cfg.DefaultAuthority
}

// Resolve reconciles all observations of one (metric, date) pair.
// expectedSources is how many adapters are registered for the metric;
// partial coverage lowers confidence proportionally. Zero survivors
// after outlier discard is a NoConsensusError, never a zero record.
func (r *Resolver) Resolve(metric string, date time.Time, records []model.CanonicalRecord, expectedSources int) (*model.ReconciledRecord, error) {
	if len(records) == 0 {
		return nil, &NoConsensusError{Metric: metric, Date: date, Reason: "no observations"}
	}

	now := time.Now().UTC()
	rec := &model.ReconciledRecord{
		Metric:    metric,
		Date:      model.Day(date),
		Unit:      records[0].Unit,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if len(records) == 1 {
		only := records[0]
		w := r.authority(only.Source)
		rec.Value = only.Value
		rec.Confidence = w
		rec.Discrepancy = false
		rec.Interpretation = model.InterpretConfidence(w)
		rec.Contributions = []model.Contribution{{Source: only.Source, Value: only.Value, Weight: w}}
		return rec, nil
	}

	med := median(records)
	tol := r.cfg.TolerancePct / 100

	var survivors []model.CanonicalRecord
	discarded := 0
	for _, obs := range records {
		outlier := relativeDistance(obs.Value, med) > tol
		rec.Contributions = append(rec.Contributions, model.Contribution{
			Source:  obs.Source,
			Value:   obs.Value,
			Weight:  r.authority(obs.Source),
			Outlier: outlier,
		})
		if outlier {
			discarded++
			zap.L().Warn("outlier discarded",
				zap.String("metric", metric),
				zap.String("source", obs.Source),
				zap.Float64("value", obs.Value),
				zap.Float64("median", med))
			continue
		}
		survivors = append(survivors, obs)
	}

	if len(survivors) == 0 {
		return nil, &NoConsensusError{
			Metric: metric,
			Date:   date,
			Reason: fmt.Sprintf("all %d observations are mutual outliers", len(records)),
		}
	}

	var weightedSum, weightSum float64
	lo, hi := survivors[0].Value, survivors[0].Value
	for _, obs := range survivors {
		w := r.authority(obs.Source)
		weightedSum += obs.Value * w
		weightSum += w
		if obs.Value < lo {
			lo = obs.Value
		}
		if obs.Value > hi {
			hi = obs.Value
		}
	}
	rec.Value = weightedSum / weightSum

	spreadPct := 0.0
	if rec.Value != 0 {
		spreadPct = (hi - lo) / math.Abs(rec.Value) * 100
	} else if hi != lo {
		spreadPct = 100
	}

	confidence := clamp01(1 - spreadPct/10)
	confidence *= 1 - 0.5*float64(discarded)/float64(len(records))
	if expectedSources > 0 && len(records) < expectedSources {
		confidence *= float64(len(records)) / float64(expectedSources)
	}
	if confidence < r.cfg.ConfidenceFloor {
		confidence = r.cfg.ConfidenceFloor
	}
	rec.Confidence = confidence
	rec.Discrepancy = discarded > 0 || len(records) < r.cfg.MinQuorum
	rec.Interpretation = model.InterpretConfidence(confidence)
	return rec, nil
}

// relativeDistance is |v-ref|/|ref|, degrading to absolute distance
// when the reference is zero.
func relativeDistance(v, ref float64) float64 {
	if ref == 0 {
		return math.Abs(v)
	}
	return math.Abs(v-ref) / math.Abs(ref)
}

func median(records []model.CanonicalRecord) float64 {
	vals := make([]float64, len(records))
	for i, r := range records {
		vals[i] = r.Value
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 0 {
		return (vals[mid-1] + vals[mid]) / 2
	}
	return vals[mid]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
