// Package normalize turns raw artifacts into canonical metric records.
// Every artifact either yields records or a typed rejection; nothing is
// silently dropped, and stale data is marked rather than discarded.
package normalize

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/quantfeed/marketfeed/internal/adapter"
	"github.com/quantfeed/marketfeed/internal/extract"
	"github.com/quantfeed/marketfeed/internal/model"
)

// Options tunes the normalizer.
type Options struct {
	// History, when set, supplies a trailing window of recent values
	// for a metric so implausible spikes can be rejected by z-score.
	History func(metric string) []float64

	// MaxZ is the z-score bound applied when history is available and
	// deep enough. Default 4.
	MaxZ float64

	// MinHistory is the window depth below which the z-score guard is
	// skipped. Default 5.
	MinHistory int
}

// Normalizer applies a spec's extraction rules and parse transforms to
// one artifact at a time. Safe for concurrent use.
type Normalizer struct {
	opts    Options
	nowFunc func() time.Time

	mu         sync.Mutex
	rejections map[string]int
}

func NewNormalizer(opts Options) *Normalizer {
	if opts.MaxZ <= 0 {
		opts.MaxZ = 4
	}
	if opts.MinHistory <= 0 {
		opts.MinHistory = 5
	}
	return &Normalizer{
		opts:       opts,
		nowFunc:    time.Now,
		rejections: make(map[string]int),
	}
}

// Rejections returns a snapshot of per-adapter rejection counts since
// the last Reset. The drift alerter reads this.
func (n *Normalizer) Rejections() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int, len(n.rejections))
	for k, v := range n.rejections {
		out[k] = v
	}
	return out
}

// Reset clears rejection counts, typically after an alert sweep.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	n.rejections = make(map[string]int)
	n.mu.Unlock()
}

func (n *Normalizer) reject(adapterID string, err error) error {
	n.mu.Lock()
	n.rejections[adapterID]++
	n.mu.Unlock()
	zap.L().Warn("artifact rejected",
		zap.String("adapter", adapterID), zap.Error(err))
	return err
}

// Normalize extracts every rule of the spec from the artifact. A drift
// violation, a missing required field, or an unparseable required
// field rejects the artifact whole; optional fields degrade to
// omission. Values older than the freshness bound come back with
// Stale=true, never dropped.
func (n *Normalizer) Normalize(spec adapter.Spec, art *model.RawArtifact) ([]model.CanonicalRecord, error) {
	if art.Outcome == model.OutcomeFailure {
		return nil, eris.Errorf("normalize: artifact %s recorded a failed fetch", art.ID)
	}

	doc := n.selectDocument(spec, art)

	if err := n.checkDriftLocks(spec, doc); err != nil {
		return nil, n.reject(spec.ID, err)
	}

	date, err := n.resolveDate(spec, doc, art)
	if err != nil {
		return nil, n.reject(spec.ID, err)
	}

	now := n.nowFunc().UTC()
	stale := n.isStale(spec, art, now)

	var records []model.CanonicalRecord
	for i := range spec.Rules {
		rule := &spec.Rules[i]
		if rule.Parse == "text" || rule.Metric == spec.DateField {
			continue
		}

		raw, err := rule.Extractor().Extract(doc)
		if err != nil {
			var nf *extract.NotFoundError
			if eris.As(err, &nf) {
				if !rule.Required {
					continue
				}
				return nil, n.reject(spec.ID, &SchemaViolationError{
					Adapter: spec.ID,
					Field:   rule.Metric,
					Detail:  nf.Detail,
				})
			}
			return nil, n.reject(spec.ID, eris.Wrapf(err, "normalize: extract %q from %s", rule.Metric, spec.ID))
		}

		value, err := n.parseValue(rule, raw)
		if err != nil {
			perr := &ParseError{Adapter: spec.ID, Field: rule.Metric, Raw: raw, Err: err}
			if !rule.Required {
				zap.L().Warn("optional field dropped",
					zap.String("adapter", spec.ID),
					zap.String("metric", rule.Metric),
					zap.Error(perr))
				continue
			}
			return nil, n.reject(spec.ID, perr)
		}

		if n.implausible(rule.Metric, value) {
			zap.L().Warn("value outside trailing window, dropped",
				zap.String("adapter", spec.ID),
				zap.String("metric", rule.Metric),
				zap.Float64("value", value))
			n.mu.Lock()
			n.rejections[spec.ID]++
			n.mu.Unlock()
			continue
		}

		records = append(records, model.CanonicalRecord{
			Metric:       rule.Metric,
			Date:         date,
			Value:        value,
			Unit:         rule.Unit,
			Source:       spec.ID,
			ArtifactID:   art.ID,
			NormalizedAt: now,
			Stale:        stale,
		})
	}
	return records, nil
}

// selectDocument picks the bytes the strategies run against. JSON
// adapters rendered through a browser often carry the data in a
// captured background response rather than the settled DOM.
func (n *Normalizer) selectDocument(spec adapter.Spec, art *model.RawArtifact) []byte {
	if spec.Format == adapter.FormatJSON && !gjson.ValidBytes(art.Payload) {
		for _, captured := range art.XHR {
			if gjson.ValidBytes(captured.Body) {
				return captured.Body
			}
		}
	}
	return art.Payload
}

func (n *Normalizer) checkDriftLocks(spec adapter.Spec, doc []byte) error {
	for field, want := range spec.DriftLocks {
		rule := findRule(spec, field)
		if rule == nil {
			return eris.Errorf("normalize: drift lock %q names no rule in %s", field, spec.ID)
		}
		got, err := rule.Extractor().Extract(doc)
		if err != nil {
			return &DriftError{Adapter: spec.ID, Field: field, Want: want, Got: "<missing>"}
		}
		if strings.TrimSpace(got) != want {
			return &DriftError{Adapter: spec.ID, Field: field, Want: want, Got: got}
		}
	}
	return nil
}

func (n *Normalizer) resolveDate(spec adapter.Spec, doc []byte, art *model.RawArtifact) (time.Time, error) {
	if spec.DateField == "" {
		return model.Day(art.RetrievedAt.UTC()), nil
	}
	rule := findRule(spec, spec.DateField)
	raw, err := rule.Extractor().Extract(doc)
	if err != nil {
		return time.Time{}, &SchemaViolationError{
			Adapter: spec.ID,
			Field:   spec.DateField,
			Detail:  "date field missing",
		}
	}
	t, err := dateparse.ParseAny(strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, &ParseError{Adapter: spec.ID, Field: spec.DateField, Raw: raw, Err: err}
	}
	return model.Day(t.UTC()), nil
}

func (n *Normalizer) parseValue(rule *adapter.Rule, raw string) (float64, error) {
	v, err := ParseNumber(raw)
	if err != nil {
		return 0, err
	}
	if rule.Parse == "percent" {
		v /= 100
	}
	return v, nil
}

// isStale compares the artifact's retrieval time against the source's
// freshness bound, falling back to the metric class default.
func (n *Normalizer) isStale(spec adapter.Spec, art *model.RawArtifact, now time.Time) bool {
	maxAge := spec.Quality.MaxAge()
	if maxAge == 0 {
		maxAge = classMaxAge(spec.MetricClass)
	}
	if maxAge == 0 {
		return false
	}
	return now.Sub(art.RetrievedAt) > maxAge
}

func classMaxAge(class model.PolicyClass) time.Duration {
	switch class {
	case model.PolicyRealtime:
		return time.Minute
	case model.PolicyFast:
		return 15 * time.Minute
	case model.PolicyMedium:
		return 2 * time.Hour
	case model.PolicySlow:
		return 24 * time.Hour
	case model.PolicyDaily:
		return 48 * time.Hour
	default:
		return 0
	}
}

func (n *Normalizer) implausible(metric string, value float64) bool {
	if n.opts.History == nil {
		return false
	}
	hist := n.opts.History(metric)
	if len(hist) < n.opts.MinHistory {
		return false
	}
	var sum float64
	for _, v := range hist {
		sum += v
	}
	mean := sum / float64(len(hist))
	var ss float64
	for _, v := range hist {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(hist)))
	if std == 0 {
		return value != mean
	}
	return math.Abs(value-mean)/std > n.opts.MaxZ
}

func findRule(spec adapter.Spec, metric string) *adapter.Rule {
	for i := range spec.Rules {
		if spec.Rules[i].Metric == metric {
			return &spec.Rules[i]
		}
	}
	return nil
}
