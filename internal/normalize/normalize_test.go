package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketfeed/internal/adapter"
	"github.com/quantfeed/marketfeed/internal/model"
)

func loadSpec(t *testing.T, yaml string) adapter.Spec {
	t.Helper()
	reg, err := adapter.Load([]byte(yaml))
	require.NoError(t, err)
	specs := reg.All()
	require.Len(t, specs, 1)
	return specs[0]
}

const jsonAdapter = `
adapters:
  - id: coingecko
    url: https://api.coingecko.com/api/v3/coins/bitcoin
    retrieval_mode: http
    expected_format: json
    metric_class: fast
    rules:
      - metric: btc_price_usd
        strategy: json-path
        path: market_data.current_price.usd
        unit: usd
        required: true
      - metric: btc_dominance
        strategy: json-path
        path: market_data.dominance_pct
        parse: percent
      - metric: asset_symbol
        strategy: json-path
        path: symbol
        parse: text
    drift_locks:
      asset_symbol: btc
`

func freshArtifact(payload string) *model.RawArtifact {
	return &model.RawArtifact{
		ID:          "art-1",
		AdapterID:   "coingecko",
		RetrievedAt: time.Now().UTC(),
		Payload:     []byte(payload),
		Outcome:     model.OutcomeSuccess,
	}
}

func TestNormalize_JSON(t *testing.T) {
	spec := loadSpec(t, jsonAdapter)
	n := NewNormalizer(Options{})

	art := freshArtifact(`{"symbol":"btc","market_data":{"current_price":{"usd":92150.5},"dominance_pct":55.2}}`)
	records, err := n.Normalize(spec, art)
	require.NoError(t, err)
	require.Len(t, records, 2)

	price := records[0]
	assert.Equal(t, "btc_price_usd", price.Metric)
	assert.Equal(t, 92150.5, price.Value)
	assert.Equal(t, "usd", price.Unit)
	assert.Equal(t, "coingecko", price.Source)
	assert.Equal(t, "art-1", price.ArtifactID)
	assert.False(t, price.Stale)
	assert.Equal(t, model.Day(time.Now().UTC()), price.Date)

	dominance := records[1]
	assert.InDelta(t, 0.552, dominance.Value, 1e-9)
}

func TestNormalize_MissingRequiredRejects(t *testing.T) {
	spec := loadSpec(t, jsonAdapter)
	n := NewNormalizer(Options{})

	art := freshArtifact(`{"symbol":"btc","market_data":{}}`)
	_, err := n.Normalize(spec, art)

	var sv *SchemaViolationError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, "btc_price_usd", sv.Field)
	assert.Equal(t, map[string]int{"coingecko": 1}, n.Rejections())
}

func TestNormalize_MissingOptionalSkipped(t *testing.T) {
	spec := loadSpec(t, jsonAdapter)
	n := NewNormalizer(Options{})

	art := freshArtifact(`{"symbol":"btc","market_data":{"current_price":{"usd":100}}}`)
	records, err := n.Normalize(spec, art)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "btc_price_usd", records[0].Metric)
}

func TestNormalize_UnparseableRequiredRejects(t *testing.T) {
	spec := loadSpec(t, jsonAdapter)
	n := NewNormalizer(Options{})

	art := freshArtifact(`{"symbol":"btc","market_data":{"current_price":{"usd":"soon"}}}`)
	_, err := n.Normalize(spec, art)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "btc_price_usd", pe.Field)
	assert.Equal(t, "soon", pe.Raw)
}

func TestNormalize_DriftLockRejects(t *testing.T) {
	spec := loadSpec(t, jsonAdapter)
	n := NewNormalizer(Options{})

	art := freshArtifact(`{"symbol":"eth","market_data":{"current_price":{"usd":100}}}`)
	_, err := n.Normalize(spec, art)

	var de *DriftError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "asset_symbol", de.Field)
	assert.Equal(t, "btc", de.Want)
	assert.Equal(t, "eth", de.Got)
}

func TestNormalize_StaleMarkedNotDropped(t *testing.T) {
	spec := loadSpec(t, jsonAdapter) // fast class: stale after 15m
	n := NewNormalizer(Options{})

	art := freshArtifact(`{"symbol":"btc","market_data":{"current_price":{"usd":100}}}`)
	art.RetrievedAt = time.Now().UTC().Add(-time.Hour)

	records, err := n.Normalize(spec, art)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.True(t, records[0].Stale)
}

func TestNormalize_FailedArtifactRefused(t *testing.T) {
	spec := loadSpec(t, jsonAdapter)
	n := NewNormalizer(Options{})

	art := freshArtifact("")
	art.Outcome = model.OutcomeFailure
	_, err := n.Normalize(spec, art)
	assert.Error(t, err)
}

func TestNormalize_DateField(t *testing.T) {
	spec := loadSpec(t, `
adapters:
  - id: daily-export
    url: https://stats.example.com/export
    retrieval_mode: http
    expected_format: json
    date_field: report_date
    rules:
      - metric: report_date
        strategy: json-path
        path: as_of
        parse: text
      - metric: btc_hashrate
        strategy: json-path
        path: hashrate
`)
	n := NewNormalizer(Options{})

	art := freshArtifact(`{"as_of":"August 27, 2026","hashrate":712}`)
	records, err := n.Normalize(spec, art)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), records[0].Date)
}

func TestNormalize_HTML(t *testing.T) {
	spec := loadSpec(t, `
adapters:
  - id: explorer
    url: https://explorer.example.com/stats
    retrieval_mode: http
    expected_format: html
    rules:
      - metric: btc_price_usd
        strategy: css-select
        selector: "#market-price"
        required: true
`)
	n := NewNormalizer(Options{})

	art := freshArtifact(`<html><body><span id="market-price">$92,150</span></body></html>`)
	art.ContentType = "text/html"

	records, err := n.Normalize(spec, art)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 92150.0, records[0].Value)
}

func TestNormalize_JSONFromCapturedXHR(t *testing.T) {
	spec := loadSpec(t, `
adapters:
  - id: charts
    url: https://charts.example.com/btc
    retrieval_mode: browser
    expected_format: json
    browser:
      capture_xhr: /api/
    rules:
      - metric: btc_price_usd
        strategy: json-path
        path: price
        required: true
`)
	n := NewNormalizer(Options{})

	art := freshArtifact(`<html><body>rendered dom</body></html>`)
	art.XHR = []model.XHRCapture{
		{URL: "https://charts.example.com/api/price", Body: []byte(`{"price":91990}`)},
	}

	records, err := n.Normalize(spec, art)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 91990.0, records[0].Value)
}

func TestNormalize_ZScoreGuard(t *testing.T) {
	spec := loadSpec(t, jsonAdapter)
	history := []float64{100, 101, 99, 100, 100, 101, 99}
	n := NewNormalizer(Options{
		History: func(metric string) []float64 { return history },
		MaxZ:    4,
	})

	art := freshArtifact(`{"symbol":"btc","market_data":{"current_price":{"usd":5000}}}`)
	records, err := n.Normalize(spec, art)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, n.Rejections()["coingecko"])
}

func TestNormalize_ResetClearsRejections(t *testing.T) {
	n := NewNormalizer(Options{})
	n.rejections["x"] = 3
	n.Reset()
	assert.Empty(t, n.Rejections())
}
