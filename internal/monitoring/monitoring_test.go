package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/quantfeed/marketfeed/internal/pipeline"
	"github.com/quantfeed/marketfeed/internal/resilience"
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return zap.New(core), logs
}

func cleanSummary() *pipeline.CycleSummary {
	now := time.Now().UTC()
	return &pipeline.CycleSummary{
		Started:     now.Add(-time.Minute),
		Finished:    now,
		Attempted:   3,
		Succeeded:   3,
		SuccessRate: 1,
		Upserted:    2,
	}
}

func TestCollector_RecordsSingleEntry(t *testing.T) {
	log, logs := observedLogger()
	NewCollector(log).Record(cleanSummary())

	entries := logs.FilterMessage("cycle summary").All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 3, fields["attempted"])
	assert.EqualValues(t, 2, fields["upserted"])
	assert.Equal(t, false, fields["cache_degraded"])
}

func TestAlerter_CleanCycleRaisesNothing(t *testing.T) {
	log, logs := observedLogger()
	a := NewAlerter(AlerterConfig{}, log)

	assert.Equal(t, 0, a.Sweep(cleanSummary()))
	assert.Equal(t, 0, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestAlerter_RepeatedRejectionsSignalDrift(t *testing.T) {
	log, logs := observedLogger()
	a := NewAlerter(AlerterConfig{RejectionThreshold: 3}, log)

	s := cleanSummary()
	s.Rejections = map[string]int{"coingecko": 3, "binance": 1}

	assert.Equal(t, 1, a.Sweep(s))
	entries := logs.FilterMessage("probable source drift").All()
	assert.Len(t, entries, 1)
	assert.Equal(t, "coingecko", entries[0].ContextMap()["adapter"])
}

func TestAlerter_OpenBreakerAlerts(t *testing.T) {
	log, logs := observedLogger()
	a := NewAlerter(AlerterConfig{}, log)

	s := cleanSummary()
	s.Breakers = map[string]resilience.CircuitState{
		"api.binance.com":   resilience.CircuitOpen,
		"api.coingecko.com": resilience.CircuitClosed,
	}

	assert.Equal(t, 1, a.Sweep(s))
	assert.Equal(t, 1, logs.FilterMessage("circuit open").Len())
}

func TestAlerter_DegradedCacheAlerts(t *testing.T) {
	log, logs := observedLogger()
	a := NewAlerter(AlerterConfig{}, log)

	s := cleanSummary()
	s.Degraded = true

	assert.Equal(t, 1, a.Sweep(s))
	assert.Equal(t, 1, logs.FilterMessage("cache degraded to memory-only").Len())
}

func TestAlerter_MultipleConditionsStack(t *testing.T) {
	log, _ := observedLogger()
	a := NewAlerter(AlerterConfig{}, log)

	s := cleanSummary()
	s.Rejections = map[string]int{"coingecko": 5}
	s.Breakers = map[string]resilience.CircuitState{"api.binance.com": resilience.CircuitOpen}
	s.Degraded = true

	assert.Equal(t, 3, a.Sweep(s))
}
