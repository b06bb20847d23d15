// Package monitoring turns cycle summaries into structured execution
// logs and operational alerts.
package monitoring

import (
	"go.uber.org/zap"

	"github.com/quantfeed/marketfeed/internal/pipeline"
	"github.com/quantfeed/marketfeed/internal/resilience"
)

// Collector emits the per-cycle execution log.
type Collector struct {
	log *zap.Logger
}

func NewCollector(log *zap.Logger) *Collector {
	if log == nil {
		log = zap.L()
	}
	return &Collector{log: log}
}

// Record logs one cycle summary as a single structured entry.
func (c *Collector) Record(summary *pipeline.CycleSummary) {
	fields := []zap.Field{
		zap.Time("started", summary.Started),
		zap.Time("finished", summary.Finished),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Float64("success_rate", summary.SuccessRate),
		zap.Int("upserted", summary.Upserted),
		zap.Bool("cache_degraded", summary.Degraded),
	}
	if len(summary.NoConsensus) > 0 {
		fields = append(fields, zap.Strings("no_consensus", summary.NoConsensus))
	}
	if summary.UpsertErrs > 0 {
		fields = append(fields, zap.Int("upsert_errors", summary.UpsertErrs))
	}
	c.log.Info("cycle summary", fields...)
}

// AlerterConfig sets alert thresholds.
type AlerterConfig struct {
	// RejectionThreshold is the per-adapter rejection count in one
	// sweep that signals probable source drift. Default 3.
	RejectionThreshold int
}

// Alerter watches for conditions a person should look at: an adapter
// whose payloads keep getting rejected has probably changed shape, and
// an open breaker means a host is down or blocking us.
type Alerter struct {
	cfg AlerterConfig
	log *zap.Logger
}

func NewAlerter(cfg AlerterConfig, log *zap.Logger) *Alerter {
	if cfg.RejectionThreshold <= 0 {
		cfg.RejectionThreshold = 3
	}
	if log == nil {
		log = zap.L()
	}
	return &Alerter{cfg: cfg, log: log}
}

// Sweep inspects a cycle summary and logs one alert per condition.
// Returns the number of alerts raised.
func (a *Alerter) Sweep(summary *pipeline.CycleSummary) int {
	alerts := 0
	for adapterID, count := range summary.Rejections {
		if count >= a.cfg.RejectionThreshold {
			alerts++
			a.log.Error("probable source drift",
				zap.String("adapter", adapterID),
				zap.Int("rejections", count))
		}
	}
	for host, state := range summary.Breakers {
		if state == resilience.CircuitOpen {
			alerts++
			a.log.Error("circuit open",
				zap.String("host", host))
		}
	}
	if summary.Degraded {
		alerts++
		a.log.Error("cache degraded to memory-only")
	}
	return alerts
}
