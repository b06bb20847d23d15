// Package model defines the record types that flow through the
// acquisition pipeline: raw artifacts, canonical records, reconciled
// records, and cache entries.
package model

import (
	"encoding/json"
	"time"
)

// Outcome tags the result of a single fetch attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// XHRCapture holds one background JSON response captured while a
// browser-mode adapter rendered its page.
type XHRCapture struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}

// RawArtifact is the immutable record of one fetch attempt. Failed
// attempts still produce an artifact (empty payload, outcome=failure)
// so the audit trail stays complete. Newer artifacts supersede older
// ones; nothing is deleted.
type RawArtifact struct {
	ID          string       `json:"id"`
	AdapterID   string       `json:"adapter_id"`
	RetrievedAt time.Time    `json:"retrieved_at"`
	Payload     []byte       `json:"-"`
	ContentType string       `json:"content_type,omitempty"`
	Outcome     Outcome      `json:"outcome"`
	Failure     string       `json:"failure,omitempty"`
	XHR         []XHRCapture `json:"-"`

	// Set by the artifact store after the payload is persisted.
	PayloadPath    string `json:"payload_path,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// CanonicalRecord is one normalized, schema-validated metric value
// extracted from exactly one RawArtifact.
type CanonicalRecord struct {
	Metric       string    `json:"metric"`
	Date         time.Time `json:"date"` // UTC, day granularity unless intraday
	Value        float64   `json:"value"`
	Unit         string    `json:"unit,omitempty"`
	Source       string    `json:"source"`
	ArtifactID   string    `json:"artifact_id"`
	NormalizedAt time.Time `json:"normalized_at"`

	// Stale marks a value that failed the freshness bound for its
	// metric class. Stale data is carried through with the mark, not
	// discarded.
	Stale bool `json:"stale,omitempty"`
}

// Contribution records one source's input to a reconciled value.
type Contribution struct {
	Source  string  `json:"source"`
	Value   float64 `json:"value"`
	Weight  float64 `json:"weight"`
	Outlier bool    `json:"outlier,omitempty"`
}

// ReconciledRecord is the single trusted value for a (metric, date)
// key, produced from one or more CanonicalRecords. Upserted: a later
// resolution overwrites the value but CreatedAt is retained for
// lineage.
type ReconciledRecord struct {
	Metric         string         `json:"metric"`
	Date           time.Time      `json:"date"`
	Value          float64        `json:"value"`
	Unit           string         `json:"unit,omitempty"`
	Contributions  []Contribution `json:"contributions"`
	Confidence     float64        `json:"confidence"`
	Discrepancy    bool           `json:"discrepancy"`
	Interpretation string         `json:"interpretation,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PolicyClass maps metric volatility to a cache TTL.
type PolicyClass string

const (
	PolicyRealtime  PolicyClass = "realtime"
	PolicyFast      PolicyClass = "fast"
	PolicyMedium    PolicyClass = "medium"
	PolicySlow      PolicyClass = "slow"
	PolicyDaily     PolicyClass = "daily"
	PolicyPermanent PolicyClass = "permanent"
)

// CacheEntry is one freshness-aware cached value. ExpiresAt is always
// derived from the policy class and RefreshedAt; it is never zero once
// the entry exists.
type CacheEntry struct {
	Key         string      `json:"key"`
	Value       []byte      `json:"value"`
	Policy      PolicyClass `json:"policy"`
	RefreshedAt time.Time   `json:"refreshed_at"`
	ExpiresAt   time.Time   `json:"expires_at"`

	// Stale is set when an expired entry is served because a live
	// refresh failed (stale-while-revalidate).
	Stale bool `json:"stale,omitempty"`
}

// Expired reports whether the entry is past its freshness window.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Day truncates t to UTC day granularity.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// InterpretConfidence maps a confidence score to a human band.
func InterpretConfidence(conf float64) string {
	switch {
	case conf >= 0.9:
		return "high"
	case conf >= 0.7:
		return "moderate"
	case conf >= 0.5:
		return "low"
	default:
		return "unreliable"
	}
}
