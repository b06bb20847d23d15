// Package adapter holds the declarative registry of data sources. The
// registry file is the primary external contract: new sources are added
// by configuration, never by changes to the fetch executor.
package adapter

import (
	"time"

	"github.com/quantfeed/marketfeed/internal/extract"
	"github.com/quantfeed/marketfeed/internal/model"
)

// Mode selects the retrieval strategy for a source.
type Mode string

const (
	ModeHTTP    Mode = "http"    // direct request
	ModeBrowser Mode = "browser" // rendered through the shared session pool
)

// Format tells the normalizer how to interpret the raw payload.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatXLSX Format = "xlsx"
)

// Rule maps one metric to an extraction strategy. The strategy fields
// form a closed set resolved at load time; Strategy names one of
// json-path, label-regex, css-select, table-by-headers, xlsx-table.
type Rule struct {
	Metric   string `yaml:"metric"`
	Strategy string `yaml:"strategy"`

	// Strategy parameters; which are used depends on Strategy.
	Path     string   `yaml:"path,omitempty"`     // json-path
	Pattern  string   `yaml:"pattern,omitempty"`  // label-regex
	Readable bool     `yaml:"readable,omitempty"` // label-regex preprocessing
	Selector string   `yaml:"selector,omitempty"` // css-select
	Columns  []string `yaml:"columns,omitempty"`  // table strategies
	RowKey   string   `yaml:"row_key,omitempty"`
	Column   string   `yaml:"column,omitempty"`
	Sheet    string   `yaml:"sheet,omitempty"` // xlsx-table

	// Parse names the normalizer transform: number, percent, text.
	// Default: number.
	Parse    string `yaml:"parse,omitempty"`
	Unit     string `yaml:"unit,omitempty"`
	Required bool   `yaml:"required,omitempty"`

	compiled extract.Strategy
}

// Extractor returns the strategy compiled at registry load.
func (r *Rule) Extractor() extract.Strategy { return r.compiled }

// Browser configures a browser-mode adapter's rendering session.
type Browser struct {
	// WaitSelector is the content-readiness condition: a CSS selector
	// that must be present before the page counts as loaded.
	WaitSelector string `yaml:"wait_selector,omitempty"`

	// CaptureXHR filters background responses to capture; matched as a
	// substring of the response URL or content type. Empty = no capture.
	CaptureXHR string `yaml:"capture_xhr,omitempty"`

	// Screenshot requests a full-page screenshot as an audit artifact.
	Screenshot bool `yaml:"screenshot,omitempty"`

	// ScrollPasses scrolls the page to trigger lazy loading.
	ScrollPasses int `yaml:"scroll_passes,omitempty"`
}

// Quality carries per-source quality hints used by the resolver and
// the normalizer's freshness check.
type Quality struct {
	// Authority is the static weight of this source in consensus,
	// in (0, 1]. Zero means "use the configured default".
	Authority float64 `yaml:"authority,omitempty"`

	// MaxAgeHours bounds how old the source's data may be before
	// records are marked stale. Zero means "use the metric-class
	// default".
	MaxAgeHours float64 `yaml:"max_age_hours,omitempty"`
}

// MaxAge returns the freshness bound as a duration, zero when unset.
func (q Quality) MaxAge() time.Duration {
	return time.Duration(q.MaxAgeHours * float64(time.Hour))
}

// Spec describes one data source. Immutable after load; owned by the
// Registry.
type Spec struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Mode   Mode   `yaml:"retrieval_mode"`
	Format Format `yaml:"expected_format"`

	// MetricClass ties the adapter's metrics to a cache policy class
	// and freshness bound (realtime, fast, medium, slow, daily).
	MetricClass model.PolicyClass `yaml:"metric_class"`

	// DateField optionally names a rule whose extracted value is the
	// logical date of all metrics in this payload. Empty = today.
	DateField string `yaml:"date_field,omitempty"`

	Rules []Rule `yaml:"rules"`

	// DriftLocks pin fields whose extracted value is expected to stay
	// stable; a mismatch signals the source changed shape and rejects
	// the artifact.
	DriftLocks map[string]string `yaml:"drift_locks,omitempty"`

	Browser *Browser `yaml:"browser,omitempty"`
	Quality Quality  `yaml:"quality,omitempty"`

	Disabled bool `yaml:"disabled,omitempty"`
}
