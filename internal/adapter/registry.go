package adapter

import (
	"net/url"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quantfeed/marketfeed/internal/extract"
)

// Registry is the immutable set of loaded adapter specs. Extraction
// strategies are compiled here, once, so a bad rule is a load-time
// configuration error rather than a per-fetch surprise.
type Registry struct {
	specs []Spec
	byID  map[string]*Spec
}

type registryFile struct {
	Adapters []Spec `yaml:"adapters"`
}

// LoadFile reads and validates the adapter registry from a YAML file.
// Configuration errors here are fatal to the pipeline; nothing else is.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}
	return Load(data)
}

// Load parses and validates adapter definitions from YAML bytes.
func Load(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "registry: parse yaml")
	}
	if len(file.Adapters) == 0 {
		return nil, eris.New("registry: no adapters defined")
	}

	reg := &Registry{
		specs: file.Adapters,
		byID:  make(map[string]*Spec, len(file.Adapters)),
	}

	for i := range reg.specs {
		spec := &reg.specs[i]
		if err := validateSpec(spec); err != nil {
			return nil, err
		}
		if _, dup := reg.byID[spec.ID]; dup {
			return nil, eris.Errorf("registry: duplicate adapter id %q", spec.ID)
		}
		for j := range spec.Rules {
			if err := compileRule(spec, &spec.Rules[j]); err != nil {
				return nil, err
			}
		}
		reg.byID[spec.ID] = spec
	}

	zap.L().Info("adapter registry loaded",
		zap.Int("adapters", len(reg.specs)),
		zap.Int("enabled", len(reg.Enabled())),
	)
	return reg, nil
}

// All returns every loaded spec, including disabled ones.
func (r *Registry) All() []Spec { return r.specs }

// Enabled returns the specs eligible for a fetch cycle.
func (r *Registry) Enabled() []Spec {
	var out []Spec
	for _, s := range r.specs {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the spec with the given id, or nil.
func (r *Registry) Get(id string) *Spec { return r.byID[id] }

// ExpectedSources returns, per metric, how many enabled adapters are
// configured to report it. The resolver uses this for coverage scoring.
func (r *Registry) ExpectedSources() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.Enabled() {
		for _, rule := range s.Rules {
			counts[rule.Metric]++
		}
	}
	return counts
}

func validateSpec(spec *Spec) error {
	if spec.ID == "" {
		return eris.New("registry: adapter with empty id")
	}
	u, err := url.Parse(spec.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return eris.Errorf("registry: adapter %q has invalid url %q", spec.ID, spec.URL)
	}
	switch spec.Mode {
	case ModeHTTP, ModeBrowser:
	default:
		return eris.Errorf("registry: adapter %q has unknown retrieval_mode %q", spec.ID, spec.Mode)
	}
	switch spec.Format {
	case FormatJSON, FormatHTML, FormatXLSX:
	default:
		return eris.Errorf("registry: adapter %q has unknown expected_format %q", spec.ID, spec.Format)
	}
	if spec.MetricClass == "" {
		spec.MetricClass = "daily"
	}
	if len(spec.Rules) == 0 {
		return eris.Errorf("registry: adapter %q has no extraction rules", spec.ID)
	}
	if spec.Quality.Authority < 0 || spec.Quality.Authority > 1 {
		return eris.Errorf("registry: adapter %q authority %v outside [0,1]", spec.ID, spec.Quality.Authority)
	}
	for field := range spec.DriftLocks {
		if !spec.hasRule(field) {
			return eris.Errorf("registry: adapter %q drift lock %q names no rule", spec.ID, field)
		}
	}
	if spec.DateField != "" && !spec.hasRule(spec.DateField) {
		return eris.Errorf("registry: adapter %q date_field %q names no rule", spec.ID, spec.DateField)
	}
	return nil
}

func (s *Spec) hasRule(metric string) bool {
	for _, r := range s.Rules {
		if r.Metric == metric {
			return true
		}
	}
	return false
}

// Host returns the adapter URL's host, the key for rate limiting and
// circuit breaking.
func (s *Spec) Host() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return s.URL
	}
	return u.Host
}

func compileRule(spec *Spec, rule *Rule) error {
	if rule.Metric == "" {
		return eris.Errorf("registry: adapter %q has a rule with no metric", spec.ID)
	}

	var (
		strat extract.Strategy
		err   error
	)
	switch rule.Strategy {
	case "json-path":
		strat, err = extract.NewJSONPath(rule.Path)
	case "label-regex":
		strat, err = extract.NewLabelRegex(rule.Pattern, rule.Readable)
	case "css-select":
		strat, err = extract.NewCSSSelect(rule.Selector)
	case "table-by-headers":
		strat, err = extract.NewTableByHeaders(rule.Columns, rule.RowKey, rule.Column)
	case "xlsx-table":
		strat, err = extract.NewXLSXTable(rule.Sheet, rule.Columns, rule.RowKey, rule.Column)
	default:
		return eris.Errorf("registry: adapter %q rule %q has unknown strategy %q",
			spec.ID, rule.Metric, rule.Strategy)
	}
	if err != nil {
		return eris.Wrapf(err, "registry: adapter %q rule %q", spec.ID, rule.Metric)
	}

	rule.compiled = strat
	return nil
}
