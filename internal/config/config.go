// Package config loads the process configuration from file and
// environment. Every knob has a default; an absent config file is
// fine, an unreadable one is fatal.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type StoreConfig struct {
	// Backend is sqlite or postgres.
	Backend string `mapstructure:"backend"`
	// Path is the sqlite database file.
	Path string `mapstructure:"path"`
	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn"`
}

type FetchConfig struct {
	UserAgent      string             `mapstructure:"user_agent"`
	Timeout        time.Duration      `mapstructure:"timeout"`
	MaxRetries     int                `mapstructure:"max_retries"`
	Parallelism    int                `mapstructure:"parallelism"`
	CycleTimeout   time.Duration      `mapstructure:"cycle_timeout"`
	AttemptTimeout time.Duration      `mapstructure:"attempt_timeout"`
	DefaultRate    float64            `mapstructure:"default_rate"`
	RateLimits     map[string]float64 `mapstructure:"rate_limits"`
}

type RenderConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxContexts int           `mapstructure:"max_contexts"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type ConsensusConfig struct {
	TolerancePct     float64            `mapstructure:"tolerance_pct"`
	ConfidenceFloor  float64            `mapstructure:"confidence_floor"`
	MinQuorum        int                `mapstructure:"min_quorum"`
	DefaultAuthority float64            `mapstructure:"default_authority"`
	Authorities      map[string]float64 `mapstructure:"authorities"`
}

type MonitorConfig struct {
	RejectionThreshold int `mapstructure:"rejection_threshold"`
}

type Config struct {
	Adapters     string          `mapstructure:"adapters"`
	ArtifactRoot string          `mapstructure:"artifact_root"`
	LogLevel     string          `mapstructure:"log_level"`
	LogFormat    string          `mapstructure:"log_format"`
	Store        StoreConfig     `mapstructure:"store"`
	Fetch        FetchConfig     `mapstructure:"fetch"`
	Render       RenderConfig    `mapstructure:"render"`
	Breaker      BreakerConfig   `mapstructure:"breaker"`
	Consensus    ConsensusConfig `mapstructure:"consensus"`
	Monitor      MonitorConfig   `mapstructure:"monitor"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("adapters", "adapters.yaml")
	v.SetDefault("artifact_root", "artifacts")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "marketfeed.db")

	v.SetDefault("fetch.user_agent", "marketfeed/1.0")
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.parallelism", 4)
	v.SetDefault("fetch.cycle_timeout", 2*time.Minute)
	v.SetDefault("fetch.attempt_timeout", 45*time.Second)
	v.SetDefault("fetch.default_rate", 5)

	v.SetDefault("render.timeout", 60*time.Second)
	v.SetDefault("render.max_contexts", 3)

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", time.Minute)

	v.SetDefault("consensus.tolerance_pct", 2.0)
	v.SetDefault("consensus.confidence_floor", 0.2)
	v.SetDefault("consensus.min_quorum", 2)
	v.SetDefault("consensus.default_authority", 0.75)

	v.SetDefault("monitor.rejection_threshold", 3)
}

// Load reads configuration. path may be empty, in which case only the
// search paths and environment are consulted. A missing file falls
// back to defaults; a present but unreadable file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MARKETFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, eris.Wrapf(err, "config: read %s", path)
		}
	} else {
		v.SetConfigName("marketfeed")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/marketfeed")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, eris.Wrap(err, "config: read")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// InitLogger builds the process logger and installs it globally.
// format is json or console.
func InitLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, eris.Wrapf(err, "config: bad log level %q", level)
	}
	zcfg := zap.NewProductionConfig()
	switch format {
	case "", "json":
	case "console":
		zcfg.Encoding = "console"
	default:
		return nil, eris.Errorf("config: bad log format %q", format)
	}
	zcfg.Level = lvl
	log, err := zcfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(log)
	return log, nil
}
