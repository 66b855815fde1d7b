package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config holds everything a run needs. It is passed explicitly to each component.
type Config struct {
	Connection Connection `yaml:"connection" json:"connection"`
	Dialect    string     `yaml:"dialect" json:"dialect"`

	NumRetries        int           `yaml:"num_retries" json:"num_retries"`
	NumWarmup         int           `yaml:"num_warmup" json:"num_warmup"`
	SkipTimeoutDelta  time.Duration `yaml:"skip_timeout_delta" json:"skip_timeout_delta"`
	TestQueryTimeout  time.Duration `yaml:"test_query_timeout" json:"test_query_timeout"`
	AllPairsThreshold int           `yaml:"all_pairs_threshold" json:"all_pairs_threshold"`
	PlansOnly         bool          `yaml:"plans_only" json:"plans_only"`
	ExitOnFail        bool          `yaml:"exit_on_fail" json:"exit_on_fail"`
	ExplainAnalyze    bool          `yaml:"explain_analyze" json:"explain_analyze"`
	Optimizations     bool          `yaml:"optimizations" json:"optimizations"`

	// SessionProps are applied with set_config before every query.
	SessionProps map[string]string `yaml:"session_props,omitempty" json:"session_props,omitempty"`
	BaselinePath string            `yaml:"baseline_path,omitempty" json:"baseline_path,omitempty"`
	GitMessage   string            `yaml:"git_message,omitempty" json:"git_message,omitempty"`

	Insights InsightConfig `yaml:"insights" json:"insights"`
	Diff     DiffConfig    `yaml:"diff" json:"diff"`
}

// Connection describes how to reach the database under test.
type Connection struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
}

// InsightConfig defines thresholds for per-query findings.
type InsightConfig struct {
	BestRatioWarning  float64 `yaml:"best_ratio_warning" json:"best_ratio_warning"`
	BestRatioCritical float64 `yaml:"best_ratio_critical" json:"best_ratio_critical"`
	MinDefaultTimeMs  float64 `yaml:"min_default_time_ms" json:"min_default_time_ms"`

	HotspotWarningPercent   float64 `yaml:"hotspot_warning_percent" json:"hotspot_warning_percent"`
	HotspotCriticalPercent  float64 `yaml:"hotspot_critical_percent" json:"hotspot_critical_percent"`
	RowEstimateCriticalHigh float64 `yaml:"row_estimate_critical_high" json:"row_estimate_critical_high"`
	RowEstimateCriticalLow  float64 `yaml:"row_estimate_critical_low" json:"row_estimate_critical_low"`
	NestedLoopWarnLoops     float64 `yaml:"nested_loop_warn_loops" json:"nested_loop_warn_loops"`
	NestedLoopCriticalLoops float64 `yaml:"nested_loop_critical_loops" json:"nested_loop_critical_loops"`
}

// DiffConfig defines thresholds for run-to-run regression summaries.
type DiffConfig struct {
	MinDeltaMs       float64 `yaml:"min_delta_ms" json:"min_delta_ms"`
	MinPercentChange float64 `yaml:"min_percent_change" json:"min_percent_change"`
	MaxItems         int     `yaml:"max_items" json:"max_items"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Connection: Connection{
			Host:     "localhost",
			Port:     5433,
			User:     "yugabyte",
			Database: "taqo",
		},
		Dialect:           "yugabyte",
		NumRetries:        5,
		NumWarmup:         1,
		SkipTimeoutDelta:  time.Second,
		TestQueryTimeout:  1200 * time.Second,
		AllPairsThreshold: 3,
		ExplainAnalyze:    true,
		Optimizations:     true,
		Insights: InsightConfig{
			BestRatioWarning:  1.5,
			BestRatioCritical: 3.0,
			MinDefaultTimeMs:  1.0,

			HotspotWarningPercent:   0.3,
			HotspotCriticalPercent:  0.6,
			RowEstimateCriticalHigh: 100,
			RowEstimateCriticalLow:  0.01,
			NestedLoopWarnLoops:     1000,
			NestedLoopCriticalLoops: 10000,
		},
		Diff: DiffConfig{
			MinDeltaMs:       2.0,
			MinPercentChange: 10.0,
			MaxItems:         10,
		},
	}
}

// Load reads configuration from the provided path (YAML or JSON) on top of Default.
// An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the evaluator cannot work with.
func (c Config) Validate() error {
	switch {
	case c.NumRetries <= 0:
		return errors.Newf("config: num_retries must be positive, got %d", c.NumRetries)
	case c.NumWarmup < 0:
		return errors.Newf("config: num_warmup must not be negative, got %d", c.NumWarmup)
	case c.AllPairsThreshold <= 0:
		return errors.Newf("config: all_pairs_threshold must be positive, got %d", c.AllPairsThreshold)
	case c.TestQueryTimeout <= 0:
		return errors.Newf("config: test_query_timeout must be positive, got %s", c.TestQueryTimeout)
	case c.SkipTimeoutDelta < 0:
		return errors.Newf("config: skip_timeout_delta must not be negative, got %s", c.SkipTimeoutDelta)
	}
	return nil
}

// Redacted returns a copy safe to embed into a result document.
func (c Config) Redacted() Config {
	out := c
	if out.Connection.Password != "" {
		out.Connection.Password = "<redacted>"
	}
	if c.SessionProps != nil {
		out.SessionProps = make(map[string]string, len(c.SessionProps))
		for k, v := range c.SessionProps {
			out.SessionProps[k] = v
		}
	}
	return out
}

// Serialize renders the redacted config as YAML for the result document.
func (c Config) Serialize() (string, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", errors.Wrap(err, "serialize config")
	}
	return string(data), nil
}
