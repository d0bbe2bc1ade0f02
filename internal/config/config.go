// Package config loads the collector's settings: a JSON file when one is
// given, environment variables on top. Secrets stay in the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds everything a run needs.
type Config struct {
	// BaseURL is the portal's open-data root.
	BaseURL string `json:"base_url" env:"TORGI_BASE_URL" env-default:"https://torgi.gov.ru/new/opendata"`
	// CacheDir receives manifests and downloaded payloads.
	CacheDir string `json:"cache_dir" env:"TORGI_CACHE_DIR" env-default:"cache"`
	// Days is the plan-stream lookback window, current day inclusive.
	Days int `json:"days" env:"TORGI_DAYS" env-default:"1"`
	// Workers bounds the manifest and document fetch pools.
	Workers int `json:"workers" env:"TORGI_WORKERS" env-default:"4"`

	Storage StorageConfig `json:"storage"`
	HTTP    HTTPConfig    `json:"http"`
	Plans   PlansConfig   `json:"plans"`
	Docs    DocsConfig    `json:"docs"`
	Metrics MetricsConfig `json:"metrics"`
}

// StorageConfig selects the relational backend.
type StorageConfig struct {
	// Kind is a registered backend: sqlite, postgres or mssql.
	Kind string `json:"kind" env:"TORGI_STORAGE" env-default:"sqlite"`
	// DSN is the backend connection string. ${VAR} references expand from
	// the environment, so credentials stay out of the file.
	DSN string `json:"dsn" env:"TORGI_DSN" env-default:"torgi.db"`
}

// HTTPConfig shapes the fetch client.
type HTTPConfig struct {
	// TimeoutSeconds bounds one request attempt.
	TimeoutSeconds int `json:"timeout_seconds" env:"TORGI_HTTP_TIMEOUT" env-default:"60"`
	// MaxAttempts is the per-URL retry budget.
	MaxAttempts int `json:"max_attempts" env:"TORGI_HTTP_ATTEMPTS" env-default:"5"`
	// RatePerSecond throttles outgoing requests; 0 disables.
	RatePerSecond float64 `json:"rate_per_second" env:"TORGI_RATE_PER_SECOND" env-default:"0"`
	// UserAgent overrides the default request header.
	UserAgent string `json:"user_agent" env:"TORGI_USER_AGENT" env-default:""`
}

// Timeout returns the per-attempt timeout as a duration.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PlansConfig locates the plan stream.
type PlansConfig struct {
	// Link names the plan category under BaseURL; an absolute URL works too.
	Link string `json:"link" env:"TORGI_PLANS_LINK" env-default:"7710568760-privatizationPlans"`
	// Table is the parent table the stream loads into.
	Table string `json:"table" env:"TORGI_PLANS_TABLE" env-default:"plans"`
}

// DocsConfig shapes the document pass.
type DocsConfig struct {
	// Limit caps how many pending details one pass drains.
	Limit int `json:"limit" env:"TORGI_DOCS_LIMIT" env-default:"500"`
}

// MetricsConfig controls the Datadog backend. The API key stays ambient:
// the Datadog SDK reads DD_API_KEY and DD_SITE from the environment itself.
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"TORGI_METRICS" env-default:"false"`
	// Job tags every series.
	Job string `json:"job" env:"TORGI_METRICS_JOB" env-default:"torgi"`
	// FlushSeconds is the submission interval.
	FlushSeconds int `json:"flush_seconds" env:"TORGI_METRICS_FLUSH" env-default:"60"`
}

// Flush returns the submission interval as a duration.
func (c MetricsConfig) Flush() time.Duration {
	return time.Duration(c.FlushSeconds) * time.Second
}

// Load reads the JSON file at path, then applies environment overrides. An
// empty path reads the environment only. The storage DSN is expanded and
// the result validated.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg.Storage.DSN = os.Expand(cfg.Storage.DSN, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings a run could not start with. Messages name the
// offending field and the environment override that fixes it.
func (c *Config) Validate() error {
	if u, err := url.Parse(c.BaseURL); err != nil || !u.IsAbs() {
		return fmt.Errorf("config: base_url %q is not an absolute URL (TORGI_BASE_URL)", c.BaseURL)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("config: cache_dir is empty (TORGI_CACHE_DIR)")
	}
	if c.Days < 1 {
		return fmt.Errorf("config: days %d is below 1 (TORGI_DAYS)", c.Days)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers %d is below 1 (TORGI_WORKERS)", c.Workers)
	}
	if c.Storage.Kind == "" {
		return fmt.Errorf("config: storage.kind is empty (TORGI_STORAGE)")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("config: storage.dsn is empty (TORGI_DSN)")
	}
	if c.HTTP.TimeoutSeconds < 1 {
		return fmt.Errorf("config: http.timeout_seconds %d is below 1 (TORGI_HTTP_TIMEOUT)", c.HTTP.TimeoutSeconds)
	}
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("config: http.max_attempts %d is below 1 (TORGI_HTTP_ATTEMPTS)", c.HTTP.MaxAttempts)
	}
	if c.HTTP.RatePerSecond < 0 {
		return fmt.Errorf("config: http.rate_per_second %g is negative (TORGI_RATE_PER_SECOND)", c.HTTP.RatePerSecond)
	}
	if c.Plans.Link == "" {
		return fmt.Errorf("config: plans.link is empty (TORGI_PLANS_LINK)")
	}
	if c.Plans.Table == "" {
		return fmt.Errorf("config: plans.table is empty (TORGI_PLANS_TABLE)")
	}
	if c.Docs.Limit < 1 {
		return fmt.Errorf("config: docs.limit %d is below 1 (TORGI_DOCS_LIMIT)", c.Docs.Limit)
	}
	if c.Metrics.Enabled && c.Metrics.FlushSeconds < 1 {
		return fmt.Errorf("config: metrics.flush_seconds %d is below 1 (TORGI_METRICS_FLUSH)", c.Metrics.FlushSeconds)
	}
	return nil
}
