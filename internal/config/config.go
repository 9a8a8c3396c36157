// Package config loads eventstore configuration from defaults, an optional
// YAML file and EVENTSTORE_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/hemant07j07/eventstore/internal/logging"
	"github.com/hemant07j07/eventstore/scrape"
)

// Config is the full process configuration.
type Config struct {
	Store    StoreConfig    `koanf:"store"`
	Embed    EmbedConfig    `koanf:"embed"`
	Index    IndexConfig    `koanf:"index"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Schedule ScheduleConfig `koanf:"schedule"`
	HTTP     HTTPConfig     `koanf:"http"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Log      logging.Config `koanf:"log"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver     string `koanf:"driver" validate:"oneof=sqlite mongo"`
	SQLitePath string `koanf:"sqlite_path" validate:"required_if=Driver sqlite"`
	MongoURI   string `koanf:"mongo_uri" validate:"required_if=Driver mongo"`
	MongoDB    string `koanf:"mongo_db" validate:"required_if=Driver mongo"`
}

// EmbedConfig selects the embedding provider.
type EmbedConfig struct {
	Provider  string        `koanf:"provider" validate:"oneof=ollama hash"`
	URL       string        `koanf:"url" validate:"required_if=Provider ollama"`
	Model     string        `koanf:"model" validate:"required_if=Provider ollama"`
	Dim       int           `koanf:"dim" validate:"gte=8,lte=16384"`
	BatchSize int           `koanf:"batch_size" validate:"gte=1"`
	Workers   int           `koanf:"workers" validate:"gte=1,lte=64"`
	Timeout   time.Duration `koanf:"timeout" validate:"gte=0"`
}

// IndexConfig selects the similarity index backend.
type IndexConfig struct {
	Backend       string `koanf:"backend" validate:"oneof=auto flat pgvector"`
	Dir           string `koanf:"dir" validate:"required_unless=Backend pgvector"`
	PostgresDSN   string `koanf:"postgres_dsn" validate:"required_if=Backend pgvector"`
	HNSWThreshold int    `koanf:"hnsw_threshold" validate:"gte=0"`
}

// SourceConfig describes one listing site.
type SourceConfig struct {
	Name    string              `koanf:"name" validate:"required"`
	URL     string              `koanf:"url" validate:"required,url"`
	BaseURL string              `koanf:"base_url" validate:"omitempty,url"`
	Parser  scrape.ParserConfig `koanf:"parser"`
}

// IngestConfig controls scrape passes.
type IngestConfig struct {
	Sources      []SourceConfig `koanf:"sources" validate:"dive"`
	StaleAfter   time.Duration  `koanf:"stale_after" validate:"gte=0"`
	Parallelism  int            `koanf:"parallelism" validate:"gte=1,lte=32"`
	DefaultCity  string         `koanf:"default_city"`
	Timezone     string         `koanf:"timezone"`
	FetchTimeout time.Duration  `koanf:"fetch_timeout" validate:"gte=0"`
	UserAgent    string         `koanf:"user_agent"`
	MaxItems     int            `koanf:"max_items" validate:"gte=0"`
}

// ScheduleConfig holds cron specs for the serve command. An empty spec
// disables that job.
type ScheduleConfig struct {
	Scrape string `koanf:"scrape"`
	Sweep  string `koanf:"sweep"`
	Index  string `koanf:"index"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	AdminToken      string        `koanf:"admin_token"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}

// BreakerConfig tunes the store circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `koanf:"max_failures" validate:"gte=1"`
	OpenTimeout time.Duration `koanf:"open_timeout" validate:"gt=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "eventstore.db",
			MongoDB:    "events",
		},
		Embed: EmbedConfig{
			Provider:  "hash",
			URL:       "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dim:       512,
			BatchSize: 256,
			Workers:   2,
			Timeout:   60 * time.Second,
		},
		Index: IndexConfig{
			Backend:       "auto",
			Dir:           "eventstore-index",
			HNSWThreshold: 10000,
		},
		Ingest: IngestConfig{
			StaleAfter:   7 * 24 * time.Hour,
			Parallelism:  4,
			DefaultCity:  "Sydney",
			Timezone:     "Australia/Sydney",
			FetchTimeout: scrape.DefaultTimeout,
			UserAgent:    scrape.DefaultUserAgent,
			MaxItems:     20,
		},
		Schedule: ScheduleConfig{
			Scrape: "*/30 * * * *",
			Sweep:  "0 3 * * *",
			Index:  "30 3 * * *",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Log: logging.Config{Level: "info", Format: "json"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, cron specs and the timezone.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	for name, spec := range map[string]string{
		"schedule.scrape": c.Schedule.Scrape,
		"schedule.sweep":  c.Schedule.Sweep,
		"schedule.index":  c.Schedule.Index,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if _, err := time.LoadLocation(c.Ingest.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("ingest.timezone: %w", err))
	}

	seen := make(map[string]bool, len(c.Ingest.Sources))
	for _, s := range c.Ingest.Sources {
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("ingest.sources: duplicate name %q", s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

// Location returns the zone listing times without an offset are read in.
func (c *IngestConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
