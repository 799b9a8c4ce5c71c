// Package config loads engine settings from YAML.
//
// A configuration file looks like:
//
//	name: order-pipeline
//	max_iterations: 100
//	log_level: info
//	delivery_pool_size: 16
//	handler_timeout: 30s
//	executor_timeouts:
//	  enrich: 2m
//	checkpoint:
//	  backend: sqlite          # none, memory, file, sqlite or mysql
//	  path: ./checkpoints.db   # directory or URL for file, database file for sqlite
//	  dsn: ""                  # mysql only; SUPERSTEP_MYSQL_DSN overrides it
//	metrics:
//	  enabled: true
//	  namespace: superstep
//
// Typical use:
//
//	cfg, err := config.Load(ctx, "workflow.yaml")
//	if err != nil {
//	    return err
//	}
//	cfg.ApplyLogLevel()
//	storage, err := cfg.OpenStorage(ctx)
//	if err != nil {
//	    return err
//	}
//	wf, err := graph.NewWorkflowBuilder(cfg.Options(storage, registry)...).
//	    SetStartExecutor(start).
//	    Build()
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/dshills/superstep-go/graph"
	"github.com/dshills/superstep-go/graph/log"
	"github.com/dshills/superstep-go/graph/store"
)

// EnvMySQLDSN, when set, replaces checkpoint.dsn.
const EnvMySQLDSN = "SUPERSTEP_MYSQL_DSN"

// Checkpoint backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// Config is the serialisable form of the workflow options. The zero value of
// every field falls back to the engine default.
type Config struct {
	Name             string                   `yaml:"name"`
	Description      string                   `yaml:"description"`
	MaxIterations    int                      `yaml:"max_iterations"`
	LogLevel         string                   `yaml:"log_level"`
	DeliveryPoolSize int                      `yaml:"delivery_pool_size"`
	HandlerTimeout   time.Duration            `yaml:"handler_timeout"`
	ExecutorTimeouts map[string]time.Duration `yaml:"executor_timeouts"`
	Checkpoint       CheckpointConfig         `yaml:"checkpoint"`
	Metrics          MetricsConfig            `yaml:"metrics"`
}

// CheckpointConfig selects the checkpoint storage.
type CheckpointConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns a Config holding the engine defaults. Callers may
// modify it before use.
func DefaultConfig() *Config {
	return &Config{
		MaxIterations:    graph.DefaultMaxIterations,
		LogLevel:         log.LevelInfo,
		DeliveryPoolSize: graph.DefaultDeliveryPoolSize,
		Checkpoint:       CheckpointConfig{Backend: BackendNone},
		Metrics:          MetricsConfig{Namespace: graph.DefaultMetricsNamespace},
	}
}

// Load reads the YAML document at URL (a local path or any location
// github.com/viant/afs supports) and parses it.
func Load(ctx context.Context, URL string) (*Config, error) {
	data, err := afs.New().DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", URL, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", URL, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of DefaultConfig, applies environment
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if dsn := os.Getenv(EnvMySQLDSN); dsn != "" {
		cfg.Checkpoint.DSN = dsn
	}
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = BackendNone
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = graph.DefaultMetricsNamespace
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every invalid setting joined into one error, or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("max_iterations must be > 0, got %d", c.MaxIterations))
	}
	if c.DeliveryPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("delivery_pool_size must be > 0, got %d", c.DeliveryPoolSize))
	}
	if c.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("handler_timeout must not be negative, got %v", c.HandlerTimeout))
	}
	for id, d := range c.ExecutorTimeouts {
		if d < 0 {
			errs = append(errs, fmt.Errorf("executor_timeouts.%s must not be negative, got %v", id, d))
		}
	}
	switch c.LogLevel {
	case "", log.LevelDebug, log.LevelInfo, log.LevelWarn, log.LevelError, log.LevelFatal:
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	switch c.Checkpoint.Backend {
	case "", BackendNone, BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Checkpoint.Path == "" {
			errs = append(errs, fmt.Errorf("checkpoint.path is required for the %s backend", c.Checkpoint.Backend))
		}
	case BackendMySQL:
		if c.Checkpoint.DSN == "" {
			errs = append(errs, fmt.Errorf("checkpoint.dsn (or %s) is required for the mysql backend", EnvMySQLDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint.backend %q", c.Checkpoint.Backend))
	}
	return errors.Join(errs...)
}

// ApplyLogLevel sets the engine log level.
func (c *Config) ApplyLogLevel() {
	if c.LogLevel != "" {
		log.SetLevel(c.LogLevel)
	}
}

// OpenStorage creates the configured checkpoint storage. It returns nil for
// the none backend. SQLite and MySQL stores should be closed by the caller.
func (c *Config) OpenStorage(ctx context.Context) (store.CheckpointStorage, error) {
	switch c.Checkpoint.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return store.NewMemStore(), nil
	case BackendFile:
		st, err := store.NewFileStore(ctx, c.Checkpoint.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendSQLite:
		st, err := store.NewSQLiteStore(c.Checkpoint.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendMySQL:
		st, err := store.NewMySQLStore(c.Checkpoint.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown checkpoint.backend %q", c.Checkpoint.Backend)
}

// Options converts the configuration into builder options. storage is
// typically the result of OpenStorage; nil leaves checkpointing off. When
// metrics are enabled they are registered with registry
// (prometheus.DefaultRegisterer when nil).
func (c *Config) Options(storage store.CheckpointStorage, registry prometheus.Registerer) []graph.Option {
	opts := []graph.Option{
		graph.WithMaxIterations(c.MaxIterations),
		graph.WithDeliveryPoolSize(c.DeliveryPoolSize),
		graph.WithDefaultHandlerTimeout(c.HandlerTimeout),
	}
	if c.Name != "" {
		opts = append(opts, graph.WithName(c.Name))
	}
	if c.Description != "" {
		opts = append(opts, graph.WithDescription(c.Description))
	}
	for id, d := range c.ExecutorTimeouts {
		opts = append(opts, graph.WithExecutorTimeout(id, d))
	}
	if storage != nil {
		opts = append(opts, graph.WithCheckpointing(storage))
	}
	if c.Metrics.Enabled {
		opts = append(opts, graph.WithMetrics(graph.NewPrometheusMetrics(registry, c.Metrics.Namespace)))
	}
	return opts
}
