// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration: a YAML file, BATON_*
// environment overrides, defaults, then validation. A fsnotify watcher
// applies log-level changes without a restart.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/baton/pkg/errors"
)

// DefaultPath is where batond looks for its config when no -config flag
// is given. A missing default file is fine; an explicit path must exist.
const DefaultPath = "/etc/baton/batond.yaml"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the complete batond configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Events    EventsConfig    `yaml:"events"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Driver is memory (dev, single process) or postgres.
	Driver string `yaml:"driver"`

	// PostgresURL is the pool DSN. Environment: BATON_POSTGRES_URL.
	PostgresURL string `yaml:"postgres_url,omitempty"`

	MaxConns     int32         `yaml:"max_conns,omitempty"`
	MinConns     int32         `yaml:"min_conns,omitempty"`
	ConnLifetime time.Duration `yaml:"conn_lifetime,omitempty"`

	// Migrate runs the embedded migrations on startup.
	Migrate bool `yaml:"migrate"`
}

// QueueConfig tunes work leasing.
type QueueConfig struct {
	// LeaseDuration is how long a worker owns a leased row.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// PollInterval is the idle sleep between empty lease attempts.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollJitter randomizes the idle sleep so workers do not thunder.
	PollJitter time.Duration `yaml:"poll_jitter"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	// Enabled is a pointer so an absent key (nil, defaulted on) is
	// distinguishable from an explicit enabled: false.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Count is the number of concurrent workers in this process.
	Count int `yaml:"count"`

	// DrainTimeout bounds how long shutdown waits for in-flight runs.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// SafetyMargin is how far before lease expiry a run is renewed or
	// aborted. Must stay below the lease duration.
	SafetyMargin time.Duration `yaml:"safety_margin"`
}

// SchedulerConfig tunes the trigger loop.
type SchedulerConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// TickInterval and ReconcileInterval fall back to the scheduler's
	// own defaults when zero.
	TickInterval      time.Duration `yaml:"tick_interval,omitempty"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval,omitempty"`

	// CatchUp is all (emit every missed occurrence) or latest (coalesce
	// to the most recent).
	CatchUp string `yaml:"catch_up"`
}

// EventsConfig wires the Redis Streams bus.
type EventsConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// RedisAddr is host:port. Environment: BATON_REDIS_ADDR.
	RedisAddr string `yaml:"redis_addr,omitempty"`
	RedisDB   int    `yaml:"redis_db,omitempty"`

	Stream string `yaml:"stream,omitempty"`
	Group  string `yaml:"group,omitempty"`

	// DedupeWindow bounds how long an event id suppresses duplicates.
	DedupeWindow time.Duration `yaml:"dedupe_window,omitempty"`

	// RatePerSec throttles ingest so a replay storm cannot flood the
	// queue. Zero means the ingester default.
	RatePerSec float64 `yaml:"rate_per_sec,omitempty"`
}

// APIConfig tunes the REST facade.
type APIConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	ListenAddr string `yaml:"listen_addr"`

	// APIKeys enables static bearer auth when non-empty.
	// Environment: BATON_API_KEYS (comma-separated).
	APIKeys []string `yaml:"api_keys,omitempty"`
}

// LogConfig mirrors internal/log.Config.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter is none, otlp, or stdout.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector (host:port). Empty uses the
	// exporter's default.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure sends OTLP over plain HTTP, for local collectors.
	Insecure bool `yaml:"insecure,omitempty"`
}

// Default returns the configuration batond runs with when nothing else
// is given: memory store, scheduler/worker/api on, events off.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// WorkerEnabled reports whether this process should run the worker pool.
func (c *Config) WorkerEnabled() bool { return enabled(c.Worker.Enabled) }

// SchedulerEnabled reports whether this process should run the scheduler.
func (c *Config) SchedulerEnabled() bool { return enabled(c.Scheduler.Enabled) }

// EventsEnabled reports whether this process should ingest external events.
func (c *Config) EventsEnabled() bool { return enabled(c.Events.Enabled) }

// APIEnabled reports whether this process should serve the REST API.
func (c *Config) APIEnabled() bool { return enabled(c.API.Enabled) }

func enabled(b *bool) bool { return b != nil && *b }

func boolPtr(b bool) *bool { return &b }

// Load reads the YAML file at path (or DefaultPath when path is empty
// and that file exists), applies defaults and BATON_* overrides, then
// validates. The returned config is ready to wire.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	switch {
	case path != "":
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("loading %s: %v", path, err),
				Cause:  err,
			}
		}
	default:
		if _, err := os.Stat(DefaultPath); err == nil {
			if err := cfg.loadFromFile(DefaultPath); err != nil {
				return nil, &errors.ConfigError{
					Key:    "config_file",
					Reason: fmt.Sprintf("loading %s: %v", DefaultPath, err),
					Cause:  err,
				}
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values so a minimal file (or none) works.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}

	if c.Queue.LeaseDuration == 0 {
		c.Queue.LeaseDuration = 60 * time.Second
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.PollJitter == 0 {
		c.Queue.PollJitter = 250 * time.Millisecond
	}

	// Roles default on except events, which needs a reachable Redis.
	if c.Worker.Enabled == nil {
		c.Worker.Enabled = boolPtr(true)
	}
	if c.Worker.Count == 0 {
		c.Worker.Count = 4
	}
	if c.Worker.DrainTimeout == 0 {
		c.Worker.DrainTimeout = 30 * time.Second
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 10 * time.Second
	}
	if c.Worker.SafetyMargin == 0 {
		c.Worker.SafetyMargin = 5 * time.Second
	}

	if c.Scheduler.Enabled == nil {
		c.Scheduler.Enabled = boolPtr(true)
	}
	if c.Scheduler.CatchUp == "" {
		c.Scheduler.CatchUp = "all"
	}

	if c.Events.Enabled == nil {
		c.Events.Enabled = boolPtr(false)
	}
	if c.Events.RedisAddr == "" {
		c.Events.RedisAddr = "127.0.0.1:6379"
	}

	if c.API.Enabled == nil {
		c.API.Enabled = boolPtr(true)
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8430"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
}

// loadFromEnv applies BATON_* overrides. Unparseable values are ignored
// rather than fatal; validation catches anything that matters.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("BATON_STORE_DRIVER"); val != "" {
		c.Store.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("BATON_POSTGRES_URL"); val != "" {
		c.Store.PostgresURL = val
	}
	if val := os.Getenv("BATON_LISTEN_ADDR"); val != "" {
		c.API.ListenAddr = val
	}
	if val := os.Getenv("BATON_API_KEYS"); val != "" {
		c.API.APIKeys = nil
		for _, k := range strings.Split(val, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.API.APIKeys = append(c.API.APIKeys, k)
			}
		}
	}
	if val := os.Getenv("BATON_REDIS_ADDR"); val != "" {
		c.Events.RedisAddr = val
	}
	if val := os.Getenv("BATON_EVENTS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Events.Enabled = &b
		}
	}
	if val := os.Getenv("BATON_WORKER_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.Count = n
		}
	}
	if val := os.Getenv("BATON_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Worker.DrainTimeout = d
		}
	}
	if val := os.Getenv("BATON_LEASE_DURATION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Queue.LeaseDuration = d
		}
	}
	if val := os.Getenv("BATON_CATCH_UP"); val != "" {
		c.Scheduler.CatchUp = strings.ToLower(val)
	}
	if val := os.Getenv("BATON_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("BATON_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("BATON_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("BATON_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
}

// Validate checks every bound the daemon depends on. All violations are
// reported at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, "store.postgres_url is required with the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be memory or postgres, got %q", c.Store.Driver))
	}
	if c.Store.MinConns < 0 || c.Store.MaxConns < 0 {
		errs = append(errs, "store pool sizes must be non-negative")
	}
	if c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns {
		errs = append(errs, fmt.Sprintf("store.min_conns %d exceeds max_conns %d", c.Store.MinConns, c.Store.MaxConns))
	}

	if c.Queue.LeaseDuration <= 0 {
		errs = append(errs, fmt.Sprintf("queue.lease_duration must be positive, got %v", c.Queue.LeaseDuration))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("queue.poll_interval must be positive, got %v", c.Queue.PollInterval))
	}
	if c.Queue.PollJitter < 0 {
		errs = append(errs, fmt.Sprintf("queue.poll_jitter must be non-negative, got %v", c.Queue.PollJitter))
	}

	if enabled(c.Worker.Enabled) {
		if c.Worker.Count < 1 {
			errs = append(errs, fmt.Sprintf("worker.count must be at least 1, got %d", c.Worker.Count))
		}
		if c.Worker.DrainTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("worker.drain_timeout must be positive, got %v", c.Worker.DrainTimeout))
		}
		if c.Worker.HeartbeatInterval <= 0 {
			errs = append(errs, fmt.Sprintf("worker.heartbeat_interval must be positive, got %v", c.Worker.HeartbeatInterval))
		}
		if c.Worker.SafetyMargin <= 0 || c.Worker.SafetyMargin >= c.Queue.LeaseDuration {
			errs = append(errs, fmt.Sprintf("worker.safety_margin must be positive and below queue.lease_duration, got %v", c.Worker.SafetyMargin))
		}
	}

	switch c.Scheduler.CatchUp {
	case "all", "latest":
	default:
		errs = append(errs, fmt.Sprintf("scheduler.catch_up must be all or latest, got %q", c.Scheduler.CatchUp))
	}
	if c.Scheduler.TickInterval < 0 || c.Scheduler.ReconcileInterval < 0 {
		errs = append(errs, "scheduler intervals must be non-negative")
	}

	if enabled(c.Events.Enabled) {
		if c.Events.RedisAddr == "" {
			errs = append(errs, "events.redis_addr is required when events are enabled")
		}
		if c.Events.DedupeWindow < 0 {
			errs = append(errs, fmt.Sprintf("events.dedupe_window must be non-negative, got %v", c.Events.DedupeWindow))
		}
		if c.Events.RatePerSec < 0 {
			errs = append(errs, fmt.Sprintf("events.rate_per_sec must be non-negative, got %v", c.Events.RatePerSec))
		}
	}

	if enabled(c.API.Enabled) && c.API.ListenAddr == "" {
		errs = append(errs, "api.listen_addr is required when the api is enabled")
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}

	switch c.Tracing.Exporter {
	case "none", "otlp", "stdout":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be none, otlp or stdout, got %q", c.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return &errors.ConfigError{
			Key:    "validation",
			Reason: strings.Join(errs, "; "),
		}
	}
	return nil
}
