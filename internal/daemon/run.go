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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tombee/baton/internal/config"
	"github.com/tombee/baton/internal/log"
	batonerrors "github.com/tombee/baton/pkg/errors"
)

// stopTimeout bounds graceful shutdown after a signal.
const stopTimeout = 30 * time.Second

// RunOptions configures daemon execution. Zero-valued overrides leave
// the file and environment settings alone.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is the YAML config file. Empty falls back to
	// config.DefaultPath when that file exists.
	ConfigPath string

	// Config overrides.
	StoreDriver string
	PostgresURL string
	ListenAddr  string

	// RedisAddr points the event bus at a broker and enables events.
	RedisAddr string

	// Roles restricts which components this process runs: a subset of
	// scheduler, worker, api. Empty keeps the configured roles.
	Roles []string
}

// Run is the entry point for cmd/batond. It loads configuration,
// builds and starts the daemon, and blocks until SIGINT, SIGTERM, or
// context cancellation, then shuts down gracefully.
func Run(ctx context.Context, opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := applyOverrides(cfg, opts); err != nil {
		return err
	}

	d, err := New(ctx, cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}
	slog.SetDefault(d.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.ConfigPath != "" {
		if err := d.WatchConfig(runCtx, opts.ConfigPath); err != nil {
			d.logger.Warn("config watch unavailable", log.Error(err))
		}
	}

	if err := d.Start(runCtx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Stop gets its own context: the run context is what the signal
	// just invalidated.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		return fmt.Errorf("stopping daemon: %w", err)
	}
	return nil
}

// applyOverrides folds flag-level settings into cfg and re-validates,
// since an override can invalidate a previously valid file (postgres
// driver without a URL, say).
func applyOverrides(cfg *config.Config, opts RunOptions) error {
	if opts.StoreDriver != "" {
		cfg.Store.Driver = opts.StoreDriver
	}
	if opts.PostgresURL != "" {
		cfg.Store.PostgresURL = opts.PostgresURL
	}
	if opts.ListenAddr != "" {
		cfg.API.ListenAddr = opts.ListenAddr
	}
	if opts.RedisAddr != "" {
		cfg.Events.RedisAddr = opts.RedisAddr
		on := true
		cfg.Events.Enabled = &on
	}

	if len(opts.Roles) > 0 {
		var sched, work, serveAPI bool
		for _, role := range opts.Roles {
			switch strings.ToLower(strings.TrimSpace(role)) {
			case "scheduler":
				sched = true
			case "worker":
				work = true
			case "api":
				serveAPI = true
			default:
				return &batonerrors.ConfigError{
					Key:    "roles",
					Reason: fmt.Sprintf("unknown role %q (want scheduler, worker, or api)", role),
				}
			}
		}
		cfg.Scheduler.Enabled = &sched
		cfg.Worker.Enabled = &work
		cfg.API.Enabled = &serveAPI
	}

	return cfg.Validate()
}
