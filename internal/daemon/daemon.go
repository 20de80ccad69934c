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

// Package daemon assembles and runs a batond process. It owns
// construction order (store, queue, engine, scheduler, workers, event
// bus, API) and the reverse teardown, and gates the scheduler and event
// ingester behind leader election so exactly one process in a fleet
// fires triggers.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/baton/internal/api"
	"github.com/tombee/baton/internal/config"
	"github.com/tombee/baton/internal/events"
	"github.com/tombee/baton/internal/leader"
	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/queue"
	"github.com/tombee/baton/internal/scheduler"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/internal/store/memory"
	"github.com/tombee/baton/internal/store/postgres"
	"github.com/tombee/baton/internal/tracing"
	"github.com/tombee/baton/internal/worker"
	"github.com/tombee/baton/pkg/pipeline"
	"github.com/tombee/baton/pkg/tools"
)

// depthInterval is how often the queue depth gauges are refreshed.
const depthInterval = 15 * time.Second

// Options carries build metadata into the daemon and lets tests inject
// a logger instead of the config-derived one.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Logger overrides the logger built from cfg.Log when non-nil.
	Logger *slog.Logger
}

// Daemon owns every long-lived component of a batond process. Build it
// with New, run it with Start, and tear it down with Stop.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger
	level  *slog.LevelVar

	st       store.Store
	rdb      *redis.Client
	queue    *queue.Queue
	engine   *pipeline.Engine
	sched    *scheduler.Scheduler
	pool     *worker.Pool
	server   *api.Server
	pub      *events.Publisher
	ingester *events.Ingester
	election leader.Election
	tracer   *tracing.Provider
	watcher  *config.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a daemon from configuration. Nothing is started; every
// component is constructed up front so a bad config fails here rather
// than mid-flight. The context bounds startup I/O such as migrations.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	var level *slog.LevelVar
	if logger == nil {
		logger, level = log.NewLeveled(&log.Config{
			Level:  cfg.Log.Level,
			Format: log.Format(cfg.Log.Format),
			Output: os.Stderr,
		})
	}

	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		level:  level,
	}

	if err := d.build(ctx); err != nil {
		d.closePartial()
		return nil, err
	}
	return d, nil
}

// build constructs components in dependency order. On error the caller
// releases whatever was already built.
func (d *Daemon) build(ctx context.Context) error {
	cfg := d.cfg

	st, err := d.buildStore(ctx)
	if err != nil {
		return err
	}
	d.st = st

	d.queue = queue.New(st, queue.WithLogger(d.logger))

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, d.logger); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}
	d.engine = pipeline.NewEngine(registry, pipeline.WithLogger(d.logger))

	// The scheduler is always constructed: the API needs its hooks even
	// on nodes that never run the trigger loop. Start is gated below.
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(d.logger),
		scheduler.WithCatchUp(scheduler.CatchUp(cfg.Scheduler.CatchUp)),
	}
	if cfg.Scheduler.TickInterval > 0 {
		schedOpts = append(schedOpts, scheduler.WithTickInterval(cfg.Scheduler.TickInterval))
	}
	if cfg.Scheduler.ReconcileInterval > 0 {
		schedOpts = append(schedOpts, scheduler.WithReconcileInterval(cfg.Scheduler.ReconcileInterval))
	}
	d.sched = scheduler.New(st, d.queue, schedOpts...)

	if cfg.EventsEnabled() {
		d.rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Events.RedisAddr,
			DB:   cfg.Events.RedisDB,
		})

		var pubOpts []events.PublisherOption
		if cfg.Events.Stream != "" {
			pubOpts = append(pubOpts, events.WithPublishStream(cfg.Events.Stream))
		}
		d.pub = events.NewPublisher(d.rdb, pubOpts...)

		ingOpts := []events.IngesterOption{events.WithLogger(d.logger)}
		if cfg.Events.Stream != "" {
			ingOpts = append(ingOpts, events.WithStream(cfg.Events.Stream))
		}
		if cfg.Events.Group != "" {
			ingOpts = append(ingOpts, events.WithGroup(cfg.Events.Group))
		}
		if cfg.Events.DedupeWindow > 0 {
			ingOpts = append(ingOpts, events.WithDedupeWindow(cfg.Events.DedupeWindow))
		}
		if cfg.Events.RatePerSec > 0 {
			ingOpts = append(ingOpts, events.WithRate(cfg.Events.RatePerSec))
		}
		d.ingester = events.NewIngester(d.rdb, d.sched, ingOpts...)
	}

	if cfg.WorkerEnabled() {
		d.pool = worker.New(st, d.queue, d.engine,
			worker.WithLogger(d.logger),
			worker.WithCount(cfg.Worker.Count),
			worker.WithLease(cfg.Queue.LeaseDuration),
			worker.WithPollInterval(cfg.Queue.PollInterval),
			worker.WithPollJitter(cfg.Queue.PollJitter),
			worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval),
			worker.WithSafetyMargin(cfg.Worker.SafetyMargin),
		)
	}

	if cfg.APIEnabled() {
		apiOpts := []api.Option{
			api.WithLogger(d.logger),
			api.WithListenAddr(cfg.API.ListenAddr),
			api.WithAPIKeys(cfg.API.APIKeys),
			api.WithPing(st.Ping),
		}
		if d.pub != nil {
			apiOpts = append(apiOpts, api.WithPublisher(d.pub))
		}
		d.server = api.New(st, d.sched, apiOpts...)
	}

	tracer, err := tracing.Setup(ctx, tracing.Config{
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		ServiceName:    "batond",
		ServiceVersion: d.opts.Version,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	d.tracer = tracer

	// Only scheduler nodes campaign. An api-only process holding the
	// advisory lock would stall scheduling for the whole fleet.
	if cfg.SchedulerEnabled() {
		if pg, ok := st.(*postgres.Store); ok {
			elector, err := leader.NewElector(leader.Config{
				Pool:   pg.Pool(),
				Logger: d.logger,
			})
			if err != nil {
				return fmt.Errorf("building leader elector: %w", err)
			}
			d.election = elector
		} else {
			d.election = leader.NewStandalone()
		}
	}

	return nil
}

func (d *Daemon) buildStore(ctx context.Context) (store.Store, error) {
	cfg := d.cfg
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if cfg.Store.Migrate {
			if err := postgres.Migrate(ctx, cfg.Store.PostgresURL); err != nil {
				return nil, fmt.Errorf("migrating store: %w", err)
			}
		}
		st, err := postgres.New(ctx, cfg.Store.PostgresURL,
			postgres.WithMaxConns(cfg.Store.MaxConns),
			postgres.WithMinConns(cfg.Store.MinConns),
			postgres.WithConnLifetime(cfg.Store.ConnLifetime),
			postgres.WithLogger(d.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return st, nil

	case config.DriverMemory:
		return memory.New(), nil

	default:
		// Validate catches this first; kept for direct construction.
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Start brings the process up: election first so leadership can gate
// the scheduler and ingester, then workers, then the API listener.
// Start does not block; use Stop to tear down.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	d.logger.Info("batond starting",
		slog.String("version", d.opts.Version),
		slog.String("store", d.cfg.Store.Driver),
		slog.Bool("scheduler", d.cfg.SchedulerEnabled()),
		slog.Bool("worker", d.cfg.WorkerEnabled()),
		slog.Bool("events", d.cfg.EventsEnabled()),
	)

	if d.election != nil {
		// Register before Start so the first acquisition is observed.
		// The callback runs on the campaign goroutine; scheduler and
		// ingester Start/Stop are re-armable so repeated transitions
		// are safe.
		d.election.OnLeadershipChange(func(isLeader bool) {
			if isLeader {
				if err := d.sched.Start(ctx); err != nil {
					d.logger.Error("scheduler start failed", log.Error(err))
					return
				}
				if d.ingester != nil {
					if err := d.ingester.Start(ctx); err != nil {
						d.logger.Error("event ingester start failed", log.Error(err))
					}
				}
			} else {
				d.sched.Stop()
				if d.ingester != nil {
					d.ingester.Stop()
				}
			}
		})
		if err := d.election.Start(ctx); err != nil {
			return fmt.Errorf("starting leader election: %w", err)
		}
	}

	if d.pool != nil {
		if err := d.pool.Start(ctx); err != nil {
			return fmt.Errorf("starting worker pool: %w", err)
		}
	}

	if d.server != nil {
		if err := d.server.Start(ctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}
	}

	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.depthLoop(ctx, d.stopCh, d.doneCh)

	d.running = true
	return nil
}

// WatchConfig reloads the file at path on change and applies the
// hot-applicable settings (the log level). Call between New and Start;
// Stop closes the watcher.
func (d *Daemon) WatchConfig(ctx context.Context, path string) error {
	w, err := config.NewWatcher(path, d.applyReload, config.WithWatcherLogger(d.logger))
	if err != nil {
		return err
	}
	d.watcher = w
	w.Start(ctx)
	return nil
}

func (d *Daemon) applyReload(cfg *config.Config) {
	if d.level == nil {
		return
	}
	next := log.ParseLevel(cfg.Log.Level)
	if d.level.Level() != next {
		d.level.Set(next)
		d.logger.Info("log level changed", slog.String("level", cfg.Log.Level))
	}
}

// Stop tears the process down in reverse dependency order: stop taking
// HTTP requests, resign leadership (which stops the scheduler and
// ingester), drain workers, then release the bus, tracer, and store.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false

	d.logger.Info("batond stopping")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("config watcher close failed", log.Error(err))
		}
		d.watcher = nil
	}

	if d.server != nil {
		if err := d.server.Stop(ctx); err != nil {
			d.logger.Warn("api shutdown error", log.Error(err))
		}
	}

	// Resigning fires the leadership callback synchronously, so the
	// scheduler and ingester are stopped by the time this returns.
	if d.election != nil {
		d.election.Stop()
	}

	if d.pool != nil {
		drainCtx := ctx
		if d.cfg.Worker.DrainTimeout > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, d.cfg.Worker.DrainTimeout)
			defer cancel()
		}
		if err := d.pool.Stop(drainCtx); err != nil {
			d.logger.Warn("worker pool drain incomplete", log.Error(err))
		}
	}

	close(d.stopCh)
	<-d.doneCh

	if d.rdb != nil {
		if err := d.rdb.Close(); err != nil {
			d.logger.Warn("redis close error", log.Error(err))
		}
	}

	if d.tracer != nil {
		if err := d.tracer.Shutdown(ctx); err != nil {
			d.logger.Warn("tracer shutdown error", log.Error(err))
		}
	}

	if err := d.st.Close(); err != nil {
		d.logger.Warn("store close error", log.Error(err))
	}

	d.logger.Info("batond stopped")
	return nil
}

// closePartial releases resources after a failed build. Only the store
// and the redis client hold anything external at that point.
func (d *Daemon) closePartial() {
	if d.rdb != nil {
		d.rdb.Close()
	}
	if d.st != nil {
		d.st.Close()
	}
}

// depthLoop keeps the queue depth gauges fresh while the daemon runs.
func (d *Daemon) depthLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			obsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if _, err := d.queue.ObserveDepth(obsCtx); err != nil {
				d.logger.Debug("queue depth observation failed", log.Error(err))
			}
			cancel()
		}
	}
}

// Store exposes the backing store, for tests and for embedding batond.
func (d *Daemon) Store() store.Store { return d.st }

// Scheduler exposes the scheduler, for tests and for embedding batond.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.sched }

// APIAddr returns the bound API listener address, or "" when the API
// is disabled or not started.
func (d *Daemon) APIAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

// IsLeader reports whether this process currently leads scheduling.
func (d *Daemon) IsLeader() bool {
	if d.election == nil {
		return false
	}
	return d.election.IsLeader()
}
