// Package app wires the idemcored daemon together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"idemcore/internal/adapter/scheduler"
	"idemcore/internal/admin"
	"idemcore/internal/config"
	"idemcore/internal/journal"
	"idemcore/internal/metrics"
	"idemcore/internal/platform/httpclient"
	"idemcore/internal/platform/logger"
	"idemcore/internal/policy"
	"idemcore/internal/tracing"
	"idemcore/pkg/fallback"
	"idemcore/pkg/fault"
	"idemcore/pkg/idempotency"
	"idemcore/pkg/resilience"
	"idemcore/pkg/retry"
)

const (
	serviceName          = "idemcored"
	journalCapability    = "journal"
	capabilityRefresh    = 30 * time.Second
	capabilityTimeout    = 5 * time.Second
	journalPruneSchedule = "@hourly"
	shutdownTimeout      = 10 * time.Second
)

// Version is set at build time.
var Version = "dev"

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          serviceName,
	})
	return &App{cfg: cfg, log: log}, nil
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	defer func() { _ = logger.Close(a.log) }()
	a.log.Info("starting", "version", Version, "env", a.cfg.Env, "admin_addr", a.cfg.Admin.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := Build(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}

	srv := admin.NewServer(a.cfg.Admin.Addr, c.Handler, a.log)
	c.Scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return c.Scheduler.StopContext(stopCtx)
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		a.log.Error("shutdown", "error", err)
	}
	a.log.Info("stopped")
	return runErr
}

// Components are the wired parts of the daemon.
type Components struct {
	Catalog      *policy.Catalog
	Store        *idempotency.Store
	Facade       *resilience.Facade
	Queue        *resilience.DeferredQueue
	Capabilities *fallback.Registry
	Injector     *fault.Injector
	Journal      *journal.Journal
	Metrics      *metrics.Metrics
	Tracer       *tracing.Tracer
	Scheduler    *scheduler.Scheduler
	Handler      http.Handler

	closers []func(context.Context) error
}

// Close releases the components in reverse order of construction.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Build constructs every component described by cfg. The scheduler is bound to ctx
// but not started. On error everything built so far is released.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	def, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	if cfg.PolicyFile != "" {
		c.Catalog, err = policy.Load(cfg.PolicyFile, def)
		if err != nil {
			return nil, err
		}
	} else {
		c.Catalog = policy.Builtin(def)
	}

	c.Store = idempotency.NewStore(idempotency.WithRetention(cfg.Idempotency.Retention))
	c.Metrics = metrics.New()
	c.Metrics.TrackStore(c.Store)

	c.Capabilities = fallback.NewRegistry(
		fallback.WithCacheTTL(capabilityRefresh),
		fallback.WithCheckTimeout(capabilityTimeout),
	)
	if len(cfg.Probes) > 0 {
		client := httpclient.New(
			httpclient.WithLogger(log.With("component", "probe")),
			httpclient.WithPolicy(c.Catalog.Policy("probe")),
			httpclient.WithTimeout(capabilityTimeout),
		)
		for name, target := range cfg.Probes {
			c.Capabilities.Register(name, client.Check(target))
		}
	}

	if err := c.openJournal(ctx, cfg, log); err != nil {
		return nil, err
	}

	var provider oteltrace.TracerProvider
	if cfg.Tracing.Enabled {
		tp, err := tracing.NewProvider(tracing.Config{
			ServiceName:    serviceName,
			ServiceVersion: Version,
			Environment:    cfg.Env,
			SamplingRate:   1,
		}, log.With("component", "tracing"))
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		c.closers = append(c.closers, tp.Shutdown)
		provider = tp
	}
	c.Tracer = tracing.New(provider)

	observers := resilience.Observers{c.Metrics, resilience.LogObserver{Logger: log}}
	if c.Journal != nil {
		observers = append(observers, c.Journal)
	}
	c.Facade = resilience.New(c.Store,
		resilience.WithObserver(resilience.SafeObserver(observers, log)),
		resilience.WithLogger(log),
	)

	c.Queue = resilience.NewDeferredQueue(c.Facade,
		resilience.WithQueueLogger(log.With("component", "deferred")),
		resilience.WithExecFunc(func(ctx context.Context, key string, op retry.Operation, policy retry.Policy) (any, []retry.AttemptOutcome, error) {
			return c.Tracer.Execute(ctx, c.Facade, key, op, policy)
		}),
		resilience.OnDefer(func(capability string, _ error) { c.Metrics.RecordFallback(capability) }),
	)

	if cfg.Chaos.Enabled {
		c.Injector = fault.NewInjector()
		c.Capabilities.Register(scheduler.CanaryTarget, c.Injector.Reachable(scheduler.CanaryTarget))
		log.Warn("fault injection enabled")
	}

	c.Scheduler = scheduler.New(ctx, scheduler.Config{Logger: log})
	c.closers = append(c.closers, c.Scheduler.StopContext)
	if err := c.addJobs(cfg, log); err != nil {
		return nil, err
	}

	deps := admin.Deps{
		Store:        c.Store,
		Capabilities: c.Capabilities,
		Injector:     c.Injector,
		Metrics:      c.Metrics,
		Logger:       log,
	}
	if c.Journal != nil {
		deps.Journal = c.Journal
	}
	c.Handler = admin.NewRouter(deps)
	return c, nil
}

func (c *Components) openJournal(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var (
		backend journal.Backend
		err     error
	)
	switch cfg.Journal.Driver {
	case "sqlite":
		backend, err = journal.OpenSQLite(ctx, cfg.Journal.SQLitePath)
	case "postgres":
		backend, err = journal.OpenPostgres(ctx, cfg.Journal.PostgresDSN)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("journal %s: %w", cfg.Journal.Driver, err)
	}

	opts := []journal.Option{
		journal.WithLogger(log),
		journal.OnDrop(c.Metrics.RecordJournalDrop),
	}
	if p, ok := c.Catalog.Policies["journal"]; ok {
		opts = append(opts, journal.WithWritePolicy(p))
	}
	c.Journal = journal.New(backend, opts...)
	c.closers = append(c.closers, c.Journal.Close)
	c.Capabilities.Register(journalCapability, c.Journal.Ping)
	log.Info("journal opened", "driver", cfg.Journal.Driver)
	return nil
}

func (c *Components) addJobs(cfg config.Config, log *slog.Logger) error {
	jobs := []scheduler.Job{
		{
			Name:     "sweep",
			Schedule: cfg.Idempotency.SweepSchedule,
			Overlap:  scheduler.SkipIfRunning,
			Run:      scheduler.SweepJob(c.Store, time.Now, c.Metrics.RecordSweep),
		},
		{
			Name:    "capabilities",
			Every:   capabilityRefresh,
			Timeout: capabilityRefresh,
			Overlap: scheduler.SkipIfRunning,
			Run:     scheduler.RefreshJob(c.Capabilities, c.Queue, log),
		},
	}
	if c.Journal != nil && cfg.Journal.PruneAfter > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:     "journal-prune",
			Schedule: journalPruneSchedule,
			Timeout:  time.Minute,
			Overlap:  scheduler.SkipIfRunning,
			Run:      scheduler.PruneJob(c.Journal, cfg.Journal.PruneAfter, log),
		})
	}
	if c.Injector != nil && cfg.Chaos.CanarySchedule != "" {
		jobs = append(jobs, scheduler.Job{
			Name:     "canary",
			Schedule: cfg.Chaos.CanarySchedule,
			Overlap:  scheduler.SkipIfRunning,
			Run:      scheduler.CanaryJob(c.Queue, c.Capabilities, c.canaryDecorator(), c.Catalog.Policy("canary")),
		})
	}

	for _, j := range jobs {
		if _, err := c.Scheduler.Add(j); err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
	}
	return nil
}

// canaryDecorator traces every canary attempt, caps failures per catalog category
// and applies the faults injected for the canary target.
func (c *Components) canaryDecorator() resilience.Decorator {
	return func(op retry.Operation) retry.Operation {
		return resilience.Chain(op,
			c.Tracer.Decorator("canary.attempt"),
			c.Catalog.Limit,
			resilience.WithFaults(c.Injector, scheduler.CanaryTarget),
		)
	}
}
