// Package app assembles the service from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"identity-reconciliation/internal/config"
	"identity-reconciliation/internal/database"
	"identity-reconciliation/internal/events"
	"identity-reconciliation/internal/handlers"
	"identity-reconciliation/internal/lock"
	"identity-reconciliation/internal/metrics"
	"identity-reconciliation/internal/middleware"
	"identity-reconciliation/internal/server"
	"identity-reconciliation/internal/service"
	"identity-reconciliation/internal/store/memory"
	"identity-reconciliation/internal/store/sqlstore"
	"identity-reconciliation/internal/tracing"
)

const (
	rateLimitCleanup = time.Minute
	tracingShutdown  = 5 * time.Second
)

// App holds the wired service and the resources it must release.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *database.DB
	Service *service.ReconciliationService
	Metrics *metrics.Metrics
	health  map[string]handlers.Pinger
	closers []func() error
}

// New connects every configured backend and builds the resolver. On error,
// anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *App, err error) {
	a = &App{
		cfg:     cfg,
		logger:  logger,
		Metrics: metrics.New(),
		health:  make(map[string]handlers.Pinger),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	store, tx, err := a.openStore(ctx)
	if err != nil {
		return a, err
	}

	locker, err := a.openLocker(ctx)
	if err != nil {
		return a, err
	}

	publisher, err := a.openPublisher()
	if err != nil {
		return a, err
	}

	tp, err := a.openTracing()
	if err != nil {
		return a, err
	}

	a.Service = service.NewReconciliationService(store, tx,
		service.WithLocker(locker),
		service.WithPublisher(publisher),
		service.WithPublishTimeout(cfg.Events.PublishTimeout),
		service.WithMetrics(a.Metrics),
		service.WithLogger(logger),
		service.WithTracerProvider(tp),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (service.ContactStore, service.TxManager, error) {
	if a.cfg.Database.Driver == config.DriverMemory {
		store := memory.New()
		a.health["database"] = store
		return store, store, nil
	}

	db, err := database.New(ctx, a.cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.health["database"] = db

	if a.cfg.Database.AutoMigrate {
		applied, err := db.Migrate(ctx)
		if err != nil {
			return nil, nil, err
		}
		a.logger.Info("migrations applied", slog.Int("count", applied), slog.String("driver", db.Driver))
	}

	return sqlstore.New(db), database.NewTxManager(db), nil
}

func (a *App) openLocker(ctx context.Context) (service.Locker, error) {
	backend := a.cfg.Lock.Backend
	if backend == config.LockAuto {
		if a.cfg.Database.Driver == config.DriverPostgres {
			a.logger.Info("cluster locks", slog.String("backend", "postgres_advisory"))
			return sqlstore.NewAdvisoryLocker(), nil
		}
		backend = config.LockLocal
	}

	switch backend {
	case config.LockLocal:
		a.logger.Info("cluster locks", slog.String("backend", config.LockLocal))
		return lock.NewLocal(a.cfg.Lock.Wait), nil
	case config.LockRedis:
		client, err := lock.NewRedisClient(ctx, a.cfg.Redis)
		if err != nil {
			return nil, err
		}
		if client == nil {
			return nil, errors.New("lock backend redis requires redis.url")
		}
		a.closers = append(a.closers, client.Close)
		a.health["redis"] = &redisPinger{client: client}
		a.logger.Info("cluster locks", slog.String("backend", config.LockRedis))
		return lock.NewRedis(client, a.cfg.Lock.TTL, a.cfg.Lock.Wait), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}

func (a *App) openPublisher() (service.EventPublisher, error) {
	if len(a.cfg.Events.Brokers) == 0 {
		return events.NewLog(a.logger), nil
	}
	k, err := events.NewKafka(a.cfg.Events)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { k.Close(); return nil })
	a.health["kafka"] = k
	a.logger.Info("events", slog.String("topic", a.cfg.Events.Topic), slog.Any("brokers", a.cfg.Events.Brokers))
	return k, nil
}

// openTracing installs the SDK tracer provider globally and registers its
// shutdown so buffered spans are flushed on Close.
func (a *App) openTracing() (*sdktrace.TracerProvider, error) {
	tp, err := tracing.NewProvider(a.cfg.Tracing, os.Stderr)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), tracingShutdown)
		defer cancel()
		return tracing.Shutdown(ctx, tp)
	})
	a.logger.Info("tracing", slog.String("exporter", a.cfg.Tracing.Exporter), slog.Float64("sample_ratio", a.cfg.Tracing.SampleRatio))
	return tp, nil
}

// Handler returns the HTTP API together with the rate limiter backing it, if any.
func (a *App) Handler() (http.Handler, *middleware.RateLimiter) {
	var rl *middleware.RateLimiter
	if a.cfg.RateLimit.RequestsPerSecond > 0 {
		rl = middleware.NewRateLimiter(a.cfg.RateLimit.RequestsPerSecond, a.cfg.RateLimit.Burst, rateLimitCleanup)
	}
	return server.NewRouter(server.Deps{
		Identify:    handlers.NewIdentifyHandler(a.Service, a.logger),
		Health:      handlers.NewHealthHandler(a.health, BuildVersion()),
		Metrics:     a.Metrics.Handler(),
		Requests:    a.Metrics.HTTPRequestsTotal,
		RateLimiter: rl,
		Logger:      a.logger,
	}), rl
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// within the configured timeout.
func (a *App) Serve(ctx context.Context) error {
	handler, rl := a.Handler()
	if rl != nil {
		defer rl.Stop()
	}
	srv := server.New(a.cfg.Server, handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("server starting", slog.String("addr", srv.Addr), slog.String("version", BuildVersion()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Migrate opens the configured database and applies pending migrations.
func Migrate(ctx context.Context, cfg config.DatabaseConfig) (int, error) {
	if cfg.Driver == config.DriverMemory {
		return 0, errors.New("memory driver has no schema to migrate")
	}
	db, err := database.New(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return db.Migrate(ctx)
}

type redisPinger struct{ client *redis.Client }

func (p *redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }
