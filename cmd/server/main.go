// Package main is the entrypoint for the Faultline API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/faultline/internal/api"
	"github.com/kiranshivaraju/faultline/internal/api/handler"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/apm"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/filter"
	"github.com/kiranshivaraju/faultline/internal/issuetracker"
	"github.com/kiranshivaraju/faultline/internal/mail"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/notify"
	"github.com/kiranshivaraju/faultline/internal/recorder"
	"github.com/kiranshivaraju/faultline/internal/retention"
	"github.com/kiranshivaraju/faultline/internal/serializer"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/store/memory"
	"github.com/kiranshivaraju/faultline/internal/tracker"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	shutdownTimeout  = 30 * time.Second
	mailQueueSize    = 100
	mailSendTimeout  = 30 * time.Second
	retentionTimeout = 10 * time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config, failing fast when it is invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Backend,
		"apm_enabled", cfg.APM.Enabled,
		"apm_backend", cfg.APM.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Issue store
	issues, pgStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Cache: Redis when configured, in-process otherwise
	sharedCache, err := openCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer sharedCache.Close()

	// 4. Notifications
	var mailer *mail.AsyncMailer
	if cfg.Notify.Email.SMTPHost != "" {
		mailer = mail.NewAsyncMailer(mail.NewShoutrrrSender(mail.SMTPConfig{
			Host:     cfg.Notify.Email.SMTPHost,
			Port:     cfg.Notify.Email.SMTPPort,
			Username: cfg.Notify.Email.Username,
			Password: cfg.Notify.Email.Password,
			From:     cfg.Notify.Email.From,
		}), mailQueueSize, mailSendTimeout, logger)
		defer mailer.Close()
	}
	channels, err := notify.FromConfig(cfg.Notify, enqueuer(mailer))
	if err != nil {
		return fmt.Errorf("configure notification channels: %w", err)
	}
	dispatcher := notify.NewDispatcher(issues, channels, notify.DispatcherOptions{
		RatePerMinute: cfg.Notify.ChannelRatePerMinute,
		Logger:        logger,
	})
	evaluator := notify.NewEvaluator(notify.RulesFromConfig(cfg.Notify), len(channels), cfg.Server.Env)
	for _, ch := range channels {
		slog.Info("notification channel enabled", "channel", ch.Name())
	}

	// 5. Tracking pipeline
	ser := serializer.New(filter.New(cfg.Tracking.SanitizeFields...), serializer.DefaultLimits())
	rec := recorder.New(issues, recorder.Options{
		BacktraceLimit: cfg.Tracking.BacktraceLinesLimit,
		Environment:    cfg.Server.Env,
		Filter:         filter.New(cfg.Tracking.FilterParameters...),
		Serializer:     ser,
		Logger:         logger,
	})
	tr, err := tracker.New(issues, rec, ser, evaluator, dispatcher, tracker.Options{
		Disabled:          !cfg.Tracking.Enabled,
		IgnoredExceptions: cfg.Tracking.IgnoredExceptions,
		IgnoredUserAgents: cfg.Tracking.IgnoredUserAgents,
		AppRoot:           cfg.Server.AppRoot,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("create tracker: %w", err)
	}

	// 6. APM
	var (
		aggregator *apm.Aggregator
		traceStore retention.TraceStore
	)
	if cfg.APM.Enabled {
		ts, err := apm.Open(ctx, cfg.APM, pgPool(pgStore, cfg))
		if err != nil {
			return fmt.Errorf("open apm store: %w", err)
		}
		defer ts.Close()
		traceStore = ts
		aggregator = apm.NewAggregator(ts, sharedCache, apm.Options{
			SampleRate: cfg.APM.SampleRate,
			CacheTTL:   cfg.APM.CacheTTL,
			Logger:     logger,
		})
		slog.Info("apm store ready", "backend", ts.Dialect())
	}

	// 7. Retention
	cleaner := retention.New(issues, traceStore, cfg.Retention.Days, cfg.APM.RetentionDays, logger)
	var scheduler *retention.Scheduler
	if cfg.Retention.Schedule != "" {
		if scheduler, err = retention.NewScheduler(cleaner, cfg.Retention.Schedule, retentionTimeout); err != nil {
			return err
		}
	}

	// 8. Build router with dependencies
	tickets := issuetracker.New(cfg.IssueTracker, cfg.Server.AppRoot, nil, logger)
	issueHandlers := handler.NewIssues(issues, sharedCache, tickets, logger)
	keyHandlers := handler.NewKeys(issues, 0, logger)

	health := map[string]handler.Pinger{"database": issues, "cache": sharedCache}
	deps := api.Dependencies{
		Auth:      mw.NewAuth(issues, logger),
		RateLimit: mw.NewRateLimit(sharedCache, cfg.Server.RateLimitPerMinute, logger),
		Logger:    logger,
		Tracker:   tr,

		MetricsHandler: metrics.Handler(),
		EventHandler:   handler.NewEventHandler(tr),

		ListIssues:      issueHandlers.List,
		GetIssue:        issueHandlers.Get,
		ListOccurrences: issueHandlers.Occurrences,
		GetOccurrence:   issueHandlers.Occurrence,
		IssueChart:      issueHandlers.Chart,
		ResolveIssue:    issueHandlers.SetStatus(models.StatusResolved),
		UnresolveIssue:  issueHandlers.SetStatus(models.StatusUnresolved),
		IgnoreIssue:     issueHandlers.SetStatus(models.StatusIgnored),
		CreateTicket:    issueHandlers.Ticket,

		CleanupHandler:   handler.NewCleanupHandler(cleaner, logger),
		CreateKeyHandler: keyHandlers.Create,
		ListKeysHandler:  keyHandlers.List,
		RevokeKeyHandler: keyHandlers.Revoke,
	}
	if aggregator != nil {
		health["apm"] = aggregator.Store()
		traces := handler.NewTraces(aggregator, logger)
		deps.APM = aggregator
		deps.APMIgnorePaths = append([]string{"/metrics", "/api/v1/health"}, cfg.Tracking.MiddlewareIgnorePaths...)
		deps.IngestTrace = traces.Ingest
		deps.ListTraces = traces.List
		deps.GetTrace = traces.Get
		deps.GetProfile = traces.Profile
		deps.ResponseTimes = traces.Series
		deps.Throughput = traces.Throughput
		deps.Percentiles = traces.Percentiles
		deps.Endpoints = traces.Endpoints
	}
	deps.HealthHandler = handler.NewHealthHandler(health)

	router := api.NewRouter(deps)

	// 9. Start HTTP server and scheduler
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if scheduler != nil {
		g.Go(func() error {
			slog.Info("retention scheduler started", "schedule", cfg.Retention.Schedule)
			return scheduler.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects the configured issue store. For postgres it also applies
// pending migrations and returns the concrete store so its pool can be shared.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *store.PostgresStore, func(), error) {
	if cfg.Database.Backend == "memory" {
		slog.Warn("using in-memory issue store; data is lost on restart")
		return memory.New(), nil, func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database, apm.QueryTracer{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pg := store.NewPostgresStore(pool)
	return pg, pg, pool.Close, nil
}

func openCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, error) {
	if cfg.URL == "" {
		slog.Info("no redis configured, using in-process cache")
		return cache.NewLocalCache(time.Minute), nil
	}
	redisCache, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		redisCache.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return redisCache, nil
}

// pgPool returns the issue store's pool when the APM store points at the same database.
func pgPool(pg *store.PostgresStore, cfg *config.Config) *pgxpool.Pool {
	if pg == nil || cfg.APM.Backend != "postgres" || cfg.APM.DSN != cfg.Database.URL {
		return nil
	}
	return pg.Pool()
}

// enqueuer keeps a nil mailer a nil interface so email channels fail config.
func enqueuer(m *mail.AsyncMailer) notify.Enqueuer {
	if m == nil {
		return nil
	}
	return m
}
