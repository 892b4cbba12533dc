// calsyncd is the long-running calendar sync daemon. One process serves the
// provider webhook endpoints, consumes job requests off the event bus,
// sweeps pending sync runs, and renews push channels before they lapse.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slotwise/calsync/internal/calendar/application"
	"github.com/slotwise/calsync/internal/calendar/infrastructure/guard"
	"github.com/slotwise/calsync/internal/calendar/infrastructure/persistence"
	"github.com/slotwise/calsync/internal/calendar/setup"
	"github.com/slotwise/calsync/internal/clock"
	"github.com/slotwise/calsync/internal/jobs"
	"github.com/slotwise/calsync/internal/shared/infrastructure/crypto"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	"github.com/slotwise/calsync/internal/shared/infrastructure/keyval"
	"github.com/slotwise/calsync/internal/shared/infrastructure/migrations"
	syncengine "github.com/slotwise/calsync/internal/sync"
	"github.com/slotwise/calsync/internal/webhook"
	"github.com/slotwise/calsync/pkg/config"
	"github.com/slotwise/calsync/pkg/observability"
)

func main() {
	logger := observability.NewLogger(observability.DefaultLogConfig())
	logger.Info("starting calsyncd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logCfg := observability.DefaultLogConfig()
	logCfg.Level = observability.LogLevel(cfg.LogLevel)
	if cfg.IsProduction() {
		logCfg = observability.ProductionLogConfig()
		logCfg.Level = observability.LogLevel(cfg.LogLevel)
	}
	logger = observability.NewLogger(logCfg)

	// Database.
	conn, err := database.NewConnection(ctx, database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	if err := migrations.RunPostgresMigrations(ctx, conn); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Coalescing and lock state. Redis is shared across replicas; a single
	// process falls back to memory.
	var store keyval.Store
	if cfg.RedisURL != "" {
		redisStore, err := keyval.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer func() { _ = redisStore.Close() }()
		store = redisStore
		logger.Info("connected to redis")
	} else {
		store = keyval.NewMemoryStore()
		logger.Warn("no redis configured, webhook coalescing and sync locks are process-local")
	}
	locks := keyval.NewLockManager(store)

	// Event bus. Without a broker everything still works in one process:
	// the in-process bus delivers job requests straight to the runner.
	var (
		publisher eventbus.Publisher
		inproc    *eventbus.InProcessEventBus
	)
	rabbitPublisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
	if err != nil {
		if !cfg.IsDevelopment() {
			logger.Error("failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		logger.Warn("RabbitMQ not available, using in-process event bus", "error", err)
		inproc = eventbus.NewInProcessEventBus(logger)
		publisher = inproc
	} else {
		publisher = rabbitPublisher
		defer func() { _ = rabbitPublisher.Close() }()
	}
	logger.Info("event publisher initialized")

	// Repositories.
	calendars := persistence.NewPostgresCalendarRepository(conn)
	events := persistence.NewPostgresCalendarEventRepository(conn)
	rules := persistence.NewPostgresRecurrenceRuleRepository(conn)
	blocks := persistence.NewPostgresBlockedTimeRepository(conn)
	windows := persistence.NewPostgresAvailableTimeRepository(conn)
	syncs := persistence.NewPostgresCalendarSyncRepository(conn)
	subs := persistence.NewPostgresWebhookSubscriptionRepository(conn)
	webhookEvents := persistence.NewPostgresWebhookEventRepository(conn)
	attendance := persistence.NewPostgresAttendanceRepository(conn)
	directory := persistence.NewPostgresTenantDirectory(conn)
	uow := database.NewUnitOfWork(conn)

	// Provider credentials and adapters.
	sealer, err := crypto.NewAESGCMFromBase64Key(cfg.EncryptionKey)
	if err != nil {
		logger.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}
	credentials := persistence.NewPostgresCredentialStore(conn, sealer)

	factory := setup.NewFactory(setup.Config{
		GoogleTokens:     setup.NewGoogleTokens(credentials, cfg.GoogleClientID, cfg.GoogleClientSecret),
		MicrosoftTokens:  setup.NewMicrosoftTokens(credentials, cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenant),
		CalDAVCredential: setup.NewCalDAVCredentials(credentials),
		Logger:           logger,
	})

	metrics := observability.NewInMemoryMetrics()
	protections := guard.New(guard.Config{
		ReadPerMinute:      cfg.ReadPerMinute,
		WritePerMinute:     cfg.WritePerMinute,
		ReadBurst:          cfg.ReadBurst,
		WriteBurst:         cfg.WriteBurst,
		ReadMaxDelay:       cfg.ReadMaxDelay,
		WriteMaxDelay:      cfg.WriteMaxDelay,
		CallTimeout:        cfg.ProviderTimeout,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerOpenFor:     cfg.BreakerOpenFor,
	}, metrics, logger)
	adapters := guard.NewFactory(factory, protections)

	clk := clock.NewSystem()

	// Engines and services.
	engine := syncengine.NewEngine(
		calendars, rules, events, blocks, windows, syncs, attendance,
		adapters, uow, locks, publisher, clk, logger,
	)

	channels := webhook.NewSubscriptionManager(subs, adapters, publisher, webhook.SubscriptionManagerConfig{
		CallbackBaseURL: cfg.WebhookBaseURL,
		SubscriptionTTL: cfg.SubscriptionTTL,
	}, clk, logger)

	importer := application.NewImportService(calendars, adapters, publisher, logger)

	// Job runner, fed from the bus.
	runner := jobs.NewRunner(engine, importer, channels, syncs, jobs.RunnerConfig{
		TotalWorkers:       cfg.WorkerTotal,
		TenantWorkers:      cfg.WorkerPerTenant,
		FullSyncTimeout:    cfg.FullSyncBudget,
		IncrementalTimeout: cfg.IncrementalSyncBudget,
		RetryBase:          cfg.RetryBaseDelay,
		RetryCap:           cfg.RetryMaxDelay,
		MaxAttempts:        cfg.RetryMaxAttempts,
	}, logger)
	defer runner.Stop()

	if inproc != nil {
		inproc.RegisterConsumer(runner)
		if err := inproc.Start(ctx); err != nil {
			logger.Error("failed to start in-process bus", "error", err)
			os.Exit(1)
		}
	} else {
		consumer, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{
			URL:       cfg.RabbitMQURL,
			QueueName: eventbus.DefaultConsumerQueueName,
			Exchange:  eventbus.ExchangeName,
			Logger:    logger,
		}, eventbus.NewConsumerRegistry(logger))
		if err != nil {
			logger.Error("failed to create consumer", "error", err)
			os.Exit(1)
		}
		consumer.RegisterConsumer(runner)
		defer func() { _ = consumer.Close() }()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.Error("consumer stopped", "error", err)
				cancel()
			}
		}()
	}
	logger.Info("job runner consuming",
		"total_workers", cfg.WorkerTotal,
		"per_tenant", cfg.WorkerPerTenant,
	)

	// Webhook ingress.
	pipeline := webhook.NewPipeline(calendars, syncs, subs, webhookEvents, adapters, store, publisher, webhook.PipelineConfig{
		CoalesceWindow:  cfg.CoalesceWindow,
		SyncWindowBack:  cfg.SyncLookback,
		SyncWindowAhead: cfg.SyncHorizon,
	}, clk, logger)

	handler := webhook.NewHandler(webhook.HandlerConfig{
		Pipeline: pipeline,
		Tenants:  directory,
		Logger:   logger,
	})
	serverCfg := webhook.DefaultServerConfig()
	serverCfg.Addr = cfg.WebhookAddr
	server := webhook.NewServer(serverCfg, handler, logger)

	go func() {
		logger.Info("webhook server starting", "addr", cfg.WebhookAddr)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("webhook server error", "error", err)
			cancel()
		}
	}()

	// Background workers.
	if cfg.SchedulerEnabled {
		scheduler := syncengine.NewScheduler(syncs, publisher, syncengine.SchedulerConfig{
			Interval:  cfg.SchedulerPollInterval,
			BatchSize: cfg.SchedulerBatchSize,
		}, logger)
		go func() {
			if err := scheduler.Run(ctx); err != nil {
				logger.Error("sync scheduler stopped", "error", err)
			}
		}()
	}

	renewal := webhook.NewRenewalWorker(subs, adapters, publisher, webhook.RenewalWorkerConfig{
		Interval:        cfg.RenewalPollInterval,
		Lead:            cfg.SubscriptionRenewalLead,
		SubscriptionTTL: cfg.SubscriptionTTL,
	}, clk, logger)
	go func() {
		if err := renewal.Run(ctx); err != nil {
			logger.Error("renewal worker stopped", "error", err)
		}
	}()

	// Health endpoints.
	health := observability.NewHealthRegistry()
	health.Register("postgres", observability.DatabaseHealthChecker(conn.Ping))

	if cfg.HealthAddr != "" {
		healthSrv := newHealthServer(cfg.HealthAddr, health, conn)
		go func() {
			logger.Info("health server starting", "addr", cfg.HealthAddr)
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	// Periodic operational stats.
	if cfg.StatsInterval > 0 {
		statsTicker := time.NewTicker(cfg.StatsInterval)
		defer statsTicker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-statsTicker.C:
					logger.Info("calsyncd stats",
						"renewal_running", renewal.IsRunning(),
						"health", health.OverallStatus(),
					)
				}
			}
		}()
	}

	logger.Info("calsyncd running")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook server shutdown error", "error", err)
	}
	renewal.Stop()
	logger.Info("calsyncd stopped")
}

// newHealthServer serves /healthz from the registry and /readyz from a
// direct database ping.
func newHealthServer(addr string, health *observability.HealthRegistry, conn database.Connection) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		overall := health.GetOverallHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if overall.Status == observability.HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		body, err := overall.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, checkCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer checkCancel()
		w.Header().Set("Content-Type", "application/json")
		if err := conn.Ping(checkCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
