package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/availability"
	"github.com/slotwise/calsync/internal/calendar/application"
	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/calendar/infrastructure/guard"
	"github.com/slotwise/calsync/internal/calendar/infrastructure/persistence"
	"github.com/slotwise/calsync/internal/calendar/setup"
	"github.com/slotwise/calsync/internal/clock"
	"github.com/slotwise/calsync/internal/shared/infrastructure/crypto"
	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	"github.com/slotwise/calsync/internal/shared/infrastructure/keyval"
	syncengine "github.com/slotwise/calsync/internal/sync"
	"github.com/slotwise/calsync/internal/tenant"
	"github.com/slotwise/calsync/internal/webhook"
	"github.com/slotwise/calsync/pkg/config"
	"github.com/slotwise/calsync/pkg/observability"
)

// app holds everything a CLI command may need. Jobs run inline rather than
// over the bus: the CLI publishes nothing and waits for results itself.
type app struct {
	cfg *config.Config
	tc  tenant.Context

	conn database.Connection

	calendars  domain.CalendarRepository
	events     domain.CalendarEventRepository
	rules      domain.RecurrenceRuleRepository
	syncs      domain.CalendarSyncRepository
	subs       domain.WebhookSubscriptionRepository
	attendance domain.AttendanceRepository

	adapters domain.AdapterFactory
	engine   *syncengine.Engine
	avail    *availability.Engine
	channels *webhook.SubscriptionManager
	service  *application.Service
	importer *application.ImportService
}

// newApp connects and wires the command dependencies. Close the returned
// app when done.
func newApp(ctx context.Context, tenantFlag string) (*app, error) {
	tenantID, err := uuid.Parse(tenantFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid --tenant %q: %w", tenantFlag, err)
	}
	tc, err := tenant.NewContext(tenantID)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logCfg := observability.DefaultLogConfig()
	logCfg.Level = observability.LogLevel(cfg.LogLevel)
	logger := observability.NewLogger(logCfg)

	conn, err := database.NewConnection(ctx, database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sealer, err := crypto.NewAESGCMFromBase64Key(cfg.EncryptionKey)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	calendars := persistence.NewPostgresCalendarRepository(conn)
	events := persistence.NewPostgresCalendarEventRepository(conn)
	rules := persistence.NewPostgresRecurrenceRuleRepository(conn)
	blocks := persistence.NewPostgresBlockedTimeRepository(conn)
	windows := persistence.NewPostgresAvailableTimeRepository(conn)
	syncs := persistence.NewPostgresCalendarSyncRepository(conn)
	subs := persistence.NewPostgresWebhookSubscriptionRepository(conn)
	attendance := persistence.NewPostgresAttendanceRepository(conn)
	credentials := persistence.NewPostgresCredentialStore(conn, sealer)
	uow := database.NewUnitOfWork(conn)

	factory := setup.NewFactory(setup.Config{
		GoogleTokens:     setup.NewGoogleTokens(credentials, cfg.GoogleClientID, cfg.GoogleClientSecret),
		MicrosoftTokens:  setup.NewMicrosoftTokens(credentials, cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenant),
		CalDAVCredential: setup.NewCalDAVCredentials(credentials),
		Logger:           logger,
	})
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
	}, observability.NewInMemoryMetrics(), logger)
	adapters := guard.NewFactory(factory, protections)

	clk := clock.NewSystem()
	locks := keyval.NewLockManager(keyval.NewMemoryStore())
	publisher := eventbus.NewNoopPublisher(logger)

	engine := syncengine.NewEngine(
		calendars, rules, events, blocks, windows, syncs, attendance,
		adapters, uow, locks, publisher, clk, logger,
	)
	avail := availability.NewEngine(calendars, events, blocks, windows, rules)

	channels := webhook.NewSubscriptionManager(subs, adapters, publisher, webhook.SubscriptionManagerConfig{
		CallbackBaseURL: cfg.WebhookBaseURL,
		SubscriptionTTL: cfg.SubscriptionTTL,
	}, clk, logger)

	importer := application.NewImportService(calendars, adapters, publisher, logger)

	service := application.NewService(
		calendars, events, rules, attendance, syncs, adapters,
		avail, engine, channels, uow, publisher,
		application.ServiceConfig{SyncLookback: cfg.SyncLookback, SyncHorizon: cfg.SyncHorizon},
		clk, logger,
	)

	return &app{
		cfg:        cfg,
		tc:         tc,
		conn:       conn,
		calendars:  calendars,
		events:     events,
		rules:      rules,
		syncs:      syncs,
		subs:       subs,
		attendance: attendance,
		adapters:   adapters,
		engine:     engine,
		avail:      avail,
		channels:   channels,
		service:    service,
		importer:   importer,
	}, nil
}

func (a *app) Close() {
	_ = a.conn.Close()
}
