// Package jobs executes background work dispatched over the event bus:
// calendar sync runs, provider imports and subscription renewals. One
// Runner consumes every job kind and bounds how many jobs run at once,
// in total and per tenant.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	syncengine "github.com/slotwise/calsync/internal/sync"
	"github.com/slotwise/calsync/internal/tenant"
)

// Default concurrency and retry bounds.
const (
	DefaultTotalWorkers  = 16
	DefaultTenantWorkers = 4
	DefaultMaxAttempts   = 5
)

// RunnerConfig configures the job runner.
type RunnerConfig struct {
	// TotalWorkers caps jobs running at once across all tenants.
	TotalWorkers int

	// TenantWorkers caps jobs running at once for a single tenant.
	TenantWorkers int

	// FullSyncTimeout is the wall clock budget for a sync without a prior
	// sync token.
	FullSyncTimeout time.Duration

	// IncrementalTimeout is the wall clock budget for a delta sync.
	IncrementalTimeout time.Duration

	// ImportTimeout is the wall clock budget for account and resource
	// imports.
	ImportTimeout time.Duration

	// RenewTimeout is the wall clock budget for a subscription renewal.
	RenewTimeout time.Duration

	// RetryBase is the first retry delay; each retry doubles it up to
	// RetryCap.
	RetryBase   time.Duration
	RetryCap    time.Duration
	MaxAttempts int
}

// DefaultRunnerConfig returns the default configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		TotalWorkers:       DefaultTotalWorkers,
		TenantWorkers:      DefaultTenantWorkers,
		FullSyncTimeout:    10 * time.Minute,
		IncrementalTimeout: 2 * time.Minute,
		ImportTimeout:      2 * time.Minute,
		RenewTimeout:       2 * time.Minute,
		RetryBase:          time.Second,
		RetryCap:           5 * time.Minute,
		MaxAttempts:        DefaultMaxAttempts,
	}
}

// SyncExecutor runs one scheduled sync run to completion.
type SyncExecutor interface {
	Sync(ctx context.Context, tc tenant.Context, syncID uuid.UUID) (*syncengine.Result, error)
}

// Importer pulls provider-side calendars and resources into the platform.
type Importer interface {
	ImportAccountCalendars(ctx context.Context, tc tenant.Context, provider domain.Provider) ([]*domain.Calendar, error)
	ImportOrgResources(ctx context.Context, tc tenant.Context, provider domain.Provider) ([]*domain.Calendar, error)
}

// SubscriptionRenewer extends one push channel's lease with its provider.
type SubscriptionRenewer interface {
	RenewSubscription(ctx context.Context, tc tenant.Context, subscriptionID uuid.UUID) error
}

// Runner consumes job requests and executes them on a bounded worker pool.
// Jobs run on the runner's own lifecycle, not the delivery context, so the
// webhook request that triggered a sync can finish while the sync runs.
// Failed retryable jobs back off exponentially; everything else relies on
// idempotent job identifiers and the scheduler sweep to recover.
type Runner struct {
	engine   SyncExecutor
	importer Importer
	renewer  SubscriptionRenewer
	syncRuns domain.CalendarSyncRepository
	config   RunnerConfig
	logger   *slog.Logger

	// pending stalls the consumer loop once enough jobs queue in process,
	// leaving the backlog in the broker.
	pending *semaphore.Weighted
	total   *semaphore.Weighted

	mu      sync.Mutex
	tenants map[uuid.UUID]*tenantSlot
	stopped bool
	wg      sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

type tenantSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewRunner creates a job runner.
func NewRunner(
	engine SyncExecutor,
	importer Importer,
	renewer SubscriptionRenewer,
	syncRuns domain.CalendarSyncRepository,
	config RunnerConfig,
	logger *slog.Logger,
) *Runner {
	if config.TotalWorkers <= 0 {
		config.TotalWorkers = DefaultTotalWorkers
	}
	if config.TenantWorkers <= 0 {
		config.TenantWorkers = DefaultTenantWorkers
	}
	if config.FullSyncTimeout <= 0 {
		config.FullSyncTimeout = 10 * time.Minute
	}
	if config.IncrementalTimeout <= 0 {
		config.IncrementalTimeout = 2 * time.Minute
	}
	if config.ImportTimeout <= 0 {
		config.ImportTimeout = 2 * time.Minute
	}
	if config.RenewTimeout <= 0 {
		config.RenewTimeout = 2 * time.Minute
	}
	if config.RetryBase <= 0 {
		config.RetryBase = time.Second
	}
	if config.RetryCap < config.RetryBase {
		config.RetryCap = 5 * time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		engine:   engine,
		importer: importer,
		renewer:  renewer,
		syncRuns: syncRuns,
		config:   config,
		logger:   logger,
		pending:  semaphore.NewWeighted(int64(4 * config.TotalWorkers)),
		total:    semaphore.NewWeighted(int64(config.TotalWorkers)),
		tenants:  make(map[uuid.UUID]*tenantSlot),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// EventTypes returns the routing keys this runner handles.
func (r *Runner) EventTypes() []string {
	return []string{
		syncengine.RoutingSyncRequested,
		RoutingImportAccount,
		RoutingImportResources,
		RoutingSubscriptionRenew,
	}
}

// Handle accepts a job request from the bus and executes it asynchronously.
// A bad payload is dropped rather than requeued: redelivery cannot fix it.
// After Stop, requests are refused so the broker redelivers them to another
// worker.
func (r *Runner) Handle(ctx context.Context, event *eventbus.ConsumedEvent) error {
	job, err := r.jobFor(event)
	if err != nil {
		r.logger.Error("job request dropped",
			"routing_key", event.RoutingKey,
			"event_id", event.EventID,
			"error", err,
		)
		return nil
	}

	if err := r.pending.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("job not accepted: %w", err)
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.pending.Release(1)
		return errors.New("job runner stopped")
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(job)
	return nil
}

// Stop cancels running jobs and waits for them to record their terminal
// state. Safe to call more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// job is one unit of work with its wall clock budget. The budget is a
// closure because sync budgets depend on whether a prior sync token exists.
type job struct {
	kind     string
	key      string
	tenantID uuid.UUID
	budget   func(ctx context.Context, tc tenant.Context) time.Duration
	run      func(ctx context.Context, tc tenant.Context) error
}

func (r *Runner) jobFor(event *eventbus.ConsumedEvent) (*job, error) {
	switch event.RoutingKey {
	case syncengine.RoutingSyncRequested:
		if r.engine == nil {
			return nil, errors.New("sync engine not configured")
		}
		var req syncengine.SyncRequested
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed sync request: %w", err)
		}
		if req.SyncID == uuid.Nil || req.TenantID == uuid.Nil {
			return nil, errors.New("sync request missing sync or tenant id")
		}
		return &job{
			kind:     "sync_calendar",
			key:      req.SyncID.String(),
			tenantID: req.TenantID,
			budget: func(ctx context.Context, tc tenant.Context) time.Duration {
				return r.syncBudget(ctx, tc, req.CalendarID)
			},
			run: func(ctx context.Context, tc tenant.Context) error {
				return r.runSync(ctx, tc, req.SyncID)
			},
		}, nil

	case RoutingImportAccount:
		if r.importer == nil {
			return nil, errors.New("importer not configured")
		}
		var req ImportAccountRequested
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed account import request: %w", err)
		}
		if req.TenantID == uuid.Nil || !req.Provider.IsValid() {
			return nil, errors.New("account import request missing tenant or provider")
		}
		return &job{
			kind:     "import_account_calendars",
			key:      req.Provider.String(),
			tenantID: req.TenantID,
			budget:   fixedBudget(r.config.ImportTimeout),
			run: func(ctx context.Context, tc tenant.Context) error {
				cals, err := r.importer.ImportAccountCalendars(ctx, tc, req.Provider)
				if err != nil {
					return err
				}
				r.logger.Info("account calendars imported",
					"tenant_id", tc.TenantID(),
					"provider", req.Provider,
					"count", len(cals),
				)
				return nil
			},
		}, nil

	case RoutingImportResources:
		if r.importer == nil {
			return nil, errors.New("importer not configured")
		}
		var req ImportResourcesRequested
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed resource import request: %w", err)
		}
		if req.TenantID == uuid.Nil || !req.Provider.IsValid() {
			return nil, errors.New("resource import request missing tenant or provider")
		}
		return &job{
			kind:     "import_org_resources",
			key:      req.Provider.String(),
			tenantID: req.TenantID,
			budget:   fixedBudget(r.config.ImportTimeout),
			run: func(ctx context.Context, tc tenant.Context) error {
				cals, err := r.importer.ImportOrgResources(ctx, tc, req.Provider)
				if err != nil {
					return err
				}
				r.logger.Info("org resources imported",
					"tenant_id", tc.TenantID(),
					"provider", req.Provider,
					"count", len(cals),
				)
				return nil
			},
		}, nil

	case RoutingSubscriptionRenew:
		if r.renewer == nil {
			return nil, errors.New("subscription renewer not configured")
		}
		var req SubscriptionRenewRequested
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			return nil, fmt.Errorf("malformed renewal request: %w", err)
		}
		if req.TenantID == uuid.Nil || req.SubscriptionID == uuid.Nil {
			return nil, errors.New("renewal request missing tenant or subscription id")
		}
		return &job{
			kind:     "renew_subscription",
			key:      req.SubscriptionID.String(),
			tenantID: req.TenantID,
			budget:   fixedBudget(r.config.RenewTimeout),
			run: func(ctx context.Context, tc tenant.Context) error {
				return r.renewer.RenewSubscription(ctx, tc, req.SubscriptionID)
			},
		}, nil

	default:
		return nil, fmt.Errorf("no handler for routing key %q", event.RoutingKey)
	}
}

func (r *Runner) execute(job *job) {
	defer r.wg.Done()
	defer r.pending.Release(1)
	ctx := r.baseCtx

	// The tenant slot is taken before the shared pool slot so one tenant's
	// burst queues on its own limit instead of holding pool capacity while
	// it waits.
	slot := r.claimTenant(job.tenantID)
	defer r.releaseTenant(job.tenantID)
	if err := slot.Acquire(ctx, 1); err != nil {
		r.logger.Warn("job abandoned, runner stopping",
			"kind", job.kind, "key", job.key)
		return
	}
	defer slot.Release(1)

	if err := r.total.Acquire(ctx, 1); err != nil {
		r.logger.Warn("job abandoned, runner stopping",
			"kind", job.kind, "key", job.key)
		return
	}
	defer r.total.Release(1)

	tc, err := tenant.NewContext(job.tenantID)
	if err != nil {
		r.logger.Error("job has no tenant",
			"kind", job.kind, "key", job.key, "error", err)
		return
	}

	r.runWithRetry(ctx, tc, job)
}

func (r *Runner) runWithRetry(ctx context.Context, tc tenant.Context, job *job) {
	delay := r.config.RetryBase
	var lastErr error

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, job.budget(ctx, tc))
		start := time.Now()
		err := job.run(attemptCtx, tc)
		cancel()

		if err == nil {
			r.logger.Info("job completed",
				"kind", job.kind,
				"key", job.key,
				"tenant_id", tc.TenantID(),
				"attempt", attempt,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return
		}
		lastErr = err

		if attempt >= r.config.MaxAttempts || !retryable(err) {
			break
		}
		r.logger.Warn("job attempt failed, backing off",
			"kind", job.kind,
			"key", job.key,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			r.logger.Warn("job retry abandoned, runner stopping",
				"kind", job.kind, "key", job.key)
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.config.RetryCap {
			delay = r.config.RetryCap
		}
	}

	r.logger.Error("job failed",
		"kind", job.kind,
		"key", job.key,
		"tenant_id", tc.TenantID(),
		"error", lastErr,
	)
}

func (r *Runner) runSync(ctx context.Context, tc tenant.Context, syncID uuid.UUID) error {
	_, err := r.engine.Sync(ctx, tc, syncID)
	if errors.Is(err, domain.ErrSyncInProgress) {
		// Another worker holds the calendar or already claimed the run;
		// the scheduler sweep re-dispatches anything still pending.
		r.logger.Info("sync run already claimed",
			"sync_id", syncID, "tenant_id", tc.TenantID())
		return nil
	}
	return err
}

// syncBudget picks the wall clock allowance before the run starts: with a
// prior sync token the engine walks a delta, without one the whole window.
func (r *Runner) syncBudget(ctx context.Context, tc tenant.Context, calendarID uuid.UUID) time.Duration {
	if r.syncRuns == nil || calendarID == uuid.Nil {
		return r.config.FullSyncTimeout
	}
	prev, err := r.syncRuns.FindLatestSuccessful(ctx, tc, calendarID)
	if err != nil || prev == nil || prev.NextSyncToken() == "" {
		return r.config.FullSyncTimeout
	}
	return r.config.IncrementalTimeout
}

// claimTenant hands back the tenant's semaphore, creating it on first use.
// Slots are refcounted so an idle tenant costs nothing.
func (r *Runner) claimTenant(tenantID uuid.UUID) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.tenants[tenantID]
	if !ok {
		slot = &tenantSlot{sem: semaphore.NewWeighted(int64(r.config.TenantWorkers))}
		r.tenants[tenantID] = slot
	}
	slot.refs++
	return slot.sem
}

func (r *Runner) releaseTenant(tenantID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.tenants[tenantID]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(r.tenants, tenantID)
	}
}

func fixedBudget(d time.Duration) func(context.Context, tenant.Context) time.Duration {
	return func(context.Context, tenant.Context) time.Duration { return d }
}

// retryable reports whether backing off and trying again can help.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrProviderUnavailable) ||
		errors.Is(err, domain.ErrTimeout) ||
		errors.Is(err, domain.ErrRateLimited)
}
