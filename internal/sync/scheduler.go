package sync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
)

// RoutingSyncRequested carries sync job requests to the worker pool.
const RoutingSyncRequested = "sync.requested"

// SyncRequested asks a worker to execute one pending sync run.
type SyncRequested struct {
	SyncID     uuid.UUID `json:"sync_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	CalendarID uuid.UUID `json:"calendar_id"`
}

// DefaultSchedulerInterval is the default pause between dispatch cycles.
const DefaultSchedulerInterval = 30 * time.Second

// SchedulerConfig configures the sync scheduler.
type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultSchedulerConfig returns the default configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:  DefaultSchedulerInterval,
		BatchSize: 50,
	}
}

// Scheduler periodically scans for not_started sync runs across all tenants
// and publishes a job request for each. A run republished before a worker
// claims it is harmless: the claim is serialized by the run's version guard,
// so duplicate requests collapse into one execution.
type Scheduler struct {
	syncs     domain.CalendarSyncRepository
	publisher eventbus.Publisher
	config    SchedulerConfig
	logger    *slog.Logger
	running   atomic.Bool
	stopCh    chan struct{}
}

// NewScheduler creates a sync scheduler.
func NewScheduler(
	syncs domain.CalendarSyncRepository,
	publisher eventbus.Publisher,
	config SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		syncs:     syncs,
		publisher: publisher,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Run starts the scheduler and blocks until context is cancelled or Stop()
// is called.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.publisher == nil {
		s.logger.Warn("sync publisher not configured, scheduler will not start")
		return nil
	}

	s.running.Store(true)
	s.logger.Info("sync scheduler started",
		"interval", s.config.Interval,
		"batch_size", s.config.BatchSize,
	)

	// Dispatch immediately on start
	s.runDispatchCycle(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			s.logger.Info("sync scheduler stopped (context cancelled)")
			return ctx.Err()
		case <-s.stopCh:
			s.running.Store(false)
			s.logger.Info("sync scheduler stopped (stop signal)")
			return nil
		case <-ticker.C:
			s.runDispatchCycle(ctx)
		}
	}
}

// Stop signals the scheduler to stop gracefully.
func (s *Scheduler) Stop() {
	if s.running.Load() {
		close(s.stopCh)
	}
}

// IsRunning returns true if the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) runDispatchCycle(ctx context.Context) {
	s.logger.Debug("starting dispatch cycle")

	pending, err := s.syncs.FindPendingAll(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to find pending sync runs", "error", err)
		return
	}

	if len(pending) == 0 {
		s.logger.Debug("no pending sync runs")
		return
	}

	s.logger.Debug("found pending sync runs", "count", len(pending))

	for _, run := range pending {
		if err := ctx.Err(); err != nil {
			return
		}
		s.dispatch(ctx, run)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, run *domain.CalendarSync) {
	req := SyncRequested{
		SyncID:     run.ID(),
		TenantID:   run.TenantID(),
		CalendarID: run.CalendarID(),
	}
	if err := eventbus.PublishJob(ctx, s.publisher, RoutingSyncRequested, domain.AggregateCalendarSync, run.ID(), run.TenantID(), req); err != nil {
		s.logger.Error("failed to publish sync request",
			"sync_id", run.ID(),
			"calendar_id", run.CalendarID(),
			"error", err,
		)
		return
	}
	s.logger.Debug("dispatched sync run",
		"sync_id", run.ID(),
		"calendar_id", run.CalendarID(),
	)
}
