package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/shared/infrastructure/eventbus"
	syncengine "github.com/slotwise/calsync/internal/sync"
	"github.com/slotwise/calsync/internal/tenant"
)

// Mock implementations

type mockEngine struct {
	mu    sync.Mutex
	calls []uuid.UUID
	tcs   []tenant.Context
	fn    func(ctx context.Context, tc tenant.Context, syncID uuid.UUID) (*syncengine.Result, error)
}

func (m *mockEngine) Sync(ctx context.Context, tc tenant.Context, syncID uuid.UUID) (*syncengine.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, syncID)
	m.tcs = append(m.tcs, tc)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, tc, syncID)
	}
	return &syncengine.Result{}, nil
}

func (m *mockEngine) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockImporter struct {
	mu        sync.Mutex
	accounts  []domain.Provider
	resources []domain.Provider
	err       error
}

func (m *mockImporter) ImportAccountCalendars(_ context.Context, _ tenant.Context, provider domain.Provider) ([]*domain.Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append(m.accounts, provider)
	return nil, m.err
}

func (m *mockImporter) ImportOrgResources(_ context.Context, _ tenant.Context, provider domain.Provider) ([]*domain.Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, provider)
	return nil, m.err
}

type mockRenewer struct {
	mu    sync.Mutex
	calls []uuid.UUID
	errs  []error
}

func (m *mockRenewer) RenewSubscription(_ context.Context, _ tenant.Context, subscriptionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, subscriptionID)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

type mockRunLookup struct {
	latest *domain.CalendarSync
}

func (m *mockRunLookup) Save(context.Context, tenant.Context, *domain.CalendarSync) error {
	return nil
}

func (m *mockRunLookup) FindByID(context.Context, tenant.Context, uuid.UUID) (*domain.CalendarSync, error) {
	return nil, nil
}

func (m *mockRunLookup) FindLatestSuccessful(context.Context, tenant.Context, uuid.UUID) (*domain.CalendarSync, error) {
	return m.latest, nil
}

func (m *mockRunLookup) FindByCalendar(context.Context, tenant.Context, uuid.UUID, int) ([]*domain.CalendarSync, error) {
	return nil, nil
}

func (m *mockRunLookup) FindPendingAll(context.Context, int) ([]*domain.CalendarSync, error) {
	return nil, nil
}

// Helpers

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() RunnerConfig {
	cfg := DefaultRunnerConfig()
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 2 * time.Millisecond
	return cfg
}

func jobEnvelope(t *testing.T, routingKey string, req any) *eventbus.ConsumedEvent {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return eventbus.CreateConsumedEvent(uuid.New(), uuid.New(), "test", uuid.Nil, routingKey, payload)
}

func syncRequest() syncengine.SyncRequested {
	return syncengine.SyncRequested{
		SyncID:     uuid.New(),
		TenantID:   uuid.New(),
		CalendarID: uuid.New(),
	}
}

func completedRun(t *testing.T, token string) *domain.CalendarSync {
	t.Helper()
	tc := tenant.MustContext(uuid.New())
	start := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	window, err := domain.NewTimeWindow(start, start.AddDate(0, 0, 30))
	require.NoError(t, err)
	run, err := domain.NewCalendarSync(tc, uuid.New(), window, true)
	require.NoError(t, err)
	require.NoError(t, run.Start(start))
	require.NoError(t, run.Complete(start.Add(time.Minute), token))
	run.ClearDomainEvents()
	return run
}

// Tests

func TestDefaultRunnerConfig(t *testing.T) {
	cfg := DefaultRunnerConfig()

	assert.Equal(t, 16, cfg.TotalWorkers)
	assert.Equal(t, 4, cfg.TenantWorkers)
	assert.Equal(t, 10*time.Minute, cfg.FullSyncTimeout)
	assert.Equal(t, 2*time.Minute, cfg.IncrementalTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ImportTimeout)
	assert.Equal(t, 2*time.Minute, cfg.RenewTimeout)
	assert.Equal(t, time.Second, cfg.RetryBase)
	assert.Equal(t, 5*time.Minute, cfg.RetryCap)
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestRunner_EventTypes(t *testing.T) {
	runner := NewRunner(&mockEngine{}, &mockImporter{}, &mockRenewer{}, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()

	types := runner.EventTypes()

	assert.Contains(t, types, syncengine.RoutingSyncRequested)
	assert.Contains(t, types, RoutingImportAccount)
	assert.Contains(t, types, RoutingImportResources)
	assert.Contains(t, types, RoutingSubscriptionRenew)
}

func TestRunner_ExecutesSyncJob(t *testing.T) {
	engine := &mockEngine{}
	runner := NewRunner(engine, nil, nil, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()
	req := syncRequest()

	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, req)))
	runner.wg.Wait()

	require.Len(t, engine.calls, 1)
	assert.Equal(t, req.SyncID, engine.calls[0])
	assert.Equal(t, req.TenantID, engine.tcs[0].TenantID())
}

func TestRunner_AppliesJobBudget(t *testing.T) {
	deadlines := make(chan bool, 1)
	engine := &mockEngine{fn: func(ctx context.Context, _ tenant.Context, _ uuid.UUID) (*syncengine.Result, error) {
		_, ok := ctx.Deadline()
		deadlines <- ok
		return &syncengine.Result{}, nil
	}}
	runner := NewRunner(engine, nil, nil, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()

	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, syncRequest())))
	runner.wg.Wait()

	assert.True(t, <-deadlines, "job ran without a wall clock budget")
}

func TestRunner_SyncBudget(t *testing.T) {
	cfg := testConfig()
	tc := tenant.MustContext(uuid.New())

	t.Run("no prior sync gets the full budget", func(t *testing.T) {
		runner := NewRunner(&mockEngine{}, nil, nil, &mockRunLookup{}, cfg, quietLogger())
		defer runner.Stop()

		budget := runner.syncBudget(context.Background(), tc, uuid.New())

		assert.Equal(t, cfg.FullSyncTimeout, budget)
	})

	t.Run("prior sync token gets the incremental budget", func(t *testing.T) {
		lookup := &mockRunLookup{latest: completedRun(t, "cursor-1")}
		runner := NewRunner(&mockEngine{}, nil, nil, lookup, cfg, quietLogger())
		defer runner.Stop()

		budget := runner.syncBudget(context.Background(), tc, uuid.New())

		assert.Equal(t, cfg.IncrementalTimeout, budget)
	})

	t.Run("prior sync without token gets the full budget", func(t *testing.T) {
		lookup := &mockRunLookup{latest: completedRun(t, "")}
		runner := NewRunner(&mockEngine{}, nil, nil, lookup, cfg, quietLogger())
		defer runner.Stop()

		budget := runner.syncBudget(context.Background(), tc, uuid.New())

		assert.Equal(t, cfg.FullSyncTimeout, budget)
	})
}

func TestRunner_CollapsesClaimedRun(t *testing.T) {
	engine := &mockEngine{fn: func(context.Context, tenant.Context, uuid.UUID) (*syncengine.Result, error) {
		return nil, domain.ErrSyncInProgress
	}}
	runner := NewRunner(engine, nil, nil, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()

	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, syncRequest())))
	runner.wg.Wait()

	// The duplicate is dropped without retries; the scheduler sweep
	// re-dispatches anything still pending.
	assert.Equal(t, 1, engine.callCount())
}

func TestRunner_RetriesRetryableFailure(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	engine := &mockEngine{fn: func(context.Context, tenant.Context, uuid.UUID) (*syncengine.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, domain.NewProviderError(domain.ProviderGoogle, domain.ErrProviderUnavailable, "503", nil)
		}
		return &syncengine.Result{}, nil
	}}
	runner := NewRunner(engine, nil, nil, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()

	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, syncRequest())))
	runner.wg.Wait()

	assert.Equal(t, 3, engine.callCount())
}

func TestRunner_GivesUpAfterMaxAttempts(t *testing.T) {
	engine := &mockEngine{fn: func(context.Context, tenant.Context, uuid.UUID) (*syncengine.Result, error) {
		return nil, domain.NewProviderError(domain.ProviderGoogle, domain.ErrRateLimited, "quota", nil)
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	runner := NewRunner(engine, nil, nil, &mockRunLookup{}, cfg, quietLogger())
	defer runner.Stop()

	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, syncRequest())))
	runner.wg.Wait()

	assert.Equal(t, 3, engine.callCount())
}

func TestRunner_DoesNotRetryPermanentFailure(t *testing.T) {
	engine := &mockEngine{fn: func(context.Context, tenant.Context, uuid.UUID) (*syncengine.Result, error) {
		return nil, errors.New("sync run abc not found")
	}}
	runner := NewRunner(engine, nil, nil, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()

	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, syncRequest())))
	runner.wg.Wait()

	assert.Equal(t, 1, engine.callCount())
}

func TestRunner_DropsBadRequests(t *testing.T) {
	engine := &mockEngine{}
	importer := &mockImporter{}
	runner := NewRunner(engine, importer, &mockRenewer{}, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()

	tests := []struct {
		name     string
		envelope *eventbus.ConsumedEvent
	}{
		{
			name: "unparseable payload",
			envelope: &eventbus.ConsumedEvent{
				EventID:    uuid.New(),
				RoutingKey: syncengine.RoutingSyncRequested,
				Payload:    json.RawMessage(`not json`),
			},
		},
		{
			name:     "missing identifiers",
			envelope: jobEnvelope(t, syncengine.RoutingSyncRequested, syncengine.SyncRequested{}),
		},
		{
			name:     "unknown provider",
			envelope: jobEnvelope(t, RoutingImportAccount, ImportAccountRequested{TenantID: uuid.New(), Provider: "fax"}),
		},
		{
			name:     "unknown routing key",
			envelope: jobEnvelope(t, "sync.exploded", syncRequest()),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Bad requests ack and drop; redelivery cannot fix them.
			assert.NoError(t, runner.Handle(context.Background(), tt.envelope))
		})
	}

	runner.wg.Wait()
	assert.Zero(t, engine.callCount())
	assert.Empty(t, importer.accounts)
}

func TestRunner_ExecutesImportJobs(t *testing.T) {
	importer := &mockImporter{}
	runner := NewRunner(nil, importer, nil, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()
	tenantID := uuid.New()

	require.NoError(t, runner.Handle(context.Background(),
		jobEnvelope(t, RoutingImportAccount, ImportAccountRequested{TenantID: tenantID, Provider: domain.ProviderGoogle})))
	require.NoError(t, runner.Handle(context.Background(),
		jobEnvelope(t, RoutingImportResources, ImportResourcesRequested{TenantID: tenantID, Provider: domain.ProviderMicrosoft})))
	runner.wg.Wait()

	assert.Equal(t, []domain.Provider{domain.ProviderGoogle}, importer.accounts)
	assert.Equal(t, []domain.Provider{domain.ProviderMicrosoft}, importer.resources)
}

func TestRunner_ExecutesRenewJob(t *testing.T) {
	renewer := &mockRenewer{}
	runner := NewRunner(nil, nil, renewer, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()
	subID := uuid.New()

	require.NoError(t, runner.Handle(context.Background(),
		jobEnvelope(t, RoutingSubscriptionRenew, SubscriptionRenewRequested{TenantID: uuid.New(), SubscriptionID: subID})))
	runner.wg.Wait()

	require.Len(t, renewer.calls, 1)
	assert.Equal(t, subID, renewer.calls[0])
}

func TestRunner_RetriesRenewFailure(t *testing.T) {
	renewer := &mockRenewer{errs: []error{
		domain.NewProviderError(domain.ProviderGoogle, domain.ErrTimeout, "slow", nil),
	}}
	runner := NewRunner(nil, nil, renewer, &mockRunLookup{}, testConfig(), quietLogger())
	defer runner.Stop()

	require.NoError(t, runner.Handle(context.Background(),
		jobEnvelope(t, RoutingSubscriptionRenew, SubscriptionRenewRequested{TenantID: uuid.New(), SubscriptionID: uuid.New()})))
	runner.wg.Wait()

	assert.Len(t, renewer.calls, 2)
}

func TestRunner_TenantConcurrencyBound(t *testing.T) {
	started := make(chan uuid.UUID, 2)
	release := make(chan struct{})
	engine := &mockEngine{fn: func(ctx context.Context, _ tenant.Context, syncID uuid.UUID) (*syncengine.Result, error) {
		started <- syncID
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &syncengine.Result{}, nil
	}}
	cfg := testConfig()
	cfg.TenantWorkers = 1
	runner := NewRunner(engine, nil, nil, &mockRunLookup{}, cfg, quietLogger())
	defer runner.Stop()

	tenantID := uuid.New()
	reqA := syncengine.SyncRequested{SyncID: uuid.New(), TenantID: tenantID, CalendarID: uuid.New()}
	reqB := syncengine.SyncRequested{SyncID: uuid.New(), TenantID: tenantID, CalendarID: uuid.New()}
	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, reqA)))
	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, reqB)))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first job did not start")
	}
	select {
	case syncID := <-started:
		t.Fatalf("job %s started while the tenant slot was held", syncID)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	runner.wg.Wait()
	assert.Equal(t, 2, engine.callCount())
}

func TestRunner_TenantsRunInParallel(t *testing.T) {
	started := make(chan uuid.UUID, 2)
	release := make(chan struct{})
	engine := &mockEngine{fn: func(ctx context.Context, _ tenant.Context, syncID uuid.UUID) (*syncengine.Result, error) {
		started <- syncID
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &syncengine.Result{}, nil
	}}
	cfg := testConfig()
	cfg.TenantWorkers = 1
	runner := NewRunner(engine, nil, nil, &mockRunLookup{}, cfg, quietLogger())
	defer runner.Stop()

	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, syncRequest())))
	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, syncRequest())))

	// One tenant's slot does not gate the other's.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("jobs for distinct tenants did not run in parallel")
		}
	}
	close(release)
	runner.wg.Wait()
}

func TestRunner_StopCancelsRunningJobs(t *testing.T) {
	started := make(chan struct{}, 1)
	sawCancel := make(chan error, 1)
	engine := &mockEngine{fn: func(ctx context.Context, _ tenant.Context, _ uuid.UUID) (*syncengine.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		sawCancel <- ctx.Err()
		return nil, ctx.Err()
	}}
	runner := NewRunner(engine, nil, nil, &mockRunLookup{}, testConfig(), quietLogger())

	require.NoError(t, runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, syncRequest())))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job did not start")
	}

	runner.Stop()

	select {
	case err := <-sawCancel:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("job did not observe cancellation")
	}

	// A stopped runner refuses new work so the broker redelivers it.
	err := runner.Handle(context.Background(), jobEnvelope(t, syncengine.RoutingSyncRequested, syncRequest()))
	assert.Error(t, err)
}

func TestEnqueueHelpers(t *testing.T) {
	publisher := &capturePublisher{}
	tenantID := uuid.New()
	subID := uuid.New()

	require.NoError(t, EnqueueImportAccount(context.Background(), publisher, tenantID, domain.ProviderGoogle))
	require.NoError(t, EnqueueImportResources(context.Background(), publisher, tenantID, domain.ProviderMicrosoft))
	require.NoError(t, EnqueueSubscriptionRenew(context.Background(), publisher, tenantID, subID))

	require.Equal(t, []string{RoutingImportAccount, RoutingImportResources, RoutingSubscriptionRenew}, publisher.keys)

	var envelope eventbus.ConsumedEvent
	require.NoError(t, json.Unmarshal(publisher.payloads[2], &envelope))
	assert.Equal(t, tenantID, envelope.TenantID)

	var req SubscriptionRenewRequested
	require.NoError(t, json.Unmarshal(envelope.Payload, &req))
	assert.Equal(t, subID, req.SubscriptionID)
	assert.Equal(t, tenantID, req.TenantID)
}

type capturePublisher struct {
	keys     []string
	payloads [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.keys = append(p.keys, routingKey)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *capturePublisher) Close() error { return nil }
