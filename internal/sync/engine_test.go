package sync_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/clock"
	"github.com/slotwise/calsync/internal/recurrence"
	"github.com/slotwise/calsync/internal/shared/infrastructure/keyval"
	"github.com/slotwise/calsync/internal/sync"
	"github.com/slotwise/calsync/internal/tenant"
)

func mustInterval(t *testing.T, start, end time.Time) domain.TimeInterval {
	t.Helper()
	iv, err := domain.NewTimeInterval(start, end, "UTC")
	require.NoError(t, err)
	return iv
}

func mustWindow(t *testing.T, start, end time.Time) domain.TimeWindow {
	t.Helper()
	w, err := domain.NewTimeWindow(start, end)
	require.NoError(t, err)
	return w
}

// mockCalendarRepo is an in-memory calendar store.
type mockCalendarRepo struct {
	calendars map[uuid.UUID]*domain.Calendar
}

func newMockCalendarRepo() *mockCalendarRepo {
	return &mockCalendarRepo{calendars: make(map[uuid.UUID]*domain.Calendar)}
}

func (m *mockCalendarRepo) Save(_ context.Context, _ tenant.Context, cal *domain.Calendar) error {
	m.calendars[cal.ID()] = cal
	return nil
}

func (m *mockCalendarRepo) FindByID(_ context.Context, tc tenant.Context, id uuid.UUID) (*domain.Calendar, error) {
	cal, ok := m.calendars[id]
	if !ok || !tc.Owns(cal.TenantID()) {
		return nil, nil
	}
	return cal, nil
}

func (m *mockCalendarRepo) FindByExternalID(_ context.Context, tc tenant.Context, provider domain.Provider, externalID string) (*domain.Calendar, error) {
	for _, cal := range m.calendars {
		if tc.Owns(cal.TenantID()) && cal.Provider() == provider && cal.ExternalID() == externalID {
			return cal, nil
		}
	}
	return nil, nil
}

func (m *mockCalendarRepo) FindByProvider(_ context.Context, tc tenant.Context, provider domain.Provider) ([]*domain.Calendar, error) {
	var out []*domain.Calendar
	for _, cal := range m.calendars {
		if tc.Owns(cal.TenantID()) && cal.Provider() == provider {
			out = append(out, cal)
		}
	}
	return out, nil
}

func (m *mockCalendarRepo) FindByKind(_ context.Context, tc tenant.Context, kind domain.CalendarKind) ([]*domain.Calendar, error) {
	var out []*domain.Calendar
	for _, cal := range m.calendars {
		if tc.Owns(cal.TenantID()) && cal.Kind() == kind {
			out = append(out, cal)
		}
	}
	return out, nil
}

func (m *mockCalendarRepo) FindAll(_ context.Context, tc tenant.Context) ([]*domain.Calendar, error) {
	var out []*domain.Calendar
	for _, cal := range m.calendars {
		if tc.Owns(cal.TenantID()) {
			out = append(out, cal)
		}
	}
	return out, nil
}

func (m *mockCalendarRepo) Delete(_ context.Context, _ tenant.Context, id uuid.UUID) error {
	delete(m.calendars, id)
	return nil
}

// mockRuleRepo is an in-memory recurrence rule store.
type mockRuleRepo struct {
	rules map[uuid.UUID]*domain.RecurrenceRule
}

func newMockRuleRepo() *mockRuleRepo {
	return &mockRuleRepo{rules: make(map[uuid.UUID]*domain.RecurrenceRule)}
}

func (m *mockRuleRepo) Save(_ context.Context, _ tenant.Context, rule *domain.RecurrenceRule) error {
	m.rules[rule.ID()] = rule
	return nil
}

func (m *mockRuleRepo) FindByID(_ context.Context, tc tenant.Context, id uuid.UUID) (*domain.RecurrenceRule, error) {
	rule, ok := m.rules[id]
	if !ok || !tc.Owns(rule.TenantID()) {
		return nil, nil
	}
	return rule, nil
}

func (m *mockRuleRepo) FindByIDs(_ context.Context, tc tenant.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.RecurrenceRule, error) {
	out := make(map[uuid.UUID]*domain.RecurrenceRule)
	for _, id := range ids {
		if rule, ok := m.rules[id]; ok && tc.Owns(rule.TenantID()) {
			out[id] = rule
		}
	}
	return out, nil
}

func (m *mockRuleRepo) Delete(_ context.Context, _ tenant.Context, id uuid.UUID) error {
	delete(m.rules, id)
	return nil
}

// mockEventRepo mirrors the repository read contracts over a slice.
type mockEventRepo struct {
	events  []*domain.CalendarEvent
	saveErr error
}

func (m *mockEventRepo) Save(_ context.Context, _ tenant.Context, ev *domain.CalendarEvent) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	for i, existing := range m.events {
		if existing.ID() == ev.ID() {
			m.events[i] = ev
			return nil
		}
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *mockEventRepo) FindByID(_ context.Context, tc tenant.Context, id uuid.UUID) (*domain.CalendarEvent, error) {
	for _, ev := range m.events {
		if ev.ID() == id && tc.Owns(ev.TenantID()) {
			return ev, nil
		}
	}
	return nil, nil
}

func (m *mockEventRepo) FindByExternalID(_ context.Context, tc tenant.Context, calendarID uuid.UUID, externalID string) (*domain.CalendarEvent, error) {
	for _, ev := range m.events {
		if tc.Owns(ev.TenantID()) && ev.CalendarID() == calendarID && ev.ExternalID() == externalID {
			return ev, nil
		}
	}
	return nil, nil
}

func (m *mockEventRepo) FindSynced(_ context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*domain.CalendarEvent, error) {
	var out []*domain.CalendarEvent
	for _, ev := range m.events {
		if tc.Owns(ev.TenantID()) && ev.CalendarID() == calendarID && ev.ExternalID() != "" {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEventRepo) FindIntersecting(_ context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow) ([]*domain.CalendarEvent, error) {
	var out []*domain.CalendarEvent
	for _, ev := range m.events {
		if !tc.Owns(ev.TenantID()) || ev.CalendarID() != calendarID {
			continue
		}
		if ev.IsRecurringMaster() || ev.IsContinuation() {
			continue
		}
		if window.Overlaps(ev.Interval()) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEventRepo) FindMastersStartingBefore(_ context.Context, tc tenant.Context, calendarID uuid.UUID, before time.Time) ([]*domain.CalendarEvent, error) {
	var out []*domain.CalendarEvent
	for _, ev := range m.events {
		if !tc.Owns(ev.TenantID()) || ev.CalendarID() != calendarID {
			continue
		}
		if ev.IsRecurringMaster() && !ev.IsContinuation() && ev.Interval().Start().Before(before) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEventRepo) FindInstances(_ context.Context, tc tenant.Context, parentEventID uuid.UUID) ([]*domain.CalendarEvent, error) {
	var out []*domain.CalendarEvent
	for _, ev := range m.events {
		if tc.Owns(ev.TenantID()) && ev.ParentEventID() == parentEventID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEventRepo) FindContinuations(_ context.Context, tc tenant.Context, masterID uuid.UUID) ([]*domain.CalendarEvent, error) {
	var out []*domain.CalendarEvent
	for _, ev := range m.events {
		if tc.Owns(ev.TenantID()) && ev.BulkModificationParentID() == masterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEventRepo) FindPendingParent(_ context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*domain.CalendarEvent, error) {
	var out []*domain.CalendarEvent
	for _, ev := range m.events {
		if !tc.Owns(ev.TenantID()) || ev.CalendarID() != calendarID {
			continue
		}
		if _, ok := ev.PendingParent(); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEventRepo) Delete(_ context.Context, _ tenant.Context, id uuid.UUID) error {
	for i, ev := range m.events {
		if ev.ID() == id {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockEventRepo) byExternalID(extID string) *domain.CalendarEvent {
	for _, ev := range m.events {
		if ev.ExternalID() == extID {
			return ev
		}
	}
	return nil
}

// mockBlockRepo mirrors the blocked-time repository over a slice.
type mockBlockRepo struct {
	blocks  []*domain.BlockedTime
	saveErr error
}

func (m *mockBlockRepo) Save(_ context.Context, _ tenant.Context, b *domain.BlockedTime) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	for i, existing := range m.blocks {
		if existing.ID() == b.ID() {
			m.blocks[i] = b
			return nil
		}
	}
	m.blocks = append(m.blocks, b)
	return nil
}

func (m *mockBlockRepo) FindByID(_ context.Context, tc tenant.Context, id uuid.UUID) (*domain.BlockedTime, error) {
	for _, b := range m.blocks {
		if b.ID() == id && tc.Owns(b.TenantID()) {
			return b, nil
		}
	}
	return nil, nil
}

func (m *mockBlockRepo) FindByExternalID(_ context.Context, tc tenant.Context, calendarID uuid.UUID, externalID string) (*domain.BlockedTime, error) {
	for _, b := range m.blocks {
		if tc.Owns(b.TenantID()) && b.CalendarID() == calendarID && b.ExternalID() == externalID {
			return b, nil
		}
	}
	return nil, nil
}

func (m *mockBlockRepo) FindSynced(_ context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*domain.BlockedTime, error) {
	var out []*domain.BlockedTime
	for _, b := range m.blocks {
		if tc.Owns(b.TenantID()) && b.CalendarID() == calendarID && b.ExternalID() != "" {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBlockRepo) FindIntersecting(_ context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow) ([]*domain.BlockedTime, error) {
	var out []*domain.BlockedTime
	for _, b := range m.blocks {
		if !tc.Owns(b.TenantID()) || b.CalendarID() != calendarID {
			continue
		}
		if b.IsRecurringMaster() || b.BulkModificationParentID() != uuid.Nil {
			continue
		}
		if window.Overlaps(b.Interval()) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBlockRepo) FindMastersStartingBefore(_ context.Context, tc tenant.Context, calendarID uuid.UUID, before time.Time) ([]*domain.BlockedTime, error) {
	var out []*domain.BlockedTime
	for _, b := range m.blocks {
		if !tc.Owns(b.TenantID()) || b.CalendarID() != calendarID {
			continue
		}
		if b.IsRecurringMaster() && b.BulkModificationParentID() == uuid.Nil && b.Interval().Start().Before(before) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBlockRepo) FindInstances(_ context.Context, tc tenant.Context, parentBlockID uuid.UUID) ([]*domain.BlockedTime, error) {
	var out []*domain.BlockedTime
	for _, b := range m.blocks {
		if tc.Owns(b.TenantID()) && b.ParentBlockID() == parentBlockID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBlockRepo) FindContinuations(_ context.Context, tc tenant.Context, masterID uuid.UUID) ([]*domain.BlockedTime, error) {
	var out []*domain.BlockedTime
	for _, b := range m.blocks {
		if tc.Owns(b.TenantID()) && b.BulkModificationParentID() == masterID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBlockRepo) FindPendingParent(_ context.Context, tc tenant.Context, calendarID uuid.UUID) ([]*domain.BlockedTime, error) {
	var out []*domain.BlockedTime
	for _, b := range m.blocks {
		if !tc.Owns(b.TenantID()) || b.CalendarID() != calendarID {
			continue
		}
		if _, ok := b.PendingParent(); ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBlockRepo) Delete(_ context.Context, _ tenant.Context, id uuid.UUID) error {
	for i, b := range m.blocks {
		if b.ID() == id {
			m.blocks = append(m.blocks[:i], m.blocks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockBlockRepo) byExternalID(extID string) *domain.BlockedTime {
	for _, b := range m.blocks {
		if b.ExternalID() == extID {
			return b
		}
	}
	return nil
}

// mockWindowRepo mirrors the available-time repository over a slice.
type mockWindowRepo struct {
	windows []*domain.AvailableTime
}

func (m *mockWindowRepo) Save(_ context.Context, _ tenant.Context, w *domain.AvailableTime) error {
	for i, existing := range m.windows {
		if existing.ID() == w.ID() {
			m.windows[i] = w
			return nil
		}
	}
	m.windows = append(m.windows, w)
	return nil
}

func (m *mockWindowRepo) FindByID(_ context.Context, tc tenant.Context, id uuid.UUID) (*domain.AvailableTime, error) {
	for _, w := range m.windows {
		if w.ID() == id && tc.Owns(w.TenantID()) {
			return w, nil
		}
	}
	return nil, nil
}

func (m *mockWindowRepo) FindIntersecting(_ context.Context, tc tenant.Context, calendarID uuid.UUID, window domain.TimeWindow) ([]*domain.AvailableTime, error) {
	var out []*domain.AvailableTime
	for _, w := range m.windows {
		if !tc.Owns(w.TenantID()) || w.CalendarID() != calendarID {
			continue
		}
		if w.IsRecurringMaster() || w.BulkModificationParentID() != uuid.Nil {
			continue
		}
		if window.Overlaps(w.Interval()) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *mockWindowRepo) FindMastersStartingBefore(_ context.Context, tc tenant.Context, calendarID uuid.UUID, before time.Time) ([]*domain.AvailableTime, error) {
	var out []*domain.AvailableTime
	for _, w := range m.windows {
		if !tc.Owns(w.TenantID()) || w.CalendarID() != calendarID {
			continue
		}
		if w.IsRecurringMaster() && w.BulkModificationParentID() == uuid.Nil && w.Interval().Start().Before(before) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *mockWindowRepo) FindInstances(_ context.Context, tc tenant.Context, parentWindowID uuid.UUID) ([]*domain.AvailableTime, error) {
	var out []*domain.AvailableTime
	for _, w := range m.windows {
		if tc.Owns(w.TenantID()) && w.ParentWindowID() == parentWindowID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *mockWindowRepo) FindContinuations(_ context.Context, tc tenant.Context, masterID uuid.UUID) ([]*domain.AvailableTime, error) {
	var out []*domain.AvailableTime
	for _, w := range m.windows {
		if tc.Owns(w.TenantID()) && w.BulkModificationParentID() == masterID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *mockWindowRepo) Delete(_ context.Context, _ tenant.Context, id uuid.UUID) error {
	for i, w := range m.windows {
		if w.ID() == id {
			m.windows = append(m.windows[:i], m.windows[i+1:]...)
			return nil
		}
	}
	return nil
}

// mockSyncRepo keeps runs in order and can simulate a lost version race.
type mockSyncRepo struct {
	runs       []*domain.CalendarSync
	staleTimes int
}

func (m *mockSyncRepo) Save(_ context.Context, _ tenant.Context, run *domain.CalendarSync) error {
	if m.staleTimes > 0 {
		m.staleTimes--
		return domain.ErrStaleVersion
	}
	for i, existing := range m.runs {
		if existing.ID() == run.ID() {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *mockSyncRepo) FindByID(_ context.Context, tc tenant.Context, id uuid.UUID) (*domain.CalendarSync, error) {
	for _, run := range m.runs {
		if run.ID() == id && tc.Owns(run.TenantID()) {
			return run, nil
		}
	}
	return nil, nil
}

func (m *mockSyncRepo) FindLatestSuccessful(_ context.Context, tc tenant.Context, calendarID uuid.UUID) (*domain.CalendarSync, error) {
	for i := len(m.runs) - 1; i >= 0; i-- {
		run := m.runs[i]
		if tc.Owns(run.TenantID()) && run.CalendarID() == calendarID && run.Status() == domain.SyncSuccess {
			return run, nil
		}
	}
	return nil, nil
}

func (m *mockSyncRepo) FindByCalendar(_ context.Context, tc tenant.Context, calendarID uuid.UUID, limit int) ([]*domain.CalendarSync, error) {
	var out []*domain.CalendarSync
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		run := m.runs[i]
		if tc.Owns(run.TenantID()) && run.CalendarID() == calendarID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (m *mockSyncRepo) FindPendingAll(_ context.Context, limit int) ([]*domain.CalendarSync, error) {
	var out []*domain.CalendarSync
	for _, run := range m.runs {
		if run.Status() == domain.SyncNotStarted && len(out) < limit {
			out = append(out, run)
		}
	}
	return out, nil
}

// mockAttendanceRepo keeps participation rows across its four tables.
type mockAttendanceRepo struct {
	users     []*domain.EventAttendance
	attendees []*domain.ExternalAttendee
	external  []*domain.EventExternalAttendance
	resources []*domain.ResourceAllocation
}

func (m *mockAttendanceRepo) SaveUserAttendance(_ context.Context, _ tenant.Context, a *domain.EventAttendance) error {
	m.users = append(m.users, a)
	return nil
}

func (m *mockAttendanceRepo) SaveExternalAttendee(_ context.Context, _ tenant.Context, a *domain.ExternalAttendee) error {
	for i, existing := range m.attendees {
		if existing.ID() == a.ID() {
			m.attendees[i] = a
			return nil
		}
	}
	m.attendees = append(m.attendees, a)
	return nil
}

func (m *mockAttendanceRepo) FindExternalAttendeeByEmail(_ context.Context, tc tenant.Context, email string) (*domain.ExternalAttendee, error) {
	for _, a := range m.attendees {
		if tc.Owns(a.TenantID()) && a.Email() == email {
			return a, nil
		}
	}
	return nil, nil
}

func (m *mockAttendanceRepo) SaveExternalAttendance(_ context.Context, _ tenant.Context, a *domain.EventExternalAttendance) error {
	m.external = append(m.external, a)
	return nil
}

func (m *mockAttendanceRepo) SaveResourceAllocation(_ context.Context, _ tenant.Context, a *domain.ResourceAllocation) error {
	m.resources = append(m.resources, a)
	return nil
}

func (m *mockAttendanceRepo) FindByEvent(_ context.Context, tc tenant.Context, eventID uuid.UUID) (domain.AttendanceSet, error) {
	var set domain.AttendanceSet
	for _, a := range m.users {
		if tc.Owns(a.TenantID()) && a.EventID() == eventID {
			set.Users = append(set.Users, a)
		}
	}
	for _, a := range m.external {
		if tc.Owns(a.TenantID()) && a.EventID() == eventID {
			set.External = append(set.External, a)
		}
	}
	for _, a := range m.resources {
		if tc.Owns(a.TenantID()) && a.EventID() == eventID {
			set.Resources = append(set.Resources, a)
		}
	}
	return set, nil
}

func (m *mockAttendanceRepo) DeleteByEvent(_ context.Context, _ tenant.Context, eventID uuid.UUID) error {
	var users []*domain.EventAttendance
	for _, a := range m.users {
		if a.EventID() != eventID {
			users = append(users, a)
		}
	}
	m.users = users
	var external []*domain.EventExternalAttendance
	for _, a := range m.external {
		if a.EventID() != eventID {
			external = append(external, a)
		}
	}
	m.external = external
	var resources []*domain.ResourceAllocation
	for _, a := range m.resources {
		if a.EventID() != eventID {
			resources = append(resources, a)
		}
	}
	m.resources = resources
	return nil
}

// stubAdapter satisfies the provider contract with per-call hooks.
type stubAdapter struct {
	provider  domain.Provider
	listFn    func(ctx context.Context, calendarExternalID string, window domain.TimeWindow, syncToken string) (domain.EventStream, error)
	getFn     func(ctx context.Context, calendarExternalID, eventExternalID string) (domain.EventRecord, error)
	createFn  func(ctx context.Context, calendarExternalID string, input domain.EventInput) (domain.EventRecord, error)
	deleteFn  func(ctx context.Context, calendarExternalID, eventExternalID string) error
	listCalls []listCall
	deleted   []string
}

type listCall struct {
	calendarExternalID string
	token              string
}

func (a *stubAdapter) Provider() domain.Provider { return a.provider }

func (a *stubAdapter) ListCalendars(context.Context) (domain.CalendarStream, error) {
	return domain.NewStaticCalendarStream(nil), nil
}

func (a *stubAdapter) CreateCalendar(context.Context, string) (domain.CalendarDescriptor, error) {
	return domain.CalendarDescriptor{}, domain.NewProviderError(a.provider, domain.ErrNotSupported, "stub", nil)
}

func (a *stubAdapter) GetEvent(ctx context.Context, calendarExternalID, eventExternalID string) (domain.EventRecord, error) {
	if a.getFn == nil {
		return domain.EventRecord{}, domain.NewProviderError(a.provider, domain.ErrNotFound, "stub", nil)
	}
	return a.getFn(ctx, calendarExternalID, eventExternalID)
}

func (a *stubAdapter) CreateEvent(ctx context.Context, calendarExternalID string, input domain.EventInput) (domain.EventRecord, error) {
	if a.createFn == nil {
		return domain.EventRecord{}, domain.NewProviderError(a.provider, domain.ErrNotSupported, "stub", nil)
	}
	return a.createFn(ctx, calendarExternalID, input)
}

func (a *stubAdapter) UpdateEvent(context.Context, string, string, domain.EventInput) (domain.EventRecord, error) {
	return domain.EventRecord{}, domain.NewProviderError(a.provider, domain.ErrNotSupported, "stub", nil)
}

func (a *stubAdapter) DeleteEvent(ctx context.Context, calendarExternalID, eventExternalID string) error {
	a.deleted = append(a.deleted, eventExternalID)
	if a.deleteFn == nil {
		return nil
	}
	return a.deleteFn(ctx, calendarExternalID, eventExternalID)
}

func (a *stubAdapter) ListEvents(ctx context.Context, calendarExternalID string, window domain.TimeWindow, syncToken string) (domain.EventStream, error) {
	a.listCalls = append(a.listCalls, listCall{calendarExternalID: calendarExternalID, token: syncToken})
	return a.listFn(ctx, calendarExternalID, window, syncToken)
}

func (a *stubAdapter) ListResources(context.Context) ([]domain.ResourceDescriptor, error) {
	return nil, nil
}

func (a *stubAdapter) GetResource(context.Context, string) (domain.ResourceDescriptor, error) {
	return domain.ResourceDescriptor{}, domain.NewProviderError(a.provider, domain.ErrNotFound, "stub", nil)
}

func (a *stubAdapter) AvailableResources(context.Context, domain.TimeWindow) ([]domain.ResourceDescriptor, error) {
	return nil, nil
}

func (a *stubAdapter) CreateSubscription(context.Context, string, string, time.Duration) (domain.SubscriptionHandle, error) {
	return domain.SubscriptionHandle{}, domain.NewProviderError(a.provider, domain.ErrNotSupported, "stub", nil)
}

func (a *stubAdapter) RenewSubscription(context.Context, domain.SubscriptionHandle, time.Duration) (domain.SubscriptionHandle, error) {
	return domain.SubscriptionHandle{}, domain.NewProviderError(a.provider, domain.ErrNotSupported, "stub", nil)
}

func (a *stubAdapter) CancelSubscription(context.Context, domain.SubscriptionHandle) error {
	return nil
}

func (a *stubAdapter) ParseWebhook(http.Header, []byte) (domain.Notification, error) {
	return domain.Notification{}, nil
}

type stubFactory struct {
	adapter domain.Adapter
}

func (f stubFactory) AdapterFor(context.Context, tenant.Context, domain.Provider) (domain.Adapter, error) {
	return f.adapter, nil
}

// recordingUnitOfWork is a transactionless pass-through that counts calls.
type recordingUnitOfWork struct {
	begun, committed, rolledBack int
}

func (u *recordingUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	u.begun++
	return ctx, nil
}

func (u *recordingUnitOfWork) Commit(context.Context) error {
	u.committed++
	return nil
}

func (u *recordingUnitOfWork) Rollback(context.Context) error {
	u.rolledBack++
	return nil
}

// capturePublisher records published messages.
type capturePublisher struct {
	keys []string
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, _ []byte) error {
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

// failingStream yields its records, then fails.
type failingStream struct {
	records  []domain.EventRecord
	failWith error
	idx      int
}

func (s *failingStream) Next(context.Context) (domain.EventRecord, bool, error) {
	if s.idx < len(s.records) {
		rec := s.records[s.idx]
		s.idx++
		return rec, true, nil
	}
	return domain.EventRecord{}, false, s.failWith
}

func (s *failingStream) SyncToken() string { return "" }
func (s *failingStream) Close() error      { return nil }

func staticList(records []domain.EventRecord, token string) func(context.Context, string, domain.TimeWindow, string) (domain.EventStream, error) {
	return func(context.Context, string, domain.TimeWindow, string) (domain.EventStream, error) {
		return domain.NewStaticEventStream(records, token), nil
	}
}

type fixture struct {
	tc         tenant.Context
	cal        *domain.Calendar
	calendars  *mockCalendarRepo
	rules      *mockRuleRepo
	events     *mockEventRepo
	blocks     *mockBlockRepo
	windows    *mockWindowRepo
	syncs      *mockSyncRepo
	attendance *mockAttendanceRepo
	adapter    *stubAdapter
	uow        *recordingUnitOfWork
	locks      *keyval.LockManager
	publisher  *capturePublisher
	clk        *clock.Fake
	engine     *sync.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tc := tenant.MustContext(uuid.New())
	cal, err := domain.NewLinkedCalendar(tc, "work", domain.ProviderGoogle, "cal-ext-1", domain.KindPersonal, "UTC")
	require.NoError(t, err)
	cal.ClearDomainEvents()

	f := &fixture{
		tc:         tc,
		cal:        cal,
		calendars:  newMockCalendarRepo(),
		rules:      newMockRuleRepo(),
		events:     &mockEventRepo{},
		blocks:     &mockBlockRepo{},
		windows:    &mockWindowRepo{},
		syncs:      &mockSyncRepo{},
		attendance: &mockAttendanceRepo{},
		adapter:    &stubAdapter{provider: domain.ProviderGoogle},
		uow:        &recordingUnitOfWork{},
		publisher:  &capturePublisher{},
		clk:        clock.NewFake(time.Date(2026, 7, 6, 12, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, f.calendars.Save(context.Background(), tc, cal))
	f.locks = keyval.NewLockManager(keyval.NewMemoryStore())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = sync.NewEngine(
		f.calendars, f.rules, f.events, f.blocks, f.windows, f.syncs, f.attendance,
		stubFactory{adapter: f.adapter}, f.uow, f.locks, f.publisher, f.clk, logger,
	)
	return f
}

func (f *fixture) scheduleRun(t *testing.T, window domain.TimeWindow, shouldUpdateEvents bool) *domain.CalendarSync {
	t.Helper()
	run, err := domain.NewCalendarSync(f.tc, f.cal.ID(), window, shouldUpdateEvents)
	require.NoError(t, err)
	run.ClearDomainEvents()
	require.NoError(t, f.syncs.Save(context.Background(), f.tc, run))
	return run
}

func (f *fixture) seedSuccessfulRun(t *testing.T, window domain.TimeWindow, token string) {
	t.Helper()
	run, err := domain.NewCalendarSync(f.tc, f.cal.ID(), window, true)
	require.NoError(t, err)
	require.NoError(t, run.Start(f.clk.Now()))
	require.NoError(t, run.Complete(f.clk.Now(), token))
	run.ClearDomainEvents()
	require.NoError(t, f.syncs.Save(context.Background(), f.tc, run))
}

func (f *fixture) seedSyncedEvent(t *testing.T, extID, title string, start, end time.Time) *domain.CalendarEvent {
	t.Helper()
	ev, err := domain.NewCalendarEvent(f.tc, f.cal.ID(), title, mustInterval(t, start, end))
	require.NoError(t, err)
	require.NoError(t, ev.LinkExternal(extID))
	ev.ClearDomainEvents()
	require.NoError(t, f.events.Save(context.Background(), f.tc, ev))
	return ev
}

func (f *fixture) seedSyncedBlock(t *testing.T, extID, reason string, start, end time.Time) *domain.BlockedTime {
	t.Helper()
	blk, err := domain.NewProviderBlockedTime(f.tc, f.cal.ID(), reason, mustInterval(t, start, end), extID)
	require.NoError(t, err)
	require.NoError(t, f.blocks.Save(context.Background(), f.tc, blk))
	return blk
}

func dailyRule(count int) *recurrence.Rule {
	n := count
	return &recurrence.Rule{Frequency: recurrence.Daily, Interval: 1, Count: &n}
}

func TestSyncFullSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	at := func(d, h, m int) time.Time { return day.AddDate(0, 0, d).Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

	run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 30)), true)

	f.adapter.listFn = staticList([]domain.EventRecord{
		{
			ExternalID: "single-1",
			Title:      "dentist",
			Start:      at(0, 10, 0),
			End:        at(0, 11, 0),
			Timezone:   "UTC",
			Status:     domain.EventStatusConfirmed,
		},
		{
			ExternalID: "master-1",
			Title:      "standup",
			Start:      at(0, 9, 0),
			End:        at(0, 9, 30),
			Timezone:   "UTC",
			Status:     domain.EventStatusConfirmed,
			Recurrence: dailyRule(10),
		},
		{
			ExternalID:       "inst-1",
			Title:            "standup (moved)",
			Start:            at(1, 14, 0),
			End:              at(1, 14, 30),
			Timezone:         "UTC",
			Status:           domain.EventStatusConfirmed,
			RecurringEventID: "master-1",
			OriginalStart:    timePtr(at(1, 9, 0)),
		},
	}, "tok-1")

	res, err := f.engine.Sync(ctx, f.tc, run.ID())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Created)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Deleted)
	assert.Zero(t, res.Skipped)
	assert.True(t, res.FullSync)
	assert.Equal(t, "tok-1", res.NextSyncToken)

	blk := f.blocks.byExternalID("single-1")
	require.NotNil(t, blk, "plain provider event lands as blocked time")
	assert.Equal(t, "dentist", blk.Reason())
	assert.True(t, blk.IsProviderOwned())

	master := f.events.byExternalID("master-1")
	require.NotNil(t, master)
	assert.True(t, master.IsRecurringMaster())
	_, ok := f.rules.rules[master.RecurrenceRuleID()]
	assert.True(t, ok, "master references a saved rule")

	inst := f.events.byExternalID("inst-1")
	require.NotNil(t, inst)
	assert.Equal(t, master.ID(), inst.ParentEventID())
	assert.True(t, inst.IsRecurringException())
	require.NotNil(t, inst.RecurrenceID())
	assert.True(t, inst.RecurrenceID().Equal(at(1, 9, 0)))

	require.Len(t, f.syncs.runs, 1)
	assert.Equal(t, domain.SyncSuccess, f.syncs.runs[0].Status())
	assert.Equal(t, "tok-1", f.syncs.runs[0].NextSyncToken())

	assert.Equal(t, 1, f.uow.begun)
	assert.Equal(t, 1, f.uow.committed)
	assert.Zero(t, f.uow.rolledBack)
	assert.Contains(t, f.publisher.keys, domain.RoutingSyncCompleted)
}

func TestSyncReplayLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	at := func(d, h, m int) time.Time { return day.AddDate(0, 0, d).Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	window := mustWindow(t, day, day.AddDate(0, 0, 30))

	records := []domain.EventRecord{
		{
			ExternalID: "single-1",
			Title:      "dentist",
			Start:      at(0, 10, 0),
			End:        at(0, 11, 0),
			Timezone:   "UTC",
			Status:     domain.EventStatusConfirmed,
		},
		{
			ExternalID: "master-1",
			Title:      "standup",
			Start:      at(0, 9, 0),
			End:        at(0, 9, 30),
			Timezone:   "UTC",
			Status:     domain.EventStatusConfirmed,
			Recurrence: dailyRule(10),
		},
		{
			ExternalID:       "inst-1",
			Title:            "standup (moved)",
			Start:            at(1, 14, 0),
			End:              at(1, 14, 30),
			Timezone:         "UTC",
			Status:           domain.EventStatusConfirmed,
			RecurringEventID: "master-1",
			OriginalStart:    timePtr(at(1, 9, 0)),
		},
	}
	f.adapter.listFn = func(context.Context, string, domain.TimeWindow, string) (domain.EventStream, error) {
		return domain.NewStaticEventStream(records, "tok-1"), nil
	}

	first := f.scheduleRun(t, window, true)
	res, err := f.engine.Sync(ctx, f.tc, first.ID())
	require.NoError(t, err)
	require.Equal(t, 3, res.Created)

	masterID := f.events.byExternalID("master-1").ID()
	instanceID := f.events.byExternalID("inst-1").ID()
	blockID := f.blocks.byExternalID("single-1").ID()
	ruleID := f.events.byExternalID("master-1").RecurrenceRuleID()

	second := f.scheduleRun(t, window, true)
	res, err = f.engine.Sync(ctx, f.tc, second.ID())
	require.NoError(t, err)

	assert.Zero(t, res.Created, "replaying the same stream creates nothing")
	assert.Zero(t, res.Deleted)
	assert.Zero(t, res.Skipped)
	assert.False(t, res.FullSync)
	assert.Equal(t, "tok-1", res.NextSyncToken)

	assert.Len(t, f.events.events, 2)
	assert.Len(t, f.blocks.blocks, 1)
	assert.Len(t, f.rules.rules, 1)

	master := f.events.byExternalID("master-1")
	assert.Equal(t, masterID, master.ID())
	assert.Equal(t, "standup", master.Title())
	assert.Equal(t, ruleID, master.RecurrenceRuleID())
	assert.True(t, master.Interval().Start().Equal(at(0, 9, 0)))

	inst := f.events.byExternalID("inst-1")
	assert.Equal(t, instanceID, inst.ID())
	assert.Equal(t, master.ID(), inst.ParentEventID())
	assert.True(t, inst.Interval().Start().Equal(at(1, 14, 0)))

	blk := f.blocks.byExternalID("single-1")
	assert.Equal(t, blockID, blk.ID())
	assert.Equal(t, "dentist", blk.Reason())
	assert.True(t, blk.Interval().Start().Equal(at(0, 10, 0)))

	require.Len(t, f.adapter.listCalls, 2)
	assert.Equal(t, "tok-1", f.adapter.listCalls[1].token, "replay follows the stored cursor")
}

func TestSyncIncrementalCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	window := mustWindow(t, day, day.AddDate(0, 0, 30))

	f.seedSyncedEvent(t, "evt-1", "client call", day.Add(10*time.Hour), day.Add(11*time.Hour))
	f.seedSuccessfulRun(t, window, "cursor-1")
	run := f.scheduleRun(t, window, true)

	f.adapter.listFn = staticList([]domain.EventRecord{
		{ExternalID: "evt-1", Status: domain.EventStatusCancelled},
	}, "cursor-2")

	res, err := f.engine.Sync(ctx, f.tc, run.ID())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Deleted)
	assert.False(t, res.FullSync)
	assert.Equal(t, "cursor-2", res.NextSyncToken)
	assert.Nil(t, f.events.byExternalID("evt-1"))

	require.Len(t, f.adapter.listCalls, 1)
	assert.Equal(t, "cursor-1", f.adapter.listCalls[0].token, "previous cursor drives the incremental listing")
	assert.Equal(t, "cal-ext-1", f.adapter.listCalls[0].calendarExternalID)
}

func TestSyncOrphanRelink(t *testing.T) {
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	at := func(d, h, m int) time.Time { return day.AddDate(0, 0, d).Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

	masterRecord := domain.EventRecord{
		ExternalID: "master-1",
		Title:      "standup",
		Start:      at(0, 9, 0),
		End:        at(0, 9, 30),
		Timezone:   "UTC",
		Status:     domain.EventStatusConfirmed,
		Recurrence: dailyRule(10),
	}
	instanceRecord := domain.EventRecord{
		ExternalID:       "inst-1",
		Title:            "standup (moved)",
		Start:            at(1, 14, 0),
		End:              at(1, 14, 30),
		Timezone:         "UTC",
		Status:           domain.EventStatusConfirmed,
		RecurringEventID: "master-1",
		OriginalStart:    timePtr(at(1, 9, 0)),
	}

	t.Run("instance arriving before its master parks as pending block", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 30)), true)
		f.adapter.listFn = staticList([]domain.EventRecord{instanceRecord}, "t1")

		_, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.NoError(t, err)

		blk := f.blocks.byExternalID("inst-1")
		require.NotNil(t, blk)
		parent, ok := blk.PendingParent()
		require.True(t, ok)
		assert.Equal(t, "master-1", parent)
		require.NotNil(t, blk.RecurrenceID())
		assert.True(t, blk.RecurrenceID().Equal(at(1, 9, 0)))
		assert.Nil(t, f.events.byExternalID("inst-1"))

		// Second sync delivers the master; the block becomes a linked
		// instance event and disappears.
		run2 := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 30)), true)
		f.adapter.listFn = staticList([]domain.EventRecord{masterRecord}, "t2")

		_, err = f.engine.Sync(ctx, f.tc, run2.ID())
		require.NoError(t, err)

		assert.Nil(t, f.blocks.byExternalID("inst-1"))
		master := f.events.byExternalID("master-1")
		require.NotNil(t, master)
		inst := f.events.byExternalID("inst-1")
		require.NotNil(t, inst)
		assert.Equal(t, master.ID(), inst.ParentEventID())
		assert.True(t, inst.IsRecurringException())
		assert.Equal(t, "standup (moved)", inst.Title())
		require.NotNil(t, inst.RecurrenceID())
		assert.True(t, inst.RecurrenceID().Equal(at(1, 9, 0)))
		_, pending := inst.PendingParent()
		assert.False(t, pending)
	})

	t.Run("instance before master in the same stream heals within the run", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 30)), true)
		f.adapter.listFn = staticList([]domain.EventRecord{instanceRecord, masterRecord}, "t1")

		_, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.NoError(t, err)

		assert.Nil(t, f.blocks.byExternalID("inst-1"))
		master := f.events.byExternalID("master-1")
		require.NotNil(t, master)
		inst := f.events.byExternalID("inst-1")
		require.NotNil(t, inst)
		assert.Equal(t, master.ID(), inst.ParentEventID())
	})
}

func TestSyncFullDeletionScan(t *testing.T) {
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	window := func(t *testing.T) domain.TimeWindow {
		return mustWindow(t, day, day.AddDate(0, 0, 7))
	}

	t.Run("unmatched rows inside the window go, rows outside stay", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.seedSyncedBlock(t, "blk-in", "focus", day.Add(10*time.Hour), day.Add(11*time.Hour))
		f.seedSyncedBlock(t, "blk-before", "focus", day.AddDate(0, 0, -2), day.AddDate(0, 0, -2).Add(time.Hour))
		f.seedSyncedBlock(t, "blk-after", "focus", day.AddDate(0, 0, 9), day.AddDate(0, 0, 9).Add(time.Hour))
		run := f.scheduleRun(t, window(t), true)
		f.adapter.listFn = staticList(nil, "t1")

		res, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.NoError(t, err)

		assert.Equal(t, 1, res.Deleted)
		assert.Nil(t, f.blocks.byExternalID("blk-in"))
		assert.NotNil(t, f.blocks.byExternalID("blk-before"))
		assert.NotNil(t, f.blocks.byExternalID("blk-after"))
	})

	t.Run("event deletions honor the update flag, block deletions do not", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.seedSyncedEvent(t, "evt-in", "booked", day.Add(9*time.Hour), day.Add(10*time.Hour))
		f.seedSyncedBlock(t, "blk-in", "focus", day.Add(10*time.Hour), day.Add(11*time.Hour))
		run := f.scheduleRun(t, window(t), false)
		f.adapter.listFn = staticList(nil, "t1")

		res, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.NoError(t, err)

		assert.Equal(t, 1, res.Deleted)
		assert.NotNil(t, f.events.byExternalID("evt-in"), "events survive when updates are off")
		assert.Nil(t, f.blocks.byExternalID("blk-in"))
	})

	t.Run("incremental sync never scans for deletions", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.seedSyncedBlock(t, "blk-in", "focus", day.Add(10*time.Hour), day.Add(11*time.Hour))
		f.seedSuccessfulRun(t, window(t), "cursor-1")
		run := f.scheduleRun(t, window(t), true)
		f.adapter.listFn = staticList(nil, "cursor-2")

		res, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.NoError(t, err)

		assert.Zero(t, res.Deleted)
		assert.NotNil(t, f.blocks.byExternalID("blk-in"))
	})
}

func TestSyncShouldUpdateEventsGate(t *testing.T) {
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)

	records := []domain.EventRecord{
		{
			ExternalID: "evt-1",
			Title:      "renamed call",
			Start:      day.Add(15 * time.Hour),
			End:        day.Add(16 * time.Hour),
			Timezone:   "UTC",
			Status:     domain.EventStatusConfirmed,
		},
		{
			ExternalID: "blk-1",
			Title:      "renamed block",
			Start:      day.Add(17 * time.Hour),
			End:        day.Add(18 * time.Hour),
			Timezone:   "UTC",
			Status:     domain.EventStatusConfirmed,
		},
	}

	t.Run("events frozen while blocks still update", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.seedSyncedEvent(t, "evt-1", "client call", day.Add(10*time.Hour), day.Add(11*time.Hour))
		f.seedSyncedBlock(t, "blk-1", "focus", day.Add(12*time.Hour), day.Add(13*time.Hour))
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), false)
		f.adapter.listFn = staticList(records, "t1")

		res, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.NoError(t, err)

		assert.Equal(t, 1, res.Updated, "only the block counts")
		ev := f.events.byExternalID("evt-1")
		require.NotNil(t, ev)
		assert.Equal(t, "client call", ev.Title())
		assert.True(t, ev.Interval().Start().Equal(day.Add(10*time.Hour)))

		blk := f.blocks.byExternalID("blk-1")
		require.NotNil(t, blk)
		assert.Equal(t, "renamed block", blk.Reason())
		assert.True(t, blk.Interval().Start().Equal(day.Add(17*time.Hour)))
	})

	t.Run("events rewritten when updates are on", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.seedSyncedEvent(t, "evt-1", "client call", day.Add(10*time.Hour), day.Add(11*time.Hour))
		f.seedSyncedBlock(t, "blk-1", "focus", day.Add(12*time.Hour), day.Add(13*time.Hour))
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)
		f.adapter.listFn = staticList(records, "t1")

		res, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.NoError(t, err)

		assert.Equal(t, 2, res.Updated)
		ev := f.events.byExternalID("evt-1")
		require.NotNil(t, ev)
		assert.Equal(t, "renamed call", ev.Title())
		assert.True(t, ev.Interval().Start().Equal(day.Add(15*time.Hour)))
	})
}

func TestSyncSkipsMalformedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)

	f.adapter.listFn = staticList([]domain.EventRecord{
		{Title: "no identity", Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour), Timezone: "UTC"},
		{ExternalID: "bad-zone", Title: "zone", Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour), Timezone: "Mars/Olympus"},
		{ExternalID: "ok-1", Title: "fine", Start: day.Add(11 * time.Hour), End: day.Add(12 * time.Hour), Timezone: "UTC"},
	}, "t1")

	res, err := f.engine.Sync(ctx, f.tc, run.ID())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Created)
	assert.NotNil(t, f.blocks.byExternalID("ok-1"))
	require.Len(t, f.syncs.runs, 1)
	assert.Equal(t, domain.SyncSuccess, f.syncs.runs[0].Status())
}

func TestSyncTokenExpiryEscalatesToFullSync(t *testing.T) {
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	window := func(t *testing.T) domain.TimeWindow {
		return mustWindow(t, day, day.AddDate(0, 0, 7))
	}
	fresh := []domain.EventRecord{{
		ExternalID: "new-1",
		Title:      "fresh",
		Start:      day.Add(9 * time.Hour),
		End:        day.Add(10 * time.Hour),
		Timezone:   "UTC",
		Status:     domain.EventStatusConfirmed,
	}}

	t.Run("rejected at listing time", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.seedSuccessfulRun(t, window(t), "stale-token")
		run := f.scheduleRun(t, window(t), true)

		f.adapter.listFn = func(_ context.Context, _ string, _ domain.TimeWindow, token string) (domain.EventStream, error) {
			if token != "" {
				return nil, domain.NewProviderError(domain.ProviderGoogle, domain.ErrSyncTokenExpired, "410 gone", nil)
			}
			return domain.NewStaticEventStream(fresh, "fresh-token"), nil
		}

		res, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.NoError(t, err)

		assert.True(t, res.FullSync)
		assert.Equal(t, "fresh-token", res.NextSyncToken)
		require.Len(t, f.adapter.listCalls, 2)
		assert.Equal(t, "stale-token", f.adapter.listCalls[0].token)
		assert.Equal(t, "", f.adapter.listCalls[1].token)
	})

	t.Run("rejected mid stream", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.seedSuccessfulRun(t, window(t), "stale-token")
		run := f.scheduleRun(t, window(t), true)

		f.adapter.listFn = func(_ context.Context, _ string, _ domain.TimeWindow, token string) (domain.EventStream, error) {
			if token != "" {
				return &failingStream{
					records:  fresh[:1],
					failWith: domain.NewProviderError(domain.ProviderGoogle, domain.ErrSyncTokenExpired, "expired mid page", nil),
				}, nil
			}
			return domain.NewStaticEventStream(fresh, "fresh-token"), nil
		}

		res, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.NoError(t, err)

		assert.True(t, res.FullSync)
		assert.Equal(t, 1, res.Created, "retry rebuilds the change set from scratch")
		require.Len(t, f.adapter.listCalls, 2)
	})
}

func TestSyncContention(t *testing.T) {
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)

	t.Run("held lock refuses the run untouched", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)

		_, err := f.locks.Acquire(ctx, "sync:calendar:"+f.cal.ID().String(), time.Minute)
		require.NoError(t, err)

		_, err = f.engine.Sync(ctx, f.tc, run.ID())
		require.ErrorIs(t, err, domain.ErrSyncInProgress)
		assert.Equal(t, domain.SyncNotStarted, f.syncs.runs[0].Status())
		assert.Empty(t, f.adapter.listCalls)
	})

	t.Run("run already in progress refuses", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)
		require.NoError(t, run.Start(f.clk.Now()))
		require.NoError(t, f.syncs.Save(ctx, f.tc, run))

		_, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.ErrorIs(t, err, domain.ErrSyncInProgress)
		assert.Empty(t, f.adapter.listCalls)
	})

	t.Run("lost claim race surfaces as in progress", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)
		f.syncs.staleTimes = 1

		_, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.ErrorIs(t, err, domain.ErrSyncInProgress)
		assert.Empty(t, f.adapter.listCalls)
	})
}

func TestSyncFailureMarksRunFailed(t *testing.T) {
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)

	t.Run("provider outage", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.seedSuccessfulRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), "keep-me")
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)

		f.adapter.listFn = func(context.Context, string, domain.TimeWindow, string) (domain.EventStream, error) {
			return nil, domain.NewProviderError(domain.ProviderGoogle, domain.ErrProviderUnavailable, "503", nil)
		}

		_, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.ErrorIs(t, err, domain.ErrProviderUnavailable)

		var failed *domain.CalendarSync
		for _, r := range f.syncs.runs {
			if r.ID() == run.ID() {
				failed = r
			}
		}
		require.NotNil(t, failed)
		assert.Equal(t, domain.SyncFailed, failed.Status())
		assert.Contains(t, failed.ErrorMessage(), "provider unavailable")
		assert.Contains(t, f.publisher.keys, domain.RoutingSyncFailed)

		// The cursor of the last success survives the failure.
		prev, err := f.syncs.FindLatestSuccessful(ctx, f.tc, f.cal.ID())
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, "keep-me", prev.NextSyncToken())
	})

	t.Run("cancellation lands as failed run", func(t *testing.T) {
		f := newFixture(t)
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)
		f.adapter.listFn = staticList(nil, "t1")

		_, err := f.engine.Sync(cancelled, f.tc, run.ID())
		require.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, domain.SyncFailed, f.syncs.runs[0].Status())
		assert.Contains(t, f.syncs.runs[0].ErrorMessage(), "context canceled")
	})

	t.Run("transaction failure rolls back", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)
		f.blocks.saveErr = errors.New("disk full")
		f.adapter.listFn = staticList([]domain.EventRecord{{
			ExternalID: "single-1",
			Title:      "dentist",
			Start:      day.Add(10 * time.Hour),
			End:        day.Add(11 * time.Hour),
			Timezone:   "UTC",
		}}, "t1")

		_, err := f.engine.Sync(ctx, f.tc, run.ID())
		require.Error(t, err)

		assert.Equal(t, 1, f.uow.begun)
		assert.Equal(t, 1, f.uow.rolledBack)
		assert.Zero(t, f.uow.committed)
		assert.Equal(t, domain.SyncFailed, f.syncs.runs[0].Status())
		assert.Contains(t, f.syncs.runs[0].ErrorMessage(), "disk full")
	})
}

func TestSyncRetractsManagedAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	f.cal.SetManagesAvailableWindows(true)

	plainHit, err := domain.NewAvailableTime(f.tc, f.cal.ID(), mustInterval(t, day.Add(10*time.Hour), day.Add(11*time.Hour)))
	require.NoError(t, err)
	require.NoError(t, f.windows.Save(ctx, f.tc, plainHit))

	masterWindow, err := domain.NewAvailableTime(f.tc, f.cal.ID(), mustInterval(t, day.Add(13*time.Hour), day.Add(14*time.Hour)))
	require.NoError(t, err)
	require.NoError(t, masterWindow.AttachRule(uuid.New()))
	require.NoError(t, f.windows.Save(ctx, f.tc, masterWindow))

	override, err := domain.NewAvailableTime(f.tc, f.cal.ID(), mustInterval(t, day.Add(13*time.Hour), day.Add(14*time.Hour)))
	require.NoError(t, err)
	require.NoError(t, override.AsInstance(masterWindow.ID(), day.Add(13*time.Hour), true))
	require.NoError(t, f.windows.Save(ctx, f.tc, override))

	untouched, err := domain.NewAvailableTime(f.tc, f.cal.ID(), mustInterval(t, day.Add(15*time.Hour), day.Add(16*time.Hour)))
	require.NoError(t, err)
	require.NoError(t, f.windows.Save(ctx, f.tc, untouched))

	run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)
	f.adapter.listFn = staticList([]domain.EventRecord{
		{ExternalID: "busy-1", Title: "offsite", Start: day.Add(10*time.Hour + 30*time.Minute), End: day.Add(11*time.Hour + 30*time.Minute), Timezone: "UTC"},
		{ExternalID: "busy-2", Title: "interview", Start: day.Add(13*time.Hour + 15*time.Minute), End: day.Add(13*time.Hour + 45*time.Minute), Timezone: "UTC"},
	}, "t1")

	_, err = f.engine.Sync(ctx, f.tc, run.ID())
	require.NoError(t, err)

	ids := make(map[uuid.UUID]*domain.AvailableTime, len(f.windows.windows))
	for _, w := range f.windows.windows {
		ids[w.ID()] = w
	}

	assert.NotContains(t, ids, plainHit.ID(), "covered plain window is deleted")

	kept, ok := ids[override.ID()]
	require.True(t, ok, "covered override stays as a tombstone")
	assert.True(t, kept.IsCancelled())

	assert.Contains(t, ids, untouched.ID())
	assert.Contains(t, ids, masterWindow.ID(), "recurring masters are not retracted")
	assert.False(t, ids[untouched.ID()].IsCancelled())
}

func TestSyncRewritesAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)

	roomCal, err := domain.NewLinkedCalendar(f.tc, "room 4", domain.ProviderGoogle, "room-ext", domain.KindResource, "UTC")
	require.NoError(t, err)
	roomCal.ClearDomainEvents()
	require.NoError(t, f.calendars.Save(ctx, f.tc, roomCal))

	ev := f.seedSyncedEvent(t, "evt-1", "kickoff", day.Add(10*time.Hour), day.Add(11*time.Hour))

	bob, err := domain.NewExternalAttendee(f.tc, "bob@example.com", "Bob")
	require.NoError(t, err)
	require.NoError(t, f.attendance.SaveExternalAttendee(ctx, f.tc, bob))
	bobLink, err := domain.NewEventExternalAttendance(f.tc, ev.ID(), bob.ID(), domain.RSVPAccepted)
	require.NoError(t, err)
	require.NoError(t, f.attendance.SaveExternalAttendance(ctx, f.tc, bobLink))

	run := f.scheduleRun(t, mustWindow(t, day, day.AddDate(0, 0, 7)), true)
	f.adapter.listFn = staticList([]domain.EventRecord{{
		ExternalID: "evt-1",
		Title:      "kickoff",
		Start:      day.Add(10 * time.Hour),
		End:        day.Add(11 * time.Hour),
		Timezone:   "UTC",
		Status:     domain.EventStatusConfirmed,
		Attendees: []domain.AttendeeRecord{
			{Email: "ann@example.com", DisplayName: "Ann", RSVP: domain.RSVPAccepted},
			{IsResource: true, ResourceExternalID: "room-ext"},
		},
	}}, "t1")

	_, err = f.engine.Sync(ctx, f.tc, run.ID())
	require.NoError(t, err)

	set, err := f.attendance.FindByEvent(ctx, f.tc, ev.ID())
	require.NoError(t, err)

	require.Len(t, set.External, 1, "stale attendee links are rewritten")
	ann, err := f.attendance.FindExternalAttendeeByEmail(ctx, f.tc, "ann@example.com")
	require.NoError(t, err)
	require.NotNil(t, ann)
	assert.Equal(t, ann.ID(), set.External[0].AttendeeID())
	assert.Equal(t, domain.RSVPAccepted, set.External[0].RSVP())

	require.Len(t, set.Resources, 1)
	assert.Equal(t, roomCal.ID(), set.Resources[0].ResourceCalendarID())

	// Bob's identity row survives; only the event link is gone.
	stillBob, err := f.attendance.FindExternalAttendeeByEmail(ctx, f.tc, "bob@example.com")
	require.NoError(t, err)
	assert.NotNil(t, stillBob)
}

func TestTransferEvent(t *testing.T) {
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)

	t.Run("moves between provider calendars with fresh remote state", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		dst, err := domain.NewLinkedCalendar(f.tc, "personal", domain.ProviderGoogle, "cal-ext-2", domain.KindPersonal, "UTC")
		require.NoError(t, err)
		dst.ClearDomainEvents()
		require.NoError(t, f.calendars.Save(ctx, f.tc, dst))

		ev := f.seedSyncedEvent(t, "evt-1", "stale title", day.Add(10*time.Hour), day.Add(11*time.Hour))

		f.adapter.getFn = func(_ context.Context, _, eventExternalID string) (domain.EventRecord, error) {
			require.Equal(t, "evt-1", eventExternalID)
			return domain.EventRecord{
				ExternalID: "evt-1",
				Title:      "fresh title",
				Start:      day.Add(10 * time.Hour),
				End:        day.Add(11 * time.Hour),
				Timezone:   "UTC",
			}, nil
		}
		var created domain.EventInput
		f.adapter.createFn = func(_ context.Context, calendarExternalID string, input domain.EventInput) (domain.EventRecord, error) {
			assert.Equal(t, "cal-ext-2", calendarExternalID)
			created = input
			return domain.EventRecord{ExternalID: "evt-new"}, nil
		}

		moved, err := f.engine.TransferEvent(ctx, f.tc, ev.ID(), dst.ID())
		require.NoError(t, err)

		assert.Equal(t, dst.ID(), moved.CalendarID())
		assert.Equal(t, "evt-new", moved.ExternalID())
		assert.Equal(t, "fresh title", created.Title, "remote state wins over the local copy")
		assert.Equal(t, []string{"evt-1"}, f.adapter.deleted)
		assert.Contains(t, f.publisher.keys, domain.RoutingEventTransferred)
	})

	t.Run("transfer to internal calendar clears external identity", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		dst, err := domain.NewCalendar(f.tc, "local", domain.KindPersonal, "UTC")
		require.NoError(t, err)
		dst.ClearDomainEvents()
		require.NoError(t, f.calendars.Save(ctx, f.tc, dst))

		ev := f.seedSyncedEvent(t, "evt-1", "call", day.Add(10*time.Hour), day.Add(11*time.Hour))
		f.adapter.getFn = func(context.Context, string, string) (domain.EventRecord, error) {
			return domain.EventRecord{}, domain.NewProviderError(domain.ProviderGoogle, domain.ErrNotFound, "gone", nil)
		}

		moved, err := f.engine.TransferEvent(ctx, f.tc, ev.ID(), dst.ID())
		require.NoError(t, err)

		assert.Equal(t, dst.ID(), moved.CalendarID())
		assert.Empty(t, moved.ExternalID())
		assert.Equal(t, []string{"evt-1"}, f.adapter.deleted, "source copy is removed")
	})

	t.Run("source delete failure leaves a duplicate but completes", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		dst, err := domain.NewLinkedCalendar(f.tc, "personal", domain.ProviderGoogle, "cal-ext-2", domain.KindPersonal, "UTC")
		require.NoError(t, err)
		dst.ClearDomainEvents()
		require.NoError(t, f.calendars.Save(ctx, f.tc, dst))

		ev := f.seedSyncedEvent(t, "evt-1", "call", day.Add(10*time.Hour), day.Add(11*time.Hour))
		f.adapter.createFn = func(context.Context, string, domain.EventInput) (domain.EventRecord, error) {
			return domain.EventRecord{ExternalID: "evt-new"}, nil
		}
		f.adapter.deleteFn = func(context.Context, string, string) error {
			return domain.NewProviderError(domain.ProviderGoogle, domain.ErrProviderUnavailable, "503", nil)
		}

		moved, err := f.engine.TransferEvent(ctx, f.tc, ev.ID(), dst.ID())
		require.NoError(t, err)
		assert.Equal(t, dst.ID(), moved.CalendarID())
		assert.Equal(t, "evt-new", moved.ExternalID())
	})

	t.Run("recurring series refuse to transfer", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		dst, err := domain.NewCalendar(f.tc, "local", domain.KindPersonal, "UTC")
		require.NoError(t, err)
		require.NoError(t, f.calendars.Save(ctx, f.tc, dst))

		master := f.seedSyncedEvent(t, "master-1", "standup", day.Add(9*time.Hour), day.Add(9*time.Hour+30*time.Minute))
		require.NoError(t, master.AttachRule(uuid.New()))

		_, err = f.engine.TransferEvent(ctx, f.tc, master.ID(), dst.ID())
		require.Error(t, err)
	})

	t.Run("bundle destination is refused", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		bundle, err := domain.NewBundleCalendar(f.tc, "rooms", []uuid.UUID{f.cal.ID()}, uuid.Nil)
		require.NoError(t, err)
		bundle.ClearDomainEvents()
		require.NoError(t, f.calendars.Save(ctx, f.tc, bundle))

		ev := f.seedSyncedEvent(t, "evt-1", "call", day.Add(10*time.Hour), day.Add(11*time.Hour))

		_, err = f.engine.TransferEvent(ctx, f.tc, ev.ID(), bundle.ID())
		require.Error(t, err)
	})
}

func timePtr(t time.Time) *time.Time { return &t }
