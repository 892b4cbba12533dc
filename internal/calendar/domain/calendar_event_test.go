package domain_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/internal/tenant"
)

func testInterval(t *testing.T, start time.Time, d time.Duration) domain.TimeInterval {
	t.Helper()
	iv, err := domain.NewTimeInterval(start, start.Add(d), "UTC")
	require.NoError(t, err)
	return iv
}

func TestNewCalendarEvent(t *testing.T) {
	start := time.Date(2026, 7, 6, 10, 0, 0, 0, time.UTC)

	t.Run("books an event and records EventBooked", func(t *testing.T) {
		tc := testTenant(t)
		ev, err := domain.NewCalendarEvent(tc, uuid.New(), "Intro call", testInterval(t, start, time.Hour))
		require.NoError(t, err)

		assert.Equal(t, domain.EventStatusConfirmed, ev.Status())
		assert.False(t, ev.IsProviderOwned())

		events := ev.DomainEvents()
		require.Len(t, events, 1)
		booked, ok := events[0].(*domain.EventBooked)
		require.True(t, ok)
		assert.Equal(t, ev.ID(), booked.BookedEventID)
		assert.Equal(t, start, booked.Start)
	})

	t.Run("requires title calendar and interval", func(t *testing.T) {
		tc := testTenant(t)
		_, err := domain.NewCalendarEvent(tc, uuid.Nil, "x", testInterval(t, start, time.Hour))
		assert.Error(t, err)
		_, err = domain.NewCalendarEvent(tc, uuid.New(), "", testInterval(t, start, time.Hour))
		assert.Error(t, err)
		_, err = domain.NewCalendarEvent(tc, uuid.New(), "x", domain.TimeInterval{})
		assert.Error(t, err)
	})
}

func TestNewProviderEvent(t *testing.T) {
	start := time.Date(2026, 7, 6, 10, 0, 0, 0, time.UTC)

	t.Run("stages a provider-owned event silently", func(t *testing.T) {
		ev, err := domain.NewProviderEvent(testTenant(t), uuid.New(), "", testInterval(t, start, time.Hour), "ext-1")
		require.NoError(t, err)

		assert.True(t, ev.IsProviderOwned())
		assert.Equal(t, "ext-1", ev.ExternalID())
		assert.Empty(t, ev.DomainEvents())

		origin, ok := ev.MetaValue(domain.MetaKeyOrigin)
		require.True(t, ok)
		assert.Equal(t, domain.MetaOriginProvider, origin)
	})

	t.Run("requires an external id", func(t *testing.T) {
		_, err := domain.NewProviderEvent(testTenant(t), uuid.New(), "x", testInterval(t, start, time.Hour), "")
		assert.Error(t, err)
	})
}

func TestCalendarEventRecurrenceLinks(t *testing.T) {
	start := time.Date(2026, 7, 6, 10, 0, 0, 0, time.UTC)
	tc := testTenant(t)

	t.Run("master carries a rule", func(t *testing.T) {
		ev, err := domain.NewCalendarEvent(tc, uuid.New(), "Standup", testInterval(t, start, 30*time.Minute))
		require.NoError(t, err)

		ruleID := uuid.New()
		require.NoError(t, ev.AttachRule(ruleID))
		assert.True(t, ev.IsRecurringMaster())
		assert.Equal(t, ruleID, ev.RecurrenceRuleID())
	})

	t.Run("instance points at its master with the original start", func(t *testing.T) {
		ev, err := domain.NewProviderEvent(tc, uuid.New(), "Standup", testInterval(t, start, 30*time.Minute), "inst-1")
		require.NoError(t, err)

		master := uuid.New()
		original := start.AddDate(0, 0, 2)
		require.NoError(t, ev.AsInstance(master, original, true))

		assert.True(t, ev.IsInstance())
		assert.True(t, ev.IsRecurringException())
		assert.Equal(t, master, ev.ParentEventID())
		require.NotNil(t, ev.RecurrenceID())
		assert.True(t, ev.RecurrenceID().Equal(original))

		assert.Error(t, ev.AttachRule(uuid.New()))
	})

	t.Run("continuation with no rule is a bulk cancellation", func(t *testing.T) {
		ev, err := domain.NewCalendarEvent(tc, uuid.New(), "Standup", testInterval(t, start, 30*time.Minute))
		require.NoError(t, err)

		master := uuid.New()
		fork := start.AddDate(0, 0, 3)
		require.NoError(t, ev.ContinueFrom(master, fork))
		assert.True(t, ev.IsContinuation())
		assert.True(t, ev.IsBulkCancellation())
		assert.Equal(t, master, ev.BulkModificationParentID())
		assert.True(t, ev.ForkStart().Equal(fork))
	})

	t.Run("continuation keeps its fork even when the time moved", func(t *testing.T) {
		moved := testInterval(t, start.AddDate(0, 0, 3).Add(time.Hour), 30*time.Minute)
		ev, err := domain.NewCalendarEvent(tc, uuid.New(), "Standup", moved)
		require.NoError(t, err)

		fork := start.AddDate(0, 0, 3)
		require.NoError(t, ev.ContinueFrom(uuid.New(), fork))
		assert.True(t, ev.ForkStart().Equal(fork))
		assert.False(t, ev.ForkStart().Equal(moved.Start()))
	})
}

func TestCalendarEventLifecycle(t *testing.T) {
	start := time.Date(2026, 7, 6, 10, 0, 0, 0, time.UTC)
	tc := testTenant(t)

	t.Run("cancel tombstones once", func(t *testing.T) {
		ev, err := domain.NewCalendarEvent(tc, uuid.New(), "Call", testInterval(t, start, time.Hour))
		require.NoError(t, err)
		ev.ClearDomainEvents()

		require.NoError(t, ev.Cancel())
		assert.True(t, ev.IsCancelled())
		require.Len(t, ev.DomainEvents(), 1)
		assert.IsType(t, &domain.EventCancelled{}, ev.DomainEvents()[0])

		assert.Error(t, ev.Cancel())
	})

	t.Run("transfer moves calendars and records both sides", func(t *testing.T) {
		from := uuid.New()
		ev, err := domain.NewCalendarEvent(tc, from, "Call", testInterval(t, start, time.Hour))
		require.NoError(t, err)
		ev.ClearDomainEvents()

		to := uuid.New()
		require.NoError(t, ev.Transfer(to, "new-ext"))
		assert.Equal(t, to, ev.CalendarID())
		assert.Equal(t, "new-ext", ev.ExternalID())

		require.Len(t, ev.DomainEvents(), 1)
		moved, ok := ev.DomainEvents()[0].(*domain.EventTransferred)
		require.True(t, ok)
		assert.Equal(t, from, moved.FromCalendarID)
		assert.Equal(t, to, moved.ToCalendarID)

		assert.Error(t, ev.Transfer(to, "again"))
	})

	t.Run("pending parent meta round trip", func(t *testing.T) {
		ev, err := domain.NewProviderEvent(tc, uuid.New(), "Orphan", testInterval(t, start, time.Hour), "orphan-1")
		require.NoError(t, err)

		ev.SetMeta(domain.MetaKeyPendingParent, "master-ext")
		got, ok := ev.PendingParent()
		require.True(t, ok)
		assert.Equal(t, "master-ext", got)

		ev.DeleteMeta(domain.MetaKeyPendingParent)
		_, ok = ev.PendingParent()
		assert.False(t, ok)
	})
}

func TestRehydrateCalendarEvent(t *testing.T) {
	now := time.Now().UTC()
	start := time.Date(2026, 7, 6, 10, 0, 0, 0, time.UTC)
	id, tenantID, calID := uuid.New(), uuid.New(), uuid.New()
	original := start.AddDate(0, 0, 1)

	ev := domain.RehydrateCalendarEvent(
		id, tenantID, calID,
		"Standup", "daily",
		domain.MustTimeInterval(start, start.Add(30*time.Minute), "UTC"),
		false, "ext-7", domain.EventStatusConfirmed,
		uuid.Nil, uuid.New(), &original, true, uuid.Nil,
		map[string]string{domain.MetaKeyOrigin: domain.MetaOriginProvider},
		3, now, now,
	)

	assert.Equal(t, id, ev.ID())
	assert.Equal(t, tenantID, ev.TenantID())
	assert.Equal(t, 3, ev.Version())
	assert.True(t, ev.IsInstance())
	assert.True(t, ev.IsProviderOwned())
	assert.Empty(t, ev.DomainEvents())
}

func TestCalendarSyncStateMachine(t *testing.T) {
	tc := testTenant(t)
	now := time.Date(2026, 7, 6, 12, 0, 0, 0, time.UTC)
	window, err := domain.NewTimeWindow(now.AddDate(0, 0, -1), now.AddDate(0, 0, 30))
	require.NoError(t, err)

	newSync := func(t *testing.T) *domain.CalendarSync {
		t.Helper()
		sync, err := domain.NewCalendarSync(tc, uuid.New(), window, true)
		require.NoError(t, err)
		return sync
	}

	t.Run("scheduling records SyncScheduled", func(t *testing.T) {
		sync := newSync(t)
		assert.Equal(t, domain.SyncNotStarted, sync.Status())
		require.Len(t, sync.DomainEvents(), 1)
		assert.IsType(t, &domain.SyncScheduled{}, sync.DomainEvents()[0])
	})

	t.Run("happy path not_started to success", func(t *testing.T) {
		sync := newSync(t)
		require.NoError(t, sync.Start(now))
		assert.Equal(t, domain.SyncInProgress, sync.Status())
		require.NotNil(t, sync.StartedAt())

		require.NoError(t, sync.Complete(now.Add(time.Minute), "tok-1"))
		assert.Equal(t, domain.SyncSuccess, sync.Status())
		assert.Equal(t, "tok-1", sync.NextSyncToken())
		require.NotNil(t, sync.CompletedAt())
	})

	t.Run("double start is refused", func(t *testing.T) {
		sync := newSync(t)
		require.NoError(t, sync.Start(now))
		assert.ErrorIs(t, sync.Start(now), domain.ErrSyncInProgress)
	})

	t.Run("failed runs can restart", func(t *testing.T) {
		sync := newSync(t)
		require.NoError(t, sync.Start(now))
		require.NoError(t, sync.Fail(now, "provider unavailable"))
		assert.Equal(t, domain.SyncFailed, sync.Status())
		assert.Equal(t, "provider unavailable", sync.ErrorMessage())
		assert.True(t, sync.CanStart())

		events := sync.DomainEvents()
		require.NotEmpty(t, events)
		failed, ok := events[len(events)-1].(*domain.SyncRunFailed)
		require.True(t, ok)
		assert.Equal(t, "provider unavailable", failed.Reason)

		require.NoError(t, sync.Start(now.Add(time.Minute)))
		assert.Empty(t, sync.ErrorMessage())
	})

	t.Run("successful runs never restart", func(t *testing.T) {
		sync := newSync(t)
		require.NoError(t, sync.Start(now))
		require.NoError(t, sync.Complete(now, ""))
		assert.Error(t, sync.Start(now))
		assert.Error(t, sync.Fail(now, "x"))
	})
}

func TestWebhookSubscription(t *testing.T) {
	tc := testTenant(t)
	now := time.Date(2026, 7, 6, 12, 0, 0, 0, time.UTC)
	handle := domain.SubscriptionHandle{
		ExternalSubscriptionID: "sub-1",
		ExternalResourceID:     "res-1",
		ChannelID:              "chan-1",
		VerificationToken:      "tok",
		CallbackURL:            "https://hooks.example.com/webhooks/google-calendar/t1/",
		ExpiresAt:              now.Add(72 * time.Hour),
	}

	t.Run("active until expiry", func(t *testing.T) {
		sub, err := domain.NewWebhookSubscription(tc, uuid.New(), domain.ProviderGoogle, handle)
		require.NoError(t, err)

		assert.True(t, sub.ActiveAt(now))
		assert.False(t, sub.ActiveAt(now.Add(80*time.Hour)))
		assert.False(t, sub.ExpiresWithin(now, 24*time.Hour))
		assert.True(t, sub.ExpiresWithin(now, 96*time.Hour))
	})

	t.Run("renew extends and records the event", func(t *testing.T) {
		sub, err := domain.NewWebhookSubscription(tc, uuid.New(), domain.ProviderMicrosoft, handle)
		require.NoError(t, err)
		sub.ClearDomainEvents()

		renewed := handle
		renewed.ExpiresAt = now.Add(7 * 24 * time.Hour)
		require.NoError(t, sub.Renew(renewed))
		assert.Equal(t, renewed.ExpiresAt, sub.ExpiresAt())
		require.Len(t, sub.DomainEvents(), 1)
		assert.IsType(t, &domain.SubscriptionRenewed{}, sub.DomainEvents()[0])
	})

	t.Run("providers without push are refused", func(t *testing.T) {
		_, err := domain.NewWebhookSubscription(tc, uuid.New(), domain.ProviderICS, handle)
		assert.ErrorIs(t, err, domain.ErrNotSupported)
	})

	t.Run("deactivate and notifications", func(t *testing.T) {
		sub, err := domain.NewWebhookSubscription(tc, uuid.New(), domain.ProviderGoogle, handle)
		require.NoError(t, err)

		sub.RecordNotification(now)
		require.NotNil(t, sub.LastNotificationAt())

		sub.Deactivate()
		assert.False(t, sub.ActiveAt(now))
	})
}

func TestWebhookEvent(t *testing.T) {
	tc := testTenant(t)
	now := time.Date(2026, 7, 6, 12, 0, 0, 0, time.UTC)

	t.Run("records then resolves", func(t *testing.T) {
		we, err := domain.NewWebhookEvent(tc, domain.ProviderGoogle, "exists", []byte("{}"), map[string]string{"X-Goog-Channel-ID": "chan-1"})
		require.NoError(t, err)
		assert.Equal(t, domain.ProcessingPending, we.Status())

		syncID := uuid.New()
		we.MarkProcessed(now, syncID)
		assert.Equal(t, domain.ProcessingProcessed, we.Status())
		assert.Equal(t, syncID, we.SyncID())
		require.NotNil(t, we.ProcessedAt())
	})

	t.Run("failure keeps the message", func(t *testing.T) {
		we, err := domain.NewWebhookEvent(tc, domain.ProviderMicrosoft, "updated", nil, nil)
		require.NoError(t, err)

		we.MarkFailed(now, "calendar not linked")
		assert.Equal(t, domain.ProcessingFailed, we.Status())
		assert.Equal(t, "calendar not linked", we.ErrorMessage())
	})
}

func TestTenantCheckAcrossEntities(t *testing.T) {
	tcA := tenant.MustContext(uuid.New())
	tcB := tenant.MustContext(uuid.New())

	cal, err := domain.NewCalendar(tcA, "A's calendar", domain.KindPersonal, "UTC")
	require.NoError(t, err)

	assert.NoError(t, tcA.Check("calendar", cal.TenantID()))
	assert.ErrorIs(t, tcB.Check("calendar", cal.TenantID()), tenant.ErrViolation)
}
