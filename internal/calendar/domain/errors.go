package domain

import (
	"errors"
	"fmt"
)

// Provider error kinds. Adapters translate transport-level failures into one
// of these sentinels wrapped in a ProviderError, so callers can branch with
// errors.Is without knowing which provider they are talking to.
var (
	// ErrProviderUnavailable covers 5xx responses, connection failures and
	// open circuit breakers.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrAuthExpired means the stored authorization is no longer accepted
	// and a re-consent flow is required.
	ErrAuthExpired = errors.New("provider authorization expired")

	// ErrInvalidCredentials means the credentials were rejected outright.
	ErrInvalidCredentials = errors.New("invalid provider credentials")

	// ErrNotFound means the remote calendar, event or subscription does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited means the provider or the local limiter refused the
	// call; the operation is retryable after backoff.
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformed means a provider payload could not be interpreted. The
	// offending item is skipped, never the whole sync.
	ErrMalformed = errors.New("malformed provider payload")

	// ErrTimeout means the per-call budget elapsed before the provider
	// answered.
	ErrTimeout = errors.New("provider call timed out")

	// ErrSyncTokenExpired means the incremental cursor was rejected and the
	// caller must escalate to a full sync.
	ErrSyncTokenExpired = errors.New("sync token expired")

	// ErrNotSupported means the provider cannot perform the operation at
	// all, for example subscriptions over CalDAV.
	ErrNotSupported = errors.New("operation not supported by provider")
)

// Domain-level failures surfaced by the booking and sync paths.
var (
	// ErrCalendarNotFound is returned when a calendar id does not resolve
	// within the caller's tenant.
	ErrCalendarNotFound = errors.New("calendar not found")

	// ErrEventNotFound is returned when an event id does not resolve within
	// the caller's tenant.
	ErrEventNotFound = errors.New("event not found")

	// ErrNoAvailableTimeWindow rejects a booking that does not fit an
	// available window.
	ErrNoAvailableTimeWindow = errors.New("no available time window")

	// ErrNoAvailableChildCalendar rejects a bundle booking when no child
	// can take the interval.
	ErrNoAvailableChildCalendar = errors.New("no available child calendar")

	// ErrProviderOwnedEvent rejects internal mutation of an event whose
	// source of truth is the provider.
	ErrProviderOwnedEvent = errors.New("event is owned by its provider")

	// ErrSyncInProgress signals another sync already holds the calendar.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrStaleVersion signals an optimistic concurrency conflict on save.
	ErrStaleVersion = errors.New("stale aggregate version")
)

// ProviderError is the uniform failure shape for provider calls. Kind is one
// of the provider sentinels above; Cause keeps the transport error for logs.
// The error unwraps to both, so errors.Is works against either.
type ProviderError struct {
	Provider Provider
	Kind     error
	Message  string
	Cause    error
}

// NewProviderError builds a ProviderError. kind must be one of the provider
// sentinel errors.
func NewProviderError(provider Provider, kind error, message string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Message: message, Cause: cause}
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the kind sentinel and the transport cause.
func (e *ProviderError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// IsRetryable reports whether the failure is worth retrying with backoff.
// Auth, validation and unsupported-operation failures are terminal.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrTimeout):
		return true
	}
	return false
}
