package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwise/calsync/internal/calendar/domain"
)

func TestProviderError(t *testing.T) {
	t.Run("unwraps to kind and cause", func(t *testing.T) {
		cause := errors.New("dial tcp: connection refused")
		err := domain.NewProviderError(domain.ProviderGoogle, domain.ErrProviderUnavailable, "events.list", cause)

		assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
		assert.ErrorIs(t, err, cause)
		assert.NotErrorIs(t, err, domain.ErrRateLimited)
	})

	t.Run("survives further wrapping", func(t *testing.T) {
		inner := domain.NewProviderError(domain.ProviderMicrosoft, domain.ErrRateLimited, "throttled", nil)
		outer := fmt.Errorf("sync calendar: %w", inner)

		assert.ErrorIs(t, outer, domain.ErrRateLimited)

		var pe *domain.ProviderError
		require.ErrorAs(t, outer, &pe)
		assert.Equal(t, domain.ProviderMicrosoft, pe.Provider)
	})

	t.Run("message includes provider kind and cause", func(t *testing.T) {
		err := domain.NewProviderError(domain.ProviderGoogle, domain.ErrTimeout, "events.list page 3", errors.New("context deadline exceeded"))
		msg := err.Error()
		assert.Contains(t, msg, "google")
		assert.Contains(t, msg, "timed out")
		assert.Contains(t, msg, "events.list page 3")
		assert.Contains(t, msg, "context deadline exceeded")
	})
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		domain.ErrProviderUnavailable,
		domain.ErrRateLimited,
		domain.ErrTimeout,
		domain.NewProviderError(domain.ProviderGoogle, domain.ErrRateLimited, "", nil),
		fmt.Errorf("run sync: %w", domain.ErrProviderUnavailable),
	}
	for _, err := range retryable {
		assert.True(t, domain.IsRetryable(err), "expected retryable: %v", err)
	}

	terminal := []error{
		domain.ErrAuthExpired,
		domain.ErrInvalidCredentials,
		domain.ErrMalformed,
		domain.ErrNotSupported,
		domain.ErrSyncTokenExpired,
		domain.NewProviderError(domain.ProviderMicrosoft, domain.ErrAuthExpired, "", nil),
		errors.New("plain failure"),
		nil,
	}
	for _, err := range terminal {
		assert.False(t, domain.IsRetryable(err), "expected terminal: %v", err)
	}
}
