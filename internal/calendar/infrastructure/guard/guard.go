// Package guard decorates provider adapters with the protections every
// remote call needs: per-account token buckets split into read and write
// classes, a circuit breaker per account, and a per-call deadline. Callers
// keep seeing a plain domain.Adapter; the sync engine and webhook pipeline
// never know the guard is there.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/slotwise/calsync/internal/calendar/domain"
	"github.com/slotwise/calsync/pkg/observability"
)

// Config tunes the guard. Zero values fall back to the defaults.
type Config struct {
	// Token buckets, per (provider, account). Reads and writes draw from
	// separate buckets so a sync walk cannot starve bookings.
	ReadPerMinute  int
	WritePerMinute int
	ReadBurst      int
	WriteBurst     int

	// A call finding its bucket empty waits at most this long for a token
	// before failing with ErrRateLimited.
	ReadMaxDelay  time.Duration
	WriteMaxDelay time.Duration

	// CallTimeout bounds a single provider round-trip. Stream construction
	// is exempt; page fetches ride the caller's own budget.
	CallTimeout time.Duration

	// BreakerMaxFailures consecutive infrastructure failures open the
	// breaker; it stays open for BreakerOpenFor, then lets
	// BreakerHalfOpenProbes requests through to test recovery.
	BreakerMaxFailures    uint32
	BreakerOpenFor        time.Duration
	BreakerHalfOpenProbes uint32
	BreakerInterval       time.Duration
}

// DefaultConfig returns the guard defaults.
func DefaultConfig() Config {
	return Config{
		ReadPerMinute:         240,
		WritePerMinute:        120,
		ReadBurst:             10,
		WriteBurst:            5,
		ReadMaxDelay:          time.Second,
		WriteMaxDelay:         2 * time.Second,
		CallTimeout:           30 * time.Second,
		BreakerMaxFailures:    5,
		BreakerOpenFor:        30 * time.Second,
		BreakerHalfOpenProbes: 3,
		BreakerInterval:       10 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.ReadPerMinute <= 0 {
		c.ReadPerMinute = def.ReadPerMinute
	}
	if c.WritePerMinute <= 0 {
		c.WritePerMinute = def.WritePerMinute
	}
	if c.ReadBurst <= 0 {
		c.ReadBurst = def.ReadBurst
	}
	if c.WriteBurst <= 0 {
		c.WriteBurst = def.WriteBurst
	}
	if c.ReadMaxDelay <= 0 {
		c.ReadMaxDelay = def.ReadMaxDelay
	}
	if c.WriteMaxDelay <= 0 {
		c.WriteMaxDelay = def.WriteMaxDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = def.BreakerOpenFor
	}
	if c.BreakerHalfOpenProbes == 0 {
		c.BreakerHalfOpenProbes = def.BreakerHalfOpenProbes
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = def.BreakerInterval
	}
	return c
}

// class splits provider traffic into the two bucket families.
type class int

const (
	classRead class = iota
	classWrite
)

func (c class) String() string {
	if c == classWrite {
		return "write"
	}
	return "read"
}

func (c Config) limit(cl class) rate.Limit {
	if cl == classWrite {
		return rate.Limit(float64(c.WritePerMinute) / 60.0)
	}
	return rate.Limit(float64(c.ReadPerMinute) / 60.0)
}

func (c Config) burst(cl class) int {
	if cl == classWrite {
		return c.WriteBurst
	}
	return c.ReadBurst
}

func (c Config) maxDelay(cl class) time.Duration {
	if cl == classWrite {
		return c.WriteMaxDelay
	}
	return c.ReadMaxDelay
}

type bucketKey struct {
	provider domain.Provider
	account  uuid.UUID
	class    class
}

// Guard holds the shared limiter and breaker registries. One Guard serves
// the whole process so every worker draws from the same buckets.
type Guard struct {
	config  Config
	metrics observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[bucketKey]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// New creates a Guard.
func New(config Config, metrics observability.Metrics, logger *slog.Logger) *Guard {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		config:   config.normalized(),
		metrics:  metrics,
		logger:   logger,
		limiters: make(map[bucketKey]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// Wrap decorates an adapter with the guard for the given account. Internal
// adapters never leave the process and are returned untouched.
func (g *Guard) Wrap(adapter domain.Adapter, account uuid.UUID) domain.Adapter {
	if !adapter.Provider().IsExternal() {
		return adapter
	}
	return &guardedAdapter{inner: adapter, guard: g, account: account}
}

// BreakerState reports the breaker state for an account, "none" if no call
// has been made yet.
func (g *Guard) BreakerState(provider domain.Provider, account uuid.UUID) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	breaker, ok := g.breakers[breakerName(provider, account)]
	if !ok {
		return "none"
	}
	return breaker.State().String()
}

func (g *Guard) limiterFor(provider domain.Provider, account uuid.UUID, cl class) *rate.Limiter {
	key := bucketKey{provider: provider, account: account, class: cl}

	g.mu.Lock()
	defer g.mu.Unlock()
	if limiter, ok := g.limiters[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(g.config.limit(cl), g.config.burst(cl))
	g.limiters[key] = limiter
	return limiter
}

func breakerName(provider domain.Provider, account uuid.UUID) string {
	return provider.String() + ":" + account.String()
}

func (g *Guard) breakerFor(provider domain.Provider, account uuid.UUID) *gobreaker.CircuitBreaker[any] {
	name := breakerName(provider, account)

	g.mu.Lock()
	defer g.mu.Unlock()
	if breaker, ok := g.breakers[name]; ok {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: g.config.BreakerHalfOpenProbes,
		Interval:    g.config.BreakerInterval,
		Timeout:     g.config.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.config.BreakerMaxFailures
		},
		// Only infrastructure failures count against the breaker. A 404 or
		// a malformed payload says nothing about provider health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !errors.Is(err, domain.ErrProviderUnavailable) &&
				!errors.Is(err, domain.ErrTimeout) &&
				!errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Info("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			g.metrics.Counter(observability.MetricBreakerTransitions, 1,
				observability.T("breaker", name),
				observability.T("to", to.String()),
			)
		},
	}

	breaker := gobreaker.NewCircuitBreaker[any](settings)
	g.breakers[name] = breaker
	return breaker
}

// acquire takes one token from the account's bucket, waiting at most the
// class bound. An empty bucket past the bound fails with ErrRateLimited
// without the provider ever being called.
func (g *Guard) acquire(ctx context.Context, provider domain.Provider, account uuid.UUID, cl class) error {
	limiter := g.limiterFor(provider, account, cl)
	if limiter.Allow() {
		return nil
	}

	g.metrics.Counter(observability.MetricProviderRateWaits, 1,
		observability.T("provider", provider.String()),
		observability.T("class", cl.String()),
	)

	maxDelay := g.config.maxDelay(cl)
	waitCtx, cancel := context.WithTimeout(ctx, maxDelay)
	defer cancel()
	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s bucket wait: %w", cl, ctx.Err())
		}
		g.logger.Warn("rate limit exceeded",
			"provider", provider.String(),
			"account", account.String(),
			"class", cl.String(),
			"max_delay", maxDelay.String(),
		)
		return domain.NewProviderError(provider, domain.ErrRateLimited,
			fmt.Sprintf("%s bucket exhausted after %s wait", cl, maxDelay), err)
	}
	return nil
}
