// Package clock abstracts time for the core so sync scheduling, coalescing
// windows, and expiry checks stay deterministic under test.
package clock

import (
	"sync"
	"time"
)

// Clock provides wall time. Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// System returns wall time from the OS clock, in UTC.
type System struct{}

// NewSystem creates a system clock.
func NewSystem() System { return System{} }

func (System) Now() time.Time                  { return time.Now().UTC() }
func (System) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock frozen at the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to the given instant.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now.UTC()
}
