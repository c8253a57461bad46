package channel

import (
	"sync"
	"time"
)

// Clock is a small abstraction over time so tests can control connection timestamps
type Clock interface {
	Now() time.Time
}

// RealClock uses the real time.Now
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FakeClock returns a settable time; safe for use from the connection goroutine
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock starting at start
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
