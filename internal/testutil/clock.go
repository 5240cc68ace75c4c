package testutil

import (
	"sync"
	"time"
)

// DefaultStart is where a StepClock starts when given the zero time.
var DefaultStart = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

// StepClock is a deterministic wall clock for tests.
//
// Each call to Now returns the current instant and then advances it by the
// step, so consecutive events never share a timestamp and event IDs stay
// reproducible across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStepClock creates a clock at start advancing by step per read.
// A zero start uses DefaultStart; a non-positive step uses one second.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	if start.IsZero() {
		start = DefaultStart
	}
	if step <= 0 {
		step = time.Second
	}
	return &StepClock{now: start, step: step}
}

// Now returns the current instant and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next Now call will return.
func (c *StepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d without a read.
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t. Used to log two events at the same instant.
func (c *StepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
