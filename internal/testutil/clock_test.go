package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClock_Defaults(t *testing.T) {
	clock := NewStepClock(time.Time{}, 0)
	assert.Equal(t, DefaultStart, clock.Now())
	assert.Equal(t, DefaultStart.Add(time.Second), clock.Now())
}

func TestStepClock_AdvancesPerRead(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewStepClock(start, time.Millisecond)

	assert.Equal(t, start, clock.Peek())
	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Millisecond), clock.Now())

	clock.Advance(time.Hour)
	assert.Equal(t, start.Add(2*time.Millisecond+time.Hour), clock.Now())
}

func TestStepClock_Set(t *testing.T) {
	clock := NewStepClock(time.Time{}, time.Second)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	clock.Set(at)
	first := clock.Now()
	clock.Set(at)
	second := clock.Now()
	assert.Equal(t, first, second)
}

func TestStepClock_ThreadSafe(t *testing.T) {
	clock := NewStepClock(time.Time{}, time.Microsecond)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var mu sync.Mutex
	seen := make(map[time.Time]bool)

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				now := clock.Now()
				mu.Lock()
				seen[now] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every read returned a distinct instant.
	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
}
