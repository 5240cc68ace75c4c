package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashlog/internal/ir"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(ir.Event{ID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_EnqueueAfterClose(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(ir.Event{ID: "A"})
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(ir.Event{ID: "B"}))
	assert.False(t, q.closedAndEmpty(), "queued event still drains")

	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.True(t, q.closedAndEmpty())
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(ir.Event{ID: "A"})
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("no signal after enqueue")
	}
	_, ok := q.TryDequeue()
	assert.True(t, ok)
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	q := newEventQueue()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(ir.Event{ID: "x"})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}

func TestEngine_RunDrainsQueue(t *testing.T) {
	h := setupEngine(t)

	var mu sync.Mutex
	var sunk []ir.ProcessedEvent
	h.engine.sink = func(_ context.Context, pe ir.ProcessedEvent) {
		mu.Lock()
		defer mu.Unlock()
		sunk = append(sunk, pe)
	}

	a := h.logEvent(t, "user_add", testVersion, ir.Object{"user": ir.String("alice")}, nil)
	b := h.logEvent(t, "boom", testVersion, nil, nil)
	require.True(t, h.engine.Enqueue(a))
	require.True(t, h.engine.Enqueue(b))
	require.True(t, h.engine.Enqueue(a)) // duplicate is a no-op downstream
	assert.Equal(t, 3, h.engine.QueueLen())

	h.engine.Stop()
	require.NoError(t, h.engine.Run(context.Background()))

	require.Len(t, sunk, 3)
	assert.Equal(t, a.ID, sunk[0].EventID)
	assert.True(t, sunk[0].Succeeded())
	assert.False(t, sunk[1].Succeeded())
	assert.Equal(t, sunk[0], sunk[2])
	assert.Equal(t, int32(2), h.calls.Load())
	assert.False(t, h.engine.Enqueue(a), "enqueue after stop should fail")
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	h := setupEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
