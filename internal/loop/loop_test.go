package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New("test", zaptest.NewLogger(t))
	defer l.Stop(context.Background())

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	require.NoError(t, l.Flush(context.Background()))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopSerializesConcurrentPosters(t *testing.T) {
	l := New("test", zaptest.NewLogger(t))
	defer l.Stop(context.Background())

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, 2000, counter)
}

func TestLoopCallWaitsForResult(t *testing.T) {
	l := New("test", zaptest.NewLogger(t))
	defer l.Stop(context.Background())

	var value string
	err := l.Call(context.Background(), func() { value = "done" })

	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestLoopRecoversFromPanics(t *testing.T) {
	l := New("test", zaptest.NewLogger(t))
	defer l.Stop(context.Background())

	l.Post(func() { panic("boom") })

	ran := false
	require.NoError(t, l.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran, "loop should keep running after a panicking task")
}

func TestLoopTaskPostingTask(t *testing.T) {
	l := New("test", zaptest.NewLogger(t))
	defer l.Stop(context.Background())

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested task never ran")
	}
}

func TestLoopPostDelayed(t *testing.T) {
	l := New("test", zaptest.NewLogger(t))
	defer l.Stop(context.Background())

	done := make(chan time.Time, 1)
	start := time.Now()
	l.PostDelayed(20*time.Millisecond, func() { done <- time.Now() })

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestLoopStop(t *testing.T) {
	l := New("test", zaptest.NewLogger(t))

	ran := 0
	for i := 0; i < 10; i++ {
		l.Post(func() { ran++ })
	}

	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, 10, ran, "queued tasks should drain before stop returns")

	err := l.Call(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrLoopStopped)
	assert.False(t, l.TryPost(func() {}))

	// Idempotent
	assert.NoError(t, l.Stop(context.Background()))
}

func TestLoopStopBeforeStart(t *testing.T) {
	l := New("test", nil)
	assert.NoError(t, l.Stop(context.Background()))
}

func TestManualRunner(t *testing.T) {
	m := NewManual()

	var order []string
	m.Post(func() {
		order = append(order, "a")
		m.Post(func() { order = append(order, "c") })
	})
	m.Post(func() { order = append(order, "b") })

	assert.Equal(t, 2, m.Len())
	assert.Empty(t, order)

	ran := m.RunPending()

	assert.Equal(t, 3, ran)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, m.Len())
}
