package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder/bindertest"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/connection"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/loop"
)

type fakeConn struct {
	name     string
	bound    bool
	moderate bool
	reject   bool
	adds     int
}

func newFake(name string) *fakeConn {
	return &fakeConn{name: name, bound: true}
}

func (f *fakeConn) AddModerateBinding() bool {
	f.adds++
	if f.reject {
		return false
	}
	f.moderate = true
	return true
}

func (f *fakeConn) RemoveModerateBinding() {
	f.moderate = false
}

func (f *fakeConn) IsBound() bool {
	return f.bound
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.Development()))
	return New(append([]Option{WithLogger(logger)}, opts...)...)
}

func TestRecencyOrder(t *testing.T) {
	m := newTestManager(t)
	a, b := newFake("a"), newFake("b")

	m.IncreaseRecency(a)
	m.IncreaseRecency(b)
	m.IncreaseRecency(a)
	assert.Equal(t, []Connection{b, a}, m.Recency())

	m.DropRecency(b)
	assert.Equal(t, []Connection{a}, m.Recency())

	m.DropRecency(b)
	assert.Equal(t, 1, m.Len())
}

func TestIncreaseRecencyDoesNotBind(t *testing.T) {
	m := newTestManager(t)
	m.OnBroughtToForeground()

	a := newFake("a")
	m.IncreaseRecency(a)

	assert.False(t, a.moderate)
	assert.Equal(t, 0, m.ModerateCount())
}

func TestForegroundBindsTrackedConnections(t *testing.T) {
	m := newTestManager(t)
	a, b, dead := newFake("a"), newFake("b"), newFake("dead")
	dead.bound = false
	m.IncreaseRecency(a)
	m.IncreaseRecency(dead)
	m.IncreaseRecency(b)

	m.OnBroughtToForeground()

	assert.True(t, a.moderate)
	assert.True(t, b.moderate)
	assert.False(t, dead.moderate, "disconnected connections are skipped")
	assert.Equal(t, 2, m.ModerateCount())

	m.OnSentToBackground()
	assert.False(t, a.moderate)
	assert.False(t, b.moderate)
	assert.Equal(t, 0, m.ModerateCount())
}

func TestForegroundRespectsCap(t *testing.T) {
	m := newTestManager(t, WithMaxModerateBindings(2))
	conns := []*fakeConn{newFake("a"), newFake("b"), newFake("c")}
	for _, c := range conns {
		m.IncreaseRecency(c)
	}

	m.OnBroughtToForeground()

	assert.False(t, conns[0].moderate, "least recent is beyond the cap")
	assert.True(t, conns[1].moderate)
	assert.True(t, conns[2].moderate)
}

func TestAddConnectionEvictsLeastRecentBeyondCap(t *testing.T) {
	m := newTestManager(t, WithMaxModerateBindings(2))
	m.OnBroughtToForeground()

	a, b, c := newFake("a"), newFake("b"), newFake("c")
	m.AddConnection(a)
	m.AddConnection(b)
	m.AddConnection(c)

	assert.False(t, a.moderate)
	assert.True(t, b.moderate)
	assert.True(t, c.moderate)
	assert.Equal(t, 2, m.ModerateCount())
	assert.Equal(t, 3, m.Len(), "evicted connections stay on the recency list")
}

func TestRejectedModerateBindIsNotCounted(t *testing.T) {
	m := newTestManager(t, WithMaxModerateBindings(1))
	a, b := newFake("a"), newFake("b")
	b.reject = true
	m.IncreaseRecency(a)
	m.IncreaseRecency(b)

	m.OnBroughtToForeground()

	assert.False(t, b.moderate)
	assert.True(t, a.moderate, "the cap counts granted bindings only")
	assert.Equal(t, 1, m.ModerateCount())

	m.OnSentToBackground()
	b.reject = false
	m.AddConnection(newFake("c"))
	m.OnBroughtToForeground()
	assert.Equal(t, 1, m.ModerateCount())
}

func TestAddConnectionInBackgroundOnlyTracks(t *testing.T) {
	m := newTestManager(t)
	m.OnSentToBackground()

	a := newFake("a")
	m.AddConnection(a)

	assert.False(t, a.moderate)
	assert.Equal(t, []Connection{a}, m.Recency())
}

func TestRemoveConnectionReleasesBinding(t *testing.T) {
	m := newTestManager(t)
	m.OnBroughtToForeground()
	a := newFake("a")
	m.AddConnection(a)
	require.True(t, a.moderate)

	m.RemoveConnection(a)

	assert.False(t, a.moderate)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.ModerateCount())
}

func TestRemoveDisconnectedConnectionIsSilent(t *testing.T) {
	m := newTestManager(t)
	m.OnBroughtToForeground()
	a := newFake("a")
	m.AddConnection(a)
	a.bound = false

	assert.NotPanics(t, func() { m.RemoveConnection(a) })
	assert.True(t, a.moderate, "a disconnected connection is not touched")
	assert.Equal(t, 0, m.ModerateCount())
}

func TestLifecycleAlternation(t *testing.T) {
	t.Run("foreground then background", func(t *testing.T) {
		m := newTestManager(t)
		assert.NotPanics(t, func() {
			m.OnBroughtToForeground()
			m.OnSentToBackground()
			m.OnBroughtToForeground()
		})
		assert.True(t, m.InForeground())
	})

	t.Run("background first", func(t *testing.T) {
		m := newTestManager(t)
		assert.NotPanics(t, m.OnSentToBackground)
		assert.False(t, m.InForeground())
	})

	t.Run("foreground twice", func(t *testing.T) {
		m := newTestManager(t)
		m.OnBroughtToForeground()
		assert.Panics(t, m.OnBroughtToForeground)
	})

	t.Run("background twice", func(t *testing.T) {
		m := newTestManager(t)
		m.OnSentToBackground()
		assert.Panics(t, m.OnSentToBackground)
	})
}

func TestReleaseAllModerateBindingsIgnoresLifecycle(t *testing.T) {
	m := newTestManager(t)
	m.OnBroughtToForeground()
	a, b := newFake("a"), newFake("b")
	m.AddConnection(a)
	m.AddConnection(b)

	m.ReleaseAllModerateBindings()

	assert.False(t, a.moderate)
	assert.False(t, b.moderate)
	assert.True(t, m.InForeground())
	assert.Equal(t, 2, m.Len())

	// Later connections in the same foreground period are still bound
	c := newFake("c")
	m.AddConnection(c)
	assert.True(t, c.moderate)
}

func TestOnTrimMemory(t *testing.T) {
	tests := []struct {
		level    TrimLevel
		n        int
		wantKept int
	}{
		{TrimRunningLow, 8, 4},
		{TrimRunningLow, 3, 1},
		{TrimRunningCritical, 8, 2},
		{TrimRunningCritical, 3, 0},
		{TrimComplete, 8, 0},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			m := newTestManager(t)
			m.OnBroughtToForeground()
			conns := make([]*fakeConn, tt.n)
			for i := range conns {
				conns[i] = newFake(string(rune('a' + i)))
				m.AddConnection(conns[i])
			}

			m.OnTrimMemory(tt.level)

			assert.Equal(t, tt.wantKept, m.ModerateCount())
			// Survivors are the most recent ones
			for i, c := range conns {
				assert.Equal(t, i >= tt.n-tt.wantKept, c.moderate, "connection %s", c.name)
			}
		})
	}
}

func TestParseTrimLevel(t *testing.T) {
	for _, level := range []TrimLevel{TrimRunningLow, TrimRunningCritical, TrimComplete} {
		got, err := ParseTrimLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, got)
	}

	_, err := ParseTrimLevel("moderate")
	assert.Error(t, err)
}

func TestManagerDrivesWorkerConnections(t *testing.T) {
	host := bindertest.NewHost()
	runner := loop.NewManual()
	name := binder.ServiceName{Package: "org.agentos.workers", Class: "SandboxedService0"}
	conn := connection.New(host, runner, name, connection.CreationParams{}, true)
	require.True(t, conn.Bind())

	m := newTestManager(t)
	m.OnBroughtToForeground()
	m.AddConnection(conn)

	assert.True(t, conn.IsModerateBindingBound())
	assert.True(t, host.IsBound(name, binder.BindAutoCreate|binder.BindNotForeground))

	m.OnSentToBackground()
	assert.False(t, conn.IsModerateBindingBound())

	host.RejectNextBinds(1)
	m.OnBroughtToForeground()
	assert.False(t, conn.IsModerateBindingBound())
	assert.Equal(t, 0, m.ModerateCount(), "a rejected bind is not counted")
}
