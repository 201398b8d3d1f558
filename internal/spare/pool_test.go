package spare

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

var spareService = binder.ServiceName{Package: "org.agentos.workers", Class: "SandboxedService0"}

type recordingCallback struct {
	started, startFailed, died []*connection.WorkerConnection
}

func (r *recordingCallback) OnStarted(c *connection.WorkerConnection) {
	r.started = append(r.started, c)
}

func (r *recordingCallback) OnStartFailed(c *connection.WorkerConnection) {
	r.startFailed = append(r.startFailed, c)
}

func (r *recordingCallback) OnDied(c *connection.WorkerConnection) {
	r.died = append(r.died, c)
}

type fixture struct {
	host   *bindertest.Host
	runner *loop.Manual
	logger *zap.Logger
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		host:   bindertest.NewHost(),
		runner: loop.NewManual(),
		logger: zaptest.NewLogger(t, zaptest.WrapOptions(zap.Development())),
	}
}

func (f *fixture) factory(params connection.CreationParams, sandboxed bool, cb connection.ServiceCallback) *connection.WorkerConnection {
	c := connection.New(f.host, f.runner, spareService, params, sandboxed, connection.WithLogger(f.logger))
	if !c.Start(cb) {
		return nil
	}
	return c
}

func (f *fixture) newPool(params connection.CreationParams, sandboxed bool) *Pool {
	return New(f.runner, f.factory, params, sandboxed, WithLogger(f.logger))
}

func TestNewStartsBinding(t *testing.T) {
	f := newFixture(t)
	p := f.newPool(connection.CreationParams{}, true)

	assert.Equal(t, StateBinding, p.State())
	assert.False(t, p.IsEmpty())
	assert.True(t, f.host.IsBound(spareService, binder.BindAutoCreate))

	require.NoError(t, f.host.Connect(spareService, 100))
	f.runner.RunPending()
	assert.Equal(t, StateReady, p.State())
}

func TestClaimBeforeReadyDeliversOnAttach(t *testing.T) {
	f := newFixture(t)
	params := connection.CreationParams{PackageName: "org.agentos.workers"}
	p := f.newPool(params, true)

	cb := &recordingCallback{}
	conn := p.GetConnection(params, true, cb)
	require.NotNil(t, conn)
	assert.Empty(t, cb.started, "not connected yet")
	assert.False(t, conn.IsConnected())

	require.NoError(t, f.host.Connect(spareService, 100))
	f.runner.RunPending()

	require.Len(t, cb.started, 1)
	assert.Same(t, conn, cb.started[0])
	assert.True(t, p.IsEmpty())
	assert.Equal(t, StateEmpty, p.State())
}

func TestClaimWhenReadyIsPosted(t *testing.T) {
	f := newFixture(t)
	p := f.newPool(connection.CreationParams{}, true)
	require.NoError(t, f.host.Connect(spareService, 100))
	f.runner.RunPending()
	require.Equal(t, StateReady, p.State())

	cb := &recordingCallback{}
	conn := p.GetConnection(connection.CreationParams{}, true, cb)
	require.NotNil(t, conn)
	assert.Empty(t, cb.started, "started must not be delivered inline")
	assert.True(t, p.IsEmpty())

	f.runner.RunPending()
	require.Len(t, cb.started, 1)
	assert.Same(t, conn, cb.started[0])
}

func TestGetConnectionRequiresExactMatch(t *testing.T) {
	params := connection.CreationParams{PackageName: "org.agentos.workers"}
	tests := []struct {
		name      string
		params    connection.CreationParams
		sandboxed bool
	}{
		{"different package", connection.CreationParams{PackageName: "org.other"}, true},
		{"different sandbox flag", params, false},
		{"different bind to caller", connection.CreationParams{PackageName: "org.agentos.workers", BindToCaller: true}, true},
		{"different external flag", connection.CreationParams{PackageName: "org.agentos.workers", BindAsExternalService: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.newPool(params, true)

			assert.Nil(t, p.GetConnection(tt.params, tt.sandboxed, &recordingCallback{}))
			assert.False(t, p.IsEmpty(), "spare must be left untouched")
			assert.Equal(t, StateBinding, p.State())
		})
	}
}

func TestSecondClaimGetsNothing(t *testing.T) {
	f := newFixture(t)
	p := f.newPool(connection.CreationParams{}, true)

	require.NotNil(t, p.GetConnection(connection.CreationParams{}, true, &recordingCallback{}))
	assert.NotPanics(t, func() {
		assert.Nil(t, p.GetConnection(connection.CreationParams{}, true, &recordingCallback{}))
	})
}

func TestBindFailureLeavesPoolEmpty(t *testing.T) {
	f := newFixture(t)
	f.host.RejectNextBinds(1)
	p := f.newPool(connection.CreationParams{}, true)

	assert.True(t, p.IsEmpty())
	assert.Equal(t, StateEmpty, p.State())
	assert.Nil(t, p.GetConnection(connection.CreationParams{}, true, &recordingCallback{}))
}

func TestDeathBeforeAttachNotifiesConsumer(t *testing.T) {
	f := newFixture(t)
	p := f.newPool(connection.CreationParams{}, true)

	cb := &recordingCallback{}
	conn := p.GetConnection(connection.CreationParams{}, true, cb)
	require.NotNil(t, conn)

	require.NoError(t, f.host.Kill(spareService))
	f.runner.RunPending()

	assert.Len(t, cb.died, 1)
	assert.Empty(t, cb.started)
	assert.True(t, p.IsEmpty())
}

func TestUnclaimedSpareDeath(t *testing.T) {
	f := newFixture(t)
	p := f.newPool(connection.CreationParams{}, true)
	require.NoError(t, f.host.Connect(spareService, 100))
	f.runner.RunPending()

	require.NoError(t, f.host.Kill(spareService))
	f.runner.RunPending()

	assert.True(t, p.IsEmpty())
	assert.Equal(t, StateEmpty, p.State())
}

func TestEventsAfterHandOverReachConsumer(t *testing.T) {
	f := newFixture(t)
	p := f.newPool(connection.CreationParams{}, true)
	require.NoError(t, f.host.Connect(spareService, 100))
	f.runner.RunPending()

	cb := &recordingCallback{}
	conn := p.GetConnection(connection.CreationParams{}, true, cb)
	require.NotNil(t, conn)
	f.runner.RunPending()

	require.NoError(t, f.host.Kill(spareService))
	f.runner.RunPending()

	require.Len(t, cb.died, 1)
	assert.Same(t, conn, cb.died[0])
}

func TestCloseStopsUnclaimedSpare(t *testing.T) {
	f := newFixture(t)
	p := f.newPool(connection.CreationParams{}, true)

	p.Close()

	assert.True(t, p.IsEmpty())
	assert.Equal(t, 0, f.host.ServiceCount())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "binding", StateBinding.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
