package connection

import (
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
)

// CreationParams describe how a worker's service is provisioned. Two
// connections are interchangeable only when their params are equal.
type CreationParams struct {
	// PackageName overrides the package hosting the worker services
	PackageName string
	// BindToCaller requires the service to verify it is bound to this embedder
	BindToCaller bool
	// BindAsExternalService binds the service as running in the caller's package
	BindAsExternalService bool
	// IgnoreVisibilityForImportance derives foreground priority from
	// importance alone
	IgnoreVisibilityForImportance bool
}

// SetupArgs is what a connected worker needs to start running
type SetupArgs struct {
	CommandLine []string
	Files       []binder.FileDescriptor
	ProcessType string
}

// ServiceCallback receives lifecycle events for a connection. Methods run
// on the launcher loop.
type ServiceCallback interface {
	// OnStarted is called once the host attached the service
	OnStarted(c *WorkerConnection)
	// OnStartFailed is called when the service could not be started
	OnStartFailed(c *WorkerConnection)
	// OnDied is called when the service went away, expectedly or not
	OnDied(c *WorkerConnection)
}

// ServiceCallbackFuncs adapts plain functions to ServiceCallback. Nil
// fields are skipped.
type ServiceCallbackFuncs struct {
	Started     func(c *WorkerConnection)
	StartFailed func(c *WorkerConnection)
	Died        func(c *WorkerConnection)
}

func (f ServiceCallbackFuncs) OnStarted(c *WorkerConnection) {
	if f.Started != nil {
		f.Started(c)
	}
}

func (f ServiceCallbackFuncs) OnStartFailed(c *WorkerConnection) {
	if f.StartFailed != nil {
		f.StartFailed(c)
	}
}

func (f ServiceCallbackFuncs) OnDied(c *WorkerConnection) {
	if f.Died != nil {
		f.Died(c)
	}
}

// ConnectionCallback reports the outcome of SetupConnection. On success
// c.Pid() is the worker's pid.
type ConnectionCallback func(c *WorkerConnection, err error)

// BindingState is a consistent snapshot of a connection's bindings
type BindingState struct {
	Initial     bool `json:"initial"`
	Strong      bool `json:"strong"`
	Waived      bool `json:"waived"`
	Moderate    bool `json:"moderate"`
	StrongCount int  `json:"strong_count"`
}
