package connection

import (
	"errors"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/loop"
)

// serviceDelegate receives connection events on the loop
type serviceDelegate interface {
	onServiceConnected(svc binder.Service)
	onServiceDisconnected()
}

// ServiceConnection wraps one bind/unbind cycle to a hosted service at a
// fixed flag set. Bind, Unbind and the state it mutates belong to the loop.
type ServiceConnection struct {
	host     binder.Host
	runner   loop.Runner
	logger   *zap.Logger
	name     binder.ServiceName
	flags    binder.BindFlags
	delegate serviceDelegate

	bound     bool
	connected bool
}

func newServiceConnection(
	host binder.Host,
	runner loop.Runner,
	logger *zap.Logger,
	name binder.ServiceName,
	flags binder.BindFlags,
	delegate serviceDelegate,
) *ServiceConnection {
	return &ServiceConnection{
		host:     host,
		runner:   runner,
		logger:   logger,
		name:     name,
		flags:    flags,
		delegate: delegate,
	}
}

// Bind asks the host to bind. Returns whether the request was accepted;
// connection completes later.
func (c *ServiceConnection) Bind() bool {
	if c.bound {
		return true
	}

	if err := c.host.Bind(c.name, c.flags, c); err != nil {
		level := c.logger.Warn
		if errors.Is(err, binder.ErrNoCapacity) {
			level = c.logger.Info
		}
		level("Bind request not accepted",
			zap.Stringer("flags", c.flags),
			zap.Error(err),
		)
		return false
	}

	c.bound = true
	return true
}

// Unbind releases the binding if held
func (c *ServiceConnection) Unbind() {
	if !c.bound {
		return
	}
	c.bound = false
	c.connected = false
	c.host.Unbind(c)
}

// IsBound reports whether the bind request is held
func (c *ServiceConnection) IsBound() bool {
	return c.bound
}

// IsConnected reports whether the host has attached the service
func (c *ServiceConnection) IsConnected() bool {
	return c.connected
}

// Flags returns the flag set this connection binds with
func (c *ServiceConnection) Flags() binder.BindFlags {
	return c.flags
}

// ServiceConnected implements binder.Listener
func (c *ServiceConnection) ServiceConnected(svc binder.Service) {
	c.runner.Post(func() {
		// A connect racing with Unbind is dropped
		if !c.bound {
			return
		}
		c.connected = true
		c.delegate.onServiceConnected(svc)
	})
}

// ServiceDisconnected implements binder.Listener
func (c *ServiceConnection) ServiceDisconnected() {
	c.runner.Post(func() {
		c.connected = false
		if !c.bound {
			return
		}
		c.delegate.onServiceDisconnected()
	})
}
