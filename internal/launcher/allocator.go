package launcher

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/connection"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/loop"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/manifest"
)

type slotKey struct {
	pkg       string
	sandboxed bool
}

// slotPool hands out service indices 0..size-1, lowest free first
type slotPool struct {
	prefix string
	size   int
	next   int
	freed  []int
	inUse  map[*connection.WorkerConnection]int
}

func (p *slotPool) take() (int, bool) {
	if len(p.freed) > 0 {
		lowest := 0
		for i, slot := range p.freed {
			if slot < p.freed[lowest] {
				lowest = i
			}
		}
		slot := p.freed[lowest]
		p.freed = append(p.freed[:lowest], p.freed[lowest+1:]...)
		return slot, true
	}
	if p.next >= p.size {
		return 0, false
	}
	p.next++
	return p.next - 1, true
}

// Allocator maps connections to the numbered worker services a package
// declares. It belongs to the launcher loop.
type Allocator struct {
	host           binder.Host
	runner         loop.Runner
	logger         *zap.Logger
	manifest       *manifest.Manifest
	defaultPackage string
	setupTimeout   time.Duration

	pools  map[slotKey]*slotPool
	owners map[*connection.WorkerConnection]slotKey
}

// NewAllocator creates an allocator. A nil manifest leaves every package
// with UnboundedServices slots.
func NewAllocator(
	host binder.Host,
	runner loop.Runner,
	logger *zap.Logger,
	m *manifest.Manifest,
	defaultPackage string,
	setupTimeout time.Duration,
) *Allocator {
	return &Allocator{
		host:           host,
		runner:         runner,
		logger:         logger,
		manifest:       m,
		defaultPackage: defaultPackage,
		setupTimeout:   setupTimeout,
		pools:          make(map[slotKey]*slotPool),
		owners:         make(map[*connection.WorkerConnection]slotKey),
	}
}

// Package resolves the package a request is served from
func (a *Allocator) Package(params connection.CreationParams) string {
	if params.PackageName != "" {
		return params.PackageName
	}
	return a.defaultPackage
}

// NumSlots returns how many services pkg declares
func (a *Allocator) NumSlots(pkg string, sandboxed bool) int {
	if pkg == "" {
		pkg = a.defaultPackage
	}
	return a.manifest.NumServices(pkg, sandboxed)
}

// Allocate creates an unbound connection on the lowest free slot, or
// returns nil when every slot is taken.
func (a *Allocator) Allocate(params connection.CreationParams, sandboxed bool) *connection.WorkerConnection {
	key := slotKey{pkg: a.Package(params), sandboxed: sandboxed}
	pool := a.pool(key)

	slot, ok := pool.take()
	if !ok {
		a.logger.Info("No free worker slot",
			zap.String("package", key.pkg),
			zap.Bool("sandboxed", sandboxed),
			zap.Int("slots", pool.size),
		)
		return nil
	}

	name := binder.ServiceName{Package: key.pkg, Class: pool.prefix + strconv.Itoa(slot)}
	conn := connection.New(a.host, a.runner, name, params, sandboxed,
		connection.WithLogger(a.logger.Named("connection")),
		connection.WithSetupTimeout(a.setupTimeout),
	)
	pool.inUse[conn] = slot
	a.owners[conn] = key
	return conn
}

// Free returns conn's slot. Idempotent.
func (a *Allocator) Free(conn *connection.WorkerConnection) {
	key, ok := a.owners[conn]
	if !ok {
		return
	}
	delete(a.owners, conn)
	pool := a.pools[key]
	slot := pool.inUse[conn]
	delete(pool.inUse, conn)
	pool.freed = append(pool.freed, slot)
}

// InUse returns the number of allocated slots for pkg
func (a *Allocator) InUse(pkg string, sandboxed bool) int {
	if pool, ok := a.pools[slotKey{pkg: pkg, sandboxed: sandboxed}]; ok {
		return len(pool.inUse)
	}
	return 0
}

// Track wraps cb so that conn's slot is freed when it fails to start or
// dies
func (a *Allocator) Track(conn *connection.WorkerConnection, cb connection.ServiceCallback) connection.ServiceCallback {
	return connection.ServiceCallbackFuncs{
		Started: cb.OnStarted,
		StartFailed: func(c *connection.WorkerConnection) {
			a.Free(conn)
			cb.OnStartFailed(c)
		},
		Died: func(c *connection.WorkerConnection) {
			a.Free(conn)
			cb.OnDied(c)
		},
	}
}

// Start allocates and binds a connection reporting to cb. Returns nil when
// no slot is free or the host rejected the bind.
func (a *Allocator) Start(params connection.CreationParams, sandboxed bool, cb connection.ServiceCallback) *connection.WorkerConnection {
	conn := a.Allocate(params, sandboxed)
	if conn == nil {
		return nil
	}
	if !conn.Start(a.Track(conn, cb)) {
		a.Free(conn)
		return nil
	}
	return conn
}

func (a *Allocator) pool(key slotKey) *slotPool {
	if pool, ok := a.pools[key]; ok {
		return pool
	}

	prefix := manifest.DefaultPrivilegedPrefix
	if key.sandboxed {
		prefix = manifest.DefaultSandboxedPrefix
	}
	if decl, ok := a.manifest.Lookup(key.pkg); ok {
		prefix = decl.Prefix(key.sandboxed)
	}

	pool := &slotPool{
		prefix: prefix,
		size:   a.manifest.NumServices(key.pkg, key.sandboxed),
		inUse:  make(map[*connection.WorkerConnection]int),
	}
	a.pools[key] = pool
	return pool
}
