package connection

import "sync"

// StrongBinding is one reference on a connection's strong binding.
// Release drops the reference exactly once; later calls are no-ops, and a
// reference invalidated by DropOomBindings or Unbind releases nothing.
type StrongBinding struct {
	conn  *WorkerConnection
	epoch uint64
	once  sync.Once
}

// Release drops the reference
func (b *StrongBinding) Release() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		b.conn.releaseStrong(b.epoch)
	})
}
