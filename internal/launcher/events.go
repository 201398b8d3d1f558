package launcher

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/shared/id"
)

// EventType names a worker lifecycle event
type EventType string

const (
	EventLaunched     EventType = "worker.launched"
	EventLaunchFailed EventType = "worker.launch_failed"
	EventStopped      EventType = "worker.stopped"
	EventDied         EventType = "worker.died"
	EventPriority     EventType = "worker.priority"
	EventForeground   EventType = "app.foreground"
	EventBackground   EventType = "app.background"
	EventTrim         EventType = "memory.trim"
	EventSpare        EventType = "spare.warmed"
)

// Event is one entry on the bus
type Event struct {
	Type   EventType      `json:"type"`
	ID     id.LaunchID    `json:"id,omitempty"`
	Pid    int            `json:"pid,omitempty"`
	Time   time.Time      `json:"time"`
	Detail map[string]any `json:"detail,omitempty"`
}

const defaultSubscriberBuffer = 64

// Bus fans events out to subscribers without ever blocking the publisher.
// A subscriber that falls behind misses events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan Event
	buffer  int
	closed  bool
	dropped uint64
}

// NewBus creates a bus whose subscribers buffer up to buffer events
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{
		subs:   make(map[string]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber under key. The returned cancel func
// unsubscribes and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(key string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if old, ok := b.subs[key]; ok {
		close(old)
	}
	b.subs[key] = ch

	return ch, func() { b.unsubscribe(key, ch) }
}

func (b *Bus) unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.subs[key]; ok && cur == ch {
		delete(b.subs, key)
		close(ch)
	}
}

// Publish delivers e to every subscriber with room for it
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the number of subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes every subscriber channel; later subscriptions get a closed
// channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for key, ch := range b.subs {
		close(ch)
		delete(b.subs, key)
	}
}
