package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned by Call after Stop
var ErrLoopStopped = errors.New("launcher loop stopped")

// Runner accepts tasks for serialized execution
type Runner interface {
	Post(task func())
}

// Loop is a lazily started single-goroutine executor. Every task posted to
// it runs on the same goroutine, in the order it was posted.
type Loop struct {
	name   string
	logger *zap.Logger

	mu       sync.Mutex
	tasks    []func()
	timers   map[*time.Timer]struct{}
	started  bool
	stopped  bool
	notifyCh chan struct{}
	done     chan struct{}
}

// New creates a loop. The goroutine starts with the first posted task.
func New(name string, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		name:     name,
		logger:   logger.With(zap.String("loop", name)),
		timers:   make(map[*time.Timer]struct{}),
		notifyCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Post enqueues a task. It never blocks; tasks posted after Stop are dropped.
func (l *Loop) Post(task func()) {
	l.post(task)
}

// TryPost is Post reporting whether the task was accepted
func (l *Loop) TryPost(task func()) bool {
	return l.post(task)
}

func (l *Loop) post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.logger.Debug("Dropping task posted after stop")
		return false
	}
	l.tasks = append(l.tasks, task)
	if !l.started {
		l.started = true
		go l.run()
	}
	l.mu.Unlock()

	l.notify()
	return true
}

// PostDelayed enqueues a task after d has elapsed
func (l *Loop) PostDelayed(d time.Duration, task func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, timer)
		l.mu.Unlock()
		l.post(task)
	})
	l.timers[timer] = struct{}{}
}

// Call runs fn on the loop and waits for it to finish.
// It must not be called from a task running on the same loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrLoopStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every task posted before the call has run
func (l *Loop) Flush(ctx context.Context) error {
	return l.Call(ctx, func() {})
}

// Stop rejects new tasks, runs the ones already queued and waits for the
// goroutine to exit.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return l.wait(ctx)
	}
	l.stopped = true
	for timer := range l.timers {
		timer.Stop()
	}
	l.timers = nil
	started := l.started
	l.mu.Unlock()

	if !started {
		return nil
	}
	l.notify()
	return l.wait(ctx)
}

func (l *Loop) wait(ctx context.Context) error {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) notify() {
	select {
	case l.notifyCh <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	l.logger.Debug("Launcher loop started")
	defer l.logger.Debug("Launcher loop stopped")

	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.stopped {
			l.mu.Unlock()
			<-l.notifyCh
			l.mu.Lock()
		}
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, task := range batch {
			l.runTask(task)
		}
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Task panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	task()
}
