package loop

import "sync"

// Manual is a Runner that queues tasks until RunPending is called.
// It gives tests full control over interleavings.
type Manual struct {
	mu    sync.Mutex
	tasks []func()
}

// NewManual creates an empty manual runner
func NewManual() *Manual {
	return &Manual{}
}

// Post queues a task
func (m *Manual) Post(task func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
}

// Len returns the number of queued tasks
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// RunPending runs queued tasks, including ones posted while running,
// until the queue is empty. Returns the number of tasks run.
func (m *Manual) RunPending() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return ran
		}
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.mu.Unlock()

		task()
		ran++
	}
}
