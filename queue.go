package clicktracker

import (
	"context"
	"sync"
	"time"
)

const (
	defaultTombstoneTTL = time.Hour
	defaultRetryBase    = time.Second
	defaultRetryMax     = 5 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// Task is one deferred unit of work, delivered at least once.
type Task struct {
	Name    string
	Payload []byte
	RunAt   time.Time
	Retries int
}

// TaskHandler processes a delivered task. A non-nil error re-schedules the
// task with the same payload after a backoff.
type TaskHandler func(ctx context.Context, task Task) error

// TaskQueue is a durable deferred task queue deduplicated by task name.
// Submitting a name that is already pending, or that completed within the
// tombstone window, returns ErrTaskExists.
type TaskQueue interface {
	Submit(ctx context.Context, name string, payload []byte, delay time.Duration) error
	OnExecute(handler TaskHandler)
	Start(ctx context.Context)
	Shutdown()
}

// backoffDelay returns the capped exponential delay before retry n.
func backoffDelay(base, max time.Duration, retries int) time.Duration {
	if base <= 0 {
		base = defaultRetryBase
	}
	if max <= 0 {
		max = defaultRetryMax
	}
	delay := base
	for i := 0; i < retries && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

// MemoryQueue is an in-process TaskQueue for tests and single-node
// deployments. It honors the same dedup-by-name contract as the durable
// queues, keeping executed names as tombstones for TombstoneTTL.
type MemoryQueue struct {
	PollInterval time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
	TombstoneTTL time.Duration

	mu       sync.Mutex
	handler  TaskHandler
	pending  map[string]*Task
	order    []string
	inflight map[string]bool
	tombs    map[string]time.Time
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		PollInterval: defaultPollInterval,
		RetryBase:    defaultRetryBase,
		RetryMax:     defaultRetryMax,
		TombstoneTTL: defaultTombstoneTTL,
		pending:      map[string]*Task{},
		inflight:     map[string]bool{},
		tombs:        map[string]time.Time{},
	}
}

// OnExecute registers the handler invoked for delivered tasks.
func (q *MemoryQueue) OnExecute(handler TaskHandler) {
	q.mu.Lock()
	q.handler = handler
	q.mu.Unlock()
}

// Submit schedules a named task after delay. Returns ErrTaskExists when the
// name is pending, executing, or tombstoned.
func (q *MemoryQueue) Submit(_ context.Context, name string, payload []byte, delay time.Duration) error {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.pruneTombsLocked(now)
	if _, ok := q.pending[name]; ok {
		return ErrTaskExists
	}
	if q.inflight[name] {
		return ErrTaskExists
	}
	if _, ok := q.tombs[name]; ok {
		return ErrTaskExists
	}
	q.pending[name] = &Task{
		Name:    name,
		Payload: append([]byte(nil), payload...),
		RunAt:   now.Add(delay),
	}
	q.order = append(q.order, name)
	return nil
}

// Tasks returns a snapshot of pending tasks in submission order.
func (q *MemoryQueue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.pending))
	for _, name := range q.order {
		if task, ok := q.pending[name]; ok {
			out = append(out, *task)
		}
	}
	return out
}

// RunDue executes every pending task whose RunAt is not after now. Failed
// tasks stay pending with an exponentially backed-off RunAt.
func (q *MemoryQueue) RunDue(ctx context.Context, now time.Time) int {
	executed := 0
	for _, task := range q.takeDue(now) {
		if q.runOne(ctx, task, now) {
			executed++
		}
	}
	return executed
}

// Drain executes all pending tasks regardless of their scheduled time,
// including tasks submitted by handlers while draining. It stops once a full
// pass makes no progress, leaving persistently failing tasks pending.
func (q *MemoryQueue) Drain(ctx context.Context) int {
	executed := 0
	for {
		batch := q.takeDue(time.Time{})
		if len(batch) == 0 {
			return executed
		}
		progressed := false
		for _, task := range batch {
			if q.runOne(ctx, task, time.Now()) {
				executed++
				progressed = true
			}
		}
		if !progressed {
			return executed
		}
	}
}

// Start runs a poller goroutine delivering due tasks until Shutdown.
func (q *MemoryQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.stopCh != nil || q.closed {
		q.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	q.stopCh = stopCh
	q.mu.Unlock()

	interval := q.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.RunDue(ctx, time.Now())
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the poller. Pending tasks are kept but no longer delivered.
func (q *MemoryQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	stopCh := q.stopCh
	q.stopCh = nil
	q.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	q.wg.Wait()
}

// takeDue claims tasks due at cutoff; a zero cutoff claims everything.
// Claimed names stay reserved via inflight so Submit keeps deduplicating
// them while their handler runs.
func (q *MemoryQueue) takeDue(cutoff time.Time) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.pending))
	remaining := make([]string, 0, len(q.order))
	for _, name := range q.order {
		task, ok := q.pending[name]
		if !ok {
			continue
		}
		if !cutoff.IsZero() && task.RunAt.After(cutoff) {
			remaining = append(remaining, name)
			continue
		}
		out = append(out, *task)
		delete(q.pending, name)
		q.inflight[name] = true
	}
	q.order = remaining
	return out
}

// runOne reports whether the task completed; failures are re-queued.
func (q *MemoryQueue) runOne(ctx context.Context, task Task, now time.Time) bool {
	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()
	if handler == nil {
		q.requeue(task)
		return false
	}

	if err := handler(ctx, task); err != nil {
		task.Retries++
		task.RunAt = now.Add(backoffDelay(q.RetryBase, q.RetryMax, task.Retries))
		q.requeue(task)
		return false
	}

	q.mu.Lock()
	delete(q.inflight, task.Name)
	q.tombs[task.Name] = now
	q.mu.Unlock()
	return true
}

// requeue puts a failed task back in pending. The inflight reservation made
// in takeDue guarantees the name cannot have been resubmitted meanwhile, so
// the failed payload is never lost to a collision.
func (q *MemoryQueue) requeue(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, task.Name)
	q.pending[task.Name] = &task
	q.order = append(q.order, task.Name)
}

func (q *MemoryQueue) pruneTombsLocked(now time.Time) {
	ttl := q.TombstoneTTL
	if ttl <= 0 {
		ttl = defaultTombstoneTTL
	}
	for name, at := range q.tombs {
		if now.Sub(at) > ttl {
			delete(q.tombs, name)
		}
	}
}
