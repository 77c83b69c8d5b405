package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue satisfies the Queue contract in-process: timers arm tasks at
// their ready time and a slot pool consumes them. It backs tests and
// single-node development; durability is the Redis implementation's job.
type MemoryQueue struct {
	mu      sync.Mutex
	tasks   map[string]*memTask
	ready   chan *memTask
	workers map[string]registration

	maxAttempts int
	retryDelay  time.Duration
}

type memTask struct {
	id      string
	name    string
	payload []byte
	attempt int
	timer   *time.Timer
	done    bool
}

func NewMemoryQueue(maxAttempts int, retryDelay time.Duration) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 10 * time.Millisecond
	}
	return &MemoryQueue{
		tasks:       make(map[string]*memTask),
		ready:       make(chan *memTask, 256),
		workers:     make(map[string]registration),
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, taskName string, payload []byte, opts Options) (string, error) {
	id := opts.TaskID
	if id == "" {
		id = uuid.New().String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[id]; exists {
		// Same id already scheduled: idempotent no-op.
		return id, nil
	}

	t := &memTask{id: id, name: taskName, payload: payload}
	q.tasks[id] = t
	q.arm(t, opts.Delay)
	return id, nil
}

// arm schedules delivery no earlier than delay from now. Callers hold q.mu.
func (q *MemoryQueue) arm(t *memTask, delay time.Duration) {
	fire := func() {
		q.mu.Lock()
		if t.done {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		q.ready <- t
	}
	if delay <= 0 {
		go fire()
		return
	}
	t.timer = time.AfterFunc(delay, fire)
}

func (q *MemoryQueue) RegisterWorker(taskName string, h Handler, opts WorkerOptions) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	q.mu.Lock()
	q.workers[taskName] = registration{handler: h, opts: opts}
	q.mu.Unlock()
}

func (q *MemoryQueue) Run(ctx context.Context) {
	q.mu.Lock()
	regs := make(map[string]registration, len(q.workers))
	for name, reg := range q.workers {
		regs[name] = reg
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, reg := range regs {
		for i := 0; i < reg.opts.Concurrency; i++ {
			wg.Add(1)
			go func(reg registration) {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case t := <-q.ready:
						q.execute(ctx, t)
					}
				}
			}(reg)
		}
	}
	wg.Wait()
}

func (q *MemoryQueue) execute(ctx context.Context, t *memTask) {
	q.mu.Lock()
	reg, ok := q.workers[t.name]
	q.mu.Unlock()
	if !ok {
		return
	}

	task := &Task{ID: t.id, Name: t.name, Payload: t.payload, Attempt: t.attempt}
	err := reg.handler(ctx, task)

	q.mu.Lock()
	defer q.mu.Unlock()

	if at, rescheduled := task.Rescheduled(); rescheduled {
		q.arm(t, time.Until(at))
		return
	}

	if err == nil {
		t.done = true
		delete(q.tasks, t.id)
		if reg.opts.OnCompleted != nil {
			go reg.opts.OnCompleted(task)
		}
		return
	}

	t.attempt++
	if t.attempt >= q.maxAttempts {
		t.done = true
		delete(q.tasks, t.id)
	} else {
		q.arm(t, q.retryDelay)
	}
	if reg.opts.OnFailed != nil {
		go reg.opts.OnFailed(task, err)
	}
}

func (q *MemoryQueue) Depth(_ context.Context, taskName string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, t := range q.tasks {
		if t.name == taskName {
			n++
		}
	}
	return n, nil
}
