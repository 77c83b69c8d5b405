// Package queue provides delayed, at-least-once task delivery. A task keyed
// by the caller's id becomes visible once its delay expires, is leased to
// exactly one executing worker at a time, and is re-delivered if the worker
// fails or its lease runs out. Delivery is at-least-once: a handler that
// succeeded without acknowledging may run again.
package queue

import (
	"context"
	"errors"
	"time"
)

var ErrNotRunning = errors.New("queue is not running")

// Options controls a single enqueue.
type Options struct {
	// Delay postpones visibility. Zero or negative means immediately ready.
	Delay time.Duration
	// TaskID pins the task key. Enqueueing an id that is already scheduled
	// is a no-op, which makes submission retries idempotent. Empty means
	// the queue picks an id.
	TaskID string
}

// Task is one leased execution handed to a handler.
type Task struct {
	ID      string
	Name    string
	Payload []byte
	// Attempt counts failed executions so far (0 on the first run).
	Attempt int

	rescheduleAt *time.Time
}

// RescheduleAt asks the queue to put this task back with a new ready time
// instead of completing or failing it. The attempt counter is not consumed;
// rescheduling is control flow, not an error.
func (t *Task) RescheduleAt(at time.Time) {
	t.rescheduleAt = &at
}

// Rescheduled reports the defer target, if the handler set one.
func (t *Task) Rescheduled() (time.Time, bool) {
	if t.rescheduleAt == nil {
		return time.Time{}, false
	}
	return *t.rescheduleAt, true
}

// Handler processes one task. A returned error surrenders the execution to
// the queue's retry policy; after the attempt budget is spent the task is
// dead-lettered.
type Handler func(ctx context.Context, task *Task) error

// WorkerOptions configures the consuming pool for one task name.
type WorkerOptions struct {
	// Concurrency is the number of execution slots. Each slot runs one task
	// to completion before claiming another.
	Concurrency int
	// PerSecondCap throttles claims across the whole pool. Zero disables it.
	PerSecondCap int
	// OnCompleted and OnFailed are observability hooks; both may be nil.
	OnCompleted func(task *Task)
	OnFailed    func(task *Task, err error)
}

// Queue is the durable queue contract the submission gateway and dispatch
// pipeline are written against.
type Queue interface {
	// Enqueue schedules payload under taskName and returns the task id.
	Enqueue(ctx context.Context, taskName string, payload []byte, opts Options) (string, error)
	// RegisterWorker binds a handler pool to a task name. Must be called
	// before Run.
	RegisterWorker(taskName string, h Handler, opts WorkerOptions)
	// Run consumes until ctx is cancelled, then drains in-flight executions.
	Run(ctx context.Context)
	// Depth reports scheduled plus in-flight tasks for a task name.
	Depth(ctx context.Context, taskName string) (int64, error)
}
