package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"sendflow/internal/config"
	"sendflow/internal/mailer"
	"sendflow/internal/model"
	"sendflow/internal/queue"
	"sendflow/internal/ratelimit"
)

var testDispatchCfg = config.DispatchConfig{
	MaxPerHour:      10,
	MinSendDelay:    2 * time.Second,
	DefaultFromName: "SendFlow",
	DefaultFromAddr: "no-reply@sendflow.dev",
}

type dispatchFixture struct {
	d       *Dispatcher
	jobs    *fakeJobStore
	limiter *fakeLimiter
	tr      *fakeTransport
	slept   []time.Duration
	now     time.Time
}

func newDispatchFixture(senders ...*model.Sender) *dispatchFixture {
	f := &dispatchFixture{
		jobs:    newFakeJobStore(),
		limiter: &fakeLimiter{allowed: true},
		tr:      &fakeTransport{receipt: mailer.Receipt{MessageID: "<mid@test>", PreviewURL: "https://preview/1"}},
		now:     time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}
	f.d = NewDispatcher(f.jobs, newFakeSenderStore(senders...), f.limiter, f.tr, testDispatchCfg)
	f.d.now = func() time.Time { return f.now }
	f.d.sleep = func(ctx context.Context, d time.Duration) { f.slept = append(f.slept, d) }
	return f
}

func (f *dispatchFixture) seedJob(id string) {
	f.jobs.jobs[id] = &model.EmailJob{
		ID: id, SenderID: "s1", Recipient: "bob@example.com",
		Status: model.StatusPending, ScheduledAt: f.now,
	}
}

func sendTask(t *testing.T, id string, p taskPayload) *queue.Task {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return &queue.Task{ID: id, Name: TaskSendEmail, Payload: raw}
}

func TestDispatch_SuccessfulDelivery(t *testing.T) {
	f := newDispatchFixture(&model.Sender{ID: "s1", Email: "alice@example.com", Name: "Alice"})
	f.seedJob("job-1")

	task := sendTask(t, "job-1", taskPayload{
		JobID: "job-1", SenderID: "s1", Recipient: "Bob <bob@example.com>",
		Subject: "Hi {{name}}", Body: "Hello {{name}}",
	})
	if err := f.d.Handle(context.Background(), task); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	job := f.jobs.get("job-1")
	if job.Status != model.StatusCompleted {
		t.Errorf("status = %s, want %s", job.Status, model.StatusCompleted)
	}
	if job.MessageID != "<mid@test>" || job.PreviewURL != "https://preview/1" {
		t.Errorf("receipt not recorded: %+v", job)
	}
	if job.SentAt == nil || !job.SentAt.Equal(f.now) {
		t.Errorf("sent_at = %v, want %v", job.SentAt, f.now)
	}

	if f.limiter.commits != 1 {
		t.Errorf("limiter commits = %d, want 1", f.limiter.commits)
	}
	if len(f.tr.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.tr.sent))
	}
	msg := f.tr.sent[0]
	if msg.Subject != "Hi Bob | JOB-1" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.HTMLBody != "Hello Bob" {
		t.Errorf("body = %q", msg.HTMLBody)
	}
	if msg.FromName != "Alice" || msg.FromAddr != "alice@example.com" {
		t.Errorf("from = %q <%q>", msg.FromName, msg.FromAddr)
	}

	if len(f.slept) != 1 || f.slept[0] != 2*time.Second {
		t.Errorf("throttle sleep = %v, want [2s]", f.slept)
	}
}

func TestDispatch_RateLimitedDefersToNextHour(t *testing.T) {
	f := newDispatchFixture(&model.Sender{ID: "s1", Email: "alice@example.com"})
	f.seedJob("job-1")
	f.limiter.allowed = false
	f.limiter.count = 10

	task := sendTask(t, "job-1", taskPayload{
		JobID: "job-1", SenderID: "s1", Recipient: "bob@example.com",
		Subject: "x", Body: "x",
	})
	if err := f.d.Handle(context.Background(), task); err != nil {
		t.Fatalf("Handle returned error, want nil with reschedule: %v", err)
	}

	at, ok := task.Rescheduled()
	if !ok {
		t.Fatal("task was not rescheduled")
	}
	want := ratelimit.NextHourBoundary(f.now)
	if !at.Equal(want) {
		t.Errorf("rescheduled at %v, want %v", at, want)
	}
	if at.Minute() != 0 || at.Second() != 0 {
		t.Errorf("defer target not a clean hour boundary: %v", at)
	}

	if len(f.tr.sent) != 0 {
		t.Error("delivery attempted while over limit")
	}
	if f.limiter.commits != 0 {
		t.Error("quota consumed on a deferred task")
	}
	if got := f.jobs.get("job-1").Status; got != model.StatusPending {
		t.Errorf("status changed to %s on defer", got)
	}
}

func TestDispatch_LimiterErrorSurrendersToQueue(t *testing.T) {
	f := newDispatchFixture(&model.Sender{ID: "s1", Email: "alice@example.com"})
	f.seedJob("job-1")
	f.limiter.checkErr = errBoom

	task := sendTask(t, "job-1", taskPayload{
		JobID: "job-1", SenderID: "s1", Recipient: "bob@example.com",
		Subject: "x", Body: "x",
	})
	if err := f.d.Handle(context.Background(), task); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want limiter error", err)
	}
	if len(f.tr.sent) != 0 {
		t.Error("delivery attempted with unreadable counter")
	}
	if got := f.jobs.get("job-1").Status; got.Terminal() {
		t.Errorf("terminal status %s written on limiter error", got)
	}
}

func TestDispatch_TransportFailureMarksFailed(t *testing.T) {
	f := newDispatchFixture(&model.Sender{ID: "s1", Email: "alice@example.com"})
	f.seedJob("job-1")
	f.tr.sendErr = errors.New("smtp send: connection refused")

	task := sendTask(t, "job-1", taskPayload{
		JobID: "job-1", SenderID: "s1", Recipient: "bob@example.com",
		Subject: "x", Body: "x",
	})
	err := f.d.Handle(context.Background(), task)
	if err == nil {
		t.Fatal("expected transport error to propagate")
	}

	job := f.jobs.get("job-1")
	if job.Status != model.StatusFailed {
		t.Errorf("status = %s, want %s", job.Status, model.StatusFailed)
	}
	if !strings.Contains(job.LastError, "connection refused") {
		t.Errorf("last_error = %q", job.LastError)
	}
	if f.limiter.commits != 0 {
		t.Error("quota consumed on failed delivery")
	}
	if len(f.slept) != 0 {
		t.Error("throttle applied after a failed delivery")
	}
}

func TestDispatch_DuplicateDeliveryKeepsFirstOutcome(t *testing.T) {
	f := newDispatchFixture(&model.Sender{ID: "s1", Email: "alice@example.com"})
	f.seedJob("job-1")
	f.jobs.jobs["job-1"].Status = model.StatusCompleted

	task := sendTask(t, "job-1", taskPayload{
		JobID: "job-1", SenderID: "s1", Recipient: "bob@example.com",
		Subject: "x", Body: "x",
	})
	if err := f.d.Handle(context.Background(), task); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	// The duplicate went out over the wire, so it consumes quota like any
	// confirmed delivery.
	if f.limiter.commits != 1 {
		t.Errorf("limiter commits = %d, want 1 for duplicate delivery", f.limiter.commits)
	}
	if got := f.jobs.get("job-1").Status; got != model.StatusCompleted {
		t.Errorf("status = %s, first outcome must stand", got)
	}
}

func TestDispatch_RetryAfterFailedWriteChargesQuota(t *testing.T) {
	// A job marked FAILED by an earlier attempt can still be retried by the
	// queue. When that retry delivers, the send is real and the bucket is
	// charged, but the terminal status stays FAILED.
	f := newDispatchFixture(&model.Sender{ID: "s1", Email: "alice@example.com"})
	f.seedJob("job-1")
	f.jobs.jobs["job-1"].Status = model.StatusFailed

	task := sendTask(t, "job-1", taskPayload{
		JobID: "job-1", SenderID: "s1", Recipient: "bob@example.com",
		Subject: "x", Body: "x",
	})
	if err := f.d.Handle(context.Background(), task); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(f.tr.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.tr.sent))
	}
	if f.limiter.commits != 1 {
		t.Errorf("limiter commits = %d, want 1 for a confirmed delivery", f.limiter.commits)
	}
	job := f.jobs.get("job-1")
	if job.Status != model.StatusFailed {
		t.Errorf("status = %s, terminal status must not flip", job.Status)
	}
	if job.SentAt != nil {
		t.Errorf("sent_at written on a terminal row: %v", job.SentAt)
	}
}

func TestDispatch_UnknownSenderFallsBackToDefaults(t *testing.T) {
	f := newDispatchFixture()
	f.seedJob("job-1")

	task := sendTask(t, "job-1", taskPayload{
		JobID: "job-1", SenderID: "gone", Recipient: "bob@example.com",
		Subject: "x", Body: "x",
	})
	if err := f.d.Handle(context.Background(), task); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	msg := f.tr.sent[0]
	if msg.FromName != "SendFlow" || msg.FromAddr != "no-reply@sendflow.dev" {
		t.Errorf("from = %q <%q>, want configured defaults", msg.FromName, msg.FromAddr)
	}
}

func TestDispatch_CorruptPayloadFailsJob(t *testing.T) {
	f := newDispatchFixture()
	f.seedJob("job-1")

	task := &queue.Task{ID: "job-1", Name: TaskSendEmail, Payload: []byte("{not json")}
	if err := f.d.Handle(context.Background(), task); err == nil {
		t.Fatal("expected error for corrupt payload")
	}
	if got := f.jobs.get("job-1").Status; got != model.StatusFailed {
		t.Errorf("status = %s, want %s", got, model.StatusFailed)
	}
}

func TestDispatch_PayloadLimitOverridesConfig(t *testing.T) {
	f := newDispatchFixture(&model.Sender{ID: "s1", Email: "alice@example.com"})
	f.seedJob("job-1")

	limit := 1
	task := sendTask(t, "job-1", taskPayload{
		JobID: "job-1", SenderID: "s1", Recipient: "bob@example.com",
		Subject: "x", Body: "x", HourlyLimit: &limit,
	})
	if err := f.d.Handle(context.Background(), task); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	// The fake records checks; the override path is what matters here, the
	// effective limit is validated through throttleDelay below and the
	// limiter seeing exactly one check.
	if f.limiter.checks != 1 {
		t.Errorf("limiter checks = %d, want 1", f.limiter.checks)
	}
}

func TestDispatch_HourlyQuotaAcrossQueue(t *testing.T) {
	// Eleven jobs for one sender with limit 10, driven through a real queue:
	// ten must complete, the eleventh must sit deferred.
	f := newDispatchFixture(&model.Sender{ID: "s1", Email: "alice@example.com"})
	f.limiter.enforce = true

	q := queue.NewMemoryQueue(3, 5*time.Millisecond)
	q.RegisterWorker(TaskSendEmail, f.d.Handle, queue.WorkerOptions{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	for i := 1; i <= 11; i++ {
		id := fmt.Sprintf("job-%02d", i)
		f.seedJob(id)
		raw, err := json.Marshal(taskPayload{
			JobID: id, SenderID: "s1", Recipient: "bob@example.com",
			Subject: "x", Body: "x",
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := q.Enqueue(ctx, TaskSendEmail, raw, queue.Options{TaskID: id}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		depth, _ := q.Depth(ctx, TaskSendEmail)
		if f.limiter.committed() == 10 && depth == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var completed, pending int
	for i := 1; i <= 11; i++ {
		switch f.jobs.get(fmt.Sprintf("job-%02d", i)).Status {
		case model.StatusCompleted:
			completed++
		case model.StatusPending:
			pending++
		}
	}
	if completed != 10 {
		t.Errorf("completed = %d, want 10", completed)
	}
	if pending != 1 {
		t.Errorf("pending (deferred) = %d, want 1", pending)
	}
	if got := f.limiter.committed(); got != 10 {
		t.Errorf("bucket count = %d, want 10", got)
	}
}

func TestThrottleDelay(t *testing.T) {
	f := newDispatchFixture()

	if got := f.d.throttleDelay(nil); got != 2*time.Second {
		t.Errorf("default throttle = %v, want 2s", got)
	}

	longer := int64(5000)
	if got := f.d.throttleDelay(&longer); got != 5*time.Second {
		t.Errorf("override throttle = %v, want 5s", got)
	}

	shorter := int64(500)
	if got := f.d.throttleDelay(&shorter); got != 2*time.Second {
		t.Errorf("floor throttle = %v, want 2s (config floor wins)", got)
	}
}
