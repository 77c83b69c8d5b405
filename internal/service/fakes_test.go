package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"sendflow/internal/mailer"
	"sendflow/internal/model"
	"sendflow/internal/queue"
	"sendflow/internal/repository"
	"sendflow/pkg/logger"

	"gorm.io/gorm"
)

func init() {
	logger.InitLogger("test")
}

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.EmailJob

	createErr    error
	markErr      error
	createdOrder []string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*model.EmailJob)}
}

func (f *fakeJobStore) Create(ctx context.Context, job *model.EmailJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *job
	f.jobs[job.ID] = &cp
	f.createdOrder = append(f.createdOrder, job.ID)
	return nil
}

func (f *fakeJobStore) GetByID(ctx context.Context, id string) (*model.EmailJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) SetQueueTaskID(ctx context.Context, id, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.QueueTaskID = taskID
	}
	return nil
}

func (f *fakeJobStore) MarkCompleted(ctx context.Context, id string, sentAt time.Time, messageID, previewURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	job, ok := f.jobs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if job.Status.Terminal() {
		return repository.ErrJobTerminal
	}
	job.Status = model.StatusCompleted
	job.SentAt = &sentAt
	job.MessageID = messageID
	job.PreviewURL = previewURL
	return nil
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	job, ok := f.jobs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if job.Status.Terminal() {
		return repository.ErrJobTerminal
	}
	job.Status = model.StatusFailed
	job.LastError = errMsg
	return nil
}

func (f *fakeJobStore) ListBySender(ctx context.Context, senderID string) ([]model.EmailJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EmailJob
	for _, job := range f.jobs {
		if job.SenderID == senderID {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ListByRecipient(ctx context.Context, address string, now time.Time) ([]model.EmailJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EmailJob
	for _, job := range f.jobs {
		if job.Recipient != address {
			continue
		}
		if job.Status == model.StatusCompleted || (!job.Status.Terminal() && !job.ScheduledAt.After(now)) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]model.EmailJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EmailJob
	for _, job := range f.jobs {
		if job.QueueTaskID == "" && !job.Status.Terminal() && job.CreatedAt.Before(olderThan) {
			out = append(out, *job)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeJobStore) PingContext(ctx context.Context) error { return nil }

func (f *fakeJobStore) WithTx(tx *gorm.DB) repository.JobInterface { return f }

func (f *fakeJobStore) get(id string) *model.EmailJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

type fakeSenderStore struct {
	senders map[string]*model.Sender
}

func newFakeSenderStore(senders ...*model.Sender) *fakeSenderStore {
	f := &fakeSenderStore{senders: make(map[string]*model.Sender)}
	for _, s := range senders {
		f.senders[s.ID] = s
	}
	return f
}

func (f *fakeSenderStore) GetByID(ctx context.Context, id string) (*model.Sender, error) {
	if s, ok := f.senders[id]; ok {
		return s, nil
	}
	return nil, repository.ErrSenderNotFound
}

func (f *fakeSenderStore) GetByEmail(ctx context.Context, email string) (*model.Sender, error) {
	for _, s := range f.senders {
		if s.Email == email {
			return s, nil
		}
	}
	return nil, repository.ErrSenderNotFound
}

func (f *fakeSenderStore) Upsert(ctx context.Context, email, name, avatar string) (*model.Sender, error) {
	if s, err := f.GetByEmail(ctx, email); err == nil {
		s.Name = name
		s.Avatar = avatar
		return s, nil
	}
	s := &model.Sender{ID: "sender-" + email, Email: email, Name: name, Avatar: avatar}
	f.senders[s.ID] = s
	return s, nil
}

type enqueuedTask struct {
	Name    string
	Payload []byte
	Opts    queue.Options
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []enqueuedTask
	enqueueErr error
}

func (f *fakeQueue) Enqueue(ctx context.Context, taskName string, payload []byte, opts queue.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, enqueuedTask{Name: taskName, Payload: payload, Opts: opts})
	return opts.TaskID, nil
}

func (f *fakeQueue) RegisterWorker(taskName string, h queue.Handler, opts queue.WorkerOptions) {}

func (f *fakeQueue) Run(ctx context.Context) {}

func (f *fakeQueue) Depth(ctx context.Context, taskName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.enqueued)), nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	allowed  bool
	count    int64
	checkErr error
	// enforce makes Check compare count against limit instead of returning
	// the canned allowed value.
	enforce bool

	checks  int
	commits int
}

func (f *fakeLimiter) Check(ctx context.Context, senderID string, limit int, now time.Time) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.checkErr != nil {
		return false, 0, f.checkErr
	}
	if f.enforce {
		return f.count < int64(limit), f.count, nil
	}
	return f.allowed, f.count, nil
}

func (f *fakeLimiter) committed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *fakeLimiter) Commit(ctx context.Context, senderID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	f.count++
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	sendErr error
	sent    []*mailer.Message
	receipt mailer.Receipt
}

func (f *fakeTransport) Send(ctx context.Context, msg *mailer.Message) (*mailer.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, msg)
	r := f.receipt
	return &r, nil
}

var errBoom = errors.New("boom")
