package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sendflow/internal/dto/req"
	"sendflow/internal/dto/resp"
	"sendflow/internal/metrics"
	"sendflow/internal/model"
	"sendflow/internal/queue"
	"sendflow/internal/repository"
	"sendflow/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskSendEmail is the queue task name every delivery flows through.
const TaskSendEmail = "send-email"

var (
	ErrUnknownSender = errors.New("sender id does not resolve to a known sender")
	// ErrEnqueueFailed means the job row exists but no queue task does.
	// The reconciler picks such rows up later.
	ErrEnqueueFailed = errors.New("job persisted but enqueue failed")
)

// taskPayload is the immutable job snapshot carried through the queue.
// Re-running a retry on the same payload is safe: personalization is pure
// and terminal status writes are guarded.
type taskPayload struct {
	JobID       string             `json:"job_id"`
	SenderID    string             `json:"sender_id"`
	Recipient   string             `json:"recipient"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	HourlyLimit *int               `json:"hourly_limit,omitempty"`
	MinDelayMS  *int64             `json:"min_delay_ms,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

// ScheduleService is the job submission gateway: it validates a request,
// persists the job row, then enqueues the matching task. Row before task,
// always, and under the same id.
type ScheduleService struct {
	jobs    repository.JobInterface
	senders repository.SenderInterface
	q       queue.Queue
	now     func() time.Time
}

func NewScheduleService(jobs repository.JobInterface, senders repository.SenderInterface, q queue.Queue) *ScheduleService {
	return &ScheduleService{
		jobs:    jobs,
		senders: senders,
		q:       q,
		now:     time.Now,
	}
}

func (s *ScheduleService) Schedule(ctx context.Context, r req.ScheduleRequest) (*resp.ScheduleResponse, error) {
	if _, err := s.senders.GetByID(ctx, r.SenderID); err != nil {
		if errors.Is(err, repository.ErrSenderNotFound) {
			return nil, ErrUnknownSender
		}
		return nil, err
	}

	now := s.now()
	scheduledAt := now
	var delay time.Duration
	if r.ScheduledAt != nil {
		scheduledAt = *r.ScheduledAt
		delay = max(0, scheduledAt.Sub(now))
	}

	status := model.StatusPending
	if delay > 0 {
		status = model.StatusDelayed
	}

	job := &model.EmailJob{
		ID:          uuid.New().String(),
		SenderID:    r.SenderID,
		Recipient:   r.Recipient,
		Subject:     r.Subject,
		Body:        r.Body,
		Status:      status,
		ScheduledAt: scheduledAt,
		HourlyLimit: r.HourlyLimit,
		MinDelayMS:  r.MinDelayMS,
	}

	if len(r.Attachments) > 0 {
		raw, err := json.Marshal(r.Attachments)
		if err != nil {
			return nil, fmt.Errorf("encode attachments: %w", err)
		}
		job.Attachments = string(raw)
	}

	// Persist first. A store failure aborts the submission with nothing
	// enqueued.
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	payload, err := json.Marshal(taskPayload{
		JobID:       job.ID,
		SenderID:    r.SenderID,
		Recipient:   r.Recipient,
		Subject:     r.Subject,
		Body:        r.Body,
		HourlyLimit: r.HourlyLimit,
		MinDelayMS:  r.MinDelayMS,
		Attachments: r.Attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	// Task id == job id, so a retried submission cannot double-enqueue.
	taskID, err := s.q.Enqueue(ctx, TaskSendEmail, payload, queue.Options{
		Delay:  delay,
		TaskID: job.ID,
	})
	if err != nil {
		metrics.JobsOrphaned.Inc()
		logger.Error("enqueue failed after persist, job orphaned",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return nil, ErrEnqueueFailed
	}

	if err := s.jobs.SetQueueTaskID(ctx, job.ID, taskID); err != nil {
		// The task is live; the missing back-reference only affects the
		// reconciler, which would harmlessly re-enqueue the same id.
		logger.Warn("failed to write queue task id",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}

	logger.Info("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("sender_id", r.SenderID),
		zap.Duration("delay", delay))

	return &resp.ScheduleResponse{
		Accepted: true,
		JobID:    job.ID,
		Message:  "email scheduled",
	}, nil
}

func (s *ScheduleService) GetJob(ctx context.Context, id string) (*resp.JobDetail, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &resp.JobDetail{EmailJob: *job}
	if sender, err := s.senders.GetByID(ctx, job.SenderID); err == nil {
		detail.Sender = &resp.SenderInfo{
			ID:     sender.ID,
			Email:  sender.Email,
			Name:   sender.Name,
			Avatar: sender.Avatar,
		}
	}
	return detail, nil
}

// ListScheduled returns a sender's jobs, newest scheduled first.
func (s *ScheduleService) ListScheduled(ctx context.Context, senderID string) ([]model.EmailJob, error) {
	return s.jobs.ListBySender(ctx, senderID)
}

// Inbox simulates a recipient mailbox from delivered (or already-due) jobs
// addressed to the given address.
func (s *ScheduleService) Inbox(ctx context.Context, address string) ([]resp.JobDetail, error) {
	jobs, err := s.jobs.ListByRecipient(ctx, address, s.now())
	if err != nil {
		return nil, err
	}

	senders := make(map[string]*resp.SenderInfo)
	items := make([]resp.JobDetail, 0, len(jobs))
	for _, job := range jobs {
		info, ok := senders[job.SenderID]
		if !ok {
			if sender, err := s.senders.GetByID(ctx, job.SenderID); err == nil {
				info = &resp.SenderInfo{
					ID:     sender.ID,
					Email:  sender.Email,
					Name:   sender.Name,
					Avatar: sender.Avatar,
				}
			}
			senders[job.SenderID] = info
		}
		items = append(items, resp.JobDetail{EmailJob: job, Sender: info})
	}
	return items, nil
}
