package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sendflow/internal/config"
	"sendflow/internal/mailer"
	"sendflow/internal/metrics"
	"sendflow/internal/personalize"
	"sendflow/internal/queue"
	"sendflow/internal/ratelimit"
	"sendflow/internal/repository"
	"sendflow/pkg/logger"

	"go.uber.org/zap"
)

// Dispatcher turns a ready queue task into one delivery attempt. Per
// execution: resolve the effective hourly limit, consult the rate limiter
// (defer on exhaustion), resolve the sender identity, personalize, hand the
// message to the transport, write the terminal status, then hold the slot
// through the post-send throttle.
type Dispatcher struct {
	jobs      repository.JobInterface
	senders   repository.SenderInterface
	limiter   ratelimit.Limiter
	transport mailer.Transport
	cfg       config.DispatchConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func NewDispatcher(jobs repository.JobInterface, senders repository.SenderInterface, limiter ratelimit.Limiter, transport mailer.Transport, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		jobs:      jobs,
		senders:   senders,
		limiter:   limiter,
		transport: transport,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Handle implements the queue handler for send-email tasks.
func (d *Dispatcher) Handle(ctx context.Context, task *queue.Task) error {
	var p taskPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		// Corrupt payload cannot make progress; fail the job and let the
		// attempt budget run out.
		logger.Error("undecodable task payload", zap.String("task_id", task.ID), zap.Error(err))
		if merr := d.jobs.MarkFailed(ctx, task.ID, "undecodable payload"); merr != nil && !errors.Is(merr, repository.ErrJobTerminal) {
			logger.Error("failed to mark job failed", zap.String("job_id", task.ID), zap.Error(merr))
		}
		return fmt.Errorf("decode payload: %w", err)
	}

	limit := d.cfg.MaxPerHour
	if p.HourlyLimit != nil && *p.HourlyLimit > 0 {
		limit = *p.HourlyLimit
	}

	now := d.now()
	allowed, count, err := d.limiter.Check(ctx, p.SenderID, limit, now)
	if err != nil {
		// Counter unreadable: surrender the execution, the queue retries.
		return err
	}
	if !allowed {
		// Quota exhausted for this bucket. Defer to the exact top of the
		// next hour; no delivery attempt, no status change, no quota spent.
		next := ratelimit.NextHourBoundary(now)
		task.RescheduleAt(next)
		metrics.EmailsDeferred.Inc()
		logger.Info("rate limit reached, rescheduling",
			zap.String("job_id", p.JobID),
			zap.String("sender_id", p.SenderID),
			zap.Int("limit", limit),
			zap.Int64("count", count),
			zap.Time("next_attempt", next))
		return nil
	}

	fromName := d.cfg.DefaultFromName
	fromAddr := d.cfg.DefaultFromAddr
	if sender, serr := d.senders.GetByID(ctx, p.SenderID); serr == nil {
		if sender.Name != "" {
			fromName = sender.Name
		}
		if sender.Email != "" {
			fromAddr = sender.Email
		}
	} else if !errors.Is(serr, repository.ErrSenderNotFound) {
		return serr
	}

	subject, body := personalize.Render(p.Subject, p.Body, p.Recipient, p.JobID)

	start := d.now()
	receipt, err := d.transport.Send(ctx, &mailer.Message{
		To:          p.Recipient,
		Subject:     subject,
		HTMLBody:    body,
		FromName:    fromName,
		FromAddr:    fromAddr,
		Attachments: p.Attachments,
	})
	metrics.DeliveryDuration.Observe(d.now().Sub(start).Seconds())

	if err != nil {
		metrics.EmailsFailed.Inc()
		logger.Error("email send failed",
			zap.String("job_id", p.JobID),
			zap.String("to", p.Recipient),
			zap.Error(err))
		if merr := d.jobs.MarkFailed(ctx, p.JobID, err.Error()); merr != nil && !errors.Is(merr, repository.ErrJobTerminal) {
			logger.Error("failed to mark job failed", zap.String("job_id", p.JobID), zap.Error(merr))
		}
		// Propagate so the queue's retry policy governs further attempts.
		return err
	}

	sentAt := d.now()

	// Quota tracks confirmed deliveries: every send the transport confirmed
	// is charged, including a redelivery of an already-terminal job. Failed
	// or deferred attempts never reach this point.
	if cerr := d.limiter.Commit(ctx, p.SenderID, sentAt); cerr != nil {
		logger.Error("rate limit commit failed", zap.String("sender_id", p.SenderID), zap.Error(cerr))
	}

	merr := d.jobs.MarkCompleted(ctx, p.JobID, sentAt, receipt.MessageID, receipt.PreviewURL)
	switch {
	case errors.Is(merr, repository.ErrJobTerminal):
		// A redelivery whose earlier execution already wrote the terminal
		// status. The duplicate send is the accepted at-least-once
		// trade-off; the row keeps its first outcome.
		logger.Warn("duplicate delivery for already-terminal job", zap.String("job_id", p.JobID))
	case merr != nil:
		logger.Error("failed to mark job completed", zap.String("job_id", p.JobID), zap.Error(merr))
	}

	metrics.EmailsSent.Inc()
	logger.Info("email sent",
		zap.String("job_id", p.JobID),
		zap.String("to", p.Recipient),
		zap.String("message_id", receipt.MessageID))

	// Hold this slot through the provider throttle before it claims the
	// next job.
	d.sleep(ctx, d.throttleDelay(p.MinDelayMS))
	return nil
}

func (d *Dispatcher) throttleDelay(minDelayMS *int64) time.Duration {
	delay := d.cfg.MinSendDelay
	if minDelayMS != nil {
		if override := time.Duration(*minDelayMS) * time.Millisecond; override > delay {
			delay = override
		}
	}
	return delay
}
