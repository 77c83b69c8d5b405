package service

import (
	"context"
	"encoding/json"
	"time"

	"sendflow/internal/metrics"
	"sendflow/internal/model"
	"sendflow/internal/queue"
	"sendflow/internal/repository"
	"sendflow/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

type ReconcilerConfig struct {
	Interval time.Duration
	// Grace keeps freshly persisted rows out of the sweep: the gateway may
	// still be between persist and enqueue.
	Grace     time.Duration
	BatchSize int
}

// Reconciler sweeps up orphans: job rows that were persisted but never got
// a queue task because the enqueue after persist failed. It re-enqueues
// them under the job id, which is a no-op for anything already scheduled.
type Reconciler struct {
	etcdClient *clientv3.Client
	jobs       repository.JobInterface
	q          queue.Queue
	cfg        ReconcilerConfig
}

func NewReconciler(client *clientv3.Client, jobs repository.JobInterface, q queue.Queue, cfg ReconcilerConfig) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		etcdClient: client,
		jobs:       jobs,
		q:          q,
		cfg:        cfg,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Session for distributed lock, tightly coupled with a lease
	session, err := concurrency.NewSession(r.etcdClient, concurrency.WithTTL(10))
	if err != nil {
		logger.Error("failed to create etcd concurrency session", zap.Error(err))
		return
	}
	defer session.Close()

	mutex := concurrency.NewMutex(session, "/locks/job-reconciler")

	logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := mutex.Lock(lockCtx)
			cancel()

			if err != nil {
				if err == context.DeadlineExceeded {
					logger.Debug("reconciliation skipped, another instance holds the lock")
				} else {
					logger.Error("failed to acquire reconciliation lock", zap.Error(err))
				}
				continue
			}

			r.reconcile(ctx)

			if err := mutex.Unlock(context.Background()); err != nil {
				logger.Warn("failed to release reconciliation lock", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.Grace)
	orphans, err := r.jobs.ListOrphans(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		logger.Error("recon: failed to list orphaned jobs", zap.Error(err))
		return
	}
	if len(orphans) == 0 {
		return
	}

	logger.Warn("recon: found orphaned jobs", zap.Int("count", len(orphans)))

	for _, job := range orphans {
		if err := r.requeue(ctx, &job); err != nil {
			logger.Error("recon: requeue failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		metrics.JobsReconciled.Inc()
		logger.Info("recon: job re-enqueued", zap.String("job_id", job.ID))
	}
}

func (r *Reconciler) requeue(ctx context.Context, job *model.EmailJob) error {
	p := taskPayload{
		JobID:       job.ID,
		SenderID:    job.SenderID,
		Recipient:   job.Recipient,
		Subject:     job.Subject,
		Body:        job.Body,
		HourlyLimit: job.HourlyLimit,
		MinDelayMS:  job.MinDelayMS,
	}
	if job.Attachments != "" {
		if err := json.Unmarshal([]byte(job.Attachments), &p.Attachments); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}

	taskID, err := r.q.Enqueue(ctx, TaskSendEmail, payload, queue.Options{
		Delay:  max(0, time.Until(job.ScheduledAt)),
		TaskID: job.ID,
	})
	if err != nil {
		return err
	}
	return r.jobs.SetQueueTaskID(ctx, job.ID, taskID)
}
