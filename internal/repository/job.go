package repository

import (
	"context"
	"errors"
	"time"

	"sendflow/internal/model"

	"gorm.io/gorm"
)

// ErrJobTerminal is returned when a terminal write targets a row that
// already reached COMPLETED or FAILED. Status is monotonic.
var ErrJobTerminal = errors.New("job already in terminal status")

// JobInterface defines the persistence contract for email job rows.
type JobInterface interface {
	Create(ctx context.Context, job *model.EmailJob) error
	GetByID(ctx context.Context, id string) (*model.EmailJob, error)
	SetQueueTaskID(ctx context.Context, id, taskID string) error
	MarkCompleted(ctx context.Context, id string, sentAt time.Time, messageID, previewURL string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	ListBySender(ctx context.Context, senderID string) ([]model.EmailJob, error)
	ListByRecipient(ctx context.Context, address string, now time.Time) ([]model.EmailJob, error)
	ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]model.EmailJob, error)
	PingContext(ctx context.Context) error
	WithTx(tx *gorm.DB) JobInterface
}

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *model.EmailJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.EmailJob, error) {
	var job model.EmailJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) SetQueueTaskID(ctx context.Context, id, taskID string) error {
	return r.db.WithContext(ctx).Model(&model.EmailJob{}).
		Where("id = ?", id).
		Update("queue_task_id", taskID).Error
}

// MarkCompleted writes the terminal COMPLETED state. The status guard keeps
// the transition monotonic: a retried execution whose first attempt already
// landed cannot flip the row again.
func (r *JobRepository) MarkCompleted(ctx context.Context, id string, sentAt time.Time, messageID, previewURL string) error {
	res := r.db.WithContext(ctx).Model(&model.EmailJob{}).
		Where("id = ? AND status IN ?", id, []model.JobStatus{model.StatusPending, model.StatusDelayed}).
		Updates(map[string]any{
			"status":      model.StatusCompleted,
			"sent_at":     sentAt,
			"message_id":  messageID,
			"preview_url": previewURL,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobTerminal
	}
	return nil
}

func (r *JobRepository) MarkFailed(ctx context.Context, id string, errMsg string) error {
	res := r.db.WithContext(ctx).Model(&model.EmailJob{}).
		Where("id = ? AND status IN ?", id, []model.JobStatus{model.StatusPending, model.StatusDelayed}).
		Updates(map[string]any{
			"status":     model.StatusFailed,
			"last_error": errMsg,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobTerminal
	}
	return nil
}

func (r *JobRepository) ListBySender(ctx context.Context, senderID string) ([]model.EmailJob, error) {
	var jobs []model.EmailJob
	err := r.db.WithContext(ctx).
		Where("sender_id = ?", senderID).
		Order("scheduled_at DESC").
		Find(&jobs).Error
	return jobs, err
}

// ListByRecipient powers the inbox view: delivered mail plus anything
// already due but not yet terminal.
func (r *JobRepository) ListByRecipient(ctx context.Context, address string, now time.Time) ([]model.EmailJob, error) {
	var jobs []model.EmailJob
	err := r.db.WithContext(ctx).
		Where("LOWER(recipient) = LOWER(?)", address).
		Where("status = ? OR (status IN ? AND scheduled_at <= ?)",
			model.StatusCompleted,
			[]model.JobStatus{model.StatusPending, model.StatusDelayed},
			now).
		Order("sent_at DESC").
		Find(&jobs).Error
	return jobs, err
}

// ListOrphans returns non-terminal rows that never received a queue task id.
// These are submissions whose enqueue failed after the row was persisted.
func (r *JobRepository) ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]model.EmailJob, error) {
	var jobs []model.EmailJob
	err := r.db.WithContext(ctx).
		Where("queue_task_id = '' AND status IN ? AND created_at < ?",
			[]model.JobStatus{model.StatusPending, model.StatusDelayed},
			olderThan).
		Limit(limit).Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

func (r *JobRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *JobRepository) WithTx(tx *gorm.DB) JobInterface {
	return &JobRepository{db: tx}
}
