package req

import (
	"time"

	"sendflow/internal/model"
)

type ScheduleRequest struct {
	Recipient string `json:"recipient" binding:"required,email"`
	Subject   string `json:"subject" binding:"required"`
	Body      string `json:"body" binding:"required"`
	SenderID  string `json:"sender_id" binding:"required,uuid"`
	// ScheduledAt absent means deliver immediately.
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`
	HourlyLimit *int               `json:"hourly_limit,omitempty" binding:"omitempty,gt=0"`
	MinDelayMS  *int64             `json:"min_delay_ms,omitempty" binding:"omitempty,gte=0"`
	Attachments []model.Attachment `json:"attachments,omitempty" binding:"omitempty,dive"`
}
