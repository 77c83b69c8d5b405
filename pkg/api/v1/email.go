package v1

import (
	"encoding/json"
	"time"
)

// Job statuses as reported by the API.
const (
	StatusPending   = "PENDING"
	StatusDelayed   = "DELAYED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

type ScheduleRequest struct {
	Recipient   string       `json:"recipient"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	SenderID    string       `json:"sender_id"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`
	HourlyLimit *int         `json:"hourly_limit,omitempty"`
	MinDelayMS  *int64       `json:"min_delay_ms,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type ScheduleResponse struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id"`
	Message  string `json:"message,omitempty"`
}

type SenderInfo struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type Job struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	Recipient   string      `json:"recipient"`
	Subject     string      `json:"subject"`
	Body        string      `json:"body"`
	Status      string      `json:"status"`
	ScheduledAt time.Time   `json:"scheduled_at"`
	SentAt      *time.Time  `json:"sent_at,omitempty"`
	MessageID   string      `json:"message_id,omitempty"`
	PreviewURL  string      `json:"preview_url,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Sender      *SenderInfo `json:"sender,omitempty"`
}

// Terminal reports whether the status can no longer change.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

func (j *Job) ToJSON() string {
	b, err := json.Marshal(j)
	if err != nil {
		panic("sendflow serialization failed" + err.Error())
	}
	return string(b)
}
