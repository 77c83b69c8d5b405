package model

import "time"

type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusDelayed   JobStatus = "DELAYED"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Attachment carries file content base64-encoded, the way it arrives
// on the submission request. Decoding happens at send time.
type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

type EmailJob struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	SenderID    string    `json:"sender_id" gorm:"size:36;index"`
	Recipient   string    `json:"recipient" gorm:"size:320;index"`
	Subject     string    `json:"subject" gorm:"type:text"`
	Body        string    `json:"body" gorm:"type:mediumtext"`
	Status      JobStatus `json:"status" gorm:"size:16;index:idx_status_scheduled,priority:1"`
	ScheduledAt time.Time `json:"scheduled_at" gorm:"index:idx_status_scheduled,priority:2"`
	// SentAt is set exactly once, on confirmed delivery.
	SentAt      *time.Time `json:"sent_at"`
	QueueTaskID string     `json:"queue_task_id" gorm:"size:36;index"`
	// Attachments is the JSON-encoded []Attachment list.
	Attachments string `json:"attachments,omitempty" gorm:"type:mediumtext"`

	// Per-job overrides of the global send limits. Nil means default.
	HourlyLimit *int   `json:"hourly_limit,omitempty"`
	MinDelayMS  *int64 `json:"min_delay_ms,omitempty"`

	// Delivery receipt from the transport.
	MessageID  string `json:"message_id,omitempty" gorm:"size:255"`
	PreviewURL string `json:"preview_url,omitempty" gorm:"size:512"`
	LastError  string `json:"last_error,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
