package resp

import "sendflow/internal/model"

type ScheduleResponse struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id"`
	Message  string `json:"message"`
}

// FieldError is one entry of a structured validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrorResponse struct {
	Error   string       `json:"error"`
	Details []FieldError `json:"details"`
}

type JobDetail struct {
	model.EmailJob
	Sender *SenderInfo `json:"sender,omitempty"`
}
