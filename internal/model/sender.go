package model

import "time"

// Sender is the local projection of an identity owned by an external
// identity store. Rows are upserted on registration.
type Sender struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	Email     string    `json:"email" gorm:"size:320;uniqueIndex"`
	Name      string    `json:"name" gorm:"size:128"`
	Avatar    string    `json:"avatar" gorm:"size:512"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
