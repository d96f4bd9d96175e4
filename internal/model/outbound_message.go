// internal/model/outbound_message.go
package model

import "time"

type OutboundStatus string

const (
	OutboundPending OutboundStatus = "pending"
	OutboundSent    OutboundStatus = "sent"
	OutboundFailed  OutboundStatus = "failed"
)

// OutboundMessage is one rendered email waiting for, or done with, delivery.
// There is at most one per (enrollment, step).
type OutboundMessage struct {
	ID           string         `db:"id" json:"id"`
	EnrollmentID string         `db:"enrollment_id" json:"enrollment_id"`
	CampaignID   string         `db:"campaign_id" json:"campaign_id"`
	Step         int            `db:"step" json:"step"`
	ToEmail      string         `db:"to_email" json:"to_email"`
	ToName       string         `db:"to_name" json:"to_name"`
	FromEmail    string         `db:"from_email" json:"from_email"`
	FromName     string         `db:"from_name" json:"from_name"`
	Subject      string         `db:"subject" json:"subject"`
	Body         string         `db:"body" json:"body"`
	ScheduledFor time.Time      `db:"scheduled_for" json:"scheduled_for"`
	Status       OutboundStatus `db:"status" json:"status"` // pending, sent, failed
	Attempts     int            `db:"attempts" json:"attempts"`
	LastError    string         `db:"last_error,omitempty" json:"last_error,omitempty"`
	SentAt       *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}
