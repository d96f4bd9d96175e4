// internal/model/reply.go
package model

import "time"

// ReplyEvent reports that a contact answered one of the sequence emails.
type ReplyEvent struct {
	EnrollmentID   string    `json:"enrollment_id"`
	Classification string    `json:"classification"`
	ReceivedAt     time.Time `json:"received_at"`
}

// SendJob is published after a queue item is committed so a delivery worker can pick it up.
type SendJob struct {
	OutboundMessageID string `json:"outbound_message_id"`
}
