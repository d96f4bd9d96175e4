// internal/model/exclusion.go
package model

import "time"

type ExclusionReason string

const (
	ExclusionDNC    ExclusionReason = "dnc"
	ExclusionBounce ExclusionReason = "bounce"
	ExclusionManual ExclusionReason = "manual"
)

// ExclusionEntry blocks an email address, a phone number or a whole domain.
// Exactly one of Email, Phone and Domain is expected to be set. Entries are never removed.
type ExclusionEntry struct {
	ID            string          `db:"id" json:"id"`
	Email         *string         `db:"email" json:"email,omitempty"`
	Phone         *string         `db:"phone" json:"phone,omitempty"`
	Domain        *string         `db:"domain" json:"domain,omitempty"`
	Reason        ExclusionReason `db:"reason" json:"reason"`
	Source        string          `db:"source" json:"source"`
	SourceEmailID *string         `db:"source_email_id" json:"source_email_id,omitempty"`
	Notes         string          `db:"notes" json:"notes,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
