// internal/model/enrollment.go
package model

import "time"

type EnrollmentStatus string

const (
	EnrollmentPending   EnrollmentStatus = "pending"
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentReplied   EnrollmentStatus = "replied"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentStopped   EnrollmentStatus = "stopped"
)

// Terminal reports whether the status can never change again.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentReplied || s == EnrollmentCompleted || s == EnrollmentStopped
}

type StopReason string

const (
	StopReplied StopReason = "replied"
	StopDNC     StopReason = "dnc"
	StopBounce  StopReason = "bounce"
	StopManual  StopReason = "manual"
)

// StepProgress holds the per-step timestamps of an enrollment, indexed by position-1.
type StepProgress struct {
	SentAt   *time.Time `json:"sent_at,omitempty"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

type Enrollment struct {
	ID          string           `db:"id" json:"id"`
	CampaignID  string           `db:"campaign_id" json:"campaign_id"`
	ContactID   string           `db:"contact_id" json:"contact_id"`
	PropertyID  *string          `db:"property_id" json:"property_id,omitempty"`
	CompanyID   *string          `db:"company_id" json:"company_id,omitempty"`
	Status      EnrollmentStatus `db:"status" json:"status"`
	CurrentStep int              `db:"current_step" json:"current_step"`
	Progress    []StepProgress   `db:"step_progress" json:"step_progress"`

	StoppedReason       *StopReason `db:"stopped_reason" json:"stopped_reason,omitempty"`
	RepliedAt           *time.Time  `db:"replied_at" json:"replied_at,omitempty"`
	ReplyClassification *string     `db:"reply_classification" json:"reply_classification,omitempty"`
	CompletedAt         *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	StoppedAt           *time.Time  `db:"stopped_at" json:"stopped_at,omitempty"`

	// Computed when the contact is enrolled; the scheduler re-checks at send time.
	ExcludedDNC      bool `db:"excluded_dnc" json:"excluded_dnc"`
	ExcludedBounce   bool `db:"excluded_bounce" json:"excluded_bounce"`
	AlreadyContacted bool `db:"already_contacted" json:"already_contacted"`

	NeedsReview bool    `db:"needs_review" json:"needs_review"`
	ReviewNote  *string `db:"review_note" json:"review_note,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ActivatedAt *time.Time `db:"activated_at" json:"activated_at,omitempty"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// SentAt returns when the given 1-based step was sent, if it was.
func (e *Enrollment) SentAt(step int) *time.Time {
	if step < 1 || step > len(e.Progress) {
		return nil
	}
	return e.Progress[step-1].SentAt
}

// Clone returns a deep copy so a transition can be computed without touching the original.
func (e *Enrollment) Clone() *Enrollment {
	out := *e
	out.Progress = make([]StepProgress, len(e.Progress))
	copy(out.Progress, e.Progress)
	return &out
}

// EnrollmentDetail is an enrollment joined with everything needed to address and
// personalize its emails.
type EnrollmentDetail struct {
	Enrollment
	Contact  Contact   `json:"contact"`
	Property *Property `json:"property,omitempty"`
	Company  *Company  `json:"company,omitempty"`
}

// Domain returns the company domain, falling back to the contact's email domain.
func (d *EnrollmentDetail) Domain() string {
	if d.Company != nil && d.Company.Domain != "" {
		return d.Company.Domain
	}
	return d.Contact.EmailDomain()
}

// EnrollTarget names who to enroll and which property and company personalize their emails.
type EnrollTarget struct {
	ContactID  string  `json:"contact_id"`
	PropertyID *string `json:"property_id,omitempty"`
	CompanyID  *string `json:"company_id,omitempty"`
}
