// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// DefaultRateLimitGroup is shared by every campaign that does not name its own group.
const DefaultRateLimitGroup = "default"

// EmailStep is one email of a campaign sequence. Position is 1-based.
type EmailStep struct {
	Position  int    `json:"position"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	DelayDays int    `json:"delay_days"`
}

type Campaign struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	SearchID       *string        `db:"search_id" json:"search_id,omitempty"`
	Status         CampaignStatus `db:"status" json:"status"`
	Steps          []EmailStep    `db:"steps" json:"steps"`
	WindowStart    string         `db:"send_window_start" json:"send_window_start"`
	WindowEnd      string         `db:"send_window_end" json:"send_window_end"`
	Timezone       string         `db:"timezone" json:"timezone"`
	WeekdaysOnly   bool           `db:"weekdays_only" json:"weekdays_only"`
	RateLimitGroup string         `db:"rate_limit_group" json:"rate_limit_group"`
	FromEmail      string         `db:"from_email" json:"from_email"`
	FromName       string         `db:"from_name" json:"from_name"`

	TotalEnrolled int `db:"total_enrolled" json:"total_enrolled"`
	TotalSent     int `db:"total_sent" json:"total_sent"`
	TotalOpened   int `db:"total_opened" json:"total_opened"`
	TotalReplied  int `db:"total_replied" json:"total_replied"`
	TotalStopped  int `db:"total_stopped" json:"total_stopped"`

	ActivatedAt *time.Time `db:"activated_at" json:"activated_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// Step returns the step at the given 1-based position.
func (c *Campaign) Step(position int) (EmailStep, bool) {
	if position < 1 || position > len(c.Steps) {
		return EmailStep{}, false
	}
	return c.Steps[position-1], true
}

// Group is the rate-limit group the campaign's sends are counted under.
func (c *Campaign) Group() string {
	if c.RateLimitGroup == "" {
		return DefaultRateLimitGroup
	}
	return c.RateLimitGroup
}
