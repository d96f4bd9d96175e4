// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/config"
	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/exclusion"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
	"github.com/unclebandit/outreach-sequencer/internal/sendwindow"
	"github.com/unclebandit/outreach-sequencer/internal/sequence"
)

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	EnrollmentRepo repository.EnrollmentRepositoryInterface
	ContactRepo    repository.ContactRepositoryInterface
	ExclusionRepo  repository.ExclusionRepositoryInterface
	Templates      *TemplateService
	// Sender delivers test emails. Test sending is disabled when nil.
	Sender   Sender
	Defaults config.CampaignDefaults
	Logger   *zap.Logger
	Now      func() time.Time
}

// CreateCampaignInput carries the fields a caller may set on a new campaign.
// Empty window fields fall back to the configured defaults.
type CreateCampaignInput struct {
	Name           string            `json:"name"`
	SearchID       *string           `json:"search_id,omitempty"`
	Steps          []model.EmailStep `json:"steps"`
	WindowStart    string            `json:"send_window_start"`
	WindowEnd      string            `json:"send_window_end"`
	Timezone       string            `json:"timezone"`
	WeekdaysOnly   *bool             `json:"weekdays_only,omitempty"`
	RateLimitGroup string            `json:"rate_limit_group"`
	FromEmail      string            `json:"from_email"`
	FromName       string            `json:"from_name"`
}

type EnrollResult struct {
	CampaignID string   `json:"campaign_id"`
	Enrolled   int      `json:"enrolled"`
	Duplicates int      `json:"duplicates"`
	Skipped    []string `json:"skipped"`
	Excluded   int      `json:"excluded"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

type StepPreview struct {
	EnrollmentID string     `json:"enrollment_id"`
	Step         int        `json:"step"`
	ToEmail      string     `json:"to_email"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	NextSendAt   *time.Time `json:"next_send_at,omitempty"`
}

// SendTestResult describes the test emails sent for a campaign.
type SendTestResult struct {
	CampaignID   string        `json:"campaign_id"`
	EnrollmentID string        `json:"enrollment_id"`
	TestEmail    string        `json:"test_email"`
	Contact      string        `json:"contact"`
	Sent         int           `json:"emails_sent"`
	Preview      []TestPreview `json:"preview"`
}

type TestPreview struct {
	Step    int    `json:"step"`
	Subject string `json:"subject"`
	Excerpt string `json:"excerpt"`
}

const testExcerptLen = 200

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *CampaignService) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, appErrors.Validation("name is required")
	}

	c := &model.Campaign{
		Name:           name,
		SearchID:       in.SearchID,
		Status:         model.CampaignDraft,
		WindowStart:    firstNonEmpty(in.WindowStart, s.Defaults.WindowStart, sendwindow.DefaultStart),
		WindowEnd:      firstNonEmpty(in.WindowEnd, s.Defaults.WindowEnd, sendwindow.DefaultEnd),
		Timezone:       firstNonEmpty(in.Timezone, s.Defaults.Timezone, sendwindow.DefaultTimezone),
		WeekdaysOnly:   true,
		RateLimitGroup: firstNonEmpty(strings.TrimSpace(in.RateLimitGroup), model.DefaultRateLimitGroup),
		FromEmail:      firstNonEmpty(in.FromEmail, s.Defaults.FromEmail),
		FromName:       firstNonEmpty(in.FromName, s.Defaults.FromName),
	}
	switch {
	case in.WeekdaysOnly != nil:
		c.WeekdaysOnly = *in.WeekdaysOnly
	case s.Defaults.WeekdaysOnly != nil:
		c.WeekdaysOnly = *s.Defaults.WeekdaysOnly
	}

	if _, err := sendwindow.ForCampaign(c); err != nil {
		return nil, appErrors.Validation("%v", err)
	}
	steps, err := s.normalizeSteps(in.Steps)
	if err != nil {
		return nil, err
	}
	c.Steps = steps

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.log().Info("campaign created", zap.String("campaign_id", c.ID), zap.Int("steps", len(c.Steps)))
	return c, nil
}

// UpdateSteps replaces the steps of a draft campaign.
func (s *CampaignService) UpdateSteps(ctx context.Context, campaignID string, steps []model.EmailStep) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignDraft {
		return nil, fmt.Errorf("%w: steps can only change while the campaign is a draft", appErrors.ErrInvalidTransition)
	}
	if c.Steps, err = s.normalizeSteps(steps); err != nil {
		return nil, err
	}
	if err := s.CampaignRepo.UpdateSteps(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// normalizeSteps numbers unnumbered steps by their index and checks that
// positions run 1..n, delays are not negative and templates parse.
func (s *CampaignService) normalizeSteps(in []model.EmailStep) ([]model.EmailStep, error) {
	steps := make([]model.EmailStep, len(in))
	copy(steps, in)
	for i := range steps {
		if steps[i].Position == 0 {
			steps[i].Position = i + 1
		}
	}
	for i, st := range steps {
		if st.Position != i+1 {
			return nil, appErrors.Validation("step positions must run 1..%d in order, got %d at index %d", len(steps), st.Position, i)
		}
		if st.DelayDays < 0 {
			return nil, appErrors.Validation("step %d has a negative delay", st.Position)
		}
		if s.Templates != nil {
			if err := s.Templates.Validate(st.Subject); err != nil {
				return nil, appErrors.Validation("step %d subject: %v", st.Position, err)
			}
			if err := s.Templates.Validate(st.Body); err != nil {
				return nil, appErrors.Validation("step %d body: %v", st.Position, err)
			}
		}
	}
	return steps, nil
}

// Enroll adds contacts to a draft campaign. A contact already in the campaign is
// counted as a duplicate; a contact without an email address is skipped.
// Exclusion and prior-contact flags are computed here and re-checked at send time.
func (s *CampaignService) Enroll(ctx context.Context, campaignID string, targets []model.EnrollTarget) (*EnrollResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignDraft {
		return nil, fmt.Errorf("%w: contacts can only be enrolled while the campaign is a draft", appErrors.ErrInvalidTransition)
	}
	lists, err := s.ExclusionRepo.LoadLists(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}

	result := &EnrollResult{CampaignID: campaignID, Skipped: []string{}}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.ContactID == "" || seen[t.ContactID] {
			continue
		}
		seen[t.ContactID] = true

		e, err := s.buildEnrollment(ctx, c, t, lists)
		if err != nil {
			return result, err
		}
		if e == nil {
			result.Skipped = append(result.Skipped, t.ContactID)
			continue
		}

		created, err := s.EnrollmentRepo.Enroll(ctx, e)
		if err != nil {
			return result, fmt.Errorf("enroll contact %s: %w", t.ContactID, err)
		}
		if !created {
			result.Duplicates++
			continue
		}
		result.Enrolled++
		if e.ExcludedDNC || e.ExcludedBounce {
			result.Excluded++
		}
	}

	s.log().Info("contacts enrolled",
		zap.String("campaign_id", campaignID),
		zap.Int("enrolled", result.Enrolled),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("excluded", result.Excluded))
	return result, nil
}

func (s *CampaignService) buildEnrollment(ctx context.Context, c *model.Campaign, t model.EnrollTarget, lists *exclusion.Lists) (*model.Enrollment, error) {
	contact, err := s.ContactRepo.GetByID(ctx, t.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact %s: %w", t.ContactID, err)
	}
	if contact == nil || strings.TrimSpace(contact.Email) == "" {
		return nil, nil
	}

	companyID := t.CompanyID
	if companyID == nil {
		companyID = contact.CompanyID
	}
	domain := contact.EmailDomain()
	if companyID != nil {
		company, err := s.ContactRepo.GetCompany(ctx, *companyID)
		if err != nil {
			return nil, fmt.Errorf("load company %s: %w", *companyID, err)
		}
		if company != nil && company.Domain != "" {
			domain = company.Domain
		}
	}

	e := &model.Enrollment{
		CampaignID: c.ID,
		ContactID:  contact.ID,
		PropertyID: t.PropertyID,
		CompanyID:  companyID,
		Status:     model.EnrollmentPending,
		CreatedAt:  s.now(),
	}
	if res := lists.IsExcluded(contact.Email, contact.Phone, domain); res.Excluded {
		switch res.StopReason() {
		case model.StopBounce:
			e.ExcludedBounce = true
		default:
			e.ExcludedDNC = true
		}
	}
	if e.AlreadyContacted, err = s.EnrollmentRepo.ContactedElsewhere(ctx, contact.ID, c.ID); err != nil {
		return nil, err
	}
	return e, nil
}

// EnrollSearch enrolls every contact saved under the campaign's search.
func (s *CampaignService) EnrollSearch(ctx context.Context, campaignID string) (*EnrollResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.SearchID == nil || *c.SearchID == "" {
		return nil, appErrors.Validation("campaign %s has no search", campaignID)
	}
	targets, err := s.ContactRepo.ListBySearch(ctx, *c.SearchID)
	if err != nil {
		return nil, err
	}
	return s.Enroll(ctx, campaignID, targets)
}

// Activate validates a draft campaign and starts it together with all of its
// pending enrollments. It returns how many enrollments were activated.
func (s *CampaignService) Activate(ctx context.Context, campaignID string) (int, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if c.Status != model.CampaignDraft {
		return 0, fmt.Errorf("%w: campaign is %s, not draft", appErrors.ErrInvalidTransition, c.Status)
	}
	if len(c.Steps) == 0 {
		return 0, appErrors.Validation("campaign has no steps")
	}
	for _, st := range c.Steps {
		if strings.TrimSpace(st.Subject) == "" || strings.TrimSpace(st.Body) == "" {
			return 0, appErrors.Validation("step %d needs a subject and a body", st.Position)
		}
	}
	if _, err := s.normalizeSteps(c.Steps); err != nil {
		return 0, err
	}
	if _, err := sendwindow.ForCampaign(c); err != nil {
		return 0, appErrors.Validation("%v", err)
	}
	if c.FromEmail == "" {
		return 0, appErrors.Validation("campaign has no from_email")
	}

	n, err := s.CampaignRepo.Activate(ctx, campaignID, s.now())
	if err != nil {
		return 0, err
	}
	s.log().Info("campaign activated", zap.String("campaign_id", campaignID), zap.Int("enrollments", n))
	return n, nil
}

func (s *CampaignService) Pause(ctx context.Context, campaignID string) error {
	return s.transition(ctx, campaignID, model.CampaignActive, model.CampaignPaused)
}

func (s *CampaignService) Resume(ctx context.Context, campaignID string) error {
	return s.transition(ctx, campaignID, model.CampaignPaused, model.CampaignActive)
}

func (s *CampaignService) transition(ctx context.Context, id string, from, to model.CampaignStatus) error {
	ok, err := s.CampaignRepo.TransitionStatus(ctx, id, from, to)
	if err != nil {
		return err
	}
	if ok {
		s.log().Info("campaign status changed", zap.String("campaign_id", id),
			zap.String("from", string(from)), zap.String("to", string(to)))
		return nil
	}
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: campaign is %s, expected %s", appErrors.ErrInvalidTransition, c.Status, from)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID string) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.CampaignRepo.GetCampaignStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

// RenderPreview renders a step of the enrollment's campaign exactly as the
// scheduler would. A zero step previews the next step due.
func (s *CampaignService) RenderPreview(ctx context.Context, enrollmentID string, step int) (*StepPreview, error) {
	d, err := s.EnrollmentRepo.GetDetail(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	c, err := s.CampaignRepo.GetByID(ctx, d.CampaignID)
	if err != nil {
		return nil, err
	}
	if step == 0 {
		step = d.CurrentStep + 1
	}
	st, ok := c.Step(step)
	if !ok {
		return nil, appErrors.Validation("campaign has no step %d", step)
	}

	subject, body, err := s.Templates.RenderStep(st, d)
	if err != nil {
		return nil, appErrors.Validation("%v", err)
	}
	preview := &StepPreview{
		EnrollmentID: d.ID,
		Step:         step,
		ToEmail:      d.Contact.Email,
		Subject:      subject,
		Body:         body,
	}

	if d.Status == model.EnrollmentActive && step == d.CurrentStep+1 {
		next, err := s.nextSend(&d.Enrollment, c)
		if err != nil {
			var inv *appErrors.InvariantError
			if !errors.As(err, &inv) {
				return nil, err
			}
			s.log().Warn("preview of enrollment in invalid state", zap.String("enrollment_id", d.ID), zap.Error(err))
		} else {
			preview.NextSendAt = &next
		}
	}
	return preview, nil
}

// SendTest renders every complete step of the campaign for one enrollment and
// mails the results to testEmail, ignoring the send window and rate limits.
// An empty enrollmentID uses the campaign's first enrollment. Nothing is
// recorded against the enrollment.
func (s *CampaignService) SendTest(ctx context.Context, campaignID, enrollmentID, testEmail string) (*SendTestResult, error) {
	if s.Sender == nil {
		return nil, appErrors.Validation("test sending is not configured")
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(testEmail))
	if err != nil {
		return nil, appErrors.Validation("test_email: %v", err)
	}
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if enrollmentID == "" {
		if enrollmentID, err = s.EnrollmentRepo.FirstIDByCampaign(ctx, campaignID); err != nil {
			return nil, err
		}
		if enrollmentID == "" {
			return nil, appErrors.Validation("campaign %s has no enrollments to personalize from", campaignID)
		}
	}
	d, err := s.EnrollmentRepo.GetDetail(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if d.CampaignID != campaignID {
		return nil, appErrors.Validation("enrollment %s is not in campaign %s", enrollmentID, campaignID)
	}

	var steps []int
	for i, st := range c.Steps {
		if strings.TrimSpace(st.Subject) != "" && strings.TrimSpace(st.Body) != "" {
			steps = append(steps, i+1)
		}
	}
	if len(steps) == 0 {
		return nil, appErrors.Validation("campaign has no complete steps")
	}

	result := &SendTestResult{
		CampaignID:   campaignID,
		EnrollmentID: d.ID,
		TestEmail:    addr.Address,
		Contact:      firstNonEmpty(d.Contact.FullName(), d.Contact.Email),
		Preview:      make([]TestPreview, 0, len(steps)),
	}
	for i, position := range steps {
		st, _ := c.Step(position)
		subject, body, err := s.Templates.RenderStep(st, d)
		if err != nil {
			return result, appErrors.Validation("%v", err)
		}
		subject = fmt.Sprintf("[TEST %d/%d] %s", i+1, len(steps), subject)
		msg := &model.OutboundMessage{
			ID:           fmt.Sprintf("test-%s-%d", d.ID, position),
			EnrollmentID: d.ID,
			CampaignID:   campaignID,
			Step:         position,
			ToEmail:      addr.Address,
			ToName:       addr.Name,
			FromEmail:    c.FromEmail,
			FromName:     c.FromName,
			Subject:      subject,
			Body:         body,
			ScheduledFor: s.now(),
			Status:       model.OutboundPending,
		}
		if err := s.Sender.Send(ctx, msg); err != nil {
			return result, fmt.Errorf("send test step %d: %w", position, err)
		}
		result.Sent++
		result.Preview = append(result.Preview, TestPreview{Step: position, Subject: subject, Excerpt: excerpt(body, testExcerptLen)})
	}

	s.log().Info("test emails sent",
		zap.String("campaign_id", campaignID),
		zap.String("enrollment_id", d.ID),
		zap.String("test_email", addr.Address),
		zap.Int("emails", result.Sent))
	return result, nil
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// nextSend estimates when the next step goes out, ignoring rate limits.
func (s *CampaignService) nextSend(e *model.Enrollment, c *model.Campaign) (time.Time, error) {
	w, err := sendwindow.ForCampaign(c)
	if err != nil {
		return time.Time{}, err
	}
	_, earliest, _, err := sequence.NextStep(e, c)
	if err != nil {
		return time.Time{}, err
	}
	if now := s.now(); earliest.Before(now) {
		earliest = now
	}
	return w.NextEligibleSend(earliest), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
