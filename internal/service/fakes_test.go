package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/exclusion"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

var testNow = time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// ---------- campaigns ----------

type MockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	stats     map[string]int
	activated int
}

func newMockCampaignRepo(cs ...*model.Campaign) *MockCampaignRepo {
	m := &MockCampaignRepo{campaigns: map[string]*model.Campaign{}}
	for _, c := range cs {
		m.campaigns[c.ID] = c
	}
	return m
}

func (m *MockCampaignRepo) Create(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = "camp-new"
	}
	c.CreatedAt = testNow
	m.campaigns[c.ID] = c
	return nil
}

func (m *MockCampaignRepo) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	return nil, 0, nil
}

func (m *MockCampaignRepo) ListActive(_ context.Context) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Campaign
	for _, c := range m.campaigns {
		if c.Status == model.CampaignActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockCampaignRepo) UpdateSteps(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID].Steps = c.Steps
	return nil
}

func (m *MockCampaignRepo) Activate(_ context.Context, id string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c.Status != model.CampaignDraft {
		return 0, appErrors.ErrInvalidTransition
	}
	c.Status = model.CampaignActive
	c.ActivatedAt = &now
	m.activated++
	return 2, nil
}

func (m *MockCampaignRepo) TransitionStatus(_ context.Context, id string, from, to model.CampaignStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (m *MockCampaignRepo) CompleteFinished(_ context.Context, ids []string) ([]string, error) {
	return nil, nil
}

func (m *MockCampaignRepo) GetCampaignStats(_ context.Context, campaignID string) (map[string]int, error) {
	return m.stats, nil
}

var _ repository.CampaignRepositoryInterface = (*MockCampaignRepo)(nil)

// ---------- enrollments ----------

type MockEnrollmentRepo struct {
	mu          sync.Mutex
	enrollments map[string]*model.Enrollment
	details     map[string]*model.EnrollmentDetail
	contacted   map[string]bool
	created     []*model.Enrollment
	opened      map[string]bool
	// writes counts guarded status writes that reached the store.
	writes int
}

func newMockEnrollmentRepo() *MockEnrollmentRepo {
	return &MockEnrollmentRepo{
		enrollments: map[string]*model.Enrollment{},
		details:     map[string]*model.EnrollmentDetail{},
		contacted:   map[string]bool{},
		opened:      map[string]bool{},
	}
}

func (m *MockEnrollmentRepo) put(d *model.EnrollmentDetail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[d.ID] = d
	m.enrollments[d.ID] = &d.Enrollment
}

func (m *MockEnrollmentRepo) Enroll(_ context.Context, e *model.Enrollment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.enrollments {
		if existing.CampaignID == e.CampaignID && existing.ContactID == e.ContactID {
			return false, nil
		}
	}
	e.ID = "enr-" + e.ContactID
	m.enrollments[e.ID] = e
	m.created = append(m.created, e)
	return true, nil
}

func (m *MockEnrollmentRepo) GetByID(_ context.Context, id string) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, appErrors.NewEnrollmentNotFound(id)
	}
	return e.Clone(), nil
}

func (m *MockEnrollmentRepo) GetDetail(_ context.Context, id string) (*model.EnrollmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.details[id]
	if !ok {
		return nil, appErrors.NewEnrollmentNotFound(id)
	}
	cp := *d
	return &cp, nil
}

func (m *MockEnrollmentRepo) ListActiveDetails(_ context.Context, campaignIDs []string) ([]*model.EnrollmentDetail, error) {
	return nil, nil
}

func (m *MockEnrollmentRepo) ListActiveByContactEmail(_ context.Context, email string) ([]*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Enrollment
	for _, d := range m.details {
		if d.Contact.Email == email && d.Status == model.EnrollmentActive {
			out = append(out, d.Enrollment.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockEnrollmentRepo) CountByStatus(_ context.Context, campaignID string, status model.EnrollmentStatus) (int, error) {
	return 0, nil
}

func (m *MockEnrollmentRepo) ContactedElsewhere(_ context.Context, contactID, campaignID string) (bool, error) {
	return m.contacted[contactID], nil
}

func (m *MockEnrollmentRepo) FirstIDByCampaign(_ context.Context, campaignID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, e := range m.enrollments {
		if e.CampaignID == campaignID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", nil
	}
	sort.Strings(ids)
	return ids[0], nil
}

func (m *MockEnrollmentRepo) MarkReplied(_ context.Context, id, classification string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	e, ok := m.enrollments[id]
	if !ok || e.Status != model.EnrollmentActive {
		return false, nil
	}
	e.Status = model.EnrollmentReplied
	e.RepliedAt = &at
	e.ReplyClassification = &classification
	return true, nil
}

func (m *MockEnrollmentRepo) Stop(_ context.Context, id string, reason model.StopReason, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	e, ok := m.enrollments[id]
	if !ok || e.Status.Terminal() {
		return false, nil
	}
	e.Status = model.EnrollmentStopped
	e.StoppedReason = &reason
	e.StoppedAt = &at
	return true, nil
}

func (m *MockEnrollmentRepo) StopIfAtStep(ctx context.Context, id string, step int, reason model.StopReason, at time.Time) (bool, error) {
	return m.Stop(ctx, id, reason, at)
}

func (m *MockEnrollmentRepo) RecordOpen(_ context.Context, id string, step int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	e, ok := m.enrollments[id]
	if !ok || e.SentAt(step) == nil {
		return false, nil
	}
	key := fmt.Sprintf("%s/%d", id, step)
	if m.opened[key] {
		return false, nil
	}
	m.opened[key] = true
	return true, nil
}

func (m *MockEnrollmentRepo) FlagForReview(_ context.Context, id, note string) error {
	return nil
}

var _ repository.EnrollmentRepositoryInterface = (*MockEnrollmentRepo)(nil)

// ---------- contacts ----------

type MockContactRepo struct {
	contacts  map[string]*model.Contact
	companies map[string]*model.Company
	searches  map[string][]model.EnrollTarget
}

func (m *MockContactRepo) GetByID(_ context.Context, id string) (*model.Contact, error) {
	return m.contacts[id], nil
}

func (m *MockContactRepo) GetCompany(_ context.Context, id string) (*model.Company, error) {
	return m.companies[id], nil
}

func (m *MockContactRepo) ListBySearch(_ context.Context, searchID string) ([]model.EnrollTarget, error) {
	return m.searches[searchID], nil
}

var _ repository.ContactRepositoryInterface = (*MockContactRepo)(nil)

// ---------- exclusions ----------

type MockExclusionRepo struct {
	mu      sync.Mutex
	entries []model.ExclusionEntry
	blocked []string
}

func (m *MockExclusionRepo) Create(_ context.Context, e *model.ExclusionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *MockExclusionRepo) List(_ context.Context, offset, limit int) ([]*model.ExclusionEntry, int, error) {
	return nil, len(m.entries), nil
}

func (m *MockExclusionRepo) LoadLists(_ context.Context) (*exclusion.Lists, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return exclusion.NewLists(m.entries, m.blocked), nil
}

var _ repository.ExclusionRepositoryInterface = (*MockExclusionRepo)(nil)
