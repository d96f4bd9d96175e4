package scheduler_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/exclusion"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/scheduler"
)

// memStore is an in-memory database honoring the same guards as the Postgres
// repositories: one item per (enrollment, step) and writes only while active at
// the expected step.
type memStore struct {
	mu          sync.Mutex
	campaigns   map[string]*model.Campaign
	enrollments map[string]*model.EnrollmentDetail
	items       map[string]*model.OutboundMessage
	exclusions  []model.ExclusionEntry
	flags       map[string]string
	seq         int

	commitErr    error
	beforeCommit func(enrollmentID string)
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:   map[string]*model.Campaign{},
		enrollments: map[string]*model.EnrollmentDetail{},
		items:       map[string]*model.OutboundMessage{},
		flags:       map[string]string{},
	}
}

func itemKey(enrollmentID string, step int) string {
	return fmt.Sprintf("%s/%d", enrollmentID, step)
}

func (m *memStore) ListActive(context.Context) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Campaign
	for _, c := range m.campaigns {
		if c.Status == model.CampaignActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CompleteFinished(_ context.Context, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var done []string
	for _, id := range ids {
		c := m.campaigns[id]
		if c == nil || c.Status != model.CampaignActive {
			continue
		}
		open := false
		for _, e := range m.enrollments {
			if e.CampaignID == id && (e.Status == model.EnrollmentPending || e.Status == model.EnrollmentActive) {
				open = true
				break
			}
		}
		if !open {
			c.Status = model.CampaignCompleted
			done = append(done, id)
		}
	}
	return done, nil
}

func (m *memStore) ListActiveDetails(_ context.Context, ids []string) ([]*model.EnrollmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []*model.EnrollmentDetail
	for _, d := range m.enrollments {
		if want[d.CampaignID] && d.Status == model.EnrollmentActive {
			cp := *d
			cp.Enrollment = *d.Enrollment.Clone()
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) StopIfAtStep(_ context.Context, id string, step int, reason model.StopReason, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.enrollments[id]
	if d == nil || d.Status != model.EnrollmentActive || d.CurrentStep != step {
		return false, nil
	}
	d.Status = model.EnrollmentStopped
	d.StoppedReason = &reason
	d.StoppedAt = &at
	m.campaigns[d.CampaignID].TotalStopped++
	return true, nil
}

func (m *memStore) FlagForReview(_ context.Context, id, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.enrollments[id]; d != nil {
		d.NeedsReview = true
		d.ReviewNote = &note
	}
	m.flags[id] = note
	return nil
}

func (m *memStore) LoadLists(context.Context) (*exclusion.Lists, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return exclusion.NewLists(m.exclusions, nil), nil
}

func (m *memStore) CommitStep(_ context.Context, msg *model.OutboundMessage, advanced *model.Enrollment, fromStep int) error {
	if m.beforeCommit != nil {
		m.beforeCommit(msg.EnrollmentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	key := itemKey(msg.EnrollmentID, msg.Step)
	if _, ok := m.items[key]; ok {
		return appErrors.ErrDuplicateStep
	}
	d := m.enrollments[advanced.ID]
	if d == nil || d.Status != model.EnrollmentActive || d.CurrentStep != fromStep {
		return appErrors.ErrStaleEnrollment
	}
	m.seq++
	msg.ID = fmt.Sprintf("msg-%d", m.seq)
	msg.Status = model.OutboundPending
	cp := *msg
	m.items[key] = &cp
	d.Enrollment = *advanced.Clone()
	m.campaigns[msg.CampaignID].TotalSent++
	return nil
}

// reply mimics the reply hook's guarded write.
func (m *memStore) reply(id string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.enrollments[id]
	if d == nil || d.Status != model.EnrollmentActive {
		return false
	}
	d.Status = model.EnrollmentReplied
	d.RepliedAt = &at
	return true
}

func (m *memStore) enrollment(id string) model.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.enrollments[id].Enrollment.Clone()
}

func (m *memStore) itemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *memStore) item(id string, step int) *model.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[itemKey(id, step)]
}

type fakePublisher struct {
	mu    sync.Mutex
	jobs  []model.SendJob
	err   error
	after func()
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.after != nil {
		defer p.after()
	}
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, payload.(model.SendJob))
	return nil
}

var (
	_ scheduler.CampaignStore   = (*memStore)(nil)
	_ scheduler.EnrollmentStore = (*memStore)(nil)
	_ scheduler.ExclusionStore  = (*memStore)(nil)
	_ scheduler.OutboundStore   = (*memStore)(nil)
	_ scheduler.Publisher       = (*fakePublisher)(nil)
)
