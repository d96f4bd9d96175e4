package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/outreach-sequencer/internal/config"
	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

func twoSteps() []model.EmailStep {
	return []model.EmailStep{
		{Subject: "{{ address }}", Body: "Hi {{first_name}}, interested in selling {{property_address}}?"},
		{Subject: "Re: {{ address }}", Body: "Following up, {{first_name}}.", DelayDays: 3},
	}
}

type campaignFixture struct {
	svc         *service.CampaignService
	campaigns   *MockCampaignRepo
	enrollments *MockEnrollmentRepo
	contacts    *MockContactRepo
	exclusions  *MockExclusionRepo
}

func newCampaignFixture(t *testing.T, cs ...*model.Campaign) *campaignFixture {
	f := &campaignFixture{
		campaigns:   newMockCampaignRepo(cs...),
		enrollments: newMockEnrollmentRepo(),
		contacts: &MockContactRepo{
			contacts: map[string]*model.Contact{
				"ct1": {ID: "ct1", FirstName: "Dana", Email: "dana@acme.com", CompanyID: strPtr("co1")},
				"ct2": {ID: "ct2", FirstName: "Sam", Email: "sam@bounced.com"},
				"ct3": {ID: "ct3", FirstName: "Noemail"},
				"ct4": {ID: "ct4", FirstName: "Lou", Email: "lou@blocked.com"},
			},
			companies: map[string]*model.Company{"co1": {ID: "co1", Name: "Acme", Domain: "acme.com"}},
			searches: map[string][]model.EnrollTarget{
				"s1": {{ContactID: "ct1", PropertyID: strPtr("p1")}, {ContactID: "ct2"}},
			},
		},
		exclusions: &MockExclusionRepo{
			entries: []model.ExclusionEntry{{Email: strPtr("sam@bounced.com"), Reason: model.ExclusionBounce}},
			blocked: []string{"blocked.com"},
		},
	}
	f.svc = &service.CampaignService{
		CampaignRepo:   f.campaigns,
		EnrollmentRepo: f.enrollments,
		ContactRepo:    f.contacts,
		ExclusionRepo:  f.exclusions,
		Templates:      service.NewTemplateService(),
		Defaults:       config.CampaignDefaults{FromEmail: "broker@example.com", FromName: "Pat Broker"},
		Logger:         zaptest.NewLogger(t),
		Now:            clock,
	}
	return f
}

func draftCampaign() *model.Campaign {
	return &model.Campaign{
		ID: "c1", Name: "Q1", Status: model.CampaignDraft, Steps: twoSteps(), SearchID: strPtr("s1"),
		WindowStart: "09:00", WindowEnd: "17:00", Timezone: "America/Los_Angeles", WeekdaysOnly: true,
		RateLimitGroup: "default", FromEmail: "broker@example.com",
	}
}

func TestCreateCampaign(t *testing.T) {
	ctx := context.Background()

	t.Run("applies defaults and numbers steps", func(t *testing.T) {
		f := newCampaignFixture(t)
		c, err := f.svc.CreateCampaign(ctx, service.CreateCampaignInput{Name: " Q1 owners ", Steps: twoSteps()})
		require.NoError(t, err)

		assert.Equal(t, "Q1 owners", c.Name)
		assert.Equal(t, model.CampaignDraft, c.Status)
		assert.Equal(t, "09:00", c.WindowStart)
		assert.Equal(t, "17:00", c.WindowEnd)
		assert.Equal(t, "America/Los_Angeles", c.Timezone)
		assert.True(t, c.WeekdaysOnly)
		assert.Equal(t, model.DefaultRateLimitGroup, c.RateLimitGroup)
		assert.Equal(t, "broker@example.com", c.FromEmail)
		require.Len(t, c.Steps, 2)
		assert.Equal(t, 1, c.Steps[0].Position)
		assert.Equal(t, 2, c.Steps[1].Position)
	})

	weekends := false
	invalid := []struct {
		name string
		in   service.CreateCampaignInput
	}{
		{"missing name", service.CreateCampaignInput{Steps: twoSteps()}},
		{"window closes before it opens", service.CreateCampaignInput{Name: "x", WindowStart: "17:00", WindowEnd: "09:00"}},
		{"unknown timezone", service.CreateCampaignInput{Name: "x", Timezone: "Mars/Olympus"}},
		{"negative delay", service.CreateCampaignInput{Name: "x", Steps: []model.EmailStep{{Subject: "a", Body: "b", DelayDays: -1}}}},
		{"gap in positions", service.CreateCampaignInput{Name: "x", Steps: []model.EmailStep{{Position: 1}, {Position: 3}}}},
		{"broken template", service.CreateCampaignInput{Name: "x", WeekdaysOnly: &weekends,
			Steps: []model.EmailStep{{Subject: "a", Body: "{% if x %}"}}}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			f := newCampaignFixture(t)
			_, err := f.svc.CreateCampaign(ctx, tt.in)
			assert.ErrorIs(t, err, appErrors.ErrValidation)
		})
	}
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	f := newCampaignFixture(t, draftCampaign())
	f.enrollments.contacted["ct1"] = true

	res, err := f.svc.Enroll(ctx, "c1", []model.EnrollTarget{
		{ContactID: "ct1", PropertyID: strPtr("p1")},
		{ContactID: "ct1"},
		{ContactID: "ct2"},
		{ContactID: "ct3"},
		{ContactID: "ct4"},
		{ContactID: "missing"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Enrolled)
	assert.Equal(t, 2, res.Excluded)
	assert.ElementsMatch(t, []string{"ct3", "missing"}, res.Skipped)

	byContact := map[string]*model.Enrollment{}
	for _, e := range f.enrollments.created {
		byContact[e.ContactID] = e
	}
	require.Len(t, byContact, 3)

	dana := byContact["ct1"]
	assert.Equal(t, model.EnrollmentPending, dana.Status)
	assert.True(t, dana.AlreadyContacted)
	assert.Equal(t, "co1", *dana.CompanyID)
	assert.Equal(t, "p1", *dana.PropertyID)
	assert.True(t, dana.CreatedAt.Equal(testNow))

	assert.True(t, byContact["ct2"].ExcludedBounce)
	assert.True(t, byContact["ct4"].ExcludedDNC)

	again, err := f.svc.Enroll(ctx, "c1", []model.EnrollTarget{{ContactID: "ct1"}})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Enrolled)
	assert.Equal(t, 1, again.Duplicates)
}

func TestEnroll_OnlyDraft(t *testing.T) {
	c := draftCampaign()
	c.Status = model.CampaignActive
	f := newCampaignFixture(t, c)

	_, err := f.svc.Enroll(context.Background(), "c1", []model.EnrollTarget{{ContactID: "ct1"}})
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	_, err = f.svc.Enroll(context.Background(), "nope", nil)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestEnrollSearch(t *testing.T) {
	f := newCampaignFixture(t, draftCampaign())

	res, err := f.svc.EnrollSearch(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enrolled)
}

func TestActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid draft", func(t *testing.T) {
		f := newCampaignFixture(t, draftCampaign())
		n, err := f.svc.Activate(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 1, f.campaigns.activated)
	})

	tests := []struct {
		name    string
		mutate  func(c *model.Campaign)
		wantErr error
	}{
		{"not a draft", func(c *model.Campaign) { c.Status = model.CampaignPaused }, appErrors.ErrInvalidTransition},
		{"no steps", func(c *model.Campaign) { c.Steps = nil }, appErrors.ErrValidation},
		{"empty body", func(c *model.Campaign) { c.Steps[1].Body = "  " }, appErrors.ErrValidation},
		{"bad timezone", func(c *model.Campaign) { c.Timezone = "Nowhere/Land" }, appErrors.ErrValidation},
		{"no sender", func(c *model.Campaign) { c.FromEmail = "" }, appErrors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := draftCampaign()
			tt.mutate(c)
			f := newCampaignFixture(t, c)

			_, err := f.svc.Activate(ctx, "c1")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, f.campaigns.activated)
		})
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	c := draftCampaign()
	c.Status = model.CampaignActive
	f := newCampaignFixture(t, c)

	require.NoError(t, f.svc.Pause(ctx, "c1"))
	assert.ErrorIs(t, f.svc.Pause(ctx, "c1"), appErrors.ErrInvalidTransition)
	require.NoError(t, f.svc.Resume(ctx, "c1"))

	got, err := f.campaigns.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignActive, got.Status)
}

func TestGetCampaignDetailsWithStats(t *testing.T) {
	f := newCampaignFixture(t, draftCampaign())
	f.campaigns.stats = map[string]int{"enrollments_active": 3, "messages_sent": 2}

	d, err := f.svc.GetCampaignDetailsWithStats(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Q1", d.Name)
	assert.Equal(t, 3, d.Stats["enrollments_active"])
}

func TestRenderPreview(t *testing.T) {
	ctx := context.Background()
	c := draftCampaign()
	c.Status = model.CampaignActive
	f := newCampaignFixture(t, c)

	sent := testNow.Add(-24 * time.Hour)
	d := ownerDetail()
	d.Enrollment.CurrentStep = 1
	d.Enrollment.Progress = []model.StepProgress{{SentAt: &sent}, {}}
	f.enrollments.put(d)

	p, err := f.svc.RenderPreview(ctx, "e1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Step)
	assert.Equal(t, "Re: 100 Main St", p.Subject)
	assert.Equal(t, "Following up, Dana.", p.Body)
	assert.Equal(t, "dana@acme.com", p.ToEmail)
	// Sent Sunday 2025-03-02 17:00 UTC, due three days later: Wednesday 09:00 PST.
	require.NotNil(t, p.NextSendAt)
	assert.True(t, p.NextSendAt.Equal(time.Date(2025, 3, 5, 17, 0, 0, 0, time.UTC)), "got %s", p.NextSendAt)

	_, err = f.svc.RenderPreview(ctx, "e1", 5)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.RenderPreview(ctx, "nope", 1)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestSendTest(t *testing.T) {
	ctx := context.Background()

	newFixture := func(t *testing.T) (*campaignFixture, *MockSender) {
		c := draftCampaign()
		c.Steps = append(twoSteps(), model.EmailStep{Position: 3, Subject: "", Body: "unfinished"})
		f := newCampaignFixture(t, c)
		f.enrollments.put(ownerDetail())
		sender := &MockSender{}
		f.svc.Sender = sender
		return f, sender
	}

	t.Run("personalized steps go to the test address", func(t *testing.T) {
		f, sender := newFixture(t)

		res, err := f.svc.SendTest(ctx, "c1", "", "Operator <ops@example.com>")
		require.NoError(t, err)
		assert.Equal(t, "e1", res.EnrollmentID)
		assert.Equal(t, "ops@example.com", res.TestEmail)
		assert.Equal(t, "DANA Lee", res.Contact)
		assert.Equal(t, 2, res.Sent)
		require.Len(t, res.Preview, 2)
		assert.Equal(t, "[TEST 2/2] Re: 100 Main St", res.Preview[1].Subject)

		require.Len(t, sender.msgs, 2)
		for _, m := range sender.msgs {
			assert.Equal(t, "ops@example.com", m.ToEmail)
			assert.Equal(t, "broker@example.com", m.FromEmail)
		}
		assert.Equal(t, "[TEST 1/2] 100 Main St", sender.msgs[0].Subject)
		assert.Equal(t, "Hi Dana, interested in selling 100 Main St?", sender.msgs[0].Body)

		// Test sends leave the enrollment untouched.
		e, err := f.enrollments.GetByID(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, 0, e.CurrentStep)
		assert.Equal(t, 0, f.enrollments.writes)
	})

	t.Run("rejected requests send nothing", func(t *testing.T) {
		f, sender := newFixture(t)

		_, err := f.svc.SendTest(ctx, "c1", "", "")
		assert.ErrorIs(t, err, appErrors.ErrValidation)

		_, err = f.svc.SendTest(ctx, "c1", "", "not an address")
		assert.ErrorIs(t, err, appErrors.ErrValidation)

		other := ownerDetail()
		other.ID = "e2"
		other.CampaignID = "c9"
		f.enrollments.put(other)
		_, err = f.svc.SendTest(ctx, "c1", "e2", "ops@example.com")
		assert.ErrorIs(t, err, appErrors.ErrValidation)

		_, err = f.svc.SendTest(ctx, "nope", "", "ops@example.com")
		assert.True(t, appErrors.IsNotFound(err))

		assert.Zero(t, sender.calls)
	})

	t.Run("campaign without enrollments", func(t *testing.T) {
		f := newCampaignFixture(t, draftCampaign())
		f.svc.Sender = &MockSender{}

		_, err := f.svc.SendTest(ctx, "c1", "", "ops@example.com")
		assert.ErrorIs(t, err, appErrors.ErrValidation)
	})

	t.Run("disabled without a sender", func(t *testing.T) {
		f := newCampaignFixture(t, draftCampaign())

		_, err := f.svc.SendTest(ctx, "c1", "", "ops@example.com")
		assert.ErrorIs(t, err, appErrors.ErrValidation)
	})

	t.Run("delivery failure stops the run", func(t *testing.T) {
		f, sender := newFixture(t)
		sender.fail = assert.AnError

		res, err := f.svc.SendTest(ctx, "c1", "e1", "ops@example.com")
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 0, res.Sent)
		assert.Equal(t, 1, sender.calls)
	})
}
