// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/handler"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// CampaignManager is the part of service.CampaignService the HTTP layer drives.
type CampaignManager interface {
	CreateCampaign(ctx context.Context, in service.CreateCampaignInput) (*model.Campaign, error)
	UpdateSteps(ctx context.Context, campaignID string, steps []model.EmailStep) (*model.Campaign, error)
	Enroll(ctx context.Context, campaignID string, targets []model.EnrollTarget) (*service.EnrollResult, error)
	EnrollSearch(ctx context.Context, campaignID string) (*service.EnrollResult, error)
	Activate(ctx context.Context, campaignID string) (int, error)
	Pause(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error)
	RenderPreview(ctx context.Context, enrollmentID string, step int) (*service.StepPreview, error)
	SendTest(ctx context.Context, campaignID, enrollmentID, testEmail string) (*service.SendTestResult, error)
}

var _ CampaignManager = (*service.CampaignService)(nil)

type CampaignController struct {
	CampaignService CampaignManager
	Logger          *zap.Logger
}

// PersonalizedPreview renders one step for an enrollment without sending it.
// GET /enrollments/{id}/preview?step=N; a missing step previews the next one due.
func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "id")

	step := 0
	if s := r.URL.Query().Get("step"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			handler.Error(w, c.Logger, appErrors.Validation("step must be a positive integer"))
			return
		}
		step = n
	}

	preview, err := c.CampaignService.RenderPreview(r.Context(), enrollmentID, step)
	if err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, preview)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := handler.Decode(r, &body); err != nil {
		handler.Error(w, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusCreated, campaign)
}

// UpdateSteps replaces the step list of a draft campaign.
func (c *CampaignController) UpdateSteps(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Steps []model.EmailStep `json:"steps"`
	}
	if err := handler.Decode(r, &body); err != nil {
		handler.Error(w, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.UpdateSteps(r.Context(), chi.URLParam(r, "id"), body.Steps)
	if err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		handler.Error(w, c.Logger, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // page, page_size, total_count, total_pages
	})
}

// Enroll adds contacts to a campaign. With no targets in the body the
// campaign's saved search supplies them.
func (c *CampaignController) Enroll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Targets []model.EnrollTarget `json:"targets"`
	}
	if err := handler.DecodeOptional(r, &body); err != nil {
		handler.Error(w, c.Logger, err)
		return
	}

	var (
		res *service.EnrollResult
		err error
	)
	if len(body.Targets) == 0 {
		res, err = c.CampaignService.EnrollSearch(r.Context(), id)
	} else {
		res, err = c.CampaignService.Enroll(r.Context(), id, body.Targets)
	}
	if err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, res)
}

func (c *CampaignController) Activate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	started, err := c.CampaignService.Activate(r.Context(), id)
	if err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id":         id,
		"status":              model.CampaignActive,
		"enrollments_started": started,
	})
}

// SendTest mails the campaign's steps, personalized for one enrollment, to an
// operator address. POST /campaigns/{id}/send-test
func (c *CampaignController) SendTest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TestEmail    string `json:"test_email"`
		EnrollmentID string `json:"enrollment_id"`
	}
	if err := handler.Decode(r, &body); err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	if strings.TrimSpace(body.TestEmail) == "" {
		handler.Error(w, c.Logger, appErrors.Validation("test_email is required"))
		return
	}

	res, err := c.CampaignService.SendTest(r.Context(), chi.URLParam(r, "id"), body.EnrollmentID, body.TestEmail)
	if err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, res)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, c.CampaignService.Pause, model.CampaignPaused)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, c.CampaignService.Resume, model.CampaignActive)
}

func (c *CampaignController) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error, to model.CampaignStatus) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"status":      to,
	})
}
