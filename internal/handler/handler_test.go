package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/exclusion"
	"github.com/unclebandit/outreach-sequencer/internal/handler"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{appErrors.NewCampaignNotFound("c1"), http.StatusNotFound},
		{fmt.Errorf("load: %w", appErrors.NewOutboundMessageNotFound("m1")), http.StatusNotFound},
		{appErrors.Validation("bad timezone %q", "Mars/Base"), http.StatusBadRequest},
		{appErrors.ErrInvalidTransition, http.StatusConflict},
		{appErrors.ErrAlreadyTerminal, http.StatusConflict},
		{appErrors.ErrStaleEnrollment, http.StatusConflict},
		{appErrors.ErrDuplicateStep, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, handler.StatusFor(tt.err), tt.err.Error())
	}
}

type fakeStats struct {
	details *service.CampaignDetails
	err     error
}

func (f *fakeStats) GetCampaignDetailsWithStats(_ context.Context, id string) (*service.CampaignDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.details, nil
}

func TestGetCampaignHandlerWithStats(t *testing.T) {
	h := &handler.CampaignHandler{
		Service: &fakeStats{details: &service.CampaignDetails{
			Campaign: &model.Campaign{ID: "c1", Name: "Owners", Status: model.CampaignActive, TotalSent: 4},
			Stats:    map[string]int{"active": 3, "replied": 1, "pending_sends": 2},
		}},
		Logger: zaptest.NewLogger(t),
	}
	r := chi.NewRouter()
	r.Get("/campaigns/{id}", h.GetCampaignHandlerWithStats)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/campaigns/c1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "c1", got["id"])
	assert.Equal(t, float64(4), got["total_sent"])
	assert.Equal(t, map[string]interface{}{"active": float64(3), "replied": float64(1), "pending_sends": float64(2)}, got["stats"])
}

func TestGetCampaignHandlerWithStatsNotFound(t *testing.T) {
	h := &handler.CampaignHandler{Service: &fakeStats{err: appErrors.NewCampaignNotFound("nope")}}
	r := chi.NewRouter()
	r.Get("/campaigns/{id}", h.GetCampaignHandlerWithStats)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/campaigns/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "campaign with ID nope not found")
}

type fakeExclusionRepo struct {
	entries []*model.ExclusionEntry
	offset  int
	limit   int
}

func (f *fakeExclusionRepo) Create(_ context.Context, e *model.ExclusionEntry) error {
	if e.Email == nil && e.Phone == nil && e.Domain == nil {
		return appErrors.Validation("exclusion needs an email, phone or domain")
	}
	e.ID = fmt.Sprintf("x%d", len(f.entries)+1)
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeExclusionRepo) List(_ context.Context, offset, limit int) ([]*model.ExclusionEntry, int, error) {
	f.offset, f.limit = offset, limit
	end := offset + limit
	if end > len(f.entries) {
		end = len(f.entries)
	}
	if offset > end {
		offset = end
	}
	return f.entries[offset:end], len(f.entries), nil
}

func (f *fakeExclusionRepo) LoadLists(context.Context) (*exclusion.Lists, error) {
	return exclusion.NewLists(nil, nil), nil
}

var _ repository.ExclusionRepositoryInterface = (*fakeExclusionRepo)(nil)

func TestCreateExclusionHandler(t *testing.T) {
	repo := &fakeExclusionRepo{}
	h := &handler.ExclusionHandler{Repo: repo}

	w := httptest.NewRecorder()
	h.CreateExclusionHandler(w, httptest.NewRequest("POST", "/exclusions", strings.NewReader(`{"email":"owner@example.com"}`)))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, repo.entries, 1)
	assert.Equal(t, model.ExclusionManual, repo.entries[0].Reason)
	assert.Equal(t, "api", repo.entries[0].Source)
}

func TestCreateExclusionHandlerRejectsEmpty(t *testing.T) {
	h := &handler.ExclusionHandler{Repo: &fakeExclusionRepo{}}

	w := httptest.NewRecorder()
	h.CreateExclusionHandler(w, httptest.NewRequest("POST", "/exclusions", strings.NewReader(`{"reason":"dnc"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListExclusionsHandler(t *testing.T) {
	repo := &fakeExclusionRepo{}
	for i := 0; i < 7; i++ {
		email := fmt.Sprintf("o%d@example.com", i)
		repo.entries = append(repo.entries, &model.ExclusionEntry{ID: fmt.Sprint(i), Email: &email, Reason: model.ExclusionDNC})
	}
	h := &handler.ExclusionHandler{Repo: repo}

	w := httptest.NewRecorder()
	h.ListExclusionsHandler(w, httptest.NewRequest("GET", "/exclusions?page=2&page_size=3", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, repo.offset)
	assert.Equal(t, 3, repo.limit)

	var resp struct {
		Data       []model.ExclusionEntry `json:"data"`
		Pagination map[string]int         `json:"pagination"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Data, 3)
	assert.Equal(t, 7, resp.Pagination["total_count"])
	assert.Equal(t, 3, resp.Pagination["total_pages"])
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	(&handler.HealthHandler{DB: fakePinger{}}).Health(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	(&handler.HealthHandler{DB: fakePinger{err: errors.New("down")}}).Health(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
