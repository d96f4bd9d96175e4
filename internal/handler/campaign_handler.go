// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/service"
)

type CampaignStatsReader interface {
	GetCampaignDetailsWithStats(ctx context.Context, campaignID string) (*service.CampaignDetails, error)
}

// CampaignHandler serves read-only campaign views.
type CampaignHandler struct {
	Service CampaignStatsReader
	Logger  *zap.Logger
}

// GetCampaignHandlerWithStats returns a campaign with its enrollment and queue counts.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		Error(w, h.Logger, err)
		return
	}
	JSON(w, http.StatusOK, details)
}
