// internal/handler/exclusion_handler.go
package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

type ExclusionHandler struct {
	Repo   repository.ExclusionRepositoryInterface
	Logger *zap.Logger
}

// CreateExclusionHandler adds an email, phone or domain to the exclusion list.
func (h *ExclusionHandler) CreateExclusionHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email         *string               `json:"email"`
		Phone         *string               `json:"phone"`
		Domain        *string               `json:"domain"`
		Reason        model.ExclusionReason `json:"reason"`
		Source        string                `json:"source"`
		SourceEmailID *string               `json:"source_email_id"`
		Notes         string                `json:"notes"`
	}
	if err := Decode(r, &payload); err != nil {
		Error(w, h.Logger, err)
		return
	}
	if payload.Reason == "" {
		payload.Reason = model.ExclusionManual
	}
	if payload.Source == "" {
		payload.Source = "api"
	}

	entry := &model.ExclusionEntry{
		Email:         payload.Email,
		Phone:         payload.Phone,
		Domain:        payload.Domain,
		Reason:        payload.Reason,
		Source:        payload.Source,
		SourceEmailID: payload.SourceEmailID,
		Notes:         payload.Notes,
	}
	if err := h.Repo.Create(r.Context(), entry); err != nil {
		Error(w, h.Logger, err)
		return
	}
	JSON(w, http.StatusCreated, entry)
}

// ListExclusionsHandler returns exclusions newest first.
func (h *ExclusionHandler) ListExclusionsHandler(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)
	if pageSize > 500 {
		pageSize = 500
	}

	entries, total, err := h.Repo.List(r.Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		Error(w, h.Logger, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"data": entries,
		"pagination": map[string]int{
			"page":        page,
			"page_size":   pageSize,
			"total_count": total,
			"total_pages": (total + pageSize - 1) / pageSize,
		},
	})
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}
