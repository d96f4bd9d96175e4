// internal/controller/enrollment_controller.go
package controller

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/handler"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// ReplyRecorder is the part of service.ReplyService the HTTP layer drives.
type ReplyRecorder interface {
	HandleReply(ctx context.Context, ev model.ReplyEvent) error
	Stop(ctx context.Context, enrollmentID string) error
	RecordOpen(ctx context.Context, enrollmentID string, step int, at time.Time) (bool, error)
}

var _ ReplyRecorder = (*service.ReplyService)(nil)

type EnrollmentController struct {
	ReplyService ReplyRecorder
	Logger       *zap.Logger
}

// Reply records an inbound reply for an enrollment, ending its sequence.
func (c *EnrollmentController) Reply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Classification string     `json:"classification"`
		ReceivedAt     *time.Time `json:"received_at"`
	}
	if err := handler.DecodeOptional(r, &body); err != nil {
		handler.Error(w, c.Logger, err)
		return
	}

	ev := model.ReplyEvent{
		EnrollmentID:   chi.URLParam(r, "id"),
		Classification: body.Classification,
	}
	if body.ReceivedAt != nil {
		ev.ReceivedAt = *body.ReceivedAt
	}
	if err := c.ReplyService.HandleReply(r.Context(), ev); err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]interface{}{
		"enrollment_id": ev.EnrollmentID,
		"status":        model.EnrollmentReplied,
	})
}

func (c *EnrollmentController) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.ReplyService.Stop(r.Context(), id); err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]interface{}{
		"enrollment_id": id,
		"status":        model.EnrollmentStopped,
	})
}

// RecordOpen marks a sent step as opened. Only the first open is kept.
func (c *EnrollmentController) RecordOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < 1 {
		handler.Error(w, c.Logger, appErrors.Validation("step must be a positive integer"))
		return
	}

	recorded, err := c.ReplyService.RecordOpen(r.Context(), id, step, time.Time{})
	if err != nil {
		handler.Error(w, c.Logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]interface{}{
		"enrollment_id": id,
		"step":          step,
		"recorded":      recorded,
	})
}
