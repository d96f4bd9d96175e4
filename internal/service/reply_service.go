// internal/service/reply_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
	"github.com/unclebandit/outreach-sequencer/internal/sequence"
)

// Classifications that also put the sender on the do-not-contact list.
var dncClassifications = map[string]bool{
	"hard_pass":   true,
	"unsubscribe": true,
}

// ReplyService applies reply, open, bounce and manual-stop events to enrollments.
// Every enrollment write is conditional on the current status, so it is safe to
// run next to the scheduler.
type ReplyService struct {
	EnrollmentRepo repository.EnrollmentRepositoryInterface
	ExclusionRepo  repository.ExclusionRepositoryInterface
	Logger         *zap.Logger
	Now            func() time.Time
}

func (s *ReplyService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *ReplyService) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// HandleReply moves an active enrollment to replied. It returns
// appErrors.ErrAlreadyTerminal when the enrollment already ended and an
// *appErrors.ErrEnrollmentNotFound when it does not exist.
func (s *ReplyService) HandleReply(ctx context.Context, ev model.ReplyEvent) error {
	if ev.EnrollmentID == "" {
		return appErrors.Validation("enrollment_id is required")
	}
	at := ev.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}

	e, err := s.EnrollmentRepo.GetByID(ctx, ev.EnrollmentID)
	if err != nil {
		return err
	}
	if err := sequence.MarkReplied(e, ev.Classification, at); err != nil {
		return fmt.Errorf("enrollment %s: %w", ev.EnrollmentID, err)
	}

	// The guarded write loses when the scheduler finished the enrollment meanwhile.
	ok, err := s.EnrollmentRepo.MarkReplied(ctx, ev.EnrollmentID, ev.Classification, at)
	if err != nil {
		return fmt.Errorf("mark enrollment %s replied: %w", ev.EnrollmentID, err)
	}
	if !ok {
		return s.explainNoop(ctx, ev.EnrollmentID)
	}

	s.log().Info("enrollment replied",
		zap.String("enrollment_id", ev.EnrollmentID),
		zap.String("classification", ev.Classification))

	if dncClassifications[ev.Classification] {
		if err := s.excludeSender(ctx, ev.EnrollmentID, ev.Classification); err != nil {
			// The reply itself is recorded; the exclusion can be added by hand.
			s.log().Error("failed to add replying contact to do-not-contact list",
				zap.String("enrollment_id", ev.EnrollmentID), zap.Error(err))
		}
	}
	return nil
}

func (s *ReplyService) excludeSender(ctx context.Context, enrollmentID, classification string) error {
	d, err := s.EnrollmentRepo.GetDetail(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if d.Contact.Email == "" {
		return nil
	}
	email := d.Contact.Email
	return s.ExclusionRepo.Create(ctx, &model.ExclusionEntry{
		Email:  &email,
		Reason: model.ExclusionDNC,
		Source: "reply",
		Notes:  "classified as " + classification,
	})
}

// explainNoop turns a guarded update that matched nothing into the matching error.
func (s *ReplyService) explainNoop(ctx context.Context, id string) error {
	e, err := s.EnrollmentRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if e.Status.Terminal() {
		return fmt.Errorf("%w: enrollment %s is %s", appErrors.ErrAlreadyTerminal, id, e.Status)
	}
	if e.Status == model.EnrollmentPending {
		return fmt.Errorf("%w: enrollment %s has not started", appErrors.ErrInvalidTransition, id)
	}
	return fmt.Errorf("%w: enrollment %s", appErrors.ErrStaleEnrollment, id)
}

// Stop ends a pending or active enrollment at an operator's request.
func (s *ReplyService) Stop(ctx context.Context, enrollmentID string) error {
	e, err := s.EnrollmentRepo.GetByID(ctx, enrollmentID)
	if err != nil {
		return err
	}
	now := s.now()
	if err := sequence.Stop(e, model.StopManual, now); err != nil {
		return fmt.Errorf("enrollment %s: %w", enrollmentID, err)
	}
	ok, err := s.EnrollmentRepo.Stop(ctx, enrollmentID, model.StopManual, now)
	if err != nil {
		return err
	}
	if !ok {
		return s.explainNoop(ctx, enrollmentID)
	}
	s.log().Info("enrollment stopped", zap.String("enrollment_id", enrollmentID),
		zap.String("reason", string(model.StopManual)))
	return nil
}

// RecordOpen sets the open time of a sent step. Repeated opens and opens of
// unsent steps are ignored and reported as false.
func (s *ReplyService) RecordOpen(ctx context.Context, enrollmentID string, step int, at time.Time) (bool, error) {
	if at.IsZero() {
		at = s.now()
	}
	e, err := s.EnrollmentRepo.GetByID(ctx, enrollmentID)
	if err != nil {
		return false, err
	}
	first, err := sequence.MarkOpened(e, step, at)
	if errors.Is(err, appErrors.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil || !first {
		return false, err
	}
	return s.EnrollmentRepo.RecordOpen(ctx, enrollmentID, step, at)
}

// RecordBounce adds a bounce exclusion for email. Active enrollments of that
// address are stopped by the scheduler on their next due step.
func (s *ReplyService) RecordBounce(ctx context.Context, email, sourceEmailID string) error {
	entry := &model.ExclusionEntry{
		Email:  &email,
		Reason: model.ExclusionBounce,
		Source: "bounce",
	}
	if sourceEmailID != "" {
		entry.SourceEmailID = &sourceEmailID
	}
	if err := s.ExclusionRepo.Create(ctx, entry); err != nil {
		return err
	}
	s.log().Info("bounce recorded", logger.Email("email", email))
	return nil
}

// HandleInboundFrom records a reply for every active enrollment of the sender.
// It returns how many enrollments moved to replied.
func (s *ReplyService) HandleInboundFrom(ctx context.Context, fromEmail, classification string, at time.Time) (int, error) {
	enrollments, err := s.EnrollmentRepo.ListActiveByContactEmail(ctx, fromEmail)
	if err != nil {
		return 0, err
	}
	replied := 0
	for _, e := range enrollments {
		err := s.HandleReply(ctx, model.ReplyEvent{EnrollmentID: e.ID, Classification: classification, ReceivedAt: at})
		switch {
		case err == nil:
			replied++
		case errors.Is(err, appErrors.ErrAlreadyTerminal), errors.Is(err, appErrors.ErrStaleEnrollment):
		default:
			return replied, err
		}
	}
	return replied, nil
}

// HandleReplyEvent consumes a JSON ReplyEvent from the reply queue. Events that
// can never apply are logged and acknowledged; store errors are returned for redelivery.
func (s *ReplyService) HandleReplyEvent(ctx context.Context, body []byte) error {
	var ev model.ReplyEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.log().Warn("invalid reply event", zap.Error(err))
		return nil
	}
	err := s.HandleReply(ctx, ev)
	switch {
	case err == nil:
		return nil
	case appErrors.IsNotFound(err),
		errors.Is(err, appErrors.ErrValidation),
		errors.Is(err, appErrors.ErrAlreadyTerminal),
		errors.Is(err, appErrors.ErrInvalidTransition),
		errors.Is(err, appErrors.ErrStaleEnrollment):
		s.log().Info("reply event ignored", zap.String("enrollment_id", ev.EnrollmentID), zap.Error(err))
		return nil
	default:
		return err
	}
}
