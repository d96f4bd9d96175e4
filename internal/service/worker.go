package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// OutboundRepository defines the methods the worker needs
type OutboundRepository interface {
	GetByID(ctx context.Context, id string) (*model.OutboundMessage, error)
	ListPending(ctx context.Context, now time.Time, limit int) ([]*model.OutboundMessage, error)
	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	MarkAttemptFailed(ctx context.Context, id, lastError string, maxAttempts int) (model.OutboundStatus, error)
}

// Sender hands a rendered email to the mail transport.
type Sender interface {
	Send(ctx context.Context, msg *model.OutboundMessage) error
}

// Worker delivers queued outbound messages
type Worker struct {
	OutboundRepo OutboundRepository
	Sender       Sender
	MaxAttempts  int
	Logger       *zap.Logger
	Now          func() time.Time

	inFlight sync.Map
}

// Constructor
func NewWorker(repo OutboundRepository, sender Sender, maxAttempts int, log *zap.Logger) *Worker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		OutboundRepo: repo,
		Sender:       sender,
		MaxAttempts:  maxAttempts,
		Logger:       log,
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// HandleJob decodes a queued SendJob and delivers its message.
func (w *Worker) HandleJob(ctx context.Context, body []byte) error {
	var job model.SendJob
	if err := json.Unmarshal(body, &job); err != nil {
		w.Logger.Warn("invalid send job", zap.Error(err))
		return nil
	}
	return w.Process(ctx, job.OutboundMessageID)
}

// Process delivers one pending message. Messages that are unknown or no longer
// pending are skipped without error. A send failure counts an attempt and is
// returned so the caller may retry.
func (w *Worker) Process(ctx context.Context, id string) error {
	if _, busy := w.inFlight.LoadOrStore(id, struct{}{}); busy {
		return nil
	}
	defer w.inFlight.Delete(id)

	msg, err := w.OutboundRepo.GetByID(ctx, id)
	if err != nil {
		var nf *appErrors.ErrOutboundMessageNotFound
		if errors.As(err, &nf) {
			w.Logger.Warn("outbound message not found", zap.String("message_id", id))
			return nil
		}
		return err
	}
	if msg.Status != model.OutboundPending {
		return nil
	}

	if sendErr := w.Sender.Send(ctx, msg); sendErr != nil {
		status, err := w.OutboundRepo.MarkAttemptFailed(ctx, id, sendErr.Error(), w.MaxAttempts)
		if err != nil {
			return errors.Join(sendErr, err)
		}
		if status == model.OutboundFailed {
			w.Logger.Error("outbound message permanently failed",
				zap.String("message_id", id),
				zap.String("enrollment_id", msg.EnrollmentID),
				zap.Int("step", msg.Step),
				zap.Error(sendErr))
			return nil
		}
		return sendErr
	}

	// The email is out; returning an error here would send it again.
	if err := w.markSent(ctx, id); err != nil {
		w.Logger.Error("sent message could not be marked sent",
			zap.String("message_id", id),
			zap.String("enrollment_id", msg.EnrollmentID),
			zap.Int("step", msg.Step),
			zap.Error(err))
		return nil
	}
	w.Logger.Info("outbound message sent",
		zap.String("message_id", id),
		zap.String("enrollment_id", msg.EnrollmentID),
		zap.Int("step", msg.Step),
		logger.Email("to", msg.ToEmail))
	return nil
}

// markSent records a delivered message, trying twice. It ignores cancellation
// of ctx since the send already happened.
func (w *Worker) markSent(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for i := 0; i < 2; i++ {
		if _, err = w.OutboundRepo.MarkSent(ctx, id, w.now()); err == nil {
			return nil
		}
	}
	return err
}

// Sweep delivers pending messages whose notification was lost. It returns how
// many were processed without error.
func (w *Worker) Sweep(ctx context.Context, limit int) (int, error) {
	pending, err := w.OutboundRepo.ListPending(ctx, w.now(), limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, msg := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := w.Process(ctx, msg.ID); err != nil {
			w.Logger.Warn("sweep delivery failed", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (w *Worker) RunSweeper(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.Sweep(ctx, limit); err != nil {
				w.Logger.Error("pending sweep failed", zap.Error(err))
			} else if n > 0 {
				w.Logger.Info("pending sweep delivered messages", zap.Int("count", n))
			}
		}
	}
}
