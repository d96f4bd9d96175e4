// Package sequence holds the enrollment lifecycle: which transitions are legal,
// and which step of a campaign is due for an enrollment at a given instant.
// Everything here works on already-loaded values and performs no I/O.
package sequence

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

const day = 24 * time.Hour

// Advance records that step was enqueued at sentAt. The last configured step
// completes the enrollment.
func Advance(e *model.Enrollment, c *model.Campaign, step int, sentAt time.Time) error {
	if e.Status.Terminal() {
		return appErrors.ErrAlreadyTerminal
	}
	if e.Status != model.EnrollmentActive {
		return fmt.Errorf("%w: advance from %s", appErrors.ErrInvalidTransition, e.Status)
	}
	if step != e.CurrentStep+1 {
		return fmt.Errorf("%w: advance to step %d from step %d", appErrors.ErrInvalidTransition, step, e.CurrentStep)
	}
	if step > len(c.Steps) {
		return appErrors.NewInvariantError(e.ID, "step %d beyond %d configured steps", step, len(c.Steps))
	}

	ensureProgress(e, len(c.Steps))
	e.Progress[step-1].SentAt = &sentAt
	e.CurrentStep = step
	if step == len(c.Steps) {
		e.Status = model.EnrollmentCompleted
		e.CompletedAt = &sentAt
	}
	return nil
}

// MarkReplied ends an active enrollment because the contact answered.
func MarkReplied(e *model.Enrollment, classification string, at time.Time) error {
	if e.Status.Terminal() {
		return appErrors.ErrAlreadyTerminal
	}
	if e.Status != model.EnrollmentActive {
		return fmt.Errorf("%w: reply while %s", appErrors.ErrInvalidTransition, e.Status)
	}
	e.Status = model.EnrollmentReplied
	e.RepliedAt = &at
	if classification != "" {
		e.ReplyClassification = &classification
	}
	return nil
}

// Stop ends a pending or active enrollment for the given reason.
func Stop(e *model.Enrollment, reason model.StopReason, at time.Time) error {
	if e.Status.Terminal() {
		return appErrors.ErrAlreadyTerminal
	}
	switch reason {
	case model.StopReplied, model.StopDNC, model.StopBounce, model.StopManual:
	default:
		return fmt.Errorf("%w: unknown stop reason %q", appErrors.ErrInvalidTransition, reason)
	}
	e.Status = model.EnrollmentStopped
	e.StoppedReason = &reason
	e.StoppedAt = &at
	return nil
}

// MarkOpened records the first open of a step that was already sent. It returns
// false when the open was already known.
func MarkOpened(e *model.Enrollment, step int, at time.Time) (bool, error) {
	sent := e.SentAt(step)
	if sent == nil {
		return false, fmt.Errorf("%w: step %d was never sent", appErrors.ErrInvalidTransition, step)
	}
	p := &e.Progress[step-1]
	if p.OpenedAt != nil {
		return false, nil
	}
	p.OpenedAt = &at
	return true, nil
}

// NextStep returns the step that follows e's current step and the earliest time
// it may be sent. ok is false when e is not active or has no step left.
//
// Step 1 becomes eligible at the enrollment's creation time. Every later step N
// becomes eligible DelayDays[N] whole days after step N-1 was sent.
// Malformed state is returned as an *appErrors.InvariantError.
func NextStep(e *model.Enrollment, c *model.Campaign) (step int, earliest time.Time, ok bool, err error) {
	if e.Status != model.EnrollmentActive {
		return 0, time.Time{}, false, nil
	}
	if len(c.Steps) == 0 {
		return 0, time.Time{}, false, appErrors.NewInvariantError(e.ID, "campaign %s has no steps", c.ID)
	}
	if e.CurrentStep < 0 || e.CurrentStep > len(c.Steps) {
		return 0, time.Time{}, false, appErrors.NewInvariantError(e.ID, "current step %d outside 0..%d", e.CurrentStep, len(c.Steps))
	}

	target := e.CurrentStep + 1
	if target > len(c.Steps) {
		return 0, time.Time{}, false, nil
	}

	if e.CurrentStep == 0 {
		return target, e.CreatedAt, true, nil
	}
	sent := e.SentAt(e.CurrentStep)
	if sent == nil {
		return 0, time.Time{}, false, appErrors.NewInvariantError(e.ID, "step %d has no sent time", e.CurrentStep)
	}
	delay := c.Steps[target-1].DelayDays
	if delay < 0 {
		return 0, time.Time{}, false, appErrors.NewInvariantError(e.ID, "step %d has negative delay %d", target, delay)
	}
	return target, sent.Add(time.Duration(delay) * day), true, nil
}

// DueStep reports which step, if any, should be sent for e at now.
func DueStep(e *model.Enrollment, c *model.Campaign, now time.Time) (int, bool, error) {
	step, earliest, ok, err := NextStep(e, c)
	if err != nil || !ok {
		return 0, false, err
	}
	if now.Before(earliest) {
		return 0, false, nil
	}
	return step, true, nil
}

func ensureProgress(e *model.Enrollment, n int) {
	if len(e.Progress) >= n {
		return
	}
	grown := make([]model.StepProgress, n)
	copy(grown, e.Progress)
	e.Progress = grown
}
