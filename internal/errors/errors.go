// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when no campaign has the requested ID.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrEnrollmentNotFound struct {
	EnrollmentID string
}

func (e *ErrEnrollmentNotFound) Error() string {
	return fmt.Sprintf("enrollment with ID %s not found", e.EnrollmentID)
}

func NewEnrollmentNotFound(id string) error {
	return &ErrEnrollmentNotFound{EnrollmentID: id}
}

type ErrOutboundMessageNotFound struct {
	MessageID string
}

func (e *ErrOutboundMessageNotFound) Error() string {
	return fmt.Sprintf("outbound message with ID %s not found", e.MessageID)
}

func NewOutboundMessageNotFound(id string) error {
	return &ErrOutboundMessageNotFound{MessageID: id}
}

// IsNotFound reports whether err is any of the not-found errors above.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var e *ErrEnrollmentNotFound
	var m *ErrOutboundMessageNotFound
	return errors.As(err, &c) || errors.As(err, &e) || errors.As(err, &m)
}

var (
	// ErrInvalidTransition means the requested state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyTerminal means the enrollment already replied, completed or stopped.
	ErrAlreadyTerminal = errors.New("enrollment is in a terminal state")
	// ErrStaleEnrollment means the enrollment changed between read and write.
	ErrStaleEnrollment = errors.New("enrollment changed concurrently")
	// ErrDuplicateStep means a queue item for the same (enrollment, step) already exists.
	ErrDuplicateStep = errors.New("step already enqueued")
	// ErrValidation wraps bad caller input.
	ErrValidation = errors.New("validation failed")
)

// InvariantError reports enrollment or campaign data that can never be valid,
// such as a current step beyond the campaign's step count.
type InvariantError struct {
	EnrollmentID string
	Detail       string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated for enrollment %s: %s", e.EnrollmentID, e.Detail)
}

func NewInvariantError(enrollmentID, format string, args ...any) error {
	return &InvariantError{EnrollmentID: enrollmentID, Detail: fmt.Sprintf(format, args...)}
}

// Validation wraps ErrValidation with a message for the caller.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
