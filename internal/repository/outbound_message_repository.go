package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type OutboundMessageRepository struct {
	DB *sql.DB
}

const outboundColumns = `id, enrollment_id, campaign_id, step, to_email, to_name, from_email, from_name, subject, body,
        scheduled_for, status, attempts, last_error, sent_at, created_at, updated_at`

func scanOutbound(row rowScanner) (*model.OutboundMessage, error) {
	var m model.OutboundMessage
	err := row.Scan(&m.ID, &m.EnrollmentID, &m.CampaignID, &m.Step, &m.ToEmail, &m.ToName, &m.FromEmail, &m.FromName,
		&m.Subject, &m.Body, &m.ScheduledFor, &m.Status, &m.Attempts, &m.LastError, &m.SentAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CommitStep records a send in one transaction: the queue item keyed by
// (enrollment, step), the already advanced enrollment, and the campaign's sent
// counter. The enrollment write only applies if it is still active at fromStep.
//
// It returns appErrors.ErrDuplicateStep when the queue item already exists and
// appErrors.ErrStaleEnrollment when the enrollment moved on; nothing is written
// in either case.
func (r *OutboundMessageRepository) CommitStep(ctx context.Context, msg *model.OutboundMessage, advanced *model.Enrollment, fromStep int) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	msg.Status = model.OutboundPending
	msg.CreatedAt = now
	msg.UpdatedAt = now

	progress, err := json.Marshal(advanced.Progress)
	if err != nil {
		return err
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO outbound_messages
        (id, enrollment_id, campaign_id, step, to_email, to_name, from_email, from_name, subject, body,
         scheduled_for, status, attempts, last_error, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', 0, '', $12, $12)
        ON CONFLICT (enrollment_id, step) DO NOTHING`,
		msg.ID, msg.EnrollmentID, msg.CampaignID, msg.Step, msg.ToEmail, msg.ToName, msg.FromEmail, msg.FromName,
		msg.Subject, msg.Body, msg.ScheduledFor, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.ErrDuplicateStep
	}

	res, err = tx.ExecContext(ctx, `
        UPDATE enrollments
        SET current_step=$1, step_progress=$2, status=$3, completed_at=$4, updated_at=$5
        WHERE id=$6 AND status='active' AND current_step=$7`,
		advanced.CurrentStep, progress, advanced.Status, advanced.CompletedAt, now, advanced.ID, fromStep)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.ErrStaleEnrollment
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE campaigns SET total_sent = total_sent + 1, updated_at = $2 WHERE id=$1`,
		msg.CampaignID, now); err != nil {
		return err
	}

	return tx.Commit()
}

// GetByID fetches an outbound message by its ID
func (r *OutboundMessageRepository) GetByID(ctx context.Context, id string) (*model.OutboundMessage, error) {
	m, err := scanOutbound(r.DB.QueryRowContext(ctx, `SELECT `+outboundColumns+` FROM outbound_messages WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewOutboundMessageNotFound(id)
		}
		return nil, err
	}
	return m, nil
}

// Exists checks whether the step was already enqueued for the enrollment.
func (r *OutboundMessageRepository) Exists(ctx context.Context, enrollmentID string, step int) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
        SELECT EXISTS (SELECT 1 FROM outbound_messages WHERE enrollment_id=$1 AND step=$2)`,
		enrollmentID, step).Scan(&exists)
	return exists, err
}

// ListPending returns pending messages scheduled at or before now, oldest first.
func (r *OutboundMessageRepository) ListPending(ctx context.Context, now time.Time, limit int) ([]*model.OutboundMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+outboundColumns+` FROM outbound_messages
        WHERE status='pending' AND scheduled_for <= $1
        ORDER BY scheduled_for, id
        LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.OutboundMessage
	for rows.Next() {
		m, err := scanOutbound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkSent records delivery of a pending message. It reports false when the
// message was no longer pending.
func (r *OutboundMessageRepository) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE outbound_messages
        SET status='sent', sent_at=$2, attempts=attempts+1, last_error='', updated_at=$2
        WHERE id=$1 AND status='pending'`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAttemptFailed counts a failed delivery attempt and returns the resulting
// status: failed once maxAttempts is reached, pending otherwise.
func (r *OutboundMessageRepository) MarkAttemptFailed(ctx context.Context, id, lastError string, maxAttempts int) (model.OutboundStatus, error) {
	var status model.OutboundStatus
	err := r.DB.QueryRowContext(ctx, `
        UPDATE outbound_messages
        SET attempts = attempts + 1,
            last_error = $2,
            status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END,
            updated_at = NOW()
        WHERE id=$1 AND status='pending'
        RETURNING status`, id, lastError, maxAttempts).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", appErrors.NewOutboundMessageNotFound(id)
	}
	return status, err
}
