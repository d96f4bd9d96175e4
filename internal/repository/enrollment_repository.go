package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type EnrollmentRepositoryInterface interface {
	Enroll(ctx context.Context, e *model.Enrollment) (bool, error)
	GetByID(ctx context.Context, id string) (*model.Enrollment, error)
	GetDetail(ctx context.Context, id string) (*model.EnrollmentDetail, error)
	ListActiveDetails(ctx context.Context, campaignIDs []string) ([]*model.EnrollmentDetail, error)
	ListActiveByContactEmail(ctx context.Context, email string) ([]*model.Enrollment, error)
	CountByStatus(ctx context.Context, campaignID string, status model.EnrollmentStatus) (int, error)
	ContactedElsewhere(ctx context.Context, contactID, campaignID string) (bool, error)
	FirstIDByCampaign(ctx context.Context, campaignID string) (string, error)

	MarkReplied(ctx context.Context, id, classification string, at time.Time) (bool, error)
	Stop(ctx context.Context, id string, reason model.StopReason, at time.Time) (bool, error)
	StopIfAtStep(ctx context.Context, id string, step int, reason model.StopReason, at time.Time) (bool, error)
	RecordOpen(ctx context.Context, id string, step int, at time.Time) (bool, error)
	FlagForReview(ctx context.Context, id, note string) error
}

type EnrollmentRepository struct {
	DB *sql.DB
}

const enrollmentColumns = `e.id, e.campaign_id, e.contact_id, e.property_id, e.company_id, e.status, e.current_step,
        e.step_progress, e.stopped_reason, e.replied_at, e.reply_classification, e.completed_at, e.stopped_at,
        e.excluded_dnc, e.excluded_bounce, e.already_contacted, e.needs_review, e.review_note,
        e.created_at, e.activated_at, e.updated_at`

func enrollmentDest(e *model.Enrollment, progress *[]byte) []any {
	return []any{&e.ID, &e.CampaignID, &e.ContactID, &e.PropertyID, &e.CompanyID, &e.Status, &e.CurrentStep,
		progress, &e.StoppedReason, &e.RepliedAt, &e.ReplyClassification, &e.CompletedAt, &e.StoppedAt,
		&e.ExcludedDNC, &e.ExcludedBounce, &e.AlreadyContacted, &e.NeedsReview, &e.ReviewNote,
		&e.CreatedAt, &e.ActivatedAt, &e.UpdatedAt}
}

func decodeProgress(e *model.Enrollment, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &e.Progress); err != nil {
		return fmt.Errorf("decode step progress of enrollment %s: %w", e.ID, err)
	}
	return nil
}

func scanEnrollment(row rowScanner) (*model.Enrollment, error) {
	var e model.Enrollment
	var progress []byte
	if err := row.Scan(enrollmentDest(&e, &progress)...); err != nil {
		return nil, err
	}
	return &e, decodeProgress(&e, progress)
}

// Enroll inserts e unless the contact is already in the campaign, and bumps the
// campaign's total_enrolled when it does. It reports whether a row was created.
func (r *EnrollmentRepository) Enroll(ctx context.Context, e *model.Enrollment) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = model.EnrollmentPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	progress, err := json.Marshal(e.Progress)
	if err != nil {
		return false, err
	}
	if e.Progress == nil {
		progress = []byte("[]")
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO enrollments (id, campaign_id, contact_id, property_id, company_id, status, current_step,
            step_progress, excluded_dnc, excluded_bounce, already_contacted, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11)
        ON CONFLICT (campaign_id, contact_id) DO NOTHING`,
		e.ID, e.CampaignID, e.ContactID, e.PropertyID, e.CompanyID, e.Status, progress,
		e.ExcludedDNC, e.ExcludedBounce, e.AlreadyContacted, e.CreatedAt)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE campaigns SET total_enrolled = total_enrolled + 1, updated_at = NOW()
        WHERE id=$1`, e.CampaignID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*model.Enrollment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments e WHERE e.id=$1`, id)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewEnrollmentNotFound(id)
		}
		return nil, err
	}
	return e, nil
}

const detailQuery = `
        SELECT ` + enrollmentColumns + `,
            ct.id, ct.first_name, ct.last_name, ct.email, ct.phone, ct.company_id,
            co.id, co.name, co.domain, co.do_not_contact,
            p.id, p.address, p.city, p.state, p.property_type, p.building_sf, p.year_built, p.years_held
        FROM enrollments e
        JOIN contacts ct ON ct.id = e.contact_id
        LEFT JOIN companies co ON co.id = COALESCE(e.company_id, ct.company_id)
        LEFT JOIN properties p ON p.id = e.property_id`

func scanDetail(row rowScanner) (*model.EnrollmentDetail, error) {
	var d model.EnrollmentDetail
	var progress []byte
	var (
		coID, coName, coDomain              sql.NullString
		coDNC                               sql.NullBool
		pID, pAddress, pCity, pState, pType sql.NullString
		pBuildingSF, pYearBuilt, pYearsHeld sql.NullInt64
	)

	dest := enrollmentDest(&d.Enrollment, &progress)
	dest = append(dest,
		&d.Contact.ID, &d.Contact.FirstName, &d.Contact.LastName, &d.Contact.Email, &d.Contact.Phone, &d.Contact.CompanyID,
		&coID, &coName, &coDomain, &coDNC,
		&pID, &pAddress, &pCity, &pState, &pType, &pBuildingSF, &pYearBuilt, &pYearsHeld,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := decodeProgress(&d.Enrollment, progress); err != nil {
		return nil, err
	}

	if coID.Valid {
		d.Company = &model.Company{ID: coID.String, Name: coName.String, Domain: coDomain.String, DoNotContact: coDNC.Bool}
	}
	if pID.Valid {
		d.Property = &model.Property{
			ID:           pID.String,
			Address:      pAddress.String,
			City:         pCity.String,
			State:        pState.String,
			PropertyType: pType.String,
			BuildingSF:   nullInt(pBuildingSF),
			YearBuilt:    nullInt(pYearBuilt),
			YearsHeld:    nullInt(pYearsHeld),
		}
	}
	return &d, nil
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func (r *EnrollmentRepository) GetDetail(ctx context.Context, id string) (*model.EnrollmentDetail, error) {
	d, err := scanDetail(r.DB.QueryRowContext(ctx, detailQuery+` WHERE e.id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewEnrollmentNotFound(id)
		}
		return nil, err
	}
	return d, nil
}

// ListActiveDetails returns the active enrollments of the given campaigns, oldest first.
func (r *EnrollmentRepository) ListActiveDetails(ctx context.Context, campaignIDs []string) ([]*model.EnrollmentDetail, error) {
	if len(campaignIDs) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, detailQuery+`
        WHERE e.campaign_id = ANY($1) AND e.status = 'active'
        ORDER BY e.created_at, e.id`, pq.Array(campaignIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.EnrollmentDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListActiveByContactEmail finds the active enrollments of whoever owns email.
func (r *EnrollmentRepository) ListActiveByContactEmail(ctx context.Context, email string) ([]*model.Enrollment, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+enrollmentColumns+`
        FROM enrollments e
        JOIN contacts ct ON ct.id = e.contact_id
        WHERE lower(ct.email) = lower($1) AND e.status = 'active'
        ORDER BY e.created_at`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *EnrollmentRepository) CountByStatus(ctx context.Context, campaignID string, status model.EnrollmentStatus) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrollments WHERE campaign_id=$1 AND status=$2`,
		campaignID, status).Scan(&n)
	return n, err
}

// ContactedElsewhere reports whether the contact was already emailed by another campaign.
func (r *EnrollmentRepository) ContactedElsewhere(ctx context.Context, contactID, campaignID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM enrollments
            WHERE contact_id=$1 AND campaign_id<>$2 AND current_step > 0
        )`, contactID, campaignID).Scan(&exists)
	return exists, err
}

// FirstIDByCampaign returns the earliest enrollment of the campaign, or an
// empty ID when it has none.
func (r *EnrollmentRepository) FirstIDByCampaign(ctx context.Context, campaignID string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `
        SELECT id FROM enrollments WHERE campaign_id=$1
        ORDER BY created_at, id LIMIT 1`, campaignID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// MarkReplied moves the enrollment to replied only if it is still active.
func (r *EnrollmentRepository) MarkReplied(ctx context.Context, id, classification string, at time.Time) (bool, error) {
	var class *string
	if classification != "" {
		class = &classification
	}
	return r.guardedUpdate(ctx, `
        UPDATE enrollments
        SET status='replied', replied_at=$2, reply_classification=$3, updated_at=$2
        WHERE id=$1 AND status='active'
        RETURNING campaign_id`, "total_replied", id, at, class)
}

// Stop moves a pending or active enrollment to stopped.
func (r *EnrollmentRepository) Stop(ctx context.Context, id string, reason model.StopReason, at time.Time) (bool, error) {
	return r.guardedUpdate(ctx, `
        UPDATE enrollments
        SET status='stopped', stopped_reason=$3, stopped_at=$2, updated_at=$2,
            excluded_dnc = excluded_dnc OR $3 = 'dnc',
            excluded_bounce = excluded_bounce OR $3 = 'bounce'
        WHERE id=$1 AND status IN ('pending', 'active')
        RETURNING campaign_id`, "total_stopped", id, at, reason)
}

// StopIfAtStep stops an active enrollment only if it has not moved past step.
func (r *EnrollmentRepository) StopIfAtStep(ctx context.Context, id string, step int, reason model.StopReason, at time.Time) (bool, error) {
	return r.guardedUpdate(ctx, `
        UPDATE enrollments
        SET status='stopped', stopped_reason=$3, stopped_at=$2, updated_at=$2,
            excluded_dnc = excluded_dnc OR $3 = 'dnc',
            excluded_bounce = excluded_bounce OR $3 = 'bounce'
        WHERE id=$1 AND status='active' AND current_step=$4
        RETURNING campaign_id`, "total_stopped", id, at, reason, step)
}

// guardedUpdate runs a conditional enrollment update returning campaign_id and bumps
// the campaign counter in the same transaction. It reports false when no row matched.
func (r *EnrollmentRepository) guardedUpdate(ctx context.Context, update, counter string, args ...any) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var campaignID string
	if err := tx.QueryRowContext(ctx, update, args...).Scan(&campaignID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET `+counter+` = `+counter+` + 1, updated_at = NOW() WHERE id=$1`,
		campaignID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// RecordOpen sets opened_at of a sent step the first time it is reported.
func (r *EnrollmentRepository) RecordOpen(ctx context.Context, id string, step int, at time.Time) (bool, error) {
	if step < 1 {
		return false, appErrors.Validation("step must be at least 1")
	}
	stamp, err := json.Marshal(at.UTC())
	if err != nil {
		return false, err
	}
	idx := step - 1
	return r.guardedUpdate(ctx, `
        UPDATE enrollments
        SET step_progress = jsonb_set(step_progress, ARRAY[$3::text, 'opened_at'], $4::jsonb), updated_at = NOW()
        WHERE id=$1
          AND step_progress -> $2::int ->> 'sent_at' IS NOT NULL
          AND step_progress -> $2::int ->> 'opened_at' IS NULL
        RETURNING campaign_id`, "total_opened", id, idx, strconv.Itoa(idx), string(stamp))
}

// FlagForReview marks the enrollment for an operator without changing its status.
func (r *EnrollmentRepository) FlagForReview(ctx context.Context, id, note string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE enrollments SET needs_review=TRUE, review_note=$2, updated_at=NOW()
        WHERE id=$1`, id, note)
	return err
}

var _ EnrollmentRepositoryInterface = (*EnrollmentRepository)(nil)
