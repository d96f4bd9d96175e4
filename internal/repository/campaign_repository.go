package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListActive(ctx context.Context) ([]*model.Campaign, error)
	UpdateSteps(ctx context.Context, c *model.Campaign) error

	// Lifecycle
	Activate(ctx context.Context, id string, now time.Time) (int, error)
	TransitionStatus(ctx context.Context, id string, from, to model.CampaignStatus) (bool, error)
	CompleteFinished(ctx context.Context, ids []string) ([]string, error)

	// Stats
	GetCampaignStats(ctx context.Context, campaignID string) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, search_id, status, steps, send_window_start, send_window_end, timezone,
        weekdays_only, rate_limit_group, from_email, from_name, total_enrolled, total_sent, total_opened,
        total_replied, total_stopped, activated_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var steps []byte
	err := row.Scan(&c.ID, &c.Name, &c.SearchID, &c.Status, &steps, &c.WindowStart, &c.WindowEnd, &c.Timezone,
		&c.WeekdaysOnly, &c.RateLimitGroup, &c.FromEmail, &c.FromName, &c.TotalEnrolled, &c.TotalSent, &c.TotalOpened,
		&c.TotalReplied, &c.TotalStopped, &c.ActivatedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &c.Steps); err != nil {
			return nil, fmt.Errorf("decode steps of campaign %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.RateLimitGroup == "" {
		c.RateLimitGroup = model.DefaultRateLimitGroup
	}
	c.CreatedAt = time.Now().UTC()

	steps, err := json.Marshal(c.Steps)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO campaigns (id, name, search_id, status, steps, send_window_start, send_window_end, timezone,
            weekdays_only, rate_limit_group, from_email, from_name, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `
	_, err = r.DB.ExecContext(ctx, query, c.ID, c.Name, c.SearchID, c.Status, steps, c.WindowStart, c.WindowEnd,
		c.Timezone, c.WeekdaysOnly, c.RateLimitGroup, c.FromEmail, c.FromName, c.CreatedAt)
	return err
}

// UpdateSteps replaces the step list of a draft campaign.
func (r *CampaignRepository) UpdateSteps(ctx context.Context, c *model.Campaign) error {
	steps, err := json.Marshal(c.Steps)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET steps=$1, updated_at=NOW()
        WHERE id=$2 AND status='draft'`, steps, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: campaign %s is not a draft", appErrors.ErrInvalidTransition, c.ID)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Count total
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// ListActive returns every campaign whose status is active right now.
func (r *CampaignRepository) ListActive(ctx context.Context) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status='active' ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ====================== Lifecycle ======================

// Activate moves a draft campaign and all of its pending enrollments to active in
// one transaction and returns how many enrollments were activated.
func (r *CampaignRepository) Activate(ctx context.Context, id string, now time.Time) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE campaigns SET status='active', activated_at=$2, updated_at=$2
        WHERE id=$1 AND status='draft'`, id, now)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: campaign %s is not a draft", appErrors.ErrInvalidTransition, id)
	}

	res, err = tx.ExecContext(ctx, `
        UPDATE enrollments SET status='active', current_step=0, activated_at=$2, updated_at=$2
        WHERE campaign_id=$1 AND status='pending'`, id, now)
	if err != nil {
		return 0, err
	}
	activated, _ := res.RowsAffected()
	if activated == 0 {
		return 0, appErrors.Validation("campaign %s has no pending enrollments", id)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(activated), nil
}

// TransitionStatus changes the status only when it is still from.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, from, to model.CampaignStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET status=$1, updated_at=NOW()
        WHERE id=$2 AND status=$3`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteFinished marks active campaigns among ids that have no pending or active
// enrollment left as completed, returning the ones it changed.
func (r *CampaignRepository) CompleteFinished(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `
        UPDATE campaigns c SET status='completed', updated_at=NOW()
        WHERE c.id = ANY($1) AND c.status='active'
          AND NOT EXISTS (
              SELECT 1 FROM enrollments e
              WHERE e.campaign_id = c.id AND e.status IN ('pending', 'active')
          )
        RETURNING c.id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var done []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		done = append(done, id)
	}
	return done, rows.Err()
}

// ====================== Stats ======================

// GetCampaignStats counts the campaign's enrollments and queue items by status.
func (r *CampaignRepository) GetCampaignStats(ctx context.Context, campaignID string) (map[string]int, error) {
	stats := map[string]int{
		"enrollments_pending":   0,
		"enrollments_active":    0,
		"enrollments_replied":   0,
		"enrollments_completed": 0,
		"enrollments_stopped":   0,
		"messages_pending":      0,
		"messages_sent":         0,
		"messages_failed":       0,
	}

	query := `
        SELECT 'enrollments_' || status, COUNT(*) FROM enrollments WHERE campaign_id=$1 GROUP BY status
        UNION ALL
        SELECT 'messages_' || status, COUNT(*) FROM outbound_messages WHERE campaign_id=$1 GROUP BY status
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		stats[key] = count
	}
	return stats, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
