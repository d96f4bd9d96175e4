package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/exclusion"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type ExclusionRepositoryInterface interface {
	Create(ctx context.Context, e *model.ExclusionEntry) error
	List(ctx context.Context, offset, limit int) ([]*model.ExclusionEntry, int, error)
	LoadLists(ctx context.Context) (*exclusion.Lists, error)
}

type ExclusionRepository struct {
	DB *sql.DB
}

const exclusionColumns = `id, email, phone, domain, reason, source, source_email_id, notes, created_at`

func scanExclusion(row rowScanner) (*model.ExclusionEntry, error) {
	var e model.ExclusionEntry
	if err := row.Scan(&e.ID, &e.Email, &e.Phone, &e.Domain, &e.Reason, &e.Source, &e.SourceEmailID, &e.Notes, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func normalized(p *string, fn func(string) string) *string {
	if p == nil {
		return nil
	}
	v := fn(*p)
	if v == "" {
		return nil
	}
	return &v
}

// Create appends an exclusion. Values are stored normalized.
func (r *ExclusionRepository) Create(ctx context.Context, e *model.ExclusionEntry) error {
	e.Email = normalized(e.Email, exclusion.NormalizeEmail)
	e.Phone = normalized(e.Phone, exclusion.NormalizePhone)
	e.Domain = normalized(e.Domain, exclusion.NormalizeDomain)
	if e.Email == nil && e.Phone == nil && e.Domain == nil {
		return appErrors.Validation("an exclusion needs an email, phone or domain")
	}
	switch e.Reason {
	case model.ExclusionDNC, model.ExclusionBounce, model.ExclusionManual:
	default:
		return appErrors.Validation("unknown exclusion reason %q", e.Reason)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO exclusions (id, email, phone, domain, reason, source, source_email_id, notes, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Email, e.Phone, e.Domain, e.Reason, e.Source, e.SourceEmailID, e.Notes, e.CreatedAt)
	return err
}

func (r *ExclusionRepository) List(ctx context.Context, offset, limit int) ([]*model.ExclusionEntry, int, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+exclusionColumns+` FROM exclusions
        ORDER BY created_at DESC, id DESC
        LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []*model.ExclusionEntry{}
	for rows.Next() {
		e, err := scanExclusion(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM exclusions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// LoadLists snapshots every exclusion plus the domains of do-not-contact companies.
func (r *ExclusionRepository) LoadLists(ctx context.Context) (*exclusion.Lists, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+exclusionColumns+` FROM exclusions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.ExclusionEntry
	for rows.Next() {
		e, err := scanExclusion(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	domainRows, err := r.DB.QueryContext(ctx, `
        SELECT domain FROM companies
        WHERE do_not_contact AND domain IS NOT NULL AND domain <> ''`)
	if err != nil {
		return nil, err
	}
	defer domainRows.Close()

	var domains []string
	for domainRows.Next() {
		var d string
		if err := domainRows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	if err := domainRows.Err(); err != nil {
		return nil, err
	}

	return exclusion.NewLists(entries, domains), nil
}

var _ ExclusionRepositoryInterface = (*ExclusionRepository)(nil)
