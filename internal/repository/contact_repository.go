package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// ContactRepositoryInterface defines methods used by service
type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Contact, error)
	GetCompany(ctx context.Context, id string) (*model.Company, error)
	ListBySearch(ctx context.Context, searchID string) ([]model.EnrollTarget, error)
}

// ContactRepository is the concrete implementation
type ContactRepository struct {
	DB *sql.DB
}

// GetByID fetches a contact by ID. A missing contact is (nil, nil).
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*model.Contact, error) {
	query := `
        SELECT id, first_name, last_name, email, phone, company_id
        FROM contacts
        WHERE id = $1
    `
	var c model.Contact
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.CompanyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, err
	}
	return &c, nil
}

// GetCompany fetches a company by ID. A missing company is (nil, nil).
func (r *ContactRepository) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	var c model.Company
	var domain sql.NullString
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, name, domain, do_not_contact FROM companies WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &domain, &c.DoNotContact)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Domain = domain.String
	return &c, nil
}

// ListBySearch returns the contact/property pairs saved under a search, used to
// enroll a whole list at once.
func (r *ContactRepository) ListBySearch(ctx context.Context, searchID string) ([]model.EnrollTarget, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT sr.contact_id, sr.property_id, c.company_id
        FROM search_results sr
        JOIN contacts c ON c.id = sr.contact_id
        WHERE sr.search_id = $1
        ORDER BY sr.created_at, sr.contact_id`, searchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := []model.EnrollTarget{}
	for rows.Next() {
		var t model.EnrollTarget
		if err := rows.Scan(&t.ContactID, &t.PropertyID, &t.CompanyID); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
