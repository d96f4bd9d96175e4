// internal/model/contact.go
package model

import "strings"

type Contact struct {
	ID        string  `db:"id" json:"id"`
	FirstName string  `db:"first_name" json:"first_name"`
	LastName  string  `db:"last_name" json:"last_name"`
	Email     string  `db:"email" json:"email"`
	Phone     string  `db:"phone" json:"phone,omitempty"`
	CompanyID *string `db:"company_id" json:"company_id,omitempty"`
}

func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// EmailDomain returns the part of the email after the last '@', or "" when there is none.
func (c Contact) EmailDomain() string {
	i := strings.LastIndex(c.Email, "@")
	if i < 0 {
		return ""
	}
	return c.Email[i+1:]
}

type Company struct {
	ID           string `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	Domain       string `db:"domain" json:"domain,omitempty"`
	DoNotContact bool   `db:"do_not_contact" json:"do_not_contact"`
}

// Property is the building a contact is being approached about.
type Property struct {
	ID           string `db:"id" json:"id"`
	Address      string `db:"address" json:"address"`
	City         string `db:"city" json:"city"`
	State        string `db:"state" json:"state"`
	PropertyType string `db:"property_type" json:"property_type"`
	BuildingSF   *int   `db:"building_sf" json:"building_sf,omitempty"`
	YearBuilt    *int   `db:"year_built" json:"year_built,omitempty"`
	YearsHeld    *int   `db:"years_held" json:"years_held,omitempty"`
}
