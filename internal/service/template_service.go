// internal/service/template_service.go
package service

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// Merge fields understood in step subjects and bodies. Plain tags are matched
// case-insensitively, so {{FirstName}} and {{ first_name }} are the same field.
var mergeAliases = map[string]string{
	"first_name":       "first_name",
	"firstname":        "first_name",
	"last_name":        "last_name",
	"lastname":         "last_name",
	"full_name":        "full_name",
	"company_name":     "company_name",
	"property_address": "property_address",
	"address":          "address",
	"property_type":    "property_type",
	"building_sf":      "building_sf",
	"size":             "building_sf",
	"years_held":       "years_held",
	"year_built":       "year_built",
	"city":             "city",
	"state":            "state",
}

var (
	plainTag       = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)
	yearsHeldForm  = regexp.MustCompile(`(?i)\s*for \{\{\s*years_held\s*\}\} years?`)
	yearsHeldOwned = regexp.MustCompile(`(?i)\{\{\s*years_held\s*\}\} years? of ownership`)
	repeatedSpaces = regexp.MustCompile(` {2,}`)
)

// TemplateService renders campaign steps for one enrollment with Liquid.
type TemplateService struct {
	engine  *liquid.Engine
	printer *message.Printer
	cache   sync.Map // normalized source -> *liquid.Template
}

func NewTemplateService() *TemplateService {
	ts := &TemplateService{
		engine:  liquid.NewEngine(),
		printer: message.NewPrinter(language.English),
	}

	// {{ building_sf_raw | number }} -> 12,500
	ts.engine.RegisterFilter("number", func(n int) string {
		return ts.printer.Sprintf("%d", n)
	})
	// {{ building_sf_raw | sf }} -> 12,500 SF
	ts.engine.RegisterFilter("sf", func(n int) string {
		if n <= 0 {
			return ""
		}
		return ts.printer.Sprintf("%d SF", n)
	})
	return ts
}

// Bindings builds the merge values for an enrollment. Casers are created per call
// because they are not safe for concurrent use.
func (ts *TemplateService) Bindings(d *model.EnrollmentDetail) liquid.Bindings {
	first := "there"
	if fields := strings.Fields(d.Contact.FirstName); len(fields) > 0 {
		first = cases.Title(language.English).String(fields[0])
	}
	b := liquid.Bindings{
		"first_name":       first,
		"last_name":        d.Contact.LastName,
		"full_name":        d.Contact.FullName(),
		"company_name":     "",
		"property_address": "the property",
		"address":          "the property",
		"property_type":    "commercial",
		"building_sf":      "",
		"building_sf_raw":  0,
		"years_held":       "",
		"year_built":       "",
		"city":             "",
		"state":            "",
	}
	if d.Company != nil {
		b["company_name"] = d.Company.Name
	}

	p := d.Property
	if p == nil {
		return b
	}
	if full := joinNonEmpty(", ", p.Address, p.City, p.State); full != "" {
		b["property_address"] = full
	}
	if p.Address != "" {
		b["address"] = p.Address
	}
	if p.PropertyType != "" {
		b["property_type"] = cases.Lower(language.English).String(p.PropertyType)
	}
	if p.BuildingSF != nil && *p.BuildingSF > 0 {
		b["building_sf"] = ts.printer.Sprintf("%d SF", *p.BuildingSF)
		b["building_sf_raw"] = *p.BuildingSF
	}
	if p.YearsHeld != nil && *p.YearsHeld > 0 {
		b["years_held"] = *p.YearsHeld
	}
	if p.YearBuilt != nil && *p.YearBuilt > 0 {
		b["year_built"] = *p.YearBuilt
	}
	b["city"] = p.City
	b["state"] = p.State
	return b
}

// Render renders one template against the bindings of d.
func (ts *TemplateService) Render(src string, d *model.EnrollmentDetail) (string, error) {
	b := ts.Bindings(d)
	if _, known := b["years_held"].(int); !known {
		src = yearsHeldForm.ReplaceAllString(src, "")
		src = yearsHeldOwned.ReplaceAllString(src, "")
	}
	src = normalizeTags(src)

	tpl, err := ts.parse(src)
	if err != nil {
		return "", err
	}
	out, rerr := tpl.RenderString(b)
	if rerr != nil {
		return "", fmt.Errorf("render template: %w", rerr)
	}
	return repeatedSpaces.ReplaceAllString(out, " "), nil
}

// RenderStep renders the subject and body of step for d.
func (ts *TemplateService) RenderStep(step model.EmailStep, d *model.EnrollmentDetail) (subject, body string, err error) {
	if subject, err = ts.Render(step.Subject, d); err != nil {
		return "", "", fmt.Errorf("step %d subject: %w", step.Position, err)
	}
	if body, err = ts.Render(step.Body, d); err != nil {
		return "", "", fmt.Errorf("step %d body: %w", step.Position, err)
	}
	return strings.TrimSpace(subject), body, nil
}

// Validate parses src without rendering it.
func (ts *TemplateService) Validate(src string) error {
	_, err := ts.parse(normalizeTags(src))
	return err
}

func (ts *TemplateService) parse(src string) (*liquid.Template, error) {
	if cached, ok := ts.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, perr := ts.engine.ParseString(src)
	if perr != nil {
		return nil, fmt.Errorf("parse template: %w", perr)
	}
	ts.cache.Store(src, tpl)
	return tpl, nil
}

func normalizeTags(src string) string {
	return plainTag.ReplaceAllStringFunc(src, func(tag string) string {
		name := plainTag.FindStringSubmatch(tag)[1]
		if field, ok := mergeAliases[strings.ToLower(name)]; ok {
			return "{{ " + field + " }}"
		}
		return tag
	})
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
