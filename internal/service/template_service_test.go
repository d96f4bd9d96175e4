package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

func ownerDetail() *model.EnrollmentDetail {
	return &model.EnrollmentDetail{
		Enrollment: model.Enrollment{ID: "e1", CampaignID: "c1", Status: model.EnrollmentActive},
		Contact:    model.Contact{ID: "ct1", FirstName: "DANA", LastName: "Lee", Email: "dana@acme.com"},
		Company:    &model.Company{ID: "co1", Name: "Acme Holdings", Domain: "acme.com"},
		Property: &model.Property{
			ID: "p1", Address: "100 Main St", City: "Fresno", State: "CA", PropertyType: "Industrial",
			BuildingSF: intPtr(12500), YearBuilt: intPtr(1987), YearsHeld: intPtr(14),
		},
	}
}

func TestTemplateService_Render(t *testing.T) {
	ts := service.NewTemplateService()

	tests := []struct {
		name   string
		src    string
		detail *model.EnrollmentDetail
		want   string
	}{
		{
			name:   "all merge fields",
			src:    "Hi {{FirstName}}, you've owned {{property_address}} for {{years_held}} years. It's a {{ building_sf }} {{property_type}} building from {{year_built}}.",
			detail: ownerDetail(),
			want:   "Hi Dana, you've owned 100 Main St, Fresno, CA for 14 years. It's a 12,500 SF industrial building from 1987.",
		},
		{
			name:   "tags are case-insensitive",
			src:    "{{ FIRST_NAME }} at {{Company_Name}} in {{city}}, {{state}}",
			detail: ownerDetail(),
			want:   "Dana at Acme Holdings in Fresno, CA",
		},
		{
			name: "fallbacks without property",
			src:  "Hi {{first_name}}, we like {{address}}  which you held for {{years_held}} years.",
			detail: &model.EnrollmentDetail{
				Contact: model.Contact{ID: "ct2", Email: "x@example.com"},
			},
			want: "Hi there, we like the property which you held.",
		},
		{
			name:   "filters",
			src:    "{{ building_sf_raw | number }} / {{ building_sf_raw | sf }}",
			detail: ownerDetail(),
			want:   "12,500 / 12,500 SF",
		},
		{
			name:   "liquid control flow",
			src:    "{% if years_held != \"\" %}held {{ years_held }}y{% else %}new{% endif %}",
			detail: ownerDetail(),
			want:   "held 14y",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ts.Render(tt.src, tt.detail)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateService_RenderStep(t *testing.T) {
	ts := service.NewTemplateService()
	step := model.EmailStep{Position: 1, Subject: " {{ address }} ", Body: "Hello {{first_name}}"}

	subject, body, err := ts.RenderStep(step, ownerDetail())
	require.NoError(t, err)
	assert.Equal(t, "100 Main St", subject)
	assert.Equal(t, "Hello Dana", body)

	_, _, err = ts.RenderStep(model.EmailStep{Position: 2, Subject: "ok", Body: "{% if first_name %}open"}, ownerDetail())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 2 body")
}

func TestTemplateService_Validate(t *testing.T) {
	ts := service.NewTemplateService()
	assert.NoError(t, ts.Validate("Hi {{FirstName}}"))
	assert.Error(t, ts.Validate("{% if first_name %}never closed"))
}
