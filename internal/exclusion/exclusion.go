// Package exclusion answers whether a contact may be emailed at all.
package exclusion

import (
	"strings"

	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type Match string

const (
	MatchEmail  Match = "email"
	MatchPhone  Match = "phone"
	MatchDomain Match = "domain"
)

// SourceCompanyFlag marks a domain blocked through a company's do-not-contact flag.
const SourceCompanyFlag = "company_do_not_contact"

type Result struct {
	Excluded bool
	Reason   model.ExclusionReason
	Match    Match
	Source   string
}

// StopReason maps the exclusion onto the enrollment stop reason recorded for it.
func (r Result) StopReason() model.StopReason {
	switch r.Reason {
	case model.ExclusionBounce:
		return model.StopBounce
	case model.ExclusionManual:
		if r.Match == MatchDomain {
			return model.StopDNC
		}
		return model.StopManual
	default:
		return model.StopDNC
	}
}

type hit struct {
	reason model.ExclusionReason
	source string
}

// Lists is an immutable snapshot of every exclusion in force. It is safe for
// concurrent use once built.
type Lists struct {
	emails  map[string]hit
	phones  map[string]hit
	domains map[string]hit
}

// NewLists indexes entries, keeping the first entry seen for each key, plus the
// domains of companies flagged do-not-contact.
func NewLists(entries []model.ExclusionEntry, blockedDomains []string) *Lists {
	l := &Lists{
		emails:  make(map[string]hit),
		phones:  make(map[string]hit),
		domains: make(map[string]hit),
	}
	for _, e := range entries {
		h := hit{reason: e.Reason, source: e.Source}
		if e.Email != nil {
			addFirst(l.emails, NormalizeEmail(*e.Email), h)
		}
		// Only do-not-contact requests apply to phone numbers.
		if e.Phone != nil && e.Reason != model.ExclusionBounce {
			addFirst(l.phones, NormalizePhone(*e.Phone), h)
		}
		if e.Domain != nil {
			addFirst(l.domains, NormalizeDomain(*e.Domain), h)
		}
	}
	for _, d := range blockedDomains {
		addFirst(l.domains, NormalizeDomain(d), hit{reason: model.ExclusionManual, source: SourceCompanyFlag})
	}
	return l
}

func addFirst(m map[string]hit, key string, h hit) {
	if key == "" {
		return
	}
	if _, ok := m[key]; !ok {
		m[key] = h
	}
}

// IsExcluded checks the email, then the phone, then the domain. The first match wins.
func (l *Lists) IsExcluded(email, phone, domain string) Result {
	if h, ok := l.emails[NormalizeEmail(email)]; ok {
		return Result{Excluded: true, Reason: h.reason, Match: MatchEmail, Source: h.source}
	}
	if h, ok := l.phones[NormalizePhone(phone)]; ok {
		return Result{Excluded: true, Reason: h.reason, Match: MatchPhone, Source: h.source}
	}
	if domain == "" {
		domain = domainOf(email)
	}
	if h, ok := l.domains[NormalizeDomain(domain)]; ok {
		return Result{Excluded: true, Reason: h.reason, Match: MatchDomain, Source: h.source}
	}
	return Result{}
}

// Len returns the number of indexed emails, phones and domains.
func (l *Lists) Len() int {
	return len(l.emails) + len(l.phones) + len(l.domains)
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone keeps digits only and drops a leading US country code.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

func NormalizeDomain(s string) string {
	d := strings.ToLower(strings.TrimSpace(s))
	d = strings.TrimPrefix(d, "@")
	d = strings.TrimPrefix(d, "www.")
	return strings.TrimSuffix(d, ".")
}

func domainOf(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return email[i+1:]
}
