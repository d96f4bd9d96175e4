package inbox

import (
	"net/mail"
	"regexp"
	"strings"
)

// Reply classifications. Anything the keyword rules cannot place is Unclassified
// and left for a person to read.
const (
	Unsubscribe    = "unsubscribe"
	HardPass       = "hard_pass"
	SoftPass       = "soft_pass"
	BrokerRedirect = "broker_redirect"
	PricingGiven   = "pricing_given"
	Referral       = "referral"
	Interested     = "interested"
	Question       = "question"
	Unclassified   = "unclassified"
)

type rule struct {
	class    string
	keywords []string
}

// Order matters: "not interested" must win over "interested".
var rules = []rule{
	{Unsubscribe, []string{"unsubscribe", "remove me", "take me off", "opt out", "opt-out"}},
	{HardPass, []string{
		"not interested", "no interest", "do not contact", "don't contact", "do not email",
		"don't email", "stop emailing", "stop contacting", "never selling", "not selling",
		"not for sale",
	}},
	{BrokerRedirect, []string{"my broker", "our broker", "listing agent", "contact our agent", "represented by"}},
	{SoftPass, []string{
		"not right now", "not at this time", "maybe later", "next year", "not the right time",
		"check back", "reach back out", "few months",
	}},
	{PricingGiven, []string{"cap rate", "asking price", "per square foot", "psf", "noi", "would take"}},
	{Referral, []string{"you should contact", "you should talk to", "reach out to", "cc'd", "copying"}},
	{Interested, []string{"interested", "let's talk", "lets talk", "call me", "give me a call", "send me", "set up a call", "what would you offer"}},
}

var quoteHeader = regexp.MustCompile(`(?im)^\s*on .+ wrote:\s*$`)

// Classify assigns a reply classification from the subject and the new part of the body.
func Classify(subject, body string) string {
	text := strings.ToLower(subject + "\n" + StripQuoted(body))
	for _, r := range rules {
		for _, kw := range r.keywords {
			if containsWord(text, kw) {
				return r.class
			}
		}
	}
	if strings.Contains(StripQuoted(body), "?") {
		return Question
	}
	return Unclassified
}

// containsWord matches kw only at word boundaries so "noi" does not match "noise".
func containsWord(text, kw string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], kw)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(kw)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// StripQuoted drops the quoted original message from a reply body.
func StripQuoted(body string) string {
	if loc := quoteHeader.FindStringIndex(body); loc != nil {
		body = body[:loc[0]]
	}
	var kept []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var systemSenders = []string{"noreply", "no-reply", "donotreply", "do-not-reply", "notifications@"}

var bounceSubjects = []string{
	"undeliverable", "undelivered mail", "delivery status notification", "mail delivery failed",
	"returned mail", "delivery failure", "failure notice",
}

// IsBounce reports whether a message is a non-delivery report.
func IsBounce(from, subject string) bool {
	from = strings.ToLower(from)
	if strings.HasPrefix(from, "mailer-daemon@") || strings.HasPrefix(from, "postmaster@") {
		return true
	}
	subject = strings.ToLower(subject)
	for _, s := range bounceSubjects {
		if strings.Contains(subject, s) {
			return true
		}
	}
	return false
}

// IsSystemSender reports automated senders whose mail is never a reply.
func IsSystemSender(from string) bool {
	from = strings.ToLower(from)
	for _, s := range systemSenders {
		if strings.Contains(from, s) {
			return true
		}
	}
	return false
}

var (
	recipientHeader = regexp.MustCompile(`(?im)^(?:final|original)-recipient:\s*(?:rfc822;)?\s*<?([^\s<>;]+@[^\s<>;]+)>?`)
	anyAddress      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// BouncedRecipient extracts the failed address from a bounce body, preferring the
// DSN recipient headers. Addresses in skip (such as our own sender) are ignored.
func BouncedRecipient(body string, skip ...string) string {
	if m := recipientHeader.FindStringSubmatch(body); m != nil {
		return strings.ToLower(m[1])
	}
	for _, addr := range anyAddress.FindAllString(body, -1) {
		addr = strings.ToLower(addr)
		if IsBounce(addr, "") || contains(skip, addr) {
			continue
		}
		return addr
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// ParseAddress extracts the bare lower-cased address from a From header.
func ParseAddress(from string) string {
	if from == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(from))
}
