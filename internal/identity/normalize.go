package identity

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/unicode/norm"

	"github.com/djkubo/admin-hub-sub004/internal/validation"
)

// Normalizer canonicalises identity signals before any lookup. Values that
// cannot be normalised are dropped (returned empty) rather than stored raw.
type Normalizer struct {
	region string
}

// NewNormalizer returns a Normalizer that parses national phone numbers in
// the given ISO 3166 region.
func NewNormalizer(defaultRegion string) *Normalizer {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	return &Normalizer{region: strings.ToUpper(defaultRegion)}
}

func (n *Normalizer) Email(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return ""
	}
	if err := validation.GetValidator().Var(email, "email"); err != nil {
		return ""
	}
	return email
}

// Phone returns the E.164 form of raw, or "" if raw is not a possible number.
func (n *Normalizer) Phone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	num, err := phonenumbers.Parse(raw, n.region)
	if err != nil {
		return ""
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return ""
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

func (n *Normalizer) Name(raw string) string {
	return strings.Join(strings.Fields(norm.NFC.String(raw)), " ")
}

func (n *Normalizer) Tags(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
