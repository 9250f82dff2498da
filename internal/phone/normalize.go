// Package phone normalizes raw phone strings into a canonical international
// form plus the lookup variants used to match legacy roster data.
//
// Normalization is a pure function of the input and the configured region
// tables: it cleans punctuation, rewrites international prefixes, parses and
// validates the number with libphonenumber metadata, classifies the line type,
// and (for the home region) checks the subscriber prefix against a mobile
// allow-list. Validation counters are recorded on an injected Stats collector
// and are advisory only.
package phone

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Normalization failure modes. Callers branch with errors.Is; all of them are
// terminal for the given input.
var (
	// ErrInvalidFormat is returned when the input cannot be parsed or fails
	// the validity check for its region.
	ErrInvalidFormat = errors.New("invalid phone format")

	// ErrUnsupportedRegion is returned when the country calling code is not
	// recognized.
	ErrUnsupportedRegion = errors.New("unsupported region")

	// ErrTooShort / ErrTooLong are length-specific variants of invalid input.
	ErrTooShort = errors.New("phone number too short")
	ErrTooLong  = errors.New("phone number too long")

	// ErrNotMobile is returned when the number is syntactically valid but is
	// not a mobile line (or not on the home-region mobile allow-list) while a
	// mobile number is required.
	ErrNotMobile = errors.New("phone number is not mobile")
)

// Line classes reported in Normalized.Class.
const (
	ClassMobile  = "mobile"
	ClassFixed   = "fixed"
	ClassVOIP    = "voip"
	ClassUnknown = "unknown"
)

// Normalized is the immutable result of a successful normalization.
//
// Variants holds the textual representations tried against the roster, in
// fixed lookup order: canonical international, bare national, 00-prefixed.
type Normalized struct {
	Canonical   string
	Region      string
	CountryCode int
	National    string
	Class       string
	Carrier     string
	Variants    []string
}

// senegalMobilePrefixes maps the two leading digits of a Senegalese
// subscriber number to its carrier. Numbers outside this table are rejected
// when a mobile line is required.
var senegalMobilePrefixes = map[string]string{
	"70": "expresso",
	"75": "promobile",
	"76": "free",
	"77": "orange",
	"78": "orange",
}

// nonDialRE strips everything that is not a digit or a leading plus.
var nonDialRE = regexp.MustCompile(`[^\d+]`)

// Normalizer validates and canonicalizes phone candidates for one default
// region. It is safe for concurrent use; Normalize has no side effects
// beyond the advisory Stats counters.
type Normalizer struct {
	// DefaultRegion is the ISO region assumed for numbers without an
	// international prefix, e.g. "SN".
	DefaultRegion string
	// RequireMobile rejects valid non-mobile numbers with ErrNotMobile.
	RequireMobile bool
	// MobilePrefixes overrides the home-region allow-list; when nil the
	// Senegal table is used for region "SN" and no prefix check elsewhere.
	MobilePrefixes map[string]string
	// Stats receives attempted/succeeded/failed counts. May be nil.
	Stats *Stats
}

// NewNormalizer constructs a Normalizer for the given default region.
func NewNormalizer(region string, requireMobile bool, stats *Stats) *Normalizer {
	return &Normalizer{
		DefaultRegion: strings.ToUpper(strings.TrimSpace(region)),
		RequireMobile: requireMobile,
		Stats:         stats,
	}
}

// Normalize parses raw into canonical E.164 form and lookup variants.
// On failure it returns one of the sentinel errors above.
func (n *Normalizer) Normalize(raw string) (*Normalized, error) {
	n.Stats.Attempted()

	out, err := n.normalize(raw)
	if err != nil {
		n.Stats.Failed()
		return nil, err
	}
	n.Stats.Succeeded()
	return out, nil
}

func (n *Normalizer) normalize(raw string) (*Normalized, error) {
	cleaned := clean(raw, n.DefaultRegion)
	if cleaned == "" {
		return nil, ErrInvalidFormat
	}

	num, err := phonenumbers.Parse(cleaned, n.DefaultRegion)
	if err != nil {
		switch {
		case errors.Is(err, phonenumbers.ErrInvalidCountryCode):
			return nil, ErrUnsupportedRegion
		case errors.Is(err, phonenumbers.ErrTooShortNSN):
			return nil, ErrTooShort
		case errors.Is(err, phonenumbers.ErrNumTooLong):
			return nil, ErrTooLong
		default:
			return nil, ErrInvalidFormat
		}
	}

	if !phonenumbers.IsValidNumber(num) {
		switch phonenumbers.IsPossibleNumberWithReason(num) {
		case phonenumbers.TOO_SHORT:
			return nil, ErrTooShort
		case phonenumbers.TOO_LONG:
			return nil, ErrTooLong
		case phonenumbers.INVALID_COUNTRY_CODE:
			return nil, ErrUnsupportedRegion
		default:
			return nil, ErrInvalidFormat
		}
	}

	region := phonenumbers.GetRegionCodeForNumber(num)
	national := phonenumbers.GetNationalSignificantNumber(num)
	class := classify(phonenumbers.GetNumberType(num))

	carrier := ""
	prefixes := n.prefixTable(region)
	if prefixes != nil {
		// Home region: the allow-list is authoritative for both the mobile
		// check and the carrier hint.
		c, listed := lookupPrefix(prefixes, national)
		carrier = c
		if n.RequireMobile && (!listed || class != ClassMobile) {
			return nil, ErrNotMobile
		}
	} else if n.RequireMobile && class != ClassMobile {
		return nil, ErrNotMobile
	}

	canonical := phonenumbers.Format(num, phonenumbers.E164)
	cc := int(num.GetCountryCode())

	return &Normalized{
		Canonical:   canonical,
		Region:      region,
		CountryCode: cc,
		National:    national,
		Class:       class,
		Carrier:     carrier,
		Variants: []string{
			canonical,
			national,
			"00" + strconv.Itoa(cc) + national,
		},
	}, nil
}

// prefixTable returns the mobile-prefix allow-list applicable to region, or
// nil when no prefix validation applies.
func (n *Normalizer) prefixTable(region string) map[string]string {
	if region != n.DefaultRegion {
		return nil
	}
	if n.MobilePrefixes != nil {
		return n.MobilePrefixes
	}
	if region == "SN" {
		return senegalMobilePrefixes
	}
	return nil
}

func lookupPrefix(table map[string]string, national string) (carrier string, ok bool) {
	if len(national) < 2 {
		return "", false
	}
	carrier, ok = table[national[:2]]
	return carrier, ok
}

// clean strips separators, rewrites a leading 00 to +, and prepends + when
// the string starts with the default region's country calling code without
// an international prefix.
func clean(raw, defaultRegion string) string {
	s := nonDialRE.ReplaceAllString(strings.TrimSpace(raw), "")
	if s == "" {
		return ""
	}
	// Keep a single leading plus; drop any stray ones further in.
	lead := strings.HasPrefix(s, "+")
	s = strings.ReplaceAll(s, "+", "")
	if lead {
		return "+" + s
	}
	if strings.HasPrefix(s, "00") {
		return "+" + s[2:]
	}
	if cc := phonenumbers.GetCountryCodeForRegion(defaultRegion); cc != 0 {
		ccs := strconv.Itoa(cc)
		// A bare national number is shorter than cc + subscriber digits, so a
		// match on the calling-code prefix at full length means the caller
		// typed the international form without the plus.
		if strings.HasPrefix(s, ccs) && len(s) > len(ccs)+6 {
			return "+" + s
		}
	}
	return s
}

// classify maps libphonenumber line types onto the coarse classes the
// orchestrator cares about.
func classify(t phonenumbers.PhoneNumberType) string {
	switch t {
	case phonenumbers.MOBILE, phonenumbers.FIXED_LINE_OR_MOBILE:
		return ClassMobile
	case phonenumbers.FIXED_LINE:
		return ClassFixed
	case phonenumbers.VOIP:
		return ClassVOIP
	default:
		return ClassUnknown
	}
}
