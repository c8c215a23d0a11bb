package phone

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid_phone")

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)

// Number is a canonicalized E.164 phone number. Medium confidence marks
// digit-count heuristics that assumed an international prefix was already
// present.
type Number struct {
	E164       string
	Confidence Confidence
}

// Canonicalize normalizes raw provider phone input to E.164. A leading "+"
// followed by 10-15 digits is trusted verbatim; bare digit strings are
// classified by length: 10 digits get country code 1, 11 digits starting
// with 1 get a "+" prefix, anything else up to 15 digits is assumed to
// carry its own country code.
func Canonicalize(raw string) (Number, error) {
	raw = strings.TrimSpace(raw)
	international := strings.HasPrefix(raw, "+")

	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	cleaned := digits.String()

	if len(cleaned) < 10 || len(cleaned) > 15 {
		return Number{}, ErrInvalidPhone
	}

	if international {
		return Number{E164: "+" + cleaned, Confidence: ConfidenceHigh}, nil
	}

	switch {
	case len(cleaned) == 10:
		return Number{E164: "+1" + cleaned, Confidence: ConfidenceHigh}, nil
	case len(cleaned) == 11 && cleaned[0] == '1':
		return Number{E164: "+" + cleaned, Confidence: ConfidenceHigh}, nil
	default:
		// 11 digits not starting with 1, or 12-15 digits: assume the
		// country code is already present.
		return Number{E164: "+" + cleaned, Confidence: ConfidenceMedium}, nil
	}
}
