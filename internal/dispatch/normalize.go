package dispatch

import "strings"

// DefaultCountryPrefix is prepended to bare 8-digit local numbers.
const DefaultCountryPrefix = "591"

// NormalizeRecipient canonicalizes a raw phone-number-like token into the
// protocol's addressable digit form.
//
// All non-digit characters are stripped. A token without a leading + whose
// stripped form is exactly 8 digits gets the default country prefix (unless
// it already starts with it); a token carrying + is assumed to be in full
// international form and passes through as digits.
//
// This is a heuristic biased to one country's local format: longer local
// numbers and foreign formats pass through unmodified and may misroute.
func NormalizeRecipient(raw, prefix string) string {
	if prefix == "" {
		prefix = DefaultCountryPrefix
	}
	digits := stripNonDigits(raw)
	if !strings.Contains(raw, "+") && len(digits) == 8 && !strings.HasPrefix(digits, prefix) {
		return prefix + digits
	}
	return digits
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
