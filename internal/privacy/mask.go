// Package privacy provides small helpers for masking personal identifiers
// before they reach durable storage or logs. These utilities are independent
// of domain or business logic.
package privacy

import "strings"

// maskChar replaces hidden characters in masked output.
const maskChar = "*"

// Mask hides the middle of an identifier, revealing the first three and last
// three characters. Values of six characters or fewer are masked entirely so
// short identifiers never leak.
//
// Example:
//
//	Mask("+221765005555") // "+22*******555"
//	Mask("12345")         // "*****"
func Mask(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= 6 {
		return strings.Repeat(maskChar, len(runes))
	}
	return string(runes[:3]) + strings.Repeat(maskChar, len(runes)-6) + string(runes[len(runes)-3:])
}

// IsMasked reports whether s looks like output of Mask: either empty, fully
// masked, or containing at least one mask character between the revealed
// edges. The audit layer checks this before persisting an event.
func IsMasked(s string) bool {
	return s == "" || strings.Contains(s, maskChar)
}
