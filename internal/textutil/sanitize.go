// Package textutil cleans free-form user input such as playlist names and descriptions.
package textutil

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const MaxLength = 255

// Sanitize trims value, strips control and zero-width characters, collapses runs of whitespace
// into a single space and normalizes to NFC. The result is valid when it is between min and
// MaxLength characters long.
func Sanitize(value string, min int) (string, bool) {
	stripped := strings.Map(func(r rune) rune {
		if invisible(r) {
			return -1
		}
		return r
	}, value)

	sanitized := norm.NFC.String(strings.Join(strings.Fields(stripped), " "))

	n := utf8.RuneCountInString(sanitized)
	return sanitized, n >= min && n <= MaxLength
}

func invisible(r rune) bool {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		// whitespace, collapsed later
		return false
	case r <= 0x1f, r >= 0x7f && r <= 0x9f:
		return true
	case r >= 0x200b && r <= 0x200d:
		return true
	case r == 0xfeff, r == 0x2028, r == 0x2029:
		return true
	}
	return false
}
