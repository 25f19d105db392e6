package logutil

import (
	"strings"
	"unicode"
)

// SanitizeForLog flattens user or router supplied text onto one log line: newlines and
// tabs become spaces and other control characters are dropped, so a crafted tenant ID
// or router reply cannot forge log entries.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, s)
}
