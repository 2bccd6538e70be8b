package executor

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeGrep removes a leading BOM, zero-width characters, control
// characters and invalid UTF-8 from a grep argument, then trims it.
// An empty result means "no grep".
func SanitizeGrep(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == utf8.RuneError && size <= 1:
		case r >= 0x200B && r <= 0x200F, r == 0x2060, r == 0xFEFF:
		case r < 0x20, r == 0x7F:
		case unicode.Is(unicode.Cs, r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// IsRegexLike reports whether a grep value already looks like a regular expression.
func IsRegexLike(s string) bool {
	return strings.HasPrefix(s, "^") ||
		strings.HasSuffix(s, "$") ||
		strings.Contains(s, "(?") ||
		strings.Contains(s, "|") ||
		strings.Contains(s, `\`)
}

// LooseGrep wraps a plain test title so it matches on whitespace boundaries.
// Regex-like values are returned unchanged.
func LooseGrep(title string) string {
	if strings.TrimSpace(title) == "" {
		return ""
	}
	if IsRegexLike(title) {
		return title
	}
	return `(?:^|\s)` + regexp.QuoteMeta(title) + `(?:$|\s)`
}
