package cache

import (
	"strings"
	"unicode"
)

// Normalize lowercases the query, collapses whitespace and trims punctuation at both ends.
func Normalize(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	joined := strings.Join(fields, " ")
	return strings.TrimFunc(joined, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
	})
}

// tokens splits a normalized query into terms. CJK characters become one term each.
func tokens(normalized string) []string {
	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}
	for _, r := range normalized {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			out = append(out, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out
}
