package utils

import (
	"regexp"
	"strings"
	"unicode"
)

// CSI sequences and OSC sequences terminated by BEL or ST.
var escapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// StripEscapes removes terminal escape sequences from s.
func StripEscapes(s string) string {
	return escapeRegex.ReplaceAllString(s, "")
}

// SanitizeArguments makes agent-supplied tool arguments safe to echo to a
// terminal. Escapes and control characters are dropped; newlines and tabs
// survive.
func SanitizeArguments(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, StripEscapes(s))
}

// OneLine collapses sanitized s onto a single line and cuts it to limit
// runes, marking the cut with an ellipsis. A limit below one disables the cut.
func OneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(SanitizeArguments(s)), " ")
	runes := []rune(s)
	if limit < 1 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
