// Package text prepares request text before it reaches a synthesis engine.
package text

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
	nbsp         = "\u00a0"
)

var (
	whitespacePattern = regexp.MustCompile(`\s+`)

	punctuationReplacer = strings.NewReplacer(
		emDash, "-",
		enDash, "-",
		figureDash, "-",
		ellipsisChar, ellipsis,
		nbsp, " ",
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
)

// Normalize converts text to NFC, maps typographic punctuation to ASCII and
// collapses whitespace runs (including newlines) to single spaces.
func Normalize(text string) string {
	if text == "" {
		return text
	}

	normalized := norm.NFC.String(text)
	normalized = punctuationReplacer.Replace(normalized)
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")

	return strings.TrimSpace(normalized)
}
