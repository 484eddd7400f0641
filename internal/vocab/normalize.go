package vocab

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds accents, lowercases, collapses whitespace and trims surrounding punctuation.
// Command tokens, dictionary phrases and regex patterns are all matched against this form.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.Join(strings.Fields(strings.ToLower(folded)), " ")
	return strings.TrimFunc(folded, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}
