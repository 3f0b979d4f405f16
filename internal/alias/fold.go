package alias

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold produces the lookup key for a label: lower case, accents stripped,
// inner whitespace collapsed and trailing ':' or '.' removed.
func Fold(label string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, label)
	if err != nil {
		folded = label
	}
	folded = strings.ToLower(folded)
	folded = strings.Join(strings.Fields(folded), " ")
	return strings.TrimRight(folded, ":. ")
}
