package web

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldMarks strips combining marks after canonical decomposition, so
// "Motörhead" and "Motorhead" tokenize identically.
var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// tokenize normalises a raw search query into match terms: accent-folded,
// lowercased, split on anything that is not a letter or digit. Returns nil
// for a query with no usable terms.
func tokenize(query string) []string {
	folded, _, err := transform.String(foldMarks, query)
	if err != nil {
		folded = query
	}
	folded = strings.ToLower(folded)

	terms := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(terms) == 0 {
		return nil
	}
	return terms
}
