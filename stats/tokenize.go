package stats

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Tokenize lower-cases body and returns its maximal runs of word characters
// (Unicode letters, Unicode numbers and '_'). Punctuation and whitespace
// separate tokens and are dropped.
//
//	Tokenize("Hello, hello WORLD!") // [hello hello world]
func Tokenize(body string) []string {
	if body == "" {
		return nil
	}
	// A Caser keeps state between calls and must not be shared.
	lower := cases.Lower(language.Und).String(body)
	return strings.FieldsFunc(lower, func(r rune) bool { return !isWordRune(r) })
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}
