package index

import (
	"regexp"
	"strings"
)

var lexTokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

// Tokenize lowercases text and splits it into word/number/underscore
// runs, matching the BM25 lexer used to build the offline index.
// Exported so callers can tokenize a query string identically to how
// BM25Index was built.
func Tokenize(text string) []string {
	return tokenize(text)
}

// tokenize is the unexported implementation behind Tokenize.
func tokenize(text string) []string {
	matches := lexTokenPattern.FindAllString(strings.ToLower(text), -1)
	if matches == nil {
		return []string{}
	}
	return matches
}
