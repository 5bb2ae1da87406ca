// Package sparse implements the compressed BM25 lexical index: the
// tokenizer, the on-disk index builder, and the memory-mapped reader.
package sparse

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// ErrInvalidUTF8 is returned by Tokenize for input that is not valid UTF-8.
// Silent replacement would let index-time and query-time terms diverge, so
// the caller has to decide what to do with the bad bytes.
var ErrInvalidUTF8 = errors.New("sparse: input is not valid UTF-8")

// Tokenize converts text into the term sequence used for both indexing and
// querying. Exactly the same function runs on both paths; any divergence
// between them is a correctness bug.
//
// Segmentation follows Unicode word boundaries (UAX #29). Segments whose
// first code point is not alphanumeric are dropped, and alphanumeric runs
// inside a kept segment are emitted separately, so "Wikipedia's" yields
// "wikipedia" and "s". Terms are lowercased and emitted in order with no
// deduplication.
func Tokenize(text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	if !utf8.ValidString(text) {
		return nil, ErrInvalidUTF8
	}

	var terms []string
	state := -1
	rest := text
	for len(rest) > 0 {
		var word string
		word, rest, state = uniseg.FirstWordInString(rest, state)
		r, _ := utf8.DecodeRuneInString(word)
		if !isAlnum(r) {
			continue
		}
		appendWordTerms(&terms, word)
	}
	return terms, nil
}

// appendWordTerms splits a word segment on any embedded non-alphanumeric
// code points (apostrophes, periods in abbreviations) and appends the
// lowercased pieces.
func appendWordTerms(terms *[]string, word string) {
	start := -1
	for i, r := range word {
		if isAlnum(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			*terms = append(*terms, strings.ToLower(word[start:i]))
			start = -1
		}
	}
	if start >= 0 {
		*terms = append(*terms, strings.ToLower(word[start:]))
	}
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
