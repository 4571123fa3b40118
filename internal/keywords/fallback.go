package keywords

import (
	"regexp"
	"strings"
	"unicode"
)

// latinToken matches lower-cased Latin tokens of length >= 2.
var latinToken = regexp.MustCompile(`[a-z][a-z0-9-]+`)

// stopwords are never emitted as keywords by the fallback tokenizer.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "any": {}, "can": {}, "had": {}, "has": {},
	"have": {}, "was": {}, "were": {}, "will": {}, "with": {}, "this": {},
	"that": {}, "they": {}, "them": {}, "then": {}, "than": {}, "from": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "would": {},
	"could": {}, "should": {}, "there": {}, "their": {}, "been": {},
	"being": {}, "your": {}, "about": {}, "into": {}, "over": {},
	"just": {}, "also": {}, "very": {}, "some": {}, "more": {},
	"please": {}, "thanks": {},
}

// Fallback is the deterministic keyword tokenizer used when the model
// path is unavailable or fails. It returns lower-cased Latin tokens of
// length >= 2 minus stopwords, plus runs of two or more consecutive CJK
// ideographs treated as atomic tokens. The result is deduplicated in
// first-seen order and is never nil.
func Fallback(text string) []string {
	seen := make(map[string]bool)
	out := []string{}

	for _, tok := range latinToken.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}

	for _, run := range cjkRuns(text) {
		if seen[run] {
			continue
		}
		seen[run] = true
		out = append(out, run)
	}

	return out
}

// cjkRuns collects maximal runs of consecutive CJK ideographs of length
// two or more. Ideograph runs carry meaning as units; splitting them
// per-character would produce useless single-character keywords.
func cjkRuns(text string) []string {
	var runs []string
	var current []rune

	flush := func() {
		if len(current) >= 2 {
			runs = append(runs, string(current))
		}
		current = current[:0]
	}

	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			current = append(current, r)
			continue
		}
		flush()
	}
	flush()

	return runs
}
