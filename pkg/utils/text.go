package utils

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "for": {}, "with": {}, "about": {}, "is": {}, "are": {}, "was": {},
	"were": {}, "be": {}, "been": {}, "do": {}, "does": {}, "did": {}, "what": {},
	"which": {}, "who": {}, "whom": {}, "how": {}, "why": {}, "when": {}, "where": {},
	"can": {}, "could": {}, "would": {}, "should": {}, "tell": {}, "me": {}, "i": {},
	"you": {}, "it": {}, "this": {}, "that": {}, "there": {}, "their": {}, "by": {},
	"at": {}, "as": {}, "from": {}, "into": {}, "between": {}, "any": {}, "some": {},
	"they": {}, "them": {}, "he": {}, "she": {}, "his": {}, "her": {}, "its": {},
	"we": {}, "my": {}, "your": {}, "our": {}, "these": {}, "those": {},
	"say": {}, "said": {}, "says": {}, "explain": {}, "describe": {},
}

// NormalizeText lower-cases s and collapses runs of whitespace to one space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Prefix returns the first n runes of s.
func Prefix(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Tokenize splits s into lower-case word tokens, dropping punctuation.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func IsStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

// ContentWords returns the tokens of s that are not stopwords, in order.
func ContentWords(s string) []string {
	tokens := Tokenize(s)
	out := tokens[:0]
	for _, tok := range tokens {
		if !IsStopword(tok) {
			out = append(out, tok)
		}
	}
	return out
}

// Jaccard is the token-set overlap of a and b in [0,1].
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// DedupeStrings keeps the first occurrence of each string by normalised form.
func DedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := NormalizeText(v)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	return out
}
