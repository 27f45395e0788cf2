package label

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// SingletonRunes is the number of characters kept from a singleton's text.
	SingletonRunes = 50
	// Ellipsis marks a truncated singleton label.
	Ellipsis = "..."
	// TopTerms is the number of keywords in a frequency label.
	TopTerms = 3
	// KeywordSeparator joins keywords in a frequency label.
	KeywordSeparator = ", "
)

// stopWords holds common words long enough to survive the length filter.
var stopWords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "also": {}, "been": {}, "before": {},
	"being": {}, "could": {}, "does": {}, "doing": {}, "down": {}, "each": {},
	"from": {}, "have": {}, "having": {}, "here": {}, "into": {}, "just": {},
	"like": {}, "more": {}, "most": {}, "much": {}, "must": {}, "only": {},
	"other": {}, "over": {}, "really": {}, "same": {}, "shall": {}, "should": {},
	"some": {}, "such": {}, "than": {}, "that": {}, "their": {}, "them": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "those": {},
	"very": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"while": {}, "will": {}, "with": {}, "would": {}, "your": {}, "yours": {},
}

// Singleton returns the first SingletonRunes characters of text, followed by
// Ellipsis when text was longer.
func Singleton(text string) string {
	if utf8.RuneCountInString(text) <= SingletonRunes {
		return text
	}
	r := []rune(text)
	return string(r[:SingletonRunes]) + Ellipsis
}

// Keywords builds a label from the TopTerms most frequent meaningful tokens
// of texts. Tokens are whitespace separated, lowercased and stripped of
// surrounding punctuation; tokens of three characters or fewer and stop words
// are dropped. Equal counts are ordered by first occurrence. When no token
// survives, the label is "Cluster <id>".
func Keywords(id int, texts []string) string {
	type term struct {
		word  string
		count int
		first int
	}
	index := make(map[string]int)
	var terms []term
	for _, text := range texts {
		for _, tok := range strings.Fields(text) {
			w := normalise(tok)
			if utf8.RuneCountInString(w) <= 3 {
				continue
			}
			if _, stop := stopWords[w]; stop {
				continue
			}
			if k, ok := index[w]; ok {
				terms[k].count++
				continue
			}
			index[w] = len(terms)
			terms = append(terms, term{word: w, count: 1, first: len(terms)})
		}
	}
	if len(terms) == 0 {
		return Fallback(id)
	}
	slices.SortFunc(terms, func(a, b term) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return cmp.Compare(a.first, b.first)
	})
	n := min(TopTerms, len(terms))
	words := make([]string, n)
	for i := range words {
		words[i] = terms[i].word
	}
	return strings.Join(words, KeywordSeparator)
}

// Fallback returns the generic label for cluster id.
func Fallback(id int) string {
	return fmt.Sprintf("Cluster %d", id)
}

func normalise(tok string) string {
	return strings.TrimFunc(strings.ToLower(tok), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
