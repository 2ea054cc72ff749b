package recall

import "strings"

// minKeywordLen drops tokens of this length or shorter.
const minKeywordLen = 2

// stopWords is the fixed set of common function words excluded from
// keyword extraction.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "have": true, "him": true, "his": true, "how": true,
	"its": true, "may": true, "new": true, "now": true, "see": true,
	"two": true, "way": true, "who": true, "did": true, "get": true,
	"let": true, "say": true, "she": true, "that": true, "this": true,
	"with": true, "they": true, "them": true, "then": true, "than": true,
	"will": true, "would": true, "could": true, "should": true, "about": true,
	"after": true, "also": true, "been": true, "before": true, "being": true,
	"between": true, "both": true, "does": true, "each": true, "from": true,
	"into": true, "just": true, "like": true, "more": true, "most": true,
	"only": true, "other": true, "over": true, "some": true, "such": true,
	"there": true, "these": true, "those": true, "through": true, "under": true,
	"very": true, "what": true, "when": true, "where": true, "which": true,
	"while": true, "your": true, "were": true, "here": true,
}

// ExtractKeywords lowercases the context text, splits on non-word
// boundaries, and drops short tokens and stop words. Duplicates are
// removed while preserving first-seen order.
func ExtractKeywords(contextText string) []string {
	fields := strings.FieldsFunc(strings.ToLower(contextText), func(r rune) bool {
		return !isWordRune(r)
	})

	seen := make(map[string]bool, len(fields))
	var keywords []string
	for _, f := range fields {
		if len(f) <= minKeywordLen || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		keywords = append(keywords, f)
	}
	return keywords
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
