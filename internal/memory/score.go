package memory

import (
	"math"
	"strings"
	"time"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "about": true, "all": true, "am": true, "an": true, "and": true, "any": true,
	"are": true, "as": true, "at": true, "be": true, "been": true, "but": true, "by": true,
	"can": true, "could": true, "did": true, "do": true, "does": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "he": true, "her": true, "him": true, "his": true,
	"how": true, "i": true, "if": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "just": true, "me": true, "my": true, "no": true, "not": true, "of": true,
	"on": true, "or": true, "our": true, "out": true, "she": true, "so": true, "some": true,
	"than": true, "that": true, "the": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "to": true, "too": true,
	"up": true, "us": true, "very": true, "was": true, "we": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "why": true, "will": true,
	"with": true, "would": true, "you": true, "your": true,
}

// Terms splits text into lowercase content words with stopwords and
// one-letter tokens removed. Duplicates are kept out.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len([]rune(f)) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// lexicalScore is the fraction of query terms present in text. An empty
// query scores zero everywhere.
func lexicalScore(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, t := range Terms(text) {
		have[t] = true
	}
	hits := 0
	for _, q := range queryTerms {
		if have[q] {
			hits++
			continue
		}
		// Cheap stemming: "plants" matches "plant".
		if s := strings.TrimSuffix(q, "s"); s != q && have[s] {
			hits++
		} else if have[q+"s"] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

// recency decays from 1 toward 0 with the given half-life.
func recency(ts, now time.Time, halfLife time.Duration) float64 {
	if ts.IsZero() || halfLife <= 0 {
		return 0
	}
	age := now.Sub(ts)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}
