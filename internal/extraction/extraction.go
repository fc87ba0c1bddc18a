// Package extraction provides keyword and voice-term heuristics.
//
// The pipeline uses these for coverage scoring (prompt key concepts),
// voice fingerprints (tone scoring) and the caller-facing metadata
// keywords. Everything here is deterministic frequency analysis; no
// model calls.
package extraction

import (
	"regexp"
	"sort"
	"strings"
)

// stopwords are excluded from key concepts and keywords.
var stopwords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "all": {}, "also": {}, "an": {},
	"and": {}, "any": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"because": {}, "been": {}, "but": {}, "by": {}, "can": {}, "could": {},
	"did": {}, "do": {}, "does": {}, "for": {}, "from": {}, "had": {},
	"has": {}, "have": {}, "he": {}, "her": {}, "his": {}, "how": {},
	"i": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "its": {},
	"just": {}, "like": {}, "me": {}, "more": {}, "most": {}, "my": {},
	"no": {}, "not": {}, "of": {}, "on": {}, "only": {}, "or": {},
	"our": {}, "out": {}, "over": {}, "she": {}, "so": {}, "some": {},
	"than": {}, "that": {}, "the": {}, "their": {}, "them": {}, "then": {},
	"there": {}, "these": {}, "they": {}, "this": {}, "to": {}, "up": {},
	"was": {}, "we": {}, "well": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "while": {}, "who": {}, "why": {}, "will": {},
	"with": {}, "would": {}, "you": {}, "your": {},
}

var wordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z'-]+`)

// Tokenize splits text into lowercase word tokens.
func Tokenize(text string) []string {
	raw := wordPattern.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(raw))
	for _, w := range raw {
		tokens = append(tokens, strings.Trim(w, "'-"))
	}
	return tokens
}

// KeyConcepts returns the content-bearing terms of a prompt, frequency
// ranked, stopwords removed. Short tokens (<3 chars) are skipped.
func KeyConcepts(prompt string) []string {
	return topTerms(prompt, 0)
}

// Keywords returns the top n content terms of a text. n <= 0 returns all.
func Keywords(text string, n int) []string {
	return topTerms(text, n)
}

func topTerms(text string, n int) []string {
	counts := make(map[string]int)
	order := make(map[string]int)
	for i, tok := range Tokenize(text) {
		if len(tok) < 3 {
			continue
		}
		if _, skip := stopwords[tok]; skip {
			continue
		}
		if _, seen := counts[tok]; !seen {
			order[tok] = i
		}
		counts[tok]++
	}

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	// Frequency descending, first appearance as tiebreak so output is
	// stable across runs.
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return order[terms[i]] < order[terms[j]]
	})

	if n > 0 && len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

// VoiceTerms extracts characteristic bigram collocations plus distinctive
// unigrams from a text sample. These feed the per-domain voice
// fingerprints used for tone scoring.
func VoiceTerms(text string) []string {
	tokens := Tokenize(text)

	seen := make(map[string]struct{})
	var terms []string
	add := func(t string) {
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	// Bigrams where neither side is a stopword.
	for i := 0; i+1 < len(tokens); i++ {
		a, b := tokens[i], tokens[i+1]
		if len(a) < 3 || len(b) < 3 {
			continue
		}
		if _, skip := stopwords[a]; skip {
			continue
		}
		if _, skip := stopwords[b]; skip {
			continue
		}
		add(a + " " + b)
	}

	for _, t := range topTerms(text, 10) {
		add(t)
	}
	return terms
}

// Fingerprint is a frequency table of voice terms for one domain.
type Fingerprint map[string]int

// BuildFingerprint accumulates voice terms across corpus samples.
func BuildFingerprint(samples []string) Fingerprint {
	fp := make(Fingerprint)
	for _, s := range samples {
		for _, term := range VoiceTerms(s) {
			fp[term]++
		}
	}
	return fp
}

// Overlap scores how much of the given terms appear in the fingerprint,
// weighted by fingerprint frequency. Returns a value in [0,1].
func (fp Fingerprint) Overlap(terms []string) float64 {
	if len(terms) == 0 || len(fp) == 0 {
		return 0
	}
	matched := 0
	for _, t := range terms {
		if _, ok := fp[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// Top returns the n highest-frequency fingerprint terms.
func (fp Fingerprint) Top(n int) []string {
	terms := make([]string, 0, len(fp))
	for t := range fp {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if fp[terms[i]] != fp[terms[j]] {
			return fp[terms[i]] > fp[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if n > 0 && len(terms) > n {
		terms = terms[:n]
	}
	return terms
}
