package generation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Connectors is the fixed vocabulary the local transform may introduce
// beyond the input's own words. The summarization stage is restricted
// to exactly this set.
var Connectors = []string{
	"and", "but", "so", "then", "also", "overall",
	"first", "next", "finally", "meanwhile", "instead", "because",
}

// LocalTransformer is the deterministic local generation method:
// extractive sentence selection with term replacement. No external
// calls, no randomness.
type LocalTransformer struct{}

// NewLocalTransformer creates a transformer.
func NewLocalTransformer() *LocalTransformer {
	return &LocalTransformer{}
}

// Transform implements Transformer.
//
// The pipeline: substitute flagged terms, split into sentences, score,
// select to the target ratio (required-term sentences always survive),
// rejoin in original order. ConnectorsOnly then verifies no new
// vocabulary appeared outside the connector set.
func (t *LocalTransformer) Transform(ctx context.Context, input string, rules Rules) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", fmt.Errorf("%w: empty input", ErrLocalTransform)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text := input
	for from, to := range rules.ReplaceTerms {
		text = replaceFold(text, from, to)
	}

	ratio := rules.TargetRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1.0
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return "", fmt.Errorf("%w: no sentences found", ErrLocalTransform)
	}

	var out string
	if ratio == 1.0 {
		out = strings.Join(sentences, " ")
	} else {
		scores := scoreSentences(sentences)
		targetLen := int(float64(len(text)) * ratio)
		out = selectSentences(sentences, scores, targetLen, rules.RequiredTerms)
	}

	if out == "" {
		return "", fmt.Errorf("%w: selection produced no output", ErrLocalTransform)
	}

	if rules.ConnectorsOnly {
		if novel := novelVocabulary(input, out, rules.ReplaceTerms); len(novel) > 0 {
			return "", fmt.Errorf("%w: novel vocabulary outside connector set: %v", ErrLocalTransform, novel)
		}
	}

	return out, nil
}

// splitSentences splits text on simple sentence boundaries.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(current.String())
			if len(sentence) > 10 {
				sentences = append(sentences, sentence)
				current.Reset()
			}
		}
	}

	if current.Len() > 0 {
		if sentence := strings.TrimSpace(current.String()); sentence != "" {
			sentences = append(sentences, sentence)
		}
	}
	return sentences
}

// scoreSentences assigns importance scores: position bonus, length
// preference peaking near 20 words, and inverse word frequency.
func scoreSentences(sentences []string) []float64 {
	scores := make([]float64, len(sentences))
	wordFreq := wordFrequency(sentences)

	for i, sentence := range sentences {
		score := 0.0

		score += (1.0 / (float64(i) + 1.0)) * 0.3

		words := strings.Fields(sentence)
		lengthScore := math.Min(float64(len(words))/20.0, 1.0)
		if len(words) > 20 {
			lengthScore = math.Max(1.0-(float64(len(words))-20.0)/50.0, 0.1)
		}
		score += lengthScore * 0.4

		freqScore := 0.0
		for _, word := range words {
			word = normalizeWord(word)
			if freq, exists := wordFreq[word]; exists && freq > 1 {
				freqScore += 1.0 / float64(freq)
			}
		}
		if len(words) > 0 {
			freqScore /= float64(len(words))
		}
		score += freqScore * 0.3

		scores[i] = score
	}
	return scores
}

func wordFrequency(sentences []string) map[string]int {
	freq := make(map[string]int)
	for _, sentence := range sentences {
		for _, word := range strings.Fields(sentence) {
			word = normalizeWord(word)
			if len(word) > 2 {
				freq[word]++
			}
		}
	}
	return freq
}

func normalizeWord(word string) string {
	return strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}))
}

// selectSentences keeps the highest-scoring sentences up to the target
// length, preserving original order. Sentences containing any required
// term are always kept.
func selectSentences(sentences []string, scores []float64, targetLen int, required []string) string {
	type scored struct {
		index int
		score float64
	}

	ranked := make([]scored, len(sentences))
	for i, s := range scores {
		ranked[i] = scored{index: i, score: s}
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	keep := make(map[int]bool)
	total := 0

	for i, sentence := range sentences {
		for _, term := range required {
			if containsFold(sentence, term) {
				keep[i] = true
				total += len(sentence)
				break
			}
		}
	}

	for _, r := range ranked {
		if keep[r.index] {
			continue
		}
		if total >= targetLen && len(keep) > 0 {
			break
		}
		keep[r.index] = true
		total += len(sentences[r.index])
	}

	var out []string
	for i, sentence := range sentences {
		if keep[i] {
			out = append(out, sentence)
		}
	}
	return strings.Join(out, " ")
}

// novelVocabulary returns output words absent from the input, the
// replacement values and the connector set.
func novelVocabulary(input, output string, replacements map[string]string) []string {
	allowed := make(map[string]bool)
	for _, word := range strings.Fields(input) {
		allowed[normalizeWord(word)] = true
	}
	for _, to := range replacements {
		for _, word := range strings.Fields(to) {
			allowed[normalizeWord(word)] = true
		}
	}
	for _, c := range Connectors {
		allowed[c] = true
	}

	var novel []string
	seen := make(map[string]bool)
	for _, word := range strings.Fields(output) {
		w := normalizeWord(word)
		if w == "" || allowed[w] || seen[w] {
			continue
		}
		seen[w] = true
		novel = append(novel, w)
	}
	return novel
}

// replaceFold replaces whole-word occurrences of from, ignoring case.
func replaceFold(text, from, to string) string {
	if from == "" {
		return text
	}
	var b strings.Builder
	words := strings.Fields(text)
	for i, word := range words {
		if i > 0 {
			b.WriteByte(' ')
		}
		if strings.EqualFold(normalizeWord(word), strings.ToLower(from)) {
			// Preserve trailing punctuation.
			trimmed := strings.TrimFunc(word, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsNumber(r)
			})
			b.WriteString(strings.Replace(word, trimmed, to, 1))
		} else {
			b.WriteString(word)
		}
	}
	return b.String()
}

// containsFold reports whether s contains substr, ignoring case.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
