package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/scribed/internal/assembler"
	"github.com/fyrsmithlabs/scribed/internal/extraction"
)

// Thresholds are the stage acceptance thresholds.
type Thresholds struct {
	// Coverage is the minimum key-concept coverage score.
	Coverage float64

	// Tone is the minimum voice-alignment score.
	Tone float64

	// MarginalMiss is the widest single-threshold miss still classed
	// as minor. A wider miss, or two missed thresholds, is major.
	MarginalMiss float64
}

// StageScores are the locally computed scores for one stage output.
type StageScores struct {
	Coverage float64
	Tone     float64
}

// Scorer computes stage scores for an output against its bundle.
type Scorer interface {
	Score(output string, bundle *assembler.Bundle) StageScores
}

// ExtractionScorer scores outputs with the same term extraction the
// assembler uses: coverage is the fraction of the bundle's key concepts
// present in the output, tone is the overlap of the output's voice
// terms with the bundle's snippet vocabulary.
type ExtractionScorer struct{}

// Score implements Scorer.
func (ExtractionScorer) Score(output string, bundle *assembler.Bundle) StageScores {
	return StageScores{
		Coverage: conceptCoverage(output, bundle.KeyConcepts()),
		Tone:     bundleFingerprint(bundle).Overlap(extraction.VoiceTerms(output)),
	}
}

func conceptCoverage(output string, concepts []string) float64 {
	if len(concepts) == 0 {
		return 1.0
	}
	lower := strings.ToLower(output)
	found := 0
	for _, c := range concepts {
		if strings.Contains(lower, c) {
			found++
		}
	}
	return float64(found) / float64(len(concepts))
}

func bundleFingerprint(bundle *assembler.Bundle) extraction.Fingerprint {
	fp := make(extraction.Fingerprint)
	for _, sn := range bundle.Snippets() {
		for _, term := range sn.VoiceTerms {
			fp[term]++
		}
	}
	return fp
}

// failureClass is the three-tier stage failure classification.
type failureClass int

const (
	failNone failureClass = iota
	failMinor
	failMajor
)

func (c failureClass) String() string {
	switch c {
	case failNone:
		return "none"
	case failMinor:
		return "minor"
	case failMajor:
		return "major"
	}
	return "unknown"
}

// classify applies the failure policy to a stage's scores. A bundle
// with failed guardrails floors the result at minor: its output is
// never accepted without a correction.
func classify(scores StageScores, guardrailsFailed bool, t Thresholds) (failureClass, []string) {
	var failed []string
	widest := 0.0

	if miss := t.Coverage - scores.Coverage; miss > 0 {
		failed = append(failed, fmt.Sprintf("coverage %.2f below %.2f", scores.Coverage, t.Coverage))
		if miss > widest {
			widest = miss
		}
	}
	if miss := t.Tone - scores.Tone; miss > 0 {
		failed = append(failed, fmt.Sprintf("tone %.2f below %.2f", scores.Tone, t.Tone))
		if miss > widest {
			widest = miss
		}
	}

	switch {
	case len(failed) == 0:
		if guardrailsFailed {
			return failMinor, []string{"bundle guardrails failed"}
		}
		return failNone, nil
	case len(failed) == 1 && widest <= t.MarginalMiss:
		return failMinor, failed
	default:
		return failMajor, failed
	}
}

// fillerWords are generic intensifiers a corpus-derived phrase can
// replace without changing sentence structure.
var fillerWords = []string{"very", "really", "quite", "just"}

// applyTweak performs the deterministic local correction for a minor
// fail: substitute the strongest absent corpus phrase into the output.
// No generation call is involved.
func applyTweak(output string, bundle *assembler.Bundle) (string, string) {
	term := strongestAbsentTerm(output, bundle)
	if term == "" {
		return output, "local tweak: no corpus phrase applicable"
	}

	words := strings.Fields(output)
	for i, w := range words {
		bare := strings.ToLower(strings.Trim(w, ".,;:!?"))
		for _, filler := range fillerWords {
			if bare == filler {
				words[i] = strings.Replace(w, trimMatch(w), term, 1)
				return strings.Join(words, " "),
					fmt.Sprintf("local tweak: substituted %q for %q", term, filler)
			}
		}
	}

	// No filler to displace; anchor the phrase at the end instead.
	corrected := strings.TrimRight(output, " ") + " Overall, " + term + "."
	return corrected, fmt.Sprintf("local tweak: anchored corpus phrase %q", term)
}

func trimMatch(w string) string {
	return strings.Trim(w, ".,;:!?")
}

// strongestAbsentTerm picks the most frequent bundle voice term missing
// from the output. Frequency descending, then lexicographic, so the
// choice is stable.
func strongestAbsentTerm(output string, bundle *assembler.Bundle) string {
	fp := bundleFingerprint(bundle)
	lower := strings.ToLower(output)

	terms := make([]string, 0, len(fp))
	for term := range fp {
		if !strings.Contains(lower, term) {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		return ""
	}
	sort.Slice(terms, func(i, j int) bool {
		if fp[terms[i]] != fp[terms[j]] {
			return fp[terms[i]] > fp[terms[j]]
		}
		return terms[i] < terms[j]
	})
	return terms[0]
}

// deltaPrompt names the specific failed checks for the single permitted
// retry.
func deltaPrompt(output string, failed []string) string {
	var b strings.Builder
	b.WriteString("Revise the following to address these failed checks:\n")
	for _, f := range failed {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(output)
	return b.String()
}
