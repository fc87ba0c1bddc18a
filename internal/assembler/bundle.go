// Package assembler builds scored, attributed context bundles from the
// per-domain snippet sources.
//
// A bundle is built once per task. The critique stage may append
// supplementary snippets through Extend; nothing is ever replaced or
// removed, and later stages receive a read-only view.
package assembler

import (
	"sync"

	"github.com/fyrsmithlabs/scribed/internal/governance"
	"github.com/fyrsmithlabs/scribed/internal/snippet"
)

// Scores are the derived bundle scores.
type Scores struct {
	// Coverage is the fraction of prompt key concepts present across
	// the selected snippets.
	Coverage float64

	// Tone is the voice-fingerprint overlap.
	Tone float64

	// Diverse is true iff snippets span at least two domains whenever
	// at least two domains were permitted.
	Diverse bool
}

// Bundle is the assembled context for one task.
type Bundle struct {
	mu sync.RWMutex

	snippets         []snippet.Snippet
	permittedDomains []governance.Domain
	keyConcepts      []string

	scores           Scores
	guardrailsFailed bool
	guardrailReasons []string

	// rescore recomputes scores after an append.
	rescore func(snippets []snippet.Snippet, permitted []governance.Domain, concepts []string) (Scores, bool, []string)
}

// Snippets returns a copy of the ordered snippets.
func (b *Bundle) Snippets() []snippet.Snippet {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]snippet.Snippet, len(b.snippets))
	copy(out, b.snippets)
	return out
}

// Len returns the snippet count.
func (b *Bundle) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.snippets)
}

// Scores returns the current derived scores.
func (b *Bundle) Scores() Scores {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scores
}

// GuardrailsFailed reports whether any guardrail tripped.
func (b *Bundle) GuardrailsFailed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.guardrailsFailed
}

// GuardrailReasons lists the tripped guardrails.
func (b *Bundle) GuardrailReasons() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.guardrailReasons))
	copy(out, b.guardrailReasons)
	return out
}

// KeyConcepts returns the prompt key concepts the bundle was scored
// against.
func (b *Bundle) KeyConcepts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.keyConcepts))
	copy(out, b.keyConcepts)
	return out
}

// PermittedDomains returns the domains the bundle was assembled from.
func (b *Bundle) PermittedDomains() []governance.Domain {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]governance.Domain, len(b.permittedDomains))
	copy(out, b.permittedDomains)
	return out
}

// Attributions returns every snippet attribution in order.
func (b *Bundle) Attributions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.snippets))
	for _, sn := range b.snippets {
		out = append(out, sn.Attribution)
	}
	return out
}

// Extend appends supplementary snippets and recomputes scores. Existing
// snippets are never replaced; unattributed additions are dropped.
func (b *Bundle) Extend(additions []snippet.Snippet) {
	if len(additions) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sn := range additions {
		if sn.Attribution == "" {
			continue
		}
		b.snippets = append(b.snippets, sn)
	}
	if b.rescore != nil {
		b.scores, b.guardrailsFailed, b.guardrailReasons = b.rescore(b.snippets, b.permittedDomains, b.keyConcepts)
	}
}

// Text returns the concatenated snippet text.
func (b *Bundle) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return joinSnippetText(b.snippets)
}

func joinSnippetText(snippets []snippet.Snippet) string {
	total := 0
	for _, sn := range snippets {
		total += len(sn.Text) + 2
	}
	buf := make([]byte, 0, total)
	for i, sn := range snippets {
		if i > 0 {
			buf = append(buf, '\n', '\n')
		}
		buf = append(buf, sn.Text...)
	}
	return string(buf)
}
