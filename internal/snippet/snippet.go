// Package snippet defines attributed context fragments and the sources
// that supply them.
//
// A Snippet is immutable once created. Sources are black boxes behind
// the Source interface; the chromem-backed implementation stores one
// collection per domain in an embedded vector database. Snippets with
// empty attribution are dropped at the source boundary, so nothing
// unattributed enters a bundle.
package snippet

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/scribed/internal/governance"
)

// Snippet is one attributed text fragment from a data domain.
type Snippet struct {
	ID          string
	Text        string
	Domain      governance.Domain
	Timestamp   time.Time
	Tags        []string
	VoiceTerms  []string
	Attribution string
	UsageNote   string
	Score       float64
}

// Source supplies ranked, attributed snippets for one or more domains.
//
// Implementations must return snippets with non-empty attribution or
// exclude them. A source failure is a partial-result condition for the
// assembler, not a task failure.
type Source interface {
	// Query returns up to limit snippets for the domain, best first.
	Query(ctx context.Context, domain governance.Domain, prompt string, limit int) ([]Snippet, error)

	// Domains lists the domains this source can serve.
	Domains() []governance.Domain
}
