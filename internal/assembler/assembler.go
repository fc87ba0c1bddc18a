package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scribed/internal/extraction"
	"github.com/fyrsmithlabs/scribed/internal/governance"
	"github.com/fyrsmithlabs/scribed/internal/logging"
	"github.com/fyrsmithlabs/scribed/internal/snippet"
)

// Options configures the assembler.
type Options struct {
	// TopN caps snippets per domain.
	TopN int

	// MaxBundleChars trips the length guardrail.
	MaxBundleChars int

	// BannedTerms trip the content guardrail when present.
	BannedTerms []string

	// Fingerprints are the per-domain voice fingerprints for tone
	// scoring. A domain without a fingerprint is skipped.
	Fingerprints map[governance.Domain]extraction.Fingerprint
}

// Authorizer is the slice of the governance engine the assembler needs.
type Authorizer interface {
	Authorize(ctx context.Context, taskID string, role governance.Role, op governance.Operation) (governance.Decision, error)
}

// Assembler merges snippets from multiple domain sources into a scored,
// attributed bundle.
type Assembler struct {
	sources []snippet.Source
	auth    Authorizer
	opts    Options
	banned  *ahocorasick.Trie
	logger  *logging.Logger
}

// New creates an assembler over the given sources.
func New(sources []snippet.Source, auth Authorizer, opts Options, logger *logging.Logger) *Assembler {
	if opts.TopN <= 0 {
		opts.TopN = 5
	}
	if opts.MaxBundleChars <= 0 {
		opts.MaxBundleChars = 32000
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var banned *ahocorasick.Trie
	if len(opts.BannedTerms) > 0 {
		builder := ahocorasick.NewTrieBuilder()
		for _, term := range opts.BannedTerms {
			builder.AddString(strings.ToLower(term))
		}
		banned = builder.Build()
	}

	return &Assembler{
		sources: sources,
		auth:    auth,
		opts:    opts,
		banned:  banned,
		logger:  logger,
	}
}

// domainResult carries one domain's query outcome across the join.
type domainResult struct {
	domain   governance.Domain
	snippets []snippet.Snippet
	err      error
}

// Assemble builds the bundle for a task.
//
// Each permitted domain is checked against governance before its
// sources are queried; queries across domains run concurrently and are
// joined before scoring. A failing source is a partial-result
// condition: the bundle proceeds with fewer domains and the diversity
// flag reflects what was actually gathered.
func (a *Assembler) Assemble(ctx context.Context, taskID string, role governance.Role, prompt string, domains []governance.Domain) (*Bundle, error) {
	var authorized []governance.Domain
	for _, d := range domains {
		decision, err := a.auth.Authorize(ctx, taskID, role, governance.AccessDomain(d))
		if err != nil {
			return nil, fmt.Errorf("authorize domain %s: %w", d, err)
		}
		if !decision.Allowed {
			if decision.Violation.Critical {
				return nil, decision.Violation
			}
			a.logger.Warn(ctx, "domain denied, assembling without it", zap.String("domain", string(d)))
			continue
		}
		authorized = append(authorized, d)
	}
	if len(authorized) == 0 {
		return nil, fmt.Errorf("no authorized domains for role %s", role)
	}

	results := make([]domainResult, len(authorized))
	var wg sync.WaitGroup
	for i, d := range authorized {
		wg.Add(1)
		go func(i int, d governance.Domain) {
			defer wg.Done()
			results[i] = a.queryDomain(ctx, d, prompt)
		}(i, d)
	}
	wg.Wait()

	var collected []snippet.Snippet
	for _, r := range results {
		if r.err != nil {
			a.logger.Warn(ctx, "snippet source failed, proceeding with partial results",
				zap.String("domain", string(r.domain)), zap.Error(r.err))
			continue
		}
		collected = append(collected, r.snippets...)
	}

	collected = dedupe(collected)
	concepts := extraction.KeyConcepts(prompt)

	bundle := &Bundle{
		snippets:         collected,
		permittedDomains: authorized,
		keyConcepts:      concepts,
		rescore:          a.score,
	}
	bundle.scores, bundle.guardrailsFailed, bundle.guardrailReasons = a.score(collected, authorized, concepts)

	a.logger.Debug(ctx, "bundle assembled",
		zap.Int("snippets", len(collected)),
		zap.Float64("coverage", bundle.scores.Coverage),
		zap.Float64("tone", bundle.scores.Tone),
		zap.Bool("diverse", bundle.scores.Diverse),
		zap.Bool("guardrails_failed", bundle.guardrailsFailed))

	return bundle, nil
}

// Supplement performs the critique stage's one additional query to a
// single domain and appends the results to the bundle. Authorization
// for external retrieval is the caller's responsibility; domain access
// is still checked here.
func (a *Assembler) Supplement(ctx context.Context, taskID string, role governance.Role, bundle *Bundle, domain governance.Domain, prompt string) error {
	decision, err := a.auth.Authorize(ctx, taskID, role, governance.AccessDomain(domain))
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return decision.Violation
	}

	r := a.queryDomain(ctx, domain, prompt)
	if r.err != nil {
		return fmt.Errorf("supplementary query: %w", r.err)
	}

	existing := bundle.Snippets()
	fresh := r.snippets[:0]
	for _, sn := range r.snippets {
		if !isDuplicateOf(sn, existing) {
			fresh = append(fresh, sn)
		}
	}
	bundle.Extend(fresh)
	return nil
}

// queryDomain fans a prompt out to every source serving the domain.
func (a *Assembler) queryDomain(ctx context.Context, domain governance.Domain, prompt string) domainResult {
	var collected []snippet.Snippet
	var firstErr error

	for _, src := range a.sources {
		if !serves(src, domain) {
			continue
		}
		snippets, err := src.Query(ctx, domain, prompt, a.opts.TopN)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		collected = append(collected, snippets...)
	}

	if len(collected) == 0 && firstErr != nil {
		return domainResult{domain: domain, err: firstErr}
	}

	// Best first, then cap at TopN for the domain.
	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].Score > collected[j].Score
	})
	if len(collected) > a.opts.TopN {
		collected = collected[:a.opts.TopN]
	}
	return domainResult{domain: domain, snippets: collected}
}

// score computes coverage, tone and diversity plus guardrail state.
func (a *Assembler) score(snippets []snippet.Snippet, permitted []governance.Domain, concepts []string) (Scores, bool, []string) {
	scores := Scores{
		Coverage: coverage(snippets, concepts),
		Tone:     a.tone(snippets),
		Diverse:  diverse(snippets, permitted),
	}

	var reasons []string
	text := joinSnippetText(snippets)

	if a.banned != nil {
		if matches := a.banned.MatchString(strings.ToLower(text)); len(matches) > 0 {
			terms := make(map[string]bool)
			for _, m := range matches {
				terms[m.MatchString()] = true
			}
			for term := range terms {
				reasons = append(reasons, "banned term: "+term)
			}
			sort.Strings(reasons)
		}
	}
	if len(text) > a.opts.MaxBundleChars {
		reasons = append(reasons, fmt.Sprintf("bundle length %d over limit %d", len(text), a.opts.MaxBundleChars))
	}
	if !hasAttribution(snippets) {
		reasons = append(reasons, "zero attribution")
	}

	return scores, len(reasons) > 0, reasons
}

// coverage is the fraction of key concepts present in the snippets.
func coverage(snippets []snippet.Snippet, concepts []string) float64 {
	if len(concepts) == 0 {
		return 1.0
	}
	text := strings.ToLower(joinSnippetText(snippets))
	found := 0
	for _, c := range concepts {
		if strings.Contains(text, c) {
			found++
		}
	}
	return float64(found) / float64(len(concepts))
}

// tone averages voice-fingerprint overlap across snippets whose domain
// has a fingerprint. With no fingerprints configured there is nothing
// to compare against and the score is neutral.
func (a *Assembler) tone(snippets []snippet.Snippet) float64 {
	if len(a.opts.Fingerprints) == 0 {
		return 1.0
	}

	total := 0.0
	counted := 0
	for _, sn := range snippets {
		fp, ok := a.opts.Fingerprints[sn.Domain]
		if !ok {
			continue
		}
		total += fp.Overlap(sn.VoiceTerms)
		counted++
	}
	if counted == 0 {
		return 0.0
	}
	return total / float64(counted)
}

// diverse implements the diversity flag: vacuously true with fewer than
// two permitted domains.
func diverse(snippets []snippet.Snippet, permitted []governance.Domain) bool {
	if len(permitted) < 2 {
		return true
	}
	domains := make(map[governance.Domain]bool)
	for _, sn := range snippets {
		domains[sn.Domain] = true
	}
	return len(domains) >= 2
}

func hasAttribution(snippets []snippet.Snippet) bool {
	for _, sn := range snippets {
		if sn.Attribution != "" {
			return true
		}
	}
	return false
}

func serves(src snippet.Source, domain governance.Domain) bool {
	for _, d := range src.Domains() {
		if d == domain {
			return true
		}
	}
	return false
}

// dedupe removes near-identical snippets: exact normalized equality
// first, then trigram Jaccard overlap at or above 0.8. Earlier (higher
// ranked) snippets win.
func dedupe(snippets []snippet.Snippet) []snippet.Snippet {
	var out []snippet.Snippet
	for _, sn := range snippets {
		if isDuplicateOf(sn, out) {
			continue
		}
		out = append(out, sn)
	}
	return out
}

func isDuplicateOf(sn snippet.Snippet, kept []snippet.Snippet) bool {
	norm := normalizeText(sn.Text)
	grams := trigrams(norm)
	for _, other := range kept {
		otherNorm := normalizeText(other.Text)
		if norm == otherNorm {
			return true
		}
		if jaccard(grams, trigrams(otherNorm)) >= 0.8 {
			return true
		}
	}
	return false
}

func normalizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			return unicode.ToLower(r)
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func trigrams(s string) map[string]bool {
	words := strings.Fields(s)
	grams := make(map[string]bool)
	if len(words) < 3 {
		if len(words) > 0 {
			grams[strings.Join(words, " ")] = true
		}
		return grams
	}
	for i := 0; i+3 <= len(words); i++ {
		grams[strings.Join(words[i:i+3], " ")] = true
	}
	return grams
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for g := range a {
		if b[g] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
