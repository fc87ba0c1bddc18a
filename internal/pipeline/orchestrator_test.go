package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/scribed/internal/assembler"
	"github.com/fyrsmithlabs/scribed/internal/audit"
	"github.com/fyrsmithlabs/scribed/internal/cache"
	"github.com/fyrsmithlabs/scribed/internal/calltrack"
	"github.com/fyrsmithlabs/scribed/internal/extraction"
	"github.com/fyrsmithlabs/scribed/internal/generation"
	"github.com/fyrsmithlabs/scribed/internal/governance"
	"github.com/fyrsmithlabs/scribed/internal/logging"
	"github.com/fyrsmithlabs/scribed/internal/snippet"
)

// scriptedService replays canned outputs per role and counts calls.
type scriptedService struct {
	mu      sync.Mutex
	outputs map[string]string // system prompt substring -> output
	errs    map[string]error
	systems []string // system prompt of every call, for callsFor
	total   int
}

func newScriptedService() *scriptedService {
	return &scriptedService{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (s *scriptedService) on(roleWord, output string) {
	s.outputs[roleWord] = output
}

func (s *scriptedService) failOn(roleWord string, err error) {
	s.errs[roleWord] = err
}

func (s *scriptedService) Generate(_ context.Context, _ string, c generation.Constraints) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.systems = append(s.systems, c.System)
	for word, err := range s.errs {
		if strings.Contains(c.System, word) {
			delete(s.errs, word) // fail once, then recover
			return "", err
		}
	}
	for word, out := range s.outputs {
		if strings.Contains(c.System, word) {
			return out, nil
		}
	}
	return "generic output about the prompt topic", nil
}

func (s *scriptedService) callsFor(roleWord string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sys := range s.systems {
		if strings.Contains(sys, roleWord) {
			n++
		}
	}
	return n
}

// fixedScorer returns the same scores for every stage.
type fixedScorer struct {
	scores StageScores
}

func (f fixedScorer) Score(string, *assembler.Bundle) StageScores {
	return f.scores
}

// memorySource serves canned snippets per domain.
type memorySource struct {
	byDomain map[governance.Domain][]snippet.Snippet
}

func (m *memorySource) Query(_ context.Context, domain governance.Domain, _ string, limit int) ([]snippet.Snippet, error) {
	snips := m.byDomain[domain]
	if limit < len(snips) {
		snips = snips[:limit]
	}
	return snips, nil
}

func (m *memorySource) Domains() []governance.Domain {
	out := make([]governance.Domain, 0, len(m.byDomain))
	for d := range m.byDomain {
		out = append(out, d)
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	trail   *audit.Trail
	tracker *calltrack.MemoryTracker
	svc     *scriptedService
	cache   *cache.Cache
}

func testSnippet(id, text string, domain governance.Domain) snippet.Snippet {
	return snippet.Snippet{
		ID:          id,
		Text:        text,
		Domain:      domain,
		Timestamp:   time.Now(),
		Attribution: "corpus/" + id,
		VoiceTerms:  extraction.VoiceTerms(text),
		Score:       0.9,
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	tracker := calltrack.NewMemoryTracker(time.Hour)
	trail := audit.NewTrail(audit.NewMemorySink())
	engine := governance.NewEngine(governance.DefaultTable(), tracker, trail, logging.NewNop())

	src := &memorySource{byDomain: map[governance.Domain][]snippet.Snippet{
		governance.DomainPersonal: {
			testSnippet("p1", "Writing honestly about process beats polish every single time.", governance.DomainPersonal),
		},
		governance.DomainSocial: {
			testSnippet("s1", "Short daily posts taught me rhythm and restraint in writing.", governance.DomainSocial),
		},
		governance.DomainPublished: {
			testSnippet("pub1", "The published essay argued that revision is where writing happens.", governance.DomainPublished),
		},
		governance.DomainExternal: {
			testSnippet("x1", "External reference on essay structure conventions, with citation.", governance.DomainExternal),
		},
	}}

	asm := assembler.New([]snippet.Source{src}, engine, assembler.Options{TopN: 5}, logging.NewNop())
	c := cache.New(time.Minute, 100, 1<<20)
	svc := newScriptedService()

	orch := NewOrchestrator(engine, tracker, trail, asm, c, svc,
		generation.NewLocalTransformer(), opts, logging.NewNop())

	return &harness{orch: orch, trail: trail, tracker: tracker, svc: svc, cache: c}
}

func passingScores() Options {
	return Options{Scorer: fixedScorer{StageScores{Coverage: 0.95, Tone: 0.9}}}
}

func TestRun_CompletesAllStages(t *testing.T) {
	h := newHarness(t, passingScores())
	h.svc.on("propose", "Idea: write about rhythm and restraint in daily writing practice.")
	h.svc.on("full draft", "Daily writing practice builds rhythm. Restraint comes later, in revision. The essay should say so plainly.")
	h.svc.on("critique", "The draft is solid and the claims all check out against the context.")

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "an essay about daily writing practice",
		Classification: ClassificationWriting,
	})
	require.NoError(t, err)

	require.Len(t, res.Stages, 5)
	for i, role := range governance.AllRoles() {
		assert.Equal(t, role, res.Stages[i].Role)
		assert.NotEqual(t, StatusCriticalFail, res.Stages[i].Status)
	}
	assert.NotEmpty(t, res.FinalOutput)
	assert.NotEmpty(t, res.Metadata.Attributions)
	assert.NotEmpty(t, res.Metadata.CallRecords)
	assert.Nil(t, res.Failure)

	// Completion resets the tracker.
	count, err := h.tracker.Get(context.Background(), res.TaskID, "ideator")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRun_MinorFailTweaksWithoutExtraCall(t *testing.T) {
	// Coverage passes its threshold, tone misses narrowly: a minor
	// fail corrected locally with zero additional generation calls.
	h := newHarness(t, Options{
		Thresholds: Thresholds{Coverage: 0.8, Tone: 0.6, MarginalMiss: 0.1},
		Scorer:     fixedScorer{StageScores{Coverage: 0.82, Tone: 0.55}},
	})

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "an essay about daily writing practice",
		Classification: ClassificationWriting,
	})
	require.NoError(t, err)

	ideator := res.Stages[0]
	assert.Equal(t, governance.RoleIdeator, ideator.Role)
	assert.Equal(t, StatusTweaked, ideator.Status)
	assert.Equal(t, 1, ideator.Calls, "one base call, no retry")
	assert.NotEmpty(t, ideator.ChangeLog)
	assert.Equal(t, 1, h.svc.callsFor("propose"))
}

func TestRun_MajorFailIssuesExactlyOneRetry(t *testing.T) {
	// Both thresholds missed: the major path makes exactly one
	// additional call and accepts its result unconditionally.
	h := newHarness(t, Options{
		Thresholds: Thresholds{Coverage: 0.8, Tone: 0.6, MarginalMiss: 0.1},
		Scorer:     fixedScorer{StageScores{Coverage: 0.3, Tone: 0.2}},
	})

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "an essay about daily writing practice",
		Classification: ClassificationWriting,
	})
	require.NoError(t, err)

	ideator := res.Stages[0]
	assert.Equal(t, StatusRevised, ideator.Status)
	assert.Equal(t, 2, ideator.Calls, "base call plus one retry, never a third")
	assert.Equal(t, 2, h.svc.callsFor("propose"))

	// Drafter has budget 2 as well: same ceiling.
	drafter := res.Stages[1]
	assert.LessOrEqual(t, drafter.Calls, 2)
}

func TestRun_CriticCriticalHaltsTask(t *testing.T) {
	h := newHarness(t, passingScores())
	h.svc.on("critique", "The central claim is unverifiable against any provided source.")

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "an essay about daily writing practice",
		Classification: ClassificationWriting,
	})
	require.Error(t, err)
	assert.True(t, IsCritical(err))

	require.NotNil(t, res)
	require.NotNil(t, res.Failure)
	assert.Equal(t, governance.RoleCritic, res.Failure.Stage)
	assert.Equal(t, res.TaskID, res.Failure.AuditRef)

	// Revision and summarization never execute.
	for _, sr := range res.Stages {
		assert.NotEqual(t, governance.RoleRevisor, sr.Role)
		assert.NotEqual(t, governance.RoleSummarizer, sr.Role)
	}

	entries := h.trail.Query(res.TaskID)
	require.NotEmpty(t, entries)

	// The failure record is the last entry, at highest severity, and
	// no stage_transition entry follows the halt.
	var failureAt = -1
	for i, e := range entries {
		if e.Kind == audit.KindFailure {
			failureAt = i
			assert.Equal(t, audit.SeverityCritical, e.Severity)
		}
	}
	require.GreaterOrEqual(t, failureAt, 0)
	for _, e := range entries[failureAt:] {
		assert.NotEqual(t, audit.KindStageTransition, e.Kind)
	}
}

func TestRun_GuardrailFailureNeverApproved(t *testing.T) {
	h := newHarness(t, Options{
		Scorer: fixedScorer{StageScores{Coverage: 0.95, Tone: 0.9}},
	})

	// Rebuild the assembler with a banned term present in the corpus.
	tracker := calltrack.NewMemoryTracker(time.Hour)
	trail := audit.NewTrail(audit.NewMemorySink())
	engine := governance.NewEngine(governance.DefaultTable(), tracker, trail, logging.NewNop())
	src := &memorySource{byDomain: map[governance.Domain][]snippet.Snippet{
		governance.DomainPersonal: {
			testSnippet("p1", "We should leverage synergy across the writing practice.", governance.DomainPersonal),
		},
	}}
	asm := assembler.New([]snippet.Source{src}, engine,
		assembler.Options{BannedTerms: []string{"synergy"}}, logging.NewNop())
	h.orch = NewOrchestrator(engine, tracker, trail, asm, cache.New(time.Minute, 100, 1<<20),
		h.svc, generation.NewLocalTransformer(),
		Options{Scorer: fixedScorer{StageScores{Coverage: 0.95, Tone: 0.9}}}, logging.NewNop())

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "an essay about writing practice",
		Classification: ClassificationWriting,
	})
	require.NoError(t, err)

	for _, sr := range res.Stages {
		assert.NotEqual(t, StatusApproved, sr.Status,
			"stage %s accepted output from a bundle with failed guardrails", sr.Role)
	}

	var sawGuardrail bool
	for _, e := range trail.Query(res.TaskID) {
		if e.Kind == audit.KindGuardrail {
			sawGuardrail = true
		}
	}
	assert.True(t, sawGuardrail)
}

func TestRun_RetrievalOnlySkipsGeneration(t *testing.T) {
	h := newHarness(t, passingScores())

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "notes about writing practice",
		Classification: ClassificationRetrievalOnly,
	})
	require.NoError(t, err)

	assert.Empty(t, res.Stages)
	assert.NotEmpty(t, res.FinalOutput)
	assert.Contains(t, res.FinalOutput, "[corpus/")
	assert.Zero(t, h.svc.total, "no generation stage may run")
}

func TestRun_ExternalFailureRetriesOnce(t *testing.T) {
	h := newHarness(t, passingScores())
	h.svc.failOn("propose", generation.ErrServiceUnavailable)

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "an essay about daily writing practice",
		Classification: ClassificationWriting,
	})
	require.NoError(t, err)

	ideator := res.Stages[0]
	assert.Equal(t, StatusRevised, ideator.Status)
	assert.Equal(t, 2, ideator.Calls)
	assert.Contains(t, ideator.ChangeLog, "retry after external failure")
}

func TestRun_PersistentExternalFailureIsCritical(t *testing.T) {
	h := newHarness(t, passingScores())
	h.svc.mu.Lock()
	h.svc.outputs = map[string]string{}
	h.svc.mu.Unlock()
	// Both the call and its retry fail.
	brokenSvc := failingService{err: generation.ErrServiceUnavailable}
	h.orch.svc = brokenSvc

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "an essay about daily writing practice",
		Classification: ClassificationWriting,
	})
	require.Error(t, err)
	assert.True(t, IsCritical(err))
	require.NotNil(t, res.Failure)
	assert.Equal(t, governance.RoleIdeator, res.Failure.Stage)
}

type failingService struct {
	err error
}

func (f failingService) Generate(context.Context, string, generation.Constraints) (string, error) {
	return "", f.err
}

func TestRun_SummarizerStaysLocal(t *testing.T) {
	h := newHarness(t, passingScores())
	h.svc.on("full draft", "Revision is where the writing happens. First drafts only exist so revision has raw material. Daily practice keeps the raw material coming.")

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "an essay about daily writing practice",
		Classification: ClassificationWriting,
	})
	require.NoError(t, err)

	count, err := h.tracker.Get(context.Background(), res.TaskID, "summarizer")
	require.NoError(t, err)
	assert.Zero(t, count, "summarizer made an external call without the emergency flag")
}

func TestRun_Cancellation(t *testing.T) {
	h := newHarness(t, passingScores())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Run(ctx, Request{
		Prompt:         "an essay",
		Classification: ClassificationWriting,
	})
	require.Error(t, err)
	assert.False(t, IsCritical(err))
}

func TestRun_InvalidRequest(t *testing.T) {
	h := newHarness(t, passingScores())

	_, err := h.orch.Run(context.Background(), Request{Prompt: "  ", Classification: ClassificationChat})
	assert.Error(t, err)

	_, err = h.orch.Run(context.Background(), Request{Prompt: "x", Classification: "bulk"})
	assert.Error(t, err)
}

func TestRun_ResultCached(t *testing.T) {
	h := newHarness(t, passingScores())

	req := Request{Prompt: "an essay about daily writing practice", Classification: ClassificationWriting}
	first, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)

	before := h.svc.total
	second, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, first.FinalOutput, second.FinalOutput)
	assert.Equal(t, before, h.svc.total, "cache hit must not regenerate")
}

func TestRun_AuditOrderPerTask(t *testing.T) {
	h := newHarness(t, passingScores())

	res, err := h.orch.Run(context.Background(), Request{
		Prompt:         "an essay about daily writing practice",
		Classification: ClassificationWriting,
	})
	require.NoError(t, err)

	entries := h.trail.Query(res.TaskID)
	require.NotEmpty(t, entries)

	var transitions []string
	for _, e := range entries {
		assert.Equal(t, res.TaskID, e.TaskID)
		if e.Kind == audit.KindStageTransition {
			transitions = append(transitions, e.Role)
		}
	}
	assert.Equal(t, []string{"ideator", "drafter", "critic", "revisor", "summarizer"}, transitions)
}

func TestCriticalError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &CriticalError{TaskID: "t", Stage: governance.RoleCritic, Reason: inner}
	assert.True(t, errors.Is(err, inner))
	assert.True(t, IsCritical(err))
	assert.Contains(t, err.Error(), "critic")
}

func TestParseClassification(t *testing.T) {
	for _, valid := range []string{"chat", "writing", "voice", "retrieval-only"} {
		c, err := ParseClassification(valid)
		require.NoError(t, err)
		assert.Equal(t, Classification(valid), c)
	}
	_, err := ParseClassification("bulk")
	assert.Error(t, err)
}
