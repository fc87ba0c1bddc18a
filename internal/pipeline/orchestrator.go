package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scribed/internal/assembler"
	"github.com/fyrsmithlabs/scribed/internal/audit"
	"github.com/fyrsmithlabs/scribed/internal/cache"
	"github.com/fyrsmithlabs/scribed/internal/calltrack"
	"github.com/fyrsmithlabs/scribed/internal/extraction"
	"github.com/fyrsmithlabs/scribed/internal/generation"
	"github.com/fyrsmithlabs/scribed/internal/governance"
	"github.com/fyrsmithlabs/scribed/internal/logging"
)

// Options configures the orchestrator.
type Options struct {
	Thresholds    Thresholds
	StageDeadline time.Duration
	MaxTokens     int

	// Scorer overrides the default extraction-based stage scoring.
	Scorer Scorer
}

// Orchestrator drives the five-stage state machine.
type Orchestrator struct {
	engine  *governance.Engine
	tracker calltrack.Tracker
	trail   *audit.Trail
	asm     *assembler.Assembler
	cache   *cache.Cache
	svc     generation.Service
	local   generation.Transformer
	scorer  Scorer
	opts    Options
	logger  *logging.Logger
	metrics *Metrics
}

// NewOrchestrator wires the pipeline core.
func NewOrchestrator(engine *governance.Engine, tracker calltrack.Tracker, trail *audit.Trail, asm *assembler.Assembler, c *cache.Cache, svc generation.Service, local generation.Transformer, opts Options, logger *logging.Logger) *Orchestrator {
	if opts.StageDeadline <= 0 {
		opts.StageDeadline = 60 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.Thresholds.Coverage <= 0 {
		opts.Thresholds.Coverage = 0.8
	}
	if opts.Thresholds.Tone <= 0 {
		opts.Thresholds.Tone = 0.6
	}
	if opts.Thresholds.MarginalMiss <= 0 {
		opts.Thresholds.MarginalMiss = 0.1
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = ExtractionScorer{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		engine:  engine,
		tracker: tracker,
		trail:   trail,
		asm:     asm,
		cache:   c,
		svc:     svc,
		local:   local,
		scorer:  scorer,
		opts:    opts,
		logger:  logger,
	}
}

// SetMetrics attaches Prometheus metrics.
func (o *Orchestrator) SetMetrics(m *Metrics) {
	o.metrics = m
}

// Run executes one task end to end. On a critical halt the returned
// Result carries the failure report and the error is a *CriticalError;
// recovered stage failures never surface as errors.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("empty prompt")
	}
	if _, err := ParseClassification(string(req.Classification)); err != nil {
		return nil, err
	}

	if res, ok := o.cachedResult(req); ok {
		o.logger.Debug(ctx, "result served from cache", zap.String("task.id", res.TaskID))
		if o.metrics != nil {
			o.metrics.ObserveTask("cached")
		}
		return res, nil
	}

	task := NewTask(req)
	ctx = logging.WithTaskID(ctx, task.ID)
	o.logger.Info(ctx, "task started", zap.String("classification", string(req.Classification)))

	bundle, err := o.assemble(ctx, task)
	if err != nil {
		var violation *governance.Violation
		if errors.As(err, &violation) && violation.Critical {
			return o.fail(ctx, task, governance.RoleIdeator, err)
		}
		return nil, fmt.Errorf("assemble context: %w", err)
	}

	if req.Classification == ClassificationRetrievalOnly {
		return o.completeRetrievalOnly(ctx, task, req, bundle)
	}

	prev := ""
	for _, role := range governance.AllRoles() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := o.runStage(ctx, task, role, bundle, prev, req)
		if err != nil {
			return o.fail(ctx, task, role, err)
		}
		task.appendResult(result)
		o.recordTransition(ctx, task, role, result.Status)
		prev = result.Output
	}

	return o.complete(ctx, task, req, bundle, prev), nil
}

// assemble builds the context bundle under the ideator's domain profile
// and audits any guardrail failure.
func (o *Orchestrator) assemble(ctx context.Context, task *Task) (*assembler.Bundle, error) {
	domains := o.engine.Profile(governance.RoleIdeator).Domains()
	bundle, err := o.asm.Assemble(ctx, task.ID, governance.RoleIdeator, task.Prompt, domains)
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		o.cache.Put("bundle."+task.ID, []byte(bundle.Text()), 0)
	}

	if bundle.GuardrailsFailed() && o.trail != nil {
		reasons := strings.Join(bundle.GuardrailReasons(), "; ")
		if err := o.trail.Record(ctx, audit.Entry{
			TaskID:     task.ID,
			Role:       governance.RoleIdeator.String(),
			Kind:       audit.KindGuardrail,
			InputsHash: audit.HashInputs(task.ID, reasons),
			Outcome:    "failed: " + reasons,
			Severity:   audit.SeverityWarning,
		}); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

// runStage executes one role. Generative roles call the external
// service; revision and summarization run the local transform first.
func (o *Orchestrator) runStage(ctx context.Context, task *Task, role governance.Role, bundle *assembler.Bundle, prev string, req Request) (StageResult, error) {
	start := time.Now()
	ctx = logging.WithRole(ctx, role.String())

	var (
		output    string
		changeLog []string
		prompt    string
		calls     int
		retried   bool
		err       error
	)

	generative := false
	switch role {
	case governance.RoleIdeator:
		generative = true
		prompt = ideationPrompt(task.Prompt, bundle)
	case governance.RoleDrafter:
		generative = true
		if o.engine.Profile(role).MidStageRetrieval {
			o.midStageRetrieval(ctx, task, role, bundle)
		}
		prompt = draftingPrompt(task.Prompt, prev, bundle)
	case governance.RoleCritic:
		generative = true
		o.criticRetrieval(ctx, task, bundle)
		prompt = critiquePrompt(task.Prompt, prev)
	case governance.RoleRevisor:
		output, changeLog, err = o.revise(ctx, task, bundle, prev, &calls)
	case governance.RoleSummarizer:
		output, changeLog, err = o.summarize(ctx, task, prev, req, &calls)
	default:
		return StageResult{}, fmt.Errorf("unhandled role %s", role)
	}

	if generative {
		output, err = o.generate(ctx, task, role, prompt, o.constraints(role), &calls)
		if err != nil && recoverable(err) {
			// External failure is a major stage failure: one retry,
			// accepted unconditionally.
			o.logger.Warn(ctx, "generation failed, retrying once", zap.Error(err))
			output, err = o.generate(ctx, task, role, prompt, o.constraints(role), &calls)
			if err == nil {
				retried = true
				changeLog = append(changeLog, "retry after external failure")
			}
		}
	}
	if err != nil {
		return StageResult{}, err
	}

	if role == governance.RoleCritic {
		if reason := criticalFinding(output); reason != "" {
			return StageResult{}, fmt.Errorf("critique flagged %s content", reason)
		}
	}

	status := StatusApproved
	if retried {
		status = StatusRevised
	} else {
		scores := o.scorer.Score(output, bundle)
		class, failed := classify(scores, bundle.GuardrailsFailed(), o.opts.Thresholds)
		switch class {
		case failNone:
		case failMinor:
			output, changeLog, status = o.tweak(ctx, output, bundle, changeLog, failed)
		case failMajor:
			// The summarizer stays local without the emergency flag;
			// its major fail degrades to the tweak.
			if role == governance.RoleSummarizer && !req.EmergencyFallback {
				output, changeLog, status = o.tweak(ctx, output, bundle, changeLog, failed)
				break
			}
			output, changeLog, status, err = o.majorRetry(ctx, task, role, output, bundle, changeLog, failed, &calls)
			if err != nil {
				return StageResult{}, err
			}
		}
	}

	if o.cache != nil {
		o.cache.Put("stage."+task.ID+"."+role.String(), []byte(output), 0)
	}

	duration := time.Since(start)
	if o.metrics != nil {
		o.metrics.ObserveStage(role.String(), duration)
	}
	o.logger.Info(ctx, "stage complete",
		zap.String("status", string(status)),
		zap.Int("calls", calls),
		zap.Duration("duration", duration))

	return StageResult{
		Role:      role,
		Output:    output,
		ChangeLog: changeLog,
		Status:    status,
		Calls:     calls,
		Duration:  duration,
	}, nil
}

// tweak applies the deterministic local correction for a minor fail.
func (o *Orchestrator) tweak(ctx context.Context, output string, bundle *assembler.Bundle, changeLog, failed []string) (string, []string, Status) {
	corrected, entry := applyTweak(output, bundle)
	o.logger.Debug(ctx, "minor fail corrected locally", zap.Strings("failed_checks", failed))
	return corrected, append(changeLog, entry), StatusTweaked
}

// majorRetry issues the single delta-prompt retry for a major fail. When
// the budget no longer covers a retry the stage degrades to the local
// tweak; only a critical governance violation propagates.
func (o *Orchestrator) majorRetry(ctx context.Context, task *Task, role governance.Role, output string, bundle *assembler.Bundle, changeLog, failed []string, calls *int) (string, []string, Status, error) {
	retryOut, err := o.generate(ctx, task, role, deltaPrompt(output, failed), o.constraints(role), calls)
	if err == nil {
		return retryOut, append(changeLog, "retry: "+strings.Join(failed, "; ")), StatusRevised, nil
	}

	var violation *governance.Violation
	if errors.As(err, &violation) && violation.Critical {
		return "", nil, "", err
	}

	o.logger.Warn(ctx, "retry unavailable, degrading to local tweak", zap.Error(err))
	corrected, entry := applyTweak(output, bundle)
	changeLog = append(changeLog, entry, "retry unavailable: "+err.Error())
	return corrected, changeLog, StatusTweaked, nil
}

// revise runs the revision stage: deterministic local correction of the
// draft guided by the critique, with one external fallback when the
// local pass fails.
func (o *Orchestrator) revise(ctx context.Context, task *Task, bundle *assembler.Bundle, critique string, calls *int) (string, []string, error) {
	draft := stageOutput(task, governance.RoleDrafter)
	if draft == "" {
		return "", nil, errors.New("revision has no draft to work from")
	}

	rules := generation.Rules{
		TargetRatio:   1.0,
		RequiredTerms: bundle.KeyConcepts(),
	}
	out, err := o.local.Transform(ctx, draft, rules)
	if err == nil && revisionValid(out, bundle, o.opts.Thresholds) {
		return out, []string{"local revision applied"}, nil
	}
	if err != nil && !errors.Is(err, generation.ErrLocalTransform) {
		return "", nil, err
	}

	o.logger.Warn(ctx, "local revision failed, falling back to external call", zap.Error(err))
	out, gerr := o.generate(ctx, task, governance.RoleRevisor, revisionPrompt(draft, critique), o.constraints(governance.RoleRevisor), calls)
	if gerr != nil {
		return "", nil, gerr
	}
	return out, []string{"external fallback after local revision failure"}, nil
}

// summarize runs the summarization stage: local-only by default, one
// audited external call under the explicit emergency flag.
func (o *Orchestrator) summarize(ctx context.Context, task *Task, revised string, req Request, calls *int) (string, []string, error) {
	rules := generation.Rules{
		TargetRatio:    0.3,
		ConnectorsOnly: true,
	}
	out, err := o.local.Transform(ctx, revised, rules)
	if err == nil {
		return out, []string{"local summary"}, nil
	}
	if !errors.Is(err, generation.ErrLocalTransform) {
		return "", nil, err
	}

	if req.EmergencyFallback {
		out, gerr := o.generate(ctx, task, governance.RoleSummarizer, summaryPrompt(revised), o.constraints(governance.RoleSummarizer), calls)
		if gerr != nil {
			return "", nil, gerr
		}
		if o.trail != nil {
			if rerr := o.trail.Record(ctx, audit.Entry{
				TaskID:     task.ID,
				Role:       governance.RoleSummarizer.String(),
				Kind:       audit.KindFailure,
				InputsHash: audit.HashInputs(task.ID, governance.RoleSummarizer.String(), "emergency_fallback"),
				Outcome:    "local summary failed; emergency fallback call used",
				Severity:   audit.SeverityWarning,
			}); rerr != nil {
				return "", nil, rerr
			}
		}
		return out, []string{"emergency fallback: external call replaced local summary"}, nil
	}

	// No emergency authorization: degrade to the leading sentences,
	// which introduces no vocabulary at all.
	out = leadingSentences(revised, 2)
	if out == "" {
		return "", nil, err
	}
	return out, []string{"local summary failed; leading sentences kept"}, nil
}

// generate performs one governed external call. Authorization and the
// atomic budget reservation happen before the call; no lock is held
// while the service blocks.
func (o *Orchestrator) generate(ctx context.Context, task *Task, role governance.Role, prompt string, c generation.Constraints, calls *int) (string, error) {
	decision, err := o.engine.Authorize(ctx, task.ID, role, governance.InvokeGeneration())
	if err != nil {
		return "", err
	}
	if !decision.Allowed {
		if o.metrics != nil {
			o.metrics.ObserveDenial(role.String())
		}
		return "", decision.Violation
	}

	budget := o.engine.Profile(role).MaxGenerationCalls
	if _, err := o.tracker.IncrementWithBudget(ctx, task.ID, role.String(), budget); err != nil {
		if errors.Is(err, calltrack.ErrBudgetExhausted) {
			if o.metrics != nil {
				o.metrics.ObserveDenial(role.String())
			}
			return "", fmt.Errorf("reserve generation call: %w", err)
		}
		return "", err
	}
	*calls++
	if o.metrics != nil {
		o.metrics.ObserveCall(role.String())
	}

	gctx, cancel := context.WithTimeout(ctx, o.opts.StageDeadline)
	defer cancel()
	return o.svc.Generate(gctx, prompt, c)
}

// criticRetrieval performs the critique stage's supplementary external
// query when its retrieval permission allows it. A failed supplement is
// a partial-result condition, not a stage failure.
func (o *Orchestrator) criticRetrieval(ctx context.Context, task *Task, bundle *assembler.Bundle) {
	decision, err := o.engine.Authorize(ctx, task.ID, governance.RoleCritic, governance.InvokeExternalRetrieval())
	if err != nil || !decision.Allowed {
		o.logger.Debug(ctx, "external retrieval not available", zap.Error(err))
		return
	}
	if err := o.asm.Supplement(ctx, task.ID, governance.RoleCritic, bundle, governance.DomainExternal, task.Prompt); err != nil {
		o.logger.Warn(ctx, "supplementary retrieval failed", zap.Error(err))
	}
}

// midStageRetrieval performs the drafter's optional supplementary query
// against its own allowed domains.
func (o *Orchestrator) midStageRetrieval(ctx context.Context, task *Task, role governance.Role, bundle *assembler.Bundle) {
	domains := o.engine.Profile(role).Domains()
	if len(domains) == 0 {
		return
	}
	if err := o.asm.Supplement(ctx, task.ID, role, bundle, domains[0], task.Prompt); err != nil {
		o.logger.Warn(ctx, "mid-stage retrieval failed", zap.Error(err))
	}
}

// fail halts the task: one highest-severity audit entry, counters
// released, failure report returned alongside the typed error.
func (o *Orchestrator) fail(ctx context.Context, task *Task, role governance.Role, reason error) (*Result, error) {
	if o.trail != nil {
		_ = o.trail.Record(ctx, audit.Entry{
			TaskID:     task.ID,
			Role:       role.String(),
			Kind:       audit.KindFailure,
			InputsHash: audit.HashInputs(task.ID, role.String(), reason.Error()),
			Outcome:    reason.Error(),
			Severity:   audit.SeverityCritical,
		})
	}
	if o.metrics != nil {
		o.metrics.ObserveTask("failed")
	}
	o.logger.Error(ctx, "task halted", zap.String("task.role", role.String()), zap.Error(reason))

	task.appendResult(StageResult{Role: role, Status: StatusCriticalFail})
	_ = o.tracker.Reset(ctx, task.ID)

	result := &Result{
		TaskID: task.ID,
		Stages: task.Results(),
		Failure: &FailureReport{
			Stage:    role,
			Reason:   reason.Error(),
			AuditRef: task.ID,
		},
	}
	return result, &CriticalError{TaskID: task.ID, Stage: role, Reason: reason}
}

// complete assembles the metadata bundle, releases counters and caches
// the result.
func (o *Orchestrator) complete(ctx context.Context, task *Task, req Request, bundle *assembler.Bundle, final string) *Result {
	meta := MetadataBundle{
		Attributions: bundle.Attributions(),
		CallRecords:  o.callRecords(ctx, task),
		ChangeLogs:   changeLogs(task),
		Keywords:     extraction.Keywords(final, 10),
	}
	_ = o.tracker.Reset(ctx, task.ID)

	result := &Result{
		TaskID:      task.ID,
		FinalOutput: final,
		Stages:      task.Results(),
		Metadata:    meta,
	}
	if o.cache != nil {
		if data, err := json.Marshal(result); err == nil {
			o.cache.Put(resultKey(req), data, 0)
		}
	}
	if o.metrics != nil {
		o.metrics.ObserveTask("completed")
	}
	o.logger.Info(ctx, "task complete", zap.Int("stages", len(result.Stages)))
	return result
}

// completeRetrievalOnly renders the bundle with attributions as the
// final output; no generation stage runs.
func (o *Orchestrator) completeRetrievalOnly(ctx context.Context, task *Task, req Request, bundle *assembler.Bundle) (*Result, error) {
	if o.trail != nil {
		if err := o.trail.Record(ctx, audit.Entry{
			TaskID:     task.ID,
			Kind:       audit.KindStageTransition,
			InputsHash: audit.HashInputs(task.ID, "retrieval_only"),
			Outcome:    "Assembly -> Done: retrieval_only",
			Severity:   audit.SeverityInfo,
		}); err != nil {
			return nil, err
		}
	}
	return o.complete(ctx, task, req, bundle, renderBundle(bundle)), nil
}

// recordTransition writes exactly one stage_transition entry.
func (o *Orchestrator) recordTransition(ctx context.Context, task *Task, role governance.Role, status Status) {
	if o.trail == nil {
		return
	}
	_ = o.trail.Record(ctx, audit.Entry{
		TaskID:     task.ID,
		Role:       role.String(),
		Kind:       audit.KindStageTransition,
		InputsHash: audit.HashInputs(task.ID, role.String(), string(status)),
		Outcome:    fmt.Sprintf("%s -> %s: %s", stateName(role), nextStateName(role), status),
		Severity:   audit.SeverityInfo,
	})
}

func (o *Orchestrator) callRecords(ctx context.Context, task *Task) []CallRecord {
	var records []CallRecord
	for _, role := range governance.AllRoles() {
		count, err := o.tracker.Get(ctx, task.ID, role.String())
		if err != nil {
			continue
		}
		records = append(records, CallRecord{TaskID: task.ID, Role: role.String(), Count: count})
	}
	return records
}

func (o *Orchestrator) cachedResult(req Request) (*Result, bool) {
	if o.cache == nil {
		return nil, false
	}
	data, ok := o.cache.Get(resultKey(req))
	if !ok {
		return nil, false
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (o *Orchestrator) constraints(role governance.Role) generation.Constraints {
	return generation.Constraints{
		System:    systemPrompt(role),
		MaxTokens: o.opts.MaxTokens,
	}
}

// recoverable reports whether a generation error is an external-service
// failure eligible for the single retry.
func recoverable(err error) bool {
	return errors.Is(err, generation.ErrDeadline) ||
		errors.Is(err, generation.ErrServiceUnavailable) ||
		errors.Is(err, generation.ErrMalformedResponse)
}

// criticalFindings are the critique markers that halt a task.
var criticalFindings = []string{"unverifiable", "unsafe", "contradictory", "contradicts"}

func criticalFinding(critique string) string {
	lower := strings.ToLower(critique)
	for _, marker := range criticalFindings {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return ""
}

func revisionValid(out string, bundle *assembler.Bundle, t Thresholds) bool {
	if strings.TrimSpace(out) == "" {
		return false
	}
	return conceptCoverage(out, bundle.KeyConcepts()) >= t.Coverage
}

func stageOutput(task *Task, role governance.Role) string {
	for _, r := range task.Results() {
		if r.Role == role {
			return r.Output
		}
	}
	return ""
}

func changeLogs(task *Task) map[string][]string {
	logs := make(map[string][]string)
	for _, r := range task.Results() {
		if len(r.ChangeLog) > 0 {
			logs[r.Role.String()] = r.ChangeLog
		}
	}
	if len(logs) == 0 {
		return nil
	}
	return logs
}

func resultKey(req Request) string {
	return "result." + audit.HashInputs(req.Prompt, string(req.Classification))
}

func renderBundle(bundle *assembler.Bundle) string {
	var b strings.Builder
	for i, sn := range bundle.Snippets() {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sn.Text)
		b.WriteString("\n[")
		b.WriteString(sn.Attribution)
		b.WriteString("]")
	}
	return b.String()
}

func leadingSentences(text string, n int) string {
	var out strings.Builder
	count := 0
	for _, r := range text {
		out.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			count++
			if count >= n {
				break
			}
		}
	}
	return strings.TrimSpace(out.String())
}

func stateName(role governance.Role) string {
	switch role {
	case governance.RoleIdeator:
		return "Ideation"
	case governance.RoleDrafter:
		return "Drafting"
	case governance.RoleCritic:
		return "Critique"
	case governance.RoleRevisor:
		return "Revision"
	case governance.RoleSummarizer:
		return "Summarization"
	}
	return "Unknown"
}

func nextStateName(role governance.Role) string {
	switch role {
	case governance.RoleIdeator:
		return "Drafting"
	case governance.RoleDrafter:
		return "Critique"
	case governance.RoleCritic:
		return "Revision"
	case governance.RoleRevisor:
		return "Summarization"
	case governance.RoleSummarizer:
		return "Done"
	}
	return "Unknown"
}
