package governance

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scribed/internal/audit"
	"github.com/fyrsmithlabs/scribed/internal/calltrack"
	"github.com/fyrsmithlabs/scribed/internal/logging"
)

// Sentinel errors for violation matching.
var (
	ErrCallLimitExceeded     = errors.New("generation call limit exceeded")
	ErrUnauthorizedDomain    = errors.New("unauthorized domain access")
	ErrUnauthorizedRetrieval = errors.New("unauthorized external retrieval")
)

// OpKind identifies a privileged operation.
type OpKind string

const (
	OpInvokeGeneration        OpKind = "invoke_generation"
	OpAccessDomain            OpKind = "access_domain"
	OpInvokeExternalRetrieval OpKind = "invoke_external_retrieval"
)

// Operation is a privileged operation plus its resource tag.
type Operation struct {
	Kind   OpKind
	Domain Domain // set for OpAccessDomain
}

// InvokeGeneration is an external generation call.
func InvokeGeneration() Operation {
	return Operation{Kind: OpInvokeGeneration}
}

// AccessDomain is a read of one snippet domain.
func AccessDomain(d Domain) Operation {
	return Operation{Kind: OpAccessDomain, Domain: d}
}

// InvokeExternalRetrieval is a supplementary external (RAG) query.
func InvokeExternalRetrieval() Operation {
	return Operation{Kind: OpInvokeExternalRetrieval}
}

func (o Operation) String() string {
	if o.Kind == OpAccessDomain {
		return fmt.Sprintf("%s(%s)", o.Kind, o.Domain)
	}
	return string(o.Kind)
}

// Violation is a typed governance violation. Critical violations halt
// the task; plain violations deny the operation and count as at least a
// stage failure.
type Violation struct {
	Role      Role
	Operation Operation
	Critical  bool
	Count     int // observed call count, for call-limit violations
	Budget    int
	err       error
}

// Error implements the error interface.
func (v *Violation) Error() string {
	if v.Operation.Kind == OpInvokeGeneration {
		return fmt.Sprintf("%s: %s: %v (count %d, budget %d)", v.Role, v.Operation, v.err, v.Count, v.Budget)
	}
	return fmt.Sprintf("%s: %s: %v", v.Role, v.Operation, v.err)
}

// Unwrap exposes the sentinel for errors.Is.
func (v *Violation) Unwrap() error {
	return v.err
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed   bool
	Violation *Violation // nil when allowed
}

// Engine validates privileged operations against the permission table.
//
// Every decision is recorded to the audit trail, exactly once. The
// engine itself never mutates call counts; an Allow for
// invoke_generation must be realized through
// calltrack.IncrementWithBudget, which re-checks atomically.
type Engine struct {
	table   Table
	base    Table // unmodified defaults, for escalation classification
	tracker calltrack.Reader
	trail   *audit.Trail
	logger  *logging.Logger
}

// NewEngine builds an engine over an immutable table.
func NewEngine(table Table, tracker calltrack.Reader, trail *audit.Trail, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		table:   table,
		base:    DefaultTable(),
		tracker: tracker,
		trail:   trail,
		logger:  logger,
	}
}

// Table returns the effective permission table.
func (e *Engine) Table() Table {
	return e.table
}

// Profile returns the effective profile for a role.
func (e *Engine) Profile(role Role) Profile {
	return e.table[role]
}

// Authorize validates one operation for one role within a task.
//
// A Deny is returned as an allowed=false Decision carrying the typed
// Violation; the error return is reserved for infrastructure failures
// (tracker unreachable, audit sink down).
func (e *Engine) Authorize(ctx context.Context, taskID string, role Role, op Operation) (Decision, error) {
	profile, ok := e.table[role]
	if !ok {
		return Decision{}, fmt.Errorf("no profile for role %s", role)
	}

	var decision Decision
	count := 0

	switch op.Kind {
	case OpInvokeGeneration:
		var err error
		count, err = e.tracker.Get(ctx, taskID, role.String())
		if err != nil {
			return Decision{}, fmt.Errorf("read call count: %w", err)
		}
		decision = e.decideGeneration(role, op, count, profile)
	case OpAccessDomain:
		decision = e.decideDomain(role, op, profile)
	case OpInvokeExternalRetrieval:
		decision = e.decideRetrieval(role, op, profile)
	default:
		return Decision{}, fmt.Errorf("unknown operation %q", op.Kind)
	}

	if err := e.record(ctx, taskID, role, op, count, decision); err != nil {
		return Decision{}, err
	}

	if decision.Allowed {
		e.logger.Debug(ctx, "authorized", zap.String("op", op.String()), zap.String("role", role.String()))
	} else {
		e.logger.Warn(ctx, "denied",
			zap.String("op", op.String()),
			zap.String("role", role.String()),
			zap.Bool("critical", decision.Violation.Critical),
			zap.Error(decision.Violation))
	}

	return decision, nil
}

func (e *Engine) decideGeneration(role Role, op Operation, count int, profile Profile) Decision {
	if count < profile.MaxGenerationCalls {
		return Decision{Allowed: true}
	}
	return Decision{Violation: &Violation{
		Role:      role,
		Operation: op,
		// Overrun by more than 100% of the budget is egregious.
		Critical: count > 2*profile.MaxGenerationCalls,
		Count:    count,
		Budget:   profile.MaxGenerationCalls,
		err:      ErrCallLimitExceeded,
	}}
}

func (e *Engine) decideDomain(role Role, op Operation, profile Profile) Decision {
	if profile.Allows(op.Domain) {
		return Decision{Allowed: true}
	}
	// A domain absent from the role's baseline profile was never
	// authorized for it; that is the egregious case. A domain removed
	// only by configuration is an ordinary denial.
	neverAuthorized := !e.base[role].Allows(op.Domain)
	return Decision{Violation: &Violation{
		Role:      role,
		Operation: op,
		Critical:  neverAuthorized,
		err:       ErrUnauthorizedDomain,
	}}
}

func (e *Engine) decideRetrieval(role Role, op Operation, profile Profile) Decision {
	if profile.ExternalRetrieval {
		return Decision{Allowed: true}
	}
	return Decision{Violation: &Violation{
		Role:      role,
		Operation: op,
		err:       ErrUnauthorizedRetrieval,
	}}
}

// record writes exactly one audit entry for the decision.
func (e *Engine) record(ctx context.Context, taskID string, role Role, op Operation, count int, d Decision) error {
	if e.trail == nil {
		return nil
	}

	outcome := "allow"
	severity := audit.SeverityInfo
	if !d.Allowed {
		outcome = "deny: " + d.Violation.Error()
		severity = audit.SeverityError
		if d.Violation.Critical {
			severity = audit.SeverityCritical
		}
	}

	return e.trail.Record(ctx, audit.Entry{
		TaskID:     taskID,
		Role:       role.String(),
		Kind:       audit.KindGovernanceDecision,
		InputsHash: audit.HashInputs(taskID, role.String(), op.String(), strconv.Itoa(count)),
		Outcome:    outcome,
		Severity:   severity,
	})
}
