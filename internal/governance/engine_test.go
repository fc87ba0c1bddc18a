package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/scribed/internal/audit"
	"github.com/fyrsmithlabs/scribed/internal/calltrack"
	"github.com/fyrsmithlabs/scribed/internal/config"
)

func newTestEngine(t *testing.T) (*Engine, *calltrack.MemoryTracker, *audit.Trail) {
	t.Helper()
	tracker := calltrack.NewMemoryTracker(0)
	trail := audit.NewTrail(nil)
	engine := NewEngine(DefaultTable(), tracker, trail, nil)
	return engine, tracker, trail
}

func TestAuthorize_DomainMatrix(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	allowed := map[Role]map[Domain]bool{
		RoleIdeator:    {DomainPersonal: true, DomainSocial: true, DomainPublished: true},
		RoleDrafter:    {DomainPersonal: true, DomainSocial: true},
		RoleCritic:     {DomainPersonal: true, DomainSocial: true, DomainPublished: true, DomainExternal: true},
		RoleRevisor:    {DomainPersonal: true, DomainSocial: true, DomainPublished: true},
		RoleSummarizer: {},
	}

	for _, role := range AllRoles() {
		for _, domain := range AllDomains() {
			d, err := engine.Authorize(ctx, "task-1", role, AccessDomain(domain))
			require.NoError(t, err)
			want := allowed[role][domain]
			assert.Equalf(t, want, d.Allowed, "role=%s domain=%s", role, domain)
			if !want {
				require.NotNil(t, d.Violation)
				assert.ErrorIs(t, d.Violation, ErrUnauthorizedDomain)
				assert.True(t, d.Violation.Critical, "domain never in profile is critical")
			}
		}
	}
}

func TestAuthorize_DomainRemovedByConfigIsNotCritical(t *testing.T) {
	// Narrow the ideator to personal only; published is then denied but
	// not critically, since the baseline profile includes it.
	table, err := NewTable(map[string]config.RoleOverride{
		"ideator": {AllowedDomains: []string{"personal"}},
	})
	require.NoError(t, err)

	engine := NewEngine(table, calltrack.NewMemoryTracker(0), audit.NewTrail(nil), nil)

	d, err := engine.Authorize(context.Background(), "task-1", RoleIdeator, AccessDomain(DomainPublished))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.Violation.Critical)

	// External was never in the baseline: still critical.
	d, err = engine.Authorize(context.Background(), "task-1", RoleIdeator, AccessDomain(DomainExternal))
	require.NoError(t, err)
	assert.True(t, d.Violation.Critical)
}

func TestAuthorize_GenerationBudget(t *testing.T) {
	engine, tracker, _ := newTestEngine(t)
	ctx := context.Background()

	// Under budget: allowed.
	d, err := engine.Authorize(ctx, "task-1", RoleRevisor, InvokeGeneration())
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// At budget (revisor budget is 1): denied, not critical.
	_, err = tracker.Increment(ctx, "task-1", "revisor")
	require.NoError(t, err)

	d, err = engine.Authorize(ctx, "task-1", RoleRevisor, InvokeGeneration())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, d.Violation, ErrCallLimitExceeded)
	assert.False(t, d.Violation.Critical)
	assert.Equal(t, 1, d.Violation.Count)
	assert.Equal(t, 1, d.Violation.Budget)
}

func TestAuthorize_GenerationOverrunEscalates(t *testing.T) {
	engine, tracker, _ := newTestEngine(t)
	ctx := context.Background()

	// Drive the count past double the budget (revisor budget 1).
	for i := 0; i < 3; i++ {
		_, err := tracker.Increment(ctx, "task-1", "revisor")
		require.NoError(t, err)
	}

	d, err := engine.Authorize(ctx, "task-1", RoleRevisor, InvokeGeneration())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.Violation.Critical, "overrun by more than 100% is critical")
}

func TestAuthorize_ExternalRetrieval(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, role := range AllRoles() {
		d, err := engine.Authorize(ctx, "task-1", role, InvokeExternalRetrieval())
		require.NoError(t, err)
		if role == RoleCritic {
			assert.True(t, d.Allowed, "only the critic may retrieve externally")
		} else {
			assert.False(t, d.Allowed)
			assert.ErrorIs(t, d.Violation, ErrUnauthorizedRetrieval)
		}
	}
}

func TestAuthorize_RecordsExactlyOneEntry(t *testing.T) {
	engine, _, trail := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Authorize(ctx, "task-1", RoleDrafter, AccessDomain(DomainPersonal))
	require.NoError(t, err)
	assert.Equal(t, 1, trail.Count("task-1"))

	_, err = engine.Authorize(ctx, "task-1", RoleDrafter, AccessDomain(DomainExternal))
	require.NoError(t, err)
	assert.Equal(t, 2, trail.Count("task-1"))

	entries := trail.Query("task-1")
	assert.Equal(t, audit.SeverityInfo, entries[0].Severity)
	assert.Equal(t, audit.SeverityCritical, entries[1].Severity)
	assert.NotEmpty(t, entries[0].InputsHash)
}

func TestNewTable_Overrides(t *testing.T) {
	calls := 5
	retrieval := true
	table, err := NewTable(map[string]config.RoleOverride{
		"drafter": {
			MaxGenerationCalls: &calls,
			MidStageRetrieval:  &retrieval,
		},
	})
	require.NoError(t, err)

	profile := table[RoleDrafter]
	assert.Equal(t, 5, profile.MaxGenerationCalls)
	assert.True(t, profile.MidStageRetrieval)
	assert.False(t, profile.ExternalRetrieval, "untouched fields keep defaults")

	// Other roles untouched.
	assert.Equal(t, 2, table[RoleIdeator].MaxGenerationCalls)
}

func TestNewTable_Invalid(t *testing.T) {
	_, err := NewTable(map[string]config.RoleOverride{"plumber": {}})
	require.Error(t, err)

	neg := -1
	_, err = NewTable(map[string]config.RoleOverride{"drafter": {MaxGenerationCalls: &neg}})
	require.Error(t, err)

	_, err = NewTable(map[string]config.RoleOverride{"drafter": {AllowedDomains: []string{"imaginary"}}})
	require.Error(t, err)
}

func TestParseRole_RoundTrip(t *testing.T) {
	for _, role := range AllRoles() {
		parsed, err := ParseRole(role.String())
		require.NoError(t, err)
		assert.Equal(t, role, parsed)
	}
	_, err := ParseRole("nobody")
	require.Error(t, err)
}
