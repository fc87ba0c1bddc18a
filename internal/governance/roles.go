// Package governance enforces per-role call budgets and data-access
// permissions for the pipeline.
//
// The permission table is built once at startup and never mutated, so
// reads need no synchronization. Authorize is a pure function of the
// table plus the current call count; it never mutates state. The atomic
// reservation of a generation call lives in calltrack
// (IncrementWithBudget); the engine's generation check is advisory and
// classifies overruns for auditing.
package governance

import (
	"fmt"

	"github.com/fyrsmithlabs/scribed/internal/config"
)

// Role is one of the five pipeline stages. The set is closed; the
// orchestrator dispatches on it exhaustively.
type Role int

const (
	RoleIdeator Role = iota
	RoleDrafter
	RoleCritic
	RoleRevisor
	RoleSummarizer
)

// AllRoles returns the roles in pipeline execution order.
func AllRoles() []Role {
	return []Role{RoleIdeator, RoleDrafter, RoleCritic, RoleRevisor, RoleSummarizer}
}

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleIdeator:
		return "ideator"
	case RoleDrafter:
		return "drafter"
	case RoleCritic:
		return "critic"
	case RoleRevisor:
		return "revisor"
	case RoleSummarizer:
		return "summarizer"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses a wire name into a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "ideator":
		return RoleIdeator, nil
	case "drafter":
		return RoleDrafter, nil
	case "critic":
		return RoleCritic, nil
	case "revisor":
		return RoleRevisor, nil
	case "summarizer":
		return RoleSummarizer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Domain is a tagged source of context snippets.
type Domain string

const (
	DomainPersonal  Domain = "personal"
	DomainSocial    Domain = "social"
	DomainPublished Domain = "published"
	DomainExternal  Domain = "external"
)

// AllDomains returns every known domain.
func AllDomains() []Domain {
	return []Domain{DomainPersonal, DomainSocial, DomainPublished, DomainExternal}
}

// ParseDomain parses a wire name into a Domain.
func ParseDomain(s string) (Domain, error) {
	switch Domain(s) {
	case DomainPersonal, DomainSocial, DomainPublished, DomainExternal:
		return Domain(s), nil
	default:
		return "", fmt.Errorf("unknown domain %q", s)
	}
}

// Profile is the static permission policy for one role.
type Profile struct {
	// MaxGenerationCalls is the per-task budget of external generation
	// calls, counting the single permitted retry.
	MaxGenerationCalls int

	// AllowedDomains are the snippet domains the role may read.
	AllowedDomains map[Domain]bool

	// ExternalRetrieval permits supplementary external (RAG) queries.
	ExternalRetrieval bool

	// MidStageRetrieval permits one supplementary query to the role's
	// own allowed domains mid-stage. Off by default; configurable
	// because the product behavior for the Drafter is still open.
	MidStageRetrieval bool
}

// Allows reports whether the profile grants access to a domain.
func (p Profile) Allows(d Domain) bool {
	return p.AllowedDomains[d]
}

// Domains returns the allowed domains in canonical order.
func (p Profile) Domains() []Domain {
	var out []Domain
	for _, d := range AllDomains() {
		if p.AllowedDomains[d] {
			out = append(out, d)
		}
	}
	return out
}

// Table maps each role to its profile. Built once, then read-only.
type Table map[Role]Profile

// DefaultTable returns the baseline permission policy.
//
// Budgets count the base stage call plus the single major-fail retry
// where the stage is permitted one. Revisor and Summarizer work locally
// and hold a budget of one fallback call each.
func DefaultTable() Table {
	return Table{
		RoleIdeator: {
			MaxGenerationCalls: 2,
			AllowedDomains: map[Domain]bool{
				DomainPersonal:  true,
				DomainSocial:    true,
				DomainPublished: true,
			},
		},
		RoleDrafter: {
			MaxGenerationCalls: 2,
			AllowedDomains: map[Domain]bool{
				DomainPersonal: true,
				DomainSocial:   true,
			},
		},
		RoleCritic: {
			MaxGenerationCalls: 2,
			AllowedDomains: map[Domain]bool{
				DomainPersonal:  true,
				DomainSocial:    true,
				DomainPublished: true,
				DomainExternal:  true,
			},
			ExternalRetrieval: true,
		},
		RoleRevisor: {
			MaxGenerationCalls: 1,
			AllowedDomains: map[Domain]bool{
				DomainPersonal:  true,
				DomainSocial:    true,
				DomainPublished: true,
			},
		},
		RoleSummarizer: {
			MaxGenerationCalls: 1,
			AllowedDomains:     map[Domain]bool{},
		},
	}
}

// NewTable builds the effective table from defaults plus config
// overrides. Role names in overrides are validated by config already;
// unknown names error here as a second line of defense.
func NewTable(overrides map[string]config.RoleOverride) (Table, error) {
	table := DefaultTable()

	for name, o := range overrides {
		role, err := ParseRole(name)
		if err != nil {
			return nil, err
		}
		profile := table[role]

		if o.MaxGenerationCalls != nil {
			if *o.MaxGenerationCalls < 0 {
				return nil, fmt.Errorf("role %s: max_generation_calls cannot be negative", name)
			}
			profile.MaxGenerationCalls = *o.MaxGenerationCalls
		}
		if o.AllowedDomains != nil {
			domains := make(map[Domain]bool, len(o.AllowedDomains))
			for _, ds := range o.AllowedDomains {
				d, err := ParseDomain(ds)
				if err != nil {
					return nil, fmt.Errorf("role %s: %w", name, err)
				}
				domains[d] = true
			}
			profile.AllowedDomains = domains
		}
		if o.ExternalRetrieval != nil {
			profile.ExternalRetrieval = *o.ExternalRetrieval
		}
		if o.MidStageRetrieval != nil {
			profile.MidStageRetrieval = *o.MidStageRetrieval
		}

		table[role] = profile
	}

	return table, nil
}
