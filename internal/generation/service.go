// Package generation wraps the external text-generation service and the
// deterministic local transform used by the revision and summarization
// stages.
//
// The external service is treated as a pure, possibly-slow,
// possibly-failing function. All failures are typed so the orchestrator
// can classify them without inspecting message text.
package generation

import (
	"context"
	"errors"
)

// Typed failures.
var (
	// ErrDeadline marks a caller-deadline overrun on an external call.
	ErrDeadline = errors.New("generation deadline exceeded")

	// ErrServiceUnavailable marks transport or server-side failure.
	ErrServiceUnavailable = errors.New("generation service unavailable")

	// ErrMalformedResponse marks an unparseable or empty response.
	ErrMalformedResponse = errors.New("malformed generation response")

	// ErrLocalTransform marks a failed local transform; the caller
	// decides whether a fallback external call is permitted.
	ErrLocalTransform = errors.New("local transform failed")
)

// Constraints shape one generation call.
type Constraints struct {
	// System is the system prompt framing the role's job.
	System string

	// MaxTokens caps the response length.
	MaxTokens int

	// Temperature controls sampling. Zero means the client default.
	Temperature float64
}

// Service is the external generation boundary.
type Service interface {
	Generate(ctx context.Context, prompt string, constraints Constraints) (string, error)
}

// Rules shape one local transform.
type Rules struct {
	// TargetRatio is the extraction ratio for condensing transforms;
	// 1.0 keeps the full length (correction-only pass).
	TargetRatio float64

	// RequiredTerms must survive the transform. Sentences containing
	// them are always kept.
	RequiredTerms []string

	// ReplaceTerms substitutes corpus-derived phrases for flagged ones.
	ReplaceTerms map[string]string

	// ConnectorsOnly restricts any vocabulary the transform introduces
	// to the fixed connector set (summarization constraint).
	ConnectorsOnly bool
}

// Transformer is the deterministic local generation method.
type Transformer interface {
	Transform(ctx context.Context, input string, rules Rules) (string, error)
}
