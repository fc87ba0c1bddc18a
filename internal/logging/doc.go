// Package logging provides context-aware structured logging for scribed.
//
// It wraps zap with a custom trace level, per-task correlation fields
// carried on the context, and test observation helpers. All packages log
// through this wrapper so task and role correlation is uniform.
package logging
