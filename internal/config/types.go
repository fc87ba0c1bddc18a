// Package config provides configuration loading for scribed.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret wraps strings that should be redacted in logs and serialization.
// Use Value() to access the actual secret value.
type Secret string

// String implements fmt.Stringer. Always returns redacted value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON implements json.Marshaler. Always marshals redacted.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Value returns the actual secret value.
func (s Secret) Value() string {
	return string(s)
}

// Config is the root configuration for scribed.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Governance GovernanceConfig `koanf:"governance"`
	Cache      CacheConfig      `koanf:"cache"`
	Tracker    TrackerConfig    `koanf:"tracker"`
	Generation GenerationConfig `koanf:"generation"`
	Sources    SourcesConfig    `koanf:"sources"`
	Audit      AuditConfig      `koanf:"audit"`
}

// LoggingConfig mirrors internal/logging.Config at the loader boundary.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PipelineConfig holds stage thresholds and limits.
type PipelineConfig struct {
	// CoverageThreshold is T1: minimum fraction of prompt key concepts
	// that must appear across selected snippets.
	CoverageThreshold float64 `koanf:"coverage_threshold"`

	// ToneThreshold is T2: minimum voice-fingerprint overlap.
	ToneThreshold float64 `koanf:"tone_threshold"`

	// MarginalMiss is the band below a threshold still classed a minor
	// failure. A miss wider than this is major.
	MarginalMiss float64 `koanf:"marginal_miss"`

	// MaxBundleChars caps total bundle text before guardrails fail it.
	MaxBundleChars int `koanf:"max_bundle_chars"`

	// StageDeadline bounds each external generation call.
	StageDeadline Duration `koanf:"stage_deadline"`
}

// RoleOverride optionally adjusts a role's static permission profile.
type RoleOverride struct {
	MaxGenerationCalls *int     `koanf:"max_generation_calls"`
	AllowedDomains     []string `koanf:"allowed_domains"`
	ExternalRetrieval  *bool    `koanf:"external_retrieval"`
	MidStageRetrieval  *bool    `koanf:"mid_stage_retrieval"`
}

// GovernanceConfig carries per-role profile overrides, applied once at load.
type GovernanceConfig struct {
	Roles map[string]RoleOverride `koanf:"roles"`
}

// CacheConfig controls the shared bundle/text cache.
type CacheConfig struct {
	TTL               Duration `koanf:"ttl"`
	MaxEntries        int      `koanf:"max_entries"`
	CompressThreshold int      `koanf:"compress_threshold"`
}

// TrackerConfig selects the call-tracker backend.
type TrackerConfig struct {
	// Backend is "memory" or "nats".
	Backend string `koanf:"backend"`

	// NATSURL is the server URL for the nats backend.
	NATSURL string `koanf:"nats_url"`

	// Bucket is the JetStream KV bucket name.
	Bucket string `koanf:"bucket"`

	// EntryTTL expires counters for abandoned tasks.
	EntryTTL Duration `koanf:"entry_ttl"`
}

// GenerationConfig configures the external generation service client.
type GenerationConfig struct {
	BaseURL   string  `koanf:"base_url"`
	APIKey    Secret  `koanf:"api_key"`
	Model     string  `koanf:"model"`
	MaxTokens int     `koanf:"max_tokens"`
	// RatePerSecond bounds outbound calls client-side. Zero disables.
	RatePerSecond float64  `koanf:"rate_per_second"`
	Timeout       Duration `koanf:"timeout"`
}

// SourcesConfig configures snippet sources and guardrails.
type SourcesConfig struct {
	// StorePath is the chromem persistence directory.
	StorePath string `koanf:"store_path"`

	// TopN caps snippets returned per domain.
	TopN int `koanf:"top_n"`

	// BannedTerms fail bundle guardrails when present.
	BannedTerms []string `koanf:"banned_terms"`

	// VoiceSamples seed per-domain voice fingerprints. Keyed by domain.
	VoiceSamples map[string][]string `koanf:"voice_samples"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	// Sink is "memory", "file" or "nats".
	Sink string `koanf:"sink"`

	// Path is the JSONL file path for the file sink.
	Path string `koanf:"path"`

	// NATSURL is the server URL for the nats sink.
	NATSURL string `koanf:"nats_url"`
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if c.Pipeline.CoverageThreshold < 0 || c.Pipeline.CoverageThreshold > 1 {
		return fmt.Errorf("pipeline.coverage_threshold must be in [0,1], got %v", c.Pipeline.CoverageThreshold)
	}
	if c.Pipeline.ToneThreshold < 0 || c.Pipeline.ToneThreshold > 1 {
		return fmt.Errorf("pipeline.tone_threshold must be in [0,1], got %v", c.Pipeline.ToneThreshold)
	}
	if c.Pipeline.MarginalMiss < 0 || c.Pipeline.MarginalMiss > 0.5 {
		return fmt.Errorf("pipeline.marginal_miss must be in [0,0.5], got %v", c.Pipeline.MarginalMiss)
	}
	if c.Pipeline.MaxBundleChars <= 0 {
		return fmt.Errorf("pipeline.max_bundle_chars must be positive")
	}
	switch c.Tracker.Backend {
	case "memory":
	case "nats":
		if c.Tracker.NATSURL == "" {
			return fmt.Errorf("tracker.nats_url required for nats backend")
		}
	default:
		return fmt.Errorf("tracker.backend must be memory or nats, got %q", c.Tracker.Backend)
	}
	switch c.Audit.Sink {
	case "memory":
	case "file":
		if c.Audit.Path == "" {
			return fmt.Errorf("audit.path required for file sink")
		}
	case "nats":
		if c.Audit.NATSURL == "" {
			return fmt.Errorf("audit.nats_url required for nats sink")
		}
	default:
		return fmt.Errorf("audit.sink must be memory, file or nats, got %q", c.Audit.Sink)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Sources.TopN <= 0 {
		return fmt.Errorf("sources.top_n must be positive")
	}
	for role := range c.Governance.Roles {
		switch role {
		case "ideator", "drafter", "critic", "revisor", "summarizer":
		default:
			return fmt.Errorf("governance.roles: unknown role %q", role)
		}
	}
	return nil
}
