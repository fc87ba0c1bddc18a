package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 0.8, cfg.Pipeline.CoverageThreshold)
	assert.Equal(t, 0.6, cfg.Pipeline.ToneThreshold)
	assert.Equal(t, "memory", cfg.Tracker.Backend)
	assert.Equal(t, "memory", cfg.Audit.Sink)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL.Duration())
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 5, cfg.Sources.TopN)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
pipeline:
  coverage_threshold: 0.75
  tone_threshold: 0.5
cache:
  ttl: 10m
  max_entries: 50
governance:
  roles:
    drafter:
      max_generation_calls: 3
      mid_stage_retrieval: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.75, cfg.Pipeline.CoverageThreshold)
	assert.Equal(t, 0.5, cfg.Pipeline.ToneThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL.Duration())
	assert.Equal(t, 50, cfg.Cache.MaxEntries)

	override, ok := cfg.Governance.Roles["drafter"]
	require.True(t, ok)
	require.NotNil(t, override.MaxGenerationCalls)
	assert.Equal(t, 3, *override.MaxGenerationCalls)
	require.NotNil(t, override.MidStageRetrieval)
	assert.True(t, *override.MidStageRetrieval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  coverage_threshold: 0.7\n"), 0600))

	t.Setenv("SCRIBED_PIPELINE_COVERAGE_THRESHOLD", "0.9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.Pipeline.CoverageThreshold)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Pipeline.CoverageThreshold)
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	big := make([]byte, maxConfigFileSize+1)
	for i := range big {
		big[i] = '#'
	}
	require.NoError(t, os.WriteFile(path, big, 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{
			name:   "coverage out of range",
			modify: func(c *Config) { c.Pipeline.CoverageThreshold = 1.5 },
			want:   "coverage_threshold",
		},
		{
			name:   "bad tracker backend",
			modify: func(c *Config) { c.Tracker.Backend = "redis" },
			want:   "tracker.backend",
		},
		{
			name:   "nats tracker missing url",
			modify: func(c *Config) { c.Tracker.Backend = "nats"; c.Tracker.NATSURL = "" },
			want:   "nats_url",
		},
		{
			name:   "file sink missing path",
			modify: func(c *Config) { c.Audit.Sink = "file"; c.Audit.Path = "" },
			want:   "audit.path",
		},
		{
			name: "unknown role override",
			modify: func(c *Config) {
				c.Governance.Roles = map[string]RoleOverride{"editor": {}}
			},
			want: "unknown role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.modify(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("bogus")))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-real-key")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-real-key", s.Value())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-real-key")
}
