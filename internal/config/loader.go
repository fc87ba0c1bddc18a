package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix scopes environment overrides to this process.
	envPrefix = "SCRIBED_"
)

// Load loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SCRIBED_PIPELINE_COVERAGE_THRESHOLD, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// An empty configPath skips the file layer entirely; a path that does not
// exist is not an error (env + defaults still apply).
//
// Environment variables drop the prefix, lowercase, and split on the first
// underscore into section.field:
//
//	SCRIBED_PIPELINE_COVERAGE_THRESHOLD -> pipeline.coverage_threshold
//	SCRIBED_TRACKER_NATS_URL            -> tracker.nats_url
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			// Open once and read via the descriptor to avoid a TOCTOU race
			// between the size check and the read.
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// SCRIBED_PIPELINE_COVERAGE_THRESHOLD -> pipeline.coverage_threshold
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills zero values with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Pipeline.CoverageThreshold == 0 {
		cfg.Pipeline.CoverageThreshold = 0.8
	}
	if cfg.Pipeline.ToneThreshold == 0 {
		cfg.Pipeline.ToneThreshold = 0.6
	}
	if cfg.Pipeline.MarginalMiss == 0 {
		cfg.Pipeline.MarginalMiss = 0.1
	}
	if cfg.Pipeline.MaxBundleChars == 0 {
		cfg.Pipeline.MaxBundleChars = 32000
	}
	if cfg.Pipeline.StageDeadline == 0 {
		cfg.Pipeline.StageDeadline = Duration(60 * time.Second)
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(5 * time.Minute)
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.CompressThreshold == 0 {
		cfg.Cache.CompressThreshold = 4096
	}

	if cfg.Tracker.Backend == "" {
		cfg.Tracker.Backend = "memory"
	}
	if cfg.Tracker.Bucket == "" {
		cfg.Tracker.Bucket = "scribed_calls"
	}
	if cfg.Tracker.EntryTTL == 0 {
		cfg.Tracker.EntryTTL = Duration(30 * time.Minute)
	}

	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "claude-3-5-sonnet-20241022"
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = 4096
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = Duration(60 * time.Second)
	}

	if cfg.Sources.TopN == 0 {
		cfg.Sources.TopN = 5
	}

	if cfg.Audit.Sink == "" {
		cfg.Audit.Sink = "memory"
	}
}
