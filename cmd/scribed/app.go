package main

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/scribed/internal/assembler"
	"github.com/fyrsmithlabs/scribed/internal/audit"
	"github.com/fyrsmithlabs/scribed/internal/cache"
	"github.com/fyrsmithlabs/scribed/internal/calltrack"
	"github.com/fyrsmithlabs/scribed/internal/config"
	"github.com/fyrsmithlabs/scribed/internal/extraction"
	"github.com/fyrsmithlabs/scribed/internal/generation"
	"github.com/fyrsmithlabs/scribed/internal/governance"
	"github.com/fyrsmithlabs/scribed/internal/logging"
	"github.com/fyrsmithlabs/scribed/internal/pipeline"
	"github.com/fyrsmithlabs/scribed/internal/snippet"
)

// app holds the wired pipeline core and its teardown.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	orch   *pipeline.Orchestrator
	trail  *audit.Trail
	engine *governance.Engine
	source *snippet.ChromemSource

	closers []func() error
}

// newApp wires config into a running pipeline core.
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, logger.Sync)

	tracker, err := a.buildTracker()
	if err != nil {
		a.Close()
		return nil, err
	}

	sink, err := a.buildAuditSink()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.trail = audit.NewTrail(sink)
	a.trail.SetMetrics(audit.NewMetrics())
	a.closers = append(a.closers, sink.Close)

	table, err := governance.NewTable(cfg.Governance.Roles)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build permission table: %w", err)
	}
	a.engine = governance.NewEngine(table, tracker, a.trail, logger)

	source, err := snippet.NewChromemSource(cfg.Sources.StorePath, snippet.NewHashEmbedder(0), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open snippet store: %w", err)
	}
	a.source = source

	asm := assembler.New([]snippet.Source{source}, a.engine, assembler.Options{
		TopN:           cfg.Sources.TopN,
		MaxBundleChars: cfg.Pipeline.MaxBundleChars,
		BannedTerms:    cfg.Sources.BannedTerms,
		Fingerprints:   buildFingerprints(cfg.Sources.VoiceSamples),
	}, logger)

	c := cache.New(time.Duration(cfg.Cache.TTL), cfg.Cache.MaxEntries, cfg.Cache.CompressThreshold)
	c.SetMetrics(cache.NewMetrics())

	svc, err := generation.NewHTTPService(generation.HTTPOptions{
		APIKey:        cfg.Generation.APIKey.Value(),
		BaseURL:       cfg.Generation.BaseURL,
		Model:         cfg.Generation.Model,
		MaxTokens:     cfg.Generation.MaxTokens,
		Timeout:       time.Duration(cfg.Generation.Timeout),
		RatePerSecond: cfg.Generation.RatePerSecond,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init generation client: %w", err)
	}

	a.orch = pipeline.NewOrchestrator(a.engine, tracker, a.trail, asm, c, svc,
		generation.NewLocalTransformer(), pipeline.Options{
			Thresholds: pipeline.Thresholds{
				Coverage:     cfg.Pipeline.CoverageThreshold,
				Tone:         cfg.Pipeline.ToneThreshold,
				MarginalMiss: cfg.Pipeline.MarginalMiss,
			},
			StageDeadline: time.Duration(cfg.Pipeline.StageDeadline),
			MaxTokens:     cfg.Generation.MaxTokens,
		}, logger)
	a.orch.SetMetrics(pipeline.NewMetrics())

	return a, nil
}

func (a *app) buildTracker() (calltrack.Tracker, error) {
	switch a.cfg.Tracker.Backend {
	case "", "memory":
		return calltrack.NewMemoryTracker(time.Duration(a.cfg.Tracker.EntryTTL)), nil
	case "nats":
		nc, err := nats.Connect(a.cfg.Tracker.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect NATS tracker: %w", err)
		}
		a.closers = append(a.closers, func() error {
			nc.Close()
			return nil
		})
		return calltrack.NewNATSTracker(nc, a.cfg.Tracker.Bucket, time.Duration(a.cfg.Tracker.EntryTTL))
	default:
		return nil, fmt.Errorf("unknown tracker backend %q", a.cfg.Tracker.Backend)
	}
}

func (a *app) buildAuditSink() (audit.Sink, error) {
	switch a.cfg.Audit.Sink {
	case "", "memory":
		return audit.NewMemorySink(), nil
	case "file":
		return audit.NewFileSink(a.cfg.Audit.Path)
	case "nats":
		nc, err := nats.Connect(a.cfg.Audit.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect NATS audit sink: %w", err)
		}
		a.closers = append(a.closers, func() error {
			nc.Close()
			return nil
		})
		return audit.NewNATSSink(nc), nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", a.cfg.Audit.Sink)
	}
}

// Close releases resources in reverse wiring order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func buildFingerprints(samples map[string][]string) map[governance.Domain]extraction.Fingerprint {
	if len(samples) == 0 {
		return nil
	}
	out := make(map[governance.Domain]extraction.Fingerprint, len(samples))
	for name, texts := range samples {
		domain, err := governance.ParseDomain(name)
		if err != nil {
			continue
		}
		out[domain] = extraction.BuildFingerprint(texts)
	}
	return out
}
