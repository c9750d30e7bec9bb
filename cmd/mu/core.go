// Package main builds the mu daemon (serve) and its CLI (cobra).
// This file assembles the shared core every subcommand operates against:
// one clock, one event log, and the C2-C8 registries layered on top.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/nexus-mu/internal/backoff"
	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/config"
	"github.com/haasonsaas/nexus-mu/internal/controlplane"
	"github.com/haasonsaas/nexus-mu/internal/cronprogram"
	"github.com/haasonsaas/nexus-mu/internal/dag"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/heartbeat"
	"github.com/haasonsaas/nexus-mu/internal/identity"
	"github.com/haasonsaas/nexus-mu/internal/observability"
	"github.com/haasonsaas/nexus-mu/internal/outbox"
	"github.com/haasonsaas/nexus-mu/internal/pipeline"
	"github.com/haasonsaas/nexus-mu/internal/scheduler"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/internal/wake"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// core bundles every component a CLI command or the daemon operates
// against. CLI commands build one, perform a single operation, and exit;
// serve builds one and keeps it running behind the HTTP surface.
type core struct {
	repoRoot string
	storeDir string
	cfgPath  string
	cfg      *config.Config

	clock        clock.Clock
	events       *eventlog.Log
	scheduler    *scheduler.Scheduler
	wake         *wake.Orchestrator
	pipeline     *pipeline.Pipeline
	heartbeats   *heartbeat.Registry
	cron         *cronprogram.Registry
	outbox       *outbox.Outbox
	identities   *identity.Registry
	runs         *dag.Runner
	controlPlane *controlplane.ControlPlane
	auditLog     *store.AppendLog

	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	promRegistry *prometheus.Registry
}

// storePath returns <repo_root>/.mu/<name>.
func storePath(repoRoot, name string) string {
	return filepath.Join(repoRoot, ".mu", name)
}

// ensureConfig writes a default config document if none exists yet, the
// way a freshly cloned repo has no operator-authored control_plane.yaml
// until the first run creates one.
func ensureConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return config.Save(path, &config.Config{})
}

// buildCore wires the full C1-C9 stack for repoRoot. withMetrics controls
// whether Prometheus collectors and an OTel tracer are constructed — a
// one-shot CLI invocation has no /metrics endpoint to serve and no
// long-running spans worth exporting, so it skips both.
func buildCore(repoRoot string, withMetrics bool) (*core, error) {
	storeDir := filepath.Join(repoRoot, ".mu")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	cfgPath := storePath(repoRoot, "config.yaml")
	if err := ensureConfig(cfgPath); err != nil {
		return nil, fmt.Errorf("ensure config: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	var metrics *observability.Metrics
	var tracer *observability.Tracer
	var promReg *prometheus.Registry
	if withMetrics {
		promReg = prometheusRegistry()
		metrics = observability.NewMetrics(promReg)
		t, _ := observability.NewTracer(observability.TraceConfig{ServiceName: "mu"})
		tracer = t
	}

	clk := clock.New()

	events, err := eventlog.Open(storePath(repoRoot, "events.jsonl"), clk)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	sched := scheduler.New(clk, scheduler.WithMinIntervalMs(cfg.Heartbeat.MinIntervalMs))

	ob, err := outbox.Open(storePath(repoRoot, "outbox.jsonl"), clk, events, outbox.Config{
		AttemptTimeout:  durationMs(cfg.Outbox.AttemptTimeoutMs),
		RetryPolicy: backoff.UniformJitterPolicy{
			BaseMs:     float64(cfg.Outbox.BackoffBaseMs),
			MaxMs:      float64(cfg.Outbox.BackoffMaxMs),
			JitterLow:  0.8,
			JitterHigh: 1.2,
		},
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	orch := wake.New(clk, events, nil, ob, wake.Config{
		WakeTurnMode:   models.WakeTurnMode(cfg.ControlPlane.Operator.WakeTurnMode),
		CoalesceWindow: durationMs(cfg.Wake.CoalesceWindowMs),
		RepoRoot:       repoRoot,
		Metrics:        metrics,
	})

	pl := pipeline.New(clk, unconfiguredMutator)
	orch.SetPipeline(pl.AsTurnSubmitter())

	hb, err := heartbeat.Open(storePath(repoRoot, "heartbeats.jsonl"), clk, sched, orch, events)
	if err != nil {
		return nil, fmt.Errorf("open heartbeat registry: %w", err)
	}

	cronReg, err := cronprogram.Open(storePath(repoRoot, "cron.jsonl"), clk, sched, orch, events, cfg.Cron.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("open cron registry: %w", err)
	}

	ids, err := identity.Open(storePath(repoRoot, "identities.jsonl"), clk, events)
	if err != nil {
		return nil, fmt.Errorf("open identity registry: %w", err)
	}
	ob.SetIdentityResolver(ids)

	runner, err := dag.Open(storePath(repoRoot, "runs.jsonl"), clk, events,
		unconfiguredIssueStore{}, unconfiguredForum{}, unconfiguredExecutor{}, hb,
		dag.Config{
			AutoRunHeartbeatEveryMs: cfg.Heartbeat.AutoRunHeartbeatEveryMs,
			StoreDir:                storeDir,
			MaxSteps:                cfg.Dag.MaxSteps,
			CircuitBreakerThreshold: cfg.Dag.CircuitBreakerThreshold,
			Metrics:                 metrics,
			Tracer:                  tracer,
		})
	if err != nil {
		return nil, fmt.Errorf("open run registry: %w", err)
	}

	cp := controlplane.New(clk, events)

	auditLog, err := store.OpenAppendLog(storePath(repoRoot, "adapter_audit.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open adapter audit log: %w", err)
	}

	return &core{
		repoRoot:     repoRoot,
		storeDir:     storeDir,
		cfgPath:      cfgPath,
		cfg:          cfg,
		clock:        clk,
		events:       events,
		scheduler:    sched,
		wake:         orch,
		pipeline:     pl,
		heartbeats:   hb,
		cron:         cronReg,
		outbox:       ob,
		identities:   ids,
		runs:         runner,
		controlPlane: cp,
		auditLog:     auditLog,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		promRegistry: promReg,
	}, nil
}

// Close releases the file handles buildCore opened. Armed scheduler
// timers are cancelled too, so a one-shot CLI process has nothing left
// to keep the process alive past main returning.
func (c *core) Close() {
	c.heartbeats.Stop()
	c.cron.Stop()
	c.outbox.Stop()
	c.scheduler.Stop()
	_ = c.auditLog.Close()
	_ = c.events.Close()
}

// durationMs converts a millisecond config tunable into a time.Duration,
// leaving a zero value alone so the receiving component's own default
// takes over.
func durationMs(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
