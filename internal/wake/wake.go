// Package wake implements the wake orchestrator (C5): the single landing
// spot both the heartbeat and cron registries call into when a tick fires.
// It deduplicates repeated wakes for the same dedupe_key, decides whether
// to submit an autonomous turn through the command pipeline seam or only
// notify linked identities, and always records a wake decision to the
// event log.
package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/observability"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// DispatchOutcome is the status a registry sees back from Dispatch, mapped
// directly onto the scheduler's (C2) ran/skipped/failed vocabulary by the
// registry's tick handler.
type DispatchOutcome string

const (
	DispatchOK        DispatchOutcome = "ok"
	DispatchCoalesced DispatchOutcome = "coalesced"
	DispatchFailed    DispatchOutcome = "failed"
)

// DispatchResult is returned from Dispatch.
type DispatchResult struct {
	Outcome DispatchOutcome
	Reason  string
}

// Request is what a registry hands the orchestrator for one tick.
type Request struct {
	Source   models.WakeSource
	ProgramID string
	Title    string
	Prompt   string
	Reason   string
	Metadata map[string]any
}

// TurnResult is what the command pipeline seam (C6) returns for a submitted
// turn.
type TurnResult struct {
	Kind      string // completed|operator_response|rejected|deferred
	Message   string
	CommandID string
}

// TurnRequest is what the orchestrator submits to C6 for an active-mode wake.
type TurnRequest struct {
	CommandText string
	RepoRoot    string
	RequestID   string
}

// TurnSubmitter is the command pipeline seam (C6) as seen by the
// orchestrator. A nil TurnSubmitter models "pipeline unavailable" and
// falls back to a passive, notify-only decision.
type TurnSubmitter interface {
	SubmitTerminalCommand(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// DeliverySummary is the notify fan-out's per-wake tally, folded into the
// operator.wake telemetry payload.
type DeliverySummary struct {
	Queued    int `json:"queued"`
	Duplicate int `json:"duplicate"`
	Skipped   int `json:"skipped"`
}

// Total is queued + duplicate + skipped.
func (d DeliverySummary) Total() int { return d.Queued + d.Duplicate + d.Skipped }

// Notifier is the outbox fan-out (C7) as seen by the orchestrator.
type Notifier interface {
	NotifyWake(ctx context.Context, event models.WakeEvent, decision models.WakeDecision) DeliverySummary
}

// Config bundles the orchestrator's tunables.
type Config struct {
	// WakeTurnMode: passive (notify only) or active (autonomous turn).
	WakeTurnMode models.WakeTurnMode
	// CoalesceWindow is the minimum spacing between two wakes sharing a
	// dedupe_key before the second is coalesced away. Default 60s.
	CoalesceWindow time.Duration
	// RepoRoot is passed through to C6 turn submissions.
	RepoRoot string
	// Metrics records dispatch outcomes, optional.
	Metrics *observability.Metrics
}

const defaultCoalesceWindow = 60 * time.Second

// Orchestrator is the C5 wake orchestrator.
type Orchestrator struct {
	clock    clock.Clock
	events   *eventlog.Log
	pipeline TurnSubmitter // nil models "unavailable"
	notifier Notifier

	mu     sync.Mutex
	cfg    Config
	lastAt map[string]time.Time // dedupe_key -> last wake ts
}

// New constructs an Orchestrator. pipeline may be nil (pipeline
// unavailable); notifier may be nil (no fan-out configured, e.g. in tests).
func New(clk clock.Clock, events *eventlog.Log, pipeline TurnSubmitter, notifier Notifier, cfg Config) *Orchestrator {
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = defaultCoalesceWindow
	}
	return &Orchestrator{
		clock:    clk,
		events:   events,
		pipeline: pipeline,
		notifier: notifier,
		cfg:      cfg,
		lastAt:   make(map[string]time.Time),
	}
}

// SetPipeline (re)configures the command pipeline seam used for active-mode
// turns. Passing nil models the pipeline becoming unavailable.
func (o *Orchestrator) SetPipeline(pipeline TurnSubmitter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pipeline = pipeline
}

// SetWakeTurnMode updates the orchestrator's mode, e.g. from a config reload.
func (o *Orchestrator) SetWakeTurnMode(mode models.WakeTurnMode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.WakeTurnMode = mode
}

func dedupeKey(source models.WakeSource, programID string) string {
	return fmt.Sprintf("%s:%s", source, programID)
}

// Dispatch runs one wake through the full decision path: dedupe/coalesce,
// mode lookup, optional turn submission, and notification fan-out.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) DispatchResult {
	now := o.clock.Now()
	wakeID := GenerateWakeID()
	key := dedupeKey(req.Source, req.ProgramID)

	o.mu.Lock()
	last, seen := o.lastAt[key]
	mode := o.cfg.WakeTurnMode
	window := o.cfg.CoalesceWindow
	pipeline := o.pipeline
	repoRoot := o.cfg.RepoRoot
	if seen && now.Sub(last) < window {
		o.mu.Unlock()
		o.cfg.Metrics.RecordWakeDecision(string(mode), string(DispatchCoalesced))
		return DispatchResult{Outcome: DispatchCoalesced, Reason: "coalesced"}
	}
	o.lastAt[key] = now
	o.mu.Unlock()

	event := models.WakeEvent{
		WakeID:        wakeID,
		DedupeKey:     key,
		Source:        req.Source,
		ProgramID:     req.ProgramID,
		Title:         req.Title,
		Prompt:        req.Prompt,
		Reason:        req.Reason,
		Metadata:      req.Metadata,
		TriggeredAtMs: now.UnixMilli(),
	}

	decision := models.WakeDecision{WakeID: wakeID, DedupeKey: key, Mode: mode}
	var delivery DeliverySummary
	var result DispatchResult

	switch {
	case mode == models.WakeTurnModeActive && pipeline != nil:
		requestID := "wake-turn-" + wakeID
		commandText := fmt.Sprintf(
			"Autonomous wake turn triggered by heartbeat/cron scheduler.\n  wake_id=%s\n  wake_source=%s\n  program_id=%s\n",
			wakeID, req.Source, req.ProgramID,
		)
		turnResult, err := pipeline.SubmitTerminalCommand(ctx, TurnRequest{
			CommandText: commandText,
			RepoRoot:    repoRoot,
			RequestID:   requestID,
		})
		if err != nil {
			decision.Outcome = models.WakeOutcomeFallback
			decision.Reason = "control_plane_unavailable"
			result = DispatchResult{Outcome: DispatchFailed, Reason: "control_plane_unavailable"}
		} else {
			decision.Outcome = models.WakeOutcomeTriggered
			decision.Reason = "turn_invoked"
			decision.TurnRequestID = requestID
			decision.TurnResultKind = turnResult.Kind
			delivery = o.notify(ctx, event, decision)
			result = DispatchResult{Outcome: DispatchOK}
		}
	case mode == models.WakeTurnModeActive:
		decision.Outcome = models.WakeOutcomeFallback
		decision.Reason = "control_plane_unavailable"
		result = DispatchResult{Outcome: DispatchFailed, Reason: "control_plane_unavailable"}
	default: // passive
		decision.Outcome = models.WakeOutcomeTriggered
		decision.Reason = "turn_invoked"
		delivery = o.notify(ctx, event, decision)
		result = DispatchResult{Outcome: DispatchOK}
	}

	o.emitOperatorWake(event, decision, delivery)
	o.emitOperatorWakeDecision(decision)
	o.cfg.Metrics.RecordWakeDecision(string(mode), string(result.Outcome))

	return result
}

func (o *Orchestrator) notify(ctx context.Context, event models.WakeEvent, decision models.WakeDecision) DeliverySummary {
	if o.notifier == nil {
		return DeliverySummary{}
	}
	return o.notifier.NotifyWake(ctx, event, decision)
}

func (o *Orchestrator) emitOperatorWake(event models.WakeEvent, decision models.WakeDecision, delivery DeliverySummary) {
	if o.events == nil {
		return
	}
	payload := map[string]any{
		"wake_id":              event.WakeID,
		"program_id":           event.ProgramID,
		"dedupe_key":           event.DedupeKey,
		"source":               event.Source,
		"wake_turn_mode":       decision.Mode,
		"wake_turn_outcome":    decision.Outcome,
		"wake_turn_reason":     decision.Reason,
		"turn_request_id":      decision.TurnRequestID,
		"turn_result_kind":     decision.TurnResultKind,
		"delivery": map[string]any{
			"queued":    delivery.Queued,
			"duplicate": delivery.Duplicate,
			"skipped":   delivery.Skipped,
		},
		"delivery_summary_v2": map[string]any{
			"queued":    delivery.Queued,
			"duplicate": delivery.Duplicate,
			"skipped":   delivery.Skipped,
			"total":     delivery.Total(),
		},
		"program": map[string]any{
			"program_id": event.ProgramID,
			"title":      event.Title,
			"prompt":     event.Prompt,
			"reason":     event.Reason,
			"metadata":   event.Metadata,
		},
	}
	_ = o.events.Emit("operator.wake", string(event.Source), eventlog.WithPayload(payload))
}

func (o *Orchestrator) emitOperatorWakeDecision(decision models.WakeDecision) {
	if o.events == nil {
		return
	}
	payload := map[string]any{
		"wake_id":          decision.WakeID,
		"dedupe_key":       decision.DedupeKey,
		"mode":             decision.Mode,
		"outcome":          decision.Outcome,
		"reason":           decision.Reason,
		"turn_request_id":  decision.TurnRequestID,
		"turn_result_kind": decision.TurnResultKind,
	}
	_ = o.events.Emit("operator.wake.decision", "wake_orchestrator", eventlog.WithPayload(payload))
}
