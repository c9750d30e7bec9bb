// Package heartbeat implements the heartbeat program registry (C3):
// persistent prompt/schedule records, each bound to a scheduler (C2)
// activity that dispatches wakes through the orchestrator (C5).
package heartbeat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/scheduler"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/internal/wake"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func generateProgramID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return "hb-" + hex.EncodeToString(buf)
}

// ListFilter narrows List results.
type ListFilter struct {
	Enabled *bool
	Limit   int // 0 means no limit; callers should clamp to <=500 upstream.
}

// CreateParams are the fields a caller may set on creation.
type CreateParams struct {
	Title    string
	Prompt   string
	EveryMs  int64
	Reason   string
	Enabled  *bool // defaults to true
	Metadata map[string]any
}

// UpdateParams is a partial patch; nil fields are left untouched.
type UpdateParams struct {
	Title    *string
	Prompt   *string
	EveryMs  *int64
	Reason   *string
	Enabled  *bool
	Metadata map[string]any // presence detected via the HasMetadata flag below
	HasMetadata bool
}

// Registry is the C3 heartbeat program registry.
type Registry struct {
	clock  clock.Clock
	table  *store.Table[models.HeartbeatProgram]
	sched  *scheduler.Scheduler
	orch   *wake.Orchestrator
	events *eventlog.Log

	mu sync.Mutex
}

// Open loads (or creates) the registry's backing file and re-arms every
// enabled, periodic program against the scheduler.
func Open(path string, clk clock.Clock, sched *scheduler.Scheduler, orch *wake.Orchestrator, events *eventlog.Log) (*Registry, error) {
	tbl := store.NewTable(path,
		func(p models.HeartbeatProgram) string { return p.ProgramID },
		func(p models.HeartbeatProgram) models.HeartbeatProgram { return *p.Clone() },
		func(p models.HeartbeatProgram) (int64, string) { return p.CreatedAtMs, p.ProgramID },
	)
	if err := tbl.Load(); err != nil {
		return nil, err
	}
	r := &Registry{clock: clk, table: tbl, sched: sched, orch: orch, events: events}
	for _, p := range tbl.List() {
		r.arm(p)
	}
	return r, nil
}

func scheduleID(programID string) string {
	return "heartbeat-program:" + programID
}

// arm registers or unregisters the scheduler activity for a program
// depending on enabled && every_ms>0.
func (r *Registry) arm(p models.HeartbeatProgram) {
	id := scheduleID(p.ProgramID)
	if p.Enabled && p.EveryMs > 0 {
		r.sched.Register(scheduler.RegisterOptions{
			ActivityID: id,
			EveryMs:    p.EveryMs,
			Handler:    r.tickHandler(p.ProgramID),
		})
	} else {
		r.sched.Unregister(id)
	}
}

// List returns programs matching filter, sorted by (created_at_ms, program_id).
func (r *Registry) List(filter ListFilter) []models.HeartbeatProgram {
	all := r.table.List()
	out := make([]models.HeartbeatProgram, 0, len(all))
	for _, p := range all {
		if filter.Enabled != nil && p.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Get returns one program by id.
func (r *Registry) Get(id string) (models.HeartbeatProgram, bool) {
	return r.table.Get(id)
}

// Create installs a new program and arms its schedule.
func (r *Registry) Create(params CreateParams) (models.HeartbeatProgram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}
	now := r.clock.NowMs()
	p := models.HeartbeatProgram{
		ProgramID:   generateProgramID(),
		Title:       params.Title,
		Prompt:      params.Prompt,
		Enabled:     enabled,
		EveryMs:     params.EveryMs,
		Reason:      params.Reason,
		Metadata:    params.Metadata,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if err := r.table.Put(p); err != nil {
		return models.HeartbeatProgram{}, err
	}
	r.arm(p)
	return p, nil
}

// Update applies a partial patch and re-arms the schedule if enabled or
// every_ms changed.
func (r *Registry) Update(programID string, patch UpdateParams) (models.HeartbeatProgram, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updated models.HeartbeatProgram
	found := false
	err := r.table.Mutate(programID, func(existing models.HeartbeatProgram, ok bool) (models.HeartbeatProgram, bool) {
		if !ok {
			return existing, false
		}
		found = true
		if patch.Title != nil {
			existing.Title = *patch.Title
		}
		if patch.Prompt != nil {
			existing.Prompt = *patch.Prompt
		}
		if patch.EveryMs != nil {
			existing.EveryMs = *patch.EveryMs
		}
		if patch.Reason != nil {
			existing.Reason = *patch.Reason
		}
		if patch.Enabled != nil {
			existing.Enabled = *patch.Enabled
		}
		if patch.HasMetadata {
			existing.Metadata = patch.Metadata
		}
		existing.UpdatedAtMs = r.clock.NowMs()
		updated = existing
		return existing, true
	})
	if err != nil || !found {
		return models.HeartbeatProgram{}, found, err
	}
	r.arm(updated)
	return updated, true, nil
}

// Remove deletes a program and unregisters its schedule.
func (r *Registry) Remove(programID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.table.Delete(programID); err != nil {
		return err
	}
	r.sched.Unregister(scheduleID(programID))
	return nil
}

// TriggerOutcome is returned by Trigger.
type TriggerOutcome string

const (
	TriggerNotFound TriggerOutcome = "not_found"
	TriggerDisabled TriggerOutcome = "disabled"
	TriggerQueued   TriggerOutcome = "queued"
)

// Trigger requests an immediate tick for a program (via the scheduler's
// request_now), even if every_ms=0. Disabled/missing programs are rejected
// before reaching the scheduler.
func (r *Registry) Trigger(programID, reason string) TriggerOutcome {
	p, ok := r.table.Get(programID)
	if !ok {
		return TriggerNotFound
	}
	if !p.Enabled {
		return TriggerDisabled
	}
	if !r.sched.Has(scheduleID(programID)) {
		// every_ms=0 programs are never registered as periodic activities;
		// register a zero-interval activity lazily so request_now has
		// somewhere to land.
		r.sched.Register(scheduler.RegisterOptions{
			ActivityID: scheduleID(programID),
			EveryMs:    0,
			Handler:    r.tickHandler(programID),
		})
	}
	if reason == "" {
		reason = "manual"
	}
	r.sched.RequestNow(scheduleID(programID), reason, nil)
	return TriggerQueued
}

// Stop unregisters every program's scheduler activity.
func (r *Registry) Stop() {
	for _, p := range r.table.List() {
		r.sched.Unregister(scheduleID(p.ProgramID))
	}
}

// tickHandler is invoked by C2 when the program's wake timer fires.
func (r *Registry) tickHandler(programID string) scheduler.Handler {
	return func(ctx context.Context, req scheduler.TickRequest) scheduler.Result {
		p, ok := r.table.Get(programID)
		if !ok {
			return scheduler.Result{Outcome: scheduler.OutcomeSkipped, Reason: "not_found"}
		}
		if !p.Enabled {
			return scheduler.Result{Outcome: scheduler.OutcomeSkipped, Reason: "disabled"}
		}

		dispatch := r.orch.Dispatch(ctx, wake.Request{
			Source:    models.WakeSourceHeartbeatProgram,
			ProgramID: p.ProgramID,
			Title:     p.Title,
			Prompt:    p.Prompt,
			Reason:    req.Reason,
			Metadata:  p.Metadata,
		})

		now := r.clock.NowMs()
		var lastResult models.LastResult
		var lastError string
		var tickStatus string
		var schedResult scheduler.Result

		switch dispatch.Outcome {
		case wake.DispatchOK:
			lastResult = models.LastResultOK
			tickStatus = "ok"
			schedResult = scheduler.Result{Outcome: scheduler.OutcomeRan}
		case wake.DispatchCoalesced:
			lastResult = models.LastResultCoalesced
			tickStatus = "coalesced"
			schedResult = scheduler.Result{Outcome: scheduler.OutcomeSkipped, Reason: "coalesced"}
		default:
			lastResult = models.LastResultFailed
			lastError = dispatch.Reason
			tickStatus = "failed"
			schedResult = scheduler.Result{Outcome: scheduler.OutcomeFailed, Reason: dispatch.Reason}
		}

		var snapshot models.HeartbeatProgram
		_ = r.table.Mutate(programID, func(existing models.HeartbeatProgram, ok bool) (models.HeartbeatProgram, bool) {
			if !ok {
				return existing, false
			}
			existing.LastTriggeredAtMs = now
			existing.LastResult = lastResult
			existing.LastError = lastError
			snapshot = existing
			return existing, true
		})

		if r.events != nil {
			_ = r.events.Emit("heartbeat_program.tick", "heartbeat_registry",
				eventlog.WithPayload(map[string]any{
					"program_id": programID,
					"status":     tickStatus,
					"reason":     dispatch.Reason,
					"message":    fmt.Sprintf("heartbeat program %s tick: %s", programID, tickStatus),
					"program":    snapshot,
				}))
		}

		return schedResult
	}
}
