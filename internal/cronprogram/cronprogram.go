// Package cronprogram implements the cron program registry (C4): persistent
// schedules of kinds at/every/cron, computing timezone-aware next-fire
// times and ticking through the same scheduler (C2) / orchestrator (C5)
// seam the heartbeat registry uses.
//
// Arming uses a degenerate 1s scheduler interval that polls every
// enabled program and fires when
// next_run_at_ms is due, rather than a dedicated per-program one-shot
// timer. This reuses internal/scheduler's existing coalescing/retry
// machinery instead of introducing a second timer abstraction.
package cronprogram

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/scheduler"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/internal/wake"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const pollIntervalMs = 1000

func generateProgramID() string {
	return "cron-" + uuid.NewString()
}

// CreateParams are the fields a caller may set on creation.
type CreateParams struct {
	Title    string
	Prompt   string
	Schedule models.CronSchedule
	Reason   string
	Enabled  *bool
	Metadata map[string]any
}

// UpdateParams is a partial patch; nil fields are left untouched.
type UpdateParams struct {
	Title       *string
	Prompt      *string
	Schedule    *models.CronSchedule
	Reason      *string
	Enabled     *bool
	Metadata    map[string]any
	HasMetadata bool
}

// ListFilter narrows List results.
type ListFilter struct {
	Enabled *bool
	Limit   int
}

// Registry is the C4 cron program registry.
type Registry struct {
	clock           clock.Clock
	table           *store.Table[models.CronProgram]
	sched           *scheduler.Scheduler
	orch            *wake.Orchestrator
	events          *eventlog.Log
	defaultTimezone string
}

// Open loads (or creates) the registry's backing file, recomputes
// next_run_at_ms for every enabled program ("a disarmed program is
// re-armed on load"), and arms the 1Hz poll for each. defaultTimezone is
// the IANA zone a cron schedule falls back to when it omits its own
// timezone; an empty or unloadable value falls back to UTC.
func Open(path string, clk clock.Clock, sched *scheduler.Scheduler, orch *wake.Orchestrator, events *eventlog.Log, defaultTimezone string) (*Registry, error) {
	tbl := store.NewTable(path,
		func(p models.CronProgram) string { return p.ProgramID },
		func(p models.CronProgram) models.CronProgram { return *p.Clone() },
		func(p models.CronProgram) (int64, string) { return p.CreatedAtMs, p.ProgramID },
	)
	if err := tbl.Load(); err != nil {
		return nil, err
	}
	r := &Registry{clock: clk, table: tbl, sched: sched, orch: orch, events: events, defaultTimezone: defaultTimezone}
	for _, p := range tbl.List() {
		if !p.Enabled {
			continue
		}
		p = r.rearm(p)
		r.arm(p)
	}
	return r, nil
}

func scheduleID(programID string) string {
	return "cron-program:" + programID
}

// computeNext implements the three schedule kinds: at, every, and cron.
// defaultTZ is the IANA zone a cron schedule falls back to when it omits
// its own timezone.
func computeNext(now time.Time, sched models.CronSchedule, createdAtMs int64, defaultTZ string) (nextMs int64, armed bool, autoDisable bool) {
	switch sched.Kind {
	case models.ScheduleKindAt:
		if sched.AtMs >= now.UnixMilli() {
			return sched.AtMs, true, false
		}
		return 0, false, true
	case models.ScheduleKindEvery:
		anchor := sched.AnchorMs
		if anchor == 0 {
			anchor = createdAtMs
		}
		if sched.EveryMs <= 0 {
			return 0, false, false
		}
		nowMs := now.UnixMilli()
		if nowMs <= anchor {
			return anchor + sched.EveryMs, true, false
		}
		periods := math.Ceil(float64(nowMs-anchor) / float64(sched.EveryMs))
		next := anchor + int64(periods)*sched.EveryMs
		return next, true, false
	case models.ScheduleKindCron:
		tz := sched.Timezone
		if tz == "" {
			tz = defaultTZ
		}
		loc := time.UTC
		if tz != "" {
			if l, err := time.LoadLocation(tz); err == nil {
				loc = l
			}
		}
		schedule, err := cronParser.Parse(sched.Expr)
		if err != nil {
			return 0, false, false
		}
		next := schedule.Next(now.In(loc).Add(time.Second))
		if next.IsZero() {
			return 0, false, false
		}
		return next.UnixMilli(), true, false
	default:
		return 0, false, false
	}
}

// rearm recomputes next_run_at_ms, persists it, and applies any required
// auto-disable (an `at` schedule whose instant has already passed).
func (r *Registry) rearm(p models.CronProgram) models.CronProgram {
	next, armed, autoDisable := computeNext(r.clock.Now(), p.Schedule, p.CreatedAtMs, r.defaultTimezone)
	var result models.CronProgram
	_ = r.table.Mutate(p.ProgramID, func(existing models.CronProgram, ok bool) (models.CronProgram, bool) {
		if !ok {
			return existing, false
		}
		if autoDisable {
			existing.Enabled = false
			existing.NextRunAtMs = 0
		} else if armed {
			existing.NextRunAtMs = next
		}
		existing.UpdatedAtMs = r.clock.NowMs()
		result = existing
		return existing, true
	})
	return result
}

func (r *Registry) arm(p models.CronProgram) {
	id := scheduleID(p.ProgramID)
	if p.Enabled {
		r.sched.Register(scheduler.RegisterOptions{
			ActivityID: id,
			EveryMs:    pollIntervalMs,
			Handler:    r.tickHandler(p.ProgramID),
		})
	} else {
		r.sched.Unregister(id)
	}
}

// List returns programs matching filter.
func (r *Registry) List(filter ListFilter) []models.CronProgram {
	all := r.table.List()
	out := make([]models.CronProgram, 0, len(all))
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
func (r *Registry) Get(id string) (models.CronProgram, bool) {
	return r.table.Get(id)
}

// Create installs a new program, computes its initial next_run_at_ms, and
// arms the poll if enabled.
func (r *Registry) Create(params CreateParams) (models.CronProgram, error) {
	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}
	now := r.clock.NowMs()
	p := models.CronProgram{
		ProgramID:   generateProgramID(),
		Title:       params.Title,
		Prompt:      params.Prompt,
		Enabled:     enabled,
		Schedule:    params.Schedule,
		Reason:      params.Reason,
		Metadata:    params.Metadata,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if err := r.table.Put(p); err != nil {
		return models.CronProgram{}, err
	}
	if p.Enabled {
		p = r.rearm(p)
		r.arm(p)
	}
	r.emitLifecycle("created", p)
	return p, nil
}

// Update applies a partial patch, recomputing next_run_at_ms when the
// schedule, enabled flag, or both changed.
func (r *Registry) Update(programID string, patch UpdateParams) (models.CronProgram, bool, error) {
	var updated models.CronProgram
	found := false
	err := r.table.Mutate(programID, func(existing models.CronProgram, ok bool) (models.CronProgram, bool) {
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
		if patch.Schedule != nil {
			existing.Schedule = *patch.Schedule
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
		return models.CronProgram{}, found, err
	}
	if updated.Enabled {
		updated = r.rearm(updated)
	}
	r.arm(updated)
	r.emitLifecycle("updated", updated)
	return updated, true, nil
}

// Remove deletes a program and unregisters its poll.
func (r *Registry) Remove(programID string) error {
	p, ok := r.table.Get(programID)
	if err := r.table.Delete(programID); err != nil {
		return err
	}
	r.sched.Unregister(scheduleID(programID))
	if ok {
		r.emitLifecycle("removed", p)
	}
	return nil
}

// TriggerOutcome is returned by Trigger.
type TriggerOutcome string

const (
	TriggerNotFound TriggerOutcome = "not_found"
	TriggerDisabled TriggerOutcome = "disabled"
	TriggerQueued   TriggerOutcome = "queued"
)

// Trigger requests an immediate tick, bypassing the next_run_at_ms check.
func (r *Registry) Trigger(programID, reason string) TriggerOutcome {
	p, ok := r.table.Get(programID)
	if !ok {
		return TriggerNotFound
	}
	if !p.Enabled {
		return TriggerDisabled
	}
	if reason == "" {
		reason = "manual"
	}
	zero := int64(0)
	r.sched.RequestNow(scheduleID(programID), reason, &zero)
	return TriggerQueued
}

// Stop unregisters every program's poll.
func (r *Registry) Stop() {
	for _, p := range r.table.List() {
		r.sched.Unregister(scheduleID(p.ProgramID))
	}
}

func (r *Registry) emitLifecycle(action string, p models.CronProgram) {
	if r.events == nil {
		return
	}
	_ = r.events.Emit("cron_program.lifecycle", "cron_registry", eventlog.WithPayload(map[string]any{
		"action":     action,
		"program_id": p.ProgramID,
		"program":    p,
		"message":    fmt.Sprintf("cron program %s %s", p.ProgramID, action),
	}))
}

// tickHandler is invoked by C2's 1Hz poll for every enabled cron program.
func (r *Registry) tickHandler(programID string) scheduler.Handler {
	return func(ctx context.Context, req scheduler.TickRequest) scheduler.Result {
		p, ok := r.table.Get(programID)
		if !ok {
			return scheduler.Result{Outcome: scheduler.OutcomeSkipped, Reason: "not_found"}
		}
		if !p.Enabled {
			return scheduler.Result{Outcome: scheduler.OutcomeSkipped, Reason: "disabled"}
		}
		// Manual triggers bypass the due-time check; periodic polls don't.
		manual := req.Reason != "interval"
		if !manual && r.clock.NowMs() < p.NextRunAtMs {
			return scheduler.Result{Outcome: scheduler.OutcomeSkipped, Reason: "not_due"}
		}

		// Recompute next_run_at_ms before dispatch to avoid drift on slow handlers.
		next, armed, autoDisable := computeNext(r.clock.Now(), p.Schedule, p.CreatedAtMs, r.defaultTimezone)

		dispatch := r.orch.Dispatch(ctx, wake.Request{
			Source:    models.WakeSourceCronProgram,
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

		var snapshot models.CronProgram
		_ = r.table.Mutate(programID, func(existing models.CronProgram, ok bool) (models.CronProgram, bool) {
			if !ok {
				return existing, false
			}
			existing.LastTriggeredAtMs = now
			existing.LastResult = lastResult
			existing.LastError = lastError
			if p.Schedule.Kind == models.ScheduleKindAt {
				existing.Enabled = false
				existing.NextRunAtMs = 0
			} else if autoDisable {
				existing.Enabled = false
				existing.NextRunAtMs = 0
			} else if armed {
				existing.NextRunAtMs = next
			}
			snapshot = existing
			return existing, true
		})

		if p.Schedule.Kind == models.ScheduleKindAt {
			r.sched.Unregister(scheduleID(programID))
		}

		if r.events != nil {
			_ = r.events.Emit("cron_program.tick", "cron_registry", eventlog.WithPayload(map[string]any{
				"program_id": programID,
				"status":     tickStatus,
				"reason":     dispatch.Reason,
				"message":    fmt.Sprintf("cron program %s tick: %s", programID, tickStatus),
				"program":    snapshot,
			}))
		}

		return schedResult
	}
}
