// Package dag implements the DAG runner (C8): drives one run per
// (root_id, job_id) forward by repeatedly claiming a ready leaf issue,
// executing it against an injected RunExecutor, and re-orchestrating the
// subtree when leaves close unsuccessfully. The issue graph and forum log
// are external collaborators; this package only defines the narrow
// interfaces it calls through them, taking the DAG store, executor, and
// run-status lookups as injected function/interface dependencies rather
// than owning them.
package dag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/heartbeat"
	"github.com/haasonsaas/nexus-mu/internal/observability"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func generateRunID() string {
	return "run-" + uuid.NewString()
}

// DefaultMaxSteps is the step budget used when neither a Params.MaxSteps
// override nor a Config.MaxSteps default is set.
const DefaultMaxSteps = 20

// defaultCircuitBreakerThreshold is the in-memory per-issue attempt
// ceiling used when Config.CircuitBreakerThreshold is unset; an issue
// that has been claimed this many times within one run is never reopened
// again.
const defaultCircuitBreakerThreshold = 3

// ValidateResult is what the issue store reports back from Validate.
type ValidateResult struct {
	IsFinal bool
	Reason  string
}

// IssueStore is the narrow slice of the issue graph C8 calls through. The
// graph itself (issues.jsonl) is an external collaborator; this module
// never persists issues directly.
type IssueStore interface {
	Get(ctx context.Context, id string) (models.Issue, bool, error)
	Subtree(ctx context.Context, rootID string) ([]models.Issue, error)
	Validate(ctx context.Context, rootID string) (ValidateResult, error)
	Ready(ctx context.Context, rootID string, tags []string) ([]models.Issue, error)
	Claim(ctx context.Context, id string) error
	Close(ctx context.Context, id string, outcome models.IssueOutcome) error
	Reopen(ctx context.Context, id string, tags []string) error
	Create(ctx context.Context, issue models.Issue) (models.Issue, error)
}

// Forum is the narrow slice of the forum log (forum.jsonl) C8 posts to.
type Forum interface {
	Post(ctx context.Context, issueID string, message string) error
}

// StepInput is what a RunExecutor is dispatched with for one step.
type StepInput struct {
	RootID       string
	IssueID      string
	RunID        string
	JobID        string
	Step         int
	Attempt      int
	UserPrompt   string
	SystemPrompt string
	LogPath      string
}

// StepOutput is what a RunExecutor reports back for one step.
type StepOutput struct {
	ExitCode  int
	ElapsedMs int64
}

// RunExecutor dispatches one rendered step to an agent backend. No
// concrete model SDK is wired behind it in this module; callers supply
// their own implementation.
type RunExecutor interface {
	Execute(ctx context.Context, in StepInput) (StepOutput, error)
}

// Outcome is the terminal status Run returns.
type Outcome string

const (
	OutcomeRootFinal         Outcome = "root_final"
	OutcomeMaxStepsExhausted Outcome = "max_steps_exhausted"
	OutcomeError             Outcome = "error"
)

// Result is returned by Run.
type Result struct {
	Outcome Outcome
	Steps   int
	Message string
}

// Params configures one call to Run.
type Params struct {
	RootID   string
	JobID    string
	MaxSteps int
	Mode     models.RunMode
	Source   models.RunSource
	Model    map[string]any // model metadata folded into the "Mu Run Context" block
}

// Config bundles the Runner's tunables.
type Config struct {
	// AutoRunHeartbeatEveryMs is the interval used for the heartbeat
	// program auto-registered for an API-sourced run_start/run_resume.
	AutoRunHeartbeatEveryMs int64
	// StoreDir is the <repo_root>/.mu directory step logs are teed under.
	StoreDir string
	// MaxSteps is the step budget used when a Run call's Params.MaxSteps is
	// 0. Zero means DefaultMaxSteps.
	MaxSteps int
	// CircuitBreakerThreshold is the per-issue attempt ceiling within one
	// run. Zero means defaultCircuitBreakerThreshold.
	CircuitBreakerThreshold int
	// Metrics and Tracer instrument step execution, both optional.
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

const defaultAutoRunHeartbeatEveryMs = 5 * 60 * 1000

// Runner is the C8 DAG runner.
type Runner struct {
	clock      clock.Clock
	events     *eventlog.Log
	issues     IssueStore
	forum      Forum
	executor   RunExecutor
	heartbeats *heartbeat.Registry
	runs       *store.Table[models.Run]
	cfg        Config

	mu                   sync.Mutex
	autoHeartbeatByJobID map[string]string
	cancelByJobID        map[string]context.CancelFunc
}

// Open loads (or creates) the runner's run ledger.
func Open(path string, clk clock.Clock, events *eventlog.Log, issues IssueStore, forum Forum, executor RunExecutor, heartbeats *heartbeat.Registry, cfg Config) (*Runner, error) {
	tbl := store.NewTable(path,
		func(r models.Run) string { return r.JobID },
		func(r models.Run) models.Run { return *r.Clone() },
		func(r models.Run) (int64, string) { return r.StartedAtMs, r.JobID },
	)
	if err := tbl.Load(); err != nil {
		return nil, err
	}
	if cfg.AutoRunHeartbeatEveryMs <= 0 {
		cfg.AutoRunHeartbeatEveryMs = defaultAutoRunHeartbeatEveryMs
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = defaultCircuitBreakerThreshold
	}
	return &Runner{
		clock:                clk,
		events:               events,
		issues:               issues,
		forum:                forum,
		executor:             executor,
		heartbeats:           heartbeats,
		runs:                 tbl,
		cfg:                  cfg,
		autoHeartbeatByJobID: make(map[string]string),
		cancelByJobID:        make(map[string]context.CancelFunc),
	}, nil
}

// Get returns one run record by job id.
func (r *Runner) Get(jobID string) (models.Run, bool) {
	return r.runs.Get(jobID)
}

// List returns all run records.
func (r *Runner) List() []models.Run {
	return r.runs.List()
}

// Interrupt cancels an in-flight run's context, if one is running for
// jobID. Run's own defer observes the resulting context.Canceled and
// records the run as interrupted rather than failed. Reports false if no
// run is currently in flight for that job id.
func (r *Runner) Interrupt(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancelByJobID[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Run drives the DAG for root_id/job_id forward up to max_steps steps.
// Any panic from a collaborator terminates the run as OutcomeError
// instead of propagating, and dag.run.end is always emitted.
func (r *Runner) Run(ctx context.Context, params Params) (result Result, err error) {
	maxSteps := params.MaxSteps
	if maxSteps <= 0 {
		maxSteps = r.cfg.MaxSteps
	}
	runID := generateRunID()
	now := r.clock.NowMs()

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelByJobID[params.JobID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancelByJobID, params.JobID)
		r.mu.Unlock()
	}()

	run := models.Run{
		JobID:       params.JobID,
		RootIssueID: params.RootID,
		Status:      models.RunStatusRunning,
		Mode:        params.Mode,
		Source:      params.Source,
		MaxSteps:    maxSteps,
		StartedAtMs: now,
		UpdatedAtMs: now,
	}
	_ = r.runs.Put(run)

	_ = r.events.Emit("dag.run.start", "dag", eventlog.WithRunID(runID),
		eventlog.WithPayload(map[string]any{
			"run_id": runID, "job_id": params.JobID, "root_id": params.RootID,
			"mode": params.Mode, "source": params.Source, "max_steps": maxSteps,
		}))

	r.maybeRegisterAutoHeartbeat(ctx, params)

	defer func() {
		status := models.RunStatusSucceeded
		if p := recover(); p != nil {
			result = Result{Outcome: OutcomeError, Steps: result.Steps, Message: fmt.Sprintf("panic: %v", p)}
			err = fmt.Errorf("dag run %s: %v", runID, p)
		}
		if errors.Is(err, context.Canceled) {
			status = models.RunStatusInterrupted
		} else if err != nil || result.Outcome == OutcomeError {
			status = models.RunStatusFailed
		}
		finished := r.clock.NowMs()
		_ = r.runs.Mutate(params.JobID, func(existing models.Run, ok bool) (models.Run, bool) {
			if !ok {
				return existing, false
			}
			existing.Status = status
			existing.UpdatedAtMs = finished
			existing.FinishedAtMs = finished
			existing.LastProgress = result.Message
			if result.Outcome == OutcomeError {
				existing.ExitCode = 1
			}
			return existing, true
		})
		r.maybeDisableAutoHeartbeat(ctx, params.JobID, status)

		msg := result.Message
		if msg == "" {
			msg = string(result.Outcome)
		}
		_ = r.events.Emit("dag.run.end", "dag", eventlog.WithRunID(runID),
			eventlog.WithPayload(map[string]any{
				"run_id": runID, "job_id": params.JobID, "outcome": result.Outcome,
				"steps": result.Steps, "message": msg,
			}))
	}()

	attempts := make(map[string]int)
	for step := 1; step <= maxSteps; step++ {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeError, Steps: step - 1, Message: ctx.Err().Error()}, ctx.Err()
		}

		_ = r.events.Emit("dag.step.start", "dag", eventlog.WithRunID(runID),
			eventlog.WithPayload(map[string]any{"run_id": runID, "step": step}))

		if r.tryUnstick(ctx, runID, params.RootID, attempts) {
			continue
		}

		validated, verr := r.issues.Validate(ctx, params.RootID)
		if verr != nil {
			return Result{Outcome: OutcomeError, Steps: step, Message: verr.Error()}, verr
		}
		if validated.IsFinal {
			return Result{Outcome: OutcomeRootFinal, Steps: step, Message: validated.Reason}, nil
		}

		issue, logSuffix, serr := r.selectOrRepair(ctx, runID, params.RootID, step)
		if serr != nil {
			return Result{Outcome: OutcomeError, Steps: step, Message: serr.Error()}, serr
		}

		if err := r.issues.Claim(ctx, issue.ID); err != nil {
			return Result{Outcome: OutcomeError, Steps: step, Message: err.Error()}, err
		}
		attempts[issue.ID]++
		attempt := attempts[issue.ID]
		_ = r.events.Emit("dag.claim", "dag", eventlog.WithIssueID(issue.ID), eventlog.WithRunID(runID),
			eventlog.WithPayload(map[string]any{"run_id": runID, "issue_id": issue.ID, "attempt": attempt}))

		userPrompt := renderUserPrompt(params.RootID, issue, step, runID, attempt, params.Model)
		systemPrompt := renderSystemPrompt(issue)
		logPath := stepLogPath(r.cfg.StoreDir, params.RootID, issue.ID, attempt, logSuffix)

		stepCtx := ctx
		var stepSpan trace.Span
		if r.cfg.Tracer != nil {
			stepCtx, stepSpan = r.cfg.Tracer.TraceDAGStep(ctx, runID, issue.ID, step)
		}
		start := r.clock.Now()
		out, execErr := r.executor.Execute(stepCtx, StepInput{
			RootID: params.RootID, IssueID: issue.ID, RunID: runID, JobID: params.JobID,
			Step: step, Attempt: attempt, UserPrompt: userPrompt, SystemPrompt: systemPrompt, LogPath: logPath,
		})
		elapsed := r.clock.Now().Sub(start)
		if execErr != nil {
			out.ElapsedMs = elapsed.Milliseconds()
		}
		stepOutcome := "ok"
		if execErr != nil {
			stepOutcome = "error"
		}
		if stepSpan != nil {
			r.cfg.Tracer.RecordError(stepSpan, execErr)
			stepSpan.End()
		}
		r.cfg.Metrics.RecordDAGStep(stepOutcome, elapsed.Seconds())

		reloaded, found, _ := r.issues.Get(ctx, issue.ID)
		forceClosed := false
		if !found || reloaded.Status != models.IssueStatusClosed {
			_ = r.issues.Close(ctx, issue.ID, models.IssueOutcomeFailure)
			forceClosed = true
			reloaded.Status = models.IssueStatusClosed
			reloaded.Outcome = models.IssueOutcomeFailure
			_ = r.events.Emit("dag.step.force_close", "dag", eventlog.WithIssueID(issue.ID), eventlog.WithRunID(runID),
				eventlog.WithPayload(map[string]any{"run_id": runID, "issue_id": issue.ID, "step": step}))
		}

		record, _ := json.Marshal(map[string]any{
			"run_id": runID, "step": step, "issue_id": issue.ID, "attempt": attempt,
			"exit_code": out.ExitCode, "elapsed_ms": out.ElapsedMs, "outcome": reloaded.Outcome,
			"force_closed": forceClosed, "log_path": logPath,
		})
		_ = r.forum.Post(ctx, issue.ID, string(record))
		_ = r.events.Emit("dag.step.end", "dag", eventlog.WithIssueID(issue.ID), eventlog.WithRunID(runID),
			eventlog.WithPayload(map[string]any{
				"run_id": runID, "issue_id": issue.ID, "step": step, "exit_code": out.ExitCode,
				"elapsed_ms": out.ElapsedMs, "outcome": reloaded.Outcome,
			}))

		if isReorchestrateOutcome(reloaded.Outcome) {
			if attempt < r.cfg.CircuitBreakerThreshold {
				_ = r.issues.Reopen(ctx, issue.ID, []string{"role:orchestrator"})
				_ = r.forum.Post(ctx, issue.ID, fmt.Sprintf("reorchestrate: issue %s reopened after outcome=%s (attempt %d)", issue.ID, reloaded.Outcome, attempt))
			} else {
				_ = r.events.Emit("dag.circuit_breaker", "dag", eventlog.WithIssueID(issue.ID), eventlog.WithRunID(runID),
					eventlog.WithPayload(map[string]any{"run_id": runID, "issue_id": issue.ID, "attempt": attempt}))
			}
		}
	}

	return Result{Outcome: OutcomeMaxStepsExhausted, Steps: maxSteps}, nil
}

// isReorchestrateOutcome reports whether a closed issue's outcome should
// trigger step 7's reopen-for-orchestration path.
func isReorchestrateOutcome(outcome models.IssueOutcome) bool {
	return outcome == models.IssueOutcomeFailure || outcome == models.IssueOutcomeNeedsWork
}

// tryUnstick implements step 0: scan the subtree for stuck closed issues
// and reopen the highest-priority one, skipping any already at the
// circuit-breaker threshold.
func (r *Runner) tryUnstick(ctx context.Context, runID, rootID string, attempts map[string]int) bool {
	subtree, err := r.issues.Subtree(ctx, rootID)
	if err != nil {
		return false
	}
	childCount := make(map[string]int, len(subtree))
	for _, it := range subtree {
		for _, dep := range it.Deps {
			if dep.Type == "child_of" {
				childCount[dep.Target]++
			}
		}
	}

	var candidates []models.Issue
	for _, it := range subtree {
		if it.Status != models.IssueStatusClosed {
			continue
		}
		if attempts[it.ID] >= r.cfg.CircuitBreakerThreshold {
			continue
		}
		switch {
		case it.Outcome == models.IssueOutcomeFailure || it.Outcome == models.IssueOutcomeNeedsWork:
			if childCount[it.ID] == 0 {
				candidates = append(candidates, it)
			}
		case it.Outcome == models.IssueOutcomeExpanded:
			if childCount[it.ID] == 0 {
				candidates = append(candidates, it)
			}
		}
	}
	if len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
	target := candidates[0]

	_ = r.issues.Reopen(ctx, target.ID, []string{"role:orchestrator"})
	_ = r.forum.Post(ctx, target.ID, fmt.Sprintf("reorchestrate: unsticking issue %s (outcome=%s)", target.ID, target.Outcome))
	_ = r.events.Emit("dag.unstick.reorchestrate", "dag", eventlog.WithIssueID(target.ID), eventlog.WithRunID(runID),
		eventlog.WithPayload(map[string]any{"run_id": runID, "issue_id": target.ID, "outcome": target.Outcome}))
	return true
}

// selectOrRepair implements step 2: pick a ready leaf, tie-broken by
// priority then updated_at, or synthesize a repair issue when none is
// ready.
func (r *Runner) selectOrRepair(ctx context.Context, runID, rootID string, step int) (models.Issue, string, error) {
	ready, err := r.issues.Ready(ctx, rootID, []string{"node:agent"})
	if err != nil {
		return models.Issue{}, "", err
	}
	if len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Priority != ready[j].Priority {
				return ready[i].Priority < ready[j].Priority
			}
			return ready[i].UpdatedAt.Before(ready[j].UpdatedAt)
		})
		return ready[0], "", nil
	}

	diagnostics := fmt.Sprintf("no ready node:agent leaf under root %s at step %d; the DAG may be stuck on an undeclared dependency cycle or an unresolved reopen.", rootID, step)
	synthetic := models.Issue{
		Title:  fmt.Sprintf("Repair stuck DAG: %s", rootID),
		Body:   diagnostics,
		Status: models.IssueStatusOpen,
		Tags:   []string{"node:agent", "role:repair"},
	}
	created, err := r.issues.Create(ctx, synthetic)
	if err != nil {
		return models.Issue{}, "", err
	}
	_ = r.forum.Post(ctx, created.ID, diagnostics)
	return created, "unstick", nil
}

// renderUserPrompt builds the per-step user prompt, including a "Mu Run
// Context" block summarizing the root, run, and attempt.
func renderUserPrompt(rootID string, issue models.Issue, step int, runID string, attempt int, model map[string]any) string {
	hint := ""
	if attempt > 1 {
		hint = fmt.Sprintf("\n\nThis is attempt %d on this issue; see issue:%s in the forum log for prior attempts.", attempt, issue.ID)
	}
	return fmt.Sprintf("%s\n\n%s\n\n--- Mu Run Context ---\nroot: %s\nissue: %s\nstep: %d\nrun_id: %s\nmodel: %v%s",
		issue.Title, issue.Body, rootID, issue.ID, step, runID, model, hint)
}

// renderSystemPrompt builds the role-specific system prompt from the
// issue's node:role:* tag, defaulting to a generic agent role.
func renderSystemPrompt(issue models.Issue) string {
	role := "agent"
	for _, tag := range issue.Tags {
		if len(tag) > len("role:") && tag[:len("role:")] == "role:" {
			role = tag[len("role:"):]
		}
	}
	return fmt.Sprintf("You are operating as the %q role against issue %s. Close the issue with outcome=success, failure, needs_work, or expanded when done.", role, issue.ID)
}

// stepLogPath builds the per-step tee log path per §6:
// <store>/.mu/logs/<root_id>/<issue_id>[.attempt-N|.unstick|...].jsonl
func stepLogPath(storeDir, rootID, issueID string, attempt int, suffix string) string {
	name := issueID
	switch {
	case suffix != "":
		name = fmt.Sprintf("%s.%s", issueID, suffix)
	case attempt > 1:
		name = fmt.Sprintf("%s.attempt-%d", issueID, attempt)
	}
	return filepath.Join(storeDir, "logs", rootID, name+".jsonl")
}

// maybeRegisterAutoHeartbeat implements the run-heartbeat coupling: only
// API-sourced run_start/run_resume runs register an auto-run-heartbeat
// program, and duplicate registrations for the same job_id update in
// place rather than creating a second program.
func (r *Runner) maybeRegisterAutoHeartbeat(ctx context.Context, params Params) {
	if params.Source != models.RunSourceAPI {
		return
	}
	if params.Mode != models.RunModeStart && params.Mode != models.RunModeResume {
		return
	}

	r.mu.Lock()
	programID, exists := r.autoHeartbeatByJobID[params.JobID]
	r.mu.Unlock()

	metadata := map[string]any{
		"auto_run_heartbeat": true,
		"auto_run_job_id":    params.JobID,
	}

	if exists {
		updated, found, err := r.heartbeats.Update(programID, heartbeat.UpdateParams{
			EveryMs:     ptrInt64(r.cfg.AutoRunHeartbeatEveryMs),
			Enabled:     ptrBool(true),
			Metadata:    metadata,
			HasMetadata: true,
		})
		if err == nil && found {
			r.emitAutoHeartbeatLifecycle("updated", params.JobID, updated)
			return
		}
	}

	program, err := r.heartbeats.Create(heartbeat.CreateParams{
		Title:    fmt.Sprintf("auto-run-heartbeat: %s", params.JobID),
		Reason:   "auto-run-heartbeat",
		EveryMs:  r.cfg.AutoRunHeartbeatEveryMs,
		Metadata: metadata,
	})
	if err != nil {
		return
	}
	r.mu.Lock()
	r.autoHeartbeatByJobID[params.JobID] = program.ProgramID
	r.mu.Unlock()
	r.emitAutoHeartbeatLifecycle("registered", params.JobID, program)
}

// maybeDisableAutoHeartbeat disables the job's auto-run-heartbeat program
// once the run reaches a terminal status.
func (r *Runner) maybeDisableAutoHeartbeat(ctx context.Context, jobID string, status models.RunStatus) {
	r.mu.Lock()
	programID, ok := r.autoHeartbeatByJobID[jobID]
	r.mu.Unlock()
	if !ok {
		return
	}

	existing, found := r.heartbeats.Get(programID)
	metadata := map[string]any{}
	if found {
		for k, v := range existing.Metadata {
			metadata[k] = v
		}
	}
	metadata["auto_disabled_from_status"] = status
	metadata["auto_disabled_reason"] = "run_terminal"
	metadata["auto_disabled_at_ms"] = r.clock.NowMs()

	updated, found, err := r.heartbeats.Update(programID, heartbeat.UpdateParams{
		Enabled:     ptrBool(false),
		EveryMs:     ptrInt64(0),
		Metadata:    metadata,
		HasMetadata: true,
	})
	if err != nil || !found {
		return
	}
	r.emitAutoHeartbeatLifecycle("disabled", jobID, updated)
}

func (r *Runner) emitAutoHeartbeatLifecycle(action, jobID string, program models.HeartbeatProgram) {
	_ = r.events.Emit("run.auto_heartbeat.lifecycle", "dag",
		eventlog.WithPayload(map[string]any{
			"action": action, "run_job_id": jobID, "program_id": program.ProgramID, "program": program,
		}))
}

func ptrBool(b bool) *bool    { return &b }
func ptrInt64(v int64) *int64 { return &v }
