// Package scheduler implements the activity heartbeat scheduler (C2): a
// per-activity coalescing wake queue with priority, retry-on-failure
// cooldown, and periodic ticks. It is modeled directly on the gateway
// package's per-key debounce buffer (one timer per key, absorb-or-rearm on
// a new request), generalized from "flush a batch of messages" to "invoke
// a handler at most once per coalesce window, with retry backoff on
// failure."
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-mu/internal/clock"
)

// Outcome classifies a handler invocation's result.
type Outcome string

const (
	OutcomeRan     Outcome = "ran"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result is what a Handler returns, and what Flush observers receive.
type Result struct {
	Outcome    Outcome
	Reason     string // set for Skipped and Failed
	DurationMs int64  // set for Ran
}

// TickRequest is handed to a Handler when its activity's wake fires.
type TickRequest struct {
	ActivityID string
	Reason     string
}

// Handler runs one tick for an activity. Panics are recovered and reported
// as Failed; handlers must never block on user input.
type Handler func(ctx context.Context, req TickRequest) Result

const (
	// DefaultCoalesceMs is the default wait before a requested wake fires.
	DefaultCoalesceMs = 250
	// DefaultRetryCooldownMs is the default wait before retrying a failed
	// or in-flight-skipped tick.
	DefaultRetryCooldownMs = 1000
	// MinRetryCooldownMs is the floor for DefaultRetryCooldownMs.
	MinRetryCooldownMs = 100
	// DefaultMinIntervalMs is the floor every_ms is clamped to when nonzero.
	DefaultMinIntervalMs = 2000

	reasonInterval = "interval"
	reasonRetry    = "retry"
	reasonManual   = "manual"
	reasonExec     = "exec-event"

	wakeKindNormal = "normal"
	wakeKindRetry  = "retry"
)

// priorityOf classifies a reason string into the coalescing priority order:
// action (3) > default (2) > interval (1) > retry (0).
func priorityOf(reason string) int {
	switch {
	case reason == reasonManual || reason == reasonExec || strings.HasPrefix(reason, "hook:"):
		return 3
	case reason == reasonInterval:
		return 1
	case reason == reasonRetry:
		return 0
	default:
		return 2
	}
}

// RegisterOptions configures a new activity.
type RegisterOptions struct {
	ActivityID string
	EveryMs    int64
	Handler    Handler
	CoalesceMs int64 // 0 means DefaultCoalesceMs
}

type pendingWake struct {
	reason      string
	priority    int
	requestedAt time.Time
}

type activity struct {
	mu sync.Mutex

	id         string
	everyMs    int64
	coalesceMs int64
	handler    Handler

	pending   *pendingWake
	scheduled bool
	running   bool
	disposed  bool

	intervalHandle clock.Handle
	wakeHandle     clock.Handle
	wakeDue        time.Time
	wakeKind       string
}

// Scheduler is the C2 activity heartbeat scheduler.
type Scheduler struct {
	clock clock.Clock

	retryCooldownMs int64
	minIntervalMs   int64

	mu         sync.RWMutex
	activities map[string]*activity
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetryCooldownMs overrides the default 1000ms retry cooldown; values
// below MinRetryCooldownMs are clamped up.
func WithRetryCooldownMs(ms int64) Option {
	return func(s *Scheduler) {
		if ms < MinRetryCooldownMs {
			ms = MinRetryCooldownMs
		}
		s.retryCooldownMs = ms
	}
}

// WithMinIntervalMs overrides the default 2000ms minimum interval clamp.
func WithMinIntervalMs(ms int64) Option {
	return func(s *Scheduler) { s.minIntervalMs = ms }
}

// New constructs a Scheduler backed by clk.
func New(clk clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:           clk,
		retryCooldownMs: DefaultRetryCooldownMs,
		minIntervalMs:   DefaultMinIntervalMs,
		activities:      make(map[string]*activity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs a per-activity state. Registering an id that already
// exists replaces its handler and schedule, re-arming the interval timer.
func (s *Scheduler) Register(opts RegisterOptions) {
	coalesceMs := opts.CoalesceMs
	if coalesceMs <= 0 {
		coalesceMs = DefaultCoalesceMs
	}
	everyMs := opts.EveryMs
	if everyMs > 0 && everyMs < s.minIntervalMs {
		everyMs = s.minIntervalMs
	}

	s.mu.Lock()
	if existing, ok := s.activities[opts.ActivityID]; ok {
		s.mu.Unlock()
		s.disposeLocked(existing)
		s.mu.Lock()
	}
	act := &activity{
		id:         opts.ActivityID,
		everyMs:    everyMs,
		coalesceMs: coalesceMs,
		handler:    opts.Handler,
	}
	s.activities[opts.ActivityID] = act
	s.mu.Unlock()

	if everyMs > 0 {
		interval := time.Duration(everyMs) * time.Millisecond
		act.intervalHandle = s.clock.Interval(interval, func() {
			zero := int64(0)
			s.RequestNow(act.id, reasonInterval, &zero)
		})
	}
}

// Unregister removes an activity, cancelling its timers. It is safe to call
// on an unknown activity_id.
func (s *Scheduler) Unregister(activityID string) {
	s.mu.Lock()
	act, ok := s.activities[activityID]
	if ok {
		delete(s.activities, activityID)
	}
	s.mu.Unlock()
	if ok {
		s.disposeLocked(act)
	}
}

func (s *Scheduler) disposeLocked(act *activity) {
	act.mu.Lock()
	act.disposed = true
	if act.intervalHandle != nil {
		s.clock.Cancel(act.intervalHandle)
	}
	if act.wakeHandle != nil {
		s.clock.Cancel(act.wakeHandle)
	}
	act.mu.Unlock()
}

// Has reports whether activityID is registered.
func (s *Scheduler) Has(activityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.activities[activityID]
	return ok
}

// List returns the ids of every registered activity.
func (s *Scheduler) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.activities))
	for id := range s.activities {
		out = append(out, id)
	}
	return out
}

// Stop unregisters every activity.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	activities := s.activities
	s.activities = make(map[string]*activity)
	s.mu.Unlock()
	for _, act := range activities {
		s.disposeLocked(act)
	}
}

func (s *Scheduler) get(activityID string) *activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activities[activityID]
}

// RequestNow queues a tick for activityID. coalesceMsOverride, when
// non-nil, overrides the activity's registered coalesce window for this
// request only (interval ticks pass 0 to flush immediately on the due
// timer, i.e. coalesce is owned entirely by the interval period).
func (s *Scheduler) RequestNow(activityID, reason string, coalesceMsOverride *int64) {
	act := s.get(activityID)
	if act == nil {
		return
	}
	act.mu.Lock()
	defer act.mu.Unlock()
	if act.disposed {
		return
	}

	now := s.clock.Now()
	coalesceMs := act.coalesceMs
	if coalesceMsOverride != nil {
		coalesceMs = *coalesceMsOverride
	}
	newDue := now.Add(time.Duration(coalesceMs) * time.Millisecond)
	s.mergePendingLocked(act, reason, now)

	if act.wakeHandle == nil {
		s.armLocked(act, newDue, wakeKindNormal)
		return
	}
	if act.wakeKind == wakeKindRetry {
		// Cooldown is authoritative: a retry timer is never pre-empted.
		return
	}
	if act.wakeDue.After(newDue) {
		s.clock.Cancel(act.wakeHandle)
		s.armLocked(act, newDue, wakeKindNormal)
	}
	// Otherwise the existing normal timer already fires in time: absorbed.
}

func (s *Scheduler) mergePendingLocked(act *activity, reason string, now time.Time) {
	priority := priorityOf(reason)
	if act.pending == nil || priority >= act.pending.priority {
		act.pending = &pendingWake{reason: reason, priority: priority, requestedAt: now}
	}
}

func (s *Scheduler) armLocked(act *activity, due time.Time, kind string) {
	act.wakeDue = due
	act.wakeKind = kind
	id := act.id
	act.wakeHandle = s.clock.At(due, func() { s.flush(id) })
}

func (s *Scheduler) flush(activityID string) {
	act := s.get(activityID)
	if act == nil {
		return
	}

	act.mu.Lock()
	if act.disposed {
		act.mu.Unlock()
		return
	}
	act.wakeHandle = nil

	if act.running {
		act.scheduled = true
		due := s.retryOrNormalDue(act)
		s.armLocked(act, due, act.wakeKind)
		act.mu.Unlock()
		return
	}

	pending := act.pending
	act.pending = nil
	if pending == nil {
		act.mu.Unlock()
		return
	}
	act.running = true
	handler := act.handler
	act.mu.Unlock()

	// Clock.At/AfterFunc implementations already deliver fn on a dedicated
	// goroutine (time.AfterFunc) or the caller's goroutine under explicit
	// control (the fake clock's Advance), so invoking the handler inline
	// here keeps behavior deterministic under the fake clock without an
	// extra goroutine hop.
	result := invokeHandler(handler, TickRequest{ActivityID: activityID, Reason: pending.reason})
	s.afterHandler(activityID, result)
}

func (s *Scheduler) retryOrNormalDue(act *activity) time.Time {
	if act.wakeKind == wakeKindRetry {
		return s.clock.Now().Add(time.Duration(s.retryCooldownMs) * time.Millisecond)
	}
	return s.clock.Now().Add(time.Duration(act.coalesceMs) * time.Millisecond)
}

func invokeHandler(handler Handler, req TickRequest) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Outcome: OutcomeFailed, Reason: panicMessage(r)}
		}
	}()
	if handler == nil {
		return Result{Outcome: OutcomeSkipped, Reason: "no_handler"}
	}
	return handler(context.Background(), req)
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "panic"
}

func (s *Scheduler) afterHandler(activityID string, result Result) {
	act := s.get(activityID)
	if act == nil {
		return
	}
	act.mu.Lock()
	defer act.mu.Unlock()
	act.running = false
	act.scheduled = false
	if act.disposed {
		return
	}

	shouldRetry := result.Outcome == OutcomeFailed ||
		(result.Outcome == OutcomeSkipped && result.Reason == "requests-in-flight")

	if shouldRetry {
		s.mergePendingLocked(act, reasonRetry, s.clock.Now())
		due := s.clock.Now().Add(time.Duration(s.retryCooldownMs) * time.Millisecond)
		if act.wakeHandle != nil {
			s.clock.Cancel(act.wakeHandle)
		}
		s.armLocked(act, due, wakeKindRetry)
		return
	}

	if act.pending != nil {
		due := s.clock.Now().Add(time.Duration(act.coalesceMs) * time.Millisecond)
		if act.wakeHandle != nil {
			s.clock.Cancel(act.wakeHandle)
		}
		s.armLocked(act, due, wakeKindNormal)
	}
}
