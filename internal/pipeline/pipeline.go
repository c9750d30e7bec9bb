// Package pipeline implements the command pipeline seam (C6): a
// single-writer-per-repo_root mutator with a bounded request_id dedupe
// window, giving the wake orchestrator's (C5) at-most-once turn property
// its teeth.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/wake"
)

// Kind classifies a submission's result.
type Kind string

const (
	KindCompleted        Kind = "completed"
	KindOperatorResponse Kind = "operator_response"
	KindRejected         Kind = "rejected"
	KindDeferred         Kind = "deferred"
)

// Result is what Submit returns.
type Result struct {
	Kind      Kind
	Message   string
	CommandID string
}

// Request describes one submission.
type Request struct {
	CommandText string
	RepoRoot    string
	RequestID   string    // optional; enables dedup
	Correlation string    // optional; opaque, logged only
	Deadline    time.Time // optional
}

// Mutator is the actual mutation logic a concrete command pipeline
// implementation supplies — e.g. "apply this command text against the
// issue graph rooted at repoRoot". It is the single place application
// state is mutated.
type Mutator func(ctx context.Context, req Request) (Result, error)

const defaultDedupeWindow = 5 * time.Minute

type cacheEntry struct {
	result   Result
	expireAt time.Time
}

// Pipeline is the C6 command pipeline seam.
type Pipeline struct {
	clock        clock.Clock
	mutator      Mutator
	dedupeWindow time.Duration

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
	cache     map[string]cacheEntry
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDedupeWindow overrides the default 5-minute request_id cache window.
func WithDedupeWindow(d time.Duration) Option {
	return func(p *Pipeline) { p.dedupeWindow = d }
}

// New constructs a Pipeline backed by mutator.
func New(clk clock.Clock, mutator Mutator, opts ...Option) *Pipeline {
	p := &Pipeline{
		clock:        clk,
		mutator:      mutator,
		dedupeWindow: defaultDedupeWindow,
		repoLocks:    make(map[string]*sync.Mutex),
		cache:        make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SubmitTerminalCommand runs req through the single-writer-per-repo_root
// mutator, or returns a cached result if request_id was already seen within
// the dedupe window.
func (p *Pipeline) SubmitTerminalCommand(ctx context.Context, req Request) (Result, error) {
	if req.RequestID != "" {
		if cached, ok := p.lookupCache(req.RequestID); ok {
			return cached, nil
		}
	}

	if !req.Deadline.IsZero() && !p.clock.Now().Before(req.Deadline) {
		return Result{Kind: KindRejected, Message: "deadline already passed"}, nil
	}

	lock := p.repoLock(req.RepoRoot)
	lock.Lock()
	defer lock.Unlock()

	// Re-check the cache under the repo lock: a concurrent submission with
	// the same request_id may have completed while we were waiting.
	if req.RequestID != "" {
		if cached, ok := p.lookupCache(req.RequestID); ok {
			return cached, nil
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	result, err := p.mutator(runCtx, req)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			result = Result{Kind: KindRejected, Message: "timeout"}
		} else {
			result = Result{Kind: KindRejected, Message: err.Error()}
		}
	}

	if req.RequestID != "" {
		p.storeCache(req.RequestID, result)
	}
	return result, nil
}

func (p *Pipeline) repoLock(repoRoot string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.repoLocks[repoRoot]
	if !ok {
		lock = &sync.Mutex{}
		p.repoLocks[repoRoot] = lock
	}
	return lock
}

func (p *Pipeline) lookupCache(requestID string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[requestID]
	if !ok {
		return Result{}, false
	}
	if p.clock.Now().After(entry.expireAt) {
		delete(p.cache, requestID)
		return Result{}, false
	}
	return entry.result, true
}

func (p *Pipeline) storeCache(requestID string, result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[requestID] = cacheEntry{result: result, expireAt: p.clock.Now().Add(p.dedupeWindow)}
}

// GenerateCommandID returns a short random id for commands that don't carry
// a caller-supplied request_id.
func GenerateCommandID() string {
	return "cmd-" + uuid.NewString()
}

var _ fmt.Stringer = Kind("")

// String satisfies fmt.Stringer for clean log formatting.
func (k Kind) String() string { return string(k) }

// AsTurnSubmitter adapts a Pipeline to wake.TurnSubmitter, so the
// orchestrator (C5) can submit active-mode turns without depending on this
// package's own Request/Result shapes.
func (p *Pipeline) AsTurnSubmitter() wake.TurnSubmitter {
	return turnSubmitterAdapter{pipeline: p}
}

type turnSubmitterAdapter struct {
	pipeline *Pipeline
}

func (a turnSubmitterAdapter) SubmitTerminalCommand(ctx context.Context, req wake.TurnRequest) (wake.TurnResult, error) {
	result, err := a.pipeline.SubmitTerminalCommand(ctx, Request{
		CommandText: req.CommandText,
		RepoRoot:    req.RepoRoot,
		RequestID:   req.RequestID,
	})
	if err != nil {
		return wake.TurnResult{}, err
	}
	return wake.TurnResult{Kind: string(result.Kind), Message: result.Message, CommandID: result.CommandID}, nil
}
