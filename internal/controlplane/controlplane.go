// Package controlplane implements the config generation history behind
// §6's POST /api/control-plane/reload and /rollback: swapping the active
// adapter generation in-process and recording a snapshot of the swap.
// Generations are never written to <store>/.mu/ — §6 names no
// generations.jsonl file — so this is deliberately an in-memory history,
// unlike every other registry in this module.
package controlplane

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
)

func generateGenerationID() string {
	return "gen-" + uuid.NewString()
}

// Outcome records how a generation came to be.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Generation is one snapshot of a config/adapter swap.
type Generation struct {
	ID          string  `json:"id"`
	Outcome     Outcome `json:"outcome"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Active      bool    `json:"active"`
	CreatedAtMs int64   `json:"created_at_ms"`
}

// ErrNoPriorGeneration is returned by Rollback when there is nothing to
// roll back to.
var ErrNoPriorGeneration = errors.New("no prior generation to roll back to")

// ControlPlane holds the in-process generation history.
type ControlPlane struct {
	clock  clock.Clock
	events *eventlog.Log

	mu      sync.Mutex
	history []Generation // oldest first; history[len-1] is current
}

// New creates an empty control plane with no active generation.
func New(clk clock.Clock, events *eventlog.Log) *ControlPlane {
	return &ControlPlane{clock: clk, events: events}
}

// Current returns the active generation, if any.
func (c *ControlPlane) Current() (Generation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return Generation{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns every recorded generation, oldest first.
func (c *ControlPlane) History() []Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Generation, len(c.history))
	copy(out, c.history)
	return out
}

// Reload swaps in a new generation identified by `to` (e.g. a config hash
// or adapter set fingerprint), deactivating whatever was previously
// active.
func (c *ControlPlane) Reload(to string) Generation {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := ""
	if len(c.history) > 0 {
		c.history[len(c.history)-1].Active = false
		from = c.history[len(c.history)-1].To
	}
	gen := Generation{
		ID:          generateGenerationID(),
		Outcome:     OutcomeApplied,
		From:        from,
		To:          to,
		Active:      true,
		CreatedAtMs: c.clock.NowMs(),
	}
	c.history = append(c.history, gen)
	c.emit("controlplane.reload", gen)
	return gen
}

// Rollback reactivates the generation before the current one, recording a
// new rolled_back generation rather than mutating history in place (so
// the history always reads as an append-only audit of swaps).
func (c *ControlPlane) Rollback() (Generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) < 2 {
		return Generation{}, ErrNoPriorGeneration
	}
	current := c.history[len(c.history)-1]
	prior := c.history[len(c.history)-2]
	current.Active = false
	c.history[len(c.history)-1] = current

	gen := Generation{
		ID:          generateGenerationID(),
		Outcome:     OutcomeRolledBack,
		From:        current.To,
		To:          prior.To,
		Active:      true,
		CreatedAtMs: c.clock.NowMs(),
	}
	c.history = append(c.history, gen)
	c.emit("controlplane.rollback", gen)
	return gen, nil
}

func (c *ControlPlane) emit(eventType string, gen Generation) {
	if c.events == nil {
		return
	}
	_ = c.events.Emit(eventType, "controlplane",
		eventlog.WithPayload(map[string]any{
			"generation": gen,
		}))
}
