package heartbeat

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/scheduler"
	"github.com/haasonsaas/nexus-mu/internal/wake"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	sched := scheduler.New(clk)
	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := eventlog.Open(logPath, clk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })
	orch := wake.New(clk, log, nil, nil, wake.Config{WakeTurnMode: models.WakeTurnModePassive})

	path := filepath.Join(t.TempDir(), "heartbeats.jsonl")
	reg, err := Open(path, clk, sched, orch, log)
	if err != nil {
		t.Fatal(err)
	}
	return reg, clk
}

func TestCreateGetRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p, err := reg.Create(CreateParams{Title: "Wake heartbeat", Reason: "heartbeat-wake"})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reg.Get(p.ProgramID)
	if !ok {
		t.Fatal("expected to find created program")
	}
	if got.Title != "Wake heartbeat" || !got.Enabled {
		t.Fatalf("unexpected program: %+v", got)
	}
}

// S1: heartbeat trigger with coalesce.
func TestTriggerTwiceCoalescesSecond(t *testing.T) {
	reg, clk := newTestRegistry(t)
	p, err := reg.Create(CreateParams{Title: "Wake heartbeat", EveryMs: 0, Reason: "heartbeat-wake"})
	if err != nil {
		t.Fatal(err)
	}

	if outcome := reg.Trigger(p.ProgramID, "manual"); outcome != TriggerQueued {
		t.Fatalf("expected first trigger queued, got %s", outcome)
	}
	clk.Advance(300 * time.Millisecond)

	if outcome := reg.Trigger(p.ProgramID, "manual"); outcome != TriggerQueued {
		t.Fatalf("expected second trigger queued, got %s", outcome)
	}
	clk.Advance(300 * time.Millisecond)

	got, _ := reg.Get(p.ProgramID)
	if got.LastResult != models.LastResultCoalesced {
		t.Fatalf("expected last_result=coalesced after second trigger, got %s", got.LastResult)
	}
}

func TestTriggerOnDisabledProgramIsRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	enabled := false
	p, err := reg.Create(CreateParams{Title: "x", Enabled: &enabled})
	if err != nil {
		t.Fatal(err)
	}
	if outcome := reg.Trigger(p.ProgramID, "manual"); outcome != TriggerDisabled {
		t.Fatalf("expected disabled outcome, got %s", outcome)
	}
}

func TestTriggerOnUnknownProgramIsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if outcome := reg.Trigger("hb-ghost", "manual"); outcome != TriggerNotFound {
		t.Fatalf("expected not_found, got %s", outcome)
	}
}

func TestUpdateEnabledUnregistersSchedule(t *testing.T) {
	reg, clk := newTestRegistry(t)
	p, err := reg.Create(CreateParams{Title: "x", EveryMs: 5000})
	if err != nil {
		t.Fatal(err)
	}
	disabled := false
	if _, ok, err := reg.Update(p.ProgramID, UpdateParams{Enabled: &disabled}); err != nil || !ok {
		t.Fatalf("expected update to succeed, err=%v ok=%v", err, ok)
	}
	clk.Advance(10 * time.Second)
	got, _ := reg.Get(p.ProgramID)
	if got.LastTriggeredAtMs != 0 {
		t.Fatal("expected no ticks after disabling the program")
	}
}

func TestRemoveDeletesAndUnregisters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	p, err := reg.Create(CreateParams{Title: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove(p.ProgramID); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get(p.ProgramID); ok {
		t.Fatal("expected program to be gone")
	}
}

func TestListFiltersByEnabled(t *testing.T) {
	reg, _ := newTestRegistry(t)
	disabled := false
	if _, err := reg.Create(CreateParams{Title: "on"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Create(CreateParams{Title: "off", Enabled: &disabled}); err != nil {
		t.Fatal(err)
	}
	enabled := true
	got := reg.List(ListFilter{Enabled: &enabled})
	if len(got) != 1 || got[0].Title != "on" {
		t.Fatalf("expected only the enabled program, got %+v", got)
	}
}
