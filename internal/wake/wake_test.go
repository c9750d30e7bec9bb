package wake

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func newTestLog(t *testing.T, clk clock.Clock) *eventlog.Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := eventlog.Open(path, clk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

type stubPipeline struct {
	calls   []TurnRequest
	kind    string
	err     error
}

func (s *stubPipeline) SubmitTerminalCommand(ctx context.Context, req TurnRequest) (TurnResult, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return TurnResult{}, s.err
	}
	return TurnResult{Kind: s.kind, CommandID: "cmd-1"}, nil
}

type stubNotifier struct {
	calls int
}

func (s *stubNotifier) NotifyWake(ctx context.Context, event models.WakeEvent, decision models.WakeDecision) DeliverySummary {
	s.calls++
	return DeliverySummary{Queued: 1}
}

// S1: heartbeat trigger with coalesce.
func TestDispatchCoalescesWithinWindow(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	log := newTestLog(t, clk)
	notifier := &stubNotifier{}
	o := New(clk, log, nil, notifier, Config{WakeTurnMode: models.WakeTurnModePassive})

	first := o.Dispatch(context.Background(), Request{Source: models.WakeSourceHeartbeatProgram, ProgramID: "hb-1"})
	if first.Outcome != DispatchOK {
		t.Fatalf("expected first dispatch to be ok, got %+v", first)
	}
	second := o.Dispatch(context.Background(), Request{Source: models.WakeSourceHeartbeatProgram, ProgramID: "hb-1"})
	if second.Outcome != DispatchCoalesced {
		t.Fatalf("expected second dispatch to coalesce, got %+v", second)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected notify to run exactly once, got %d", notifier.calls)
	}
}

// S2: active-mode wake invokes turn exactly once.
func TestDispatchActiveModeInvokesTurnOnce(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	log := newTestLog(t, clk)
	pipeline := &stubPipeline{kind: "completed"}
	notifier := &stubNotifier{}
	o := New(clk, log, pipeline, notifier, Config{WakeTurnMode: models.WakeTurnModeActive, RepoRoot: "/repo"})

	first := o.Dispatch(context.Background(), Request{Source: models.WakeSourceHeartbeatProgram, ProgramID: "hb-1"})
	if first.Outcome != DispatchOK {
		t.Fatalf("expected ok, got %+v", first)
	}
	second := o.Dispatch(context.Background(), Request{Source: models.WakeSourceHeartbeatProgram, ProgramID: "hb-1"})
	if second.Outcome != DispatchCoalesced {
		t.Fatalf("expected coalesced, got %+v", second)
	}
	if len(pipeline.calls) != 1 {
		t.Fatalf("expected exactly one submit_terminal_command, got %d", len(pipeline.calls))
	}
	if pipeline.calls[0].RequestID == "" {
		t.Fatal("expected a deterministic request_id")
	}
}

// S3: active-mode fallback when pipeline unavailable.
func TestDispatchActiveModeFallbackWithoutPipeline(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	log := newTestLog(t, clk)
	notifier := &stubNotifier{}
	o := New(clk, log, nil, notifier, Config{WakeTurnMode: models.WakeTurnModeActive})

	result := o.Dispatch(context.Background(), Request{Source: models.WakeSourceHeartbeatProgram, ProgramID: "hb-1"})
	if result.Outcome != DispatchFailed || result.Reason != "control_plane_unavailable" {
		t.Fatalf("expected control_plane_unavailable failure, got %+v", result)
	}
	if notifier.calls != 0 {
		t.Fatal("expected no notify fan-out on fallback")
	}
}

func TestDispatchGeneratesSixteenHexWakeID(t *testing.T) {
	id := GenerateWakeID()
	if len(id) != 16 {
		t.Fatalf("expected 16-hex wake id, got %q (len=%d)", id, len(id))
	}
}
