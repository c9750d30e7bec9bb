package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func TestEmitWritesLineAtomicRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	clk := clock.NewFake(time.Unix(1700000000, 0))
	log, err := Open(path, clk)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	if err := log.Emit("operator.wake", "wake_orchestrator",
		WithIssueID("issue-1"),
		WithRunID("run-1"),
		WithPayload(map[string]any{"wake_id": "abc"}),
	); err != nil {
		t.Fatal(err)
	}

	var events []models.Event
	err = store.ReadAllJSONL[models.Event](path, func(e models.Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.V != 1 || got.Type != "operator.wake" || got.Source != "wake_orchestrator" {
		t.Fatalf("unexpected event shape: %+v", got)
	}
	if got.IssueID != "issue-1" || got.RunID != "run-1" {
		t.Fatalf("expected issue_id/run_id to round-trip: %+v", got)
	}
	if got.TsMs != clk.NowMs() {
		t.Fatalf("expected ts_ms from injected clock, got %d want %d", got.TsMs, clk.NowMs())
	}
}

func TestEmitAppendsMultipleEventsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	clk := clock.New()
	log, err := Open(path, clk)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	_ = log.Emit("a", "src")
	_ = log.Emit("b", "src")
	_ = log.Emit("c", "src")

	var types []string
	err = store.ReadAllJSONL[models.Event](path, func(e models.Event) error {
		types = append(types, e.Type)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 3 || types[0] != "a" || types[1] != "b" || types[2] != "c" {
		t.Fatalf("expected events in append order, got %v", types)
	}
}

func TestQueryFiltersByTypeIssueRunAndContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	clk := clock.NewFake(time.Unix(1700000000, 0))
	log, err := Open(path, clk)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	_ = log.Emit("dag.claim", "dag", WithIssueID("iss-1"), WithRunID("run-1"), WithPayload(map[string]any{"note": "leaf"}))
	_ = log.Emit("dag.claim", "dag", WithIssueID("iss-2"), WithRunID("run-1"))
	_ = log.Emit("operator.wake", "wake_orchestrator", WithRunID("run-2"))

	byType, err := log.Query(Filter{Type: "dag.claim"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 2 {
		t.Fatalf("expected 2 dag.claim events, got %d", len(byType))
	}

	byIssue, err := log.Query(Filter{IssueID: "iss-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byIssue) != 1 || byIssue[0].IssueID != "iss-1" {
		t.Fatalf("expected 1 event for iss-1, got %+v", byIssue)
	}

	byRun, err := log.Query(Filter{RunID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRun) != 2 {
		t.Fatalf("expected 2 events for run-1, got %d", len(byRun))
	}

	byContains, err := log.Query(Filter{Contains: "leaf"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byContains) != 1 {
		t.Fatalf("expected 1 event containing \"leaf\", got %d", len(byContains))
	}
}

func TestTailReturnsLastNEventsOldestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	clk := clock.New()
	log, err := Open(path, clk)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	for _, typ := range []string{"a", "b", "c", "d"} {
		_ = log.Emit(typ, "src")
	}

	tail, err := log.Tail(Filter{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Type != "c" || tail[1].Type != "d" {
		t.Fatalf("expected last 2 events oldest-first [c d], got %+v", tail)
	}
}
