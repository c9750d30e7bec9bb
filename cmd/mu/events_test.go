package main

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEventsQueryAndTailSeeHeartbeatActivity(t *testing.T) {
	repoRoot = t.TempDir()

	var created struct {
		ProgramID string `json:"program_id"`
	}
	runHeartbeatsCmd(t, []string{"create", "--title", "events probe", "--every-ms", "60000"}, &created)

	var queried []map[string]any
	runEventsCmd(t, []string{"query", "--limit", "50"}, &queried)
	if len(queried) == 0 {
		t.Fatal("expected query to return at least the program-creation event")
	}

	var tailed []map[string]any
	runEventsCmd(t, []string{"tail", "--n", "5"}, &tailed)
	if len(tailed) == 0 {
		t.Fatal("expected tail to return at least one event")
	}
}

func TestEventsQueryFilterByUnknownIssueIDReturnsEmpty(t *testing.T) {
	repoRoot = t.TempDir()

	var queried []map[string]any
	runEventsCmd(t, []string{"query", "--issue-id", "does-not-exist"}, &queried)
	if len(queried) != 0 {
		t.Fatalf("expected no events for an unknown issue id, got %d", len(queried))
	}
}

func runEventsCmd(t *testing.T, args []string, into any) {
	t.Helper()
	cmd := buildEventsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v (output: %s)", args, err, out.String())
	}
	if into != nil {
		if err := json.Unmarshal(out.Bytes(), into); err != nil {
			t.Fatalf("decode output %q: %v", out.String(), err)
		}
	}
}
