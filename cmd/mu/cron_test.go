package main

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCronCreateRequiresASchedule(t *testing.T) {
	repoRoot = t.TempDir()

	cmd := buildCronCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"create", "--title", "no schedule"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when none of --at/--every-ms/--expr is set")
	}
}

func TestCronCreateListTriggerRemove(t *testing.T) {
	repoRoot = t.TempDir()

	var created struct {
		ProgramID string `json:"program_id"`
	}
	runCronCmd(t, []string{"create", "--title", "nightly", "--every-ms", "3600000"}, &created)
	if created.ProgramID == "" {
		t.Fatal("expected create to return a program_id")
	}

	var listed []struct {
		ProgramID string `json:"program_id"`
	}
	runCronCmd(t, []string{"list"}, &listed)
	found := false
	for _, p := range listed {
		if p.ProgramID == created.ProgramID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the created program to appear in list output")
	}

	var triggerResult struct {
		Outcome string `json:"outcome"`
	}
	runCronCmd(t, []string{"trigger", created.ProgramID}, &triggerResult)

	var removed struct {
		Removed string `json:"removed"`
	}
	runCronCmd(t, []string{"remove", created.ProgramID}, &removed)
	if removed.Removed != created.ProgramID {
		t.Fatalf("expected removed=%q, got %q", created.ProgramID, removed.Removed)
	}
}

func TestCronTriggerUnknownProgramFails(t *testing.T) {
	repoRoot = t.TempDir()

	cmd := buildCronCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"trigger", "does-not-exist"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when triggering an unknown cron program id")
	}
}

func runCronCmd(t *testing.T, args []string, into any) {
	t.Helper()
	cmd := buildCronCmd()
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
