package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/config"
	"github.com/haasonsaas/nexus-mu/internal/controlplane"
	"github.com/haasonsaas/nexus-mu/internal/cronprogram"
	"github.com/haasonsaas/nexus-mu/internal/dag"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/heartbeat"
	"github.com/haasonsaas/nexus-mu/internal/identity"
	"github.com/haasonsaas/nexus-mu/internal/outbox"
	"github.com/haasonsaas/nexus-mu/internal/pipeline"
	"github.com/haasonsaas/nexus-mu/internal/scheduler"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/internal/wake"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// fakeIssues is a trivial IssueStore double whose root is already closed
// successfully, so Run resolves on its first step without needing the
// full claim/ready/reopen machinery dag's own tests already cover.
type fakeIssues struct {
	root models.Issue
}

func (f *fakeIssues) Get(ctx context.Context, id string) (models.Issue, bool, error) {
	if id == f.root.ID {
		return f.root, true, nil
	}
	return models.Issue{}, false, nil
}
func (f *fakeIssues) Subtree(ctx context.Context, rootID string) ([]models.Issue, error) {
	return []models.Issue{f.root}, nil
}
func (f *fakeIssues) Validate(ctx context.Context, rootID string) (dag.ValidateResult, error) {
	return dag.ValidateResult{IsFinal: true, Reason: "root closed successfully"}, nil
}
func (f *fakeIssues) Ready(ctx context.Context, rootID string, tags []string) ([]models.Issue, error) {
	return nil, nil
}
func (f *fakeIssues) Claim(ctx context.Context, id string) error                        { return nil }
func (f *fakeIssues) Close(ctx context.Context, id string, outcome models.IssueOutcome) error { return nil }
func (f *fakeIssues) Reopen(ctx context.Context, id string, tags []string) error        { return nil }
func (f *fakeIssues) Create(ctx context.Context, issue models.Issue) (models.Issue, error) {
	return issue, nil
}

type fakeForum struct{}

func (fakeForum) Post(ctx context.Context, issueID, message string) error { return nil }

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, in dag.StepInput) (dag.StepOutput, error) {
	return dag.StepOutput{ExitCode: 0}, nil
}

type testHarness struct {
	handler http.Handler
	deps    Deps
	clk     *clock.Fake
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewFake(time.Unix(1700000000, 0))

	events, err := eventlog.Open(filepath.Join(dir, "events.jsonl"), clk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = events.Close() })

	sched := scheduler.New(clk)

	cfg := &config.Config{}
	cfg.ControlPlane.Operator.WakeTurnMode = "passive"
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	orch := wake.New(clk, events, nil, nil, wake.Config{WakeTurnMode: models.WakeTurnMode(loaded.ControlPlane.Operator.WakeTurnMode)})

	hb, err := heartbeat.Open(filepath.Join(dir, "heartbeats.jsonl"), clk, sched, orch, events)
	if err != nil {
		t.Fatal(err)
	}
	cron, err := cronprogram.Open(filepath.Join(dir, "cron.jsonl"), clk, sched, orch, events, "UTC")
	if err != nil {
		t.Fatal(err)
	}

	ob, err := outbox.Open(filepath.Join(dir, "outbox.jsonl"), clk, events, outbox.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ids, err := identity.Open(filepath.Join(dir, "identities.jsonl"), clk, events)
	if err != nil {
		t.Fatal(err)
	}
	ob.SetIdentityResolver(ids)

	root := models.Issue{ID: "root-1", Title: "root", Status: models.IssueStatusClosed, Outcome: models.IssueOutcomeSuccess}
	runner, err := dag.Open(filepath.Join(dir, "runs.jsonl"), clk, events, &fakeIssues{root: root}, fakeForum{}, fakeExecutor{}, hb, dag.Config{StoreDir: dir})
	if err != nil {
		t.Fatal(err)
	}

	cp := controlplane.New(clk, events)

	pl := pipeline.New(clk, func(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
		return pipeline.Result{Kind: pipeline.KindCompleted, Message: "ok"}, nil
	})

	auditLog, err := store.OpenAppendLog(filepath.Join(dir, "adapter_audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	deps := Deps{
		RepoRoot:       dir,
		ConfigPath:     cfgPath,
		Config:         loaded,
		ControlPlane:   cp,
		Wake:           orch,
		Pipeline:       pl,
		Heartbeats:     hb,
		Cron:           cron,
		Outbox:         ob,
		Identities:     ids,
		Runs:           runner,
		Events:         events,
		Channels:       nil,
		WebhookSecrets: map[string]string{"slack": "topsecret"},
		AdapterAudit:   auditLog,
	}
	return &testHarness{handler: New(deps), deps: deps, clk: clk}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatusReportsRepoRootAndRoutes(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[statusResponse](t, rec)
	if resp.RepoRoot != h.deps.RepoRoot {
		t.Fatalf("expected repo_root %q, got %q", h.deps.RepoRoot, resp.RepoRoot)
	}
	if len(resp.ControlPlane.Routes) != 5 {
		t.Fatalf("expected 5 webhook routes, got %d", len(resp.ControlPlane.Routes))
	}
}

func TestConfigGetReturnsCurrentConfig(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, "/api/config", nil)
	cfg := decodeBody[config.Config](t, rec)
	if cfg.ControlPlane.Operator.WakeTurnMode != "passive" {
		t.Fatalf("expected default passive mode, got %q", cfg.ControlPlane.Operator.WakeTurnMode)
	}
}

func TestConfigPatchAppliesWakeTurnModeAndPersists(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/config", map[string]any{
		"control_plane": map[string]any{"operator": map[string]any{"wake_turn_mode": "active"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	reloaded, err := config.Load(h.deps.ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.ControlPlane.Operator.WakeTurnMode != "active" {
		t.Fatalf("expected persisted mode active, got %q", reloaded.ControlPlane.Operator.WakeTurnMode)
	}
}

func TestConfigPatchRejectsUnpatchableField(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/config", map[string]any{
		"control_plane": map[string]any{"operator": map[string]any{}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChannelsCapabilityListsAllFiveChannels(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, "/api/control-plane/channels", nil)
	caps := decodeBody[[]channelCapability](t, rec)
	if len(caps) != 5 {
		t.Fatalf("expected 5 channel capabilities, got %d", len(caps))
	}
	var slack channelCapability
	for _, c := range caps {
		if c.Channel == models.ChannelSlack {
			slack = c
		}
	}
	if slack.Verification.Kind != "shared_secret" || slack.Verification.SecretHeader != webhookSecretHeader {
		t.Fatalf("unexpected verification shape: %+v", slack.Verification)
	}
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", bytes.NewReader([]byte(`{"command_text":"hi"}`)))
	req.Header.Set(webhookSecretHeader, "wrong")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad secret, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookAcceptsAndSubmitsThroughPipeline(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", bytes.NewReader([]byte(`{"command_text":"hi","channel_conversation_id":"c1"}`)))
	req.Header.Set(webhookSecretHeader, "topsecret")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["outcome"] != "completed" {
		t.Fatalf("expected outcome completed from the pipeline stub, got %v", resp["outcome"])
	}
}

func TestWebhookUnknownChannelIs404(t *testing.T) {
	h := newTestHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier-pigeon", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHeartbeatCreateGetTriggerRemove(t *testing.T) {
	h := newTestHarness(t)
	createRec := h.do(t, http.MethodPost, "/api/heartbeats", map[string]any{"title": "t", "prompt": "p", "every_ms": 0})
	if createRec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", createRec.Code, createRec.Body.String())
	}
	created := decodeBody[models.HeartbeatProgram](t, createRec)
	if created.ProgramID == "" {
		t.Fatal("expected a program id")
	}

	getRec := h.do(t, http.MethodGet, "/api/heartbeats/"+created.ProgramID, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", getRec.Code)
	}

	triggerRec := h.do(t, http.MethodPost, "/api/heartbeats/"+created.ProgramID+"/trigger", map[string]any{"reason": "manual"})
	if triggerRec.Code != http.StatusAccepted {
		t.Fatalf("trigger: expected 202, got %d: %s", triggerRec.Code, triggerRec.Body.String())
	}

	removeRec := h.do(t, http.MethodPost, "/api/heartbeats/"+created.ProgramID+"/remove", nil)
	if removeRec.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", removeRec.Code)
	}

	missingRec := h.do(t, http.MethodGet, "/api/heartbeats/"+created.ProgramID, nil)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after removal, got %d", missingRec.Code)
	}
}

func TestCronCreateRejectsInvalidSchedule(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/cron", map[string]any{
		"title": "t", "prompt": "p",
		"schedule": map[string]any{"kind": "cron"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing expr, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCronCreateAndList(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/cron", map[string]any{
		"title": "t", "prompt": "p",
		"schedule": map[string]any{"kind": "every", "every_ms": 60000},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	listRec := h.do(t, http.MethodGet, "/api/cron", nil)
	programs := decodeBody[[]models.CronProgram](t, listRec)
	if len(programs) != 1 {
		t.Fatalf("expected 1 cron program, got %d", len(programs))
	}
}

func TestRunStartGetAndTrace(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/control-plane/runs/start", map[string]any{"root_id": "root-1", "job_id": "job-a"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	var run models.Run
	for time.Now().Before(deadline) {
		getRec := h.do(t, http.MethodGet, "/api/control-plane/runs/job-a", nil)
		run = decodeBody[models.Run](t, getRec)
		if run.IsTerminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !run.IsTerminal() {
		t.Fatalf("expected run to reach a terminal status, got %+v", run)
	}
	if run.Status != models.RunStatusSucceeded {
		t.Fatalf("expected succeeded (root already closed), got %q", run.Status)
	}

	traceRec := h.do(t, http.MethodGet, "/api/control-plane/runs/job-a/trace", nil)
	events := decodeBody[[]models.Event](t, traceRec)
	if len(events) == 0 {
		t.Fatal("expected a non-empty run trace")
	}
	if events[0].Type != "dag.run.start" {
		t.Fatalf("expected first trace event to be dag.run.start, got %q", events[0].Type)
	}
}

func TestRunInterruptOnUnknownJobIsPreconditionFailed(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, "/api/control-plane/runs/interrupt", map[string]any{"job_id": "no-such-job"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEventsQueryAndTail(t *testing.T) {
	h := newTestHarness(t)
	_ = h.deps.Events.Emit("custom.test", "harness")
	_ = h.deps.Events.Emit("custom.test", "harness")

	rec := h.do(t, http.MethodGet, "/api/events?type=custom.test", nil)
	events := decodeBody[[]models.Event](t, rec)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	tailRec := h.do(t, http.MethodGet, "/api/events/tail?limit=1", nil)
	tail := decodeBody[[]models.Event](t, tailRec)
	if len(tail) != 1 {
		t.Fatalf("expected 1 tailed event, got %d", len(tail))
	}
}

func TestReloadAndRollback(t *testing.T) {
	h := newTestHarness(t)
	reloadRec := h.do(t, http.MethodPost, "/api/control-plane/reload", nil)
	if reloadRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", reloadRec.Code, reloadRec.Body.String())
	}
	first := decodeBody[controlplane.Generation](t, reloadRec)
	if !first.Active {
		t.Fatal("expected the reloaded generation to be active")
	}

	// A config edit between reloads gives rollback something to undo.
	h.deps.Config.ControlPlane.Operator.WakeTurnMode = "active"
	if err := config.Save(h.deps.ConfigPath, h.deps.Config); err != nil {
		t.Fatal(err)
	}
	secondRec := h.do(t, http.MethodPost, "/api/control-plane/reload", nil)
	if secondRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", secondRec.Code, secondRec.Body.String())
	}

	rollbackRec := h.do(t, http.MethodPost, "/api/control-plane/rollback", nil)
	if rollbackRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rollbackRec.Code, rollbackRec.Body.String())
	}
	rolledBack := decodeBody[controlplane.Generation](t, rollbackRec)
	if rolledBack.Outcome != controlplane.OutcomeRolledBack {
		t.Fatalf("expected rolled_back outcome, got %q", rolledBack.Outcome)
	}
}
