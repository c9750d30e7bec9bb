package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*Logger, func() string) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	logger := NewLogger(LogConfig{Output: w, Level: "debug"})
	return logger, func() string {
		w.Close()
		var buf bytes.Buffer
		buf.ReadFrom(r)
		return buf.String()
	}
}

func TestInfoEmitsJSONLine(t *testing.T) {
	logger, read := newTestLogger(t)
	logger.Info(context.Background(), "run started", "run_id", "run-1")
	line := read()

	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", line, err)
	}
	if decoded["msg"] != "run started" || decoded["run_id"] != "run-1" {
		t.Fatalf("unexpected log record: %+v", decoded)
	}
}

func TestContextCorrelationFieldsAreAttached(t *testing.T) {
	logger, read := newTestLogger(t)
	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithIssueID(ctx, "iss-1")
	logger.Info(ctx, "claimed leaf")

	line := read()
	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["run_id"] != "run-1" || decoded["issue_id"] != "iss-1" {
		t.Fatalf("expected correlation fields in record, got %+v", decoded)
	}
}

func TestRedactsBearerTokenInMessage(t *testing.T) {
	logger, read := newTestLogger(t)
	logger.Info(context.Background(), "dispatch failed: Bearer sk-ant-REDACTED")
	line := read()
	if strings.Contains(line, "sk-ant-REDACTED") {
		t.Fatalf("expected token to be redacted, got %s", line)
	}
	if !strings.Contains(line, "[REDACTED]") {
		t.Fatalf("expected redaction marker in %s", line)
	}
}

func TestRedactsSensitiveMapKeys(t *testing.T) {
	logger, read := newTestLogger(t)
	logger.Info(context.Background(), "loaded config", "config", map[string]any{
		"api_key": "should-not-appear",
		"channel": "slack",
	})
	line := read()
	if strings.Contains(line, "should-not-appear") {
		t.Fatalf("expected api_key value to be redacted, got %s", line)
	}
}

func TestWithFieldsAttachesToEveryRecord(t *testing.T) {
	logger, read := newTestLogger(t)
	scoped := logger.WithFields("component", "dag")
	scoped.Info(context.Background(), "step started")
	line := read()
	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["component"] != "dag" {
		t.Fatalf("expected component field, got %+v", decoded)
	}
}

func TestLogLevelFromStringDefaultsToInfo(t *testing.T) {
	if LogLevelFromString("bogus") != LogLevelFromString("info") {
		t.Fatal("expected unknown level strings to default to info")
	}
}
