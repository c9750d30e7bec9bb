// Package eventlog is the append-only structured telemetry sink (C9): the
// single audit of wake, delivery, and DAG step decisions. It is never read
// back for control flow.
package eventlog

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/nexus-mu/internal/clock"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// Log appends structured events to <store>/.mu/events.jsonl.
type Log struct {
	clock clock.Clock
	file  *store.AppendLog
}

// Open opens (creating if necessary) the event log at path.
func Open(path string, clk clock.Clock) (*Log, error) {
	f, err := store.OpenAppendLog(path)
	if err != nil {
		return nil, err
	}
	return &Log{clock: clk, file: f}, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

// Emit appends one record: {v:1, ts_ms, type, source, issue_id?, run_id?,
// payload}. Failures to write are swallowed by design further up the
// stack (telemetry never blocks control flow) but are returned here so
// callers that care (e.g. the CLI's own diagnostics) can surface them.
func (l *Log) Emit(eventType, source string, opts ...Option) error {
	evt := models.Event{
		V:      1,
		TsMs:   l.clock.NowMs(),
		Type:   eventType,
		Source: source,
	}
	for _, opt := range opts {
		opt(&evt)
	}
	return l.file.Append(evt)
}

// Option customizes an emitted event.
type Option func(*models.Event)

// WithIssueID attaches the issue the event concerns.
func WithIssueID(id string) Option {
	return func(e *models.Event) { e.IssueID = id }
}

// WithRunID attaches the run the event concerns.
func WithRunID(id string) Option {
	return func(e *models.Event) { e.RunID = id }
}

// WithPayload attaches an event-type-specific payload.
func WithPayload(payload map[string]any) Option {
	return func(e *models.Event) { e.Payload = payload }
}

// Filter narrows a Query/Tail to the events an operator is looking for:
// type, issue, run, and a payload substring — the same four dimensions
// GET /api/events exposes as query parameters.
type Filter struct {
	Type     string
	IssueID  string
	RunID    string
	Contains string
	Limit    int
}

func (f Filter) matches(evt models.Event) bool {
	if f.Type != "" && evt.Type != f.Type {
		return false
	}
	if f.IssueID != "" && evt.IssueID != f.IssueID {
		return false
	}
	if f.RunID != "" && evt.RunID != f.RunID {
		return false
	}
	if f.Contains != "" {
		b, err := json.Marshal(evt)
		if err != nil || !strings.Contains(string(b), f.Contains) {
			return false
		}
	}
	return true
}

// Query reads every persisted event matching filter, oldest first. This
// reopens the file read-only on every call rather than caching in memory;
// the event log is append-only and can grow large, but operator queries
// are infrequent compared to the write path they must never block.
func (l *Log) Query(filter Filter) ([]models.Event, error) {
	var matched []models.Event
	err := store.ReadAllJSONL(l.file.Path(), func(evt models.Event) error {
		if filter.matches(evt) {
			matched = append(matched, evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[len(matched)-filter.Limit:]
	}
	return matched, nil
}

// Tail returns the last n events matching filter, oldest first. It is
// Query with an implicit limit, named separately to match the
// GET /api/events/tail endpoint, kept distinct from the general filtered
// query.
func (l *Log) Tail(filter Filter, n int) ([]models.Event, error) {
	filter.Limit = n
	return l.Query(filter)
}
