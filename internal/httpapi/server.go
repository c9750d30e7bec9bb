// Package httpapi implements the local HTTP surface: a single
// net/http.ServeMux wiring the control plane, wake orchestrator, heartbeat
// and cron registries, outbox, identity registry, and DAG runner together
// behind one JSON API.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/channels"
	"github.com/haasonsaas/nexus-mu/internal/config"
	"github.com/haasonsaas/nexus-mu/internal/controlplane"
	"github.com/haasonsaas/nexus-mu/internal/cronprogram"
	"github.com/haasonsaas/nexus-mu/internal/dag"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/internal/heartbeat"
	"github.com/haasonsaas/nexus-mu/internal/identity"
	"github.com/haasonsaas/nexus-mu/internal/observability"
	"github.com/haasonsaas/nexus-mu/internal/outbox"
	"github.com/haasonsaas/nexus-mu/internal/pipeline"
	"github.com/haasonsaas/nexus-mu/internal/store"
	"github.com/haasonsaas/nexus-mu/internal/wake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps bundles every component the HTTP surface fronts. All fields are
// required except Channels and WebhookSecrets, which may be nil/empty in a
// deployment with no inbound webhook adapters configured.
type Deps struct {
	RepoRoot       string
	ConfigPath     string
	Config         *config.Config
	ControlPlane   *controlplane.ControlPlane
	Wake           *wake.Orchestrator
	Pipeline       *pipeline.Pipeline
	Heartbeats     *heartbeat.Registry
	Cron           *cronprogram.Registry
	Outbox         *outbox.Outbox
	Identities     *identity.Registry
	Runs           *dag.Runner
	Events         *eventlog.Log
	Channels       *channels.Registry
	WebhookSecrets map[string]string // channel -> required X-Mu-Webhook-Secret value
	AdapterAudit   *store.AppendLog  // .mu/control-plane/adapter_audit.jsonl, optional
	Logger         *observability.Logger
	Metrics        *observability.Metrics // optional; also backs GET /metrics when MetricsGatherer is set
	MetricsGatherer prometheus.Gatherer   // optional; nil skips registering GET /metrics
	StartedAtMs    int64
	PID            int
	Port           int
}

// Server is the httpapi handler bundle.
type Server struct {
	deps    Deps
	handler http.Handler
}

// ServeHTTP satisfies http.Handler by delegating to the routed, middleware-
// wrapped mux New built.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// New builds the routed mux for the given dependencies. The returned
// *Server is an http.Handler; callers that also need to drive a reload
// (e.g. a config.Watcher's on-write callback) can call its Reload method
// directly instead of issuing a loopback HTTP request to themselves.
func New(deps Deps) *Server {
	s := &Server{deps: deps}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleConfigGet)
	mux.HandleFunc("POST /api/config", s.handleConfigPatch)
	mux.HandleFunc("GET /api/control-plane/channels", s.handleChannelsCapability)
	mux.HandleFunc("POST /webhooks/{channel}", s.handleWebhook)

	mux.HandleFunc("POST /api/control-plane/runs/start", s.handleRunStart)
	mux.HandleFunc("POST /api/control-plane/runs/resume", s.handleRunResume)
	mux.HandleFunc("POST /api/control-plane/runs/interrupt", s.handleRunInterrupt)
	mux.HandleFunc("GET /api/control-plane/runs", s.handleRunList)
	mux.HandleFunc("GET /api/control-plane/runs/{id}", s.handleRunGet)
	mux.HandleFunc("GET /api/control-plane/runs/{id}/trace", s.handleRunTrace)

	mux.HandleFunc("GET /api/heartbeats", s.handleHeartbeatList)
	mux.HandleFunc("POST /api/heartbeats", s.handleHeartbeatCreate)
	mux.HandleFunc("GET /api/heartbeats/{id}", s.handleHeartbeatGet)
	mux.HandleFunc("POST /api/heartbeats/{id}", s.handleHeartbeatUpdate)
	mux.HandleFunc("POST /api/heartbeats/{id}/trigger", s.handleHeartbeatTrigger)
	mux.HandleFunc("POST /api/heartbeats/{id}/remove", s.handleHeartbeatRemove)

	mux.HandleFunc("GET /api/cron", s.handleCronList)
	mux.HandleFunc("POST /api/cron", s.handleCronCreate)
	mux.HandleFunc("GET /api/cron/{id}", s.handleCronGet)
	mux.HandleFunc("POST /api/cron/{id}", s.handleCronUpdate)
	mux.HandleFunc("POST /api/cron/{id}/trigger", s.handleCronTrigger)
	mux.HandleFunc("POST /api/cron/{id}/remove", s.handleCronRemove)

	mux.HandleFunc("GET /api/events", s.handleEventsQuery)
	mux.HandleFunc("GET /api/events/tail", s.handleEventsTail)

	mux.HandleFunc("POST /api/control-plane/reload", s.handleReload)
	mux.HandleFunc("POST /api/control-plane/rollback", s.handleRollback)

	if deps.MetricsGatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	s.handler = s.loggingMiddleware(mux)
	return s
}

// statusRecorder captures the status code a handler wrote, for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware mirrors every request at debug level, the way spec
// §10 asks C9 decisions to be mirrored to stderr for a local operator
// tailing logs; this is the HTTP-layer analogue, logging the request
// itself rather than a domain event.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		if s.deps.Logger != nil {
			s.deps.Logger.Debug(r.Context(), "http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed_ms", elapsed.Milliseconds())
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), elapsed.Seconds())
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err through apperr's Kind→HTTP status mapping, or as
// a plain internal error if err isn't a *apperr.Error.
func writeError(w http.ResponseWriter, err error, suggestions ...string) {
	var appErr *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		appErr = e
	} else {
		appErr = apperr.Internal(err)
	}
	writeJSON(w, appErr.Kind.HTTPStatus(), apperr.AsRecovery(appErr, suggestions...))
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("malformed_json", "invalid request body: %v", err)
	}
	return nil
}
