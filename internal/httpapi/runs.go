package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/dag"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func generateJobID() string {
	return "job-" + uuid.NewString()
}

type runStartRequest struct {
	RootID   string         `json:"root_id"`
	JobID    string         `json:"job_id"`
	MaxSteps int            `json:"max_steps"`
	Model    map[string]any `json:"model"`
}

// handleRunStart launches a fresh DAG run. Run is a long-lived blocking
// call (it drives a whole multi-step loop), so it is dispatched on its own
// goroutine detached from the request's context — an HTTP client sees only
// the run's queued acknowledgement, and polls GET .../runs/{id} or tails
// /api/events for progress, matching the async run/poll shape the rest of
// §6's control-plane surface uses for anything C8-driven.
func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	s.startOrResume(w, r, models.RunModeStart)
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	s.startOrResume(w, r, models.RunModeResume)
}

func (s *Server) startOrResume(w http.ResponseWriter, r *http.Request, mode models.RunMode) {
	var req runStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RootID == "" {
		writeError(w, apperr.Validation("missing_root_id", "root_id is required"))
		return
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = generateJobID()
	}
	if mode == models.RunModeResume {
		if _, ok := s.deps.Runs.Get(jobID); !ok {
			writeError(w, apperr.NotFound("run_not_found", "no run %q to resume", jobID))
			return
		}
	}

	params := dag.Params{
		RootID:   req.RootID,
		JobID:    jobID,
		MaxSteps: req.MaxSteps,
		Mode:     mode,
		Source:   models.RunSourceAPI,
		Model:    req.Model,
	}

	go func() {
		// A fresh background context: the run must outlive this HTTP
		// request, and Interrupt (not request cancellation) is the only
		// supported way to stop it early.
		_, _ = s.deps.Runs.Run(context.Background(), params)
	}()

	run, _ := s.deps.Runs.Get(jobID)
	writeJSON(w, http.StatusAccepted, run)
}

// handleRunInterrupt cancels an in-flight run's context via
// dag.Runner.Interrupt, if one is running for the given job_id.
func (s *Server) handleRunInterrupt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.JobID == "" {
		writeError(w, apperr.Validation("missing_job_id", "job_id is required"))
		return
	}
	if !s.deps.Runs.Interrupt(req.JobID) {
		writeError(w, apperr.PreconditionFailed("run_not_in_flight", "no in-flight run for job_id %q", req.JobID))
		return
	}
	run, _ := s.deps.Runs.Get(req.JobID)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Runs.List())
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.deps.Runs.Get(id)
	if !ok {
		writeError(w, apperr.NotFound("run_not_found", "no run %q", id))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunTrace replays the full C9 trail for a run. The path's {id} is
// the stable job_id (§6's run identifier across resumes); C8 mints a fresh
// internal run_id on every Run call, so the trace first discovers every
// run_id a job_id has ever run under (from dag.run.start's job_id payload
// field), then merges each run_id's event.run_id-tagged trail, sorted by
// timestamp — this covers a job that has been resumed more than once.
func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Runs.Get(id); !ok {
		writeError(w, apperr.NotFound("run_not_found", "no run %q", id))
		return
	}

	starts, err := s.deps.Events.Query(eventlog.Filter{
		Type:     "dag.run.start",
		Contains: fmt.Sprintf("%q:%q", "job_id", id),
	})
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}

	seen := make(map[string]bool)
	var all []models.Event
	for _, evt := range starts {
		if evt.RunID == "" || seen[evt.RunID] {
			continue
		}
		seen[evt.RunID] = true
		trail, err := s.deps.Events.Query(eventlog.Filter{RunID: evt.RunID})
		if err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
		all = append(all, trail...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].TsMs < all[j].TsMs })

	writeJSON(w, http.StatusOK, all)
}
