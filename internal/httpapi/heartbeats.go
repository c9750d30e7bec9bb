package httpapi

import (
	"net/http"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/heartbeat"
)

func (s *Server) handleHeartbeatList(w http.ResponseWriter, r *http.Request) {
	filter := heartbeat.ListFilter{}
	if v := r.URL.Query().Get("enabled"); v != "" {
		b := v == "true"
		filter.Enabled = &b
	}
	writeJSON(w, http.StatusOK, s.deps.Heartbeats.List(filter))
}

func (s *Server) handleHeartbeatGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := s.deps.Heartbeats.Get(id)
	if !ok {
		writeError(w, apperr.NotFound("heartbeat_not_found", "no heartbeat program %q", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type heartbeatCreateRequest struct {
	Title    string         `json:"title"`
	Prompt   string         `json:"prompt"`
	EveryMs  int64          `json:"every_ms"`
	Reason   string         `json:"reason"`
	Enabled  *bool          `json:"enabled"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleHeartbeatCreate(w http.ResponseWriter, r *http.Request) {
	var req heartbeatCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" || req.Prompt == "" {
		writeError(w, apperr.Validation("missing_fields", "title and prompt are required"))
		return
	}
	p, err := s.deps.Heartbeats.Create(heartbeat.CreateParams{
		Title: req.Title, Prompt: req.Prompt, EveryMs: req.EveryMs,
		Reason: req.Reason, Enabled: req.Enabled, Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type heartbeatUpdateRequest struct {
	Title    *string        `json:"title"`
	Prompt   *string        `json:"prompt"`
	EveryMs  *int64         `json:"every_ms"`
	Reason   *string        `json:"reason"`
	Enabled  *bool          `json:"enabled"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleHeartbeatUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req heartbeatUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, found, err := s.deps.Heartbeats.Update(id, heartbeat.UpdateParams{
		Title: req.Title, Prompt: req.Prompt, EveryMs: req.EveryMs, Reason: req.Reason,
		Enabled: req.Enabled, Metadata: req.Metadata, HasMetadata: req.Metadata != nil,
	})
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	if !found {
		writeError(w, apperr.NotFound("heartbeat_not_found", "no heartbeat program %q", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHeartbeatTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req)

	switch s.deps.Heartbeats.Trigger(id, req.Reason) {
	case heartbeat.TriggerNotFound:
		writeError(w, apperr.NotFound("heartbeat_not_found", "no heartbeat program %q", id))
	case heartbeat.TriggerDisabled:
		writeError(w, apperr.PreconditionFailed("heartbeat_disabled", "heartbeat program %q is disabled", id))
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
	}
}

func (s *Server) handleHeartbeatRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Heartbeats.Get(id); !ok {
		writeError(w, apperr.NotFound("heartbeat_not_found", "no heartbeat program %q", id))
		return
	}
	if err := s.deps.Heartbeats.Remove(id); err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}
