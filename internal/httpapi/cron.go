package httpapi

import (
	"net/http"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/cronprogram"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	filter := cronprogram.ListFilter{}
	if v := r.URL.Query().Get("enabled"); v != "" {
		b := v == "true"
		filter.Enabled = &b
	}
	writeJSON(w, http.StatusOK, s.deps.Cron.List(filter))
}

func (s *Server) handleCronGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := s.deps.Cron.Get(id)
	if !ok {
		writeError(w, apperr.NotFound("cron_not_found", "no cron program %q", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type cronCreateRequest struct {
	Title    string              `json:"title"`
	Prompt   string              `json:"prompt"`
	Schedule models.CronSchedule `json:"schedule"`
	Reason   string              `json:"reason"`
	Enabled  *bool               `json:"enabled"`
	Metadata map[string]any      `json:"metadata"`
}

func (s *Server) handleCronCreate(w http.ResponseWriter, r *http.Request) {
	var req cronCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" || req.Prompt == "" {
		writeError(w, apperr.Validation("missing_fields", "title and prompt are required"))
		return
	}
	if err := validateSchedule(req.Schedule); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Cron.Create(cronprogram.CreateParams{
		Title: req.Title, Prompt: req.Prompt, Schedule: req.Schedule,
		Reason: req.Reason, Enabled: req.Enabled, Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type cronUpdateRequest struct {
	Title    *string              `json:"title"`
	Prompt   *string              `json:"prompt"`
	Schedule *models.CronSchedule `json:"schedule"`
	Reason   *string              `json:"reason"`
	Enabled  *bool                `json:"enabled"`
	Metadata map[string]any       `json:"metadata"`
}

func (s *Server) handleCronUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req cronUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Schedule != nil {
		if err := validateSchedule(*req.Schedule); err != nil {
			writeError(w, err)
			return
		}
	}
	p, found, err := s.deps.Cron.Update(id, cronprogram.UpdateParams{
		Title: req.Title, Prompt: req.Prompt, Schedule: req.Schedule, Reason: req.Reason,
		Enabled: req.Enabled, Metadata: req.Metadata, HasMetadata: req.Metadata != nil,
	})
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	if !found {
		writeError(w, apperr.NotFound("cron_not_found", "no cron program %q", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCronTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req)

	switch s.deps.Cron.Trigger(id, req.Reason) {
	case cronprogram.TriggerNotFound:
		writeError(w, apperr.NotFound("cron_not_found", "no cron program %q", id))
	case cronprogram.TriggerDisabled:
		writeError(w, apperr.PreconditionFailed("cron_disabled", "cron program %q is disabled", id))
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
	}
}

func (s *Server) handleCronRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Cron.Get(id); !ok {
		writeError(w, apperr.NotFound("cron_not_found", "no cron program %q", id))
		return
	}
	if err := s.deps.Cron.Remove(id); err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func validateSchedule(sched models.CronSchedule) error {
	switch sched.Kind {
	case models.ScheduleKindAt:
		if sched.AtMs <= 0 {
			return apperr.Validation("invalid_schedule", "schedule.kind=at requires at_ms")
		}
	case models.ScheduleKindEvery:
		if sched.EveryMs <= 0 {
			return apperr.Validation("invalid_schedule", "schedule.kind=every requires every_ms > 0")
		}
	case models.ScheduleKindCron:
		if sched.Expr == "" {
			return apperr.Validation("invalid_schedule", "schedule.kind=cron requires expr")
		}
	default:
		return apperr.Validation("invalid_schedule", "schedule.kind must be one of at, every, cron")
	}
	return nil
}
