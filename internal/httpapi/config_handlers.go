package httpapi

import (
	"net/http"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/config"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config)
}

// configPatchRequest is deliberately narrower than config.Config: §6 only
// ever allows patching control_plane.operator.wake_turn_mode through this
// endpoint, so every other field a caller might try to set is rejected
// rather than silently accepted.
type configPatchRequest struct {
	ControlPlane *struct {
		Operator *struct {
			WakeTurnMode *string `json:"wake_turn_mode"`
		} `json:"operator"`
	} `json:"control_plane"`
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	var patch configPatchRequest
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	if patch.ControlPlane == nil || patch.ControlPlane.Operator == nil || patch.ControlPlane.Operator.WakeTurnMode == nil {
		writeError(w, apperr.Validation("no_patchable_field", "only control_plane.operator.wake_turn_mode may be patched"))
		return
	}
	mode := *patch.ControlPlane.Operator.WakeTurnMode
	if mode != "passive" && mode != "active" {
		writeError(w, apperr.Validation("invalid_wake_turn_mode", "wake_turn_mode must be \"passive\" or \"active\", got %q", mode))
		return
	}

	s.deps.Config.ControlPlane.Operator.WakeTurnMode = mode
	if s.deps.ConfigPath != "" {
		if err := config.Save(s.deps.ConfigPath, s.deps.Config); err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
	}
	if s.deps.Wake != nil {
		s.deps.Wake.SetWakeTurnMode(models.WakeTurnMode(mode))
	}

	writeJSON(w, http.StatusOK, s.deps.Config)
}
