package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/config"
	"github.com/haasonsaas/nexus-mu/internal/controlplane"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// handleReload re-reads the config file from disk and records a new
// applied generation keyed by its content hash, versioning a reload by
// re-parsing rather than mutating the in-memory struct in place.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	gen, err := s.Reload()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

// Reload re-reads and re-validates the config file, swaps it into Deps.Config,
// and records a new control-plane generation. It is the single reload path
// shared by the HTTP handler above and a config.Watcher's on-write callback,
// so an operator's hand-edited file on disk and a POST /api/control-plane/reload
// call always go through the same validation and generation bookkeeping.
func (s *Server) Reload() (controlplane.Generation, error) {
	if s.deps.ConfigPath == "" {
		return controlplane.Generation{}, apperr.PreconditionFailed("no_config_path", "no config file to reload")
	}
	cfg, err := config.Load(s.deps.ConfigPath)
	if err != nil {
		return controlplane.Generation{}, apperr.Validation("config_reload_failed", "%v", err)
	}
	*s.deps.Config = *cfg
	if s.deps.Wake != nil {
		s.deps.Wake.SetWakeTurnMode(models.WakeTurnMode(cfg.ControlPlane.Operator.WakeTurnMode))
	}
	return s.deps.ControlPlane.Reload(configFingerprint(cfg)), nil
}

// configFingerprint hashes the decoded config so the generation history
// records a stable "to" identifier even though Config has no version
// field of its own beyond the $version schema guard.
func configFingerprint(cfg *config.Config) string {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "unknown"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	gen, err := s.deps.ControlPlane.Rollback()
	if err != nil {
		writeError(w, apperr.PreconditionFailed("no_prior_generation", "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, gen)
}
