package httpapi

import (
	"net/http"

	"github.com/haasonsaas/nexus-mu/internal/cronprogram"
	"github.com/haasonsaas/nexus-mu/internal/heartbeat"
	"github.com/haasonsaas/nexus-mu/internal/outbox"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// channelOrder is the fixed, documented set of webhook-capable channels §6
// names; it drives both /api/status's route listing and
// /api/control-plane/channels's capability listing, so a channel with no
// driver registered yet still reports (configured=false).
var channelOrder = []models.ChannelType{
	models.ChannelSlack,
	models.ChannelDiscord,
	models.ChannelTelegram,
	models.ChannelNeovim,
	models.ChannelVSCode,
}

func webhookRoutes() []string {
	routes := make([]string, 0, len(channelOrder))
	for _, ch := range channelOrder {
		routes = append(routes, "/webhooks/"+string(ch))
	}
	return routes
}

type generationView struct {
	ID        string `json:"id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at_ms,omitempty"`
}

type observabilityView struct {
	Counters map[string]int64 `json:"counters"`
}

type controlPlaneView struct {
	Active        bool              `json:"active"`
	Adapters      []string          `json:"adapters"`
	Routes        []string          `json:"routes"`
	Generation    generationView    `json:"generation"`
	Observability observabilityView `json:"observability"`
}

type statusResponse struct {
	RepoRoot     string           `json:"repo_root"`
	ControlPlane controlPlaneView `json:"control_plane"`
}

// handleStatus reports the composite shape §6 names: repo_root plus a
// control_plane block summarizing which adapters are wired, which webhook
// routes are live, the active config generation, and a small observability
// counter snapshot derived from the run/heartbeat/cron/outbox registries
// rather than a separate metrics subsystem.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	resp.RepoRoot = s.deps.RepoRoot

	var adapters []string
	if s.deps.Channels != nil {
		for _, d := range s.deps.Channels.All() {
			adapters = append(adapters, string(d.Type()))
		}
	}
	resp.ControlPlane.Adapters = adapters
	resp.ControlPlane.Routes = webhookRoutes()
	resp.ControlPlane.Active = len(adapters) > 0

	if s.deps.ControlPlane != nil {
		if gen, ok := s.deps.ControlPlane.Current(); ok {
			resp.ControlPlane.Generation = generationView{
				ID: gen.ID, Outcome: string(gen.Outcome), From: gen.From, To: gen.To,
				Active: gen.Active, CreatedAt: gen.CreatedAtMs,
			}
		}
	}

	counters := map[string]int64{}
	if s.deps.Runs != nil {
		counters["runs_total"] = int64(len(s.deps.Runs.List()))
	}
	if s.deps.Heartbeats != nil {
		counters["heartbeat_programs_total"] = int64(len(s.deps.Heartbeats.List(heartbeat.ListFilter{})))
	}
	if s.deps.Cron != nil {
		counters["cron_programs_total"] = int64(len(s.deps.Cron.List(cronprogram.ListFilter{})))
	}
	if s.deps.Outbox != nil {
		counters["outbox_envelopes_total"] = int64(len(s.deps.Outbox.List(outbox.ListFilter{})))
	}
	resp.ControlPlane.Observability = observabilityView{Counters: counters}

	writeJSON(w, http.StatusOK, resp)
}
