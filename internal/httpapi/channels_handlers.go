package httpapi

import (
	"net/http"

	"github.com/haasonsaas/nexus-mu/pkg/models"
)

type verificationView struct {
	Kind         string `json:"kind"`
	SecretHeader string `json:"secret_header"`
}

type channelCapability struct {
	Channel      models.ChannelType `json:"channel"`
	Route        string             `json:"route"`
	Configured   bool               `json:"configured"`
	Active       bool               `json:"active"`
	Frontend     string             `json:"frontend"`
	Verification verificationView   `json:"verification"`
}

// webhookSecretHeader is the shared-secret header every webhook route
// checks before accepting an ingress envelope, per §6.
const webhookSecretHeader = "X-Mu-Webhook-Secret"

// handleChannelsCapability reports, per channel, whether a driver is
// registered (configured), whether the outbox currently has it wired as
// active, its webhook route, and the shared-secret verification scheme §6
// specifies for inbound ingress.
func (s *Server) handleChannelsCapability(w http.ResponseWriter, r *http.Request) {
	out := make([]channelCapability, 0, len(channelOrder))
	for _, ch := range channelOrder {
		configured := false
		if s.deps.Channels != nil {
			_, configured = s.deps.Channels.Get(ch)
		}
		_, hasSecret := s.deps.WebhookSecrets[string(ch)]
		out = append(out, channelCapability{
			Channel:    ch,
			Route:      "/webhooks/" + string(ch),
			Configured: configured,
			Active:     configured && hasSecret,
			Frontend:   string(ch),
			Verification: verificationView{
				Kind:         "shared_secret",
				SecretHeader: webhookSecretHeader,
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}
