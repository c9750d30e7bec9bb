package httpapi

import (
	"context"
	"crypto/hmac"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/pipeline"
)

func generateIngressID() string {
	return "ingress-" + uuid.NewString()
}

// ingressEnvelope is the normalized shape every channel adapter posts,
// whatever Slack/Discord/Telegram/Neovim/VSCode wire quirks it decoded its
// own payload from; per internal/channels' package doc, that decoding is
// out of scope here, the core only ever sends outbound. This is the one
// inbound shape the core accepts.
type ingressEnvelope struct {
	ChannelTenantID       string         `json:"channel_tenant_id"`
	ChannelConversationID string         `json:"channel_conversation_id"`
	ChannelActorID        string         `json:"channel_actor_id"`
	CommandText           string         `json:"command_text"`
	RequestID             string         `json:"request_id"`
	Metadata              map[string]any `json:"metadata"`
}

type adapterAuditRecord struct {
	TsMs                  int64          `json:"ts_ms"`
	Channel               string         `json:"channel"`
	ChannelTenantID       string         `json:"channel_tenant_id,omitempty"`
	ChannelConversationID string         `json:"channel_conversation_id,omitempty"`
	ChannelActorID        string         `json:"channel_actor_id,omitempty"`
	RequestID             string         `json:"request_id"`
	Outcome               string         `json:"outcome"`
	Reason                string         `json:"reason,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// handleWebhook implements POST /webhooks/{channel}: verify the
// shared-secret header, decode the normalized ingress envelope, and submit
// it through the command pipeline seam (C6), which turns inbound channel
// traffic into issue graph mutations, forum posts, and C8 run triggers.
// The wake orchestrator (C5) is never invoked from here: C5 is
// exclusively driven by C1's heartbeat/cron ticks, not by inbound channel
// traffic.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if !isKnownChannel(channel) {
		writeError(w, apperr.NotFound("unknown_channel", "no such webhook channel %q", channel))
		return
	}

	secret, ok := s.deps.WebhookSecrets[channel]
	if !ok || secret == "" {
		writeError(w, apperr.PreconditionFailed("channel_not_configured", "channel %q has no shared secret configured", channel))
		return
	}
	if !hmac.Equal([]byte(r.Header.Get(webhookSecretHeader)), []byte(secret)) {
		writeError(w, apperr.Validation("invalid_webhook_secret", "shared secret header did not match"))
		return
	}

	var env ingressEnvelope
	if err := decodeJSON(r, &env); err != nil {
		writeError(w, err)
		return
	}
	if env.RequestID == "" {
		env.RequestID = generateIngressID()
	}

	outcome := "rejected"
	reason := "pipeline_unavailable"
	if s.deps.Pipeline != nil {
		commandText := env.CommandText
		if commandText == "" {
			commandText = fmt.Sprintf("channel ingress from %s/%s: (empty command text)", channel, env.ChannelConversationID)
		}
		result, err := s.deps.Pipeline.SubmitTerminalCommand(r.Context(), pipeline.Request{
			CommandText: commandText,
			RepoRoot:    s.deps.RepoRoot,
			RequestID:   env.RequestID,
			Correlation: fmt.Sprintf("%s:%s:%s", channel, env.ChannelTenantID, env.ChannelConversationID),
		})
		if err != nil {
			outcome = "rejected"
			reason = err.Error()
		} else {
			outcome = string(result.Kind)
			reason = result.Message
		}
	}

	s.auditIngress(r.Context(), channel, env, outcome, reason)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":   true,
		"request_id": env.RequestID,
		"outcome":    outcome,
	})
}

func isKnownChannel(channel string) bool {
	for _, ch := range channelOrder {
		if string(ch) == channel {
			return true
		}
	}
	return false
}

func (s *Server) auditIngress(ctx context.Context, channel string, env ingressEnvelope, outcome, reason string) {
	if s.deps.AdapterAudit == nil {
		return
	}
	_ = s.deps.AdapterAudit.Append(adapterAuditRecord{
		TsMs:                  time.Now().UnixMilli(),
		Channel:               channel,
		ChannelTenantID:       env.ChannelTenantID,
		ChannelConversationID: env.ChannelConversationID,
		ChannelActorID:        env.ChannelActorID,
		RequestID:             env.RequestID,
		Outcome:               outcome,
		Reason:                reason,
		Metadata:              env.Metadata,
	})
	if s.deps.Logger != nil {
		s.deps.Logger.Debug(ctx, "channel ingress audited", "channel", channel, "outcome", outcome, "request_id", env.RequestID)
	}
}
