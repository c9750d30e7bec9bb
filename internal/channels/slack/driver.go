package slack

import (
	"context"
	"errors"
	"time"

	gopkgslack "github.com/slack-go/slack"

	"github.com/haasonsaas/nexus-mu/internal/channels"
	"github.com/haasonsaas/nexus-mu/internal/outbox"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// Driver delivers outbox envelopes to Slack via PostMessageContext.
type Driver struct {
	client  APIClient
	metrics *channels.Metrics
}

// NewDriver constructs a Slack delivery driver over client.
func NewDriver(client APIClient) *Driver {
	return &Driver{client: client, metrics: channels.NewMetrics(models.ChannelSlack)}
}

// Type implements channels.Driver.
func (d *Driver) Type() models.ChannelType { return models.ChannelSlack }

// Deliver implements outbox.Driver: one PostMessageContext call per envelope.
func (d *Driver) Deliver(ctx context.Context, env models.OutboxEnvelope) outbox.DeliveryResult {
	start := time.Now()
	_, ts, err := d.client.PostMessageContext(ctx, env.ChannelConversationID, gopkgslack.MsgOptionText(env.Body, false))
	d.metrics.RecordSendLatency(time.Since(start))
	if err != nil {
		d.metrics.RecordMessageFailed()
		return channelErrorToResult(err)
	}
	d.metrics.RecordMessageSent()
	return outbox.DeliveryResult{Outcome: outbox.DeliveryDelivered, DeliveryID: ts}
}

// permanentSlackErrors are the Slack API error codes that a retry cannot
// clear (bad auth, the conversation no longer exists, the bot was removed).
var permanentSlackErrors = map[string]bool{
	"invalid_auth":    true,
	"account_inactive": true,
	"channel_not_found": true,
	"not_in_channel":  true,
	"is_archived":     true,
}

func channelErrorToResult(err error) outbox.DeliveryResult {
	var rateLimited *gopkgslack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedTransient, Reason: err.Error()}
	}
	var slackErr gopkgslack.SlackErrorResponse
	if errors.As(err, &slackErr) && permanentSlackErrors[slackErr.Err] {
		return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedPermanent, Reason: err.Error()}
	}
	return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedTransient, Reason: err.Error()}
}
