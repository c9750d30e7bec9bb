package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram/bot"

	"github.com/haasonsaas/nexus-mu/internal/channels"
	"github.com/haasonsaas/nexus-mu/internal/outbox"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// Driver delivers outbox envelopes to Telegram via SendMessage.
type Driver struct {
	client  BotClient
	metrics *channels.Metrics
}

// NewDriver constructs a Telegram delivery driver over client.
func NewDriver(client BotClient) *Driver {
	return &Driver{client: client, metrics: channels.NewMetrics(models.ChannelTelegram)}
}

// Type implements channels.Driver.
func (d *Driver) Type() models.ChannelType { return models.ChannelTelegram }

// Deliver implements outbox.Driver: one SendMessage call per envelope.
func (d *Driver) Deliver(ctx context.Context, env models.OutboxEnvelope) outbox.DeliveryResult {
	start := time.Now()
	msg, err := d.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: env.ChannelConversationID,
		Text:   env.Body,
	})
	d.metrics.RecordSendLatency(time.Since(start))
	if err != nil {
		d.metrics.RecordMessageFailed()
		return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedTransient, Reason: err.Error()}
	}
	d.metrics.RecordMessageSent()
	return outbox.DeliveryResult{Outcome: outbox.DeliveryDelivered, DeliveryID: fmt.Sprintf("%d", msg.ID)}
}
