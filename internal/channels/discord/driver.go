// Package discord implements the Discord outbound delivery driver.
package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/nexus-mu/internal/channels"
	"github.com/haasonsaas/nexus-mu/internal/outbox"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// Sender is the subset of discordgo.Session the driver needs to send a
// message. Narrowed from the full session surface (gateway events, voice,
// presence) since C7 only ever sends.
type Sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// MockSender is a test double for Sender.
type MockSender struct {
	ChannelMessageSendComplexFunc func(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

func (m *MockSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.ChannelMessageSendComplexFunc != nil {
		return m.ChannelMessageSendComplexFunc(channelID, data, options...)
	}
	return &discordgo.Message{ID: "123456789"}, nil
}

// Driver delivers outbox envelopes to Discord.
type Driver struct {
	session Sender
	metrics *channels.Metrics
}

// NewDriver constructs a Discord delivery driver over session.
func NewDriver(session Sender) *Driver {
	return &Driver{session: session, metrics: channels.NewMetrics(models.ChannelDiscord)}
}

// Type implements channels.Driver.
func (d *Driver) Type() models.ChannelType { return models.ChannelDiscord }

// Deliver implements outbox.Driver: one ChannelMessageSendComplex call per
// envelope.
func (d *Driver) Deliver(ctx context.Context, env models.OutboxEnvelope) outbox.DeliveryResult {
	start := time.Now()
	_ = ctx // discordgo's session API does not take a context directly; the
	// outbox's own per-attempt timeout (internal/outbox.Outbox.DeliverOne)
	// bounds how long a hung call can block.
	msg, err := d.session.ChannelMessageSendComplex(env.ChannelConversationID, &discordgo.MessageSend{
		Content: env.Body,
	})
	d.metrics.RecordSendLatency(time.Since(start))
	if err != nil {
		d.metrics.RecordMessageFailed()
		return classifyError(err)
	}
	d.metrics.RecordMessageSent()
	return outbox.DeliveryResult{Outcome: outbox.DeliveryDelivered, DeliveryID: msg.ID}
}

func classifyError(err error) outbox.DeliveryResult {
	var restErr *discordgo.RESTError
	if ok := asRESTError(err, &restErr); ok && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case 401, 403, 404:
			return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedPermanent, Reason: err.Error()}
		}
	}
	return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedTransient, Reason: err.Error()}
}

func asRESTError(err error, target **discordgo.RESTError) bool {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok {
		return false
	}
	*target = restErr
	return true
}
