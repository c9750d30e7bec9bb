// Package neovim implements the Neovim outbound delivery driver: a push
// over a persistent local websocket connection, the editor channel's
// analog of a REST send API.
package neovim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus-mu/internal/channels"
	"github.com/haasonsaas/nexus-mu/internal/outbox"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// Pusher is the subset of a persistent socket connection the driver needs.
// Narrowed so tests can inject a fake without a real websocket.
type Pusher interface {
	WriteJSON(v any) error
}

// MockPusher is a test double for Pusher.
type MockPusher struct {
	WriteJSONFunc func(v any) error
}

func (m *MockPusher) WriteJSON(v any) error {
	if m.WriteJSONFunc != nil {
		return m.WriteJSONFunc(v)
	}
	return nil
}

// push is the envelope pushed over the socket.
type push struct {
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	DedupeKey string `json:"dedupe_key"`
}

// Driver delivers outbox envelopes to a connected Neovim instance over a
// per-conversation websocket connection.
type Driver struct {
	mu      sync.Mutex
	conns   map[string]Pusher
	metrics *channels.Metrics
}

// NewDriver constructs a Neovim delivery driver with no connections yet.
func NewDriver() *Driver {
	return &Driver{conns: make(map[string]Pusher), metrics: channels.NewMetrics(models.ChannelNeovim)}
}

// Attach registers the live socket connection for a conversation id (the
// editor instance that dialed in).
func (d *Driver) Attach(conversationID string, conn Pusher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[conversationID] = conn
}

// Detach removes a conversation's connection, e.g. on socket close.
func (d *Driver) Detach(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, conversationID)
}

// Type implements channels.Driver.
func (d *Driver) Type() models.ChannelType { return models.ChannelNeovim }

// Deliver implements outbox.Driver: one WriteJSON push per envelope, over
// the conversation's currently attached socket.
func (d *Driver) Deliver(ctx context.Context, env models.OutboxEnvelope) outbox.DeliveryResult {
	d.mu.Lock()
	conn, ok := d.conns[env.ChannelConversationID]
	d.mu.Unlock()
	if !ok {
		return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedTransient, Reason: "no connected neovim instance for conversation"}
	}

	start := time.Now()
	err := conn.WriteJSON(push{Kind: string(env.Kind), Body: env.Body, DedupeKey: env.DedupeKey})
	d.metrics.RecordSendLatency(time.Since(start))
	if err != nil {
		d.metrics.RecordMessageFailed()
		if isConnectionClosed(err) {
			d.Detach(env.ChannelConversationID)
		}
		return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedTransient, Reason: err.Error()}
	}
	d.metrics.RecordMessageSent()
	return outbox.DeliveryResult{Outcome: outbox.DeliveryDelivered, DeliveryID: fmt.Sprintf("nvim-%d", time.Now().UnixNano())}
}

func isConnectionClosed(err error) bool {
	return websocket.IsUnexpectedCloseError(err) || websocket.IsCloseError(err)
}
