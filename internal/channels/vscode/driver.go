// Package vscode implements the VSCode outbound delivery driver: a push
// over a persistent local websocket connection, the editor channel's
// analog of a REST send API.
package vscode

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

type push struct {
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	DedupeKey string `json:"dedupe_key"`
}

// Driver delivers outbox envelopes to a connected VSCode extension instance
// over a per-conversation websocket connection.
type Driver struct {
	mu      sync.Mutex
	conns   map[string]Pusher
	metrics *channels.Metrics
}

// NewDriver constructs a VSCode delivery driver with no connections yet.
func NewDriver() *Driver {
	return &Driver{conns: make(map[string]Pusher), metrics: channels.NewMetrics(models.ChannelVSCode)}
}

// Attach registers the live socket connection for a conversation id.
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
func (d *Driver) Type() models.ChannelType { return models.ChannelVSCode }

// Deliver implements outbox.Driver: one WriteJSON push per envelope, over
// the conversation's currently attached socket.
func (d *Driver) Deliver(ctx context.Context, env models.OutboxEnvelope) outbox.DeliveryResult {
	d.mu.Lock()
	conn, ok := d.conns[env.ChannelConversationID]
	d.mu.Unlock()
	if !ok {
		return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedTransient, Reason: "no connected vscode instance for conversation"}
	}

	start := time.Now()
	err := conn.WriteJSON(push{Kind: string(env.Kind), Body: env.Body, DedupeKey: env.DedupeKey})
	d.metrics.RecordSendLatency(time.Since(start))
	if err != nil {
		d.metrics.RecordMessageFailed()
		if websocket.IsUnexpectedCloseError(err) || websocket.IsCloseError(err) {
			d.Detach(env.ChannelConversationID)
		}
		return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedTransient, Reason: err.Error()}
	}
	d.metrics.RecordMessageSent()
	return outbox.DeliveryResult{Outcome: outbox.DeliveryDelivered, DeliveryID: fmt.Sprintf("vsc-%d", time.Now().UnixNano())}
}
