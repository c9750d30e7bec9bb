// Package channels holds the outbound-only delivery drivers the outbox
// (C7) dispatches envelopes through, plus shared metrics and error
// classification used across them. Inbound wire decoding (receiving chat
// events, gateway event subscriptions, webhook polling) is out of scope:
// the core only ever sends.
package channels

import (
	"github.com/haasonsaas/nexus-mu/internal/outbox"
	"github.com/haasonsaas/nexus-mu/pkg/models"
)

// Driver is the per-channel send contract the outbox invokes.
type Driver interface {
	outbox.Driver
	Type() models.ChannelType
}

// Registry holds one Driver per channel type and registers them with an
// outbox.Outbox in one call, so cmd/ wiring doesn't need to know the
// channel list.
type Registry struct {
	drivers map[models.ChannelType]Driver
}

// NewRegistry constructs an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[models.ChannelType]Driver)}
}

// Register installs a driver.
func (r *Registry) Register(d Driver) {
	r.drivers[d.Type()] = d
}

// Get returns the driver for a channel, if any.
func (r *Registry) Get(channel models.ChannelType) (Driver, bool) {
	d, ok := r.drivers[channel]
	return d, ok
}

// All returns every registered driver.
func (r *Registry) All() []Driver {
	out := make([]Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d)
	}
	return out
}

// WireInto registers every driver in the registry with an outbox so it can
// deliver envelopes for that channel.
func (r *Registry) WireInto(ob *outbox.Outbox) {
	for channel, d := range r.drivers {
		ob.RegisterDriver(channel, d)
	}
}

// outcomeFromError maps a driver-observed error to a DeliveryResult,
// consulting IsRetryable for the transient/permanent split.
func outcomeFromError(err error) outbox.DeliveryResult {
	if IsRetryable(err) {
		return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedTransient, Reason: err.Error()}
	}
	return outbox.DeliveryResult{Outcome: outbox.DeliveryFailedPermanent, Reason: err.Error()}
}
