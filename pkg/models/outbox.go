package models

// OutboxKind distinguishes the purpose of an outbox envelope.
type OutboxKind string

const (
	OutboxKindWake  OutboxKind = "wake"
	OutboxKindReply OutboxKind = "reply"
	OutboxKindAck   OutboxKind = "ack"
)

// OutboxState is the per-envelope delivery state machine. delivered and dead
// are the only terminal states.
type OutboxState string

const (
	OutboxStatePending    OutboxState = "pending"
	OutboxStateDelivering OutboxState = "delivering"
	OutboxStateDelivered  OutboxState = "delivered"
	OutboxStateFailed     OutboxState = "failed"
	OutboxStateDead       OutboxState = "dead"
)

// DefaultMaxAttempts is applied to envelopes that do not specify their own.
const DefaultMaxAttempts = 6

// OutboxEnvelope is a per-binding message record owned exclusively by the
// outbox (C7).
type OutboxEnvelope struct {
	OutboxID              string         `json:"outbox_id"`
	Channel               ChannelType    `json:"channel"`
	ChannelTenantID       string         `json:"channel_tenant_id,omitempty"`
	ChannelConversationID string         `json:"channel_conversation_id,omitempty"`
	BindingID             string         `json:"binding_id"`
	Kind                  OutboxKind     `json:"kind"`
	Body                  string         `json:"body"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	DedupeKey             string         `json:"dedupe_key"`
	State                 OutboxState    `json:"state"`
	AttemptCount          int            `json:"attempt_count"`
	MaxAttempts           int            `json:"max_attempts"`
	NextAttemptAtMs       int64          `json:"next_attempt_at_ms"`
	CreatedAtMs           int64          `json:"created_at_ms"`
	UpdatedAtMs           int64          `json:"updated_at_ms"`
	LastError             string         `json:"last_error,omitempty"`
}

// Clone returns a deep copy so callers can read a snapshot without holding
// the outbox's lock.
func (e *OutboxEnvelope) Clone() *OutboxEnvelope {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Metadata = cloneMetadata(e.Metadata)
	return &clone
}

// IsTerminal reports whether the envelope has reached delivered or dead.
func (e *OutboxEnvelope) IsTerminal() bool {
	return e != nil && (e.State == OutboxStateDelivered || e.State == OutboxStateDead)
}

// IsBlocking reports whether an in-flight envelope with this state should
// block a re-enqueue under the same dedupe key.
func (e *OutboxEnvelope) IsBlocking() bool {
	if e == nil {
		return false
	}
	switch e.State {
	case OutboxStatePending, OutboxStateDelivering, OutboxStateDelivered:
		return true
	default:
		return false
	}
}
