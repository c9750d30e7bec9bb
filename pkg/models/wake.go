package models

// WakeSource identifies which registry produced a wake event.
type WakeSource string

const (
	WakeSourceHeartbeatProgram WakeSource = "heartbeat_program"
	WakeSourceCronProgram      WakeSource = "cron_program"
)

// WakeEvent is the transient tick payload handed from a registry to the wake
// orchestrator (C5). It is identified only for dedup purposes; it is never
// itself persisted.
type WakeEvent struct {
	WakeID        string         `json:"wake_id"`
	DedupeKey     string         `json:"dedupe_key"`
	Source        WakeSource     `json:"source"`
	ProgramID     string         `json:"program_id"`
	Title         string         `json:"title"`
	Prompt        string         `json:"prompt,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TriggeredAtMs int64          `json:"triggered_at_ms"`
}

// WakeTurnMode controls whether a wake dispatches an autonomous turn or only
// notifies linked identities.
type WakeTurnMode string

const (
	WakeTurnModePassive WakeTurnMode = "passive"
	WakeTurnModeActive  WakeTurnMode = "active"
)

// WakeOutcome is the result recorded for a wake decision.
type WakeOutcome string

const (
	WakeOutcomeTriggered WakeOutcome = "triggered"
	WakeOutcomeCoalesced WakeOutcome = "coalesced"
	WakeOutcomeFallback  WakeOutcome = "fallback"
	WakeOutcomeSkipped   WakeOutcome = "skipped"
)

// WakeDecision is the record the orchestrator emits for every wake it
// processes, and the summary handed back to the originating registry.
type WakeDecision struct {
	WakeID         string       `json:"wake_id"`
	DedupeKey      string       `json:"dedupe_key"`
	Mode           WakeTurnMode `json:"mode"`
	Outcome        WakeOutcome  `json:"outcome"`
	Reason         string       `json:"reason,omitempty"`
	TurnRequestID  string       `json:"turn_request_id,omitempty"`
	TurnResultKind string       `json:"turn_result_kind,omitempty"`
}
