// Package models holds the wire-level data model shared across the wake,
// outbox, and DAG subsystems: programs, wake events, outbox envelopes,
// identity bindings, runs, and issues.
package models

// ChannelType identifies a messaging or editor surface that can receive
// outbox envelopes or submit ingress commands.
type ChannelType string

const (
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelTelegram ChannelType = "telegram"
	ChannelNeovim   ChannelType = "neovim"
	ChannelVSCode   ChannelType = "vscode"
)
