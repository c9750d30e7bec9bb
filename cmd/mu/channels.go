package main

import (
	"os"

	"github.com/bwmarrin/discordgo"
	"github.com/go-telegram/bot"
	gopkgslack "github.com/slack-go/slack"

	"github.com/haasonsaas/nexus-mu/internal/channels"
	"github.com/haasonsaas/nexus-mu/internal/channels/discord"
	"github.com/haasonsaas/nexus-mu/internal/channels/neovim"
	"github.com/haasonsaas/nexus-mu/internal/channels/slack"
	"github.com/haasonsaas/nexus-mu/internal/channels/telegram"
	"github.com/haasonsaas/nexus-mu/internal/channels/vscode"
)

// buildChannelRegistry wires one delivery driver per channel whose
// credentials are present in the environment, plus the two editor
// channels (neovim, vscode) that need no credential at all — they push
// over a locally attached websocket connection instead of calling a
// remote API. The websocket upgrade endpoint that calls their Attach is
// deployment-specific wiring this module does not own (the HTTP surface
// only routes the outbound webhook push and channel capability queries,
// not an inbound editor-socket handshake), so both start with
// zero attached connections and report a clear delivery failure until
// something attaches one.
func buildChannelRegistry() *channels.Registry {
	reg := channels.NewRegistry()

	if token := os.Getenv("MU_SLACK_BOT_TOKEN"); token != "" {
		reg.Register(slack.NewDriver(gopkgslack.New(token)))
	}
	if token := os.Getenv("MU_DISCORD_BOT_TOKEN"); token != "" {
		if session, err := discordgo.New("Bot " + token); err == nil {
			reg.Register(discord.NewDriver(session))
		}
	}
	if token := os.Getenv("MU_TELEGRAM_BOT_TOKEN"); token != "" {
		if b, err := bot.New(token); err == nil {
			reg.Register(telegram.NewDriver(telegram.NewRealBotClient(b)))
		}
	}
	reg.Register(neovim.NewDriver())
	reg.Register(vscode.NewDriver())

	return reg
}
