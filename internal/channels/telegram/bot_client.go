// Package telegram implements the Telegram outbound delivery driver.
package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient is the subset of Telegram bot operations the driver needs to
// send a message. Narrowed from the full adapter surface (media, webhook
// registration, long polling) since C7 only ever sends.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// realBotClient wraps a *bot.Bot to implement BotClient.
type realBotClient struct {
	bot *bot.Bot
}

// NewRealBotClient wraps an initialized *bot.Bot as a BotClient.
func NewRealBotClient(b *bot.Bot) BotClient {
	return &realBotClient{bot: b}
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

// MockBotClient is a test double for BotClient.
type MockBotClient struct {
	SendMessageFunc func(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

func (m *MockBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	if m.SendMessageFunc != nil {
		return m.SendMessageFunc(ctx, params)
	}
	return &models.Message{ID: 1}, nil
}
