// Package slack implements the Slack outbound delivery driver.
package slack

import (
	"context"

	"github.com/slack-go/slack"
)

// APIClient is the subset of the Slack API the driver needs to send a
// message. Narrowed from the full adapter surface (reactions, file
// uploads, socket mode) since C7 only ever sends.
type APIClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Ensure slack.Client implements APIClient.
var _ APIClient = (*slack.Client)(nil)

// MockAPIClient is a test double for APIClient.
type MockAPIClient struct {
	PostMessageContextFunc func(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

func (m *MockAPIClient) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	if m.PostMessageContextFunc != nil {
		return m.PostMessageContextFunc(ctx, channelID, options...)
	}
	return channelID, "1234567890.123456", nil
}
