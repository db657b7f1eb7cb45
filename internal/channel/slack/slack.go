// Package slack implements channel.Sender for Slack channels.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchyard/internal/channel"
)

const (
	// MaxLen is the chat.postMessage text limit.
	MaxLen = 40000
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Opts holds parameters for creating a Sender.
type Opts struct {
	BotToken string // xoxb-... Slack bot token
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// Sender posts messages to Slack channels. The recipient is a channel ID.
type Sender struct {
	client      slackClient
	baseBackoff time.Duration
}

var _ channel.Sender = (*Sender)(nil)

// New creates a Sender.
func New(opts Opts) (*Sender, error) {
	client := opts.Client
	if client == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("slack: bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	return &Sender{client: client, baseBackoff: time.Second}, nil
}

// MaxLen returns the text limit.
func (s *Sender) MaxLen() int { return MaxLen }

// Send posts text to the channel, retrying on rate limits.
func (s *Sender) Send(ctx context.Context, channelID, text string) error {
	if channelID == "" {
		return fmt.Errorf("slack: channel is required")
	}
	text = channel.Truncate(text, MaxLen)
	err := s.retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessageContext(ctx, channelID, slackapi.MsgOptionText(text, false))
		return postErr
	})
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("slack: post message: %w: %v", channel.ErrTransient, err)
	}
	return fmt.Errorf("slack: post message: %w", err)
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func (s *Sender) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

func isTransient(err error) bool {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return true
	}
	var sce slackapi.StatusCodeError
	if errors.As(err, &sce) {
		return sce.Code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
