// Package discord implements channel.Sender for Discord channels over the
// REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchyard/internal/channel"
)

const (
	// MaxLen is Discord's message content limit.
	MaxLen = 2000
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxBackoff caps the rate limit backoff.
	maxBackoff = 30 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Opts holds parameters for creating a Sender.
type Opts struct {
	BotToken string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// Sender posts messages to Discord channels. The recipient is a channel ID.
type Sender struct {
	sess        session
	baseBackoff time.Duration
}

var _ channel.Sender = (*Sender)(nil)

// New creates a Sender. No gateway connection is opened; sends go through
// the REST API.
func New(opts Opts) (*Sender, error) {
	sess := opts.Session
	if sess == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("discord: bot token is required")
		}
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	return &Sender{sess: sess, baseBackoff: time.Second}, nil
}

// MaxLen returns the text limit.
func (s *Sender) MaxLen() int { return MaxLen }

// Send posts text to the channel.
func (s *Sender) Send(ctx context.Context, channelID, text string) error {
	if channelID == "" {
		return fmt.Errorf("discord: channel is required")
	}
	text = channel.Truncate(text, MaxLen)
	err := s.retryOnRateLimit(ctx, func() error {
		_, sendErr := s.sess.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
		return sendErr
	})
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("discord: send message: %w: %v", channel.ErrTransient, err)
	}
	return fmt.Errorf("discord: send message: %w", err)
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (s *Sender) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if restStatus(err) != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

func restStatus(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}
	return 0
}

func isTransient(err error) bool {
	if code := restStatus(err); code != 0 {
		return code == http.StatusTooManyRequests || code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
