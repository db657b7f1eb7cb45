// Package channel defines the outbound messaging interface shared by the
// WhatsApp, Slack and Discord senders.
package channel

import (
	"context"
	"errors"
	"unicode/utf8"
)

// ErrTransient marks a send failure that may succeed later: rate limits,
// server errors and network failures.
var ErrTransient = errors.New("channel: transient send failure")

// IsTransient reports whether a send error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Sender delivers text to one recipient on a messaging platform.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
	// MaxLen is the longest text, in characters, the platform accepts.
	MaxLen() int
}

// Truncate cuts text to at most max characters without splitting a
// multi-byte character.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	n := 0
	for i := range text {
		if n == max {
			return text[:i]
		}
		n++
	}
	return text
}
