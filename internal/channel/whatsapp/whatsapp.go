// Package whatsapp sends text messages through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/channel"
)

const (
	// MaxLen is the Cloud API limit for a text body.
	MaxLen = 4096

	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v22.0"
)

// Opts holds parameters for creating a Sender.
type Opts struct {
	Token         string
	PhoneNumberID string
	APIVersion    string // default v22.0
	BaseURL       string // default https://graph.facebook.com
	HTTPClient    *http.Client
}

// Sender implements channel.Sender for WhatsApp.
type Sender struct {
	token string
	url   string
	http  *http.Client
}

var _ channel.Sender = (*Sender)(nil)

// New creates a Sender.
func New(opts Opts) (*Sender, error) {
	if opts.Token == "" {
		return nil, errors.New("whatsapp: token is required")
	}
	if opts.PhoneNumberID == "" {
		return nil, errors.New("whatsapp: phone number id is required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	version := opts.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{
		token: opts.Token,
		url:   fmt.Sprintf("%s/%s/%s/messages", base, version, opts.PhoneNumberID),
		http:  client,
	}, nil
}

// MaxLen returns the text limit.
func (s *Sender) MaxLen() int { return MaxLen }

type textMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

// Send posts text to the recipient's phone number. Text longer than MaxLen
// is truncated.
func (s *Sender) Send(ctx context.Context, recipient, text string) error {
	if recipient == "" {
		return errors.New("whatsapp: recipient is required")
	}
	msg := textMessage{MessagingProduct: "whatsapp", To: recipient, Type: "text"}
	msg.Text.Body = channel.Truncate(text, MaxLen)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: %w: %v", channel.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("whatsapp: %w: status %d: %s", channel.ErrTransient, resp.StatusCode, respBody)
	}
	return fmt.Errorf("whatsapp: status %d: %s", resp.StatusCode, respBody)
}
