// Package genai generates replies with the Gemini generateContent REST API.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Conversation roles understood by Gemini.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

var (
	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("genai: permanent failure")
	// ErrEmptyResponse reports a response with no text, usually a block.
	ErrEmptyResponse = errors.New("genai: empty response")
)

// StatusError is a non-200 answer from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini API error (status %d): %s", e.Code, e.Body)
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, timeouts, cancellation and network failures.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrPermanent) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Turn is one message of the conversation sent to the model.
type Turn struct {
	Role string
	Text string
}

// Prompt is a system instruction plus the conversation so far; the last
// turn is the message to answer.
type Prompt struct {
	System string
	Turns  []Turn
}

// Generator produces a reply for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	APIKey      string
	Model       string
	BaseURL     string        // default: public v1beta endpoint
	Timeout     time.Duration // per call, default 60s
	MaxAttempts int           // default 3
	Backoff     time.Duration // first retry pause, doubled each time; default 1s
	HTTPClient  *http.Client
}

// Client is a Gemini REST client.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	http        *http.Client
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) *Client {
	c := &Client{
		apiKey:      opts.APIKey,
		model:       opts.Model,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		http:        opts.HTTPClient,
		sleep:       sleepContext,
	}
	if c.model == "" {
		c.model = "gemini-1.5-flash"
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.backoff <= 0 {
		c.backoff = time.Second
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// Generate returns the model's reply. Transient failures are retried up to
// the configured number of attempts; the last error is returned unchanged
// so IsTransient still applies. Other failures wrap ErrPermanent.
func (c *Client) Generate(ctx context.Context, p Prompt) (string, error) {
	if len(p.Turns) == 0 {
		return "", fmt.Errorf("%w: prompt has no turns", ErrPermanent)
	}
	body, err := json.Marshal(buildRequest(p))
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrPermanent, err)
	}

	var lastErr error
	wait := c.backoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		text, err := c.call(ctx, body)
		if err == nil {
			return text, nil
		}
		if !IsTransient(err) {
			if errors.Is(err, ErrPermanent) {
				return "", err
			}
			return "", fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		lastErr = err
		if attempt == c.maxAttempts || ctx.Err() != nil {
			break
		}
		if err := c.sleep(ctx, wait); err != nil {
			break
		}
		wait *= 2
	}
	return "", fmt.Errorf("genai: %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) call(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("genai: execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("genai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}
	return parseResponse(respBody)
}

// --- request/response types ---

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func buildRequest(p Prompt) geminiRequest {
	req := geminiRequest{}
	if p.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: p.System}}}
	}
	for _, t := range p.Turns {
		role := t.Role
		if role != RoleUser {
			role = RoleModel
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: t.Text}}})
	}
	return req
}

func parseResponse(data []byte) (string, error) {
	var resp geminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: %w: blocked: %s", ErrPermanent, ErrEmptyResponse, resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("%w: %w", ErrPermanent, ErrEmptyResponse)
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: %w: finish reason %s", ErrPermanent, ErrEmptyResponse, resp.Candidates[0].FinishReason)
	}
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
