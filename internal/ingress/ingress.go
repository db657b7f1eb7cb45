// Package ingress serves the WhatsApp Cloud API webhook and hands each
// inbound message to a Sink.
package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/pipeline"
)

// SignatureHeader carries the sha256 HMAC of the request body.
const SignatureHeader = "X-Hub-Signature-256"

// Sink accepts one validated inbound message.
type Sink interface {
	Accept(ctx context.Context, raw json.RawMessage, m pipeline.Message) error
}

// Opts holds configuration for the webhook server.
type Opts struct {
	Sink        Sink
	AppSecret   string // empty disables signature checks
	VerifyToken string // empty disables the subscription handshake
	Log         zerolog.Logger
	Metrics     *metrics.Metrics
}

// Server is the webhook HTTP server.
type Server struct {
	sink        Sink
	appSecret   []byte
	verifyToken string
	log         zerolog.Logger
	metrics     *metrics.Metrics
	router      *gin.Engine
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Sink == nil {
		return nil, errors.New("ingress: sink is required")
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		sink:        opts.Sink,
		appSecret:   []byte(opts.AppSecret),
		verifyToken: opts.VerifyToken,
		log:         opts.Log,
		metrics:     opts.Metrics,
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.observe)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/webhook", s.verify)
	r.POST("/webhook", s.receive)
	s.router = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("webhook listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ingress: %w", err)
	}
	return nil
}

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.metrics.IngressRequest(c.Writer.Status())
	s.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("request")
}

// verify answers the platform's subscription handshake.
func (s *Server) verify(c *gin.Context) {
	if s.verifyToken == "" ||
		c.Query("hub.mode") != "subscribe" ||
		!hmac.Equal([]byte(c.Query("hub.verify_token")), []byte(s.verifyToken)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

func (s *Server) receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(s.appSecret) > 0 && !ValidSignature(s.appSecret, body, c.GetHeader(SignatureHeader)) {
		s.log.Warn().Str("remote", c.ClientIP()).Msg("webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	raws, err := ExtractMessages(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if len(raws) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "no messages"})
		return
	}

	msgs := make([]pipeline.Message, len(raws))
	for i, raw := range raws {
		if msgs[i], err = pipeline.Normalize(raw); err != nil {
			s.log.Warn().Err(err).Int("item", i).Msg("malformed webhook message")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	for i, m := range msgs {
		if m.TraceID == "" {
			m.TraceID = uuid.NewString()
		}
		if err := s.sink.Accept(ctx, raws[i], m); err != nil {
			s.log.Error().Err(err).Str("trace_id", m.TraceID).Int("item", i).Msg("accept message")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		s.log.Info().Str("trace_id", m.TraceID).Str("external_id", m.ExternalID).Msg("message accepted")
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "count": len(msgs)})
}

// ValidSignature checks a "sha256=<hex>" header against the HMAC of body.
func ValidSignature(secret, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookValue struct {
	Messages []json.RawMessage `json:"messages"`
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
	Value webhookValue `json:"value"`
}

// ExtractMessages returns the raw messages of a webhook payload, in either
// the full entry[].changes[].value shape or the flat value shape. Status
// callbacks carry no messages and yield an empty slice.
func ExtractMessages(body []byte) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("ingress: empty body")
	}
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("ingress: decode payload: %w", err)
	}
	var out []json.RawMessage
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			out = append(out, ch.Value.Messages...)
		}
	}
	return append(out, p.Value.Messages...), nil
}
