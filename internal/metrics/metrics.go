// Package metrics provides Prometheus metrics for the pipeline stages.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors shared by every stage. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Deliveries       *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	StoreErrors      *prometheus.CounterVec
	ExternalDuration *prometheus.HistogramVec
	Published        *prometheus.CounterVec
	IngressRequests  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates and registers all collectors with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_deliveries_total",
			Help: "Deliveries handled, by stage and outcome",
		}, []string{"stage", "outcome"}),
		HandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchyard_handler_duration_seconds",
			Help:    "Time spent handling one delivery",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_store_errors_total",
			Help: "Message store errors, by operation and class",
		}, []string{"op", "class"}),
		ExternalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchyard_external_call_duration_seconds",
			Help:    "Duration of reply generation and send calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"call", "result"}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_published_total",
			Help: "Messages published, by exchange and routing key",
		}, []string{"exchange", "routing_key"}),
		IngressRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_ingress_requests_total",
			Help: "Webhook requests, by HTTP status",
		}, []string{"status"}),
		gatherer: reg,
	}
}

// ObserveDelivery records one handled delivery.
func (m *Metrics) ObserveDelivery(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(stage, outcome).Inc()
	m.HandlerDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// StoreError records a failed store operation.
func (m *Metrics) StoreError(op string, transient bool) {
	if m == nil {
		return
	}
	class := "permanent"
	if transient {
		class = "transient"
	}
	m.StoreErrors.WithLabelValues(op, class).Inc()
}

// ObserveExternal records an external collaborator call.
func (m *Metrics) ObserveExternal(call string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ExternalDuration.WithLabelValues(call, result).Observe(d.Seconds())
}

// PublishedTo records a successful publish.
func (m *Metrics) PublishedTo(exchange, key string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(exchange, key).Inc()
}

// IngressRequest records a webhook response status.
func (m *Metrics) IngressRequest(status int) {
	if m == nil {
		return
	}
	m.IngressRequests.WithLabelValues(fmt.Sprint(status)).Inc()
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
