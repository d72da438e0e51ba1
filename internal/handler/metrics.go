package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courierhq/notification-delivery/internal/domain"
)

// RunStater reports whether a worker loop is live; every poller and
// consumer satisfies it.
type RunStater interface {
	IsRunning() bool
}

// MetricsHandler serves the Prometheus scrape endpoint plus a realtime JSON
// snapshot (delayed queue depth and worker states) for quick operator
// checks.
type MetricsHandler struct {
	gatherer prometheus.Gatherer
	queue    domain.DelayedQueue
	workers  map[string]RunStater
}

// NewMetricsHandler creates a new MetricsHandler on the process registry.
func NewMetricsHandler(gatherer prometheus.Gatherer, queue domain.DelayedQueue, workers map[string]RunStater) *MetricsHandler {
	return &MetricsHandler{
		gatherer: gatherer,
		queue:    queue,
		workers:  workers,
	}
}

// Handler returns the Prometheus scrape handler.
func (h *MetricsHandler) Handler() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}

// RealtimeSnapshot is the /metrics/realtime response body.
type RealtimeSnapshot struct {
	DelayedQueueDepth int64           `json:"delayed_queue_depth"`
	Workers           map[string]bool `json:"workers"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Realtime serves the current delayed queue depth and worker run states.
func (h *MetricsHandler) Realtime(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	depth, err := h.queue.Size(ctx)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "METRICS_ERROR", "Failed to read delayed queue depth", nil)
		return
	}

	workers := make(map[string]bool, len(h.workers))
	for name, worker := range h.workers {
		workers[name] = worker.IsRunning()
	}

	JSON(w, http.StatusOK, RealtimeSnapshot{
		DelayedQueueDepth: depth,
		Workers:           workers,
		Timestamp:         time.Now().UTC(),
	})
}
