package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/courierhq/notification-delivery/internal/bus"
	"github.com/courierhq/notification-delivery/internal/domain"
	"github.com/courierhq/notification-delivery/internal/metrics"
)

// Dispatcher delivers a terminal status event to the client's webhook URL.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *domain.StatusEvent) error
}

// StatusConsumer applies terminal status events to the durable store and
// fires the client webhook. The store write always happens first, and the
// webhook outcome never blocks or reverts it.
type StatusConsumer struct {
	consumer   *bus.Consumer
	repo       domain.NotificationRepository
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStatusConsumer creates a new StatusConsumer.
func NewStatusConsumer(
	consumer *bus.Consumer,
	repo domain.NotificationRepository,
	dispatcher Dispatcher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *StatusConsumer {
	return &StatusConsumer{
		consumer:   consumer,
		repo:       repo,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.With("component", "status_consumer"),
	}
}

// Start launches the consume loop.
func (c *StatusConsumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumer.Run(ctx, c.handle); err != nil {
			c.logger.Error("status consumer exited", "error", err)
		}
	}()

	c.logger.Info("status consumer started")
}

// Stop cancels the loop and closes the reader (committing offsets).
func (c *StatusConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	if err := c.consumer.Close(); err != nil {
		c.logger.Error("failed to close status consumer", "error", err)
	}
	waitBounded(&c.wg, 30*time.Second, c.logger, "status consumer")
}

// IsRunning reports whether the consume loop is live.
func (c *StatusConsumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *StatusConsumer) handle(ctx context.Context, msg bus.Message) error {
	event := &domain.StatusEvent{}
	if err := json.Unmarshal(msg.Value, event); err != nil {
		c.logger.Error("dropping undecodable status event", "error", err)
		return nil
	}
	if err := event.Validate(); err != nil {
		c.logger.Error("dropping invalid status event", "notification_id", event.NotificationID, "error", err)
		return nil
	}
	logger := c.logger.With("notification_id", event.NotificationID, "status", event.Status)

	var errMsg *string
	if event.Status == domain.StatusFailed && event.Message != "" {
		errMsg = &event.Message
	}

	n, err := c.repo.ApplyStatus(ctx, event.NotificationID, event.Status, errMsg)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("status event for unknown notification, skipping webhook")
		return nil
	}
	if err != nil {
		return err
	}
	c.metrics.StatusApplied.WithLabelValues(string(event.Status)).Inc()

	// The store row is authoritative for the webhook URL; the event carries
	// it as a fallback for rows that have already been archived.
	if n.WebhookURL != "" {
		event.WebhookURL = n.WebhookURL
	}
	if event.WebhookURL == "" {
		return nil
	}

	if err := c.dispatcher.Dispatch(ctx, event); err != nil {
		// Webhook failure is logged and counted, never retried through the
		// bus: the attempt budget lives in the dispatcher.
		c.metrics.WebhookFailed.Inc()
		logger.Warn("webhook dispatch failed", "error", err)
		return nil
	}

	c.metrics.WebhookDelivered.Inc()
	return nil
}
