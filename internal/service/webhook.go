package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/courierhq/notification-delivery/internal/config"
	"github.com/courierhq/notification-delivery/internal/domain"
)

// webhookPayload is the wire format clients depend on. Status is upper-case
// on the wire ("DELIVERED"/"FAILED") while the store keeps lower-case.
type webhookPayload struct {
	RequestID      string         `json:"request_id"`
	ClientID       string         `json:"client_id"`
	NotificationID uuid.UUID      `json:"notification_id"`
	Status         string         `json:"status"`
	Channel        domain.Channel `json:"channel"`
	Message        string         `json:"message,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// terminalWebhookError marks outcomes that must not be retried (4xx).
type terminalWebhookError struct {
	status int
	body   string
}

func (e *terminalWebhookError) Error() string {
	return fmt.Sprintf("webhook rejected with status %d: %s", e.status, e.body)
}

// WebhookDispatcher POSTs terminal status events to client webhook URLs with
// bounded retries. A per-destination-host circuit breaker fails fast toward
// endpoints that are already drowning; a tripped breaker counts as a
// network-class failure against the attempt budget.
type WebhookDispatcher struct {
	client *http.Client
	cfg    config.WebhookConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewWebhookDispatcher creates a new WebhookDispatcher.
func NewWebhookDispatcher(cfg config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		logger:   logger.With("component", "webhook_dispatcher"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch delivers the terminal verdict to the event's webhook URL. It
// retries on network errors and 5xx responses with exponential backoff, up
// to the configured attempt budget; 2xx is success and 4xx is terminal.
// The returned error is informational: callers log it and move on, because
// webhook failure never blocks or reverts the store update.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, event *domain.StatusEvent) error {
	if event.WebhookURL == "" {
		return nil
	}

	target, err := url.Parse(event.WebhookURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	body, err := json.Marshal(webhookPayload{
		RequestID:      event.RequestID,
		ClientID:       event.ClientID,
		NotificationID: event.NotificationID,
		Status:         wireStatus(event.Status),
		Channel:        event.Channel,
		Message:        event.Message,
		OccurredAt:     event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	breaker := d.breakerFor(target.Host)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			backoff := d.cfg.RetryDelay << (attempt - 2)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		_, err := breaker.Execute(func() (any, error) {
			return nil, d.post(ctx, event.WebhookURL, body, attempt)
		})
		if err == nil {
			d.logger.Info("webhook delivered",
				"notification_id", event.NotificationID,
				"host", target.Host,
				"attempt", attempt,
			)
			return nil
		}

		var terminal *terminalWebhookError
		if errors.As(err, &terminal) {
			d.logger.Warn("webhook rejected, not retrying",
				"notification_id", event.NotificationID,
				"host", target.Host,
				"status", terminal.status,
			)
			return terminal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		d.logger.Warn("webhook attempt failed",
			"notification_id", event.NotificationID,
			"host", target.Host,
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", d.cfg.MaxRetries, lastErr)
}

func (d *WebhookDispatcher) post(ctx context.Context, rawURL string, body []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Attempt", strconv.Itoa(attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &terminalWebhookError{status: resp.StatusCode, body: string(snippet)}
	}
}

// breakerFor returns the circuit breaker for a destination host, creating it
// on first use. Terminal 4xx outcomes do not trip the breaker: the endpoint
// answered, it just disliked the payload.
func (d *WebhookDispatcher) breakerFor(host string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var terminal *terminalWebhookError
			return err == nil || errors.As(err, &terminal)
		},
	})
	d.breakers[host] = cb
	return cb
}

func wireStatus(status domain.Status) string {
	if status == domain.StatusDelivered {
		return "DELIVERED"
	}
	return "FAILED"
}
