package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/courierhq/notification-delivery/internal/bus"
	"github.com/courierhq/notification-delivery/internal/config"
	"github.com/courierhq/notification-delivery/internal/domain"
	"github.com/courierhq/notification-delivery/internal/metrics"
)

// ChannelProcessor consumes one channel topic and drives deliveries to the
// channel's provider: validate, claim through the idempotency registry,
// respect the rate limit, send, then record the outcome. The offset is only
// committed once a terminal record exists or the retry is durably queued, so
// a crash anywhere redelivers the message and the idempotency record keeps
// the provider call single.
type ChannelProcessor struct {
	channel   domain.Channel
	provider  domain.Provider
	consumer  *bus.Consumer
	publisher bus.Publisher
	repo      domain.NotificationRepository
	idem      domain.IdempotencyRegistry
	limiter   domain.RateLimiter
	queue     domain.DelayedQueue
	cfg       config.ProcessorConfig
	workerID  string
	metrics   *metrics.Metrics
	validate  *validator.Validate
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewChannelProcessor creates a processor for one channel.
func NewChannelProcessor(
	channel domain.Channel,
	provider domain.Provider,
	consumer *bus.Consumer,
	publisher bus.Publisher,
	repo domain.NotificationRepository,
	idem domain.IdempotencyRegistry,
	limiter domain.RateLimiter,
	queue domain.DelayedQueue,
	cfg config.ProcessorConfig,
	workerID string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ChannelProcessor {
	return &ChannelProcessor{
		channel:   channel,
		provider:  provider,
		consumer:  consumer,
		publisher: publisher,
		repo:      repo,
		idem:      idem,
		limiter:   limiter,
		queue:     queue,
		cfg:       cfg,
		workerID:  workerID,
		metrics:   m,
		validate:  validator.New(),
		logger:    logger.With("component", "channel_processor", "channel", channel, "worker_id", workerID),
	}
}

// Start launches the consume loop.
func (p *ChannelProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.consumer.Run(ctx, p.handle); err != nil {
			p.logger.Error("channel processor exited", "error", err)
		}
	}()

	p.logger.Info("channel processor started")
}

// Stop cancels the loop and closes the reader (committing offsets).
func (p *ChannelProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	if err := p.consumer.Close(); err != nil {
		p.logger.Error("failed to close channel consumer", "error", err)
	}
	waitBounded(&p.wg, 30*time.Second, p.logger, "channel processor")
}

// IsRunning reports whether the consume loop is live.
func (p *ChannelProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// handle processes one bus message. A nil return commits the offset; an
// error retries the same message in place (transient infrastructure
// trouble).
func (p *ChannelProcessor) handle(ctx context.Context, msg bus.Message) error {
	event := &domain.ChannelEvent{}
	if err := json.Unmarshal(msg.Value, event); err != nil {
		p.logger.Error("dropping undecodable channel event", "error", err)
		return nil
	}
	logger := p.logger.With("notification_id", event.NotificationID, "request_id", event.RequestID)

	if err := p.validateEvent(event); err != nil {
		// Schema failure is terminal: no provider call, failed status.
		logger.Warn("channel event failed validation", "error", err)
		return p.finishFailed(ctx, event, 0, fmt.Sprintf("validation failed: %v", err))
	}

	// Idempotency gate. A terminal record means a previous delivery (ours
	// or another worker's) already settled this notification.
	record, err := p.idem.Get(ctx, event.NotificationID)
	if err != nil {
		return err
	}
	if record != nil && record.Status.IsTerminal() {
		p.metrics.DuplicatesSkipped.WithLabelValues(string(p.channel)).Inc()
		logger.Info("duplicate delivery suppressed", "recorded_status", record.Status)
		return nil
	}

	acquired, err := p.idem.SetProcessing(ctx, event.NotificationID, p.workerID)
	if err != nil {
		return err
	}
	if !acquired {
		// Fresh claim by another worker. Holding this offset hostage would
		// stall the partition; the owner or the recovery cron finishes it.
		logger.Info("notification claimed by another worker, skipping")
		return nil
	}

	retryCount, err := p.markProcessing(ctx, event, logger)
	if err != nil {
		return err
	}

	if err := p.waitForToken(ctx); err != nil {
		return err
	}

	resp, sendErr := p.send(ctx, event)
	if sendErr == nil {
		if err := p.idem.SetDelivered(ctx, event.NotificationID, p.workerID); err != nil {
			return err
		}
		if err := p.publishStatus(ctx, domain.NewStatusEvent(event, domain.StatusDelivered, "", retryCount)); err != nil {
			return err
		}
		p.metrics.Delivered.WithLabelValues(string(p.channel)).Inc()
		logger.Info("notification delivered", "message_id", resp.MessageID, "retry_count", retryCount)
		return nil
	}

	if domain.IsRetryableSendError(sendErr) && retryCount < p.cfg.MaxRetryCount {
		return p.scheduleRetry(ctx, event, msg.Value, logger, sendErr)
	}

	reason := "non_retryable"
	if domain.IsRetryableSendError(sendErr) {
		reason = "retries_exhausted"
	}
	p.metrics.DeliveryFailed.WithLabelValues(string(p.channel), reason).Inc()
	logger.Error("notification failed terminally",
		"reason", reason,
		"retry_count", retryCount,
		"error", sendErr,
	)
	return p.finishFailed(ctx, event, retryCount, sendErr.Error())
}

func (p *ChannelProcessor) validateEvent(event *domain.ChannelEvent) error {
	if err := p.validate.Struct(event); err != nil {
		return err
	}
	if event.Channel != p.channel {
		return fmt.Errorf("%w: event channel %q on %q topic", domain.ErrInvalidPayload, event.Channel, p.channel)
	}
	if err := p.provider.ValidateRecipient(event.Recipient); err != nil {
		return err
	}
	return p.provider.ValidateContent(event.Content)
}

// markProcessing updates the durable row and returns its current retry
// count, which is the authoritative retry budget. A missing row is logged
// and tolerated: the event payload is self-contained.
func (p *ChannelProcessor) markProcessing(ctx context.Context, event *domain.ChannelEvent, logger *slog.Logger) (int, error) {
	if err := p.repo.MarkProcessing(ctx, event.NotificationID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("notification row missing, delivering from event alone")
			return 0, nil
		}
		return 0, err
	}

	n, err := p.repo.GetByID(ctx, event.NotificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return n.RetryCount, nil
}

// waitForToken loops on the rate limiter, sleeping out denials.
func (p *ChannelProcessor) waitForToken(ctx context.Context) error {
	for {
		decision, err := p.limiter.Consume(ctx, p.channel)
		if err != nil {
			return err
		}
		if decision.Allowed {
			return nil
		}

		p.metrics.RateLimitDenied.WithLabelValues(string(p.channel)).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(decision.RetryAfter):
		}
	}
}

func (p *ChannelProcessor) send(ctx context.Context, event *domain.ChannelEvent) (*domain.ProviderResponse, error) {
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.provider.Send(sendCtx, event)
	p.metrics.ProviderLatency.WithLabelValues(string(p.channel)).Observe(time.Since(start).Seconds())
	return resp, err
}

// scheduleRetry durably records the retry (store counter + delayed queue
// member) before the offset commits: backoff holds across workers because
// the redelivery rides the delayed queue, not an in-process sleep.
func (p *ChannelProcessor) scheduleRetry(ctx context.Context, event *domain.ChannelEvent, payload []byte, logger *slog.Logger, sendErr error) error {
	newCount, err := p.repo.IncrementRetry(ctx, event.NotificationID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if newCount == 0 {
		newCount = 1
	}

	backoff := retryBackoff(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, newCount)
	due := time.Now().Add(backoff)

	delayed := domain.NewDelayedEvent(&domain.Notification{
		ID:        event.NotificationID,
		RequestID: event.RequestID,
		ClientID:  event.ClientID,
	}, p.channel.Topic(), payload, due)

	if err := p.queue.Enqueue(ctx, delayed, due); err != nil {
		return err
	}
	if err := p.idem.Release(ctx, event.NotificationID); err != nil {
		return err
	}

	p.metrics.DeliveryRetried.WithLabelValues(string(p.channel)).Inc()
	logger.Warn("notification send failed, retry scheduled",
		"retry_count", newCount,
		"backoff", backoff.String(),
		"error", sendErr,
	)
	return nil
}

// finishFailed writes the terminal failed record and publishes the failed
// status event.
func (p *ChannelProcessor) finishFailed(ctx context.Context, event *domain.ChannelEvent, retryCount int, message string) error {
	if err := p.idem.SetFailed(ctx, event.NotificationID, p.workerID); err != nil {
		return err
	}
	return p.publishStatus(ctx, domain.NewStatusEvent(event, domain.StatusFailed, message, retryCount))
}

func (p *ChannelProcessor) publishStatus(ctx context.Context, status *domain.StatusEvent) error {
	value, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	return p.publisher.Publish(ctx, bus.Message{
		Topic: domain.TopicStatus,
		Key:   []byte(status.NotificationID.String()),
		Value: value,
	})
}

// retryBackoff is base · 2^(count−1), capped.
func retryBackoff(base, max time.Duration, count int) time.Duration {
	backoff := base << (count - 1)
	if backoff > max || backoff <= 0 {
		return max
	}
	return backoff
}
