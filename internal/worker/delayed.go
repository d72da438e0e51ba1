package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/courierhq/notification-delivery/internal/bus"
	"github.com/courierhq/notification-delivery/internal/config"
	"github.com/courierhq/notification-delivery/internal/domain"
	"github.com/courierhq/notification-delivery/internal/metrics"
)

// DelayedConsumer moves events from the delayed_notification topic into the
// time-ordered queue in the coordination store. The offset is only committed
// after the queue write succeeds.
type DelayedConsumer struct {
	consumer *bus.Consumer
	queue    domain.DelayedQueue
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDelayedConsumer creates a new DelayedConsumer.
func NewDelayedConsumer(consumer *bus.Consumer, queue domain.DelayedQueue, m *metrics.Metrics, logger *slog.Logger) *DelayedConsumer {
	return &DelayedConsumer{
		consumer: consumer,
		queue:    queue,
		metrics:  m,
		logger:   logger.With("component", "delayed_consumer"),
	}
}

// Start launches the consume loop.
func (c *DelayedConsumer) Start(ctx context.Context) {
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
			c.logger.Error("delayed consumer exited", "error", err)
		}
	}()

	c.logger.Info("delayed consumer started")
}

// Stop cancels the loop and closes the reader (committing offsets).
func (c *DelayedConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	if err := c.consumer.Close(); err != nil {
		c.logger.Error("failed to close delayed consumer", "error", err)
	}
	waitBounded(&c.wg, 30*time.Second, c.logger, "delayed consumer")
}

// IsRunning reports whether the consume loop is live.
func (c *DelayedConsumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *DelayedConsumer) handle(ctx context.Context, msg bus.Message) error {
	event := &domain.DelayedEvent{}
	if err := json.Unmarshal(msg.Value, event); err != nil {
		// Poison message: the outbox poller validated the payload, so a
		// decode failure here means topic misuse. Ack and move on.
		c.logger.Error("dropping undecodable delayed event", "error", err)
		return nil
	}

	if err := c.queue.Enqueue(ctx, event, event.ScheduledAt); err != nil {
		return err
	}

	c.metrics.DelayedEnqueued.Inc()
	c.logger.Debug("delayed event queued",
		"notification_id", event.NotificationID,
		"due", event.ScheduledAt,
		"target_topic", event.TargetTopic,
	)
	return nil
}

// DelayedPoller releases due events from the delayed queue to their target
// topics with the two-phase claim/publish/confirm protocol. Events whose
// release keeps failing are dead-lettered after MaxPollerRetries: the
// notification is failed in the store and a failed status event is
// published.
type DelayedPoller struct {
	queue     domain.DelayedQueue
	publisher bus.Publisher
	repo      domain.NotificationRepository
	cfg       config.DelayedConfig
	workerID  string
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pollMu sync.Mutex
}

// NewDelayedPoller creates a new DelayedPoller.
func NewDelayedPoller(
	queue domain.DelayedQueue,
	publisher bus.Publisher,
	repo domain.NotificationRepository,
	cfg config.DelayedConfig,
	workerID string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *DelayedPoller {
	return &DelayedPoller{
		queue:     queue,
		publisher: publisher,
		repo:      repo,
		cfg:       cfg,
		workerID:  workerID,
		metrics:   m,
		logger:    logger.With("component", "delayed_poller", "worker_id", workerID),
	}
}

// Start launches the poll loop.
func (p *DelayedPoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.pollLoop(ctx)

	p.logger.Info("delayed poller started",
		"poll_interval", p.cfg.PollInterval.String(),
		"batch_size", p.cfg.BatchSize,
	)
}

// Stop cancels the loop and waits for the in-flight tick, bounded to 30s.
func (p *DelayedPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	waitBounded(&p.wg, 30*time.Second, p.logger, "delayed poller")
}

// IsRunning reports whether the poll loop is live.
func (p *DelayedPoller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *DelayedPoller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick claims due events and processes them sequentially: soft ordering,
// and no burst into the downstream topics.
func (p *DelayedPoller) tick(ctx context.Context) {
	if !p.pollMu.TryLock() {
		p.logger.Debug("previous poll still running, skipping tick")
		return
	}
	defer p.pollMu.Unlock()

	claimed, err := p.queue.Claim(ctx, p.workerID, time.Now(), p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("failed to claim delayed events", "error", err)
		return
	}
	if len(claimed) > 0 {
		p.metrics.DelayedClaimed.Add(float64(len(claimed)))
	}

	for _, event := range claimed {
		if ctx.Err() != nil {
			return
		}
		p.process(ctx, event)
	}

	if size, err := p.queue.Size(ctx); err == nil {
		p.metrics.DelayedQueueDepth.Set(float64(size))
	}
}

func (p *DelayedPoller) process(ctx context.Context, claimed *domain.ClaimedEvent) {
	event := claimed.Event
	logger := p.logger.With("notification_id", event.NotificationID, "target_topic", event.TargetTopic)

	if event.PollerRetries >= p.cfg.MaxPollerRetries {
		p.deadLetter(ctx, claimed, logger)
		return
	}

	err := p.publisher.Publish(ctx, bus.Message{
		Topic: event.TargetTopic,
		Key:   []byte(event.NotificationID.String()),
		Value: event.Payload,
	})
	if err != nil {
		backoff := pollerBackoff(event.PollerRetries)
		logger.Warn("delayed publish failed, rescheduling",
			"poller_retries", event.PollerRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		if err := p.queue.Reschedule(ctx, p.workerID, claimed, time.Now().Add(backoff)); err != nil {
			logger.Error("failed to reschedule delayed event", "error", err)
			return
		}
		p.metrics.DelayedRescheduled.Inc()
		return
	}

	p.confirm(ctx, claimed, logger)
}

// deadLetter terminally fails an event whose release budget is exhausted.
// The store write and the status event both carry the verdict; the monotone
// guard makes the pair safe to repeat if we crash between steps.
func (p *DelayedPoller) deadLetter(ctx context.Context, claimed *domain.ClaimedEvent, logger *slog.Logger) {
	event := claimed.Event
	reason := "delayed event exceeded max poller retries"

	n, err := p.repo.ApplyStatus(ctx, event.NotificationID, domain.StatusFailed, &reason)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Error("failed to dead-letter notification in store", "error", err)
		return
	}

	var status *domain.StatusEvent
	if n != nil {
		status = domain.NewStatusEventFromNotification(n, domain.StatusFailed, reason)
	} else {
		// Row is gone; synthesize from the wrapped payload so the webhook
		// path still hears about it.
		inner := &domain.ChannelEvent{}
		if err := json.Unmarshal(event.Payload, inner); err != nil {
			logger.Error("failed to decode payload for dead-letter status", "error", err)
			p.confirm(ctx, claimed, logger)
			return
		}
		status = domain.NewStatusEvent(inner, domain.StatusFailed, reason, event.PollerRetries)
	}

	value, err := json.Marshal(status)
	if err != nil {
		logger.Error("failed to marshal dead-letter status event", "error", err)
		return
	}
	err = p.publisher.Publish(ctx, bus.Message{
		Topic: domain.TopicStatus,
		Key:   []byte(event.NotificationID.String()),
		Value: value,
	})
	if err != nil {
		// Leave the member claimed; the claim TTL brings it back and the
		// terminal store status keeps the retry harmless.
		logger.Error("failed to publish dead-letter status event", "error", err)
		return
	}

	p.metrics.DelayedDeadLetters.Inc()
	logger.Warn("delayed event dead-lettered", "poller_retries", event.PollerRetries)
	p.confirm(ctx, claimed, logger)
}

func (p *DelayedPoller) confirm(ctx context.Context, claimed *domain.ClaimedEvent, logger *slog.Logger) {
	err := p.queue.Confirm(ctx, p.workerID, claimed)
	if errors.Is(err, domain.ErrClaimLost) {
		// The member stays queued and re-fires; the idempotent processors
		// absorb the duplicate publish.
		p.metrics.DelayedClaimsLost.Inc()
		logger.Warn("delayed claim lost before confirm", "worker_id", p.workerID)
		return
	}
	if err != nil {
		logger.Error("failed to confirm delayed event", "error", err)
		return
	}
	p.metrics.DelayedConfirmed.Inc()
}

// pollerBackoff is min(5s · 2^retries, 60s).
func pollerBackoff(retries int) time.Duration {
	backoff := 5 * time.Second << retries
	if backoff > time.Minute {
		return time.Minute
	}
	return backoff
}
