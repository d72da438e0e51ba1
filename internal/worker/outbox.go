package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/courierhq/notification-delivery/internal/bus"
	"github.com/courierhq/notification-delivery/internal/config"
	"github.com/courierhq/notification-delivery/internal/domain"
	"github.com/courierhq/notification-delivery/internal/metrics"
)

// OutboxPoller drains the transactional outbox: claim pending (or stale
// processing) rows, publish them to the bus grouped by topic, mark them
// published. A second loop deletes published rows past retention.
type OutboxPoller struct {
	repo      domain.OutboxRepository
	publisher bus.Publisher
	cfg       config.OutboxConfig
	workerID  string
	metrics   *metrics.Metrics
	validate  *validator.Validate
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// pollMu is the overlap guard: a tick still running makes the next
	// tick a no-op instead of a second concurrent claim pass.
	pollMu sync.Mutex
}

// NewOutboxPoller creates a new OutboxPoller.
func NewOutboxPoller(
	repo domain.OutboxRepository,
	publisher bus.Publisher,
	cfg config.OutboxConfig,
	workerID string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *OutboxPoller {
	return &OutboxPoller{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		workerID:  workerID,
		metrics:   m,
		validate:  validator.New(),
		logger:    logger.With("component", "outbox_poller", "worker_id", workerID),
	}
}

// Start launches the poll and cleanup loops. Calling Start on a running
// poller is a no-op.
func (p *OutboxPoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.pollLoop(ctx)
	go p.cleanupLoop(ctx)

	p.logger.Info("outbox poller started",
		"poll_interval", p.cfg.PollInterval.String(),
		"batch_size", p.cfg.BatchSize,
	)
}

// Stop cancels the loops and waits for the in-flight tick, bounded to 30s.
func (p *OutboxPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	waitBounded(&p.wg, 30*time.Second, p.logger, "outbox poller")
}

// IsRunning reports whether the poller loops are live.
func (p *OutboxPoller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutboxPoller) pollLoop(ctx context.Context) {
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

func (p *OutboxPoller) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanup(ctx)
		}
	}
}

// tick claims one batch and publishes it. Publish failures leave the rows in
// processing; the stale-claim window brings them back on a later tick.
func (p *OutboxPoller) tick(ctx context.Context) {
	if !p.pollMu.TryLock() {
		p.logger.Debug("previous poll still running, skipping tick")
		return
	}
	defer p.pollMu.Unlock()

	staleBefore := time.Now().Add(-p.cfg.ClaimTimeout)
	entries, err := p.repo.ClaimBatch(ctx, p.workerID, staleBefore, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("failed to claim outbox batch", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	p.metrics.OutboxClaimed.Add(float64(len(entries)))

	valid, poisoned := p.splitValid(entries)
	if len(poisoned) > 0 {
		// Poison rows are finalized so they stop recycling through the
		// stale-claim path; the log line is the operator's breadcrumb.
		if err := p.repo.MarkPublished(ctx, poisoned); err != nil {
			p.logger.Error("failed to finalize poisoned entries", "error", err)
		}
		p.metrics.OutboxPoisoned.Add(float64(len(poisoned)))
	}

	for topic, group := range groupByTopic(valid) {
		p.publishGroup(ctx, topic, group)
	}
}

// splitValid checks each claimed payload against the shape its topic
// expects. Returns the publishable entries and the IDs of poison rows.
func (p *OutboxPoller) splitValid(entries []*domain.OutboxEntry) ([]*domain.OutboxEntry, []uuid.UUID) {
	valid := make([]*domain.OutboxEntry, 0, len(entries))
	var poisoned []uuid.UUID

	for _, e := range entries {
		if err := p.validatePayload(e); err != nil {
			p.logger.Error("outbox payload failed validation",
				"outbox_id", e.ID,
				"notification_id", e.NotificationID,
				"topic", e.Topic,
				"error", err,
			)
			poisoned = append(poisoned, e.ID)
			continue
		}
		valid = append(valid, e)
	}

	return valid, poisoned
}

func (p *OutboxPoller) validatePayload(e *domain.OutboxEntry) error {
	switch e.Topic {
	case domain.TopicDelayed:
		event := &domain.DelayedEvent{}
		if err := json.Unmarshal(e.Payload, event); err != nil {
			return err
		}
		return p.validate.Struct(event)
	case domain.TopicStatus:
		event := &domain.StatusEvent{}
		if err := json.Unmarshal(e.Payload, event); err != nil {
			return err
		}
		return p.validate.Struct(event)
	default:
		event := &domain.ChannelEvent{}
		if err := json.Unmarshal(e.Payload, event); err != nil {
			return err
		}
		return p.validate.Struct(event)
	}
}

func groupByTopic(entries []*domain.OutboxEntry) map[string][]*domain.OutboxEntry {
	groups := make(map[string][]*domain.OutboxEntry)
	for _, e := range entries {
		groups[e.Topic] = append(groups[e.Topic], e)
	}
	return groups
}

// publishGroup sends one topic's entries as a single bus batch, keyed by
// notification_id, then marks them published.
func (p *OutboxPoller) publishGroup(ctx context.Context, topic string, entries []*domain.OutboxEntry) {
	msgs := make([]bus.Message, len(entries))
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		msgs[i] = bus.Message{
			Topic: topic,
			Key:   []byte(e.NotificationID.String()),
			Value: e.Payload,
		}
		ids[i] = e.ID
	}

	if err := p.publisher.Publish(ctx, msgs...); err != nil {
		p.logger.Error("failed to publish outbox batch",
			"topic", topic,
			"entries", len(entries),
			"error", err,
		)
		return
	}

	if err := p.repo.MarkPublished(ctx, ids); err != nil {
		// The publish went through; if this worker dies here the rows are
		// reclaimed and republished, and consumer idempotency absorbs it.
		p.logger.Error("failed to mark entries published", "topic", topic, "error", err)
		return
	}

	p.metrics.OutboxPublished.WithLabelValues(topic).Add(float64(len(entries)))
	p.logger.Debug("outbox batch published", "topic", topic, "entries", len(entries))
}

func (p *OutboxPoller) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.Retention)
	deleted, err := p.repo.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("outbox cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		p.metrics.OutboxCleanedUp.Add(float64(deleted))
		p.logger.Info("outbox cleanup removed published entries", "deleted", deleted)
	}
}

// waitBounded waits for wg up to timeout, logging if the bound is hit.
func waitBounded(wg *sync.WaitGroup, timeout time.Duration, logger *slog.Logger, name string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(timeout):
		logger.Warn(name + " stop timed out")
	}
}
