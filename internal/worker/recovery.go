package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/courierhq/notification-delivery/internal/bus"
	"github.com/courierhq/notification-delivery/internal/config"
	"github.com/courierhq/notification-delivery/internal/domain"
	"github.com/courierhq/notification-delivery/internal/metrics"
)

// HealthChecker is anything the recovery cron probes before a tick.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// RecoveryCron is the safety net: it finds notifications stuck in
// processing or pending past their thresholds, cross-checks the idempotency
// registry, reconciles what it can (ghost deliveries, exhausted failures)
// and raises operator alerts for the rest.
type RecoveryCron struct {
	repo          domain.NotificationRepository
	alerts        domain.AlertRepository
	idem          domain.IdempotencyRegistry
	publisher     bus.Publisher
	checkers      []HealthChecker
	cfg           config.RecoveryConfig
	maxRetryCount int
	workerID      string
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pollMu sync.Mutex

	// consecutiveFailures gates the backoff: past the configured limit the
	// cron skips ticks with growing waits but never stops entirely.
	consecutiveFailures int
	skipUntil           time.Time
}

// NewRecoveryCron creates a new RecoveryCron. checkers are probed at the
// start of every tick; maxRetryCount mirrors the processor's budget so both
// sides agree on "exhausted".
func NewRecoveryCron(
	repo domain.NotificationRepository,
	alerts domain.AlertRepository,
	idem domain.IdempotencyRegistry,
	publisher bus.Publisher,
	checkers []HealthChecker,
	cfg config.RecoveryConfig,
	maxRetryCount int,
	workerID string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *RecoveryCron {
	return &RecoveryCron{
		repo:          repo,
		alerts:        alerts,
		idem:          idem,
		publisher:     publisher,
		checkers:      checkers,
		cfg:           cfg,
		maxRetryCount: maxRetryCount,
		workerID:      workerID,
		metrics:       m,
		logger:        logger.With("component", "recovery_cron", "worker_id", workerID),
	}
}

// Start launches the cron loop.
func (c *RecoveryCron) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("recovery cron started",
		"poll_interval", c.cfg.PollInterval.String(),
		"processing_stuck_after", c.cfg.ProcessingStuckAfter.String(),
		"pending_stuck_after", c.cfg.PendingStuckAfter.String(),
	)
}

// Stop cancels the loop and waits for the in-flight tick, bounded to 30s.
func (c *RecoveryCron) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	waitBounded(&c.wg, 30*time.Second, c.logger, "recovery cron")
}

// IsRunning reports whether the cron loop is live.
func (c *RecoveryCron) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *RecoveryCron) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *RecoveryCron) tick(ctx context.Context) {
	if !c.pollMu.TryLock() {
		c.logger.Debug("previous recovery tick still running, skipping")
		return
	}
	defer c.pollMu.Unlock()

	if time.Now().Before(c.skipUntil) {
		return
	}

	if err := c.healthCheck(ctx); err != nil {
		c.consecutiveFailures++
		if c.consecutiveFailures >= c.cfg.MaxConsecutiveFailures {
			wait := backoffWait(c.cfg.PollInterval, c.consecutiveFailures-c.cfg.MaxConsecutiveFailures)
			c.skipUntil = time.Now().Add(wait)
			c.logger.Error("recovery dependencies unhealthy, backing off",
				"consecutive_failures", c.consecutiveFailures,
				"backoff", wait.String(),
				"error", err,
			)
		} else {
			c.logger.Warn("recovery health check failed", "consecutive_failures", c.consecutiveFailures, "error", err)
		}
		return
	}
	c.consecutiveFailures = 0
	c.skipUntil = time.Time{}

	c.stuckProcessingPass(ctx)
	c.orphanedPendingPass(ctx)
}

func (c *RecoveryCron) healthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, checker := range c.checkers {
		if err := checker.Health(checkCtx); err != nil {
			return err
		}
	}
	return nil
}

// stuckProcessingPass reconciles rows stuck in processing: the idempotency
// record tells us how far the dead worker got.
func (c *RecoveryCron) stuckProcessingPass(ctx context.Context) {
	olderThan := time.Now().Add(-c.cfg.ProcessingStuckAfter)
	stuck, err := c.repo.FindStuckProcessing(ctx, olderThan, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to scan stuck processing rows", "error", err)
		return
	}

	for _, n := range stuck {
		if ctx.Err() != nil {
			return
		}

		claimed, err := c.repo.ClaimStuck(ctx, n.ID, olderThan)
		if err != nil {
			c.logger.Error("failed to claim stuck notification", "notification_id", n.ID, "error", err)
			continue
		}
		if !claimed {
			// Another cron (or the worker itself) got there first.
			continue
		}

		if err := c.reconcile(ctx, n); err != nil {
			c.logger.Error("reconcile failed", "notification_id", n.ID, "error", err)
			c.raiseAlert(ctx, n, domain.AlertRecoveryError, fmt.Sprintf("reconcile failed: %v", err), nil)
		}
	}
}

func (c *RecoveryCron) reconcile(ctx context.Context, n *domain.Notification) error {
	logger := c.logger.With("notification_id", n.ID, "channel", n.Channel)

	record, err := c.idem.Get(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("failed to read idempotency record: %w", err)
	}

	var observed *string
	if record != nil {
		s := string(record.Status)
		observed = &s
	}

	switch {
	case record != nil && record.Status == domain.StatusDelivered:
		// Ghost delivery: the provider succeeded but the worker died
		// before telling anyone. Settle the store and fire the webhook.
		if err := c.settle(ctx, n, domain.StatusDelivered, "recovered: provider confirmed delivery"); err != nil {
			return err
		}
		c.metrics.RecoveryReconciled.WithLabelValues("ghost_delivery").Inc()
		logger.Warn("ghost delivery reconciled")
		c.raiseResolvedAlert(ctx, n, domain.AlertGhostDelivery, "idempotency record says delivered while store says processing", observed)
		return nil

	case record != nil && record.Status == domain.StatusFailed && n.RetryCount >= c.maxRetryCount:
		if err := c.settle(ctx, n, domain.StatusFailed, "recovered: retries exhausted"); err != nil {
			return err
		}
		c.metrics.RecoveryReconciled.WithLabelValues("failed_exhausted").Inc()
		logger.Warn("exhausted failure reconciled")
		return nil

	case record != nil && record.Status == domain.StatusFailed:
		// Retries remain; the operator decides whether to re-queue.
		c.raiseAlert(ctx, n, domain.AlertStuckProcessing,
			fmt.Sprintf("failed with %d/%d retries used; operator retry available", n.RetryCount, c.maxRetryCount),
			observed,
		)
		return nil

	default:
		// Processing or missing record: the worker died mid-flight and we
		// cannot tell whether the provider was called.
		c.raiseAlert(ctx, n, domain.AlertStuckProcessing, "stuck in processing with no terminal idempotency record", observed)
		return nil
	}
}

// settle writes the terminal status and publishes the matching status event
// so the webhook path fires.
func (c *RecoveryCron) settle(ctx context.Context, n *domain.Notification, status domain.Status, message string) error {
	var errMsg *string
	if status == domain.StatusFailed {
		errMsg = &message
	}

	updated, err := c.repo.ApplyStatus(ctx, n.ID, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to apply recovered status: %w", err)
	}

	value, err := json.Marshal(domain.NewStatusEventFromNotification(updated, status, message))
	if err != nil {
		return fmt.Errorf("failed to marshal recovered status event: %w", err)
	}
	err = c.publisher.Publish(ctx, bus.Message{
		Topic: domain.TopicStatus,
		Key:   []byte(n.ID.String()),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish recovered status event: %w", err)
	}

	return nil
}

// orphanedPendingPass alerts on rows that never made it out of pending.
func (c *RecoveryCron) orphanedPendingPass(ctx context.Context) {
	olderThan := time.Now().Add(-c.cfg.PendingStuckAfter)
	orphans, err := c.repo.FindOrphanedPending(ctx, olderThan, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to scan orphaned pending rows", "error", err)
		return
	}

	for _, n := range orphans {
		if ctx.Err() != nil {
			return
		}
		c.raiseAlert(ctx, n, domain.AlertOrphanedPending,
			fmt.Sprintf("pending since %s with no outbox publish", n.UpdatedAt.Format(time.RFC3339)),
			nil,
		)
	}
}

func (c *RecoveryCron) raiseAlert(ctx context.Context, n *domain.Notification, alertType domain.AlertType, reason string, observed *string) {
	c.upsertAlert(ctx, n, alertType, reason, observed, false)
}

// raiseResolvedAlert records an already-reconciled anomaly as an audit
// trail; nothing is left for the operator to do.
func (c *RecoveryCron) raiseResolvedAlert(ctx context.Context, n *domain.Notification, alertType domain.AlertType, reason string, observed *string) {
	c.upsertAlert(ctx, n, alertType, reason, observed, true)
}

func (c *RecoveryCron) upsertAlert(ctx context.Context, n *domain.Notification, alertType domain.AlertType, reason string, observed *string, resolved bool) {
	alert := domain.NewAlert(n.ID, alertType, reason)
	alert.ObservedCoordinationStatus = observed
	storeStatus := string(n.Status)
	alert.ObservedStoreStatus = &storeStatus
	alert.RetryCount = n.RetryCount
	if resolved {
		alert.MarkResolved()
	}

	if err := c.alerts.Upsert(ctx, alert); err != nil {
		c.logger.Error("failed to upsert alert",
			"notification_id", n.ID,
			"alert_type", alertType,
			"error", err,
		)
		return
	}

	c.metrics.RecoveryAlerts.WithLabelValues(string(alertType)).Inc()
	c.logger.Warn("alert raised",
		"notification_id", n.ID,
		"alert_type", alertType,
		"severity", alertType.Severity(),
		"reason", reason,
	)
}

// backoffWait grows the skip window exponentially past the failure limit,
// capped at ten poll intervals.
func backoffWait(interval time.Duration, exceeded int) time.Duration {
	wait := interval << exceeded
	if max := 10 * interval; wait > max || wait <= 0 {
		return max
	}
	return wait
}
