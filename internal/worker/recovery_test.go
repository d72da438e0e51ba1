package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/notification-delivery/internal/bus"
	"github.com/courierhq/notification-delivery/internal/config"
	"github.com/courierhq/notification-delivery/internal/domain"
)

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		PollInterval:           time.Minute,
		BatchSize:              50,
		ProcessingStuckAfter:   10 * time.Minute,
		PendingStuckAfter:      15 * time.Minute,
		MaxConsecutiveFailures: 5,
	}
}

type healthStub struct {
	err error
}

func (h *healthStub) Health(context.Context) error { return h.err }

type recoveryHarness struct {
	cron   *RecoveryCron
	repo   *mockNotificationRepo
	alerts *mockAlertRepo
	idem   *mockIdempotencyRegistry
	pub    *mockPublisher
	health *healthStub
}

func newRecoveryHarness(t *testing.T) *recoveryHarness {
	t.Helper()
	h := &recoveryHarness{
		repo:   &mockNotificationRepo{},
		alerts: &mockAlertRepo{},
		idem:   &mockIdempotencyRegistry{},
		pub:    &mockPublisher{},
		health: &healthStub{},
	}
	h.cron = NewRecoveryCron(
		h.repo, h.alerts, h.idem, h.pub,
		[]HealthChecker{h.health},
		testRecoveryConfig(), 3, "worker-1", testMetrics(t), testLogger(),
	)
	return h
}

func stuckNotification() *domain.Notification {
	n := emailNotification()
	n.Status = domain.StatusProcessing
	n.UpdatedAt = time.Now().Add(-time.Hour)
	return n
}

func TestRecoveryCron_Reconcile(t *testing.T) {
	t.Run("ghost delivery settles the store and resolves the alert", func(t *testing.T) {
		h := newRecoveryHarness(t)
		n := stuckNotification()

		h.idem.On("Get", mock.Anything, n.ID).
			Return(&domain.IdempotencyRecord{Status: domain.StatusDelivered, WorkerID: "worker-9"}, nil)

		delivered := *n
		delivered.Status = domain.StatusDelivered
		h.repo.On("ApplyStatus", mock.Anything, n.ID, domain.StatusDelivered, (*string)(nil)).
			Return(&delivered, nil)

		var published []bus.Message
		h.pub.On("Publish", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				published = args.Get(1).([]bus.Message)
			}).Return(nil)

		var alert *domain.Alert
		h.alerts.On("Upsert", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				alert = args.Get(1).(*domain.Alert)
			}).Return(nil)

		require.NoError(t, h.cron.reconcile(context.Background(), n))

		status := decodeStatus(t, published)
		assert.Equal(t, domain.StatusDelivered, status.Status)

		require.NotNil(t, alert)
		assert.Equal(t, domain.AlertGhostDelivery, alert.Type)
		assert.Equal(t, domain.SeverityCritical, alert.Severity)
		assert.True(t, alert.Resolved)
	})

	t.Run("failed with exhausted retries settles as failed", func(t *testing.T) {
		h := newRecoveryHarness(t)
		n := stuckNotification()
		n.RetryCount = 3

		h.idem.On("Get", mock.Anything, n.ID).
			Return(&domain.IdempotencyRecord{Status: domain.StatusFailed, WorkerID: "worker-9"}, nil)

		failed := *n
		failed.Status = domain.StatusFailed
		h.repo.On("ApplyStatus", mock.Anything, n.ID, domain.StatusFailed, mock.Anything).
			Return(&failed, nil)

		var published []bus.Message
		h.pub.On("Publish", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				published = args.Get(1).([]bus.Message)
			}).Return(nil)

		require.NoError(t, h.cron.reconcile(context.Background(), n))

		status := decodeStatus(t, published)
		assert.Equal(t, domain.StatusFailed, status.Status)
		h.alerts.AssertNotCalled(t, "Upsert")
	})

	t.Run("failed with retries remaining alerts the operator", func(t *testing.T) {
		h := newRecoveryHarness(t)
		n := stuckNotification()
		n.RetryCount = 1

		h.idem.On("Get", mock.Anything, n.ID).
			Return(&domain.IdempotencyRecord{Status: domain.StatusFailed, WorkerID: "worker-9"}, nil)

		var alert *domain.Alert
		h.alerts.On("Upsert", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				alert = args.Get(1).(*domain.Alert)
			}).Return(nil)

		require.NoError(t, h.cron.reconcile(context.Background(), n))

		require.NotNil(t, alert)
		assert.Equal(t, domain.AlertStuckProcessing, alert.Type)
		assert.False(t, alert.Resolved)
		assert.Contains(t, alert.Reason, "operator retry available")
		h.repo.AssertNotCalled(t, "ApplyStatus")
	})

	t.Run("no idempotency record alerts stuck processing", func(t *testing.T) {
		h := newRecoveryHarness(t)
		n := stuckNotification()

		h.idem.On("Get", mock.Anything, n.ID).Return(nil, nil)

		var alert *domain.Alert
		h.alerts.On("Upsert", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				alert = args.Get(1).(*domain.Alert)
			}).Return(nil)

		require.NoError(t, h.cron.reconcile(context.Background(), n))

		require.NotNil(t, alert)
		assert.Equal(t, domain.AlertStuckProcessing, alert.Type)
		assert.Nil(t, alert.ObservedCoordinationStatus)
		h.repo.AssertNotCalled(t, "ApplyStatus")
	})
}

func TestRecoveryCron_StuckProcessingPass(t *testing.T) {
	t.Run("claims each stuck row before reconciling", func(t *testing.T) {
		h := newRecoveryHarness(t)
		first := stuckNotification()
		second := stuckNotification()

		h.repo.On("FindStuckProcessing", mock.Anything, mock.Anything, 50).
			Return([]*domain.Notification{first, second}, nil)
		h.repo.On("ClaimStuck", mock.Anything, first.ID, mock.Anything).Return(true, nil)
		// A concurrent recovery pass already took the second row.
		h.repo.On("ClaimStuck", mock.Anything, second.ID, mock.Anything).Return(false, nil)

		h.idem.On("Get", mock.Anything, first.ID).Return(nil, nil)
		h.alerts.On("Upsert", mock.Anything, mock.Anything).Return(nil)

		h.cron.stuckProcessingPass(context.Background())

		h.idem.AssertNumberOfCalls(t, "Get", 1)
	})

	t.Run("reconcile failure raises a recovery_error alert", func(t *testing.T) {
		h := newRecoveryHarness(t)
		n := stuckNotification()

		h.repo.On("FindStuckProcessing", mock.Anything, mock.Anything, 50).
			Return([]*domain.Notification{n}, nil)
		h.repo.On("ClaimStuck", mock.Anything, n.ID, mock.Anything).Return(true, nil)
		h.idem.On("Get", mock.Anything, n.ID).Return(nil, errors.New("coordination store down"))

		var alert *domain.Alert
		h.alerts.On("Upsert", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				alert = args.Get(1).(*domain.Alert)
			}).Return(nil)

		h.cron.stuckProcessingPass(context.Background())

		require.NotNil(t, alert)
		assert.Equal(t, domain.AlertRecoveryError, alert.Type)
		assert.Equal(t, domain.SeverityCritical, alert.Severity)
	})
}

func TestRecoveryCron_OrphanedPendingPass(t *testing.T) {
	h := newRecoveryHarness(t)
	n := emailNotification()
	n.UpdatedAt = time.Now().Add(-time.Hour)

	h.repo.On("FindOrphanedPending", mock.Anything, mock.Anything, 50).
		Return([]*domain.Notification{n}, nil)

	var alert *domain.Alert
	h.alerts.On("Upsert", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			alert = args.Get(1).(*domain.Alert)
		}).Return(nil)

	h.cron.orphanedPendingPass(context.Background())

	require.NotNil(t, alert)
	assert.Equal(t, domain.AlertOrphanedPending, alert.Type)
	assert.Equal(t, domain.SeverityWarning, alert.Severity)
}

func TestRecoveryCron_Tick(t *testing.T) {
	t.Run("unhealthy dependencies skip the passes", func(t *testing.T) {
		h := newRecoveryHarness(t)
		h.health.err = errors.New("database down")

		h.cron.tick(context.Background())

		h.repo.AssertNotCalled(t, "FindStuckProcessing")
		h.repo.AssertNotCalled(t, "FindOrphanedPending")
		assert.Equal(t, 1, h.cron.consecutiveFailures)
	})

	t.Run("sustained failures trigger the skip window", func(t *testing.T) {
		h := newRecoveryHarness(t)
		h.health.err = errors.New("database down")

		for i := 0; i < 5; i++ {
			h.cron.tick(context.Background())
		}

		assert.Equal(t, 5, h.cron.consecutiveFailures)
		assert.True(t, h.cron.skipUntil.After(time.Now()))

		// The skip window suppresses ticks even after health returns.
		h.health.err = nil
		h.cron.tick(context.Background())
		h.repo.AssertNotCalled(t, "FindStuckProcessing")
	})

	t.Run("recovery resets the failure counter", func(t *testing.T) {
		h := newRecoveryHarness(t)
		h.health.err = errors.New("database down")
		h.cron.tick(context.Background())
		h.cron.tick(context.Background())

		h.health.err = nil
		h.repo.On("FindStuckProcessing", mock.Anything, mock.Anything, 50).
			Return([]*domain.Notification{}, nil)
		h.repo.On("FindOrphanedPending", mock.Anything, mock.Anything, 50).
			Return([]*domain.Notification{}, nil)

		h.cron.tick(context.Background())

		assert.Equal(t, 0, h.cron.consecutiveFailures)
		h.repo.AssertExpectations(t)
	})
}

func TestBackoffWait(t *testing.T) {
	interval := time.Minute

	tests := []struct {
		exceeded int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{4, 10 * time.Minute},  // capped
		{64, 10 * time.Minute}, // overflow capped
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffWait(interval, tt.exceeded), "exceeded=%d", tt.exceeded)
	}
}
