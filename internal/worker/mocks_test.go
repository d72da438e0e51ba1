package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"

	"github.com/courierhq/notification-delivery/internal/bus"
	"github.com/courierhq/notification-delivery/internal/domain"
	"github.com/courierhq/notification-delivery/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	return metrics.New(prometheus.NewRegistry())
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msgs ...bus.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

type mockNotificationRepo struct {
	mock.Mock
}

func (m *mockNotificationRepo) CreateWithOutbox(ctx context.Context, notifications []*domain.Notification, entries []*domain.OutboxEntry) error {
	args := m.Called(ctx, notifications, entries)
	return args.Error(0)
}

func (m *mockNotificationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	args := m.Called(ctx, id)
	if n := args.Get(0); n != nil {
		return n.(*domain.Notification), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockNotificationRepo) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockNotificationRepo) ApplyStatus(ctx context.Context, id uuid.UUID, status domain.Status, errorMsg *string) (*domain.Notification, error) {
	args := m.Called(ctx, id, status, errorMsg)
	if n := args.Get(0); n != nil {
		return n.(*domain.Notification), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockNotificationRepo) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *mockNotificationRepo) ResetForRetry(ctx context.Context, id uuid.UUID, entry *domain.OutboxEntry) (*domain.Notification, error) {
	args := m.Called(ctx, id, entry)
	if n := args.Get(0); n != nil {
		return n.(*domain.Notification), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockNotificationRepo) FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	args := m.Called(ctx, olderThan, limit)
	if n := args.Get(0); n != nil {
		return n.([]*domain.Notification), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockNotificationRepo) ClaimStuck(ctx context.Context, id uuid.UUID, olderThan time.Time) (bool, error) {
	args := m.Called(ctx, id, olderThan)
	return args.Bool(0), args.Error(1)
}

func (m *mockNotificationRepo) FindOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	args := m.Called(ctx, olderThan, limit)
	if n := args.Get(0); n != nil {
		return n.([]*domain.Notification), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockOutboxRepo struct {
	mock.Mock
}

func (m *mockOutboxRepo) ClaimBatch(ctx context.Context, workerID string, staleBefore time.Time, limit int) ([]*domain.OutboxEntry, error) {
	args := m.Called(ctx, workerID, staleBefore, limit)
	if e := args.Get(0); e != nil {
		return e.([]*domain.OutboxEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOutboxRepo) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *mockOutboxRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type mockDelayedQueue struct {
	mock.Mock
}

func (m *mockDelayedQueue) Enqueue(ctx context.Context, event *domain.DelayedEvent, due time.Time) error {
	args := m.Called(ctx, event, due)
	return args.Error(0)
}

func (m *mockDelayedQueue) Claim(ctx context.Context, workerID string, now time.Time, limit int) ([]*domain.ClaimedEvent, error) {
	args := m.Called(ctx, workerID, now, limit)
	if e := args.Get(0); e != nil {
		return e.([]*domain.ClaimedEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDelayedQueue) Confirm(ctx context.Context, workerID string, claimed *domain.ClaimedEvent) error {
	args := m.Called(ctx, workerID, claimed)
	return args.Error(0)
}

func (m *mockDelayedQueue) Reschedule(ctx context.Context, workerID string, claimed *domain.ClaimedEvent, due time.Time) error {
	args := m.Called(ctx, workerID, claimed, due)
	return args.Error(0)
}

func (m *mockDelayedQueue) Size(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type mockIdempotencyRegistry struct {
	mock.Mock
}

func (m *mockIdempotencyRegistry) Get(ctx context.Context, id uuid.UUID) (*domain.IdempotencyRecord, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*domain.IdempotencyRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockIdempotencyRegistry) SetProcessing(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	args := m.Called(ctx, id, workerID)
	return args.Bool(0), args.Error(1)
}

func (m *mockIdempotencyRegistry) SetDelivered(ctx context.Context, id uuid.UUID, workerID string) error {
	args := m.Called(ctx, id, workerID)
	return args.Error(0)
}

func (m *mockIdempotencyRegistry) SetFailed(ctx context.Context, id uuid.UUID, workerID string) error {
	args := m.Called(ctx, id, workerID)
	return args.Error(0)
}

func (m *mockIdempotencyRegistry) Release(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockRateLimiter struct {
	mock.Mock
}

func (m *mockRateLimiter) Consume(ctx context.Context, channel domain.Channel) (*domain.RateLimitDecision, error) {
	args := m.Called(ctx, channel)
	if d := args.Get(0); d != nil {
		return d.(*domain.RateLimitDecision), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockAlertRepo struct {
	mock.Mock
}

func (m *mockAlertRepo) Upsert(ctx context.Context, alert *domain.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *mockAlertRepo) ResolveForNotification(ctx context.Context, notificationID uuid.UUID) (int64, error) {
	args := m.Called(ctx, notificationID)
	return args.Get(0).(int64), args.Error(1)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, event *domain.StatusEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// stubProvider is a configurable domain.Provider for processor tests.
type stubProvider struct {
	sendResp    *domain.ProviderResponse
	sendErr     error
	recipientOK bool
	contentOK   bool
	sends       int
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		sendResp:    &domain.ProviderResponse{MessageID: "msg-1", Status: "sent"},
		recipientOK: true,
		contentOK:   true,
	}
}

func (s *stubProvider) Manifest() domain.ProviderManifest {
	return domain.ProviderManifest{Name: "stub", Version: "0.0.0", Channel: domain.ChannelEmail}
}

func (s *stubProvider) ValidateRecipient(map[string]any) error {
	if !s.recipientOK {
		return domain.NewValidationError("recipient", "rejected by stub")
	}
	return nil
}

func (s *stubProvider) ValidateContent(map[string]any) error {
	if !s.contentOK {
		return domain.NewValidationError("content", "rejected by stub")
	}
	return nil
}

func (s *stubProvider) RateLimit() *domain.RateLimitConfig { return nil }

func (s *stubProvider) Initialize(context.Context, map[string]string) error { return nil }

func (s *stubProvider) HealthCheck(context.Context) error { return nil }

func (s *stubProvider) Send(context.Context, *domain.ChannelEvent) (*domain.ProviderResponse, error) {
	s.sends++
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return s.sendResp, nil
}

func (s *stubProvider) Shutdown(context.Context) error { return nil }
