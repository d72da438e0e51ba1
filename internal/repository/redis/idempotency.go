package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/courierhq/notification-delivery/internal/domain"
)

const idempotencyKeyPrefix = "idem:"

// setProcessingScript is the claim CAS. The claim succeeds when no record
// exists, the record already belongs to this worker, the record is unowned
// (released for a retry), or the owning worker went stale. A fresh claim by
// another worker and a terminal record both refuse it.
//
// KEYS[1] = record key.
// ARGV[1] = record JSON, ARGV[2] = worker id, ARGV[3] = now epoch ms,
// ARGV[4] = processing TTL ms (doubles as the staleness horizon).
// Returns 1 when the claim was taken.
var setProcessingScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	local ok, record = pcall(cjson.decode, existing)
	if ok then
		if record.status ~= 'processing' then return 0 end
		local stale = tonumber(ARGV[3]) - tonumber(record.updated_at) >= tonumber(ARGV[4])
		if record.worker_id ~= ARGV[2] and record.worker_id ~= '' and not stale then
			return 0
		end
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[4]))
return 1
`)

// IdempotencyRegistry implements domain.IdempotencyRegistry over per-
// notification records in Redis.
type IdempotencyRegistry struct {
	client        *Client
	processingTTL time.Duration
	recordTTL     time.Duration
	now           func() time.Time
}

// NewIdempotencyRegistry creates a new IdempotencyRegistry. processingTTL
// bounds how long a claim survives its worker; recordTTL is the terminal
// retention window.
func NewIdempotencyRegistry(client *Client, processingTTL, recordTTL time.Duration) *IdempotencyRegistry {
	return &IdempotencyRegistry{
		client:        client,
		processingTTL: processingTTL,
		recordTTL:     recordTTL,
		now:           time.Now,
	}
}

func idempotencyKey(id uuid.UUID) string {
	return idempotencyKeyPrefix + id.String()
}

// Get returns the record, or nil when none exists.
func (r *IdempotencyRegistry) Get(ctx context.Context, id uuid.UUID) (*domain.IdempotencyRecord, error) {
	raw, err := r.client.client.Get(ctx, idempotencyKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	record := &domain.IdempotencyRecord{}
	if err := json.Unmarshal([]byte(raw), record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}

	return record, nil
}

// SetProcessing claims the notification for workerID.
func (r *IdempotencyRegistry) SetProcessing(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	record, err := json.Marshal(&domain.IdempotencyRecord{
		Status:    domain.StatusProcessing,
		WorkerID:  workerID,
		UpdatedAt: r.now().UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	res, err := setProcessingScript.Run(ctx, r.client.client,
		[]string{idempotencyKey(id)},
		string(record), workerID, r.now().UnixMilli(), r.processingTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency record: %w", err)
	}

	return res == 1, nil
}

// SetDelivered records the terminal delivered outcome.
func (r *IdempotencyRegistry) SetDelivered(ctx context.Context, id uuid.UUID, workerID string) error {
	return r.setTerminal(ctx, id, workerID, domain.StatusDelivered)
}

// SetFailed records the terminal failed outcome.
func (r *IdempotencyRegistry) SetFailed(ctx context.Context, id uuid.UUID, workerID string) error {
	return r.setTerminal(ctx, id, workerID, domain.StatusFailed)
}

func (r *IdempotencyRegistry) setTerminal(ctx context.Context, id uuid.UUID, workerID string, status domain.Status) error {
	record, err := json.Marshal(&domain.IdempotencyRecord{
		Status:    status,
		WorkerID:  workerID,
		UpdatedAt: r.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	err = r.client.client.Set(ctx, idempotencyKey(id), record, r.recordTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set terminal idempotency record: %w", err)
	}

	return nil
}

// Release rewrites the record as processing with no owner: the backoff
// redelivery can claim it immediately while concurrent duplicates still see
// an in-flight marker.
func (r *IdempotencyRegistry) Release(ctx context.Context, id uuid.UUID) error {
	record, err := json.Marshal(&domain.IdempotencyRecord{
		Status:    domain.StatusProcessing,
		WorkerID:  "",
		UpdatedAt: r.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	err = r.client.client.Set(ctx, idempotencyKey(id), record, r.processingTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}

	return nil
}
