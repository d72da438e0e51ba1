package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courierhq/notification-delivery/internal/domain"
)

const (
	delayedQueueKey       = "delayed:queue"
	delayedClaimKeyPrefix = "delayed:claim:"
)

// claimScript leases due members without removing them (phase one of the
// two-phase protocol). A member whose claim key already exists belongs to
// another live worker and is skipped; everyone else gets a TTL'd claim key
// naming this worker. Members only leave the set in confirmScript, so a
// poller that dies after claiming loses nothing: the claim expires and the
// member re-fires.
//
// KEYS[1] = queue key.
// ARGV[1] = now epoch ms, ARGV[2] = batch limit, ARGV[3] = worker id,
// ARGV[4] = claim TTL ms, ARGV[5] = claim key prefix.
// Returns the claimed members.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local claimed = {}
local expires = tonumber(ARGV[1]) + tonumber(ARGV[4])
for _, member in ipairs(due) do
	local ok, event = pcall(cjson.decode, member)
	if ok and event.notification_id then
		local key = ARGV[5] .. event.notification_id
		local lease = cjson.encode({worker_id = ARGV[3], expires_at = expires})
		if redis.call('SET', key, lease, 'NX', 'PX', tonumber(ARGV[4])) then
			claimed[#claimed + 1] = member
		end
	end
end
return claimed
`)

// confirmScript removes a published member, but only while the claim key
// still names the confirming worker. A vanished or reassigned claim means
// the lease expired mid-publish; the member stays queued and re-fires, and
// the idempotent channel processors absorb the duplicate.
//
// KEYS[1] = queue key, KEYS[2] = claim key.
// ARGV[1] = worker id, ARGV[2] = member.
// Returns 1 when confirmed, 0 on a lost claim.
var confirmScript = redis.NewScript(`
local lease = redis.call('GET', KEYS[2])
if not lease then return 0 end
local ok, data = pcall(cjson.decode, lease)
if not ok or data.worker_id ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`)

// rescheduleScript swaps a claimed member for its retry form at a new due
// time and releases the claim, all in one step.
//
// KEYS[1] = queue key, KEYS[2] = claim key.
// ARGV[1] = old member, ARGV[2] = new member, ARGV[3] = new score (epoch ms).
var rescheduleScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`)

// DelayedQueue implements domain.DelayedQueue over a Redis sorted set scored
// by due time in epoch milliseconds.
type DelayedQueue struct {
	client   *Client
	claimTTL time.Duration
}

// NewDelayedQueue creates a new DelayedQueue. claimTTL bounds how long a
// crashed poller's claims block redelivery.
func NewDelayedQueue(client *Client, claimTTL time.Duration) *DelayedQueue {
	return &DelayedQueue{client: client, claimTTL: claimTTL}
}

func claimKey(id string) string {
	return delayedClaimKeyPrefix + id
}

// Enqueue adds the event, due at the given instant.
func (q *DelayedQueue) Enqueue(ctx context.Context, event *domain.DelayedEvent, due time.Time) error {
	member, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal delayed event: %w", err)
	}

	err = q.client.client.ZAdd(ctx, delayedQueueKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue delayed event: %w", err)
	}

	return nil
}

// Claim leases up to limit events due at or before now for workerID.
func (q *DelayedQueue) Claim(ctx context.Context, workerID string, now time.Time, limit int) ([]*domain.ClaimedEvent, error) {
	members, err := claimScript.Run(ctx, q.client.client,
		[]string{delayedQueueKey},
		now.UnixMilli(), limit, workerID, q.claimTTL.Milliseconds(), delayedClaimKeyPrefix,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim delayed events: %w", err)
	}

	claimed := make([]*domain.ClaimedEvent, 0, len(members))
	for _, member := range members {
		event := &domain.DelayedEvent{}
		if err := json.Unmarshal([]byte(member), event); err != nil {
			// The script only claims members cjson could decode, so this
			// is a shape mismatch between writer and reader.
			return nil, fmt.Errorf("failed to unmarshal delayed event: %w", err)
		}
		claimed = append(claimed, &domain.ClaimedEvent{Member: member, Event: event})
	}

	return claimed, nil
}

// Confirm removes a claimed event after its publish succeeded. Returns
// domain.ErrClaimLost when the claim expired or moved to another worker.
func (q *DelayedQueue) Confirm(ctx context.Context, workerID string, claimed *domain.ClaimedEvent) error {
	res, err := confirmScript.Run(ctx, q.client.client,
		[]string{delayedQueueKey, claimKey(claimed.Event.NotificationID.String())},
		workerID, claimed.Member,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to confirm delayed event: %w", err)
	}
	if res == 0 {
		return domain.ErrClaimLost
	}

	return nil
}

// Reschedule moves a claimed event to a new due time with its poller-retry
// counter incremented, releasing the claim.
func (q *DelayedQueue) Reschedule(ctx context.Context, workerID string, claimed *domain.ClaimedEvent, due time.Time) error {
	next := *claimed.Event
	next.PollerRetries++
	next.ScheduledAt = due

	member, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal rescheduled event: %w", err)
	}

	err = rescheduleScript.Run(ctx, q.client.client,
		[]string{delayedQueueKey, claimKey(claimed.Event.NotificationID.String())},
		claimed.Member, string(member), due.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to reschedule delayed event: %w", err)
	}

	return nil
}

// Size returns the number of queued events.
func (q *DelayedQueue) Size(ctx context.Context) (int64, error) {
	size, err := q.client.client.ZCard(ctx, delayedQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed queue size: %w", err)
	}
	return size, nil
}
