package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	ackChannelPrefix  = "oncall:ack:"
	policyLockPrefix  = "oncall:policy-lock:"
	defaultLockExpiry = 30 * time.Minute
)

// AckSignal fans acknowledgments out to whichever engine instance is
// running the execution, over Redis pub/sub. The database row is the
// source of truth; the signal only wakes the waiting goroutine early.
type AckSignal struct {
	Redis *redis.Client
}

func NewAckSignal(rdb *redis.Client) *AckSignal {
	return &AckSignal{Redis: rdb}
}

// Publish announces that userID acknowledged the execution.
func (a *AckSignal) Publish(ctx context.Context, executionID, userID string) error {
	if err := a.Redis.Publish(ctx, ackChannelPrefix+executionID, userID).Err(); err != nil {
		return fmt.Errorf("failed to publish acknowledgment: %w", err)
	}
	return nil
}

// Subscribe returns a channel that delivers the acknowledging user's ID,
// and a cancel func that must be called to release the subscription.
func (a *AckSignal) Subscribe(ctx context.Context, executionID string) (<-chan string, func(), error) {
	sub := a.Redis.Subscribe(ctx, ackChannelPrefix+executionID)
	// Force the SUBSCRIBE round trip so a dispatch sent right after
	// Subscribe returns cannot slip past us.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to ack channel: %w", err)
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			default:
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// PolicyLock serializes executions per policy across engine instances
// with a SETNX lease. A holder crash is covered by the expiry; the
// sweeper picks the orphaned execution up afterwards.
type PolicyLock struct {
	Redis  *redis.Client
	Expiry time.Duration
}

func NewPolicyLock(rdb *redis.Client) *PolicyLock {
	return &PolicyLock{Redis: rdb, Expiry: defaultLockExpiry}
}

// Acquire attempts to take the lock for policyID on behalf of
// executionID. Returns false if another execution holds it.
func (l *PolicyLock) Acquire(ctx context.Context, policyID, executionID string) (bool, error) {
	ok, err := l.Redis.SetNX(ctx, policyLockPrefix+policyID, executionID, l.Expiry).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire policy lock: %w", err)
	}
	return ok, nil
}

// Release frees the lock, but only if executionID still owns it, so an
// expired-and-reacquired lock is never released by the old holder.
func (l *PolicyLock) Release(ctx context.Context, policyID, executionID string) error {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`
	if err := l.Redis.Eval(ctx, script, []string{policyLockPrefix + policyID}, executionID).Err(); err != nil {
		return fmt.Errorf("failed to release policy lock: %w", err)
	}
	return nil
}
