package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/dubbing-api/internal/core"
)

func leaseKey(id string) string { return "job:" + id + ":lease" }

var extendLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// ExecutionLease guarantees at most one running attempt per job id. The lease is a
// Redis key holding the owner's token with a TTL; only the owner can extend or release it.
type ExecutionLease struct {
	client redis.UniversalClient
}

var _ core.ExecutionLease = (*ExecutionLease)(nil)

// NewExecutionLease creates an ExecutionLease.
func NewExecutionLease(client redis.UniversalClient) *ExecutionLease {
	return &ExecutionLease{client: client}
}

// Acquire takes the lease for jobID with token. It returns core.ErrLeaseHeld when someone else owns it.
func (l *ExecutionLease) Acquire(ctx context.Context, jobID, token string, ttl time.Duration) error {
	if token == "" {
		return errors.New("lease token cannot be empty")
	}
	if ttl < time.Millisecond {
		ttl = time.Second
	}
	status, err := l.client.SetArgs(ctx, leaseKey(jobID), token, redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.ErrLeaseHeld
		}
		return fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	if status != "OK" {
		return core.ErrLeaseHeld
	}
	return nil
}

// Extend pushes the lease expiry to now+ttl. It returns core.ErrLeaseLost if token no longer owns the lease.
func (l *ExecutionLease) Extend(ctx context.Context, jobID, token string, ttl time.Duration) error {
	n, err := extendLeaseScript.Run(ctx, l.client, []string{leaseKey(jobID)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	if n == 0 {
		return core.ErrLeaseLost
	}
	return nil
}

// Release deletes the lease if token still owns it. Releasing a lost lease is not an error.
func (l *ExecutionLease) Release(ctx context.Context, jobID, token string) error {
	if err := releaseLeaseScript.Run(ctx, l.client, []string{leaseKey(jobID)}, token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", jobID, err)
	}
	return nil
}

// Holder returns the token currently owning the lease, or "" when it is free.
func (l *ExecutionLease) Holder(ctx context.Context, jobID string) (string, error) {
	v, err := l.client.Get(ctx, leaseKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get lease %s: %w", jobID, err)
	}
	return v, nil
}
