package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/graphkit/pkg/store"
)

const (
	renewScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// RedisLeaseStore implements store.LeaseStore with one expiring key per
// lease. It does not track epochs or versions.
type RedisLeaseStore struct {
	client *redis.Client
}

var _ store.LeaseStore = (*RedisLeaseStore)(nil)

func NewRedisLeaseStore(client *redis.Client) *RedisLeaseStore {
	return &RedisLeaseStore{client: client}
}

func (s *RedisLeaseStore) leaseKey(name string) string {
	return fmt.Sprintf("graphkit:lease:%s", name)
}

func (s *RedisLeaseStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	key := s.leaseKey(name)

	ok, err := s.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if ok {
		return true, nil
	}

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the next round retries.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check existing lease %s: %w", name, err)
	}
	if val != holderID {
		return false, nil
	}
	if err := s.Renew(ctx, name, holderID, ttl); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *RedisLeaseStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	res, err := s.client.Eval(ctx, renewScript, []string{s.leaseKey(name)}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", name, err)
	}
	if res != 1 {
		return store.ErrLeaseLost
	}
	return nil
}

// Release deletes the lease key if holderID still holds it.
func (s *RedisLeaseStore) Release(ctx context.Context, name, holderID string) error {
	if err := s.client.Eval(ctx, releaseScript, []string{s.leaseKey(name)}, holderID).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

func (s *RedisLeaseStore) GetLease(ctx context.Context, name string) (*store.Lease, error) {
	key := s.leaseKey(name)

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease %s: %w", name, err)
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get lease ttl %s: %w", name, err)
	}

	return &store.Lease{
		Name:      name,
		HolderID:  val,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}
