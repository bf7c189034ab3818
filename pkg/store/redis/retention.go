package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/graphkit/pkg/store"
)

func (s *RedisStorage) base(ctx context.Context, g string) (int64, error) {
	base, err := s.client.Get(ctx, s.baseKey(g)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to read commit base of %s: %w", g, err)
	}
	return base, nil
}

// ExpiredCommits returns up to limit commits of a graph committed before
// cutoff, oldest first. The newest commit is never returned.
func (s *RedisStorage) ExpiredCommits(ctx context.Context, g string, cutoff time.Time, limit int) ([]store.Commit, error) {
	if limit <= 0 {
		return nil, nil
	}
	// The last list element is the newest commit and always stays.
	raws, err := s.client.LRange(ctx, s.commitsKey(g), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to LRANGE %s: %w", s.commitsKey(g), err)
	}
	size, err := s.client.LLen(ctx, s.commitsKey(g)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to LLEN %s: %w", s.commitsKey(g), err)
	}
	if int64(len(raws)) >= size {
		raws = raws[:max(size-1, 0)]
	}

	commits, err := decodeCommits(raws)
	if err != nil {
		return nil, err
	}
	for i, c := range commits {
		if !c.Log.CommittedAt.Before(cutoff) {
			return commits[:i], nil
		}
	}
	return commits, nil
}

// DeleteCommits trims the commits of a graph up to and including through
// from the head of the list, keeping the newest. It returns the number of
// removed commits.
func (s *RedisStorage) DeleteCommits(ctx context.Context, g string, through int64) (int64, error) {
	baseKey, listKey := s.baseKey(g), s.commitsKey(g)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var removed int64
		txf := func(tx *redis.Tx) error {
			base, err := tx.Get(ctx, baseKey).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read commit base: %w", err)
			}
			size, err := tx.LLen(ctx, listKey).Result()
			if err != nil {
				return fmt.Errorf("failed to LLEN %s: %w", listKey, err)
			}
			removed = min(through-base, size-1)
			if removed <= 0 {
				removed = 0
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LTrim(ctx, listKey, removed, -1)
				pipe.IncrBy(ctx, baseKey, removed)
				return nil
			})
			return err
		}

		err := s.client.Watch(ctx, txf, baseKey, listKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return removed, nil
	}
	return 0, fmt.Errorf("failed to delete commits of %s: %w", g, ErrConflict)
}
