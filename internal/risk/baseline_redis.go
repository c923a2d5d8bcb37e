package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultBaselinePrefix = "audit:baseline:"
	maxBaselineCASRetries = 50
)

// RedisBaselineStore shares baselines between API instances. Each user's
// profile is one JSON value updated with optimistic WATCH/MULTI.
type RedisBaselineStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBaselineStore returns a store whose keys expire ttl after their last
// update. ttl <= 0 keeps them forever.
func NewRedisBaselineStore(rdb *redis.Client, ttl time.Duration) *RedisBaselineStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisBaselineStore{rdb: rdb, prefix: defaultBaselinePrefix, ttl: ttl}
}

func (s *RedisBaselineStore) key(userID string) string { return s.prefix + userID }

func (s *RedisBaselineStore) Get(ctx context.Context, userID string) (Baseline, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Baseline{}, false, nil
	}
	if err != nil {
		return Baseline{}, false, fmt.Errorf("%w: %v", ErrBaselineUnavailable, err)
	}
	b, err := decodeBaseline(userID, raw)
	if err != nil {
		return Baseline{}, false, err
	}
	return b, true, nil
}

func (s *RedisBaselineStore) Update(ctx context.Context, userID string, fn func(b *Baseline)) (Baseline, error) {
	key := s.key(userID)
	var out Baseline

	txf := func(tx *redis.Tx) error {
		b := NewBaseline(userID)
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if b, err = decodeBaseline(userID, raw); err != nil {
				return err
			}
		}

		fn(&b)
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			out = b
		}
		return err
	}

	for i := 0; i < maxBaselineCASRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Baseline{}, fmt.Errorf("%w: %v", ErrBaselineUnavailable, err)
	}
	return Baseline{}, fmt.Errorf("%w: too much contention on %s", ErrBaselineUnavailable, key)
}

func (s *RedisBaselineStore) Reset(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBaselineUnavailable, err)
	}
	return nil
}

func decodeBaseline(userID string, raw []byte) (Baseline, error) {
	b := NewBaseline(userID)
	if err := json.Unmarshal(raw, &b); err != nil {
		return Baseline{}, fmt.Errorf("decoding baseline for %s: %w", userID, err)
	}
	if b.NormalLocations == nil {
		b.NormalLocations = []string{}
	}
	if b.TypicalActions == nil {
		b.TypicalActions = []string{}
	}
	return b, nil
}
