package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"uniattend/internal/errs"
	"uniattend/internal/model"
)

// RedisStore keeps challenges as JSON values with a TTL and consumes them
// with GETDEL, so two concurrent finishes cannot both see the same challenge.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, now: now}
}

func (s *RedisStore) Save(ctx context.Context, c model.Challenge) error {
	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("%w: challenge already expired", errs.ErrInvalidInput)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, key(c.Kind, c.UserID, c.Value), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: save challenge: %w", errs.ErrStorage, err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, kind model.CeremonyKind, userID string, value []byte) (*model.Challenge, error) {
	raw, err := s.client.GetDel(ctx, key(kind, userID, value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.ErrChallengeMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("%w: take challenge: %w", errs.ErrStorage, err)
	}
	var c model.Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: decode challenge: %w", errs.ErrStorage, err)
	}
	if c.Expired(s.now()) {
		return nil, errs.ErrChallengeMismatch
	}
	return &c, nil
}
