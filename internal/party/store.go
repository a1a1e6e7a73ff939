package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// snapshotPrefix is the Redis key prefix for party snapshots.
	snapshotPrefix = "party:"

	// snapshotTTL bounds how long an abandoned snapshot lingers.
	snapshotTTL = 24 * time.Hour
)

// RedisStore persists party snapshots as JSON blobs in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Put writes the party snapshot and refreshes its TTL.
func (s *RedisStore) Put(ctx context.Context, p *Party) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("party: marshal snapshot %s: %w", p.ID, err)
	}
	if err := s.client.Set(ctx, snapshotPrefix+p.ID, raw, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("party: store snapshot %s: %w", p.ID, err)
	}
	return nil
}

// Get loads a party snapshot. Returns ErrNotFound if no snapshot exists.
func (s *RedisStore) Get(ctx context.Context, partyID string) (*Party, error) {
	raw, err := s.client.Get(ctx, snapshotPrefix+partyID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, partyID)
	}
	if err != nil {
		return nil, fmt.Errorf("party: load snapshot %s: %w", partyID, err)
	}
	var p Party
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("party: decode snapshot %s: %w", partyID, err)
	}
	return &p, nil
}

// Delete removes a party snapshot. Deleting an absent snapshot is a no-op.
func (s *RedisStore) Delete(ctx context.Context, partyID string) error {
	if err := s.client.Del(ctx, snapshotPrefix+partyID).Err(); err != nil {
		return fmt.Errorf("party: delete snapshot %s: %w", partyID, err)
	}
	return nil
}
