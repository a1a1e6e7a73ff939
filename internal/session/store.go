package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RecordPrefix is the Redis key prefix for session records.
	RecordPrefix = "session:"

	// HeartbeatPrefix is the Redis key prefix for liveness keys.
	HeartbeatPrefix = "heartbeat:"

	// RecordTTL bounds how long a finished session record lingers.
	RecordTTL = 1 * time.Hour

	// HeartbeatTTL is how long a session counts as alive after its last
	// heartbeat.
	HeartbeatTTL = 30 * time.Second
)

// ErrNotFound means no record exists for the match id.
var ErrNotFound = errors.New("session: not found")

// Store persists session records and heartbeats in Redis.
type Store struct {
	client *redis.Client
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Put writes the record and refreshes its TTL.
func (s *Store) Put(ctx context.Context, r *Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("session: marshal record %s: %w", r.MatchID, err)
	}
	if err := s.client.Set(ctx, RecordPrefix+r.MatchID, raw, RecordTTL).Err(); err != nil {
		return fmt.Errorf("session: store record %s: %w", r.MatchID, err)
	}
	return nil
}

// Get loads a session record.
func (s *Store) Get(ctx context.Context, matchID string) (*Record, error) {
	raw, err := s.client.Get(ctx, RecordPrefix+matchID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, matchID)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load record %s: %w", matchID, err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("session: decode record %s: %w", matchID, err)
	}
	return &r, nil
}

// Transition moves the record to a new status after validating the move,
// stamping the end time and reason on terminal states.
func (s *Store) Transition(ctx context.Context, matchID, to, reason string) (*Record, error) {
	r, err := s.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, to) {
		return nil, &TransitionError{MatchID: matchID, From: r.Status, To: to}
	}

	r.Status = to
	if to == StatusEnded || to == StatusCancelled {
		r.EndedAt = time.Now().UTC()
		r.Reason = reason
	}
	if err := s.Put(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Heartbeat marks the session alive for the next HeartbeatTTL.
func (s *Store) Heartbeat(ctx context.Context, matchID string) error {
	key := HeartbeatPrefix + matchID
	if err := s.client.Set(ctx, key, time.Now().Unix(), HeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("session: heartbeat %s: %w", matchID, err)
	}
	return nil
}

// Alive reports whether the session heartbeated within HeartbeatTTL.
func (s *Store) Alive(ctx context.Context, matchID string) (bool, error) {
	n, err := s.client.Exists(ctx, HeartbeatPrefix+matchID).Result()
	if err != nil {
		return false, fmt.Errorf("session: check heartbeat %s: %w", matchID, err)
	}
	return n > 0, nil
}

// Delete removes a session record and its heartbeat key.
func (s *Store) Delete(ctx context.Context, matchID string) error {
	if err := s.client.Del(ctx, RecordPrefix+matchID, HeartbeatPrefix+matchID).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", matchID, err)
	}
	return nil
}
