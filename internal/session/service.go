package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openlobby/matchmaker/internal/engine"
)

// Service turns emitted matches into running sessions: it signs the join
// token, allocates a game server, and keeps the record's lifecycle moving.
type Service struct {
	store  *Store
	alloc  Allocator
	secret string
}

// NewService creates a Service. The secret signs join tokens and must match
// the game server fleet's verification key.
func NewService(store *Store, alloc Allocator, secret string) *Service {
	return &Service{store: store, alloc: alloc, secret: secret}
}

// Create builds the session for a match: the record starts allocating,
// a server is provisioned, and the session goes active. Allocation failure
// cancels the session.
func (s *Service) Create(ctx context.Context, m *engine.Match) (*Record, error) {
	var players []string
	for _, team := range m.Teams {
		players = append(players, team...)
	}

	r := &Record{
		MatchID:   m.ID,
		Status:    StatusAllocating,
		Token:     NewToken(s.secret, m.ID, players),
		Teams:     m.Teams,
		PartyIDs:  m.PartyIDs,
		Region:    m.Region,
		Mode:      m.Mode,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Put(ctx, r); err != nil {
		return nil, err
	}

	addr, err := s.alloc.Allocate(ctx, m.ID, m.Region, m.Mode)
	if err != nil {
		if _, terr := s.store.Transition(ctx, m.ID, StatusCancelled, "allocation failed"); terr != nil {
			log.Printf("[session] cancel after failed allocation match=%s: %v", m.ID, terr)
		}
		return nil, fmt.Errorf("session: allocate server for %s: %w", m.ID, err)
	}

	r.Status = StatusActive
	r.ServerAddr = addr
	if err := s.store.Put(ctx, r); err != nil {
		return nil, err
	}

	log.Printf("[session] created match=%s server=%s parties=%d", m.ID, addr, len(m.PartyIDs))
	return r, nil
}

// Get loads a session record.
func (s *Service) Get(ctx context.Context, matchID string) (*Record, error) {
	return s.store.Get(ctx, matchID)
}

// End terminates an active session.
func (s *Service) End(ctx context.Context, matchID, reason string) (*Record, error) {
	return s.store.Transition(ctx, matchID, StatusEnded, reason)
}

// Cancel aborts a session that never completed.
func (s *Service) Cancel(ctx context.Context, matchID, reason string) (*Record, error) {
	return s.store.Transition(ctx, matchID, StatusCancelled, reason)
}

// Heartbeat records game server liveness for the session.
func (s *Service) Heartbeat(ctx context.Context, matchID string) error {
	if _, err := s.store.Get(ctx, matchID); err != nil {
		return err
	}
	return s.store.Heartbeat(ctx, matchID)
}
