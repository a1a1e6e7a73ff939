// Package session tracks match sessions from allocation to termination.
// Records live in Redis, game servers prove liveness through short-TTL
// heartbeats, and join tokens are HMAC-signed over the match roster.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Session lifecycle states.
const (
	StatusAllocating = "allocating"
	StatusActive     = "active"
	StatusEnded      = "ended"
	StatusCancelled  = "cancelled"
)

// ValidTransitions maps each status to the statuses it may move to.
var ValidTransitions = map[string][]string{
	StatusAllocating: {StatusActive, StatusCancelled},
	StatusActive:     {StatusEnded, StatusCancelled},
	StatusEnded:      {},
	StatusCancelled:  {},
}

// CanTransition reports whether a session may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is the persisted state of one match session.
type Record struct {
	MatchID    string     `json:"match_id"`
	Status     string     `json:"status"`
	ServerAddr string     `json:"server_addr,omitempty"`
	Token      string     `json:"token"`
	Teams      [][]string `json:"teams"`
	PartyIDs   []string   `json:"party_ids"`
	Region     string     `json:"region"`
	Mode       string     `json:"mode"`
	CreatedAt  time.Time  `json:"created_at"`
	EndedAt    time.Time  `json:"ended_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Allocator provisions a game server for a match and returns its address.
type Allocator interface {
	Allocate(ctx context.Context, matchID, region, mode string) (string, error)
}

// MockAllocator hands out a fixed address. Stands in for a real fleet
// manager in development and tests.
type MockAllocator struct {
	Addr string
	Err  error
}

// Allocate returns the configured address.
func (m *MockAllocator) Allocate(_ context.Context, matchID, _, _ string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if m.Addr == "" {
		return "gameserver.local:7777", nil
	}
	return m.Addr, nil
}

// NewToken signs the match roster: HMAC-SHA256 over the match id and the
// sorted player ids. Game servers verify it before admitting players.
func NewToken(secret, matchID string, playerIDs []string) string {
	sorted := append([]string{}, playerIDs...)
	sort.Strings(sorted)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(matchID))
	mac.Write([]byte("|"))
	mac.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a token against the match roster in constant time.
func VerifyToken(secret, matchID string, playerIDs []string, token string) bool {
	want := NewToken(secret, matchID, playerIDs)
	return hmac.Equal([]byte(want), []byte(token))
}

// TransitionError reports an invalid lifecycle move.
type TransitionError struct {
	MatchID string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: match %s cannot move from %s to %s", e.MatchID, e.From, e.To)
}
