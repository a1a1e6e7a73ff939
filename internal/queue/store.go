// Package queue implements the in-memory bucketed store of parties waiting
// for matchmaking. Parties are indexed by (region, mode, team size) bucket,
// with an O(1) party -> bucket lookup. The store is owned by the engine's
// tick goroutine and performs no locking of its own.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrAlreadyQueued is returned by Enqueue when the party already has an
// entry in some bucket.
var ErrAlreadyQueued = errors.New("queue: party already queued")

// Bucket is the partition key within which matching is attempted. Parties
// never match across buckets.
type Bucket struct {
	Region   string
	Mode     string
	TeamSize int
}

// Key returns the canonical string form "region:mode:team_size", used for
// telemetry and broker subjects.
func (b Bucket) Key() string {
	return fmt.Sprintf("%s:%s:%d", b.Region, b.Mode, b.TeamSize)
}

// Entry is a party's immutable record in the queue. A membership change
// while queued requires dequeue + re-enqueue; the store never mutates an
// entry after Enqueue.
type Entry struct {
	PartyID    string    `json:"party_id"`
	Region     string    `json:"region"`
	Mode       string    `json:"mode"`
	TeamSize   int       `json:"team_size"`
	PartySize  int       `json:"party_size"`
	AvgMMR     int       `json:"avg_mmr"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	PlayerIDs  []string  `json:"player_ids"`
}

// Bucket returns the bucket this entry belongs to.
func (e *Entry) Bucket() Bucket {
	return Bucket{Region: e.Region, Mode: e.Mode, TeamSize: e.TeamSize}
}

// Validate checks the entry invariants: at least one player, team size able
// to hold the whole party, and a player list matching the declared size.
func (e *Entry) Validate() error {
	if e.PartyID == "" {
		return errors.New("queue: entry missing party id")
	}
	if e.PartySize < 1 {
		return fmt.Errorf("queue: party %s has size %d", e.PartyID, e.PartySize)
	}
	if e.TeamSize < e.PartySize {
		return fmt.Errorf("queue: party %s size %d exceeds team size %d",
			e.PartyID, e.PartySize, e.TeamSize)
	}
	if len(e.PlayerIDs) != e.PartySize {
		return fmt.Errorf("queue: party %s declares size %d but lists %d players",
			e.PartyID, e.PartySize, len(e.PlayerIDs))
	}
	return nil
}

// Store holds the waiting parties. The party -> bucket index is kept
// consistent with bucket membership at all times.
type Store struct {
	buckets map[Bucket][]*Entry
	index   map[string]Bucket // party_id -> bucket
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		buckets: make(map[Bucket][]*Entry),
		index:   make(map[string]Bucket),
	}
}

// Enqueue appends the entry to its bucket and records the index mapping.
// It fails with ErrAlreadyQueued if the party is already present anywhere.
func (s *Store) Enqueue(e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, ok := s.index[e.PartyID]; ok {
		return ErrAlreadyQueued
	}

	b := e.Bucket()
	s.buckets[b] = append(s.buckets[b], e)
	s.index[e.PartyID] = b
	return nil
}

// Dequeue removes the party's entry and drops the index mapping. It is a
// no-op for parties that are not queued; the return value reports whether
// an entry was removed.
func (s *Store) Dequeue(partyID string) bool {
	b, ok := s.index[partyID]
	if !ok {
		return false
	}

	entries := s.buckets[b]
	for i, e := range entries {
		if e.PartyID == partyID {
			s.buckets[b] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(s.buckets[b]) == 0 {
		delete(s.buckets, b)
	}
	delete(s.index, partyID)
	return true
}

// IsQueued reports whether the party currently has a queue entry.
func (s *Store) IsQueued(partyID string) bool {
	_, ok := s.index[partyID]
	return ok
}

// Buckets returns the keys of all non-empty buckets. Order is unspecified.
func (s *Store) Buckets() []Bucket {
	out := make([]Bucket, 0, len(s.buckets))
	for b := range s.buckets {
		out = append(out, b)
	}
	return out
}

// Entries returns the live entry slice for a bucket, sorted oldest first.
// The slice is the tick goroutine's working view: callers must go through
// Dequeue to remove entries so the index stays consistent.
func (s *Store) Entries(b Bucket) []*Entry {
	entries := s.buckets[b]
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries
}

// Len returns the total number of queued parties.
func (s *Store) Len() int {
	return len(s.index)
}

// LenIn returns the number of queued parties in the given bucket.
func (s *Store) LenIn(b Bucket) int {
	return len(s.buckets[b])
}

// SizesByBucket returns per-bucket party counts keyed by Bucket.Key.
func (s *Store) SizesByBucket() map[string]int {
	sizes := make(map[string]int, len(s.buckets))
	for b, entries := range s.buckets {
		sizes[b.Key()] = len(entries)
	}
	return sizes
}
