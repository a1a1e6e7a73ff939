package queue

import (
	"testing"
	"time"
)

func testEntry(partyID string, mmr int, players ...string) *Entry {
	if len(players) == 0 {
		players = []string{partyID + "-p1"}
	}
	return &Entry{
		PartyID:    partyID,
		Region:     "us-west",
		Mode:       "ranked",
		TeamSize:   5,
		PartySize:  len(players),
		AvgMMR:     mmr,
		EnqueuedAt: time.Now(),
		PlayerIDs:  players,
	}
}

func TestEnqueueDequeue(t *testing.T) {
	s := NewStore()

	if err := s.Enqueue(testEntry("p1", 1500)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !s.IsQueued("p1") {
		t.Fatal("p1 should be queued")
	}
	if s.Len() != 1 {
		t.Fatalf("expected len 1, got %d", s.Len())
	}

	if !s.Dequeue("p1") {
		t.Fatal("dequeue should report removal")
	}
	if s.IsQueued("p1") {
		t.Fatal("p1 should not be queued after dequeue")
	}
	if s.Len() != 0 {
		t.Fatalf("expected len 0, got %d", s.Len())
	}
}

func TestEnqueueConflict(t *testing.T) {
	s := NewStore()

	if err := s.Enqueue(testEntry("p1", 1500)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(testEntry("p1", 1600)); err != ErrAlreadyQueued {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("conflicting enqueue must not grow the store, len=%d", s.Len())
	}
}

func TestDequeueAbsentIsNoop(t *testing.T) {
	s := NewStore()
	if s.Dequeue("ghost") {
		t.Fatal("dequeueing an absent party should be a no-op")
	}
}

func TestEntryValidation(t *testing.T) {
	s := NewStore()

	bad := testEntry("p1", 1500)
	bad.PartySize = 0
	bad.PlayerIDs = nil
	if err := s.Enqueue(bad); err == nil {
		t.Fatal("expected error for party size 0")
	}

	oversized := testEntry("p2", 1500, "a", "b", "c", "d", "e", "f")
	oversized.TeamSize = 5
	if err := s.Enqueue(oversized); err == nil {
		t.Fatal("expected error for party larger than team")
	}

	mismatch := testEntry("p3", 1500, "a", "b")
	mismatch.PartySize = 3
	if err := s.Enqueue(mismatch); err == nil {
		t.Fatal("expected error for player list / size mismatch")
	}
}

func TestBucketIsolation(t *testing.T) {
	s := NewStore()

	us := testEntry("p1", 1500)
	eu := testEntry("p2", 1500)
	eu.Region = "eu-west"
	casual := testEntry("p3", 1500)
	casual.Mode = "casual"

	for _, e := range []*Entry{us, eu, casual} {
		if err := s.Enqueue(e); err != nil {
			t.Fatalf("enqueue %s: %v", e.PartyID, err)
		}
	}

	if got := len(s.Buckets()); got != 3 {
		t.Fatalf("expected 3 buckets, got %d", got)
	}
	if n := s.LenIn(Bucket{Region: "us-west", Mode: "ranked", TeamSize: 5}); n != 1 {
		t.Fatalf("expected 1 entry in us-west ranked, got %d", n)
	}

	sizes := s.SizesByBucket()
	if sizes["eu-west:ranked:5"] != 1 {
		t.Fatalf("unexpected bucket sizes: %v", sizes)
	}
}

func TestEntriesOldestFirst(t *testing.T) {
	s := NewStore()
	base := time.Now()

	// Enqueue out of timestamp order.
	for i, offset := range []time.Duration{20 * time.Second, 0, 10 * time.Second} {
		e := testEntry(string(rune('a'+i)), 1500)
		e.EnqueuedAt = base.Add(offset)
		if err := s.Enqueue(e); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	entries := s.Entries(Bucket{Region: "us-west", Mode: "ranked", TeamSize: 5})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].EnqueuedAt.Before(entries[i-1].EnqueuedAt) {
			t.Fatalf("entries not oldest-first: %v", entries)
		}
	}
}

func TestIndexConsistency(t *testing.T) {
	s := NewStore()

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := s.Enqueue(testEntry(id, 1500)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	s.Dequeue("p2")

	b := Bucket{Region: "us-west", Mode: "ranked", TeamSize: 5}
	for _, e := range s.Entries(b) {
		if !s.IsQueued(e.PartyID) {
			t.Fatalf("entry %s present in bucket but not indexed", e.PartyID)
		}
	}
	if s.IsQueued("p2") {
		t.Fatal("p2 still indexed after dequeue")
	}
	if s.LenIn(b) != 2 || s.Len() != 2 {
		t.Fatalf("expected 2 entries, got bucket=%d total=%d", s.LenIn(b), s.Len())
	}
}
