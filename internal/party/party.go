// Package party manages party lifecycle and membership. A party moves
// through idle -> queueing -> matched and back; membership only changes
// while idle, queue entry and exit are leader-only, and every state
// transition publishes exactly one event on the party's bus topic.
package party

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openlobby/matchmaker/internal/eventbus"
	"github.com/openlobby/matchmaker/internal/protocol"
	"github.com/openlobby/matchmaker/internal/queue"
)

// Party lifecycle states.
const (
	StatusIdle     = "idle"
	StatusQueueing = "queueing"
	StatusMatched  = "matched"
	StatusEnded    = "ended"
)

// Member is one player inside a party.
type Member struct {
	PlayerID string    `json:"player_id"`
	Username string    `json:"username"`
	Ready    bool      `json:"ready"`
	JoinedAt time.Time `json:"joined_at"`
}

// Party is the authoritative in-memory party record. TeamSize doubles as
// the membership cap: a party larger than a team cannot be scheduled.
type Party struct {
	ID        string    `json:"party_id"`
	LeaderID  string    `json:"leader_id"`
	Region    string    `json:"region"`
	Mode      string    `json:"mode"`
	TeamSize  int       `json:"team_size"`
	Status    string    `json:"status"`
	MatchID   string    `json:"match_id,omitempty"`
	Members   []*Member `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *Party) member(playerID string) *Member {
	for _, m := range p.Members {
		if m.PlayerID == playerID {
			return m
		}
	}
	return nil
}

func (p *Party) playerIDs() []string {
	ids := make([]string, len(p.Members))
	for i, m := range p.Members {
		ids[i] = m.PlayerID
	}
	return ids
}

func (p *Party) allReady() bool {
	for _, m := range p.Members {
		if !m.Ready {
			return false
		}
	}
	return true
}

func (p *Party) clone() *Party {
	cp := *p
	cp.Members = make([]*Member, len(p.Members))
	for i, m := range p.Members {
		mc := *m
		cp.Members[i] = &mc
	}
	return &cp
}

// SnapshotStore persists party snapshots so a restarted gateway can answer
// lookups. The in-memory map stays authoritative.
type SnapshotStore interface {
	Put(ctx context.Context, p *Party) error
	Get(ctx context.Context, partyID string) (*Party, error)
	Delete(ctx context.Context, partyID string) error
}

// QueueGateway hands parties to the matchmaking queue.
type QueueGateway interface {
	EnterQueue(ctx context.Context, entry *queue.Entry) error
	LeaveQueue(ctx context.Context, partyID string) error
}

// MMRSource resolves the average MMR of a set of players.
type MMRSource interface {
	AvgMMR(ctx context.Context, playerIDs []string) (int, error)
}

// Manager owns all parties on this gateway instance.
type Manager struct {
	mu       sync.Mutex
	parties  map[string]*Party
	byPlayer map[string]string // player id -> party id

	bus       *eventbus.Bus
	snapshots SnapshotStore // optional
	queue     QueueGateway
	mmr       MMRSource
}

// NewManager creates a Manager. snapshots may be nil when persistence is
// not configured.
func NewManager(bus *eventbus.Bus, snapshots SnapshotStore, qg QueueGateway, mmr MMRSource) *Manager {
	return &Manager{
		parties:   make(map[string]*Party),
		byPlayer:  make(map[string]string),
		bus:       bus,
		snapshots: snapshots,
		queue:     qg,
		mmr:       mmr,
	}
}

// Create makes a new idle party with the caller as leader and sole member.
func (m *Manager) Create(ctx context.Context, leaderID, username, region, mode string, teamSize int) (*Party, error) {
	if region == "" || mode == "" {
		return nil, fmt.Errorf("party: region and mode are required")
	}
	if teamSize < 1 {
		return nil, fmt.Errorf("party: team size must be at least 1, got %d", teamSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if pid, ok := m.byPlayer[leaderID]; ok {
		return nil, fmt.Errorf("%w: player %s already in party %s", ErrConflict, leaderID, pid)
	}

	now := time.Now()
	p := &Party{
		ID:       uuid.New().String(),
		LeaderID: leaderID,
		Region:   region,
		Mode:     mode,
		TeamSize: teamSize,
		Status:   StatusIdle,
		Members: []*Member{
			{PlayerID: leaderID, Username: username, JoinedAt: now},
		},
		CreatedAt: now,
	}
	m.parties[p.ID] = p
	m.byPlayer[leaderID] = p.ID
	m.persist(ctx, p)

	log.Printf("[party] created id=%s leader=%s region=%s mode=%s team_size=%d",
		p.ID, leaderID, region, mode, teamSize)
	return p.clone(), nil
}

// Join adds a player to an idle party.
func (m *Manager) Join(ctx context.Context, partyID, playerID, username string) (*Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.locked(partyID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusIdle {
		return nil, fmt.Errorf("%w: cannot join a %s party", ErrIllegalState, p.Status)
	}
	if pid, ok := m.byPlayer[playerID]; ok {
		return nil, fmt.Errorf("%w: player %s already in party %s", ErrConflict, playerID, pid)
	}
	if len(p.Members) >= p.TeamSize {
		return nil, fmt.Errorf("%w: party %s is full (%d/%d)", ErrConflict, partyID, len(p.Members), p.TeamSize)
	}

	p.Members = append(p.Members, &Member{PlayerID: playerID, Username: username, JoinedAt: time.Now()})
	m.byPlayer[playerID] = p.ID
	m.persist(ctx, p)

	m.bus.Publish(p.ID, protocol.EventMemberJoined, protocol.MemberData{
		PartyID: p.ID, PlayerID: playerID, Username: username,
	})
	return p.clone(), nil
}

// Leave removes a member from an idle party. The leader leaving disbands
// the whole party.
func (m *Manager) Leave(ctx context.Context, partyID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.locked(partyID)
	if err != nil {
		return err
	}
	if p.member(playerID) == nil {
		return fmt.Errorf("%w: player %s in party %s", ErrNotMember, playerID, partyID)
	}
	if p.Status != StatusIdle {
		return fmt.Errorf("%w: cannot leave a %s party", ErrIllegalState, p.Status)
	}

	if playerID == p.LeaderID {
		m.disband(ctx, p)
		return nil
	}

	m.removeMember(ctx, p, playerID)
	m.bus.Publish(p.ID, protocol.EventMemberLeft, protocol.MemberData{
		PartyID: p.ID, PlayerID: playerID,
	})
	return nil
}

// SetReady records a member's ready flag. Only meaningful while idle.
func (m *Manager) SetReady(ctx context.Context, partyID, playerID string, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.locked(partyID)
	if err != nil {
		return err
	}
	mem := p.member(playerID)
	if mem == nil {
		return fmt.Errorf("%w: player %s in party %s", ErrNotMember, playerID, partyID)
	}
	if p.Status != StatusIdle {
		return fmt.Errorf("%w: ready only toggles while idle, party is %s", ErrIllegalState, p.Status)
	}

	mem.Ready = ready
	m.persist(ctx, p)

	m.bus.Publish(p.ID, protocol.EventMemberReady, protocol.MemberReadyData{
		PartyID: p.ID, PlayerID: playerID, Username: mem.Username, Ready: ready,
	})
	return nil
}

// EnterQueue submits the party to matchmaking. Leader-only; every member
// must be ready.
func (m *Manager) EnterQueue(ctx context.Context, partyID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.locked(partyID)
	if err != nil {
		return err
	}
	if p.member(playerID) == nil {
		return fmt.Errorf("%w: player %s in party %s", ErrNotMember, playerID, partyID)
	}
	if playerID != p.LeaderID {
		return fmt.Errorf("%w: only %s may queue party %s", ErrForbidden, p.LeaderID, partyID)
	}
	if p.Status != StatusIdle {
		return fmt.Errorf("%w: cannot queue a %s party", ErrIllegalState, p.Status)
	}
	if !p.allReady() {
		return fmt.Errorf("%w: party %s", ErrNotReady, partyID)
	}

	avg, err := m.mmr.AvgMMR(ctx, p.playerIDs())
	if err != nil {
		return fmt.Errorf("party: resolve MMR for %s: %w", partyID, err)
	}

	entry := &queue.Entry{
		PartyID:    p.ID,
		Region:     p.Region,
		Mode:       p.Mode,
		TeamSize:   p.TeamSize,
		PartySize:  len(p.Members),
		AvgMMR:     avg,
		EnqueuedAt: time.Now(),
		PlayerIDs:  p.playerIDs(),
	}
	if err := m.queue.EnterQueue(ctx, entry); err != nil {
		return fmt.Errorf("party: enter queue for %s: %w", partyID, err)
	}

	p.Status = StatusQueueing
	m.persist(ctx, p)

	m.bus.Publish(p.ID, protocol.EventQueueEntered, protocol.QueueEnteredData{
		PartyID: p.ID, Mode: p.Mode, TeamSize: p.TeamSize,
	})
	return nil
}

// LeaveQueue cancels a queued party. Leader-only.
func (m *Manager) LeaveQueue(ctx context.Context, partyID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.locked(partyID)
	if err != nil {
		return err
	}
	if p.member(playerID) == nil {
		return fmt.Errorf("%w: player %s in party %s", ErrNotMember, playerID, partyID)
	}
	if playerID != p.LeaderID {
		return fmt.Errorf("%w: only %s may unqueue party %s", ErrForbidden, p.LeaderID, partyID)
	}
	if p.Status != StatusQueueing {
		return fmt.Errorf("%w: cannot unqueue a %s party", ErrIllegalState, p.Status)
	}

	if err := m.queue.LeaveQueue(ctx, partyID); err != nil {
		return fmt.Errorf("party: leave queue for %s: %w", partyID, err)
	}
	m.exitQueue(ctx, p, protocol.ReasonCancelled)
	return nil
}

// HandleMatchFound moves a queued party to matched and fans the match
// details out to its members. Called when the matchmaker announces a match
// containing this party.
func (m *Manager) HandleMatchFound(ctx context.Context, partyID, matchID string, teams [][]string, avgMMR int, quality float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.locked(partyID)
	if err != nil {
		return err
	}
	if p.Status != StatusQueueing {
		return fmt.Errorf("%w: match found for %s party %s", ErrIllegalState, p.Status, partyID)
	}

	p.Status = StatusMatched
	p.MatchID = matchID
	m.persist(ctx, p)

	m.bus.Publish(p.ID, protocol.EventMatchFound, protocol.MatchFoundData{
		PartyID: p.ID, MatchID: matchID, Teams: teams, AvgMMR: avgMMR, QualityScore: quality,
	})
	log.Printf("[party] match found party=%s match=%s quality=%.2f", partyID, matchID, quality)
	return nil
}

// HandleQueueTimeout returns a queued party to idle after the matchmaker
// retired its entry. Ready flags are cleared so members confirm again.
func (m *Manager) HandleQueueTimeout(ctx context.Context, partyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.locked(partyID)
	if err != nil {
		return err
	}
	if p.Status != StatusQueueing {
		return fmt.Errorf("%w: timeout for %s party %s", ErrIllegalState, p.Status, partyID)
	}
	m.exitQueue(ctx, p, protocol.ReasonTimeout)
	return nil
}

// EndSession returns a matched party to idle when its match session ends.
func (m *Manager) EndSession(ctx context.Context, partyID, matchID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.locked(partyID)
	if err != nil {
		return err
	}
	if p.Status != StatusMatched {
		return fmt.Errorf("%w: session end for %s party %s", ErrIllegalState, p.Status, partyID)
	}
	if matchID != "" && p.MatchID != matchID {
		return fmt.Errorf("%w: party %s is in match %s, not %s", ErrIllegalState, partyID, p.MatchID, matchID)
	}

	ended := p.MatchID
	p.Status = StatusIdle
	p.MatchID = ""
	for _, mem := range p.Members {
		mem.Ready = false
	}
	m.persist(ctx, p)

	m.bus.Publish(p.ID, protocol.EventSessionEnded, protocol.SessionEndedData{
		PartyID: p.ID, MatchID: ended, Reason: reason,
	})
	return nil
}

// Evict removes a player whose connection grace expired. A queued party is
// pulled from the queue first; an evicted leader disbands the party.
func (m *Manager) Evict(ctx context.Context, partyID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.locked(partyID)
	if err != nil {
		return err
	}
	if p.member(playerID) == nil {
		return fmt.Errorf("%w: player %s in party %s", ErrNotMember, playerID, partyID)
	}

	if p.Status == StatusQueueing {
		if err := m.queue.LeaveQueue(ctx, partyID); err != nil {
			log.Printf("[party] evict: leave queue for party=%s: %v", partyID, err)
		}
		m.exitQueue(ctx, p, protocol.ReasonUnderpopulated)
	}

	if playerID == p.LeaderID {
		m.disband(ctx, p)
		return nil
	}

	m.removeMember(ctx, p, playerID)
	m.bus.Publish(p.ID, protocol.EventMemberLeft, protocol.MemberData{
		PartyID: p.ID, PlayerID: playerID,
	})
	log.Printf("[party] evicted player=%s party=%s", playerID, partyID)
	return nil
}

// Get returns a copy of the party. Parties this instance does not own
// (another gateway's, or pre-restart) are served from the snapshot store.
func (m *Manager) Get(ctx context.Context, partyID string) (*Party, error) {
	m.mu.Lock()
	p, ok := m.parties[partyID]
	if ok {
		cp := p.clone()
		m.mu.Unlock()
		return cp, nil
	}
	m.mu.Unlock()

	return m.snapshot(ctx, partyID)
}

// IsMember reports whether the player belongs to the party, consulting the
// snapshot store for parties not held in memory. Used by the channel
// manager to authorize WebSocket attachment.
func (m *Manager) IsMember(ctx context.Context, partyID, playerID string) bool {
	m.mu.Lock()
	p, ok := m.parties[partyID]
	if ok {
		member := p.member(playerID) != nil
		m.mu.Unlock()
		return member
	}
	m.mu.Unlock()

	snap, err := m.snapshot(ctx, partyID)
	if err != nil {
		return false
	}
	return snap.member(playerID) != nil
}

// snapshot loads a party from the snapshot store.
func (m *Manager) snapshot(ctx context.Context, partyID string) (*Party, error) {
	if m.snapshots == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, partyID)
	}
	return m.snapshots.Get(ctx, partyID)
}

// PartyOf returns the id of the party the player currently belongs to.
func (m *Manager) PartyOf(playerID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pid, ok := m.byPlayer[playerID]
	return pid, ok
}

// locked fetches a live party; callers must hold m.mu.
func (m *Manager) locked(partyID string) (*Party, error) {
	p, ok := m.parties[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, partyID)
	}
	return p, nil
}

// exitQueue returns a queueing party to idle, clears ready flags, and
// publishes queue_left with the given reason. Callers must hold m.mu.
func (m *Manager) exitQueue(ctx context.Context, p *Party, reason string) {
	p.Status = StatusIdle
	for _, mem := range p.Members {
		mem.Ready = false
	}
	m.persist(ctx, p)

	m.bus.Publish(p.ID, protocol.EventQueueLeft, protocol.QueueLeftData{
		PartyID: p.ID, Reason: reason,
	})
	log.Printf("[party] left queue party=%s reason=%s", p.ID, reason)
}

func (m *Manager) removeMember(ctx context.Context, p *Party, playerID string) {
	for i, mem := range p.Members {
		if mem.PlayerID == playerID {
			p.Members = append(p.Members[:i], p.Members[i+1:]...)
			break
		}
	}
	delete(m.byPlayer, playerID)
	m.persist(ctx, p)
}

// disband ends the party, releases all members, and drops its topic.
// Callers must hold m.mu.
func (m *Manager) disband(ctx context.Context, p *Party) {
	p.Status = StatusEnded
	for _, mem := range p.Members {
		delete(m.byPlayer, mem.PlayerID)
	}
	delete(m.parties, p.ID)

	m.bus.Publish(p.ID, protocol.EventPartyUpdated, protocol.PartyUpdatedData{
		PartyID: p.ID, Status: StatusEnded,
	})
	m.bus.Drop(p.ID)

	if m.snapshots != nil {
		if err := m.snapshots.Delete(ctx, p.ID); err != nil {
			log.Printf("[party] delete snapshot party=%s: %v", p.ID, err)
		}
	}
	log.Printf("[party] disbanded id=%s", p.ID)
}

func (m *Manager) persist(ctx context.Context, p *Party) {
	if m.snapshots == nil {
		return
	}
	if err := m.snapshots.Put(ctx, p); err != nil {
		log.Printf("[party] persist snapshot party=%s: %v", p.ID, err)
	}
}
