// Package channel fans party events out to WebSocket clients. Every party
// with at least one connected member gets a Channel that subscribes to the
// party's bus topic and relays frames to each client through a bounded
// per-client queue; clients that overflow it are dropped with reason
// backpressure, idle clients are closed, and players who stay disconnected
// past the grace period are evicted from their party.
package channel

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/openlobby/matchmaker/internal/eventbus"
	"github.com/openlobby/matchmaker/internal/metrics"
	"github.com/openlobby/matchmaker/internal/protocol"
)

// ErrNotMember is returned when a player attaches to a party they do not
// belong to.
var ErrNotMember = errors.New("channel: not a party member")

const clientQueueSize = 256

// Conn is the write side of a client connection. The ws package implements
// it over gobwas; tests use fakes.
type Conn interface {
	WriteFrame(f protocol.Frame) error
	Close() error
}

// Membership authorizes attachment. Satisfied by the party manager.
type Membership interface {
	IsMember(ctx context.Context, partyID, playerID string) bool
}

// Evictor removes a player whose disconnect grace expired. Satisfied by
// the party manager.
type Evictor interface {
	Evict(ctx context.Context, partyID, playerID string) error
}

// Config holds the channel timing knobs.
type Config struct {
	IdleTimeout   time.Duration // close clients with no traffic for this long
	SweepInterval time.Duration // how often idle clients are checked
	DestroyGrace  time.Duration // empty-channel lifetime before teardown
	EvictGrace    time.Duration // player disconnect grace before eviction
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   75 * time.Second,
		SweepInterval: 30 * time.Second,
		DestroyGrace:  30 * time.Second,
		EvictGrace:    30 * time.Second,
	}
}

// Client is one attached WebSocket connection.
type Client struct {
	PartyID  string
	PlayerID string

	mgr  *Manager
	conn Conn
	out  chan protocol.Frame
	done chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// Send queues a frame for the client. A client that cannot keep up loses
// the frame and is dropped from the channel with reason backpressure.
func (c *Client) Send(f protocol.Frame) {
	select {
	case c.out <- f:
	default:
		metrics.EventsDropped.WithLabelValues("channel").Inc()
		log.Printf("[channel] dropping player=%s party=%s: client queue full on %s frame",
			c.PlayerID, c.PartyID, f.Event)
		// Send may run under the channel lock during fan-out; the detach
		// takes the same lock.
		go c.mgr.detach(c, protocol.CloseBackpressure)
	}
}

// Touch records inbound activity; the idle sweep uses it.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince(deadline time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen.Before(deadline)
}

// close tears the connection down. A non-empty reason is delivered in a
// final error frame before the socket closes.
func (c *Client) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	if reason != "" {
		c.conn.WriteFrame(protocol.Frame{
			Event: protocol.EventError,
			Data:  protocol.ErrorData{Code: reason, Message: "connection closed: " + reason},
		})
	}
	c.conn.Close()
}

// writeLoop drains the client queue to the connection. A write error tears
// the client down through the manager.
func (c *Client) writeLoop(m *Manager) {
	for {
		select {
		case f := <-c.out:
			if err := c.conn.WriteFrame(f); err != nil {
				log.Printf("[channel] write to player=%s party=%s: %v", c.PlayerID, c.PartyID, err)
				m.Detach(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

type partyChannel struct {
	partyID string
	sub     *eventbus.Subscription

	mu      sync.Mutex
	clients map[*Client]struct{}
	byConn  map[string]int // player id -> live connection count
	destroy *time.Timer
	graces  map[string]*time.Timer // player id -> eviction grace
}

// fanout relays bus frames to every attached client.
func (ch *partyChannel) fanout() {
	for f := range ch.sub.C {
		ch.mu.Lock()
		for c := range ch.clients {
			c.Send(f)
		}
		ch.mu.Unlock()
	}
}

// Manager owns all party channels on this gateway instance.
type Manager struct {
	cfg        Config
	bus        *eventbus.Bus
	membership Membership
	evictor    Evictor

	mu       sync.Mutex
	channels map[string]*partyChannel

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewManager creates a channel manager and starts its idle sweep.
func NewManager(cfg Config, bus *eventbus.Bus, membership Membership, evictor Evictor) *Manager {
	m := &Manager{
		cfg:        cfg,
		bus:        bus,
		membership: membership,
		evictor:    evictor,
		channels:   make(map[string]*partyChannel),
		stopSweep:  make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Attach connects a player to their party's channel. The caller must have
// verified the player's identity; membership is checked here.
func (m *Manager) Attach(partyID, playerID string, conn Conn) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	member := m.membership.IsMember(ctx, partyID, playerID)
	cancel()
	if !member {
		return nil, ErrNotMember
	}

	c := &Client{
		PartyID:  partyID,
		PlayerID: playerID,
		mgr:      m,
		conn:     conn,
		out:      make(chan protocol.Frame, clientQueueSize),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}

	m.mu.Lock()
	ch, ok := m.channels[partyID]
	if !ok {
		ch = &partyChannel{
			partyID: partyID,
			sub:     m.bus.Subscribe(partyID),
			clients: make(map[*Client]struct{}),
			byConn:  make(map[string]int),
			graces:  make(map[string]*time.Timer),
		}
		m.channels[partyID] = ch
		go ch.fanout()
		metrics.ActiveChannels.Set(float64(len(m.channels)))
		log.Printf("[channel] opened party=%s", partyID)
	}
	m.mu.Unlock()

	ch.mu.Lock()
	if ch.destroy != nil {
		ch.destroy.Stop()
		ch.destroy = nil
	}
	if grace, ok := ch.graces[playerID]; ok {
		grace.Stop()
		delete(ch.graces, playerID)
	}
	ch.clients[c] = struct{}{}
	ch.byConn[playerID]++
	ch.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	go c.writeLoop(m)

	c.Send(protocol.Frame{
		Event: protocol.EventConnected,
		Data:  protocol.ConnectedData{PartyID: partyID, PlayerID: playerID},
	})
	return c, nil
}

// Detach disconnects a client. When the player's last connection goes, an
// eviction grace starts; when the channel's last client goes, a destroy
// grace starts. Safe to call more than once.
func (m *Manager) Detach(c *Client) {
	m.detach(c, "")
}

// detach removes the client, delivering reason in a final error frame when
// the server initiated the close (backpressure, idle).
func (m *Manager) detach(c *Client, reason string) {
	m.mu.Lock()
	ch, ok := m.channels[c.PartyID]
	m.mu.Unlock()
	if !ok {
		c.close(reason)
		return
	}

	ch.mu.Lock()
	if _, attached := ch.clients[c]; !attached {
		ch.mu.Unlock()
		c.close(reason)
		return
	}
	delete(ch.clients, c)
	ch.byConn[c.PlayerID]--
	playerGone := ch.byConn[c.PlayerID] <= 0
	if playerGone {
		delete(ch.byConn, c.PlayerID)
		ch.graces[c.PlayerID] = time.AfterFunc(m.cfg.EvictGrace, func() {
			m.evict(ch, c.PlayerID)
		})
	}
	if len(ch.clients) == 0 {
		ch.destroy = time.AfterFunc(m.cfg.DestroyGrace, func() {
			m.destroy(ch)
		})
	}
	ch.mu.Unlock()

	metrics.ConnectionsTotal.Dec()
	c.close(reason)
}

// evict fires when a player's disconnect grace expires without a reattach.
func (m *Manager) evict(ch *partyChannel, playerID string) {
	ch.mu.Lock()
	if _, reattached := ch.byConn[playerID]; reattached {
		ch.mu.Unlock()
		return
	}
	delete(ch.graces, playerID)
	ch.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.evictor.Evict(ctx, ch.partyID, playerID); err != nil {
		log.Printf("[channel] evict player=%s party=%s: %v", playerID, ch.partyID, err)
	}
}

// destroy fires when a channel's empty grace expires.
func (m *Manager) destroy(ch *partyChannel) {
	ch.mu.Lock()
	if len(ch.clients) > 0 {
		ch.mu.Unlock()
		return
	}
	for _, grace := range ch.graces {
		grace.Stop()
	}
	ch.graces = make(map[string]*time.Timer)
	ch.mu.Unlock()

	m.mu.Lock()
	if current, ok := m.channels[ch.partyID]; ok && current == ch {
		delete(m.channels, ch.partyID)
		metrics.ActiveChannels.Set(float64(len(m.channels)))
	}
	m.mu.Unlock()

	ch.sub.Cancel()
	log.Printf("[channel] closed party=%s", ch.partyID)
}

// ActiveChannels reports the number of live party channels.
func (m *Manager) ActiveChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Close stops the idle sweep and tears down every channel and client.
func (m *Manager) Close() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })

	m.mu.Lock()
	channels := make([]*partyChannel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*partyChannel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		for c := range ch.clients {
			c.close("")
		}
		ch.clients = make(map[*Client]struct{})
		for _, grace := range ch.graces {
			grace.Stop()
		}
		if ch.destroy != nil {
			ch.destroy.Stop()
		}
		ch.mu.Unlock()
		ch.sub.Cancel()
	}
	metrics.ActiveChannels.Set(0)
	metrics.ConnectionsTotal.Set(0)
}

// sweep closes clients that sent nothing for the idle timeout.
func (m *Manager) sweep() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(-m.cfg.IdleTimeout)
			for _, c := range m.idleClients(deadline) {
				log.Printf("[channel] closing idle player=%s party=%s", c.PlayerID, c.PartyID)
				m.detach(c, protocol.CloseIdle)
			}
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) idleClients(deadline time.Time) []*Client {
	var idle []*Client
	m.mu.Lock()
	channels := make([]*partyChannel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		for c := range ch.clients {
			if c.idleSince(deadline) {
				idle = append(idle, c)
			}
		}
		ch.mu.Unlock()
	}
	return idle
}
