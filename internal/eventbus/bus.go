// Package eventbus fans party events out to in-process subscribers. Each
// party has its own topic with a monotonically increasing sequence number;
// publishing never blocks, slow subscribers lose events instead.
package eventbus

import (
	"log"
	"sync"

	"github.com/openlobby/matchmaker/internal/metrics"
	"github.com/openlobby/matchmaker/internal/protocol"
)

const subscriptionBuffer = 64

// Forwarder receives every published frame after local fan-out. The gateway
// installs a NATS forwarder here so other instances see party events too.
type Forwarder interface {
	Forward(partyID string, frame protocol.Frame)
}

// Subscription is one receiver on a party topic. Read frames from C; call
// Cancel when done. C is closed on Cancel.
type Subscription struct {
	PartyID string
	C       chan protocol.Frame

	bus  *Bus
	once sync.Once
}

// Cancel detaches the subscription from the bus and closes C. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.C)
	})
}

type topic struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// Bus routes frames to subscribers keyed by party id.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]*topic
	forwarder Forwarder
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// SetForwarder installs the cross-instance forwarder. Call before the bus
// sees traffic.
func (b *Bus) SetForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarder = f
	b.mu.Unlock()
}

// Subscribe registers a new receiver for the party's events.
func (b *Bus) Subscribe(partyID string) *Subscription {
	sub := &Subscription{
		PartyID: partyID,
		C:       make(chan protocol.Frame, subscriptionBuffer),
	}
	sub.bus = b

	b.mu.Lock()
	t, ok := b.topics[partyID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[partyID] = t
	}
	t.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish stamps the frame with the party's next sequence number and hands
// it to every subscriber. Subscribers with a full buffer are skipped.
func (b *Bus) Publish(partyID string, event string, data interface{}) {
	b.mu.Lock()
	t, ok := b.topics[partyID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[partyID] = t
	}
	t.seq++
	frame := protocol.Frame{Event: event, Data: data, Seq: t.seq}

	for sub := range t.subs {
		select {
		case sub.C <- frame:
		default:
			metrics.EventsDropped.WithLabelValues("bus").Inc()
			log.Printf("[eventbus] dropped %s event for party=%s: subscriber full", event, partyID)
		}
	}
	fwd := b.forwarder
	b.mu.Unlock()

	if fwd != nil {
		fwd.Forward(partyID, frame)
	}
}

// Inject delivers an externally originated frame (from another instance,
// via NATS) without advancing the local sequence; the frame keeps the
// sequence its origin stamped.
func (b *Bus) Inject(partyID string, frame protocol.Frame) {
	b.mu.RLock()
	t, ok := b.topics[partyID]
	if ok {
		for sub := range t.subs {
			select {
			case sub.C <- frame:
			default:
				metrics.EventsDropped.WithLabelValues("bus").Inc()
				log.Printf("[eventbus] dropped injected %s event for party=%s: subscriber full",
					frame.Event, partyID)
			}
		}
	}
	b.mu.RUnlock()
}

// Drop discards a party's topic and its sequence counter. Existing
// subscriptions stay valid but will receive nothing further.
func (b *Bus) Drop(partyID string) {
	b.mu.Lock()
	delete(b.topics, partyID)
	b.mu.Unlock()
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	if t, ok := b.topics[s.PartyID]; ok {
		delete(t.subs, s)
		if len(t.subs) == 0 && t.seq == 0 {
			delete(b.topics, s.PartyID)
		}
	}
	b.mu.Unlock()
}
