package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/openlobby/matchmaker/internal/engine"
	"github.com/openlobby/matchmaker/internal/eventbus"
	"github.com/openlobby/matchmaker/internal/protocol"
	"github.com/openlobby/matchmaker/internal/queue"
)

// DequeueRequest asks the matchmaker to drop a party from the queue.
type DequeueRequest struct {
	PartyID string `json:"party_id"`
}

// SessionEndedNotice tells gateways that a match session terminated.
type SessionEndedNotice struct {
	MatchID  string   `json:"match_id"`
	PartyIDs []string `json:"party_ids"`
	Reason   string   `json:"reason"`
}

// partyEventEnvelope carries a party event between gateway instances.
// Origin lets a gateway skip frames it published itself.
type partyEventEnvelope struct {
	Origin  string         `json:"origin"`
	PartyID string         `json:"party_id"`
	Frame   protocol.Frame `json:"frame"`
}

// QueuePublisher hands queue commands to the matchmaker over the broker.
// It satisfies the party manager's queue gateway.
type QueuePublisher struct {
	broker Broker
}

// NewQueuePublisher creates a QueuePublisher.
func NewQueuePublisher(broker Broker) *QueuePublisher {
	return &QueuePublisher{broker: broker}
}

// EnterQueue publishes the entry on the enqueue subject.
func (p *QueuePublisher) EnterQueue(_ context.Context, entry *queue.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("messaging: marshal enqueue for %s: %w", entry.PartyID, err)
	}
	if err := p.broker.Publish(SubjectQueueEnqueue, data); err != nil {
		return fmt.Errorf("messaging: publish enqueue for %s: %w", entry.PartyID, err)
	}
	return nil
}

// LeaveQueue publishes a dequeue request for the party.
func (p *QueuePublisher) LeaveQueue(_ context.Context, partyID string) error {
	data, err := json.Marshal(DequeueRequest{PartyID: partyID})
	if err != nil {
		return fmt.Errorf("messaging: marshal dequeue for %s: %w", partyID, err)
	}
	if err := p.broker.Publish(SubjectQueueDequeue, data); err != nil {
		return fmt.Errorf("messaging: publish dequeue for %s: %w", partyID, err)
	}
	return nil
}

// SubscribeEnqueue delivers decoded queue entries to the handler. Malformed
// payloads are logged and dropped.
func SubscribeEnqueue(broker Broker, handler func(*queue.Entry)) error {
	return broker.Subscribe(SubjectQueueEnqueue, func(data []byte) {
		var entry queue.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			log.Printf("[messaging] bad enqueue payload: %v", err)
			return
		}
		handler(&entry)
	})
}

// SubscribeDequeue delivers dequeue requests to the handler.
func SubscribeDequeue(broker Broker, handler func(partyID string)) error {
	return broker.Subscribe(SubjectQueueDequeue, func(data []byte) {
		var req DequeueRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[messaging] bad dequeue payload: %v", err)
			return
		}
		handler(req.PartyID)
	})
}

// PublishMatchFound announces a formed match to the gateways.
func PublishMatchFound(broker Broker, m *engine.Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("messaging: marshal match %s: %w", m.ID, err)
	}
	if err := broker.Publish(SubjectMatchFound, data); err != nil {
		return fmt.Errorf("messaging: publish match %s: %w", m.ID, err)
	}
	return nil
}

// SubscribeMatchFound delivers decoded match announcements to the handler.
func SubscribeMatchFound(broker Broker, handler func(*engine.Match)) error {
	return broker.Subscribe(SubjectMatchFound, func(data []byte) {
		var m engine.Match
		if err := json.Unmarshal(data, &m); err != nil {
			log.Printf("[messaging] bad match payload: %v", err)
			return
		}
		handler(&m)
	})
}

// PublishQueueTimeout announces a queue entry retired by the matchmaker.
func PublishQueueTimeout(broker Broker, entry *queue.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("messaging: marshal timeout for %s: %w", entry.PartyID, err)
	}
	if err := broker.Publish(SubjectQueueTimeout, data); err != nil {
		return fmt.Errorf("messaging: publish timeout for %s: %w", entry.PartyID, err)
	}
	return nil
}

// SubscribeQueueTimeout delivers timed-out queue entries to the handler.
func SubscribeQueueTimeout(broker Broker, handler func(*queue.Entry)) error {
	return broker.Subscribe(SubjectQueueTimeout, func(data []byte) {
		var entry queue.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			log.Printf("[messaging] bad timeout payload: %v", err)
			return
		}
		handler(&entry)
	})
}

// PublishSessionEnded announces a terminated session to all gateways.
func PublishSessionEnded(broker Broker, notice SessionEndedNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("messaging: marshal session end %s: %w", notice.MatchID, err)
	}
	if err := broker.Publish(SubjectSessionEnded, data); err != nil {
		return fmt.Errorf("messaging: publish session end %s: %w", notice.MatchID, err)
	}
	return nil
}

// SubscribeSessionEnded delivers session termination notices to the handler.
func SubscribeSessionEnded(broker Broker, handler func(SessionEndedNotice)) error {
	return broker.Subscribe(SubjectSessionEnded, func(data []byte) {
		var notice SessionEndedNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			log.Printf("[messaging] bad session end payload: %v", err)
			return
		}
		handler(notice)
	})
}

// EventForwarder relays local party events to other gateway instances and
// injects theirs into the local bus. Origin identifies this instance so its
// own frames are not delivered twice.
type EventForwarder struct {
	broker Broker
	origin string
}

// NewEventForwarder creates a forwarder with a unique instance origin.
func NewEventForwarder(broker Broker, origin string) *EventForwarder {
	return &EventForwarder{broker: broker, origin: origin}
}

// Forward publishes a locally generated frame on the party's subject.
// It satisfies the event bus forwarder hook.
func (f *EventForwarder) Forward(partyID string, frame protocol.Frame) {
	data, err := json.Marshal(partyEventEnvelope{
		Origin:  f.origin,
		PartyID: partyID,
		Frame:   frame,
	})
	if err != nil {
		log.Printf("[messaging] marshal party event for %s: %v", partyID, err)
		return
	}
	if err := f.broker.Publish(SubjectPartyEvents+"."+partyID, data); err != nil {
		log.Printf("[messaging] forward party event for %s: %v", partyID, err)
	}
}

// Attach subscribes to all party event subjects and injects frames from
// other instances into the bus with their origin sequence intact.
func (f *EventForwarder) Attach(bus *eventbus.Bus) error {
	return f.broker.Subscribe(SubjectPartyEvents+".>", func(data []byte) {
		var env partyEventEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[messaging] bad party event payload: %v", err)
			return
		}
		if env.Origin == f.origin {
			return
		}
		bus.Inject(env.PartyID, env.Frame)
	})
}
