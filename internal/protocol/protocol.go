// Package protocol defines the WebSocket frame types exchanged between the
// gateway and connected clients. Server frames share a single envelope
// {event, data, seq}; client messages carry a type discriminator and are
// currently limited to the keepalive ping.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Server -> client event names.
const (
	EventConnected    = "connected"
	EventMemberJoined = "member_joined"
	EventMemberLeft   = "member_left"
	EventMemberReady  = "member_ready"
	EventPartyUpdated = "party_updated"
	EventQueueEntered = "queue_entered"
	EventQueueLeft    = "queue_left"
	EventMatchFound   = "match_found"
	EventSessionEnded = "session_ended"
	EventPong         = "pong"
	EventError        = "error"
)

// Client -> server message types.
const (
	TypePing = "ping"
)

// Queue-left reasons.
const (
	ReasonCancelled      = "cancelled"
	ReasonUnderpopulated = "underpopulated"
	ReasonTimeout        = "timeout"
)

// Channel close reasons.
const (
	CloseIdle         = "idle"
	CloseBackpressure = "backpressure"
)

// Frame is the server -> client envelope. Seq is the per-party monotonic
// event sequence; frames that are not party events (connected, pong, error)
// carry seq 0.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	Seq   uint64      `json:"seq"`
}

// Encode marshals the frame to its wire form.
func (f Frame) Encode() ([]byte, error) {
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s frame: %w", f.Event, err)
	}
	return out, nil
}

// ConnectedData is sent once when a client attaches to a party channel.
type ConnectedData struct {
	PartyID  string `json:"party_id"`
	PlayerID string `json:"player_id"`
}

// MemberData describes a membership change (joined, left).
type MemberData struct {
	PartyID  string `json:"party_id"`
	PlayerID string `json:"player_id"`
	Username string `json:"username"`
}

// MemberReadyData describes a ready toggle.
type MemberReadyData struct {
	PartyID  string `json:"party_id"`
	PlayerID string `json:"player_id"`
	Username string `json:"username"`
	Ready    bool   `json:"ready"`
}

// PartyUpdatedData carries the party's new status on lifecycle changes
// that have no dedicated event (disband, for example).
type PartyUpdatedData struct {
	PartyID string `json:"party_id"`
	Status  string `json:"status"`
}

// QueueEnteredData is published when a party enters the matchmaking queue.
type QueueEnteredData struct {
	PartyID  string `json:"party_id"`
	Mode     string `json:"mode"`
	TeamSize int    `json:"team_size"`
}

// QueueLeftData is published when a party leaves the queue, with the exit
// reason (cancelled, underpopulated, timeout).
type QueueLeftData struct {
	PartyID string `json:"party_id"`
	Reason  string `json:"reason"`
}

// MatchFoundData is published to each constituent party of a formed match.
type MatchFoundData struct {
	PartyID      string     `json:"party_id"`
	MatchID      string     `json:"match_id"`
	Teams        [][]string `json:"teams"`
	AvgMMR       int        `json:"avg_mmr"`
	QualityScore float64    `json:"quality_score"`
}

// SessionEndedData is published when a match session terminates.
type SessionEndedData struct {
	PartyID string `json:"party_id"`
	MatchID string `json:"match_id"`
	Reason  string `json:"reason"`
}

// ErrorData is sent to a single client on a protocol violation.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientMessage is the decoded form of a client -> server frame.
type ClientMessage struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes raw client bytes. Unknown types are returned
// with an error so the caller can answer with an error frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: parse client message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	switch msg.Type {
	case TypePing:
		return &msg, nil
	default:
		return nil, fmt.Errorf("protocol: unknown client message type: %q", msg.Type)
	}
}
