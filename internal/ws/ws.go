// Package ws upgrades HTTP connections to WebSocket and binds them to party
// channels. Each connection gets its own reader goroutine; writes go through
// the channel layer's per-client queue.
package ws

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/mux"

	"github.com/openlobby/matchmaker/internal/channel"
	"github.com/openlobby/matchmaker/internal/identity"
	"github.com/openlobby/matchmaker/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Handler upgrades party WebSocket requests. Route it at
// /v1/ws/party/{party_id}; the bearer token travels in the token query
// parameter because browser WebSocket clients cannot set headers.
type Handler struct {
	verifier identity.Verifier
	channels *channel.Manager
}

// NewHandler creates a Handler.
func NewHandler(verifier identity.Verifier, channels *channel.Manager) *Handler {
	return &Handler{verifier: verifier, channels: channels}
}

// wsConn adapts a raw upgraded connection to the channel layer's Conn. The
// mutex serializes the writer goroutine against the final close frame.
type wsConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *wsConn) WriteFrame(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ServeHTTP authenticates the request, upgrades it, and attaches the client
// to its party channel.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	partyID := mux.Vars(r)["party_id"]
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	id, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	rawConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed for player=%s: %v", id.PlayerID, err)
		return
	}

	conn := &wsConn{conn: rawConn}
	client, err := h.channels.Attach(partyID, id.PlayerID, conn)
	if err != nil {
		conn.WriteFrame(protocol.Frame{
			Event: protocol.EventError,
			Data:  protocol.ErrorData{Code: "forbidden", Message: "not a member of this party"},
		})
		rawConn.Close()
		return
	}

	log.Printf("[ws] connected player=%s party=%s remote=%s",
		id.PlayerID, partyID, rawConn.RemoteAddr())
	go h.readLoop(rawConn, client)
}

// readLoop consumes client frames until the connection dies. The only
// application message clients send is the keepalive ping.
func (h *Handler) readLoop(rawConn net.Conn, client *channel.Client) {
	defer h.channels.Detach(client)

	for {
		data, op, err := wsutil.ReadClientData(rawConn)
		if err != nil {
			log.Printf("[ws] read from player=%s party=%s: %v",
				client.PlayerID, client.PartyID, err)
			return
		}
		if op != ws.OpText {
			continue
		}

		client.Touch()

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			client.Send(protocol.Frame{
				Event: protocol.EventError,
				Data:  protocol.ErrorData{Code: "bad_message", Message: err.Error()},
			})
			continue
		}
		if msg.Type == protocol.TypePing {
			client.Send(protocol.Frame{Event: protocol.EventPong})
		}
	}
}
