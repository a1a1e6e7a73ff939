package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/mux"

	"github.com/openlobby/matchmaker/internal/channel"
	"github.com/openlobby/matchmaker/internal/eventbus"
	"github.com/openlobby/matchmaker/internal/identity"
	"github.com/openlobby/matchmaker/internal/protocol"
)

type allowAll struct{}

func (allowAll) IsMember(context.Context, string, string) bool { return true }

type denyAll struct{}

func (denyAll) IsMember(context.Context, string, string) bool { return false }

type noopEvictor struct{}

func (noopEvictor) Evict(context.Context, string, string) error { return nil }

func newTestServer(t *testing.T, membership channel.Membership) (*httptest.Server, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg := channel.DefaultConfig()
	channels := channel.NewManager(cfg, bus, membership, noopEvictor{})
	t.Cleanup(channels.Close)

	verifier := identity.StaticVerifier{
		"tok-a": {PlayerID: "a", Username: "Ada"},
	}

	r := mux.NewRouter()
	r.Handle("/v1/ws/party/{party_id}", NewHandler(verifier, channels))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, bus
}

func dial(t *testing.T, srv *httptest.Server, path string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	// Frames the server sent during the handshake sit in br.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := &wsClient{t: t, conn: conn, rw: readWriter{r, conn}}
	t.Cleanup(func() { conn.Close() })
	return c
}

type readWriter struct {
	io.Reader
	io.Writer
}

type wsClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func (c *wsClient) read() protocol.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

func (c *wsClient) write(raw string) {
	c.t.Helper()
	if err := wsutil.WriteClientText(c.rw, []byte(raw)); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func TestConnectReceivesConnectedFrame(t *testing.T) {
	srv, _ := newTestServer(t, allowAll{})

	c := dial(t, srv, "/v1/ws/party/p1?token=tok-a")
	f := c.read()
	if f.Event != protocol.EventConnected {
		t.Fatalf("expected connected, got %s", f.Event)
	}
}

func TestPingPong(t *testing.T) {
	srv, _ := newTestServer(t, allowAll{})

	c := dial(t, srv, "/v1/ws/party/p1?token=tok-a")
	c.read() // connected

	c.write(`{"type":"ping"}`)
	if f := c.read(); f.Event != protocol.EventPong {
		t.Fatalf("expected pong, got %s", f.Event)
	}
}

func TestBadMessageGetsErrorFrame(t *testing.T) {
	srv, _ := newTestServer(t, allowAll{})

	c := dial(t, srv, "/v1/ws/party/p1?token=tok-a")
	c.read() // connected

	c.write(`{"type":"chat"}`)
	f := c.read()
	if f.Event != protocol.EventError {
		t.Fatalf("expected error frame, got %s", f.Event)
	}
}

func TestPartyEventsFlowToClient(t *testing.T) {
	srv, bus := newTestServer(t, allowAll{})

	c := dial(t, srv, "/v1/ws/party/p1?token=tok-a")
	c.read() // connected

	bus.Publish("p1", protocol.EventQueueEntered, protocol.QueueEnteredData{
		PartyID: "p1", Mode: "ranked", TeamSize: 5,
	})

	f := c.read()
	if f.Event != protocol.EventQueueEntered {
		t.Fatalf("expected queue_entered, got %s", f.Event)
	}
	if f.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", f.Seq)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t, allowAll{})

	resp, err := http.Get(srv.URL + "/v1/ws/party/p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t, allowAll{})

	resp, err := http.Get(srv.URL + "/v1/ws/party/p1?token=bogus")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestNonMemberGetsErrorAndClose(t *testing.T) {
	srv, _ := newTestServer(t, denyAll{})

	c := dial(t, srv, "/v1/ws/party/p1?token=tok-a")
	f := c.read()
	if f.Event != protocol.EventError {
		t.Fatalf("expected error frame, got %s", f.Event)
	}
	data := f.Data.(map[string]interface{})
	if data["code"] != "forbidden" {
		t.Fatalf("expected forbidden code, got %v", data["code"])
	}
}
