package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openlobby/matchmaker/internal/eventbus"
	"github.com/openlobby/matchmaker/internal/metrics"
	"github.com/openlobby/matchmaker/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames chan protocol.Frame
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan protocol.Frame, 32)}
}

func (f *fakeConn) WriteFrame(fr protocol.Frame) error {
	f.frames <- fr
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) await(t *testing.T, event string) protocol.Frame {
	t.Helper()
	select {
	case fr := <-f.frames:
		if fr.Event != event {
			t.Fatalf("expected %s frame, got %s", event, fr.Event)
		}
		return fr
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s frame", event)
		return protocol.Frame{}
	}
}

type allowAll struct{}

func (allowAll) IsMember(context.Context, string, string) bool { return true }

type memberSet map[string]bool

func (m memberSet) IsMember(_ context.Context, _, playerID string) bool { return m[playerID] }

type fakeEvictor struct {
	mu      sync.Mutex
	evicted []string
}

func (f *fakeEvictor) Evict(_ context.Context, _, playerID string) error {
	f.mu.Lock()
	f.evicted = append(f.evicted, playerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeEvictor) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.evicted...)
}

func quickConfig() Config {
	return Config{
		IdleTimeout:   time.Hour,
		SweepInterval: time.Hour,
		DestroyGrace:  20 * time.Millisecond,
		EvictGrace:    20 * time.Millisecond,
	}
}

func TestAttachRequiresMembership(t *testing.T) {
	bus := eventbus.New()
	m := NewManager(quickConfig(), bus, memberSet{"in": true}, &fakeEvictor{})
	defer m.Close()

	if _, err := m.Attach("p1", "out", newFakeConn()); err != ErrNotMember {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if _, err := m.Attach("p1", "in", newFakeConn()); err != nil {
		t.Fatalf("attach member: %v", err)
	}
}

func TestAttachSendsConnected(t *testing.T) {
	bus := eventbus.New()
	m := NewManager(quickConfig(), bus, allowAll{}, &fakeEvictor{})
	defer m.Close()

	conn := newFakeConn()
	if _, err := m.Attach("p1", "a", conn); err != nil {
		t.Fatalf("attach: %v", err)
	}

	f := conn.await(t, protocol.EventConnected)
	data := f.Data.(protocol.ConnectedData)
	if data.PartyID != "p1" || data.PlayerID != "a" {
		t.Fatalf("unexpected connected data: %+v", data)
	}
}

func TestBusEventReachesAllClients(t *testing.T) {
	bus := eventbus.New()
	m := NewManager(quickConfig(), bus, allowAll{}, &fakeEvictor{})
	defer m.Close()

	c1 := newFakeConn()
	c2 := newFakeConn()
	if _, err := m.Attach("p1", "a", c1); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if _, err := m.Attach("p1", "b", c2); err != nil {
		t.Fatalf("attach b: %v", err)
	}
	c1.await(t, protocol.EventConnected)
	c2.await(t, protocol.EventConnected)

	bus.Publish("p1", protocol.EventQueueEntered, protocol.QueueEnteredData{PartyID: "p1"})

	for _, conn := range []*fakeConn{c1, c2} {
		f := conn.await(t, protocol.EventQueueEntered)
		if f.Seq != 1 {
			t.Fatalf("expected seq 1, got %d", f.Seq)
		}
	}
}

func TestChannelDestroyedAfterGrace(t *testing.T) {
	bus := eventbus.New()
	m := NewManager(quickConfig(), bus, allowAll{}, &fakeEvictor{})
	defer m.Close()

	conn := newFakeConn()
	client, err := m.Attach("p1", "a", conn)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := m.ActiveChannels(); got != 1 {
		t.Fatalf("expected 1 channel, got %d", got)
	}

	m.Detach(client)

	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveChannels() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("channel not destroyed after grace")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !conn.isClosed() {
		t.Fatal("expected client connection closed on detach")
	}
}

func TestReattachCancelsDestroy(t *testing.T) {
	bus := eventbus.New()
	cfg := quickConfig()
	cfg.DestroyGrace = 100 * time.Millisecond
	m := NewManager(cfg, bus, allowAll{}, &fakeEvictor{})
	defer m.Close()

	c1 := newFakeConn()
	client, err := m.Attach("p1", "a", c1)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	m.Detach(client)

	c2 := newFakeConn()
	if _, err := m.Attach("p1", "a", c2); err != nil {
		t.Fatalf("reattach: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := m.ActiveChannels(); got != 1 {
		t.Fatalf("expected channel to survive reattach, got %d channels", got)
	}
}

func TestPlayerEvictedAfterGrace(t *testing.T) {
	bus := eventbus.New()
	ev := &fakeEvictor{}
	m := NewManager(quickConfig(), bus, allowAll{}, ev)
	defer m.Close()

	conn := newFakeConn()
	client, err := m.Attach("p1", "a", conn)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	m.Detach(client)

	deadline := time.Now().Add(2 * time.Second)
	for len(ev.list()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("player not evicted after grace")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := ev.list(); got[0] != "a" {
		t.Fatalf("expected eviction of player a, got %v", got)
	}
}

func TestReattachCancelsEviction(t *testing.T) {
	bus := eventbus.New()
	ev := &fakeEvictor{}
	cfg := quickConfig()
	cfg.EvictGrace = 100 * time.Millisecond
	m := NewManager(cfg, bus, allowAll{}, ev)
	defer m.Close()

	c1 := newFakeConn()
	client, err := m.Attach("p1", "a", c1)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	m.Detach(client)

	c2 := newFakeConn()
	if _, err := m.Attach("p1", "a", c2); err != nil {
		t.Fatalf("reattach: %v", err)
	}

	time.Sleep(250 * time.Millisecond)
	if got := ev.list(); len(got) != 0 {
		t.Fatalf("expected no eviction after reattach, got %v", got)
	}
}

// blockingConn parks the writer on its first frame and records every frame
// written after that.
type blockingConn struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
}

func (b *blockingConn) WriteFrame(f protocol.Frame) error {
	var first bool
	b.once.Do(func() {
		first = true
		close(b.entered)
	})
	if first {
		<-b.release
		return nil
	}
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.mu.Unlock()
	return nil
}

func (b *blockingConn) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *blockingConn) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *blockingConn) written() []protocol.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Frame{}, b.frames...)
}

func TestSlowClientDroppedWithBackpressure(t *testing.T) {
	bus := eventbus.New()
	m := NewManager(quickConfig(), bus, allowAll{}, &fakeEvictor{})
	defer m.Close()

	bc := &blockingConn{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(bc.release)
	client, err := m.Attach("p1", "a", bc)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	// The connected frame parks the writer inside WriteFrame; the queue
	// is empty once that happens.
	<-bc.entered

	before := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues("channel"))
	for i := 0; i < clientQueueSize+1; i++ {
		client.Send(protocol.Frame{Event: protocol.EventPartyUpdated})
	}
	after := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues("channel"))
	if delta := after - before; delta != 1 {
		t.Fatalf("expected 1 dropped frame, got %v", delta)
	}

	// The overflow closes the client, not just the frame.
	deadline := time.Now().Add(2 * time.Second)
	for !bc.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("overflowed client not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var reasons []string
	for _, f := range bc.written() {
		if f.Event == protocol.EventError {
			reasons = append(reasons, f.Data.(protocol.ErrorData).Code)
		}
	}
	if len(reasons) != 1 || reasons[0] != protocol.CloseBackpressure {
		t.Fatalf("expected one backpressure close frame, got %v", reasons)
	}
}

func TestIdleClientsAreClosed(t *testing.T) {
	bus := eventbus.New()
	cfg := Config{
		IdleTimeout:   30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		DestroyGrace:  time.Hour,
		EvictGrace:    time.Hour,
	}
	m := NewManager(cfg, bus, allowAll{}, &fakeEvictor{})
	defer m.Close()

	conn := newFakeConn()
	if _, err := m.Attach("p1", "a", conn); err != nil {
		t.Fatalf("attach: %v", err)
	}
	conn.await(t, protocol.EventConnected)

	deadline := time.Now().Add(2 * time.Second)
	for !conn.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("idle client not closed by sweep")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f := conn.await(t, protocol.EventError)
	if data := f.Data.(protocol.ErrorData); data.Code != protocol.CloseIdle {
		t.Fatalf("expected idle close reason, got %s", data.Code)
	}
}
