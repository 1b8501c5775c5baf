package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inboxsync/internal/clock"
)

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames(t *testing.T) []envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope, 0, len(c.written))
	for _, w := range c.written {
		var env envelope
		if err := json.Unmarshal(w, &env); err != nil {
			t.Fatalf("written frame is not an envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

// fakeDialer fails the first failures dials, then hands out fresh conns.
type fakeDialer struct {
	failures atomic.Int32
	dials    atomic.Int32
	// block, when set, holds dials whose Authorization header matches.
	blockAuth string
	release   chan struct{}

	conns   chan *fakeConn
	headers chan http.Header
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16), headers: make(chan http.Header, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.dials.Add(1)
	d.headers <- header
	if d.blockAuth != "" && header.Get("Authorization") == d.blockAuth {
		<-d.release
	}
	if d.failures.Load() > 0 {
		d.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	clock   *clock.FakeClock
	states  chan StateChange
	retries chan time.Duration
}

func newHarness(t *testing.T, backoff Backoff) *harness {
	t.Helper()
	h := &harness{
		dialer:  newFakeDialer(),
		clock:   clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		states:  make(chan StateChange, 64),
		retries: make(chan time.Duration, 64),
	}
	m, err := NewManager(Options{
		URL:     "ws://chat.test/socket",
		Dialer:  h.dialer,
		Clock:   h.clock,
		Backoff: backoff,
		OnReconnectScheduled: func(_ int, delay time.Duration) {
			h.retries <- delay
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.OnStateChange(func(c StateChange) { h.states <- c })
	h.m = m
	t.Cleanup(m.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want State) StateChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-h.states:
			if c.To == want {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (now %s)", want, h.m.State())
		}
	}
}

func (h *harness) waitRetry(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-h.retries:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a scheduled reconnect")
	}
	return 0
}

func (h *harness) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-h.dialer.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a dial")
	}
	return nil
}

var visitor = Identity{ProjectID: "p1", VisitorUID: "v1"}

func TestHandshakeIsFirstFrame(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	if h.m.Send(TypingState{IsTyping: true}) {
		t.Fatalf("send before connect must report false")
	}

	h.m.Connect(visitor)
	conn := h.waitConn(t)
	h.waitState(t, StateConnected)

	if !h.m.Send(SendMessage{Content: "hello", ClientMessageID: "tmp-1"}) {
		t.Fatalf("send on open socket must succeed")
	}
	frames := conn.frames(t)
	if len(frames) != 2 {
		t.Fatalf("want 2 frames, got %d", len(frames))
	}
	if frames[0].Event != EventIdentify {
		t.Fatalf("first frame: want identify got %s", frames[0].Event)
	}
	var id Identify
	_ = json.Unmarshal(frames[0].Payload, &id)
	if id.ProjectID != "p1" || id.VisitorUID != "v1" {
		t.Fatalf("identify payload: %+v", id)
	}
	if frames[1].Event != EventSendMessage {
		t.Fatalf("second frame: want sendMessage got %s", frames[1].Event)
	}
}

func TestConnectSameIdentityIsNoop(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	h.m.Connect(visitor)
	h.waitConn(t)
	h.waitState(t, StateConnected)
	h.m.Connect(visitor)
	if n := h.dialer.dials.Load(); n != 1 {
		t.Fatalf("want a single dial, got %d", n)
	}
}

func TestReconnectBackoffResetsOnOpen(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	h.dialer.failures.Store(3)
	h.m.Connect(visitor)

	for _, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		got := h.waitRetry(t)
		if got != want {
			t.Fatalf("retry delay: want=%s got=%s", want, got)
		}
		h.clock.Advance(got)
	}
	conn := h.waitConn(t)
	h.waitState(t, StateConnected)
	if st := h.m.Status(); st.Attempt != 0 {
		t.Fatalf("attempt counter must reset on open, got %d", st.Attempt)
	}

	conn.Close()
	if got := h.waitRetry(t); got != time.Second {
		t.Fatalf("delay after a successful open must restart at base, got %s", got)
	}
	h.clock.Advance(time.Second)
	h.waitConn(t)
	change := h.waitState(t, StateConnected)
	if !change.Reconnected {
		t.Fatalf("second open must be flagged as a reconnect")
	}
}

func TestBoundedReconnectGivesUp(t *testing.T) {
	h := newHarness(t, Backoff{Base: time.Second, Max: 4 * time.Second, MaxAttempts: 2})
	h.dialer.failures.Store(10)
	h.m.Connect(visitor)

	h.clock.Advance(h.waitRetry(t))
	h.clock.Advance(h.waitRetry(t))
	for i := 0; i < 3; i++ {
		<-h.dialer.headers
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.m.State() != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatalf("manager did not settle on disconnected, state %s", h.m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case d := <-h.retries:
		t.Fatalf("no reconnect may be scheduled after the limit, got %s", d)
	case <-time.After(50 * time.Millisecond):
	}
	if n := h.dialer.dials.Load(); n != 3 {
		t.Fatalf("want 3 dials, got %d", n)
	}
	if st := h.m.Status(); st.LastError == "" {
		t.Fatalf("last dial error must be reported")
	}
}

func TestIdentityChangeTearsDownOldSocket(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	h.m.Connect(Identity{Token: "agent-a"})
	first := h.waitConn(t)
	<-h.dialer.headers
	h.waitState(t, StateConnected)

	h.m.Connect(Identity{Token: "agent-b"})
	second := h.waitConn(t)
	if hdr := <-h.dialer.headers; hdr.Get("Authorization") != "Bearer agent-b" {
		t.Fatalf("new dial must carry the new credential, got %q", hdr.Get("Authorization"))
	}
	h.waitState(t, StateConnected)

	if !first.isClosed() {
		t.Fatalf("old socket must be closed")
	}
	var id Identify
	_ = json.Unmarshal(second.frames(t)[0].Payload, &id)
	if id.Token != "agent-b" {
		t.Fatalf("identify on new socket: %+v", id)
	}
}

func TestRenewKeepsReconnectHistory(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	h.m.Connect(Identity{Token: "token-v1"})
	first := h.waitConn(t)
	<-h.dialer.headers
	h.waitState(t, StateConnected)

	first.Close()
	h.waitState(t, StateDisconnected)
	h.waitRetry(t)

	h.m.Renew(Identity{Token: "token-v2"})
	second := h.waitConn(t)
	if hdr := <-h.dialer.headers; hdr.Get("Authorization") != "Bearer token-v2" {
		t.Fatalf("redial must carry the renewed credential, got %q", hdr.Get("Authorization"))
	}
	change := h.waitState(t, StateConnected)
	if !change.Reconnected {
		t.Fatalf("open after a renewed redial must be flagged as a reconnect")
	}
	var id Identify
	_ = json.Unmarshal(second.frames(t)[0].Payload, &id)
	if id.Token != "token-v2" {
		t.Fatalf("identify on renewed socket: %+v", id)
	}

	h.clock.Advance(time.Minute)
	if n := h.dialer.dials.Load(); n != 2 {
		t.Fatalf("the pending backoff timer must be cancelled, got %d dials", n)
	}
}

func TestRenewWithoutSessionIsIgnored(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	h.m.Renew(Identity{Token: "token-v2"})
	if n := h.dialer.dials.Load(); n != 0 || h.m.State() != StateDisconnected {
		t.Fatalf("renew before connect must not dial: dials=%d state=%s", n, h.m.State())
	}
}

func TestStaleDialNeverBecomesLive(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	h.dialer.blockAuth = "Bearer agent-a"
	h.dialer.release = make(chan struct{})

	h.m.Connect(Identity{Token: "agent-a"})
	<-h.dialer.headers
	h.m.Connect(Identity{Token: "agent-b"})
	fresh := h.waitConn(t)
	h.waitState(t, StateConnected)

	close(h.dialer.release)
	stale := h.waitConn(t)
	deadline := time.Now().Add(2 * time.Second)
	for !stale.isClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("stale socket was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(stale.frames(t)); n != 0 {
		t.Fatalf("stale socket must not be identified, wrote %d frames", n)
	}
	if fresh.isClosed() || h.m.State() != StateConnected {
		t.Fatalf("live socket must survive the stale dial")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	h.m.Connect(visitor)
	conn := h.waitConn(t)
	h.waitState(t, StateConnected)

	h.m.Close()
	h.waitState(t, StateClosed)
	if !conn.isClosed() {
		t.Fatalf("socket must be closed")
	}
	h.m.Connect(visitor)
	h.clock.Advance(time.Minute)
	if h.m.State() != StateClosed {
		t.Fatalf("closed manager must stay closed, got %s", h.m.State())
	}
	if n := h.dialer.dials.Load(); n != 1 {
		t.Fatalf("no dial after close, got %d", n)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("no timer may stay armed after close")
	}
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	got := make(chan Event, 4)
	h.m.Subscribe(EventNewMessage, func(Event) { panic("boom") })
	h.m.Subscribe(EventNewMessage, func(ev Event) { got <- ev })
	all := make(chan string, 4)
	unsubscribe := h.m.Subscribe(AllEvents, func(ev Event) { all <- ev.EventName() })

	h.m.Connect(visitor)
	conn := h.waitConn(t)
	h.waitState(t, StateConnected)

	conn.inbound <- []byte(`{"event":"newMessage","payload":{"id":5,"conversationId":2,"content":"hi","fromCustomer":true,"createdAt":"2026-01-01T00:00:00Z"}}`)
	select {
	case ev := <-got:
		msg := ev.(NewMessageEvent).Message
		if msg.ConversationID != 2 || !msg.FromCustomer {
			t.Fatalf("decoded message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second handler did not run")
	}
	if name := <-all; name != EventNewMessage {
		t.Fatalf("wildcard handler got %s", name)
	}

	unsubscribe()
	conn.inbound <- []byte(`{"event":"newMessage","payload":{"id":6,"conversationId":2}}`)
	<-got
	select {
	case name := <-all:
		t.Fatalf("unsubscribed handler still called for %s", name)
	default:
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	order := make(chan string, 8)
	h.m.Subscribe(AllEvents, func(Event) { order <- "all-1" })
	h.m.Subscribe(EventNewMessage, func(Event) { order <- "named-1" })
	h.m.Subscribe(AllEvents, func(Event) { order <- "all-2" })
	h.m.Subscribe(EventNewMessage, func(Event) { order <- "named-2" })

	h.m.Connect(visitor)
	conn := h.waitConn(t)
	h.waitState(t, StateConnected)
	conn.inbound <- []byte(`{"event":"newMessage","payload":{"id":5,"conversationId":2}}`)

	want := []string{"all-1", "named-1", "all-2", "named-2"}
	for _, w := range want {
		select {
		case got := <-order:
			if got != w {
				t.Fatalf("delivery order: want %s got %s", w, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("handler %s did not run", w)
		}
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t, DefaultBackoff())
	got := make(chan Event, 4)
	h.m.Subscribe(EventVisitorContextUpdate, func(ev Event) { got <- ev })

	h.m.Connect(visitor)
	conn := h.waitConn(t)
	h.waitState(t, StateConnected)

	conn.inbound <- []byte(`not json`)
	conn.inbound <- []byte(`{"event":"somethingElse","payload":{}}`)
	conn.inbound <- []byte(`{"event":"visitor_context_update","payload":{"visitorId":"x"}}`)
	conn.inbound <- []byte(`{"event":"visitor_context_update","payload":{"visitorId":4,"currentUrl":"https://shop.test/cart"}}`)

	select {
	case ev := <-got:
		vc := ev.(VisitorContextEvent)
		if vc.VisitorID != 4 || vc.CurrentURL != "https://shop.test/cart" {
			t.Fatalf("event: %+v", vc)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("valid frame after malformed ones was not delivered")
	}
	if h.m.State() != StateConnected {
		t.Fatalf("malformed frames must not drop the socket")
	}
}
