// Package transport owns the single realtime socket of a session: handshake,
// inbound event dispatch, outbound emits, and reconnection with backoff.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"inboxsync/internal/clock"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// Identity authenticates the socket: a bearer token for agents, a project
// and visitor uid for widget visitors.
type Identity struct {
	Token      string
	ProjectID  string
	VisitorUID string
}

// Key compares identities.
func (i Identity) Key() string {
	if i.Token != "" {
		return "agent:" + i.Token
	}
	return "visitor:" + i.ProjectID + "/" + i.VisitorUID
}

// Redacted is safe to log.
func (i Identity) Redacted() string {
	if i.Token != "" {
		return "agent"
	}
	return "visitor:" + i.ProjectID + "/" + i.VisitorUID
}

// Valid reports whether the identity can authenticate.
func (i Identity) Valid() bool {
	return i.Token != "" || (i.ProjectID != "" && i.VisitorUID != "")
}

func (i Identity) identify() Identify {
	if i.Token != "" {
		return Identify{Token: i.Token}
	}
	return Identify{ProjectID: i.ProjectID, VisitorUID: i.VisitorUID}
}

func (i Identity) header() http.Header {
	h := http.Header{}
	if i.Token != "" {
		h.Set("Authorization", "Bearer "+i.Token)
	}
	return h
}

// Handler receives decoded inbound events.
type Handler func(Event)

// StateChange is passed to state observers.
type StateChange struct {
	From State
	To   State
	// Reconnected is set on a transition to connected that follows an
	// earlier connection of the same identity. Events may have been missed.
	Reconnected bool
}

// Status is a snapshot for reporting.
type Status struct {
	State     State  `json:"state"`
	Identity  string `json:"identity,omitempty"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"lastError,omitempty"`
}

// Options configure a Manager.
type Options struct {
	URL          string
	Dialer       Dialer
	Clock        clock.Clock
	Backoff      Backoff
	PingInterval time.Duration
	// OnReconnectScheduled observes every armed reconnect.
	OnReconnectScheduled func(attempt int, delay time.Duration)
}

type handlerEntry struct {
	id int
	fn Handler
}

// Manager owns at most one socket at a time.
type Manager struct {
	opts Options

	mu            sync.Mutex
	state         State
	identity      Identity
	hasIdentity   bool
	everConnected bool
	conn          Conn
	generation    uint64
	attempt       int
	lastErr       error
	timer         clock.Timer
	cancelDial    context.CancelFunc
	pending       []func()

	writeMu sync.Mutex

	hmu           sync.RWMutex
	handlers      map[string][]handlerEntry
	stateHandlers []stateEntry
	nextID        int
}

type stateEntry struct {
	id int
	fn func(StateChange)
}

// NewManager creates a disconnected manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("transport URL cannot be empty")
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	def := DefaultBackoff()
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = def.Base
	}
	if opts.Backoff.Max < opts.Backoff.Base {
		opts.Backoff.Max = def.Max
		if opts.Backoff.Max < opts.Backoff.Base {
			opts.Backoff.Max = opts.Backoff.Base
		}
	}
	return &Manager{
		opts:     opts,
		state:    StateDisconnected,
		handlers: make(map[string][]handlerEntry),
	}, nil
}

// unlock releases m.mu and runs the callbacks queued while it was held.
func (m *Manager) unlock() {
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	change := StateChange{From: from, To: to}
	if to == StateConnected {
		change.Reconnected = m.everConnected
		m.everConnected = true
	}
	log.Info().Str("from", string(from)).Str("to", string(to)).Bool("reconnected", change.Reconnected).Msg("Transport state changed")
	m.pending = append(m.pending, func() { m.notifyState(change) })
}

// Connect starts connecting with identity and returns immediately. It is a
// no-op for the current identity; a different identity tears the current
// socket down first.
func (m *Manager) Connect(identity Identity) {
	m.mu.Lock()
	defer m.unlock()
	if m.state == StateClosed {
		log.Warn().Msg("Transport: connect after close ignored")
		return
	}
	if m.hasIdentity && m.identity.Key() == identity.Key() && m.state != StateDisconnected {
		return
	}
	if m.hasIdentity && m.identity.Key() != identity.Key() {
		log.Info().Str("from", m.identity.Redacted()).Str("to", identity.Redacted()).Msg("Transport: identity changed, tearing down")
		m.teardownLocked()
		m.everConnected = false
	}
	m.identity = identity
	m.hasIdentity = true
	m.attempt = 0
	m.stopTimerLocked()
	m.dialLocked()
}

// Renew replaces the credential of the current session. Unlike Connect with a
// new token it keeps the socket and the reconnect history, so the next open
// still reports Reconnected. A manager waiting to reconnect dials at once.
func (m *Manager) Renew(identity Identity) {
	m.mu.Lock()
	defer m.unlock()
	if m.state == StateClosed || !m.hasIdentity {
		return
	}
	m.identity = identity
	if m.state == StateDisconnected {
		log.Info().Str("identity", identity.Redacted()).Msg("Transport: credential renewed, redialing")
		m.stopTimerLocked()
		m.dialLocked()
	}
}

// Disconnect drops the socket and stops reconnecting until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.unlock()
	if m.state == StateClosed {
		return
	}
	m.teardownLocked()
	m.hasIdentity = false
	m.setStateLocked(StateDisconnected)
}

// Close is terminal: the socket is closed and no reconnect will happen.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.unlock()
	if m.state == StateClosed {
		return
	}
	m.teardownLocked()
	m.setStateLocked(StateClosed)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// teardownLocked invalidates every goroutine of the current generation.
func (m *Manager) teardownLocked() {
	m.generation++
	m.stopTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		m.pending = append(m.pending, func() { _ = conn.Close() })
	}
}

func (m *Manager) dialLocked() {
	m.generation++
	gen := m.generation
	if m.cancelDial != nil {
		m.cancelDial()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setStateLocked(StateConnecting)
	go m.run(ctx, gen, m.identity)
}

func (m *Manager) scheduleReconnectLocked(gen uint64, cause error) {
	m.lastErr = cause
	m.setStateLocked(StateDisconnected)
	if m.opts.Backoff.Exhausted(m.attempt) {
		log.Error().Err(cause).Int("attempts", m.attempt).Msg("Transport: giving up reconnecting")
		return
	}
	delay := m.opts.Backoff.Delay(m.attempt)
	m.attempt++
	attempt := m.attempt
	log.Warn().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("Transport: reconnect scheduled")
	m.timer = m.opts.Clock.AfterFunc(delay, func() { m.reconnect(gen) })
	if hook := m.opts.OnReconnectScheduled; hook != nil {
		m.pending = append(m.pending, func() { hook(attempt, delay) })
	}
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.unlock()
	if m.state == StateClosed || gen != m.generation || !m.hasIdentity {
		return
	}
	m.timer = nil
	m.dialLocked()
}

// current reports whether gen still owns the manager. Callers hold m.mu.
func (m *Manager) current(gen uint64) bool {
	return gen == m.generation && m.state != StateClosed
}

func (m *Manager) run(ctx context.Context, gen uint64, identity Identity) {
	conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL, identity.header())

	m.mu.Lock()
	if !m.current(gen) {
		m.unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.scheduleReconnectLocked(gen, err)
		m.unlock()
		return
	}
	m.unlock()

	// The identify frame goes out before the state flips to connected, so no
	// other emit can precede it.
	if err := m.write(conn, identity.identify()); err != nil {
		_ = conn.Close()
		m.mu.Lock()
		if m.current(gen) {
			m.scheduleReconnectLocked(gen, err)
		}
		m.unlock()
		return
	}

	m.mu.Lock()
	if !m.current(gen) {
		m.unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.attempt = 0
	m.lastErr = nil
	m.setStateLocked(StateConnected)
	m.unlock()

	done := make(chan struct{})
	if m.opts.PingInterval > 0 {
		go m.keepalive(conn, done)
	}
	err = m.readLoop(conn)
	close(done)

	m.mu.Lock()
	if m.current(gen) {
		m.conn = nil
		m.scheduleReconnectLocked(gen, err)
	}
	m.unlock()
	_ = conn.Close()
}

func (m *Manager) readLoop(conn Conn) error {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		m.dispatch(frame)
	}
}

func (m *Manager) keepalive(conn Conn, done <-chan struct{}) {
	ticker := m.opts.Clock.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			m.writeMu.Lock()
			err := conn.Ping()
			m.writeMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("Transport: ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) write(conn Conn, o Outbound) error {
	frame, err := Encode(o)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteFrame(frame)
}

// Send emits o on the open socket. It reports false, and logs, when there
// is no open socket or the write fails.
func (m *Manager) Send(o Outbound) bool {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		log.Warn().Str("event", o.OutboundName()).Str("state", string(state)).Msg("Transport: not connected, dropping emit")
		return false
	}
	if err := m.write(conn, o); err != nil {
		log.Error().Err(err).Str("event", o.OutboundName()).Msg("Transport: emit failed")
		_ = conn.Close()
		return false
	}
	return true
}

func (m *Manager) dispatch(frame []byte) {
	ev, err := Decode(frame)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(frame)).Msg("Transport: dropping inbound frame")
		return
	}
	m.hmu.RLock()
	named := append([]handlerEntry(nil), m.handlers[ev.EventName()]...)
	all := append([]handlerEntry(nil), m.handlers[AllEvents]...)
	m.hmu.RUnlock()

	for _, h := range byRegistration(named, all) {
		m.invoke(ev, h.fn)
	}
}

// byRegistration merges two handler lists, each already in registration
// order.
func byRegistration(a, b []handlerEntry) []handlerEntry {
	out := make([]handlerEntry, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if a[0].id < b[0].id {
			out, a = append(out, a[0]), a[1:]
		} else {
			out, b = append(out, b[0]), b[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}

func (m *Manager) invoke(ev Event, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", ev.EventName()).Msg("Transport: event handler panicked")
		}
	}()
	fn(ev)
}

// Subscribe registers h for events named name, or for every event with
// AllEvents. Handlers run in registration order, wildcard ones included.
func (m *Manager) Subscribe(name string, h Handler) (unsubscribe func()) {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[name] = append(m.handlers[name], handlerEntry{id: id, fn: h})
	m.hmu.Unlock()
	return func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		list := m.handlers[name]
		for i, e := range list {
			if e.id == id {
				m.handlers[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for state transitions.
func (m *Manager) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	m.stateHandlers = append(m.stateHandlers, stateEntry{id: id, fn: fn})
	m.hmu.Unlock()
	return func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		for i, e := range m.stateHandlers {
			if e.id == id {
				m.stateHandlers = append(m.stateHandlers[:i:i], m.stateHandlers[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) notifyState(change StateChange) {
	m.hmu.RLock()
	entries := append([]stateEntry(nil), m.stateHandlers...)
	m.hmu.RUnlock()
	for _, e := range entries {
		fn := e.fn
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Transport: state handler panicked")
				}
			}()
			fn(change)
		}()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a reporting snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state, Attempt: m.attempt}
	if m.hasIdentity {
		st.Identity = m.identity.Redacted()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
