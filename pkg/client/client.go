// bidsocket/client/client.go
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
	"github.com/lightforgemedia/go-bidsocket/pkg/identity"
	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
	"github.com/lightforgemedia/go-bidsocket/pkg/transport"
)

const (
	// DefaultEndpoint is used when no endpoint is configured.
	DefaultEndpoint = "http://localhost:5000"

	defaultSendBuffer        = 64
	defaultWriteTimeout      = 5 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 1 * time.Second
)

// ErrNotConnected is returned by Emit while no live connection exists.
var ErrNotConnected = errors.New("client: not connected")

var errSessionEnded = errors.New("client: session ended")

// State is the connection state of a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives inbound events. Handlers run on the reader goroutine in
// delivery order and must not block.
type Handler func(env *ergosockets.Envelope)

// RoomSource is the read-only view of the room membership the manager
// replays after every connect, plus the reset used by Disconnect.
type RoomSource interface {
	Snapshot() []string
	Clear()
}

type managerConfig struct {
	logger            *slog.Logger
	endpoint          string
	transports        []transport.Transport
	identity          identity.Resolver
	reconnectAttempts int
	reconnectDelay    time.Duration
	dialTimeout       time.Duration
	writeTimeout      time.Duration
	sendBuffer        int
	parentCtx         context.Context
}

// Manager owns the single long-lived real-time connection.
type Manager struct {
	config managerConfig
	id     string

	mu        sync.Mutex
	state     State
	connected bool
	ident     *identity.Identity
	sess      *session
	link      *link
	rooms     RoomSource
	attempts  int
	dials     int

	handlersMu sync.RWMutex
	handlers   map[string]map[uint64]Handler
	nextHandle uint64
}

// session spans Initialize to Disconnect and survives transport drops.
type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	running bool // a connect/serve loop is active
}

// link is one open transport connection and its write pump.
type link struct {
	conn      transport.Conn
	transport string
	send      chan *ergosockets.Envelope
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.config.logger = logger
		}
	}
}

// WithTransports sets the transports tried on every dial, in order.
func WithTransports(ts ...transport.Transport) Option {
	return func(m *Manager) {
		if len(ts) > 0 {
			m.config.transports = ts
		}
	}
}

// WithIdentity sets the resolver consulted by Initialize.
func WithIdentity(r identity.Resolver) Option {
	return func(m *Manager) {
		m.config.identity = r
	}
}

// WithReconnect sets the bounded attempt count and the fixed delay between attempts.
func WithReconnect(maxAttempts int, delay time.Duration) Option {
	return func(m *Manager) {
		if maxAttempts > 0 {
			m.config.reconnectAttempts = maxAttempts
		}
		if delay > 0 {
			m.config.reconnectDelay = delay
		}
	}
}

// WithDialTimeout bounds a single dial across all transports.
func WithDialTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.config.dialTimeout = timeout
		}
	}
}

// WithWriteTimeout sets the write timeout for sending events.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.config.writeTimeout = timeout
		}
	}
}

// WithContext sets a parent context. Cancelling it tears down every session.
func WithContext(ctx context.Context) Option {
	return func(m *Manager) {
		if ctx != nil {
			m.config.parentCtx = ctx
		}
	}
}

// New creates a Manager for endpoint. Nothing is dialed until Initialize.
func New(endpoint string, opts ...Option) *Manager {
	m := newManager(endpoint)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func newManager(endpoint string) *Manager {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Manager{
		config: managerConfig{
			logger:            slog.Default(),
			endpoint:          endpoint,
			transports:        defaultTransports(),
			reconnectAttempts: defaultReconnectAttempts,
			reconnectDelay:    defaultReconnectDelay,
			dialTimeout:       defaultDialTimeout,
			writeTimeout:      defaultWriteTimeout,
			sendBuffer:        defaultSendBuffer,
			parentCtx:         context.Background(),
		},
		id:       ergosockets.GenerateID(),
		handlers: make(map[string]map[uint64]Handler),
	}
}

// AttachRooms sets the membership replayed on connect and cleared on Disconnect.
func (m *Manager) AttachRooms(src RoomSource) {
	m.mu.Lock()
	m.rooms = src
	m.mu.Unlock()
}

// Initialize opens the connection in the background. It is a no-op while a
// connection is up or being established. Without an identity it logs a
// warning and returns an error wrapping identity.ErrNoIdentity; nothing is
// retried until the caller invokes Initialize again.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	if m.sess != nil && m.sess.running {
		m.mu.Unlock()
		m.config.logger.Debug(fmt.Sprintf("Client %s: Initialize ignored, connection already %s", m.id, m.State()))
		return nil
	}
	m.mu.Unlock()

	id, err := m.resolveIdentity()
	if err != nil {
		m.config.logger.Warn(fmt.Sprintf("Client %s: No identity available, not connecting: %v", m.id, err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && m.sess.running {
		return nil
	}
	m.ident = &id
	if m.sess == nil {
		ctx, cancel := context.WithCancel(m.config.parentCtx)
		m.sess = &session{ctx: ctx, cancel: cancel}
	}
	m.startLocked(m.sess)
	return nil
}

func (m *Manager) resolveIdentity() (identity.Identity, error) {
	if m.config.identity == nil {
		return identity.Identity{}, identity.ErrNoIdentity
	}
	id, err := m.config.identity.Resolve()
	if err != nil {
		return identity.Identity{}, fmt.Errorf("client: resolve identity: %w", err)
	}
	return id, nil
}

// Reconnect resumes dialing for an existing session, or behaves like
// Initialize when there is none.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.sess != nil {
		if !m.sess.running {
			m.startLocked(m.sess)
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.Initialize()
}

func (m *Manager) startLocked(sess *session) {
	sess.running = true
	m.state = StateConnecting
	m.attempts = 0
	go m.run(sess)
}

// Disconnect clears the room membership, closes the connection and resets
// identity and state. It is safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess, lk, rooms := m.sess, m.link, m.rooms
	m.sess = nil
	m.link = nil
	m.ident = nil
	m.connected = false
	m.state = StateDisconnected
	m.attempts = 0
	m.mu.Unlock()

	if rooms != nil {
		rooms.Clear()
	}
	if sess != nil {
		sess.cancel()
	}
	if lk != nil {
		lk.cancel()
		_ = lk.conn.Close()
	}
	if sess != nil || lk != nil {
		m.config.logger.Info(fmt.Sprintf("Client %s: Disconnected", m.id))
	}
}

// IsConnected reports whether the transport is open and the manager agrees.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && m.link != nil && m.link.ctx.Err() == nil
}

// HasConnection reports whether a session exists between Initialize and
// Disconnect, connected or not.
func (m *Manager) HasConnection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns consecutive failed dials since the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Dials returns how many connections have been opened over the manager's lifetime.
func (m *Manager) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Transport names the transport of the live connection, or "" when down.
func (m *Manager) Transport() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return ""
	}
	return m.link.transport
}

// Identity returns the identity resolved by Initialize.
func (m *Manager) Identity() (identity.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ident == nil {
		return identity.Identity{}, false
	}
	return *m.ident, true
}

// ID returns the unique ID of this manager instance.
func (m *Manager) ID() string {
	return m.id
}

// On registers h for inbound events named event. The returned func removes it.
func (m *Manager) On(event string, h Handler) (off func()) {
	m.handlersMu.Lock()
	m.nextHandle++
	handle := m.nextHandle
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[uint64]Handler)
	}
	m.handlers[event][handle] = h
	m.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlersMu.Lock()
			delete(m.handlers[event], handle)
			if len(m.handlers[event]) == 0 {
				delete(m.handlers, event)
			}
			m.handlersMu.Unlock()
		})
	}
}

// Emit sends an event over the live connection. While disconnected the event
// is dropped and ErrNotConnected returned; room joins are replayed on connect.
func (m *Manager) Emit(event string, payload interface{}) error {
	env, err := ergosockets.NewEvent(event, payload)
	if err != nil {
		return fmt.Errorf("client: emit %q: %w", event, err)
	}

	m.mu.Lock()
	lk := m.link
	ok := m.connected && lk != nil
	m.mu.Unlock()
	if !ok {
		m.config.logger.Debug(fmt.Sprintf("Client %s: Dropping event '%s', not connected", m.id, event))
		return ErrNotConnected
	}

	select {
	case lk.send <- env:
		return nil
	case <-lk.ctx.Done():
		return ErrNotConnected
	case <-time.After(m.config.writeTimeout):
		return fmt.Errorf("client: emit %q timed out (send buffer full or connection stalled)", event)
	}
}

func (m *Manager) run(sess *session) {
	defer func() {
		m.mu.Lock()
		sess.running = false
		if m.sess == sess && !m.connected {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
	}()

	first := true
	for {
		if sess.ctx.Err() != nil {
			return
		}
		if !first && !sleepCtx(sess.ctx, m.config.reconnectDelay) {
			return
		}
		first = false

		lk, err := m.dial(sess)
		if errors.Is(err, errSessionEnded) {
			return
		}
		if err != nil {
			m.mu.Lock()
			if m.sess != sess {
				m.mu.Unlock()
				return
			}
			m.attempts++
			attempts := m.attempts
			m.mu.Unlock()

			m.config.logger.Info(fmt.Sprintf("Client %s: Connect attempt %d/%d failed: %v", m.id, attempts, m.config.reconnectAttempts, err))
			if attempts >= m.config.reconnectAttempts {
				m.config.logger.Warn(fmt.Sprintf("Client %s: Max reconnect attempts (%d) reached, staying disconnected", m.id, m.config.reconnectAttempts))
				return
			}
			continue
		}

		if !m.serve(sess, lk) {
			return
		}
	}
}

func (m *Manager) dial(sess *session) (*link, error) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return nil, errSessionEnded
	}
	m.state = StateConnecting
	m.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(sess.ctx, m.config.dialTimeout)
	conn, tr, err := transport.DialFirst(dialCtx, m.config.endpoint, m.config.transports, m.config.logger)
	dialCancel()
	if err != nil {
		if sess.ctx.Err() != nil {
			return nil, errSessionEnded
		}
		return nil, err
	}

	lctx, lcancel := context.WithCancel(sess.ctx)
	lk := &link{
		conn:      conn,
		transport: tr.Name(),
		send:      make(chan *ergosockets.Envelope, m.config.sendBuffer),
		ctx:       lctx,
		cancel:    lcancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.sess != sess || sess.ctx.Err() != nil {
		// Disconnect ran while we were dialing.
		m.mu.Unlock()
		lcancel()
		_ = conn.Close()
		return nil, errSessionEnded
	}
	m.link = lk
	m.connected = true
	m.state = StateConnected
	m.attempts = 0
	m.dials++
	var ident *identity.Identity
	if m.ident != nil {
		id := *m.ident
		ident = &id
	}
	rooms := m.rooms
	m.mu.Unlock()

	m.config.logger.Info(fmt.Sprintf("Client %s: Connected to %s via %s", m.id, m.config.endpoint, lk.transport))
	go m.writePump(lk)
	m.onConnect(ident, rooms)
	return lk, nil
}

// onConnect announces the identity and replays every joined room.
func (m *Manager) onConnect(ident *identity.Identity, rooms RoomSource) {
	if ident != nil {
		if a, ok := identity.Announce(*ident); ok {
			if err := m.Emit(a.Event, a.Payload); err != nil {
				m.config.logger.Info(fmt.Sprintf("Client %s: Failed to announce identity: %v", m.id, err))
			}
		}
	}
	if rooms == nil {
		return
	}
	topics := rooms.Snapshot()
	if len(topics) > 0 {
		m.config.logger.Info(fmt.Sprintf("Client %s: Re-joining %d rooms...", m.id, len(topics)))
	}
	for _, topic := range topics {
		if err := m.Emit(shared_types.EventJoinBidNegotiation, topic); err != nil {
			m.config.logger.Info(fmt.Sprintf("Client %s: Error re-joining room '%s': %v", m.id, topic, err))
		}
	}
}

// serve reads until the link drops. It reports whether the session should
// try to reconnect.
func (m *Manager) serve(sess *session, lk *link) bool {
	for {
		env, err := lk.conn.Read(lk.ctx)
		if err != nil {
			if lk.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				m.config.logger.Info(fmt.Sprintf("Client %s: Read error: %v", m.id, err))
			}
			break
		}
		m.dispatch(env)
	}

	lk.cancel()
	_ = lk.conn.Close()
	<-lk.done

	m.mu.Lock()
	current := m.sess == sess && m.link == lk
	if current {
		m.link = nil
		m.connected = false
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if !current || sess.ctx.Err() != nil {
		return false
	}
	m.config.logger.Info(fmt.Sprintf("Client %s: Connection lost, reconnecting in %v", m.id, m.config.reconnectDelay))
	return true
}

func (m *Manager) dispatch(env *ergosockets.Envelope) {
	switch env.Type {
	case ergosockets.TypeEvent:
	case ergosockets.TypeError:
		if env.Error != nil {
			m.config.logger.Warn(fmt.Sprintf("Client %s: Server rejected '%s' (code %d): %s", m.id, env.Event, env.Error.Code, env.Error.Message))
		}
		return
	default:
		m.config.logger.Info(fmt.Sprintf("Client %s: Received unknown envelope type: '%s'", m.id, env.Type))
		return
	}

	m.handlersMu.RLock()
	hs := make([]Handler, 0, len(m.handlers[env.Event]))
	for _, h := range m.handlers[env.Event] {
		hs = append(hs, h)
	}
	m.handlersMu.RUnlock()

	for _, h := range hs {
		m.invoke(h, env)
	}
}

func (m *Manager) invoke(h Handler, env *ergosockets.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.config.logger.Error(fmt.Sprintf("Client %s: Handler for '%s' panicked: %v", m.id, env.Event, r))
		}
	}()
	h(env)
}

func (m *Manager) writePump(lk *link) {
	defer close(lk.done)
	for {
		select {
		case env := <-lk.send:
			wctx, cancel := context.WithTimeout(lk.ctx, m.config.writeTimeout)
			err := lk.conn.Write(wctx, env)
			cancel()
			if err != nil {
				if lk.ctx.Err() == nil {
					m.config.logger.Info(fmt.Sprintf("Client %s: Write error: %v. Connection may be stale.", m.id, err))
				}
				// Stops the reader too; serve handles reconnect.
				lk.cancel()
				return
			}
		case <-lk.ctx.Done():
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
