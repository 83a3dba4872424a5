// Package relay is a development real-time server speaking the bidsocket
// wire protocol over websocket and HTTP long-polling. It routes negotiation
// messages to bid rooms and to the shipper and employee identities
// announced by clients. Nothing is stored.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
	"github.com/robfig/cron/v3"
)

const (
	defaultSendBuffer      = 256
	defaultWriteTimeout    = 10 * time.Second
	defaultRateLimit       = 20
	defaultRateBurst       = 40
	defaultPollIdleTimeout = time.Minute
	defaultSweepSchedule   = "@every 30s"
	defaultMaxPollWait     = 30 * time.Second
	defaultPollBatch       = 64
	readLimit              = 1024 * 1024 // 1MB
)

type relayConfig struct {
	logger          *slog.Logger
	acceptOptions   *websocket.AcceptOptions
	backplane       Backplane
	ownsBackplane   bool
	sendBuffer      int
	writeTimeout    time.Duration
	rateLimit       float64
	rateBurst       int
	pollIdleTimeout time.Duration
	sweepSchedule   string
	maxPollWait     time.Duration
}

// Relay tracks sessions and rooms and fans deliveries out to them.
type Relay struct {
	config relayConfig
	id     string

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron

	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[*session]struct{}
	closed   bool
}

// Option configures the Relay.
type Option func(*Relay)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(r *Relay) {
		r.config.acceptOptions = opts
	}
}

// WithBackplane makes the relay share rooms through bp. The caller keeps
// ownership and closes it after Shutdown.
func WithBackplane(bp Backplane) Option {
	return func(r *Relay) {
		if bp != nil {
			r.config.backplane = bp
			r.config.ownsBackplane = false
		}
	}
}

// WithSendBuffer sets the per-session outbound queue length.
func WithSendBuffer(size int) Option {
	return func(r *Relay) {
		if size > 0 {
			r.config.sendBuffer = size
		}
	}
}

// WithWriteTimeout bounds a single websocket write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(r *Relay) {
		if timeout > 0 {
			r.config.writeTimeout = timeout
		}
	}
}

// WithRateLimit sets the sustained per-session inbound event rate and burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Relay) {
		if perSecond > 0 {
			r.config.rateLimit = perSecond
		}
		if burst > 0 {
			r.config.rateBurst = burst
		}
	}
}

// WithPollIdleTimeout sets how long a polling session may go without a request.
func WithPollIdleTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.config.pollIdleTimeout = d
		}
	}
}

// WithSweepSchedule sets the cron spec of the idle session sweep.
func WithSweepSchedule(spec string) Option {
	return func(r *Relay) {
		if spec != "" {
			r.config.sweepSchedule = spec
		}
	}
}

// WithMaxPollWait caps the wait a polling client may ask for.
func WithMaxPollWait(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.config.maxPollWait = d
		}
	}
}

// New creates and starts a Relay.
func New(opts ...Option) (*Relay, error) {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	r := &Relay{
		config: relayConfig{
			logger:          slog.Default(),
			sendBuffer:      defaultSendBuffer,
			writeTimeout:    defaultWriteTimeout,
			rateLimit:       defaultRateLimit,
			rateBurst:       defaultRateBurst,
			pollIdleTimeout: defaultPollIdleTimeout,
			sweepSchedule:   defaultSweepSchedule,
			maxPollWait:     defaultMaxPollWait,
		},
		id:       ergosockets.GenerateID(),
		ctx:      mainCtx,
		cancel:   mainCancel,
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.config.acceptOptions == nil {
		r.config.acceptOptions = &websocket.AcceptOptions{}
	}
	if r.config.backplane == nil {
		r.config.backplane = NewMemoryBackplane(0, r.config.logger)
		r.config.ownsBackplane = true
	}

	if err := r.config.backplane.Subscribe(mainCtx, r.deliverLocal); err != nil {
		mainCancel()
		return nil, fmt.Errorf("relay: subscribe backplane: %w", err)
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.config.sweepSchedule, func() { r.SweepIdle() }); err != nil {
		mainCancel()
		if r.config.ownsBackplane {
			_ = r.config.backplane.Close()
		}
		return nil, fmt.Errorf("relay: sweep schedule %q: %w", r.config.sweepSchedule, err)
	}
	r.cron.Start()

	r.config.logger.Info(fmt.Sprintf("Relay: Initialized %s. Sweep: %s, idle timeout: %v", r.id, r.config.sweepSchedule, r.config.pollIdleTimeout))
	return r, nil
}

// ID returns the relay instance id.
func (r *Relay) ID() string { return r.id }

func (r *Relay) addSession(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s.id] = s
	return true
}

func (r *Relay) lookup(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Relay) removeSession(s *session) {
	s.cancel()

	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	for _, room := range s.roomList() {
		if members, ok := r.rooms[room]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	r.mu.Unlock()

	if s.ws != nil {
		s.ws.Close(websocket.StatusNormalClosure, "session closed")
	}
	r.config.logger.Info(fmt.Sprintf("Relay: Session %s (%s) removed", s.id, s.kind))
}

func (r *Relay) joinRoom(s *session, room string) {
	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		r.mu.Unlock()
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*session]struct{})
		r.rooms[room] = members
	}
	members[s] = struct{}{}
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
	r.mu.Unlock()
	r.config.logger.Debug(fmt.Sprintf("Relay: Session %s joined '%s'", s.id, room))
}

func (r *Relay) leaveRoom(s *session, room string) {
	r.mu.Lock()
	if members, ok := r.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
	r.mu.Unlock()
	r.config.logger.Debug(fmt.Sprintf("Relay: Session %s left '%s'", s.id, room))
}

// Members returns the number of local sessions in room.
func (r *Relay) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// BidMembers returns the number of local sessions in a bid's room.
func (r *Relay) BidMembers(bidID string) int { return r.Members(bidRoom(bidID)) }

// Sessions returns the number of open sessions.
func (r *Relay) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Rooms lists the rooms with at least one local member.
func (r *Relay) Rooms() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// handleEnvelope applies one inbound client envelope.
func (r *Relay) handleEnvelope(s *session, env *ergosockets.Envelope) {
	if env.Type != ergosockets.TypeEvent {
		r.config.logger.Info(fmt.Sprintf("Relay: Session %s sent unknown envelope type: '%s'", s.id, env.Type))
		return
	}
	if !s.limiter.Allow() {
		s.trySend(ergosockets.NewError(env.Event, http.StatusTooManyRequests, "rate limit exceeded"))
		return
	}

	switch env.Event {
	case shared_types.EventJoinEmployee, shared_types.EventJoinShipper,
		shared_types.EventJoinBidNegotiation, shared_types.EventLeaveBidNegotiation:
		var id string
		if err := env.DecodePayload(&id); err != nil || id == "" {
			s.trySend(ergosockets.NewError(env.Event, http.StatusBadRequest, "payload must be a non-empty id"))
			return
		}
		switch env.Event {
		case shared_types.EventJoinEmployee:
			r.joinRoom(s, employeeRoom(id))
		case shared_types.EventJoinShipper:
			r.joinRoom(s, shipperRoom(id))
		case shared_types.EventJoinBidNegotiation:
			r.joinRoom(s, bidRoom(id))
		case shared_types.EventLeaveBidNegotiation:
			r.leaveRoom(s, bidRoom(id))
		}

	case shared_types.EventSendNegotiationMessage:
		var msg shared_types.NegotiationMessage
		if err := env.DecodePayload(&msg); err != nil {
			s.trySend(ergosockets.NewError(env.Event, http.StatusBadRequest, "invalid message: "+err.Error()))
			return
		}
		if err := r.PostMessage(s.ctx, msg); err != nil {
			s.trySend(ergosockets.NewError(env.Event, http.StatusBadRequest, err.Error()))
		}

	default:
		s.trySend(ergosockets.NewError(env.Event, http.StatusNotFound, "unknown event: "+env.Event))
	}
}

// PostMessage routes msg to its bid room and to the shipper and employee it
// names, as new_negotiation_message.
func (r *Relay) PostMessage(ctx context.Context, msg shared_types.NegotiationMessage) error {
	if msg.BidID == "" {
		return errors.New("message has no bid id")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	rooms := []string{bidRoom(msg.BidID)}
	if msg.ShipperID != "" {
		rooms = append(rooms, shipperRoom(msg.ShipperID))
	}
	if msg.EmpID != "" {
		rooms = append(rooms, employeeRoom(msg.EmpID))
	}
	return r.config.backplane.Publish(ctx, Delivery{
		Origin:  r.id,
		Rooms:   rooms,
		Event:   shared_types.EventNewNegotiationMessage,
		Payload: payload,
	})
}

// deliverLocal sends d once to every local session in any of its rooms.
func (r *Relay) deliverLocal(d Delivery) {
	env, err := ergosockets.NewEvent(d.Event, d.Payload)
	if err != nil {
		r.config.logger.Error(fmt.Sprintf("Relay: Failed to build '%s' envelope: %v", d.Event, err))
		return
	}

	targets := make(map[*session]struct{})
	r.mu.RLock()
	for _, room := range d.Rooms {
		for s := range r.rooms[room] {
			targets[s] = struct{}{}
		}
	}
	r.mu.RUnlock()

	for s := range targets {
		s.trySend(env)
	}
	r.config.logger.Debug(fmt.Sprintf("Relay: Delivered '%s' from %s to %d sessions", d.Event, d.Origin, len(targets)))
}

// SweepIdle removes polling sessions that stopped polling. It returns how many went.
func (r *Relay) SweepIdle() int {
	cutoff := time.Now().Add(-r.config.pollIdleTimeout)
	var idle []*session
	r.mu.RLock()
	for _, s := range r.sessions {
		if s.kind != kindPolling {
			continue
		}
		if last, parked := s.idleSince(); !parked && last.Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		r.removeSession(s)
	}
	if len(idle) > 0 {
		r.config.logger.Info(fmt.Sprintf("Relay: Swept %d idle polling sessions", len(idle)))
	}
	return len(idle)
}

// Shutdown closes every session and stops the sweep.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	r.config.logger.Info(fmt.Sprintf("Relay: Shutting down, closing %d sessions", len(all)))
	cronDone := r.cron.Stop()
	for _, s := range all {
		r.removeSession(s)
	}
	r.cancel()

	var err error
	if r.config.ownsBackplane {
		err = r.config.backplane.Close()
	}
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
