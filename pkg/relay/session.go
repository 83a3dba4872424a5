package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
	"golang.org/x/time/rate"
)

const (
	kindWebSocket = "websocket"
	kindPolling   = "polling"

	maxDroppedMessages = 3
)

// session is one connected client, over either transport.
type session struct {
	id     string
	kind   string
	relay  *Relay
	send   chan *ergosockets.Envelope
	ctx    context.Context
	cancel context.CancelFunc

	limiter *rate.Limiter
	ws      *websocket.Conn // nil for polling

	mu       sync.Mutex
	rooms    map[string]struct{}
	lastSeen time.Time
	polling  bool // a GET is parked on this session
	dropped  int
}

func (r *Relay) newSession(kind string, ws *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(r.ctx)
	return &session{
		id:       ergosockets.GenerateID(),
		kind:     kind,
		relay:    r,
		send:     make(chan *ergosockets.Envelope, r.config.sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		limiter:  rate.NewLimiter(rate.Limit(r.config.rateLimit), r.config.rateBurst),
		ws:       ws,
		rooms:    make(map[string]struct{}),
		lastSeen: time.Now(),
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// idleSince reports when the session last talked to us. Parked polls count as activity.
func (s *session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen, s.polling
}

func (s *session) setPolling(v bool) {
	s.mu.Lock()
	s.polling = v
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *session) roomList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	return out
}

// trySend queues env without blocking. Slow clients are dropped after a few misses.
func (s *session) trySend(env *ergosockets.Envelope) {
	select {
	case s.send <- env:
		return
	case <-s.ctx.Done():
		return
	default:
	}

	s.mu.Lock()
	s.dropped++
	dropped := s.dropped
	s.mu.Unlock()
	s.relay.config.logger.Info(fmt.Sprintf("Relay: Session %s send queue full, dropped '%s'", s.id, env.Event))
	if dropped >= maxDroppedMessages {
		s.relay.config.logger.Info(fmt.Sprintf("Relay: Session %s dropped %d messages, disconnecting slow client.", s.id, dropped))
		if s.ws != nil {
			s.ws.Close(websocket.StatusPolicyViolation, "too many dropped messages")
		}
		go s.relay.removeSession(s)
	}
}

// drain collects queued envelopes, waiting up to wait for the first one.
func (s *session) drain(ctx context.Context, wait time.Duration, max int) []*ergosockets.Envelope {
	var batch []*ergosockets.Envelope
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case env := <-s.send:
		batch = append(batch, env)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	case <-s.ctx.Done():
		return nil
	}
	for len(batch) < max {
		select {
		case env := <-s.send:
			batch = append(batch, env)
		default:
			return batch
		}
	}
	return batch
}
