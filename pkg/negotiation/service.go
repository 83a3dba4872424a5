// Package negotiation wires the connection manager, room tracker and
// notification bus into one service owned by the application root.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/client"
	"github.com/lightforgemedia/go-bidsocket/pkg/identity"
	"github.com/lightforgemedia/go-bidsocket/pkg/notify"
	"github.com/lightforgemedia/go-bidsocket/pkg/rooms"
	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
	"github.com/lightforgemedia/go-bidsocket/pkg/transport"
)

// ErrClosed is returned by Init after Close.
var ErrClosed = errors.New("negotiation: service closed")

// Options configures a Service. Zero values take the client defaults.
type Options struct {
	Logger            *slog.Logger
	Endpoint          string
	Identity          identity.Resolver
	Transports        []transport.Transport
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	Notifier          notify.SystemNotifier
}

// Service is the real-time negotiation layer: one connection, its rooms and
// the broadcast of inbound messages.
type Service struct {
	logger  *slog.Logger
	manager *client.Manager
	rooms   *rooms.Tracker
	bus     *notify.Bus

	mu       sync.Mutex
	closed   bool
	stopCtx  func() bool
	watchers map[string]int
}

// New builds a Service. Nothing connects until Init.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := client.NewWithOptions(client.Options{
		Logger:            logger,
		Endpoint:          opts.Endpoint,
		Transports:        opts.Transports,
		Identity:          opts.Identity,
		ReconnectAttempts: opts.ReconnectAttempts,
		ReconnectDelay:    opts.ReconnectDelay,
		DialTimeout:       opts.DialTimeout,
	})
	tracker := rooms.New(m, logger)
	m.AttachRooms(tracker)

	return &Service{
		logger:   logger,
		manager:  m,
		rooms:    tracker,
		bus:      notify.NewBus(notify.WithLogger(logger), notify.WithNotifier(opts.Notifier)),
		watchers: make(map[string]int),
	}
}

// Init attaches the bus and opens the connection. It can be called again,
// for example once an identity becomes available; a running connection is
// left alone. Rooms of active WatchBid watchers are rejoined. Cancelling ctx
// tears the service down.
func (s *Service) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.bus.Attach(s.manager)
	if s.stopCtx == nil && ctx.Done() != nil {
		s.stopCtx = context.AfterFunc(ctx, s.Teardown)
	}
	s.mu.Unlock()

	if err := s.manager.Initialize(); err != nil {
		return fmt.Errorf("negotiation: init: %w", err)
	}
	s.rooms.JoinMultiple(s.watchedBids())
	return nil
}

func (s *Service) watchedBids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.watchers))
	for id := range s.watchers {
		if !s.rooms.Contains(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Teardown closes the connection and clears room membership. Subscribers
// and bid watchers stay registered; the next Init rejoins watched bids.
func (s *Service) Teardown() {
	s.mu.Lock()
	if s.stopCtx != nil {
		s.stopCtx()
		s.stopCtx = nil
	}
	s.mu.Unlock()

	s.bus.Detach()
	s.manager.Disconnect()
}

// Close tears down and ends every subscription. The service cannot be reused.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Teardown()
	s.bus.Close()
}

// Subscribe registers a global listener that gets every notification.
func (s *Service) Subscribe(h func(notify.Notification)) (unsubscribe func()) {
	return s.bus.Subscribe(h)
}

// WatchBid joins bidID's room and delivers only its notifications to h.
// Without a connection the join waits for the next Init. The room is left
// when the last watcher of the bid stops.
func (s *Service) WatchBid(bidID string, h func(notify.Notification)) (stop func()) {
	if bidID == "" {
		return func() {}
	}
	unsubscribe := s.bus.Subscribe(func(n notify.Notification) {
		if n.BidID == bidID {
			h(n)
		}
	})

	s.mu.Lock()
	s.watchers[bidID]++
	s.mu.Unlock()
	s.rooms.JoinTopic(bidID)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			s.mu.Lock()
			n, ok := s.watchers[bidID]
			last := ok && n <= 1
			if last {
				delete(s.watchers, bidID)
			} else if ok {
				s.watchers[bidID] = n - 1
			}
			s.mu.Unlock()
			if last {
				s.rooms.LeaveTopic(bidID)
			}
		})
	}
}

// SendMessage posts a chat message or counter offer to a bid room. Sender
// fields left empty are filled from the connected identity.
func (s *Service) SendMessage(ctx context.Context, msg shared_types.NegotiationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.BidID == "" {
		return errors.New("negotiation: message has no bid id")
	}
	if id, ok := s.manager.Identity(); ok {
		fillSender(&msg, id)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := s.manager.Emit(shared_types.EventSendNegotiationMessage, msg); err != nil {
		return fmt.Errorf("negotiation: send to %s: %w", msg.BidID, err)
	}
	return nil
}

func fillSender(msg *shared_types.NegotiationMessage, id identity.Identity) {
	if msg.Sender == "" {
		if id.IsExternalParty() {
			msg.Sender = shared_types.RoleShipper
		} else {
			msg.Sender = shared_types.RoleEmployee
		}
	}
	if msg.SenderName == "" {
		msg.SenderName = id.Name
	}
	if msg.SenderEmpID == "" && !id.IsExternalParty() {
		msg.SenderEmpID = id.EmpID
	}
}

// JoinTopic joins a bid room directly.
func (s *Service) JoinTopic(bidID string) { s.rooms.JoinTopic(bidID) }

// LeaveTopic leaves a bid room directly.
func (s *Service) LeaveTopic(bidID string) { s.rooms.LeaveTopic(bidID) }

// JoinMultiple joins every bid room in ids.
func (s *Service) JoinMultiple(ids []string) { s.rooms.JoinMultiple(ids) }

// RequestModal asks another consumer to open a bid's detail view.
func (s *Service) RequestModal(bidID, loadID string) { s.bus.RequestModal(bidID, loadID) }

// SubscribeModal listens for detail view requests.
func (s *Service) SubscribeModal(h func(shared_types.OpenNegotiationModal)) func() {
	return s.bus.SubscribeModal(h)
}

// IsConnected reports whether the connection is live.
func (s *Service) IsConnected() bool { return s.manager.IsConnected() }

// Manager exposes the connection manager.
func (s *Service) Manager() *client.Manager { return s.manager }

// Rooms exposes the membership tracker.
func (s *Service) Rooms() *rooms.Tracker { return s.rooms }

// Bus exposes the notification bus.
func (s *Service) Bus() *notify.Bus { return s.bus }
