// bidsocket/notify/bus.go
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
	"github.com/lightforgemedia/go-bidsocket/pkg/client"
	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
)

const (
	defaultQueueLength   = 16
	defaultNotifyTimeout = 5 * time.Second
)

// Source delivers inbound connection events. *client.Manager implements it.
type Source interface {
	On(event string, h client.Handler) (off func())
}

// Bus is a process-wide broadcast of negotiation notifications. Publishers
// never see who is listening; every subscriber gets every notification in
// publish order on its own goroutine.
type Bus struct {
	ps       *pubsub.PubSub
	logger   *slog.Logger
	notifier SystemNotifier
	now      func() time.Time

	life   sync.RWMutex
	closed bool

	mu     sync.Mutex
	detach func()
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithNotifier sets the system notifier raised for inbound messages.
func WithNotifier(n SystemNotifier) BusOption {
	return func(b *Bus) {
		if n != nil {
			b.notifier = n
		}
	}
}

// WithClock overrides the ReceivedAt clock.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates a Bus. Without WithNotifier no system notifications are raised.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		ps:       pubsub.New(defaultQueueLength),
		logger:   slog.Default(),
		notifier: Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for every notification. The returned func detaches
// it; calling it more than once, or from inside h, is fine.
func (b *Bus) Subscribe(h func(Notification)) (unsubscribe func()) {
	return b.subscribe(TopicNegotiationMessage, func(v interface{}) {
		if n, ok := v.(Notification); ok {
			h(n)
		}
	})
}

// Publish broadcasts n to all current subscribers.
func (b *Bus) Publish(n Notification) {
	b.pub(n, TopicNegotiationMessage)
}

// SubscribeModal registers h for detail view requests from other consumers.
func (b *Bus) SubscribeModal(h func(shared_types.OpenNegotiationModal)) (unsubscribe func()) {
	return b.subscribe(TopicOpenModal, func(v interface{}) {
		if req, ok := v.(shared_types.OpenNegotiationModal); ok {
			h(req)
		}
	})
}

// RequestModal asks whichever consumer owns the detail view to open bidID.
// The bus itself does nothing else with it.
func (b *Bus) RequestModal(bidID, loadID string) {
	b.pub(shared_types.OpenNegotiationModal{BidID: bidID, LoadID: loadID}, TopicOpenModal)
}

// Attach starts listening for new_negotiation_message on src. Only the first
// call has an effect until Detach.
func (b *Bus) Attach(src Source) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detach != nil || src == nil {
		return false
	}
	b.detach = src.On(shared_types.EventNewNegotiationMessage, b.handleInbound)
	return true
}

// Detach stops listening to the attached source.
func (b *Bus) Detach() {
	b.mu.Lock()
	off := b.detach
	b.detach = nil
	b.mu.Unlock()
	if off != nil {
		off()
	}
}

// Close detaches from the source and ends every subscription.
func (b *Bus) Close() {
	b.Detach()
	b.life.Lock()
	defer b.life.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

func (b *Bus) handleInbound(env *ergosockets.Envelope) {
	var msg shared_types.NegotiationMessage
	if err := env.DecodePayload(&msg); err != nil {
		b.logger.Info(fmt.Sprintf("Bus: Dropping malformed '%s' payload: %v", env.Event, err))
		return
	}
	n := FromMessage(msg, b.now())
	b.Publish(n)
	go b.raise(n)
}

// raise shows a system notification if possible. Every failure is swallowed.
func (b *Bus) raise(n Notification) {
	if !b.notifier.Supported() || b.notifier.Permission() != PermissionGranted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultNotifyTimeout)
	defer cancel()
	if err := b.notifier.Notify(ctx, n.SenderName, Body(n)); err != nil {
		b.logger.Debug(fmt.Sprintf("Bus: System notification failed: %v", err))
	}
}

func (b *Bus) pub(v interface{}, topic string) {
	b.life.RLock()
	defer b.life.RUnlock()
	if b.closed {
		return
	}
	b.ps.Pub(v, topic)
}

func (b *Bus) subscribe(topic string, deliver func(interface{})) func() {
	b.life.RLock()
	if b.closed {
		b.life.RUnlock()
		return func() {}
	}
	ch := b.ps.Sub(topic)
	b.life.RUnlock()

	mb := newMailbox()
	var stopped atomic.Bool

	// The pump keeps the pubsub loop unblocked however slow the handler is.
	go func() {
		for v := range ch {
			mb.put(v)
		}
		mb.close()
	}()
	go func() {
		for {
			v, ok := mb.take()
			if !ok {
				return
			}
			if stopped.Load() {
				continue
			}
			b.invoke(topic, deliver, v)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			b.life.RLock()
			defer b.life.RUnlock()
			if !b.closed {
				b.ps.Unsub(ch, topic)
			}
		})
	}
}

func (b *Bus) invoke(topic string, deliver func(interface{}), v interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(fmt.Sprintf("Bus: Subscriber for %s panicked: %v", topic, r))
		}
	}()
	deliver(v)
}
