package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"
)

const memoryTopic = "relay.deliveries"

// MemoryBackplane is an in-process backplane on cskr/pubsub. Relays sharing
// one instance share rooms.
type MemoryBackplane struct {
	bus    *pubsub.PubSub
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewMemoryBackplane creates a MemoryBackplane with the given per-subscriber queue length.
func NewMemoryBackplane(queueLength int, logger *slog.Logger) *MemoryBackplane {
	if queueLength <= 0 {
		queueLength = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBackplane{
		bus:    pubsub.New(queueLength),
		logger: logger,
	}
}

// Publish implements Backplane.
func (b *MemoryBackplane) Publish(_ context.Context, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("memory backplane: marshal: %w", err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackplaneClosed
	}
	b.bus.Pub(raw, memoryTopic)
	return nil
}

// Subscribe implements Backplane.
func (b *MemoryBackplane) Subscribe(ctx context.Context, fn func(Delivery)) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBackplaneClosed
	}
	ch := b.bus.Sub(memoryTopic)
	b.mu.RUnlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				// Keep draining so the pubsub loop never blocks on ch while we unsubscribe.
				go func() {
					for range ch {
					}
				}()
				b.mu.RLock()
				if !b.closed {
					b.bus.Unsub(ch, memoryTopic)
				}
				b.mu.RUnlock()
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal(raw.([]byte), &d); err != nil {
					b.logger.Error("memory backplane: bad delivery", "error", err)
					continue
				}
				fn(d)
			}
		}
	}()
	return nil
}

// Close implements Backplane.
func (b *MemoryBackplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.bus.Shutdown()
	return nil
}
