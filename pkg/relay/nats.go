package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSOptions configures a NATSBackplane.
type NATSOptions struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string
	// Subject carries the deliveries. Defaults to "bidsocket.rooms".
	Subject string
	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option
	Logger            *slog.Logger
}

// NATSBackplane shares rooms between relay instances over a NATS subject.
// Every instance needs every delivery, so subscriptions are plain, never
// queue groups.
type NATSBackplane struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBackplane connects to NATS.
func NewNATSBackplane(opts NATSOptions) (*NATSBackplane, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Subject == "" {
		opts.Subject = "bidsocket.rooms"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conn, err := nats.Connect(opts.URL, opts.ConnectionOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBackplane{conn: conn, subject: opts.Subject, logger: opts.Logger}, nil
}

// Publish implements Backplane.
func (b *NATSBackplane) Publish(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrBackplaneClosed
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	return b.conn.Publish(b.subject, data)
}

// Subscribe implements Backplane.
func (b *NATSBackplane) Subscribe(ctx context.Context, fn func(Delivery)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			b.logger.Error("nats backplane: bad delivery", "error", err)
			return
		}
		fn(d)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}
	// Make sure the server has registered the interest before returning.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	return nil
}

// Close implements Backplane.
func (b *NATSBackplane) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	b.conn.Close()
	return nil
}
