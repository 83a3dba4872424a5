// Package bidsocket is the real-time notification layer of a freight
// negotiation system. It re-exports the pieces an application root needs.
package bidsocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/client"
	"github.com/lightforgemedia/go-bidsocket/pkg/filewatcher"
	"github.com/lightforgemedia/go-bidsocket/pkg/identity"
	"github.com/lightforgemedia/go-bidsocket/pkg/negotiation"
	"github.com/lightforgemedia/go-bidsocket/pkg/notify"
	"github.com/lightforgemedia/go-bidsocket/pkg/relay"
	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
)

// Re-export core types
type (
	Service              = negotiation.Service
	Options              = negotiation.Options
	Notification         = notify.Notification
	NegotiationMessage   = shared_types.NegotiationMessage
	OpenNegotiationModal = shared_types.OpenNegotiationModal
	Identity             = identity.Identity
	IdentityStore        = identity.FileStore
	Relay                = relay.Relay
	RelayOption          = relay.Option
)

// Re-export error types
var (
	ErrNoIdentity   = identity.ErrNoIdentity
	ErrNotConnected = client.ErrNotConnected
	ErrClosed       = negotiation.ErrClosed
)

// New creates the negotiation service. Nothing connects until Init.
func New(opts Options) *Service {
	return negotiation.New(opts)
}

// NewRelay creates and starts a development relay.
func NewRelay(opts ...RelayOption) (*Relay, error) {
	return relay.New(opts...)
}

// NewIdentityStore creates a file-backed identity store.
func NewIdentityStore(sessionPath, localPath string, logger *slog.Logger) *IdentityStore {
	return identity.NewFileStore(sessionPath, localPath, logger)
}

// WatchOptions configures StartIdentityWatcher.
type WatchOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
	// OnConnect runs after every successful Init triggered by the watcher.
	OnConnect func()
}

// StartIdentityWatcher re-initializes svc whenever the identity documents of
// store change: it connects once an identity is saved, reconnects when the
// identity changes and tears down when it is removed. The returned function
// stops watching.
func StartIdentityWatcher(ctx context.Context, svc *Service, store *IdentityStore, opts WatchOptions) (func() error, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := filewatcher.New(
		filewatcher.WithFiles(store.Paths()...),
		filewatcher.WithDebounce(opts.Debounce),
		filewatcher.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	fw.AddCallback(func(path string) {
		if ctx.Err() != nil {
			return
		}
		next, err := store.Resolve()
		if err != nil {
			logger.Info("Identity removed, disconnecting", "path", path)
			svc.Teardown()
			return
		}
		if current, ok := svc.Manager().Identity(); ok && current == next && svc.Manager().HasConnection() {
			return
		}
		logger.Info("Identity changed, reconnecting", "path", path, "role", next.Role)
		svc.Teardown()
		if err := svc.Init(ctx); err != nil {
			logger.Error("Reconnect after identity change failed", "error", err)
			return
		}
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
	})
	if err := fw.Start(); err != nil {
		return nil, err
	}
	return fw.Stop, nil
}
