package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/identity"
	"github.com/lightforgemedia/go-bidsocket/pkg/transport"
)

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger   *slog.Logger
	Endpoint string
	// Transports are tried in order on every dial. Defaults to websocket then polling.
	Transports []transport.Transport
	Identity   identity.Resolver
	// ReconnectAttempts is the number of consecutive failed dials after which
	// the manager stops trying and stays disconnected.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	Context           context.Context
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            slog.Default(),
		Endpoint:          DefaultEndpoint,
		Transports:        defaultTransports(),
		ReconnectAttempts: defaultReconnectAttempts,
		ReconnectDelay:    defaultReconnectDelay,
		DialTimeout:       defaultDialTimeout,
		WriteTimeout:      defaultWriteTimeout,
		SendBuffer:        defaultSendBuffer,
		Context:           context.Background(),
	}
}

// NewWithOptions creates a Manager from an Options struct. Zero values fall
// back to the library defaults.
func NewWithOptions(opts Options) *Manager {
	m := newManager(opts.Endpoint)
	if opts.Logger != nil {
		m.config.logger = opts.Logger
	}
	if len(opts.Transports) > 0 {
		m.config.transports = opts.Transports
	}
	m.config.identity = opts.Identity
	if opts.ReconnectAttempts > 0 {
		m.config.reconnectAttempts = opts.ReconnectAttempts
	}
	if opts.ReconnectDelay > 0 {
		m.config.reconnectDelay = opts.ReconnectDelay
	}
	if opts.DialTimeout > 0 {
		m.config.dialTimeout = opts.DialTimeout
	}
	if opts.WriteTimeout > 0 {
		m.config.writeTimeout = opts.WriteTimeout
	}
	if opts.SendBuffer > 0 {
		m.config.sendBuffer = opts.SendBuffer
	}
	if opts.Context != nil {
		m.config.parentCtx = opts.Context
	}
	return m
}

func defaultTransports() []transport.Transport {
	return []transport.Transport{&transport.WebSocket{}, &transport.Polling{}}
}
