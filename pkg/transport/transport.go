// Package transport provides the duplex channels a bidsocket client can
// ride on: a websocket and an HTTP long-polling fallback.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
)

// Transport names shared with configuration.
const (
	NameWebSocket = "websocket"
	NamePolling   = "polling"
)

// ErrClosed is returned by Read and Write once the connection is gone.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one open duplex channel.
type Conn interface {
	// Read blocks until the next envelope arrives, ctx is done or the conn closes.
	Read(ctx context.Context) (*ergosockets.Envelope, error)
	Write(ctx context.Context, env *ergosockets.Envelope) error
	Close() error
}

// Transport opens connections to an endpoint.
type Transport interface {
	Name() string
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialFirst tries each transport in order and returns the first connection
// that opens, together with the transport that produced it.
func DialFirst(ctx context.Context, endpoint string, transports []Transport, logger *slog.Logger) (Conn, Transport, error) {
	if len(transports) == 0 {
		return nil, nil, errors.New("transport: no transports configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	for _, t := range transports {
		conn, err := t.Dial(ctx, endpoint)
		if err == nil {
			return conn, t, nil
		}
		logger.Debug("transport: dial failed, trying next", "transport", t.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, nil, errors.Join(errs...)
}

// ByName builds the transports listed in names, in order. Unknown names are an error.
func ByName(names []string, ws *WebSocket, poll *Polling) ([]Transport, error) {
	var out []Transport
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case NameWebSocket, "ws":
			if ws == nil {
				ws = &WebSocket{}
			}
			out = append(out, ws)
		case NamePolling:
			if poll == nil {
				poll = &Polling{}
			}
			out = append(out, poll)
		case "":
		default:
			return nil, fmt.Errorf("transport: unknown transport %q", n)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("transport: no transports configured")
	}
	return out, nil
}

// resolve joins path onto the endpoint and optionally swaps the scheme to
// its websocket equivalent.
func resolve(endpoint, path string, websocketScheme bool) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("transport: bad endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: endpoint %q has no host", endpoint)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if websocketScheme {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	} else {
		switch u.Scheme {
		case "ws":
			u.Scheme = "http"
		case "wss":
			u.Scheme = "https"
		}
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
