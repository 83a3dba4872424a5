package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
)

const defaultReadLimit = 1024 * 1024 // 1MB

// WebSocket is the primary low-latency transport, served at <endpoint>/ws.
type WebSocket struct {
	DialOptions *websocket.DialOptions
	ReadLimit   int64
	Path        string
}

// Name implements Transport.
func (w *WebSocket) Name() string { return NameWebSocket }

// Dial implements Transport.
func (w *WebSocket) Dial(ctx context.Context, endpoint string) (Conn, error) {
	path := w.Path
	if path == "" {
		path = "/ws"
	}
	target, err := resolve(endpoint, path, true)
	if err != nil {
		return nil, err
	}
	opts := w.DialOptions
	if opts == nil {
		opts = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}
	conn, httpResp, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		if httpResp != nil {
			return nil, fmt.Errorf("dial %s failed (status: %s): %w", target, httpResp.Status, err)
		}
		return nil, fmt.Errorf("dial %s failed: %w", target, err)
	}
	limit := w.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) Read(ctx context.Context) (*ergosockets.Envelope, error) {
	var env ergosockets.Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) Write(ctx context.Context, env *ergosockets.Envelope) error {
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "client initiated close")
	})
	return err
}
