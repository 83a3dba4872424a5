package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
)

const defaultPollWait = 25 * time.Second

// PollOpenResponse is returned by POST <endpoint>/poll.
type PollOpenResponse struct {
	SID string `json:"sid"`
}

// Polling is the HTTP long-polling fallback transport. A session is opened
// with POST /poll, read with GET /poll/{sid} and written with POST /poll/{sid}.
type Polling struct {
	HTTPClient *http.Client
	// Wait is how long the server may hold a GET open before answering with an empty batch.
	Wait time.Duration
	Path string
}

// Name implements Transport.
func (p *Polling) Name() string { return NamePolling }

// Dial implements Transport.
func (p *Polling) Dial(ctx context.Context, endpoint string) (Conn, error) {
	path := p.Path
	if path == "" {
		path = "/poll"
	}
	base, err := resolve(endpoint, path, false)
	if err != nil {
		return nil, err
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	wait := p.Wait
	if wait <= 0 {
		wait = defaultPollWait
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll open %s failed: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll open %s failed (status: %s)", base, resp.Status)
	}
	var open PollOpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("poll open: decode: %w", err)
	}
	if open.SID == "" {
		return nil, fmt.Errorf("poll open: server returned no session id")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &pollConn{
		client: client,
		url:    base + "/" + url.PathEscape(open.SID),
		wait:   wait,
		ctx:    connCtx,
		cancel: cancel,
	}, nil
}

type pollConn struct {
	client *http.Client
	url    string
	wait   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*ergosockets.Envelope

	closeOnce sync.Once
}

func (c *pollConn) Read(ctx context.Context) (*ergosockets.Envelope, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			env := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return env, nil
		}
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			return nil, ErrClosed
		}
		batch, err := c.poll(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.pending = append(c.pending, batch...)
		c.mu.Unlock()
	}
}

func (c *pollConn) poll(ctx context.Context) ([]*ergosockets.Envelope, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url+"?wait="+c.wait.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("poll read: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound, http.StatusGone:
		c.cancel()
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("poll read failed (status: %s)", resp.Status)
	}
	var batch []*ergosockets.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil && err != io.EOF {
		return nil, fmt.Errorf("poll read: decode: %w", err)
	}
	return batch, nil
}

func (c *pollConn) Write(ctx context.Context, env *ergosockets.Envelope) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("poll write: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll write: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusNotFound, http.StatusGone:
		c.cancel()
		return ErrClosed
	}
	return fmt.Errorf("poll write failed (status: %s)", resp.Status)
}

func (c *pollConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		resp, doErr := c.client.Do(req)
		if doErr != nil {
			err = doErr
			return
		}
		resp.Body.Close()
	})
	return err
}
