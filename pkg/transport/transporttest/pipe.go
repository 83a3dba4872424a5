// Package transporttest provides an in-memory Transport whose server side
// is driven by the test.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
	"github.com/lightforgemedia/go-bidsocket/pkg/transport"
)

// ErrDialRefused is returned by Dial while failures are scheduled.
var ErrDialRefused = errors.New("transporttest: dial refused")

// Pipe is an in-memory transport. Every successful Dial produces a Peer.
type Pipe struct {
	name string

	mu       sync.Mutex
	failNext int
	failAll  bool
	dials    int
	attempts int
	peers    chan *Peer
}

// New creates a Pipe named name.
func New(name string) *Pipe {
	if name == "" {
		name = "pipe"
	}
	return &Pipe{name: name, peers: make(chan *Peer, 16)}
}

// Name implements transport.Transport.
func (p *Pipe) Name() string { return p.name }

// FailNext makes the next n dials fail.
func (p *Pipe) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// FailAll makes every dial fail until called with false.
func (p *Pipe) FailAll(fail bool) {
	p.mu.Lock()
	p.failAll = fail
	p.mu.Unlock()
}

// Dials returns the number of connections opened.
func (p *Pipe) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// Attempts returns the number of Dial calls, failed or not.
func (p *Pipe) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Dial implements transport.Transport.
func (p *Pipe) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.attempts++
	if p.failAll || p.failNext > 0 {
		if p.failNext > 0 {
			p.failNext--
		}
		p.mu.Unlock()
		return nil, ErrDialRefused
	}
	p.dials++
	p.mu.Unlock()

	peer := &Peer{
		toClient:   make(chan *ergosockets.Envelope, 64),
		fromClient: make(chan *ergosockets.Envelope, 256),
		closed:     make(chan struct{}),
	}
	p.peers <- peer
	return &pipeConn{peer: peer}, nil
}

// Accept waits for the next dialed peer.
func (p *Pipe) Accept(t *testing.T, timeout time.Duration) *Peer {
	t.Helper()
	select {
	case peer := <-p.peers:
		return peer
	case <-time.After(timeout):
		t.Fatalf("transporttest: no dial within %v", timeout)
		return nil
	}
}

// Peer is the server end of one pipe connection.
type Peer struct {
	toClient   chan *ergosockets.Envelope
	fromClient chan *ergosockets.Envelope
	closed     chan struct{}
	once       sync.Once
}

// Send pushes an event to the client. It returns false if the pipe is closed.
func (p *Peer) Send(event string, payload interface{}) bool {
	env, err := ergosockets.NewEvent(event, payload)
	if err != nil {
		return false
	}
	select {
	case p.toClient <- env:
		return true
	case <-p.closed:
		return false
	}
}

// Recv returns the next envelope written by the client, or false after timeout.
func (p *Peer) Recv(timeout time.Duration) (*ergosockets.Envelope, bool) {
	select {
	case env := <-p.fromClient:
		return env, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Drain collects client envelopes until none arrives for quiet.
func (p *Peer) Drain(quiet time.Duration) []*ergosockets.Envelope {
	var out []*ergosockets.Envelope
	for {
		env, ok := p.Recv(quiet)
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

// Drop closes the pipe as if the server went away.
func (p *Peer) Drop() {
	p.once.Do(func() { close(p.closed) })
}

// Closed reports whether either side closed the pipe.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type pipeConn struct {
	peer *Peer
}

func (c *pipeConn) Read(ctx context.Context) (*ergosockets.Envelope, error) {
	select {
	case env := <-c.peer.toClient:
		return env, nil
	case <-c.peer.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, env *ergosockets.Envelope) error {
	select {
	case <-c.peer.closed:
		return transport.ErrClosed
	default:
	}
	select {
	case c.peer.fromClient <- env:
		return nil
	case <-c.peer.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.peer.Drop()
	return nil
}
