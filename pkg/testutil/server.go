package testutil

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/relay"
)

// TestServer is a relay served by httptest.
type TestServer struct {
	T      *testing.T
	Relay  *relay.Relay
	Server *httptest.Server
	// URL is the http:// endpoint clients dial.
	URL string
}

// NewTestServer starts a relay on a random local port. It is shut down
// when the test ends.
func NewTestServer(t *testing.T, opts ...relay.Option) *TestServer {
	t.Helper()

	finalOpts := append([]relay.Option{relay.WithLogger(Logger())}, opts...)
	r, err := relay.New(finalOpts...)
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	s := httptest.NewServer(r.Handler())
	ts := &TestServer{
		T:      t,
		Relay:  r,
		Server: s,
		URL:    s.URL,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close closes the test server.
func (s *TestServer) Close() {
	if s.Relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Relay.Shutdown(ctx)
	}
	if s.Server != nil {
		s.Server.Close()
	}
}
