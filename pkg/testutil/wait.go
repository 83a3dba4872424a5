// Package testutil provides common test utilities for go-bidsocket.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

// Connectable is anything that can report whether it is connected.
type Connectable interface {
	IsConnected() bool
}

// WaitFor is a generic utility to wait for a condition to be true.
// It returns nil if the condition becomes true within the timeout.
// It returns an error if the condition does not become true within the timeout.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForConnected waits until c reports the wanted connection state.
func WaitForConnected(t *testing.T, c Connectable, want bool, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, fmt.Sprintf("connected == %v", want), timeout, func() bool {
		return c.IsConnected() == want
	})
}

// Logger returns a debug-level text logger for tests, or a discarding one
// when BIDSOCKET_TEST_QUIET is set.
func Logger() *slog.Logger {
	if os.Getenv("BIDSOCKET_TEST_QUIET") != "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
