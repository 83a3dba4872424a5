package relay

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrBackplaneClosed is returned by a closed backplane.
var ErrBackplaneClosed = errors.New("relay: backplane closed")

// Delivery is one event fanned out to a set of rooms. Deliveries go through
// the backplane even on a single instance, so every relay sharing the
// backplane delivers to its own local members.
type Delivery struct {
	Origin  string          `json:"origin"`
	Rooms   []string        `json:"rooms"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Backplane carries deliveries between relay instances.
type Backplane interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe calls fn for every delivery until ctx is done or the
	// backplane is closed. The subscription is active when it returns.
	Subscribe(ctx context.Context, fn func(Delivery)) error
	Close() error
}

// Room keys.
func bidRoom(bidID string) string         { return "bid:" + bidID }
func shipperRoom(shipperID string) string { return "shipper:" + shipperID }
func employeeRoom(empID string) string    { return "employee:" + empID }
