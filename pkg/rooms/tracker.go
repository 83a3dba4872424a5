// Package rooms tracks which bid negotiation rooms the client wants events for.
package rooms

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
)

// Emitter is the part of the connection the tracker talks through.
type Emitter interface {
	// HasConnection reports whether a connection session exists, connected or not.
	HasConnection() bool
	Emit(event string, payload interface{}) error
}

// Tracker is the topic membership set. Joins are idempotent on the set but
// always re-send the join request.
type Tracker struct {
	emitter Emitter
	logger  *slog.Logger

	mu     sync.RWMutex
	topics map[string]struct{}
}

// New creates a Tracker that emits through e.
func New(e Emitter, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		emitter: e,
		logger:  logger,
		topics:  make(map[string]struct{}),
	}
}

// JoinTopic joins the room for topicID. Empty ids and missing connections are ignored.
func (t *Tracker) JoinTopic(topicID string) {
	if topicID == "" || !t.emitter.HasConnection() {
		return
	}
	// Added before emitting so a connect racing this call still replays it.
	t.mu.Lock()
	t.topics[topicID] = struct{}{}
	t.mu.Unlock()
	if err := t.emitter.Emit(shared_types.EventJoinBidNegotiation, topicID); err != nil {
		t.logger.Debug("rooms: join not sent, will replay on connect", "topic", topicID, "error", err)
	}
}

// LeaveTopic leaves the room for topicID. Topics never joined are ignored.
func (t *Tracker) LeaveTopic(topicID string) {
	if topicID == "" {
		return
	}
	t.mu.Lock()
	_, ok := t.topics[topicID]
	delete(t.topics, topicID)
	t.mu.Unlock()
	if !ok || !t.emitter.HasConnection() {
		return
	}
	if err := t.emitter.Emit(shared_types.EventLeaveBidNegotiation, topicID); err != nil {
		t.logger.Debug("rooms: leave not sent", "topic", topicID, "error", err)
	}
}

// JoinMultiple joins every id in topicIDs.
func (t *Tracker) JoinMultiple(topicIDs []string) {
	for _, id := range topicIDs {
		t.JoinTopic(id)
	}
}

// Contains reports whether topicID is in the membership set.
func (t *Tracker) Contains(topicID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.topics[topicID]
	return ok
}

// Len returns the size of the membership set.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.topics)
}

// Snapshot returns a sorted copy of the membership set.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.topics))
	for id := range t.topics {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Clear empties the membership set without sending leave requests.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.topics = make(map[string]struct{})
	t.mu.Unlock()
}
