package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/parley/internal/channel"
	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/pubsub"
	"github.com/nfrund/parley/internal/registry"
)

// TopicStatus is the bus topic presence transitions are published on, for
// observers outside the wire protocol (the archiver, diagnostics).
const TopicStatus = "presence.status"

// Tracker derives the global online set from registry join/leave signals.
// A principal is online iff its live-connection count is positive; the count
// is the only mutable state, the set is a view over it.
//
// Everything runs under one mutex so that handing a new connection its
// snapshot and subscribing it to deltas is a single atomic step: a transition
// concurrent with a join is observed either in the snapshot or as exactly one
// delta, never both, never neither.
type Tracker struct {
	mu     sync.Mutex
	counts map[domain.Principal]int
	conns  map[string]registry.Conn

	publisher pubsub.Publisher
	logger    *slog.Logger
}

// New creates a tracker. The publisher may be nil when no bus observers are
// wanted (some tests).
func New(publisher pubsub.Publisher) *Tracker {
	return &Tracker{
		counts:    make(map[domain.Principal]int),
		conns:     make(map[string]registry.Conn),
		publisher: publisher,
		logger:    slog.Default().With("service", "presence"),
	}
}

// ConnJoined implements registry.Listener. Before any delta reaches the new
// connection it receives the current online set as a burst of user:+ frames;
// then, still in the same critical section, it joins the delta audience and
// its principal's count is bumped.
func (t *Tracker) ConnJoined(c registry.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := c.Principal()

	for _, online := range t.snapshotLocked() {
		c.Send(channel.MustEncode(channel.EventUserOnline, channel.PresencePayload{Principal: online}))
	}
	t.conns[c.ID()] = c

	t.counts[p]++
	if t.counts[p] == 1 {
		t.logger.Info("principal online", "principal", p)
		t.fanOutLocked(channel.EventUserOnline, p, c.ID())
		t.publishStatus(p, true)
	}
}

// ConnLeft implements registry.Listener.
func (t *Tracker) ConnLeft(c registry.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := c.Principal()
	delete(t.conns, c.ID())

	if t.counts[p] == 0 {
		// Unbalanced signal; the registry should make this impossible.
		t.logger.Warn("leave signal without matching join", "principal", p)
		return
	}
	t.counts[p]--
	if t.counts[p] == 0 {
		delete(t.counts, p)
		t.logger.Info("principal offline", "principal", p)
		t.fanOutLocked(channel.EventUserOffline, p, c.ID())
		t.publishStatus(p, false)
	}
}

// Snapshot returns the sorted set of currently online principals.
func (t *Tracker) Snapshot() []domain.Principal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Online reports whether the principal has at least one live connection.
func (t *Tracker) Online(p domain.Principal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[p] > 0
}

func (t *Tracker) snapshotLocked() []domain.Principal {
	out := make([]domain.Principal, 0, len(t.counts))
	for p := range t.counts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fanOutLocked sends a presence delta to every connection except the one that
// caused the transition.
func (t *Tracker) fanOutLocked(event string, p domain.Principal, causeConnID string) {
	frame := channel.MustEncode(event, channel.PresencePayload{Principal: p})
	for id, c := range t.conns {
		if id == causeConnID {
			continue
		}
		if !c.Send(frame) {
			t.logger.Warn("presence delta dropped, send buffer full", "conn", id)
		}
	}
}

func (t *Tracker) publishStatus(p domain.Principal, online bool) {
	if t.publisher == nil {
		return
	}
	payload, _ := json.Marshal(struct {
		Principal domain.Principal `json:"principal"`
		Online    bool             `json:"online"`
		Timestamp time.Time        `json:"timestamp"`
	}{p, online, time.Now().UTC()})

	msg := pubsub.Message{
		Topic:     TopicStatus,
		Principal: string(p),
		Payload:   payload,
	}
	if err := t.publisher.Publish(context.Background(), msg); err != nil {
		t.logger.Error("failed to publish presence status", "principal", p, "error", err)
	}
}
