package registry

import (
	"log/slog"
	"sync"

	"github.com/nfrund/parley/internal/domain"
)

// Conn is one live duplex connection belonging to exactly one principal.
// Implementations deliver raw wire frames; Send must never block.
type Conn interface {
	// ID uniquely identifies this connection (not the principal).
	ID() string
	// Principal returns the owner of the connection.
	Principal() domain.Principal
	// Send queues a frame for delivery. It returns false if the connection's
	// outbound buffer is full, which marks the client as lagging or dead.
	Send(frame []byte) bool
	// Close tears the underlying transport down.
	Close()
}

// Listener receives exactly one signal per successful Register/Unregister.
// The registry invokes it from inside the per-principal critical section, so
// for a given principal the signals never interleave.
type Listener interface {
	ConnJoined(c Conn)
	ConnLeft(c Conn)
}

// Handle is the token returned by Register and consumed by Unregister.
type Handle struct {
	conn     Conn
	released bool
}

// Conn returns the connection this handle binds.
func (h *Handle) Conn() Conn { return h.conn }

// Registry maps a principal to its set of live connections. It is the sole
// writer of connection state; everything else reads snapshots or receives
// signals through the Listener.
//
// Operations for one principal are serialized on that principal's entry;
// different principals do not contend.
type Registry struct {
	mu       sync.RWMutex
	entries  map[domain.Principal]*entry
	listener Listener
	logger   *slog.Logger
}

type entry struct {
	mu    sync.Mutex
	conns []Conn
}

// New creates an empty registry. The listener is typically the presence
// tracker; a nil listener is allowed for tests that only exercise bookkeeping.
func New(listener Listener) *Registry {
	return &Registry{
		entries:  make(map[domain.Principal]*entry),
		listener: listener,
		logger:   slog.Default().With("service", "registry"),
	}
}

func (r *Registry) entryFor(p domain.Principal) *entry {
	r.mu.RLock()
	e, ok := r.entries[p]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[p]; ok {
		return e
	}
	e = &entry{}
	r.entries[p] = e
	return e
}

// Register binds a new live connection for its principal. A second
// connection for the same principal is always accepted; only a malformed
// handshake (empty principal) is rejected.
func (r *Registry) Register(c Conn) (*Handle, error) {
	p := c.Principal()
	if p == "" {
		return nil, domain.ErrHandshakeRejected
	}

	e := r.entryFor(p)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.conns = append(e.conns, c)
	r.logger.Info("connection registered", "principal", p, "conn", c.ID(), "connections", len(e.conns))

	if r.listener != nil {
		r.listener.ConnJoined(c)
	}
	return &Handle{conn: c}, nil
}

// Unregister removes the handle's connection. It is idempotent: releasing a
// handle twice is a no-op, so the graceful-close and abrupt-drop paths can
// both call it safely.
func (r *Registry) Unregister(h *Handle) {
	if h == nil {
		return
	}
	p := h.conn.Principal()
	e := r.entryFor(p)

	e.mu.Lock()
	defer e.mu.Unlock()

	if h.released {
		return
	}
	h.released = true

	for i, c := range e.conns {
		if c == h.conn {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			break
		}
	}
	r.logger.Info("connection unregistered", "principal", p, "conn", h.conn.ID(), "connections", len(e.conns))

	if r.listener != nil {
		r.listener.ConnLeft(h.conn)
	}
}

// HandlesFor returns a snapshot of the principal's live connections, used to
// fan an event out to every one of their devices.
func (r *Registry) HandlesFor(p domain.Principal) []Conn {
	e := r.entryFor(p)
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Conn, len(e.conns))
	copy(out, e.conns)
	return out
}

// SendTo delivers a frame to every live connection of the principal.
func (r *Registry) SendTo(p domain.Principal, frame []byte) {
	for _, c := range r.HandlesFor(p) {
		if !c.Send(frame) {
			r.logger.Warn("connection send buffer full, dropping frame", "principal", p, "conn", c.ID())
		}
	}
}
