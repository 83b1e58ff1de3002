package client

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/parley/internal/channel"
	"github.com/nfrund/parley/internal/domain"
)

// State is the lifecycle phase of one message entry.
type State int

const (
	// StatePending means the message was created locally and the server has
	// not yet confirmed it durable.
	StatePending State = iota
	// StateConfirmed means the server assigned the message its durable id.
	StateConfirmed
)

// Entry is one message in the client's ordered view. Identity is a tagged
// variant: a pending entry is addressed by TempID, a confirmed one by ID.
type Entry struct {
	State   State
	TempID  string
	ID      string
	Message domain.Message

	seq int
}

// resolvedID is the identifier a delete must match, whatever phase the entry
// is in.
func (e *Entry) resolvedID() string {
	if e.State == StateConfirmed {
		return e.ID
	}
	return e.TempID
}

// Request is an outbound protocol request the reconciler wants sent to the
// server (a deferred delete, for example). The transport drains Requests().
type Request struct {
	Event   string
	Payload any
}

// NewTempID mints a client-local temporary identifier. The tmp_ prefix keeps
// it disjoint from server-assigned msg_ ids by construction.
func NewTempID() string {
	return "tmp_" + uuid.NewString()
}

// Reconciler merges locally-originated optimistic messages with
// server-confirmed events into one ordered view for a single chat peer.
//
// All transitions are serialized: local user actions and incoming network
// events mutate the sequence under one lock, never concurrently.
type Reconciler struct {
	mu      sync.Mutex
	self    domain.Principal
	peer    domain.Principal
	entries []*Entry
	// abandoned records temp ids the user removed before confirmation, so a
	// late id event can be suppressed and turned into a deferred delete.
	abandoned map[string]struct{}
	nextSeq   int

	requests chan Request
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates the view for one chat peer.
func NewReconciler(self, peer domain.Principal) *Reconciler {
	return &Reconciler{
		self:      self,
		peer:      peer,
		abandoned: make(map[string]struct{}),
		requests:  make(chan Request, 64),
		logger:    slog.Default().With("service", "reconciler", "peer", peer),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Requests returns the stream of outbound protocol requests the transport
// must deliver to the server.
func (r *Reconciler) Requests() <-chan Request {
	return r.requests
}

// Send appends an optimistic pending message and returns its temp id. The
// provisional createdAt is the client-observed send time; the server's
// authoritative timestamp supersedes it on reconciliation.
func (r *Reconciler) Send(text string) string {
	r.mu.Lock()
	tempID := NewTempID()
	r.append(&Entry{
		State:  StatePending,
		TempID: tempID,
		Message: domain.Message{
			ID:        tempID,
			From:      r.self,
			To:        r.peer,
			Text:      text,
			CreatedAt: r.now(),
		},
	})
	r.mu.Unlock()

	r.emit(Request{Event: channel.EventSend, Payload: channel.SendRequest{
		To:           r.peer,
		Text:         text,
		ClientTempID: tempID,
	}})
	return tempID
}

// Delete removes an entry by identity, optimistically and immediately.
// A pending entry is a local-only removal: the server never knew about the
// message, so no round trip happens and a later id event is suppressed.
// A confirmed entry is removed locally and a delete request goes out; the
// server's broadcast for it is then an idempotent no-op here.
func (r *Reconciler) Delete(id string) {
	r.mu.Lock()
	entry := r.remove(id)
	var out *Request
	if entry != nil {
		switch entry.State {
		case StatePending:
			r.abandoned[entry.TempID] = struct{}{}
		case StateConfirmed:
			out = &Request{Event: channel.EventDelete, Payload: channel.DeletePayload{ID: entry.ID}}
		}
	}
	r.mu.Unlock()

	if out != nil {
		r.emit(*out)
	}
}

// ApplyID handles the reconciliation event: the pending entry is rewritten
// in place to its confirmed identity. Applying the same event twice is
// idempotent. An id for an abandoned temp id triggers the deferred delete;
// any other miss is absorbed silently.
func (r *Reconciler) ApplyID(p channel.IDPayload) {
	r.mu.Lock()
	var out *Request

	switch {
	case r.find(p.ClientTempID) != nil:
		entry := r.find(p.ClientTempID)
		entry.State = StateConfirmed
		entry.ID = p.ConfirmedID
		entry.Message.ID = p.ConfirmedID
		if !p.CreatedAt.IsZero() && !p.CreatedAt.Equal(entry.Message.CreatedAt) {
			entry.Message.CreatedAt = p.CreatedAt
			r.sortEntries()
		}

	case r.isAbandoned(p.ClientTempID):
		// The user already removed this message locally; now that the server
		// has confirmed it, tell the server to delete it too.
		delete(r.abandoned, p.ClientTempID)
		out = &Request{Event: channel.EventDelete, Payload: channel.DeletePayload{ID: p.ConfirmedID}}

	case r.find(p.ConfirmedID) != nil:
		// Duplicate delivery; the first application already confirmed it.

	default:
		r.logger.Debug("reconciliation miss", "tempId", p.ClientTempID, "confirmedId", p.ConfirmedID)
	}
	r.mu.Unlock()

	if out != nil {
		r.emit(*out)
	}
}

// ApplyMessage handles a message event from the counterpart. A confirmed id
// already present is a duplicate and ignored.
func (r *Reconciler) ApplyMessage(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(msg.ID) != nil {
		return
	}
	r.append(&Entry{
		State:   StateConfirmed,
		ID:      msg.ID,
		Message: msg,
	})
}

// ApplyDelete removes whichever entry resolves to the id, wherever it sits.
// Deletion is identity-based, not position-based; unknown ids are no-ops.
func (r *Reconciler) ApplyDelete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(id)
}

// ApplyUpdate patches the fields of a confirmed entry in place. Ignored when
// there is no match (message not yet reconciled): safe as a no-op.
func (r *Reconciler) ApplyUpdate(p channel.UpdatePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.find(p.ID)
	if entry == nil || entry.State != StateConfirmed {
		return
	}
	entry.Message.Text = p.Message.Text
	if !p.Message.CreatedAt.IsZero() && !p.Message.CreatedAt.Equal(entry.Message.CreatedAt) {
		entry.Message.CreatedAt = p.Message.CreatedAt
		r.sortEntries()
	}
}

// Entries returns the current ordered view: createdAt ascending, insertion
// order breaking ties.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

// Pending reports whether the entry with the given identity is still waiting
// for confirmation.
func (r *Reconciler) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.find(id)
	return e != nil && e.State == StatePending
}

func (r *Reconciler) isAbandoned(tempID string) bool {
	_, ok := r.abandoned[tempID]
	return ok
}

func (r *Reconciler) find(id string) *Entry {
	for _, e := range r.entries {
		if e.resolvedID() == id {
			return e
		}
	}
	return nil
}

func (r *Reconciler) append(e *Entry) {
	e.seq = r.nextSeq
	r.nextSeq++
	r.entries = append(r.entries, e)
	r.sortEntries()
}

func (r *Reconciler) remove(id string) *Entry {
	for i, e := range r.entries {
		if e.resolvedID() == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return e
		}
	}
	return nil
}

func (r *Reconciler) sortEntries() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i], r.entries[j]
		if !a.Message.CreatedAt.Equal(b.Message.CreatedAt) {
			return a.Message.CreatedAt.Before(b.Message.CreatedAt)
		}
		return a.seq < b.seq
	})
}

// emit hands a request to the transport without ever blocking a transition.
func (r *Reconciler) emit(req Request) {
	select {
	case r.requests <- req:
	default:
		r.logger.Warn("outbound request queue full, dropping", "event", req.Event)
	}
}
