package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/channel"
	"github.com/nfrund/parley/internal/domain"
)

func drainRequests(r *Reconciler) []Request {
	var out []Request
	for {
		select {
		case req := <-r.Requests():
			out = append(out, req)
		default:
			return out
		}
	}
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Text
	}
	return out
}

func TestReconciler_SendAppendsPendingAndEmitsRequest(t *testing.T) {
	r := NewReconciler("alice", "bob")

	tempID := r.Send("hi")
	assert.True(t, r.Pending(tempID))

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatePending, entries[0].State)
	assert.Equal(t, tempID, entries[0].TempID)

	reqs := drainRequests(r)
	require.Len(t, reqs, 1)
	assert.Equal(t, channel.EventSend, reqs[0].Event)

	payload := reqs[0].Payload.(channel.SendRequest)
	assert.Equal(t, tempID, payload.ClientTempID)
	assert.Equal(t, domain.Principal("bob"), payload.To)
}

func TestReconciler_ApplyIDConfirmsInPlace(t *testing.T) {
	r := NewReconciler("alice", "bob")

	tempID := r.Send("hi")
	created := time.Now().UTC()
	r.ApplyID(channel.IDPayload{ClientTempID: tempID, ConfirmedID: "msg_1", CreatedAt: created})

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StateConfirmed, entries[0].State)
	assert.Equal(t, "msg_1", entries[0].ID)
	assert.Equal(t, "msg_1", entries[0].Message.ID)
	assert.False(t, r.Pending(tempID))
}

func TestReconciler_ApplyIDIsIdempotent(t *testing.T) {
	r := NewReconciler("alice", "bob")

	tempID := r.Send("hi")
	payload := channel.IDPayload{ClientTempID: tempID, ConfirmedID: "msg_1", CreatedAt: time.Now().UTC()}

	r.ApplyID(payload)
	once := r.Entries()
	drainRequests(r)

	r.ApplyID(payload)
	twice := r.Entries()

	assert.Equal(t, once, twice)
	assert.Empty(t, drainRequests(r), "no extra requests from the duplicate")
}

func TestReconciler_ReorderOnAuthoritativeTimestamp(t *testing.T) {
	r := NewReconciler("alice", "bob")

	base := time.Now().UTC()
	tempID := r.Send("mine")
	r.ApplyMessage(domain.Message{
		ID: "msg_b", From: "bob", To: "alice", Text: "theirs", CreatedAt: base.Add(time.Second),
	})
	require.Equal(t, []string{"mine", "theirs"}, texts(r.Entries()))

	// The server says the pending message actually happened later.
	r.ApplyID(channel.IDPayload{
		ClientTempID: tempID,
		ConfirmedID:  "msg_a",
		CreatedAt:    base.Add(2 * time.Second),
	})

	assert.Equal(t, []string{"theirs", "mine"}, texts(r.Entries()))
}

func TestReconciler_MessageAppendsConfirmed(t *testing.T) {
	r := NewReconciler("alice", "bob")

	msg := domain.Message{ID: "msg_1", From: "bob", To: "alice", Text: "hey", CreatedAt: time.Now().UTC()}
	r.ApplyMessage(msg)
	r.ApplyMessage(msg) // duplicate delivery

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StateConfirmed, entries[0].State)
}

func TestReconciler_DeleteIsIdentityBased(t *testing.T) {
	r := NewReconciler("alice", "bob")

	tempID := r.Send("pending one")
	r.ApplyMessage(domain.Message{ID: "msg_1", From: "bob", To: "alice", Text: "confirmed one", CreatedAt: time.Now().UTC()})

	r.ApplyDelete("msg_1")
	require.Equal(t, []string{"pending one"}, texts(r.Entries()))

	// Deleting the same id twice results in exactly one removal.
	r.ApplyDelete("msg_1")
	require.Equal(t, []string{"pending one"}, texts(r.Entries()))

	r.ApplyDelete(tempID)
	assert.Empty(t, r.Entries())
}

func TestReconciler_LocalDeleteOfPendingIsLocalOnly(t *testing.T) {
	r := NewReconciler("alice", "bob")

	tempID := r.Send("hi")
	drainRequests(r)

	r.Delete(tempID)
	assert.Empty(t, r.Entries())
	assert.Empty(t, drainRequests(r), "server never knew about the message")
}

func TestReconciler_LocalDeleteOfConfirmedEmitsRequest(t *testing.T) {
	r := NewReconciler("alice", "bob")

	tempID := r.Send("hi")
	r.ApplyID(channel.IDPayload{ClientTempID: tempID, ConfirmedID: "msg_1", CreatedAt: time.Now().UTC()})
	drainRequests(r)

	r.Delete("msg_1")
	assert.Empty(t, r.Entries(), "removal is optimistic and immediate")

	reqs := drainRequests(r)
	require.Len(t, reqs, 1)
	assert.Equal(t, channel.EventDelete, reqs[0].Event)
	assert.Equal(t, "msg_1", reqs[0].Payload.(channel.DeletePayload).ID)

	// The server's broadcast for our own delete is a no-op here.
	r.ApplyDelete("msg_1")
	assert.Empty(t, r.Entries())
}

func TestReconciler_AbandonThenLateConfirmationIssuesDeferredDelete(t *testing.T) {
	r := NewReconciler("alice", "bob")

	tempID := r.Send("hi")
	drainRequests(r)

	// User abandons before the id event arrives.
	r.Delete(tempID)
	require.Empty(t, r.Entries())
	require.Empty(t, drainRequests(r))

	// Late confirmation: the message must not reappear, and the server must
	// be told to delete the now-confirmed id.
	r.ApplyID(channel.IDPayload{ClientTempID: tempID, ConfirmedID: "msg_1", CreatedAt: time.Now().UTC()})
	assert.Empty(t, r.Entries())

	reqs := drainRequests(r)
	require.Len(t, reqs, 1)
	assert.Equal(t, channel.EventDelete, reqs[0].Event)
	assert.Equal(t, "msg_1", reqs[0].Payload.(channel.DeletePayload).ID)

	// A duplicate late confirmation does not issue a second delete.
	r.ApplyID(channel.IDPayload{ClientTempID: tempID, ConfirmedID: "msg_1", CreatedAt: time.Now().UTC()})
	assert.Empty(t, drainRequests(r))
}

func TestReconciler_UpdatePatchesConfirmedOnly(t *testing.T) {
	r := NewReconciler("alice", "bob")

	created := time.Now().UTC()
	r.ApplyMessage(domain.Message{ID: "msg_1", From: "bob", To: "alice", Text: "hi", CreatedAt: created})

	r.ApplyUpdate(channel.UpdatePayload{
		ID:      "msg_1",
		Message: domain.Message{ID: "msg_1", From: "bob", To: "alice", Text: "hi!", CreatedAt: created},
	})
	assert.Equal(t, []string{"hi!"}, texts(r.Entries()))

	// Unknown id: safe no-op.
	r.ApplyUpdate(channel.UpdatePayload{ID: "msg_missing", Message: domain.Message{Text: "x"}})
	assert.Equal(t, []string{"hi!"}, texts(r.Entries()))

	// Pending entries are not patched.
	tempID := r.Send("draft")
	r.ApplyUpdate(channel.UpdatePayload{ID: tempID, Message: domain.Message{Text: "nope"}})
	assert.Contains(t, texts(r.Entries()), "draft")
}

func TestReconciler_OrderingByCreatedAtWithInsertionTies(t *testing.T) {
	r := NewReconciler("alice", "bob")

	ts := time.Now().UTC()
	r.ApplyMessage(domain.Message{ID: "msg_1", From: "bob", To: "alice", Text: "first", CreatedAt: ts})
	r.ApplyMessage(domain.Message{ID: "msg_2", From: "bob", To: "alice", Text: "second", CreatedAt: ts})
	r.ApplyMessage(domain.Message{ID: "msg_0", From: "bob", To: "alice", Text: "earlier", CreatedAt: ts.Add(-time.Second)})

	assert.Equal(t, []string{"earlier", "first", "second"}, texts(r.Entries()))
}
