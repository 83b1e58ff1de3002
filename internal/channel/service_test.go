package channel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/gateway"
	"github.com/nfrund/parley/internal/registry"
)

// fakeConn records the decoded events it was sent.
type fakeConn struct {
	id        string
	principal domain.Principal

	mu     sync.Mutex
	frames [][]byte
}

func newFakeConn(id string, p domain.Principal) *fakeConn {
	return &fakeConn{id: id, principal: p}
}

func (c *fakeConn) ID() string                  { return c.id }
func (c *fakeConn) Principal() domain.Principal { return c.principal }
func (c *fakeConn) Close()                      {}

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) events(t *testing.T) []Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Event, 0, len(c.frames))
	for _, frame := range c.frames {
		ev, err := Decode(frame)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) eventNames(t *testing.T) []string {
	t.Helper()
	var names []string
	for _, ev := range c.events(t) {
		names = append(names, ev.Name)
	}
	return names
}

// failingGateway fails every create.
type failingGateway struct {
	gateway.Gateway
}

func (failingGateway) CreateMessage(ctx context.Context, from, to domain.Principal, text string) (*domain.Message, error) {
	return nil, errors.New("store is down")
}

func setup(t *testing.T) (*Service, *registry.Registry, gateway.Gateway) {
	t.Helper()
	gw := gateway.NewMemory()
	reg := registry.New(nil)
	return NewService(gw, reg, nil), reg, gw
}

func register(t *testing.T, reg *registry.Registry, c *fakeConn) {
	t.Helper()
	_, err := reg.Register(c)
	require.NoError(t, err)
}

func TestService_SendEmitsIDToSenderAndMessageToRecipient(t *testing.T) {
	svc, reg, _ := setup(t)

	aliceTab1 := newFakeConn("a1", "alice")
	aliceTab2 := newFakeConn("a2", "alice")
	bob := newFakeConn("b1", "bob")
	for _, c := range []*fakeConn{aliceTab1, aliceTab2, bob} {
		register(t, reg, c)
	}

	err := svc.Send(context.Background(), aliceTab1, SendRequest{
		To:           "bob",
		Text:         "hi",
		ClientTempID: "tmp_1",
	})
	require.NoError(t, err)

	// Every sender device gets the reconciliation, never a message event.
	for _, c := range []*fakeConn{aliceTab1, aliceTab2} {
		events := c.events(t)
		require.Len(t, events, 1)
		assert.Equal(t, EventID, events[0].Name)

		p, err := DecodePayload[IDPayload](events[0])
		require.NoError(t, err)
		assert.Equal(t, "tmp_1", p.ClientTempID)
		assert.NotEmpty(t, p.ConfirmedID)
		assert.False(t, p.CreatedAt.IsZero())
	}

	events := bob.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, EventMessage, events[0].Name)

	msg, err := DecodePayload[domain.Message](events[0])
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, domain.Principal("alice"), msg.From)
}

func TestService_SendNormalizesText(t *testing.T) {
	svc, reg, gw := setup(t)

	alice := newFakeConn("a1", "alice")
	register(t, reg, alice)

	err := svc.Send(context.Background(), alice, SendRequest{
		To:           "bob",
		Text:         "  hi there \n",
		ClientTempID: "tmp_1",
	})
	require.NoError(t, err)

	msgs, err := gw.ListPair(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi there", msgs[0].Text)
}

func TestService_SendFailureEmitsOnlyAdvisoryError(t *testing.T) {
	reg := registry.New(nil)
	svc := NewService(failingGateway{}, reg, nil)

	alice := newFakeConn("a1", "alice")
	bob := newFakeConn("b1", "bob")
	register(t, reg, alice)
	register(t, reg, bob)

	err := svc.Send(context.Background(), alice, SendRequest{
		To:           "bob",
		Text:         "hi",
		ClientTempID: "tmp_1",
	})
	require.ErrorIs(t, err, domain.ErrPersistence)

	// All-or-nothing: no id, no message, just the advisory error.
	assert.Equal(t, []string{EventError}, alice.eventNames(t))
	assert.Empty(t, bob.eventNames(t))
}

func TestService_SendRejectsEmptyText(t *testing.T) {
	svc, reg, gw := setup(t)

	alice := newFakeConn("a1", "alice")
	register(t, reg, alice)

	err := svc.Send(context.Background(), alice, SendRequest{To: "bob", Text: "   ", ClientTempID: "tmp_1"})
	require.Error(t, err)

	msgs, err := gw.ListPair(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestService_DeleteBroadcastsToEveryDeviceOfBothParties(t *testing.T) {
	svc, reg, gw := setup(t)

	msg, err := gw.CreateMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)

	aliceTab1 := newFakeConn("a1", "alice")
	aliceTab2 := newFakeConn("a2", "alice")
	bob := newFakeConn("b1", "bob")
	for _, c := range []*fakeConn{aliceTab1, aliceTab2, bob} {
		register(t, reg, c)
	}

	require.NoError(t, svc.Delete(context.Background(), "bob", msg.ID))

	for _, c := range []*fakeConn{aliceTab1, aliceTab2, bob} {
		events := c.events(t)
		require.Len(t, events, 1)
		assert.Equal(t, EventDelete, events[0].Name)

		p, err := DecodePayload[DeletePayload](events[0])
		require.NoError(t, err)
		assert.Equal(t, msg.ID, p.ID)
	}

	_, err = gw.GetMessage(context.Background(), msg.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_DeleteUnknownIDIsIdempotentSuccess(t *testing.T) {
	svc, reg, gw := setup(t)

	msg, err := gw.CreateMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)

	alice := newFakeConn("a1", "alice")
	register(t, reg, alice)

	require.NoError(t, svc.Delete(context.Background(), "alice", msg.ID))
	// Second delete from another device races the first; both succeed.
	require.NoError(t, svc.Delete(context.Background(), "alice", msg.ID))
	require.NoError(t, svc.Delete(context.Background(), "alice", "msg_never-existed"))

	// Exactly one broadcast for the one real removal.
	assert.Equal(t, []string{EventDelete}, alice.eventNames(t))
}

func TestService_DeleteRequiresParticipant(t *testing.T) {
	svc, _, gw := setup(t)

	msg, err := gw.CreateMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)

	err = svc.Delete(context.Background(), "mallory", msg.ID)
	require.Error(t, err)

	_, err = gw.GetMessage(context.Background(), msg.ID)
	assert.NoError(t, err, "message must survive a non-participant delete")
}

func TestService_UpdateBroadcastsToBothParties(t *testing.T) {
	svc, reg, gw := setup(t)

	msg, err := gw.CreateMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)

	alice := newFakeConn("a1", "alice")
	bob := newFakeConn("b1", "bob")
	register(t, reg, alice)
	register(t, reg, bob)

	require.NoError(t, svc.Update(context.Background(), "alice", UpdateRequest{ID: msg.ID, Text: "hello"}))

	for _, c := range []*fakeConn{alice, bob} {
		events := c.events(t)
		require.Len(t, events, 1)
		assert.Equal(t, EventUpdate, events[0].Name)

		p, err := DecodePayload[UpdatePayload](events[0])
		require.NoError(t, err)
		assert.Equal(t, "hello", p.Message.Text)
	}
}

func TestService_UpdateOnlyBySender(t *testing.T) {
	svc, _, gw := setup(t)

	msg, err := gw.CreateMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)

	err = svc.Update(context.Background(), "bob", UpdateRequest{ID: msg.ID, Text: "edited"})
	require.Error(t, err)

	stored, err := gw.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Text)
}

func TestService_DeleteBeforeCounterpartConnects(t *testing.T) {
	svc, reg, _ := setup(t)

	alice := newFakeConn("a1", "alice")
	register(t, reg, alice)

	// Bob has never connected; alice sends and deletes while he is away.
	require.NoError(t, svc.Send(context.Background(), alice, SendRequest{
		To: "bob", Text: "hi", ClientTempID: "tmp_1",
	}))
	events := alice.events(t)
	require.Len(t, events, 1)
	p, err := DecodePayload[IDPayload](events[0])
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), "alice", p.ConfirmedID))

	// Bob's later history fetch has no trace of the message.
	entries, err := svc.History(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestService_HistoryAnnotatesSelf(t *testing.T) {
	svc, _, gw := setup(t)

	_, err := gw.CreateMessage(context.Background(), "alice", "bob", "hi")
	require.NoError(t, err)
	_, err = gw.CreateMessage(context.Background(), "bob", "alice", "hey")
	require.NoError(t, err)

	entries, err := svc.History(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.True(t, entries[0].Self)
	assert.False(t, entries[1].Self)

	// Same channel from bob's perspective.
	entries, err = svc.History(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.False(t, entries[0].Self)
	assert.True(t, entries[1].Self)
}

var _ registry.Conn = (*fakeConn)(nil)
