package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/gateway"
	"github.com/nfrund/parley/internal/pubsub"
	"github.com/nfrund/parley/internal/registry"
)

// Bus topics for observers outside the wire protocol.
const (
	TopicMessagePersisted = "chat.message.persisted"
	TopicMessageDeleted   = "chat.message.deleted"
	TopicMessageUpdated   = "chat.message.updated"
)

// Service implements the server side of the message channel protocol: it
// persists through the gateway and emits the resulting events to the live
// connections of both parties.
//
// Per pairwise channel, persist-then-emit runs under one lock so events reach
// a connection in persistence order. Unrelated pairs do not contend.
type Service struct {
	gateway   gateway.Gateway
	registry  *registry.Registry
	publisher pubsub.Publisher
	logger    *slog.Logger

	mu    sync.Mutex
	pairs map[domain.PairKey]*sync.Mutex
}

// NewService wires the channel service. The publisher may be nil.
func NewService(gw gateway.Gateway, reg *registry.Registry, publisher pubsub.Publisher) *Service {
	return &Service{
		gateway:   gw,
		registry:  reg,
		publisher: publisher,
		logger:    slog.Default().With("service", "channel"),
		pairs:     make(map[domain.PairKey]*sync.Mutex),
	}
}

func (s *Service) pairLock(a, b domain.Principal) *sync.Mutex {
	key := domain.NewPairKey(a, b)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.pairs[key]
	if !ok {
		lock = &sync.Mutex{}
		s.pairs[key] = lock
	}
	return lock
}

// normalizeText brings message text to NFC form and strips surrounding
// whitespace so equal-looking messages compare equal across platforms.
func normalizeText(text string) string {
	return strings.TrimSpace(norm.NFC.String(text))
}

// Send handles a client "send" request from the given connection. The
// contract is all-or-nothing: on persistence failure nothing but an advisory
// error frame is emitted and the client's optimistic message stays pending.
func (s *Service) Send(ctx context.Context, origin registry.Conn, req SendRequest) error {
	from := origin.Principal()
	text := normalizeText(req.Text)
	if req.To == "" || text == "" {
		s.sendError(origin, "send requires a recipient and non-empty text")
		return fmt.Errorf("send from %q: missing recipient or text", from)
	}

	lock := s.pairLock(from, req.To)
	lock.Lock()
	defer lock.Unlock()

	msg, err := s.gateway.CreateMessage(ctx, from, req.To, text)
	if err != nil {
		s.logger.Error("persistence failed, no protocol state emitted",
			"from", from, "to", req.To, "tempId", req.ClientTempID, "error", err)
		s.sendError(origin, "message could not be persisted")
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	// Reconciliation goes to every one of the sender's devices; the
	// recipient's devices get the message event. The sender's connections
	// never see their own message as a "new" event.
	idFrame := MustEncode(EventID, IDPayload{
		ClientTempID: req.ClientTempID,
		ConfirmedID:  msg.ID,
		CreatedAt:    msg.CreatedAt,
	})
	s.registry.SendTo(from, idFrame)

	if req.To != from {
		s.registry.SendTo(req.To, MustEncode(EventMessage, msg))
	}

	s.publish(TopicMessagePersisted, string(from), msg)
	return nil
}

// Delete handles a delete request for a confirmed message id. Unknown ids
// are treated as already satisfied: the broadcast still goes out so every
// device of both parties converges.
func (s *Service) Delete(ctx context.Context, requester domain.Principal, id string) error {
	msg, err := s.gateway.GetMessage(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		// Already gone (raced with another device). Idempotent success;
		// nothing to broadcast because the earlier delete already did.
		s.logger.Debug("delete target unknown, treated as satisfied", "id", id, "requester", requester)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	if msg.From != requester && msg.To != requester {
		return fmt.Errorf("delete %q: requester is not a participant", id)
	}

	lock := s.pairLock(msg.From, msg.To)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.gateway.DeleteMessage(ctx, id); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	frame := MustEncode(EventDelete, DeletePayload{ID: id})
	s.registry.SendTo(msg.From, frame)
	if msg.To != msg.From {
		s.registry.SendTo(msg.To, frame)
	}

	s.publish(TopicMessageDeleted, string(requester), DeletePayload{ID: id})
	return nil
}

// Update rewrites a message's text. Only the original sender may edit; both
// parties' connections receive the update broadcast.
func (s *Service) Update(ctx context.Context, requester domain.Principal, req UpdateRequest) error {
	text := normalizeText(req.Text)
	if text == "" {
		return fmt.Errorf("update %q: empty text", req.ID)
	}

	existing, err := s.gateway.GetMessage(ctx, req.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("update %q: %w", req.ID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	if existing.From != requester {
		return fmt.Errorf("update %q: only the sender may edit", req.ID)
	}

	lock := s.pairLock(existing.From, existing.To)
	lock.Lock()
	defer lock.Unlock()

	msg, err := s.gateway.UpdateMessage(ctx, req.ID, text)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("update %q: %w", req.ID, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	frame := MustEncode(EventUpdate, UpdatePayload{ID: msg.ID, Message: *msg})
	s.registry.SendTo(msg.From, frame)
	if msg.To != msg.From {
		s.registry.SendTo(msg.To, frame)
	}

	s.publish(TopicMessageUpdated, string(requester), msg)
	return nil
}

// History returns the full ordered pairwise channel between the caller and
// peer, each entry annotated with the caller's perspective.
func (s *Service) History(ctx context.Context, caller, peer domain.Principal) ([]domain.HistoryEntry, error) {
	msgs, err := s.gateway.ListPair(ctx, caller, peer)
	if err != nil {
		return nil, fmt.Errorf("listing pair history: %w", err)
	}

	entries := make([]domain.HistoryEntry, len(msgs))
	for i, msg := range msgs {
		entries[i] = domain.HistoryEntry{Message: msg, Self: msg.From == caller}
	}
	return entries, nil
}

// sendError emits an advisory error frame to one connection. Advisory only:
// the client may ignore it, and it never tears the connection down.
func (s *Service) sendError(c registry.Conn, msg string) {
	c.Send(MustEncode(EventError, ErrorPayload{Message: msg}))
}

func (s *Service) publish(topic, principal string, payload any) {
	if s.publisher == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal bus payload", "topic", topic, "error", err)
		return
	}
	msg := pubsub.Message{
		Topic:     topic,
		Principal: principal,
		Payload:   raw,
		Metadata:  map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)},
	}
	if err := s.publisher.Publish(context.Background(), msg); err != nil {
		s.logger.Error("failed to publish bus message", "topic", topic, "error", err)
	}
}
