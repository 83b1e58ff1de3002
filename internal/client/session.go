package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nfrund/parley/internal/channel"
	"github.com/nfrund/parley/internal/domain"
)

// PrincipalHeader mirrors the server handshake header.
const PrincipalHeader = "X-Parley-Principal"

// Session is one live client connection: it owns the WebSocket, feeds server
// events into the reconciler, drains the reconciler's outbound requests, and
// tracks the presence set from user:+ / user:- deltas.
type Session struct {
	self domain.Principal
	rec  *Reconciler
	conn *websocket.Conn

	baseURL *url.URL
	http    *http.Client

	mu     sync.Mutex
	online map[domain.Principal]struct{}

	cancel context.CancelFunc
	doneWG sync.WaitGroup
	logger *slog.Logger
}

// Dial connects to a server, performing the handshake as self and opening a
// reconciled view onto the conversation with peer.
func Dial(ctx context.Context, rawURL string, self, peer domain.Principal) (*Session, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}

	wsURL := *base
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	wsURL.Path = "/ws"

	header := http.Header{}
	header.Set(PrincipalHeader, string(self))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, domain.ErrHandshakeRejected
		}
		return nil, fmt.Errorf("dialing %s: %w", wsURL.String(), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		self:    self,
		rec:     NewReconciler(self, peer),
		conn:    conn,
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
		online:  make(map[domain.Principal]struct{}),
		cancel:  cancel,
		logger:  slog.Default().With("service", "session", "principal", self),
	}

	s.doneWG.Add(2)
	go s.readLoop()
	go s.writeLoop(runCtx)

	return s, nil
}

// Reconciler exposes the message view for the UI.
func (s *Session) Reconciler() *Reconciler { return s.rec }

// SendText sends a message to the peer, returning the optimistic temp id.
func (s *Session) SendText(text string) string { return s.rec.Send(text) }

// Delete removes a message by id, optimistically.
func (s *Session) Delete(id string) { s.rec.Delete(id) }

// Online returns the sorted presence set as currently known.
func (s *Session) Online() []domain.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Principal, 0, len(s.online))
	for p := range s.online {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// History fetches the full ordered pairwise channel with peer over the
// request/response API, outside the event channel.
func (s *Session) History(ctx context.Context, peer domain.Principal) ([]domain.HistoryEntry, error) {
	u := *s.baseURL
	u.Path = "/api/history/" + url.PathEscape(string(peer))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(PrincipalHeader, string(s.self))

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching history: unexpected status %d", resp.StatusCode)
	}

	var entries []domain.HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	return entries, nil
}

// Close tears the session down.
func (s *Session) Close() error {
	s.cancel()
	err := s.conn.Close()
	s.doneWG.Wait()
	return err
}

// readLoop feeds server events into the reconciler and the presence set.
func (s *Session) readLoop() {
	defer s.doneWG.Done()

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("session closed")
			} else {
				s.logger.Debug("session read ended", "error", err)
			}
			return
		}

		ev, err := channel.Decode(frame)
		if err != nil {
			s.logger.Warn("undecodable server frame", "error", err)
			continue
		}
		s.apply(ev)
	}
}

func (s *Session) apply(ev channel.Event) {
	switch ev.Name {
	case channel.EventID:
		if p, err := channel.DecodePayload[channel.IDPayload](ev); err == nil {
			s.rec.ApplyID(p)
		}

	case channel.EventMessage:
		if msg, err := channel.DecodePayload[domain.Message](ev); err == nil {
			s.rec.ApplyMessage(msg)
		}

	case channel.EventDelete:
		if p, err := channel.DecodePayload[channel.DeletePayload](ev); err == nil {
			s.rec.ApplyDelete(p.ID)
		}

	case channel.EventUpdate:
		if p, err := channel.DecodePayload[channel.UpdatePayload](ev); err == nil {
			s.rec.ApplyUpdate(p)
		}

	case channel.EventUserOnline:
		if p, err := channel.DecodePayload[channel.PresencePayload](ev); err == nil {
			s.mu.Lock()
			s.online[p.Principal] = struct{}{}
			s.mu.Unlock()
		}

	case channel.EventUserOffline:
		if p, err := channel.DecodePayload[channel.PresencePayload](ev); err == nil {
			s.mu.Lock()
			delete(s.online, p.Principal)
			s.mu.Unlock()
		}

	case channel.EventError:
		// Advisory only; log and carry on.
		s.logger.Warn("server error event", "payload", string(ev.Payload))

	default:
		s.logger.Debug("ignoring unknown event", "event", ev.Name)
	}
}

// writeLoop delivers the reconciler's outbound requests to the server.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.doneWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.rec.Requests():
			frame, err := channel.Encode(req.Event, req.Payload)
			if err != nil {
				s.logger.Error("failed to encode request", "event", req.Event, "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Error("failed to write request", "event", req.Event, "error", err)
				return
			}
		}
	}
}
