package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nfrund/parley/internal/domain"
)

// Wire event names. These are the exact names spoken on a connection's
// duplex stream.
const (
	// EventSend is a client request to send a new message.
	EventSend = "send"
	// EventMessage carries a confirmed message to the recipient's connections.
	EventMessage = "message"
	// EventID is the reconciliation event replacing a client temp id with the
	// durable server id. Delivered only to the sender's connections.
	EventID = "id"
	// EventUpdate announces an edited message to both parties.
	EventUpdate = "update"
	// EventDelete is both the client's delete request and the server's
	// broadcast that a message is gone.
	EventDelete = "delete"
	// EventError is advisory only; its payload shape is not part of the
	// reconciliation contract.
	EventError = "error"
	// EventUserOnline and EventUserOffline are presence deltas.
	EventUserOnline  = "user:+"
	EventUserOffline = "user:-"
)

// Event is the wire envelope for every frame on the duplex stream.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendRequest is the client->server payload of a "send" frame.
type SendRequest struct {
	To           domain.Principal `json:"to"`
	Text         string           `json:"text"`
	ClientTempID string           `json:"clientTempId"`
}

// IDPayload is the reconciliation payload. CreatedAt carries the server's
// authoritative timestamp so the client can re-sort if the provisional
// ordering was wrong.
type IDPayload struct {
	ClientTempID string    `json:"clientTempId"`
	ConfirmedID  string    `json:"confirmedId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UpdateRequest is the client->server payload of an "update" frame.
type UpdateRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// UpdatePayload is the server->client payload of an "update" frame.
type UpdatePayload struct {
	ID      string         `json:"id"`
	Message domain.Message `json:"message"`
}

// DeletePayload identifies the message a "delete" frame targets.
type DeletePayload struct {
	ID string `json:"id"`
}

// ErrorPayload is the advisory error shape this server happens to emit.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PresencePayload identifies the principal a presence delta concerns.
type PresencePayload struct {
	Principal domain.Principal `json:"principal"`
}

// Encode marshals an event with the given payload into a wire frame.
func Encode(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %q payload: %w", name, err)
	}
	return json.Marshal(Event{Name: name, Payload: raw})
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(name string, payload any) []byte {
	frame, err := Encode(name, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// Decode parses a wire frame into its envelope.
func Decode(frame []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding event frame: %w", err)
	}
	if ev.Name == "" {
		return Event{}, fmt.Errorf("decoding event frame: missing event name")
	}
	return ev, nil
}

// DecodePayload parses the typed payload of an already-decoded envelope.
func DecodePayload[T any](ev Event) (T, error) {
	var payload T
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decoding %q payload: %w", ev.Name, err)
	}
	return payload, nil
}
