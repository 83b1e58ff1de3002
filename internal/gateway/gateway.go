package gateway

import (
	"context"

	"github.com/nfrund/parley/internal/domain"
)

// Gateway is the durable store consulted by the message channel. It assigns
// durable message identifiers and is the single ordering authority for a
// pairwise channel.
type Gateway interface {
	// CreateMessage persists a new message, assigning its durable id and
	// authoritative timestamp.
	CreateMessage(ctx context.Context, from, to domain.Principal, text string) (*domain.Message, error)

	// GetMessage fetches a message by durable id. Unknown ids return
	// domain.ErrNotFound.
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	// DeleteMessage removes a message. It returns false (and no error) when
	// the id is unknown; callers treat that as already satisfied.
	DeleteMessage(ctx context.Context, id string) (bool, error)

	// UpdateMessage rewrites a message's text and returns the updated
	// message. Unknown ids return domain.ErrNotFound.
	UpdateMessage(ctx context.Context, id string, text string) (*domain.Message, error)

	// ListPair returns every message between the unordered pair {a, b},
	// ordered by creation time ascending with insertion-order ties.
	ListPair(ctx context.Context, a, b domain.Principal) ([]domain.Message, error)

	// Close releases the underlying store.
	Close(ctx context.Context) error
}
