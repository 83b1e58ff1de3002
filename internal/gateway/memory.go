package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/parley/internal/domain"
)

// Memory is an in-process gateway used by the tests, the demo server, and as
// the fallback when no SurrealDB endpoint is configured. Insertion order is
// retained as the tie-break for equal timestamps.
type Memory struct {
	mu      sync.Mutex
	rows    []memoryRow
	nextSeq int
}

type memoryRow struct {
	msg domain.Message
	seq int
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{}
}

// NewMessageID mints a durable message identifier. The msg_ prefix keeps the
// id space disjoint from client temp ids by construction.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

func (g *Memory) CreateMessage(ctx context.Context, from, to domain.Principal, text string) (*domain.Message, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("create message: empty principal")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	msg := domain.Message{
		ID:        NewMessageID(),
		From:      from,
		To:        to,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	g.rows = append(g.rows, memoryRow{msg: msg, seq: g.nextSeq})
	g.nextSeq++
	return &msg, nil
}

func (g *Memory) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, row := range g.rows {
		if row.msg.ID == id {
			msg := row.msg
			return &msg, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (g *Memory) DeleteMessage(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, row := range g.rows {
		if row.msg.ID == id {
			g.rows = append(g.rows[:i], g.rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (g *Memory) UpdateMessage(ctx context.Context, id string, text string) (*domain.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.rows {
		if g.rows[i].msg.ID == id {
			g.rows[i].msg.Text = text
			msg := g.rows[i].msg
			return &msg, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (g *Memory) ListPair(ctx context.Context, a, b domain.Principal) ([]domain.Message, error) {
	key := domain.NewPairKey(a, b)

	g.mu.Lock()
	defer g.mu.Unlock()

	var matched []memoryRow
	for _, row := range g.rows {
		if row.msg.Pair() == key {
			matched = append(matched, row)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].msg.CreatedAt.Equal(matched[j].msg.CreatedAt) {
			return matched[i].msg.CreatedAt.Before(matched[j].msg.CreatedAt)
		}
		return matched[i].seq < matched[j].seq
	})

	out := make([]domain.Message, len(matched))
	for i, row := range matched {
		out[i] = row.msg
	}
	return out, nil
}

func (g *Memory) Close(ctx context.Context) error { return nil }
