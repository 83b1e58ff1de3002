package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/domain"
)

// Surreal is the SurrealDB-backed persistence gateway.
type Surreal struct {
	db *surrealdb.DB
}

// surrealMessage is the row shape stored in the message table. The pair key
// is denormalized so ListPair is one indexed lookup.
type surrealMessage struct {
	MsgID     string    `json:"msgId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Pair      string    `json:"pair"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m surrealMessage) toDomain() domain.Message {
	return domain.Message{
		ID:        m.MsgID,
		From:      domain.Principal(m.From),
		To:        domain.Principal(m.To),
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
	}
}

func pairField(a, b domain.Principal) string {
	key := domain.NewPairKey(a, b)
	return string(key.A) + "|" + string(key.B)
}

// NewSurreal connects to the configured SurrealDB endpoint and prepares the
// message table.
func NewSurreal(ctx context.Context, cfg *config.Config) (*Surreal, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.SurrealURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to surrealdb: %w", err)
	}

	if cfg.SurrealUser != "" {
		auth := &surrealdb.Auth{
			Username: cfg.SurrealUser,
			Password: cfg.SurrealPass,
		}
		if _, err := db.SignIn(ctx, auth); err != nil {
			return nil, fmt.Errorf("surrealdb sign-in: %w", err)
		}
	}
	if err := db.Use(ctx, cfg.SurrealNS, cfg.SurrealDB); err != nil {
		return nil, fmt.Errorf("selecting surrealdb namespace: %w", err)
	}

	return &Surreal{db: db}, nil
}

// query executes a SurrealQL statement and unmarshals its result set.
func query[T any](ctx context.Context, db *surrealdb.DB, q string, params map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, q, params)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	if len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// queryOne executes a statement expected to yield at most one row.
func queryOne[T any](ctx context.Context, db *surrealdb.DB, q string, params map[string]any) (*T, error) {
	results, err := query[T](ctx, db, q, params)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

func (g *Surreal) CreateMessage(ctx context.Context, from, to domain.Principal, text string) (*domain.Message, error) {
	// message:ulid() record ids sort in insertion order, which is the
	// tie-break ListPair relies on for equal timestamps.
	q := `CREATE message:ulid() SET
		msgId = $msgId,
		from = $from,
		to = $to,
		pair = $pair,
		text = $text,
		createdAt = time::now()
	RETURN AFTER`
	params := map[string]any{
		"msgId": NewMessageID(),
		"from":  string(from),
		"to":    string(to),
		"pair":  pairField(from, to),
		"text":  text,
	}

	created, err := queryOne[surrealMessage](ctx, g.db, q, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	if created == nil {
		return nil, fmt.Errorf("%w: message row not created", domain.ErrPersistence)
	}

	msg := created.toDomain()
	return &msg, nil
}

func (g *Surreal) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	q := "SELECT * FROM message WHERE msgId = $msgId LIMIT 1"
	row, err := queryOne[surrealMessage](ctx, g.db, q, map[string]any{"msgId": id})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	if row == nil {
		return nil, domain.ErrNotFound
	}

	msg := row.toDomain()
	return &msg, nil
}

func (g *Surreal) DeleteMessage(ctx context.Context, id string) (bool, error) {
	q := "DELETE message WHERE msgId = $msgId RETURN BEFORE"
	deleted, err := query[surrealMessage](ctx, g.db, q, map[string]any{"msgId": id})
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return len(deleted) > 0, nil
}

func (g *Surreal) UpdateMessage(ctx context.Context, id string, text string) (*domain.Message, error) {
	q := "UPDATE message SET text = $text WHERE msgId = $msgId RETURN AFTER"
	updated, err := queryOne[surrealMessage](ctx, g.db, q, map[string]any{
		"msgId": id,
		"text":  text,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	if updated == nil {
		return nil, domain.ErrNotFound
	}

	msg := updated.toDomain()
	return &msg, nil
}

func (g *Surreal) ListPair(ctx context.Context, a, b domain.Principal) ([]domain.Message, error) {
	q := "SELECT * FROM message WHERE pair = $pair ORDER BY createdAt ASC, id ASC"
	rows, err := query[surrealMessage](ctx, g.db, q, map[string]any{"pair": pairField(a, b)})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	out := make([]domain.Message, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (g *Surreal) Close(ctx context.Context) error {
	return g.db.Close(ctx)
}
