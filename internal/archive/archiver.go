package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/nfrund/parley/internal/channel"
	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/presence"
	"github.com/nfrund/parley/internal/pubsub"
)

// Archiver observes the bus and appends a plain-text transcript per pairwise
// channel. It is purely observational: a write failure is logged and never
// feeds back into the protocol.
type Archiver struct {
	fs     afero.Fs
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates an archiver writing under dir on the given filesystem.
// Tests pass an afero.NewMemMapFs.
func New(fs afero.Fs, dir string) *Archiver {
	return &Archiver{
		fs:     fs,
		dir:    dir,
		logger: slog.Default().With("service", "archive"),
	}
}

// Start subscribes to the chat and presence topics. Subscriptions stay
// active until the bus closes.
func (a *Archiver) Start(ctx context.Context, sub pubsub.Subscriber) error {
	if err := a.fs.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}

	if err := sub.Subscribe(ctx, channel.TopicMessagePersisted, a.handlePersisted); err != nil {
		return fmt.Errorf("subscribing to persisted messages: %w", err)
	}
	if err := sub.Subscribe(ctx, channel.TopicMessageDeleted, a.handleDeleted); err != nil {
		return fmt.Errorf("subscribing to deleted messages: %w", err)
	}
	if err := sub.Subscribe(ctx, presence.TopicStatus, a.handlePresence); err != nil {
		return fmt.Errorf("subscribing to presence status: %w", err)
	}
	return nil
}

// pairFile is the transcript filename for an unordered pair.
func pairFile(a, b domain.Principal) string {
	key := domain.NewPairKey(a, b)
	return string(key.A) + "--" + string(key.B) + ".log"
}

func (a *Archiver) handlePersisted(ctx context.Context, msg pubsub.Message) error {
	var m domain.Message
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		a.logger.Error("undecodable persisted payload", "error", err)
		return nil
	}
	line := fmt.Sprintf("%s\t%s\t%s -> %s\t%s\n",
		m.CreatedAt.Format(time.RFC3339), m.ID, m.From, m.To, m.Text)
	a.appendLine(pairFile(m.From, m.To), line)
	return nil
}

func (a *Archiver) handleDeleted(ctx context.Context, msg pubsub.Message) error {
	var p channel.DeletePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		a.logger.Error("undecodable delete payload", "error", err)
		return nil
	}
	line := fmt.Sprintf("%s\t%s\tdeleted by %s\n",
		time.Now().UTC().Format(time.RFC3339), p.ID, msg.Principal)
	a.appendLine("deletions.log", line)
	return nil
}

func (a *Archiver) handlePresence(ctx context.Context, msg pubsub.Message) error {
	var p struct {
		Principal domain.Principal `json:"principal"`
		Online    bool             `json:"online"`
		Timestamp time.Time        `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		a.logger.Error("undecodable presence payload", "error", err)
		return nil
	}
	status := "offline"
	if p.Online {
		status = "online"
	}
	line := fmt.Sprintf("%s\t%s\t%s\n", p.Timestamp.Format(time.RFC3339), p.Principal, status)
	a.appendLine("presence.log", line)
	return nil
}

func (a *Archiver) appendLine(name, line string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, name)
	f, err := a.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Error("failed to open transcript", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		a.logger.Error("failed to append transcript line", "path", path, "error", err)
	}
}

// Transcript returns the raw transcript for the pair, or an empty slice when
// none has been written yet.
func (a *Archiver) Transcript(p, q domain.Principal) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, pairFile(p, q))
	data, err := afero.ReadFile(a.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return data, nil
}
