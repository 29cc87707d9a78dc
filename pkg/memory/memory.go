// Package memory persists conversation memory across turns and folds long
// histories into summaries. Memory entries are derived from the messages
// flagged memorable; on the next turn for the same conversation key they are
// injected as a system context block.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/senka/pkg/conversation"
	"github.com/harun/senka/pkg/store"
)

// Entry is one remembered exchange fragment.
type Entry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Config configures a Manager.
type Config struct {
	// TTL bounds how long memory survives without a new turn. Zero keeps
	// it until overwritten.
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`
	// MaxEntries caps the stored log; older entries are evicted first.
	MaxEntries int `json:"max_entries" mapstructure:"max_entries"`
}

// Manager reads and writes per-conversation memory through a durable store.
type Manager struct {
	store  store.Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a memory manager over a store.
func NewManager(s store.Store, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 50
	}
	return &Manager{
		store:  s,
		cfg:    cfg,
		logger: logger.With().Str("component", "memory").Logger(),
		now:    time.Now,
	}
}

// Record appends the memorable messages of a finished turn to the
// conversation's memory log.
func (m *Manager) Record(ctx context.Context, conversationKey string, state *conversation.State) error {
	if conversationKey == "" {
		return fmt.Errorf("memory requires a conversation key")
	}

	entries, err := m.load(ctx, conversationKey)
	if err != nil {
		return err
	}
	for _, msg := range state.MessagesForMemory() {
		if msg.Text == "" {
			continue
		}
		entries = append(entries, Entry{Role: msg.Role, Text: msg.Text, CreatedAt: m.now()})
	}
	if len(entries) > m.cfg.MaxEntries {
		entries = entries[len(entries)-m.cfg.MaxEntries:]
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode memory: %w", err)
	}
	if err := m.store.Set(ctx, memoryKey(conversationKey), data, m.cfg.TTL); err != nil {
		return fmt.Errorf("failed to persist memory: %w", err)
	}
	m.logger.Debug().Str("conversation_key", conversationKey).Int("entries", len(entries)).Msg("Recorded conversation memory")
	return nil
}

// Recall returns the stored memory log for a conversation, oldest first.
func (m *Manager) Recall(ctx context.Context, conversationKey string) ([]Entry, error) {
	return m.load(ctx, conversationKey)
}

// Context renders the memory log as a single system-context block, or ""
// when nothing is remembered.
func (m *Manager) Context(ctx context.Context, conversationKey string) (string, error) {
	entries, err := m.load(ctx, conversationKey)
	if err != nil || len(entries) == 0 {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Relevant context from earlier conversation:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s\n", e.Role, e.Text)
	}
	return b.String(), nil
}

// Forget drops a conversation's memory.
func (m *Manager) Forget(ctx context.Context, conversationKey string) error {
	_, err := m.store.Delete(ctx, memoryKey(conversationKey))
	return err
}

func (m *Manager) load(ctx context.Context, conversationKey string) ([]Entry, error) {
	data, ok, err := m.store.Get(ctx, memoryKey(conversationKey))
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode memory: %w", err)
	}
	return entries, nil
}

func memoryKey(conversationKey string) string {
	return "memory:" + conversationKey
}
