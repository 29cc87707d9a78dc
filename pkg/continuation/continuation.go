// Package continuation implements the suspend/resume protocol: when a turn
// needs a client-side tool result, the engine's progress is serialized into
// durable storage under a single-use token, and a later request carrying the
// token plus the external result rebuilds the turn exactly where it stopped,
// possibly in a different process.
package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/senka/pkg/conversation"
	"github.com/harun/senka/pkg/store"
)

// ErrContinuationNotFound is returned when a token is unknown, expired, or
// already consumed.
var ErrContinuationNotFound = errors.New("continuation not found")

// ErrInvalidClientResult is returned when a supplied result carries neither
// content nor an error string.
var ErrInvalidClientResult = errors.New("invalid client result")

// Record identifies the pending client interaction a suspended turn is
// waiting for.
type Record struct {
	ConversationKey string `json:"conversation_key"`
	Token           string `json:"token"`
	Scene           string `json:"scene"`
	InteractionID   string `json:"interaction_id"`
	CallID          string `json:"call_id"`
	ToolName        string `json:"tool_name"`
}

// ClientResult is one external result supplied on resume. Exactly one of
// Content or Error must be non-empty.
type ClientResult struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// envelope is the persisted layout: flat JSON so any process instance can
// serve the resume.
type envelope struct {
	Version  int                         `json:"version"`
	Record   Record                      `json:"record"`
	Snapshot conversation.ExecutionState `json:"snapshot"`
}

// Resumed is the outcome of a successful resume.
type Resumed struct {
	State    *conversation.State
	Record   Record
	Snapshot conversation.ExecutionState
}

// Manager stores and consumes continuations.
type Manager struct {
	store    store.Store
	ttl      time.Duration
	logger   zerolog.Logger
	newToken func() (string, error)
}

// NewManager creates a continuation manager writing records with the given
// TTL.
func NewManager(s store.Store, ttl time.Duration, logger zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Manager{
		store:    s,
		ttl:      ttl,
		logger:   logger,
		newToken: func() (string, error) { return gonanoid.New() },
	}
}

// Suspend snapshots the conversation at the awaiting-client phase and stores
// it under a fresh single-use token.
func (m *Manager) Suspend(ctx context.Context, state *conversation.State, conversationKey, sceneName, interactionID, callID, toolName string) (string, error) {
	token, err := m.newToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate continuation token: %w", err)
	}

	env := envelope{
		Version: 1,
		Record: Record{
			ConversationKey: conversationKey,
			Token:           token,
			Scene:           sceneName,
			InteractionID:   interactionID,
			CallID:          callID,
			ToolName:        toolName,
		},
		Snapshot: state.Snapshot("AwaitingClient", sceneName),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize continuation: %w", err)
	}
	if err := m.store.Set(ctx, storeKey(token), data, m.ttl); err != nil {
		return "", fmt.Errorf("failed to store continuation: %w", err)
	}

	m.logger.Info().
		Str("conversation_key", conversationKey).
		Str("scene", sceneName).
		Str("tool", toolName).
		Msg("Turn suspended awaiting client result")
	return token, nil
}

// Resume consumes a token exactly once and rebuilds the conversation with
// the external results appended as tool-result messages for the original
// call. Concurrent resumes race on the store deletion; exactly one wins, the
// others observe ErrContinuationNotFound.
func (m *Manager) Resume(ctx context.Context, token string, results []ClientResult) (*Resumed, error) {
	if token == "" {
		return nil, ErrContinuationNotFound
	}

	data, ok, err := m.store.Get(ctx, storeKey(token))
	if err != nil {
		return nil, fmt.Errorf("failed to load continuation: %w", err)
	}
	if !ok {
		return nil, ErrContinuationNotFound
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no results supplied", ErrInvalidClientResult)
	}
	for _, result := range results {
		if result.Content == "" && result.Error == "" {
			return nil, fmt.Errorf("%w: result carries neither content nor error", ErrInvalidClientResult)
		}
	}

	// Deleting first is the commit point for single-use semantics.
	removed, err := m.store.Delete(ctx, storeKey(token))
	if err != nil {
		return nil, fmt.Errorf("failed to consume continuation: %w", err)
	}
	if !removed {
		return nil, ErrContinuationNotFound
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode continuation: %w", err)
	}

	state := conversation.FromSnapshot(env.Snapshot)
	for _, result := range results {
		content := result.Content
		if result.Error != "" {
			content = fmt.Sprintf("tool %s failed: %s", env.Record.ToolName, result.Error)
		}
		state.Append(conversation.TaggedMessage{
			Flags: conversation.FlagInRequest,
			Label: conversation.LabelTool,
			Role:  "tool",
			Items: []conversation.Item{
				conversation.ToolResultItem(env.Record.CallID, content),
			},
		})
	}

	m.logger.Info().
		Str("conversation_key", env.Record.ConversationKey).
		Str("scene", env.Record.Scene).
		Msg("Turn resumed from continuation")
	return &Resumed{State: state, Record: env.Record, Snapshot: env.Snapshot}, nil
}

func storeKey(token string) string {
	return "continuation:" + token
}
