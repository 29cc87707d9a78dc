package memory

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/senka/pkg/conversation"
	"github.com/harun/senka/pkg/store"
)

func memorableTurn(userText, assistantText string) *conversation.State {
	state := conversation.NewState()
	state.Append(conversation.TaggedMessage{
		Flags: conversation.FlagInRequest | conversation.FlagMemorable,
		Label: conversation.LabelUser,
		Role:  "user",
		Text:  userText,
	})
	state.Append(conversation.TaggedMessage{
		Flags: conversation.FlagInRequest | conversation.FlagMemorable,
		Label: conversation.LabelAssistant,
		Role:  "assistant",
		Text:  assistantText,
	})
	return state
}

func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("should recall what was recorded", func(t *testing.T) {
		mgr := NewManager(store.NewMemoryStore(), Config{}, zerolog.Nop())

		require.NoError(t, mgr.Record(ctx, "c1", memorableTurn("my name is Ada", "Nice to meet you, Ada.")))

		entries, err := mgr.Recall(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "user", entries[0].Role)
		assert.Equal(t, "my name is Ada", entries[0].Text)
	})

	t.Run("should accumulate entries across turns", func(t *testing.T) {
		mgr := NewManager(store.NewMemoryStore(), Config{}, zerolog.Nop())

		require.NoError(t, mgr.Record(ctx, "c1", memorableTurn("first", "one")))
		require.NoError(t, mgr.Record(ctx, "c1", memorableTurn("second", "two")))

		entries, err := mgr.Recall(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, entries, 4)
	})

	t.Run("should evict the oldest entries past the cap", func(t *testing.T) {
		mgr := NewManager(store.NewMemoryStore(), Config{MaxEntries: 3}, zerolog.Nop())

		require.NoError(t, mgr.Record(ctx, "c1", memorableTurn("first", "one")))
		require.NoError(t, mgr.Record(ctx, "c1", memorableTurn("second", "two")))

		entries, err := mgr.Recall(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "one", entries[0].Text)
		assert.Equal(t, "second", entries[1].Text)
	})

	t.Run("should keep conversations isolated", func(t *testing.T) {
		mgr := NewManager(store.NewMemoryStore(), Config{}, zerolog.Nop())

		require.NoError(t, mgr.Record(ctx, "c1", memorableTurn("about c1", "noted")))

		entries, err := mgr.Recall(ctx, "c2")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("should render a context block from memory", func(t *testing.T) {
		mgr := NewManager(store.NewMemoryStore(), Config{}, zerolog.Nop())

		require.NoError(t, mgr.Record(ctx, "c1", memorableTurn("my name is Ada", "Nice to meet you, Ada.")))

		text, err := mgr.Context(ctx, "c1")
		require.NoError(t, err)
		assert.Contains(t, text, "my name is Ada")
		assert.Contains(t, text, "user:")
	})

	t.Run("should render nothing for an unknown conversation", func(t *testing.T) {
		mgr := NewManager(store.NewMemoryStore(), Config{}, zerolog.Nop())

		text, err := mgr.Context(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, text)
	})

	t.Run("should forget a conversation", func(t *testing.T) {
		mgr := NewManager(store.NewMemoryStore(), Config{}, zerolog.Nop())

		require.NoError(t, mgr.Record(ctx, "c1", memorableTurn("secret", "kept")))
		require.NoError(t, mgr.Forget(ctx, "c1"))

		entries, err := mgr.Recall(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("should skip messages without memorable flag", func(t *testing.T) {
		mgr := NewManager(store.NewMemoryStore(), Config{}, zerolog.Nop())
		state := conversation.NewState()
		state.Append(conversation.TaggedMessage{
			Flags: conversation.FlagInRequest,
			Role:  "system",
			Text:  "internal instructions",
		})

		require.NoError(t, mgr.Record(ctx, "c1", state))

		entries, err := mgr.Recall(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("should require a conversation key", func(t *testing.T) {
		mgr := NewManager(store.NewMemoryStore(), Config{}, zerolog.Nop())

		assert.Error(t, mgr.Record(ctx, "", memorableTurn("a", "b")))
	})
}
