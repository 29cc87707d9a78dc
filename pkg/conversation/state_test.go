package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateCost(t *testing.T) {
	t.Run("should accumulate cost monotonically", func(t *testing.T) {
		s := NewState()

		s.AddCost(0.03)
		first := s.Cost()
		s.AddCost(0.06)
		second := s.Cost()

		assert.InDelta(t, 0.03, first, 1e-9)
		assert.GreaterOrEqual(t, second, first)
	})

	t.Run("should ignore negative amounts", func(t *testing.T) {
		s := NewState()

		s.AddCost(0.10)
		s.AddCost(-0.05)

		assert.InDelta(t, 0.10, s.Cost(), 1e-9)
	})
}

func TestToolTracking(t *testing.T) {
	t.Run("should detect a repeated invocation", func(t *testing.T) {
		s := NewState()
		args := map[string]interface{}{"city": "Jakarta", "days": 3}

		assert.False(t, s.ToolExecuted("weather", "forecast", args))
		s.MarkToolExecuted("weather", "forecast", args)
		assert.True(t, s.ToolExecuted("weather", "forecast", args))
	})

	t.Run("should distinguish different arguments", func(t *testing.T) {
		s := NewState()

		s.MarkToolExecuted("weather", "forecast", map[string]interface{}{"city": "Jakarta"})

		assert.False(t, s.ToolExecuted("weather", "forecast", map[string]interface{}{"city": "Bandung"}))
	})

	t.Run("should hash arguments independently of map order", func(t *testing.T) {
		a := ToolKey("s", "t", map[string]interface{}{"a": 1, "b": "x"})
		b := ToolKey("s", "t", map[string]interface{}{"b": "x", "a": 1})

		assert.Equal(t, a, b)
	})

	t.Run("should record per-scene tool sets", func(t *testing.T) {
		s := NewState()

		s.MarkToolExecuted("weather", "forecast", nil)
		s.MarkToolExecuted("weather", "current", nil)
		s.MarkToolExecuted("travel", "book", nil)

		assert.Equal(t, []string{"current", "forecast"}, s.SceneTools("weather"))
		assert.Equal(t, []string{"book"}, s.SceneTools("travel"))
	})
}

func TestSceneTracking(t *testing.T) {
	t.Run("should preserve execution order without duplicates", func(t *testing.T) {
		s := NewState()

		s.BeginScene("weather")
		s.BeginScene("travel")
		s.BeginScene("weather")

		assert.Equal(t, []string{"weather", "travel"}, s.ExecutedScenes())
		assert.True(t, s.SceneExecuted("travel"))
		assert.False(t, s.SceneExecuted("support"))
	})

	t.Run("should store scene results for chaining", func(t *testing.T) {
		s := NewState()

		s.SetSceneResult("weather", "sunny, 31C")

		result, ok := s.SceneResult("weather")
		require.True(t, ok)
		assert.Equal(t, "sunny, 31C", result)
	})
}

func TestApplySummary(t *testing.T) {
	t.Run("should clear flags but retain summarized messages", func(t *testing.T) {
		s := NewState()
		s.Append(TaggedMessage{
			Flags: FlagInRequest | FlagSummarizable | FlagMemorable,
			Label: LabelUser,
			Role:  "user",
			Text:  "old question",
		})
		s.Append(TaggedMessage{
			Flags: FlagInRequest,
			Label: LabelAssistant,
			Role:  "assistant",
			Text:  "recent answer",
		})

		s.ApplySummary("user asked an old question")

		require.Equal(t, 3, s.Len())
		msgs := s.Messages()
		assert.False(t, msgs[0].Flags.Has(FlagInRequest))
		assert.False(t, msgs[0].Flags.Has(FlagSummarizable))
		assert.True(t, msgs[0].Flags.Has(FlagMemorable))
		assert.Equal(t, LabelSummary, msgs[2].Label)

		inRequest := s.MessagesForRequest(false)
		require.Len(t, inRequest, 2)
		assert.Equal(t, "recent answer", inRequest[0].Text)
		assert.Equal(t, "user asked an old question", inRequest[1].Text)
	})
}

func TestFlagViews(t *testing.T) {
	t.Run("should filter by flag", func(t *testing.T) {
		s := NewState()
		s.Append(TaggedMessage{Flags: FlagInRequest | FlagCacheable, Role: "user", Text: "a"})
		s.Append(TaggedMessage{Flags: FlagMemorable, Role: "assistant", Text: "b"})
		s.Append(TaggedMessage{Flags: FlagSummarizable | FlagMemorable, Role: "user", Text: "c"})

		assert.Len(t, s.MessagesForCache(), 1)
		assert.Len(t, s.MessagesForMemory(), 2)
		assert.Len(t, s.MessagesForSummary(), 1)
	})
}
