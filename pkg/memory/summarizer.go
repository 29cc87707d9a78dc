package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/senka/pkg/chatclient"
	"github.com/harun/senka/pkg/conversation"
)

// Summarizer folds the summarizable span of a conversation into a single
// summary message once it grows past a threshold, keeping request payloads
// bounded on long conversations.
type Summarizer struct {
	dispatcher *chatclient.Dispatcher
	model      string
	threshold  int
	logger     zerolog.Logger
}

// NewSummarizer creates a summarizer that compacts once the summarizable
// span reaches threshold messages.
func NewSummarizer(d *chatclient.Dispatcher, model string, threshold int, logger zerolog.Logger) *Summarizer {
	if threshold <= 0 {
		threshold = 20
	}
	return &Summarizer{
		dispatcher: d,
		model:      model,
		threshold:  threshold,
		logger:     logger.With().Str("component", "summarizer").Logger(),
	}
}

// Compact summarizes the conversation in place when the summarizable span
// has reached the threshold. The summary replaces the span in future
// request views; the raw messages stay in the full history. Reports whether
// a summary was applied. The summarization call's cost accumulates on the
// state like any other dispatch.
func (s *Summarizer) Compact(ctx context.Context, state *conversation.State) (bool, error) {
	candidates := state.MessagesForSummary()
	if len(candidates) < s.threshold {
		return false, nil
	}

	var b strings.Builder
	b.WriteString("Summarize the following conversation in a few sentences, keeping every fact needed to continue it:\n\n")
	for _, msg := range candidates {
		if msg.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Text)
	}

	res, err := s.dispatcher.Dispatch(ctx, chatclient.Request{
		Model:    s.model,
		Messages: []conversation.TaggedMessage{{Role: "user", Text: b.String()}},
	})
	if err != nil {
		return false, fmt.Errorf("summarization failed: %w", err)
	}
	state.AddCost(res.Cost)
	state.ApplySummary(res.Response.Message.Text)
	s.logger.Debug().Int("span", len(candidates)).Msg("Applied conversation summary")
	return true, nil
}
