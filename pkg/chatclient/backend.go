package chatclient

import (
	"context"
	"encoding/json"

	"github.com/harun/senka/pkg/conversation"
)

// Backend is the opaque chat backend contract: one request/response call
// plus a streaming variant. Implementations must report token usage when the
// provider exposes it, or cost computation degrades to zero.
type Backend interface {
	// Send makes a single completion call.
	Send(ctx context.Context, req Request) (*Response, error)

	// SendStream makes a streaming completion call.
	SendStream(ctx context.Context, req Request) (Stream, error)

	// Name returns the backend name for logging and selection.
	Name() string
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request contains the parameters for one completion call.
type Request struct {
	Model        string
	Messages     []conversation.TaggedMessage
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Usage tracks token consumption reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// Response is the outcome of one completion call.
type Response struct {
	Message conversation.TaggedMessage
	Usage   Usage
	Model   string
}

// Update is one chunk of a streaming response. Cost carries a running
// estimate until Done, when it becomes the authoritative figure computed
// from reported usage.
type Update struct {
	Delta     string
	Done      bool
	Usage     *Usage
	Model     string
	Cost      float64
	CostFinal bool
}

// Stream yields incremental updates for a streaming call.
type Stream interface {
	// Recv returns the next update. It returns io.EOF after the final
	// update has been delivered.
	Recv() (Update, error)

	// Close releases the underlying connection.
	Close() error
}

// Result pairs a response with its computed cost and the handle that
// produced it.
type Result struct {
	Response *Response
	Cost     float64
	Handle   string
}
