package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/harun/senka/pkg/chatclient"
	"github.com/harun/senka/pkg/conversation"
)

// AnthropicBackend implements chatclient.Backend over the Anthropic
// messages API.
type AnthropicBackend struct {
	client anthropic.Client
	name   string
}

// NewAnthropicBackend creates an Anthropic-backed chat backend.
func NewAnthropicBackend(name, apiKey string) *AnthropicBackend {
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		name:   name,
	}
}

// Name implements chatclient.Backend.
func (b *AnthropicBackend) Name() string {
	return b.name
}

// Send implements chatclient.Backend.
func (b *AnthropicBackend) Send(ctx context.Context, req chatclient.Request) (*chatclient.Response, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	response, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &chatclient.ProviderError{Handle: b.name, Err: err}
	}

	message := conversation.TaggedMessage{
		Flags: conversation.FlagInRequest,
		Label: conversation.LabelAssistant,
		Role:  "assistant",
	}
	for _, block := range response.Content {
		switch blk := block.AsAny().(type) {
		case anthropic.TextBlock:
			message.Text += blk.Text
		case anthropic.ToolUseBlock:
			message.Items = append(message.Items,
				conversation.ToolCallItem(blk.ID, blk.Name, blk.JSON.Input.Raw()))
		}
	}

	return &chatclient.Response{
		Message: message,
		Usage: chatclient.Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
			CachedTokens: int(response.Usage.CacheReadInputTokens),
		},
		Model: string(response.Model),
	}, nil
}

// SendStream implements chatclient.Backend.
func (b *AnthropicBackend) SendStream(ctx context.Context, req chatclient.Request) (chatclient.Stream, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{name: b.name, inner: stream}, nil
}

func (b *AnthropicBackend) buildParams(req chatclient.Request) (anthropic.MessageNewParams, error) {
	messages := []anthropic.MessageParam{}

	system := req.SystemPrompt
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if system == "" {
				system = msg.Text
			} else {
				system += "\n\n" + msg.Text
			}
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
			}
			for _, call := range msg.ToolCalls() {
				var args map[string]interface{}
				if call.Arguments != "" {
					if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
						return anthropic.MessageNewParams{}, fmt.Errorf("invalid arguments for call %s: %w", call.CallID, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.CallID, args, call.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case "tool":
			for _, result := range msg.ToolResults() {
				messages = append(messages, anthropic.NewUserMessage(
					anthropic.NewToolResultBlock(result.CallID, result.Result, false),
				))
			}
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if len(tool.Schema) > 0 {
				if err := json.Unmarshal(tool.Schema, &schema); err != nil {
					return anthropic.MessageNewParams{}, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
				}
			}

			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]interface{}); ok {
				names := make([]string, len(required))
				for i, v := range required {
					names[i], _ = v.(string)
				}
				toolParam.InputSchema.Required = names
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params, nil
}

// anthropicStream adapts the SDK's event stream to chatclient.Stream.
type anthropicStream struct {
	name  string
	inner *ssestream.Stream[anthropic.MessageStreamEventUnion]

	acc  anthropic.Message
	done bool
}

func (s *anthropicStream) Recv() (chatclient.Update, error) {
	if s.done {
		return chatclient.Update{}, io.EOF
	}

	for s.inner.Next() {
		event := s.inner.Current()
		if err := s.acc.Accumulate(event); err != nil {
			return chatclient.Update{}, &chatclient.ProviderError{Handle: s.name, Err: err}
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta := evt.Delta.Text; delta != "" {
				return chatclient.Update{Delta: delta, Model: string(s.acc.Model)}, nil
			}
		}
	}

	if err := s.inner.Err(); err != nil {
		return chatclient.Update{}, &chatclient.ProviderError{Handle: s.name, Err: err}
	}

	s.done = true
	return chatclient.Update{
		Done:  true,
		Model: string(s.acc.Model),
		Usage: &chatclient.Usage{
			InputTokens:  int(s.acc.Usage.InputTokens),
			OutputTokens: int(s.acc.Usage.OutputTokens),
			CachedTokens: int(s.acc.Usage.CacheReadInputTokens),
		},
	}, nil
}

func (s *anthropicStream) Close() error {
	return s.inner.Close()
}
