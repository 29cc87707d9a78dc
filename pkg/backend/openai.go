// Package backend adapts provider SDKs to the chatclient.Backend contract.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/harun/senka/pkg/chatclient"
	"github.com/harun/senka/pkg/conversation"
)

// OpenAIBackend implements chatclient.Backend over the OpenAI chat
// completions API.
type OpenAIBackend struct {
	client openai.Client
	name   string
}

// NewOpenAIBackend creates an OpenAI-backed chat backend.
func NewOpenAIBackend(name, apiKey string) *OpenAIBackend {
	return &OpenAIBackend{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		name:   name,
	}
}

// Name implements chatclient.Backend.
func (b *OpenAIBackend) Name() string {
	return b.name
}

// Send implements chatclient.Backend.
func (b *OpenAIBackend) Send(ctx context.Context, req chatclient.Request) (*chatclient.Response, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	response, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &chatclient.ProviderError{Handle: b.name, Err: err}
	}
	if len(response.Choices) == 0 {
		return nil, &chatclient.ProviderError{Handle: b.name, Err: fmt.Errorf("no response choices returned")}
	}

	choice := response.Choices[0]
	message := conversation.TaggedMessage{
		Flags: conversation.FlagInRequest,
		Label: conversation.LabelAssistant,
		Role:  "assistant",
		Text:  choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		message.Items = append(message.Items,
			conversation.ToolCallItem(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}

	return &chatclient.Response{
		Message: message,
		Usage: chatclient.Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
			CachedTokens: int(response.Usage.PromptTokensDetails.CachedTokens),
		},
		Model: response.Model,
	}, nil
}

// SendStream implements chatclient.Backend.
func (b *OpenAIBackend) SendStream(ctx context.Context, req chatclient.Request) (chatclient.Stream, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	return &openaiStream{name: b.name, inner: stream}, nil
}

func (b *OpenAIBackend) buildParams(req chatclient.Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Text))
		case "user":
			messages = append(messages, openai.UserMessage(msg.Text))
		case "assistant":
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Text))
				continue
			}
			toolCalls := []openai.ChatCompletionMessageToolCall{}
			for _, call := range calls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   call.CallID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Text,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case "tool":
			for _, result := range msg.ToolResults() {
				messages = append(messages, openai.ToolMessage(result.CallID, result.Result))
			}
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if len(tool.Schema) > 0 {
				if err := json.Unmarshal(tool.Schema, &schema); err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
				}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

// openaiStream adapts the SDK's SSE stream to chatclient.Stream.
type openaiStream struct {
	name  string
	inner *ssestream.Stream[openai.ChatCompletionChunk]

	usage *chatclient.Usage
	model string
	done  bool
}

func (s *openaiStream) Recv() (chatclient.Update, error) {
	if s.done {
		return chatclient.Update{}, io.EOF
	}

	for s.inner.Next() {
		chunk := s.inner.Current()
		if chunk.Model != "" {
			s.model = chunk.Model
		}
		if chunk.Usage.TotalTokens > 0 {
			s.usage = &chatclient.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				CachedTokens: int(chunk.Usage.PromptTokensDetails.CachedTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return chatclient.Update{Delta: delta, Model: s.model}, nil
	}

	if err := s.inner.Err(); err != nil {
		return chatclient.Update{}, &chatclient.ProviderError{Handle: s.name, Err: err}
	}

	s.done = true
	return chatclient.Update{Done: true, Usage: s.usage, Model: s.model}, nil
}

func (s *openaiStream) Close() error {
	return s.inner.Close()
}
