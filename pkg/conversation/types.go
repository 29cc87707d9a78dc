package conversation

import (
	"encoding/json"
	"fmt"
)

// Flag is a bitset of business flags controlling where a message is used.
type Flag uint8

const (
	// FlagInRequest marks a message for inclusion in outgoing LLM requests.
	FlagInRequest Flag = 1 << iota
	// FlagCacheable marks a message for inclusion in the response cache key.
	FlagCacheable
	// FlagMemorable marks a message for long-term memory derivation.
	FlagMemorable
	// FlagSummarizable marks a message as a candidate for summarization.
	FlagSummarizable
)

// Has reports whether all bits in other are set.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// Clear returns f with the bits in other removed.
func (f Flag) Clear(other Flag) Flag {
	return f &^ other
}

// ItemKind discriminates the content item variants.
type ItemKind string

const (
	ItemText       ItemKind = "text"
	ItemBinary     ItemKind = "binary"
	ItemToolCall   ItemKind = "tool_call"
	ItemToolResult ItemKind = "tool_result"
)

// Item is one typed content element of a message. Exactly the fields for
// its Kind are populated.
type Item struct {
	Kind      ItemKind `json:"kind"`
	Text      string   `json:"text,omitempty"`
	Data      []byte   `json:"data,omitempty"`
	MediaType string   `json:"media_type,omitempty"`
	CallID    string   `json:"call_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Arguments string   `json:"arguments,omitempty"`
	Result    string   `json:"result,omitempty"`
}

// TextItem builds a plain-text content item.
func TextItem(text string) Item {
	return Item{Kind: ItemText, Text: text}
}

// BinaryItem builds a binary content item with a media type.
func BinaryItem(data []byte, mediaType string) Item {
	return Item{Kind: ItemBinary, Data: data, MediaType: mediaType}
}

// ToolCallItem builds a tool-call request item.
func ToolCallItem(callID, name, arguments string) Item {
	return Item{Kind: ItemToolCall, CallID: callID, Name: name, Arguments: arguments}
}

// ToolResultItem builds a tool-call result item.
func ToolResultItem(callID, result string) Item {
	return Item{Kind: ItemToolResult, CallID: callID, Result: result}
}

// Validate checks that the item carries the fields its kind requires.
func (i Item) Validate() error {
	switch i.Kind {
	case ItemText:
		return nil
	case ItemBinary:
		if i.MediaType == "" {
			return fmt.Errorf("binary item requires a media type")
		}
		return nil
	case ItemToolCall:
		if i.CallID == "" || i.Name == "" {
			return fmt.Errorf("tool call item requires call id and name")
		}
		return nil
	case ItemToolResult:
		if i.CallID == "" {
			return fmt.Errorf("tool result item requires call id")
		}
		return nil
	default:
		return fmt.Errorf("unknown item kind: %q", i.Kind)
	}
}

// TaggedMessage is one turn-message: the role+content payload plus business
// flags and a free-text label used for debugging and classification.
type TaggedMessage struct {
	Flags Flag   `json:"flags"`
	Label string `json:"label,omitempty"`
	Role  string `json:"role"`
	Text  string `json:"text,omitempty"`
	Items []Item `json:"items,omitempty"`
}

// Well-known message labels.
const (
	LabelUser           = "User"
	LabelAssistant      = "Assistant"
	LabelTool           = "Tool"
	LabelInitialContext = "InitialContext"
	LabelMemoryContext  = "MemoryContext"
	LabelSummary        = "Summary"
)

// ToolCalls returns the tool-call items of the message, in order.
func (m TaggedMessage) ToolCalls() []Item {
	var calls []Item
	for _, item := range m.Items {
		if item.Kind == ItemToolCall {
			calls = append(calls, item)
		}
	}
	return calls
}

// ToolResults returns the tool-result items of the message, in order.
func (m TaggedMessage) ToolResults() []Item {
	var results []Item
	for _, item := range m.Items {
		if item.Kind == ItemToolResult {
			results = append(results, item)
		}
	}
	return results
}

// IsRoleBoundary reports whether the message ends the scope of any pending
// tool calls: a user message, or an assistant message with no tool calls.
func (m TaggedMessage) IsRoleBoundary() bool {
	switch m.Role {
	case "user":
		return true
	case "assistant":
		return len(m.ToolCalls()) == 0
	default:
		return false
	}
}

// UnmarshalJSON decodes an item and rejects unknown kinds early so a bad
// payload fails at decode time, not when the message is dispatched.
func (i *Item) UnmarshalJSON(data []byte) error {
	type raw Item
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Kind {
	case ItemText, ItemBinary, ItemToolCall, ItemToolResult:
	default:
		return fmt.Errorf("unknown item kind: %q", r.Kind)
	}
	*i = Item(r)
	return nil
}
