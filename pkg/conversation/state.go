package conversation

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
)

// State owns the ordered message log and the scalar bookkeeping for one
// conversation: accumulated cost, executed tools, scene order and results.
// A State belongs to a single turn's flow of control and is not safe for
// concurrent use.
type State struct {
	messages []TaggedMessage

	cost           float64
	executedTools  map[string]bool
	sceneOrder     []string
	sceneToolSets  map[string]map[string]bool
	sceneResults   map[string]string
	properties     map[string]interface{}
}

// NewState creates an empty conversation state.
func NewState() *State {
	return &State{
		executedTools: make(map[string]bool),
		sceneToolSets: make(map[string]map[string]bool),
		sceneResults:  make(map[string]string),
		properties:    make(map[string]interface{}),
	}
}

// Append adds a message to the end of the log. Messages are never reordered
// or removed; flags may later be cleared in place.
func (s *State) Append(msg TaggedMessage) {
	s.messages = append(s.messages, msg)
}

// Messages returns the full message log, including messages whose flags have
// been cleared. The returned slice is a copy.
func (s *State) Messages() []TaggedMessage {
	out := make([]TaggedMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the log.
func (s *State) Len() int {
	return len(s.messages)
}

// AddCost accumulates dispatch cost. Negative amounts are ignored so the
// counter stays monotonic within a turn.
func (s *State) AddCost(amount float64) {
	if amount > 0 {
		s.cost += amount
	}
}

// Cost returns the accumulated cost for the turn so far.
func (s *State) Cost() float64 {
	return s.cost
}

// ToolKey builds the loop-prevention key for a tool invocation:
// scene.tool.argsHash, with the hash computed over the canonical JSON
// encoding of the arguments.
func ToolKey(scene, tool string, args map[string]interface{}) string {
	return fmt.Sprintf("%s.%s.%s", scene, tool, hashArgs(args))
}

func hashArgs(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		b, err := json.Marshal(args[k])
		if err != nil {
			b = []byte(fmt.Sprintf("%v", args[k]))
		}
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(b)
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// MarkToolExecuted records a tool invocation under its scene for loop
// prevention and per-scene auditing.
func (s *State) MarkToolExecuted(scene, tool string, args map[string]interface{}) {
	key := ToolKey(scene, tool, args)
	s.executedTools[key] = true

	set, ok := s.sceneToolSets[scene]
	if !ok {
		set = make(map[string]bool)
		s.sceneToolSets[scene] = set
	}
	set[tool] = true
}

// ToolExecuted reports whether the exact invocation was already made.
func (s *State) ToolExecuted(scene, tool string, args map[string]interface{}) bool {
	return s.executedTools[ToolKey(scene, tool, args)]
}

// BeginScene records a scene as entered, preserving execution order.
func (s *State) BeginScene(name string) {
	for _, existing := range s.sceneOrder {
		if existing == name {
			return
		}
	}
	s.sceneOrder = append(s.sceneOrder, name)
}

// ExecutedScenes returns scene names in the order they were entered.
func (s *State) ExecutedScenes() []string {
	out := make([]string, len(s.sceneOrder))
	copy(out, s.sceneOrder)
	return out
}

// SceneExecuted reports whether a scene was already entered this turn.
func (s *State) SceneExecuted(name string) bool {
	for _, existing := range s.sceneOrder {
		if existing == name {
			return true
		}
	}
	return false
}

// SetSceneResult stores the short textual result of a completed scene,
// consumed by later scenes when chaining.
func (s *State) SetSceneResult(scene, result string) {
	s.sceneResults[scene] = result
}

// SceneResult returns a scene's stored result.
func (s *State) SceneResult(scene string) (string, bool) {
	r, ok := s.sceneResults[scene]
	return r, ok
}

// SceneResults returns a copy of the scene-result map.
func (s *State) SceneResults() map[string]string {
	out := make(map[string]string, len(s.sceneResults))
	for k, v := range s.sceneResults {
		out[k] = v
	}
	return out
}

// SceneTools returns the set of tool names invoked within a scene.
func (s *State) SceneTools(scene string) []string {
	set := s.sceneToolSets[scene]
	out := make([]string, 0, len(set))
	for tool := range set {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

// SetProperty stores an extension property on the conversation. Values that
// do not survive JSON round-tripping are dropped when the state is
// snapshotted.
func (s *State) SetProperty(key string, value interface{}) {
	s.properties[key] = value
}

// Property returns an extension property.
func (s *State) Property(key string) (interface{}, bool) {
	v, ok := s.properties[key]
	return v, ok
}

// MessagesForRequest returns the messages flagged for the outgoing LLM
// request, sanitized per the tool-call pairing rules. Sanitization is
// skipped while the turn is awaiting a client-side tool result, because the
// pending call is deliberately incomplete.
func (s *State) MessagesForRequest(awaitingClient bool) []TaggedMessage {
	flagged := s.withFlag(FlagInRequest)
	if awaitingClient {
		return flagged
	}
	return Sanitize(flagged)
}

// MessagesForCache returns the messages included in cache derivation.
func (s *State) MessagesForCache() []TaggedMessage {
	return s.withFlag(FlagCacheable)
}

// MessagesForMemory returns the messages included in long-term memory
// derivation.
func (s *State) MessagesForMemory() []TaggedMessage {
	return s.withFlag(FlagMemorable)
}

// MessagesForSummary returns the messages that are candidates for
// summarization.
func (s *State) MessagesForSummary() []TaggedMessage {
	return s.withFlag(FlagSummarizable)
}

// ApplySummary replaces the summarizable span with a summary message: every
// summarized message has InRequest and Summarizable cleared but stays in the
// log for audit and memory derivation, and a Summary-labelled system message
// is appended carrying the summary text.
func (s *State) ApplySummary(text string) {
	for i := range s.messages {
		if s.messages[i].Flags.Has(FlagSummarizable) {
			s.messages[i].Flags = s.messages[i].Flags.Clear(FlagInRequest | FlagSummarizable)
		}
	}
	s.Append(TaggedMessage{
		Flags: FlagInRequest,
		Label: LabelSummary,
		Role:  "system",
		Text:  text,
	})
}

// RestoreFrom replaces the message log wholesale, e.g. when rebuilding a
// conversation from a persisted snapshot.
func (s *State) RestoreFrom(messages []TaggedMessage) {
	s.messages = make([]TaggedMessage, len(messages))
	copy(s.messages, messages)
}

func (s *State) withFlag(flag Flag) []TaggedMessage {
	var out []TaggedMessage
	for _, msg := range s.messages {
		if msg.Flags.Has(flag) {
			out = append(out, msg)
		}
	}
	return out
}
