// Package engine drives a single turn end to end: context assembly, scene
// selection, the tool loop, suspend/resume on client-side tools, dynamic
// chaining, and the final response, reporting progress as a TurnEvent
// stream.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/senka/internal/metrics"
	"github.com/harun/senka/pkg/chatclient"
	"github.com/harun/senka/pkg/continuation"
	"github.com/harun/senka/pkg/conversation"
	"github.com/harun/senka/pkg/memory"
	"github.com/harun/senka/pkg/ratelimit"
	"github.com/harun/senka/pkg/scene"
	"github.com/harun/senka/pkg/store"
)

// errHalt stops a turn whose terminal event has already been emitted.
var errHalt = errors.New("turn halted")

// ContextActor contributes a block of text to the initial system message.
// Actors are pure with respect to conversation state.
type ContextActor func(ctx context.Context, in Input) (string, error)

// Config assembles an Engine.
type Config struct {
	Dispatcher    *chatclient.Dispatcher
	Registry      *scene.Registry
	Limiter       *ratelimit.Limiter
	Continuations *continuation.Manager
	Cache         store.Store
	Memory        *memory.Manager
	Summarizer    *memory.Summarizer
	Actors        []ContextActor
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger

	Mode          Mode
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxScenes     int
	MaxRecursion  int
	BudgetCeiling float64
	Streaming     bool
	CacheBehavior CacheBehavior
}

// Engine executes turns. It is safe for concurrent use: each turn carries
// its own conversation state, and the only shared mutable pieces are the
// dispatcher's pool counters and the limiter's per-key counters.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates an Engine. A dispatcher is required; everything else has a
// usable default.
func New(cfg Config) (*Engine, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("engine requires a dispatcher")
	}
	if cfg.Registry == nil {
		cfg.Registry = scene.NewRegistry()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePlanning
	}
	if cfg.MaxScenes <= 0 {
		cfg.MaxScenes = 3
	}
	if cfg.MaxRecursion <= 0 {
		cfg.MaxRecursion = 10
	}
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Input is one turn request. A fresh turn carries Text; a resume carries
// ContinuationToken plus ClientResults instead.
type Input struct {
	ConversationKey   string
	Text              string
	Scene             string
	Metadata          map[string]string
	ContinuationToken string
	ClientResults     []continuation.ClientResult
}

// Execute starts a turn and returns its event stream. The channel is closed
// after the terminal event (Completed, AwaitingClient, BudgetExceeded, or
// Error). Cancelling ctx aborts in-flight backend calls and limiter waits;
// the turn then terminates with an Error event.
func (e *Engine) Execute(ctx context.Context, in Input) (<-chan TurnEvent, error) {
	if in.ContinuationToken == "" && strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("input requires text or a continuation token")
	}
	events := make(chan TurnEvent, 16)
	t := &turn{
		e:      e,
		in:     in,
		events: events,
		logger: e.logger.With().Str("conversation_key", in.ConversationKey).Logger(),
	}
	if e.cfg.Limiter != nil {
		t.limiterKey = e.cfg.Limiter.Key(in.Metadata)
	}
	go t.run(ctx)
	return events, nil
}

// turn is the single logical flow of control for one Execute call.
type turn struct {
	e          *Engine
	in         Input
	state      *conversation.State
	events     chan<- TurnEvent
	limiterKey string
	logger     zerolog.Logger
}

func (t *turn) run(ctx context.Context) {
	defer close(t.events)

	var err error
	if t.in.ContinuationToken != "" {
		err = t.runResume(ctx)
	} else {
		err = t.runFresh(ctx)
	}
	if err != nil && !errors.Is(err, errHalt) {
		t.fail(ctx, err)
	}
}

func (t *turn) runFresh(ctx context.Context) error {
	t.emit(TurnEvent{Status: StatusInitializing})
	t.state = conversation.NewState()
	if err := t.initialize(ctx); err != nil {
		return err
	}

	switch t.e.cfg.Mode {
	case ModeDirect:
	case ModeScene:
		sc, ok := t.e.cfg.Registry.Scene(t.in.Scene)
		if !ok {
			return fmt.Errorf("unknown scene: %q", t.in.Scene)
		}
		if err := t.executeScene(ctx, sc); err != nil {
			return err
		}
	case ModePlanning:
		t.emit(TurnEvent{Status: StatusPlanning})
		sc, err := t.selectScene(ctx)
		if err != nil {
			return err
		}
		if sc != nil {
			if err := t.executeScene(ctx, sc); err != nil {
				return err
			}
		}
	case ModeDynamicChaining:
		if err := t.chainScenes(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown execution mode: %q", t.e.cfg.Mode)
	}

	return t.finalResponse(ctx)
}

// runResume rebuilds a suspended turn from its continuation token and
// re-enters the tool loop with the external result already appended.
func (t *turn) runResume(ctx context.Context) error {
	t.emit(TurnEvent{Status: StatusRunning})
	if t.e.cfg.Continuations == nil {
		return fmt.Errorf("continuation resume failed: no continuation manager configured")
	}
	resumed, err := t.e.cfg.Continuations.Resume(ctx, t.in.ContinuationToken, t.in.ClientResults)
	if err != nil {
		return fmt.Errorf("continuation resume failed: %w", err)
	}
	t.e.cfg.Metrics.ObserveResume()
	if resumed.Snapshot.Phase != string(PhaseAwaitingClient) {
		t.logger.Warn().Str("phase", resumed.Snapshot.Phase).Msg("Resumed snapshot in unexpected phase")
	}
	t.state = resumed.State

	sc, ok := t.e.cfg.Registry.Scene(resumed.Record.Scene)
	if !ok {
		return fmt.Errorf("continuation references unknown scene %q", resumed.Record.Scene)
	}
	if err := t.settleSuspendedCalls(ctx, sc); err != nil {
		return err
	}
	if err := t.executeScene(ctx, sc); err != nil {
		return err
	}

	if t.e.cfg.Mode == ModeDynamicChaining {
		more, err := t.shouldChain(ctx)
		if err != nil {
			return err
		}
		if more {
			if err := t.chainScenes(ctx); err != nil {
				return err
			}
		}
	}
	return t.finalResponse(ctx)
}

// settleSuspendedCalls executes the calls of the suspended assistant message
// that never ran because the turn halted on a client-side sibling. Without
// their results the whole assistant turn, client result included, would be
// sanitized out of the next request.
func (t *turn) settleSuspendedCalls(ctx context.Context, sc *scene.Scene) error {
	msgs := t.state.Messages()
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && len(msgs[i].ToolCalls()) > 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	answered := make(map[string]bool)
	for _, msg := range msgs[idx+1:] {
		for _, result := range msg.ToolResults() {
			answered[result.CallID] = true
		}
	}
	for _, call := range msgs[idx].ToolCalls() {
		if answered[call.CallID] {
			continue
		}
		if err := t.handleCall(ctx, sc, call); err != nil {
			return err
		}
	}
	return nil
}

// initialize runs the context actors into an initial system message and
// appends the user message.
func (t *turn) initialize(ctx context.Context) error {
	var parts []string
	for _, actor := range t.e.cfg.Actors {
		text, err := actor(ctx, t.in)
		if err != nil {
			return fmt.Errorf("context actor failed: %w", err)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) > 0 {
		t.state.Append(conversation.TaggedMessage{
			Flags: conversation.FlagInRequest | conversation.FlagCacheable,
			Label: conversation.LabelInitialContext,
			Role:  "system",
			Text:  strings.Join(parts, "\n\n"),
		})
	}
	if t.e.cfg.Memory != nil && t.in.ConversationKey != "" {
		text, err := t.e.cfg.Memory.Context(ctx, t.in.ConversationKey)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Memory recall failed")
		} else if text != "" {
			t.state.Append(conversation.TaggedMessage{
				Flags: conversation.FlagInRequest,
				Label: conversation.LabelMemoryContext,
				Role:  "system",
				Text:  text,
			})
		}
	}
	t.state.Append(conversation.TaggedMessage{
		Flags: conversation.FlagInRequest | conversation.FlagCacheable |
			conversation.FlagMemorable | conversation.FlagSummarizable,
		Label: conversation.LabelUser,
		Role:  "user",
		Text:  t.in.Text,
	})
	return nil
}

// chainScenes runs select-execute-ask rounds until the model declines, no
// unexecuted scene remains, or the scene cap is reached.
func (t *turn) chainScenes(ctx context.Context) error {
	for len(t.state.ExecutedScenes()) < t.e.cfg.MaxScenes {
		t.emit(TurnEvent{Status: StatusPlanning})
		sc, err := t.selectScene(ctx)
		if err != nil {
			return err
		}
		if sc == nil {
			return nil
		}
		if err := t.executeScene(ctx, sc); err != nil {
			return err
		}
		more, err := t.shouldChain(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// selectScene asks the model to pick a scene by calling one of the
// scene-descriptor tools. Already-executed scenes are not offered. The
// selection exchange is planner scratch and is not appended to the
// conversation; its cost still counts.
func (t *turn) selectScene(ctx context.Context) (*scene.Scene, error) {
	reg := t.e.cfg.Registry
	var specs []chatclient.ToolSpec
	for _, name := range reg.Names() {
		if t.state.SceneExecuted(name) {
			continue
		}
		sc, ok := reg.Scene(name)
		if !ok {
			continue
		}
		specs = append(specs, chatclient.ToolSpec{
			Name:        sc.Name,
			Description: sc.Description,
			Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
		})
	}
	if len(specs) == 0 {
		return nil, nil
	}

	req := t.request(t.state.MessagesForRequest(false), specs)
	req.SystemPrompt = "Pick the capability that best serves the user's request by calling it. If none applies, answer directly without calling anything."
	res, err := t.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := t.budgetCheck(); err != nil {
		return nil, err
	}

	calls := res.Response.Message.ToolCalls()
	if len(calls) == 0 {
		return nil, nil
	}
	sc, ok := reg.Scene(calls[0].Name)
	if !ok {
		t.logger.Warn().Str("scene", calls[0].Name).Msg("Model selected unknown scene")
		return nil, nil
	}
	return sc, nil
}

// executeScene runs the tool loop for one scene: dispatch, execute every
// returned tool call, repeat until the model answers without calls or the
// recursion cap is reached. Safe to re-enter on resume; BeginScene and the
// executed-tool guard make repeats harmless.
func (t *turn) executeScene(ctx context.Context, sc *scene.Scene) error {
	t.state.BeginScene(sc.Name)
	t.emit(TurnEvent{Status: StatusExecutingScene, Scene: sc.Name})

	specs := make([]chatclient.ToolSpec, 0, len(sc.Tools))
	for _, tool := range sc.Tools {
		specs = append(specs, chatclient.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
		})
	}

	for i := 0; i < t.e.cfg.MaxRecursion; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req := t.request(t.state.MessagesForRequest(false), specs)
		req.SystemPrompt = sc.Instructions
		res, err := t.dispatch(ctx, req)
		if err != nil {
			return err
		}

		msg := res.Response.Message
		msg.Flags = conversation.FlagInRequest | conversation.FlagSummarizable
		if msg.Label == "" {
			msg.Label = conversation.LabelAssistant
		}
		t.state.Append(msg)
		if err := t.budgetCheck(); err != nil {
			return err
		}

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			t.state.SetSceneResult(sc.Name, msg.Text)
			return nil
		}
		for _, call := range calls {
			if err := t.handleCall(ctx, sc, call); err != nil {
				return err
			}
		}
	}

	t.logger.Warn().Str("scene", sc.Name).Int("max_recursion", t.e.cfg.MaxRecursion).
		Msg("Tool loop hit recursion cap")
	return nil
}

// handleCall executes one tool call. Failures never abort the turn; they
// are recorded as failed tool results so the model can recover.
func (t *turn) handleCall(ctx context.Context, sc *scene.Scene, call conversation.Item) error {
	args := map[string]interface{}{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			t.failCall(sc, call, fmt.Sprintf("invalid arguments: %v", err))
			return nil
		}
	}

	tool, ok := sc.Tool(call.Name)
	if !ok {
		t.failCall(sc, call, "unknown tool")
		return nil
	}
	if err := t.e.cfg.Registry.ValidateArgs(sc.Name, call.Name, args); err != nil {
		t.failCall(sc, call, err.Error())
		return nil
	}

	if tool.ClientSide {
		return t.suspend(ctx, sc, tool, call)
	}

	if t.state.ToolExecuted(sc.Name, call.Name, args) {
		t.appendToolResult(call.CallID, fmt.Sprintf("tool %s was already executed with these arguments; reuse its earlier result", call.Name))
		return nil
	}

	t.emit(TurnEvent{Status: StatusFunctionRequest, Scene: sc.Name, Tool: call.Name, Args: args})
	result, err := runTool(ctx, tool, args)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		result = fmt.Sprintf("tool %s failed: %v", call.Name, err)
		t.logger.Warn().Str("scene", sc.Name).Str("tool", call.Name).Err(err).Msg("Tool execution failed")
	}
	t.e.cfg.Metrics.ObserveTool(sc.Name, call.Name, outcome)
	t.state.MarkToolExecuted(sc.Name, call.Name, args)
	t.appendToolResult(call.CallID, result)
	t.emit(TurnEvent{Status: StatusFunctionCompleted, Scene: sc.Name, Tool: call.Name, Text: result})
	return nil
}

func (t *turn) failCall(sc *scene.Scene, call conversation.Item, reason string) {
	t.e.cfg.Metrics.ObserveTool(sc.Name, call.Name, "failed")
	result := fmt.Sprintf("tool %s failed: %s", call.Name, reason)
	t.appendToolResult(call.CallID, result)
	t.emit(TurnEvent{Status: StatusFunctionCompleted, Scene: sc.Name, Tool: call.Name, Text: result})
}

// runTool invokes a server-side tool handler with its timeout, recovering
// panics into errors.
func runTool(ctx context.Context, tool *scene.Tool, args map[string]interface{}) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if tool.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(tool.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	return tool.Handler(ctx, args)
}

// suspend stores a continuation for a client-side tool call and halts the
// turn with an AwaitingClient event carrying the token and the interaction
// the client must perform.
func (t *turn) suspend(ctx context.Context, sc *scene.Scene, tool *scene.Tool, call conversation.Item) error {
	if t.e.cfg.Continuations == nil {
		return fmt.Errorf("client-side tool %s requires a continuation manager", tool.Name)
	}
	interactionID := uuid.NewString()
	token, err := t.e.cfg.Continuations.Suspend(ctx, t.state, t.in.ConversationKey, sc.Name, interactionID, call.CallID, call.Name)
	if err != nil {
		return fmt.Errorf("continuation suspend failed: %w", err)
	}
	t.e.cfg.Metrics.ObserveSuspend()

	t.emit(TurnEvent{
		Status:            StatusAwaitingClient,
		Scene:             sc.Name,
		Tool:              call.Name,
		Cost:              t.state.Cost(),
		ContinuationToken: token,
		Interaction: &InteractionRequest{
			Tool:           tool.Name,
			Schema:         tool.Schema,
			TimeoutSeconds: tool.TimeoutSeconds,
		},
	})
	return errHalt
}

// shouldChain asks a transient yes/no question; the exchange is not
// appended to the conversation.
func (t *turn) shouldChain(ctx context.Context) (bool, error) {
	msgs := t.state.MessagesForRequest(false)
	msgs = append(msgs, conversation.TaggedMessage{
		Role: "user",
		Text: "Is another capability needed to finish the user's request? Answer only yes or no.",
	})
	res, err := t.dispatch(ctx, t.request(msgs, nil))
	if err != nil {
		return false, err
	}
	if err := t.budgetCheck(); err != nil {
		return false, err
	}
	answer := strings.ToLower(res.Response.Message.Text)
	return strings.Contains(answer, "yes"), nil
}

// finalResponse produces the terminal assistant message, from the response
// cache when possible, streaming it when configured.
func (t *turn) finalResponse(ctx context.Context) error {
	t.emit(TurnEvent{Status: StatusRunning})

	if t.e.cfg.Summarizer != nil {
		if _, err := t.e.cfg.Summarizer.Compact(ctx, t.state); err != nil {
			t.logger.Warn().Err(err).Msg("Summarization failed")
		} else if err := t.budgetCheck(); err != nil {
			return err
		}
	}

	if text, ok := t.cachedResponse(ctx); ok {
		t.appendAssistant(text)
		t.recordMemory(ctx)
		t.emit(TurnEvent{Status: StatusCompleted, Text: text, Cost: t.state.Cost()})
		return nil
	}

	req := t.request(t.state.MessagesForRequest(false), nil)
	if t.e.cfg.Streaming {
		return t.streamFinal(ctx, req)
	}

	res, err := t.dispatch(ctx, req)
	if err != nil {
		return err
	}
	text := res.Response.Message.Text
	t.appendAssistant(text)
	if err := t.budgetCheck(); err != nil {
		return err
	}
	t.storeResponse(ctx, text)
	t.recordMemory(ctx)
	usage := res.Response.Usage
	t.emit(TurnEvent{Status: StatusCompleted, Text: text, Usage: &usage, Cost: t.state.Cost()})
	return nil
}

func (t *turn) streamFinal(ctx context.Context, req chatclient.Request) error {
	if err := t.admit(ctx); err != nil {
		return err
	}
	stream, err := t.e.cfg.Dispatcher.DispatchStream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	var text strings.Builder
	var usage *chatclient.Usage
	var cost float64
	for {
		update, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if update.Delta != "" {
			text.WriteString(update.Delta)
			t.emit(TurnEvent{Status: StatusStreaming, Text: update.Delta, Cost: update.Cost})
		}
		if update.Done {
			cost = update.Cost
			usage = update.Usage
		}
	}

	t.state.AddCost(cost)
	final := text.String()
	t.appendAssistant(final)
	if err := t.budgetCheck(); err != nil {
		return err
	}
	t.storeResponse(ctx, final)
	t.recordMemory(ctx)
	t.emit(TurnEvent{Status: StatusCompleted, Text: final, Usage: usage, Cost: t.state.Cost()})
	return nil
}

func (t *turn) recordMemory(ctx context.Context) {
	if t.e.cfg.Memory == nil || t.in.ConversationKey == "" {
		return
	}
	if err := t.e.cfg.Memory.Record(ctx, t.in.ConversationKey, t.state); err != nil {
		t.logger.Warn().Err(err).Msg("Memory record failed")
	}
}

func (t *turn) appendAssistant(text string) {
	t.state.Append(conversation.TaggedMessage{
		Flags: conversation.FlagInRequest | conversation.FlagMemorable | conversation.FlagSummarizable,
		Label: conversation.LabelAssistant,
		Role:  "assistant",
		Text:  text,
	})
}

func (t *turn) appendToolResult(callID, result string) {
	t.state.Append(conversation.TaggedMessage{
		Flags: conversation.FlagInRequest,
		Label: conversation.LabelTool,
		Role:  "tool",
		Items: []conversation.Item{conversation.ToolResultItem(callID, result)},
	})
}

func (t *turn) request(msgs []conversation.TaggedMessage, tools []chatclient.ToolSpec) chatclient.Request {
	return chatclient.Request{
		Model:       t.e.cfg.Model,
		Messages:    msgs,
		Tools:       tools,
		Temperature: t.e.cfg.Temperature,
		MaxTokens:   t.e.cfg.MaxTokens,
	}
}

// admit gates one dispatch through the rate limiter.
func (t *turn) admit(ctx context.Context) error {
	if t.e.cfg.Limiter == nil {
		return nil
	}
	_, err := t.e.cfg.Limiter.CheckAndConsume(ctx, t.limiterKey, 1)
	if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		t.e.cfg.Metrics.ObserveRateLimitRejection()
	}
	return err
}

// dispatch runs one rate-limited completion call and accumulates its cost.
// The budget check is the caller's, after it has appended the response.
func (t *turn) dispatch(ctx context.Context, req chatclient.Request) (*chatclient.Result, error) {
	if err := t.admit(ctx); err != nil {
		return nil, err
	}
	res, err := t.e.cfg.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	t.state.AddCost(res.Cost)
	return res, nil
}

// budgetCheck halts the turn once accumulated cost passes the ceiling. The
// partial conversation and cost stay in place.
func (t *turn) budgetCheck() error {
	ceiling := t.e.cfg.BudgetCeiling
	if ceiling <= 0 || t.state.Cost() <= ceiling {
		return nil
	}
	t.logger.Info().Float64("cost", t.state.Cost()).Float64("ceiling", ceiling).
		Msg("Budget ceiling exceeded")
	t.emit(TurnEvent{Status: StatusBudgetExceeded, Cost: t.state.Cost(), Text: t.lastAssistantText()})
	return errHalt
}

func (t *turn) lastAssistantText() string {
	msgs := t.state.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && msgs[i].Text != "" {
			return msgs[i].Text
		}
	}
	return ""
}

// fail emits the terminal Error event, preserving accumulated cost.
func (t *turn) fail(ctx context.Context, err error) {
	msg := err.Error()
	if errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		msg = "cancelled"
	}
	var cost float64
	if t.state != nil {
		cost = t.state.Cost()
	}
	t.logger.Error().Err(err).Msg("Turn failed")
	t.emit(TurnEvent{Status: StatusError, Err: msg, Cost: cost})
}

func (t *turn) emit(ev TurnEvent) {
	switch ev.Status {
	case StatusCompleted, StatusError, StatusBudgetExceeded, StatusAwaitingClient:
		t.e.cfg.Metrics.ObserveTurn(string(t.e.cfg.Mode), string(ev.Status), ev.Cost)
	}
	t.events <- ev
}
