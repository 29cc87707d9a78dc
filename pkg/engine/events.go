package engine

import (
	"encoding/json"

	"github.com/harun/senka/pkg/chatclient"
)

// Phase is a step of the turn lifecycle.
type Phase string

const (
	PhaseNotStarted              Phase = "NotStarted"
	PhaseInitialized             Phase = "Initialized"
	PhaseSceneSelected           Phase = "SceneSelected"
	PhaseExecutingScene          Phase = "ExecutingScene"
	PhaseAwaitingClient          Phase = "AwaitingClient"
	PhaseSceneCompleted          Phase = "SceneCompleted"
	PhaseChaining                Phase = "Chaining"
	PhaseGeneratingFinalResponse Phase = "GeneratingFinalResponse"
	PhaseCompleted               Phase = "Completed"
	PhaseError                   Phase = "Error"
	PhaseBudgetExceeded          Phase = "BudgetExceeded"
)

// Mode selects how a turn is driven.
type Mode string

const (
	// ModeDirect answers with a single completion, no scene machinery.
	ModeDirect Mode = "direct"
	// ModePlanning selects one scene, executes it, then responds.
	ModePlanning Mode = "planning"
	// ModeDynamicChaining chains scenes until the model declines or the
	// scene cap is reached.
	ModeDynamicChaining Mode = "dynamic_chaining"
	// ModeScene executes the scene named by the caller.
	ModeScene Mode = "scene"
)

// Status classifies one TurnEvent.
type Status string

const (
	StatusInitializing      Status = "Initializing"
	StatusPlanning          Status = "Planning"
	StatusExecutingScene    Status = "ExecutingScene"
	StatusFunctionRequest   Status = "FunctionRequest"
	StatusFunctionCompleted Status = "FunctionCompleted"
	StatusAwaitingClient    Status = "AwaitingClient"
	StatusStreaming         Status = "Streaming"
	StatusRunning           Status = "Running"
	StatusCompleted         Status = "Completed"
	StatusError             Status = "Error"
	StatusBudgetExceeded    Status = "BudgetExceeded"
)

// InteractionRequest describes the client-side action a suspended turn is
// waiting for.
type InteractionRequest struct {
	Tool           string          `json:"tool"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// TurnEvent is one observable step of a turn. Only the fields relevant to
// its Status are populated; Completed and BudgetExceeded always carry the
// accumulated cost.
type TurnEvent struct {
	Status            Status                 `json:"status"`
	Scene             string                 `json:"scene,omitempty"`
	Tool              string                 `json:"tool,omitempty"`
	Args              map[string]interface{} `json:"args,omitempty"`
	Text              string                 `json:"text,omitempty"`
	Usage             *chatclient.Usage      `json:"usage,omitempty"`
	Cost              float64                `json:"cost,omitempty"`
	ContinuationToken string                 `json:"continuation_token,omitempty"`
	Interaction       *InteractionRequest    `json:"interaction,omitempty"`
	Err               string                 `json:"error,omitempty"`
}
