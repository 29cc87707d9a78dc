package conversation

import "encoding/json"

// ExecutionState is the flat, JSON-serializable projection of a turn's
// progress. It is what the continuation protocol persists, so a resume can
// be served by a different process than the one that suspended.
type ExecutionState struct {
	Phase          string                 `json:"phase"`
	CurrentScene   string                 `json:"current_scene,omitempty"`
	Messages       []TaggedMessage        `json:"messages"`
	Cost           float64                `json:"cost"`
	ExecutedTools  []string               `json:"executed_tools,omitempty"`
	SceneOrder     []string               `json:"scene_order,omitempty"`
	SceneToolSets  map[string][]string    `json:"scene_tool_sets,omitempty"`
	SceneResults   map[string]string      `json:"scene_results,omitempty"`
	Properties     map[string]interface{} `json:"properties,omitempty"`
}

// Snapshot projects the conversation into an ExecutionState. Extension
// properties that do not survive a JSON round trip are silently dropped.
func (s *State) Snapshot(phase, currentScene string) ExecutionState {
	snap := ExecutionState{
		Phase:        phase,
		CurrentScene: currentScene,
		Messages:     s.Messages(),
		Cost:         s.cost,
		SceneOrder:   s.ExecutedScenes(),
		SceneResults: s.SceneResults(),
	}

	for key := range s.executedTools {
		snap.ExecutedTools = append(snap.ExecutedTools, key)
	}

	if len(s.sceneToolSets) > 0 {
		snap.SceneToolSets = make(map[string][]string, len(s.sceneToolSets))
		for scene := range s.sceneToolSets {
			snap.SceneToolSets[scene] = s.SceneTools(scene)
		}
	}

	for key, value := range s.properties {
		if _, err := json.Marshal(value); err != nil {
			continue
		}
		if snap.Properties == nil {
			snap.Properties = make(map[string]interface{})
		}
		snap.Properties[key] = value
	}

	return snap
}

// FromSnapshot reconstructs a conversation state from a persisted snapshot.
func FromSnapshot(snap ExecutionState) *State {
	s := NewState()
	s.RestoreFrom(snap.Messages)
	s.cost = snap.Cost

	for _, key := range snap.ExecutedTools {
		s.executedTools[key] = true
	}
	s.sceneOrder = append(s.sceneOrder, snap.SceneOrder...)
	for scene, tools := range snap.SceneToolSets {
		set := make(map[string]bool, len(tools))
		for _, tool := range tools {
			set[tool] = true
		}
		s.sceneToolSets[scene] = set
	}
	for scene, result := range snap.SceneResults {
		s.sceneResults[scene] = result
	}
	for key, value := range snap.Properties {
		s.properties[key] = value
	}

	return s
}
