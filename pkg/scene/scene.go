// Package scene defines the bounded capability sets the model may use
// during one phase of a turn: a scene is a named group of tools plus the
// instructions that frame them. The registry resolves scene and tool names
// coming back from the model's function-call responses.
package scene

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Handler executes a server-side tool and returns its textual result.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Tool describes one tool within a scene. Client-side tools carry no
// handler; invoking one suspends the turn and surfaces an interaction
// request to the caller instead.
type Tool struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	ClientSide     bool            `json:"client_side,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Handler        Handler         `json:"-"`
}

// Scene is a named, bounded set of tools and instructions.
type Scene struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"instructions,omitempty"`
	Tools        []Tool `json:"tools,omitempty"`
}

// Tool returns the named tool of the scene.
func (s *Scene) Tool(name string) (*Tool, bool) {
	for i := range s.Tools {
		if s.Tools[i].Name == name {
			return &s.Tools[i], true
		}
	}
	return nil, false
}

// Registry resolves scene and tool names at runtime. Tool argument schemas
// are compiled once at registration.
type Registry struct {
	mu      sync.RWMutex
	scenes  map[string]*Scene
	order   []string
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		scenes:  make(map[string]*Scene),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a scene, compiling every tool schema. Scene names must be
// unique; tools within a scene must be uniquely named. Client-side tools
// must not carry a handler, server-side tools must.
func (r *Registry) Register(s Scene) error {
	if s.Name == "" {
		return fmt.Errorf("scene name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.scenes[s.Name]; exists {
		return fmt.Errorf("scene already registered: %s", s.Name)
	}

	seen := make(map[string]bool, len(s.Tools))
	for _, tool := range s.Tools {
		if tool.Name == "" {
			return fmt.Errorf("scene %s: tool name cannot be empty", s.Name)
		}
		if seen[tool.Name] {
			return fmt.Errorf("scene %s: duplicate tool: %s", s.Name, tool.Name)
		}
		seen[tool.Name] = true

		if tool.ClientSide && tool.Handler != nil {
			return fmt.Errorf("scene %s: client-side tool %s cannot have a handler", s.Name, tool.Name)
		}
		if !tool.ClientSide && tool.Handler == nil {
			return fmt.Errorf("scene %s: tool %s requires a handler", s.Name, tool.Name)
		}

		if len(tool.Schema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.Schema))
			if err != nil {
				return fmt.Errorf("scene %s: invalid schema for tool %s: %w", s.Name, tool.Name, err)
			}
			r.schemas[schemaKey(s.Name, tool.Name)] = schema
		}
	}

	sceneCopy := s
	r.scenes[s.Name] = &sceneCopy
	r.order = append(r.order, s.Name)

	log.Debug().Str("scene", s.Name).Int("tools", len(s.Tools)).Msg("Scene registered")
	return nil
}

// Scene returns a registered scene by name.
func (r *Registry) Scene(name string) (*Scene, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scenes[name]
	return s, ok
}

// Names returns the registered scene names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Tool resolves a tool within a scene.
func (r *Registry) Tool(sceneName, toolName string) (*Tool, bool) {
	s, ok := r.Scene(sceneName)
	if !ok {
		return nil, false
	}
	return s.Tool(toolName)
}

// ValidateArgs checks tool arguments against the tool's compiled schema.
// Tools without a schema accept anything.
func (r *Registry) ValidateArgs(sceneName, toolName string, args map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[schemaKey(sceneName, toolName)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("argument validation failed: %w", err)
	}
	if !result.Valid() {
		var first string
		if errs := result.Errors(); len(errs) > 0 {
			first = errs[0].String()
		}
		return fmt.Errorf("invalid arguments for %s.%s: %s", sceneName, toolName, first)
	}
	return nil
}

func schemaKey(sceneName, toolName string) string {
	return sceneName + "." + toolName
}
