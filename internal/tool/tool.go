// Package tool executes model-requested tool calls behind an isolation
// boundary: every requested call produces exactly one result message, in
// request order, no matter what the underlying implementation does.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler is a tool implementation. It returns the result text for the
// model, or an error that the invoker converts into an error result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool couples a callable schema with its implementation.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the arguments object
	Handler     Handler
}

// Schema is the model-facing description of a tool.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry is a concurrency-safe name-keyed set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("tool: unknown tool %q", name)
	}
	return t, nil
}

// Schemas returns the model-facing schemas for every registered tool,
// sorted by name for stable prompts.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]Schema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, Schema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}
