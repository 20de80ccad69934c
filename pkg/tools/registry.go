// Package tools provides the registry of executable tools that pipeline
// steps dispatch to.
//
// A tool is a named function addressed as "namespace.name" (for example
// "core.echo"). Pipelines never call tools directly; they go through a
// Registry, which owns lookup and is safe for concurrent use. There is
// no global registry: callers construct one and inject it where needed.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tombee/baton/pkg/errors"
)

// Tool is an executable unit addressable from a pipeline step.
type Tool interface {
	// Name returns the unique address for this tool (e.g., "core.echo")
	Name() string

	// Description returns a human-readable description of what the tool does
	Description() string

	// Invoke runs the tool with the given arguments and returns its output.
	// Output must be JSON-serializable; the pipeline engine normalizes it
	// before recording.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// UnknownToolError is returned when an invocation names a tool the
// registry does not know. Retrying cannot make the tool appear, so the
// error is terminal.
type UnknownToolError struct {
	// Address is the tool address that failed to resolve
	Address string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Address)
}

// ErrorType returns the error category.
func (e *UnknownToolError) ErrorType() string { return errors.KindTool }

// IsRetryable reports whether retrying could succeed.
func (e *UnknownToolError) IsRetryable() bool { return false }

// Registry maintains a collection of registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name is already registered.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("cannot register tool with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the sorted addresses of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches an invocation to the tool registered at address.
// An unknown address yields an UnknownToolError.
func (r *Registry) Invoke(ctx context.Context, address string, args map[string]any) (any, error) {
	tool, ok := r.Get(address)
	if !ok {
		return nil, &UnknownToolError{Address: address}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Invoke(ctx, args)
}
