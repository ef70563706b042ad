package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolArgsSize = 10 << 20

	// DefaultTimeout applies when a tool declares no timeout of its own.
	DefaultTimeout = 30 * time.Second
)

// Registry manages available tools with thread-safe registration and lookup.
// Registration invalidates the definition cache so classification-filtered
// subsets are recomputed on next use.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	schemas  map[string]*jsonschema.Schema
	onChange []func()
}

// NewRegistry creates an empty registry ready for tool registration.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry by its name. If a tool with the same
// name already exists, it is replaced. Cache invalidation hooks fire after
// the registry is updated.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	r.tools[tool.Name()] = tool
	delete(r.schemas, tool.Name())
	hooks := make([]func(), len(r.onChange))
	copy(hooks, r.onChange)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	delete(r.schemas, name)
	hooks := make([]func(), len(r.onChange))
	copy(hooks, r.onChange)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// OnChange registers a hook invoked whenever the tool set changes.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the LLM-facing declarations of all registered tools.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, DefinitionOf(t))
	}
	return defs
}

// ValidateArgs checks the given arguments against the tool's parameter
// schema. Returns an invalid-arguments Error on failure.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	if len(args) > MaxToolArgsSize {
		return NewInvalidArgumentsError(name, fmt.Sprintf("arguments exceed maximum size of %d bytes", MaxToolArgsSize))
	}

	schema, err := r.compiledSchema(name)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return NewInvalidArgumentsError(name, "arguments are not valid JSON: "+err.Error())
	}
	if err := schema.Validate(payload); err != nil {
		return NewInvalidArgumentsError(name, err.Error())
	}
	return nil
}

func (r *Registry) compiledSchema(name string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	if schema, ok := r.schemas[name]; ok {
		r.mu.RUnlock()
		return schema, nil
	}
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewNotFoundError(name)
	}

	raw := tool.Schema()
	if len(raw) == 0 {
		return nil, nil
	}
	schema, err := jsonschema.CompileString(name, string(raw))
	if err != nil {
		// A broken schema should not block the tool; validation is
		// skipped for it.
		return nil, nil
	}

	r.mu.Lock()
	r.schemas[name] = schema
	r.mu.Unlock()
	return schema, nil
}

// Execute runs a tool by name with the given JSON arguments, applying the
// tool's timeout and recovering panics into execution errors.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*Output, error) {
	if len(name) > MaxToolNameLength {
		return nil, NewInvalidArgumentsError(name, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}

	tool, ok := r.Get(name)
	if !ok {
		return nil, NewNotFoundError(name)
	}

	if err := r.ValidateArgs(name, args); err != nil {
		return nil, err
	}

	timeout := tool.Timeout()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := r.executeSafely(execCtx, tool, args)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, NewExecutionError(name, fmt.Errorf("%w after %s", ErrTimeout, timeout))
		}
		var te *Error
		if !errors.As(err, &te) {
			err = NewExecutionError(name, err)
		}
		return nil, err
	}
	return out, nil
}

func (r *Registry) executeSafely(ctx context.Context, tool Tool, args json.RawMessage) (out *Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = NewExecutionError(tool.Name(), fmt.Errorf("tool panicked: %v", rec))
		}
	}()
	return tool.Execute(ctx, args)
}
