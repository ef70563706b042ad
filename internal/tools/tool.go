// Package tools defines the tool contract for the Kestrel agent runtime and
// the registry the orchestrator executes tools through.
//
// A tool is anything exposing a name, description, JSON-schema parameters, a
// risk level, a timeout, and an Execute method. The risk level is data, not a
// subtype: the safety guardian keys its approval decisions off it.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
)

// ReflectSchema derives a JSON schema for a tool argument struct. Tools
// declare their arguments as Go structs and let reflection produce the
// schema the LLM sees.
func ReflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// RiskLevel classifies the blast radius of a tool. Levels are ordered;
// the safety guardian treats everything at Write and above as sensitive.
type RiskLevel int

const (
	// RiskReadOnly covers pure reads with no side effects.
	RiskReadOnly RiskLevel = iota
	// RiskWrite covers local mutations (file writes, config edits).
	RiskWrite
	// RiskExecute covers arbitrary command or code execution.
	RiskExecute
	// RiskNetwork covers outbound network access.
	RiskNetwork
	// RiskDestructive covers irreversible operations (deletes, force pushes).
	RiskDestructive
)

// String returns the human-readable risk level name.
func (r RiskLevel) String() string {
	switch r {
	case RiskReadOnly:
		return "read_only"
	case RiskWrite:
		return "write"
	case RiskExecute:
		return "execute"
	case RiskNetwork:
		return "network"
	case RiskDestructive:
		return "destructive"
	default:
		return "unknown"
	}
}

// Definition is a tool declaration as presented to the LLM.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Output is the result of a tool execution. Content is UTF-8 text; binary
// payloads must be textually encoded (e.g. base64) at the tool boundary.
type Output struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool is the capability surface the orchestrator is generic over.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool
	// does. This helps the LLM decide when to use the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// RiskLevel classifies the tool for approval decisions.
	RiskLevel() RiskLevel

	// Timeout is the per-call execution deadline. Zero means the
	// registry default applies.
	Timeout() time.Duration

	// Execute runs the tool with the given JSON arguments.
	Execute(ctx context.Context, args json.RawMessage) (*Output, error)
}

// Definition returns the LLM-facing declaration for a tool.
func DefinitionOf(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}
