package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/tools"
)

// EditFileTool applies in-place find/replace edits to workspace files.
// Edits apply in order against the evolving content; a missing old_text
// fails the whole call without touching the file.
type EditFileTool struct {
	resolver Resolver
}

type editSpec struct {
	OldText    string `json:"old_text" jsonschema:"description=Text to replace"`
	NewText    string `json:"new_text" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace all occurrences"`
}

type editFileArgs struct {
	Path  string     `json:"path" jsonschema:"description=Path to edit relative to the workspace"`
	Edits []editSpec `json:"edits" jsonschema:"description=Find/replace edits applied in order"`
}

// NewEditFileTool creates an edit tool scoped to the workspace.
func NewEditFileTool(cfg Config) *EditFileTool {
	return &EditFileTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Apply one or more find/replace edits to a file in the workspace."
}
func (t *EditFileTool) Schema() json.RawMessage    { return tools.ReflectSchema(&editFileArgs{}) }
func (t *EditFileTool) RiskLevel() tools.RiskLevel { return tools.RiskWrite }
func (t *EditFileTool) Timeout() time.Duration     { return 10 * time.Second }

func (t *EditFileTool) Execute(_ context.Context, args json.RawMessage) (*tools.Output, error) {
	var in editFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, tools.NewInvalidArgumentsError(t.Name(), err.Error())
	}
	if len(in.Edits) == 0 {
		return nil, tools.NewInvalidArgumentsError(t.Name(), "edits are required")
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return failure(err.Error()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return failure(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	replacements := 0
	for _, edit := range in.Edits {
		if edit.OldText == "" {
			return failure("old_text is required"), nil
		}
		if !strings.Contains(content, edit.OldText) {
			return failure(fmt.Sprintf("old_text not found: %.80q", edit.OldText)), nil
		}
		if edit.ReplaceAll {
			replacements += strings.Count(content, edit.OldText)
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return failure(fmt.Sprintf("write file: %v", err)), nil
	}

	return success(map[string]any{
		"path":         in.Path,
		"replacements": replacements,
	}), nil
}
