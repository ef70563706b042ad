package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelhq/kestrel/internal/tools"
)

// WriteFileTool writes files within the workspace. Overwrites by default;
// parent directories are created as needed.
type WriteFileTool struct {
	resolver Resolver
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=Path to write relative to the workspace"`
	Content string `json:"content" jsonschema:"description=File contents to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

// NewWriteFileTool creates a write tool scoped to the workspace.
func NewWriteFileTool(cfg Config) *WriteFileTool {
	return &WriteFileTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace (overwrites by default)."
}
func (t *WriteFileTool) Schema() json.RawMessage    { return tools.ReflectSchema(&writeFileArgs{}) }
func (t *WriteFileTool) RiskLevel() tools.RiskLevel { return tools.RiskWrite }
func (t *WriteFileTool) Timeout() time.Duration     { return 10 * time.Second }

func (t *WriteFileTool) Execute(_ context.Context, args json.RawMessage) (*tools.Output, error) {
	var in writeFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, tools.NewInvalidArgumentsError(t.Name(), err.Error())
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return failure(err.Error()), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return failure(fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if in.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return failure(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	n, err := file.WriteString(in.Content)
	if err != nil {
		return failure(fmt.Sprintf("write file: %v", err)), nil
	}

	return success(map[string]any{
		"path":          in.Path,
		"bytes_written": n,
		"append":        in.Append,
	}), nil
}
