package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/kestrelhq/kestrel/internal/tools"
)

const defaultMaxReadBytes = 200000

// ReadFileTool reads workspace files with offset and byte-limit support.
type ReadFileTool struct {
	resolver Resolver
	maxBytes int
}

type readFileArgs struct {
	Path     string `json:"path" jsonschema:"description=Path to the file relative to the workspace"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"description=Byte offset to start reading from,minimum=0"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to read (capped by the tool default),minimum=0"`
}

// NewReadFileTool creates a read tool scoped to the workspace.
func NewReadFileTool(cfg Config) *ReadFileTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &ReadFileTool{
		resolver: Resolver{Root: cfg.Workspace},
		maxBytes: limit,
	}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}
func (t *ReadFileTool) Schema() json.RawMessage    { return tools.ReflectSchema(&readFileArgs{}) }
func (t *ReadFileTool) RiskLevel() tools.RiskLevel { return tools.RiskReadOnly }
func (t *ReadFileTool) Timeout() time.Duration     { return 10 * time.Second }

// Execute reads a file with safety limits. Payloads above the byte cap are
// truncated and flagged so the model can re-read with an offset.
func (t *ReadFileTool) Execute(_ context.Context, args json.RawMessage) (*tools.Output, error) {
	var in readFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, tools.NewInvalidArgumentsError(t.Name(), err.Error())
	}
	if in.Offset < 0 {
		return nil, tools.NewInvalidArgumentsError(t.Name(), "offset must be >= 0")
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return failure(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return failure(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return failure(fmt.Sprintf("stat file: %v", err)), nil
	}

	if in.Offset > 0 {
		if _, err := file.Seek(in.Offset, io.SeekStart); err != nil {
			return failure(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxBytes
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}

	remaining := int64(limit)
	if size := info.Size(); size > 0 {
		remaining = size - in.Offset
		if remaining < 0 {
			remaining = 0
		}
		if remaining > int64(limit) {
			remaining = int64(limit)
		}
	}

	buf, err := io.ReadAll(io.LimitReader(file, remaining))
	if err != nil {
		return failure(fmt.Sprintf("read file: %v", err)), nil
	}

	truncated := info.Size() > 0 && in.Offset+int64(len(buf)) < info.Size()

	return success(map[string]any{
		"path":      in.Path,
		"content":   string(buf),
		"offset":    in.Offset,
		"bytes":     len(buf),
		"truncated": truncated,
	}), nil
}

// ListFilesTool lists directory entries within the workspace.
type ListFilesTool struct {
	resolver Resolver
}

type listFilesArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list relative to the workspace; workspace root when empty"`
}

// NewListFilesTool creates a directory listing tool scoped to the workspace.
func NewListFilesTool(cfg Config) *ListFilesTool {
	return &ListFilesTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "List files and directories in a workspace directory."
}
func (t *ListFilesTool) Schema() json.RawMessage    { return tools.ReflectSchema(&listFilesArgs{}) }
func (t *ListFilesTool) RiskLevel() tools.RiskLevel { return tools.RiskReadOnly }
func (t *ListFilesTool) Timeout() time.Duration     { return 10 * time.Second }

func (t *ListFilesTool) Execute(_ context.Context, args json.RawMessage) (*tools.Output, error) {
	var in listFilesArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, tools.NewInvalidArgumentsError(t.Name(), err.Error())
		}
	}
	path := in.Path
	if path == "" {
		path = "."
	}

	resolved, err := t.resolver.Resolve(path)
	if err != nil {
		return failure(err.Error()), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return failure(fmt.Sprintf("read directory: %v", err)), nil
	}

	listing := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name": entry.Name(),
			"dir":  entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			item["size"] = info.Size()
		}
		listing = append(listing, item)
	}
	sort.Slice(listing, func(i, j int) bool {
		return listing[i]["name"].(string) < listing[j]["name"].(string)
	})

	return success(map[string]any{
		"path":    path,
		"entries": listing,
		"count":   len(listing),
	}), nil
}

func success(payload map[string]any) *tools.Output {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return &tools.Output{Content: fmt.Sprintf("encode result: %v", err), IsError: true}
	}
	return &tools.Output{Content: string(data)}
}

func failure(message string) *tools.Output {
	return &tools.Output{Content: message, IsError: true}
}
