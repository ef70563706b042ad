package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestrelhq/kestrel/internal/tools"
)

func TestResolverRejectsEscape(t *testing.T) {
	root := t.TempDir()
	resolver := Resolver{Root: root}
	for _, path := range []string{"../outside.txt", "../../etc/passwd", "a/../../b.txt"} {
		if _, err := resolver.Resolve(path); err == nil {
			t.Errorf("Resolve(%q) expected escape to be rejected", path)
		}
	}
	if _, err := resolver.Resolve(root + "-sibling/file.txt"); err == nil {
		t.Error("expected sibling directory sharing the root prefix to be rejected")
	}
	if _, err := resolver.Resolve("sub/inside.txt"); err != nil {
		t.Fatalf("Resolve(sub/inside.txt) failed: %v", err)
	}
}

func TestReadWriteEdit(t *testing.T) {
	root := t.TempDir()
	cfg := Config{Workspace: root}

	writeTool := NewWriteFileTool(cfg)
	readTool := NewReadFileTool(cfg)
	editTool := NewEditFileTool(cfg)

	writeArgs, _ := json.Marshal(map[string]any{
		"path":    "notes.txt",
		"content": "hello world",
	})
	out, err := writeTool.Execute(context.Background(), writeArgs)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if out.IsError {
		t.Fatalf("write reported error: %s", out.Content)
	}

	readArgs, _ := json.Marshal(map[string]any{"path": "notes.txt"})
	out, err = readTool.Execute(context.Background(), readArgs)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(out.Content, "hello world") {
		t.Fatalf("expected content, got %s", out.Content)
	}

	editArgs, _ := json.Marshal(map[string]any{
		"path": "notes.txt",
		"edits": []map[string]any{
			{"old_text": "world", "new_text": "kestrel"},
		},
	})
	if _, err := editTool.Execute(context.Background(), editArgs); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(data) != "hello kestrel" {
		t.Fatalf("unexpected content: %s", string(data))
	}
}

func TestWriteAppendAndReadOffset(t *testing.T) {
	root := t.TempDir()
	cfg := Config{Workspace: root, MaxReadBytes: 4}

	writeTool := NewWriteFileTool(cfg)
	readTool := NewReadFileTool(cfg)

	first, _ := json.Marshal(map[string]any{"path": "log.txt", "content": "abcd"})
	if _, err := writeTool.Execute(context.Background(), first); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	second, _ := json.Marshal(map[string]any{"path": "log.txt", "content": "efgh", "append": true})
	if _, err := writeTool.Execute(context.Background(), second); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	readArgs, _ := json.Marshal(map[string]any{"path": "log.txt", "offset": 4})
	out, err := readTool.Execute(context.Background(), readArgs)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var payload struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(out.Content), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if payload.Content != "efgh" {
		t.Fatalf("expected offset read to yield efgh, got %q", payload.Content)
	}
	if payload.Truncated {
		t.Fatal("expected read at end of file to not be truncated")
	}
}

func TestEditMissingTextFailsWithoutWriting(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tool := NewEditFileTool(Config{Workspace: root})
	args, _ := json.Marshal(map[string]any{
		"path": "a.txt",
		"edits": []map[string]any{
			{"old_text": "missing", "new_text": "x"},
		},
	})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !out.IsError {
		t.Fatal("expected missing old_text to report an error")
	}

	data, _ := os.ReadFile(path)
	if string(data) != "original" {
		t.Fatalf("file should be untouched, got %q", string(data))
	}
}

func TestListFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tool := NewListFilesTool(Config{Workspace: root})
	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var payload struct {
		Count   int `json:"count"`
		Entries []struct {
			Name string `json:"name"`
			Dir  bool   `json:"dir"`
		} `json:"entries"`
	}
	if err := json.Unmarshal([]byte(out.Content), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if payload.Count != 2 {
		t.Fatalf("expected 2 entries, got %d", payload.Count)
	}
	if payload.Entries[0].Name != "b.txt" || payload.Entries[0].Dir {
		t.Fatalf("unexpected first entry: %+v", payload.Entries[0])
	}
	if payload.Entries[1].Name != "sub" || !payload.Entries[1].Dir {
		t.Fatalf("unexpected second entry: %+v", payload.Entries[1])
	}
}

func TestApplyPatch(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "file.txt")
	if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tool := NewApplyPatchTool(Config{Workspace: root})
	patch := strings.Join([]string{
		"--- a/file.txt",
		"+++ b/file.txt",
		"@@ -1,3 +1,3 @@",
		" a",
		"-b",
		"+bb",
		" c",
		"",
	}, "\n")

	args, _ := json.Marshal(map[string]any{"patch": patch})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("apply patch failed: %v", err)
	}
	if out.IsError {
		t.Fatalf("apply patch reported error: %s", out.Content)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(data) != "a\nbb\nc\n" {
		t.Fatalf("unexpected content: %s", string(data))
	}
}

func TestApplyPatchContextMismatch(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "file.txt")
	if err := os.WriteFile(path, []byte("x\ny\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tool := NewApplyPatchTool(Config{Workspace: root})
	patch := strings.Join([]string{
		"--- a/file.txt",
		"+++ b/file.txt",
		"@@ -1,2 +1,2 @@",
		" a",
		"-y",
		"+z",
		"",
	}, "\n")

	args, _ := json.Marshal(map[string]any{"patch": patch})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !out.IsError {
		t.Fatal("expected context mismatch to report an error")
	}

	data, _ := os.ReadFile(path)
	if string(data) != "x\ny\n" {
		t.Fatalf("file should be untouched, got %q", string(data))
	}
}

func TestToolsSatisfyInterface(t *testing.T) {
	cfg := Config{Workspace: t.TempDir()}
	for _, tool := range []tools.Tool{
		NewReadFileTool(cfg),
		NewWriteFileTool(cfg),
		NewEditFileTool(cfg),
		NewApplyPatchTool(cfg),
		NewListFilesTool(cfg),
	} {
		if tool.Name() == "" || len(tool.Schema()) == 0 {
			t.Fatalf("tool %T is missing metadata", tool)
		}
	}
	if NewReadFileTool(cfg).RiskLevel() != tools.RiskReadOnly {
		t.Fatal("read_file should be read-only")
	}
	if NewWriteFileTool(cfg).RiskLevel() != tools.RiskWrite {
		t.Fatal("write_file should be write risk")
	}
}
