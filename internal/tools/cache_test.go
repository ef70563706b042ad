package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kestrelhq/kestrel/pkg/models"
)

func registryWith(names ...string) *Registry {
	r := NewRegistry()
	for _, name := range names {
		r.Register(&fakeTool{name: name})
	}
	return r
}

func defNames(defs []Definition) map[string]bool {
	out := make(map[string]bool, len(defs))
	for _, d := range defs {
		out[d.Name] = true
	}
	return out
}

func TestDefinitionCache_GeneralDisablesFiltering(t *testing.T) {
	r := registryWith("read_file", "git_commit", "obscure_tool")
	cache := NewDefinitionCache(r)

	defs := cache.Definitions(models.TaskClassification{Kind: models.ClassificationGeneral})
	names := defNames(defs)
	for _, want := range []string{"read_file", "git_commit", "obscure_tool", AskUserToolName} {
		if !names[want] {
			t.Errorf("expected %s in unfiltered set", want)
		}
	}
}

func TestDefinitionCache_ClassificationFiltering(t *testing.T) {
	r := registryWith("read_file", "git_commit", "git_diff", "obscure_tool", "calculator")
	cache := NewDefinitionCache(r)

	defs := cache.Definitions(models.TaskClassification{Kind: models.ClassificationGitOperation})
	names := defNames(defs)

	if !names["git_commit"] || !names["git_diff"] {
		t.Error("expected git extras to be visible")
	}
	if !names["read_file"] || !names["calculator"] {
		t.Error("expected core tools to be visible")
	}
	if names["obscure_tool"] {
		t.Error("expected obscure_tool to be filtered out")
	}
	if !names[AskUserToolName] {
		t.Error("expected ask_user pseudo-tool to always be visible")
	}
}

func TestDefinitionCache_RepeatedCallsEqual(t *testing.T) {
	r := registryWith("read_file", "git_commit")
	cache := NewDefinitionCache(r)
	cls := models.TaskClassification{Kind: models.ClassificationGitOperation}

	first, _ := json.Marshal(cache.Definitions(cls))
	second, _ := json.Marshal(cache.Definitions(cls))
	if string(first) != string(second) {
		t.Error("expected identical definitions on repeated calls")
	}
}

func TestDefinitionCache_InvalidatedOnRegister(t *testing.T) {
	r := registryWith("read_file")
	cache := NewDefinitionCache(r)
	cls := models.TaskClassification{Kind: models.ClassificationGitOperation}

	before := defNames(cache.Definitions(cls))
	if before["git_status"] {
		t.Fatal("git_status should not be visible before registration")
	}

	r.Register(&fakeTool{name: "git_status"})

	after := defNames(cache.Definitions(cls))
	if !after["git_status"] {
		t.Error("expected cache to pick up newly registered tool")
	}
}

func TestCalculatorTool(t *testing.T) {
	tool := &CalculatorTool{}

	tests := []struct {
		expr    string
		want    string
		wantErr bool
	}{
		{"1+2", "3", false},
		{"2*(3+4)", "14", false},
		{"10/4", "2.5", false},
		{"-3+5", "2", false},
		{"1/0", "", true},
		{"2+", "", true},
		{"(1+2", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			args, _ := json.Marshal(map[string]string{"expression": tt.expr})
			out, err := tool.Execute(context.Background(), args)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Content != tt.want {
				t.Errorf("got %q, want %q", out.Content, tt.want)
			}
		})
	}
}

func TestEchoTool(t *testing.T) {
	tool := &EchoTool{}
	args, _ := json.Marshal(map[string]string{"text": "test"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content != "Echo: test" {
		t.Errorf("got %q", out.Content)
	}
}
