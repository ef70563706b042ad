package models

import "strings"

// ClassificationKind tags a task for expert selection and tool-subset
// filtering.
type ClassificationKind string

const (
	ClassificationGeneral      ClassificationKind = "general"
	ClassificationSearch       ClassificationKind = "search"
	ClassificationWebSearch    ClassificationKind = "web_search"
	ClassificationGitOperation ClassificationKind = "git_operation"
	ClassificationFileOps      ClassificationKind = "file_ops"
	ClassificationCoding       ClassificationKind = "coding"
	ClassificationShell        ClassificationKind = "shell"
	ClassificationCalendar     ClassificationKind = "calendar"
	ClassificationEmail        ClassificationKind = "email"
	ClassificationBrowser      ClassificationKind = "browser"
	ClassificationDeepResearch ClassificationKind = "deep_research"
	ClassificationWorkflow     ClassificationKind = "workflow"
)

// TaskClassification keys MoE expert selection and tool filtering.
// A zero value means the task was not classified.
type TaskClassification struct {
	Kind ClassificationKind `json:"kind"`

	// Workflow names the workflow when Kind is ClassificationWorkflow.
	Workflow string `json:"workflow,omitempty"`
}

// IsZero reports whether the task has no classification.
func (c TaskClassification) IsZero() bool {
	return c.Kind == ""
}

// String renders the classification for cache keys and logs.
func (c TaskClassification) String() string {
	if c.Kind == ClassificationWorkflow && c.Workflow != "" {
		return string(c.Kind) + ":" + c.Workflow
	}
	return string(c.Kind)
}

// DisablesFiltering reports whether this classification keeps the full tool
// set visible instead of a filtered subset.
func (c TaskClassification) DisablesFiltering() bool {
	switch c.Kind {
	case "", ClassificationGeneral, ClassificationWorkflow, ClassificationDeepResearch:
		return true
	default:
		return false
	}
}

// ParseClassification parses a classification string produced by String.
func ParseClassification(s string) TaskClassification {
	s = strings.TrimSpace(s)
	if s == "" {
		return TaskClassification{}
	}
	if name, ok := strings.CutPrefix(s, string(ClassificationWorkflow)+":"); ok {
		return TaskClassification{Kind: ClassificationWorkflow, Workflow: name}
	}
	return TaskClassification{Kind: ClassificationKind(s)}
}
