package tools

import (
	"sync"

	"github.com/kestrelhq/kestrel/pkg/models"
)

// AskUserToolName is the pseudo-tool the orchestrator intercepts to ask the
// user a clarifying question. It is always visible and never executes
// through the registry.
const AskUserToolName = "ask_user"

// askUserDefinition is injected into every definition set.
var askUserDefinition = Definition{
	Name:        AskUserToolName,
	Description: "Ask the user a clarifying question and wait for their answer. Use when the task is ambiguous or a decision needs user input.",
	Parameters: []byte(`{
		"type": "object",
		"properties": {
			"question": {"type": "string", "description": "The question to ask the user"}
		},
		"required": ["question"]
	}`),
}

// coreToolNames is the fixed set of always-visible tools when classification
// filtering is active.
var coreToolNames = []string{
	"read_file",
	"write_file",
	"list_files",
	"shell_exec",
	"search_files",
	"web_search",
	"calculator",
	"datetime",
	"scratchpad",
	AskUserToolName,
}

// extraToolNames maps a classification kind to the small tool set layered on
// top of the core when that classification is active.
var extraToolNames = map[models.ClassificationKind][]string{
	models.ClassificationSearch:       {"search_files", "grep", "find_symbol", "web_fetch"},
	models.ClassificationWebSearch:    {"web_fetch", "browser_navigate", "browser_extract", "summarize_url"},
	models.ClassificationGitOperation: {"git_status", "git_diff", "git_commit", "git_log", "git_branch", "git_push"},
	models.ClassificationFileOps:      {"file_delete", "file_move", "file_copy", "make_directory"},
	models.ClassificationCoding:       {"edit_file", "apply_patch", "run_tests", "lint", "typecheck", "grep"},
	models.ClassificationShell:        {"shell_background", "process_list", "process_kill"},
	models.ClassificationCalendar:     {"calendar_list", "calendar_create", "calendar_delete", "reminders_add"},
	models.ClassificationEmail:        {"email_list", "email_read", "email_draft", "email_send"},
	models.ClassificationBrowser:      {"browser_navigate", "browser_click", "browser_extract", "browser_screenshot"},
}

// DefinitionCache serves classification-filtered tool definition subsets.
// The cache is keyed by classification string and invalidated whenever the
// underlying registry changes.
type DefinitionCache struct {
	mu       sync.RWMutex
	registry *Registry
	entries  map[string][]Definition
}

// NewDefinitionCache creates a cache over the given registry and hooks
// registry changes for invalidation.
func NewDefinitionCache(registry *Registry) *DefinitionCache {
	c := &DefinitionCache{
		registry: registry,
		entries:  make(map[string][]Definition),
	}
	registry.OnChange(c.Invalidate)
	return c
}

// Invalidate drops all cached subsets.
func (c *DefinitionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]Definition)
}

// Definitions returns the tool definitions visible for the given
// classification. General, Workflow and DeepResearch classifications (and the
// zero classification) disable filtering and see every registered tool. The
// ask_user pseudo-tool is always included.
func (c *DefinitionCache) Definitions(classification models.TaskClassification) []Definition {
	key := classification.String()

	c.mu.RLock()
	if defs, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return defs
	}
	c.mu.RUnlock()

	defs := c.compute(classification)

	c.mu.Lock()
	c.entries[key] = defs
	c.mu.Unlock()
	return defs
}

// Warm precomputes the subset for a classification so the first iteration
// does not pay the filtering cost.
func (c *DefinitionCache) Warm(classification models.TaskClassification) {
	c.Definitions(classification)
}

func (c *DefinitionCache) compute(classification models.TaskClassification) []Definition {
	if classification.DisablesFiltering() {
		defs := c.registry.Definitions()
		return append(defs, askUserDefinition)
	}

	visible := make(map[string]struct{}, len(coreToolNames)+10)
	for _, name := range coreToolNames {
		visible[name] = struct{}{}
	}
	for _, name := range extraToolNames[classification.Kind] {
		visible[name] = struct{}{}
	}

	var defs []Definition
	for _, def := range c.registry.Definitions() {
		if _, ok := visible[def.Name]; ok {
			defs = append(defs, def)
		}
	}
	return append(defs, askUserDefinition)
}
