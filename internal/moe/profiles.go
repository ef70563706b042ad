// Package moe implements the mixture-of-experts task router: expert
// profiles scored against the task text, precision-tiered tool routing,
// and system-prompt addenda.
package moe

// ExpertProfile describes one expert: the task shapes it recognizes, the
// tools it owns, and how it wants the system prompt adjusted.
type ExpertProfile struct {
	// Name identifies the expert (System, DevOps, Security, ...).
	Name string `yaml:"name"`

	// Keywords score the task text; each match adds weight.
	Keywords []string `yaml:"keywords"`

	// Tools are the tool names this expert owns. The first PrimaryTools
	// entries route at full precision; the rest are deferred.
	Tools []string `yaml:"tools"`

	// PrimaryTools is how many of Tools are inlined at full precision.
	// Zero means all of them.
	PrimaryTools int `yaml:"primary_tools"`

	// Addendum is appended to the system prompt when this expert is
	// selected.
	Addendum string `yaml:"addendum"`

	// PromptExclusions name base-prompt sections this expert considers
	// irrelevant; the orchestrator drops them to save tokens.
	PromptExclusions []string `yaml:"prompt_exclusions"`
}

// DefaultProfiles returns the built-in expert set.
func DefaultProfiles() []*ExpertProfile {
	return []*ExpertProfile{
		{
			Name:         "System",
			Keywords:     []string{"file", "directory", "process", "disk", "permission", "install", "config"},
			Tools:        []string{"read_file", "write_file", "list_files", "search_files", "shell_exec"},
			PrimaryTools: 4,
			Addendum:     "Focus on local system state. Inspect before you mutate.",
		},
		{
			Name:             "DevOps",
			Keywords:         []string{"deploy", "docker", "kubernetes", "ci", "pipeline", "terraform", "container", "release"},
			Tools:            []string{"shell_exec", "read_file", "git_status", "git_diff", "git_commit", "git_push"},
			PrimaryTools:     3,
			Addendum:         "Focus on build and deployment workflows. Prefer dry runs before applying changes.",
			PromptExclusions: []string{"browser_usage"},
		},
		{
			Name:         "Security",
			Keywords:     []string{"vulnerability", "cve", "audit", "secret", "credential", "exploit", "permission", "tls"},
			Tools:        []string{"search_files", "read_file", "shell_exec", "web_search"},
			PrimaryTools: 3,
			Addendum:     "Focus on security posture. Never echo discovered secrets into the conversation.",
		},
		{
			Name:             "ML",
			Keywords:         []string{"model", "training", "dataset", "tensor", "inference", "embedding", "gpu"},
			Tools:            []string{"read_file", "shell_exec", "calculator", "web_search"},
			PrimaryTools:     2,
			Addendum:         "Focus on model and data workflows. State assumptions about data shapes explicitly.",
			PromptExclusions: []string{"browser_usage", "channel_etiquette"},
		},
		{
			Name:         "Research",
			Keywords:     []string{"research", "compare", "investigate", "documentation", "paper", "look up", "find out"},
			Tools:        []string{"web_search", "read_file", "scratchpad"},
			PrimaryTools: 2,
			Addendum:     "Focus on gathering and synthesizing information. Cite where each claim came from.",
		},
		{
			Name:         "Coding",
			Keywords:     []string{"code", "function", "bug", "refactor", "test", "compile", "implement", "api"},
			Tools:        []string{"read_file", "write_file", "search_files", "shell_exec", "git_diff"},
			PrimaryTools: 4,
			Addendum:     "Focus on code changes. Read surrounding code before editing and keep diffs minimal.",
		},
	}
}
