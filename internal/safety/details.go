package safety

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelhq/kestrel/internal/tools"
)

// Action is one tool call as seen by the guardian.
type Action struct {
	ToolName  string          `json:"tool_name"`
	RiskLevel tools.RiskLevel `json:"risk_level"`
	Arguments json.RawMessage `json:"arguments"`

	// Details is the parsed rich variant; populated by ParseDetails.
	Details *RichActionDetails `json:"details,omitempty"`
}

// DetailKind discriminates RichActionDetails variants.
type DetailKind string

const (
	DetailFileRead       DetailKind = "file_read"
	DetailFileWrite      DetailKind = "file_write"
	DetailFileDelete     DetailKind = "file_delete"
	DetailShellCommand   DetailKind = "shell_command"
	DetailNetworkRequest DetailKind = "network_request"
	DetailGitOperation   DetailKind = "git_operation"
	DetailBrowserAction  DetailKind = "browser_action"
	DetailChannelReply   DetailKind = "channel_reply"
	DetailGuiAction      DetailKind = "gui_action"
	DetailGeneric        DetailKind = "generic"
)

// RichActionDetails gives the approval UI something concrete to show
// instead of raw JSON arguments.
type RichActionDetails struct {
	Kind DetailKind `json:"kind"`

	// Path is set for file variants.
	Path string `json:"path,omitempty"`

	// Command is set for shell variants.
	Command string `json:"command,omitempty"`

	// URL and Method are set for network and browser variants.
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`

	// Operation is set for git variants (commit, push, ...).
	Operation string `json:"operation,omitempty"`

	// Target is the channel, window, or element acted upon.
	Target string `json:"target,omitempty"`

	// Summary is a one-line human description, always set.
	Summary string `json:"summary"`

	// ContentPreview is a truncated view of the payload being written or
	// sent, when one exists.
	ContentPreview string `json:"content_preview,omitempty"`
}

// ApprovalContext is what the approval UI renders: why the agent wants the
// action, what it will do, and whether it can be undone.
type ApprovalContext struct {
	Action        *Action  `json:"action"`
	Reasoning     string   `json:"reasoning"`
	Consequences  []string `json:"consequences"`
	Reversibility string   `json:"reversibility"`
	Preview       string   `json:"preview,omitempty"`
}

const previewLimit = 300

// ParseDetails pattern-matches on tool name and arguments to produce the
// rich variant. Unknown tools fall back to the generic variant so the UI
// always has something to show.
func ParseDetails(toolName string, args json.RawMessage) *RichActionDetails {
	var fields map[string]any
	_ = json.Unmarshal(args, &fields)
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := fields[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	switch {
	case matchesAny(toolName, "read_file", "list_files", "search_files"):
		path := str("path", "pattern", "directory")
		return &RichActionDetails{
			Kind:    DetailFileRead,
			Path:    path,
			Summary: fmt.Sprintf("Read %s", orUnknown(path, "files")),
		}

	case matchesAny(toolName, "write_file", "append_file", "edit_file"):
		path := str("path")
		content := str("content", "text")
		return &RichActionDetails{
			Kind:           DetailFileWrite,
			Path:           path,
			Summary:        fmt.Sprintf("Write %d bytes to %s", len(content), orUnknown(path, "a file")),
			ContentPreview: truncate(content, previewLimit),
		}

	case matchesAny(toolName, "delete_file", "remove_file"):
		path := str("path")
		return &RichActionDetails{
			Kind:    DetailFileDelete,
			Path:    path,
			Summary: fmt.Sprintf("Delete %s", orUnknown(path, "a file")),
		}

	case matchesAny(toolName, "shell_exec", "bash", "run_command"):
		cmd := str("command", "cmd")
		return &RichActionDetails{
			Kind:           DetailShellCommand,
			Command:        cmd,
			Summary:        fmt.Sprintf("Run shell command: %s", truncate(cmd, 80)),
			ContentPreview: truncate(cmd, previewLimit),
		}

	case matchesAny(toolName, "web_search", "http_request", "fetch_url"):
		url := str("url", "query")
		method := str("method")
		if method == "" {
			method = "GET"
		}
		return &RichActionDetails{
			Kind:    DetailNetworkRequest,
			URL:     url,
			Method:  method,
			Summary: fmt.Sprintf("%s %s", method, orUnknown(url, "a remote resource")),
		}

	case strings.HasPrefix(toolName, "git_"):
		op := strings.TrimPrefix(toolName, "git_")
		return &RichActionDetails{
			Kind:      DetailGitOperation,
			Operation: op,
			Target:    str("repository", "branch", "remote"),
			Summary:   fmt.Sprintf("Git %s %s", op, str("repository", "branch", "remote", "message")),
		}

	case strings.HasPrefix(toolName, "browser_"):
		return &RichActionDetails{
			Kind:    DetailBrowserAction,
			URL:     str("url"),
			Target:  str("selector", "element"),
			Summary: fmt.Sprintf("Browser %s %s", strings.TrimPrefix(toolName, "browser_"), str("url", "selector")),
		}

	case matchesAny(toolName, "send_message", "channel_reply", "reply"):
		target := str("channel", "recipient", "to")
		body := str("message", "text", "body")
		return &RichActionDetails{
			Kind:           DetailChannelReply,
			Target:         target,
			Summary:        fmt.Sprintf("Send message to %s", orUnknown(target, "a channel")),
			ContentPreview: truncate(body, previewLimit),
		}

	case strings.HasPrefix(toolName, "gui_"):
		return &RichActionDetails{
			Kind:    DetailGuiAction,
			Target:  str("element", "window"),
			Summary: fmt.Sprintf("GUI %s on %s", strings.TrimPrefix(toolName, "gui_"), orUnknown(str("element", "window"), "the screen")),
		}

	default:
		return &RichActionDetails{
			Kind:    DetailGeneric,
			Summary: fmt.Sprintf("Execute tool %s", toolName),
		}
	}
}

// BuildApprovalContext derives the reasoning, consequences, and
// reversibility shown to the user. The action's details must already be
// parsed; missing details are filled with the generic variant.
func BuildApprovalContext(action *Action) *ApprovalContext {
	details := action.Details
	if details == nil {
		details = ParseDetails(action.ToolName, action.Arguments)
		action.Details = details
	}

	ctx := &ApprovalContext{
		Action:    action,
		Reasoning: fmt.Sprintf("The agent wants to %s (risk: %s).", lowerFirst(details.Summary), action.RiskLevel),
		Preview:   details.ContentPreview,
	}

	switch details.Kind {
	case DetailFileRead:
		ctx.Consequences = []string{"File contents enter the conversation context."}
		ctx.Reversibility = "No changes are made; nothing to undo."
	case DetailFileWrite:
		ctx.Consequences = []string{
			fmt.Sprintf("Contents of %s will be created or overwritten.", orUnknown(details.Path, "the target file")),
		}
		ctx.Reversibility = "Reversible via version control checkpoints."
	case DetailFileDelete:
		ctx.Consequences = []string{fmt.Sprintf("%s will be removed.", orUnknown(details.Path, "The target file"))}
		ctx.Reversibility = "Reversible within the trash retention window."
	case DetailShellCommand:
		ctx.Consequences = []string{
			"An arbitrary command runs with the agent's privileges.",
			"Side effects depend on the command.",
		}
		ctx.Reversibility = "Unknown; depends on the command."
	case DetailNetworkRequest:
		ctx.Consequences = []string{"Data is sent to an external host and the response enters context."}
		ctx.Reversibility = "The request cannot be unsent."
	case DetailGitOperation:
		ctx.Consequences = []string{fmt.Sprintf("Repository history or remote state changes (%s).", details.Operation)}
		ctx.Reversibility = "Mostly reversible locally; pushes are visible to collaborators."
	case DetailBrowserAction, DetailGuiAction:
		ctx.Consequences = []string{"The agent interacts with a live UI on your behalf."}
		ctx.Reversibility = "Depends on the page or application state."
	case DetailChannelReply:
		ctx.Consequences = []string{fmt.Sprintf("A message is delivered to %s.", orUnknown(details.Target, "the channel"))}
		ctx.Reversibility = "Messages cannot be reliably unsent."
	default:
		ctx.Consequences = []string{"Effects depend on the tool implementation."}
		ctx.Reversibility = "Unknown."
	}

	return ctx
}

func matchesAny(name string, candidates ...string) bool {
	for _, c := range candidates {
		if name == c {
			return true
		}
	}
	return false
}

func orUnknown(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
