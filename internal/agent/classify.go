package agent

import (
	"context"
	"strings"

	"github.com/kestrelhq/kestrel/pkg/models"
)

// classificationKeywords maps trigger phrases to a task classification.
// Order matters: earlier rows win on ties.
var classificationKeywords = []struct {
	kind     models.ClassificationKind
	keywords []string
}{
	{models.ClassificationGitOperation, []string{"git ", "commit", "branch", "rebase", "pull request", "merge"}},
	{models.ClassificationWebSearch, []string{"search the web", "look up online", "google", "web search", "latest news"}},
	{models.ClassificationBrowser, []string{"browser", "navigate to", "click the", "screenshot of"}},
	{models.ClassificationEmail, []string{"email", "inbox", "draft a reply"}},
	{models.ClassificationCalendar, []string{"calendar", "schedule a", "remind me", "meeting at"}},
	{models.ClassificationCoding, []string{"refactor", "implement", "fix the bug", "write a function", "unit test", "compile"}},
	{models.ClassificationShell, []string{"run the command", "shell", "terminal", "process list"}},
	{models.ClassificationFileOps, []string{"move the file", "copy the file", "rename", "delete the file"}},
	{models.ClassificationSearch, []string{"find all", "grep", "search for", "where is"}},
}

// classifyTask is the default keyword classifier. It returns the zero
// classification for plain conversational tasks, which disables tool
// filtering.
func classifyTask(_ context.Context, task string) models.TaskClassification {
	lower := strings.ToLower(task)
	if strings.TrimSpace(lower) == "" {
		return models.TaskClassification{}
	}
	for _, row := range classificationKeywords {
		for _, kw := range row.keywords {
			if strings.Contains(lower, kw) {
				return models.TaskClassification{Kind: row.kind}
			}
		}
	}
	return models.TaskClassification{}
}
