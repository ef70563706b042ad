package safety

import (
	"regexp"
	"strings"
)

// Redactor scrubs secret-shaped substrings from tool output before it is
// persisted or surfaced.
type Redactor struct {
	patterns []*regexp.Regexp
	text     string
}

// defaultRedactPatterns match common credential shapes. Patterns that fail
// to compile are skipped.
var defaultRedactPatterns = []string{
	`sk-[A-Za-z0-9_-]{20,}`,
	`ghp_[A-Za-z0-9]{36}`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`,
	`(?i)(api[_-]?key|secret|token|password)\s*[=:]\s*\S{8,}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
}

// NewRedactor compiles the default patterns plus any extras from config.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{text: "[redacted]"}
	for _, p := range append(append([]string{}, defaultRedactPatterns...), extra...) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	return r
}

// Apply returns content with all matched spans replaced.
func (r *Redactor) Apply(content string) string {
	for _, re := range r.patterns {
		content = re.ReplaceAllString(content, r.text)
	}
	return content
}
