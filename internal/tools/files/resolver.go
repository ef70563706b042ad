// Package files provides workspace-scoped filesystem tools: read_file,
// write_file, edit_file, apply_patch and list_files. Every path goes through
// a Resolver that rejects escapes from the configured workspace root.
package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config controls filesystem tool defaults.
type Config struct {
	// Workspace is the directory all paths resolve within. Empty means
	// the current directory.
	Workspace string
	// MaxReadBytes caps read_file payloads. Zero means the tool default.
	MaxReadBytes int
}

// Resolver maps tool-supplied paths onto a workspace root and refuses
// anything that lands outside it once cleaned.
type Resolver struct {
	Root string
}

// Resolve returns the cleaned absolute path for a workspace-relative or
// absolute input. Inputs whose cleaned form leaves the root are rejected,
// so "../x" and "a/../../x" both fail.
func (r Resolver) Resolve(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("path is required")
	}

	rootAbs, err := r.rootAbs()
	if err != nil {
		return "", err
	}

	target := trimmed
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	target = filepath.Clean(target)

	if target != rootAbs && !strings.HasPrefix(target, rootAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes the workspace", trimmed)
	}
	return target, nil
}

func (r Resolver) rootAbs() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return filepath.Clean(abs), nil
}
