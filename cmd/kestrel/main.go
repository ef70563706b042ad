// Package main provides the CLI entry point for the kestrel agent runtime.
//
// Kestrel runs an autonomous tool-using agent loop against Anthropic or
// OpenAI models, with safety approval, budget enforcement, and persistent
// memory.
//
// # Basic Usage
//
// Run a single task:
//
//	kestrel run "summarize the files in this directory"
//
// Validate a configuration file:
//
//	kestrel validate --config kestrel.yaml
//
// # Environment Variables
//
//   - KESTREL_CONFIG: Path to configuration file (default: kestrel.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"os"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
