package safety

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelhq/kestrel/internal/tools"
)

// Contract is an invariant the guardian enforces on every action,
// regardless of approval mode. Check returns a non-nil error describing
// the violation.
type Contract struct {
	Name        string
	Description string
	Check       func(toolName string, risk tools.RiskLevel, args json.RawMessage) error
}

// DefaultContracts returns the contracts enforced out of the box.
func DefaultContracts() []Contract {
	return []Contract{
		NoRecursiveRootDelete(),
		NoCredentialFileReads(),
	}
}

// NoRecursiveRootDelete refuses shell commands that would wipe the
// filesystem root or home directory.
func NoRecursiveRootDelete() Contract {
	fatal := []string{
		"rm -rf /",
		"rm -rf /*",
		"rm -rf ~",
		"rm -fr /",
		"mkfs",
		"dd if=/dev/zero of=/dev/",
	}
	return Contract{
		Name:        "no_recursive_root_delete",
		Description: "shell commands must not destroy the filesystem root",
		Check: func(toolName string, risk tools.RiskLevel, args json.RawMessage) error {
			var fields struct {
				Command string `json:"command"`
				Cmd     string `json:"cmd"`
			}
			if err := json.Unmarshal(args, &fields); err != nil {
				return nil
			}
			cmd := strings.TrimSpace(fields.Command)
			if cmd == "" {
				cmd = strings.TrimSpace(fields.Cmd)
			}
			if cmd == "" {
				return nil
			}
			normalized := strings.Join(strings.Fields(cmd), " ")
			for _, f := range fatal {
				if strings.Contains(normalized, f) {
					return fmt.Errorf("command %q matches forbidden pattern %q", cmd, f)
				}
			}
			return nil
		},
	}
}

// NoCredentialFileReads refuses direct reads of well-known secret files.
func NoCredentialFileReads() Contract {
	blocked := []string{
		"/etc/shadow",
		".ssh/id_rsa",
		".ssh/id_ed25519",
		".aws/credentials",
	}
	return Contract{
		Name:        "no_credential_file_reads",
		Description: "secret material must not enter the conversation",
		Check: func(toolName string, risk tools.RiskLevel, args json.RawMessage) error {
			var fields struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &fields); err != nil {
				return nil
			}
			for _, b := range blocked {
				if strings.Contains(fields.Path, b) {
					return fmt.Errorf("path %q is a known credential location", fields.Path)
				}
			}
			return nil
		},
	}
}
