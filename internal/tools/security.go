package tools

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/claudegate/claudegate/internal/config"
)

// ErrPolicyViolation marks a tool input rejected by the security policy. The
// executor reports it to the model verbatim and the conversation loop treats
// it as terminal.
var ErrPolicyViolation = errors.New("security_policy_violation")

// commandSplit breaks a shell line into pipeline/sequence segments so each
// segment's head can be checked against the allowlist.
var commandSplit = regexp.MustCompile(`[;|&]+|\n`)

// Policy gates tool inputs before execution: path arguments against a
// denylist, shell commands against an allowlist.
type Policy struct {
	deniedPaths []string
	allowed     map[string]bool
	workspace   string
}

// NewPolicy builds the policy from tool configuration. Denied paths are
// cleaned; an empty allowlist permits no commands at all.
func NewPolicy(cfg config.Tools) *Policy {
	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, cmd := range cfg.AllowedCommands {
		allowed[cmd] = true
	}
	denied := make([]string, 0, len(cfg.DeniedPaths))
	for _, p := range cfg.DeniedPaths {
		denied = append(denied, filepath.Clean(p))
	}
	return &Policy{
		deniedPaths: denied,
		allowed:     allowed,
		workspace:   cfg.WorkspaceDir,
	}
}

// Check validates input for a tool of the given category. A nil error means
// the executor may run the handler.
func (p *Policy) Check(category string, input map[string]any) error {
	switch category {
	case CategoryFileOps, CategoryNotebook, CategorySearch:
		return p.checkPath(stringArg(input, "path"))
	case CategorySystem:
		return p.checkCommand(stringArg(input, "command"))
	default:
		return nil
	}
}

// checkPath rejects paths that resolve under a denied prefix. The path is
// resolved the same way handlers resolve it, so the check and the access
// agree on the target.
func (p *Policy) checkPath(path string) error {
	if path == "" {
		return nil
	}
	resolved := resolvePath(p.workspace, path)
	for _, denied := range p.deniedPaths {
		if underPrefix(resolved, denied) {
			return fmt.Errorf("%w: path %s is denied", ErrPolicyViolation, path)
		}
	}
	return nil
}

// checkCommand requires every pipeline segment's leading word to be
// allowlisted and rejects command substitution outright.
func (p *Policy) checkCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrPolicyViolation)
	}
	if strings.Contains(command, "$(") || strings.Contains(command, "`") {
		return fmt.Errorf("%w: command substitution is not allowed", ErrPolicyViolation)
	}
	for _, segment := range commandSplit.Split(command, -1) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		head := filepath.Base(fields[0])
		if !p.allowed[head] {
			return fmt.Errorf("%w: command %s is not allowed", ErrPolicyViolation, head)
		}
	}
	return nil
}

// underPrefix reports whether path is prefix or inside it, respecting path
// boundaries so /etc does not match /etcetera.
func underPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// resolvePath anchors relative paths at the workspace and cleans the result.
func resolvePath(workspace, path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return filepath.Clean(path)
}
