package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/pkg/agentcli"
)

// SecurityPolicy enforces the directory allow-list. File-oriented tools are
// hard-blocked when their resolved target escapes the allow-list. Shell
// commands are only scanned and warned about, never blocked: their text
// cannot be reliably path-validated, and blocking on a guess would break
// legitimate work.
type SecurityPolicy struct {
	workRoot string
	allowed  []string
	logger   *logger.Logger
}

// CheckResult reports one tool permission check.
type CheckResult struct {
	Allowed bool
	// Path is the resolved target for blocked file tools.
	Path string
	// Warnings are suspicious fragments found in a shell command.
	Warnings []string
}

// NewSecurityPolicy creates a policy for workRoot. Relative allow-list
// entries are anchored under workRoot.
func NewSecurityPolicy(workRoot string, allowedDirs []string, log *logger.Logger) (*SecurityPolicy, error) {
	root, err := filepath.Abs(workRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work root: %w", err)
	}
	if len(allowedDirs) == 0 {
		return nil, fmt.Errorf("allow-list must not be empty")
	}

	allowed := make([]string, 0, len(allowedDirs))
	for _, d := range allowedDirs {
		if filepath.IsAbs(d) {
			allowed = append(allowed, filepath.Clean(d))
		} else {
			allowed = append(allowed, filepath.Join(root, d))
		}
	}

	return &SecurityPolicy{
		workRoot: root,
		allowed:  allowed,
		logger:   log.WithFields(zap.String("component", "security-policy")),
	}, nil
}

// Check validates one tool invocation.
func (p *SecurityPolicy) Check(tool string, input map[string]any) CheckResult {
	if tool == agentcli.ToolBash {
		cmd, _ := input["command"].(string)
		warnings := p.scanCommand(cmd)
		for _, w := range warnings {
			p.logger.Warn("shell command references restricted path",
				zap.String("fragment", w),
				zap.String("command", cmd))
		}
		return CheckResult{Allowed: true, Warnings: warnings}
	}

	if !agentcli.FileTools[tool] {
		return CheckResult{Allowed: true}
	}

	path := fileToolPath(input)
	if path == "" {
		// Nothing to validate; the tool operates on the working directory.
		return CheckResult{Allowed: true}
	}

	resolved := p.resolve(path)
	for _, dir := range p.allowed {
		if within(dir, resolved) {
			return CheckResult{Allowed: true, Path: resolved}
		}
	}
	return CheckResult{Allowed: false, Path: resolved}
}

// fileToolPath extracts the target path from a file tool's input.
func fileToolPath(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// resolve produces an absolute cleaned path with symlinks in the deepest
// existing ancestor resolved, so a link cannot smuggle access outside the
// allow-list.
func (p *SecurityPolicy) resolve(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.workRoot, path)
	}
	path = filepath.Clean(path)

	probe := path
	for {
		if resolved, err := filepath.EvalSymlinks(probe); err == nil {
			if probe == path {
				return resolved
			}
			rel, err := filepath.Rel(probe, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return path
		}
		probe = parent
	}
}

// scanCommand finds path fragments in a shell command that point outside the
// allow-list. Advisory only.
func (p *SecurityPolicy) scanCommand(cmd string) []string {
	var warnings []string
	for _, token := range strings.Fields(cmd) {
		token = strings.Trim(token, `"'`)
		if hasParentComponent(token) {
			warnings = append(warnings, token)
			continue
		}
		if !strings.HasPrefix(token, "/") {
			continue
		}
		clean := filepath.Clean(token)
		inside := false
		for _, dir := range p.allowed {
			if within(dir, clean) {
				inside = true
				break
			}
		}
		if !inside {
			warnings = append(warnings, token)
		}
	}
	return warnings
}

// hasParentComponent reports whether token contains a ".." path component.
// A bare ".." must stand alone between separators; wildcard spellings like
// "./..." are not traversals.
func hasParentComponent(token string) bool {
	for _, part := range strings.Split(token, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// within reports whether path is dir or lives under it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
