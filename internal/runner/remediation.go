package runner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// RemediationTracker remembers which remediations already ran so each key is
// applied at most once for the tracker's lifetime.
type RemediationTracker struct {
	mu      sync.Mutex
	applied map[string]int
}

// NewRemediationTracker creates an empty tracker.
func NewRemediationTracker() *RemediationTracker {
	return &RemediationTracker{applied: make(map[string]int)}
}

// TryAcquire claims key. It returns false if key was claimed before.
func (t *RemediationTracker) TryAcquire(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.applied[key] > 0 {
		return false
	}
	t.applied[key]++
	return true
}

// Count returns how many times key was claimed (0 or 1).
func (t *RemediationTracker) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applied[key]
}

// Applied returns the claimed keys in order.
func (t *RemediationTracker) Applied() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.applied))
	for k := range t.applied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset forgets every claim.
func (t *RemediationTracker) Reset() {
	t.mu.Lock()
	t.applied = make(map[string]int)
	t.mu.Unlock()
}

// Remediation is a best-effort fix for a command that exhausted its retries.
type Remediation interface {
	Key() string
	Priority() int
	Matches(cmd Command, stderr string) bool
	Apply(ctx context.Context, exec Executor, cmd Command) error
}

// Toolchain names the interpreters the default remediations call.
type Toolchain struct {
	Python       string   `mapstructure:"python" yaml:"python" json:"python"`
	GitUserName  string   `mapstructure:"git_user_name" yaml:"git_user_name" json:"git_user_name"`
	GitUserEmail string   `mapstructure:"git_user_email" yaml:"git_user_email" json:"git_user_email"`
	NodeInstall  []string `mapstructure:"node_install" yaml:"node_install,omitempty" json:"node_install,omitempty"`
}

// DefaultRemediations returns the built-in fixes.
func DefaultRemediations(logger *zap.Logger, tc Toolchain) []Remediation {
	if tc.Python == "" {
		tc.Python = "python3"
	}
	return []Remediation{
		&staleLockRemediation{logger: logger},
		&gitConfigRemediation{logger: logger, tc: tc},
		&pytestRemediation{logger: logger, tc: tc},
		&pipRemediation{logger: logger, tc: tc},
		&nodeRemediation{logger: logger, tc: tc},
		&genericRemediation{logger: logger, tc: tc},
	}
}

// runAll runs steps in order and stops at the first failure.
func runAll(ctx context.Context, exec Executor, dir string, steps ...[]string) error {
	for _, argv := range steps {
		if _, err := exec.Execute(ctx, NewCommand(argv...).In(dir)); err != nil {
			return err
		}
	}
	return nil
}

func isTool(cmd Command, names ...string) bool {
	base := filepath.Base(cmd.Name)
	for _, n := range names {
		if base == n || strings.HasPrefix(base, n) {
			return true
		}
	}
	return false
}

// staleLockRemediation removes a leftover .git/index.lock.
type staleLockRemediation struct {
	logger *zap.Logger
}

func (r *staleLockRemediation) Key() string   { return "stale-git-lock" }
func (r *staleLockRemediation) Priority() int { return 10 }

func (r *staleLockRemediation) Matches(cmd Command, stderr string) bool {
	return isTool(cmd, "git") && strings.Contains(stderr, "index.lock")
}

func (r *staleLockRemediation) Apply(_ context.Context, _ Executor, cmd Command) error {
	lock := filepath.Join(cmd.Dir, ".git", "index.lock")
	if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", lock, err)
	}
	r.logger.Info("Removed stale git lock", zap.String("path", lock))
	return nil
}

// gitConfigRemediation resets line-ending settings and the commit identity.
type gitConfigRemediation struct {
	logger *zap.Logger
	tc     Toolchain
}

func (r *gitConfigRemediation) Key() string   { return "git-config" }
func (r *gitConfigRemediation) Priority() int { return 8 }

func (r *gitConfigRemediation) Matches(cmd Command, _ string) bool {
	return isTool(cmd, "git")
}

func (r *gitConfigRemediation) Apply(ctx context.Context, exec Executor, cmd Command) error {
	steps := [][]string{
		{"git", "config", "--global", "core.autocrlf", "false"},
		{"git", "config", "--global", "core.safecrlf", "false"},
		{"git", "config", "--global", "init.defaultBranch", "main"},
	}
	if r.tc.GitUserName != "" {
		steps = append(steps, []string{"git", "config", "--global", "user.name", r.tc.GitUserName})
	}
	if r.tc.GitUserEmail != "" {
		steps = append(steps, []string{"git", "config", "--global", "user.email", r.tc.GitUserEmail})
	}
	return runAll(ctx, exec, cmd.Dir, steps...)
}

// pytestRemediation installs pytest.
type pytestRemediation struct {
	logger *zap.Logger
	tc     Toolchain
}

func (r *pytestRemediation) Key() string   { return "pytest-install" }
func (r *pytestRemediation) Priority() int { return 7 }

func (r *pytestRemediation) Matches(cmd Command, _ string) bool {
	return strings.Contains(cmd.String(), "pytest")
}

func (r *pytestRemediation) Apply(ctx context.Context, exec Executor, cmd Command) error {
	return runAll(ctx, exec, cmd.Dir, []string{r.tc.Python, "-m", "pip", "install", "pytest"})
}

// pipRemediation reinstalls pip and setuptools.
type pipRemediation struct {
	logger *zap.Logger
	tc     Toolchain
}

func (r *pipRemediation) Key() string   { return "pip-reinstall" }
func (r *pipRemediation) Priority() int { return 6 }

func (r *pipRemediation) Matches(cmd Command, stderr string) bool {
	return strings.Contains(cmd.String(), "pip") || strings.Contains(stderr, "ModuleNotFoundError")
}

func (r *pipRemediation) Apply(ctx context.Context, exec Executor, cmd Command) error {
	return runAll(ctx, exec, cmd.Dir,
		[]string{r.tc.Python, "-m", "ensurepip", "--upgrade"},
		[]string{r.tc.Python, "-m", "pip", "install", "--upgrade", "pip", "setuptools", "wheel"},
	)
}

// nodeRemediation makes sure a node runtime exists and reinstalls packages.
type nodeRemediation struct {
	logger *zap.Logger
	tc     Toolchain
}

func (r *nodeRemediation) Key() string   { return "node-reinstall" }
func (r *nodeRemediation) Priority() int { return 5 }

func (r *nodeRemediation) Matches(cmd Command, _ string) bool {
	return isTool(cmd, "npm", "node", "npx")
}

func (r *nodeRemediation) Apply(ctx context.Context, exec Executor, cmd Command) error {
	if _, err := exec.Execute(ctx, NewCommand("node", "--version").In(cmd.Dir)); err != nil {
		if len(r.tc.NodeInstall) == 0 {
			return fmt.Errorf("node runtime missing and no installer configured: %w", err)
		}
		r.logger.Info("Installing node runtime", zap.Strings("command", r.tc.NodeInstall))
		if _, err := exec.Execute(ctx, NewCommand(r.tc.NodeInstall...).In(cmd.Dir)); err != nil {
			return fmt.Errorf("install node runtime: %w", err)
		}
	}
	if _, err := exec.Execute(ctx, NewCommand("npm", "ci").In(cmd.Dir)); err != nil {
		r.logger.Debug("npm ci failed, falling back to npm install", zap.Error(err))
		return runAll(ctx, exec, cmd.Dir, []string{"npm", "install"})
	}
	return nil
}

// genericRemediation clears python caches and reinstalls declared dependencies.
type genericRemediation struct {
	logger *zap.Logger
	tc     Toolchain
}

func (r *genericRemediation) Key() string   { return "generic-clean" }
func (r *genericRemediation) Priority() int { return 0 }

func (r *genericRemediation) Matches(Command, string) bool { return true }

func (r *genericRemediation) Apply(ctx context.Context, exec Executor, cmd Command) error {
	root := cmd.Dir
	if root == "" {
		root = "."
	}

	removed := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "node_modules":
				return filepath.SkipDir
			case "__pycache__":
				if os.RemoveAll(path) == nil {
					removed++
				}
				return filepath.SkipDir
			}
		}
		return nil
	})
	r.logger.Debug("Cleared python caches", zap.Int("dirs", removed))

	if _, err := os.Stat(filepath.Join(root, "requirements.txt")); err == nil {
		if err := runAll(ctx, exec, cmd.Dir, []string{r.tc.Python, "-m", "pip", "install", "-r", "requirements.txt"}); err != nil {
			return err
		}
	}
	if _, err := os.Stat(filepath.Join(root, "package.json")); err == nil {
		if err := runAll(ctx, exec, cmd.Dir, []string{"npm", "install"}); err != nil {
			return err
		}
	}
	return nil
}
