// Package deployment snapshots the workspace, pushes it with numbered commits
// and deploys it to hosting providers.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/runner"
	"github.com/qmoi/qmoi-ops/internal/storage"
	"go.uber.org/zap"
)

// CommandRunner runs one command with retry and optional auto-fix.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command, opts runner.Options) (runner.Outcome, error)
}

// Notifier sends a typed notification.
type Notifier interface {
	Notify(ctx context.Context, notificationType string, data map[string]any) bool
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, kind, id string, success bool, duration time.Duration, summary any) error
}

// Step is one pre-push command.
type Step struct {
	Name     string   `mapstructure:"name" yaml:"name" json:"name"`
	Command  []string `mapstructure:"command" yaml:"command" json:"command"`
	Critical bool     `mapstructure:"critical" yaml:"critical" json:"critical"`
}

// PushConfig configures the push pipeline.
type PushConfig struct {
	Dir          string        `mapstructure:"dir" yaml:"dir" json:"dir"`
	Remote       string        `mapstructure:"remote" yaml:"remote" json:"remote"`
	Branch       string        `mapstructure:"branch" yaml:"branch" json:"branch"`
	Message      string        `mapstructure:"message" yaml:"message" json:"message"`
	Force        bool          `mapstructure:"force" yaml:"force" json:"force"`
	SkipBackup   bool          `mapstructure:"skip_backup" yaml:"skip_backup" json:"skip_backup"`
	BackupDir    string        `mapstructure:"backup_dir" yaml:"backup_dir" json:"backup_dir"`
	CounterFile  string        `mapstructure:"counter_file" yaml:"counter_file" json:"counter_file"`
	StaleLockAge time.Duration `mapstructure:"stale_lock_age" yaml:"stale_lock_age" json:"stale_lock_age"`
	Steps        []Step        `mapstructure:"steps" yaml:"steps" json:"steps"`
}

// DefaultPushConfig mirrors the workspace sync script: every preparation step
// is best effort.
func DefaultPushConfig() PushConfig {
	return PushConfig{
		Dir:          ".",
		Remote:       "origin",
		Message:      "workspace sync",
		BackupDir:    ".push_backups",
		CounterFile:  ".push_counter",
		StaleLockAge: time.Minute,
		Steps: []Step{
			{Name: "clean", Command: []string{"npm", "cache", "verify"}},
			{Name: "setup-env", Command: []string{"python", "-m", "pip", "install", "--upgrade", "pip"}},
			{Name: "install-deps", Command: []string{"npm", "install"}},
			{Name: "test", Command: []string{"npm", "test", "--if-present"}},
			{Name: "build", Command: []string{"npm", "run", "build", "--if-present"}},
		},
	}
}

// StepResult reports one executed step.
type StepResult struct {
	Name        string        `json:"name"`
	Command     string        `json:"command"`
	Critical    bool          `json:"critical"`
	Success     bool          `json:"success"`
	Attempts    int           `json:"attempts"`
	Remediation string        `json:"remediation,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// PushResult is the outcome of one pipeline run.
type PushResult struct {
	ID        string        `json:"id"`
	Number    int           `json:"number,omitempty"`
	Message   string        `json:"message,omitempty"`
	Branch    string        `json:"branch,omitempty"`
	Backup    *BackupResult `json:"backup,omitempty"`
	Steps     []StepResult  `json:"steps"`
	NoChanges bool          `json:"no_changes"`
	Pushed    bool          `json:"pushed"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Failed lists the names of failed steps.
func (r *PushResult) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if !s.Success {
			names = append(names, s.Name)
		}
	}
	return names
}

// hooks are the collaborators shared by PushPipeline and Deployer.
type hooks struct {
	uploader storage.Uploader
	notifier Notifier
	recorder RunRecorder
	now      func() time.Time
}

// Option configures a PushPipeline or Deployer.
type Option func(*hooks)

// WithUploader uploads each backup archive.
func WithUploader(u storage.Uploader) Option {
	return func(h *hooks) { h.uploader = u }
}

// WithNotifier reports results as deployment_status notifications.
func WithNotifier(n Notifier) Option {
	return func(h *hooks) { h.notifier = n }
}

// WithRecorder stores results in the run history.
func WithRecorder(r RunRecorder) Option {
	return func(h *hooks) { h.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *hooks) { h.now = now }
}

func newHooks(opts []Option) hooks {
	h := hooks{now: time.Now}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// PushPipeline backs up, prepares, commits and pushes a workspace.
type PushPipeline struct {
	hooks
	logger *zap.Logger
	config PushConfig
	runner CommandRunner
}

// NewPushPipeline creates a pipeline.
func NewPushPipeline(logger *zap.Logger, config PushConfig, r CommandRunner, opts ...Option) *PushPipeline {
	def := DefaultPushConfig()
	if config.Dir == "" {
		config.Dir = def.Dir
	}
	if config.Remote == "" {
		config.Remote = def.Remote
	}
	if config.Message == "" {
		config.Message = def.Message
	}
	if config.BackupDir == "" {
		config.BackupDir = def.BackupDir
	}
	if config.CounterFile == "" {
		config.CounterFile = def.CounterFile
	}
	return &PushPipeline{
		hooks:  newHooks(opts),
		logger: logger,
		config: config,
		runner: r,
	}
}

func (p *PushPipeline) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(p.config.Dir, name)
}

// Run executes the pipeline. Failed non-critical steps are reported in the
// result and the pipeline continues; a failed critical step, backup or git
// operation returns a fatal error.
func (p *PushPipeline) Run(ctx context.Context) (*PushResult, error) {
	res := &PushResult{ID: uuid.NewString(), StartedAt: p.now()}
	start := time.Now()

	err := p.run(ctx, res)
	res.Duration = time.Since(start)
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
	}

	p.report(ctx, res)
	return res, err
}

func (p *PushPipeline) run(ctx context.Context, res *PushResult) error {
	p.logger.Info("Starting push pipeline", zap.String("dir", p.config.Dir))

	if !p.config.SkipBackup {
		b, err := Backup(ctx, p.config.Dir, p.path(p.config.BackupDir), p.now(), nil)
		if err != nil {
			return apperrors.Fatal("push.backup", err)
		}
		if p.uploader != nil {
			loc, err := p.uploader.Upload(ctx, filepath.Base(b.Path), b.Path)
			if err != nil {
				p.logger.Warn("Backup upload failed", zap.Error(err))
			}
			b.Location = loc
		}
		res.Backup = &b
		p.logger.Info("Workspace backed up",
			zap.String("path", b.Path),
			zap.Int("files", b.Files),
		)
	}

	for _, step := range p.config.Steps {
		if len(step.Command) == 0 {
			continue
		}
		if _, err := p.step(ctx, res, step.Name, runner.NewCommand(step.Command...), step.Critical); err != nil {
			return err
		}
	}

	if _, err := os.Stat(p.path(".git")); err != nil {
		return apperrors.Fatalf("push", "no git repository in %s", p.config.Dir)
	}
	if err := p.removeStaleLock(); err != nil {
		return apperrors.Fatal("push.lock", err)
	}

	branch := p.config.Branch
	if branch == "" {
		out, err := p.step(ctx, res, "git-branch", runner.NewCommand("git", "rev-parse", "--abbrev-ref", "HEAD"), true)
		if err != nil {
			return err
		}
		branch = strings.TrimSpace(out)
	}
	res.Branch = branch

	if _, err := p.step(ctx, res, "git-add", runner.NewCommand("git", "add", "-A"), true); err != nil {
		return err
	}
	status, err := p.step(ctx, res, "git-status", runner.NewCommand("git", "status", "--porcelain"), true)
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		p.logger.Info("No changes to commit")
		res.NoChanges = true
		return nil
	}

	n := p.readCounter() + 1
	res.Number = n
	res.Message = fmt.Sprintf("push %d: %s", n, p.config.Message)

	if _, err := p.step(ctx, res, "git-commit", runner.NewCommand("git", "commit", "-m", res.Message), true); err != nil {
		return err
	}

	pushArgs := []string{"git", "push", p.config.Remote, "HEAD:" + branch}
	if p.config.Force {
		pushArgs = append(pushArgs, "--force")
	}
	if _, err := p.step(ctx, res, "git-push", runner.NewCommand(pushArgs...), true); err != nil {
		// Undo the local commit so the next run reuses the number.
		p.step(ctx, res, "git-reset", runner.NewCommand("git", "reset", "--soft", "HEAD~1"), false)
		return err
	}

	res.Pushed = true
	if err := p.writeCounter(n); err != nil {
		p.logger.Warn("Failed to update push counter", zap.Error(err))
	}
	p.logger.Info("Push complete",
		zap.String("message", res.Message),
		zap.String("branch", branch),
	)
	return nil
}

// step runs cmd in the workspace, appends its result and returns stdout.
func (p *PushPipeline) step(ctx context.Context, res *PushResult, name string, cmd runner.Command, critical bool) (string, error) {
	cmd = cmd.In(p.config.Dir)
	out, err := p.runner.Run(ctx, cmd, runner.Options{Critical: critical})
	sr := StepResult{
		Name:        name,
		Command:     cmd.String(),
		Critical:    critical,
		Success:     out.Success,
		Attempts:    out.Attempts,
		Remediation: out.Remediation,
		Duration:    out.Duration,
	}
	if !out.Success {
		sr.Error = strings.TrimSpace(out.Stderr)
		if err != nil && sr.Error == "" {
			sr.Error = err.Error()
		}
	}
	res.Steps = append(res.Steps, sr)
	return out.Stdout, err
}

// removeStaleLock deletes .git/index.lock when it is older than StaleLockAge.
func (p *PushPipeline) removeStaleLock() error {
	lock := p.path(filepath.Join(".git", "index.lock"))
	info, err := os.Stat(lock)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	age := p.now().Sub(info.ModTime())
	if age < p.config.StaleLockAge {
		return fmt.Errorf("git index lock is held (age %s)", age.Round(time.Second))
	}
	if err := os.Remove(lock); err != nil {
		return err
	}
	p.logger.Info("Removed stale git lock", zap.String("path", lock), zap.Duration("age", age))
	return nil
}

func (p *PushPipeline) readCounter() int {
	data, err := os.ReadFile(p.path(p.config.CounterFile))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (p *PushPipeline) writeCounter(n int) error {
	return os.WriteFile(p.path(p.config.CounterFile), []byte(strconv.Itoa(n)), 0o644)
}

func (p *PushPipeline) report(ctx context.Context, res *PushResult) {
	if p.recorder != nil {
		if err := p.recorder.RecordRun(ctx, "push", res.ID, res.Success, res.Duration, res); err != nil {
			p.logger.Warn("Failed to record push run", zap.Error(err))
		}
	}
	if p.notifier == nil {
		return
	}
	status := "succeeded"
	switch {
	case !res.Success:
		status = "failed"
	case res.NoChanges:
		status = "unchanged"
	}
	data := map[string]any{
		"status":   status,
		"provider": "git",
		"branch":   res.Branch,
		"message":  res.Message,
		"failed":   res.Failed(),
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	p.notifier.Notify(ctx, "deployment_status", data)
}
