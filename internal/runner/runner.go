// Package runner executes external commands with bounded retries, exponential
// backoff and a one-shot pattern-matched auto-fix.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/metrics"
	"go.uber.org/zap"
)

// ErrEmergencyStop is the cause of runs cancelled by EmergencyStop.
var ErrEmergencyStop = errors.New("emergency stop")

// Config holds runner defaults applied to zero-valued Options.
type Config struct {
	Retries   int           `mapstructure:"retries" yaml:"retries" json:"retries"`
	Backoff   time.Duration `mapstructure:"backoff" yaml:"backoff" json:"backoff"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	AutoFix   bool          `mapstructure:"auto_fix" yaml:"auto_fix" json:"auto_fix"`
	Toolchain Toolchain     `mapstructure:"toolchain" yaml:"toolchain" json:"toolchain"`
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		Retries: 3,
		Backoff: 5 * time.Second,
		Timeout: 300 * time.Second,
		AutoFix: true,
		Toolchain: Toolchain{
			Python: "python3",
		},
	}
}

// Options tune one Run call. Zero durations and retries fall back to Config.
type Options struct {
	Retries  int
	Backoff  time.Duration
	Timeout  time.Duration
	Critical bool
	// AutoFix is tri-state: nil means use the configured default.
	AutoFix *bool
}

// WithAutoFix returns a copy of o with auto-fix forced on or off.
func (o Options) WithAutoFix(enabled bool) Options {
	o.AutoFix = &enabled
	return o
}

// Outcome reports how a Run ended.
type Outcome struct {
	Success     bool          `json:"success"`
	Stdout      string        `json:"stdout,omitempty"`
	Stderr      string        `json:"stderr,omitempty"`
	Attempts    int           `json:"attempts"`
	Remediation string        `json:"remediation,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Stats are cumulative runner counters.
type Stats struct {
	Runs         uint64   `json:"runs"`
	Failures     uint64   `json:"failures"`
	Attempts     uint64   `json:"attempts"`
	Remediations []string `json:"remediations"`
}

// Runner runs commands. It is safe for concurrent use.
type Runner struct {
	logger       *zap.Logger
	config       Config
	executor     Executor
	tracker      *RemediationTracker
	remediations []Remediation
	metrics      *metrics.Metrics

	runs     atomic.Uint64
	failures atomic.Uint64
	attempts atomic.Uint64

	mu     sync.Mutex
	nextID uint64
	active map[uint64]context.CancelCauseFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor replaces the process executor.
func WithExecutor(e Executor) Option {
	return func(r *Runner) { r.executor = e }
}

// WithTracker shares a remediation tracker between runners.
func WithTracker(t *RemediationTracker) Option {
	return func(r *Runner) { r.tracker = t }
}

// WithRemediations replaces the default remediation set.
func WithRemediations(rs ...Remediation) Option {
	return func(r *Runner) { r.remediations = append([]Remediation{}, rs...) }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New creates a runner.
func New(logger *zap.Logger, config Config, opts ...Option) *Runner {
	r := &Runner{
		logger: logger,
		config: config,
		active: make(map[uint64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.executor == nil {
		r.executor = NewProcessExecutor()
	}
	if r.tracker == nil {
		r.tracker = NewRemediationTracker()
	}
	if r.remediations == nil {
		r.remediations = DefaultRemediations(logger, config.Toolchain)
	}
	return r
}

// Tracker returns the remediation tracker.
func (r *Runner) Tracker() *RemediationTracker {
	return r.tracker
}

// Run executes cmd. A failed non-critical command returns Outcome{Success: false}
// and a nil error. A failed critical command returns a fatal error. A cancelled
// context, including one cancelled by EmergencyStop, is returned as a transient
// error and is never retried or auto-fixed.
func (r *Runner) Run(ctx context.Context, cmd Command, opts Options) (Outcome, error) {
	ctx, release := r.track(ctx)
	defer release()

	opts = r.withDefaults(opts)
	start := time.Now()
	r.runs.Add(1)
	defer func() { r.metrics.CommandFinished(cmd.Name, time.Since(start)) }()

	out := Outcome{}
	last, err := r.retryLoop(ctx, cmd, opts, &out)
	if err == nil {
		out.Success = true
		out.Stdout = last.Stdout
		out.Duration = time.Since(start)
		return out, nil
	}

	if ctx.Err() != nil {
		out.Duration = time.Since(start)
		out.Stderr = tail(last.Stderr, 2048)
		r.failures.Add(1)
		return out, apperrors.Transient(cmd.String(), context.Cause(ctx))
	}

	if *opts.AutoFix && !opts.Critical {
		if key, ok := r.remediate(ctx, cmd, last.Stderr); ok {
			out.Remediation = key
			res, err := r.attempt(ctx, cmd, opts, out.Attempts+1, out.Attempts+1)
			out.Attempts++
			if err == nil {
				r.logger.Info("Command succeeded after auto-fix",
					zap.String("command", cmd.String()),
					zap.String("remediation", key),
				)
				out.Success = true
				out.Stdout = res.Stdout
				out.Duration = time.Since(start)
				return out, nil
			}
			last = res
		}
	}

	out.Stderr = tail(last.Stderr, 2048)
	out.Duration = time.Since(start)
	r.failures.Add(1)

	if opts.Critical {
		r.logger.Error("Critical command failed",
			zap.String("command", cmd.String()),
			zap.Int("attempts", out.Attempts),
			zap.Error(err),
		)
		return out, apperrors.Fatal(cmd.String(), err)
	}

	r.logger.Warn("Command failed, continuing",
		zap.String("command", cmd.String()),
		zap.Int("attempts", out.Attempts),
		zap.Error(err),
	)
	return out, nil
}

// retryLoop runs up to opts.Retries attempts with exponential backoff.
func (r *Runner) retryLoop(ctx context.Context, cmd Command, opts Options, out *Outcome) (ExecResult, error) {
	attempts := opts.Retries
	if attempts < 1 {
		attempts = 1
	}

	var (
		last    ExecResult
		lastErr error
	)

	retrier := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.DelayType(func(_ uint, _ error, _ retry.DelayContext) time.Duration {
			return Backoff(opts.Backoff, out.Attempts)
		}),
	)

	err := retrier.Do(func() error {
		out.Attempts++
		res, err := r.attempt(ctx, cmd, opts, out.Attempts, attempts)
		last, lastErr = res, err
		if err != nil && ctx.Err() != nil {
			return retry.Unrecoverable(err)
		}
		return err
	})
	if err != nil && lastErr != nil {
		// retry-go aggregates every attempt; the last one is what callers act on.
		return last, lastErr
	}
	return last, err
}

// attempt runs cmd once under the per-attempt timeout.
func (r *Runner) attempt(ctx context.Context, cmd Command, opts Options, n, max int) (ExecResult, error) {
	r.attempts.Add(1)

	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	r.logger.Debug("Running command",
		zap.String("command", cmd.String()),
		zap.String("dir", cmd.Dir),
		zap.Int("attempt", n),
		zap.Int("max_attempts", max),
	)

	res, err := r.executor.Execute(attemptCtx, cmd)
	r.metrics.CommandAttempt(cmd.Name, err == nil)
	if err != nil {
		r.logger.Warn("Command attempt failed",
			zap.String("command", cmd.String()),
			zap.Int("attempt", n),
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", tail(res.Stderr, 512)),
			zap.Error(err),
		)
	}
	return res, err
}

// remediate applies the highest-priority matching remediation that has not
// run before. It reports the key and whether a remediation was attempted.
func (r *Runner) remediate(ctx context.Context, cmd Command, stderr string) (string, bool) {
	var best Remediation
	for _, rem := range r.remediations {
		if !rem.Matches(cmd, stderr) {
			continue
		}
		if best == nil || rem.Priority() > best.Priority() {
			best = rem
		}
	}
	if best == nil {
		return "", false
	}

	key := best.Key()
	if !r.tracker.TryAcquire(key) {
		r.logger.Debug("Remediation already applied, skipping",
			zap.String("command", cmd.String()),
			zap.String("remediation", key),
		)
		return "", false
	}

	r.logger.Info("Applying auto-fix",
		zap.String("command", cmd.String()),
		zap.String("remediation", key),
	)

	fixCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	err := best.Apply(fixCtx, r.executor, cmd)
	r.metrics.Remediation(key, err == nil)
	if err != nil {
		r.logger.Warn("Auto-fix failed", zap.String("remediation", key), zap.Error(err))
	}
	return key, true
}

// track derives a context that EmergencyStop can cancel.
func (r *Runner) track(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.active[id] = cancel
	r.mu.Unlock()

	return runCtx, func() {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
		cancel(nil)
	}
}

// EmergencyStop cancels every in-flight Run and kills every subprocess started
// by the process executor. Runs started afterwards are unaffected. It returns
// the number of processes killed.
func (r *Runner) EmergencyStop() int {
	r.mu.Lock()
	cancelled := len(r.active)
	for _, cancel := range r.active {
		cancel(ErrEmergencyStop)
	}
	r.mu.Unlock()

	killed := 0
	if pe, ok := r.executor.(*ProcessExecutor); ok {
		killed = pe.KillAll()
	}
	r.logger.Warn("Emergency stop", zap.Int("cancelled_runs", cancelled), zap.Int("killed", killed))
	return killed
}

// Running lists subprocesses currently started by the runner.
func (r *Runner) Running() []ProcessInfo {
	if pe, ok := r.executor.(*ProcessExecutor); ok {
		return pe.Running()
	}
	return nil
}

// Stats returns cumulative counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Runs:         r.runs.Load(),
		Failures:     r.failures.Load(),
		Attempts:     r.attempts.Load(),
		Remediations: r.tracker.Applied(),
	}
}

func (r *Runner) withDefaults(opts Options) Options {
	if opts.Retries == 0 {
		opts.Retries = r.config.Retries
	}
	if opts.Backoff == 0 {
		opts.Backoff = r.config.Backoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = r.config.Timeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.AutoFix == nil {
		enabled := r.config.AutoFix
		opts.AutoFix = &enabled
	}
	return opts
}

// Backoff returns the delay after the given number of failed attempts:
// base, 2*base, 4*base, ...
func Backoff(base time.Duration, failed int) time.Duration {
	if base <= 0 || failed < 1 {
		return 0
	}
	shift := failed - 1
	if shift > 16 {
		shift = 16
	}
	return base * time.Duration(1<<uint(shift))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// String renders an outcome for CLI output.
func (o Outcome) String() string {
	status := "ok"
	if !o.Success {
		status = "failed"
	}
	s := fmt.Sprintf("%s after %d attempt(s) in %s", status, o.Attempts, o.Duration.Round(time.Millisecond))
	if o.Remediation != "" {
		s += fmt.Sprintf(" (auto-fix: %s)", o.Remediation)
	}
	return s
}
