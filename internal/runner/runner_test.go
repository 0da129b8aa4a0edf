package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedExecutor fails the first failN calls of each command and records every call.
type scriptedExecutor struct {
	mu     sync.Mutex
	failN  map[string]int
	calls  map[string]int
	stderr string
	order  []string
}

func newScriptedExecutor(failN map[string]int) *scriptedExecutor {
	return &scriptedExecutor{failN: failN, calls: make(map[string]int)}
}

func (e *scriptedExecutor) Execute(_ context.Context, cmd Command) (ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := cmd.String()
	e.calls[key]++
	e.order = append(e.order, key)

	if n, ok := e.failN[key]; ok && (n < 0 || e.calls[key] <= n) {
		return ExecResult{ExitCode: 1, Stderr: e.stderr}, errors.New("exit status 1")
	}
	return ExecResult{Stdout: "ok:" + key}, nil
}

func (e *scriptedExecutor) count(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[key]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = time.Millisecond
	cfg.Timeout = time.Second
	return cfg
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	exec := newScriptedExecutor(nil)
	r := New(zaptest.NewLogger(t), testConfig(), WithExecutor(exec))

	out, err := r.Run(context.Background(), NewCommand("git", "status"), Options{})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "ok:git status", out.Stdout)
	assert.Empty(t, out.Remediation)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	exec := newScriptedExecutor(map[string]int{"npm test": 2})
	r := New(zaptest.NewLogger(t), testConfig(), WithExecutor(exec))

	out, err := r.Run(context.Background(), NewCommand("npm", "test"), Options{Retries: 3})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, exec.count("npm test"))
}

func TestRunNonCriticalAlwaysFailing(t *testing.T) {
	exec := newScriptedExecutor(map[string]int{"make build": -1})
	r := New(zaptest.NewLogger(t), testConfig(), WithExecutor(exec), WithRemediations())

	out, err := r.Run(context.Background(), NewCommand("make", "build"), Options{Retries: 3}.WithAutoFix(false))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Empty(t, out.Stdout)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, exec.count("make build"))
}

func TestRunAutoFixRetriesOnce(t *testing.T) {
	exec := newScriptedExecutor(map[string]int{"make build": -1})
	r := New(zaptest.NewLogger(t), testConfig(), WithExecutor(exec))

	out, err := r.Run(context.Background(), NewCommand("make", "build").In(t.TempDir()), Options{Retries: 3})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "generic-clean", out.Remediation)
	assert.Equal(t, 4, out.Attempts, "three retries plus one post-fix attempt")
	assert.LessOrEqual(t, exec.count("make build"), 4)
}

func TestRunAutoFixRecovers(t *testing.T) {
	dir := t.TempDir()
	exec := newScriptedExecutor(map[string]int{"pip install requests": 2})
	r := New(zaptest.NewLogger(t), testConfig(), WithExecutor(exec))

	out, err := r.Run(context.Background(), NewCommand("pip", "install", "requests").In(dir), Options{Retries: 2})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "pip-reinstall", out.Remediation)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 1, exec.count("python3 -m ensurepip --upgrade"))
}

func TestRemediationAppliedOncePerTracker(t *testing.T) {
	dir := t.TempDir()
	exec := newScriptedExecutor(map[string]int{"pytest -q": -1})
	tracker := NewRemediationTracker()
	r := New(zaptest.NewLogger(t), testConfig(), WithExecutor(exec), WithTracker(tracker))

	for i := 0; i < 3; i++ {
		out, err := r.Run(context.Background(), NewCommand("pytest", "-q").In(dir), Options{Retries: 1})
		require.NoError(t, err)
		assert.False(t, out.Success)
	}

	assert.Equal(t, 1, tracker.Count("pytest-install"))
	assert.Equal(t, 1, exec.count("python3 -m pip install pytest"))
	// 3 runs x 1 attempt, plus a single post-fix attempt on the first run.
	assert.Equal(t, 4, exec.count("pytest -q"))
}

func TestRunCriticalFailureIsFatal(t *testing.T) {
	exec := newScriptedExecutor(map[string]int{"git push origin main": -1})
	r := New(zaptest.NewLogger(t), testConfig(), WithExecutor(exec))

	out, err := r.Run(context.Background(), NewCommand("git", "push", "origin", "main"), Options{Retries: 2, Critical: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.False(t, out.Success)
	assert.Equal(t, 2, out.Attempts)
	assert.Empty(t, out.Remediation, "critical commands are never auto-fixed")
	assert.Empty(t, r.Tracker().Applied())
}

func TestRunCancelledContext(t *testing.T) {
	exec := newScriptedExecutor(map[string]int{"sleep": -1})
	cfg := testConfig()
	cfg.Backoff = time.Hour
	r := New(zaptest.NewLogger(t), cfg, WithExecutor(exec))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := r.Run(ctx, NewCommand("sleep"), Options{Retries: 5})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindTransient, apperrors.KindOf(err))
	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
}

func TestRetryBoundProperty(t *testing.T) {
	for retries := 1; retries <= 5; retries++ {
		exec := newScriptedExecutor(map[string]int{"false": -1})
		r := New(zaptest.NewLogger(t), testConfig(), WithExecutor(exec), WithRemediations())

		out, err := r.Run(context.Background(), NewCommand("false"), Options{Retries: retries})
		require.NoError(t, err)
		assert.LessOrEqual(t, exec.count("false"), retries)
		assert.Equal(t, retries, out.Attempts)
	}
}

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, time.Duration(0), Backoff(base, 0))
	assert.Equal(t, 5*time.Second, Backoff(base, 1))
	assert.Equal(t, 10*time.Second, Backoff(base, 2))
	assert.Equal(t, 20*time.Second, Backoff(base, 3))
	assert.Equal(t, time.Duration(0), Backoff(0, 3))
}

func TestStaleLockRemediation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	lock := filepath.Join(dir, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lock, nil, 0o644))

	exec := newScriptedExecutor(map[string]int{"git commit -m x": 1})
	exec.stderr = "fatal: Unable to create '.git/index.lock': File exists."
	r := New(zaptest.NewLogger(t), testConfig(), WithExecutor(exec))

	out, err := r.Run(context.Background(), NewCommand("git", "commit", "-m", "x").In(dir), Options{Retries: 1})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "stale-git-lock", out.Remediation)
	assert.NoFileExists(t, lock)
}

func TestRemediationSelectionByPriority(t *testing.T) {
	rems := DefaultRemediations(zaptest.NewLogger(t), Toolchain{})
	pick := func(cmd Command, stderr string) string {
		var best Remediation
		for _, r := range rems {
			if r.Matches(cmd, stderr) && (best == nil || r.Priority() > best.Priority()) {
				best = r
			}
		}
		return best.Key()
	}

	assert.Equal(t, "git-config", pick(NewCommand("git", "push"), ""))
	assert.Equal(t, "pytest-install", pick(NewCommand("python3", "-m", "pytest"), ""))
	assert.Equal(t, "pip-reinstall", pick(NewCommand("python3", "app.py"), "ModuleNotFoundError: No module named 'x'"))
	assert.Equal(t, "node-reinstall", pick(NewCommand("npm", "run", "build"), ""))
	assert.Equal(t, "generic-clean", pick(NewCommand("make"), ""))
}

func TestProcessExecutor(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	e := NewProcessExecutor()

	res, err := e.Execute(context.Background(), NewCommand("/bin/sh", "-c", "echo hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	res, err = e.Execute(context.Background(), NewCommand("/bin/sh", "-c", "echo boom >&2; exit 3"))
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "boom")
	assert.Empty(t, e.Running())
}

func TestEmergencyStopKillsTrackedProcesses(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	cfg := testConfig()
	cfg.Backoff = 10 * time.Millisecond
	r := New(zaptest.NewLogger(t), cfg)
	opts := Options{Retries: 3, Timeout: 30 * time.Second}

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := r.Run(context.Background(), NewCommand("/bin/sh", "-c", "sleep 30"), opts)
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool { return len(r.Running()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.EmergencyStop())

	select {
	case res := <-done:
		assert.False(t, res.out.Success)
		assert.Equal(t, 1, res.out.Attempts, "a killed command is not started again")
		assert.ErrorIs(t, res.err, ErrEmergencyStop)
	case <-time.After(5 * time.Second):
		t.Fatal("command was not killed")
	}
	assert.Empty(t, r.Running())
}

// blockingExecutor blocks "sleep" until its context ends and runs anything else instantly.
type blockingExecutor struct {
	calls   atomic.Int32
	started chan struct{}
}

func (e *blockingExecutor) Execute(ctx context.Context, cmd Command) (ExecResult, error) {
	if cmd.Name != "sleep" {
		return ExecResult{Stdout: "ok"}, nil
	}
	e.calls.Add(1)
	select {
	case e.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ExecResult{ExitCode: -1, Stderr: "killed"}, ctx.Err()
}

func TestEmergencyStopCancelsRetriesAndAutoFix(t *testing.T) {
	exec := &blockingExecutor{started: make(chan struct{}, 1)}
	cfg := testConfig()
	cfg.Backoff = 10 * time.Millisecond
	r := New(zaptest.NewLogger(t), cfg, WithExecutor(exec))

	go func() {
		<-exec.started
		r.EmergencyStop()
	}()

	out, err := r.Run(context.Background(), NewCommand("sleep", "1"), Options{Retries: 3}.WithAutoFix(true))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmergencyStop)
	assert.Equal(t, apperrors.KindTransient, apperrors.KindOf(err))
	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), exec.calls.Load())
	assert.Empty(t, out.Remediation)
	assert.Empty(t, r.Tracker().Applied())

	// Later runs are not affected by the earlier stop.
	out, err = r.Run(context.Background(), NewCommand("true"), Options{})
	require.NoError(t, err)
	assert.True(t, out.Success)
}
