package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qmoi/qmoi-ops/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func platforms(names ...string) []PlatformConfig {
	out := make([]PlatformConfig, len(names))
	for i, n := range names {
		out[i] = PlatformConfig{Name: n, WorkerCount: 2, Priority: 1}
	}
	return out
}

func testConfig(t *testing.T, ps []PlatformConfig) Config {
	cfg := DefaultConfig()
	cfg.ReportDir = t.TempDir()
	cfg.Platforms = ps
	return cfg
}

func TestRunExcludesFailedPlatformFromStats(t *testing.T) {
	detected := map[string]int{"a": 2, "b": 7, "c": 5}
	work := WorkFunc(func(_ context.Context, phase string, p PlatformConfig) (PhaseResult, error) {
		if phase == PhaseDetect && p.Name == "b" {
			return PhaseResult{Detected: 99}, errors.New("api unreachable")
		}
		return PhaseResult{Detected: detected[p.Name]}, nil
	})

	o := New(zaptest.NewLogger(t), testConfig(t, platforms("a", "b", "c")), work)
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, report.Stats[StatErrorsDetected], "only a and c count")

	var failed []PhaseResult
	for _, r := range report.PerPhaseResults {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Platform)
	assert.Equal(t, PhaseDetect, failed[0].Phase)
	assert.Equal(t, "api unreachable", failed[0].Error)
	assert.Equal(t, 1, report.Stats[StatTasksFailed])
	assert.Equal(t, 2, report.Stats[StatPlatformsEnhanced])
	assert.False(t, report.Succeeded())
}

func TestRunPhaseIsolatesPanicsAndKeepsEveryEntry(t *testing.T) {
	work := WorkFunc(func(_ context.Context, _ string, p PlatformConfig) (PhaseResult, error) {
		switch p.Name {
		case "p1":
			panic("boom")
		case "p3":
			return PhaseResult{}, errors.New("bad token")
		}
		return PhaseResult{Fixed: 1}, nil
	})

	o := New(zaptest.NewLogger(t), testConfig(t, nil), work)
	ps := platforms("p0", "p1", "p2", "p3", "p4")
	results := o.RunPhase(context.Background(), PhaseFix, ps, work)

	require.Len(t, results, 5)
	ok := 0
	for i, r := range results {
		assert.Equal(t, ps[i].Name, r.Platform)
		if r.Success {
			ok++
		}
	}
	assert.Equal(t, 3, ok)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "panic: boom")
	assert.False(t, results[3].Success)
}

func TestRunPhasesAreSequential(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight = map[string]int{}
		overlap  atomic.Bool
	)
	work := WorkFunc(func(_ context.Context, phase string, _ PlatformConfig) (PhaseResult, error) {
		mu.Lock()
		inFlight[phase]++
		for other, n := range inFlight {
			if other != phase && n > 0 {
				overlap.Store(true)
			}
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight[phase]--
		mu.Unlock()
		return PhaseResult{Fixed: 1}, nil
	})

	o := New(zaptest.NewLogger(t), testConfig(t, platforms("a", "b", "c", "d")), work)
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, overlap.Load(), "a phase started before the previous one finished")
	require.Len(t, report.Phases, len(DefaultPhases()))
	for i, phase := range DefaultPhases() {
		assert.Equal(t, phase, report.Phases[i].Phase)
	}
	assert.Len(t, report.PerPhaseResults, 4*len(DefaultPhases()))
	assert.Equal(t, 100.0, report.SuccessRate)
}

func TestRunPlatformsRunConcurrently(t *testing.T) {
	var current, peak atomic.Int32
	work := WorkFunc(func(_ context.Context, _ string, _ PlatformConfig) (PhaseResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return PhaseResult{}, nil
	})

	cfg := testConfig(t, platforms("a", "b", "c"))
	cfg.Phases = []string{PhaseDetect}
	o := New(zaptest.NewLogger(t), cfg, work)
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(3), peak.Load())
}

func TestRunWritesBothReports(t *testing.T) {
	cfg := testConfig(t, DefaultPlatforms())
	o := New(zaptest.NewLogger(t), cfg, nil)

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	summary, err := ReadSummary(o.SummaryPath())
	require.NoError(t, err)
	assert.Equal(t, report.ID, summary.ID)
	assert.FileExists(t, summary.DetailedReport)

	matches, err := filepath.Glob(filepath.Join(cfg.ReportDir, cfg.Name+"-report-*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// Pattern work over the default table.
	assert.Equal(t, 23, report.Stats[StatErrorsDetected])
	assert.Equal(t, 7, report.Stats[StatEvolutionsApplied])
	assert.Equal(t, 7, report.Stats[StatPlatformsEnhanced])
	assert.Equal(t, 35, report.Stats[StatTasksCompleted])
	assert.Equal(t, []string{"github", "gitlab", "huggingface", "quantum", "gitpod", "vercel", "netlify"}, report.Platforms)
}

func TestRunWritesReportsWhenEveryTaskFails(t *testing.T) {
	work := WorkFunc(func(context.Context, string, PlatformConfig) (PhaseResult, error) {
		return PhaseResult{}, errors.New("down")
	})
	cfg := testConfig(t, platforms("a", "b"))
	o := New(zaptest.NewLogger(t), cfg, work)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.SuccessRate)
	assert.Equal(t, 0, report.Stats[StatPlatformsEnhanced])
	assert.FileExists(t, o.SummaryPath())
}

func TestRunCancelledStopsLaunchingPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	work := WorkFunc(func(_ context.Context, phase string, _ PlatformConfig) (PhaseResult, error) {
		if phase == PhaseFix {
			cancel()
		}
		return PhaseResult{}, nil
	})

	o := New(zaptest.NewLogger(t), testConfig(t, platforms("a")), work)
	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Len(t, report.Phases, 2)
	assert.FileExists(t, o.SummaryPath())
}

func TestRunRejectsEmptyPlatforms(t *testing.T) {
	o := New(zaptest.NewLogger(t), testConfig(t, []PlatformConfig{}), nil)
	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoPlatforms)
}

func TestPatternWorkFix(t *testing.T) {
	w := NewPatternWork(nil)
	p := PlatformConfig{Name: "x", WorkerCount: 2, ErrorPatterns: []string{"auth_error", "rate_limit", "cosmic_ray"}}

	res, err := w.Run(context.Background(), PhaseFix, p)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Detected)
	assert.Equal(t, 2, res.Fixed)

	_, err = w.Run(context.Background(), "teleport", p)
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

type recorder struct {
	kind    string
	success bool
}

func (r *recorder) RecordRun(_ context.Context, kind, _ string, success bool, _ time.Duration, _ any) error {
	r.kind, r.success = kind, success
	return nil
}

func TestRunRecordsHistory(t *testing.T) {
	rec := &recorder{}
	o := New(zaptest.NewLogger(t), testConfig(t, platforms("a")), nil, WithRecorder(rec))

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "orchestrate", rec.kind)
	assert.True(t, rec.success)
}

func TestCommandWorkUsesRunner(t *testing.T) {
	var calls sync.Map
	exec := runner.ExecutorFunc(func(_ context.Context, cmd runner.Command) (runner.ExecResult, error) {
		calls.Store(cmd.String(), true)
		if cmd.String() == "deploy-check b" {
			return runner.ExecResult{ExitCode: 1}, errors.New("exit status 1")
		}
		return runner.ExecResult{}, nil
	})
	rcfg := runner.DefaultConfig()
	rcfg.Retries = 1
	rcfg.AutoFix = false
	r := runner.New(zaptest.NewLogger(t), rcfg, runner.WithExecutor(exec))

	work := NewCommandWork(zaptest.NewLogger(t), r, t.TempDir(), map[string][]string{
		PhaseDetect: {"deploy-check", "{platform}"},
	})
	cfg := testConfig(t, platforms("a", "b"))
	cfg.Phases = []string{PhaseDetect, PhaseEvolve}
	o := New(zaptest.NewLogger(t), cfg, work)

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	_, ranA := calls.Load("deploy-check a")
	assert.True(t, ranA)
	assert.Equal(t, 1, report.Stats[StatErrorsDetected])
	assert.Equal(t, 1, report.Stats[StatTasksFailed])
	assert.Equal(t, 2, report.Stats[StatEvolutionsApplied], "evolve falls back to pattern work")
}

func TestRunContinuousStopsOnCancel(t *testing.T) {
	var runs atomic.Int32
	work := WorkFunc(func(context.Context, string, PlatformConfig) (PhaseResult, error) {
		return PhaseResult{}, nil
	})
	cfg := testConfig(t, platforms("a"))
	cfg.Phases = []string{PhaseDetect}
	o := New(zaptest.NewLogger(t), cfg, WorkFunc(func(ctx context.Context, phase string, p PlatformConfig) (PhaseResult, error) {
		runs.Add(1)
		return work(ctx, phase, p)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	require.NoError(t, o.RunContinuous(ctx, 30*time.Millisecond))

	assert.GreaterOrEqual(t, runs.Load(), int32(2))
	entries, err := os.ReadDir(cfg.ReportDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
