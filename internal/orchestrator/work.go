package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/qmoi/qmoi-ops/internal/runner"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Phase names, in execution order.
const (
	PhaseDetect   = "detect-errors"
	PhaseFix      = "fix-errors"
	PhaseOptimize = "optimize"
	PhaseActivate = "activate-features"
	PhaseEvolve   = "evolve"
)

// DefaultPhases returns the fixed phase sequence.
func DefaultPhases() []string {
	return []string{PhaseDetect, PhaseFix, PhaseOptimize, PhaseActivate, PhaseEvolve}
}

// KnownPhase reports whether name is one of the fixed phases.
func KnownPhase(name string) bool {
	for _, p := range DefaultPhases() {
		if p == name {
			return true
		}
	}
	return false
}

// Work performs one phase for one platform. Returning an error marks the
// platform's task as failed; its counts are then ignored.
type Work interface {
	Run(ctx context.Context, phase string, platform PlatformConfig) (PhaseResult, error)
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context, phase string, platform PlatformConfig) (PhaseResult, error)

// Run implements Work.
func (f WorkFunc) Run(ctx context.Context, phase string, platform PlatformConfig) (PhaseResult, error) {
	return f(ctx, phase, platform)
}

// FixStrategies maps a known error pattern to its fix.
var FixStrategies = map[string]string{
	"auth_error":          "refresh_token_and_retry",
	"rate_limit":          "implement_backoff_and_retry",
	"network_error":       "switch_endpoint_and_retry",
	"timeout":             "increase_timeout_and_retry",
	"build_failure":       "clean_cache_and_rebuild",
	"deployment_error":    "rollback_and_redeploy",
	"pipeline_failure":    "restart_pipeline",
	"workflow_failure":    "rerun_failed_jobs",
	"runner_error":        "restart_runner",
	"function_timeout":    "increase_function_timeout",
	"function_error":      "redeploy_function",
	"memory_error":        "increase_memory_limit",
	"resource_limit":      "scale_resources",
	"workspace_error":     "recreate_workspace",
	"prebuild_failure":    "retrigger_prebuild",
	"model_loading_error": "reload_model_with_fallback",
	"inference_timeout":   "enable_batching",
	"merge_conflict":      "rebase_and_retry",
	"redirect_error":      "regenerate_redirects",
}

// PatternWork derives phase results from the platform's declared patterns,
// targets and features. It never shells out.
type PatternWork struct {
	strategies map[string]string
}

// NewPatternWork creates PatternWork with the given fix table, or FixStrategies when nil.
func NewPatternWork(strategies map[string]string) *PatternWork {
	if strategies == nil {
		strategies = FixStrategies
	}
	return &PatternWork{strategies: strategies}
}

// Run implements Work.
func (w *PatternWork) Run(ctx context.Context, phase string, p PlatformConfig) (PhaseResult, error) {
	res := PhaseResult{Platform: p.Name, Phase: phase}

	switch phase {
	case PhaseDetect:
		res.Detected = len(p.ErrorPatterns)
	case PhaseFix:
		fixed, err := w.fix(ctx, p)
		if err != nil {
			return res, err
		}
		res.Detected = len(p.ErrorPatterns)
		res.Fixed = fixed
	case PhaseOptimize:
		res.Detected = len(p.OptimizationTargets)
		res.Fixed = len(p.OptimizationTargets)
	case PhaseActivate:
		res.Detected = len(p.Features)
		res.Activated = len(p.Features)
	case PhaseEvolve:
		res.Fixed = 1
	default:
		return res, fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}
	return res, nil
}

// fix resolves every error pattern within the platform's worker budget.
func (w *PatternWork) fix(ctx context.Context, p PlatformConfig) (int, error) {
	var fixed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers())
	for _, pattern := range p.ErrorPatterns {
		pattern := pattern
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, ok := w.strategies[pattern]; ok {
				fixed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return int(fixed.Load()), nil
}

// CommandWork shells out through the runner. Templates map a phase to argv;
// "{platform}" in any argument is replaced by the platform name. Phases with
// no template fall through to Fallback.
type CommandWork struct {
	logger    *zap.Logger
	runner    *runner.Runner
	templates map[string][]string
	dir       string
	Fallback  Work
}

// NewCommandWork creates a runner-backed Work.
func NewCommandWork(logger *zap.Logger, r *runner.Runner, dir string, templates map[string][]string) *CommandWork {
	return &CommandWork{
		logger:    logger,
		runner:    r,
		templates: templates,
		dir:       dir,
		Fallback:  NewPatternWork(nil),
	}
}

// Run implements Work.
func (w *CommandWork) Run(ctx context.Context, phase string, p PlatformConfig) (PhaseResult, error) {
	tmpl, ok := w.templates[phase]
	if !ok || len(tmpl) == 0 {
		if w.Fallback == nil {
			return PhaseResult{Platform: p.Name, Phase: phase}, fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
		}
		return w.Fallback.Run(ctx, phase, p)
	}

	argv := make([]string, len(tmpl))
	for i, a := range tmpl {
		argv[i] = strings.ReplaceAll(a, "{platform}", p.Name)
	}

	out, err := w.runner.Run(ctx, runner.NewCommand(argv...).In(w.dir), runner.Options{})
	if err != nil {
		return PhaseResult{Platform: p.Name, Phase: phase}, err
	}
	if !out.Success {
		return PhaseResult{Platform: p.Name, Phase: phase}, fmt.Errorf("%s failed after %d attempt(s)", argv[0], out.Attempts)
	}

	res := PhaseResult{Platform: p.Name, Phase: phase, Detected: 1}
	switch phase {
	case PhaseActivate:
		res.Activated = 1
	default:
		res.Fixed = 1
	}
	return res, nil
}
