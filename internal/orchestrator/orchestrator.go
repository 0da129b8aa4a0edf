// Package orchestrator fans phase work out across platforms, waits for every
// platform, and folds the results into one aggregate report per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stat keys in AggregateReport.Stats.
const (
	StatErrorsDetected       = "errors_detected"
	StatErrorsFixed          = "errors_fixed"
	StatOptimizationTargets  = "optimization_targets"
	StatOptimizationsApplied = "optimizations_applied"
	StatFeaturesActivated    = "features_activated"
	StatEvolutionsApplied    = "evolutions_applied"
	StatTasksCompleted       = "tasks_completed"
	StatTasksFailed          = "tasks_failed"
	StatPlatformsEnhanced    = "platforms_enhanced"
	StatPhasesCompleted      = "phases_completed"
	StatParallelJobs         = "parallel_jobs_completed"
)

var (
	ErrUnknownPhase   = errors.New("unknown phase")
	ErrNoPlatforms    = errors.New("no platforms configured")
	ErrAlreadyRunning = errors.New("orchestrator already running")
)

// phaseStats says which stat each PhaseResult counter feeds for a phase.
var phaseStats = map[string]struct{ detected, fixed, activated string }{
	PhaseDetect:   {detected: StatErrorsDetected},
	PhaseFix:      {fixed: StatErrorsFixed},
	PhaseOptimize: {detected: StatOptimizationTargets, fixed: StatOptimizationsApplied},
	PhaseActivate: {activated: StatFeaturesActivated},
	PhaseEvolve:   {fixed: StatEvolutionsApplied},
}

// Config configures the orchestrator.
type Config struct {
	Name        string              `mapstructure:"name" yaml:"name" json:"name"`
	ReportDir   string              `mapstructure:"report_dir" yaml:"report_dir" json:"report_dir"`
	Interval    time.Duration       `mapstructure:"interval" yaml:"interval" json:"interval"`
	TaskTimeout time.Duration       `mapstructure:"task_timeout" yaml:"task_timeout" json:"task_timeout"`
	Phases      []string            `mapstructure:"phases" yaml:"phases" json:"phases"`
	Platforms   []PlatformConfig    `mapstructure:"platforms" yaml:"platforms" json:"platforms"`
	Work        string              `mapstructure:"work" yaml:"work" json:"work"` // pattern or command
	WorkDir     string              `mapstructure:"work_dir" yaml:"work_dir" json:"work_dir"`
	Commands    map[string][]string `mapstructure:"commands" yaml:"commands,omitempty" json:"commands,omitempty"`
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Name:        "parallel-platform-automation",
		ReportDir:   "logs",
		Interval:    time.Hour,
		TaskTimeout: 10 * time.Minute,
		Phases:      DefaultPhases(),
		Platforms:   DefaultPlatforms(),
		Work:        "pattern",
		WorkDir:     ".",
	}
}

// RunRecorder persists a finished run, typically the history store.
type RunRecorder interface {
	RecordRun(ctx context.Context, kind, id string, success bool, duration time.Duration, summary any) error
}

// Orchestrator runs phases over platforms.
type Orchestrator struct {
	logger   *zap.Logger
	config   Config
	work     Work
	writer   *ReportWriter
	metrics  *metrics.Metrics
	recorder RunRecorder

	mu      sync.Mutex // guards the stats map of the run in progress
	running atomic.Bool
	last    atomic.Pointer[AggregateReport]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRecorder persists every run.
func WithRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New creates an orchestrator.
func New(logger *zap.Logger, config Config, work Work, opts ...Option) *Orchestrator {
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	if len(config.Phases) == 0 {
		config.Phases = DefaultPhases()
	}
	if work == nil {
		work = NewPatternWork(nil)
	}
	o := &Orchestrator{
		logger: logger,
		config: config,
		work:   work,
		writer: NewReportWriter(config.ReportDir, config.Name),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LastReport returns the most recent report, or nil.
func (o *Orchestrator) LastReport() *AggregateReport {
	return o.last.Load()
}

// SummaryPath is where the latest summary is written.
func (o *Orchestrator) SummaryPath() string {
	return o.writer.SummaryPath()
}

// RunPhase runs work for every platform concurrently and waits for all of
// them. A task that errors or panics is reported with Success false. The
// returned slice is in platform order.
func (o *Orchestrator) RunPhase(ctx context.Context, phase string, platforms []PlatformConfig, work Work) []PhaseResult {
	results := make([]PhaseResult, len(platforms))

	var g errgroup.Group
	for i, p := range platforms {
		i, p := i, p
		g.Go(func() error {
			results[i] = o.runTask(ctx, phase, p, work)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// runTask runs one platform's phase, converting errors and panics into a
// failed PhaseResult.
func (o *Orchestrator) runTask(ctx context.Context, phase string, p PlatformConfig, work Work) (res PhaseResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Phase task panicked",
				zap.String("phase", phase),
				zap.String("platform", p.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = PhaseResult{Platform: p.Name, Phase: phase, Error: fmt.Sprintf("panic: %v", r)}
		}
		res.DurationMS = time.Since(start).Milliseconds()
	}()

	taskCtx := ctx
	if o.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, o.config.TaskTimeout)
		defer cancel()
	}

	r, err := work.Run(taskCtx, phase, p)
	r.Platform = p.Name
	r.Phase = phase
	if err != nil {
		o.logger.Warn("Phase task failed",
			zap.String("phase", phase),
			zap.String("platform", p.Name),
			zap.Error(err),
		)
		return PhaseResult{Platform: p.Name, Phase: phase, Error: err.Error()}
	}
	r.Success = true
	r.Error = ""
	return r
}

// Run executes every configured phase in order and writes the reports. The
// report is returned even when writing it fails.
func (o *Orchestrator) Run(ctx context.Context) (*AggregateReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	platforms := SortByPriority(o.config.Platforms)
	if len(platforms) == 0 {
		return nil, apperrors.Fatal("orchestrate", ErrNoPlatforms)
	}

	start := time.Now()
	report := &AggregateReport{
		ID:        uuid.NewString(),
		Name:      o.config.Name,
		Timestamp: start.UTC().Format(time.RFC3339),
		Stats:     make(map[string]int),
	}
	for _, p := range platforms {
		report.Platforms = append(report.Platforms, p.Name)
	}

	o.logger.Info("Starting orchestration run",
		zap.String("id", report.ID),
		zap.Int("platforms", len(platforms)),
		zap.Int("workers", TotalWorkers(platforms)),
		zap.Strings("phases", o.config.Phases),
	)

	healthy := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		healthy[p.Name] = true
	}

	for _, phase := range o.config.Phases {
		if ctx.Err() != nil {
			report.Cancelled = true
			o.logger.Warn("Orchestration cancelled", zap.String("next_phase", phase))
			break
		}

		phaseStart := time.Now()
		results := o.RunPhase(ctx, phase, platforms, o.work)
		summary := o.aggregate(report, phase, results, healthy)
		summary.DurationSeconds = time.Since(phaseStart).Seconds()
		report.Phases = append(report.Phases, summary)

		o.metrics.PhaseFinished(phase, time.Since(phaseStart), summary.Succeeded, summary.Failed)
		o.logger.Info("Phase completed",
			zap.String("phase", phase),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
			zap.Duration("duration", time.Since(phaseStart)),
		)
	}

	for _, ok := range healthy {
		if ok && !report.Cancelled {
			report.Stats[StatPlatformsEnhanced]++
		}
	}

	total := report.Stats[StatTasksCompleted] + report.Stats[StatTasksFailed]
	report.Stats[StatParallelJobs] = total
	if total > 0 {
		report.SuccessRate = float64(report.Stats[StatTasksCompleted]) / float64(total) * 100
	}
	report.DurationSeconds = time.Since(start).Seconds()

	o.last.Store(report)
	o.metrics.RunFinished(report.Succeeded())

	path, err := o.writer.Write(report)
	if err != nil {
		o.logger.Error("Failed to write orchestration report", zap.Error(err))
		err = apperrors.Degraded("write report", err)
	} else {
		o.logger.Info("Orchestration report written",
			zap.String("report", path),
			zap.String("summary", o.writer.SummaryPath()),
			zap.Float64("success_rate", report.SuccessRate),
		)
	}

	if o.recorder != nil {
		if recErr := o.recorder.RecordRun(context.WithoutCancel(ctx), "orchestrate", report.ID, report.Succeeded(),
			time.Since(start), report.Stats); recErr != nil {
			o.logger.Warn("Failed to record run", zap.Error(recErr))
		}
	}

	return report, err
}

// aggregate folds a phase's results into the report under the stats lock.
// Failed tasks contribute no counts.
func (o *Orchestrator) aggregate(report *AggregateReport, phase string, results []PhaseResult, healthy map[string]bool) PhaseSummary {
	o.mu.Lock()
	defer o.mu.Unlock()

	keys, known := phaseStats[phase]
	if !known {
		keys.detected = phase + "_detected"
		keys.fixed = phase + "_fixed"
		keys.activated = phase + "_activated"
	}

	summary := PhaseSummary{Phase: phase}
	for _, r := range results {
		report.PerPhaseResults = append(report.PerPhaseResults, r)
		if !r.Success {
			summary.Failed++
			report.Stats[StatTasksFailed]++
			healthy[r.Platform] = false
			continue
		}
		summary.Succeeded++
		report.Stats[StatTasksCompleted]++
		if keys.detected != "" {
			report.Stats[keys.detected] += r.Detected
		}
		if keys.fixed != "" {
			report.Stats[keys.fixed] += r.Fixed
		}
		if keys.activated != "" {
			report.Stats[keys.activated] += r.Activated
		}
	}
	if summary.Failed == 0 {
		report.Stats[StatPhasesCompleted]++
	}
	return summary
}

// RunContinuous runs immediately and then every interval until ctx is done.
func (o *Orchestrator) RunContinuous(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = o.config.Interval
	}

	if _, err := o.Run(ctx); err != nil && apperrors.IsFatal(err) {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.Run(ctx); err != nil {
				if apperrors.IsFatal(err) {
					return err
				}
				o.logger.Warn("Orchestration run finished with errors", zap.Error(err))
			}
		}
	}
}

// ReportDir returns the configured report directory.
func (o *Orchestrator) ReportDir() string {
	return filepath.Clean(o.config.ReportDir)
}
