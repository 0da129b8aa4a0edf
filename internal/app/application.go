// Package app wires the qmoi components together from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qmoi/qmoi-ops/internal/api"
	"github.com/qmoi/qmoi-ops/internal/config"
	"github.com/qmoi/qmoi-ops/internal/cooldown"
	"github.com/qmoi/qmoi-ops/internal/database"
	"github.com/qmoi/qmoi-ops/internal/deployment"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/metrics"
	"github.com/qmoi/qmoi-ops/internal/monitoring"
	"github.com/qmoi/qmoi-ops/internal/notification"
	"github.com/qmoi/qmoi-ops/internal/orchestrator"
	"github.com/qmoi/qmoi-ops/internal/runner"
	"github.com/qmoi/qmoi-ops/internal/storage"
	"go.uber.org/zap"
)

const (
	ShutdownTimeout = 30 * time.Second
	StartupTimeout  = 10 * time.Second
)

// Application owns every long-lived component.
type Application struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	config *config.Config

	metrics      *metrics.Metrics
	store        *database.DB
	tracker      cooldown.Tracker
	redis        *cooldown.RedisTracker
	notifier     *notification.Notifier
	runner       *runner.Runner
	monitors     []*monitoring.PollMonitor
	orchestrator *orchestrator.Orchestrator
	uploader     storage.Uploader
	server       *api.Server

	orchestrating atomic.Bool
	background    sync.WaitGroup

	mu        sync.Mutex
	runCancel context.CancelFunc
	watcher   *config.Manager
}

type options struct {
	monitors []string
	executor runner.Executor
	version  string
	channels []notification.Channel
}

// Option adjusts how New builds the application.
type Option func(*options)

// WithMonitors selects the monitor kinds to build. Default is every kind.
func WithMonitors(kinds ...string) Option {
	return func(o *options) { o.monitors = kinds }
}

// WithExecutor replaces the process executor used by the runner.
func WithExecutor(e runner.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithVersion sets the version reported by the status API.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithChannel registers an extra notification channel.
func WithChannel(ch notification.Channel) Option {
	return func(o *options) { o.channels = append(o.channels, ch) }
}

// New builds the application. Optional backends (store, redis, NATS, S3)
// that fail to initialize are logged and left out.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts ...Option) (*Application, error) {
	o := options{monitors: monitoring.Kinds()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &Application{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		config:  cfg,
		metrics: metrics.New(),
	}

	initCtx, initCancel := context.WithTimeout(ctx, StartupTimeout)
	defer initCancel()

	a.initStore(initCtx)
	a.initCooldown(initCtx)
	a.initNotifier(o.channels)
	a.initStorage(initCtx)

	runnerOpts := []runner.Option{runner.WithMetrics(a.metrics)}
	if o.executor != nil {
		runnerOpts = append(runnerOpts, runner.WithExecutor(o.executor))
	}
	a.runner = runner.New(logger.Named("runner"), cfg.Runner, runnerOpts...)

	for _, kind := range o.monitors {
		m, err := monitoring.Build(logger.Named("monitor"), cfg.Monitor, kind,
			monitoring.WithAlertSink(a.notifier),
			monitoring.WithCooldown(a.tracker, cfg.Monitor.AlertCooldown),
			monitoring.WithMetrics(a.metrics),
		)
		if err != nil {
			cancel()
			a.closeBackends()
			return nil, apperrors.Fatal("build monitor", err)
		}
		a.monitors = append(a.monitors, m)
	}

	a.orchestrator = a.buildOrchestrator()

	if cfg.Server.Enabled {
		srv, err := api.NewServer(ctx, logger, cfg.Server, api.Deps{
			Metrics:  a.metrics,
			Monitors: a.monitors,
			Notifier: a.notifier,
			Control:  a,
			Version:  o.version,
		})
		if err != nil {
			cancel()
			a.closeBackends()
			return nil, fmt.Errorf("failed to create API server: %w", err)
		}
		a.server = srv
	}

	return a, nil
}

func (a *Application) initStore(ctx context.Context) {
	if !a.config.Store.Enabled {
		return
	}
	db, err := database.New(ctx, a.logger.Named("store"), a.config.Store)
	if err != nil {
		a.logger.Warn("History store unavailable, continuing without it", zap.Error(err))
		return
	}
	a.store = db
}

func (a *Application) initCooldown(ctx context.Context) {
	if a.config.Cooldown.Backend == "redis" {
		rt, err := cooldown.NewRedisTracker(ctx, a.config.Cooldown.Redis)
		if err == nil {
			a.redis = rt
			a.tracker = rt
			a.logger.Info("Using redis cooldown store", zap.String("addr", a.config.Cooldown.Redis.Addr))
			return
		}
		a.logger.Warn("Redis cooldown store unavailable, using memory", zap.Error(err))
	}
	a.tracker = cooldown.NewMemoryTracker()
}

func (a *Application) initNotifier(extra []notification.Channel) {
	opts := []notification.Option{
		notification.WithTracker(a.tracker),
		notification.WithMetrics(a.metrics),
	}
	if a.store != nil {
		opts = append(opts, notification.WithStore(a.store))
	}
	if nc := a.config.Notification.NATS; nc.URL != "" {
		ch, err := notification.DialNATS(a.logger.Named("nats"), nc)
		if err != nil {
			a.logger.Warn("NATS channel unavailable", zap.Error(err))
		} else {
			opts = append(opts, notification.WithChannel(ch))
		}
	}
	for _, ch := range extra {
		opts = append(opts, notification.WithChannel(ch))
	}
	a.notifier = notification.New(a.logger.Named("notify"), a.config.Notification, opts...)
}

func (a *Application) initStorage(ctx context.Context) {
	if !a.config.Storage.Enabled {
		return
	}
	u, err := storage.NewS3Uploader(ctx, a.logger.Named("storage"), a.config.Storage)
	if err != nil {
		a.logger.Warn("Object storage unavailable", zap.Error(err))
		return
	}
	a.uploader = u
}

func (a *Application) buildOrchestrator() *orchestrator.Orchestrator {
	cfg := a.config.Orchestrator
	var work orchestrator.Work
	if cfg.Work == "command" {
		work = orchestrator.NewCommandWork(a.logger.Named("work"), a.runner, cfg.WorkDir, cfg.Commands)
	} else {
		work = orchestrator.NewPatternWork(nil)
	}

	opts := []orchestrator.Option{orchestrator.WithMetrics(a.metrics)}
	if a.store != nil {
		opts = append(opts, orchestrator.WithRecorder(a.store))
	}
	return orchestrator.New(a.logger.Named("orchestrator"), cfg, work, opts...)
}

// Accessors used by the CLI.

func (a *Application) Config() *config.Config { return a.config }
func (a *Application) Metrics() *metrics.Metrics { return a.metrics }
func (a *Application) Runner() *runner.Runner { return a.runner }
func (a *Application) Notifier() *notification.Notifier { return a.notifier }
func (a *Application) Monitors() []*monitoring.PollMonitor { return a.monitors }
func (a *Application) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }
func (a *Application) Store() *database.DB { return a.store }

// PushPipeline builds the push pipeline with the application's hooks.
func (a *Application) PushPipeline(cfg deployment.PushConfig) *deployment.PushPipeline {
	return deployment.NewPushPipeline(a.logger.Named("push"), cfg, a.runner, a.deploymentHooks()...)
}

// Deployer builds the cloud deployer with the application's hooks.
func (a *Application) Deployer() *deployment.Deployer {
	return deployment.NewDeployer(a.logger.Named("deploy"), a.config.Deploy, a.runner, a.deploymentHooks()...)
}

func (a *Application) deploymentHooks() []deployment.Option {
	opts := []deployment.Option{deployment.WithNotifier(a.notifier)}
	if a.uploader != nil {
		opts = append(opts, deployment.WithUploader(a.uploader))
	}
	if a.store != nil {
		opts = append(opts, deployment.WithRecorder(a.store))
	}
	return opts
}

// Start starts the notification queue, the monitors and the API server.
func (a *Application) Start() error {
	a.logger.Info("Starting qmoi",
		zap.Int("monitors", len(a.monitors)),
		zap.Bool("api", a.server != nil),
		zap.Bool("store", a.store != nil),
	)

	if err := a.notifier.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start notifier: %w", err)
	}
	for _, m := range a.monitors {
		if err := m.Start(a.ctx); err != nil {
			return apperrors.Fatal("start monitor "+m.Name(), err)
		}
	}
	if a.server != nil {
		if err := a.server.Start(a.ctx); err != nil {
			return apperrors.Fatal("start api", err)
		}
	}

	a.logger.Info("qmoi started")
	return nil
}

// Orchestrate starts one orchestration run in the background and returns a
// trigger id. Only one triggered run may be active.
func (a *Application) Orchestrate(context.Context) (string, error) {
	if !a.orchestrating.CompareAndSwap(false, true) {
		return "", api.ErrBusy
	}
	id := uuid.NewString()

	runCtx, cancel := context.WithCancel(a.ctx)
	a.mu.Lock()
	a.runCancel = cancel
	a.mu.Unlock()

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		defer a.orchestrating.Store(false)
		defer func() {
			a.mu.Lock()
			a.runCancel = nil
			a.mu.Unlock()
			cancel()
		}()

		report, err := a.orchestrator.Run(runCtx)
		if err != nil {
			a.logger.Error("Triggered orchestration failed", zap.String("trigger_id", id), zap.Error(err))
			return
		}
		a.logger.Info("Triggered orchestration finished",
			zap.String("trigger_id", id),
			zap.String("report_id", report.ID),
			zap.Float64("success_rate", report.SuccessRate),
		)
	}()
	return id, nil
}

// EmergencyStop cancels a triggered orchestration, kills every running command
// and stops the monitors.
func (a *Application) EmergencyStop(ctx context.Context) int {
	a.mu.Lock()
	if a.runCancel != nil {
		a.runCancel()
	}
	a.mu.Unlock()

	killed := a.runner.EmergencyStop()
	for _, m := range a.monitors {
		m.Stop()
	}
	a.notifier.Notify(ctx, "system_health", map[string]any{
		"status":  "emergency_stop",
		"message": fmt.Sprintf("Emergency stop: %d process(es) killed, monitors stopped", killed),
		"killed":  killed,
	})
	return killed
}

// Reload applies the hot-reloadable parts of cfg to the running components:
// monitor thresholds and intervals, and the notification rules. Everything
// else needs a restart.
func (a *Application) Reload(cfg *config.Config) {
	for _, m := range a.monitors {
		m.SetThresholds(cfg.Monitor.Thresholds)
		m.SetInterval(monitoring.IntervalFor(cfg.Monitor, m.Name()))
	}
	a.notifier.SetRules(cfg.Notification.Rules, cfg.Notification.DefaultChannels)
	a.logger.Info("Configuration reloaded",
		zap.Int("monitors", len(a.monitors)),
		zap.Int("thresholds", len(cfg.Monitor.Thresholds)),
	)
}

// WatchConfig reloads path on every change and passes the result through
// adjust, when set, before Reload. An invalid file keeps the current settings.
// The watch ends at Shutdown.
func (a *Application) WatchConfig(path string, adjust func(*config.Config) error) error {
	m, err := config.NewManager(a.logger, path)
	if err != nil {
		return err
	}
	m.OnChange(func(cfg *config.Config) {
		if adjust != nil {
			if err := adjust(cfg); err != nil {
				a.logger.Warn("Reloaded configuration rejected", zap.Error(err))
				return
			}
		}
		a.Reload(cfg)
	})
	if err := m.StartWatcher(); err != nil {
		return err
	}

	a.mu.Lock()
	prev := a.watcher
	a.watcher = m
	a.mu.Unlock()
	if prev != nil {
		prev.StopWatcher()
	}
	return nil
}

func (a *Application) Running() []runner.ProcessInfo { return a.runner.Running() }

func (a *Application) LastRun() *orchestrator.AggregateReport { return a.orchestrator.LastReport() }

// Shutdown stops everything in reverse start order.
func (a *Application) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down qmoi")

	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	a.mu.Lock()
	if a.watcher != nil {
		a.watcher.StopWatcher()
		a.watcher = nil
	}
	a.mu.Unlock()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api: %w", err))
		}
	}

	a.cancel()
	for _, m := range a.monitors {
		m.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("shutdown timeout exceeded waiting for orchestration"))
	}

	a.notifier.Stop(ctx)
	if err := a.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("Application shutdown complete")
	return nil
}

func (a *Application) closeBackends() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
