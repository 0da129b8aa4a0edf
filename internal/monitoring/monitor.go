package monitoring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qmoi/qmoi-ops/internal/cooldown"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/metrics"
	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("monitor already running")

// Config configures the monitors built by the application.
type Config struct {
	SystemInterval   time.Duration       `mapstructure:"system_interval" yaml:"system_interval" json:"system_interval"`
	EndpointInterval time.Duration       `mapstructure:"endpoint_interval" yaml:"endpoint_interval" json:"endpoint_interval"`
	BackupInterval   time.Duration       `mapstructure:"backup_interval" yaml:"backup_interval" json:"backup_interval"`
	FallbackInterval time.Duration       `mapstructure:"fallback_interval" yaml:"fallback_interval" json:"fallback_interval"`
	SampleTimeout    time.Duration       `mapstructure:"sample_timeout" yaml:"sample_timeout" json:"sample_timeout"`
	MaxHistory       int                 `mapstructure:"max_history" yaml:"max_history" json:"max_history"`
	FlushEvery       int                 `mapstructure:"flush_every" yaml:"flush_every" json:"flush_every"`
	ReportDir        string              `mapstructure:"report_dir" yaml:"report_dir" json:"report_dir"`
	AlertCooldown    time.Duration       `mapstructure:"alert_cooldown" yaml:"alert_cooldown" json:"alert_cooldown"`
	Thresholds       []Threshold         `mapstructure:"thresholds" yaml:"thresholds" json:"thresholds"`
	RequiredEnv      map[string][]string `mapstructure:"required_env" yaml:"required_env,omitempty" json:"required_env,omitempty"`
	System           SystemConfig        `mapstructure:"system" yaml:"system" json:"system"`
	Endpoints        EndpointConfig      `mapstructure:"endpoints" yaml:"endpoints" json:"endpoints"`
	Backup           BackupConfig        `mapstructure:"backup" yaml:"backup" json:"backup"`
}

// DefaultConfig returns monitor defaults.
func DefaultConfig() Config {
	return Config{
		SystemInterval:   30 * time.Second,
		EndpointInterval: 60 * time.Second,
		BackupInterval:   300 * time.Second,
		FallbackInterval: 60 * time.Second,
		SampleTimeout:    30 * time.Second,
		MaxHistory:       1000,
		FlushEvery:       10,
		ReportDir:        "logs",
		AlertCooldown:    300 * time.Second,
		Thresholds:       DefaultThresholds(),
		System:           DefaultSystemConfig(),
		Endpoints:        DefaultEndpointConfig(),
		Backup:           DefaultBackupConfig(),
	}
}

// AlertSink dispatches an alert. It reports whether any channel accepted it.
type AlertSink interface {
	Notify(ctx context.Context, alertType string, data map[string]any) bool
}

// PollMonitor samples, evaluates thresholds, dispatches alerts and keeps a
// bounded history, once per interval.
type PollMonitor struct {
	logger     *zap.Logger
	name       string
	samplers []Sampler

	tableMu    sync.RWMutex
	thresholds []Threshold
	interval   atomic.Int64
	retimed    chan struct{}

	fallback      time.Duration
	sampleTimeout time.Duration
	flushEvery    int
	requiredEnv   []string

	history   *History
	persister *Persister
	sink      AlertSink
	cooldown  cooldown.Tracker
	window    time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time

	state   atomic.Int32
	cycles  atomic.Uint64
	alerts  atomic.Uint64
	running atomic.Bool

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a PollMonitor.
type Option func(*PollMonitor)

func WithInterval(d time.Duration) Option {
	return func(m *PollMonitor) { m.interval.Store(int64(d)) }
}

// WithFallbackInterval sets the sleep after a failed cycle.
func WithFallbackInterval(d time.Duration) Option {
	return func(m *PollMonitor) { m.fallback = d }
}

// WithSampleTimeout bounds each sampler call.
func WithSampleTimeout(d time.Duration) Option {
	return func(m *PollMonitor) { m.sampleTimeout = d }
}

func WithMaxHistory(n int) Option {
	return func(m *PollMonitor) { m.history = NewHistory(n) }
}

// WithPersister writes the latest snapshot every cycle and the history every
// flushEvery cycles.
func WithPersister(p *Persister, flushEvery int) Option {
	return func(m *PollMonitor) {
		m.persister = p
		m.flushEvery = flushEvery
	}
}

func WithAlertSink(s AlertSink) Option {
	return func(m *PollMonitor) { m.sink = s }
}

// WithCooldown gates alert dispatch per alert type.
func WithCooldown(t cooldown.Tracker, window time.Duration) Option {
	return func(m *PollMonitor) {
		m.cooldown = t
		m.window = window
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *PollMonitor) { m.metrics = mt }
}

// WithRequiredEnv makes Start fail when any of the variables is unset.
func WithRequiredEnv(keys ...string) Option {
	return func(m *PollMonitor) { m.requiredEnv = keys }
}

func WithClock(now func() time.Time) Option {
	return func(m *PollMonitor) { m.now = now }
}

// New creates a monitor.
func New(logger *zap.Logger, name string, samplers []Sampler, thresholds []Threshold, opts ...Option) *PollMonitor {
	m := &PollMonitor{
		logger:        logger.With(zap.String("monitor", name)),
		name:          name,
		samplers:      samplers,
		thresholds:    thresholds,
		fallback:      60 * time.Second,
		sampleTimeout: 30 * time.Second,
		history:       NewHistory(1000),
		window:        300 * time.Second,
		now:           time.Now,
		subscribers:   make(map[chan Snapshot]struct{}),
		retimed:       make(chan struct{}, 1),
	}
	m.interval.Store(int64(60 * time.Second))
	for _, opt := range opts {
		opt(m)
	}
	if m.cooldown == nil {
		m.cooldown = cooldown.NewMemoryTracker()
	}
	return m
}

func (m *PollMonitor) Name() string { return m.name }

func (m *PollMonitor) State() State { return State(m.state.Load()) }

func (m *PollMonitor) Cycles() uint64 { return m.cycles.Load() }

func (m *PollMonitor) Interval() time.Duration { return time.Duration(m.interval.Load()) }

// SetInterval changes the sampling interval. A running loop schedules its next
// cycle d from now. Non-positive values are ignored.
func (m *PollMonitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if old := m.Interval(); old != d {
		m.interval.Store(int64(d))
		m.logger.Info("Monitor interval changed", zap.Duration("from", old), zap.Duration("to", d))
		select {
		case m.retimed <- struct{}{}:
		default:
		}
	}
}

// Thresholds returns a copy of the threshold table.
func (m *PollMonitor) Thresholds() []Threshold {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	return append([]Threshold(nil), m.thresholds...)
}

// SetThresholds replaces the threshold table used by later evaluations.
func (m *PollMonitor) SetThresholds(ts []Threshold) {
	m.tableMu.Lock()
	m.thresholds = append([]Threshold(nil), ts...)
	m.tableMu.Unlock()
}

// History returns retained snapshots, oldest first.
func (m *PollMonitor) History() []Snapshot { return m.history.Snapshots() }

// Latest returns the newest snapshot.
func (m *PollMonitor) Latest() (Snapshot, bool) { return m.history.Latest() }

// Subscribe returns a channel receiving every new snapshot and a function that
// cancels the subscription. Slow subscribers miss snapshots.
func (m *PollMonitor) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *PollMonitor) publish(s Snapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
}

// RunOnce performs one full cycle. Sample failures are recorded in the
// snapshot; a panic inside the cycle is returned as a degraded error.
func (m *PollMonitor) RunOnce(ctx context.Context) (snap *Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Monitor cycle panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = apperrors.Degraded("monitor cycle", fmt.Errorf("panic: %v", r))
		}
		m.state.Store(int32(StateIdle))
	}()

	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transient("monitor cycle", err)
	}

	s := Snapshot{
		Monitor:   m.name,
		Cycle:     m.cycles.Add(1),
		Timestamp: m.now().UTC(),
		Metrics:   make(map[string]float64),
		Errors:    make(map[string]string),
	}

	m.state.Store(int32(StateSampling))
	for _, sampler := range m.samplers {
		m.sample(ctx, sampler, &s)
	}

	m.state.Store(int32(StateEvaluating))
	s.Alerts = m.evaluate(s)

	if len(s.Alerts) > 0 {
		m.state.Store(int32(StateAlerting))
		m.dispatch(ctx, s.Alerts)
	}

	m.state.Store(int32(StatePersisting))
	m.persist(s)

	for name, v := range s.Metrics {
		m.metrics.MonitorValue(m.name, name, v)
	}
	m.metrics.MonitorCycle(m.name, len(s.Errors) == 0)
	m.publish(s)

	m.logger.Debug("Monitor cycle completed",
		zap.Uint64("cycle", s.Cycle),
		zap.Int("metrics", len(s.Metrics)),
		zap.Int("errors", len(s.Errors)),
		zap.Int("alerts", len(s.Alerts)),
	)
	return &s, nil
}

// sample runs one sampler under the sample timeout and folds its output
// into s. A panic in a sampler is recorded like any other sample error.
func (m *PollMonitor) sample(ctx context.Context, sampler Sampler, s *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.Errors[sampler.Name()] = fmt.Sprintf("panic: %v", r)
		}
	}()

	sctx := ctx
	if m.sampleTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, m.sampleTimeout)
		defer cancel()
	}

	values, err := sampler.Sample(sctx)
	for _, v := range values {
		s.Metrics[v.Name] = v.Value
	}
	if err == nil {
		return
	}

	var perMetric SampleErrors
	if errors.As(err, &perMetric) {
		for name, e := range perMetric {
			s.Errors[name] = e.Error()
		}
	} else {
		s.Errors[sampler.Name()] = err.Error()
	}
	m.logger.Warn("Sample failed", zap.String("sampler", sampler.Name()), zap.Error(err))
}

// evaluate compares sampled values against the threshold table.
func (m *PollMonitor) evaluate(s Snapshot) []Alert {
	var alerts []Alert
	for _, t := range m.Thresholds() {
		v, ok := s.Metrics[t.Metric]
		if !ok {
			continue
		}
		sev, level, breached := t.Evaluate(v)
		if !breached {
			continue
		}
		alerts = append(alerts, Alert{
			Type:      t.AlertType,
			Metric:    t.Metric,
			Value:     v,
			Threshold: level,
			Severity:  sev,
			Message:   alertMessage(t, v, level, sev),
			Timestamp: s.Timestamp,
		})
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Type < alerts[j].Type })
	return alerts
}

// dispatch sends each alert whose type is out of cooldown.
func (m *PollMonitor) dispatch(ctx context.Context, alerts []Alert) {
	for i := range alerts {
		a := &alerts[i]
		m.alerts.Add(1)

		allowed, err := m.cooldown.Allow(ctx, m.name+"/"+a.Type, m.window)
		if err != nil {
			m.logger.Warn("Cooldown check failed", zap.String("type", a.Type), zap.Error(err))
			allowed = true
		}
		if !allowed {
			a.Suppressed = true
			m.metrics.MonitorAlert(m.name, a.Type, false)
			continue
		}

		m.logger.Warn("Threshold breached",
			zap.String("type", a.Type),
			zap.String("metric", a.Metric),
			zap.Float64("value", a.Value),
			zap.Float64("threshold", a.Threshold),
			zap.String("severity", string(a.Severity)),
		)
		if m.sink != nil {
			a.Dispatched = m.sink.Notify(ctx, a.Type, map[string]any{
				"monitor":   m.name,
				"metric":    a.Metric,
				"value":     a.Value,
				"threshold": a.Threshold,
				"severity":  string(a.Severity),
				"message":   a.Message,
				"timestamp": a.Timestamp.Format(time.RFC3339),
			})
		}
		m.metrics.MonitorAlert(m.name, a.Type, a.Dispatched)
	}
}

func (m *PollMonitor) persist(s Snapshot) {
	m.history.Add(s)
	if m.persister == nil {
		return
	}

	if err := m.persister.WriteLatest(s); err != nil {
		m.logger.Warn("Failed to write latest snapshot", zap.Error(err))
	}
	if m.flushEvery > 0 && s.Cycle%uint64(m.flushEvery) == 0 {
		path, err := m.persister.WriteReport(m.name, s.Cycle, m.history.Snapshots())
		if err != nil {
			m.logger.Warn("Failed to write monitor report", zap.Error(err))
			return
		}
		m.logger.Info("Monitor report written", zap.String("path", path))
	}
}

// CheckEnv returns a fatal error naming every unset required variable.
func (m *PollMonitor) CheckEnv() error {
	var missing []string
	for _, key := range m.requiredEnv {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return apperrors.Fatalf("monitor "+m.name, "missing required environment: %v", missing)
	}
	return nil
}

// Run loops until ctx is done. A failed cycle is followed by the fallback
// interval instead of the regular one.
func (m *PollMonitor) Run(ctx context.Context) error {
	if err := m.CheckEnv(); err != nil {
		return err
	}
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	m.logger.Info("Starting monitor",
		zap.Duration("interval", m.Interval()),
		zap.Int("samplers", len(m.samplers)),
		zap.Int("max_history", m.history.Cap()),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopped", zap.Uint64("cycles", m.cycles.Load()))
			return nil
		case <-timer.C:
			next := m.Interval()
			if _, err := m.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				m.logger.Error("Monitor cycle failed", zap.Error(err), zap.Duration("retry_in", m.fallback))
				next = m.fallback
			}
			timer.Reset(next)
		case <-m.retimed:
			timer.Reset(m.Interval())
		}
	}
}

// Start runs the monitor in the background.
func (m *PollMonitor) Start(ctx context.Context) error {
	if err := m.CheckEnv(); err != nil {
		return err
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil || m.running.Load() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Run(ctx); err != nil {
			m.logger.Error("Monitor exited", zap.Error(err))
		}
	}()
	return nil
}

// Stop cancels a started monitor and waits for its loop to exit.
func (m *PollMonitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
}

// Status summarizes the monitor for the status API.
type Status struct {
	Name       string             `json:"name"`
	State      string             `json:"state"`
	Running    bool               `json:"running"`
	Cycles     uint64             `json:"cycles"`
	Alerts     uint64             `json:"alerts"`
	History    int                `json:"history"`
	LastSample time.Time          `json:"last_sample,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Errors     map[string]string  `json:"errors,omitempty"`
}

func (m *PollMonitor) Status() Status {
	st := Status{
		Name:    m.name,
		State:   m.State().String(),
		Running: m.running.Load(),
		Cycles:  m.cycles.Load(),
		Alerts:  m.alerts.Load(),
		History: m.history.Len(),
	}
	if latest, ok := m.history.Latest(); ok {
		st.LastSample = latest.Timestamp
		st.Metrics = latest.Metrics
		st.Errors = latest.Errors
	}
	return st
}
