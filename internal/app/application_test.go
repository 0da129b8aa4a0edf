package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qmoi/qmoi-ops/internal/api"
	"github.com/qmoi/qmoi-ops/internal/config"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/monitoring"
	"github.com/qmoi/qmoi-ops/internal/notification"
	"github.com/qmoi/qmoi-ops/internal/orchestrator"
	"github.com/qmoi/qmoi-ops/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type captureChannel struct {
	mu    sync.Mutex
	types []string
}

func (c *captureChannel) Name() string { return notification.ChannelSlack }

func (c *captureChannel) Send(_ context.Context, n *notification.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, n.Type)
	return nil
}

func (c *captureChannel) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.types...)
}

var okExecutor = runner.ExecutorFunc(func(context.Context, runner.Command) (runner.ExecResult, error) {
	return runner.ExecResult{}, nil
})

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.File = ""
	cfg.Store.DSN = ":memory:"
	cfg.Orchestrator.ReportDir = dir
	cfg.Monitor.ReportDir = dir
	cfg.Monitor.Backup.Directories = map[string]string{"workspace": filepath.Join(dir, "backups")}
	cfg.Notification.ReportDir = dir
	cfg.Deploy.Dir = dir
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *Application {
	t.Helper()
	opts = append([]Option{WithMonitors(monitoring.KindBackup), WithExecutor(okExecutor)}, opts...)
	a, err := New(context.Background(), zaptest.NewLogger(t), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a
}

func TestNewWiresComponents(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	assert.NotNil(t, a.Store())
	assert.NotNil(t, a.Notifier())
	assert.NotNil(t, a.Runner())
	assert.NotNil(t, a.Orchestrator())
	require.Len(t, a.Monitors(), 1)
	assert.Equal(t, monitoring.KindBackup, a.Monitors()[0].Name())
	assert.Nil(t, a.server, "server is off by default")
}

func TestNewRejectsUnknownMonitor(t *testing.T) {
	_, err := New(context.Background(), zaptest.NewLogger(t), testConfig(t), WithMonitors("gpu"))
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
}

func TestOptionalBackendsDegrade(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "postgres://qmoi@127.0.0.1:1/qmoi?sslmode=disable&connect_timeout=1"
	cfg.Cooldown.Backend = "redis"
	cfg.Cooldown.Redis.Addr = "127.0.0.1:1"

	a := newTestApp(t, cfg)
	assert.Nil(t, a.Store())
	assert.Nil(t, a.redis)
	assert.NotNil(t, a.tracker, "falls back to the memory tracker")
}

func TestOrchestrateRecordsRun(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	id, err := a.Orchestrate(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool { return a.LastRun() != nil && !a.orchestrating.Load() },
		5*time.Second, 20*time.Millisecond)
	assert.True(t, a.LastRun().Succeeded())

	runs, err := a.Store().RecentRuns(context.Background(), "orchestrate", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, a.LastRun().ID, runs[0].RunID)
}

func TestOrchestrateRefusesConcurrentRuns(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	a.orchestrating.Store(true)

	_, err := a.Orchestrate(context.Background())
	assert.ErrorIs(t, err, api.ErrBusy)
}

func TestEmergencyStopNotifies(t *testing.T) {
	ch := &captureChannel{}
	a := newTestApp(t, testConfig(t), WithChannel(ch))
	require.NoError(t, a.Start())

	killed := a.EmergencyStop(context.Background())
	assert.Zero(t, killed, "fake executor tracks no processes")
	assert.Contains(t, ch.sent(), "system_health")
}

// blockingExecutor holds "sleep" until its context ends.
type blockingExecutor struct {
	calls atomic.Int32
}

func (e *blockingExecutor) Execute(ctx context.Context, cmd runner.Command) (runner.ExecResult, error) {
	if cmd.Name != "sleep" {
		return runner.ExecResult{}, nil
	}
	e.calls.Add(1)
	<-ctx.Done()
	return runner.ExecResult{ExitCode: -1}, ctx.Err()
}

func TestEmergencyStopCancelsTriggeredOrchestration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.Work = "command"
	cfg.Orchestrator.Commands = map[string][]string{
		orchestrator.PhaseDetect: {"sleep", "60"},
	}
	exec := &blockingExecutor{}
	a := newTestApp(t, cfg, WithExecutor(exec))

	_, err := a.Orchestrate(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.calls.Load() > 0 }, 5*time.Second, 10*time.Millisecond)

	a.EmergencyStop(context.Background())

	require.Eventually(t, func() bool { return !a.orchestrating.Load() }, 5*time.Second, 10*time.Millisecond)
	last := a.LastRun()
	require.NotNil(t, last)
	assert.True(t, last.Cancelled)
	assert.Len(t, last.Phases, 1, "no phase starts after the stop")
	assert.False(t, last.Succeeded())
	assert.LessOrEqual(t, exec.calls.Load(), int32(len(cfg.Orchestrator.Platforms)), "stopped commands are not retried")

	runs, err := a.Store().RecentRuns(context.Background(), "orchestrate", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestReloadUpdatesMonitorsAndRules(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	next := testConfig(t)
	next.Monitor.BackupInterval = 42 * time.Second
	next.Monitor.Thresholds = []monitoring.Threshold{{Metric: "backup_age_hours", AlertType: "backup_overdue", Warning: 6}}
	next.Notification.Rules = map[string]notification.Rule{
		"backup_overdue": {Channels: []string{notification.ChannelTelegram}, Priority: notification.PriorityCritical, Cooldown: time.Minute},
	}
	a.Reload(next)

	m := a.Monitors()[0]
	assert.Equal(t, 42*time.Second, m.Interval())
	assert.Equal(t, next.Monitor.Thresholds, m.Thresholds())
	assert.Equal(t, notification.PriorityCritical, a.Notifier().Rule("backup_overdue").Priority)
	assert.Equal(t, notification.PriorityMedium, a.Notifier().Rule("system_health").Priority, "types left out of the table use the fallback")
}

func TestWatchConfigHotReloads(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "qmoi.yaml")
	require.NoError(t, config.Save(cfg, path))

	a := newTestApp(t, cfg)
	require.NoError(t, a.Start())
	require.NoError(t, a.WatchConfig(path, func(c *config.Config) error {
		c.Monitor.BackupInterval += time.Second
		return nil
	}))

	next := testConfig(t)
	next.Monitor.BackupInterval = 10 * time.Minute
	next.Monitor.Thresholds = []monitoring.Threshold{{Metric: "backup_age_hours", AlertType: "backup_overdue", Warning: 12}}
	require.NoError(t, config.Save(next, path))

	m := a.Monitors()[0]
	require.Eventually(t, func() bool { return m.Interval() == 10*time.Minute+time.Second }, 10*time.Second, 50*time.Millisecond)
	require.Len(t, m.Thresholds(), 1)
	assert.Equal(t, 12.0, m.Thresholds()[0].Warning)
}

func TestDeployerSkipsWithoutCredentialsAndRecords(t *testing.T) {
	ch := &captureChannel{}
	a := newTestApp(t, testConfig(t), WithChannel(ch))

	report, err := a.Deployer().Deploy(context.Background())
	require.NoError(t, err)
	for _, res := range report.Results {
		assert.Equal(t, "skipped", res.Status, res.Provider)
	}

	runs, err := a.Store().RecentRuns(context.Background(), "deploy", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestServerExposesStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = true
	cfg.Server.Addr = "127.0.0.1:0"
	a := newTestApp(t, cfg, WithVersion("test"))
	require.NotNil(t, a.server)

	ts := httptest.NewServer(a.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownIsClean(t *testing.T) {
	a, err := New(context.Background(), zaptest.NewLogger(t), testConfig(t),
		WithMonitors(monitoring.KindBackup), WithExecutor(okExecutor))
	require.NoError(t, err)
	require.NoError(t, a.Start())
	assert.NoError(t, a.Shutdown(context.Background()))
}
