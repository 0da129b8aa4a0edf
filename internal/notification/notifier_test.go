package notification

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qmoi/qmoi-ops/internal/cooldown"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeChannel struct {
	name  string
	err   error
	calls atomic.Int32
	mu    sync.Mutex
	last  *Notification
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, n *Notification) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = n
	f.mu.Unlock()
	return f.err
}

func bareConfig() Config {
	cfg := DefaultConfig()
	cfg.Email = EmailConfig{}
	return cfg
}

func TestNotifyAnyChannelSuccess(t *testing.T) {
	slack := &fakeChannel{name: ChannelSlack, err: errors.New("500")}
	email := &fakeChannel{name: ChannelEmail}

	n := New(zaptest.NewLogger(t), bareConfig(), WithChannel(slack), WithChannel(email))
	ok := n.Notify(context.Background(), "system_health", map[string]any{"system_name": "api", "status": "degraded"})

	assert.True(t, ok)
	assert.Equal(t, int32(1), slack.calls.Load())
	assert.Equal(t, int32(1), email.calls.Load())

	hist := n.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Success)
	require.Len(t, hist[0].Deliveries, 2)
	assert.Equal(t, ChannelEmail, hist[0].Deliveries[0].Channel, "rule order: email, slack")
	assert.False(t, hist[0].Deliveries[1].Success)
	assert.Equal(t, PriorityHigh, hist[0].Notification.Priority)
	assert.Contains(t, email.last.Body, "**System:** api")
}

func TestNotifyAllChannelsFail(t *testing.T) {
	slack := &fakeChannel{name: ChannelSlack, err: errors.New("timeout")}
	n := New(zaptest.NewLogger(t), bareConfig(), WithChannel(slack))

	assert.False(t, n.Notify(context.Background(), "performance_issue", nil))
	assert.Equal(t, int32(1), slack.calls.Load())
}

func TestNotifyNoChannelsRegistered(t *testing.T) {
	n := New(zaptest.NewLogger(t), bareConfig())
	assert.Empty(t, n.Channels())
	assert.False(t, n.Notify(context.Background(), "system_health", nil))
	require.Len(t, n.History(), 1)
	assert.Empty(t, n.History()[0].Deliveries)
}

func TestCooldownIsPerTypeAndBeforeFanOut(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	slack := &fakeChannel{name: ChannelSlack}
	email := &fakeChannel{name: ChannelEmail}
	discord := &fakeChannel{name: ChannelDiscord}
	n := New(zaptest.NewLogger(t), bareConfig(),
		WithChannel(slack), WithChannel(email), WithChannel(discord),
		WithTracker(cooldown.NewMemoryTracker().WithClock(clock)),
		WithClock(clock),
	)
	ctx := context.Background()

	assert.True(t, n.Notify(ctx, "security_alert", nil))
	now = now.Add(30 * time.Second)
	assert.False(t, n.Notify(ctx, "security_alert", nil), "inside 60s cooldown")
	assert.Equal(t, int32(1), discord.calls.Load())
	assert.Equal(t, int32(1), slack.calls.Load(), "no channel attempted while cooling down")

	assert.True(t, n.Notify(ctx, "performance_issue", nil), "other types are independent")

	now = now.Add(31 * time.Second)
	assert.True(t, n.Notify(ctx, "security_alert", nil))
	assert.Equal(t, int32(2), discord.calls.Load())
	assert.Equal(t, uint64(1), n.Suppressed())
}

func TestUnknownTypeUsesFallbackRule(t *testing.T) {
	slack := &fakeChannel{name: ChannelSlack}
	n := New(zaptest.NewLogger(t), bareConfig(), WithChannel(slack))

	assert.True(t, n.Notify(context.Background(), "disk_on_fire", map[string]any{"host": "db-1"}))
	rec := n.History()[0].Notification
	assert.Equal(t, PriorityMedium, rec.Priority)
	assert.Equal(t, 300*time.Second, rec.Cooldown)
	assert.Equal(t, "QMOI Disk On Fire Alert", rec.Subject)
	assert.Equal(t, "**disk_on_fire**\n\nhost: db-1", rec.Body)
}

func TestDeliveryErrorsHideChannelSecrets(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := bareConfig()
	cfg.DefaultChannels = []string{ChannelTelegram}
	tg := NewTelegramChannel(TelegramConfig{BotToken: "SECRET123", ChatID: "42", APIBase: "http://127.0.0.1:1"}, nil)
	n := New(zap.New(core), cfg, WithChannel(tg))

	assert.False(t, n.Notify(context.Background(), "custom_event", map[string]any{"message": "hi"}))

	hist := n.History()
	require.Len(t, hist, 1)
	require.Len(t, hist[0].Deliveries, 1)
	assert.NotEmpty(t, hist[0].Deliveries[0].Error)
	assert.NotContains(t, hist[0].Deliveries[0].Error, "SECRET123")

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, "SECRET123")
		for _, v := range entry.ContextMap() {
			assert.NotContains(t, fmt.Sprint(v), "SECRET123")
		}
	}
}

func TestHistoryCapped(t *testing.T) {
	cfg := bareConfig()
	cfg.HistorySize = 3
	n := New(zaptest.NewLogger(t), cfg, WithChannel(&fakeChannel{name: ChannelSlack}),
		WithTracker(cooldown.NewMemoryTracker()))

	for i := 0; i < 5; i++ {
		n.Notify(context.Background(), "type_"+string(rune('a'+i)), nil)
	}
	hist := n.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "type_c", hist[0].Notification.Type)
}

func TestQueueConsumer(t *testing.T) {
	slack := &fakeChannel{name: ChannelSlack}
	n := New(zaptest.NewLogger(t), bareConfig(), WithChannel(slack))

	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Enqueue("performance_issue", map[string]any{"component": "api"}))

	assert.Eventually(t, func() bool { return slack.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	n.Stop(context.Background())
}

func TestConcurrentStartStop(t *testing.T) {
	slack := &fakeChannel{name: ChannelSlack}
	n := New(zaptest.NewLogger(t), bareConfig(), WithChannel(slack))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, n.Start(context.Background()))
		}()
		go func() {
			defer wg.Done()
			n.Stop(context.Background())
		}()
	}
	wg.Wait()
	n.Stop(context.Background())

	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Enqueue("performance_issue", nil))
	assert.Eventually(t, func() bool { return slack.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	n.Stop(context.Background())
}

func TestEnqueueFullQueue(t *testing.T) {
	cfg := bareConfig()
	cfg.QueueSize = 1
	n := New(zaptest.NewLogger(t), cfg)

	require.NoError(t, n.Enqueue("a", nil))
	assert.ErrorIs(t, n.Enqueue("b", nil), ErrQueueFull)

	// Stop drains what is left.
	n.Stop(context.Background())
	assert.Equal(t, 0, n.QueueLen())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	flaky := &fakeChannel{name: ChannelSlack, err: errors.New("503")}
	cfg := bareConfig()
	cfg.Breaker.FailureThreshold = 2
	n := New(zaptest.NewLogger(t), cfg, WithChannel(flaky), WithTracker(cooldown.NewMemoryTracker()))

	ch := n.channels[ChannelSlack]
	note := n.Build("performance_issue", nil)
	for i := 0; i < 2; i++ {
		assert.Error(t, ch.Send(context.Background(), note))
	}
	err := ch.Send(context.Background(), note)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), flaky.calls.Load())
	assert.Equal(t, "open", n.ChannelStates()[ChannelSlack])
}

func TestReport(t *testing.T) {
	slack := &fakeChannel{name: ChannelSlack}
	email := &fakeChannel{name: ChannelEmail, err: errors.New("auth")}
	n := New(zaptest.NewLogger(t), bareConfig(), WithChannel(slack), WithChannel(email))
	ctx := context.Background()

	n.Notify(ctx, "performance_issue", nil) // slack only, succeeds
	n.Notify(ctx, "backup_status", nil)     // email only, fails
	n.Notify(ctx, "high_cpu", nil)          // slack + email
	n.Notify(ctx, "high_cpu", nil)          // suppressed

	r := n.Report()
	assert.Equal(t, 3, r.Summary.Total)
	assert.Equal(t, 2, r.Summary.Successful)
	assert.Equal(t, 1, r.Summary.Failed)
	assert.InDelta(t, 66.67, r.Summary.SuccessRate, 0.01)
	assert.Equal(t, uint64(1), r.Summary.Suppressed)
	assert.Equal(t, 100.0, r.ByType["high_cpu"].SuccessRate)
	assert.Equal(t, 0.0, r.ByType["backup_status"].SuccessRate)
	assert.Equal(t, []string{"high_cpu"}, r.ByPriority["high"].Types)
	assert.Equal(t, ChannelStats{Attempts: 2, Successes: 2, State: "closed"}, r.ByChannel[ChannelSlack])
	assert.Equal(t, 2, r.ByChannel[ChannelEmail].Failures)
	assert.Len(t, r.Recent, 3)

	dir := t.TempDir()
	path, err := n.WriteReport(dir)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, "notification_latest.json"))
}

type memStore struct {
	mu      sync.Mutex
	records []Record
}

func (m *memStore) RecordNotification(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func TestNotifyRecordsToStore(t *testing.T) {
	store := &memStore{}
	n := New(zaptest.NewLogger(t), bareConfig(), WithChannel(&fakeChannel{name: ChannelSlack}), WithStore(store))

	n.Notify(context.Background(), "deployment_status", map[string]any{"status": "succeeded", "provider": "vercel"})
	require.Len(t, store.records, 1)
	assert.Equal(t, "QMOI Deployment succeeded: vercel", store.records[0].Notification.Subject)
}
