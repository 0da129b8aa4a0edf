package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/qmoi/qmoi-ops/internal/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = ":memory:"

	db, err := New(context.Background(), zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.NotNil(t, db)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew(t *testing.T) {
	t.Run("SQLite", func(t *testing.T) {
		db := setupTestDB(t)
		assert.Equal(t, "sqlite3", db.Driver())
		assert.NoError(t, db.Ping(context.Background()))
	})

	t.Run("SQLiteFileCreatesDirectory", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DSN = filepath.Join(t.TempDir(), "nested", "qmoi.db")
		db, err := New(context.Background(), zaptest.NewLogger(t), cfg)
		require.NoError(t, err)
		defer db.Close()
		assert.FileExists(t, cfg.DSN)
	})

	t.Run("UnsupportedDriver", func(t *testing.T) {
		_, err := New(context.Background(), zaptest.NewLogger(t), Config{Driver: "mysql", DSN: "x"})
		assert.ErrorContains(t, err, "unsupported database driver")
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))

	applied, err := db.appliedMigrations(ctx)
	require.NoError(t, err)
	assert.Len(t, applied, len(migrations))
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: "postgres"}
	assert.Equal(t, "SELECT * FROM runs WHERE kind = $1 LIMIT $2", pg.rebind("SELECT * FROM runs WHERE kind = ? LIMIT ?"))

	lite := &DB{driver: "sqlite3"}
	assert.Equal(t, "WHERE kind = ?", lite.rebind("WHERE kind = ?"))
}

func TestRecordAndListRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	summary := map[string]any{"errors_detected": 23, "platforms_enhanced": 7}
	require.NoError(t, db.RecordRun(ctx, "orchestrate", "run-1", true, 1500*time.Millisecond, summary))
	require.NoError(t, db.RecordRun(ctx, "push", "run-2", false, 2*time.Second, nil))
	require.NoError(t, db.RecordRun(ctx, "orchestrate", "run-3", false, time.Second, summary))

	all, err := db.RecentRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-3", all[0].RunID, "newest first")

	orch, err := db.RecentRuns(ctx, "orchestrate", 10)
	require.NoError(t, err)
	require.Len(t, orch, 2)
	assert.Equal(t, "run-1", orch[1].RunID)
	assert.True(t, orch[1].Success)
	assert.Equal(t, 1500*time.Millisecond, orch[1].Duration)

	var got map[string]int
	require.NoError(t, json.Unmarshal(orch[1].Summary, &got))
	assert.Equal(t, 23, got["errors_detected"])

	limited, err := db.RecentRuns(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordNotificationAndStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := func(typ string, ok bool) notification.Record {
		return notification.Record{
			Notification: notification.Notification{
				ID:        "n-" + typ,
				Type:      typ,
				Priority:  notification.PriorityHigh,
				Channels:  []string{notification.ChannelSlack, notification.ChannelEmail},
				Subject:   "QMOI " + typ,
				CreatedAt: time.Now(),
			},
			Deliveries: []notification.Delivery{
				{Channel: notification.ChannelSlack, Success: ok},
				{Channel: notification.ChannelEmail, Success: false, Error: "auth"},
			},
			Success: ok,
		}
	}

	require.NoError(t, db.RecordNotification(ctx, rec("high_cpu", true)))
	require.NoError(t, db.RecordNotification(ctx, rec("high_cpu", false)))
	require.NoError(t, db.RecordNotification(ctx, rec("backup_status", true)))

	stats, err := db.NotificationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []NotificationCount{
		{Type: "backup_status", Total: 1, Delivered: 1},
		{Type: "high_cpu", Total: 2, Delivered: 1},
	}, stats)
}
