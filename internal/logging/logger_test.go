package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestNewFactoryWritesRollingFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Console = false
	cfg.File = filepath.Join(dir, "logs", "qmoi.log")

	f, err := NewFactory(cfg)
	require.NoError(t, err)

	f.Logger("runner").Info("attempt finished")
	_ = f.Sync()

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "attempt finished")
	assert.Contains(t, string(data), `"logger":"runner"`)
}

func TestNewFactoryRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.File = ""
	cfg.Level = "loud"

	_, err := NewFactory(cfg)
	assert.Error(t, err)
}

func TestLoggerIsCachedPerModule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.File = ""
	cfg.ModuleLevels = map[string]string{"monitor": "debug"}

	f, err := NewFactory(cfg)
	require.NoError(t, err)

	a := f.Logger("monitor")
	b := f.Logger("monitor")
	assert.Same(t, a, b)
	assert.NotSame(t, a, f.Logger("notify"))
}

func TestLoggerContext(t *testing.T) {
	assert.Same(t, zap.L(), FromContext(context.Background()))

	logger := zaptest.NewLogger(t)
	ctx := ToContext(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}
