package deployment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
)

func TestDeploySkipsProvidersWithoutCredentials(t *testing.T) {
	fr := newFakeRunner()
	fr.fail["heroku create"] = true // app exists
	notifier := &fakeNotifier{}
	recorder := &fakeRecorder{}

	cfg := DefaultDeployConfig()
	cfg.Dir = t.TempDir()
	cfg.HerokuAPIKey = "hk"
	cfg.VercelToken = "vt"

	d := NewDeployer(zaptest.NewLogger(t), cfg, fr, WithNotifier(notifier), WithRecorder(recorder))
	report, err := d.Deploy(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	heroku, do, vercel := report.Results[0], report.Results[1], report.Results[2]
	assert.Equal(t, StatusSucceeded, heroku.Status, "heroku create is best effort")
	assert.Len(t, heroku.Steps, 3)
	assert.False(t, heroku.Steps[0].Success)

	assert.Equal(t, StatusSkipped, do.Status)
	assert.Contains(t, do.Error, "DIGITALOCEAN_ACCESS_TOKEN")

	assert.Equal(t, StatusSucceeded, vercel.Status)
	assert.True(t, report.Succeeded())

	for _, c := range fr.commands {
		assert.Equal(t, cfg.Dir, c.Dir)
		require.Len(t, c.Env, 1)
	}
	assert.Contains(t, fr.lines(), "git push heroku HEAD:main")
	assert.Equal(t, "VERCEL_TOKEN=vt", fr.commands[len(fr.commands)-1].Env[0])

	assert.Len(t, notifier.types, 3)
	assert.Equal(t, "skipped", notifier.data[1]["status"])
	assert.Equal(t, "digitalocean", notifier.data[1]["provider"])
	assert.Equal(t, []bool{true}, recorder.success)
}

func TestDeployCriticalFailure(t *testing.T) {
	fr := newFakeRunner()
	fr.fail["vercel deploy"] = true

	cfg := DefaultDeployConfig()
	cfg.Dir = t.TempDir()
	cfg.VercelToken = "vt"

	report, err := NewDeployer(zaptest.NewLogger(t), cfg, fr).Deploy(context.Background(), ProviderVercel)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, StatusFailed, report.Results[0].Status)
	assert.False(t, report.Succeeded())
}

func TestDeployUnknownProvider(t *testing.T) {
	report, err := NewDeployer(zaptest.NewLogger(t), DefaultDeployConfig(), newFakeRunner()).
		Deploy(context.Background(), "netlify")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "unknown provider")
}

func TestDeployDigitalOceanWritesAppSpec(t *testing.T) {
	fr := newFakeRunner()
	cfg := DefaultDeployConfig()
	cfg.Dir = t.TempDir()
	cfg.DigitalOceanToken = "do"
	cfg.Instances = 2

	report, err := NewDeployer(zaptest.NewLogger(t), cfg, fr).Deploy(context.Background(), ProviderDigitalOcean)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, report.Results[0].Status)

	specPath := filepath.Join(cfg.Dir, ".do", "app.yaml")
	assert.Equal(t, "doctl apps create --spec "+specPath+" --upsert", fr.lines()[0])

	data, err := os.ReadFile(specPath)
	require.NoError(t, err)
	var spec appSpec
	require.NoError(t, yaml.Unmarshal(data, &spec))
	assert.Equal(t, "qmoi-nyc", spec.Name)
	require.Len(t, spec.Services, 1)
	assert.Equal(t, 2, spec.Services[0].InstanceCount)
	assert.Equal(t, "basic-xxs", spec.Services[0].InstanceSizeSlug)
}

func TestDeployCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDeployer(zaptest.NewLogger(t), DefaultDeployConfig(), newFakeRunner()).Deploy(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
