package deployment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/runner"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Provider names.
const (
	ProviderHeroku       = "heroku"
	ProviderDigitalOcean = "digitalocean"
	ProviderVercel       = "vercel"
)

// Deployment statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// DeployConfig configures the hosting provider wrappers. Tokens come from the
// environment and are never written back to disk.
type DeployConfig struct {
	Dir          string   `mapstructure:"dir" yaml:"dir" json:"dir"`
	AppName      string   `mapstructure:"app_name" yaml:"app_name" json:"app_name"`
	Region       string   `mapstructure:"region" yaml:"region" json:"region"`
	Branch       string   `mapstructure:"branch" yaml:"branch" json:"branch"`
	Providers    []string `mapstructure:"providers" yaml:"providers" json:"providers"`
	Instances    int      `mapstructure:"instances" yaml:"instances" json:"instances"`
	InstanceSize string   `mapstructure:"instance_size" yaml:"instance_size" json:"instance_size"`

	HerokuAPIKey      string `mapstructure:"heroku_api_key" yaml:"-" json:"-"`
	DigitalOceanToken string `mapstructure:"digitalocean_token" yaml:"-" json:"-"`
	VercelToken       string `mapstructure:"vercel_token" yaml:"-" json:"-"`
}

// DefaultDeployConfig returns the provider defaults.
func DefaultDeployConfig() DeployConfig {
	return DeployConfig{
		Dir:          ".",
		AppName:      "qmoi",
		Region:       "nyc",
		Branch:       "main",
		Providers:    []string{ProviderHeroku, ProviderDigitalOcean, ProviderVercel},
		Instances:    1,
		InstanceSize: "basic-xxs",
	}
}

// ProviderResult is the outcome for one provider.
type ProviderResult struct {
	Provider string        `json:"provider"`
	Status   string        `json:"status"`
	Steps    []StepResult  `json:"steps,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// DeployReport aggregates one deploy run.
type DeployReport struct {
	ID        string           `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	Results   []ProviderResult `json:"results"`
	Duration  time.Duration    `json:"duration"`
}

// Succeeded is true when no provider failed. Skipped providers do not count.
func (r *DeployReport) Succeeded() bool {
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			return false
		}
	}
	return true
}

type plannedStep struct {
	name     string
	cmd      runner.Command
	critical bool
}

// provider plans the CLI calls for one hosting target.
type provider struct {
	name     string
	tokenEnv string
	token    func(DeployConfig) string
	plan     func(DeployConfig, []string) ([]plannedStep, error)
}

var providers = map[string]provider{
	ProviderHeroku: {
		name:     ProviderHeroku,
		tokenEnv: "HEROKU_API_KEY",
		token:    func(c DeployConfig) string { return c.HerokuAPIKey },
		plan: func(c DeployConfig, env []string) ([]plannedStep, error) {
			create := runner.NewCommand("heroku", "create", c.AppName)
			create.Env = env
			remote := runner.NewCommand("heroku", "git:remote", "--app", c.AppName)
			remote.Env = env
			push := runner.NewCommand("git", "push", "heroku", "HEAD:"+c.Branch)
			push.Env = env
			return []plannedStep{
				// Fails when the app already exists.
				{name: "heroku-create", cmd: create},
				{name: "heroku-remote", cmd: remote, critical: true},
				{name: "heroku-push", cmd: push, critical: true},
			}, nil
		},
	},
	ProviderDigitalOcean: {
		name:     ProviderDigitalOcean,
		tokenEnv: "DIGITALOCEAN_ACCESS_TOKEN",
		token:    func(c DeployConfig) string { return c.DigitalOceanToken },
		plan: func(c DeployConfig, env []string) ([]plannedStep, error) {
			spec, err := writeAppSpec(c)
			if err != nil {
				return nil, err
			}
			apply := runner.NewCommand("doctl", "apps", "create", "--spec", spec, "--upsert")
			apply.Env = env
			return []plannedStep{{name: "doctl-apps-create", cmd: apply, critical: true}}, nil
		},
	},
	ProviderVercel: {
		name:     ProviderVercel,
		tokenEnv: "VERCEL_TOKEN",
		token:    func(c DeployConfig) string { return c.VercelToken },
		plan: func(c DeployConfig, env []string) ([]plannedStep, error) {
			deploy := runner.NewCommand("vercel", "deploy", "--prod", "--yes")
			deploy.Env = env
			return []plannedStep{{name: "vercel-deploy", cmd: deploy, critical: true}}, nil
		},
	},
}

// appSpec is the DigitalOcean App Platform spec subset we generate.
type appSpec struct {
	Name     string       `yaml:"name"`
	Region   string       `yaml:"region"`
	Services []appService `yaml:"services"`
}

type appService struct {
	Name             string `yaml:"name"`
	InstanceCount    int    `yaml:"instance_count"`
	InstanceSizeSlug string `yaml:"instance_size_slug"`
	SourceDir        string `yaml:"source_dir"`
}

// writeAppSpec writes <dir>/.do/app.yaml and returns its path.
func writeAppSpec(c DeployConfig) (string, error) {
	spec := appSpec{
		Name:   fmt.Sprintf("%s-%s", c.AppName, c.Region),
		Region: c.Region,
		Services: []appService{{
			Name:             "web",
			InstanceCount:    max(c.Instances, 1),
			InstanceSizeSlug: c.InstanceSize,
			SourceDir:        "/",
		}},
	}
	data, err := yaml.Marshal(spec)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(c.Dir, ".do")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "app.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// KnownProviders lists supported provider names.
func KnownProviders() []string {
	return []string{ProviderHeroku, ProviderDigitalOcean, ProviderVercel}
}

// Deployer runs the provider CLIs through the command runner.
type Deployer struct {
	hooks
	logger *zap.Logger
	config DeployConfig
	runner CommandRunner
}

// NewDeployer creates a deployer.
func NewDeployer(logger *zap.Logger, config DeployConfig, r CommandRunner, opts ...Option) *Deployer {
	def := DefaultDeployConfig()
	if config.Dir == "" {
		config.Dir = def.Dir
	}
	if config.AppName == "" {
		config.AppName = def.AppName
	}
	if config.Region == "" {
		config.Region = def.Region
	}
	if config.Branch == "" {
		config.Branch = def.Branch
	}
	if len(config.Providers) == 0 {
		config.Providers = def.Providers
	}
	if config.InstanceSize == "" {
		config.InstanceSize = def.InstanceSize
	}
	return &Deployer{
		hooks:  newHooks(opts),
		logger: logger,
		config: config,
		runner: r,
	}
}

// Deploy runs each named provider in turn, or the configured providers when
// none are named. A provider without credentials is skipped. Failures are
// reported per provider; the returned error is non-nil only on cancellation.
func (d *Deployer) Deploy(ctx context.Context, names ...string) (*DeployReport, error) {
	if len(names) == 0 {
		names = d.config.Providers
	}
	report := &DeployReport{ID: uuid.NewString(), StartedAt: d.now()}
	start := time.Now()

	for _, name := range names {
		if ctx.Err() != nil {
			report.Duration = time.Since(start)
			return report, apperrors.Transient("deploy", ctx.Err())
		}
		res := d.deployOne(ctx, name)
		report.Results = append(report.Results, res)
		d.notify(ctx, res)
	}
	report.Duration = time.Since(start)

	if d.recorder != nil {
		if err := d.recorder.RecordRun(ctx, "deploy", report.ID, report.Succeeded(), report.Duration, report); err != nil {
			d.logger.Warn("Failed to record deploy run", zap.Error(err))
		}
	}
	return report, nil
}

func (d *Deployer) deployOne(ctx context.Context, name string) (res ProviderResult) {
	start := time.Now()
	res.Provider = name
	defer func() { res.Duration = time.Since(start) }()

	p, ok := providers[name]
	if !ok {
		err := apperrors.Degraded("deploy."+name, fmt.Errorf("unknown provider %q", name))
		res.Status, res.Error = StatusSkipped, err.Error()
		d.logger.Warn("Unknown deployment provider", zap.String("provider", name))
		return res
	}

	token := p.token(d.config)
	if token == "" {
		err := apperrors.Degraded("deploy."+name, fmt.Errorf("%s is not set", p.tokenEnv))
		res.Status, res.Error = StatusSkipped, err.Error()
		d.logger.Warn("Skipping provider without credentials",
			zap.String("provider", name),
			zap.String("env", p.tokenEnv),
		)
		return res
	}

	steps, err := p.plan(d.config, []string{p.tokenEnv + "=" + token})
	if err != nil {
		res.Status, res.Error = StatusFailed, err.Error()
		return res
	}

	d.logger.Info("Deploying", zap.String("provider", name), zap.Int("steps", len(steps)))
	for _, s := range steps {
		cmd := s.cmd.In(d.config.Dir)
		out, err := d.runner.Run(ctx, cmd, runner.Options{Critical: s.critical})
		sr := StepResult{
			Name:        s.name,
			Command:     cmd.String(),
			Critical:    s.critical,
			Success:     out.Success,
			Attempts:    out.Attempts,
			Remediation: out.Remediation,
			Error:       out.Stderr,
			Duration:    out.Duration,
		}
		res.Steps = append(res.Steps, sr)
		if err != nil {
			res.Status, res.Error = StatusFailed, err.Error()
			d.logger.Error("Deployment failed", zap.String("provider", name), zap.Error(err))
			return res
		}
	}

	res.Status = StatusSucceeded
	d.logger.Info("Deployment succeeded", zap.String("provider", name))
	return res
}

func (d *Deployer) notify(ctx context.Context, res ProviderResult) {
	if d.notifier == nil {
		return
	}
	data := map[string]any{
		"status":   res.Status,
		"provider": res.Provider,
		"duration": res.Duration.Round(time.Millisecond).String(),
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	d.notifier.Notify(ctx, "deployment_status", data)
}
