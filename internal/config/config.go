// Package config loads the qmoi configuration from a YAML or JSON file, the
// environment and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/qmoi/qmoi-ops/internal/api"
	"github.com/qmoi/qmoi-ops/internal/cooldown"
	"github.com/qmoi/qmoi-ops/internal/database"
	"github.com/qmoi/qmoi-ops/internal/deployment"
	"github.com/qmoi/qmoi-ops/internal/logging"
	"github.com/qmoi/qmoi-ops/internal/monitoring"
	"github.com/qmoi/qmoi-ops/internal/notification"
	"github.com/qmoi/qmoi-ops/internal/orchestrator"
	"github.com/qmoi/qmoi-ops/internal/runner"
	"github.com/qmoi/qmoi-ops/internal/storage"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. QMOI_MONITOR_SYSTEM_INTERVAL.
const EnvPrefix = "QMOI"

// Config is the full application configuration.
type Config struct {
	Logging      logging.Config          `mapstructure:"logging" yaml:"logging" json:"logging"`
	Runner       runner.Config           `mapstructure:"runner" yaml:"runner" json:"runner"`
	Orchestrator orchestrator.Config     `mapstructure:"orchestrator" yaml:"orchestrator" json:"orchestrator"`
	Monitor      monitoring.Config       `mapstructure:"monitor" yaml:"monitor" json:"monitor"`
	Notification notification.Config     `mapstructure:"notification" yaml:"notification" json:"notification"`
	Server       api.Config              `mapstructure:"server" yaml:"server" json:"server"`
	Store        database.Config         `mapstructure:"store" yaml:"store" json:"store"`
	Storage      storage.S3Config        `mapstructure:"storage" yaml:"storage" json:"storage"`
	Cooldown     CooldownConfig          `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown"`
	Deploy       deployment.DeployConfig `mapstructure:"deploy" yaml:"deploy" json:"deploy"`
	Push         deployment.PushConfig   `mapstructure:"push" yaml:"push" json:"push"`

	Credentials Credentials `mapstructure:"-" yaml:"-" json:"-"`
}

// CooldownConfig selects the cooldown store.
type CooldownConfig struct {
	Backend string               `mapstructure:"backend" yaml:"backend" json:"backend"` // memory or redis
	Redis   cooldown.RedisConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging:      logging.DefaultConfig(),
		Runner:       runner.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Monitor:      monitoring.DefaultConfig(),
		Notification: notification.DefaultConfig(),
		Server:       api.DefaultConfig(),
		Store:        database.DefaultConfig(),
		Storage:      storage.S3Config{Region: "us-east-1", Prefix: "qmoi"},
		Cooldown: CooldownConfig{
			Backend: "memory",
			Redis:   cooldown.RedisConfig{Addr: "localhost:6379", Prefix: "qmoi:cooldown:"},
		},
		Deploy: deployment.DefaultDeployConfig(),
		Push:   deployment.DefaultPushConfig(),
	}
}

// Load reads path (optional), applies QMOI_* overrides and credentials from the
// environment, and validates the result. .env files in the working directory
// and next to path are loaded first without overriding set variables.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "yml" || ext == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Credentials = CredentialsFromEnv()
	cfg.Credentials.Apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) {
	files := []string{".env"}
	if path != "" {
		if p := filepath.Join(filepath.Dir(path), ".env"); p != ".env" {
			files = append(files, p)
		}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// setDefaults registers scalar keys so that QMOI_* variables can override them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("runner.retries", d.Runner.Retries)
	v.SetDefault("runner.backoff", d.Runner.Backoff)
	v.SetDefault("runner.timeout", d.Runner.Timeout)
	v.SetDefault("runner.auto_fix", d.Runner.AutoFix)

	v.SetDefault("orchestrator.report_dir", d.Orchestrator.ReportDir)
	v.SetDefault("orchestrator.interval", d.Orchestrator.Interval)
	v.SetDefault("orchestrator.task_timeout", d.Orchestrator.TaskTimeout)
	v.SetDefault("orchestrator.work", d.Orchestrator.Work)
	v.SetDefault("orchestrator.work_dir", d.Orchestrator.WorkDir)

	v.SetDefault("monitor.system_interval", d.Monitor.SystemInterval)
	v.SetDefault("monitor.endpoint_interval", d.Monitor.EndpointInterval)
	v.SetDefault("monitor.backup_interval", d.Monitor.BackupInterval)
	v.SetDefault("monitor.fallback_interval", d.Monitor.FallbackInterval)
	v.SetDefault("monitor.max_history", d.Monitor.MaxHistory)
	v.SetDefault("monitor.flush_every", d.Monitor.FlushEvery)
	v.SetDefault("monitor.report_dir", d.Monitor.ReportDir)
	v.SetDefault("monitor.alert_cooldown", d.Monitor.AlertCooldown)
	v.SetDefault("monitor.endpoints.base_url", d.Monitor.Endpoints.BaseURL)

	v.SetDefault("notification.queue_size", d.Notification.QueueSize)
	v.SetDefault("notification.report_dir", d.Notification.ReportDir)
	v.SetDefault("notification.nats.url", d.Notification.NATS.URL)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.addr", d.Server.Addr)

	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("storage.enabled", d.Storage.Enabled)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.endpoint", d.Storage.Endpoint)

	v.SetDefault("cooldown.backend", d.Cooldown.Backend)
	v.SetDefault("cooldown.redis.addr", d.Cooldown.Redis.Addr)

	v.SetDefault("push.branch", d.Push.Branch)
	v.SetDefault("push.message", d.Push.Message)
}

// Save writes cfg as YAML. Secrets are never written.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}
	return nil
}
