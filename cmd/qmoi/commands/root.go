package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/qmoi/qmoi-ops/internal/app"
	"github.com/qmoi/qmoi-ops/internal/config"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const Version = "1.0.0"

// DefaultConfigFile is used when --config is not given and the file exists.
const DefaultConfigFile = "qmoi.yaml"

var (
	cfgFile   string
	verbose   bool
	logFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "qmoi",
	Short: "QMOI operations automation",
	Long: `qmoi runs the QMOI operational automation: retrying command runner,
parallel platform orchestration, polling monitors with alerting, and
notification fan-out to email, Slack, Discord, webhooks, Telegram and NATS.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Any returned error exits with status 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if apperrors.IsFatal(err) {
			fmt.Fprintln(os.Stderr, "Stopped on fatal error")
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./qmoi.yaml when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "console or json (default from config)")

	rootCmd.SetVersionTemplate(`qmoi {{.Version}}
QMOI operations automation
`)
}

// configPath is --config, else DefaultConfigFile when it exists, else empty
// for built-in defaults.
func configPath() string {
	if cfgFile == "" && fileExists(DefaultConfigFile) {
		return DefaultConfigFile
	}
	return cfgFile
}

// loadConfig resolves the config path and loads it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, apperrors.Fatal("config", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	switch logFormat {
	case "":
	case "json", "console":
		cfg.Logging.Encoding = logFormat
	default:
		return nil, apperrors.Fatalf("config", "unknown log format %q", logFormat)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, apperrors.Fatal("logging", err)
	}
	return logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// bootstrap loads config, lets the caller adjust it, then builds the
// application.
func bootstrap(ctx context.Context, adjust func(*config.Config) error, opts ...app.Option) (*app.Application, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if adjust != nil {
		if err := adjust(cfg); err != nil {
			return nil, nil, err
		}
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]app.Option{app.WithVersion(Version)}, opts...)
	a, err := app.New(ctx, logger, cfg, opts...)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return a, logger, nil
}

func shutdown(a *app.Application, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	logger.Sync()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
