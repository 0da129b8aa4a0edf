package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config contains logging configuration.
type Config struct {
	// Output settings
	Level    string `mapstructure:"level" yaml:"level" json:"level"`
	Encoding string `mapstructure:"encoding" yaml:"encoding" json:"encoding"` // json or console
	Console  bool   `mapstructure:"console" yaml:"console" json:"console"`

	// Rolling file, empty disables it
	File       string `mapstructure:"file" yaml:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress" json:"compress"`

	ModuleLevels map[string]string `mapstructure:"module_levels" yaml:"module_levels,omitempty" json:"module_levels,omitempty"`
	Sampling     bool              `mapstructure:"sampling" yaml:"sampling" json:"sampling"`
}

// DefaultConfig returns the logging defaults.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Encoding:   "console",
		Console:    true,
		File:       filepath.Join("logs", "qmoi.log"),
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Compress:   true,
	}
}

// Factory hands out named loggers that share one root core.
type Factory struct {
	config     Config
	rootLogger *zap.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// NewFactory builds the root logger and replaces zap's globals with it.
func NewFactory(config Config) (*Factory, error) {
	if config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	root := zap.New(buildCore(config, level), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	zap.ReplaceGlobals(root)

	return &Factory{
		config:     config,
		rootLogger: root,
		loggers:    make(map[string]*zap.Logger),
	}, nil
}

// New is a shortcut for NewFactory(config).Root().
func New(config Config) (*zap.Logger, error) {
	f, err := NewFactory(config)
	if err != nil {
		return nil, err
	}
	return f.Root(), nil
}

// Root returns the root logger.
func (f *Factory) Root() *zap.Logger {
	return f.rootLogger
}

// Logger returns the logger for module, honouring per-module levels.
func (f *Factory) Logger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, ok := f.loggers[module]; ok {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	if logger, ok := f.loggers[module]; ok {
		return logger
	}

	logger := f.rootLogger.Named(module)
	if levelStr, ok := f.config.ModuleLevels[module]; ok {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			core := buildCore(f.config, level)
			logger = logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
				return core
			}))
		}
	}

	f.loggers[module] = logger
	return logger
}

// Sync flushes the root logger.
func (f *Factory) Sync() error {
	return f.rootLogger.Sync()
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// buildCore tees a console core and a rotating JSON file core.
func buildCore(config Config, level zapcore.Level) zapcore.Core {
	enc := encoderConfig()
	cores := make([]zapcore.Core, 0, 2)

	if config.Console || config.File == "" {
		var encoder zapcore.Encoder
		if config.Encoding == "json" {
			encoder = zapcore.NewJSONEncoder(enc)
		} else {
			encoder = zapcore.NewConsoleEncoder(enc)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}

	if config.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}
	return core
}
