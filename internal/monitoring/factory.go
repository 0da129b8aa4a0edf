package monitoring

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Monitor kinds.
const (
	KindSystem    = "system"
	KindEndpoints = "endpoints"
	KindBackup    = "backup"
)

// Kinds lists every built-in monitor kind.
func Kinds() []string {
	return []string{KindSystem, KindEndpoints, KindBackup}
}

// IntervalFor returns the configured sampling interval of a monitor kind, or
// zero for an unknown kind.
func IntervalFor(cfg Config, kind string) time.Duration {
	switch kind {
	case KindSystem:
		return cfg.SystemInterval
	case KindEndpoints:
		return cfg.EndpointInterval
	case KindBackup:
		return cfg.BackupInterval
	default:
		return 0
	}
}

// Build creates a monitor of the given kind from config. The caller's options
// are applied after the config-derived ones.
func Build(logger *zap.Logger, cfg Config, kind string, opts ...Option) (*PollMonitor, error) {
	var sampler Sampler
	switch kind {
	case KindSystem:
		sampler = NewSystemSampler(cfg.System)
	case KindEndpoints:
		sampler = NewEndpointSampler(cfg.Endpoints, nil)
	case KindBackup:
		sampler = NewBackupSampler(cfg.Backup)
	default:
		return nil, fmt.Errorf("unknown monitor type %q", kind)
	}

	base := []Option{
		WithInterval(IntervalFor(cfg, kind)),
		WithFallbackInterval(cfg.FallbackInterval),
		WithSampleTimeout(cfg.SampleTimeout),
		WithMaxHistory(cfg.MaxHistory),
		WithPersister(NewPersister(cfg.ReportDir), cfg.FlushEvery),
		WithRequiredEnv(cfg.RequiredEnv[kind]...),
	}
	return New(logger, kind, []Sampler{sampler}, cfg.Thresholds, append(base, opts...)...), nil
}
