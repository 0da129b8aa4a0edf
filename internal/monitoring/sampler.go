package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Metric names produced by the built-in samplers.
const (
	MetricCPUPercent       = "cpu_percent"
	MetricMemoryPercent    = "memory_percent"
	MetricDiskPercent      = "disk_percent"
	MetricLoad1            = "load_1"
	MetricNetBytesSent     = "net_bytes_sent"
	MetricNetBytesRecv     = "net_bytes_recv"
	MetricProcessCount     = "process_count"
	MetricQMOIProcessCount = "qmoi_process_count"
	MetricAvailability     = "endpoints.availability_percent"
	MetricLatencyMean      = "endpoints.latency_mean_ms"
	MetricLatencyStdDev    = "endpoints.latency_stddev_ms"
	MetricLatencyP95       = "endpoints.latency_p95_ms"
	MetricBackupAge        = "backup_age_hours"
)

// Sampler reads a set of metrics. A sampler may return partial metrics
// together with a SampleErrors value naming the metrics it could not read.
type Sampler interface {
	Name() string
	Sample(ctx context.Context) ([]Metric, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc struct {
	SamplerName string
	Fn          func(ctx context.Context) ([]Metric, error)
}

func (f SamplerFunc) Name() string { return f.SamplerName }

func (f SamplerFunc) Sample(ctx context.Context) ([]Metric, error) { return f.Fn(ctx) }

// SampleErrors maps a metric name to the error that prevented reading it.
type SampleErrors map[string]error

func (e SampleErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e[k]))
	}
	return strings.Join(parts, "; ")
}

// orNil returns nil when no metric failed.
func (e SampleErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// SystemConfig configures the host sampler.
type SystemConfig struct {
	DiskPath       string        `mapstructure:"disk_path" yaml:"disk_path" json:"disk_path"`
	CPUWindow      time.Duration `mapstructure:"cpu_window" yaml:"cpu_window" json:"cpu_window"`
	ProcessPattern string        `mapstructure:"process_pattern" yaml:"process_pattern" json:"process_pattern"`
}

// DefaultSystemConfig returns host sampler defaults.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		DiskPath:       "/",
		CPUWindow:      time.Second,
		ProcessPattern: "qmoi",
	}
}

// SystemSampler reads host metrics through gopsutil.
type SystemSampler struct {
	config SystemConfig
}

// NewSystemSampler creates a host sampler.
func NewSystemSampler(config SystemConfig) *SystemSampler {
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	return &SystemSampler{config: config}
}

func (s *SystemSampler) Name() string { return "system" }

// Sample implements Sampler. Every metric is read independently.
func (s *SystemSampler) Sample(ctx context.Context) ([]Metric, error) {
	var out []Metric
	errs := SampleErrors{}

	if percent, err := cpu.PercentWithContext(ctx, s.config.CPUWindow, false); err != nil {
		errs[MetricCPUPercent] = err
	} else if len(percent) > 0 {
		out = append(out, Metric{Name: MetricCPUPercent, Value: percent[0], Unit: "%"})
	}

	if vmem, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs[MetricMemoryPercent] = err
	} else {
		out = append(out, Metric{Name: MetricMemoryPercent, Value: vmem.UsedPercent, Unit: "%"})
	}

	if usage, err := disk.UsageWithContext(ctx, s.config.DiskPath); err != nil {
		errs[MetricDiskPercent] = err
	} else {
		out = append(out, Metric{Name: MetricDiskPercent, Value: usage.UsedPercent, Unit: "%"})
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs[MetricLoad1] = err
	} else {
		out = append(out, Metric{Name: MetricLoad1, Value: avg.Load1})
	}

	if iostats, err := net.IOCountersWithContext(ctx, false); err != nil {
		errs[MetricNetBytesSent] = err
	} else if len(iostats) > 0 {
		out = append(out,
			Metric{Name: MetricNetBytesSent, Value: float64(iostats[0].BytesSent), Unit: "bytes"},
			Metric{Name: MetricNetBytesRecv, Value: float64(iostats[0].BytesRecv), Unit: "bytes"},
		)
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		errs[MetricProcessCount] = err
	} else {
		out = append(out, Metric{Name: MetricProcessCount, Value: float64(len(procs))})
		if s.config.ProcessPattern != "" {
			out = append(out, Metric{Name: MetricQMOIProcessCount, Value: float64(countMatching(ctx, procs, s.config.ProcessPattern))})
		}
	}

	return out, errs.orNil()
}

// countMatching counts processes whose command line contains pattern.
// Processes that exit mid-scan are skipped.
func countMatching(ctx context.Context, procs []*process.Process, pattern string) int {
	n := 0
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, pattern) {
			n++
		}
	}
	return n
}
