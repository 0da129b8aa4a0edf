package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric is one sampled value.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold breach found in one cycle.
type Alert struct {
	Type       string    `json:"type"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Suppressed bool      `json:"suppressed,omitempty"`
	Dispatched bool      `json:"dispatched,omitempty"`
}

// Snapshot is the result of one monitor cycle.
type Snapshot struct {
	Monitor   string             `json:"monitor"`
	Cycle     uint64             `json:"cycle"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Errors    map[string]string  `json:"errors,omitempty"`
	Alerts    []Alert            `json:"alerts,omitempty"`
}

// Healthy reports whether the cycle had no sample errors and no alerts.
func (s Snapshot) Healthy() bool {
	return len(s.Errors) == 0 && len(s.Alerts) == 0
}

// MetricNames returns the sampled metric names in sorted order.
func (s Snapshot) MetricNames() []string {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Threshold maps a metric to an alert type. A zero level is disabled.
// LowerIsWorse flips the comparison for metrics such as availability.
type Threshold struct {
	Metric       string  `mapstructure:"metric" yaml:"metric" json:"metric"`
	AlertType    string  `mapstructure:"alert_type" yaml:"alert_type" json:"alert_type"`
	Warning      float64 `mapstructure:"warning" yaml:"warning" json:"warning"`
	Critical     float64 `mapstructure:"critical" yaml:"critical" json:"critical"`
	LowerIsWorse bool    `mapstructure:"lower_is_worse" yaml:"lower_is_worse,omitempty" json:"lower_is_worse,omitempty"`
}

// Evaluate returns the highest level breached by value. Breaches are strict.
func (t Threshold) Evaluate(value float64) (Severity, float64, bool) {
	breached := func(level float64) bool {
		if level == 0 {
			return false
		}
		if t.LowerIsWorse {
			return value < level
		}
		return value > level
	}

	switch {
	case breached(t.Critical):
		return SeverityCritical, t.Critical, true
	case breached(t.Warning):
		return SeverityWarning, t.Warning, true
	default:
		return "", 0, false
	}
}

// DefaultThresholds returns the built-in threshold table.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Metric: MetricCPUPercent, AlertType: "high_cpu", Warning: 70, Critical: 85},
		{Metric: MetricMemoryPercent, AlertType: "high_memory", Warning: 80, Critical: 90},
		{Metric: MetricDiskPercent, AlertType: "high_disk", Warning: 85, Critical: 95},
		{Metric: MetricAvailability, AlertType: "endpoint_down", Warning: 99.5, Critical: 50, LowerIsWorse: true},
		{Metric: MetricLatencyP95, AlertType: "performance_issue", Warning: 5000},
		{Metric: MetricBackupAge, AlertType: "backup_overdue", Warning: 24, Critical: 72},
	}
}

func alertMessage(t Threshold, value, threshold float64, sev Severity) string {
	dir := "above"
	if t.LowerIsWorse {
		dir = "below"
	}
	return fmt.Sprintf("%s %s: %s is %.2f, %s threshold %.2f",
		strings.ToUpper(string(sev)), strings.ReplaceAll(t.AlertType, "_", " "), t.Metric, value, dir, threshold)
}

// State is the position of a monitor in its cycle.
type State int32

const (
	StateIdle State = iota
	StateSampling
	StateEvaluating
	StateAlerting
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSampling:
		return "sampling"
	case StateEvaluating:
		return "evaluating"
	case StateAlerting:
		return "alerting"
	case StatePersisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// History is a bounded FIFO of snapshots.
type History struct {
	mu    sync.RWMutex
	items []Snapshot
	max   int
}

// NewHistory creates a history holding at most max snapshots.
func NewHistory(max int) *History {
	if max < 1 {
		max = 1
	}
	return &History{max: max}
}

// Add appends s, evicting the oldest entries over the cap.
func (h *History) Add(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, s)
	if over := len(h.items) - h.max; over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

// Snapshots returns a copy, oldest first.
func (h *History) Snapshots() []Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Snapshot(nil), h.items...)
}

// Latest returns the newest snapshot.
func (h *History) Latest() (Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.items) == 0 {
		return Snapshot{}, false
	}
	return h.items[len(h.items)-1], true
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

func (h *History) Cap() int { return h.max }
