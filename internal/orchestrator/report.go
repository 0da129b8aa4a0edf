package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PhaseResult is the outcome of one phase on one platform.
type PhaseResult struct {
	Platform   string `json:"platform"`
	Phase      string `json:"phase"`
	Detected   int    `json:"detected"`
	Fixed      int    `json:"fixed"`
	Activated  int    `json:"activated"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// PhaseSummary aggregates one phase across platforms.
type PhaseSummary struct {
	Phase           string  `json:"phase"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// AggregateReport is built once per orchestration run.
type AggregateReport struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Timestamp       string         `json:"timestamp"`
	Stats           map[string]int `json:"stats"`
	PerPhaseResults []PhaseResult  `json:"per_phase_results"`
	Phases          []PhaseSummary `json:"phases"`
	Platforms       []string       `json:"platforms"`
	SuccessRate     float64        `json:"success_rate"`
	DurationSeconds float64        `json:"duration_seconds"`
	Cancelled       bool           `json:"cancelled,omitempty"`
}

// Succeeded reports whether every task succeeded.
func (r *AggregateReport) Succeeded() bool {
	return r.Stats[StatTasksFailed] == 0 && !r.Cancelled
}

// Summary is the compact form written to the latest/summary file.
type Summary struct {
	ID              string         `json:"id"`
	Timestamp       string         `json:"timestamp"`
	Stats           map[string]int `json:"stats"`
	SuccessRate     float64        `json:"success_rate"`
	DurationSeconds float64        `json:"duration_seconds"`
	FailedTasks     []PhaseResult  `json:"failed_tasks,omitempty"`
	DetailedReport  string         `json:"detailed_report"`
}

// ReportWriter persists reports under a directory.
type ReportWriter struct {
	dir  string
	name string
	now  func() time.Time
}

// NewReportWriter creates a writer for logs/<name>-report-<ts>.json and
// logs/<name>-summary.json.
func NewReportWriter(dir, name string) *ReportWriter {
	return &ReportWriter{dir: dir, name: name, now: time.Now}
}

// SummaryPath returns the path of the overwritten summary file.
func (w *ReportWriter) SummaryPath() string {
	return filepath.Join(w.dir, w.name+"-summary.json")
}

// Write writes the detailed report and overwrites the summary. It returns the
// detailed report path.
func (w *ReportWriter) Write(report *AggregateReport) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	detailed := filepath.Join(w.dir, fmt.Sprintf("%s-report-%s.json", w.name, w.now().Format("20060102-150405.000")))
	if err := writeJSON(detailed, report); err != nil {
		return "", err
	}

	summary := Summary{
		ID:              report.ID,
		Timestamp:       report.Timestamp,
		Stats:           report.Stats,
		SuccessRate:     report.SuccessRate,
		DurationSeconds: report.DurationSeconds,
		DetailedReport:  detailed,
	}
	for _, r := range report.PerPhaseResults {
		if !r.Success {
			summary.FailedTasks = append(summary.FailedTasks, r)
		}
	}
	if err := writeJSON(w.SummaryPath(), summary); err != nil {
		return detailed, err
	}
	return detailed, nil
}

// ReadSummary loads the latest summary file.
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &s, nil
}

// writeJSON writes through a temp file and rename so readers never see a
// partial file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
