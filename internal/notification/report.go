package notification

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Summary counts sent notifications.
type Summary struct {
	Total       int     `json:"total_notifications"`
	Successful  int     `json:"successful_notifications"`
	Failed      int     `json:"failed_notifications"`
	SuccessRate float64 `json:"success_rate"`
	Suppressed  uint64  `json:"suppressed"`
	Queued      int     `json:"queued"`
}

type TypeStats struct {
	Count       int     `json:"count"`
	SuccessRate float64 `json:"success_rate"`
}

type PriorityStats struct {
	Count int      `json:"count"`
	Types []string `json:"types"`
}

type ChannelStats struct {
	Attempts  int    `json:"attempts"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	State     string `json:"state,omitempty"`
}

// Report aggregates the notification history.
type Report struct {
	Timestamp  time.Time                `json:"timestamp"`
	Summary    Summary                  `json:"summary"`
	ByType     map[string]TypeStats     `json:"by_type"`
	ByPriority map[string]PriorityStats `json:"by_priority"`
	ByChannel  map[string]ChannelStats  `json:"channel_status"`
	Recent     []Record                 `json:"recent_notifications"`
}

// Report builds a report over the retained history.
func (n *Notifier) Report() Report {
	history := n.History()
	r := Report{
		Timestamp:  n.now().UTC(),
		ByType:     make(map[string]TypeStats),
		ByPriority: make(map[string]PriorityStats),
		ByChannel:  make(map[string]ChannelStats),
	}

	typeOK := map[string]int{}
	prioTypes := map[string]map[string]struct{}{}
	for _, rec := range history {
		note := rec.Notification
		r.Summary.Total++
		if rec.Success {
			r.Summary.Successful++
			typeOK[note.Type]++
		} else {
			r.Summary.Failed++
		}

		ts := r.ByType[note.Type]
		ts.Count++
		r.ByType[note.Type] = ts

		p := string(note.Priority)
		if prioTypes[p] == nil {
			prioTypes[p] = map[string]struct{}{}
		}
		prioTypes[p][note.Type] = struct{}{}
		ps := r.ByPriority[p]
		ps.Count++
		r.ByPriority[p] = ps

		for _, d := range rec.Deliveries {
			cs := r.ByChannel[d.Channel]
			cs.Attempts++
			if d.Success {
				cs.Successes++
			} else {
				cs.Failures++
			}
			r.ByChannel[d.Channel] = cs
		}
	}

	if r.Summary.Total > 0 {
		r.Summary.SuccessRate = float64(r.Summary.Successful) / float64(r.Summary.Total) * 100
	}
	r.Summary.Suppressed = n.Suppressed()
	r.Summary.Queued = n.QueueLen()

	for t, ts := range r.ByType {
		ts.SuccessRate = float64(typeOK[t]) / float64(ts.Count) * 100
		r.ByType[t] = ts
	}
	for p, set := range prioTypes {
		ps := r.ByPriority[p]
		for t := range set {
			ps.Types = append(ps.Types, t)
		}
		sort.Strings(ps.Types)
		r.ByPriority[p] = ps
	}
	for name, state := range n.ChannelStates() {
		cs := r.ByChannel[name]
		cs.State = state
		r.ByChannel[name] = cs
	}

	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	r.Recent = history
	return r
}

// WriteReport writes notification_report_<ts>.json and overwrites
// notification_latest.json under dir. It returns the report path.
func (n *Notifier) WriteReport(dir string) (string, error) {
	if dir == "" {
		dir = n.config.ReportDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	report := n.Report()
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("notification_report_%s.json", report.Timestamp.Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	latest := filepath.Join(dir, "notification_latest.json")
	if err := os.WriteFile(latest+".tmp", data, 0o644); err != nil {
		return path, err
	}
	if err := os.Rename(latest+".tmp", latest); err != nil {
		return path, err
	}

	n.logger.Info("Notification report saved", zap.String("path", path))
	return path, nil
}
