package monitoring

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Report is the periodic history dump of one monitor.
type Report struct {
	Monitor     string     `json:"monitor"`
	GeneratedAt time.Time  `json:"generated_at"`
	Cycles      uint64     `json:"cycles"`
	Count       int        `json:"count"`
	History     []Snapshot `json:"history"`
}

// Persister writes <name>_report_<ts>.json and overwrites <name>_latest.json.
type Persister struct {
	dir string
	now func() time.Time
}

// NewPersister creates a persister rooted at dir.
func NewPersister(dir string) *Persister {
	return &Persister{dir: dir, now: time.Now}
}

// LatestPath returns the path of the overwritten latest snapshot for monitor.
func (p *Persister) LatestPath(monitor string) string {
	return filepath.Join(p.dir, monitor+"_latest.json")
}

// WriteLatest overwrites the latest snapshot file.
func (p *Persister) WriteLatest(s Snapshot) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	return writeJSON(p.LatestPath(s.Monitor), s)
}

// WriteReport writes the history dump and returns its path.
func (p *Persister) WriteReport(monitor string, cycles uint64, history []Snapshot) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	now := p.now()
	path := filepath.Join(p.dir, fmt.Sprintf("%s_report_%s.json", monitor, now.Format("20060102_150405.000")))
	report := Report{
		Monitor:     monitor,
		GeneratedAt: now.UTC(),
		Cycles:      cycles,
		Count:       len(history),
		History:     history,
	}
	return path, writeJSON(path, report)
}

// ReadLatest loads a latest snapshot file.
func ReadLatest(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &s, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
