package monitoring

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var errNoBackups = errors.New("no backups found")

// BackupConfig configures the backup age sampler.
type BackupConfig struct {
	Directories map[string]string `mapstructure:"directories" yaml:"directories" json:"directories"`
}

// DefaultBackupConfig returns the backup directory table.
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		Directories: map[string]string{
			"push":   ".push_backups",
			"system": "backups/system",
			"data":   "backups/data",
			"config": "backups/config",
		},
	}
}

// BackupSampler reports the age of the newest file in each backup directory.
type BackupSampler struct {
	config BackupConfig
	now    func() time.Time
}

// NewBackupSampler creates a backup sampler.
func NewBackupSampler(config BackupConfig) *BackupSampler {
	return &BackupSampler{config: config, now: time.Now}
}

func (s *BackupSampler) Name() string { return "backup" }

// Sample implements Sampler. backup_age_hours is the oldest of the per
// directory ages, so a single stale directory raises it. Directories that do
// not exist are skipped.
func (s *BackupSampler) Sample(ctx context.Context) ([]Metric, error) {
	var out []Metric
	errs := SampleErrors{}

	kinds := make([]string, 0, len(s.config.Directories))
	for kind := range s.config.Directories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	worst := -1.0
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		dir := s.config.Directories[kind]
		name := fmt.Sprintf("backup.%s.age_hours", kind)

		newest, err := newestFile(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs[name] = err
			continue
		}
		age := s.now().Sub(newest).Hours()
		out = append(out, Metric{Name: name, Value: age, Unit: "h"})
		if age > worst {
			worst = age
		}
	}

	if worst >= 0 {
		out = append(out, Metric{Name: MetricBackupAge, Value: worst, Unit: "h"})
	}
	return out, errs.orNil()
}

// newestFile returns the modification time of the newest regular file under dir.
func newestFile(dir string) (time.Time, error) {
	if _, err := os.Stat(dir); err != nil {
		return time.Time{}, err
	}

	var newest time.Time
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if newest.IsZero() {
		return time.Time{}, fmt.Errorf("%s: %w", dir, errNoBackups)
	}
	return newest, nil
}
