package deployment

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultSkipDirs are never archived.
var DefaultSkipDirs = []string{".git", "node_modules", ".push_backups"}

// BackupResult describes a written archive.
type BackupResult struct {
	Path     string `json:"path"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
	Location string `json:"location,omitempty"`
}

// Backup writes root as destDir/backup-<timestamp>.tar.gz. Directories named
// in skip (DefaultSkipDirs when nil) are left out at any depth, as is destDir.
func Backup(ctx context.Context, root, destDir string, now time.Time, skip []string) (BackupResult, error) {
	if skip == nil {
		skip = DefaultSkipDirs
	}
	skipSet := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipSet[s] = true
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return BackupResult{}, fmt.Errorf("failed to create backup directory: %w", err)
	}
	absDest, _ := filepath.Abs(destDir)

	archive := filepath.Join(destDir, fmt.Sprintf("backup-%s.tar.gz", now.UTC().Format("20060102_150405")))
	file, err := os.Create(archive)
	if err != nil {
		return BackupResult{}, err
	}

	gw, err := gzip.NewWriterLevel(file, gzip.DefaultCompression)
	if err != nil {
		file.Close()
		return BackupResult{}, err
	}
	tw := tar.NewWriter(gw)

	res := BackupResult{Path: archive}
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != root && skipSet[d.Name()] {
				return filepath.SkipDir
			}
			if abs, _ := filepath.Abs(p); abs == absDest {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		n, err := addFile(tw, p, filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("add %s: %w", rel, err)
		}
		res.Files++
		res.Bytes += n
		return nil
	})

	// Close in order so the archive is complete before it is reported.
	closeErr := tw.Close()
	if err := gw.Close(); closeErr == nil {
		closeErr = err
	}
	if err := file.Close(); closeErr == nil {
		closeErr = err
	}

	if walkErr != nil || closeErr != nil {
		os.Remove(archive)
		if walkErr != nil {
			return BackupResult{}, fmt.Errorf("backup failed: %w", walkErr)
		}
		return BackupResult{}, fmt.Errorf("backup failed: %w", closeErr)
	}
	return res, nil
}

func addFile(tw *tar.Writer, path, name string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	return io.Copy(tw, f)
}
