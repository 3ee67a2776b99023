// Package backup snapshots configuration and results on a schedule and
// prunes old snapshots.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// retention is how long a snapshot directory survives.
const retention = 30 * 24 * time.Hour

const dirPrefix = "backup_"

// Runner copies a fixed set of source paths into timestamped snapshot
// directories under destDir.
type Runner struct {
	destDir string
	sources []string
	logger  *zap.Logger
}

func NewRunner(destDir string, sources []string, logger *zap.Logger) *Runner {
	return &Runner{destDir: destDir, sources: sources, logger: logger}
}

// Run creates one snapshot and prunes expired ones. Missing sources
// are skipped, not fatal; the rest of the snapshot still lands.
func (r *Runner) Run(now time.Time) error {
	dir := filepath.Join(r.destDir, dirPrefix+now.Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	copied := 0
	for _, src := range r.sources {
		if err := copyPath(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			if os.IsNotExist(err) {
				r.logger.Warn("backup source missing", zap.String("path", src))
				continue
			}
			return fmt.Errorf("failed to back up %s: %w", src, err)
		}
		copied++
	}
	r.logger.Info("backup written", zap.String("dir", dir), zap.Int("entries", copied))

	return r.prune(now)
}

// prune removes snapshot directories older than the retention window,
// judged by the timestamp in the directory name.
func (r *Runner) prune(now time.Time) error {
	entries, err := os.ReadDir(r.destDir)
	if err != nil {
		return fmt.Errorf("failed to read backup directory: %w", err)
	}
	cutoff := now.Add(-retention)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		stamp, err := time.ParseInLocation("20060102_150405",
			strings.TrimPrefix(entry.Name(), dirPrefix), now.Location())
		if err != nil {
			continue
		}
		if stamp.Before(cutoff) {
			path := filepath.Join(r.destDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				r.logger.Warn("failed to prune old backup", zap.String("dir", path), zap.Error(err))
				continue
			}
			r.logger.Info("pruned old backup", zap.String("dir", path))
		}
	}
	return nil
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst, info.Mode())
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyPath(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
