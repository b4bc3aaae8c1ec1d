package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes WAL files older than the retention period. A zero
// retention keeps everything. The file w is writing is never removed.
func (w *WAL) Cleanup(now time.Time) (CleanupStats, error) {
	return cleanup(w.cfg, now, w.path)
}

// Cleanup removes old WAL files from a directory no WAL has open
func Cleanup(cfg Config, now time.Time) (CleanupStats, error) {
	return cleanup(cfg, now, "")
}

func cleanup(cfg Config, now time.Time, keep string) (CleanupStats, error) {
	var stats CleanupStats
	if cfg.RetentionDays <= 0 {
		return stats, nil
	}

	cutoff := now.AddDate(0, 0, -cfg.RetentionDays)
	for _, file := range findAllWALFiles(cfg.Dir, cfg.prefix()) {
		if file == keep {
			continue
		}
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.record(info)
	}
	return stats, nil
}

func (s *CleanupStats) record(info os.FileInfo) {
	mod := info.ModTime()
	if s.FilesRemoved == 0 || mod.Before(s.OldestRemoved) {
		s.OldestRemoved = mod
	}
	if s.FilesRemoved == 0 || mod.After(s.NewestRemoved) {
		s.NewestRemoved = mod
	}
	s.FilesRemoved++
	s.BytesFreed += info.Size()
}

// findAllWALFiles returns all WAL files in directory
func findAllWALFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	return files
}
