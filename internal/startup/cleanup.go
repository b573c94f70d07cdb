// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/capturr/internal/hls"
)

// DefaultCleanupAge is how old a leftover temp file must be before it is
// treated as orphaned. Segments are written for a few seconds at a time, so
// anything this old was abandoned by a crashed process.
const DefaultCleanupAge = 10 * time.Minute

// tempPrefixes are the name prefixes of in-progress writes. Segments, signatures
// and the playlist are written to a hidden temp file next to their final name and
// renamed into place.
var tempPrefixes = []string{"." + hls.SegmentPrefix, "." + hls.PlaylistName}

// CleanupOrphanedTempFiles removes leftover temporary segment, signature and
// playlist files older than maxAge from every session directory under
// mediaRoot.
//
// Returns the number of files removed and any error encountered.
func CleanupOrphanedTempFiles(logger *slog.Logger, mediaRoot string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(mediaRoot); os.IsNotExist(err) {
		logger.Debug("media root does not exist, skipping cleanup",
			slog.String("path", mediaRoot),
		)
		return 0, nil
	}

	sessions, err := os.ReadDir(mediaRoot)
	if err != nil {
		logger.Error("failed to read media root for cleanup",
			slog.String("path", mediaRoot),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, session := range sessions {
		if !session.IsDir() {
			continue
		}
		dir := filepath.Join(mediaRoot, session.Name())

		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("failed to read session directory",
				slog.String("path", dir),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !isTempName(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())

			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				logger.Debug("preserving recent temp file",
					slog.String("path", path),
					slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
				)
				continue
			}

			if err := os.Remove(path); err != nil {
				logger.Warn("failed to remove orphaned temp file",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}

			logger.Info("removed orphaned temp file",
				slog.String("path", path),
				slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
			)
			removed++
		}
	}

	return removed, nil
}

func isTempName(name string) bool {
	for _, p := range tempPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
