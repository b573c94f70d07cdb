package startup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/capturr/internal/observability"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestCleanupOrphanedTempFiles(t *testing.T) {
	root := t.TempDir()
	session := filepath.Join(root, "Screen_0")
	require.NoError(t, os.MkdirAll(session, 0o755))

	oldSegment := filepath.Join(session, ".video_7.ts1234567")
	oldPlaylist := filepath.Join(session, ".video.m3u8987654")
	recent := filepath.Join(session, ".video_8.ts5555")
	lock := filepath.Join(session, ".capturr.lock")
	segment := filepath.Join(session, "video_6.ts")

	writeAged(t, oldSegment, 2*time.Hour)
	writeAged(t, oldPlaylist, 2*time.Hour)
	writeAged(t, recent, time.Minute)
	writeAged(t, lock, 2*time.Hour)
	writeAged(t, segment, 2*time.Hour)
	writeAged(t, filepath.Join(root, ".video_1.ts999"), 2*time.Hour) // not in a session directory

	count, err := CleanupOrphanedTempFiles(observability.Discard(), root, DefaultCleanupAge)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, gone := range []string{oldSegment, oldPlaylist} {
		_, err := os.Stat(gone)
		assert.True(t, os.IsNotExist(err), "%s should be removed", filepath.Base(gone))
	}
	for _, kept := range []string{recent, lock, segment, filepath.Join(root, ".video_1.ts999")} {
		_, err := os.Stat(kept)
		assert.NoError(t, err, "%s should be preserved", filepath.Base(kept))
	}
}

func TestCleanupOrphanedTempFiles_MissingRoot(t *testing.T) {
	count, err := CleanupOrphanedTempFiles(observability.Discard(), filepath.Join(t.TempDir(), "missing"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, count)
}
