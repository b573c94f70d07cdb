package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/capturr/internal/config"
	"github.com/jmylchreest/capturr/internal/hls"
	"github.com/jmylchreest/capturr/internal/observability"
	"github.com/jmylchreest/capturr/internal/recorder"
	"github.com/jmylchreest/capturr/internal/registry"
	"github.com/jmylchreest/capturr/internal/signing"
)

func TestToMap(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	require.NoError(t, err)

	data, err := yaml.Marshal(toMap(cfg))
	require.NoError(t, err)

	var back map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, "3s", back["monitor"]["poll_interval"])
	assert.Equal(t, 24, back["recording"]["fps"])
	assert.Equal(t, "CkyfExamClient", back["signing"]["salt_prefix"])
}

func TestIsSessionDir(t *testing.T) {
	root := t.TempDir()
	session := filepath.Join(root, "Screen_0")
	require.NoError(t, os.MkdirAll(session, 0o755))
	assert.False(t, isSessionDir(session), "empty directory")

	require.NoError(t, os.WriteFile(hls.SegmentPath(session, 0), []byte("x"), 0o644))
	assert.True(t, isSessionDir(session))
	assert.False(t, isSessionDir(root))

	playlistOnly := filepath.Join(root, "Camera_0")
	require.NoError(t, os.MkdirAll(playlistOnly, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(playlistOnly, hls.PlaylistName), []byte("#EXTM3U\n"), 0o644))
	assert.True(t, isSessionDir(playlistOnly))
}

func TestWriteReportTable(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Screen_0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for n := range 3 {
		require.NoError(t, os.WriteFile(hls.SegmentPath(dir, n), bytes.Repeat([]byte{byte(n)}, 1024), 0o644))
	}

	signer := signing.NewSigner(dir, "", "exam-1", observability.Discard())
	_, err := signer.Sign(2)
	require.NoError(t, err)

	report, err := signing.VerifyRoot(t.Context(), root, signing.VerifyOptions{SkipProbe: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	writeReportTable(&buf, report)
	out := buf.String()
	assert.Contains(t, out, "Screen_0")
	assert.Contains(t, out, "3.0 KiB")
	assert.Contains(t, out, "exam-1")
	assert.Contains(t, out, "All signed segments match")

	// Tampering flips the verdict and names the segment.
	require.NoError(t, os.WriteFile(hls.SegmentPath(dir, 2), []byte("edited"), 0o644))
	require.NoError(t, os.Chtimes(hls.SegmentPath(dir, 2), time.Now(), time.Now()))
	report, err = signing.VerifyRoot(t.Context(), root, signing.VerifyOptions{SkipProbe: true})
	require.NoError(t, err)

	buf.Reset()
	writeReportTable(&buf, report)
	assert.Contains(t, buf.String(), "hash mismatch: video_2.ts")
	assert.Contains(t, buf.String(), "FAILED")
	assert.False(t, report.OK())
}

type fixedSessions []registry.Info

func (f fixedSessions) Sessions() []registry.Info { return f }

func TestAllEnded(t *testing.T) {
	assert.True(t, allEnded(nil), "no sessions left after a sweep")
	assert.True(t, allEnded([]registry.Info{{State: recorder.StateFailed}, {State: recorder.StateStopped}}))
	assert.False(t, allEnded([]registry.Info{{State: recorder.StateFailed}, {State: recorder.StateRecording}}))
}

func TestWaitForEnd(t *testing.T) {
	tests := []struct {
		name      string
		sessions  fixedSessions
		stopAfter time.Duration
	}{
		{name: "every session failed", sessions: fixedSessions{{Name: "Screen_0", State: recorder.StateFailed}}},
		{name: "every session swept", sessions: fixedSessions{}},
		{name: "duration reached", sessions: fixedSessions{{Name: "Screen_0", State: recorder.StateRecording}}, stopAfter: 20 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan struct{})
			go func() {
				waitForEnd(context.Background(), tt.sessions, tt.stopAfter, 10*time.Millisecond, observability.Discard())
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("waitForEnd did not return")
			}
		})
	}
}

func TestWaitForEnd_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recording := fixedSessions{{Name: "Camera_0", State: recorder.StateRecording}}
	waitForEnd(ctx, recording, 0, time.Hour, observability.Discard())
}
