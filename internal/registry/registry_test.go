package registry

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jmylchreest/capturr/internal/capture"
	"github.com/jmylchreest/capturr/internal/encoder"
	"github.com/jmylchreest/capturr/internal/observability"
	"github.com/jmylchreest/capturr/internal/recorder"
)

type nopSelector struct{}

func (nopSelector) SelectBestEncoder(context.Context, string) (string, error) {
	return encoder.Software, nil
}

func (nopSelector) EncoderOptions(string) map[string]string { return nil }

type nopEncoder struct{}

func (nopEncoder) Encode([]byte) ([]encoder.Packet, error) { return nil, nil }
func (nopEncoder) Flush() ([]encoder.Packet, error)        { return nil, nil }
func (nopEncoder) Close() error                            { return nil }

type nopOutput struct{}

func (nopOutput) WritePacket(encoder.Packet) error { return nil }
func (nopOutput) Close() error                     { return nil }

// countingFactory opens pattern sources and counts how many were opened.
type countingFactory struct {
	capture.Factory

	mu     sync.Mutex
	opened int
}

func (f *countingFactory) Open(ctx context.Context, kind capture.Kind, index int, name string, fps int) (capture.Source, error) {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return f.Factory.Open(ctx, kind, index, name, fps)
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func newRegistry(t *testing.T, cfg Config) (*Registry, *countingFactory, *observability.Metrics) {
	t.Helper()
	if cfg.MediaRoot == "" {
		cfg.MediaRoot = t.TempDir()
	}
	if cfg.FPS == 0 {
		cfg.FPS = 20
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.WatchdogMisses == 0 {
		cfg.WatchdogMisses = 1000
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = time.Second
	}

	sources := &countingFactory{Factory: capture.Factory{Backend: capture.BackendPattern, Width: 32, Height: 32}}
	metrics := observability.NewMetrics()
	reg, err := New(cfg, Options{
		Sources:  sources,
		Selector: nopSelector{},
		NewEncoder: func(context.Context, recorder.EncoderSpec) (recorder.Encoder, error) {
			return nopEncoder{}, nil
		},
		OpenOutput: func(recorder.OutputSpec) (recorder.Output, error) { return nopOutput{}, nil },
		Metrics:    metrics,
		Logger:     observability.Discard(),
	})
	require.NoError(t, err)
	return reg, sources, metrics
}

func shutdown(t *testing.T, reg *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(ctx))
}

func TestNew(t *testing.T) {
	_, err := New(Config{}, Options{})
	require.Error(t, err)

	reg, _, _ := newRegistry(t, Config{})
	assert.Len(t, reg.SID(), 36, "missing sid is generated")

	reg, _, _ = newRegistry(t, Config{SID: "exam-1"})
	assert.Equal(t, "exam-1", reg.SID())
}

func TestRegistry_StartIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg, sources, _ := newRegistry(t, Config{})
	ctx := context.Background()

	first, err := reg.StartScreen(ctx, 0, "Display 1")
	require.NoError(t, err)
	assert.Equal(t, "Display 1", first.Name())
	assert.Equal(t, recorder.StateRecording, first.State())

	again, err := reg.StartScreen(ctx, 0, "Display 1")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, sources.count())

	assert.Equal(t, []string{"Display 1"}, reg.Names(capture.KindScreen))
	assert.Empty(t, reg.Names(capture.KindCamera))

	_, err = reg.StartCamera(ctx, 0, "Display 1")
	require.ErrorIs(t, err, ErrNameInUse)

	shutdown(t, reg)
}

func TestRegistry_ConcurrentStartsShareOneSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg, sources, _ := newRegistry(t, Config{})

	var wg sync.WaitGroup
	recs := make([]*recorder.Recorder, 8)
	for i := range recs {
		wg.Go(func() {
			rec, err := reg.StartCamera(context.Background(), 0, "Webcam")
			assert.NoError(t, err)
			recs[i] = rec
		})
	}
	wg.Wait()

	for _, rec := range recs {
		assert.Same(t, recs[0], rec)
	}
	assert.Equal(t, 1, sources.count())

	shutdown(t, reg)
}

func TestRegistry_SanitisesNames(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg, _, _ := newRegistry(t, Config{})

	rec, err := reg.StartScreen(context.Background(), 0, "a/b:c")
	require.NoError(t, err)
	assert.Equal(t, "a_b_c", rec.Name())
	assert.Equal(t, filepath.Join(reg.cfg.MediaRoot, "a_b_c"), rec.Dir())

	got, ok := reg.Get("a_b_c")
	require.True(t, ok)
	assert.Same(t, rec, got)

	shutdown(t, reg)
}

func TestRegistry_SweepRemovesStoppedSessions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg, sources, metrics := newRegistry(t, Config{})
	ctx := context.Background()

	screen, err := reg.StartScreen(ctx, 0, "Screen_0")
	require.NoError(t, err)
	_, err = reg.StartCamera(ctx, 0, "Camera_0")
	require.NoError(t, err)
	assert.True(t, reg.Healthy())

	require.NoError(t, screen.Stop())
	assert.False(t, reg.Healthy(), "a stopped session is unhealthy until swept")

	_, err = reg.LiveManifest("Screen_0")
	require.ErrorIs(t, err, recorder.ErrNotRecording)

	assert.Equal(t, []string{"Screen_0"}, reg.Sweep())
	assert.True(t, reg.Healthy())
	assert.Empty(t, reg.Names(capture.KindScreen))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SessionsSwept))

	_, err = reg.LiveManifest("Screen_0")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// A later start creates a fresh session in the same directory.
	fresh, err := reg.StartScreen(ctx, 0, "Screen_0")
	require.NoError(t, err)
	assert.NotSame(t, screen, fresh)
	assert.Equal(t, screen.Dir(), fresh.Dir())
	assert.Equal(t, 3, sources.count())

	shutdown(t, reg)
}

func TestRegistry_StartReplacesFinishedSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg, _, _ := newRegistry(t, Config{})
	ctx := context.Background()

	old, err := reg.StartScreen(ctx, 0, "Screen_0")
	require.NoError(t, err)
	require.NoError(t, old.Stop())

	rec, err := reg.StartScreen(ctx, 0, "Screen_0")
	require.NoError(t, err)
	assert.NotSame(t, old, rec)
	assert.Equal(t, recorder.StateRecording, rec.State())

	shutdown(t, reg)
}

func TestRegistry_LiveManifest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg, _, _ := newRegistry(t, Config{})

	_, err := reg.StartScreen(context.Background(), 0, "Screen_0")
	require.NoError(t, err)

	manifest, err := reg.LiveManifest("Screen_0")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(manifest, "#EXTM3U\n"))

	infos := reg.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "Screen_0", infos[0].Name)
	assert.Equal(t, capture.KindScreen, infos[0].Kind)
	assert.Equal(t, recorder.StateRecording, infos[0].State)
	assert.Equal(t, encoder.Software, infos[0].Encoder)

	shutdown(t, reg)
}

func TestRegistry_ScheduledSweep(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg, _, _ := newRegistry(t, Config{SweepInterval: time.Second})
	require.NoError(t, reg.Start())

	rec, err := reg.StartCamera(context.Background(), 1, "Camera_1")
	require.NoError(t, err)
	require.NoError(t, rec.Stop())

	require.Eventually(t, func() bool {
		return len(reg.Names(capture.KindCamera)) == 0
	}, 5*time.Second, 50*time.Millisecond)

	shutdown(t, reg)
}

func TestRegistry_Shutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg, _, _ := newRegistry(t, Config{})
	require.NoError(t, reg.Start())
	ctx := context.Background()

	var recs []*recorder.Recorder
	for _, name := range []string{"Screen_0", "Screen_1"} {
		rec, err := reg.StartScreen(ctx, 0, name)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	cam, err := reg.StartCamera(ctx, 0, "Camera_0")
	require.NoError(t, err)
	recs = append(recs, cam)

	shutdown(t, reg)

	for _, rec := range recs {
		assert.Equal(t, recorder.StateStopped, rec.State(), rec.Name())
	}
	assert.Empty(t, reg.Names(capture.KindScreen))
	assert.Empty(t, reg.Names(capture.KindCamera))
	assert.True(t, reg.Healthy())

	_, err = reg.StartScreen(ctx, 0, "Screen_0")
	require.ErrorIs(t, err, ErrShutdown)
}
