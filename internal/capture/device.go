package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/capturr/internal/ffmpeg"
	"github.com/jmylchreest/capturr/internal/pixfmt"
)

// DeviceConfig describes an ffmpeg device grab.
type DeviceConfig struct {
	Kind   Kind
	Index  int
	Name   string
	Width  int
	Height int
	FPS    int

	// Format and Input override the platform default ffmpeg demuxer and input,
	// e.g. Format "kmsgrab" or Input "/dev/video2".
	Format  string
	Input   string
	Display string // X11 display for screen grabs, default ":0.0"

	FFmpegPath string
	LogLevel   string
}

// Device grabs frames from a screen or camera through an ffmpeg subprocess
// emitting rawvideo BGR24 on stdout. ffmpeg paces the output at the
// requested frame rate, so the device self-paces.
type Device struct {
	cfg       DeviceConfig
	name      string
	frameSize int
	logger    *slog.Logger

	proc *ffmpeg.Process

	readMu   sync.Mutex
	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

// NewDevice starts the grab process.
func NewDevice(ctx context.Context, cfg DeviceConfig, logger *slog.Logger) (*Device, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return nil, fmt.Errorf("device geometry %dx%d@%d is invalid", cfg.Width, cfg.Height, cfg.FPS)
	}

	format, input, err := deviceInput(runtime.GOOS, cfg)
	if err != nil {
		return nil, err
	}

	cmd := ffmpeg.NewCommandBuilder(cfg.FFmpegPath).
		LogLevel(cfg.LogLevel).
		HideBanner().
		NoStdin().
		InputArgs("-f", format, "-framerate", strconv.Itoa(cfg.FPS)).
		Input(input).
		VideoFilter(fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height)).
		OutputArgs("-r", strconv.Itoa(cfg.FPS), "-f", "rawvideo").
		PixelFormat(pixfmt.BGR24.String()).
		Output("pipe:1").
		Build()

	name := SanitizeName(cfg.Name)
	logger = logger.With(slog.String("source", name), slog.String("kind", string(cfg.Kind)))

	// The grab outlives the caller's request context; Stop ends it.
	proc, err := ffmpeg.StartProcess(context.WithoutCancel(ctx), cmd, false, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	logger.Info("capture device started",
		slog.String("format", format),
		slog.String("input", input),
		slog.Int("width", cfg.Width),
		slog.Int("height", cfg.Height),
		slog.Int("fps", cfg.FPS),
	)

	return &Device{
		cfg:       cfg,
		name:      name,
		frameSize: pixfmt.BGR24.FrameSize(cfg.Width, cfg.Height),
		logger:    logger,
		proc:      proc,
		stopped:   make(chan struct{}),
	}, nil
}

// deviceInput picks the ffmpeg demuxer and input for the platform.
func deviceInput(goos string, cfg DeviceConfig) (format, input string, err error) {
	format, input = cfg.Format, cfg.Input
	if format != "" && input != "" {
		return format, input, nil
	}

	var defFormat, defInput string
	switch {
	case goos == "linux" && cfg.Kind == KindScreen:
		display := cfg.Display
		if display == "" {
			display = ":0.0"
		}
		defFormat, defInput = "x11grab", display
	case goos == "linux" && cfg.Kind == KindCamera:
		defFormat, defInput = "v4l2", fmt.Sprintf("/dev/video%d", cfg.Index)
	case goos == "windows" && cfg.Kind == KindScreen:
		defFormat, defInput = "gdigrab", "desktop"
	case goos == "windows" && cfg.Kind == KindCamera:
		defFormat, defInput = "dshow", "video="+cfg.Name
	case goos == "darwin":
		defFormat, defInput = "avfoundation", fmt.Sprintf("%d:none", cfg.Index)
	default:
		return "", "", fmt.Errorf("no default %s capture for %s; set format and input", cfg.Kind, goos)
	}

	if format == "" {
		format = defFormat
	}
	if input == "" {
		input = defInput
	}
	return format, input, nil
}

func (d *Device) Name() string   { return d.name }
func (d *Device) Width() int     { return d.cfg.Width }
func (d *Device) Height() int    { return d.cfg.Height }
func (d *Device) FPS() int       { return d.cfg.FPS }
func (d *Device) AutoWait() bool { return true }

// CaptureFrame reads the next frame from the grab process.
func (d *Device) CaptureFrame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-d.stopped:
		return nil, ErrStopped
	default:
	}

	d.readMu.Lock()
	defer d.readMu.Unlock()

	buf := make([]byte, d.frameSize)
	if _, err := io.ReadFull(d.proc.Stdout(), buf); err != nil {
		select {
		case <-d.stopped:
			return nil, ErrStopped
		default:
		}
		if tail := d.proc.StderrTail(); len(tail) > 0 {
			return nil, fmt.Errorf("%w: %w (ffmpeg: %s)", ErrCaptureFailed, err, strings.Join(tail, "; "))
		}
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	return &Frame{
		Data:     buf,
		Width:    d.cfg.Width,
		Height:   d.cfg.Height,
		Format:   pixfmt.BGR24,
		Captured: time.Now(),
	}, nil
}

// Stop ends the grab process. It is idempotent.
func (d *Device) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.stopErr = d.proc.Kill()
		d.logger.Debug("capture device stopped")
	})
	return d.stopErr
}
