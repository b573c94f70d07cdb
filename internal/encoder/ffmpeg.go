package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/capturr/internal/ffmpeg"
	"github.com/jmylchreest/capturr/internal/pixfmt"
)

const defaultFlushTimeout = 5 * time.Second

// ErrEncoderExited is returned by Encode once the ffmpeg process has gone away.
var ErrEncoderExited = errors.New("encoder process exited")

// Config describes an encoder process.
type Config struct {
	FFmpegPath string
	LogLevel   string

	EncoderID    string
	Options      map[string]string
	Width        int
	Height       int
	FPS          int
	GOP          int
	Input        pixfmt.Format
	OutputPixFmt string
	HWDevice     string // e.g. /dev/dri/renderD128 for vaapi

	FlushTimeout time.Duration
}

// FFmpeg encodes raw frames with an ffmpeg subprocess. Frames go in on stdin;
// stdout carries MPEG-TS which is demuxed back into H.264 access units.
// Encoding is pipelined, so Encode returns whatever packets ffmpeg has
// produced so far, which lags the frames written by the encoder's delay.
type FFmpeg struct {
	cfg       Config
	logger    *slog.Logger
	proc      *ffmpeg.Process
	frameSize int

	mu        sync.Mutex
	queue     []Packet
	demuxErr  error
	demuxDone chan struct{}

	stdinOnce sync.Once
	stdinErr  error
}

// New starts the encoder process.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*FFmpeg, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid encoder geometry %dx%d@%d", cfg.Width, cfg.Height, cfg.FPS)
	}
	if cfg.EncoderID == "" {
		return nil, errors.New("encoder id is required")
	}
	frameSize := cfg.Input.FrameSize(cfg.Width, cfg.Height)
	if frameSize == 0 {
		return nil, fmt.Errorf("unsupported encoder input format %s", cfg.Input)
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}

	logger = logger.With(slog.String("encoder", cfg.EncoderID))
	cmd := buildCommand(cfg)

	// Cleanup flushes the encoder after the recording context is cancelled,
	// so the process must not die with it.
	proc, err := ffmpeg.StartProcess(context.WithoutCancel(ctx), cmd, true, logger)
	if err != nil {
		return nil, err
	}

	e := &FFmpeg{
		cfg:       cfg,
		logger:    logger,
		proc:      proc,
		frameSize: frameSize,
		demuxDone: make(chan struct{}),
	}
	go e.demux(proc.Stdout())

	logger.Info("encoder started",
		slog.Int("pid", proc.PID()),
		slog.String("input_pix_fmt", cfg.Input.String()),
		slog.String("output_pix_fmt", cfg.OutputPixFmt),
		slog.Int("gop", cfg.GOP),
	)
	return e, nil
}

func buildCommand(cfg Config) *ffmpeg.Command {
	b := ffmpeg.NewCommandBuilder(cfg.FFmpegPath).
		LogLevel(cfg.LogLevel).
		HideBanner()

	if hw := HWUploadType(cfg.EncoderID); hw != "" {
		b.InitHWDevice(hw, cfg.HWDevice).HWUploadFilter(hw)
	}

	b.RawVideoInput(cfg.Input.String(), cfg.Width, cfg.Height, cfg.FPS).
		Input("pipe:0").
		VideoCodec(cfg.EncoderID).
		CodecOptions(cfg.Options).
		PixelFormat(cfg.OutputPixFmt)

	if cfg.GOP > 0 {
		b.OutputArgs("-g", strconv.Itoa(cfg.GOP))
	}

	return b.
		OutputArgs("-bf", "0", "-bsf:v", "h264_metadata=aud=insert").
		MpegtsArgs().
		Output("pipe:1").
		Build()
}

func (e *FFmpeg) demux(r io.Reader) {
	var err error
	defer func() {
		e.mu.Lock()
		e.demuxErr = err
		e.mu.Unlock()
		close(e.demuxDone)
	}()

	reader := &mpegts.Reader{R: r}
	if err = reader.Initialize(); err != nil {
		err = fmt.Errorf("initializing mpegts reader: %w", err)
		return
	}

	var video *mpegts.Track
	for _, track := range reader.Tracks() {
		if _, ok := track.Codec.(*mpegts.CodecH264); ok {
			video = track
			break
		}
	}
	if video == nil {
		err = errors.New("encoder output has no H.264 track")
		return
	}

	reader.OnDecodeError(func(derr error) {
		e.logger.Debug("mpegts decode error", slog.String("error", derr.Error()))
	})
	reader.OnDataH264(video, func(pts, dts int64, au [][]byte) error {
		if len(au) == 0 {
			return nil
		}
		e.mu.Lock()
		e.queue = append(e.queue, Packet{
			PTS:      pts,
			DTS:      dts,
			AU:       au,
			Keyframe: h264.IsRandomAccess(au),
		})
		e.mu.Unlock()
		return nil
	})

	for {
		if rerr := reader.Read(); rerr != nil {
			if !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrClosedPipe) {
				err = fmt.Errorf("reading encoder output: %w", rerr)
			}
			return
		}
	}
}

func (e *FFmpeg) drain() []Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.queue
	e.queue = nil
	return out
}

// Encode writes one frame and returns the packets produced so far.
func (e *FFmpeg) Encode(frame []byte) ([]Packet, error) {
	if len(frame) != e.frameSize {
		return nil, fmt.Errorf("%w: encoder expects %d bytes, got %d", pixfmt.ErrFrameSize, e.frameSize, len(frame))
	}

	select {
	case <-e.demuxDone:
		e.mu.Lock()
		err := e.demuxErr
		e.mu.Unlock()
		if err != nil {
			return e.drain(), fmt.Errorf("%w: %w", ErrEncoderExited, err)
		}
		return e.drain(), ErrEncoderExited
	default:
	}

	if _, err := e.proc.Stdin().Write(frame); err != nil {
		return e.drain(), fmt.Errorf("writing frame to encoder: %w", err)
	}
	return e.drain(), nil
}

func (e *FFmpeg) closeStdin() error {
	e.stdinOnce.Do(func() {
		e.stdinErr = e.proc.Stdin().Close()
	})
	return e.stdinErr
}

// Flush ends the input and returns every remaining packet. It waits at most
// FlushTimeout for ffmpeg to drain before killing it.
func (e *FFmpeg) Flush() ([]Packet, error) {
	if err := e.closeStdin(); err != nil {
		e.logger.Debug("closing encoder stdin", slog.String("error", err.Error()))
	}

	select {
	case <-e.demuxDone:
	case <-time.After(e.cfg.FlushTimeout):
		_ = e.proc.Kill()
		<-e.demuxDone
		return e.drain(), fmt.Errorf("encoder did not drain within %s", e.cfg.FlushTimeout)
	}

	werr := e.proc.Wait(e.cfg.FlushTimeout)

	e.mu.Lock()
	derr := e.demuxErr
	e.mu.Unlock()

	packets := e.drain()
	if derr != nil {
		return packets, derr
	}
	if werr != nil {
		return packets, fmt.Errorf("encoder exited: %w", werr)
	}
	return packets, nil
}

// Close stops the encoder process. Packets not yet flushed are discarded.
func (e *FFmpeg) Close() error {
	_ = e.closeStdin()
	err := e.proc.Kill()
	<-e.demuxDone
	return err
}

// Stats samples the encoder process resource usage.
func (e *FFmpeg) Stats() (ffmpeg.ProcessStats, error) {
	return e.proc.Stats()
}
