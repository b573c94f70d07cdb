// Package recorder turns a capture source into a segmented, signed archive.
//
// A Recorder runs two goroutines per session. The encode goroutine pulls
// frames from the source, converts and encodes them and hands the packets to
// the segmented output. The monitor goroutine polls the output directory for
// new segments, maintains the rolling window behind the live manifest, signs
// one segment in three and force-stops the session when no segment appears
// for too long. The two only share the directory and the window, so the
// watchdog keeps working when the encode goroutine hangs.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmylchreest/capturr/internal/capture"
	"github.com/jmylchreest/capturr/internal/encoder"
	"github.com/jmylchreest/capturr/internal/hls"
	"github.com/jmylchreest/capturr/internal/observability"
	"github.com/jmylchreest/capturr/internal/pixfmt"
	"github.com/jmylchreest/capturr/internal/signing"
)

// Default timings.
const (
	DefaultPollInterval  = 3 * time.Second
	DefaultJoinTimeout   = 5 * time.Second
	DefaultWatchdogGrace = 5 * time.Second

	// LockFileName is the advisory lock held in the session directory while recording.
	LockFileName = ".capturr.lock"
)

var (
	// ErrAlreadyStarted is returned by Start on a recorder that is not idle.
	ErrAlreadyStarted = errors.New("recorder already started")
	// ErrNotRecording is returned by operations that need an active session.
	ErrNotRecording = errors.New("recorder is not recording")
	// ErrDirectoryLocked is returned by Start when another process records into the directory.
	ErrDirectoryLocked = errors.New("session directory is locked by another recorder")

	errOutputClosed = errors.New("encoder and output closed")
)

// EncoderSelector picks an encoder and its tuning.
type EncoderSelector interface {
	SelectBestEncoder(ctx context.Context, preferred string) (string, error)
	EncoderOptions(id string) map[string]string
}

// Encoder turns raw frames into H.264 packets. Encode may return packets for
// earlier frames; Flush returns everything still buffered.
type Encoder interface {
	Encode(frame []byte) ([]encoder.Packet, error)
	Flush() ([]encoder.Packet, error)
	Close() error
}

// Output receives encoded packets and produces the segment files.
type Output interface {
	WritePacket(p encoder.Packet) error
	Close() error
}

// EncoderSpec describes the encoder a session needs.
type EncoderSpec struct {
	ID           string
	Options      map[string]string
	Width        int
	Height       int
	FPS          int
	GOP          int
	Input        pixfmt.Format
	OutputPixFmt string
}

// OutputSpec describes the segmented output of a session.
type OutputSpec struct {
	Dir         string
	StartNumber int
	FPS         int
}

// EncoderFactory creates an encoder.
type EncoderFactory func(ctx context.Context, spec EncoderSpec) (Encoder, error)

// OutputFactory opens a segmented output.
type OutputFactory func(spec OutputSpec) (Output, error)

// Config configures one recording session.
type Config struct {
	Dir              string // session output directory
	SID              string
	FPS              int // zero uses the source rate
	PreferredEncoder string
	SaltPrefix       string

	PollInterval   time.Duration
	WatchdogMisses int
	JoinTimeout    time.Duration
	WatchdogGrace  time.Duration
}

// Options carries the collaborators of a Recorder.
type Options struct {
	Selector   EncoderSelector
	NewEncoder EncoderFactory
	OpenOutput OutputFactory // defaults to HLSOutputs
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Recorder owns a capture source and records it until stopped.
type Recorder struct {
	cfg        Config
	source     capture.Source
	selector   EncoderSelector
	newEncoder EncoderFactory
	openOutput OutputFactory
	signer     *signing.Signer
	logger     *slog.Logger
	name       string
	runID      string

	state lifecycle
	win   *window

	// Guards Start against Stop; held only while Start sets the session up.
	startMu     sync.Mutex
	startNumber int
	encoderID   string
	input       pixfmt.Format
	lock        *flock.Flock

	ctx         context.Context
	cancel      context.CancelFunc
	encodeDone  chan struct{}
	monitorDone chan struct{}

	// One-slot semaphore serialising access to enc and out.
	sem       chan struct{}
	enc       Encoder
	out       Output
	outClosed bool

	releaseOnce sync.Once
	cleanupOnce sync.Once
	cleanupErr  error
	finishOnce  sync.Once
	finished    chan struct{}

	framesEncoded      prometheus.Counter
	pipelineErrors     prometheus.Counter
	segmentsDiscovered prometheus.Counter
	signaturesWritten  prometheus.Counter
	signatureFailures  prometheus.Counter
	watchdogFires      prometheus.Counter
}

// New creates an idle recorder for source. The start segment number is
// computed from the files already in cfg.Dir. On error the caller keeps
// ownership of source; otherwise the recorder releases it on every exit path.
func New(source capture.Source, cfg Config, opts Options) (*Recorder, error) {
	if source == nil {
		return nil, errors.New("capture source is required")
	}
	if opts.Selector == nil || opts.NewEncoder == nil {
		return nil, errors.New("encoder selector and factory are required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.FPS <= 0 {
		cfg.FPS = source.FPS()
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", cfg.FPS)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WatchdogMisses <= 0 {
		cfg.WatchdogMisses = WatchdogMisses
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.WatchdogGrace <= 0 {
		cfg.WatchdogGrace = DefaultWatchdogGrace
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.OpenOutput == nil {
		opts.OpenOutput = HLSOutputs(observability.WithComponent(opts.Logger, "hls"))
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	start, err := hls.NextSegmentNumber(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("computing start segment: %w", err)
	}

	name := source.Name()
	runID := ulid.Make().String()
	logger := observability.WithSession(observability.WithComponent(opts.Logger, "recorder"), name, runID)

	r := &Recorder{
		cfg:         cfg,
		source:      source,
		selector:    opts.Selector,
		newEncoder:  opts.NewEncoder,
		openOutput:  opts.OpenOutput,
		signer:      signing.NewSigner(cfg.Dir, cfg.SaltPrefix, cfg.SID, logger),
		logger:      logger,
		name:        name,
		runID:       runID,
		win:         newWindow(start),
		startNumber: start,
		sem:         make(chan struct{}, 1),
		finished:    make(chan struct{}),

		framesEncoded:      opts.Metrics.FramesEncoded.WithLabelValues(name),
		pipelineErrors:     opts.Metrics.PipelineErrors.WithLabelValues(name),
		segmentsDiscovered: opts.Metrics.SegmentsDiscovered.WithLabelValues(name),
		signaturesWritten:  opts.Metrics.SignaturesWritten.WithLabelValues(name),
		signatureFailures:  opts.Metrics.SignatureFailures.WithLabelValues(name),
		watchdogFires:      opts.Metrics.WatchdogFires.WithLabelValues(name),
	}

	gauge := opts.Metrics.SessionState.WithLabelValues(name)
	gauge.Set(float64(StateIdle))
	r.state.onChange = func(s State) { gauge.Set(float64(s)) }

	return r, nil
}

// Name returns the sanitised session name.
func (r *Recorder) Name() string { return r.name }

// RunID returns the id correlating this recorder's log lines.
func (r *Recorder) RunID() string { return r.runID }

// Dir returns the session output directory.
func (r *Recorder) Dir() string { return r.cfg.Dir }

// State returns the current lifecycle state.
func (r *Recorder) State() State { return r.state.load() }

// Done is closed once the session has reached a terminal state and cleanup has run.
func (r *Recorder) Done() <-chan struct{} { return r.finished }

// StartNumber returns the number of the first segment this session writes.
func (r *Recorder) StartNumber() int {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	return r.startNumber
}

// EncoderID returns the encoder chosen by Start, or "" before Start.
func (r *Recorder) EncoderID() string {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	return r.encoderID
}

// LatestSegments returns a copy of the rolling window, oldest first.
func (r *Recorder) LatestSegments() []int {
	return r.win.snapshot()
}

// LiveManifest renders the rolling window as a live playlist.
func (r *Recorder) LiveManifest() string {
	return hls.BuildLiveManifest(r.LatestSegments())
}

// Start selects an encoder, opens the output and launches the encode and
// monitor goroutines. ctx bounds the setup only; the session runs until Stop,
// a pipeline failure or the watchdog ends it. On error the capture source is
// released and the recorder is Failed.
func (r *Recorder) Start(ctx context.Context) (err error) {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if r.state.load() != StateIdle {
		return ErrAlreadyStarted
	}

	defer func() {
		if err == nil {
			return
		}
		r.releaseCapture()
		r.unlockDir()
		r.state.fail()
		r.finish()
		r.logger.Error("failed to start recording", slog.String("error", err.Error()))
	}()

	if err := r.lockDir(); err != nil {
		return err
	}

	// Another process may have written segments since New.
	start, err := hls.NextSegmentNumber(r.cfg.Dir)
	if err != nil {
		return fmt.Errorf("computing start segment: %w", err)
	}
	if start != r.startNumber {
		r.logger.Info("start segment moved since construction",
			slog.Int("was", r.startNumber),
			slog.Int("now", start),
		)
		r.startNumber = start
		r.win.reset(start)
	}

	id, err := r.selector.SelectBestEncoder(ctx, r.cfg.PreferredEncoder)
	if err != nil {
		return fmt.Errorf("selecting encoder: %w", err)
	}
	input, outPixFmt := encoder.PixelFormatsFor(id)

	enc, err := r.newEncoder(ctx, EncoderSpec{
		ID:           id,
		Options:      r.selector.EncoderOptions(id),
		Width:        r.source.Width(),
		Height:       r.source.Height(),
		FPS:          r.cfg.FPS,
		GOP:          r.cfg.FPS * 3,
		Input:        input,
		OutputPixFmt: outPixFmt,
	})
	if err != nil {
		return fmt.Errorf("creating encoder %s: %w", id, err)
	}

	out, err := r.openOutput(OutputSpec{
		Dir:         r.cfg.Dir,
		StartNumber: r.startNumber,
		FPS:         r.cfg.FPS,
	})
	if err != nil {
		_ = enc.Close()
		return fmt.Errorf("opening output: %w", err)
	}

	r.encoderID = id
	r.input = input
	r.enc = enc
	r.out = out
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.encodeDone = make(chan struct{})
	r.monitorDone = make(chan struct{})

	r.state.transition(StateIdle, StateRecording)

	go r.runPipeline(r.ctx)
	go r.runMonitor(r.ctx)

	r.logger.Info("recording started",
		slog.String("encoder", id),
		slog.String("input_format", input.String()),
		slog.Int("fps", r.cfg.FPS),
		slog.Int("start_segment", r.startNumber),
		slog.String("dir", r.cfg.Dir),
	)
	return nil
}

// Stop ends the session: the goroutines are cancelled and joined with a
// bounded timeout, then the encoder is flushed and the output, encoder,
// capture source and directory lock are released. Stop is safe to call
// repeatedly and concurrently; cleanup runs once and every caller returns its
// result.
func (r *Recorder) Stop() error {
	// Wait for an in-flight Start to finish setting up.
	r.startMu.Lock()
	r.startMu.Unlock() //nolint:staticcheck // SA2001: used as a barrier

	if r.state.transition(StateIdle, StateStopped) {
		r.releaseCapture()
		r.finish()
		return nil
	}

	if r.state.transition(StateRecording, StateStopping) {
		r.logger.Info("stopping recording")
		r.cancel()
		r.join(r.encodeDone, "encode", r.cfg.JoinTimeout)
		r.join(r.monitorDone, "monitor", r.cfg.JoinTimeout)
		return r.shutdown()
	}

	// Another path owns the shutdown.
	<-r.finished
	if r.encodeDone != nil {
		r.join(r.encodeDone, "encode", r.cfg.JoinTimeout)
		r.join(r.monitorDone, "monitor", r.cfg.JoinTimeout)
	}
	return r.cleanupErr
}

// Close stops the recorder. It allows `defer rec.Close()`.
func (r *Recorder) Close() error {
	return r.Stop()
}

// shutdown runs the cleanup and records the resulting terminal state. The
// caller must have moved the state out of Recording.
func (r *Recorder) shutdown() error {
	err := r.cleanup()
	if err != nil {
		r.state.fail()
	} else {
		r.state.transition(StateStopping, StateStopped)
	}
	r.finish()
	r.logger.Info("recording ended",
		slog.String("state", r.state.load().String()),
		slog.Int("next_segment", r.win.next()),
	)
	return err
}

func (r *Recorder) finish() {
	r.finishOnce.Do(func() { close(r.finished) })
}

func (r *Recorder) join(done <-chan struct{}, name string, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("goroutine did not exit in time",
			slog.String("goroutine", name),
			slog.Duration("timeout", timeout),
		)
	}
}

// cleanup releases every session resource exactly once.
func (r *Recorder) cleanup() error {
	r.cleanupOnce.Do(func() {
		r.cleanupErr = r.doCleanup()
	})
	return r.cleanupErr
}

func (r *Recorder) doCleanup() error {
	var errs []error

	r.releaseCapture()

	acquired := false
	select {
	case r.sem <- struct{}{}:
		acquired = true
	case <-time.After(r.cfg.JoinTimeout):
		r.logger.Warn("encoder busy, closing without flush", slog.Duration("waited", r.cfg.JoinTimeout))
	}

	if acquired {
		packets, err := r.enc.Flush()
		if err != nil {
			errs = append(errs, fmt.Errorf("flushing encoder: %w", err))
		}
		for _, p := range packets {
			if err := r.out.WritePacket(p); err != nil {
				errs = append(errs, fmt.Errorf("writing flushed packet: %w", err))
				break
			}
		}
	}

	if err := r.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing output: %w", err))
	}
	if err := r.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing encoder: %w", err))
	}
	if acquired {
		r.outClosed = true
		<-r.sem
	}

	r.unlockDir()

	err := errors.Join(errs...)
	if err != nil {
		observability.WithError(r.logger, err).Error("cleanup failed")
	}
	return err
}

func (r *Recorder) releaseCapture() {
	r.releaseOnce.Do(func() {
		if err := r.source.Stop(); err != nil {
			r.logger.Warn("failed to release capture source", slog.String("error", err.Error()))
		}
	})
}

func (r *Recorder) lockDir() error {
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	lock := flock.New(filepath.Join(r.cfg.Dir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking output directory: %w", err)
	}
	if !locked {
		return ErrDirectoryLocked
	}
	r.lock = lock
	return nil
}

func (r *Recorder) unlockDir() {
	if r.lock == nil {
		return
	}
	if err := r.lock.Unlock(); err != nil {
		r.logger.Warn("failed to unlock output directory", slog.String("error", err.Error()))
	}
}

// HLSOutputs returns an OutputFactory backed by hls.Segmenter.
func HLSOutputs(logger *slog.Logger) OutputFactory {
	return func(spec OutputSpec) (Output, error) {
		seg, err := hls.NewSegmenter(hls.SegmenterConfig{
			Dir:         spec.Dir,
			StartNumber: spec.StartNumber,
			FPS:         spec.FPS,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return seg, nil
	}
}

// FFmpegEncoderConfig holds the process settings shared by every ffmpeg encoder.
type FFmpegEncoderConfig struct {
	Path     string
	LogLevel string
	HWDevice string
}

// FFmpegEncoders returns an EncoderFactory that starts ffmpeg subprocesses.
func FFmpegEncoders(cfg FFmpegEncoderConfig, logger *slog.Logger) EncoderFactory {
	return func(ctx context.Context, spec EncoderSpec) (Encoder, error) {
		enc, err := encoder.New(ctx, encoder.Config{
			FFmpegPath:   cfg.Path,
			LogLevel:     cfg.LogLevel,
			EncoderID:    spec.ID,
			Options:      spec.Options,
			Width:        spec.Width,
			Height:       spec.Height,
			FPS:          spec.FPS,
			GOP:          spec.GOP,
			Input:        spec.Input,
			OutputPixFmt: spec.OutputPixFmt,
			HWDevice:     cfg.HWDevice,
		}, logger)
		if err != nil {
			return nil, err
		}
		return enc, nil
	}
}
