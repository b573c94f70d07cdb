package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmylchreest/capturr/internal/ffmpeg"
	"github.com/jmylchreest/capturr/internal/pixfmt"
)

// Encode loop failure policy.
const (
	MaxConsecutiveFailures = 3
	initialBackoff         = 200 * time.Millisecond
	maxBackoff             = time.Second
	perfLogEvery           = 100
)

// backoff returns the pause after the n-th consecutive failure.
func backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := initialBackoff
	for i := 1; i < n && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// statsReporter is implemented by encoders backed by a subprocess.
type statsReporter interface {
	Stats() (ffmpeg.ProcessStats, error)
}

// perfWindow accumulates stage timings between performance log lines.
type perfWindow struct {
	since   time.Time
	frames  int
	capture time.Duration
	convert time.Duration
	encode  time.Duration
}

func (p *perfWindow) reset(now time.Time) {
	*p = perfWindow{since: now}
}

// runPipeline is the encode goroutine.
func (r *Recorder) runPipeline(ctx context.Context) {
	defer close(r.encodeDone)
	defer r.releaseCapture()

	interval := time.Second / time.Duration(r.cfg.FPS)
	perf := &perfWindow{since: time.Now()}
	perfLog := rate.Sometimes{Every: perfLogEvery}
	var convBuf []byte
	failures := 0

	for ctx.Err() == nil {
		began := time.Now()

		err := r.encodeFrame(ctx, &convBuf, perf)
		if ctx.Err() != nil || errors.Is(err, errOutputClosed) {
			return
		}

		if err != nil {
			failures++
			r.pipelineErrors.Inc()
			r.logger.Warn("frame pipeline error",
				slog.Int("attempt", failures),
				slog.Int("max_attempts", MaxConsecutiveFailures),
				slog.String("error", err.Error()),
			)
			if failures >= MaxConsecutiveFailures {
				r.abort(err)
				return
			}
			if !sleepCtx(ctx, backoff(failures)) {
				return
			}
			continue
		}
		failures = 0

		perfLog.Do(func() { r.logPerf(perf) })

		if !r.source.AutoWait() {
			if !sleepCtx(ctx, interval-time.Since(began)) {
				return
			}
		}
	}
}

// encodeFrame runs one capture, convert and encode iteration and muxes every
// packet the encoder returns.
func (r *Recorder) encodeFrame(ctx context.Context, convBuf *[]byte, perf *perfWindow) error {
	t0 := time.Now()
	frame, err := r.source.CaptureFrame(ctx)
	if err != nil {
		return fmt.Errorf("capturing frame: %w", err)
	}
	t1 := time.Now()

	data := frame.Data
	if frame.Format != r.input {
		data, err = pixfmt.Convert(*convBuf, frame.Data, frame.Width, frame.Height, frame.Format, r.input)
		if err != nil {
			return fmt.Errorf("converting frame: %w", err)
		}
		*convBuf = data
	}
	t2 := time.Now()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.sem }()

	if r.outClosed {
		return errOutputClosed
	}

	packets, err := r.enc.Encode(data)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	for _, p := range packets {
		if err := r.out.WritePacket(p); err != nil {
			return fmt.Errorf("writing packet: %w", err)
		}
	}
	t3 := time.Now()

	r.framesEncoded.Inc()
	perf.frames++
	perf.capture += t1.Sub(t0)
	perf.convert += t2.Sub(t1)
	perf.encode += t3.Sub(t2)
	return nil
}

// abort ends the session after repeated pipeline failures. It runs on the
// encode goroutine, which is never holding the semaphore at this point.
func (r *Recorder) abort(cause error) {
	if !r.state.transition(StateRecording, StateFailed) {
		// A concurrent Stop or the watchdog owns the shutdown.
		return
	}
	r.logger.Error("frame pipeline failed, stopping session",
		slog.Int("attempts", MaxConsecutiveFailures),
		slog.String("error", cause.Error()),
	)
	r.cancel()
	r.releaseCapture()
	_ = r.shutdown()
}

func (r *Recorder) logPerf(perf *perfWindow) {
	if perf.frames == 0 {
		return
	}
	elapsed := time.Since(perf.since)
	n := time.Duration(perf.frames)
	attrs := []any{
		slog.Int("frames", perf.frames),
		slog.Float64("fps", float64(perf.frames)/elapsed.Seconds()),
		slog.Duration("capture_avg", perf.capture/n),
		slog.Duration("convert_avg", perf.convert/n),
		slog.Duration("encode_avg", perf.encode/n),
	}
	if sr, ok := r.enc.(statsReporter); ok {
		if stats, err := sr.Stats(); err == nil {
			attrs = append(attrs,
				slog.Int("encoder_pid", stats.PID),
				slog.Float64("encoder_cpu_percent", stats.CPUPercent),
				slog.Uint64("encoder_rss_bytes", stats.RSSBytes),
			)
		}
	}
	r.logger.Debug("pipeline performance", attrs...)
	perf.reset(time.Now())
}

// sleepCtx sleeps for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
