package recorder

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jmylchreest/capturr/internal/hls"
)

// runMonitor is the monitor goroutine. It learns about progress only from the
// filesystem, so the window lags the encoder by at most one poll interval.
func (r *Recorder) runMonitor(ctx context.Context) {
	defer close(r.monitorDone)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if r.tick() {
			return
		}
	}
}

// tick runs one discovery pass. It reports whether the watchdog fired.
func (r *Recorder) tick() bool {
	found := r.discover()
	res := r.win.record(found)

	if len(found) > 0 {
		r.segmentsDiscovered.Add(float64(len(found)))
		r.logger.Debug("segments discovered",
			slog.Int("first", found[0]),
			slog.Int("last", found[len(found)-1]),
		)
	}

	if res.sign {
		r.sign(res.signIndex)
	}

	if len(found) == 0 && res.misses >= r.cfg.WatchdogMisses {
		r.fireWatchdog(res.misses)
		return true
	}
	return false
}

// discover probes video_<lastKnown+1>.ts onwards and stops at the first gap.
func (r *Recorder) discover() []int {
	var found []int
	for n := r.win.next(); ; n++ {
		if _, err := os.Stat(hls.SegmentPath(r.cfg.Dir, n)); err != nil {
			return found
		}
		found = append(found, n)
	}
}

func (r *Recorder) sign(n int) {
	if _, err := r.signer.Sign(n); err != nil {
		r.signatureFailures.Inc()
		r.logger.Warn("failed to sign segment",
			slog.Int("segment", n),
			slog.String("error", err.Error()),
		)
		return
	}
	r.signaturesWritten.Inc()
}

// fireWatchdog force-stops a stalled session from the monitor goroutine.
func (r *Recorder) fireWatchdog(misses int) {
	if !r.state.transition(StateRecording, StateStopping) {
		return
	}
	r.watchdogFires.Inc()
	r.logger.Error("no new segments, watchdog stopping session",
		slog.Int("missed_polls", misses),
		slog.Duration("stalled_for", time.Duration(misses)*r.cfg.PollInterval),
	)

	r.cancel()
	r.join(r.encodeDone, "encode", r.cfg.WatchdogGrace)
	_ = r.shutdown()
}
