package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/capturr/internal/capture"
	"github.com/jmylchreest/capturr/internal/config"
	"github.com/jmylchreest/capturr/internal/encoder"
	"github.com/jmylchreest/capturr/internal/ffmpeg"
	"github.com/jmylchreest/capturr/internal/observability"
	"github.com/jmylchreest/capturr/internal/recorder"
	"github.com/jmylchreest/capturr/internal/registry"
	"github.com/jmylchreest/capturr/internal/server"
	"github.com/jmylchreest/capturr/internal/startup"
	"github.com/jmylchreest/capturr/internal/version"
)

const shutdownTimeout = 30 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record screens and cameras",
	Long: `Record one or more screens and cameras until interrupted.

Each source is written to <media_root>/<name>/ as video_<n>.ts segments with a
video.m3u8 playlist. Every third productive poll of the segment monitor signs
the newest segment into video_<n>.sig. Restarting resumes the numbering.

With no --screen or --camera flags, screen 0 is recorded.`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().IntSlice("screen", nil, "screen indexes to record (repeatable)")
	recordCmd.Flags().IntSlice("camera", nil, "camera indexes to record (repeatable)")
	recordCmd.Flags().Duration("duration", 0, "stop after this long (0 records until interrupted)")

	recordCmd.Flags().String("media-root", "", "directory holding one subdirectory per session")
	recordCmd.Flags().Int("fps", 0, "capture and encode frame rate")
	recordCmd.Flags().String("sid", "", "correlation id written into signatures (generated when empty)")
	recordCmd.Flags().String("encoder", "", "preferred H.264 encoder, e.g. h264_nvenc")
	recordCmd.Flags().String("backend", "", "capture backend (device, pattern)")
	recordCmd.Flags().String("metrics-listen", "", "address for the /metrics listener, e.g. :9090")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	overrideFromFlag("recording.media_root", flags.Lookup("media-root"))
	overrideFromFlag("recording.fps", flags.Lookup("fps"))
	overrideFromFlag("recording.sid", flags.Lookup("sid"))
	overrideFromFlag("recording.preferred_encoder", flags.Lookup("encoder"))
	overrideFromFlag("capture.backend", flags.Lookup("backend"))
	overrideFromFlag("metrics.listen", flags.Lookup("metrics-listen"))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	screens, _ := flags.GetIntSlice("screen")
	cameras, _ := flags.GetIntSlice("camera")
	if len(screens) == 0 && len(cameras) == 0 {
		screens = []int{0}
	}
	stopAfter, _ := flags.GetDuration("duration")

	logger := slog.Default()
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	removed, err := startup.CleanupOrphanedTempFiles(logger, cfg.Recording.MediaRoot, startup.DefaultCleanupAge)
	if err != nil {
		logger.Warn("failed to clean orphaned temp files", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned temp files on startup", slog.Int("removed_count", removed))
	}

	reg, err := newRegistry(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	if err := reg.Start(); err != nil {
		return err
	}

	var srv *server.Server
	if cfg.Metrics.Listen != "" {
		srv = server.New(server.Config{Addr: cfg.Metrics.Listen}, metrics.Handler(), reg.Healthy,
			observability.WithComponent(logger, "http"))
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("metrics listener failed", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("starting capturr",
		slog.String("version", version.Version),
		slog.String("media_root", cfg.Recording.MediaRoot),
		slog.String("sid", reg.SID()),
		slog.Int("fps", cfg.Recording.FPS),
	)

	var startErrs []error
	for _, i := range screens {
		if _, err := reg.StartScreen(ctx, i, fmt.Sprintf("Screen_%d", i)); err != nil {
			logger.Error("failed to start screen", slog.Int("index", i), slog.String("error", err.Error()))
			startErrs = append(startErrs, err)
		}
	}
	for _, i := range cameras {
		if _, err := reg.StartCamera(ctx, i, fmt.Sprintf("Camera_%d", i)); err != nil {
			logger.Error("failed to start camera", slog.Int("index", i), slog.String("error", err.Error()))
			startErrs = append(startErrs, err)
		}
	}

	if len(startErrs) < len(screens)+len(cameras) {
		waitForEnd(ctx, reg, stopAfter, cfg.Registry.SweepInterval, logger)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics listener shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		startErrs = append(startErrs, err)
	}

	return errors.Join(startErrs...)
}

func newRegistry(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*registry.Registry, error) {
	detector := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath)
	ffmpegPath, err := detector.Path()
	if err != nil {
		return nil, err
	}
	if info, err := detector.Detect(ctx); err == nil {
		logger.Debug("ffmpeg detected",
			slog.String("path", info.Path),
			slog.String("version", info.Version),
			slog.Int("encoders", len(info.Encoders)),
		)
	}

	return registry.New(registry.Config{
		MediaRoot:        cfg.Recording.MediaRoot,
		FPS:              cfg.Recording.FPS,
		SID:              cfg.Recording.SID,
		PreferredEncoder: cfg.Recording.PreferredEncoder,
		SaltPrefix:       cfg.Signing.SaltPrefix,
		SweepInterval:    cfg.Registry.SweepInterval,
		PollInterval:     cfg.Monitor.PollInterval,
		WatchdogMisses:   cfg.Monitor.WatchdogMisses,
		JoinTimeout:      cfg.Monitor.JoinTimeout,
		WatchdogGrace:    cfg.Monitor.WatchdogGrace,
	}, registry.Options{
		Sources: &capture.Factory{
			Backend:    cfg.Capture.Backend,
			Width:      cfg.Capture.Width,
			Height:     cfg.Capture.Height,
			Display:    cfg.Capture.Display,
			FFmpegPath: ffmpegPath,
			LogLevel:   cfg.FFmpeg.LogLevel,
			Logger:     observability.WithComponent(logger, "capture"),
		},
		Selector: encoder.NewSelector(detector, observability.WithComponent(logger, "encoder")),
		NewEncoder: recorder.FFmpegEncoders(recorder.FFmpegEncoderConfig{
			Path:     ffmpegPath,
			LogLevel: cfg.FFmpeg.LogLevel,
		}, observability.WithComponent(logger, "encoder")),
		Metrics: metrics,
		Logger:  logger,
	})
}

type sessionLister interface {
	Sessions() []registry.Info
}

// waitForEnd blocks until ctx is cancelled, stopAfter elapses, or every
// session has finished on its own.
func waitForEnd(ctx context.Context, reg sessionLister, stopAfter, interval time.Duration, logger *slog.Logger) {
	var timeout <-chan time.Time
	if stopAfter > 0 {
		timer := time.NewTimer(stopAfter)
		defer timer.Stop()
		timeout = timer.C
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			return
		case <-timeout:
			logger.Info("recording duration reached", slog.Duration("duration", stopAfter))
			return
		case <-ticker.C:
			if allEnded(reg.Sessions()) {
				logger.Warn("no sessions left recording, exiting")
				return
			}
		}
	}
}

func allEnded(infos []registry.Info) bool {
	for _, info := range infos {
		if !info.State.Terminal() {
			return false
		}
	}
	return true
}
