// Package registry tracks the recording sessions of a process.
//
// Sessions are keyed by their sanitised source name, grouped by kind (screen
// or camera). A background sweep drops sessions that stopped recording so a
// later start for the same source creates a fresh session.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/capturr/internal/capture"
	"github.com/jmylchreest/capturr/internal/config"
	"github.com/jmylchreest/capturr/internal/observability"
	"github.com/jmylchreest/capturr/internal/recorder"
)

// DefaultSweepInterval is how often finished sessions are removed.
const DefaultSweepInterval = 10 * time.Second

var (
	// ErrSessionNotFound is returned when no session has the requested name.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNameInUse is returned when a source name is already recording under another kind.
	ErrNameInUse = errors.New("session name in use by another source kind")
	// ErrShutdown is returned by starts after Shutdown.
	ErrShutdown = errors.New("registry is shut down")
)

// SourceFactory opens capture sources.
type SourceFactory interface {
	Open(ctx context.Context, kind capture.Kind, index int, name string, fps int) (capture.Source, error)
}

// Config configures the sessions a Registry creates.
type Config struct {
	MediaRoot        string
	FPS              int
	SID              string // generated when empty
	PreferredEncoder string
	SaltPrefix       string
	SweepInterval    time.Duration

	PollInterval   time.Duration
	WatchdogMisses int
	JoinTimeout    time.Duration
	WatchdogGrace  time.Duration
}

// Options carries the collaborators shared by every session.
type Options struct {
	Sources    SourceFactory
	Selector   recorder.EncoderSelector
	NewEncoder recorder.EncoderFactory
	OpenOutput recorder.OutputFactory
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Info is a point-in-time description of a session.
type Info struct {
	Name        string         `json:"name" yaml:"name"`
	Kind        capture.Kind   `json:"kind" yaml:"kind"`
	State       recorder.State `json:"state" yaml:"state"`
	Encoder     string         `json:"encoder" yaml:"encoder"`
	Dir         string         `json:"dir" yaml:"dir"`
	StartNumber int            `json:"start_number" yaml:"start_number"`
	Latest      []int          `json:"latest" yaml:"latest"`
}

// Registry maps session names to recorders.
type Registry struct {
	cfg    Config
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[capture.Kind]map[string]*recorder.Recorder
	names    map[string]capture.Kind
	closed   bool

	starts singleflight.Group
	cron   *cron.Cron
}

// New creates a registry. Call Start to begin the periodic sweep.
func New(cfg Config, opts Options) (*Registry, error) {
	if cfg.MediaRoot == "" {
		return nil, errors.New("media root is required")
	}
	if opts.Sources == nil || opts.Selector == nil || opts.NewEncoder == nil {
		return nil, errors.New("source factory, encoder selector and encoder factory are required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	logger := observability.WithComponent(opts.Logger, "registry")
	if cfg.SID == "" {
		cfg.SID = uuid.NewString()
		logger.Info("no sid configured, generated one", slog.String("sid", cfg.SID))
	}

	cronLog := cronLogger{logger}
	return &Registry{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		sessions: map[capture.Kind]map[string]*recorder.Recorder{
			capture.KindScreen: {},
			capture.KindCamera: {},
		},
		names: map[string]capture.Kind{},
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}, nil
}

// SID returns the correlation id written into signatures.
func (r *Registry) SID() string { return r.cfg.SID }

// Start schedules the sweep.
func (r *Registry) Start() error {
	spec := "@every " + r.cfg.SweepInterval.String()
	if _, err := r.cron.AddFunc(spec, func() { r.Sweep() }); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	r.cron.Start()
	r.logger.Info("registry started", slog.Duration("sweep_interval", r.cfg.SweepInterval))
	return nil
}

// StartScreen starts recording screen index, or returns the session already
// recording a source with the same sanitised name.
func (r *Registry) StartScreen(ctx context.Context, index int, name string) (*recorder.Recorder, error) {
	return r.start(ctx, capture.KindScreen, index, name)
}

// StartCamera starts recording camera index, or returns the session already
// recording a source with the same sanitised name.
func (r *Registry) StartCamera(ctx context.Context, index int, name string) (*recorder.Recorder, error) {
	return r.start(ctx, capture.KindCamera, index, name)
}

func (r *Registry) start(ctx context.Context, kind capture.Kind, index int, name string) (*recorder.Recorder, error) {
	key := capture.SanitizeName(name)

	// Concurrent starts for one name share a single attempt.
	v, err, _ := r.starts.Do(key, func() (any, error) {
		if rec, err := r.active(kind, key); rec != nil || err != nil {
			return rec, err
		}

		src, err := r.opts.Sources.Open(ctx, kind, index, key, r.cfg.FPS)
		if err != nil {
			return nil, fmt.Errorf("opening %s %q: %w", kind, key, err)
		}

		recording := config.RecordingConfig{MediaRoot: r.cfg.MediaRoot}
		rec, err := recorder.New(src, recorder.Config{
			Dir:              recording.SessionDir(key),
			SID:              r.cfg.SID,
			FPS:              r.cfg.FPS,
			PreferredEncoder: r.cfg.PreferredEncoder,
			SaltPrefix:       r.cfg.SaltPrefix,
			PollInterval:     r.cfg.PollInterval,
			WatchdogMisses:   r.cfg.WatchdogMisses,
			JoinTimeout:      r.cfg.JoinTimeout,
			WatchdogGrace:    r.cfg.WatchdogGrace,
		}, recorder.Options{
			Selector:   r.opts.Selector,
			NewEncoder: r.opts.NewEncoder,
			OpenOutput: r.opts.OpenOutput,
			Metrics:    r.opts.Metrics,
			Logger:     r.opts.Logger,
		})
		if err != nil {
			_ = src.Stop()
			return nil, fmt.Errorf("creating recorder for %q: %w", key, err)
		}
		if err := rec.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting %q: %w", key, err)
		}

		if err := r.add(kind, key, rec); err != nil {
			_ = rec.Stop()
			return nil, err
		}
		r.logger.Info("session started",
			slog.String("session", key),
			slog.String("kind", string(kind)),
			slog.Int("index", index),
		)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	// A concurrent start under the other kind may have won the name.
	r.mu.Lock()
	owner, ok := r.names[key]
	r.mu.Unlock()
	if ok && owner != kind {
		return nil, fmt.Errorf("%w: %q is a %s", ErrNameInUse, key, owner)
	}
	return v.(*recorder.Recorder), nil
}

// active returns the live session named key, dropping a finished one.
func (r *Registry) active(kind capture.Kind, key string) (*recorder.Recorder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShutdown
	}
	existingKind, ok := r.names[key]
	if !ok {
		return nil, nil
	}
	rec := r.sessions[existingKind][key]
	if rec.State().Terminal() {
		r.removeLocked(existingKind, key)
		return nil, nil
	}
	if existingKind != kind {
		return nil, fmt.Errorf("%w: %q is a %s", ErrNameInUse, key, existingKind)
	}
	return rec, nil
}

func (r *Registry) add(kind capture.Kind, key string, rec *recorder.Recorder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShutdown
	}
	r.sessions[kind][key] = rec
	r.names[key] = kind
	return nil
}

func (r *Registry) removeLocked(kind capture.Kind, key string) {
	delete(r.sessions[kind], key)
	delete(r.names, key)
}

// Names returns the session names of kind in sorted order.
func (r *Registry) Names(kind capture.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.sessions[kind]))
}

// Get returns the session named name.
func (r *Registry) Get(name string) (*recorder.Recorder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind, ok := r.names[name]
	if !ok {
		return nil, false
	}
	return r.sessions[kind][name], true
}

// LiveManifest returns the live playlist of the session named name.
func (r *Registry) LiveManifest(name string) (string, error) {
	rec, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrSessionNotFound, name)
	}
	if rec.State() != recorder.StateRecording {
		return "", fmt.Errorf("%q: %w", name, recorder.ErrNotRecording)
	}
	return rec.LiveManifest(), nil
}

// Sessions describes every tracked session, ordered by kind then name.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Info
	for _, kind := range []capture.Kind{capture.KindScreen, capture.KindCamera} {
		for _, name := range slices.Sorted(maps.Keys(r.sessions[kind])) {
			rec := r.sessions[kind][name]
			out = append(out, Info{
				Name:        name,
				Kind:        kind,
				State:       rec.State(),
				Encoder:     rec.EncoderID(),
				Dir:         rec.Dir(),
				StartNumber: rec.StartNumber(),
				Latest:      rec.LatestSegments(),
			})
		}
	}
	return out
}

// Sweep removes every session that is no longer recording and returns their names.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	var removed []string
	for kind, byName := range r.sessions {
		for name, rec := range byName {
			if rec.State() == recorder.StateRecording {
				continue
			}
			r.removeLocked(kind, name)
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()

	slices.Sort(removed)
	for _, name := range removed {
		r.logger.Info("session cleaned up", slog.String("session", name))
	}
	r.opts.Metrics.SessionsSwept.Add(float64(len(removed)))
	return removed
}

// Healthy reports whether every tracked session is recording and the
// per-kind maps agree with the name index.
func (r *Registry) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for kind, byName := range r.sessions {
		total += len(byName)
		for name, rec := range byName {
			if r.names[name] != kind {
				return false
			}
			if rec.State() != recorder.StateRecording {
				return false
			}
		}
	}
	return total == len(r.names)
}

// Shutdown stops the sweep and every session concurrently. Further starts fail
// with ErrShutdown.
func (r *Registry) Shutdown(ctx context.Context) (err error) {
	defer observability.TimedOperationWithError(r.logger, "registry shutdown", &err)()

	cronDone := r.cron.Stop()

	r.mu.Lock()
	r.closed = true
	var recs []*recorder.Recorder
	for _, byName := range r.sessions {
		for _, rec := range byName {
			recs = append(recs, rec)
		}
		clear(byName)
	}
	clear(r.names)
	r.mu.Unlock()

	var g errgroup.Group
	for _, rec := range recs {
		g.Go(func() error {
			if err := rec.Stop(); err != nil {
				return fmt.Errorf("stopping %q: %w", rec.Name(), err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err = <-done:
		select {
		case <-cronDone.Done():
		case <-ctx.Done():
		}
		r.logger.Debug("sessions stopped", slog.Int("sessions", len(recs)))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
