// Package capture defines the frame source contract consumed by the recorder
// and ships two variants: an ffmpeg device grab and a synthetic test pattern.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/jmylchreest/capturr/internal/pixfmt"
)

var (
	// ErrCaptureFailed wraps hard device failures returned by CaptureFrame.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrStopped is returned by CaptureFrame after Stop.
	ErrStopped = errors.New("capture source stopped")
)

// Frame is one raw captured image, tightly packed.
type Frame struct {
	Data     []byte
	Width    int
	Height   int
	Format   pixfmt.Format
	Captured time.Time
}

// Source supplies raw frames on demand.
type Source interface {
	// Name is the sanitised identifier used for the session directory.
	Name() string
	Width() int
	Height() int
	FPS() int
	// AutoWait reports whether CaptureFrame blocks until the next frame is due.
	// Sources that do not self-pace are throttled by the caller.
	AutoWait() bool
	// CaptureFrame blocks until a frame is available.
	CaptureFrame(ctx context.Context) (*Frame, error)
	// Stop releases device resources. It is idempotent.
	Stop() error
}

// Kind distinguishes screen and camera sources.
type Kind string

const (
	KindScreen Kind = "screen"
	KindCamera Kind = "camera"
)
