package capture

import (
	"context"
	"fmt"
	"log/slog"
)

// Backends understood by Factory.
const (
	BackendDevice  = "device"
	BackendPattern = "pattern"
)

// Factory opens sources of the configured backend.
type Factory struct {
	Backend    string
	Width      int
	Height     int
	Display    string
	FFmpegPath string
	LogLevel   string
	Logger     *slog.Logger
}

// Open creates a source for the given kind and device index.
func (f *Factory) Open(ctx context.Context, kind Kind, index int, name string, fps int) (Source, error) {
	if kind != KindScreen && kind != KindCamera {
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}

	switch f.Backend {
	case BackendPattern:
		return NewPattern(name, f.Width, f.Height, fps)
	case BackendDevice, "":
		logger := f.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return NewDevice(ctx, DeviceConfig{
			Kind:       kind,
			Index:      index,
			Name:       name,
			Width:      f.Width,
			Height:     f.Height,
			FPS:        fps,
			Display:    f.Display,
			FFmpegPath: f.FFmpegPath,
			LogLevel:   f.LogLevel,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", f.Backend)
	}
}
