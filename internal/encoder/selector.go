package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jmylchreest/capturr/internal/ffmpeg"
)

// Detector reports the capabilities of the installed ffmpeg.
type Detector interface {
	Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error)
}

// Candidate is an H.264 encoder known to the selector.
type Candidate struct {
	ID        string `json:"id" yaml:"id"`
	Hardware  bool   `json:"hardware" yaml:"hardware"`
	Available bool   `json:"available" yaml:"available"`
	Priority  int    `json:"priority" yaml:"priority"`
}

// Selector picks the best available H.264 encoder.
type Selector struct {
	detector Detector
	logger   *slog.Logger
}

// NewSelector creates a selector backed by ffmpeg capability detection.
func NewSelector(detector Detector, logger *slog.Logger) *Selector {
	return &Selector{detector: detector, logger: logger}
}

// SelectBestEncoder returns preferred when ffmpeg lists it, otherwise the
// highest priority hardware encoder ffmpeg lists, otherwise libx264.
func (s *Selector) SelectBestEncoder(ctx context.Context, preferred string) (string, error) {
	info, err := s.detector.Detect(ctx)
	if err != nil {
		return "", fmt.Errorf("detecting encoders: %w", err)
	}

	if preferred != "" {
		if usable(info, preferred) {
			s.logger.Debug("using preferred encoder", slog.String("encoder", preferred))
			return preferred, nil
		}
		s.logger.Warn("preferred encoder unavailable, selecting automatically",
			slog.String("preferred", preferred))
	}

	for _, id := range hardwarePriority {
		if usable(info, id) {
			s.logger.Debug("selected hardware encoder", slog.String("encoder", id))
			return id, nil
		}
	}

	if !info.HasEncoder(Software) {
		s.logger.Warn("ffmpeg does not list libx264, trying it anyway")
	}
	return Software, nil
}

// EncoderOptions returns the tuning options for an encoder id.
func (s *Selector) EncoderOptions(id string) map[string]string {
	return Options(id)
}

// Candidates lists every known encoder in priority order with its availability.
func (s *Selector) Candidates(ctx context.Context) ([]Candidate, error) {
	info, err := s.detector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting encoders: %w", err)
	}

	ids := append(slices.Clone(hardwarePriority), Software)
	out := make([]Candidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, Candidate{
			ID:        id,
			Hardware:  IsHardware(id),
			Available: usable(info, id),
			Priority:  i + 1,
		})
	}
	return out, nil
}

// requiredHWAccel names the hwaccel an encoder needs ffmpeg to be built with.
func requiredHWAccel(id string) string {
	switch {
	case strings.Contains(id, "vaapi"):
		return "vaapi"
	case strings.Contains(id, "qsv"):
		return "qsv"
	}
	return ""
}

// usable reports whether ffmpeg lists the encoder and, for VAAPI and QSV,
// the hwaccel it uploads frames through.
func usable(info *ffmpeg.BinaryInfo, id string) bool {
	if !info.HasEncoder(id) {
		return false
	}
	accel := requiredHWAccel(id)
	return accel == "" || info.HasHWAccel(accel)
}
