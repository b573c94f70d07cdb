package hls

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/google/renameio/v2"

	"github.com/jmylchreest/capturr/internal/encoder"
)

const videoPID = 0x0100

// ErrSegmenterClosed is returned when writing to a closed segmenter.
var ErrSegmenterClosed = errors.New("segmenter closed")

// SegmenterConfig configures a Segmenter.
type SegmenterConfig struct {
	Dir            string
	StartNumber    int
	TargetDuration time.Duration // default TargetDuration
	FPS            int           // used to estimate the last segment's duration
	Logger         *slog.Logger
}

// Segmenter writes H.264 access units into numbered MPEG-TS segments and keeps
// video.m3u8 up to date. Segments are cut on the first keyframe at or after the
// target duration. Each segment is written to a hidden temporary file and
// renamed into place once complete, so a segment that exists is whole.
type Segmenter struct {
	cfg    SegmenterConfig
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	playlist *playlist.Media
	resumed  bool
	next     int
	cur      *openSegment
	dropped  int
}

type openSegment struct {
	number   int
	file     *renameio.PendingFile
	buf      *bufio.Writer
	writer   *mpegts.Writer
	track    *mpegts.Track
	firstDTS int64
	lastDTS  int64
	packets  int
}

// NewSegmenter creates the output directory and loads an existing playlist so
// that new segments are appended to it.
func NewSegmenter(cfg SegmenterConfig) (*Segmenter, error) {
	if cfg.TargetDuration <= 0 {
		cfg.TargetDuration = TargetDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartNumber < 0 {
		return nil, fmt.Errorf("invalid start number %d", cfg.StartNumber)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	s := &Segmenter{
		cfg:    cfg,
		logger: cfg.Logger,
		next:   cfg.StartNumber,
	}

	pl, err := loadPlaylist(filepath.Join(cfg.Dir, PlaylistName))
	switch {
	case err == nil && pl != nil:
		pl.Endlist = false
		s.playlist = pl
		s.resumed = len(pl.Segments) > 0
		s.logger.Debug("appending to existing playlist", slog.Int("segments", len(pl.Segments)))
	case err != nil:
		s.logger.Warn("existing playlist unreadable, starting a new one", slog.String("error", err.Error()))
		fallthrough
	default:
		s.playlist = &playlist.Media{
			Version:             3,
			IndependentSegments: true,
			TargetDuration:      targetSeconds(cfg.TargetDuration),
			MediaSequence:       cfg.StartNumber,
		}
	}

	return s, nil
}

func loadPlaylist(path string) (*playlist.Media, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", PlaylistName, err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("%s is not a media playlist", PlaylistName)
	}
	return media, nil
}

func targetSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// WritePacket muxes one access unit, rotating the segment when due. Packets
// before the first keyframe are dropped since a segment must start decodable.
func (s *Segmenter) WritePacket(p encoder.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmenterClosed
	}

	if s.cur == nil {
		if !p.Keyframe {
			s.dropped++
			return nil
		}
		if s.dropped > 0 {
			s.logger.Debug("dropped packets before first keyframe", slog.Int("count", s.dropped))
			s.dropped = 0
		}
		if err := s.openSegment(p.DTS); err != nil {
			return err
		}
	} else if p.Keyframe && s.ticks(p.DTS-s.cur.firstDTS) >= s.cfg.TargetDuration {
		if err := s.finishSegment(s.ticks(p.DTS - s.cur.firstDTS)); err != nil {
			return err
		}
		if err := s.openSegment(p.DTS); err != nil {
			return err
		}
	}

	if err := s.cur.writer.WriteH264(s.cur.track, p.PTS, p.DTS, p.AU); err != nil {
		return fmt.Errorf("writing segment %d: %w", s.cur.number, err)
	}
	s.cur.lastDTS = p.DTS
	s.cur.packets++
	return nil
}

func (s *Segmenter) ticks(d int64) time.Duration {
	return time.Duration(d) * time.Second / encoder.ClockRate
}

func (s *Segmenter) openSegment(dts int64) error {
	path := SegmentPath(s.cfg.Dir, s.next)
	file, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("creating segment %d: %w", s.next, err)
	}

	buf := bufio.NewWriter(file)
	track := &mpegts.Track{PID: videoPID, Codec: &mpegts.CodecH264{}}
	w := &mpegts.Writer{W: buf, Tracks: []*mpegts.Track{track}}
	if err := w.Initialize(); err != nil {
		_ = file.Cleanup()
		return fmt.Errorf("initializing segment %d: %w", s.next, err)
	}

	s.cur = &openSegment{
		number:   s.next,
		file:     file,
		buf:      buf,
		writer:   w,
		track:    track,
		firstDTS: dts,
		lastDTS:  dts,
	}
	s.next++
	return nil
}

// finishSegment publishes the open segment and appends it to the playlist.
func (s *Segmenter) finishSegment(duration time.Duration) error {
	seg := s.cur
	s.cur = nil

	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Cleanup()
		return fmt.Errorf("flushing segment %d: %w", seg.number, err)
	}
	if err := seg.file.CloseAtomicallyReplace(); err != nil {
		_ = seg.file.Cleanup()
		return fmt.Errorf("publishing segment %d: %w", seg.number, err)
	}

	entry := &playlist.MediaSegment{
		Duration: duration,
		URI:      SegmentName(seg.number),
	}
	if s.resumed {
		entry.Discontinuity = true
		s.resumed = false
	}
	s.playlist.Segments = append(s.playlist.Segments, entry)
	if t := targetSeconds(duration); t > s.playlist.TargetDuration {
		s.playlist.TargetDuration = t
	}

	s.logger.Debug("segment complete",
		slog.Int("segment", seg.number),
		slog.Duration("duration", duration),
		slog.Int("packets", seg.packets),
	)
	return s.writePlaylist()
}

func (s *Segmenter) writePlaylist() error {
	data, err := s.playlist.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling playlist: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(s.cfg.Dir, PlaylistName), data, 0o644); err != nil {
		return fmt.Errorf("writing playlist: %w", err)
	}
	return nil
}

// lastDuration estimates the open segment's duration, adding one frame
// interval for the final frame.
func (s *Segmenter) lastDuration() time.Duration {
	seg := s.cur
	span := seg.lastDTS - seg.firstDTS
	var frame int64
	switch {
	case seg.packets > 1:
		frame = span / int64(seg.packets-1)
	case s.cfg.FPS > 0:
		frame = encoder.ClockRate / int64(s.cfg.FPS)
	}
	return s.ticks(span + frame)
}

// Close publishes the open segment and ends the playlist.
func (s *Segmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.cur != nil {
		if err := s.finishSegment(s.lastDuration()); err != nil {
			errs = append(errs, err)
		}
	}

	if len(s.playlist.Segments) > 0 {
		s.playlist.Endlist = true
		if err := s.writePlaylist(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
