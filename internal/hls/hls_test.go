package hls

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/capturr/internal/encoder"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "video_0.ts", SegmentName(0))
	assert.Equal(t, "video_42.sig", SignatureName(42))
	assert.Equal(t, filepath.Join("d", "video_7.ts"), SegmentPath("d", 7))
	assert.Equal(t, filepath.Join("d", "video_7.sig"), SignaturePath("d", 7))
}

func TestParseSegmentNumber(t *testing.T) {
	tests := []struct {
		name   string
		want   int
		wantOK bool
	}{
		{"video_0.ts", 0, true},
		{"video_123.ts", 123, true},
		{"video_007.ts", 7, true},
		{"video_.ts", 0, false},
		{"video_abc.ts", 0, false},
		{"video_-1.ts", 0, false},
		{"video_1.5.ts", 0, false},
		{"video_1_2.ts", 0, false},
		{"video_1.sig", 0, false},
		{"audio_1.ts", 0, false},
		{".video_3.ts123", 0, false},
		{"video_99999999999999999999999.ts", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSegmentNumber(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	n, ok := ParseSignatureNumber("video_5.sig")
	assert.True(t, ok)
	assert.Equal(t, 5, n)
}

func TestNextSegmentNumber(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		n, err := NextSegmentNumber(filepath.Join(t.TempDir(), "nope"))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("empty directory", func(t *testing.T) {
		n, err := NextSegmentNumber(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("max plus one with malformed names skipped", func(t *testing.T) {
		dir := t.TempDir()
		for _, name := range []string{"video_2.ts", "video_10.ts", "video_9.ts", "video_x.ts", "video_11.sig", "video.m3u8"} {
			touch(t, dir, name)
		}
		require.NoError(t, os.Mkdir(filepath.Join(dir, "video_50.ts"), 0o755))

		nums, err := ListSegments(dir)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 9, 10}, nums)

		n, err := NextSegmentNumber(dir)
		require.NoError(t, err)
		assert.Equal(t, 11, n)
	})
}

func TestBuildLiveManifest(t *testing.T) {
	assert.Equal(t, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:3\n", BuildLiveManifest(nil))

	want := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:3\n" +
		"#EXT-X-MEDIA-SEQUENCE:10\n" +
		"#EXTINF:3.0,\nvideo_10.ts\n" +
		"#EXTINF:3.0,\nvideo_11.ts\n" +
		"#EXTINF:3.0,\nvideo_12.ts\n"
	assert.Equal(t, want, BuildLiveManifest([]int{10, 11, 12}))
	assert.NotContains(t, BuildLiveManifest([]int{1}), "ENDLIST")
}

func TestBuildLiveManifest_ParsesAsMediaPlaylist(t *testing.T) {
	pl, err := playlist.Unmarshal([]byte(BuildLiveManifest([]int{4, 5})))
	require.NoError(t, err)

	media, ok := pl.(*playlist.Media)
	require.True(t, ok)
	assert.Equal(t, 4, media.MediaSequence)
	assert.Equal(t, 3, media.TargetDuration)
	assert.False(t, media.Endlist)
	require.Len(t, media.Segments, 2)
	assert.Equal(t, "video_5.ts", media.Segments[1].URI)
	assert.Equal(t, 3*time.Second, media.Segments[1].Duration)
}

var (
	testKeyAU = [][]byte{
		{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x47, 0xfe, 0xc8}, // SPS
		{0x68, 0xce, 0x3c, 0x80},                                     // PPS
		{0x65, 0x88, 0x84, 0x00, 0x33, 0xff},                         // IDR slice
	}
	testDeltaAU = [][]byte{{0x41, 0x9a, 0x02, 0x04}}
)

// feed writes count packets at 10 fps with a keyframe every 10 packets.
func feed(t *testing.T, s *Segmenter, from, count int) {
	t.Helper()
	for i := from; i < from+count; i++ {
		p := encoder.Packet{PTS: int64(i) * 9000, DTS: int64(i) * 9000, AU: testDeltaAU}
		if i%10 == 0 {
			p.AU, p.Keyframe = testKeyAU, true
		}
		require.NoError(t, s.WritePacket(p))
	}
}

func readPlaylist(t *testing.T, dir string) *playlist.Media {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, PlaylistName))
	require.NoError(t, err)
	pl, err := playlist.Unmarshal(data)
	require.NoError(t, err)
	media, ok := pl.(*playlist.Media)
	require.True(t, ok)
	return media
}

func countAccessUnits(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	r := &mpegts.Reader{R: bytes.NewReader(data)}
	require.NoError(t, r.Initialize())

	count := 0
	for _, track := range r.Tracks() {
		r.OnDataH264(track, func(_, _ int64, _ [][]byte) error {
			count++
			return nil
		})
	}
	for {
		if err := r.Read(); err != nil {
			require.True(t, errors.Is(err, io.EOF) || errors.Is(err, astits.ErrNoMorePackets),
				"unexpected read error: %v", err)
			return count
		}
	}
}

func newTestSegmenter(t *testing.T, dir string, start int) *Segmenter {
	t.Helper()
	s, err := NewSegmenter(SegmenterConfig{
		Dir:         dir,
		StartNumber: start,
		FPS:         10,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return s
}

func TestSegmenter_CutsOnKeyframeAfterTarget(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Display_1")
	s := newTestSegmenter(t, dir, 5)

	feed(t, s, 0, 95)

	// Three full segments are published before Close; the fourth is still open.
	nums, err := ListSegments(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7}, nums)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.WritePacket(encoder.Packet{Keyframe: true, AU: testKeyAU}), ErrSegmenterClosed)

	nums, err = ListSegments(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7, 8}, nums)

	assert.Equal(t, 30, countAccessUnits(t, SegmentPath(dir, 5)))
	assert.Equal(t, 5, countAccessUnits(t, SegmentPath(dir, 8)))

	media := readPlaylist(t, dir)
	assert.Equal(t, 5, media.MediaSequence)
	assert.True(t, media.Endlist)
	assert.True(t, media.IndependentSegments)
	assert.Equal(t, 3, media.TargetDuration)
	require.Len(t, media.Segments, 4)
	assert.Equal(t, "video_5.ts", media.Segments[0].URI)
	assert.Equal(t, 3*time.Second, media.Segments[0].Duration)
	assert.Equal(t, 500*time.Millisecond, media.Segments[3].Duration)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		_, isSegment := ParseSegmentNumber(e.Name())
		assert.True(t, isSegment || e.Name() == PlaylistName, "unexpected leftover %s", e.Name())
	}
}

func TestSegmenter_DropsUntilKeyframe(t *testing.T) {
	dir := t.TempDir()
	s := newTestSegmenter(t, dir, 0)

	require.NoError(t, s.WritePacket(encoder.Packet{DTS: 0, PTS: 0, AU: testDeltaAU}))
	feed(t, s, 10, 5)
	require.NoError(t, s.Close())

	assert.Equal(t, 5, countAccessUnits(t, SegmentPath(dir, 0)))
}

func TestSegmenter_CloseWithoutPackets(t *testing.T) {
	dir := t.TempDir()
	s := newTestSegmenter(t, dir, 0)
	require.NoError(t, s.Close())

	_, err := os.Stat(filepath.Join(dir, PlaylistName))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestSegmenter_ResumeAppendsToPlaylist(t *testing.T) {
	dir := t.TempDir()

	first := newTestSegmenter(t, dir, 0)
	feed(t, first, 0, 35)
	require.NoError(t, first.Close())

	next, err := NextSegmentNumber(dir)
	require.NoError(t, err)
	require.Equal(t, 2, next)

	second := newTestSegmenter(t, dir, next)
	feed(t, second, 0, 5)
	require.NoError(t, second.Close())

	media := readPlaylist(t, dir)
	assert.Equal(t, 0, media.MediaSequence)
	require.Len(t, media.Segments, 3)
	assert.Equal(t, "video_2.ts", media.Segments[2].URI)
	assert.True(t, media.Segments[2].Discontinuity)
	assert.False(t, media.Segments[1].Discontinuity)
	assert.True(t, media.Endlist)
}

func TestSegmenter_CorruptPlaylistStartsFresh(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, PlaylistName)

	s := newTestSegmenter(t, dir, 3)
	feed(t, s, 0, 5)
	require.NoError(t, s.Close())

	media := readPlaylist(t, dir)
	assert.Equal(t, 3, media.MediaSequence)
	require.Len(t, media.Segments, 1)
}
