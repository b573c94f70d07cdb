package ffmpeg

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not installed.
func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sampleVersion = `ffmpeg version n7.1-3-g1234abcd Copyright (c) 2000-2024 the FFmpeg developers
built with gcc 14.2.1 (GCC) 20240910
configuration: --prefix=/usr --enable-gpl --enable-libx264 --enable-nvenc
libavutil      59. 39.100 / 59. 39.100
`

const sampleEncoders = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V....D h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
`

const sampleHWAccels = `Hardware acceleration methods:
vdpau
cuda
vaapi

`

func TestParseVersion(t *testing.T) {
	info := &BinaryInfo{}
	require.NoError(t, parseVersion(sampleVersion, info))

	assert.Equal(t, "n7.1-3-g1234abcd", info.Version)
	assert.Equal(t, 7, info.MajorVersion)
	assert.Equal(t, 1, info.MinorVersion)
	assert.Contains(t, info.Configuration, "--enable-libx264")
}

func TestParseVersion_Garbage(t *testing.T) {
	err := parseVersion("not ffmpeg at all\n", &BinaryInfo{})
	assert.Error(t, err)
}

func TestParseEncoders(t *testing.T) {
	encoders := parseEncoders(sampleEncoders)
	assert.Equal(t, []string{"libx264", "h264_nvenc", "h264_vaapi", "aac"}, encoders)
}

func TestParseHWAccels(t *testing.T) {
	assert.Equal(t, []string{"vdpau", "cuda", "vaapi"}, parseHWAccels(sampleHWAccels))
}

func TestBinaryInfo_Capabilities(t *testing.T) {
	info := &BinaryInfo{
		Encoders:     parseEncoders(sampleEncoders),
		HWAccels:     parseHWAccels(sampleHWAccels),
		MajorVersion: 6,
		MinorVersion: 1,
	}

	assert.True(t, info.HasEncoder("h264_nvenc"))
	assert.False(t, info.HasEncoder("h264_qsv"))
	assert.True(t, info.HasHWAccel("vaapi"))
	assert.False(t, info.HasHWAccel("qsv"))

	assert.Contains(t, info.JSON(), `"h264_nvenc"`)
}

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755)) //nolint:gosec // test fixture must be executable
	return path
}

func TestLocate_EnvVar(t *testing.T) {
	path := writeExecutable(t, t.TempDir(), "custom-ffmpeg")
	t.Setenv("CAPTURR_TEST_FFMPEG", path)

	got, err := Locate("definitely-not-on-path-ffmpeg", "CAPTURR_TEST_FFMPEG")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestLocate_NotFound(t *testing.T) {
	t.Setenv("CAPTURR_TEST_FFMPEG", "")
	_, err := Locate("definitely-not-on-path-ffmpeg", "CAPTURR_TEST_FFMPEG")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBinaryDetector_ConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(notExec, []byte("x"), 0o600))

	_, err := NewBinaryDetector(notExec).Path()
	require.ErrorIs(t, err, ErrNotFound)

	exe := writeExecutable(t, dir, "ffmpeg-ok")
	got, err := NewBinaryDetector(exe).Path()
	require.NoError(t, err)
	assert.Equal(t, exe, got)
}

func TestBinaryDetector_Detect(t *testing.T) {
	path := skipIfNoFFmpeg(t)

	detector := NewBinaryDetector(path)
	info, err := detector.Detect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, path, info.Path)
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Encoders)

	cached, err := detector.Detect(context.Background())
	require.NoError(t, err)
	assert.Same(t, info, cached)
}

func TestCommandBuilder_Build(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		HideBanner().
		RawVideoInput("rgb24", 1280, 720, 24).
		Input("pipe:0").
		VideoCodec("libx264").
		CodecOptions(map[string]string{"tune": "zerolatency", "preset": "ultrafast", "crf": "20"}).
		PixelFormat("yuv420p").
		OutputArgs("-g", "72").
		OutputArgs("-f", "mpegts").
		Output("pipe:1").
		Build()

	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	assert.Equal(t, []string{
		"-loglevel", "error", "-hide_banner",
		"-f", "rawvideo", "-pix_fmt", "rgb24", "-s", "1280x720", "-r", "24",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-crf", "20", "-preset", "ultrafast", "-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", "72", "-f", "mpegts",
		"pipe:1",
	}, cmd.Args)
}

func TestCommandBuilder_String(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").LogLevel("warning").Input("in.ts").Output("out.ts").Build()
	assert.Equal(t, "ffmpeg -loglevel warning -i in.ts out.ts", cmd.String())
}

func TestCommandBuilder_LogLevelEmptyKeepsDefault(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").LogLevel("").Build()
	assert.Equal(t, []string{"-loglevel", "error"}, cmd.Args)
}

func TestCommandBuilder_InitHWDevice(t *testing.T) {
	tests := []struct {
		name   string
		hwType string
		device string
		want   []string
	}{
		{name: "vaapi with device", hwType: "vaapi", device: "/dev/dri/renderD128",
			want: []string{"-init_hw_device", "vaapi=hw:/dev/dri/renderD128", "-filter_hw_device", "hw"}},
		{name: "cuda without device", hwType: "cuda",
			want: []string{"-init_hw_device", "cuda=hw", "-filter_hw_device", "hw"}},
		{name: "none skipped", hwType: "none"},
		{name: "auto skipped", hwType: "auto"},
		{name: "empty skipped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewCommandBuilder("ffmpeg").InitHWDevice(tt.hwType, tt.device).Build()
			assert.Equal(t, append([]string{"-loglevel", "error"}, tt.want...), cmd.Args)
		})
	}
}

func TestCommandBuilder_HWUploadFilter(t *testing.T) {
	tests := []struct {
		hwType string
		want   string
	}{
		{"vaapi", "format=nv12,hwupload"},
		{"cuda", "format=nv12,hwupload_cuda"},
		{"qsv", "format=nv12,hwupload=extra_hw_frames=64"},
		{"none", ""},
	}

	for _, tt := range tests {
		t.Run(tt.hwType, func(t *testing.T) {
			cmd := NewCommandBuilder("ffmpeg").VideoFilter("scale=640:-2").HWUploadFilter(tt.hwType).Build()
			vf := ""
			for i, a := range cmd.Args {
				if a == "-vf" {
					vf = cmd.Args[i+1]
				}
			}
			if tt.want == "" {
				assert.Equal(t, "scale=640:-2", vf)
				return
			}
			assert.Equal(t, "scale=640:-2,"+tt.want, vf)
		})
	}
}

func TestCommandBuilder_MpegtsArgs(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").MpegtsArgs().Build()
	assert.Contains(t, cmd.String(), "-f mpegts -flush_packets 1 -muxdelay 0")
}

func TestScanLinesWithCR(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("first\rsecond\r\nthird\n\nlast"))
	scanner.Split(scanLinesWithCR)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Equal(t, []string{"first", "second", "third", "last"}, lines)
}

func TestProcess_WaitAndStderr(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	cmd := &Command{Binary: sh, Args: []string{"-c", "echo oops 1>&2; cat"}}
	p, err := StartProcess(context.Background(), cmd, true, discardLogger())
	require.NoError(t, err)

	_, err = p.Stdin().Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, p.Stdin().Close())

	out := make([]byte, 5)
	_, err = io.ReadFull(p.Stdout(), out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	require.NoError(t, p.Wait(time.Second))

	assert.Eventually(t, func() bool {
		tail := p.StderrTail()
		return len(tail) == 1 && tail[0] == "oops"
	}, time.Second, 10*time.Millisecond)
}

func TestProcess_Kill(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	p, err := StartProcess(context.Background(), &Command{Binary: sleep, Args: []string{"30"}}, false, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, p.Stdin())
	assert.Positive(t, p.PID())

	require.NoError(t, p.Kill())
	require.NoError(t, p.Kill(), "killing an exited process is not an error")
}
