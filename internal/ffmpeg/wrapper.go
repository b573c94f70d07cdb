package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Command is a fully built FFmpeg invocation.
type Command struct {
	Binary string
	Args   []string
}

// String returns the command line for logging.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Exec returns an exec.Cmd for the command bound to ctx.
func (c *Command) Exec(ctx context.Context) *exec.Cmd {
	return exec.CommandContext(ctx, c.Binary, c.Args...)
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	filters    []string
	outputArgs []string
	output     string
	logLevel   string
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	if level != "" {
		b.logLevel = level
	}
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops ffmpeg from reading interactive commands from stdin.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// InitHWDevice initializes a hardware device and makes it the filter device,
// so a later HWUploadFilter has a target.
// Example: InitHWDevice("vaapi", "/dev/dri/renderD128")
func (b *CommandBuilder) InitHWDevice(hwType, device string) *CommandBuilder {
	if hwType == "" || hwType == "none" || hwType == "auto" {
		return b
	}
	spec := hwType + "=hw"
	if device != "" {
		spec += ":" + device
	}
	b.globalArgs = append(b.globalArgs, "-init_hw_device", spec, "-filter_hw_device", "hw")
	return b
}

// HWUploadFilter adds the upload filter that moves software frames to the GPU.
func (b *CommandBuilder) HWUploadFilter(hwType string) *CommandBuilder {
	switch hwType {
	case "", "none", "auto":
		return b
	case "cuda", "nvenc":
		b.filters = append(b.filters, "format=nv12,hwupload_cuda")
	case "qsv":
		b.filters = append(b.filters, "format=nv12,hwupload=extra_hw_frames=64")
	default:
		b.filters = append(b.filters, "format=nv12,hwupload")
	}
	return b
}

// RawVideoInput configures a raw frame input of the given pixel format and geometry.
func (b *CommandBuilder) RawVideoInput(pixFmt string, width, height, fps int) *CommandBuilder {
	b.inputArgs = append(b.inputArgs,
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", fmt.Sprintf("%d", fps),
	)
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// VideoFilter appends a video filter to the filter chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	if filter != "" {
		b.filters = append(b.filters, filter)
	}
	return b
}

// PixelFormat sets the output pixel format.
func (b *CommandBuilder) PixelFormat(pixFmt string) *CommandBuilder {
	if pixFmt != "" {
		b.outputArgs = append(b.outputArgs, "-pix_fmt", pixFmt)
	}
	return b
}

// CodecOptions adds codec private options as -key value pairs in key order,
// so the same option map always produces the same command line.
func (b *CommandBuilder) CodecOptions(opts map[string]string) *CommandBuilder {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.outputArgs = append(b.outputArgs, "-"+k, opts[k])
	}
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// MpegtsArgs configures low-latency MPEG-TS output.
func (b *CommandBuilder) MpegtsArgs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "mpegts",
		"-flush_packets", "1",
		"-muxdelay", "0",
	)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build assembles the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	args = append(args, b.inputArgs...)
	if b.input != "" {
		args = append(args, "-i", b.input)
	}

	if len(b.filters) > 0 {
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}

	return &Command{
		Binary: b.binary,
		Args:   args,
	}
}
