// Package encoder selects an H.264 encoder and runs it as an ffmpeg
// subprocess fed with raw frames.
package encoder

import (
	"maps"
	"strings"

	"github.com/jmylchreest/capturr/internal/pixfmt"
)

// Software is the fallback encoder id.
const Software = "libx264"

// hardwarePriority is the order in which hardware encoders are preferred.
var hardwarePriority = []string{
	"h264_nvenc",
	"h264_qsv",
	"h264_amf",
	"h264_vaapi",
	"h264_videotoolbox",
}

var (
	nvencOptions = map[string]string{
		"preset":  "p4",
		"tune":    "ll",
		"rc":      "vbr",
		"cq":      "23",
		"maxrate": "2M",
		"bufsize": "4M",
	}
	qsvOptions = map[string]string{
		"preset":         "faster",
		"global_quality": "20",
	}
	amfOptions = map[string]string{
		"quality": "speed",
		"rc":      "vbr_peak",
		"qmin":    "18",
		"qmax":    "28",
	}
	vaapiOptions = map[string]string{
		"rc_mode": "CQP",
		"qp":      "23",
	}
	videotoolboxOptions = map[string]string{
		"realtime": "1",
		"b:v":      "2M",
	}
	softwareOptions = map[string]string{
		"preset": "ultrafast",
		"tune":   "zerolatency",
		"crf":    "20",
	}
)

// Options returns the tuning options for an encoder id. The returned map is a
// copy and may be modified.
func Options(id string) map[string]string {
	var opts map[string]string
	switch {
	case strings.Contains(id, "nvenc"):
		opts = nvencOptions
	case strings.Contains(id, "qsv"):
		opts = qsvOptions
	case strings.Contains(id, "amf"):
		opts = amfOptions
	case strings.Contains(id, "vaapi"):
		opts = vaapiOptions
	case strings.Contains(id, "videotoolbox"):
		opts = videotoolboxOptions
	default:
		opts = softwareOptions
	}
	return maps.Clone(opts)
}

// IsHardware reports whether id names a hardware encoder.
func IsHardware(id string) bool {
	for _, hw := range []string{"nvenc", "qsv", "amf", "vaapi", "videotoolbox"} {
		if strings.Contains(id, hw) {
			return true
		}
	}
	return false
}

// HWUploadType returns the hardware device type frames must be uploaded to
// before reaching the encoder, or "" when the encoder accepts system memory.
func HWUploadType(id string) string {
	if strings.Contains(id, "vaapi") {
		return "vaapi"
	}
	return ""
}

// PixelFormatsFor returns the raw layout frames are converted to before being
// written to the encoder, and the pix_fmt the encoder is asked to produce.
// Hardware encoders take planar YUV 4:2:0; NVENC and QSV want it as nv12.
// Software encoding takes RGB24 and encodes yuv420p.
func PixelFormatsFor(id string) (input pixfmt.Format, output string) {
	switch {
	case strings.Contains(id, "nvenc"), strings.Contains(id, "qsv"):
		return pixfmt.I420, "nv12"
	case strings.Contains(id, "vaapi"):
		// The upload filter picks the surface format.
		return pixfmt.I420, ""
	case IsHardware(id):
		return pixfmt.I420, "yuv420p"
	default:
		return pixfmt.RGB24, "yuv420p"
	}
}
