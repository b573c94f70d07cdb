package hls

import (
	"strconv"
	"strings"
)

const liveHeader = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:3\n"

// BuildLiveManifest renders a rolling live playlist over the given segment
// numbers, oldest first. The media sequence is the first segment. Every entry
// is advertised at the nominal 3 second duration and the playlist never ends.
func BuildLiveManifest(segments []int) string {
	if len(segments) == 0 {
		return liveHeader
	}

	var sb strings.Builder
	sb.WriteString(liveHeader)
	sb.WriteString("#EXT-X-MEDIA-SEQUENCE:")
	sb.WriteString(strconv.Itoa(segments[0]))
	sb.WriteByte('\n')

	for _, n := range segments {
		sb.WriteString("#EXTINF:3.0,\n")
		sb.WriteString(SegmentName(n))
		sb.WriteByte('\n')
	}

	return sb.String()
}
