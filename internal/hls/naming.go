// Package hls writes and describes the segmented, append-only archive of a
// recording session: numbered MPEG-TS segments, their signature artifacts,
// the authoritative video.m3u8 and the rolling live manifest.
package hls

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Archive layout and timing constants.
const (
	PlaylistName    = "video.m3u8"
	SegmentPrefix   = "video_"
	SegmentExt      = ".ts"
	SignatureExt    = ".sig"
	TargetDuration  = 3 * time.Second
	ContentType     = "application/vnd.apple.mpegurl"
	SegmentMIMEType = "video/mp2t"
)

// SegmentName returns the file name of segment n.
func SegmentName(n int) string {
	return SegmentPrefix + strconv.Itoa(n) + SegmentExt
}

// SignatureName returns the file name of the signature artifact for segment n.
func SignatureName(n int) string {
	return SegmentPrefix + strconv.Itoa(n) + SignatureExt
}

// SegmentPath returns the path of segment n in dir.
func SegmentPath(dir string, n int) string {
	return filepath.Join(dir, SegmentName(n))
}

// SignaturePath returns the path of the signature artifact for segment n in dir.
func SignaturePath(dir string, n int) string {
	return filepath.Join(dir, SignatureName(n))
}

// ParseSegmentNumber extracts n from "video_<n>.ts". Names that do not follow
// the pattern exactly, including negative or non-decimal numbers, are rejected.
func ParseSegmentNumber(name string) (int, bool) {
	return parseNumbered(name, SegmentExt)
}

// ParseSignatureNumber extracts n from "video_<n>.sig".
func ParseSignatureNumber(name string) (int, bool) {
	return parseNumbered(name, SignatureExt)
}

func parseNumbered(name, ext string) (int, bool) {
	if !strings.HasPrefix(name, SegmentPrefix) || !strings.HasSuffix(name, ext) {
		return 0, false
	}
	digits := name[len(SegmentPrefix) : len(name)-len(ext)]
	if digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListSegments returns the segment numbers present in dir in ascending order.
// Files with malformed names are skipped. A missing directory has no segments.
func ListSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing segments: %w", err)
	}

	// ReadDir sorts by name, which is lexical; sort numerically instead.
	var nums []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := ParseSegmentNumber(e.Name()); ok {
			nums = append(nums, n)
		}
	}
	slices.Sort(nums)
	return nums, nil
}

// NextSegmentNumber returns max(existing)+1, or 0 for an empty directory.
func NextSegmentNumber(dir string) (int, error) {
	nums, err := ListSegments(dir)
	if err != nil {
		return 0, err
	}
	if len(nums) == 0 {
		return 0, nil
	}
	return nums[len(nums)-1] + 1, nil
}
