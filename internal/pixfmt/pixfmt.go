// Package pixfmt converts captured frames into the layout an encoder expects.
package pixfmt

import (
	"errors"
	"fmt"
)

// Format is a packed or planar raw pixel layout.
type Format int

const (
	Unknown Format = iota
	BGR24
	BGRA
	RGB24
	I420 // planar YUV 4:2:0, BT.601 limited range
)

var (
	// ErrUnsupported is returned for a conversion that has no implementation.
	ErrUnsupported = errors.New("unsupported pixel conversion")
	// ErrFrameSize is returned when a buffer does not match the frame geometry.
	ErrFrameSize = errors.New("frame size mismatch")
)

// String returns the ffmpeg pix_fmt name.
func (f Format) String() string {
	switch f {
	case BGR24:
		return "bgr24"
	case BGRA:
		return "bgra"
	case RGB24:
		return "rgb24"
	case I420:
		return "yuv420p"
	default:
		return "unknown"
	}
}

// Parse maps an ffmpeg pix_fmt name to a Format.
func Parse(name string) (Format, error) {
	for _, f := range []Format{BGR24, BGRA, RGB24, I420} {
		if f.String() == name {
			return f, nil
		}
	}
	return Unknown, fmt.Errorf("unknown pixel format %q", name)
}

// FrameSize returns the byte size of a width x height frame.
func (f Format) FrameSize(width, height int) int {
	switch f {
	case BGR24, RGB24:
		return width * height * 3
	case BGRA:
		return width * height * 4
	case I420:
		cw, ch := (width+1)/2, (height+1)/2
		return width*height + 2*cw*ch
	default:
		return 0
	}
}

// Convert converts src from one format to another. dst is reused when it is
// large enough, so callers converting every frame can avoid allocating.
// Converting to the same format returns src unchanged.
func Convert(dst, src []byte, width, height int, from, to Format) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameSize, width, height)
	}
	if want := from.FrameSize(width, height); want == 0 || len(src) != want {
		return nil, fmt.Errorf("%w: %s %dx%d needs %d bytes, got %d",
			ErrFrameSize, from, width, height, from.FrameSize(width, height), len(src))
	}
	if from == to {
		return src, nil
	}

	var bpp int
	switch from {
	case BGR24:
		bpp = 3
	case BGRA:
		bpp = 4
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupported, from, to)
	}

	size := to.FrameSize(width, height)
	if size == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupported, from, to)
	}
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]

	switch to {
	case RGB24:
		bgrToRGB(dst, src, width*height, bpp)
	case I420:
		bgrToI420(dst, src, width, height, bpp)
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnsupported, from, to)
	}
	return dst, nil
}

func bgrToRGB(dst, src []byte, pixels, bpp int) {
	for i := range pixels {
		s, d := i*bpp, i*3
		dst[d] = src[s+2]
		dst[d+1] = src[s+1]
		dst[d+2] = src[s]
	}
}

func bgrToI420(dst, src []byte, width, height, bpp int) {
	cw, ch := (width+1)/2, (height+1)/2
	yPlane := dst[:width*height]
	uPlane := dst[width*height : width*height+cw*ch]
	vPlane := dst[width*height+cw*ch:]

	for y := range height {
		row := y * width
		for x := range width {
			s := (row + x) * bpp
			yPlane[row+x] = lumaBT601(int(src[s+2]), int(src[s+1]), int(src[s]))
		}
	}

	// Chroma is the average of each 2x2 block, clamped at odd edges.
	for cy := range ch {
		for cx := range cw {
			var r, g, b, n int
			for dy := range 2 {
				py := cy*2 + dy
				if py >= height {
					continue
				}
				for dx := range 2 {
					px := cx*2 + dx
					if px >= width {
						continue
					}
					s := (py*width + px) * bpp
					b += int(src[s])
					g += int(src[s+1])
					r += int(src[s+2])
					n++
				}
			}
			r, g, b = r/n, g/n, b/n
			uPlane[cy*cw+cx] = clamp(((-38*r-74*g+112*b+128)>>8) + 128)
			vPlane[cy*cw+cx] = clamp(((112*r-94*g-18*b+128)>>8) + 128)
		}
	}
}

func lumaBT601(r, g, b int) byte {
	return clamp(((66*r + 129*g + 25*b + 128) >> 8) + 16)
}

func clamp(v int) byte {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}
