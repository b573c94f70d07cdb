package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/jmylchreest/capturr/internal/pixfmt"
)

var patternBars = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
}

// Pattern is a synthetic source drawing colour bars, a sweeping marker and a
// frame counter. It returns frames as fast as it is asked, so the caller paces it.
type Pattern struct {
	name   string
	width  int
	height int
	fps    int
	now    func() time.Time

	mu      sync.Mutex
	frame   uint64
	stopped bool
	canvas  *image.RGBA
	bars    *image.RGBA
}

// NewPattern creates a test pattern source. The name is sanitised.
func NewPattern(name string, width, height, fps int) (*Pattern, error) {
	if width < 16 || height < 16 {
		return nil, fmt.Errorf("pattern size %dx%d too small", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("pattern fps must be positive")
	}

	p := &Pattern{
		name:   SanitizeName(name),
		width:  width,
		height: height,
		fps:    fps,
		now:    time.Now,
		canvas: image.NewRGBA(image.Rect(0, 0, width, height)),
		bars:   image.NewRGBA(image.Rect(0, 0, width, height)),
	}

	barWidth := (width + len(patternBars) - 1) / len(patternBars)
	for i, c := range patternBars {
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, height)
		draw.Draw(p.bars, r, image.NewUniform(c), image.Point{}, draw.Src)
	}
	return p, nil
}

func (p *Pattern) Name() string   { return p.name }
func (p *Pattern) Width() int     { return p.width }
func (p *Pattern) Height() int    { return p.height }
func (p *Pattern) FPS() int       { return p.fps }
func (p *Pattern) AutoWait() bool { return false }

// CaptureFrame renders the next frame as BGR24.
func (p *Pattern) CaptureFrame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrStopped
	}

	n := p.frame
	p.frame++
	now := p.now()

	draw.Draw(p.canvas, p.canvas.Bounds(), p.bars, image.Point{}, draw.Src)

	markerX := int(n*8) % p.width //nolint:gosec // frame counter modulo width
	marker := image.Rect(markerX, 0, min(markerX+8, p.width), p.height)
	draw.Draw(p.canvas, marker, image.White, image.Point{}, draw.Src)

	label := fmt.Sprintf("%s #%d %s", p.name, n, now.Format("15:04:05.000"))
	box := image.Rect(0, p.height-20, min(len(label)*7+16, p.width), p.height)
	draw.Draw(p.canvas, box, image.Black, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  p.canvas,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, p.height-6),
	}
	d.DrawString(label)

	return &Frame{
		Data:     rgbaToBGR(p.canvas),
		Width:    p.width,
		Height:   p.height,
		Format:   pixfmt.BGR24,
		Captured: now,
	}, nil
}

// Stop marks the source stopped. It is idempotent.
func (p *Pattern) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func rgbaToBGR(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, b.Dx()*b.Dy()*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			px := row[x*4:]
			out[i], out[i+1], out[i+2] = px[2], px[1], px[0]
			i += 3
		}
	}
	return out
}
