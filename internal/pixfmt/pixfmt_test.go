package pixfmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidBGR(width, height int, b, g, r byte, bpp int) []byte {
	buf := make([]byte, width*height*bpp)
	for i := 0; i < len(buf); i += bpp {
		buf[i], buf[i+1], buf[i+2] = b, g, r
		if bpp == 4 {
			buf[i+3] = 0xff
		}
	}
	return buf
}

func TestFormat_StringAndParse(t *testing.T) {
	for _, f := range []Format{BGR24, BGRA, RGB24, I420} {
		parsed, err := Parse(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, parsed)
	}
	_, err := Parse("p010le")
	assert.Error(t, err)
}

func TestFormat_FrameSize(t *testing.T) {
	assert.Equal(t, 12, BGR24.FrameSize(2, 2))
	assert.Equal(t, 16, BGRA.FrameSize(2, 2))
	assert.Equal(t, 6, I420.FrameSize(2, 2))
	assert.Equal(t, 9+2*4, I420.FrameSize(3, 3), "odd sizes round chroma up")
	assert.Zero(t, Unknown.FrameSize(2, 2))
}

func TestConvert_BGRToRGB(t *testing.T) {
	src := []byte{1, 2, 3, 4, 5, 6}
	out, err := Convert(nil, src, 2, 1, BGR24, RGB24)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1, 6, 5, 4}, out)

	bgra := []byte{1, 2, 3, 255, 4, 5, 6, 255}
	out, err = Convert(nil, bgra, 2, 1, BGRA, RGB24)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1, 6, 5, 4}, out)
}

func TestConvert_ToI420(t *testing.T) {
	tests := []struct {
		name    string
		b, g, r byte
		y, u, v byte
	}{
		{name: "black", y: 16, u: 128, v: 128},
		{name: "white", b: 255, g: 255, r: 255, y: 235, u: 128, v: 128},
		{name: "red", r: 255, y: 82, u: 90, v: 240},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, bpp := range []int{3, 4} {
				from := BGR24
				if bpp == 4 {
					from = BGRA
				}
				out, err := Convert(nil, solidBGR(4, 2, tt.b, tt.g, tt.r, bpp), 4, 2, from, I420)
				require.NoError(t, err)
				require.Len(t, out, I420.FrameSize(4, 2))

				for i := range 8 {
					assert.Equal(t, tt.y, out[i], "luma %d", i)
				}
				assert.Equal(t, []byte{tt.u, tt.u}, out[8:10])
				assert.Equal(t, []byte{tt.v, tt.v}, out[10:12])
			}
		})
	}
}

func TestConvert_ReusesDst(t *testing.T) {
	dst := make([]byte, 0, 64)
	out, err := Convert(dst, solidBGR(2, 2, 0, 0, 0, 3), 2, 2, BGR24, RGB24)
	require.NoError(t, err)
	assert.Equal(t, &dst[:1][0], &out[0])
}

func TestConvert_SameFormat(t *testing.T) {
	src := []byte{1, 2, 3}
	out, err := Convert(nil, src, 1, 1, RGB24, RGB24)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestConvert_Errors(t *testing.T) {
	_, err := Convert(nil, []byte{1, 2}, 1, 1, BGR24, RGB24)
	require.ErrorIs(t, err, ErrFrameSize)

	_, err = Convert(nil, nil, 0, 1, BGR24, RGB24)
	require.ErrorIs(t, err, ErrFrameSize)

	_, err = Convert(nil, []byte{1, 2, 3}, 1, 1, RGB24, I420)
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Convert(nil, []byte{1, 2, 3}, 1, 1, BGR24, BGRA)
	require.ErrorIs(t, err, ErrUnsupported)
}
