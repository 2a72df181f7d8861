package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"image"
	"image/png"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/lapsproject/laps/internal/ecode"
)

// syntheticTIFF builds a 16-bit grayscale TIFF whose pixel at (x, y)
// carries elevation y*width+x.
func syntheticTIFF(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint16(y*width + x)
			i := (y*width + x) * 2
			img.Pix[i] = uint8(v >> 8)
			img.Pix[i+1] = uint8(v)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestConvertRoundTrip(t *testing.T) {
	src := syntheticTIFF(t, 10, 10)

	r, err := Convert(src, 0)
	require.NoError(t, err)

	assert.Equal(t, 10, r.Width)
	assert.Equal(t, 10, r.Height)
	assert.Equal(t, 0.0, r.MinHeight)
	assert.Equal(t, 99.0, r.MaxHeight)
	assert.Equal(t, 1.0, r.Resolution)

	decoded, err := png.Decode(bytes.NewReader(r.PNG))
	require.NoError(t, err)
	gray, ok := decoded.(*image.Gray16)
	require.True(t, ok, "converted PNG must be 16-bit grayscale")

	// Reconstructed elevations must land within one quantization step.
	step := (r.MaxHeight - r.MinHeight) / 65535.0
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			want := float64(y*10 + x)
			got := Elevation(gray.Gray16At(x, y).Y, r.MinHeight, r.MaxHeight)
			assert.InDelta(t, want, got, step+1e-9, "pixel (%d,%d)", x, y)
		}
	}
}

func TestConvertFlatRaster(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		if i%2 == 1 {
			img.Pix[i] = 42
		}
	}
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))

	r, err := Convert(buf.Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, r.MinHeight, r.MaxHeight)

	decoded, err := png.Decode(bytes.NewReader(r.PNG))
	require.NoError(t, err)
	gray := decoded.(*image.Gray16)
	// Constant elevation normalizes to zero everywhere.
	assert.Equal(t, uint16(0), gray.Gray16At(2, 2).Y)
	assert.Equal(t, r.MinHeight, Elevation(0, r.MinHeight, r.MaxHeight))
}

// rawScanlines inflates the IDAT stream and splits it into scanlines,
// mirroring the minimal decoder the module runner uses: it handles
// nothing but filter byte 0.
func rawScanlines(t *testing.T, pngData []byte, width, height int) [][]byte {
	t.Helper()
	require.Equal(t, "\x89PNG\r\n\x1a\n", string(pngData[:8]))

	var idat []byte
	pos := 8
	for pos < len(pngData) {
		length := int(binary.BigEndian.Uint32(pngData[pos : pos+4]))
		ctype := string(pngData[pos+4 : pos+8])
		if ctype == "IDAT" {
			idat = append(idat, pngData[pos+8:pos+8+length]...)
		}
		if ctype == "IEND" {
			break
		}
		pos += 12 + length
	}
	require.NotEmpty(t, idat)

	zr, err := zlib.NewReader(bytes.NewReader(idat))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	stride := width*2 + 1
	require.Len(t, raw, stride*height)
	lines := make([][]byte, height)
	for y := 0; y < height; y++ {
		lines[y] = raw[y*stride : (y+1)*stride]
	}
	return lines
}

func TestConvertScanlinesUnfiltered(t *testing.T) {
	src := syntheticTIFF(t, 10, 10)
	r, err := Convert(src, 0)
	require.NoError(t, err)

	for y, line := range rawScanlines(t, r.PNG, r.Width, r.Height) {
		require.Zero(t, line[0], "scanline %d must carry filter 0", y)
		for x := 0; x < r.Width; x++ {
			p := binary.BigEndian.Uint16(line[1+x*2:])
			want := float64(y*10 + x)
			got := Elevation(p, r.MinHeight, r.MaxHeight)
			assert.InDelta(t, want, got, 1.0, "pixel (%d,%d)", x, y)
		}
	}
}

func TestConvertRejectsGarbage(t *testing.T) {
	_, err := Convert([]byte("definitely not a tiff"), 0)
	require.Error(t, err)
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
}

func TestConvertRejectsOversized(t *testing.T) {
	src := syntheticTIFF(t, 20, 20)
	_, err := Convert(src, 100)
	require.Error(t, err)
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
	assert.Contains(t, err.Error(), "too large")
}

func TestElevationExtremes(t *testing.T) {
	assert.Equal(t, -12.5, Elevation(0, -12.5, 400))
	assert.InDelta(t, 400.0, Elevation(math.MaxUint16, -12.5, 400), 1e-9)
}

func TestPixelScaleDefaultWithoutTag(t *testing.T) {
	// x/image/tiff writes no GeoTIFF tags, so resolution falls back to 1.0.
	src := syntheticTIFF(t, 2, 2)
	assert.Equal(t, 1.0, pixelScale(src))
	assert.Equal(t, 1.0, pixelScale([]byte("short")))
}
