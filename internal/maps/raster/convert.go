// Package raster converts uploaded GeoTIFF rasters into the normalized
// 16-bit grayscale PNG representation modules consume.
package raster

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/tiff"

	"github.com/lapsproject/laps/internal/ecode"
)

// Raster is a converted elevation raster. PNG holds single-channel 16-bit
// grayscale data; elevation for a pixel value p reconstructs as
// MinHeight + p/65535*(MaxHeight-MinHeight).
type Raster struct {
	PNG        []byte
	Width      int
	Height     int
	MinHeight  float64
	MaxHeight  float64
	Resolution float64 // meters per pixel
}

// Convert decodes a GeoTIFF and normalizes it linearly onto the full
// 16-bit range using the actual elevation extrema. maxPixels caps
// width*height; 0 means unlimited.
func Convert(data []byte, maxPixels int) (*Raster, error) {
	cfg, err := tiff.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, ecode.Wrap(ecode.KindInvalidInput, "invalid raster", err)
	}
	if maxPixels > 0 && cfg.Width*cfg.Height > maxPixels {
		return nil, ecode.Newf(ecode.KindInvalidInput,
			"raster too large: %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}

	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ecode.Wrap(ecode.KindInvalidInput, "invalid raster", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, ecode.New(ecode.KindInvalidInput, "raster has zero extent")
	}

	elevations := sampleElevations(img)

	minH, maxH := elevations[0], elevations[0]
	for _, v := range elevations {
		if v < minH {
			minH = v
		}
		if v > maxH {
			maxH = v
		}
	}

	out := image.NewGray16(image.Rect(0, 0, width, height))
	scale := 0.0
	if maxH > minH {
		scale = 65535.0 / (maxH - minH)
	}
	for i, v := range elevations {
		p := uint16(math.Round((v - minH) * scale))
		out.Pix[i*2] = uint8(p >> 8)
		out.Pix[i*2+1] = uint8(p)
	}

	// The module runner decodes only unfiltered scanlines; the stdlib
	// encoder emits filter 0 exactly when compression is off, and the
	// stored zlib blocks stay decodable on the other side.
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, out); err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "encoding png", err)
	}

	resolution := pixelScale(data)

	return &Raster{
		PNG:        buf.Bytes(),
		Width:      width,
		Height:     height,
		MinHeight:  minH,
		MaxHeight:  maxH,
		Resolution: resolution,
	}, nil
}

// sampleElevations flattens the image into row-major float elevations.
// Integer grayscale TIFFs carry elevation directly in the sample value;
// anything else is reduced through the Gray16 color model.
func sampleElevations(img image.Image) []float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	out := make([]float64, 0, width*height)

	switch src := img.(type) {
	case *image.Gray16:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				out = append(out, float64(src.Gray16At(x, y).Y))
			}
		}
	case *image.Gray:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				out = append(out, float64(src.GrayAt(x, y).Y))
			}
		}
	default:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
				out = append(out, float64(g.Y))
			}
		}
	}
	return out
}

// Elevation reconstructs the elevation for a 16-bit pixel value.
func Elevation(p uint16, minHeight, maxHeight float64) float64 {
	return minHeight + float64(p)/65535.0*(maxHeight-minHeight)
}
