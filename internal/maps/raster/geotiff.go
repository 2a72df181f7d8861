package raster

import (
	"encoding/binary"
	"math"
)

// ModelPixelScaleTag is the GeoTIFF tag carrying meters-per-pixel scale.
const modelPixelScaleTag = 33550

const defaultResolution = 1.0

// pixelScale walks the first IFD of a classic TIFF looking for the
// GeoTIFF ModelPixelScale tag and returns its X scale in meters per
// pixel. x/image/tiff does not expose raw tags, and no library in use
// here parses GeoTIFF metadata, so this is a minimal reader for the one
// tag the backend needs. Returns 1.0 when the tag is absent or the file
// is not a classic TIFF.
func pixelScale(data []byte) float64 {
	if len(data) < 8 {
		return defaultResolution
	}

	var order binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		order = binary.BigEndian
	default:
		return defaultResolution
	}
	if order.Uint16(data[2:4]) != 42 {
		return defaultResolution
	}

	ifdOffset := order.Uint32(data[4:8])
	if int(ifdOffset)+2 > len(data) {
		return defaultResolution
	}

	count := int(order.Uint16(data[ifdOffset : ifdOffset+2]))
	entries := data[ifdOffset+2:]
	for i := 0; i < count; i++ {
		base := i * 12
		if base+12 > len(entries) {
			return defaultResolution
		}
		entry := entries[base : base+12]
		tag := order.Uint16(entry[0:2])
		if tag != modelPixelScaleTag {
			continue
		}
		typ := order.Uint16(entry[2:4])
		n := order.Uint32(entry[4:8])
		// Type 12 is DOUBLE; ModelPixelScale is three doubles (x, y, z).
		if typ != 12 || n < 1 {
			return defaultResolution
		}
		valueOffset := order.Uint32(entry[8:12])
		if int(valueOffset)+8 > len(data) {
			return defaultResolution
		}
		bits := order.Uint64(data[valueOffset : valueOffset+8])
		scale := math.Float64frombits(bits)
		if scale <= 0 || math.IsNaN(scale) {
			return defaultResolution
		}
		return scale
	}
	return defaultResolution
}
