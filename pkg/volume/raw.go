package volume

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/exp/mmap"
)

// OpenRaw loads a raw little-endian int16 HU volume from disk. Files whose
// slice count exceeds mmapSliceThreshold are read through a memory mapping
// and decoded one slice at a time, so the raw int16 buffer is never resident
// alongside the decoded field; smaller files are read directly. A threshold
// of 0 or less always memory-maps.
func OpenRaw(path string, width, height, depth int, spacing [3]float64, mmapSliceThreshold int) (*Volume, error) {
	if depth <= 0 {
		depth = 1
	}
	want := int64(width) * int64(height) * int64(depth) * 2

	if mmapSliceThreshold > 0 && depth <= mmapSliceThreshold {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("volume: reading raw file: %w", err)
		}
		if int64(len(raw)) != want {
			return nil, fmt.Errorf("volume: raw file %s is %d bytes, want %d for %dx%dx%d int16",
				path, len(raw), want, width, height, depth)
		}
		return New(decodeHU(raw), width, height, depth, spacing)
	}

	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("volume: mapping raw file: %w", err)
	}
	defer ra.Close()

	if int64(ra.Len()) != want {
		return nil, fmt.Errorf("volume: raw file %s is %d bytes, want %d for %dx%dx%d int16",
			path, ra.Len(), want, width, height, depth)
	}

	plane := width * height
	data := make([]float64, plane*depth)
	buf := make([]byte, plane*2)
	for z := 0; z < depth; z++ {
		if _, err := ra.ReadAt(buf, int64(z)*int64(plane)*2); err != nil {
			return nil, fmt.Errorf("volume: reading slice %d: %w", z, err)
		}
		for i, v := range decodeHU(buf) {
			data[z*plane+i] = v
		}
	}
	return New(data, width, height, depth, spacing)
}

// decodeHU converts little-endian int16 bytes to HU floats.
func decodeHU(raw []byte) []float64 {
	out := make([]float64, len(raw)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:])))
	}
	return out
}
