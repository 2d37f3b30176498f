package dataloader

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Feature files are flat little-endian float32 frame matrices; the frame
// width is fixed by the experiment config, so the frame count falls out of
// the file size.

// ReadFeature loads a .fea file as frames x dim.
func ReadFeature(path string, dim int) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature file: %w", err)
	}

	if dim <= 0 {
		return nil, fmt.Errorf("feature dim must be positive, got %d", dim)
	}
	frameBytes := dim * 4
	if len(data)%frameBytes != 0 {
		return nil, fmt.Errorf("feature file %s is not a whole number of %d-dim frames", path, dim)
	}

	frames := make([][]float64, len(data)/frameBytes)
	for t := range frames {
		frame := make([]float64, dim)
		base := t * frameBytes
		for d := 0; d < dim; d++ {
			bits := binary.LittleEndian.Uint32(data[base+d*4 : base+d*4+4])
			frame[d] = float64(math.Float32frombits(bits))
		}
		frames[t] = frame
	}
	return frames, nil
}

// WriteFeature stores frames x dim as a .fea file.
func WriteFeature(path string, frames [][]float64) error {
	if len(frames) == 0 {
		return fmt.Errorf("refusing to write empty feature file %s", path)
	}
	dim := len(frames[0])
	buf := make([]byte, 0, len(frames)*dim*4)
	for _, frame := range frames {
		if len(frame) != dim {
			return fmt.Errorf("ragged feature frame in %s", path)
		}
		for _, x := range frame {
			var cell [4]byte
			binary.LittleEndian.PutUint32(cell[:], math.Float32bits(float32(x)))
			buf = append(buf, cell[:]...)
		}
	}
	return os.WriteFile(path, buf, 0644)
}
