package dataloader

import (
	"math/rand"

	"github.com/speechlab/upstream/pkg/config"
)

// MaskedBatch is a batch prepared for the masked acoustic modeling
// objective: Input is the corrupted stream, Target the clean one, and Mask
// marks the positions whose reconstruction counts toward the loss.
type MaskedBatch struct {
	Input   [][][]float64
	Target  [][][]float64
	Mask    [][]bool
	Lengths []int
}

// Masker applies the masked-acoustic-model corruption strategy from the
// transformer config section.
type Masker struct {
	Proportion     float64
	ConsecutiveMin int
	ConsecutiveMax int
	Frequency      int
	Noise          float64

	rng *rand.Rand
}

func NewMasker(cfg *config.Transformer, rng *rand.Rand) *Masker {
	consecutiveMin := cfg.MaskConsecutiveMin
	if consecutiveMin < 1 {
		consecutiveMin = 1
	}
	consecutiveMax := cfg.MaskConsecutiveMax
	if consecutiveMax < consecutiveMin {
		consecutiveMax = consecutiveMin
	}
	return &Masker{
		Proportion:     cfg.MaskProportion,
		ConsecutiveMin: consecutiveMin,
		ConsecutiveMax: consecutiveMax,
		Frequency:      cfg.MaskFrequency,
		Noise:          cfg.NoiseProportion,
		rng:            rng,
	}
}

// Apply corrupts a batch. Per masked time span: 80% zeroed, 10% replaced by
// another frame of the same utterance, 10% left intact but still predicted.
// Frequency masking zeroes a random channel band; noise replacement adds
// gaussian noise to a proportion of frames without marking them.
func (m *Masker) Apply(batch *Batch) *MaskedBatch {
	out := &MaskedBatch{
		Target:  batch.Target,
		Lengths: batch.Lengths,
	}

	for b, source := range batch.Source {
		length := batch.Lengths[b]
		input := copyFrames(source)
		mask := make([]bool, len(source))

		if m.Proportion > 0 && length > 0 {
			span := m.ConsecutiveMin
			if m.ConsecutiveMax > m.ConsecutiveMin {
				span += m.rng.Intn(m.ConsecutiveMax - m.ConsecutiveMin + 1)
			}
			spans := int(float64(length)*m.Proportion) / span
			if spans < 1 {
				spans = 1
			}
			for s := 0; s < spans; s++ {
				start := m.rng.Intn(length)
				dice := m.rng.Float64()
				for t := start; t < start+span && t < length; t++ {
					mask[t] = true
					switch {
					case dice < 0.8:
						zeroFrame(input[t])
					case dice < 0.9:
						copy(input[t], source[m.rng.Intn(length)])
					}
				}
			}
		}

		if m.Frequency > 0 && len(input) > 0 {
			width := 1 + m.rng.Intn(m.Frequency)
			dim := len(input[0])
			if width > dim {
				width = dim
			}
			start := m.rng.Intn(dim - width + 1)
			for t := 0; t < length; t++ {
				for d := start; d < start+width; d++ {
					input[t][d] = 0
				}
				mask[t] = true
			}
		}

		if m.Noise > 0 {
			for t := 0; t < length; t++ {
				if m.rng.Float64() < m.Noise {
					for d := range input[t] {
						input[t][d] += m.rng.NormFloat64()
					}
				}
			}
		}

		out.Input = append(out.Input, input)
		out.Mask = append(out.Mask, mask)
	}

	return out
}

func copyFrames(frames [][]float64) [][]float64 {
	out := make([][]float64, len(frames))
	for i, frame := range frames {
		out[i] = append([]float64(nil), frame...)
	}
	return out
}

func zeroFrame(frame []float64) {
	for i := range frame {
		frame[i] = 0
	}
}
