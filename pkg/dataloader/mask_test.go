package dataloader

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/speechlab/upstream/pkg/config"
)

func maskerConfig() *config.Transformer {
	return &config.Transformer{
		MaskProportion:     0.15,
		MaskConsecutiveMin: 2,
		MaskConsecutiveMax: 2,
	}
}

func constantBatch(utts, length, dim int, value float64) *Batch {
	batch := &Batch{}
	for b := 0; b < utts; b++ {
		frames := make([][]float64, length)
		for f := range frames {
			frame := make([]float64, dim)
			for d := range frame {
				frame[d] = value
			}
			frames[f] = frame
		}
		batch.Source = append(batch.Source, frames)
		batch.Target = append(batch.Target, frames)
		batch.Lengths = append(batch.Lengths, length)
	}
	return batch
}

func TestMaskerMarksPositions(t *testing.T) {
	masker := NewMasker(maskerConfig(), rand.New(rand.NewSource(1337)))
	batch := constantBatch(3, 50, 4, 1.0)

	masked := masker.Apply(batch)

	for b, mask := range masked.Mask {
		marked := 0
		for _, m := range mask {
			if m {
				marked++
			}
		}
		if marked == 0 {
			t.Errorf("utterance %d has no masked positions", b)
		}
	}
}

func TestMaskerLeavesTargetClean(t *testing.T) {
	masker := NewMasker(maskerConfig(), rand.New(rand.NewSource(1337)))
	batch := constantBatch(2, 40, 4, 1.0)

	masked := masker.Apply(batch)

	for b, utt := range masked.Target {
		for f, frame := range utt {
			for d, x := range frame {
				if x != 1.0 {
					t.Fatalf("target[%d][%d][%d] = %v, clean stream was corrupted", b, f, d, x)
				}
			}
		}
	}
}

func TestMaskerCorruptsOnlyInput(t *testing.T) {
	masker := NewMasker(maskerConfig(), rand.New(rand.NewSource(1337)))
	batch := constantBatch(4, 60, 4, 1.0)

	masked := masker.Apply(batch)

	// A constant batch only changes where frames were zeroed; at least one
	// utterance should show corruption at a marked position.
	corrupted := false
	for b, utt := range masked.Input {
		for f, frame := range utt {
			changed := false
			for _, x := range frame {
				if x != 1.0 {
					changed = true
				}
			}
			if changed {
				corrupted = true
				if !masked.Mask[b][f] {
					t.Errorf("utterance %d frame %d corrupted but unmarked", b, f)
				}
			}
		}
	}
	if !corrupted {
		t.Error("no corruption applied across the batch")
	}
}

func TestMaskerDeterministicForSeed(t *testing.T) {
	apply := func(seed int64) *MaskedBatch {
		masker := NewMasker(maskerConfig(), rand.New(rand.NewSource(seed)))
		return masker.Apply(constantBatch(2, 30, 4, 1.0))
	}

	first := apply(42)
	second := apply(42)

	if !reflect.DeepEqual(first.Mask, second.Mask) {
		t.Error("same seed produced different masks")
	}
	if !reflect.DeepEqual(first.Input, second.Input) {
		t.Error("same seed produced different corrupted inputs")
	}
}

func TestMaskerFrequencyBand(t *testing.T) {
	cfg := maskerConfig()
	cfg.MaskProportion = 0
	cfg.MaskFrequency = 2

	masker := NewMasker(cfg, rand.New(rand.NewSource(7)))
	masked := masker.Apply(constantBatch(1, 10, 8, 1.0))

	// Some channel band is zeroed across every frame.
	zeroed := map[int]bool{}
	for d := 0; d < 8; d++ {
		allZero := true
		for f := 0; f < 10; f++ {
			if masked.Input[0][f][d] != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			zeroed[d] = true
		}
	}
	if len(zeroed) == 0 {
		t.Fatal("no channel band was zeroed")
	}
	for f := 0; f < 10; f++ {
		if !masked.Mask[0][f] {
			t.Fatalf("frame %d not marked despite frequency masking", f)
		}
	}
}

func TestMaskerNoiseDoesNotMark(t *testing.T) {
	cfg := maskerConfig()
	cfg.MaskProportion = 0
	cfg.NoiseProportion = 1.0

	masker := NewMasker(cfg, rand.New(rand.NewSource(7)))
	masked := masker.Apply(constantBatch(1, 10, 4, 1.0))

	for f, m := range masked.Mask[0] {
		if m {
			t.Fatalf("frame %d marked by noise-only corruption", f)
		}
	}

	noisy := false
	for _, frame := range masked.Input[0] {
		for _, x := range frame {
			if x != 1.0 {
				noisy = true
			}
		}
	}
	if !noisy {
		t.Error("noise proportion 1.0 left the batch untouched")
	}
}
