package transformer

import (
	"fmt"
	"math/rand"

	"github.com/speechlab/upstream/pkg/checkpoint"
	"github.com/speechlab/upstream/pkg/nn"
)

// zeroRand seeds the throwaway init used before pretrained weights replace it.
func zeroRand() *rand.Rand {
	return rand.New(rand.NewSource(0))
}

// Options fixes how a trained checkpoint is wrapped for inference.
type Options struct {
	CkptFile     string
	LoadPretrain bool
	NoGrad       bool
	Dropout      string
	SpecAug      bool
	SpecAugPrev  bool
	WeightedSum  bool
	SelectLayer  int
}

// DefaultTestOptions are the fixed inference options of the test path:
// pretrained weights on, gradients off, dropout and spec augmentation off
// with the legacy spec_aug_prev flag left enabled, no layer weighting, and
// final-layer selection.
func DefaultTestOptions(ckptFile string) Options {
	return Options{
		CkptFile:     ckptFile,
		LoadPretrain: true,
		NoGrad:       true,
		Dropout:      "default",
		SpecAug:      false,
		SpecAugPrev:  true,
		WeightedSum:  false,
		SelectLayer:  -1,
	}
}

// Extractor is the inference-only wrapper around a trained transformer. It
// never builds a training dataloader and never touches checkpoint
// directories; the only filesystem access is reading the checkpoint.
type Extractor struct {
	model    *Model
	opts     Options
	inputDim int
}

// NewExtractor loads a trained checkpoint into an inference-only model. An
// invalid checkpoint path surfaces as the loader's error.
func NewExtractor(opts Options, inputDim int) (*Extractor, error) {
	ckpt, err := checkpoint.Load(opts.CkptFile)
	if err != nil {
		return nil, err
	}

	cfg := ckpt.Settings.Config.Transformer
	if inputDim > 0 && cfg.InputDim != inputDim {
		return nil, fmt.Errorf("checkpoint input_dim %d does not match requested %d", cfg.InputDim, inputDim)
	}

	// Inference model: no dropout source, deterministic weights.
	model, err := NewModel(cfg, zeroRand())
	if err != nil {
		return nil, err
	}
	if opts.LoadPretrain {
		if ckpt.Model == nil {
			return nil, fmt.Errorf("checkpoint %s carries no model weights", opts.CkptFile)
		}
		model.params = nn.ImportParams(ckpt.Model)
	}

	if opts.SelectLayer < -1 || opts.SelectLayer >= cfg.NumHiddenLayers+1 {
		return nil, fmt.Errorf("select_layer %d out of range for %d layers", opts.SelectLayer, cfg.NumHiddenLayers)
	}

	return &Extractor{model: model, opts: opts, inputDim: cfg.InputDim}, nil
}

func (e *Extractor) InputDim() int { return e.inputDim }

func (e *Extractor) Config() Options { return e.opts }

// Forward returns the hidden states of the selected layer for one utterance,
// -1 meaning the final layer.
func (e *Extractor) Forward(frames [][]float64) ([][]float64, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("empty utterance")
	}
	if len(frames[0]) != e.inputDim {
		return nil, fmt.Errorf("utterance has dim %d, extractor expects %d", len(frames[0]), e.inputDim)
	}

	layers, _ := e.model.Forward(frames, nil)
	idx := e.opts.SelectLayer
	if idx == -1 {
		idx = len(layers) - 1
	}
	return detach(layers[idx]), nil
}

// Reconstruct runs the reconstruction head, used by --test_reconstruct to
// sanity-check a loaded checkpoint.
func (e *Extractor) Reconstruct(frames [][]float64) ([][]float64, float64, error) {
	if len(frames) == 0 {
		return nil, 0, fmt.Errorf("empty utterance")
	}

	_, recon := e.model.Forward(frames, nil)
	out := detach(recon)

	var total float64
	var count int
	for t := range out {
		for d := range out[t] {
			diff := out[t][d] - frames[t][d]
			if diff < 0 {
				diff = -diff
			}
			total += diff
			count++
		}
	}
	return out, total / float64(count), nil
}

func detach(rows [][]*nn.Value) [][]float64 {
	out := make([][]float64, len(rows))
	for t, row := range rows {
		out[t] = make([]float64, len(row))
		for d, v := range row {
			out[t][d] = v.Data
		}
	}
	return out
}
