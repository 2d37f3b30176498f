// Package transformer implements the masked-acoustic transformer: the model,
// the pre-training runner, and the inference-only feature extractor.
package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/speechlab/upstream/pkg/config"
	"github.com/speechlab/upstream/pkg/nn"
)

// Model is an acoustic transformer encoder with a frame reconstruction head.
// Attention heads listed in the config's pruned set contribute nothing to
// the mixed output.
type Model struct {
	cfg    config.Transformer
	params nn.Params
	pruned map[int]bool
}

func NewModel(cfg config.Transformer, rng *rand.Rand) (*Model, error) {
	if cfg.HiddenSize <= 0 {
		return nil, fmt.Errorf("transformer hidden_size must be greater than 0")
	}
	if cfg.NumAttentionHeads <= 0 {
		return nil, fmt.Errorf("transformer num_attention_heads must be greater than 0")
	}
	if cfg.HiddenSize%cfg.NumAttentionHeads != 0 {
		return nil, fmt.Errorf("hidden_size %d not divisible by num_attention_heads %d",
			cfg.HiddenSize, cfg.NumAttentionHeads)
	}

	h := cfg.HiddenSize
	std := 0.02

	params := nn.Params{
		"proj.w": nn.NewMatrix(rng, h, cfg.InputDim, std),
		"proj.b": nn.Zeros(h, 1),
		"head.w": nn.NewMatrix(rng, cfg.InputDim, h, std),
		"head.b": nn.Zeros(cfg.InputDim, 1),
	}
	for l := 0; l < cfg.NumHiddenLayers; l++ {
		params[lname(l, "attn.wq")] = nn.NewMatrix(rng, h, h, std)
		params[lname(l, "attn.wk")] = nn.NewMatrix(rng, h, h, std)
		params[lname(l, "attn.wv")] = nn.NewMatrix(rng, h, h, std)
		params[lname(l, "attn.wo")] = nn.NewMatrix(rng, h, h, std)
		params[lname(l, "ln1.g")] = ones(h)
		params[lname(l, "ln1.b")] = nn.Zeros(h, 1)
		params[lname(l, "ffn.w1")] = nn.NewMatrix(rng, cfg.IntermediateSize, h, std)
		params[lname(l, "ffn.b1")] = nn.Zeros(cfg.IntermediateSize, 1)
		params[lname(l, "ffn.w2")] = nn.NewMatrix(rng, h, cfg.IntermediateSize, std)
		params[lname(l, "ffn.b2")] = nn.Zeros(h, 1)
		params[lname(l, "ln2.g")] = ones(h)
		params[lname(l, "ln2.b")] = nn.Zeros(h, 1)
	}

	pruned := make(map[int]bool, len(cfg.PrunedHeads))
	for _, head := range cfg.PrunedHeads {
		if head < 0 || head >= cfg.NumAttentionHeads {
			return nil, fmt.Errorf("pruned head %d out of range for %d heads", head, cfg.NumAttentionHeads)
		}
		pruned[head] = true
	}

	return &Model{cfg: cfg, params: params, pruned: pruned}, nil
}

func lname(layer int, suffix string) string {
	return fmt.Sprintf("l%d.%s", layer, suffix)
}

func ones(n int) nn.Matrix {
	m := nn.Zeros(n, 1)
	for i := range m {
		m[i][0] = nn.V(1)
	}
	return m
}

func (m *Model) Params() nn.Params { return m.params }

func (m *Model) Config() config.Transformer { return m.cfg }

// ActiveHeads is the attention head count remaining after pruning.
func (m *Model) ActiveHeads() int {
	return m.cfg.NumAttentionHeads - len(m.pruned)
}

// Forward encodes one utterance. It returns the hidden states of every
// layer (input projection first) and the reconstruction of each frame.
// A non-nil rng enables dropout; nil means inference.
func (m *Model) Forward(frames [][]float64, rng *rand.Rand) (layers [][][]*nn.Value, recon [][]*nn.Value) {
	eps := m.cfg.LayerNormEps
	if eps <= 0 {
		eps = 1e-12
	}

	// Input projection with sinusoidal positions.
	hidden := make([][]*nn.Value, len(frames))
	for t, frame := range frames {
		x := make([]*nn.Value, len(frame))
		for d, v := range frame {
			x[d] = nn.V(v)
		}
		projected := nn.AddBias(nn.Linear(x, m.params["proj.w"]), m.params["proj.b"])
		for d := range projected {
			projected[d] = nn.Add(projected[d], nn.V(positionalEncoding(t, d, m.cfg.HiddenSize)))
		}
		hidden[t] = nn.Dropout(projected, m.cfg.HiddenDropoutProb, rng)
	}
	layers = append(layers, hidden)

	for l := 0; l < m.cfg.NumHiddenLayers; l++ {
		attended := m.selfAttention(l, hidden)
		normed1 := make([][]*nn.Value, len(hidden))
		for t := range hidden {
			residual := addVec(hidden[t], nn.Dropout(attended[t], m.cfg.HiddenDropoutProb, rng))
			normed1[t] = nn.LayerNorm(residual, column(m.params[lname(l, "ln1.g")]), column(m.params[lname(l, "ln1.b")]), eps)
		}

		next := make([][]*nn.Value, len(hidden))
		for t := range normed1 {
			inner := nn.AddBias(nn.Linear(normed1[t], m.params[lname(l, "ffn.w1")]), m.params[lname(l, "ffn.b1")])
			for i := range inner {
				inner[i] = nn.GELU(inner[i])
			}
			outer := nn.AddBias(nn.Linear(inner, m.params[lname(l, "ffn.w2")]), m.params[lname(l, "ffn.b2")])
			residual := addVec(normed1[t], nn.Dropout(outer, m.cfg.HiddenDropoutProb, rng))
			next[t] = nn.LayerNorm(residual, column(m.params[lname(l, "ln2.g")]), column(m.params[lname(l, "ln2.b")]), eps)
		}
		hidden = next
		layers = append(layers, hidden)
	}

	recon = make([][]*nn.Value, len(hidden))
	for t := range hidden {
		recon[t] = nn.AddBias(nn.Linear(hidden[t], m.params["head.w"]), m.params["head.b"])
	}
	return layers, recon
}

func (m *Model) selfAttention(layer int, hidden [][]*nn.Value) [][]*nn.Value {
	T := len(hidden)
	heads := m.cfg.NumAttentionHeads
	headDim := m.cfg.HiddenSize / heads
	scale := 1 / math.Sqrt(float64(headDim))

	q := make([][]*nn.Value, T)
	k := make([][]*nn.Value, T)
	v := make([][]*nn.Value, T)
	for t := range hidden {
		q[t] = nn.Linear(hidden[t], m.params[lname(layer, "attn.wq")])
		k[t] = nn.Linear(hidden[t], m.params[lname(layer, "attn.wk")])
		v[t] = nn.Linear(hidden[t], m.params[lname(layer, "attn.wv")])
	}

	mixed := make([][]*nn.Value, T)
	for t := 0; t < T; t++ {
		concat := make([]*nn.Value, m.cfg.HiddenSize)
		for head := 0; head < heads; head++ {
			offset := head * headDim
			if m.pruned[head] {
				for d := 0; d < headDim; d++ {
					concat[offset+d] = nn.V(0)
				}
				continue
			}

			scores := make([]*nn.Value, T)
			for s := 0; s < T; s++ {
				dot := nn.V(0)
				for d := 0; d < headDim; d++ {
					dot = nn.Add(dot, nn.Mul(q[t][offset+d], k[s][offset+d]))
				}
				scores[s] = nn.Mul(dot, nn.V(scale))
			}
			weights := nn.Softmax(scores)

			for d := 0; d < headDim; d++ {
				sum := nn.V(0)
				for s := 0; s < T; s++ {
					sum = nn.Add(sum, nn.Mul(weights[s], v[s][offset+d]))
				}
				concat[offset+d] = sum
			}
		}
		mixed[t] = nn.Linear(concat, m.params[lname(layer, "attn.wo")])
	}
	return mixed
}

// MaskedL1Loss averages |recon - target| over masked frames.
func MaskedL1Loss(recon [][]*nn.Value, target [][]float64, mask []bool) (*nn.Value, int) {
	loss := nn.V(0)
	count := 0
	for t := range recon {
		if t >= len(mask) || !mask[t] {
			continue
		}
		for d := range recon[t] {
			loss = nn.Add(loss, nn.Abs(nn.Sub(recon[t][d], nn.V(target[t][d]))))
		}
		count++
	}
	if count == 0 {
		return loss, 0
	}
	return nn.Mul(loss, nn.V(1/float64(count*len(recon[0])))), count
}

func positionalEncoding(pos, dim, hiddenSize int) float64 {
	exponent := float64(dim/2*2) / float64(hiddenSize)
	angle := float64(pos) / math.Pow(10000, exponent)
	if dim%2 == 0 {
		return math.Sin(angle)
	}
	return math.Cos(angle)
}

func addVec(a, b []*nn.Value) []*nn.Value {
	out := make([]*nn.Value, len(a))
	for i := range a {
		out[i] = nn.Add(a[i], b[i])
	}
	return out
}

func column(m nn.Matrix) []*nn.Value {
	out := make([]*nn.Value, len(m))
	for i := range m {
		out[i] = m[i][0]
	}
	return out
}
