package nn

import (
	"math"
	"math/rand"
)

// Matrix is a row-major grid of graph nodes. Parameter matrices and
// activations share the type.
type Matrix [][]*Value

// NewMatrix draws nout x nin entries from N(0, std^2) using the provided
// source.
func NewMatrix(rng *rand.Rand, nout, nin int, std float64) Matrix {
	m := make(Matrix, nout)
	for i := range m {
		m[i] = make([]*Value, nin)
		for j := range m[i] {
			m[i][j] = V(rng.NormFloat64() * std)
		}
	}
	return m
}

// Zeros returns a nout x nin matrix of zero-valued nodes.
func Zeros(nout, nin int) Matrix {
	m := make(Matrix, nout)
	for i := range m {
		m[i] = make([]*Value, nin)
		for j := range m[i] {
			m[i][j] = V(0)
		}
	}
	return m
}

// Linear computes w*x for a flat input vector, rows of w being output units.
func Linear(x []*Value, w Matrix) []*Value {
	out := make([]*Value, len(w))
	for i, row := range w {
		sum := V(0)
		for j, wij := range row {
			sum = Add(sum, Mul(wij, x[j]))
		}
		out[i] = sum
	}
	return out
}

// AddBias adds b element-wise; b rows are single-element.
func AddBias(x []*Value, b Matrix) []*Value {
	out := make([]*Value, len(x))
	for i := range x {
		out[i] = Add(x[i], b[i][0])
	}
	return out
}

// Softmax is numerically stabilized by max subtraction.
func Softmax(logits []*Value) []*Value {
	maxVal := logits[0].Data
	for _, l := range logits[1:] {
		if l.Data > maxVal {
			maxVal = l.Data
		}
	}
	exps := make([]*Value, len(logits))
	sum := V(0)
	for i, l := range logits {
		exps[i] = Exp(Sub(l, V(maxVal)))
		sum = Add(sum, exps[i])
	}
	out := make([]*Value, len(logits))
	for i := range exps {
		out[i] = Div(exps[i], sum)
	}
	return out
}

// LayerNorm normalizes x to zero mean and unit variance, then applies the
// per-channel gain and bias.
func LayerNorm(x []*Value, gain, bias []*Value, eps float64) []*Value {
	n := float64(len(x))
	mean := V(0)
	for _, xi := range x {
		mean = Add(mean, xi)
	}
	mean = Mul(mean, V(1/n))

	variance := V(0)
	for _, xi := range x {
		d := Sub(xi, mean)
		variance = Add(variance, Mul(d, d))
	}
	variance = Mul(variance, V(1/n))

	invStd := Pow(Add(variance, V(eps)), -0.5)
	out := make([]*Value, len(x))
	for i, xi := range x {
		out[i] = Add(Mul(Mul(Sub(xi, mean), invStd), gain[i]), bias[i])
	}
	return out
}

// Dropout zeroes entries with probability p and rescales the survivors.
// p <= 0 or a nil source is the identity.
func Dropout(x []*Value, p float64, rng *rand.Rand) []*Value {
	if p <= 0 || rng == nil {
		return x
	}
	out := make([]*Value, len(x))
	scale := V(1 / (1 - p))
	for i, xi := range x {
		if rng.Float64() < p {
			out[i] = V(0)
		} else {
			out[i] = Mul(xi, scale)
		}
	}
	return out
}

// ExportMatrix detaches a matrix into plain float64 rows for serialization.
func ExportMatrix(m Matrix) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = v.Data
		}
	}
	return out
}

// ImportMatrix rebuilds graph nodes from serialized rows.
func ImportMatrix(src [][]float64) Matrix {
	m := make(Matrix, len(src))
	for i, row := range src {
		m[i] = make([]*Value, len(row))
		for j, x := range row {
			m[i][j] = V(x)
		}
	}
	return m
}

// Params is a named parameter registry shared by the models, the optimizer
// and the checkpoint codec.
type Params map[string]Matrix

// Export detaches every parameter matrix.
func (p Params) Export() map[string][][]float64 {
	out := make(map[string][][]float64, len(p))
	for name, m := range p {
		out[name] = ExportMatrix(m)
	}
	return out
}

// Import rebuilds a registry from exported state.
func ImportParams(src map[string][][]float64) Params {
	p := make(Params, len(src))
	for name, m := range src {
		p[name] = ImportMatrix(m)
	}
	return p
}

// ZeroGrad clears accumulated gradients in place.
func (p Params) ZeroGrad() {
	for _, m := range p {
		for _, row := range m {
			for _, v := range row {
				v.Grad = 0
			}
		}
	}
}

// GradNorm is the global L2 norm over every parameter gradient.
func (p Params) GradNorm() float64 {
	var sum float64
	for _, m := range p {
		for _, row := range m {
			for _, v := range row {
				sum += v.Grad * v.Grad
			}
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm scales gradients so the global norm does not exceed maxNorm.
func (p Params) ClipGradNorm(maxNorm float64) {
	if maxNorm <= 0 {
		return
	}
	norm := p.GradNorm()
	if norm <= maxNorm {
		return
	}
	scale := maxNorm / (norm + 1e-6)
	for _, m := range p {
		for _, row := range m {
			for _, v := range row {
				v.Grad *= scale
			}
		}
	}
}
