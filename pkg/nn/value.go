// Package nn is a small scalar-autograd engine with the matrix helpers and
// optimizer the runners train with. Values form a computation graph; calling
// Backward on a loss fills the Grad of everything it depends on.
package nn

import "math"

type Value struct {
	Data     float64
	Grad     float64
	children []*Value
	backward func()
}

func V(x float64) *Value {
	return &Value{Data: x}
}

func Add(a, b *Value) *Value {
	out := &Value{Data: a.Data + b.Data, children: []*Value{a, b}}
	out.backward = func() {
		a.Grad += out.Grad
		b.Grad += out.Grad
	}
	return out
}

func Sub(a, b *Value) *Value {
	return Add(a, Neg(b))
}

func Mul(a, b *Value) *Value {
	out := &Value{Data: a.Data * b.Data, children: []*Value{a, b}}
	out.backward = func() {
		a.Grad += b.Data * out.Grad
		b.Grad += a.Data * out.Grad
	}
	return out
}

func Div(a, b *Value) *Value {
	return Mul(a, Pow(b, -1))
}

func Neg(a *Value) *Value {
	return Mul(a, V(-1))
}

func Pow(a *Value, p float64) *Value {
	out := &Value{Data: math.Pow(a.Data, p), children: []*Value{a}}
	out.backward = func() {
		a.Grad += p * math.Pow(a.Data, p-1) * out.Grad
	}
	return out
}

func Exp(a *Value) *Value {
	out := &Value{Data: math.Exp(a.Data), children: []*Value{a}}
	out.backward = func() {
		a.Grad += out.Data * out.Grad
	}
	return out
}

func Log(a *Value) *Value {
	out := &Value{Data: math.Log(a.Data), children: []*Value{a}}
	out.backward = func() {
		a.Grad += out.Grad / a.Data
	}
	return out
}

func Tanh(a *Value) *Value {
	t := math.Tanh(a.Data)
	out := &Value{Data: t, children: []*Value{a}}
	out.backward = func() {
		a.Grad += (1 - t*t) * out.Grad
	}
	return out
}

func ReLU(a *Value) *Value {
	out := &Value{Data: math.Max(0, a.Data), children: []*Value{a}}
	out.backward = func() {
		if a.Data > 0 {
			a.Grad += out.Grad
		}
	}
	return out
}

// Abs is |a| with subgradient 0 at the origin, used by the L1 losses.
func Abs(a *Value) *Value {
	out := &Value{Data: math.Abs(a.Data), children: []*Value{a}}
	out.backward = func() {
		switch {
		case a.Data > 0:
			a.Grad += out.Grad
		case a.Data < 0:
			a.Grad -= out.Grad
		}
	}
	return out
}

// GELU uses the tanh approximation.
func GELU(a *Value) *Value {
	inner := Mul(V(math.Sqrt(2/math.Pi)), Add(a, Mul(V(0.044715), Mul(a, Mul(a, a)))))
	return Mul(Mul(V(0.5), a), Add(V(1), Tanh(inner)))
}

// Backward runs reverse-mode autodiff from out over a topological order of
// the graph.
func Backward(out *Value) {
	var topo []*Value
	visited := map[*Value]bool{}
	var build func(v *Value)
	build = func(v *Value) {
		if visited[v] {
			return
		}
		visited[v] = true
		for _, child := range v.children {
			build(child)
		}
		topo = append(topo, v)
	}
	build(out)

	out.Grad = 1
	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].backward != nil {
			topo[i].backward()
		}
	}
}
