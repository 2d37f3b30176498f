package nn

import (
	"math"
	"sort"
)

// Adam with a linear warmup then linear decay schedule, the cadence the
// pre-training runners use.
type Adam struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WarmupSteps int
	TotalSteps  int

	step int
	m    map[string][][]float64
	v    map[string][][]float64
}

func NewAdam(lr float64, warmupSteps, totalSteps int) *Adam {
	return &Adam{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WarmupSteps: warmupSteps,
		TotalSteps:  totalSteps,
		m:           make(map[string][][]float64),
		v:           make(map[string][][]float64),
	}
}

// CurrentLR is the scheduled learning rate for the upcoming step.
func (a *Adam) CurrentLR() float64 {
	step := a.step + 1
	if a.WarmupSteps > 0 && step <= a.WarmupSteps {
		return a.LR * float64(step) / float64(a.WarmupSteps)
	}
	if a.TotalSteps > a.WarmupSteps {
		remaining := float64(a.TotalSteps-step) / float64(a.TotalSteps-a.WarmupSteps)
		if remaining < 0 {
			remaining = 0
		}
		return a.LR * remaining
	}
	return a.LR
}

// Step applies one update from the accumulated gradients.
func (a *Adam) Step(params Params) {
	lr := a.CurrentLR()
	a.step++
	t := float64(a.step)

	bias1 := 1 - math.Pow(a.Beta1, t)
	bias2 := 1 - math.Pow(a.Beta2, t)

	for name, matrix := range params {
		if _, ok := a.m[name]; !ok {
			a.m[name] = zerosLike(matrix)
			a.v[name] = zerosLike(matrix)
		}
		mState := a.m[name]
		vState := a.v[name]
		for i, row := range matrix {
			for j, p := range row {
				g := p.Grad
				mState[i][j] = a.Beta1*mState[i][j] + (1-a.Beta1)*g
				vState[i][j] = a.Beta2*vState[i][j] + (1-a.Beta2)*g*g
				mHat := mState[i][j] / bias1
				vHat := vState[i][j] / bias2
				p.Data -= lr * mHat / (math.Sqrt(vHat) + a.Epsilon)
			}
		}
	}
}

func zerosLike(m Matrix) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = make([]float64, len(row))
	}
	return out
}

// ExportState snapshots the moment estimates for checkpointing, index 0
// holding first moments and index 1 second moments per parameter.
func (a *Adam) ExportState() map[string][][][]float64 {
	out := make(map[string][][][]float64, len(a.m))
	names := make([]string, 0, len(a.m))
	for name := range a.m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out[name] = [][][]float64{copyRows(a.m[name]), copyRows(a.v[name])}
	}
	return out
}

// ImportState restores moment estimates saved by ExportState and fast
// forwards the schedule to the given step.
func (a *Adam) ImportState(state map[string][][][]float64, step int) {
	a.m = make(map[string][][]float64, len(state))
	a.v = make(map[string][][]float64, len(state))
	for name, pair := range state {
		if len(pair) != 2 {
			continue
		}
		a.m[name] = copyRows(pair[0])
		a.v[name] = copyRows(pair[1])
	}
	a.step = step
}

func copyRows(src [][]float64) [][]float64 {
	out := make([][]float64, len(src))
	for i, row := range src {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
