package nn

import (
	"math"
	"testing"
)

func TestAdamWarmupDecaySchedule(t *testing.T) {
	optim := NewAdam(0.001, 10, 100)

	// First step is 1/10 of the way through warmup.
	if lr := optim.CurrentLR(); math.Abs(lr-0.0001) > 1e-12 {
		t.Errorf("step 1 lr = %v, want 0.0001", lr)
	}

	params := Params{"w": Zeros(1, 1)}
	for i := 0; i < 10; i++ {
		optim.Step(params)
	}

	// After warmup the rate decays linearly toward zero at the final step.
	peak := optim.CurrentLR()
	if peak >= 0.001 || peak <= 0.0008 {
		t.Errorf("post-warmup lr = %v, want just under peak", peak)
	}

	for i := 0; i < 89; i++ {
		optim.Step(params)
	}
	if lr := optim.CurrentLR(); math.Abs(lr) > 1e-12 {
		t.Errorf("final step lr = %v, want 0", lr)
	}
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	params := Params{"x": Zeros(1, 1)}
	x := params["x"][0][0]
	x.Data = 5.0

	optim := NewAdam(0.1, 0, 0)
	for i := 0; i < 300; i++ {
		params.ZeroGrad()
		loss := Mul(Sub(x, V(3)), Sub(x, V(3)))
		Backward(loss)
		optim.Step(params)
	}

	if math.Abs(x.Data-3) > 0.1 {
		t.Errorf("x = %v, want near 3", x.Data)
	}
}

func TestAdamStateRoundtrip(t *testing.T) {
	params := Params{"w": Zeros(2, 2)}
	for _, row := range params["w"] {
		for _, v := range row {
			v.Grad = 1.0
		}
	}

	optim := NewAdam(0.01, 0, 0)
	optim.Step(params)
	optim.Step(params)

	state := optim.ExportState()

	restored := NewAdam(0.01, 0, 0)
	restored.ImportState(state, 2)

	if got := restored.m["w"][1][1]; got != optim.m["w"][1][1] {
		t.Errorf("first moment = %v, want %v", got, optim.m["w"][1][1])
	}
	if got := restored.v["w"][0][0]; got != optim.v["w"][0][0] {
		t.Errorf("second moment = %v, want %v", got, optim.v["w"][0][0])
	}
	if restored.step != 2 {
		t.Errorf("step = %d, want 2", restored.step)
	}
}
