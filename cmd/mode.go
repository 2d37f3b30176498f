package cmd

import (
	"errors"
	"fmt"

	"github.com/speechlab/upstream/pkg/config"
)

// ErrAPCTestUnimplemented is returned before any model loading when testing
// the APC model is requested.
var ErrAPCTestUnimplemented = errors.New("testing the apc model is not implemented")

// RunMode is the closed set of pre-training tasks. Each variant carries only
// what its path needs, so dispatch is exhaustive over two cases instead of
// string comparisons.
type RunMode interface {
	isRunMode()
}

// TransformerMode selects masked-acoustic transformer pre-training, or
// testing when Test is set.
type TransformerMode struct {
	Test            string
	TestReconstruct bool
}

// APCMode selects autoregressive predictive coding pre-training. Testing is
// not implemented for this model.
type APCMode struct {
	Test string
	Seed int
}

func (TransformerMode) isRunMode() {}
func (APCMode) isRunMode()         {}

// modeFor maps resolved arguments onto a run mode. Only the two known
// selector values are accepted.
func modeFor(paras *config.Paras) (RunMode, error) {
	switch paras.Run {
	case "transformer":
		return TransformerMode{Test: paras.Test, TestReconstruct: paras.TestReconstruct}, nil
	case "apc":
		return APCMode{Test: paras.Test, Seed: paras.Seed}, nil
	default:
		return nil, fmt.Errorf("invalid --run value %q (choose transformer or apc)", paras.Run)
	}
}
