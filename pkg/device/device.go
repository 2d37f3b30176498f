// Package device resolves the compute backend the runners execute on.
package device

import (
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"
)

// Device describes the resolved backend. Deterministic and Benchmark are
// both carried as-is from the original driver, which requests deterministic
// kernels and benchmark autotuning at the same time; intent is unresolved
// upstream, so neither flag is dropped here.
type Device struct {
	UseGPU        bool
	MultiGPU      bool
	Deterministic bool
	Benchmark     bool
	Features      []string
}

// Detect resolves the --cpu / --multi_gpu flags. This port carries no CUDA
// backend, so GPU requests degrade to CPU with a warning and the detected
// SIMD feature set is reported instead.
func Detect(cpuOnly, multiGPU bool, logger *logrus.Logger) *Device {
	dev := &Device{
		Deterministic: true,
		Benchmark:     true,
	}

	if !cpuOnly {
		if logger != nil {
			logger.Warn("GPU training requested but no GPU backend is available, falling back to CPU")
		}
	}
	if multiGPU {
		dev.MultiGPU = false
		if logger != nil {
			logger.Warn("multi-GPU flag ignored on CPU backend")
		}
	}

	for _, feature := range []cpuid.FeatureID{cpuid.SSE42, cpuid.AVX, cpuid.AVX2, cpuid.AVX512F} {
		if cpuid.CPU.Supports(feature) {
			dev.Features = append(dev.Features, feature.String())
		}
	}

	if logger != nil {
		if len(dev.Features) > 0 {
			logger.Infof("CPU backend: %s (%s)", cpuid.CPU.BrandName, strings.Join(dev.Features, ", "))
		} else {
			logger.Infof("CPU backend: %s", cpuid.CPU.BrandName)
		}
	}

	return dev
}
