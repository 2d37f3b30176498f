package device

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDetectCPUOnly(t *testing.T) {
	dev := Detect(true, false, quietLogger())
	if dev.UseGPU {
		t.Error("cpu-only detection reported a GPU")
	}
	if dev.MultiGPU {
		t.Error("multi-GPU reported without the flag")
	}
}

func TestDetectGPUFallsBack(t *testing.T) {
	dev := Detect(false, true, quietLogger())
	if dev.UseGPU {
		t.Error("GPU reported on a backend without one")
	}
	if dev.MultiGPU {
		t.Error("multi-GPU must degrade on the CPU backend")
	}
}

func TestDetectCarriesBothKernelFlags(t *testing.T) {
	dev := Detect(true, false, quietLogger())
	if !dev.Deterministic || !dev.Benchmark {
		t.Errorf("Deterministic=%v Benchmark=%v, both should be carried as true",
			dev.Deterministic, dev.Benchmark)
	}
}

func TestDetectNilLogger(t *testing.T) {
	if dev := Detect(false, false, nil); dev == nil {
		t.Fatal("Detect returned nil")
	}
}
