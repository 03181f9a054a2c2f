package phiverb

import (
	"math"
	"testing"
)

func TestPCSKernelShape(t *testing.T) {
	env := DefaultEnvironment()
	signal := designPCSKernel(256, env, 2944, 0.2)
	if len(signal) != 256 {
		t.Fatalf("kernel length %d, want 256", len(signal))
	}
	nonzero := false
	for n, s := range signal {
		if !isFinite32(s) {
			t.Fatalf("sample %d non-finite", n)
		}
		if math.Abs(float64(s)) > sourceGuardLevel {
			t.Fatalf("sample %d exceeds guard level: %g", n, s)
		}
		if s != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		t.Fatal("kernel is silent")
	}
}

func TestPCSKernelLengthCap(t *testing.T) {
	env := DefaultEnvironment()
	steps := maxPCSKernelLength * 2
	signal := designPCSKernel(steps, env, 48000, 0.05)
	if len(signal) != steps {
		t.Fatalf("output length %d, want padded to %d", len(signal), steps)
	}
	// Everything past the kernel cap is zero padding.
	for n := maxPCSKernelLength; n < steps; n++ {
		if signal[n] != 0 {
			t.Fatalf("padding sample %d non-zero", n)
		}
	}
}

func TestMakeTransparentInvertsFreeField(t *testing.T) {
	h := meshFreeFieldResponse()
	if len(h) == 0 || h[0] != 1 {
		t.Fatalf("unexpected free-field response head: %v", h[:imin(4, len(h))])
	}

	kernel := make([]float32, transparencyWindow)
	kernel[0] = 1
	kernel[3] = -0.5
	transparent := makeTransparent(kernel)

	// Re-convolving with the free-field response must reproduce the
	// kernel inside the correction window.
	for i := range kernel {
		acc := float32(0)
		for j := 0; j < len(h) && j <= i; j++ {
			acc += h[j] * transparent[i-j]
		}
		if !nearly(float64(acc), float64(kernel[i]), 1e-4) {
			t.Fatalf("sample %d: reconvolved %g, want %g", i, acc, kernel[i])
		}
	}
}
