package phiverb

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestCrossoverMagnitudesPartitionUnity(t *testing.T) {
	const cutoff, width = 0.01, 0.2
	for r := 0.0; r <= 0.5; r += 0.001 {
		lo := computeLopassMagnitude(r, cutoff, width)
		hi := computeHipassMagnitude(r, cutoff, width)
		if !nearly(lo+hi, 1, 1e-12) {
			t.Fatalf("ratio %g: lo+hi = %g", r, lo+hi)
		}
		if lo < 0 || lo > 1 || hi < 0 || hi > 1 {
			t.Fatalf("ratio %g: magnitudes out of range (%g, %g)", r, lo, hi)
		}
	}
}

func TestCrossoverPreservesSum(t *testing.T) {
	// Feeding the same signal to both sides must reproduce it: the two
	// branches sum to an allpass.
	signal := make([]float32, 64)
	signal[5] = 1
	signal[20] = -0.5
	out := crossoverFilter(signal, signal, 0.1, 0.05)
	for i := range signal {
		if !nearly(float64(out[i]), float64(signal[i]), 1e-6) {
			t.Fatalf("sample %d: %g, want %g", i, out[i], signal[i])
		}
	}
}

func TestLeftHanningShape(t *testing.T) {
	w := leftHanning(64)
	if w[0] != 0 {
		t.Fatalf("window must start at zero, got %g", w[0])
	}
	for n := 1; n < len(w); n++ {
		if w[n] < w[n-1] {
			t.Fatalf("window not monotonic at %d", n)
		}
	}
	if w[63] > 1 {
		t.Fatalf("window exceeds unity: %g", w[63])
	}
}

func TestInjectDirectImpulse(t *testing.T) {
	const rate = 48000.0
	const c = 340.0
	d := 3.4
	signal := injectDirectImpulse(nil, d, rate, c)
	idx := int(math.Floor(d * rate / c))
	if len(signal) != idx+1 {
		t.Fatalf("signal length %d, want %d", len(signal), idx+1)
	}
	if !nearly(float64(signal[idx]), 1/d, 1e-6) {
		t.Fatalf("impulse amplitude %g, want %g", signal[idx], 1/d)
	}
}

func TestSilentOutputGated(t *testing.T) {
	ir := &IntermediateResults{
		Source:      mgl64.Vec3{0, 0, 0},
		Receiver:    mgl64.Vec3{1, 0, 0},
		Environment: DefaultEnvironment(),
		cfg:         DefaultRuntimeConfig(),
	}
	if _, err := ir.Postprocess(48000); !IsEngineError(err, ErrSilentOutput) {
		t.Fatalf("expected %s, got %v", ErrSilentOutput, err)
	}

	ir.cfg.AllowSilentFallback = true
	out, err := ir.Postprocess(48000)
	if err != nil {
		t.Fatalf("fallback path failed: %v", err)
	}
	want := int(math.Floor(1.0 * 48000 / 340))
	if len(out) <= want || out[want] == 0 {
		t.Fatalf("fallback impulse missing at sample %d", want)
	}
}

func TestDiracSequenceFollowsEventRate(t *testing.T) {
	seq := generateDiracSequence(340, 48, 8000, 0.5, 99)
	if len(seq.Sequence) != 4000 {
		t.Fatalf("sequence length %d, want 4000", len(seq.Sequence))
	}
	early, late := 0, 0
	for i, v := range seq.Sequence {
		if v != 0 {
			if i < 2000 {
				early++
			} else {
				late++
			}
		}
	}
	// Echo density grows with t^2.
	if late <= early {
		t.Fatalf("event density not increasing: early=%d late=%d", early, late)
	}
}

func TestDiracSequenceDeterministic(t *testing.T) {
	a := generateDiracSequence(340, 48, 8000, 0.25, 5)
	b := generateDiracSequence(340, 48, 8000, 0.25, 5)
	for i := range a.Sequence {
		if a.Sequence[i] != b.Sequence[i] {
			t.Fatalf("sequences diverge at %d", i)
		}
	}
}

func TestWeightSequenceMatchesBinEnergy(t *testing.T) {
	hist := NewEnergyHistogram(100)
	hist.Add(0.05, MakeBands(4)) // bin 5

	seq := DiracSequence{Sequence: make([]float64, 200), SampleRate: 1000}
	for i := range seq.Sequence {
		if i%3 == 0 {
			seq.Sequence[i] = 1
		}
	}
	weighted := weightSequence(hist, seq, 400)

	// Bin 5 covers sequence samples [50, 60).
	for b := 0; b < NumBands; b++ {
		sum := 0.0
		for i := 50; i < 60; i++ {
			sum += weighted[b][i] * weighted[b][i]
		}
		if sum == 0 {
			t.Fatalf("band %d: no energy transferred", b)
		}
	}
	// Samples outside populated bins stay silent.
	for b := 0; b < NumBands; b++ {
		for i := 100; i < 200; i++ {
			if weighted[b][i] != 0 {
				t.Fatalf("band %d sample %d leaked energy", b, i)
			}
		}
	}
}

func TestSumSignals(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{10, 20}
	out := sumSignals(a, b)
	want := []float32{11, 22, 3}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d: %g, want %g", i, out[i], want[i])
		}
	}
}
