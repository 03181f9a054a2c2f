package phiverb

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestSabineEyringShoebox(t *testing.T) {
	surface := Surface{Absorption: MakeBands(0.2)}
	scene := MakeShoebox(mgl64.Vec3{6, 5, 3}, surface)
	const volume = 90.0

	sabine := SabineReverbTime(&scene, volume, 340)
	eyring := EyringReverbTime(&scene, volume, 340)
	for b := 0; b < NumBands; b++ {
		if sabine[b] <= 0 || eyring[b] <= 0 {
			t.Fatalf("band %d: non-positive reverb time", b)
		}
		// Eyring is always below Sabine for the same absorption.
		if eyring[b] >= sabine[b] {
			t.Fatalf("band %d: eyring %g not below sabine %g", b, eyring[b], sabine[b])
		}
	}

	// Hand-checked Sabine figure: 0.161*V/(S*alpha) with S = 126 m^2.
	want := 0.161 * volume / (126 * 0.2)
	if !nearly(sabine[0], want, 0.05*want) {
		t.Fatalf("sabine %g, want about %g", sabine[0], want)
	}
}

func TestEnergyDecayCurveMonotonic(t *testing.T) {
	ir := make([]float32, 1000)
	for i := range ir {
		ir[i] = float32(math.Exp(-float64(i) / 100))
	}
	edc := EnergyDecayCurve(ir)
	if !nearly(edc[0], 0, 1e-9) {
		t.Fatalf("EDC must start at 0 dB, got %g", edc[0])
	}
	for i := 1; i < len(edc); i++ {
		if edc[i] > edc[i-1]+1e-9 {
			t.Fatalf("EDC rises at %d", i)
		}
	}
}

func TestT30OfSyntheticDecay(t *testing.T) {
	// A pure exponential with a known T60.
	const sampleRate = 8000.0
	const t60 = 0.8
	// Energy envelope e^(-t/tau) drops 60 dB at t60.
	tau := t60 / (6 * math.Ln10)
	ir := make([]float32, int(sampleRate*t60*2))
	for i := range ir {
		ti := float64(i) / sampleRate
		ir[i] = float32(math.Exp(-ti / (2 * tau)))
	}
	got := T30(ir, sampleRate)
	if !nearly(got, t60, 0.1*t60) {
		t.Fatalf("T30 %g, want about %g", got, t60)
	}
}

func TestT30SilentSignal(t *testing.T) {
	if got := T30(make([]float32, 256), 8000); got != 0 {
		t.Fatalf("silent signal produced T30 %g", got)
	}
}
