package phiverb

import (
	"math"
	"testing"
)

const eps = 1e-10

func nearly(a, b, tol Real) bool { return math.Abs(a-b) <= tol }

func TestCanonicalStepMatchesCascadedBiquads(t *testing.T) {
	sections := [biquadSections]Biquad{
		rbjPeak(0.05, -3, 0.7),
		rbjPeak(0.12, 2, 0.7),
		rbjPeak(0.21, -1, 0.7),
	}
	canonical := ConvolveBiquads(sections)

	var mem MemoryCanonical
	var d [biquadSections][2]Real

	input := []Real{1, 0.5, -0.25, 0, 0, 0.75, -1, 0.1, 0, 0, 0, 0.3}
	for n, x := range input {
		// Reference path: the three sections in series at float64.
		ref := x
		for s := range sections {
			ref = sections[s].processSample(ref, &d[s])
		}
		got := canonicalStep(FiltReal(x), &mem, &canonical)
		if !nearly(float64(got), ref, 1e-4) {
			t.Fatalf("sample %d: canonical=%g cascade=%g", n, got, ref)
		}
	}
}

func TestIdentityCoefficientsPassThrough(t *testing.T) {
	c := IdentityCoefficients()
	var mem MemoryCanonical
	for n, x := range []FiltReal{1, -0.5, 0.25, 0, 3} {
		if got := canonicalStep(x, &mem, &c); got != x {
			t.Fatalf("sample %d: identity filter returned %g for %g", n, got, x)
		}
	}
}

func TestSanitiseCoefficients(t *testing.T) {
	// Non-finite entries must collapse to identity.
	bad := IdentityCoefficients()
	bad.A[3] = FiltReal(math.NaN())
	if got := sanitiseCoefficients(bad); got != IdentityCoefficients() {
		t.Fatalf("non-finite set survived sanitisation: %+v", got)
	}

	// A vanishing b0 must collapse to identity.
	small := IdentityCoefficients()
	small.B[0] = 1e-15
	if got := sanitiseCoefficients(small); got != IdentityCoefficients() {
		t.Fatalf("tiny b0 survived sanitisation: %+v", got)
	}

	// An unstable denominator must collapse to identity.
	unstable := IdentityCoefficients()
	unstable.A[1] = -2.5
	unstable.A[2] = 1.6
	if got := sanitiseCoefficients(unstable); got != IdentityCoefficients() {
		t.Fatalf("unstable set survived sanitisation: %+v", got)
	}

	// The all-zero set is replaced, not kept.
	var zero CoefficientsCanonical
	if got := sanitiseCoefficients(zero); got != IdentityCoefficients() {
		t.Fatalf("all-zero set survived sanitisation: %+v", got)
	}
}

func TestDesignedCoefficientsSatisfyInvariants(t *testing.T) {
	absorptions := []Bands{
		MakeBands(0.0),
		MakeBands(0.05),
		MakeBands(0.2),
		MakeBands(0.9),
		{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7},
	}
	for i, a := range absorptions {
		c := sanitiseCoefficients(toImpedanceCoefficients(
			computeReflectanceFilterCoefficients(a, 10000)))
		if math.Abs(float64(c.B[0])) < minB0 {
			t.Fatalf("case %d: |b0| below floor: %g", i, c.B[0])
		}
		for k := 0; k < canonicalStorage; k++ {
			if !isFinite32(c.B[k]) || !isFinite32(c.A[k]) {
				t.Fatalf("case %d: non-finite coefficient at %d", i, k)
			}
		}
	}
}

func TestImpedanceTransform(t *testing.T) {
	var refl CoefficientsCanonical
	refl.B[0] = 0.5 // flat reflectance 0.5
	refl.A[0] = 1
	imp := toImpedanceCoefficients(refl)
	if !nearly(float64(imp.B[0]), 1.5, eps) || !nearly(float64(imp.A[0]), 0.5, eps) {
		t.Fatalf("impedance transform wrong: b0=%g a0=%g", imp.B[0], imp.A[0])
	}
}

func TestJuryStability(t *testing.T) {
	stable := [canonicalStorage]FiltReal{1, 0.5, 0.2}
	if !isStableDenominator(stable) {
		t.Fatal("stable denominator reported unstable")
	}
	unstable := [canonicalStorage]FiltReal{1, -2.5, 1.6}
	if isStableDenominator(unstable) {
		t.Fatal("unstable denominator reported stable")
	}
	firstOrder := [canonicalStorage]FiltReal{1}
	if !isStableDenominator(firstOrder) {
		t.Fatal("constant denominator reported unstable")
	}
}

func TestReflectanceChain(t *testing.T) {
	a := MakeBands(0.19)
	r := absorptionToPressureReflectance(a)
	if !nearly(r[0], 0.9, 1e-12) {
		t.Fatalf("pressure reflectance: got %g want 0.9", r[0])
	}
	z := pressureReflectanceToAverageWallImpedance(r)
	if !nearly(z[0], 19, 1e-9) {
		t.Fatalf("wall impedance: got %g want 19", z[0])
	}
	// Normal incidence recovers the flat reflectance.
	back := averageWallImpedanceToPressureReflectance(z, 1)
	if !nearly(back[0], 0.9, 1e-9) {
		t.Fatalf("round trip reflectance: got %g want 0.9", back[0])
	}
	// Grazing incidence reflects more negatively.
	grazing := averageWallImpedanceToPressureReflectance(z, 0.01)
	if grazing[0] >= back[0] {
		t.Fatalf("grazing reflectance %g not below normal %g", grazing[0], back[0])
	}
}
