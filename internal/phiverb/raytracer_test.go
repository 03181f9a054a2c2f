package phiverb

import (
	"sync/atomic"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func testRayScene(t *testing.T, scattering Real) *VoxelisedScene {
	t.Helper()
	surface := Surface{
		Absorption: MakeBands(0.1),
		Scattering: MakeBands(scattering),
	}
	return MakeVoxelisedScene(MakeShoebox(mgl64.Vec3{2, 2, 2}, surface), 16, 2)
}

func testRayParams(seed uint64) RaytracerParams {
	p := DefaultRaytracerParams()
	p.Rays = 256
	p.MaxImageSourceOrder = 3
	p.ReceiverRadius = 0.2
	p.HistogramSampleRate = 1000
	p.RNGSeed = seed
	return p
}

func TestComputeMISWeights(t *testing.T) {
	w := ComputeMISWeights(0, defaultMISDeltaPDF)
	if w.ImageSource != 1 || w.PathTracer != 0 {
		t.Fatalf("zero rays: got (%g, %g), want (1, 0)", w.ImageSource, w.PathTracer)
	}
	w = ComputeMISWeights(1, 1)
	if !nearly(w.ImageSource, 0.5, 1e-5) || !nearly(w.PathTracer, 0.5, 1e-5) {
		t.Fatalf("n=delta=1: got (%g, %g), want (0.5, 0.5)", w.ImageSource, w.PathTracer)
	}
	// The pair always partitions unity.
	for _, n := range []uint64{1, 100, 1 << 20} {
		w := ComputeMISWeights(n, defaultMISDeltaPDF)
		if !nearly(w.ImageSource+w.PathTracer, 1, 1e-9) {
			t.Fatalf("weights for %d rays do not sum to 1", n)
		}
	}
}

func TestComputeRayEnergyScaling(t *testing.T) {
	s := mgl64.Vec3{0, 0, 0}
	r := mgl64.Vec3{2, 0, 0}
	e1 := computeRayEnergy(1000, s, r, 0.1)
	e2 := computeRayEnergy(2000, s, r, 0.1)
	if !nearly(e1/e2, 2, 1e-9) {
		t.Fatalf("energy does not halve with doubled rays: %g vs %g", e1, e2)
	}
	if computeRayEnergy(0, s, r, 0.1) != 0 {
		t.Fatal("zero rays should carry zero energy")
	}
}

func TestRaytracerDeterminism(t *testing.T) {
	scene := testRayScene(t, 0.3)
	env := DefaultEnvironment()
	source := mgl64.Vec3{0.6, 0.7, 0.8}
	receiver := mgl64.Vec3{1.4, 1.2, 1.0}

	run := func(seed uint64) *RaytracerResults {
		results, err := runRaytracer(scene, source, receiver, env, testRayParams(seed), alwaysGoing(), nil)
		if err != nil {
			t.Fatalf("ray tracer failed: %v", err)
		}
		return results
	}

	a := run(42)
	b := run(42)
	if a.Histogram.Digest() != b.Histogram.Digest() {
		t.Fatal("identical seeds produced different histograms")
	}
	ia := runImageSource(scene, source, receiver, env, testRayParams(42), a.SpecularChains)
	ib := runImageSource(scene, source, receiver, env, testRayParams(42), b.SpecularChains)
	if ImpulseDigest(ia) != ImpulseDigest(ib) {
		t.Fatal("identical seeds produced different impulse lists")
	}

	c := run(43)
	if len(c.Histogram.Bins) > 0 && len(a.Histogram.Bins) > 0 &&
		a.Histogram.Digest() == c.Histogram.Digest() {
		t.Fatal("different seeds produced identical histograms")
	}
}

func TestHistogramEnergyNonNegative(t *testing.T) {
	scene := testRayScene(t, 0.4)
	results, err := runRaytracer(scene, mgl64.Vec3{0.5, 0.5, 0.5}, mgl64.Vec3{1.5, 1.4, 1.1},
		DefaultEnvironment(), testRayParams(7), alwaysGoing(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results.Histogram.Bins) == 0 {
		t.Fatal("scattering room produced no rain at all")
	}
	for i, bin := range results.Histogram.Bins {
		for b, v := range bin {
			if v < 0 {
				t.Fatalf("bin %d band %d negative: %g", i, b, v)
			}
		}
	}
}

func TestNoScatteringMeansNoRain(t *testing.T) {
	scene := testRayScene(t, 0)
	params := testRayParams(11)
	params.ReceiverRadius = 0 // also disables specular sphere crossings
	results, err := runRaytracer(scene, mgl64.Vec3{0.5, 0.5, 0.5}, mgl64.Vec3{1.5, 1.4, 1.1},
		DefaultEnvironment(), params, alwaysGoing(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, bin := range results.Histogram.Bins {
		for b, v := range bin {
			if v > 1e-6 {
				t.Fatalf("bin %d band %d carries energy %g without scattering", i, b, v)
			}
		}
	}
}

func TestSpecularChainsFeedImageSource(t *testing.T) {
	scene := testRayScene(t, 0)
	results, err := runRaytracer(scene, mgl64.Vec3{0.5, 0.5, 0.5}, mgl64.Vec3{1.5, 1.4, 1.1},
		DefaultEnvironment(), testRayParams(3), alwaysGoing(), nil)
	if err != nil {
		t.Fatal(err)
	}
	// With zero scattering every surviving ray is a specular chain.
	if len(results.SpecularChains) == 0 {
		t.Fatal("no specular chains recorded in a specular room")
	}
	for _, chain := range results.SpecularChains {
		if uint32(len(chain)) > testRayParams(3).MaxImageSourceOrder {
			t.Fatalf("chain longer than the image-source order bound: %d", len(chain))
		}
	}
}

func TestRaytracerCancellation(t *testing.T) {
	scene := testRayScene(t, 0.3)
	var keepGoing atomic.Bool // starts false
	_, err := runRaytracer(scene, mgl64.Vec3{0.5, 0.5, 0.5}, mgl64.Vec3{1.5, 1.4, 1.1},
		DefaultEnvironment(), testRayParams(1), &keepGoing, nil)
	if !IsEngineError(err, ErrCancelled) {
		t.Fatalf("expected %s, got %v", ErrCancelled, err)
	}
}

func TestThroughputMonotonicity(t *testing.T) {
	// The deterministic-specular chain can only lose energy per bounce.
	surface := Surface{Absorption: MakeBands(0.2), Scattering: MakeBands(0.3)}
	refl := absorptionToEnergyReflectance(surface.Absorption)
	determ := MakeBands(1)
	for bounce := 0; bounce < 16; bounce++ {
		next := specularComponent(determ.Mul(refl), surface.Scattering)
		for b := range next {
			if next[b] > determ[b]+eps {
				t.Fatalf("bounce %d band %d gained energy: %g -> %g", bounce, b, determ[b], next[b])
			}
		}
		determ = next
	}
}
