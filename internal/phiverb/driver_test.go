package phiverb

import (
	"sync/atomic"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func testRunParams() waveguideRunParams {
	return waveguideRunParams{
		source:         mgl64.Vec3{0.6, 0.6, 0.6},
		receiver:       mgl64.Vec3{1.4, 1.2, 1.0},
		environment:    DefaultEnvironment(),
		simulationTime: 0.04,
		usableFraction: defaultUsableFraction,
	}
}

func alwaysGoing() *atomic.Bool {
	var b atomic.Bool
	b.Store(true)
	return &b
}

func TestWaveguideRunProducesEnergy(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, NeutralSurface(), 0.2)
	cfg := DefaultRuntimeConfig()
	cfg.Backend = BackendCPU

	band, err := runWaveguide(cfg, mesh, testRunParams(), alwaysGoing(), nil)
	if err != nil {
		t.Fatalf("waveguide run failed: %v", err)
	}
	if len(band.Pressure) == 0 {
		t.Fatal("no pressure samples recorded")
	}
	if len(band.Pressure) != len(band.Intensity) {
		t.Fatal("pressure/intensity length mismatch")
	}
	energetic := false
	for n, p := range band.Pressure {
		if !isFinite32(p) {
			t.Fatalf("step %d: non-finite pressure", n)
		}
		if p != 0 {
			energetic = true
		}
	}
	if !energetic {
		t.Fatal("receiver saw no energy")
	}
	wantRate := waveguideSampleRate(340, 0.2)
	if !nearly(band.SampleRate, wantRate, 1e-9) {
		t.Fatalf("sample rate %g, want %g", band.SampleRate, wantRate)
	}
}

func TestWaveguideRigidBoxStaysFinite(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	cfg.Backend = BackendCPU
	cfg.ForceIdentityCoeffs = true

	scene := MakeShoebox(mgl64.Vec3{2, 2, 2}, Surface{})
	voxelised := MakeVoxelisedScene(scene, 16, 2)
	mesh, err := BuildMesh(voxelised, 0.2, 340, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := runWaveguide(cfg, mesh, testRunParams(), alwaysGoing(), nil); err != nil {
		t.Fatalf("rigid box run failed: %v", err)
	}
}

func TestWaveguideSourceOutside(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, NeutralSurface(), 0.2)
	cfg := DefaultRuntimeConfig()
	cfg.Backend = BackendCPU

	params := testRunParams()
	params.source = mgl64.Vec3{40, 40, 40}
	if _, err := runWaveguide(cfg, mesh, params, alwaysGoing(), nil); !IsEngineError(err, ErrSourceOutside) {
		t.Fatalf("expected %s, got %v", ErrSourceOutside, err)
	}

	params = testRunParams()
	params.receiver = mgl64.Vec3{-40, 0, 0}
	if _, err := runWaveguide(cfg, mesh, params, alwaysGoing(), nil); !IsEngineError(err, ErrReceiverOutside) {
		t.Fatalf("expected %s, got %v", ErrReceiverOutside, err)
	}
}

func TestWaveguideCancellation(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, NeutralSurface(), 0.2)
	cfg := DefaultRuntimeConfig()
	cfg.Backend = BackendCPU

	var keepGoing atomic.Bool
	keepGoing.Store(true)
	progress := func(step, total int, pressures []float32) {
		// Cancel as soon as the run reports progress.
		keepGoing.Store(false)
	}
	_, err := runWaveguide(cfg, mesh, testRunParams(), &keepGoing, progress)
	if !IsEngineError(err, ErrCancelled) {
		t.Fatalf("expected %s, got %v", ErrCancelled, err)
	}
}

func TestWaveguideMaxStepsCap(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, NeutralSurface(), 0.2)
	cfg := DefaultRuntimeConfig()
	cfg.Backend = BackendCPU
	cfg.MaxSteps = 7

	band, err := runWaveguide(cfg, mesh, testRunParams(), alwaysGoing(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(band.Pressure) != 7 {
		t.Fatalf("cap ignored: ran %d steps", len(band.Pressure))
	}
}
