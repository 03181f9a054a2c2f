package phiverb

import (
	"math"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func smallEngineSetup() (*VoxelisedScene, RunParams) {
	surface := Surface{
		Absorption: MakeBands(0.15),
		Scattering: MakeBands(0.25),
	}
	scene := MakeShoebox(mgl64.Vec3{2, 2, 2}, surface)
	voxelised := MakeVoxelisedScene(scene, 16, 2)

	rt := DefaultRaytracerParams()
	rt.Rays = 256
	rt.MaxImageSourceOrder = 3
	rt.ReceiverRadius = 0.2
	rt.HistogramSampleRate = 1000
	rt.RNGSeed = 17

	params := RunParams{
		Source:      mgl64.Vec3{0.5, 0.5, 0.5},
		Receiver:    mgl64.Vec3{1.5, 1.3, 1.1},
		Environment: DefaultEnvironment(),
		Raytracer:   rt,
		Waveguide: WaveguideParams{
			CutoffHz:       280,
			UsableFraction: defaultUsableFraction,
		},
		SimulationTime: 0.08,
	}
	return voxelised, params
}

func cpuConfig() RuntimeConfig {
	cfg := DefaultRuntimeConfig()
	cfg.Backend = BackendCPU
	return cfg
}

// recordingSink checks that callbacks arrive on the engine worker and in
// a sensible order.
type recordingSink struct {
	mu          sync.Mutex
	states      []EngineState
	gotMesh     bool
	gotPressure bool
	gotRays     bool
}

func (s *recordingSink) OnEngineStateChanged(runIdx, numRuns int, state EngineState, progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) OnWaveguideNodePositionsChanged(MeshDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotMesh = true
}

func (s *recordingSink) OnWaveguideNodePressuresChanged([]float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotPressure = true
}

func (s *recordingSink) OnRaytracerReflectionsGenerated([]Reflection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotRays = true
}

func TestEngineRunEndToEnd(t *testing.T) {
	voxelised, params := smallEngineSetup()
	sink := &recordingSink{}

	results, err := Run(cpuConfig(), voxelised, params, alwaysGoing(), sink)
	if err != nil {
		t.Fatalf("engine run failed: %v", err)
	}
	if len(results.Bands) != 1 {
		t.Fatalf("expected one waveguide band, got %d", len(results.Bands))
	}
	if results.Raytracer == nil || len(results.Impulses) == 0 {
		t.Fatal("ray tracer results missing")
	}
	if results.RoomVolume <= 0 {
		t.Fatal("room volume estimate missing")
	}
	if !sink.gotMesh || !sink.gotPressure || !sink.gotRays {
		t.Fatalf("callbacks missing: mesh=%v pressure=%v rays=%v",
			sink.gotMesh, sink.gotPressure, sink.gotRays)
	}
}

func TestEngineTooClose(t *testing.T) {
	voxelised, params := smallEngineSetup()
	params.Receiver = params.Source.Add(mgl64.Vec3{0.01, 0, 0})
	if _, err := Run(cpuConfig(), voxelised, params, alwaysGoing(), nil); !IsEngineError(err, ErrTooClose) {
		t.Fatalf("expected %s, got %v", ErrTooClose, err)
	}
}

func TestRunPairsNormalises(t *testing.T) {
	voxelised, params := smallEngineSetup()
	pairs := []Pair{{Source: params.Source, Receiver: params.Receiver}}

	channels, err := RunPairs(cpuConfig(), voxelised, params, pairs, 8000, alwaysGoing(), nil)
	if err != nil {
		t.Fatalf("orchestrator failed: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(channels))
	}
	peak := maxMag(channels[0])
	if !nearly(peak, 1, 1e-5) {
		t.Fatalf("normalised peak %g, want 1", peak)
	}
	for i, v := range channels[0] {
		if !isFinite32(v) {
			t.Fatalf("sample %d non-finite", i)
		}
	}
}

func TestWaveguideGridSpacingMatchesCutoff(t *testing.T) {
	env := DefaultEnvironment()
	wg := WaveguideParams{CutoffHz: 500, UsableFraction: 0.196}
	spacing := waveguideGridSpacingFor(env, wg)
	meshRate := waveguideSampleRate(env.SpeedOfSound, spacing)
	if !nearly(meshRate*wg.UsableFraction, 500, 1e-6) {
		t.Fatalf("usable bandwidth %g, want 500", meshRate*wg.UsableFraction)
	}
}

func TestFlatCoefficientsRigid(t *testing.T) {
	c := toFlatCoefficients(0)
	// Rigid wall: reflectance 1 -> impedance numerator 2, denominator 0.
	if !nearly(float64(c.B[0]), 2, 1e-6) {
		t.Fatalf("b0 = %g, want 2", c.B[0])
	}
	if math.Abs(float64(c.A[0])) > 1e-6 {
		t.Fatalf("a0 = %g, want 0", c.A[0])
	}
}

func TestEngineStateString(t *testing.T) {
	if StateRunningWaveguide.String() != "running waveguide" {
		t.Fatal("state naming drifted")
	}
}
