package phiverb

import (
	"math"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
)

// WaveguideParams selects the waveguide coverage: a single band up to
// CutoffHz, or several flat-coefficient bands between BandEdgesHz.
type WaveguideParams struct {
	CutoffHz       float64 `json:"cutoffHz"`
	UsableFraction float64 `json:"usableFraction"`
	// Bands > 1 enables the multi-band path; BandEdgesHz must then hold
	// Bands+1 ascending edges.
	Bands       int       `json:"bands"`
	BandEdgesHz []float64 `json:"bandEdgesHz"`
}

// DefaultWaveguideParams covers a single band up to 500 Hz.
func DefaultWaveguideParams() WaveguideParams {
	return WaveguideParams{CutoffHz: 500, UsableFraction: defaultUsableFraction}
}

// RunParams bundles one (source, receiver) simulation request.
type RunParams struct {
	Source         mgl64.Vec3
	Receiver       mgl64.Vec3
	Environment    Environment
	Raytracer      RaytracerParams
	Waveguide      WaveguideParams
	SimulationTime Real
	// Precomputed optionally overrides boundary labelling.
	Precomputed *PrecomputedBoundary

	sceneSurfaces []Surface
}

// IntermediateResults holds everything the postprocessor needs for one
// channel. The engine owns all buffers; Postprocess borrows them.
type IntermediateResults struct {
	Source      mgl64.Vec3
	Receiver    mgl64.Vec3
	Environment Environment
	RoomVolume  Real
	Seed        uint64

	Bands     []WaveguideBand
	Raytracer *RaytracerResults
	Impulses  []Impulse

	cfg RuntimeConfig
}

// Run drives the full dual-solver pipeline for one source/receiver pair.
func Run(cfg RuntimeConfig, voxelised *VoxelisedScene, p RunParams, keepGoing *atomic.Bool, sink EngineSink) (*IntermediateResults, error) {
	if sink == nil {
		sink = NullSink{}
	}
	p.sceneSurfaces = voxelised.Scene.Surfaces
	env := p.Environment.sanitised()

	if p.Source.Sub(p.Receiver).Len() < waveguideGridSpacingFor(env, p.Waveguide) {
		return nil, engineErrorf(ErrTooClose,
			"source %v and receiver %v are within one grid spacing", p.Source, p.Receiver)
	}

	sink.OnEngineStateChanged(0, 1, StateBuildingMesh, 0)
	spacing := waveguideGridSpacingFor(env, p.Waveguide)
	mesh, err := BuildMesh(voxelised, spacing, env.SpeedOfSound, cfg, p.Precomputed)
	if err != nil {
		return nil, err
	}
	sink.OnWaveguideNodePositionsChanged(mesh.Descriptor)

	results := &IntermediateResults{
		Source:      p.Source,
		Receiver:    p.Receiver,
		Environment: env,
		RoomVolume:  mesh.RoomVolume,
		Seed:        p.Raytracer.RNGSeed,
		cfg:         cfg,
	}

	sink.OnEngineStateChanged(0, 1, StateRunningWaveguide, 0)
	progress := func(step, total int, pressures []float32) {
		sink.OnWaveguideNodePressuresChanged(pressures)
		sink.OnEngineStateChanged(0, 1, StateRunningWaveguide, Real(step+1)/Real(total))
	}

	usable := p.Waveguide.UsableFraction
	if usable <= 0 || usable > 1 {
		usable = defaultUsableFraction
	}

	if p.Waveguide.Bands > 1 {
		bands, err := runMultibandWaveguide(cfg, mesh, p, env, usable, keepGoing, progress)
		if err != nil {
			return nil, err
		}
		results.Bands = bands
	} else {
		band, err := runWaveguide(cfg, mesh, waveguideRunParams{
			source:         p.Source,
			receiver:       p.Receiver,
			environment:    env,
			simulationTime: p.SimulationTime,
			usableFraction: usable,
		}, keepGoing, progress)
		if err != nil {
			return nil, err
		}
		if p.Waveguide.CutoffHz > 0 {
			band.MaxValidHz = math.Min(band.MaxValidHz, p.Waveguide.CutoffHz)
		}
		results.Bands = []WaveguideBand{*band}
	}

	sink.OnEngineStateChanged(0, 1, StateRunningRaytracer, 0)
	rt, err := runRaytracer(voxelised, p.Source, p.Receiver, env, p.Raytracer, keepGoing,
		sink.OnRaytracerReflectionsGenerated)
	if err != nil {
		return nil, err
	}
	results.Raytracer = rt
	results.Impulses = runImageSource(voxelised, p.Source, p.Receiver, env, p.Raytracer, rt.SpecularChains)

	if !cfg.AllowEmptyIntermediate &&
		len(results.Impulses) == 0 && len(rt.Histogram.Bins) == 0 && len(results.Bands) == 0 {
		return nil, engineErrorf(ErrEmptyIntermediate, "simulation produced no intermediate data")
	}

	sink.OnEngineStateChanged(0, 1, StateFinished, 1)
	return results, nil
}

// waveguideGridSpacingFor derives the grid spacing that makes the usable
// mesh bandwidth reach the requested cutoff.
func waveguideGridSpacingFor(env Environment, wg WaveguideParams) Real {
	cutoff := wg.CutoffHz
	if wg.Bands > 1 && len(wg.BandEdgesHz) > 0 {
		cutoff = wg.BandEdgesHz[len(wg.BandEdgesHz)-1]
	}
	if cutoff <= 0 {
		cutoff = 500
	}
	usable := wg.UsableFraction
	if usable <= 0 || usable > 1 {
		usable = defaultUsableFraction
	}
	meshRate := cutoff / usable
	return waveguideGridSpacing(env.SpeedOfSound, meshRate)
}

// toFlatCoefficients builds the impedance form of a frequency-flat
// reflectance, used by the multi-band path.
func toFlatCoefficients(absorption Real) CoefficientsCanonical {
	r := FiltReal(math.Sqrt(math.Max(0, 1-absorption)))
	var refl CoefficientsCanonical
	refl.B[0] = r
	refl.A[0] = 1
	return sanitiseCoefficients(toImpedanceCoefficients(refl))
}

// runMultibandWaveguide runs the mesh once per band with flat per-band
// boundary coefficients. Slow but more accurate at the bottom octaves.
func runMultibandWaveguide(cfg RuntimeConfig, mesh *Mesh, p RunParams, env Environment, usable Real, keepGoing *atomic.Bool, progress func(int, int, []float32)) ([]WaveguideBand, error) {
	edges := p.Waveguide.BandEdgesHz
	if len(edges) != p.Waveguide.Bands+1 {
		return nil, engineErrorf(ErrInvalidConfiguration,
			"multi-band waveguide needs %d edges, got %d", p.Waveguide.Bands+1, len(edges))
	}
	backup := append([]CoefficientsCanonical(nil), mesh.Coefficients...)
	defer func() { copy(mesh.Coefficients, backup) }()

	out := make([]WaveguideBand, 0, p.Waveguide.Bands)
	for band := 0; band < p.Waveguide.Bands; band++ {
		// Flat coefficients from the band's mean absorption over the
		// scene surfaces; the per-surface spectra collapse per band.
		bandIdx := imin(band, NumBands-1)
		var mean Real
		if n := len(p.surfacesForBands()); n > 0 {
			for _, s := range p.surfacesForBands() {
				mean += s.Absorption[bandIdx]
			}
			mean /= Real(n)
		}
		mesh.SetCoefficients(toFlatCoefficients(mean))

		wb, err := runWaveguide(cfg, mesh, waveguideRunParams{
			source:         p.Source,
			receiver:       p.Receiver,
			environment:    env,
			simulationTime: p.SimulationTime,
			usableFraction: usable,
		}, keepGoing, progress)
		if err != nil {
			return nil, err
		}
		wb.MaxValidHz = math.Min(wb.MaxValidHz, edges[band+1])
		out = append(out, *wb)
	}
	return out, nil
}

// surfacesForBands exposes the scene surfaces backing a run; kept as a
// method so the multi-band path reads one place.
func (p *RunParams) surfacesForBands() []Surface {
	if p.Precomputed != nil && len(p.Precomputed.LabelSurfaces) > 0 {
		return p.Precomputed.LabelSurfaces
	}
	return p.sceneSurfaces
}

// Postprocess renders one output channel at outputRate: crossover the
// waveguide and ray-tracer signals, window the leading edge, sanitise, and
// apply the silent-output policy.
func (ir *IntermediateResults) Postprocess(outputRate Real) ([]float32, error) {
	env := ir.Environment

	// Ray-tracer side: validated specular impulses plus diffuse rain.
	ism := renderImpulses(ir.Impulses, env.SpeedOfSound, outputRate, 0)
	var rain []float32
	if ir.Raytracer != nil {
		rain = postprocessRain(ir.Raytracer.Histogram, env, ir.RoomVolume, outputRate, ir.Seed)
	}
	ray := sumSignals(ism, rain)

	// Waveguide side: every band resampled and bandlimited to its range.
	var wave []float32
	cutoffHz := math.Inf(1)
	for _, band := range ir.Bands {
		resampled, err := resampleBand(band.Pressure, band.SampleRate, outputRate)
		if err != nil {
			return nil, err
		}
		wave = sumSignals(wave, resampled)
		cutoffHz = math.Min(cutoffHz, band.MaxValidHz)
	}

	var combined []float32
	if len(wave) == 0 {
		combined = ray
	} else {
		cutoff := cutoffHz / outputRate
		combined = crossoverFilter(wave, ray, cutoff, crossoverWidth)
	}

	// Leading-edge window to strip DC built up before the direct sound.
	distance := ir.Source.Sub(ir.Receiver).Len()
	windowLength := imin(len(combined), int(math.Floor(distance/env.SpeedOfSound*outputRate)))
	if windowLength > 0 {
		window := leftHanning(windowLength)
		for n := 0; n < windowLength; n++ {
			combined[n] = float32(float64(combined[n]) * window[n])
		}
	}

	for i := range combined {
		if !isFinite32(combined[i]) {
			combined[i] = 0
		}
	}

	if !hasEnergy(combined) {
		if !ir.cfg.AllowSilentFallback {
			return nil, engineErrorf(ErrSilentOutput, "final impulse response has zero energy")
		}
		combined = injectDirectImpulse(combined, distance, outputRate, env.SpeedOfSound)
	}
	return combined, nil
}

func sumSignals(a, b []float32) []float32 {
	if len(b) > len(a) {
		a, b = b, a
	}
	out := make([]float32, len(a))
	copy(out, a)
	for i, v := range b {
		out[i] += v
	}
	return out
}

// Pair is one orchestrated render channel.
type Pair struct {
	Source   mgl64.Vec3
	Receiver mgl64.Vec3
}

// RunPairs is the orchestrator loop: one engine run per pair, shared
// normalisation across the resulting channels, and the silent-output
// policy applied to the set.
func RunPairs(cfg RuntimeConfig, voxelised *VoxelisedScene, base RunParams, pairs []Pair, outputRate Real, keepGoing *atomic.Bool, sink EngineSink) ([][]float32, error) {
	if sink == nil {
		sink = NullSink{}
	}
	channels := make([][]float32, 0, len(pairs))
	for idx, pair := range pairs {
		sink.OnEngineStateChanged(idx, len(pairs), StateIdle, 0)
		p := base
		p.Source = pair.Source
		p.Receiver = pair.Receiver

		results, err := Run(cfg, voxelised, p, keepGoing, sink)
		if err != nil {
			return nil, err
		}
		sink.OnEngineStateChanged(idx, len(pairs), StatePostprocessing, 0)
		channel, err := results.Postprocess(outputRate)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}

	peak := 0.0
	for _, ch := range channels {
		peak = math.Max(peak, maxMag(ch))
	}
	if peak <= silentLevel {
		for i, ch := range channels {
			d := pairs[i].Source.Sub(pairs[i].Receiver).Len()
			channels[i] = injectDirectImpulse(ch, d, outputRate, base.Environment.sanitised().SpeedOfSound)
		}
		peak = 0
		for _, ch := range channels {
			peak = math.Max(peak, maxMag(ch))
		}
		if peak <= silentLevel {
			return nil, engineErrorf(ErrSilentOutput, "all channels are silent")
		}
	}
	inv := float32(1 / peak)
	for _, ch := range channels {
		for i := range ch {
			ch[i] *= inv
		}
	}
	return channels, nil
}
