package phiverb

import (
	"encoding/binary"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl64"
)

// RaytracerParams configures the stochastic and image-source tracers.
type RaytracerParams struct {
	Rays                uint64  `json:"rays"`
	MaxImageSourceOrder uint32  `json:"maxImageSourceOrder"`
	ReceiverRadius      float64 `json:"receiverRadius"`
	HistogramSampleRate float64 `json:"histogramSampleRate"`
	RNGSeed             uint64  `json:"rngSeed"`
	MISDeltaPDF         float64 `json:"misDeltaPdf"`
	Directional         bool    `json:"directional"`
	FlipPhase           bool    `json:"flipPhase"`
}

// DefaultRaytracerParams mirrors the defaults of the reference renderer.
func DefaultRaytracerParams() RaytracerParams {
	return RaytracerParams{
		Rays:                1 << 14,
		MaxImageSourceOrder: 4,
		ReceiverRadius:      0.1,
		HistogramSampleRate: 1000,
		MISDeltaPDF:         defaultMISDeltaPDF,
	}
}

// MISWeights blend the image-source and path-tracing estimators of the
// same specular energy.
type MISWeights struct {
	ImageSource Real
	PathTracer  Real
}

// ComputeMISWeights balances a delta estimator of pdf deltaPDF against
// totalRays path-traced samples. Zero rays means the image-source
// estimator stands alone.
func ComputeMISWeights(totalRays uint64, deltaPDF Real) MISWeights {
	if totalRays == 0 {
		return MISWeights{ImageSource: 1, PathTracer: 0}
	}
	if deltaPDF <= 0 {
		deltaPDF = defaultMISDeltaPDF
	}
	n := Real(totalRays)
	denom := deltaPDF + n
	return MISWeights{ImageSource: deltaPDF / denom, PathTracer: n / denom}
}

// computeRayEnergy normalises per-ray energy so the expected direct
// contribution through the receiver sphere equals the free-field energy.
func computeRayEnergy(totalRays uint64, source, receiver mgl64.Vec3, receiverRadius Real) Real {
	if totalRays == 0 {
		return 0
	}
	d := source.Sub(receiver).Len()
	sinY := receiverRadius / math.Max(d, receiverRadius)
	cosY := math.Sqrt(math.Max(0, 1-sinY*sinY))
	return 2 / (Real(totalRays) * (1 - cosY))
}

// Reflection is the per-ray record produced by one bounce.
type Reflection struct {
	Position           mgl64.Vec3
	Triangle           uint32
	ScatterProbability Real
	KeepGoing          bool
	ReceiverVisible    bool
	SampledDiffuse     bool
	SamplePDF          Real
	CosTheta           Real
}

// stochasticPathInfo accumulates a ray's state between bounces.
type stochasticPathInfo struct {
	throughput    Bands
	deterministic Bands
	position      mgl64.Vec3
	distance      Real
}

// Impulse is one energy arrival at the receiver.
type Impulse struct {
	Volume   Bands
	Position mgl64.Vec3
	Distance Real
}

// RaytracerResults carries the stochastic histograms plus the specular
// triangle chains that seed the image-source tree.
type RaytracerResults struct {
	Histogram      *EnergyHistogram
	Directional    *DirectionalHistogram
	SpecularChains [][]uint32
}

// ImpulseDigest hashes the impulse list for determinism checks.
func ImpulseDigest(impulses []Impulse) uint64 {
	d := xxhash.New()
	var scratch [8]byte
	put := func(v Real) {
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
		_, _ = d.Write(scratch[:])
	}
	for _, imp := range impulses {
		for _, v := range imp.Volume {
			put(v)
		}
		put(imp.Position.X())
		put(imp.Position.Y())
		put(imp.Position.Z())
		put(imp.Distance)
	}
	return d.Sum64()
}

// rayState is the full per-ray tracing state. Each ray owns a seeded RNG
// stream, so results are reproducible regardless of worker scheduling.
type rayState struct {
	ray       Ray
	path      stochasticPathInfo
	refl      Reflection
	alive     bool
	specChain []uint32 // triangle sequence while the path stayed specular
	specular  bool     // chain still unbroken
	prevTri   uint32
}

func splitSeed(seed uint64, index uint64) int64 {
	x := seed ^ (index+1)*0x9e3779b97f4a7c15
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return int64(x)
}

// runRaytracer shoots params.Rays rays from the source and walks them
// bounce-synchronously until every ray dies or the bounce cap is hit.
func runRaytracer(scene *VoxelisedScene, source, receiver mgl64.Vec3, env Environment, params RaytracerParams, keepGoing *atomic.Bool, batchCB func([]Reflection)) (*RaytracerResults, error) {
	numRays := int(params.Rays)
	if numRays <= 0 {
		numRays = 1
	}
	histRate := params.HistogramSampleRate
	if histRate <= 0 {
		histRate = 1000
	}

	rayEnergy := computeRayEnergy(params.Rays, source, receiver, params.ReceiverRadius)
	weights := ComputeMISWeights(params.Rays, params.MISDeltaPDF)

	states := make([]rayState, numRays)
	rngs := make([]*rand.Rand, numRays)
	for i := range states {
		rngs[i] = rand.New(rand.NewSource(splitSeed(params.RNGSeed, uint64(i))))
		states[i] = rayState{
			ray: Ray{Position: source, Direction: uniformSphereDir(rngs[i])},
			path: stochasticPathInfo{
				throughput:    MakeBands(1),
				deterministic: MakeBands(1),
				position:      source,
				distance:      0,
			},
			alive:    true,
			specular: true,
			prevTri:  noTriangle,
		}
	}

	hist := NewEnergyHistogram(histRate)
	var directional *DirectionalHistogram
	if params.Directional {
		directional = NewDirectionalHistogram(histRate)
	}

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}

	reflections := make([]Reflection, numRays)
	alive := numRays
	for bounce := 0; bounce < maxRayBounces && alive > 0; bounce++ {
		if keepGoing != nil && !keepGoing.Load() {
			return nil, engineErrorf(ErrCancelled,
				"ray tracer cancelled after %d batches", bounce)
		}

		emissions := make([][]rayEmission, workers)
		var wg sync.WaitGroup
		chunk := (numRays + workers - 1) / workers
		for w := 0; w < workers; w++ {
			lo := w * chunk
			hi := imin(lo+chunk, numRays)
			if lo >= hi {
				continue
			}
			wg.Add(1)
			go func(wid, lo, hi int) {
				defer wg.Done()
				var local []rayEmission
				for i := lo; i < hi; i++ {
					if !states[i].alive {
						reflections[i] = Reflection{}
						continue
					}
					ems := traceBounce(&states[i], rngs[i], scene, receiver, params, env, rayEnergy, weights, bounce)
					reflections[i] = states[i].refl
					for _, e := range ems {
						local = append(local, rayEmission{rayIndex: i, impulse: e})
					}
				}
				emissions[wid] = local
			}(w, lo, hi)
		}
		wg.Wait()

		// Bin deterministically in ray order, not worker-completion order.
		flat := make([]rayEmission, 0)
		for _, local := range emissions {
			flat = append(flat, local...)
		}
		sortEmissions(flat)
		for _, e := range flat {
			t := e.impulse.Distance / env.SpeedOfSound
			hist.Add(t, e.impulse.Volume)
			if directional != nil {
				pointing := e.impulse.Position.Sub(receiver)
				if l := pointing.Len(); l > 1e-12 {
					directional.Add(pointing.Mul(1/l), t, e.impulse.Volume)
				}
			}
		}

		if batchCB != nil {
			batchCB(reflections)
		}
		alive = 0
		for i := range states {
			if states[i].alive {
				alive++
			}
		}
	}

	// Collect the specular triangle chains feeding the image-source tree.
	var chains [][]uint32
	seen := map[uint64]bool{}
	for i := range states {
		chain := states[i].specChain
		if len(chain) == 0 {
			continue
		}
		if uint32(len(chain)) > params.MaxImageSourceOrder {
			chain = chain[:params.MaxImageSourceOrder]
		}
		key := chainKey(chain)
		if !seen[key] {
			seen[key] = true
			chains = append(chains, chain)
		}
	}

	return &RaytracerResults{
		Histogram:      hist,
		Directional:    directional,
		SpecularChains: chains,
	}, nil
}

type rayEmission struct {
	rayIndex int
	impulse  Impulse
}

func sortEmissions(e []rayEmission) {
	// Insertion sort on ray index; emission counts per batch are small and
	// nearly sorted already.
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && e[j-1].rayIndex > e[j].rayIndex; j-- {
			e[j-1], e[j] = e[j], e[j-1]
		}
	}
}

func chainKey(chain []uint32) uint64 {
	d := xxhash.New()
	var scratch [4]byte
	for _, t := range chain {
		binary.LittleEndian.PutUint32(scratch[:], t)
		_, _ = d.Write(scratch[:])
	}
	return d.Sum64()
}

// traceBounce advances one ray by one reflection and returns any impulses
// it emitted toward the receiver.
func traceBounce(st *rayState, rng *rand.Rand, scene *VoxelisedScene, receiver mgl64.Vec3, params RaytracerParams, env Environment, rayEnergy Real, weights MISWeights, bounce int) []Impulse {
	hit, ok := scene.Traverse(st.ray, st.prevTri)
	if !ok {
		st.alive = false
		st.refl = Reflection{}
		return nil
	}

	hitPoint := st.ray.Position.Add(st.ray.Direction.Mul(hit.T))
	tri := scene.Scene.TriangleVerts(int(hit.Triangle))
	surface := scene.Scene.TriangleSurface(int(hit.Triangle))

	normal := tri.Normal()
	specular := reflectDir(st.ray.Direction, normal)
	// Face the normal against the incoming ray.
	if normal.Dot(specular) < 0 {
		normal = normal.Mul(-1)
	}

	receiverVisible := scene.LineUnoccluded(hitPoint, receiver, hit.Triangle, noTriangle)

	scatterProb := mgl64.Clamp(surface.Scattering.Mean(), 0, 1)
	u0 := rng.Float64()
	u1 := rng.Float64()
	u2 := rng.Float64()

	outgoing := specular
	samplePDF := 1.0
	cosTheta := math.Abs(st.ray.Direction.Dot(normal))
	sampledDiffuse := scatterProb > 0 && u0 < scatterProb
	if sampledDiffuse {
		outgoing, cosTheta = cosineSampleHemisphere(normal, u1, u2)
		samplePDF = math.Max(lambertPDF(cosTheta), minSamplePDF)
	}

	st.refl = Reflection{
		Position:           hitPoint,
		Triangle:           hit.Triangle,
		ScatterProbability: scatterProb,
		KeepGoing:          true,
		ReceiverVisible:    receiverVisible,
		SampledDiffuse:     sampledDiffuse,
		SamplePDF:          samplePDF,
		CosTheta:           cosTheta,
	}

	// Throughput bookkeeping, mirroring the path-continuation estimator.
	reflectance := absorptionToEnergyReflectance(surface.Absorption)
	outgoingThroughput := st.path.throughput.Mul(reflectance)
	outgoingSpecular := st.path.deterministic.Mul(reflectance)

	diffuseProb := math.Max(scatterProb, minBranchProb)
	specularProb := math.Max(1-scatterProb, minBranchProb)

	rainEnergy := scatteredComponent(outgoingSpecular, surface.Scattering)
	specularChain := specularComponent(outgoingSpecular, surface.Scattering)

	var continuation Bands
	if sampledDiffuse {
		// MIS-corrected Lambert BRDF weighting for the sampled lobe.
		brdf := reflectance.Mul(surface.Scattering).Scale(1 / math.Pi)
		continuation = st.path.throughput.Mul(brdf).Scale(cosTheta / samplePDF).Scale(1 / diffuseProb)
	} else {
		continuation = specularComponent(outgoingThroughput, surface.Scattering).Scale(1 / specularProb)
	}

	lastPosition := st.path.position
	thisDistance := st.path.distance + lastPosition.Sub(hitPoint).Len()

	var out []Impulse

	// Diffuse rain per Schroeder 5.20: scattered energy radiated toward
	// the receiver sphere under Lambert's cosine law.
	if receiverVisible && sampledDiffuse {
		toReceiver := receiver.Sub(hitPoint)
		dRx := toReceiver.Len()
		dTot := thisDistance + dRx

		sinY := params.ReceiverRadius / math.Max(params.ReceiverRadius, dRx)
		angleCorrection := 1 - math.Sqrt(math.Max(0, 1-sinY*sinY))
		cosAlpha := math.Abs(normal.Dot(toReceiver.Mul(1 / math.Max(dRx, 1e-12))))
		invDistSq := 1 / math.Max(dRx*dRx, minDistance)

		volume := rainEnergy.Scale(rayEnergy * angleCorrection * 2 * cosAlpha * invDistSq)
		out = append(out, Impulse{Volume: volume, Position: hitPoint, Distance: dTot})
	}

	// Specular receiver-sphere crossings, MIS-weighted while the
	// image-source tracer still covers this order.
	if !sampledDiffuse && segmentHitsSphere(lastPosition, hitPoint, receiver, params.ReceiverRadius) {
		w := 1.0
		if uint32(bounce) <= params.MaxImageSourceOrder {
			w = weights.PathTracer
		}
		if w > 0 {
			dTot := st.path.distance + lastPosition.Sub(receiver).Len()
			volume := st.path.deterministic.Scale(rayEnergy * w)
			out = append(out, Impulse{Volume: volume, Position: receiver, Distance: dTot})
		}
	}

	// Extend the specular chain feeding the image-source tree.
	if st.specular && !sampledDiffuse {
		if uint32(len(st.specChain)) < params.MaxImageSourceOrder {
			st.specChain = append(st.specChain, hit.Triangle)
		}
	} else {
		st.specular = false
	}

	st.path = stochasticPathInfo{
		throughput:    continuation,
		deterministic: specularChain,
		position:      hitPoint,
		distance:      thisDistance,
	}
	st.prevTri = hit.Triangle
	st.ray = Ray{
		Position:  hitPoint.Add(outgoing.Mul(rayBumpShift)),
		Direction: outgoing,
	}

	// Terminate once the surviving specular energy is negligible.
	if st.path.deterministic.MaxAbs() < 1e-12 && st.path.throughput.MaxAbs() < 1e-12 {
		st.alive = false
		st.refl.KeepGoing = false
	}
	return out
}

// segmentHitsSphere tests whether the open segment a->b passes within
// radius of centre.
func segmentHitsSphere(a, b, centre mgl64.Vec3, radius Real) bool {
	if radius <= 0 {
		return false
	}
	ab := b.Sub(a)
	lenSq := ab.Dot(ab)
	if lenSq < 1e-18 {
		return false
	}
	t := mgl64.Clamp(centre.Sub(a).Dot(ab)/lenSq, 0, 1)
	closest := a.Add(ab.Mul(t))
	return closest.Sub(centre).Len() <= radius
}
