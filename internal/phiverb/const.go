package phiverb

import "math"

// Real is the scalar type used by the ray tracer and all host-side geometry.
// The waveguide mesh stores pressure and filter state as float32 so the host
// tables can be uploaded to the accelerator without conversion.
type Real = float64

// FiltReal is the storage type of boundary filter state and coefficients.
type FiltReal = float32

const (
	// NumBands is the number of octave bands carried through the whole
	// pipeline (absorption, scattering, impulse volumes, histograms).
	NumBands = 8

	// Canonical boundary filter: three biquads convolved together.
	biquadOrder      = 2
	biquadSections   = 3
	canonicalOrder   = biquadOrder * biquadSections
	canonicalStorage = canonicalOrder + 2

	// Rectilinear 3D scheme constants.
	courant   = 0.5773502691896258 // 1/sqrt(3)
	courantSq = 1.0 / 3.0

	// Numerical guards used by the boundary update.
	minB0             = 1e-12
	filterMemoryLimit = 1e30

	// Guard word XOR'd with the node index in every boundary header.
	guardMask = 0xA5A5A5A5

	// Sentinel for "no dense boundary entry" in the reverse lookup table.
	noBoundaryEntry = math.MaxUint32

	// PCS source kernel limits.
	maxPCSKernelLength = 1 << 15
	pcsRadiusMeters    = 0.05
	pcsSphereMassKg    = 0.025
	pcsLowCutoffHz     = 100.0
	pcsLowQ            = 0.7
	sourceGuardLevel   = 1.0e6

	// Usable bandwidth of the rectilinear scheme as a fraction of the mesh
	// update rate.
	defaultUsableFraction = 0.196

	// Multiple-importance sampling: pdf assigned to the image-source
	// delta estimator.
	defaultMISDeltaPDF = 1.0e6

	// Diffuse rain event rate ceiling (events/second).
	maxRainEventRate = 1.0e4

	// Postprocessing.
	crossoverWidth = 0.2
	silentLevel    = 1e-15
	minDistance    = 1e-6

	// Ray tracing.
	maxRayBounces  = 128
	minSamplePDF   = 1e-6
	minBranchProb  = 1e-4
	rayBumpShift   = 1e-6
	progressStride = 64
)

// bandCentresHz are the octave-band centres used when designing boundary
// reflectance filters and the multiband mixdown.
var bandCentresHz = [NumBands]float64{
	62.5, 125, 250, 500, 1000, 2000, 4000, 8000,
}

// bandEdgesHz are the NumBands+1 edges bounding each band.
var bandEdgesHz = [NumBands + 1]float64{
	44.2, 88.4, 176.8, 353.6, 707.1, 1414.2, 2828.4, 5656.9, 11313.7,
}
