package phiverb

import "math"

// Reverb-time estimates and measurement. The statistical formulas bound
// the expected decay of a render; the EDC path measures what a rendered
// impulse response actually does.

// sceneAbsorptionArea returns the total triangle area and the triangle area
// weighted by per-band absorption.
func sceneAbsorptionArea(scene *SceneData) (totalArea Real, absorbedArea Bands) {
	for i := range scene.Triangles {
		tv := scene.TriangleVerts(i)
		area := tv.V1.Sub(tv.V0).Cross(tv.V2.Sub(tv.V0)).Len() / 2
		totalArea += area
		absorption := scene.TriangleSurface(i).Absorption
		for b := range absorbedArea {
			absorbedArea[b] += area * absorption[b]
		}
	}
	return totalArea, absorbedArea
}

// SabineReverbTime returns the per-band Sabine T60 for the scene.
func SabineReverbTime(scene *SceneData, roomVolume, speedOfSound Real) Bands {
	_, absorbed := sceneAbsorptionArea(scene)
	var out Bands
	factor := 24 * math.Ln10 / speedOfSound
	for b := range out {
		out[b] = factor * roomVolume / math.Max(absorbed[b], 1e-9)
	}
	return out
}

// EyringReverbTime returns the per-band Eyring T60, which stays finite as
// absorption approaches one.
func EyringReverbTime(scene *SceneData, roomVolume, speedOfSound Real) Bands {
	total, absorbed := sceneAbsorptionArea(scene)
	var out Bands
	factor := 24 * math.Ln10 / speedOfSound
	for b := range out {
		mean := absorbed[b] / math.Max(total, 1e-9)
		if mean >= 1 {
			mean = 1 - 1e-9
		}
		denom := -total * math.Log(1-mean)
		out[b] = factor * roomVolume / math.Max(denom, 1e-9)
	}
	return out
}

// EnergyDecayCurve is the Schroeder backward integration of the squared
// impulse response, in dB relative to the total energy.
func EnergyDecayCurve(ir []float32) []float64 {
	if len(ir) == 0 {
		return nil
	}
	out := make([]float64, len(ir))
	acc := 0.0
	for i := len(ir) - 1; i >= 0; i-- {
		v := float64(ir[i])
		acc += v * v
		out[i] = acc
	}
	total := out[0]
	if total <= 0 {
		for i := range out {
			out[i] = math.Inf(-1)
		}
		return out
	}
	for i := range out {
		out[i] = 10 * math.Log10(out[i]/total)
	}
	return out
}

// T30 fits the decay between -5 dB and -35 dB and extrapolates to 60 dB.
// Returns 0 when the response never reaches -35 dB.
func T30(ir []float32, sampleRate Real) Real {
	edc := EnergyDecayCurve(ir)
	begin, end := -1, -1
	for i, v := range edc {
		if begin < 0 && v <= -5 {
			begin = i
		}
		if v <= -35 {
			end = i
			break
		}
	}
	if begin < 0 || end <= begin {
		return 0
	}
	// Least-squares slope over the fit range.
	n := float64(end - begin + 1)
	var sx, sy, sxx, sxy float64
	for i := begin; i <= end; i++ {
		x := float64(i-begin) / sampleRate
		y := edc[i]
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	denom := n*sxx - sx*sx
	if denom <= 0 {
		return 0
	}
	slope := (n*sxy - sx*sy) / denom // dB per second, negative
	if slope >= 0 {
		return 0
	}
	return -60 / slope
}
