package phiverb

import (
	"math"
	"sync"
)

// The pressure-controlled source models a small driven sphere. Its kernel
// is shaped for the sphere size, highpassed to strip DC, deconvolved
// against the mesh's free-field response so only the room contribution
// appears at the receiver, and finally scaled for the rectilinear scheme.

// transparencyWindow bounds the deconvolution length; beyond it the
// free-field correction is negligible.
const transparencyWindow = 48

var (
	freeFieldOnce sync.Once
	freeFieldResp []float32
)

// meshFreeFieldResponse measures the open mesh's response at the source
// node to a unit injection. The response is in node units, so it is
// independent of grid spacing and computed once per process.
func meshFreeFieldResponse() []float32 {
	freeFieldOnce.Do(func() {
		steps := transparencyWindow
		// Large enough that no edge reflection returns within the window.
		half := int(math.Ceil(0.6*float64(steps))) + 2
		side := 2*half + 1
		desc := MeshDescriptor{Dim: [3]int{side, side, side}, Spacing: 1}
		nodes := make([]CondensedNode, desc.NumNodes())
		for i := range nodes {
			nodes[i].BoundaryType = idInside
		}
		m := &Mesh{Descriptor: desc, Nodes: nodes}

		be := newCPUBackend(DefaultRuntimeConfig())
		if err := be.Setup(m); err != nil {
			freeFieldResp = []float32{1}
			return
		}
		centre := desc.Index(half, half, half)
		_ = be.AddPressure(centre, 1)

		resp := make([]float32, steps)
		buf := make([]float32, desc.NumNodes())
		// The injected sample itself is the zero-lag response.
		resp0 := float32(1)
		for s := 0; s < steps; s++ {
			if s == 0 {
				resp[0] = resp0
				continue
			}
			if _, err := be.Step(uint32(s)); err != nil {
				break
			}
			_ = be.ReadPressure(buf)
			resp[s] = buf[centre]
		}
		freeFieldResp = resp
	})
	return freeFieldResp
}

// makeTransparent deconvolves the kernel against the free-field response:
// injecting the result into an open mesh reproduces the kernel at the
// source node, so reflections are all that remains in a closed room.
func makeTransparent(kernel []float32) []float32 {
	h := meshFreeFieldResponse()
	if len(h) == 0 || h[0] == 0 {
		out := make([]float32, len(kernel))
		copy(out, kernel)
		return out
	}
	out := make([]float32, len(kernel))
	for i := range kernel {
		acc := kernel[i]
		for j := 1; j < len(h) && j <= i; j++ {
			acc -= h[j] * out[i-j]
		}
		out[i] = acc / h[0]
	}
	return out
}

// rectilinearCalibrationFactor converts the source's volume-velocity pulse
// into a node pressure increment for the 6-port rectilinear scheme.
func rectilinearCalibrationFactor(spacing, acousticImpedance Real) Real {
	return math.Sqrt(3) * spacing / acousticImpedance
}

// designPCSKernel builds the injection signal: a sphere-sized raised-cosine
// pulse, highpassed at 100 Hz / Q 0.7, made transparent, calibrated, and
// clamped. The result is padded with zeros to steps samples.
func designPCSKernel(steps int, env Environment, sampleRate, spacing Real) []float32 {
	if steps <= 0 {
		return nil
	}
	kernelLength := imin(steps, maxPCSKernelLength)
	if kernelLength < 1 {
		kernelLength = 1
	}

	// Raised-cosine pulse spanning the sphere crossing time.
	pulseWidth := imax(2, int(math.Round(2*pcsRadiusMeters/env.SpeedOfSound*sampleRate)))
	pulseWidth = imin(pulseWidth, kernelLength)
	raw := make([]float64, kernelLength)
	for n := 0; n < pulseWidth; n++ {
		raw[n] = 0.5 * (1 - math.Cos(2*math.Pi*float64(n+1)/float64(pulseWidth+1)))
	}

	// The pulse drives the sphere mass; the mechanical highpass strips the
	// DC the driver cannot sustain.
	hp := rbjHighpass(pcsLowCutoffHz/sampleRate, pcsLowQ)
	var d [2]Real
	accel := 1 / (pcsSphereMassKg * sampleRate)
	for n := range raw {
		raw[n] = hp.processSample(raw[n]*accel, &d)
	}

	asF32 := make([]float32, kernelLength)
	for n := range raw {
		asF32[n] = float32(raw[n])
	}
	signal := makeTransparent(asF32)

	out := make([]float32, steps)
	copy(out, signal)

	calibration := float32(rectilinearCalibrationFactor(spacing, env.AcousticImpedance))
	for n := range out {
		if !isFinite32(out[n]) {
			out[n] = 0
			continue
		}
		v := out[n] * calibration
		if v > sourceGuardLevel {
			v = sourceGuardLevel
		}
		if v < -sourceGuardLevel {
			v = -sourceGuardLevel
		}
		out[n] = v
	}
	return out
}
