package phiverb

import "math"

// Biquad holds one second-order section, a0 normalised to 1.
type Biquad struct {
	B0, B1, B2 Real
	A1, A2     Real
}

// processSample runs one Direct Form II Transposed step.
func (s *Biquad) processSample(x Real, d *[2]Real) Real {
	y := s.B0*x + d[0]
	d[0] = s.B1*x - s.A1*y + d[1]
	d[1] = s.B2*x - s.A2*y
	return y
}

// rbjPeak returns an RBJ cookbook peaking-EQ section. centre is a
// normalised frequency (f/fs), gainDB the peak gain, q the quality.
func rbjPeak(centre, gainDB, q Real) Biquad {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * clampRatio(centre)
	cw0 := math.Cos(w0)
	sw0 := math.Sin(w0)
	alpha := sw0 / 2 * q
	a0 := 1 + alpha/a
	return Biquad{
		B0: (1 + alpha*a) / a0,
		B1: (-2 * cw0) / a0,
		B2: (1 - alpha*a) / a0,
		A1: (-2 * cw0) / a0,
		A2: (1 - alpha/a) / a0,
	}
}

// rbjHighpass returns an RBJ highpass section.
func rbjHighpass(centre, q Real) Biquad {
	w0 := 2 * math.Pi * clampRatio(centre)
	cw0 := math.Cos(w0)
	sw0 := math.Sin(w0)
	alpha := sw0 / (2 * q)
	a0 := 1 + alpha
	return Biquad{
		B0: ((1 + cw0) / 2) / a0,
		B1: (-(1 + cw0)) / a0,
		B2: ((1 + cw0) / 2) / a0,
		A1: (-2 * cw0) / a0,
		A2: (1 - alpha) / a0,
	}
}

func clampRatio(r Real) Real {
	if r < 1e-6 {
		return 1e-6
	}
	if r > 0.499 {
		return 0.499
	}
	return r
}

// Magnitude evaluates |H| of the section at normalised frequency f/fs.
func (s Biquad) Magnitude(ratio Real) Real {
	w := 2 * math.Pi * ratio
	re := func(c []Real) (Real, Real) {
		rr, ri := 0.0, 0.0
		for k, v := range c {
			rr += v * math.Cos(-w*Real(k))
			ri += v * math.Sin(-w*Real(k))
		}
		return rr, ri
	}
	nr, ni := re([]Real{s.B0, s.B1, s.B2})
	dr, di := re([]Real{1, s.A1, s.A2})
	return math.Hypot(nr, ni) / math.Max(math.Hypot(dr, di), 1e-30)
}

// CoefficientsCanonical is the convolution of up to three biquads stored as
// one numerator/denominator pair. Two trailing cells pad the storage to the
// accelerator's alignment.
type CoefficientsCanonical struct {
	B [canonicalStorage]FiltReal
	A [canonicalStorage]FiltReal
}

// MemoryCanonical is the matching DF2T delay line.
type MemoryCanonical struct {
	Array [canonicalStorage]FiltReal
}

// IdentityCoefficients passes pressure through unchanged.
func IdentityCoefficients() CoefficientsCanonical {
	var c CoefficientsCanonical
	c.B[0] = 1
	c.A[0] = 1
	return c
}

// convolvePoly multiplies two polynomial coefficient slices.
func convolvePoly(a, b []Real) []Real {
	out := make([]Real, len(a)+len(b)-1)
	for i, av := range a {
		for j, bv := range b {
			out[i+j] += av * bv
		}
	}
	return out
}

// ConvolveBiquads collapses three sections into canonical form.
func ConvolveBiquads(sections [biquadSections]Biquad) CoefficientsCanonical {
	b := []Real{1}
	a := []Real{1}
	for _, s := range sections {
		b = convolvePoly(b, []Real{s.B0, s.B1, s.B2})
		a = convolvePoly(a, []Real{1, s.A1, s.A2})
	}
	var c CoefficientsCanonical
	for i := 0; i <= canonicalOrder; i++ {
		c.B[i] = FiltReal(b[i])
		c.A[i] = FiltReal(a[i])
	}
	return c
}

// canonicalStep advances the DF2T recurrence of the canonical filter and
// returns the output sample. It mirrors the accelerator kernel exactly,
// including the a0 guard, so host and device filters agree bit-for-bit in
// float32.
func canonicalStep(input FiltReal, m *MemoryCanonical, c *CoefficientsCanonical) FiltReal {
	a0 := c.A[0]
	b0 := c.B[0]
	denom0 := a0
	if !(math.Abs(float64(a0)) > minB0) {
		denom0 = 1
	}
	output := (input*b0 + m.Array[0]) / denom0
	for i := 0; i != canonicalOrder-1; i++ {
		var b, a FiltReal
		if c.B[i+1] != 0 {
			b = c.B[i+1] * input
		}
		if c.A[i+1] != 0 {
			a = c.A[i+1] * output
		}
		m.Array[i] = b - a + m.Array[i+1]
	}
	var bLast, aLast FiltReal
	if c.B[canonicalOrder] != 0 {
		bLast = c.B[canonicalOrder] * input
	}
	if c.A[canonicalOrder] != 0 {
		aLast = c.A[canonicalOrder] * output
	}
	m.Array[canonicalOrder-1] = bLast - aLast
	return output
}

// isStableDenominator runs the Jury/Schur-Cohn recursion on the denominator
// polynomial. Coefficients beyond the last non-zero entry are ignored.
func isStableDenominator(a [canonicalStorage]FiltReal) bool {
	// Trim trailing zeros and normalise.
	n := canonicalOrder
	for n > 0 && a[n] == 0 {
		n--
	}
	if n == 0 {
		return true
	}
	if a[0] == 0 || !isFinite32(a[0]) {
		return false
	}
	poly := make([]Real, n+1)
	for i := 0; i <= n; i++ {
		if !isFinite32(a[i]) {
			return false
		}
		poly[i] = float64(a[i]) / float64(a[0])
	}
	for len(poly) > 1 {
		k := poly[len(poly)-1]
		if math.Abs(k) >= 1 {
			return false
		}
		next := make([]Real, len(poly)-1)
		denom := 1 - k*k
		for i := range next {
			next[i] = (poly[i] - k*poly[len(poly)-1-i]) / denom
		}
		poly = next
	}
	return true
}

// computeReflectanceFilterCoefficients fits a three-section peaking cascade
// to the per-band pressure reflectance of the surface. sampleRate is the
// mesh update rate; band centres above Nyquist collapse onto the top
// usable octave.
func computeReflectanceFilterCoefficients(absorption Bands, sampleRate Real) CoefficientsCanonical {
	reflectance := absorptionToPressureReflectance(absorption)

	db := func(v Real) Real { return 20 * math.Log10(math.Max(v, 1e-6)) }

	overall := 0.0
	for _, r := range reflectance {
		overall += db(r)
	}
	overall /= NumBands

	regionGain := func(lo, hi int) Real {
		sum := 0.0
		for i := lo; i <= hi; i++ {
			sum += db(reflectance[i])
		}
		return sum/Real(hi-lo+1) - overall
	}

	centre := func(lo, hi int) Real {
		return clampRatio(math.Sqrt(bandCentresHz[lo]*bandCentresHz[hi]) / sampleRate)
	}

	sections := [biquadSections]Biquad{
		rbjPeak(centre(0, 2), regionGain(0, 2), pcsLowQ),
		rbjPeak(centre(3, 5), regionGain(3, 5), pcsLowQ),
		rbjPeak(centre(6, 7), regionGain(6, 7), pcsLowQ),
	}

	c := ConvolveBiquads(sections)
	gain := FiltReal(math.Pow(10, overall/20))
	for i := range c.B {
		c.B[i] *= gain
	}
	return c
}

// toImpedanceCoefficients converts a reflectance filter R(z) into the
// boundary impedance form used by the ghost-point update:
// numerator = a + b, denominator = a - b.
func toImpedanceCoefficients(r CoefficientsCanonical) CoefficientsCanonical {
	var out CoefficientsCanonical
	for i := range out.B {
		out.B[i] = r.A[i] + r.B[i]
		out.A[i] = r.A[i] - r.B[i]
	}
	return out
}

// sanitiseCoefficients enforces the |b0| floor and replaces unstable or
// non-finite sets with the identity filter.
func sanitiseCoefficients(c CoefficientsCanonical) CoefficientsCanonical {
	allZero := true
	for i := 0; i < canonicalStorage; i++ {
		if !isFinite32(c.A[i]) || !isFinite32(c.B[i]) {
			return IdentityCoefficients()
		}
		if c.A[i] != 0 || c.B[i] != 0 {
			allZero = false
		}
	}
	if allZero {
		return IdentityCoefficients()
	}
	if math.Abs(float64(c.B[0])) < minB0 {
		return IdentityCoefficients()
	}
	if !isStableDenominator(c.A) {
		return IdentityCoefficients()
	}
	return c
}
