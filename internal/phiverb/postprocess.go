package phiverb

import (
	"math"

	"github.com/dh1tw/gosamplerate"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Frequency-domain filtering. All magnitude functions take frequencies as
// fractions of the sample rate (0..0.5) and are applied zero-phase so
// impulse positions survive filtering.

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// fftApplyMagnitude multiplies the spectrum of signal by mag(freqRatio).
func fftApplyMagnitude(signal []float64, mag func(ratio float64) float64) []float64 {
	if len(signal) == 0 {
		return nil
	}
	n := nextPow2(len(signal)) << 2
	padded := make([]float64, n)
	copy(padded, signal)

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, padded)
	for i := range coeffs {
		ratio := float64(i) / float64(n)
		coeffs[i] *= complex(mag(ratio), 0)
	}
	seq := fft.Sequence(nil, coeffs)
	out := make([]float64, len(signal))
	scale := 1 / float64(n)
	for i := range out {
		out[i] = seq[i] * scale
	}
	return out
}

// computeLopassMagnitude is 1 below the transition band around the cutoff
// and 0 above it, with a raised-cosine ramp between. width is an absolute
// half-width in normalised frequency; wide transitions sound more natural
// than sharp ones here.
func computeLopassMagnitude(ratio, cutoff, width float64) float64 {
	lo := cutoff - width
	hi := cutoff + width
	if ratio <= lo {
		return 1
	}
	if ratio >= hi {
		return 0
	}
	x := (ratio - lo) / (hi - lo)
	return 0.5 * (1 + math.Cos(math.Pi*x))
}

// computeHipassMagnitude is the matched complement, so the pair sums to
// one across the crossover.
func computeHipassMagnitude(ratio, cutoff, width float64) float64 {
	return 1 - computeLopassMagnitude(ratio, cutoff, width)
}

// bandMagnitude is a soft rectangular window between the band edges, with
// transition widths proportional to each edge so the octaves stay apart.
func bandMagnitude(ratio, loEdge, hiEdge float64) float64 {
	return computeHipassMagnitude(ratio, loEdge, 0.3*loEdge) *
		computeLopassMagnitude(ratio, hiEdge, 0.3*hiEdge)
}

// multibandFilterAndMixdown bandlimits each band signal to its octave and
// sums the results.
func multibandFilterAndMixdown(bands [NumBands][]float64, sampleRate Real) []float32 {
	length := 0
	for _, b := range bands {
		if len(b) > length {
			length = len(b)
		}
	}
	if length == 0 {
		return nil
	}
	mix := make([]float64, length)
	for b := 0; b < NumBands; b++ {
		if len(bands[b]) == 0 {
			continue
		}
		loEdge := bandEdgesHz[b] / sampleRate
		hiEdge := bandEdgesHz[b+1] / sampleRate
		filtered := fftApplyMagnitude(bands[b], func(r float64) float64 {
			return bandMagnitude(r, loEdge, hiEdge)
		})
		for i, v := range filtered {
			mix[i] += v
		}
	}
	out := make([]float32, length)
	for i, v := range mix {
		out[i] = float32(v)
	}
	return out
}

// renderImpulses bins the image-source impulse list into per-band signals
// at the output rate and mixes them down through the octave filters.
func renderImpulses(impulses []Impulse, speedOfSound, outputRate, maxTime Real) []float32 {
	if len(impulses) == 0 {
		return nil
	}
	length := int(math.Ceil(maxTime * outputRate))
	for _, imp := range impulses {
		idx := int(math.Floor(imp.Distance / speedOfSound * outputRate))
		if idx+1 > length {
			length = idx + 1
		}
	}
	if length < 1 {
		return nil
	}
	var bands [NumBands][]float64
	for b := range bands {
		bands[b] = make([]float64, length)
	}
	for _, imp := range impulses {
		idx := int(math.Floor(imp.Distance / speedOfSound * outputRate))
		if idx < 0 || idx >= length {
			continue
		}
		for b := 0; b < NumBands; b++ {
			bands[b][idx] += imp.Volume[b]
		}
	}
	return multibandFilterAndMixdown(bands, outputRate)
}

// resampleBand converts the waveguide pressure to the output rate with
// libsamplerate's best sinc converter.
func resampleBand(pressure []float32, fromRate, toRate Real) ([]float32, error) {
	if len(pressure) == 0 {
		return nil, nil
	}
	ratio := toRate / fromRate
	if math.Abs(ratio-1) < 1e-12 {
		out := make([]float32, len(pressure))
		copy(out, pressure)
		return out, nil
	}
	out, err := gosamplerate.Simple(pressure, ratio, 1, gosamplerate.SRC_SINC_BEST_QUALITY)
	if err != nil {
		return nil, engineErrorf(ErrInvalidConfiguration, "resampling waveguide band: %v", err)
	}
	return out, nil
}

// crossoverFilter lowpasses the waveguide signal and highpasses the ray
// tracer signal with matched magnitudes, then sums.
func crossoverFilter(lo, hi []float32, cutoff, width float64) []float32 {
	length := imax(len(lo), len(hi))
	if length == 0 {
		return nil
	}
	loF := make([]float64, length)
	hiF := make([]float64, length)
	for i, v := range lo {
		loF[i] = float64(v)
	}
	for i, v := range hi {
		hiF[i] = float64(v)
	}
	loFiltered := fftApplyMagnitude(loF, func(r float64) float64 {
		return computeLopassMagnitude(r, cutoff, width)
	})
	hiFiltered := fftApplyMagnitude(hiF, func(r float64) float64 {
		return computeHipassMagnitude(r, cutoff, width)
	})
	out := make([]float32, length)
	for i := range out {
		out[i] = float32(loFiltered[i] + hiFiltered[i])
	}
	return out
}

// leftHanning rises from zero at n=0 to one at n=length.
func leftHanning(length int) []float64 {
	out := make([]float64, length)
	for n := range out {
		out[n] = 0.5 * (1 - math.Cos(math.Pi*float64(n)/float64(length)))
	}
	return out
}

func maxMag(signal []float32) float64 {
	m := 0.0
	for _, v := range signal {
		if a := math.Abs(float64(v)); a > m {
			m = a
		}
	}
	return m
}

func hasEnergy(signal []float32) bool {
	return maxMag(signal) > silentLevel
}

// injectDirectImpulse adds the free-field direct-path impulse used by the
// silent-output fallback. Returns the (possibly grown) signal.
func injectDirectImpulse(signal []float32, distance, outputRate, speedOfSound Real) []float32 {
	arrival := distance / speedOfSound * outputRate
	if !isFinite(arrival) || arrival < 0 {
		arrival = 0
	}
	idx := int(math.Floor(arrival))
	for len(signal) <= idx {
		signal = append(signal, 0)
	}
	if !isFinite32(signal[idx]) {
		signal[idx] = 0
	}
	signal[idx] += float32(1 / math.Max(distance, minDistance))
	return signal
}
