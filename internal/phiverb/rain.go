package phiverb

import (
	"math"
	"math/rand"
)

// Diffuse-rain reconstruction: the stochastic histogram stores energy per
// coarse bin; playback needs a pressure signal at the output rate. A
// Poisson Dirac sequence whose event rate follows the room's echo density
// is weighted bin by bin so its energy envelope matches the histogram.

// DiracSequence is a sparse +/-1 sequence at the output sample rate.
type DiracSequence struct {
	Sequence   []float64
	SampleRate Real
}

func constantMeanEventOccurrence(speedOfSound, roomVolume Real) Real {
	return 4 * math.Pi * math.Pow(speedOfSound, 3) / math.Max(roomVolume, 1e-6)
}

func meanEventOccurrence(constant, t Real) Real {
	return math.Min(constant*t*t, maxRainEventRate)
}

// generateDiracSequence seeds its own RNG so the reconstruction is
// reproducible for a fixed simulation seed.
func generateDiracSequence(speedOfSound, roomVolume, sampleRate, maxTime Real, seed uint64) DiracSequence {
	constant := constantMeanEventOccurrence(speedOfSound, roomVolume)
	rng := rand.New(rand.NewSource(splitSeed(seed, 0x5eed)))

	n := int(math.Ceil(maxTime * sampleRate))
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)

	t := math.Cbrt(2 * math.Ln2 / constant)
	for t < maxTime {
		idx := int(t * sampleRate)
		if idx >= 0 && idx < n {
			if rng.Float64() < 0.5 {
				out[idx] = -1
			} else {
				out[idx] = 1
			}
		}
		rate := meanEventOccurrence(constant, t)
		if rate <= 0 {
			break
		}
		u := math.Max(rng.Float64(), 1e-12)
		t += -math.Log(u) / rate
	}
	return DiracSequence{Sequence: out, SampleRate: sampleRate}
}

// weightSequence scales the Dirac sequence so each histogram bin's energy
// is reproduced, split across bands with sqrt(bandwidth/Nyquist) weights.
// Returns one signal per band.
func weightSequence(hist *EnergyHistogram, seq DiracSequence, acousticImpedance Real) [NumBands][]float64 {
	var out [NumBands][]float64
	for b := range out {
		out[b] = make([]float64, len(seq.Sequence))
	}
	if hist == nil || hist.SampleRate <= 0 {
		return out
	}

	nyquist := math.Max(seq.SampleRate*0.5, 1)
	var sqrtBandwidthFractions [NumBands]Real
	for b := 0; b < NumBands; b++ {
		fraction := math.Max((bandEdgesHz[b+1]-bandEdgesHz[b])/nyquist, 0)
		sqrtBandwidthFractions[b] = math.Sqrt(fraction)
	}

	convertIndex := func(bin int) int {
		return imin(int(Real(bin)*seq.SampleRate/hist.SampleRate), len(seq.Sequence))
	}

	for bin := range hist.Bins {
		beg := convertIndex(bin)
		end := convertIndex(bin + 1)
		if beg >= end {
			continue
		}
		squaredSum := 0.0
		for i := beg; i < end; i++ {
			squaredSum += seq.Sequence[i] * seq.Sequence[i]
		}
		if squaredSum == 0 {
			continue
		}
		for b := 0; b < NumBands; b++ {
			pressure := intensityToPressure(hist.Bins[bin][b]/squaredSum, acousticImpedance)
			scale := pressure * sqrtBandwidthFractions[b]
			for i := beg; i < end; i++ {
				out[b][i] = seq.Sequence[i] * scale
			}
		}
	}
	return out
}

// postprocessRain renders the histogram to a single pressure signal at the
// output rate.
func postprocessRain(hist *EnergyHistogram, env Environment, roomVolume, outputRate Real, seed uint64) []float32 {
	if hist == nil || len(hist.Bins) == 0 {
		return nil
	}
	seq := generateDiracSequence(env.SpeedOfSound, roomVolume, outputRate, hist.MaxTime(), seed)
	weighted := weightSequence(hist, seq, env.AcousticImpedance)
	return multibandFilterAndMixdown(weighted, outputRate)
}
