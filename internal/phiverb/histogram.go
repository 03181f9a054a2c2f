package phiverb

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl64"
)

// EnergyHistogram accumulates per-band energy against arrival time.
type EnergyHistogram struct {
	SampleRate Real
	Bins       []Bands
}

func NewEnergyHistogram(sampleRate Real) *EnergyHistogram {
	return &EnergyHistogram{SampleRate: sampleRate}
}

func (h *EnergyHistogram) binFor(t Real) int {
	idx := int(t * h.SampleRate)
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Add deposits energy at arrival time t, growing the bin array as needed.
func (h *EnergyHistogram) Add(t Real, volume Bands) {
	idx := h.binFor(t)
	for len(h.Bins) <= idx {
		h.Bins = append(h.Bins, Bands{})
	}
	h.Bins[idx] = h.Bins[idx].Add(volume)
}

// Sum merges another histogram into this one.
func (h *EnergyHistogram) Sum(other *EnergyHistogram) {
	if other == nil {
		return
	}
	for len(h.Bins) < len(other.Bins) {
		h.Bins = append(h.Bins, Bands{})
	}
	for i, b := range other.Bins {
		h.Bins[i] = h.Bins[i].Add(b)
	}
	h.SampleRate = other.SampleRate
}

// MaxTime is the time of the last bin.
func (h *EnergyHistogram) MaxTime() Real {
	if h.SampleRate <= 0 {
		return 0
	}
	return Real(len(h.Bins)) / h.SampleRate
}

// Digest hashes the bin contents; two identically seeded runs must agree
// byte for byte.
func (h *EnergyHistogram) Digest() uint64 {
	d := xxhash.New()
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(h.SampleRate))
	_, _ = d.Write(scratch[:])
	for _, bin := range h.Bins {
		for _, v := range bin {
			binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
			_, _ = d.Write(scratch[:])
		}
	}
	return d.Sum64()
}

// Directional histogram: an azimuth/elevation look-up table of histograms,
// for receivers that resolve arrival direction.
const (
	directionalAzimuthDivisions   = 20
	directionalElevationDivisions = 9
)

type DirectionalHistogram struct {
	SampleRate Real
	Table      [directionalAzimuthDivisions][directionalElevationDivisions]*EnergyHistogram
}

func NewDirectionalHistogram(sampleRate Real) *DirectionalHistogram {
	return &DirectionalHistogram{SampleRate: sampleRate}
}

// cellFor maps a pointing direction (towards the arrival) onto the table.
func (d *DirectionalHistogram) cellFor(pointing mgl64.Vec3) (int, int) {
	az := math.Atan2(pointing.Y(), pointing.X()) // [-pi, pi]
	el := math.Asin(mgl64.Clamp(pointing.Z(), -1, 1))

	ai := int((az + math.Pi) / (2 * math.Pi) * directionalAzimuthDivisions)
	if ai >= directionalAzimuthDivisions {
		ai = directionalAzimuthDivisions - 1
	}
	if ai < 0 {
		ai = 0
	}
	ei := int((el + math.Pi/2) / math.Pi * directionalElevationDivisions)
	if ei >= directionalElevationDivisions {
		ei = directionalElevationDivisions - 1
	}
	if ei < 0 {
		ei = 0
	}
	return ai, ei
}

func (d *DirectionalHistogram) Add(pointing mgl64.Vec3, t Real, volume Bands) {
	ai, ei := d.cellFor(pointing)
	if d.Table[ai][ei] == nil {
		d.Table[ai][ei] = NewEnergyHistogram(d.SampleRate)
	}
	d.Table[ai][ei].Add(t, volume)
}

// Flatten sums every cell into a single histogram.
func (d *DirectionalHistogram) Flatten() *EnergyHistogram {
	out := NewEnergyHistogram(d.SampleRate)
	for ai := range d.Table {
		for ei := range d.Table[ai] {
			out.Sum(d.Table[ai][ei])
		}
	}
	return out
}
