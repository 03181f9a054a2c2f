package phiverb

import (
	"math"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
)

// WaveguideBand is the raw output of one waveguide run: per-step pressure
// and axial intensity at the receiver, at the mesh update rate, valid up to
// MaxValidHz.
type WaveguideBand struct {
	Pressure   []float32
	Intensity  []mgl64.Vec3
	SampleRate Real
	MaxValidHz Real
}

// directionalReceiver integrates velocity from the pressure gradient around
// the receiver node and records (intensity, pressure) per step.
type directionalReceiver struct {
	desc      *MeshDescriptor
	node      uint32
	velocity  mgl64.Vec3
	scale     Real // 1 / (ambient density * sample rate * spacing)
	pressure  []float32
	intensity []mgl64.Vec3
}

func newDirectionalReceiver(desc *MeshDescriptor, node uint32, ambientDensity, sampleRate Real) *directionalReceiver {
	return &directionalReceiver{
		desc:  desc,
		node:  node,
		scale: 1 / (ambientDensity * sampleRate * desc.Spacing),
	}
}

func (r *directionalReceiver) consume(current []float32) {
	p := Real(current[r.node])

	// Six-port pressure differences give the gradient estimate.
	var grad mgl64.Vec3
	for axis := 0; axis < 3; axis++ {
		var lo, hi Real
		if nb := r.desc.Neighbor(r.node, axis*2); nb != noNeighbor {
			lo = Real(current[nb])
		}
		if nb := r.desc.Neighbor(r.node, axis*2+1); nb != noNeighbor {
			hi = Real(current[nb])
		}
		grad[axis] = (hi - lo) / 2
	}
	r.velocity = r.velocity.Sub(grad.Mul(r.scale))
	r.pressure = append(r.pressure, float32(p))
	r.intensity = append(r.intensity, r.velocity.Mul(p))
}

// waveguideRunParams collects everything one waveguide run needs beyond
// the mesh itself.
type waveguideRunParams struct {
	source         mgl64.Vec3
	receiver       mgl64.Vec3
	environment    Environment
	simulationTime Real
	usableFraction Real
}

// runWaveguide drives one complete simulation. The returned band is nil
// only alongside a non-nil error.
func runWaveguide(cfg RuntimeConfig, mesh *Mesh, params waveguideRunParams, keepGoing *atomic.Bool, progress func(step, total int, pressures []float32)) (*WaveguideBand, error) {
	sampleRate := mesh.SampleRate(params.environment.SpeedOfSound)

	findNode := func(p mgl64.Vec3, kind string) (uint32, error) {
		node := mesh.Descriptor.NearestNode(p)
		if !mesh.IsInside(node) {
			return 0, engineErrorf(kind, "position %v maps to a non-interior node", p)
		}
		return node, nil
	}
	srcNode, err := findNode(params.source, ErrSourceOutside)
	if err != nil {
		return nil, err
	}
	recvNode, err := findNode(params.receiver, ErrReceiverOutside)
	if err != nil {
		return nil, err
	}

	totalSteps := int(math.Ceil(sampleRate * params.simulationTime))
	if totalSteps < 1 {
		totalSteps = 1
	}
	if cfg.MaxSteps > 0 && uint64(totalSteps) > cfg.MaxSteps {
		totalSteps = int(cfg.MaxSteps)
	}

	signal := designPCSKernel(totalSteps, params.environment, sampleRate, mesh.Descriptor.Spacing)

	backend, err := selectBackend(cfg)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	mesh.ResetFilterMemories()
	if err := backend.Setup(mesh); err != nil {
		return nil, err
	}
	if err := CheckLayoutParity(backend); err != nil {
		return nil, err
	}

	receiver := newDirectionalReceiver(&mesh.Descriptor, recvNode,
		params.environment.AmbientDensity, sampleRate)
	field := make([]float32, mesh.Descriptor.NumNodes())

	completed := 0
	for step := 0; step < totalSteps; step++ {
		if keepGoing != nil && !keepGoing.Load() {
			return nil, engineErrorf(ErrCancelled,
				"waveguide cancelled after %d of %d steps", completed, totalSteps)
		}
		if step < len(signal) && signal[step] != 0 {
			if err := backend.AddPressure(srcNode, signal[step]); err != nil {
				return nil, err
			}
		}
		flags, err := backend.Step(uint32(step))
		if err != nil {
			return nil, err
		}
		if flags != 0 {
			if ee := errorFromFlags(flags, backend.Diagnostics()); ee != nil {
				return nil, ee
			}
		}
		if err := backend.ReadPressure(field); err != nil {
			return nil, err
		}
		receiver.consume(field)
		if progress != nil && (step%progressStride == 0 || step == totalSteps-1) {
			progress(step, totalSteps, field)
		}
		completed++
	}

	usable := params.usableFraction
	if usable <= 0 || usable > 1 {
		usable = defaultUsableFraction
	}
	return &WaveguideBand{
		Pressure:   receiver.pressure,
		Intensity:  receiver.intensity,
		SampleRate: sampleRate,
		MaxValidHz: sampleRate * usable,
	}, nil
}
