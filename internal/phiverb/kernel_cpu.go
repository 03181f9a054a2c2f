package phiverb

import (
	"math"
	"runtime"
	"sync"
)

// cpuBackend is the host reference implementation of the waveguide solver.
// It reproduces the accelerator kernels operation for operation in float32
// so that both backends agree bit-for-bit on well-behaved meshes.
type cpuBackend struct {
	mesh *Mesh
	cfg  RuntimeConfig

	previous []float32 // receives the next pressure in place
	current  []float32
	history  []float32 // previous-before-update, read by the boundary pass

	sink    diagSink
	workers int
}

func newCPUBackend(cfg RuntimeConfig) *cpuBackend {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return &cpuBackend{cfg: cfg, workers: workers}
}

func (b *cpuBackend) Name() string { return "cpu" }

func (b *cpuBackend) Setup(m *Mesh) error {
	n := m.Descriptor.NumNodes()
	b.mesh = m
	b.previous = make([]float32, n)
	b.current = make([]float32, n)
	b.history = make([]float32, n)
	b.sink = diagSink{}
	return nil
}

func (b *cpuBackend) AddPressure(node uint32, value float32) error {
	if int(node) >= len(b.current) {
		return engineErrorf(ErrIndexOutOfRange, "source node %d outside mesh", node)
	}
	b.current[node] += value
	return nil
}

func (b *cpuBackend) ReadPressure(dst []float32) error {
	copy(dst, b.current)
	return nil
}

func (b *cpuBackend) Diagnostics() *KernelDiagnostics { return b.sink.diagnostics() }

func (b *cpuBackend) Close() {}

// Step runs one complete update: the pressure pass over every node, then
// the boundary-filter pass, then the buffer rotation. Returns the error
// word accumulated during the step.
func (b *cpuBackend) Step(step uint32) (int32, error) {
	b.sink.step = step
	copy(b.history, b.previous)

	b.parallelNodes(len(b.previous), func(lo, hi int) {
		for n := lo; n < hi; n++ {
			b.pressureUpdate(uint32(n))
		}
	})
	if flags := b.sink.flags(); flags != 0 {
		return flags, nil
	}

	b.boundaryFilterPass()
	if b.cfg.TraceKernels {
		DebugLog("[waveguide][trace] step %d kernels complete", step)
	}

	// Rotate: the buffer that held "previous" now holds the next field.
	b.previous, b.current = b.current, b.previous
	return b.sink.flags(), nil
}

func (b *cpuBackend) parallelNodes(n int, fn func(lo, hi int)) {
	if n < 4096 || b.workers == 1 {
		fn(0, n)
		return
	}
	var wg sync.WaitGroup
	chunk := (n + b.workers - 1) / b.workers
	for w := 0; w < b.workers; w++ {
		lo := w * chunk
		hi := imin(lo+chunk, n)
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// pressureUpdate computes the next pressure of one node from the current
// and previous fields and writes it into the previous buffer in place.
func (b *cpuBackend) pressureUpdate(node uint32) {
	m := b.mesh
	n := m.Nodes[node]
	prev := b.previous[node]

	var next float32
	switch boundaryDim(n.BoundaryType) {
	case 0:
		if n.BoundaryType&(idInside|idReentrant) == 0 {
			// Exterior node: stays zero.
			b.previous[node] = 0
			return
		}
		next = b.interiorUpdate(node, prev)
	case 1:
		next = b.boundaryUpdate(node, n, prev, 1)
	case 2:
		next = b.boundaryUpdate(node, n, prev, 2)
	case 3:
		next = b.boundaryUpdate(node, n, prev, 3)
	default:
		b.sink.orFlags(flagSuspiciousBoundary)
		next = 0
	}

	if math.IsInf(float64(next), 0) {
		b.sink.orFlags(flagInf)
	}
	if math.IsNaN(float64(next)) {
		b.sink.recordPressureNaN(100, node, prev, next)
		b.sink.orFlags(flagNaN)
	}
	if (b.cfg.HaveTraceNode && uint64(node) == b.cfg.TraceNode) ||
		(b.cfg.HaveDebugNode && uint64(node) == b.cfg.DebugNode) {
		DebugLog("node %d step %d: prev=%g curr=%g next=%g",
			node, b.sink.step, prev, b.current[node], next)
	}
	b.previous[node] = next
}

func (b *cpuBackend) interiorUpdate(node uint32, prev float32) float32 {
	m := b.mesh
	var sum float32
	for pd := 0; pd < numPorts; pd++ {
		nb := m.Descriptor.Neighbor(node, pd)
		if nb == noNeighbor {
			continue
		}
		sum += b.current[nb]
	}
	return sum/(numPorts/2) - prev
}

// boundarySlots returns the face slots of a boundary node, flagging an
// out-of-range dense index.
func (b *cpuBackend) boundarySlots(n CondensedNode, dim int) []BoundaryData {
	m := b.mesh
	idx := int(n.BoundaryIndex)
	switch dim {
	case 1:
		if idx >= len(m.Boundary1) {
			b.sink.orFlags(flagOutsideRange)
			return nil
		}
		return m.Boundary1[idx].Array[:]
	case 2:
		if idx >= len(m.Boundary2) {
			b.sink.orFlags(flagOutsideRange)
			return nil
		}
		return m.Boundary2[idx].Array[:]
	default:
		if idx >= len(m.Boundary3) {
			b.sink.orFlags(flagOutsideRange)
			return nil
		}
		return m.Boundary3[idx].Array[:]
	}
}

func (b *cpuBackend) boundaryUpdate(node uint32, n CondensedNode, prev float32, dim int) float32 {
	m := b.mesh
	inner := innerNodeDirections(n.BoundaryType)
	// inner lists the set faces; the port into the room is the opposite.

	var doubled float32
	for _, face := range inner {
		nb := m.Descriptor.Neighbor(node, oppositePort(face))
		if nb == noNeighbor {
			b.sink.orFlags(flagOutsideMesh)
			continue
		}
		doubled += 2 * b.current[nb]
	}
	var surrounding float32
	for _, pd := range surroundingPorts(inner) {
		nb := m.Descriptor.Neighbor(node, pd)
		if nb == noNeighbor {
			b.sink.orFlags(flagOutsideMesh)
			return 0
		}
		bt := m.Nodes[nb].BoundaryType
		if bt == idNone || bt == idInside {
			b.sink.orFlags(flagSuspiciousBoundary)
		}
		surrounding += b.current[nb]
	}
	weighted := float32(courantSq) * (doubled + surrounding)

	slots := b.boundarySlots(n, dim)
	if slots == nil {
		return 0
	}

	var filterWeighting, coeffWeighting float32
	for f := range slots {
		ci := slots[f].CoefficientIndex
		if int(ci) >= len(m.Coefficients) {
			b.sink.orFlags(flagOutsideRange)
			return 0
		}
		c := &m.Coefficients[ci]
		b0 := c.B[0]
		if !(math.Abs(float64(b0)) > minB0) {
			continue
		}
		filterWeighting += slots[f].FilterMemory.Array[0] / b0
		coeffWeighting += c.A[0] / b0
	}
	filterWeighting *= float32(courantSq)
	coeffWeighting *= float32(courant)

	numerator := weighted + filterWeighting + (coeffWeighting-1)*prev
	denom := 1 + coeffWeighting
	if !isFinite32(denom) || math.Abs(float64(denom)) < minB0 {
		b.sink.orFlags(flagSuspiciousBoundary)
		if denom >= 0 {
			denom = 1
		} else {
			denom = -1
		}
	}
	ret := numerator / denom
	if !isFinite32(ret) {
		b.sink.recordNaN(200+int32(dim), node, n.BoundaryIndex, -1, 0,
			filterWeighting, coeffWeighting, denom, numerator, denom, prev, ret)
		b.sink.orFlags(flagNaN)
		ret = 0
	}
	return ret
}

// boundaryFilterPass runs the ghost-point update for every boundary face,
// reading the just-computed next pressures out of the previous buffer.
func (b *cpuBackend) boundaryFilterPass() {
	m := b.mesh
	run := func(globals []uint32, slots func(dense int) []BoundaryData) {
		b.parallelNodes(len(globals), func(lo, hi int) {
			for dense := lo; dense < hi; dense++ {
				global := globals[dense]
				node := m.Nodes[global]
				if node.BoundaryIndex != uint32(dense) {
					b.sink.orFlags(flagOutsideRange)
					continue
				}
				faces := slots(dense)
				inner := innerNodeDirections(node.BoundaryType)
				nextP := b.previous[global]
				prevP := b.history[global]
				for _, face := range inner {
					bit := boundaryBitFromPort(face)
					local := boundaryLocalIndex(node.BoundaryType, bit)
					if local < 0 || local >= len(faces) {
						b.sink.orFlags(flagSuspiciousBoundary)
						continue
					}
					bd := &faces[local]
					ci := bd.CoefficientIndex
					if int(ci) >= len(m.Coefficients) {
						b.sink.orFlags(flagOutsideRange)
						continue
					}
					b.ghostPointUpdate(bd, &m.Coefficients[ci], nextP, prevP,
						global, node.BoundaryIndex, int32(local))
				}
			}
		})
	}
	run(m.BoundaryNodes1, func(d int) []BoundaryData { return m.Boundary1[d].Array[:] })
	run(m.BoundaryNodes2, func(d int) []BoundaryData { return m.Boundary2[d].Array[:] })
	run(m.BoundaryNodes3, func(d int) []BoundaryData { return m.Boundary3[d].Array[:] })
}

// ghostPointUpdate advances one face's boundary filter from the pressure
// difference across the step.
func (b *cpuBackend) ghostPointUpdate(bd *BoundaryData, c *CoefficientsCanonical, nextP, prevP float32, node, boundaryIndex uint32, local int32) {
	if bd.GuardTag != node^guardMask {
		b.sink.orFlags(flagOutsideRange)
		return
	}
	a0 := c.A[0]
	b0 := c.B[0]
	if !isFinite32(a0) {
		a0 = 1
	}
	if !isFinite32(b0) {
		b0 = 1
	}
	if math.Abs(float64(b0)) < minB0 && math.Abs(float64(a0)) < minB0 {
		return
	}
	filtState := bd.FilterMemory.Array[0]
	if !isFinite32(filtState) {
		filtState = 0
	}
	reset := false
	for k := 0; k != canonicalOrder; k++ {
		v := bd.FilterMemory.Array[k]
		if !isFinite32(v) || math.Abs(float64(v)) > filterMemoryLimit {
			reset = true
			break
		}
	}
	if reset {
		b.sink.recordNaN(10, node, boundaryIndex, local, bd.CoefficientIndex,
			filtState, a0, b0, 0, 0, prevP, nextP)
		for k := 0; k != canonicalOrder; k++ {
			bd.FilterMemory.Array[k] = 0
		}
		filtState = 0
	}

	delta := prevP - nextP
	if delta == 0 && filtState == 0 {
		bd.FilterMemory.Array[0] = 0
		return
	}

	safeB0 := b0
	if !(math.Abs(float64(b0)) > minB0) {
		safeB0 = 1
	}
	denom := float32(math.Max(float64(safeB0)*courant, minB0))
	diff := a0*delta/denom + filtState/safeB0
	if !isFinite32(diff) {
		b.sink.orFlags(flagNaN)
		b.sink.recordNaN(1, node, boundaryIndex, local, bd.CoefficientIndex,
			filtState, a0, b0, diff, 0, prevP, nextP)
		bd.FilterMemory.Array[0] = float32(math.NaN())
		return
	}
	filterInput := -diff

	localMemory := bd.FilterMemory
	output := canonicalStep(filterInput, &localMemory, c)
	if !isFinite32(output) {
		b.sink.orFlags(flagNaN)
		b.sink.recordNaN(3, node, boundaryIndex, local, bd.CoefficientIndex,
			filtState, a0, b0, diff, filterInput, prevP, nextP)
	}
	clamped := false
	for k := 0; k != canonicalOrder; k++ {
		v := localMemory.Array[k]
		if !isFinite32(v) || math.Abs(float64(v)) > filterMemoryLimit {
			localMemory.Array[k] = 0
			clamped = true
		}
	}
	if clamped {
		b.sink.recordNaN(11, node, boundaryIndex, local, bd.CoefficientIndex,
			filtState, a0, b0, diff, filterInput, prevP, nextP)
	}
	bd.FilterMemory = localMemory
}
