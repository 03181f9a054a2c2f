package phiverb

import (
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// BoundaryData is one face slot of a boundary node: the filter delay line
// plus the coefficient set it runs. The pad keeps the host struct the same
// size as the accelerator's.
type BoundaryData struct {
	FilterMemory     MemoryCanonical
	CoefficientIndex uint32
	GuardTag         uint32
	Pad              [6]uint32
}

type BoundaryDataArray1 struct{ Array [1]BoundaryData }
type BoundaryDataArray2 struct{ Array [2]BoundaryData }
type BoundaryDataArray3 struct{ Array [3]BoundaryData }

// BoundaryHeader guards one Morton-ordered boundary entry. dif packs the
// 6-bit face mask in the low bits and a 10-bit coefficient-block id above.
type BoundaryHeader struct {
	Guard         uint32
	Dif           uint16
	MaterialIndex uint16
}

// BoundaryLayout is the Morton-ordered side table over all boundary nodes.
type BoundaryLayout struct {
	Headers           []BoundaryHeader
	SDFDistance       []float32
	SDFNormal         [][3]float32
	CoeffBlockOffsets []uint32
	CoeffBlocks       []CoefficientsCanonical
	FilterMemories    []MemoryCanonical
	NodeIndices       []uint32
	NodeLookup        []uint32
}

// Mesh is the complete waveguide structure: read-only after construction
// except for the boundary filter memories, which the solver owns per run.
type Mesh struct {
	Descriptor   MeshDescriptor
	Nodes        []CondensedNode
	Coefficients []CoefficientsCanonical

	Boundary1 []BoundaryDataArray1
	Boundary2 []BoundaryDataArray2
	Boundary3 []BoundaryDataArray3

	BoundaryNodes1 []uint32
	BoundaryNodes2 []uint32
	BoundaryNodes3 []uint32

	Layout BoundaryLayout

	// RoomVolume is interior-node count times node volume.
	RoomVolume Real
}

// SampleRate returns the mesh update rate for the given medium.
func (m *Mesh) SampleRate(speedOfSound Real) Real {
	return waveguideSampleRate(speedOfSound, m.Descriptor.Spacing)
}

// IsInside reports whether the node participates in the simulation.
func (m *Mesh) IsInside(node uint32) bool {
	return nodeIsInside(m.Nodes[node])
}

// ResetFilterMemories zeroes every boundary delay line; called between runs.
func (m *Mesh) ResetFilterMemories() {
	for i := range m.Boundary1 {
		m.Boundary1[i].Array[0].FilterMemory = MemoryCanonical{}
	}
	for i := range m.Boundary2 {
		for f := range m.Boundary2[i].Array {
			m.Boundary2[i].Array[f].FilterMemory = MemoryCanonical{}
		}
	}
	for i := range m.Boundary3 {
		for f := range m.Boundary3[i].Array {
			m.Boundary3[i].Array[f].FilterMemory = MemoryCanonical{}
		}
	}
}

// SetCoefficients swaps in a uniform coefficient set for every surface,
// used by the multi-band waveguide path.
func (m *Mesh) SetCoefficients(c CoefficientsCanonical) {
	for i := range m.Coefficients {
		m.Coefficients[i] = c
	}
	for i := range m.Layout.CoeffBlocks {
		m.Layout.CoeffBlocks[i] = c
	}
}

// BuildMesh classifies the grid against the voxelised scene and assembles
// every table the solver reads. pre may be nil; when present its labels
// override the per-face surface lookup.
func BuildMesh(voxelised *VoxelisedScene, spacing, speedOfSound Real, cfg RuntimeConfig, pre *PrecomputedBoundary) (*Mesh, error) {
	box := voxelised.Bounds
	dims := box.Dimensions()
	desc := MeshDescriptor{
		MinCorner: box.Min,
		Dim: [3]int{
			imax(2, int(dims.X()/spacing)),
			imax(2, int(dims.Y()/spacing)),
			imax(2, int(dims.Z()/spacing)),
		},
		Spacing: spacing,
	}
	numNodes := desc.NumNodes()
	nodes := make([]CondensedNode, numNodes)

	// Inside/outside per node, sliced across workers.
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	chunk := (numNodes + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := imin(lo+chunk, numNodes)
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for n := lo; n < hi; n++ {
				if voxelised.Inside(desc.Position(uint32(n))) {
					nodes[n].BoundaryType = idInside
				}
			}
		}(lo, hi)
	}
	wg.Wait()

	interior := 0
	for n := range nodes {
		if nodes[n].BoundaryType&idInside != 0 {
			interior++
		}
	}
	if interior == 0 {
		return nil, engineErrorf(ErrEmptyInterior,
			"no interior nodes; check geometry watertightness and scaling")
	}

	// Face bits: one per outside axis neighbour of an interior node. Nodes
	// with more than three exterior neighbours are isolated slivers; they
	// are demoted to reentrant and treated as interior.
	for n := range nodes {
		if nodes[n].BoundaryType&idInside == 0 {
			continue
		}
		var mask int32
		count := 0
		for pd := 0; pd < numPorts; pd++ {
			nb := desc.Neighbor(uint32(n), pd)
			if nb == noNeighbor || nodes[nb].BoundaryType&idInside == 0 {
				mask |= boundaryBitFromPort(pd)
				count++
			}
		}
		if count >= 4 {
			nodes[n].BoundaryType |= idReentrant
			continue
		}
		nodes[n].BoundaryType |= mask
	}

	// Per-face coefficient-set indices.
	faceCoeffs := assignFaceCoefficients(&desc, nodes, voxelised, pre)

	// Dense per-dimensionality indices, Morton ordered for locality.
	var perDim [3][]uint32
	for n := range nodes {
		d := boundaryDim(nodes[n].BoundaryType)
		if d >= 1 && d <= 3 {
			perDim[d-1] = append(perDim[d-1], uint32(n))
		}
	}
	mortonOf := func(idx uint32) uint64 {
		i, j, k := desc.Locator(idx)
		return mortonEncode3(uint32(i), uint32(j), uint32(k))
	}
	for d := range perDim {
		list := perDim[d]
		sort.Slice(list, func(a, b int) bool {
			ma, mb := mortonOf(list[a]), mortonOf(list[b])
			if ma != mb {
				return ma < mb
			}
			return list[a] < list[b]
		})
		for dense, global := range list {
			nodes[global].BoundaryIndex = uint32(dense)
		}
	}

	// Surface coefficient table.
	fs := waveguideSampleRate(speedOfSound, spacing)
	coefficients := buildSurfaceCoefficients(voxelised.Scene.Surfaces, fs, cfg.ForceIdentityCoeffs)
	if pre != nil {
		coefficients = append(coefficients, pre.LabelCoefficients(fs, cfg.ForceIdentityCoeffs)...)
	}

	m := &Mesh{
		Descriptor:     desc,
		Nodes:          nodes,
		Coefficients:   coefficients,
		Boundary1:      make([]BoundaryDataArray1, len(perDim[0])),
		Boundary2:      make([]BoundaryDataArray2, len(perDim[1])),
		Boundary3:      make([]BoundaryDataArray3, len(perDim[2])),
		BoundaryNodes1: perDim[0],
		BoundaryNodes2: perDim[1],
		BoundaryNodes3: perDim[2],
		RoomVolume:     Real(interior) * spacing * spacing * spacing,
	}

	fill := func(global uint32, slots []BoundaryData) {
		node := nodes[global]
		cursor := 0
		for face, bit := range faceBits {
			if faceMask(node.BoundaryType)&bit == 0 {
				continue
			}
			ci := faceCoeffs[global][face]
			if ci == noBoundaryEntry || int(ci) >= len(coefficients) {
				ci = 0
			}
			slots[cursor] = BoundaryData{
				CoefficientIndex: ci,
				GuardTag:         global ^ guardMask,
			}
			cursor++
		}
	}
	for dense, global := range perDim[0] {
		fill(global, m.Boundary1[dense].Array[:])
	}
	for dense, global := range perDim[1] {
		fill(global, m.Boundary2[dense].Array[:])
	}
	for dense, global := range perDim[2] {
		fill(global, m.Boundary3[dense].Array[:])
	}

	m.Layout = buildBoundaryLayout(&desc, nodes, faceCoeffs, coefficients, voxelised)
	return m, nil
}

// assignFaceCoefficients resolves one coefficient-set index per boundary
// face. The default path looks up the triangle surface in the signed
// direction of the face; a precomputed volume overrides by label.
func assignFaceCoefficients(desc *MeshDescriptor, nodes []CondensedNode, voxelised *VoxelisedScene, pre *PrecomputedBoundary) map[uint32][6]uint32 {
	out := make(map[uint32][6]uint32)
	numSurfaces := len(voxelised.Scene.Surfaces)
	for n := range nodes {
		mask := faceMask(nodes[n].BoundaryType)
		if mask == 0 || boundaryDim(nodes[n].BoundaryType) > 3 {
			continue
		}
		var entry [6]uint32
		for i := range entry {
			entry[i] = noBoundaryEntry
		}
		pos := desc.Position(uint32(n))
		for face, bit := range faceBits {
			if mask&bit == 0 {
				continue
			}
			if pre != nil {
				if ci, ok := pre.CoefficientAt(pos, numSurfaces); ok {
					entry[face] = ci
					continue
				}
			}
			off := faceOffsets[face]
			dir := mgl64.Vec3{Real(off[0]), Real(off[1]), Real(off[2])}
			if si := voxelised.SurfaceAt(pos, dir); si >= 0 {
				entry[face] = uint32(si)
			} else {
				entry[face] = 0
			}
		}
		out[uint32(n)] = entry
	}
	return out
}

func buildSurfaceCoefficients(surfaces []Surface, sampleRate Real, forceIdentity bool) []CoefficientsCanonical {
	out := make([]CoefficientsCanonical, len(surfaces))
	sanitised := 0
	for i, s := range surfaces {
		if forceIdentity {
			out[i] = IdentityCoefficients()
			continue
		}
		c := sanitiseCoefficients(toImpedanceCoefficients(
			computeReflectanceFilterCoefficients(s.Absorption, sampleRate)))
		if c == IdentityCoefficients() {
			sanitised++
		}
		out[i] = c
	}
	if sanitised > 0 {
		DebugLog("sanitised %d boundary coefficient set(s); applied rigid fallback", sanitised)
	}
	return out
}

// signedDistanceSolver finds the signed distance from a node to the scene
// with a growing-radius voxel search. Negative inside.
type signedDistanceSolver struct {
	desc      *MeshDescriptor
	nodes     []CondensedNode
	voxelised *VoxelisedScene
	cache     []float32
}

func newSignedDistanceSolver(desc *MeshDescriptor, nodes []CondensedNode, voxelised *VoxelisedScene) *signedDistanceSolver {
	cache := make([]float32, len(nodes))
	for i := range cache {
		cache[i] = float32(math.NaN())
	}
	return &signedDistanceSolver{desc: desc, nodes: nodes, voxelised: voxelised, cache: cache}
}

func (s *signedDistanceSolver) distance(node uint32) float32 {
	if c := s.cache[node]; !math.IsNaN(float64(c)) {
		return c
	}
	point := s.desc.Position(node)
	d := float32(s.unsignedDistance(point))
	if s.nodes[node].BoundaryType&idInside != 0 {
		d = -d
	}
	s.cache[node] = d
	return d
}

func (s *signedDistanceSolver) unsignedDistance(point mgl64.Vec3) Real {
	v := s.voxelised
	pitch := v.VoxelPitch()
	maxPitch := math.Max(pitch.X(), math.Max(pitch.Y(), pitch.Z()))
	diag := v.Bounds.Dimensions().Len()

	base := v.voxelIndexClamped(point)
	best := math.Inf(1)
	found := false

	for radius := maxPitch; radius <= diag; radius *= 1.5 {
		span := [3]int{}
		for i := 0; i < 3; i++ {
			span[i] = imax(1, int(math.Ceil(radius/pitch[i])))
		}
		lo := [3]int{}
		hi := [3]int{}
		for i := 0; i < 3; i++ {
			lo[i] = imax(0, base[i]-span[i])
			hi[i] = imin(v.Side-1, base[i]+span[i])
		}
		for x := lo[0]; x <= hi[0]; x++ {
			for y := lo[1]; y <= hi[1]; y++ {
				for z := lo[2]; z <= hi[2]; z++ {
					for _, ti := range v.Voxels[v.flat(x, y, z)] {
						dsq := pointTriangleDistanceSq(v.Scene.TriangleVerts(int(ti)), point)
						if dsq < best {
							best = dsq
							found = true
						}
					}
				}
			}
		}
		if found {
			break
		}
	}
	if !found {
		return 0
	}
	return math.Sqrt(best)
}

// normal estimates the outward surface normal by central differences of
// the signed distance.
func (s *signedDistanceSolver) normal(node uint32) [3]float32 {
	i, j, k := s.desc.Locator(node)
	spacing := s.desc.Spacing
	centre := Real(s.distance(node))

	sample := func(i, j, k int) (Real, bool) {
		if i < 0 || i >= s.desc.Dim[0] || j < 0 || j >= s.desc.Dim[1] || k < 0 || k >= s.desc.Dim[2] {
			return 0, false
		}
		return Real(s.distance(s.desc.Index(i, j, k))), true
	}

	var grad mgl64.Vec3
	axes := [3][3]int{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for axis, u := range axes {
		plus, okP := sample(i+u[0], j+u[1], k+u[2])
		minus, okM := sample(i-u[0], j-u[1], k-u[2])
		switch {
		case okP && okM:
			grad[axis] = (plus - minus) / (2 * spacing)
		case okP:
			grad[axis] = (plus - centre) / spacing
		case okM:
			grad[axis] = (centre - minus) / spacing
		}
	}
	if grad.Len() < 1e-6 {
		return [3]float32{}
	}
	grad = grad.Normalize()
	return [3]float32{float32(grad.X()), float32(grad.Y()), float32(grad.Z())}
}

func buildBoundaryLayout(desc *MeshDescriptor, nodes []CondensedNode, faceCoeffs map[uint32][6]uint32, coefficients []CoefficientsCanonical, voxelised *VoxelisedScene) BoundaryLayout {
	type entry struct {
		node   uint32
		morton uint64
	}
	var entries []entry
	for n := range nodes {
		d := boundaryDim(nodes[n].BoundaryType)
		if d < 1 || d > 3 {
			continue
		}
		i, j, k := desc.Locator(uint32(n))
		entries = append(entries, entry{
			node:   uint32(n),
			morton: mortonEncode3(uint32(i), uint32(j), uint32(k)),
		})
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].morton != entries[b].morton {
			return entries[a].morton < entries[b].morton
		}
		return entries[a].node < entries[b].node
	})

	layout := BoundaryLayout{
		Headers:           make([]BoundaryHeader, len(entries)),
		SDFDistance:       make([]float32, len(entries)),
		SDFNormal:         make([][3]float32, len(entries)),
		CoeffBlockOffsets: make([]uint32, len(entries)),
		FilterMemories:    make([]MemoryCanonical, len(entries)*6),
		NodeIndices:       make([]uint32, len(entries)),
		NodeLookup:        make([]uint32, len(nodes)),
	}
	for i := range layout.NodeLookup {
		layout.NodeLookup[i] = noBoundaryEntry
	}

	solver := newSignedDistanceSolver(desc, nodes, voxelised)
	identity := IdentityCoefficients()

	for ei, e := range entries {
		layout.NodeIndices[ei] = e.node
		layout.NodeLookup[e.node] = uint32(ei)

		header := &layout.Headers[ei]
		header.Guard = e.node ^ guardMask

		faces := faceCoeffs[e.node]
		first := faces[0]
		// MaterialIndex records the first set face's coefficient id.
		for _, ci := range faces {
			if ci != noBoundaryEntry {
				first = ci
				break
			}
		}
		if first == noBoundaryEntry {
			first = 0
		}
		header.MaterialIndex = uint16(first & 0xFFFF)

		var mask uint8
		for face, bit := range faceBits {
			if faceMask(nodes[e.node].BoundaryType)&bit != 0 {
				mask |= 1 << uint(face)
			}
		}

		blockOffset := uint32(len(layout.CoeffBlocks))
		layout.CoeffBlockOffsets[ei] = blockOffset
		for face := 0; face < 6; face++ {
			ci := faces[face]
			if ci == noBoundaryEntry || int(ci) >= len(coefficients) {
				layout.CoeffBlocks = append(layout.CoeffBlocks, identity)
			} else {
				layout.CoeffBlocks = append(layout.CoeffBlocks, coefficients[ci])
			}
		}
		blockID := blockOffset / 6
		header.Dif = uint16(uint32(mask&0x3F) | ((blockID & 0x3FF) << 6))

		layout.SDFDistance[ei] = solver.distance(e.node)
		layout.SDFNormal[ei] = solver.normal(e.node)
	}
	return layout
}

func imax(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func imin(a, b int) int {
	if a < b {
		return a
	}
	return b
}
