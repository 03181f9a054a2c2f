package phiverb

import (
	"math"
	"math/bits"

	"github.com/go-gl/mathgl/mgl64"
)

// Boundary type bits of a condensed node. Face bits indicate which axis
// neighbour lies outside the room.
const (
	idNone      int32 = 0
	idInside    int32 = 1 << 0
	idNX        int32 = 1 << 1
	idPX        int32 = 1 << 2
	idNY        int32 = 1 << 3
	idPY        int32 = 1 << 4
	idNZ        int32 = 1 << 5
	idPZ        int32 = 1 << 6
	idReentrant int32 = 1 << 7
)

// Port directions index the six axis neighbours of a node.
const (
	portNX = iota
	portPX
	portNY
	portPY
	portNZ
	portPZ
	numPorts
)

const noNeighbor = ^uint32(0)

var faceBits = [6]int32{idNX, idPX, idNY, idPY, idNZ, idPZ}

var faceOffsets = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

func boundaryBitFromPort(pd int) int32 { return faceBits[pd] }

func oppositePort(pd int) int { return pd ^ 1 }

// faceMask strips the INSIDE and REENTRANT bits, leaving only face bits.
func faceMask(boundaryType int32) int32 {
	return boundaryType &^ (idInside | idReentrant)
}

// boundaryDim is the number of set face bits (0 for interior nodes).
func boundaryDim(boundaryType int32) int {
	return bits.OnesCount32(uint32(faceMask(boundaryType)))
}

// boundaryLocalIndex maps a face bit to its slot within the node's packed
// boundary entry: slots are ordered by ascending face bit.
func boundaryLocalIndex(boundaryType int32, boundaryBit int32) int {
	mask := faceMask(boundaryType)
	if boundaryBit == 0 || mask&boundaryBit == 0 {
		return -1
	}
	lower := mask & (boundaryBit - 1)
	return bits.OnesCount32(uint32(lower))
}

// innerNodeDirections lists the face ports of a boundary node (the
// directions whose neighbour lies outside the room), ordered by ascending
// face bit; the port into the room is oppositePort of each.
func innerNodeDirections(boundaryType int32) []int {
	mask := faceMask(boundaryType)
	out := make([]int, 0, 3)
	for face, bit := range faceBits {
		if mask&bit != 0 {
			out = append(out, face)
		}
	}
	return out
}

// surroundingPorts lists the in-plane axes complementary to the inner
// directions: 4 ports for a face, 2 for an edge, 0 for a corner.
func surroundingPorts(inner []int) []int {
	used := [3]bool{}
	for _, pd := range inner {
		used[pd/2] = true
	}
	out := make([]int, 0, 4)
	for axis := 0; axis < 3; axis++ {
		if used[axis] {
			continue
		}
		out = append(out, axis*2, axis*2+1)
	}
	if len(inner) >= 3 {
		return nil
	}
	return out
}

// CondensedNode is the per-grid-point record uploaded to the solver.
type CondensedNode struct {
	BoundaryType  int32
	BoundaryIndex uint32
}

func nodeIsInside(n CondensedNode) bool { return n.BoundaryType&idInside != 0 }

// MeshDescriptor fixes the waveguide grid in space.
type MeshDescriptor struct {
	MinCorner mgl64.Vec3
	Dim       [3]int
	Spacing   Real
}

func (d *MeshDescriptor) NumNodes() int {
	return d.Dim[0] * d.Dim[1] * d.Dim[2]
}

// Index converts a locator to a flat node index (row-major x fastest).
func (d *MeshDescriptor) Index(i, j, k int) uint32 {
	return uint32(i + d.Dim[0]*(j+d.Dim[1]*k))
}

// Locator converts a flat index back to grid coordinates.
func (d *MeshDescriptor) Locator(index uint32) (int, int, int) {
	i := int(index) % d.Dim[0]
	rest := int(index) / d.Dim[0]
	j := rest % d.Dim[1]
	k := rest / d.Dim[1]
	return i, j, k
}

// Position returns the world position of a node.
func (d *MeshDescriptor) Position(index uint32) mgl64.Vec3 {
	i, j, k := d.Locator(index)
	return d.MinCorner.Add(mgl64.Vec3{
		Real(i) * d.Spacing,
		Real(j) * d.Spacing,
		Real(k) * d.Spacing,
	})
}

// NearestNode maps a world position to the closest grid node.
func (d *MeshDescriptor) NearestNode(p mgl64.Vec3) uint32 {
	rel := p.Sub(d.MinCorner).Mul(1 / d.Spacing)
	clampAxis := func(v Real, n int) int {
		i := int(math.Round(v))
		if i < 0 {
			i = 0
		}
		if i >= n {
			i = n - 1
		}
		return i
	}
	return d.Index(
		clampAxis(rel.X(), d.Dim[0]),
		clampAxis(rel.Y(), d.Dim[1]),
		clampAxis(rel.Z(), d.Dim[2]))
}

// Neighbor returns the node index one step along the port direction, or
// noNeighbor at the grid edge.
func (d *MeshDescriptor) Neighbor(index uint32, port int) uint32 {
	i, j, k := d.Locator(index)
	off := faceOffsets[port]
	i += off[0]
	j += off[1]
	k += off[2]
	if i < 0 || i >= d.Dim[0] || j < 0 || j >= d.Dim[1] || k < 0 || k >= d.Dim[2] {
		return noNeighbor
	}
	return d.Index(i, j, k)
}
