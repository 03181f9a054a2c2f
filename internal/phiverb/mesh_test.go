package phiverb

import (
	"math"
	"math/bits"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func buildTestMesh(t *testing.T, dim mgl64.Vec3, surface Surface, spacing Real) (*Mesh, *VoxelisedScene) {
	t.Helper()
	scene := MakeShoebox(dim, surface)
	voxelised := MakeVoxelisedScene(scene, 16, 2)
	mesh, err := BuildMesh(voxelised, spacing, 340, DefaultRuntimeConfig(), nil)
	if err != nil {
		t.Fatalf("building mesh: %v", err)
	}
	return mesh, voxelised
}

func TestMeshNodePartition(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, NeutralSurface(), 0.2)

	interior, boundary, exterior := 0, 0, 0
	for _, n := range mesh.Nodes {
		d := boundaryDim(n.BoundaryType)
		if d > 3 {
			t.Fatalf("node has %d face bits", d)
		}
		switch {
		case n.BoundaryType&idInside == 0:
			exterior++
			if faceMask(n.BoundaryType) != 0 {
				t.Fatal("exterior node carries face bits")
			}
		case d == 0:
			interior++
		default:
			boundary++
		}
	}
	if interior == 0 || boundary == 0 || exterior == 0 {
		t.Fatalf("degenerate partition: interior=%d boundary=%d exterior=%d",
			interior, boundary, exterior)
	}
	if boundary != len(mesh.BoundaryNodes1)+len(mesh.BoundaryNodes2)+len(mesh.BoundaryNodes3) {
		t.Fatalf("boundary node count %d does not match tables %d/%d/%d", boundary,
			len(mesh.BoundaryNodes1), len(mesh.BoundaryNodes2), len(mesh.BoundaryNodes3))
	}
}

func TestBoundaryTableBijection(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, NeutralSurface(), 0.2)

	check := func(dim int, table []uint32) {
		seen := make(map[uint32]bool, len(table))
		for dense, global := range table {
			n := mesh.Nodes[global]
			if boundaryDim(n.BoundaryType) != dim {
				t.Fatalf("dim-%d table entry %d points at dim-%d node", dim, dense,
					boundaryDim(n.BoundaryType))
			}
			if n.BoundaryIndex != uint32(dense) {
				t.Fatalf("dim-%d dense index mismatch: node %d has %d, table says %d",
					dim, global, n.BoundaryIndex, dense)
			}
			if seen[global] {
				t.Fatalf("node %d appears twice in dim-%d table", global, dim)
			}
			seen[global] = true
		}
	}
	check(1, mesh.BoundaryNodes1)
	check(2, mesh.BoundaryNodes2)
	check(3, mesh.BoundaryNodes3)
}

func TestBoundaryLayoutGuardsAndLookup(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, NeutralSurface(), 0.2)
	layout := &mesh.Layout

	if len(layout.Headers) != len(layout.NodeIndices) {
		t.Fatal("header/table size mismatch")
	}
	for ei, header := range layout.Headers {
		node := layout.NodeIndices[ei]
		if header.Guard^guardMask != node {
			t.Fatalf("entry %d: guard does not decode to node index", ei)
		}
		if layout.NodeLookup[node] != uint32(ei) {
			t.Fatalf("entry %d: reverse lookup broken", ei)
		}
		mask := uint32(header.Dif) & 0x3F
		if bits.OnesCount32(mask) != boundaryDim(mesh.Nodes[node].BoundaryType) {
			t.Fatalf("entry %d: dif face mask popcount %d != dim %d", ei,
				bits.OnesCount32(mask), boundaryDim(mesh.Nodes[node].BoundaryType))
		}
	}

	// Non-boundary nodes must map to the sentinel.
	for n, lookup := range layout.NodeLookup {
		d := boundaryDim(mesh.Nodes[n].BoundaryType)
		if d == 0 && lookup != noBoundaryEntry {
			t.Fatalf("interior node %d has a boundary entry", n)
		}
	}
}

func TestBoundaryLayoutMortonOrder(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, NeutralSurface(), 0.2)
	prev := uint64(0)
	for ei, node := range mesh.Layout.NodeIndices {
		i, j, k := mesh.Descriptor.Locator(node)
		m := mortonEncode3(uint32(i), uint32(j), uint32(k))
		if ei > 0 && m < prev {
			t.Fatalf("layout entry %d breaks morton order", ei)
		}
		prev = m
	}
}

func TestCoefficientSanity(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, Surface{
		Absorption: MakeBands(0.3),
		Scattering: MakeBands(0.2),
	}, 0.2)
	for i, c := range mesh.Coefficients {
		if math.Abs(float64(c.B[0])) < minB0 && c != IdentityCoefficients() {
			t.Fatalf("coefficient set %d violates the b0 floor: %+v", i, c)
		}
	}
}

func TestForceIdentityCoefficients(t *testing.T) {
	scene := MakeShoebox(mgl64.Vec3{2, 2, 2}, NeutralSurface())
	voxelised := MakeVoxelisedScene(scene, 16, 2)
	cfg := DefaultRuntimeConfig()
	cfg.ForceIdentityCoeffs = true
	mesh, err := BuildMesh(voxelised, 0.2, 340, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range mesh.Coefficients {
		if c != IdentityCoefficients() {
			t.Fatalf("coefficient %d not identity under override", i)
		}
	}
}

func TestEmptyInteriorFails(t *testing.T) {
	// No triangles means no enclosed region at all.
	scene := NewSceneData(
		[]mgl64.Vec3{{0, 0, 0}, {1, 1, 1}},
		nil,
		nil)
	voxelised := MakeVoxelisedScene(scene, 8, 1)
	_, err := BuildMesh(voxelised, 0.1, 340, DefaultRuntimeConfig(), nil)
	if !IsEngineError(err, ErrEmptyInterior) {
		t.Fatalf("expected %s, got %v", ErrEmptyInterior, err)
	}
}

func TestRoomVolumeEstimate(t *testing.T) {
	mesh, _ := buildTestMesh(t, mgl64.Vec3{2, 2, 2}, NeutralSurface(), 0.1)
	if mesh.RoomVolume < 4 || mesh.RoomVolume > 12 {
		t.Fatalf("volume estimate %g far from 8 m^3", mesh.RoomVolume)
	}
}
