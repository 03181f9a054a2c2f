package phiverb

import (
	"github.com/go-gl/mathgl/mgl64"
)

// Surface holds the per-band acoustic response of one wall material.
type Surface struct {
	Absorption Bands `json:"absorption"`
	Scattering Bands `json:"scattering"`
}

// NeutralSurface is substituted whenever a scene arrives with an empty
// surface list, so downstream coefficient tables are never empty.
func NeutralSurface() Surface {
	return Surface{
		Absorption: MakeBands(0.05),
		Scattering: MakeBands(0.1),
	}
}

// Triangle indexes three vertices and one surface.
type Triangle struct {
	V0, V1, V2 int
	Surface    int
}

// SceneData is the immutable triangle soup handed to the engine by the
// loader collaborator.
type SceneData struct {
	Vertices  []mgl64.Vec3
	Triangles []Triangle
	Surfaces  []Surface
}

// NewSceneData copies nothing; it only patches an empty surface list with a
// neutral surface and clamps triangle surface indices into range.
func NewSceneData(vertices []mgl64.Vec3, triangles []Triangle, surfaces []Surface) SceneData {
	if len(surfaces) == 0 {
		surfaces = []Surface{NeutralSurface()}
	}
	for i := range triangles {
		if triangles[i].Surface < 0 || triangles[i].Surface >= len(surfaces) {
			triangles[i].Surface = 0
		}
	}
	return SceneData{Vertices: vertices, Triangles: triangles, Surfaces: surfaces}
}

// TriangleVerts expands triangle i to its corner positions.
func (s *SceneData) TriangleVerts(i int) TriangleVerts {
	t := s.Triangles[i]
	return TriangleVerts{s.Vertices[t.V0], s.Vertices[t.V1], s.Vertices[t.V2]}
}

// TriangleSurface returns the surface of triangle i.
func (s *SceneData) TriangleSurface(i int) Surface {
	return s.Surfaces[s.Triangles[i].Surface]
}

func (s *SceneData) AABB() AABB {
	return computeAABB(s.Vertices)
}

// MakeShoebox builds an axis-aligned box room spanning [0,dim] with all
// twelve triangles sharing one surface. Normals face outward.
func MakeShoebox(dim mgl64.Vec3, surface Surface) SceneData {
	x, y, z := dim.X(), dim.Y(), dim.Z()
	vertices := []mgl64.Vec3{
		{0, 0, 0}, {x, 0, 0}, {0, y, 0}, {x, y, 0},
		{0, 0, z}, {x, 0, z}, {0, y, z}, {x, y, z},
	}
	// Two triangles per face, wound so the plane normal points out of the room.
	triangles := []Triangle{
		{V0: 0, V1: 1, V2: 5}, {V0: 0, V1: 5, V2: 4}, // y = 0
		{V0: 2, V1: 7, V2: 3}, {V0: 2, V1: 6, V2: 7}, // y = dim.y
		{V0: 0, V1: 6, V2: 2}, {V0: 0, V1: 4, V2: 6}, // x = 0
		{V0: 1, V1: 3, V2: 7}, {V0: 1, V1: 7, V2: 5}, // x = dim.x
		{V0: 0, V1: 2, V2: 3}, {V0: 0, V1: 3, V2: 1}, // z = 0
		{V0: 4, V1: 5, V2: 7}, {V0: 4, V1: 7, V2: 6}, // z = dim.z
	}
	return NewSceneData(vertices, triangles, []Surface{surface})
}
