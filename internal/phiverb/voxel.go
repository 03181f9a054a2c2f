package phiverb

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// VoxelisedScene overlays a uniform side^3 grid of triangle-id lists on a
// scene. It is shared read-only between the mesh builder and the tracers.
type VoxelisedScene struct {
	Scene  SceneData
	Bounds AABB
	Side   int
	// Voxels is indexed x + Side*(y + Side*z); each entry lists the
	// triangles overlapping that cell (conservative, by triangle AABB).
	Voxels [][]uint32
}

// Intersection is a ray/triangle hit found by voxel traversal.
type Intersection struct {
	T        Real
	Triangle uint32
}

// MakeVoxelisedScene grids the scene. bounds is typically the scene AABB
// padded by pad voxel widths so boundary-adjacent queries stay in range.
func MakeVoxelisedScene(scene SceneData, side, pad int) *VoxelisedScene {
	if side < 1 {
		side = 1
	}
	box := scene.AABB()
	// Pad in units of the unpadded voxel pitch.
	pitch := box.Dimensions().Len() / float64(side)
	if pitch <= 0 {
		pitch = 1
	}
	box = box.Pad(float64(pad) * pitch / math.Sqrt(3))

	v := &VoxelisedScene{
		Scene:  scene,
		Bounds: box,
		Side:   side,
		Voxels: make([][]uint32, side*side*side),
	}

	for ti := range scene.Triangles {
		tv := scene.TriangleVerts(ti)
		tbox := computeAABB([]mgl64.Vec3{tv.V0, tv.V1, tv.V2})
		lo := v.voxelIndexClamped(tbox.Min)
		hi := v.voxelIndexClamped(tbox.Max)
		for z := lo[2]; z <= hi[2]; z++ {
			for y := lo[1]; y <= hi[1]; y++ {
				for x := lo[0]; x <= hi[0]; x++ {
					idx := v.flat(x, y, z)
					v.Voxels[idx] = append(v.Voxels[idx], uint32(ti))
				}
			}
		}
	}
	return v
}

func (v *VoxelisedScene) flat(x, y, z int) int {
	return x + v.Side*(y+v.Side*z)
}

// VoxelPitch returns the edge lengths of one voxel.
func (v *VoxelisedScene) VoxelPitch() mgl64.Vec3 {
	return v.Bounds.Dimensions().Mul(1 / float64(v.Side))
}

func (v *VoxelisedScene) voxelIndexClamped(p mgl64.Vec3) [3]int {
	pitch := v.VoxelPitch()
	var out [3]int
	for i := 0; i < 3; i++ {
		idx := int(math.Floor((p[i] - v.Bounds.Min[i]) / pitch[i]))
		if idx < 0 {
			idx = 0
		}
		if idx >= v.Side {
			idx = v.Side - 1
		}
		out[i] = idx
	}
	return out
}

// Traverse walks the grid with a DDA and returns the closest triangle hit,
// skipping the given triangle (use noTriangle to skip nothing).
const noTriangle = ^uint32(0)

func (v *VoxelisedScene) Traverse(r Ray, skip uint32) (Intersection, bool) {
	return v.traverse(r, skip, math.Inf(1))
}

func (v *VoxelisedScene) traverse(r Ray, skip uint32, maxT Real) (Intersection, bool) {
	// Clip the ray to the padded bounds first.
	tEnter, tExit, ok := rayBoxSpan(r, v.Bounds)
	if !ok || tExit < 0 {
		return Intersection{}, false
	}
	if tEnter < 0 {
		tEnter = 0
	}
	if tEnter > maxT {
		return Intersection{}, false
	}

	pitch := v.VoxelPitch()
	start := r.Position.Add(r.Direction.Mul(tEnter))
	cell := v.voxelIndexClamped(start)

	var step [3]int
	var tMax, tDelta [3]Real
	for i := 0; i < 3; i++ {
		d := r.Direction[i]
		if d > 0 {
			step[i] = 1
			next := v.Bounds.Min[i] + float64(cell[i]+1)*pitch[i]
			tMax[i] = tEnter + (next-start[i])/d
			tDelta[i] = pitch[i] / d
		} else if d < 0 {
			step[i] = -1
			next := v.Bounds.Min[i] + float64(cell[i])*pitch[i]
			tMax[i] = tEnter + (next-start[i])/d
			tDelta[i] = -pitch[i] / d
		} else {
			step[i] = 0
			tMax[i] = math.Inf(1)
			tDelta[i] = math.Inf(1)
		}
	}

	best := Intersection{T: math.Inf(1), Triangle: noTriangle}
	limit := math.Min(tExit, maxT)
	cellExit := tEnter
	for {
		// Nearest cell wall determines how far this cell extends.
		axis := 0
		if tMax[1] < tMax[axis] {
			axis = 1
		}
		if tMax[2] < tMax[axis] {
			axis = 2
		}
		cellExit = tMax[axis]

		for _, ti := range v.Voxels[v.flat(cell[0], cell[1], cell[2])] {
			if ti == skip {
				continue
			}
			t, hit := intersectTriangle(r, v.Scene.TriangleVerts(int(ti)))
			if hit && t < best.T {
				best = Intersection{T: t, Triangle: ti}
			}
		}
		// A hit inside the current cell span is final.
		if best.Triangle != noTriangle && best.T <= cellExit {
			if best.T > maxT {
				return Intersection{}, false
			}
			return best, true
		}
		if cellExit > limit {
			break
		}
		cell[axis] += step[axis]
		if cell[axis] < 0 || cell[axis] >= v.Side {
			break
		}
		tMax[axis] += tDelta[axis]
	}
	if best.Triangle != noTriangle && best.T <= maxT {
		return best, true
	}
	return Intersection{}, false
}

// LineUnoccluded reports whether the open segment from a to b misses every
// triangle except the two given (either may be noTriangle).
func (v *VoxelisedScene) LineUnoccluded(a, b mgl64.Vec3, skipA, skipB uint32) bool {
	diff := b.Sub(a)
	dist := diff.Len()
	if dist < 1e-12 {
		return true
	}
	r := Ray{Position: a, Direction: diff.Mul(1 / dist)}
	const margin = 1e-6
	hit, ok := v.traverse(r, skipA, dist-margin)
	if !ok {
		return true
	}
	return hit.Triangle == skipB
}

// CountIntersections counts distinct triangle crossings along the ray,
// used by the inside test. Crossings closer than eps apart collapse.
func (v *VoxelisedScene) CountIntersections(r Ray) int {
	count := 0
	skip := noTriangle
	offset := 0.0
	for {
		hit, ok := v.traverse(Ray{
			Position:  r.Position.Add(r.Direction.Mul(offset)),
			Direction: r.Direction,
		}, skip, math.Inf(1))
		if !ok {
			return count
		}
		count++
		offset += hit.T + 1e-7
		skip = hit.Triangle
		if count > 4096 {
			return count
		}
	}
}

// Inside tests point containment with ray-cast parity.
func (v *VoxelisedScene) Inside(p mgl64.Vec3) bool {
	if !v.Bounds.Contains(p) {
		return false
	}
	// An irrational direction avoids edge-grazing along grid-aligned walls.
	dir := mgl64.Vec3{0.376279, 0.507907, 0.775159}.Normalize()
	return v.CountIntersections(Ray{Position: p, Direction: dir})%2 == 1
}

// SurfaceAt finds the surface id of the closest triangle along direction dir
// from p, or -1 when nothing is hit.
func (v *VoxelisedScene) SurfaceAt(p, dir mgl64.Vec3) int {
	hit, ok := v.Traverse(Ray{Position: p, Direction: dir}, noTriangle)
	if !ok {
		return -1
	}
	return v.Scene.Triangles[hit.Triangle].Surface
}

func rayBoxSpan(r Ray, b AABB) (Real, Real, bool) {
	t0 := math.Inf(-1)
	t1 := math.Inf(1)
	for i := 0; i < 3; i++ {
		d := r.Direction[i]
		if math.Abs(d) < 1e-15 {
			if r.Position[i] < b.Min[i] || r.Position[i] > b.Max[i] {
				return 0, 0, false
			}
			continue
		}
		inv := 1 / d
		near := (b.Min[i] - r.Position[i]) * inv
		far := (b.Max[i] - r.Position[i]) * inv
		if near > far {
			near, far = far, near
		}
		t0 = math.Max(t0, near)
		t1 = math.Min(t1, far)
		if t0 > t1 {
			return 0, 0, false
		}
	}
	return t0, t1, true
}
