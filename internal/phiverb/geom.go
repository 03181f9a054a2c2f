package phiverb

import (
	"math"
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"
)

func isFinite(x Real) bool { return !math.IsInf(x, 0) && !math.IsNaN(x) }

func isFinite32(x float32) bool {
	f := float64(x)
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

// reflectDir mirrors d about the unit normal n.
func reflectDir(d, n mgl64.Vec3) mgl64.Vec3 {
	return d.Sub(n.Mul(2 * d.Dot(n)))
}

// mirrorPoint reflects p through the plane containing the triangle.
func mirrorPoint(p mgl64.Vec3, t TriangleVerts) mgl64.Vec3 {
	n := t.Normal()
	return p.Sub(n.Mul(2 * n.Dot(p.Sub(t.V0))))
}

// onbFrisvad builds a tangent frame around the unit normal n.
func onbFrisvad(n mgl64.Vec3) (tangent, bitangent mgl64.Vec3) {
	if math.Abs(n.Z()) > 0.999999 {
		sign := math.Copysign(1, n.Z())
		return mgl64.Vec3{1, 0, 0}, mgl64.Vec3{0, sign, 0}
	}
	sign := math.Copysign(1, n.Z())
	a := -1 / (sign + n.Z())
	b := a * n.X() * n.Y()
	tangent = mgl64.Vec3{1 + sign*n.X()*n.X()*a, sign * b, -sign * n.X()}.Normalize()
	bitangent = mgl64.Vec3{b, sign + n.Y()*n.Y()*a, -n.Y()}.Normalize()
	return tangent, bitangent
}

// cosineSampleHemisphere draws a cosine-weighted direction around the unit
// normal. Returns the world-space direction and cos(theta) against n.
func cosineSampleHemisphere(n mgl64.Vec3, u1, u2 Real) (mgl64.Vec3, Real) {
	if u1 > 0.9999999 {
		u1 = 0.9999999
	}
	if u1 < 0 {
		u1 = 0
	}
	u2 -= math.Floor(u2)
	r := math.Sqrt(u1)
	phi := 2 * math.Pi * u2
	x := r * math.Cos(phi)
	y := r * math.Sin(phi)
	z := math.Sqrt(math.Max(0, 1-u1))

	tangent, bitangent := onbFrisvad(n)
	world := tangent.Mul(x).Add(bitangent.Mul(y)).Add(n.Mul(z)).Normalize()
	cosTheta := world.Dot(n)
	if cosTheta < 0 {
		cosTheta = 0
	}
	return world, cosTheta
}

func lambertPDF(cosTheta Real) Real {
	if cosTheta <= 0 {
		return 0
	}
	return cosTheta / math.Pi
}

// uniformSphereDir samples a direction uniformly over the sphere.
func uniformSphereDir(rng *rand.Rand) mgl64.Vec3 {
	z := 2*rng.Float64() - 1
	theta := 2 * math.Pi * rng.Float64()
	r := math.Sqrt(math.Max(0, 1-z*z))
	return mgl64.Vec3{r * math.Cos(theta), r * math.Sin(theta), z}
}

// Ray is a position plus a unit direction.
type Ray struct {
	Position  mgl64.Vec3
	Direction mgl64.Vec3
}

// TriangleVerts is a triangle expanded to its three corners.
type TriangleVerts struct {
	V0, V1, V2 mgl64.Vec3
}

func (t TriangleVerts) Normal() mgl64.Vec3 {
	return t.V1.Sub(t.V0).Cross(t.V2.Sub(t.V0)).Normalize()
}

// Mirror reflects the triangle through the plane of other.
func (t TriangleVerts) Mirror(other TriangleVerts) TriangleVerts {
	return TriangleVerts{
		mirrorPoint(t.V0, other),
		mirrorPoint(t.V1, other),
		mirrorPoint(t.V2, other),
	}
}

// intersectTriangle runs Moller-Trumbore. Returns the ray parameter and
// whether the hit lies inside the triangle (t > epsilon).
func intersectTriangle(r Ray, tri TriangleVerts) (Real, bool) {
	const eps = 1e-10
	e1 := tri.V1.Sub(tri.V0)
	e2 := tri.V2.Sub(tri.V0)
	p := r.Direction.Cross(e2)
	det := e1.Dot(p)
	if math.Abs(det) < eps {
		return 0, false
	}
	inv := 1 / det
	s := r.Position.Sub(tri.V0)
	u := s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := s.Cross(e1)
	v := r.Direction.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	t := e2.Dot(q) * inv
	if t <= eps {
		return 0, false
	}
	return t, true
}

// pointTriangleDistanceSq returns the squared distance from p to the closest
// point on the triangle.
func pointTriangleDistanceSq(tri TriangleVerts, p mgl64.Vec3) Real {
	// Ericson, Real-Time Collision Detection, closest-point-on-triangle.
	ab := tri.V1.Sub(tri.V0)
	ac := tri.V2.Sub(tri.V0)
	ap := p.Sub(tri.V0)

	d1 := ab.Dot(ap)
	d2 := ac.Dot(ap)
	if d1 <= 0 && d2 <= 0 {
		return ap.Dot(ap)
	}

	bp := p.Sub(tri.V1)
	d3 := ab.Dot(bp)
	d4 := ac.Dot(bp)
	if d3 >= 0 && d4 <= d3 {
		return bp.Dot(bp)
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		v := d1 / (d1 - d3)
		diff := ap.Sub(ab.Mul(v))
		return diff.Dot(diff)
	}

	cp := p.Sub(tri.V2)
	d5 := ab.Dot(cp)
	d6 := ac.Dot(cp)
	if d6 >= 0 && d5 <= d6 {
		return cp.Dot(cp)
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		w := d2 / (d2 - d6)
		diff := ap.Sub(ac.Mul(w))
		return diff.Dot(diff)
	}

	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		diff := bp.Sub(tri.V2.Sub(tri.V1).Mul(w))
		return diff.Dot(diff)
	}

	denom := 1 / (va + vb + vc)
	v := vb * denom
	w := vc * denom
	closest := tri.V0.Add(ab.Mul(v)).Add(ac.Mul(w))
	diff := p.Sub(closest)
	return diff.Dot(diff)
}

// AABB is an axis-aligned box.
type AABB struct {
	Min, Max mgl64.Vec3
}

func (b AABB) Dimensions() mgl64.Vec3 { return b.Max.Sub(b.Min) }

func (b AABB) Centre() mgl64.Vec3 { return b.Min.Add(b.Max).Mul(0.5) }

func (b AABB) Contains(p mgl64.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// Pad grows the box by d on every side.
func (b AABB) Pad(d Real) AABB {
	e := mgl64.Vec3{d, d, d}
	return AABB{b.Min.Sub(e), b.Max.Add(e)}
}

func computeAABB(points []mgl64.Vec3) AABB {
	if len(points) == 0 {
		return AABB{}
	}
	box := AABB{points[0], points[0]}
	for _, p := range points[1:] {
		for i := 0; i < 3; i++ {
			box.Min[i] = math.Min(box.Min[i], p[i])
			box.Max[i] = math.Max(box.Max[i], p[i])
		}
	}
	return box
}
