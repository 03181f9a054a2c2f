package phiverb

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// The image-source tracer enumerates specular paths by mirroring the
// source across ordered triangle sequences. Candidate sequences come from
// the stochastic tracer's specular chains; the multitree deduplicates
// shared prefixes so each branch is validated once.

// isTreeNode is one node of the image-source multitree: its children keyed
// by triangle id. The triangle hit at a depth is the key under which the
// parent stores the node.
type isTreeNode struct {
	children map[uint32]*isTreeNode
}

func newISTreeNode() *isTreeNode {
	return &isTreeNode{children: map[uint32]*isTreeNode{}}
}

// ImageSourceTree is the root over all candidate triangle sequences.
type ImageSourceTree struct {
	root *isTreeNode
}

func NewImageSourceTree() *ImageSourceTree {
	return &ImageSourceTree{root: newISTreeNode()}
}

// Push adds one ordered triangle sequence.
func (t *ImageSourceTree) Push(chain []uint32) {
	node := t.root
	for _, tri := range chain {
		child, ok := node.children[tri]
		if !ok {
			child = newISTreeNode()
			node.children[tri] = child
		}
		node = child
	}
}

// pathStep records one validated reflection along a path.
type pathStep struct {
	triangle uint32
	cosTheta Real
}

// findValidPaths walks every branch, validating the mirror construction
// geometrically, and calls emit for each valid path.
func (t *ImageSourceTree) findValidPaths(scene *VoxelisedScene, source, receiver mgl64.Vec3, emit func(image mgl64.Vec3, steps []pathStep)) {
	var walk func(node *isTreeNode, chain []uint32)
	walk = func(node *isTreeNode, chain []uint32) {
		if len(chain) > 0 {
			if image, steps, ok := validatePath(scene, source, receiver, chain); ok {
				emit(image, steps)
			}
		}
		// Deterministic traversal order regardless of map iteration.
		keys := make([]uint32, 0, len(node.children))
		for k := range node.children {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
		for _, k := range keys {
			walk(node.children[k], append(chain, k))
		}
	}
	walk(t.root, nil)
}

// validatePath reconstructs the physical reflection points of the mirror
// sequence and checks each segment for occlusion. Returns the final image
// position (whose distance to the receiver is the unfolded path length).
func validatePath(scene *VoxelisedScene, source, receiver mgl64.Vec3, chain []uint32) (mgl64.Vec3, []pathStep, bool) {
	k := len(chain)
	images := make([]mgl64.Vec3, k+1)
	images[0] = source
	for i, tri := range chain {
		images[i+1] = mirrorPoint(images[i], scene.Scene.TriangleVerts(int(tri)))
	}

	steps := make([]pathStep, k)
	points := make([]mgl64.Vec3, k+2)
	points[k+1] = receiver

	// Walk backwards: each segment from the later hit point towards the
	// image of the source mirrored through the first i triangles must
	// strike triangle i within its extent.
	for i := k; i >= 1; i-- {
		tri := scene.Scene.TriangleVerts(int(chain[i-1]))
		from := points[i+1]
		toward := images[i].Sub(from)
		dist := toward.Len()
		if dist < 1e-12 {
			return mgl64.Vec3{}, nil, false
		}
		dir := toward.Mul(1 / dist)
		t, hit := intersectTriangle(Ray{Position: from, Direction: dir}, tri)
		if !hit || t >= dist {
			return mgl64.Vec3{}, nil, false
		}
		points[i] = from.Add(dir.Mul(t))
		cos := dir.Dot(tri.Normal())
		if cos < 0 {
			cos = -cos
		}
		steps[i-1] = pathStep{triangle: chain[i-1], cosTheta: cos}
	}
	points[0] = source

	// Occlusion: every physical segment must be clear of other geometry.
	for i := 0; i <= k; i++ {
		var skipA, skipB uint32 = noTriangle, noTriangle
		if i > 0 {
			skipA = chain[i-1]
		}
		if i < k {
			skipB = chain[i]
		}
		if !scene.LineUnoccluded(points[i], points[i+1], skipA, skipB) {
			return mgl64.Vec3{}, nil, false
		}
	}
	return images[k], steps, true
}

// pathImpulse computes the per-band pressure impulse of a validated path.
// The default model applies angle-dependent wall-impedance reflectance at
// each bounce; flipPhase uses the flat reflectance with inverted sign.
func pathImpulse(scene *VoxelisedScene, receiver, image mgl64.Vec3, steps []pathStep, flipPhase bool) Impulse {
	volume := MakeBands(1)
	for _, s := range steps {
		surface := scene.Scene.TriangleSurface(int(s.triangle))
		if flipPhase {
			flat := absorptionToPressureReflectance(surface.Absorption).Scale(-1)
			volume = volume.Mul(flat)
		} else {
			z := pressureReflectanceToAverageWallImpedance(
				absorptionToPressureReflectance(surface.Absorption))
			volume = volume.Mul(averageWallImpedanceToPressureReflectance(z, s.cosTheta))
		}
	}
	return Impulse{
		Volume:   volume,
		Position: receiver,
		Distance: image.Sub(receiver).Len(),
	}
}

// getDirect is the zero-reflection line-of-sight contribution.
func getDirect(scene *VoxelisedScene, source, receiver mgl64.Vec3) (Impulse, bool) {
	if !scene.LineUnoccluded(source, receiver, noTriangle, noTriangle) {
		return Impulse{}, false
	}
	return Impulse{
		Volume:   MakeBands(1),
		Position: receiver,
		Distance: source.Sub(receiver).Len(),
	}, true
}

// runImageSource validates every candidate chain and produces the final
// weighted impulse list: reflectance product, distance attenuation, and
// the image-source MIS weight for covered orders.
func runImageSource(scene *VoxelisedScene, source, receiver mgl64.Vec3, env Environment, params RaytracerParams, chains [][]uint32) []Impulse {
	tree := NewImageSourceTree()
	for _, chain := range chains {
		if uint32(len(chain)) > params.MaxImageSourceOrder {
			chain = chain[:params.MaxImageSourceOrder]
		}
		tree.Push(chain)
	}

	weights := ComputeMISWeights(params.Rays, params.MISDeltaPDF)
	var impulses []Impulse

	weightFor := func(order int) Real {
		if uint32(order) <= params.MaxImageSourceOrder {
			return weights.ImageSource
		}
		return 1
	}

	tree.findValidPaths(scene, source, receiver, func(image mgl64.Vec3, steps []pathStep) {
		imp := pathImpulse(scene, receiver, image, steps, params.FlipPhase)
		scale := pressureForDistance(imp.Distance, env.AcousticImpedance) * weightFor(len(steps))
		imp.Volume = imp.Volume.Scale(scale)
		impulses = append(impulses, imp)
	})

	if direct, ok := getDirect(scene, source, receiver); ok {
		direct.Volume = direct.Volume.Scale(
			pressureForDistance(direct.Distance, env.AcousticImpedance) * weightFor(0))
		impulses = append(impulses, direct)
	}
	return impulses
}
