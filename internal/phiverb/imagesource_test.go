package phiverb

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func rigidBoxScene() *VoxelisedScene {
	surface := Surface{} // alpha = 0, scattering = 0
	return MakeVoxelisedScene(MakeShoebox(mgl64.Vec3{2, 2, 2}, surface), 16, 2)
}

func TestGetDirect(t *testing.T) {
	scene := rigidBoxScene()
	s := mgl64.Vec3{0.5, 0.5, 0.5}
	r := mgl64.Vec3{1.5, 1.1, 0.9}
	direct, ok := getDirect(scene, s, r)
	if !ok {
		t.Fatal("direct path occluded inside an empty box")
	}
	if !nearly(direct.Distance, s.Sub(r).Len(), 1e-9) {
		t.Fatalf("direct distance %g, want %g", direct.Distance, s.Sub(r).Len())
	}
}

func TestValidateFirstOrderFloorReflection(t *testing.T) {
	scene := rigidBoxScene()
	s := mgl64.Vec3{0.8, 1.0, 0.6}
	r := mgl64.Vec3{1.2, 1.0, 0.6}

	// The floor (z = 0) is triangles 8 and 9 of the shoebox.
	found := false
	wantDistance := math.Sqrt(0.4*0.4 + 1.2*1.2) // unfolded over the mirror
	for _, tri := range []uint32{8, 9} {
		image, steps, ok := validatePath(scene, s, r, []uint32{tri})
		if !ok {
			continue
		}
		found = true
		if len(steps) != 1 {
			t.Fatalf("expected a single reflection, got %d", len(steps))
		}
		if !nearly(image.Sub(r).Len(), wantDistance, 1e-6) {
			t.Fatalf("unfolded distance %g, want %g", image.Sub(r).Len(), wantDistance)
		}
	}
	if !found {
		t.Fatal("floor reflection not validated by either floor triangle")
	}
}

func TestValidateRejectsWrongWall(t *testing.T) {
	scene := rigidBoxScene()
	s := mgl64.Vec3{0.2, 1.0, 1.8}
	r := mgl64.Vec3{0.3, 1.0, 1.7}
	// A chain that reflects twice off the same triangle is rejected for
	// every triangle of the box.
	valid := 0
	for tri := uint32(0); tri < 12; tri++ {
		if _, _, ok := validatePath(scene, s, r, []uint32{tri, tri}); ok {
			valid++
		}
	}
	// A path reflecting twice off the same plane can never validate.
	if valid != 0 {
		t.Fatalf("%d same-plane double bounces validated", valid)
	}
}

func TestDirectPathPeakIndex(t *testing.T) {
	scene := rigidBoxScene()
	env := DefaultEnvironment()
	s := mgl64.Vec3{0.5, 0.5, 0.5}
	r := mgl64.Vec3{1.5, 1.1, 0.9}

	params := testRayParams(1)
	impulses := runImageSource(scene, s, r, env, params, nil)
	if len(impulses) == 0 {
		t.Fatal("no impulses; direct path missing")
	}

	const outputRate = 8000.0
	signal := renderImpulses(impulses, env.SpeedOfSound, outputRate, 0)
	if len(signal) == 0 {
		t.Fatal("empty rendered signal")
	}
	peakIdx := 0
	peak := 0.0
	for i, v := range signal {
		if a := math.Abs(float64(v)); a > peak {
			peak = a
			peakIdx = i
		}
	}
	d := s.Sub(r).Len()
	want := int(math.Floor(d * outputRate / env.SpeedOfSound))
	if peakIdx < want-1 || peakIdx > want+1 {
		t.Fatalf("direct peak at sample %d, want %d +/- 1", peakIdx, want)
	}
}

func TestImageSourceRigidBoxReflectanceMagnitude(t *testing.T) {
	scene := rigidBoxScene()
	s := mgl64.Vec3{0.8, 1.0, 0.6}
	r := mgl64.Vec3{1.2, 1.0, 0.6}

	tree := NewImageSourceTree()
	tree.Push([]uint32{8})
	tree.Push([]uint32{9})

	count := 0
	tree.findValidPaths(scene, s, r, func(image mgl64.Vec3, steps []pathStep) {
		imp := pathImpulse(scene, r, image, steps, false)
		count++
		// Rigid walls reflect with unit magnitude in every band.
		for b, v := range imp.Volume {
			if !nearly(math.Abs(v), 1, 1e-3) {
				t.Fatalf("band %d reflectance magnitude %g, want 1", b, v)
			}
		}
	})
	if count == 0 {
		t.Fatal("no valid path over the floor")
	}
}

func TestImageSourceTreeDedupesPrefixes(t *testing.T) {
	tree := NewImageSourceTree()
	tree.Push([]uint32{1, 2, 3})
	tree.Push([]uint32{1, 2, 4})
	tree.Push([]uint32{1, 2, 3}) // duplicate
	if len(tree.root.children) != 1 {
		t.Fatalf("root fanout %d, want 1", len(tree.root.children))
	}
	n1 := tree.root.children[1]
	if len(n1.children) != 1 {
		t.Fatalf("level-1 fanout %d, want 1", len(n1.children))
	}
	if len(n1.children[2].children) != 2 {
		t.Fatalf("level-2 fanout %d, want 2", len(n1.children[2].children))
	}
}
