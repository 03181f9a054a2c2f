package phiverb

import "testing"

func TestMortonInterleave(t *testing.T) {
	cases := []struct {
		x, y, z uint32
		want    uint64
	}{
		{0, 0, 0, 0},
		{1, 0, 0, 1},
		{0, 1, 0, 2},
		{0, 0, 1, 4},
		{1, 1, 1, 7},
		{2, 0, 0, 8},
		{3, 3, 3, 63},
	}
	for _, c := range cases {
		if got := mortonEncode3(c.x, c.y, c.z); got != c.want {
			t.Fatalf("morton(%d,%d,%d) = %d, want %d", c.x, c.y, c.z, got, c.want)
		}
	}
}

func TestMortonPreservesAxisOrder(t *testing.T) {
	// Along any single axis the key must be monotonic.
	prev := uint64(0)
	for i := uint32(1); i < 1024; i++ {
		k := mortonEncode3(i, 0, 0)
		if k <= prev {
			t.Fatalf("x-axis morton not monotonic at %d", i)
		}
		prev = k
	}
}

func TestMortonDistinct(t *testing.T) {
	seen := map[uint64]bool{}
	for x := uint32(0); x < 8; x++ {
		for y := uint32(0); y < 8; y++ {
			for z := uint32(0); z < 8; z++ {
				k := mortonEncode3(x, y, z)
				if seen[k] {
					t.Fatalf("duplicate key for (%d,%d,%d)", x, y, z)
				}
				seen[k] = true
			}
		}
	}
}
