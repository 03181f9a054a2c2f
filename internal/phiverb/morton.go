package phiverb

// mortonPart3 spreads the low 21 bits of v so consecutive bits land three
// apart.
func mortonPart3(v uint32) uint64 {
	x := uint64(v)
	x = (x | (x << 32)) & 0x1F00000000FFFF
	x = (x | (x << 16)) & 0x1F0000FF0000FF
	x = (x | (x << 8)) & 0x100F00F00F00F00F
	x = (x | (x << 4)) & 0x10C30C30C30C30C3
	x = (x | (x << 2)) & 0x1249249249249249
	return x
}

// mortonEncode3 interleaves (x, y, z) into a Z-order key. Boundary tables
// are sorted by this key for cache locality.
func mortonEncode3(x, y, z uint32) uint64 {
	return (mortonPart3(z) << 2) | (mortonPart3(y) << 1) | mortonPart3(x)
}
