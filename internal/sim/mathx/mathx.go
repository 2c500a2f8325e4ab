// Package mathx holds the integer helpers shared by the chunk engine:
// floor division for negative block coordinates and deterministic hashes
// for world generation.
package mathx

// FloorDiv rounds toward negative infinity. b must be positive.
func FloorDiv(a, b int) int {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}

// Mod is the non-negative remainder of a/b. b must be positive.
func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DistSq2 is the squared euclidean distance between two column coordinates.
func DistSq2(ax, az, bx, bz int) int {
	dx := ax - bx
	dz := az - bz
	return dx*dx + dz*dz
}

func splitmix(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func lane(v int) uint64 { return uint64(uint32(int32(v))) }

func Hash2(seed int64, x, z int) uint64 {
	return splitmix(uint64(seed) ^ lane(x)*0x9e3779b97f4a7c15 ^ lane(z)*0xbf58476d1ce4e5b9)
}

func Hash3(seed int64, x, y, z int) uint64 {
	return splitmix(uint64(seed) ^ lane(x)*0x9e3779b97f4a7c15 ^ lane(y)*0xc2b2ae3d27d4eb4f ^ lane(z)*0xbf58476d1ce4e5b9)
}

// Unit maps a hash onto [0,1).
func Unit(h uint64) float64 {
	return float64(h>>11) / float64(1<<53)
}
