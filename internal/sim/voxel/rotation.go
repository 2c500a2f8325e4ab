package voxel

// NormalizeRotation converts a rotation value into a quarter-turn count in
// [0,3]. Both quarter turns (0..3) and degrees (multiples of 90) are accepted.
func NormalizeRotation(r int) uint8 {
	if r%90 == 0 && (r > 3 || r < -3) {
		r /= 90
	}
	r %= 4
	if r < 0 {
		r += 4
	}
	return uint8(r)
}

// faceByRotation[r][physical] is the texture face shown on a physical side of
// a block turned r quarter turns around the Y axis.
var faceByRotation = [4][6]Face{
	{Left, Right, Top, Bottom, Front, Back},
	{Front, Back, Top, Bottom, Right, Left},
	{Right, Left, Top, Bottom, Back, Front},
	{Back, Front, Top, Bottom, Left, Right},
}

// TransformFace maps a physical face to the texture face for a rotation.
// Top and Bottom never change.
func TransformFace(f Face, rotation uint8) Face {
	if int(f) >= len(Faces) {
		return f
	}
	return faceByRotation[rotation&3][f]
}

// RotateXZ turns an (x,z) offset clockwise around Y by rot quarter turns.
func RotateXZ(x, z int, rot uint8) (int, int) {
	switch rot & 3 {
	case 1:
		return z, -x
	case 2:
		return -x, -z
	case 3:
		return -z, x
	default:
		return x, z
	}
}
