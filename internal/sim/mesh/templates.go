package mesh

import (
	"github.com/go-gl/mathgl/mgl32"

	"cubicworld.io/internal/sim/voxel"
)

// faceTemplate is a unit quad: four corners relative to the cell origin and
// the two triangles that cover it, wound to face outward.
type faceTemplate struct {
	corners [4]mgl32.Vec3
	indices [6]uint32
}

var templates = [6]faceTemplate{
	voxel.Left: {
		corners: [4]mgl32.Vec3{{0, 0, 1}, {0, 0, 0}, {0, 1, 0}, {0, 1, 1}},
		indices: [6]uint32{1, 0, 2, 0, 3, 2},
	},
	voxel.Right: {
		corners: [4]mgl32.Vec3{{1, 0, 0}, {1, 0, 1}, {1, 1, 1}, {1, 1, 0}},
		indices: [6]uint32{1, 0, 2, 0, 3, 2},
	},
	voxel.Top: {
		corners: [4]mgl32.Vec3{{0, 1, 0}, {1, 1, 0}, {1, 1, 1}, {0, 1, 1}},
		indices: [6]uint32{1, 0, 2, 0, 3, 2},
	},
	voxel.Bottom: {
		corners: [4]mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}},
		indices: [6]uint32{1, 2, 0, 2, 3, 0},
	},
	voxel.Front: {
		corners: [4]mgl32.Vec3{{1, 0, 1}, {0, 0, 1}, {0, 1, 1}, {1, 1, 1}},
		indices: [6]uint32{2, 1, 0, 0, 3, 2},
	},
	voxel.Back: {
		corners: [4]mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}},
		indices: [6]uint32{2, 1, 0, 0, 3, 2},
	},
}
