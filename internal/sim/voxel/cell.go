// Package voxel implements the fixed-size block grid that backs a chunk.
//
// A Grid is guarded by a single mutex. Individual accessors take the lock
// themselves; View holds it for the duration of a callback so a mesh build or
// a save sees one consistent snapshot.
package voxel

import (
	"errors"
	"fmt"
)

// Air is the block id of an empty cell. Cells that were never written and
// cells explicitly cleared share this state.
const Air int16 = -1

// BytesPerCell is the serialized footprint of one cell: int16 id + rotation.
const BytesPerCell = 3

var ErrOutOfRange = errors.New("voxel: coordinate out of range")

type Cell struct {
	BlockID  int16
	Rotation uint8
}

func (c Cell) Solid() bool { return c.BlockID >= 0 }

var empty = Cell{BlockID: Air}

// Face names one side of a unit cube.
type Face uint8

const (
	Left Face = iota
	Right
	Top
	Bottom
	Front
	Back
)

// Faces lists every face in emission order.
var Faces = [6]Face{Left, Right, Top, Bottom, Front, Back}

func (f Face) String() string {
	switch f {
	case Left:
		return "left"
	case Right:
		return "right"
	case Top:
		return "top"
	case Bottom:
		return "bottom"
	case Front:
		return "front"
	case Back:
		return "back"
	default:
		return fmt.Sprintf("face(%d)", uint8(f))
	}
}

// ParseFace accepts the lower-case names produced by String.
func ParseFace(s string) (Face, bool) {
	for _, f := range Faces {
		if f.String() == s {
			return f, true
		}
	}
	return 0, false
}

// Normal is the unit offset toward the neighbour that shares the face.
// Front faces +Z and Back faces -Z.
func (f Face) Normal() (dx, dy, dz int) {
	switch f {
	case Left:
		return -1, 0, 0
	case Right:
		return 1, 0, 0
	case Top:
		return 0, 1, 0
	case Bottom:
		return 0, -1, 0
	case Front:
		return 0, 0, 1
	default:
		return 0, 0, -1
	}
}

func (f Face) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Face) UnmarshalText(b []byte) error {
	v, ok := ParseFace(string(b))
	if !ok {
		return fmt.Errorf("voxel: unknown face %q", b)
	}
	*f = v
	return nil
}
