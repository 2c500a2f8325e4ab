package stream

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"cubicworld.io/internal/sim/mathx"
)

// ChunkCoord addresses one chunk column on the XZ plane.
type ChunkCoord struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (c ChunkCoord) String() string { return fmt.Sprintf("%d,%d", c.X, c.Z) }

func (c ChunkCoord) distSq(o ChunkCoord) int { return mathx.DistSq2(c.X, c.Z, o.X, o.Z) }

// WorldToChunk returns the chunk containing a world position.
func (s *Streamer) WorldToChunk(pos mgl32.Vec3) ChunkCoord {
	bx := int(math.Floor(float64(pos.X())))
	bz := int(math.Floor(float64(pos.Z())))
	c, _, _ := s.BlockToChunk(bx, bz)
	return c
}

// BlockToChunk splits absolute block coordinates into a chunk and the
// chunk-local x/z.
func (s *Streamer) BlockToChunk(x, z int) (ChunkCoord, int, int) {
	w, d := s.cfg.ChunkWidth, s.cfg.ChunkDepth
	return ChunkCoord{X: mathx.FloorDiv(x, w), Z: mathx.FloorDiv(z, d)}, mathx.Mod(x, w), mathx.Mod(z, d)
}

// ChunkOrigin is the world position of a chunk's cell (0,0,0).
func (s *Streamer) ChunkOrigin(c ChunkCoord) mgl32.Vec3 {
	return mgl32.Vec3{float32(c.X * s.cfg.ChunkWidth), 0, float32(c.Z * s.cfg.ChunkDepth)}
}
