// Package gen fills freshly created chunk grids with deterministic terrain.
package gen

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/ojrac/opensimplex-go"

	"cubicworld.io/internal/sim/mathx"
	"cubicworld.io/internal/sim/tuning"
	"cubicworld.io/internal/sim/voxel"
)

// Generator fills g, whose cell (0,0,0) sits at origin in world space.
// Implementations must be safe for concurrent use on distinct grids.
type Generator interface {
	GenerateChunk(g *voxel.Grid, origin mgl32.Vec3) error
}

// Func adapts a function to Generator.
type Func func(g *voxel.Grid, origin mgl32.Vec3) error

func (f Func) GenerateChunk(g *voxel.Grid, origin mgl32.Vec3) error { return f(g, origin) }

// New builds the generator named by cfg.Type.
func New(cfg tuning.Terrain) (Generator, error) {
	switch cfg.Type {
	case "flat":
		return Flat{Height: cfg.BaseHeight, Block: cfg.Blocks.Dirt, Top: cfg.Blocks.Grass, Bedrock: cfg.Blocks.Bedrock}, nil
	case "height":
		return NewHeight(cfg), nil
	case "caves":
		return NewCaves(cfg), nil
	default:
		return nil, fmt.Errorf("gen: unknown terrain type %q", cfg.Type)
	}
}

func worldOrigin(origin mgl32.Vec3) (int, int, int) {
	return int(origin.X()), int(origin.Y()), int(origin.Z())
}

// Flat fills every column up to Height. World y == 0 is bedrock and the top
// layer uses Top.
type Flat struct {
	Height  int
	Block   int16
	Top     int16
	Bedrock int16
}

func (f Flat) GenerateChunk(g *voxel.Grid, origin mgl32.Vec3) error {
	_, oy, _ := worldOrigin(origin)
	g.View(func(v *voxel.View) {
		for x := 0; x < v.Width(); x++ {
			for z := 0; z < v.Depth(); z++ {
				for y := 0; y < v.Height(); y++ {
					wy := oy + y
					switch {
					case wy >= f.Height:
					case wy == 0:
						v.Set(x, y, z, f.Bedrock)
					case wy == f.Height-1:
						v.Set(x, y, z, f.Top)
					default:
						v.Set(x, y, z, f.Block)
					}
				}
			}
		}
	})
	return nil
}

// Height shapes columns with 2D simplex noise: grass on top, a few layers of
// dirt, stone with scattered ore below and bedrock at world y 0.
type Height struct {
	seed      int64
	noise     opensimplex.Noise
	frequency float64
	base      int
	amplitude int
	oreChance float64
	blocks    tuning.TerrainBlocks
}

func NewHeight(cfg tuning.Terrain) *Height {
	return &Height{
		seed:      cfg.Seed,
		noise:     opensimplex.NewNormalized(cfg.Seed),
		frequency: cfg.Frequency,
		base:      cfg.BaseHeight,
		amplitude: cfg.Amplitude,
		oreChance: cfg.OreChance,
		blocks:    cfg.Blocks,
	}
}

// SurfaceAt returns the world y of the top solid block of column (wx, wz).
func (h *Height) SurfaceAt(wx, wz int) int {
	n := h.noise.Eval2(float64(wx)*h.frequency, float64(wz)*h.frequency)
	s := h.base + int((n*2-1)*float64(h.amplitude))
	if s < 1 {
		s = 1
	}
	return s
}

func (h *Height) blockAt(wx, wy, wz, surface int) int16 {
	switch {
	case wy > surface:
		return voxel.Air
	case wy == 0:
		return h.blocks.Bedrock
	case wy == surface:
		return h.blocks.Grass
	case wy > surface-4:
		return h.blocks.Dirt
	}
	if h.oreChance > 0 && mathx.Unit(mathx.Hash3(h.seed, wx, wy, wz)) < h.oreChance {
		return h.blocks.Ore
	}
	return h.blocks.Stone
}

func (h *Height) GenerateChunk(g *voxel.Grid, origin mgl32.Vec3) error {
	ox, oy, oz := worldOrigin(origin)
	g.View(func(v *voxel.View) {
		for x := 0; x < v.Width(); x++ {
			for z := 0; z < v.Depth(); z++ {
				surface := h.SurfaceAt(ox+x, oz+z)
				for y := 0; y < v.Height(); y++ {
					wy := oy + y
					if id := h.blockAt(ox+x, wy, oz+z, surface); id != voxel.Air {
						v.Set(x, y, z, id)
					}
				}
			}
		}
	})
	return nil
}

// Caves carves 3D simplex tunnels out of Height terrain. Cells whose noise
// value falls in (threshold, threshold+0.25) become air; bedrock is kept.
type Caves struct {
	*Height
	cave      opensimplex.Noise
	threshold float64
}

func NewCaves(cfg tuning.Terrain) *Caves {
	return &Caves{
		Height:    NewHeight(cfg),
		cave:      opensimplex.NewNormalized(cfg.Seed ^ 0x5deece66d),
		threshold: cfg.CaveThreshold,
	}
}

func (c *Caves) Hollow(wx, wy, wz int) bool {
	f := c.frequency * 2
	n := c.cave.Eval3(float64(wx)*f, float64(wy)*f, float64(wz)*f)
	return n > c.threshold && n < c.threshold+0.25
}

func (c *Caves) GenerateChunk(g *voxel.Grid, origin mgl32.Vec3) error {
	ox, oy, oz := worldOrigin(origin)
	g.View(func(v *voxel.View) {
		for x := 0; x < v.Width(); x++ {
			for z := 0; z < v.Depth(); z++ {
				surface := c.SurfaceAt(ox+x, oz+z)
				for y := 0; y < v.Height(); y++ {
					wx, wy, wz := ox+x, oy+y, oz+z
					id := c.blockAt(wx, wy, wz, surface)
					if id == voxel.Air || (wy > 0 && c.Hollow(wx, wy, wz)) {
						continue
					}
					v.Set(x, y, z, id)
				}
			}
		}
	})
	return nil
}
