package gen

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"cubicworld.io/internal/sim/tuning"
	"cubicworld.io/internal/sim/voxel"
)

func TestFlat(t *testing.T) {
	g := voxel.New(4, 8, 4)
	f := Flat{Height: 4, Block: 2, Top: 1, Bedrock: 5}
	if err := f.GenerateChunk(g, mgl32.Vec3{-4, 0, 12}); err != nil {
		t.Fatalf("GenerateChunk: %v", err)
	}
	want := []int16{5, 2, 2, 1, voxel.Air, voxel.Air, voxel.Air, voxel.Air}
	for y, id := range want {
		c, _ := g.GetVoxel(2, y, 3)
		if c.BlockID != id {
			t.Fatalf("y=%d block %d want %d", y, c.BlockID, id)
		}
	}
}

func TestHeightDeterministic(t *testing.T) {
	cfg := tuning.Defaults().Terrain
	a := voxel.New(8, 48, 8)
	b := voxel.New(8, 48, 8)
	origin := mgl32.Vec3{-16, 0, 40}
	if err := NewHeight(cfg).GenerateChunk(a, origin); err != nil {
		t.Fatalf("GenerateChunk: %v", err)
	}
	if err := NewHeight(cfg).GenerateChunk(b, origin); err != nil {
		t.Fatalf("GenerateChunk: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("same seed and origin produced different chunks")
	}
	cfg.Seed++
	c := voxel.New(8, 48, 8)
	_ = NewHeight(cfg).GenerateChunk(c, origin)
	if a.Equal(c) {
		t.Fatalf("different seeds produced identical chunks")
	}
}

func TestHeightLayers(t *testing.T) {
	cfg := tuning.Defaults().Terrain
	cfg.OreChance = 0
	h := NewHeight(cfg)
	g := voxel.New(4, 64, 4)
	if err := h.GenerateChunk(g, mgl32.Vec3{}); err != nil {
		t.Fatalf("GenerateChunk: %v", err)
	}
	for x := 0; x < 4; x++ {
		for z := 0; z < 4; z++ {
			s := h.SurfaceAt(x, z)
			if s < 1 || s >= 64 {
				t.Fatalf("surface %d out of chunk", s)
			}
			if c, _ := g.GetVoxel(x, 0, z); c.BlockID != cfg.Blocks.Bedrock {
				t.Fatalf("no bedrock at %d,%d", x, z)
			}
			if c, _ := g.GetVoxel(x, s, z); c.BlockID != cfg.Blocks.Grass && s != 0 {
				t.Fatalf("surface block %d at %d,%d,%d", c.BlockID, x, s, z)
			}
			if s+1 < 64 && g.HasVoxel(x, s+1, z) {
				t.Fatalf("block above surface at %d,%d", x, z)
			}
		}
	}
}

func TestChunksTileSeamlessly(t *testing.T) {
	cfg := tuning.Defaults().Terrain
	h := NewHeight(cfg)
	left := voxel.New(4, 64, 4)
	right := voxel.New(4, 64, 4)
	wide := voxel.New(8, 64, 4)
	_ = h.GenerateChunk(left, mgl32.Vec3{0, 0, 0})
	_ = h.GenerateChunk(right, mgl32.Vec3{4, 0, 0})
	_ = h.GenerateChunk(wide, mgl32.Vec3{0, 0, 0})
	for x := 0; x < 8; x++ {
		for y := 0; y < 64; y++ {
			for z := 0; z < 4; z++ {
				w, _ := wide.GetVoxel(x, y, z)
				var part voxel.Cell
				if x < 4 {
					part, _ = left.GetVoxel(x, y, z)
				} else {
					part, _ = right.GetVoxel(x-4, y, z)
				}
				if w != part {
					t.Fatalf("seam mismatch at %d,%d,%d", x, y, z)
				}
			}
		}
	}
}

func TestCavesOnlyRemoveBlocks(t *testing.T) {
	cfg := tuning.Defaults().Terrain
	solid := voxel.New(16, 48, 16)
	caves := voxel.New(16, 48, 16)
	_ = NewHeight(cfg).GenerateChunk(solid, mgl32.Vec3{})
	_ = NewCaves(cfg).GenerateChunk(caves, mgl32.Vec3{})
	if caves.Count() > solid.Count() {
		t.Fatalf("caves added blocks: %d > %d", caves.Count(), solid.Count())
	}
	for x := 0; x < 16; x++ {
		for z := 0; z < 16; z++ {
			if !caves.HasVoxel(x, 0, z) {
				t.Fatalf("bedrock carved at %d,%d", x, z)
			}
		}
	}
}

func TestNewByType(t *testing.T) {
	cfg := tuning.Defaults().Terrain
	for _, typ := range []string{"flat", "height", "caves"} {
		cfg.Type = typ
		if _, err := New(cfg); err != nil {
			t.Fatalf("New(%s): %v", typ, err)
		}
	}
	cfg.Type = "ocean"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
