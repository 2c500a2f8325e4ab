package voxel

import (
	"fmt"
	"sync"
)

// Grid is a width×height×depth block array with its own lock, dirty flag and
// mutation version.
type Grid struct {
	width, height, depth int

	mu      sync.Mutex
	cells   []Cell
	dirty   bool
	version uint64
}

func New(width, height, depth int) *Grid {
	if width <= 0 || height <= 0 || depth <= 0 {
		panic(fmt.Sprintf("voxel: invalid grid size %dx%dx%d", width, height, depth))
	}
	cells := make([]Cell, width*height*depth)
	for i := range cells {
		cells[i] = empty
	}
	return &Grid{width: width, height: height, depth: depth, cells: cells}
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }
func (g *Grid) Depth() int  { return g.depth }

// Size returns the cell count.
func (g *Grid) Size() int { return g.width * g.height * g.depth }

func (g *Grid) InBounds(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.width && y < g.height && z < g.depth
}

func (g *Grid) index(x, y, z int) int {
	return (x*g.height+y)*g.depth + z
}

func (g *Grid) mustIndex(op string, x, y, z int) int {
	if !g.InBounds(x, y, z) {
		panic(fmt.Errorf("%s(%d,%d,%d) on %dx%dx%d grid: %w", op, x, y, z, g.width, g.height, g.depth, ErrOutOfRange))
	}
	return g.index(x, y, z)
}

func (g *Grid) touch() {
	g.dirty = true
	g.version++
}

// SetVoxel writes a block id and resets the rotation. Out-of-range
// coordinates panic with an error wrapping ErrOutOfRange.
func (g *Grid) SetVoxel(x, y, z int, id int16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(x, y, z, id)
}

func (g *Grid) setLocked(x, y, z int, id int16) {
	i := g.mustIndex("SetVoxel", x, y, z)
	if id < 0 {
		id = Air
	}
	g.cells[i] = Cell{BlockID: id}
	g.touch()
}

// SetVoxelRotation changes the rotation of an existing cell.
func (g *Grid) SetVoxelRotation(x, y, z int, rotation uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.mustIndex("SetVoxelRotation", x, y, z)
	g.cells[i].Rotation = rotation & 3
	g.touch()
}

// GetVoxel reads one cell. Reads outside the grid report false instead of
// panicking so mesh and query code may look one cell past the edge.
func (g *Grid) GetVoxel(x, y, z int) (Cell, bool) {
	if !g.InBounds(x, y, z) {
		return Cell{}, false
	}
	g.mu.Lock()
	c := g.cells[g.index(x, y, z)]
	g.mu.Unlock()
	return c, true
}

func (g *Grid) HasVoxel(x, y, z int) bool {
	c, ok := g.GetVoxel(x, y, z)
	return ok && c.Solid()
}

func (g *Grid) Dirty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty
}

func (g *Grid) MarkDirty() {
	g.mu.Lock()
	g.touch()
	g.mu.Unlock()
}

func (g *Grid) Version() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// MarkClean clears the dirty flag if no mutation happened after version was
// observed. It reports whether the flag was cleared.
func (g *Grid) MarkClean(version uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.version != version {
		return false
	}
	g.dirty = false
	return true
}

// Lock and Unlock expose the grid mutex for callers that need to batch
// several CellLocked/SetLocked calls.
func (g *Grid) Lock()   { g.mu.Lock() }
func (g *Grid) Unlock() { g.mu.Unlock() }

// CellLocked reads a cell; the caller must hold the lock.
func (g *Grid) CellLocked(x, y, z int) (Cell, bool) {
	if !g.InBounds(x, y, z) {
		return Cell{}, false
	}
	return g.cells[g.index(x, y, z)], true
}

// SetLocked writes a cell; the caller must hold the lock.
func (g *Grid) SetLocked(x, y, z int, c Cell) {
	i := g.mustIndex("SetLocked", x, y, z)
	if c.BlockID < 0 {
		c.BlockID = Air
	}
	c.Rotation &= 3
	g.cells[i] = c
	g.touch()
}

// View runs fn with the grid lock held.
func (g *Grid) View(fn func(v *View)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&View{g: g})
}

// View is the unlocked accessor set handed to View callbacks. It must not
// escape the callback.
type View struct {
	g *Grid
}

func (v *View) Width() int      { return v.g.width }
func (v *View) Height() int     { return v.g.height }
func (v *View) Depth() int      { return v.g.depth }
func (v *View) Version() uint64 { return v.g.version }

func (v *View) Cell(x, y, z int) (Cell, bool) { return v.g.CellLocked(x, y, z) }

func (v *View) Has(x, y, z int) bool {
	c, ok := v.g.CellLocked(x, y, z)
	return ok && c.Solid()
}

func (v *View) Set(x, y, z int, id int16) { v.g.setLocked(x, y, z, id) }

func (v *View) SetCell(x, y, z int, c Cell) { v.g.SetLocked(x, y, z, c) }

// Clone deep-copies the cells. The copy keeps the version and dirty flag.
func (g *Grid) Clone() *Grid {
	g.mu.Lock()
	defer g.mu.Unlock()
	cells := make([]Cell, len(g.cells))
	copy(cells, g.cells)
	return &Grid{
		width:   g.width,
		height:  g.height,
		depth:   g.depth,
		cells:   cells,
		dirty:   g.dirty,
		version: g.version,
	}
}

// Equal compares dimensions and cells.
func (g *Grid) Equal(o *Grid) bool {
	if g == o {
		return true
	}
	if g.width != o.width || g.height != o.height || g.depth != o.depth {
		return false
	}
	other := o.Clone()
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.cells {
		if g.cells[i] != other.cells[i] {
			return false
		}
	}
	return true
}

// Count returns the number of solid cells.
func (g *Grid) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.cells {
		if c.Solid() {
			n++
		}
	}
	return n
}

// Cells returns a copy of every cell in x, y, z order.
func (g *Grid) Cells() []Cell {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Cell, len(g.cells))
	copy(out, g.cells)
	return out
}
