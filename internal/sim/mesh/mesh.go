// Package mesh turns a voxel grid into renderable face geometry.
//
// Only faces that border air, a transparent block or the grid edge are
// emitted. Output is split into buffers of at most MaxVertices vertices and
// every emitted triangle can be traced back to the cell and face it came
// from.
package mesh

import (
	"github.com/go-gl/mathgl/mgl32"

	"cubicworld.io/internal/sim/blocks"
	"cubicworld.io/internal/sim/voxel"
)

// DefaultMaxVertices keeps each buffer addressable with 16-bit indices.
const DefaultMaxVertices = 65000

// BlockLookup resolves block ids to definitions. *blocks.Registry
// implements it.
type BlockLookup interface {
	Block(id int16) (*blocks.Definition, bool)
}

type Options struct {
	MaxVertices int
}

func (o Options) maxVertices() int {
	n := o.MaxVertices
	if n <= 0 {
		n = DefaultMaxVertices
	}
	n -= n % 4
	if n < 4 {
		n = 4
	}
	return n
}

// FaceRef identifies the cell (grid-local) and physical face a quad was
// emitted for.
type FaceRef struct {
	X, Y, Z int
	Face    voxel.Face
}

// Buffer is one draw batch. Opaque and Transparent index Vertices; Quads[i]
// owns vertices 4i..4i+3.
type Buffer struct {
	Vertices    []mgl32.Vec3
	UVs         []mgl32.Vec2
	Opaque      []uint32
	Transparent []uint32
	Quads       []FaceRef
}

type Mesh struct {
	// Version is the grid version the mesh was built from.
	Version uint64
	Buffers []Buffer
	// Triangles has one entry per emitted triangle in emission order.
	Triangles []FaceRef

	Faces            int
	OpaqueFaces      int
	TransparentFaces int
}

type quad struct {
	ref         FaceRef
	uv          blocks.UVQuad
	transparent bool
}

type defCache struct {
	lookup BlockLookup
	defs   map[int16]*blocks.Definition
}

func (c *defCache) get(id int16) *blocks.Definition {
	if d, ok := c.defs[id]; ok {
		return d
	}
	var d *blocks.Definition
	if c.lookup != nil {
		d, _ = c.lookup.Block(id)
	}
	c.defs[id] = d
	return d
}

// Build meshes g while holding its lock. Unknown block ids mesh as opaque
// with zero UVs.
func Build(g *voxel.Grid, lookup BlockLookup, opts Options) *Mesh {
	cache := &defCache{lookup: lookup, defs: map[int16]*blocks.Definition{}}
	var (
		quads   []quad
		version uint64
	)
	g.View(func(v *voxel.View) {
		version = v.Version()
		w, h, d := v.Width(), v.Height(), v.Depth()
		for x := 0; x < w; x++ {
			for y := 0; y < h; y++ {
				for z := 0; z < d; z++ {
					c, _ := v.Cell(x, y, z)
					if !c.Solid() {
						continue
					}
					def := cache.get(c.BlockID)
					for _, f := range voxel.Faces {
						dx, dy, dz := f.Normal()
						if !exposed(v, cache, x+dx, y+dy, z+dz) {
							continue
						}
						q := quad{ref: FaceRef{X: x, Y: y, Z: z, Face: f}}
						if def != nil {
							q.uv = def.UV(voxel.TransformFace(f, c.Rotation))
							q.transparent = def.Transparent
						}
						quads = append(quads, q)
					}
				}
			}
		}
	})
	return assemble(quads, version, opts.maxVertices())
}

func exposed(v *voxel.View, cache *defCache, x, y, z int) bool {
	n, ok := v.Cell(x, y, z)
	if !ok || !n.Solid() {
		return true
	}
	d := cache.get(n.BlockID)
	return d != nil && d.Transparent
}

func assemble(quads []quad, version uint64, maxVerts int) *Mesh {
	perBuffer := maxVerts / 4
	m := &Mesh{
		Version:   version,
		Faces:     len(quads),
		Triangles: make([]FaceRef, 0, 2*len(quads)),
	}
	for start := 0; start < len(quads); start += perBuffer {
		batch := quads[start:min(start+perBuffer, len(quads))]
		b := Buffer{
			Vertices: make([]mgl32.Vec3, 0, 4*len(batch)),
			UVs:      make([]mgl32.Vec2, 0, 4*len(batch)),
			Quads:    make([]FaceRef, 0, len(batch)),
		}
		for i, q := range batch {
			t := &templates[q.ref.Face]
			origin := mgl32.Vec3{float32(q.ref.X), float32(q.ref.Y), float32(q.ref.Z)}
			for k := 0; k < 4; k++ {
				b.Vertices = append(b.Vertices, t.corners[k].Add(origin))
				b.UVs = append(b.UVs, q.uv[k])
			}
			base := uint32(4 * i)
			if q.transparent {
				for _, idx := range t.indices {
					b.Transparent = append(b.Transparent, base+idx)
				}
				m.TransparentFaces++
			} else {
				for _, idx := range t.indices {
					b.Opaque = append(b.Opaque, base+idx)
				}
				m.OpaqueFaces++
			}
			b.Quads = append(b.Quads, q.ref)
			m.Triangles = append(m.Triangles, q.ref, q.ref)
		}
		m.Buffers = append(m.Buffers, b)
	}
	return m
}

// TriangleToVoxel resolves a triangle index in emission order.
func (m *Mesh) TriangleToVoxel(tri int) (FaceRef, bool) {
	if m == nil || tri < 0 || tri >= len(m.Triangles) {
		return FaceRef{}, false
	}
	return m.Triangles[tri], true
}

// BufferTriangle resolves a triangle index within one buffer's opaque or
// transparent index list, as reported by a renderer's hit test.
func (m *Mesh) BufferTriangle(buffer int, transparent bool, tri int) (FaceRef, bool) {
	if m == nil || buffer < 0 || buffer >= len(m.Buffers) || tri < 0 {
		return FaceRef{}, false
	}
	b := &m.Buffers[buffer]
	idx := b.Opaque
	if transparent {
		idx = b.Transparent
	}
	if 3*tri+2 >= len(idx) {
		return FaceRef{}, false
	}
	return b.Quads[idx[3*tri]/4], true
}

func (m *Mesh) VertexCount() int {
	n := 0
	for i := range m.Buffers {
		n += len(m.Buffers[i].Vertices)
	}
	return n
}

func (m *Mesh) IndexCount() int {
	n := 0
	for i := range m.Buffers {
		n += len(m.Buffers[i].Opaque) + len(m.Buffers[i].Transparent)
	}
	return n
}

func (m *Mesh) Empty() bool { return m == nil || m.Faces == 0 }
