// Package blocks holds block definitions, their per-face textures and the
// atlas the textures are packed into.
//
// Registration (textures, atlas build, block definitions) is expected to
// finish before chunks start meshing; lookups afterwards are read-only.
package blocks

import (
	"fmt"
	"image"
	"sort"
	"sync"

	"cubicworld.io/internal/sim/voxel"
)

// Definition describes one block type.
type Definition struct {
	ID          int16
	Name        string
	Transparent bool

	textures [6]TextureID
	set      [6]bool
	uvs      [6]UVQuad
}

// UV returns the atlas quad for a texture face. Faces without a resolved
// texture report a zero quad.
func (d *Definition) UV(f voxel.Face) UVQuad {
	if int(f) >= len(d.uvs) {
		return UVQuad{}
	}
	return d.uvs[f]
}

func (d *Definition) Texture(f voxel.Face) (TextureID, bool) {
	if int(f) >= len(d.textures) {
		return 0, false
	}
	return d.textures[f], d.set[f]
}

func (d *Definition) complete() bool {
	for _, ok := range d.set {
		if !ok {
			return false
		}
	}
	return true
}

type Registry struct {
	atlas Atlas

	mu    sync.RWMutex
	defs  map[int16]*Definition
	built bool
}

func NewRegistry(atlas Atlas) *Registry {
	if atlas == nil {
		atlas = NewGridAtlas()
	}
	return &Registry{atlas: atlas, defs: map[int16]*Definition{}}
}

func (r *Registry) Atlas() Atlas { return r.atlas }

// AddTexture registers a texture with the atlas; ids count up from zero.
func (r *Registry) AddTexture(img image.Image) (TextureID, error) {
	return r.atlas.AddTexture(img)
}

// BuildAtlas packs the textures and resolves UVs for every registered block.
func (r *Registry) BuildAtlas() error {
	if err := r.atlas.Build(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.built = true
	for _, d := range r.defs {
		if err := r.resolveLocked(d); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) resolveLocked(d *Definition) error {
	if !r.built {
		return nil
	}
	for i := range d.textures {
		if !d.set[i] {
			continue
		}
		uv, err := r.atlas.UV(d.textures[i])
		if err != nil {
			return fmt.Errorf("block %d (%s) %s: %w", d.ID, d.Name, voxel.Face(i), err)
		}
		d.uvs[i] = uv
	}
	return nil
}

// Register creates a definition for id. The first registration of an id
// wins; later attempts fail with ErrDuplicateBlock.
func (r *Registry) Register(id int16, name string) (*Builder, error) {
	if id < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockID, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.defs[id]; ok {
		return nil, fmt.Errorf("%w: %d (%s)", ErrDuplicateBlock, id, prev.Name)
	}
	d := &Definition{ID: id, Name: name}
	r.defs[id] = d
	return &Builder{r: r, d: d}, nil
}

// Block implements the mesh builder's lookup.
func (r *Registry) Block(id int16) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// BlockInfo is the serializable view of a definition.
type BlockInfo struct {
	ID          int16          `json:"id"`
	Name        string         `json:"name"`
	Transparent bool           `json:"transparent"`
	Textures    map[string]int `json:"textures"`
}

// Palette lists every block ordered by id.
func (r *Registry) Palette() []BlockInfo {
	r.mu.RLock()
	out := make([]BlockInfo, 0, len(r.defs))
	for _, d := range r.defs {
		bi := BlockInfo{ID: d.ID, Name: d.Name, Transparent: d.Transparent, Textures: map[string]int{}}
		for _, f := range voxel.Faces {
			if d.set[f] {
				bi.Textures[f.String()] = int(d.textures[f])
			}
		}
		out = append(out, bi)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByName finds a block id by its name.
func (r *Registry) ByName(name string) (int16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, d := range r.defs {
		if d.Name == name {
			return id, true
		}
	}
	return 0, false
}

// Builder configures a freshly registered block.
type Builder struct {
	r   *Registry
	d   *Definition
	err error
}

func (b *Builder) face(f voxel.Face, t TextureID) {
	b.d.textures[f] = t
	b.d.set[f] = true
}

// Faces assigns textures in the order top, bottom, left, right, front, back.
func (b *Builder) Faces(top, bottom, left, right, front, back TextureID) *Builder {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.face(voxel.Top, top)
	b.face(voxel.Bottom, bottom)
	b.face(voxel.Left, left)
	b.face(voxel.Right, right)
	b.face(voxel.Front, front)
	b.face(voxel.Back, back)
	b.resolve()
	return b
}

// Sides uses one texture for the four vertical faces.
func (b *Builder) Sides(top, bottom, sides TextureID) *Builder {
	return b.Faces(top, bottom, sides, sides, sides, sides)
}

func (b *Builder) All(t TextureID) *Builder {
	return b.Faces(t, t, t, t, t, t)
}

// Face sets a single face.
func (b *Builder) Face(f voxel.Face, t TextureID) *Builder {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.face(f, t)
	b.resolve()
	return b
}

func (b *Builder) Transparent(v bool) *Builder {
	b.r.mu.Lock()
	b.d.Transparent = v
	b.r.mu.Unlock()
	return b
}

func (b *Builder) resolve() {
	if err := b.r.resolveLocked(b.d); err != nil && b.err == nil {
		b.err = err
	}
}

// Err reports a texture resolution failure or a face left without a
// texture.
func (b *Builder) Err() error {
	b.r.mu.RLock()
	defer b.r.mu.RUnlock()
	if b.err != nil {
		return b.err
	}
	if !b.d.complete() {
		return fmt.Errorf("%w: %d (%s)", ErrMissingTextures, b.d.ID, b.d.Name)
	}
	return nil
}

// Definition returns the block being built.
func (b *Builder) Definition() *Definition { return b.d }
