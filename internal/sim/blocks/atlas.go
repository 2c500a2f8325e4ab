package blocks

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrTextureSize     = errors.New("blocks: texture dimensions differ from the first texture")
	ErrAtlasNotBuilt   = errors.New("blocks: atlas not built")
	ErrUnknownTexture  = errors.New("blocks: unknown texture")
	ErrEmptyAtlas      = errors.New("blocks: no textures registered")
	ErrAtlasBuilt      = errors.New("blocks: atlas already built")
	ErrDuplicateBlock  = errors.New("blocks: block id already registered")
	ErrInvalidBlockID  = errors.New("blocks: block id must be in [0, 32767]")
	ErrMissingTextures = errors.New("blocks: block has no texture for every face")
)

type TextureID int

// UVQuad holds the texture coordinates of one tile, counter-clockwise from
// the bottom-left corner: (u,v) (u+w,v) (u+w,v+h) (u,v+h).
type UVQuad [4]mgl32.Vec2

// Atlas packs block textures and resolves their UV quads.
type Atlas interface {
	AddTexture(img image.Image) (TextureID, error)
	Build() error
	UV(id TextureID) (UVQuad, error)
}

// GridAtlas lays equally sized tiles out on a square grid in registration
// order. V runs bottom-up.
type GridAtlas struct {
	mu     sync.Mutex
	tiles  []image.Image
	tileW  int
	tileH  int
	cols   int
	image  *image.RGBA
	uvs    []UVQuad
	frozen bool
}

func NewGridAtlas() *GridAtlas { return &GridAtlas{} }

func (a *GridAtlas) AddTexture(img image.Image) (TextureID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return 0, ErrAtlasBuilt
	}
	b := img.Bounds()
	if len(a.tiles) == 0 {
		if b.Dx() <= 0 || b.Dy() <= 0 {
			return 0, fmt.Errorf("%w: empty image", ErrTextureSize)
		}
		a.tileW, a.tileH = b.Dx(), b.Dy()
	} else if b.Dx() != a.tileW || b.Dy() != a.tileH {
		return 0, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrTextureSize, b.Dx(), b.Dy(), a.tileW, a.tileH)
	}
	a.tiles = append(a.tiles, img)
	return TextureID(len(a.tiles) - 1), nil
}

func (a *GridAtlas) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tiles)
}

func (a *GridAtlas) Build() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return nil
	}
	n := len(a.tiles)
	if n == 0 {
		return ErrEmptyAtlas
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	w, h := cols*a.tileW, rows*a.tileH
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	uvs := make([]UVQuad, n)
	for i, tile := range a.tiles {
		cx, cy := i%cols, i/cols
		r := image.Rect(cx*a.tileW, cy*a.tileH, (cx+1)*a.tileW, (cy+1)*a.tileH)
		draw.Draw(dst, r, tile, tile.Bounds().Min, draw.Src)

		u0 := float32(r.Min.X) / float32(w)
		u1 := float32(r.Max.X) / float32(w)
		v0 := 1 - float32(r.Max.Y)/float32(h)
		v1 := 1 - float32(r.Min.Y)/float32(h)
		uvs[i] = UVQuad{{u0, v0}, {u1, v0}, {u1, v1}, {u0, v1}}
	}
	a.cols = cols
	a.image = dst
	a.uvs = uvs
	a.frozen = true
	a.tiles = nil
	return nil
}

func (a *GridAtlas) UV(id TextureID) (UVQuad, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.frozen {
		return UVQuad{}, ErrAtlasNotBuilt
	}
	if id < 0 || int(id) >= len(a.uvs) {
		return UVQuad{}, fmt.Errorf("%w: %d", ErrUnknownTexture, id)
	}
	return a.uvs[id], nil
}

// Image returns the packed atlas, or nil before Build.
func (a *GridAtlas) Image() *image.RGBA {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.image
}

// TileSize reports the shared texture dimensions.
func (a *GridAtlas) TileSize() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tileW, a.tileH
}
