package blocks

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"cubicworld.io/internal/sim/voxel"
)

//go:embed schema/blocks.schema.json
var catalogSchemaJSON string

//go:embed default_blocks.json
var defaultCatalogJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func catalogSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("blocks.schema.json", catalogSchemaJSON)
	})
	return schema, schemaErr
}

// Catalog is a registry loaded from a blocks.json file.
type Catalog struct {
	Registry *Registry
	Atlas    *GridAtlas
	Digest   string
}

type catalogFile struct {
	TileSize int           `json:"tile_size"`
	Textures []textureSpec `json:"textures"`
	Blocks   []blockSpec   `json:"blocks"`
}

type textureSpec struct {
	Name  string `json:"name"`
	File  string `json:"file,omitempty"`
	Color string `json:"color,omitempty"`
}

type blockSpec struct {
	ID          int16             `json:"id"`
	Name        string            `json:"name"`
	Transparent bool              `json:"transparent"`
	Faces       map[string]string `json:"faces"`
}

// LoadCatalog reads blocks.json. Texture files are resolved relative to the
// catalog's directory.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := ParseCatalog(raw, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// DefaultCatalog is the built-in palette of solid colour tiles.
func DefaultCatalog() (*Catalog, error) {
	c, err := ParseCatalog(defaultCatalogJSON, "")
	if err != nil {
		return nil, fmt.Errorf("default blocks: %w", err)
	}
	return c, nil
}

func ParseCatalog(raw []byte, baseDir string) (*Catalog, error) {
	sch, err := catalogSchema()
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, err
	}
	var f catalogFile
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	if f.TileSize <= 0 {
		f.TileSize = 16
	}

	atlas := NewGridAtlas()
	reg := NewRegistry(atlas)
	texIDs := map[string]TextureID{}
	for _, ts := range f.Textures {
		if _, dup := texIDs[ts.Name]; dup {
			return nil, fmt.Errorf("texture %q defined twice", ts.Name)
		}
		img, err := loadTexture(ts, baseDir, f.TileSize)
		if err != nil {
			return nil, fmt.Errorf("texture %q: %w", ts.Name, err)
		}
		id, err := reg.AddTexture(img)
		if err != nil {
			return nil, fmt.Errorf("texture %q: %w", ts.Name, err)
		}
		texIDs[ts.Name] = id
	}
	if err := reg.BuildAtlas(); err != nil {
		return nil, err
	}

	for _, bs := range f.Blocks {
		b, err := reg.Register(bs.ID, bs.Name)
		if err != nil {
			return nil, err
		}
		b.Transparent(bs.Transparent)
		for _, face := range voxel.Faces {
			name, ok := faceTexture(bs.Faces, face)
			if !ok {
				return nil, fmt.Errorf("block %q: no texture for %s face", bs.Name, face)
			}
			tid, ok := texIDs[name]
			if !ok {
				return nil, fmt.Errorf("block %q: unknown texture %q", bs.Name, name)
			}
			b.Face(face, tid)
		}
		if err := b.Err(); err != nil {
			return nil, err
		}
	}
	return &Catalog{Registry: reg, Atlas: atlas, Digest: sha256Hex(raw)}, nil
}

// faceTexture picks the most specific entry: the face name, then "sides"
// for vertical faces, then "all".
func faceTexture(faces map[string]string, f voxel.Face) (string, bool) {
	if n, ok := faces[f.String()]; ok {
		return n, true
	}
	if f != voxel.Top && f != voxel.Bottom {
		if n, ok := faces["sides"]; ok {
			return n, true
		}
	}
	n, ok := faces["all"]
	return n, ok
}

func loadTexture(ts textureSpec, baseDir string, tile int) (image.Image, error) {
	if ts.File != "" {
		p := ts.File
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		fh, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		img, _, err := image.Decode(fh)
		return img, err
	}
	c, err := parseHexColor(ts.Color)
	if err != nil {
		return nil, err
	}
	return SolidTile(c, tile), nil
}

// SolidTile is a size×size texture of one colour.
func SolidTile(c color.Color, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func parseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) == 6 {
		s += "ff"
	}
	if len(s) != 8 {
		return color.RGBA{}, fmt.Errorf("bad colour %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("bad colour %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
