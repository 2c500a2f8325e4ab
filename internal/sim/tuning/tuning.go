// Package tuning loads engine.yaml, the knobs of the chunk engine.
package tuning

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	TickRateHz int       `yaml:"tick_rate_hz"`
	Chunk      ChunkSize `yaml:"chunk"`

	// PreloadRadius is measured in chunks on the XZ plane.
	PreloadRadius         int  `yaml:"preload_radius"`
	SmoothLoading         bool `yaml:"smooth_loading"`
	SmoothingTicksPerLoad int  `yaml:"smoothing_ticks_per_load"`
	// MaxAdmitPerTick caps new chunk requests per tick; 0 means unlimited.
	MaxAdmitPerTick int `yaml:"max_admit_per_tick"`

	Persist            bool       `yaml:"persist"`
	ChunkFiles         ChunkFiles `yaml:"chunk_files"`
	AutosaveEveryTicks int        `yaml:"autosave_every_ticks"`

	Generation Generation `yaml:"generation"`
	Mesh       Mesh       `yaml:"mesh"`
	Terrain    Terrain    `yaml:"terrain"`
	Observer   Position   `yaml:"observer"`
}

// Position is the observer's starting point in world space.
type Position struct {
	X float32 `yaml:"x"`
	Y float32 `yaml:"y"`
	Z float32 `yaml:"z"`
}

type ChunkSize struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	Depth  int `yaml:"depth"`
}

type ChunkFiles struct {
	Dir    string `yaml:"dir"`
	Lookup string `yaml:"lookup"`
	Data   string `yaml:"data"`
}

type Generation struct {
	Workers           int `yaml:"workers"`
	MaxRetries        int `yaml:"max_retries"`
	RetryBackoffMs    int `yaml:"retry_backoff_ms"`
	MaxRetryBackoffMs int `yaml:"max_retry_backoff_ms"`
}

type Mesh struct {
	Workers     int `yaml:"workers"`
	MaxVertices int `yaml:"max_vertices"`
}

type Terrain struct {
	Type          string        `yaml:"type"`
	Seed          int64         `yaml:"seed"`
	Frequency     float64       `yaml:"frequency"`
	BaseHeight    int           `yaml:"base_height"`
	Amplitude     int           `yaml:"amplitude"`
	CaveThreshold float64       `yaml:"cave_threshold"`
	OreChance     float64       `yaml:"ore_chance"`
	Blocks        TerrainBlocks `yaml:"blocks"`
}

type TerrainBlocks struct {
	Grass   int16 `yaml:"grass"`
	Dirt    int16 `yaml:"dirt"`
	Stone   int16 `yaml:"stone"`
	Bedrock int16 `yaml:"bedrock"`
	Ore     int16 `yaml:"ore"`
}

var terrainTypes = []string{"flat", "height", "caves"}

func Defaults() Config {
	return Config{
		TickRateHz:            20,
		Chunk:                 ChunkSize{Width: 32, Height: 64, Depth: 32},
		PreloadRadius:         4,
		SmoothingTicksPerLoad: 5,
		Persist:               true,
		ChunkFiles:            ChunkFiles{Dir: "data/chunks", Lookup: "table.clt", Data: "data.cfd"},
		AutosaveEveryTicks:    600,
		Generation:            Generation{Workers: 1, MaxRetries: 3, RetryBackoffMs: 50, MaxRetryBackoffMs: 2000},
		Mesh:                  Mesh{Workers: 2, MaxVertices: 65000},
		Terrain: Terrain{
			Type:          "height",
			Seed:          1337,
			Frequency:     0.05,
			BaseHeight:    24,
			Amplitude:     16,
			CaveThreshold: 0.25,
			OreChance:     0.01,
			Blocks:        TerrainBlocks{Grass: 1, Dirt: 2, Stone: 3, Bedrock: 5, Ore: 9},
		},
		Observer: Position{Y: 40},
	}
}

// Load reads engine.yaml over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("engine.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("engine.yaml: %w", err)
	}
	return cfg, nil
}

// Normalize fills zero values that have an obvious default.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	d := Defaults()
	if c.TickRateHz <= 0 {
		c.TickRateHz = d.TickRateHz
	}
	if c.SmoothingTicksPerLoad <= 0 {
		c.SmoothingTicksPerLoad = d.SmoothingTicksPerLoad
	}
	if strings.TrimSpace(c.ChunkFiles.Lookup) == "" {
		c.ChunkFiles.Lookup = d.ChunkFiles.Lookup
	}
	if strings.TrimSpace(c.ChunkFiles.Data) == "" {
		c.ChunkFiles.Data = d.ChunkFiles.Data
	}
	if c.Generation.Workers <= 0 {
		c.Generation.Workers = 1
	}
	if c.Generation.RetryBackoffMs <= 0 {
		c.Generation.RetryBackoffMs = d.Generation.RetryBackoffMs
	}
	if c.Generation.MaxRetryBackoffMs < c.Generation.RetryBackoffMs {
		c.Generation.MaxRetryBackoffMs = c.Generation.RetryBackoffMs
	}
	if c.Mesh.Workers <= 0 {
		c.Mesh.Workers = 1
	}
	if c.Mesh.MaxVertices <= 0 {
		c.Mesh.MaxVertices = d.Mesh.MaxVertices
	}
	c.Terrain.Type = strings.ToLower(strings.TrimSpace(c.Terrain.Type))
	if c.Terrain.Type == "" {
		c.Terrain.Type = d.Terrain.Type
	}
	if c.Terrain.Frequency <= 0 {
		c.Terrain.Frequency = d.Terrain.Frequency
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Chunk.Width <= 0 || c.Chunk.Height <= 0 || c.Chunk.Depth <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %dx%dx%d", c.Chunk.Width, c.Chunk.Height, c.Chunk.Depth))
	}
	if c.Chunk.Width > 1<<12 || c.Chunk.Height > 1<<12 || c.Chunk.Depth > 1<<12 {
		errs = append(errs, fmt.Errorf("chunk size too large: %dx%dx%d", c.Chunk.Width, c.Chunk.Height, c.Chunk.Depth))
	}
	if c.PreloadRadius < 1 {
		errs = append(errs, fmt.Errorf("preload_radius must be >= 1, got %d", c.PreloadRadius))
	}
	if c.MaxAdmitPerTick < 0 {
		errs = append(errs, fmt.Errorf("max_admit_per_tick must be >= 0"))
	}
	if c.Persist && strings.TrimSpace(c.ChunkFiles.Dir) == "" {
		errs = append(errs, errors.New("chunk_files.dir is required when persist is on"))
	}
	if c.AutosaveEveryTicks < 0 {
		errs = append(errs, errors.New("autosave_every_ticks must be >= 0"))
	}
	if c.Generation.MaxRetries < 0 {
		errs = append(errs, errors.New("generation.max_retries must be >= 0"))
	}
	if c.Mesh.MaxVertices < 4 {
		errs = append(errs, fmt.Errorf("mesh.max_vertices must be >= 4, got %d", c.Mesh.MaxVertices))
	}
	known := false
	for _, t := range terrainTypes {
		if c.Terrain.Type == t {
			known = true
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("unknown terrain.type %q (want one of %s)", c.Terrain.Type, strings.Join(terrainTypes, ", ")))
	}
	if c.Terrain.OreChance < 0 || c.Terrain.OreChance > 1 {
		errs = append(errs, fmt.Errorf("terrain.ore_chance must be in [0,1]"))
	}
	return errors.Join(errs...)
}

// TickInterval is the wall time between ticks.
func (c Config) TickInterval() time.Duration {
	if c.TickRateHz <= 0 {
		return 50 * time.Millisecond
	}
	return time.Second / time.Duration(c.TickRateHz)
}

func (c Config) LookupPath() string { return filepath.Join(c.ChunkFiles.Dir, c.ChunkFiles.Lookup) }
func (c Config) DataPath() string   { return filepath.Join(c.ChunkFiles.Dir, c.ChunkFiles.Data) }

func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Generation.RetryBackoffMs) * time.Millisecond
}

func (c Config) MaxRetryBackoff() time.Duration {
	return time.Duration(c.Generation.MaxRetryBackoffMs) * time.Millisecond
}
