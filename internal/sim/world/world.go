// Package world is the engine facade: it owns the chunk streamer, tracks the
// observer and answers block queries in absolute coordinates.
package world

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"

	"cubicworld.io/internal/sim/blocks"
	"cubicworld.io/internal/sim/tuning"
	"cubicworld.io/internal/sim/voxel"
	"cubicworld.io/internal/sim/world/terrain/gen"
	"cubicworld.io/internal/sim/world/terrain/stream"
)

var (
	ErrChunkNotLoaded = errors.New("world: chunk not loaded")
	ErrClosed         = errors.New("world: closed")
)

// Deps are the collaborators a World is wired with. Zero fields fall back
// to the built-in palette, the generator named in the config and no
// persistence.
type Deps struct {
	Blocks    *blocks.Registry
	Generator gen.Generator
	Store     stream.Store
	Logger    *log.Logger
	Sinks     []stream.EventSink
}

type World struct {
	cfg      tuning.Config
	blocks   *blocks.Registry
	streamer *stream.Streamer
	logger   *log.Logger
	hub      *hub

	posMu    sync.Mutex
	observer mgl32.Vec3

	stop     chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool

	metrics atomic.Value
}

func New(cfg tuning.Config, deps Deps) (*World, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("world config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	reg := deps.Blocks
	if reg == nil {
		c, err := blocks.DefaultCatalog()
		if err != nil {
			return nil, err
		}
		reg = c.Registry
	}
	g := deps.Generator
	if g == nil {
		var err error
		if g, err = gen.New(cfg.Terrain); err != nil {
			return nil, err
		}
	}
	w := &World{
		cfg:      cfg,
		blocks:   reg,
		logger:   logger,
		hub:      newHub(deps.Sinks...),
		observer: mgl32.Vec3{cfg.Observer.X, cfg.Observer.Y, cfg.Observer.Z},
		stop:     make(chan struct{}),
	}
	w.streamer = stream.New(stream.ConfigFrom(cfg), g, deps.Store, reg,
		stream.WithLogger(logger),
		stream.WithEventSink(w.hub),
	)
	w.metrics.Store(WorldMetrics{})
	return w, nil
}

func (w *World) Config() tuning.Config    { return w.cfg }
func (w *World) Blocks() *blocks.Registry { return w.blocks }

// Streamer exposes the underlying streamer for tools and tests.
func (w *World) Streamer() *stream.Streamer { return w.streamer }

func (w *World) SetObserver(pos mgl32.Vec3) {
	w.posMu.Lock()
	w.observer = pos
	w.posMu.Unlock()
}

func (w *World) Observer() mgl32.Vec3 {
	w.posMu.Lock()
	defer w.posMu.Unlock()
	return w.observer
}

func (w *World) WorldToChunkCoord(pos mgl32.Vec3) stream.ChunkCoord {
	return w.streamer.WorldToChunk(pos)
}

// BlockToChunk splits absolute block x/z into a chunk and local offsets.
func (w *World) BlockToChunk(x, z int) (stream.ChunkCoord, int, int) {
	return w.streamer.BlockToChunk(x, z)
}

func (w *World) ChunkRecord(c stream.ChunkCoord) (*stream.ChunkRecord, bool) {
	return w.streamer.Record(c)
}

// locate resolves absolute block coordinates to a resident grid.
func (w *World) locate(x, y, z int) (*voxel.Grid, int, int, error) {
	if y < 0 || y >= w.cfg.Chunk.Height {
		return nil, 0, 0, fmt.Errorf("block %d,%d,%d: %w", x, y, z, voxel.ErrOutOfRange)
	}
	c, lx, lz := w.streamer.BlockToChunk(x, z)
	rec, ok := w.streamer.Record(c)
	if !ok || rec.State() != stream.StateReady {
		return nil, 0, 0, fmt.Errorf("chunk %s: %w", c, ErrChunkNotLoaded)
	}
	return rec.Grid(), lx, lz, nil
}

// GetBlock reads the cell at absolute coordinates. It reports false when the
// chunk is not resident or y is outside the world.
func (w *World) GetBlock(x, y, z int) (voxel.Cell, bool) {
	g, lx, lz, err := w.locate(x, y, z)
	if err != nil {
		return voxel.Cell{}, false
	}
	return g.GetVoxel(lx, y, lz)
}

func (w *World) HasBlock(x, y, z int) bool {
	c, ok := w.GetBlock(x, y, z)
	return ok && c.Solid()
}

// SetBlock writes a block id (voxel.Air clears). The owning chunk is marked
// dirty and remeshed on a later tick.
func (w *World) SetBlock(x, y, z int, id int16) error {
	g, lx, lz, err := w.locate(x, y, z)
	if err != nil {
		return err
	}
	g.SetVoxel(lx, y, lz, id)
	return nil
}

// SetBlockRotation accepts quarter turns or degrees.
func (w *World) SetBlockRotation(x, y, z int, rotation int) error {
	g, lx, lz, err := w.locate(x, y, z)
	if err != nil {
		return err
	}
	g.SetVoxelRotation(lx, y, lz, voxel.NormalizeRotation(rotation))
	return nil
}

// BlockHit is a triangle resolved to absolute block coordinates.
type BlockHit struct {
	X    int        `json:"x"`
	Y    int        `json:"y"`
	Z    int        `json:"z"`
	Face voxel.Face `json:"face"`
}

// TriangleToVoxel maps a triangle index of a chunk's published mesh to the
// block and physical face it belongs to.
func (w *World) TriangleToVoxel(c stream.ChunkCoord, tri int) (BlockHit, bool) {
	rec, ok := w.streamer.Record(c)
	if !ok {
		return BlockHit{}, false
	}
	ref, ok := rec.Mesh().TriangleToVoxel(tri)
	if !ok {
		return BlockHit{}, false
	}
	o := w.streamer.ChunkOrigin(c)
	return BlockHit{X: int(o.X()) + ref.X, Y: ref.Y, Z: int(o.Z()) + ref.Z, Face: ref.Face}, true
}

// ChunkInfo summarises one resident chunk.
type ChunkInfo struct {
	Coord   stream.ChunkCoord `json:"coord"`
	State   string            `json:"state"`
	Source  stream.Source     `json:"source,omitempty"`
	Version uint64            `json:"version"`
	Dirty   bool              `json:"dirty"`
	Faces   int               `json:"faces"`
	Buffers int               `json:"buffers"`
	Error   string            `json:"error,omitempty"`
}

func (w *World) Chunks() []ChunkInfo {
	recs := w.streamer.Records()
	out := make([]ChunkInfo, 0, len(recs))
	for _, r := range recs {
		ci := ChunkInfo{Coord: r.Coord(), State: r.State().String()}
		if g := r.Grid(); g != nil {
			ci.Source = r.Source()
			ci.Version = g.Version()
			ci.Dirty = g.Dirty()
		}
		if m := r.Mesh(); m != nil {
			ci.Faces = m.Faces
			ci.Buffers = len(m.Buffers)
		}
		if err := r.Err(); err != nil {
			ci.Error = err.Error()
		}
		out = append(out, ci)
	}
	return out
}

// Subscribe streams chunk events. Events are dropped for a subscriber whose
// buffer is full. cancel must be called to release the subscription.
func (w *World) Subscribe(buffer int) (<-chan stream.Event, func()) {
	return w.hub.subscribe(buffer)
}
