package stream

import (
	"sync"
	"sync/atomic"

	"cubicworld.io/internal/sim/mesh"
	"cubicworld.io/internal/sim/voxel"
)

type State int32

const (
	// StatePending: a load/generate job is queued or running.
	StatePending State = iota
	StateReady
	// StateFailed: generation gave up. The chunk stays empty until it leaves
	// and re-enters the preload radius.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChunkRecord is the streamer's handle on one resident chunk. Records are
// created and destroyed on the tick goroutine; the accessors are safe from
// any goroutine.
type ChunkRecord struct {
	coord ChunkCoord

	state     atomic.Int32
	grid      atomic.Pointer[voxel.Grid]
	mesh      atomic.Pointer[mesh.Mesh]
	building  atomic.Bool
	persisted atomic.Uint64

	source    Source
	noPersist bool

	mu  sync.Mutex
	err error
}

func newRecord(c ChunkCoord) *ChunkRecord {
	r := &ChunkRecord{coord: c}
	r.state.Store(int32(StatePending))
	return r
}

func (r *ChunkRecord) Coord() ChunkCoord { return r.coord }
func (r *ChunkRecord) State() State      { return State(r.state.Load()) }

// Grid is nil until the record is ready.
func (r *ChunkRecord) Grid() *voxel.Grid { return r.grid.Load() }

// Mesh is the last published geometry, nil before the first build.
func (r *ChunkRecord) Mesh() *mesh.Mesh { return r.mesh.Load() }

func (r *ChunkRecord) Source() Source { return r.source }

// Building reports whether a mesh rebuild is in flight.
func (r *ChunkRecord) Building() bool { return r.building.Load() }

func (r *ChunkRecord) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *ChunkRecord) ready(g *voxel.Grid, src Source, noPersist bool) {
	r.source = src
	r.noPersist = noPersist
	if src != SourceGenerator {
		r.persisted.Store(g.Version())
	}
	r.grid.Store(g)
	r.state.Store(int32(StateReady))
}

func (r *ChunkRecord) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.state.Store(int32(StateFailed))
}

// needsSave reports whether the grid changed since it was last handed to
// the store.
func (r *ChunkRecord) needsSave() bool {
	g := r.grid.Load()
	if g == nil || r.noPersist {
		return false
	}
	return g.Version() != r.persisted.Load()
}

func (r *ChunkRecord) publish(m *mesh.Mesh) {
	r.mesh.Store(m)
}
