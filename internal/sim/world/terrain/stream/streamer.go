// Package stream keeps the chunks around an observer resident.
//
// The tick goroutine owns the record map: it admits chunks that enter the
// preload radius, promotes finished jobs, evicts chunks that leave the
// radius and schedules mesh rebuilds. Loading and generation run on
// background workers, saves on a single flush goroutine and mesh builds on
// a worker pool. Job hand-off between them goes through one coordination
// lock.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-gl/mathgl/mgl32"

	"cubicworld.io/internal/sim/mesh"
	"cubicworld.io/internal/sim/tuning"
	"cubicworld.io/internal/sim/voxel"
	"cubicworld.io/internal/sim/world/terrain/gen"
)

var (
	ErrGenerationFailed = errors.New("stream: chunk generation failed")
	ErrClosed           = errors.New("stream: streamer closed")
)

// Store is the persistence the streamer loads from and flushes to.
// *chunkfile.Store implements it.
type Store interface {
	HasChunk(x, z int) bool
	GetChunkData(x, z, width, height, depth int) (*voxel.Grid, error)
	SetChunkData(x, z int, g *voxel.Grid) error
}

type offsetReporter interface {
	Offset(x, z int) (int64, bool)
}

type Config struct {
	ChunkWidth  int
	ChunkHeight int
	ChunkDepth  int

	PreloadRadius         int
	SmoothLoading         bool
	SmoothingTicksPerLoad int
	MaxAdmitPerTick       int
	AutosaveEveryTicks    int
	Persist               bool

	GenerationWorkers int
	MaxRetries        int
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration

	MeshWorkers int
	MaxVertices int
}

func ConfigFrom(t tuning.Config) Config {
	return Config{
		ChunkWidth:            t.Chunk.Width,
		ChunkHeight:           t.Chunk.Height,
		ChunkDepth:            t.Chunk.Depth,
		PreloadRadius:         t.PreloadRadius,
		SmoothLoading:         t.SmoothLoading,
		SmoothingTicksPerLoad: t.SmoothingTicksPerLoad,
		MaxAdmitPerTick:       t.MaxAdmitPerTick,
		AutosaveEveryTicks:    t.AutosaveEveryTicks,
		Persist:               t.Persist,
		GenerationWorkers:     t.Generation.Workers,
		MaxRetries:            t.Generation.MaxRetries,
		RetryBackoff:          t.RetryBackoff(),
		MaxRetryBackoff:       t.MaxRetryBackoff(),
		MeshWorkers:           t.Mesh.Workers,
		MaxVertices:           t.Mesh.MaxVertices,
	}
}

type Option func(*Streamer)

func WithLogger(l *log.Logger) Option {
	return func(s *Streamer) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithEventSink(sink EventSink) Option {
	return func(s *Streamer) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// TickStats summarises one Tick.
type TickStats struct {
	Tick     uint64
	Admitted int
	Ready    int
	Failed   int
	Evicted  int
	Meshing  int
	Flushed  int
}

// Counters are cumulative totals since the streamer was created.
type Counters struct {
	Generated  uint64 `json:"generated"`
	Loaded     uint64 `json:"loaded"`
	Retries    uint64 `json:"retries"`
	Failures   uint64 `json:"failures"`
	MeshBuilds uint64 `json:"mesh_builds"`
	Saves      uint64 `json:"saves"`
	SaveErrors uint64 `json:"save_errors"`
}

type jobState int

const (
	jobQueued jobState = iota
	jobRunning
	jobDone
	jobFailed
)

type job struct {
	coord     ChunkCoord
	state     jobState
	attempts  int
	notBefore time.Time

	grid      *voxel.Grid
	source    Source
	noPersist bool
	err       error
}

type flushReq struct {
	coord ChunkCoord
	grid  *voxel.Grid
}

type Streamer struct {
	cfg    Config
	gen    gen.Generator
	store  Store
	lookup mesh.BlockLookup
	logger *log.Logger
	sink   EventSink

	tick      atomic.Uint64
	lastAdmit uint64

	recMu   sync.RWMutex
	records map[ChunkCoord]*ChunkRecord

	// mu is the coordination lock between the tick goroutine, the
	// generation workers and the flusher.
	mu           sync.Mutex
	jobs         map[ChunkCoord]*job
	center       ChunkCoord
	pendingFlush map[ChunkCoord]*voxel.Grid
	flushQueue   []flushReq
	// failedFlush holds snapshots whose last save failed, until retried.
	failedFlush map[ChunkCoord]*voxel.Grid

	wake      chan struct{}
	flushWake chan struct{}
	flushStop chan struct{}

	pool pond.Pool

	cancel    context.CancelFunc
	workers   sync.WaitGroup
	flusher   sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool

	generated, loaded, retries, failures atomic.Uint64
	meshBuilds, saves, saveErrors        atomic.Uint64
}

// New builds a streamer. store may be nil, in which case nothing is loaded
// or saved.
func New(cfg Config, g gen.Generator, store Store, lookup mesh.BlockLookup, opts ...Option) *Streamer {
	if cfg.GenerationWorkers <= 0 {
		cfg.GenerationWorkers = 1
	}
	if cfg.MeshWorkers <= 0 {
		cfg.MeshWorkers = 1
	}
	if cfg.SmoothingTicksPerLoad <= 0 {
		cfg.SmoothingTicksPerLoad = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	s := &Streamer{
		cfg:          cfg,
		gen:          g,
		store:        store,
		lookup:       lookup,
		logger:       log.New(io.Discard, "", 0),
		sink:         nopSink{},
		records:      map[ChunkCoord]*ChunkRecord{},
		jobs:         map[ChunkCoord]*job{},
		pendingFlush: map[ChunkCoord]*voxel.Grid{},
		failedFlush:  map[ChunkCoord]*voxel.Grid{},
		wake:         make(chan struct{}, 1),
		flushWake:    make(chan struct{}, 1),
		flushStop:    make(chan struct{}),
		pool:         pond.NewPool(cfg.MeshWorkers),
	}
	if !cfg.Persist {
		s.store = nil
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Streamer) Config() Config { return s.cfg }

// Start launches the generation workers and the flusher. They stop on
// Close or when ctx is cancelled.
func (s *Streamer) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		for i := 0; i < s.cfg.GenerationWorkers; i++ {
			s.workers.Add(1)
			go s.worker(ctx)
		}
		s.flusher.Add(1)
		go s.flushLoop()
	})
}

func (s *Streamer) emit(e Event) {
	if e.Tick == 0 {
		e.Tick = s.tick.Load()
	}
	s.sink.ChunkEvent(e)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Streamer) Tick() uint64 { return s.tick.Load() }

// Step advances one tick around the observer. It must only be called from
// the goroutine that owns the streamer.
func (s *Streamer) Step(observer mgl32.Vec3) TickStats {
	st := TickStats{Tick: s.tick.Add(1)}
	if s.closed.Load() {
		return st
	}
	center := s.WorldToChunk(observer)
	s.mu.Lock()
	s.center = center
	s.mu.Unlock()

	st.Admitted = s.admit(center)
	st.Ready, st.Failed = s.collect()
	st.Evicted, st.Flushed = s.evict(center)
	st.Meshing = s.scheduleMeshes()
	if n := s.cfg.AutosaveEveryTicks; n > 0 && st.Tick%uint64(n) == 0 {
		st.Flushed += s.autosave()
	}
	return st
}

func (s *Streamer) inRadius(c, center ChunkCoord) bool {
	r := s.cfg.PreloadRadius
	return c.distSq(center) < r*r
}

func (s *Streamer) outOfRadius(c, center ChunkCoord) bool {
	r := s.cfg.PreloadRadius
	return c.distSq(center) > r*r
}

func (s *Streamer) admit(center ChunkCoord) int {
	tick := s.tick.Load()
	limit := s.cfg.MaxAdmitPerTick
	if s.cfg.SmoothLoading {
		if s.lastAdmit > 0 && tick-s.lastAdmit < uint64(s.cfg.SmoothingTicksPerLoad) {
			return 0
		}
		limit = 1
	}

	r := s.cfg.PreloadRadius
	var candidates []ChunkCoord
	s.recMu.RLock()
	for dx := -r; dx <= r; dx++ {
		for dz := -r; dz <= r; dz++ {
			c := ChunkCoord{X: center.X + dx, Z: center.Z + dz}
			if !s.inRadius(c, center) {
				continue
			}
			if _, ok := s.records[c]; !ok {
				candidates = append(candidates, c)
			}
		}
	}
	s.recMu.RUnlock()
	if len(candidates) == 0 {
		return 0
	}
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := candidates[i].distSq(center), candidates[j].distSq(center)
		if di != dj {
			return di < dj
		}
		if candidates[i].X != candidates[j].X {
			return candidates[i].X < candidates[j].X
		}
		return candidates[i].Z < candidates[j].Z
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	s.recMu.Lock()
	s.mu.Lock()
	for _, c := range candidates {
		s.records[c] = newRecord(c)
		s.jobs[c] = &job{coord: c}
	}
	s.mu.Unlock()
	s.recMu.Unlock()
	s.lastAdmit = tick
	for _, c := range candidates {
		s.emit(Event{Kind: EventPending, Coord: c})
	}
	signal(s.wake)
	return len(candidates)
}

func (s *Streamer) collect() (ready, failed int) {
	var done []*job
	s.mu.Lock()
	for c, j := range s.jobs {
		if j.state == jobDone || j.state == jobFailed {
			done = append(done, j)
			delete(s.jobs, c)
		}
	}
	s.mu.Unlock()

	for _, j := range done {
		s.recMu.RLock()
		rec := s.records[j.coord]
		s.recMu.RUnlock()
		if rec == nil {
			continue
		}
		if j.state == jobFailed {
			rec.fail(j.err)
			failed++
			s.failures.Add(1)
			s.logger.Printf("chunk %s: %v", j.coord, j.err)
			s.emit(Event{Kind: EventFailed, Coord: j.coord, Attempts: j.attempts, Err: j.err.Error()})
			continue
		}
		rec.ready(j.grid, j.source, j.noPersist)
		ready++
		if j.source == SourceGenerator {
			s.generated.Add(1)
		} else {
			s.loaded.Add(1)
		}
		s.emit(Event{Kind: EventReady, Coord: j.coord, Source: j.source, Attempts: j.attempts, Version: j.grid.Version()})
	}
	return ready, failed
}

func (s *Streamer) evict(center ChunkCoord) (evicted, flushed int) {
	var gone []*ChunkRecord
	s.recMu.Lock()
	for c, rec := range s.records {
		if s.outOfRadius(c, center) {
			gone = append(gone, rec)
			delete(s.records, c)
		}
	}
	s.recMu.Unlock()
	if len(gone) == 0 {
		return 0, 0
	}

	s.mu.Lock()
	for _, rec := range gone {
		// A running job notices the missing entry and drops its result.
		delete(s.jobs, rec.coord)
	}
	s.mu.Unlock()

	for _, rec := range gone {
		if rec.State() == StateReady && s.queueFlush(rec) {
			flushed++
		}
		s.emit(Event{Kind: EventEvicted, Coord: rec.coord})
	}
	return len(gone), flushed
}

func (s *Streamer) autosave() int {
	n := s.retryFailedSaves()
	for _, rec := range s.Records() {
		if rec.State() == StateReady && s.queueFlush(rec) {
			n++
		}
	}
	return n
}

// retryFailedSaves requeues snapshots whose save failed and that were not
// superseded by a newer snapshot since.
func (s *Streamer) retryFailedSaves() int {
	s.mu.Lock()
	n := 0
	for c, g := range s.failedFlush {
		delete(s.failedFlush, c)
		if s.pendingFlush[c] != g {
			continue
		}
		s.flushQueue = append(s.flushQueue, flushReq{coord: c, grid: g})
		n++
	}
	s.mu.Unlock()
	if n > 0 {
		signal(s.flushWake)
	}
	return n
}

// queueFlush snapshots a dirty grid and hands it to the flusher.
func (s *Streamer) queueFlush(rec *ChunkRecord) bool {
	if s.store == nil || !rec.needsSave() {
		return false
	}
	snap := rec.Grid().Clone()
	rec.persisted.Store(snap.Version())
	s.mu.Lock()
	s.pendingFlush[rec.coord] = snap
	s.flushQueue = append(s.flushQueue, flushReq{coord: rec.coord, grid: snap})
	s.mu.Unlock()
	signal(s.flushWake)
	return true
}

func (s *Streamer) scheduleMeshes() int {
	n := 0
	for _, rec := range s.Records() {
		rec := rec
		if rec.State() != StateReady {
			continue
		}
		g := rec.Grid()
		if !g.Dirty() || !rec.building.CompareAndSwap(false, true) {
			continue
		}
		n++
		s.pool.Submit(func() { s.buildMesh(rec, g) })
	}
	return n
}

func (s *Streamer) buildMesh(rec *ChunkRecord, g *voxel.Grid) {
	defer rec.building.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("chunk %s: mesh build panic: %v", rec.coord, r)
		}
	}()
	m := mesh.Build(g, s.lookup, mesh.Options{MaxVertices: s.cfg.MaxVertices})
	rec.publish(m)
	g.MarkClean(m.Version)
	s.meshBuilds.Add(1)
	s.emit(Event{Kind: EventMeshBuilt, Coord: rec.coord, Faces: m.Faces, Buffers: len(m.Buffers), Version: m.Version})
}

// Record returns the resident record for c.
func (s *Streamer) Record(c ChunkCoord) (*ChunkRecord, bool) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()
	r, ok := s.records[c]
	return r, ok
}

// Records returns the resident records ordered by coordinate.
func (s *Streamer) Records() []*ChunkRecord {
	s.recMu.RLock()
	out := make([]*ChunkRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.recMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].coord.X != out[j].coord.X {
			return out[i].coord.X < out[j].coord.X
		}
		return out[i].coord.Z < out[j].coord.Z
	})
	return out
}

// Pending is the number of jobs not yet promoted by a tick.
func (s *Streamer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// PendingFlushes is the number of snapshots not yet written.
func (s *Streamer) PendingFlushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingFlush)
}

func (s *Streamer) Counters() Counters {
	return Counters{
		Generated:  s.generated.Load(),
		Loaded:     s.loaded.Load(),
		Retries:    s.retries.Load(),
		Failures:   s.failures.Load(),
		MeshBuilds: s.meshBuilds.Load(),
		Saves:      s.saves.Load(),
		SaveErrors: s.saveErrors.Load(),
	}
}

// Close stops the workers and waits for mesh builds. It then saves every
// dirty resident chunk along with snapshots whose earlier save failed, and
// drains the flush queue. Like Step it belongs to the owning goroutine.
func (s *Streamer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.startOnce.Do(func() {
			// Never started: run the flusher so Close can drain.
			s.flusher.Add(1)
			go s.flushLoop()
		})
		if s.cancel != nil {
			s.cancel()
		}
		s.workers.Wait()
		s.pool.StopAndWait()
		for _, rec := range s.Records() {
			if rec.State() == StateReady {
				s.queueFlush(rec)
			}
		}
		s.retryFailedSaves()
		close(s.flushStop)
		s.flusher.Wait()
		if n := s.PendingFlushes(); n > 0 {
			err = fmt.Errorf("stream: %d chunk saves failed during close", n)
		}
	})
	return err
}

func (s *Streamer) String() string {
	return fmt.Sprintf("streamer(tick=%d records=%d pending=%d)", s.tick.Load(), len(s.Records()), s.Pending())
}
