package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"cubicworld.io/internal/persistence/chunkfile"
	"cubicworld.io/internal/sim/voxel"
	"cubicworld.io/internal/sim/world/terrain/gen"
)

type memStore struct {
	mu     sync.Mutex
	blobs  map[ChunkCoord][]byte
	getErr error
	// failSets makes the next n SetChunkData calls fail.
	failSets int
	sets     int
	writes map[ChunkCoord]int
}

func newMemStore() *memStore {
	return &memStore{blobs: map[ChunkCoord][]byte{}, writes: map[ChunkCoord]int{}}
}

func (m *memStore) HasChunk(x, z int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[ChunkCoord{x, z}]
	return ok
}

func (m *memStore) GetChunkData(x, z, w, h, d int) (*voxel.Grid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	b, ok := m.blobs[ChunkCoord{x, z}]
	if !ok {
		return nil, chunkfile.ErrNotFound
	}
	g := voxel.New(w, h, d)
	if err := g.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return g, nil
}

func (m *memStore) SetChunkData(x, z int, g *voxel.Grid) error {
	b, _ := g.MarshalBinary()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSets > 0 {
		m.failSets--
		return &chunkfile.StorageError{Op: "write", Path: "data.cfd", Err: errors.New("disk full")}
	}
	m.blobs[ChunkCoord{x, z}] = b
	m.sets++
	m.writes[ChunkCoord{x, z}]++
	return nil
}

func (m *memStore) writesFor(c ChunkCoord) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[c]
}

func (m *memStore) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) ChunkEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(kind EventKind, c ChunkCoord) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && e.Coord == c {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func testConfig(radius int) Config {
	return Config{
		ChunkWidth:      4,
		ChunkHeight:     4,
		ChunkDepth:      4,
		PreloadRadius:   radius,
		Persist:         true,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 4 * time.Millisecond,
		MeshWorkers:     2,
	}
}

var flat = gen.Flat{Height: 2, Block: 2, Top: 1, Bedrock: 5}

func startStreamer(t *testing.T, cfg Config, g gen.Generator, store Store, opts ...Option) *Streamer {
	t.Helper()
	s := New(cfg, g, store, nil, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		_ = s.Close()
		cancel()
	})
	return s
}

// settle steps the streamer until cond holds.
func settle(t *testing.T, s *Streamer, pos mgl32.Vec3, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.Step(pos)
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", s)
}

func allReady(s *Streamer, n int) func() bool {
	return func() bool {
		recs := s.Records()
		if len(recs) != n {
			return false
		}
		for _, r := range recs {
			if r.State() != StateReady || r.Mesh() == nil || r.Grid().Dirty() {
				return false
			}
		}
		return true
	}
}

func TestAdmitsChunksWithinRadius(t *testing.T) {
	var calls atomic.Int32
	g := gen.Func(func(g *voxel.Grid, o mgl32.Vec3) error {
		calls.Add(1)
		return flat.GenerateChunk(g, o)
	})
	s := startStreamer(t, testConfig(2), g, nil)
	settle(t, s, mgl32.Vec3{1, 10, 1}, allReady(s, 9))
	for _, r := range s.Records() {
		if r.Coord().X < -1 || r.Coord().X > 1 || r.Coord().Z < -1 || r.Coord().Z > 1 {
			t.Fatalf("unexpected chunk %s", r.Coord())
		}
		if r.Mesh().Faces == 0 {
			t.Fatalf("chunk %s meshed empty", r.Coord())
		}
	}
	if calls.Load() != 9 {
		t.Fatalf("generator calls %d want 9", calls.Load())
	}
}

func TestWorldToChunkNegative(t *testing.T) {
	s := New(testConfig(1), nil, nil, nil)
	defer s.Close()
	if c := s.WorldToChunk(mgl32.Vec3{-0.5, 0, 4}); c != (ChunkCoord{-1, 1}) {
		t.Fatalf("WorldToChunk=%v", c)
	}
	c, lx, lz := s.BlockToChunk(-5, 7)
	if c != (ChunkCoord{-2, 1}) || lx != 3 || lz != 3 {
		t.Fatalf("BlockToChunk=%v %d %d", c, lx, lz)
	}
	if o := s.ChunkOrigin(ChunkCoord{-2, 1}); o != (mgl32.Vec3{-8, 0, 4}) {
		t.Fatalf("ChunkOrigin=%v", o)
	}
}

func TestSmoothingAdmitsNearestFirst(t *testing.T) {
	cfg := testConfig(3)
	cfg.SmoothLoading = true
	cfg.SmoothingTicksPerLoad = 3
	s := New(cfg, flat, nil, nil)
	defer s.Close()

	st := s.Step(mgl32.Vec3{})
	if st.Admitted != 1 {
		t.Fatalf("first tick admitted %d", st.Admitted)
	}
	if _, ok := s.Record(ChunkCoord{0, 0}); !ok {
		t.Fatalf("observer chunk should load first")
	}
	for i := 0; i < 2; i++ {
		if st := s.Step(mgl32.Vec3{}); st.Admitted != 0 {
			t.Fatalf("tick %d admitted %d during smoothing gap", st.Tick, st.Admitted)
		}
	}
	if st := s.Step(mgl32.Vec3{}); st.Admitted != 1 {
		t.Fatalf("tick %d admitted %d", st.Tick, st.Admitted)
	}
	if len(s.Records()) != 2 {
		t.Fatalf("records %d", len(s.Records()))
	}
	second := s.Records()
	for _, r := range second {
		if r.Coord().distSq(ChunkCoord{}) > 1 {
			t.Fatalf("second admission %s is not a neighbour", r.Coord())
		}
	}
}

func TestMaxAdmitPerTick(t *testing.T) {
	cfg := testConfig(3)
	cfg.MaxAdmitPerTick = 2
	s := New(cfg, flat, nil, nil)
	defer s.Close()
	if st := s.Step(mgl32.Vec3{}); st.Admitted != 2 {
		t.Fatalf("admitted %d", st.Admitted)
	}
}

func TestEvictionSavesAndReloads(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	s := startStreamer(t, testConfig(1), flat, store, WithEventSink(rec))
	home := mgl32.Vec3{1, 3, 1}
	origin := ChunkCoord{}
	settle(t, s, home, allReady(s, 1))

	r, _ := s.Record(origin)
	r.Grid().SetVoxel(2, 3, 2, 8)

	away := mgl32.Vec3{100, 3, 1}
	settle(t, s, away, func() bool {
		_, resident := s.Record(origin)
		return !resident && store.HasChunk(0, 0) && s.PendingFlushes() == 0
	})
	if rec.count(EventEvicted, origin) != 1 {
		t.Fatalf("evicted events %d", rec.count(EventEvicted, origin))
	}

	settle(t, s, home, func() bool {
		r, ok := s.Record(origin)
		return ok && r.State() == StateReady
	})
	r, _ = s.Record(origin)
	if r.Source() != SourceStore {
		t.Fatalf("reloaded from %s", r.Source())
	}
	if c, _ := r.Grid().GetVoxel(2, 3, 2); c.BlockID != 8 {
		t.Fatalf("edit lost across eviction: %+v", c)
	}
}

func TestCleanChunkIsNotRewritten(t *testing.T) {
	store := newMemStore()
	s := startStreamer(t, testConfig(1), flat, store)
	home := mgl32.Vec3{1, 3, 1}
	settle(t, s, home, allReady(s, 1))
	settle(t, s, mgl32.Vec3{100, 3, 1}, func() bool { return store.HasChunk(0, 0) && s.PendingFlushes() == 0 })
	settle(t, s, home, allReady(s, 1))
	settle(t, s, mgl32.Vec3{100, 3, 1}, func() bool { return len(s.Records()) == 1 })
	time.Sleep(10 * time.Millisecond)
	if n := store.writesFor(ChunkCoord{}); n != 1 {
		t.Fatalf("store writes %d, want 1", n)
	}
}

func TestEvictionCancelsPendingJob(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var calls atomic.Int32
	g := gen.Func(func(g *voxel.Grid, o mgl32.Vec3) error {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return flat.GenerateChunk(g, o)
	})
	rec := &recorder{}
	s := startStreamer(t, testConfig(1), g, nil, WithEventSink(rec))
	home := mgl32.Vec3{1, 1, 1}
	s.Step(home)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never started")
	}

	s.Step(mgl32.Vec3{100, 1, 1})
	if _, ok := s.Record(ChunkCoord{}); ok {
		t.Fatalf("record survived eviction")
	}
	close(release)
	time.Sleep(20 * time.Millisecond)
	s.Step(mgl32.Vec3{100, 1, 1})
	if rec.count(EventReady, ChunkCoord{}) != 0 {
		t.Fatalf("cancelled job produced a ready chunk")
	}

	settle(t, s, home, func() bool {
		r, ok := s.Record(ChunkCoord{})
		return ok && r.State() == StateReady
	})
	if calls.Load() < 2 {
		t.Fatalf("re-admission did not start a fresh job")
	}
}

func TestGenerationRetriesThenFails(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	g := gen.Func(func(*voxel.Grid, mgl32.Vec3) error {
		calls.Add(1)
		return boom
	})
	rec := &recorder{}
	s := startStreamer(t, testConfig(1), g, nil, WithEventSink(rec))
	settle(t, s, mgl32.Vec3{}, func() bool {
		r, ok := s.Record(ChunkCoord{})
		return ok && r.State() == StateFailed
	})
	r, _ := s.Record(ChunkCoord{})
	if !errors.Is(r.Err(), ErrGenerationFailed) {
		t.Fatalf("record error %v", r.Err())
	}
	if r.Grid() != nil {
		t.Fatalf("failed chunk has a grid")
	}
	if n := rec.count(EventRetry, ChunkCoord{}); n != 2 {
		t.Fatalf("retry events %d want 2", n)
	}
	ev, _ := rec.last(EventFailed)
	if ev.Attempts != 3 {
		t.Fatalf("failed after %d attempts", ev.Attempts)
	}
	for i := 0; i < 10; i++ {
		s.Step(mgl32.Vec3{})
	}
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 3 {
		t.Fatalf("failed chunk kept generating: %d calls", calls.Load())
	}
}

func TestTransientGenerationErrorRecovers(t *testing.T) {
	var calls atomic.Int32
	g := gen.Func(func(g *voxel.Grid, o mgl32.Vec3) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return flat.GenerateChunk(g, o)
	})
	s := startStreamer(t, testConfig(1), g, nil)
	settle(t, s, mgl32.Vec3{}, allReady(s, 1))
}

func TestGeneratorPanicIsContained(t *testing.T) {
	g := gen.Func(func(*voxel.Grid, mgl32.Vec3) error { panic("bad generator") })
	cfg := testConfig(1)
	cfg.MaxRetries = 0
	s := startStreamer(t, cfg, g, nil)
	settle(t, s, mgl32.Vec3{}, func() bool {
		r, ok := s.Record(ChunkCoord{})
		return ok && r.State() == StateFailed
	})
}

func TestMeshRebuildsAfterEdit(t *testing.T) {
	s := startStreamer(t, testConfig(1), flat, nil)
	settle(t, s, mgl32.Vec3{}, allReady(s, 1))
	r, _ := s.Record(ChunkCoord{})
	before := r.Mesh().Faces

	// Floating block: none of its faces touch the slab below.
	r.Grid().SetVoxel(1, 3, 1, 3)
	settle(t, s, mgl32.Vec3{}, func() bool {
		m := r.Mesh()
		return m.Version == r.Grid().Version() && !r.Grid().Dirty()
	})
	if r.Mesh().Faces != before+6 {
		t.Fatalf("faces %d want %d", r.Mesh().Faces, before+6)
	}
}

func TestConcurrentEditsConverge(t *testing.T) {
	s := startStreamer(t, testConfig(2), flat, nil)
	settle(t, s, mgl32.Vec3{}, allReady(s, 9))

	var wg sync.WaitGroup
	for i, r := range s.Records() {
		wg.Add(1)
		go func(i int, g *voxel.Grid) {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				g.SetVoxel(k%4, 2+k%2, (k+i)%4, int16(1+k%3))
			}
		}(i, r.Grid())
	}
	stop := make(chan struct{})
	go func() { wg.Wait(); close(stop) }()
	for done := false; !done; {
		select {
		case <-stop:
			done = true
		default:
			s.Step(mgl32.Vec3{})
			time.Sleep(time.Millisecond)
		}
	}
	settle(t, s, mgl32.Vec3{}, allReady(s, 9))
	for _, r := range s.Records() {
		if r.Mesh().Version != r.Grid().Version() {
			t.Fatalf("chunk %s mesh version %d grid %d", r.Coord(), r.Mesh().Version, r.Grid().Version())
		}
	}
}

func TestCloseFlushesDirtyChunks(t *testing.T) {
	store := newMemStore()
	s := New(testConfig(1), flat, store, nil)
	s.Start(context.Background())
	settle(t, s, mgl32.Vec3{}, allReady(s, 1))
	r, _ := s.Record(ChunkCoord{})
	r.Grid().SetVoxel(0, 3, 0, 9)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	g, err := store.GetChunkData(0, 0, 4, 4, 4)
	if err != nil {
		t.Fatalf("GetChunkData: %v", err)
	}
	if c, _ := g.GetVoxel(0, 3, 0); c.BlockID != 9 {
		t.Fatalf("edit not flushed on close")
	}
}

func TestLoadErrorDisablesPersistence(t *testing.T) {
	store := newMemStore()
	store.blobs[ChunkCoord{}] = []byte{1}
	store.getErr = &chunkfile.StorageError{Op: "read", Path: "data.cfd", Err: errors.New("disk on fire")}
	s := New(testConfig(1), flat, store, nil)
	s.Start(context.Background())
	settle(t, s, mgl32.Vec3{}, allReady(s, 1))
	r, _ := s.Record(ChunkCoord{})
	if r.Source() != SourceGenerator {
		t.Fatalf("source %s", r.Source())
	}
	r.Grid().SetVoxel(0, 3, 0, 9)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.setCount() != 0 {
		t.Fatalf("chunk with unreadable storage was overwritten")
	}
}

func TestAutosave(t *testing.T) {
	store := newMemStore()
	cfg := testConfig(1)
	cfg.AutosaveEveryTicks = 2
	s := startStreamer(t, cfg, flat, store)
	settle(t, s, mgl32.Vec3{}, func() bool { return store.HasChunk(0, 0) })
}

func TestFailedSaveRetriedOnClose(t *testing.T) {
	store := newMemStore()
	store.failSets = 1
	rec := &recorder{}
	s := New(testConfig(1), flat, store, nil, WithEventSink(rec))
	s.Start(context.Background())
	home := mgl32.Vec3{1, 3, 1}
	settle(t, s, home, allReady(s, 1))
	r, _ := s.Record(ChunkCoord{})
	r.Grid().SetVoxel(2, 3, 2, 8)

	settle(t, s, mgl32.Vec3{100, 3, 1}, func() bool {
		_, resident := s.Record(ChunkCoord{})
		return !resident && s.Counters().SaveErrors == 1
	})
	if store.HasChunk(0, 0) || s.PendingFlushes() != 1 {
		t.Fatalf("failed save should leave the snapshot pending")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	g, err := store.GetChunkData(0, 0, 4, 4, 4)
	if err != nil {
		t.Fatalf("GetChunkData: %v", err)
	}
	if c, _ := g.GetVoxel(2, 3, 2); c.BlockID != 8 {
		t.Fatalf("edit lost after failed save: %+v", c)
	}
	if rec.count(EventSaveFailed, ChunkCoord{}) != 1 || rec.count(EventSaved, ChunkCoord{}) != 1 {
		t.Fatalf("save events failed=%d saved=%d", rec.count(EventSaveFailed, ChunkCoord{}), rec.count(EventSaved, ChunkCoord{}))
	}
}

func TestAutosaveRetriesFailedSave(t *testing.T) {
	store := newMemStore()
	store.failSets = 1
	cfg := testConfig(1)
	cfg.AutosaveEveryTicks = 2
	s := startStreamer(t, cfg, flat, store)
	settle(t, s, mgl32.Vec3{}, func() bool {
		return store.HasChunk(0, 0) && s.PendingFlushes() == 0
	})
	if n := s.Counters().SaveErrors; n != 1 {
		t.Fatalf("save errors %d", n)
	}
	if n := store.writesFor(ChunkCoord{}); n != 1 {
		t.Fatalf("store writes %d, want 1", n)
	}
}
