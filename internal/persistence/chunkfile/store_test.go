package chunkfile

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cubicworld.io/internal/sim/voxel"
)

func openTemp(t *testing.T) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	lp := filepath.Join(dir, "table.clt")
	dp := filepath.Join(dir, "data.cfd")
	s, err := Open(lp, dp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, lp, dp
}

func sampleGrid(id int16) *voxel.Grid {
	g := voxel.New(4, 3, 2)
	g.SetVoxel(0, 0, 0, id)
	g.SetVoxel(3, 2, 1, id+1)
	g.SetVoxelRotation(3, 2, 1, 2)
	return g
}

func TestMissingChunk(t *testing.T) {
	s, _, _ := openTemp(t)
	if s.HasChunk(0, 0) {
		t.Fatalf("empty store reports chunk")
	}
	if _, err := s.GetChunkData(0, 0, 4, 3, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendAndLayout(t *testing.T) {
	s, lp, dp := openTemp(t)
	blob := int64(4 * 3 * 2 * voxel.BytesPerCell)

	if err := s.SetChunkData(1, -2, sampleGrid(1)); err != nil {
		t.Fatalf("SetChunkData: %v", err)
	}
	if err := s.SetChunkData(-7, 3, sampleGrid(5)); err != nil {
		t.Fatalf("SetChunkData: %v", err)
	}

	raw, err := os.ReadFile(lp)
	if err != nil {
		t.Fatalf("read lookup: %v", err)
	}
	if len(raw) != 2*RecordSize {
		t.Fatalf("lookup size %d", len(raw))
	}
	if x := int32(binary.LittleEndian.Uint32(raw[0:])); x != 1 {
		t.Fatalf("record 0 x=%d", x)
	}
	if z := int32(binary.LittleEndian.Uint32(raw[4:])); z != -2 {
		t.Fatalf("record 0 z=%d", z)
	}
	if off := int64(binary.LittleEndian.Uint64(raw[24:])); off != blob {
		t.Fatalf("record 1 offset=%d want %d", off, blob)
	}
	st, err := os.Stat(dp)
	if err != nil {
		t.Fatalf("stat data: %v", err)
	}
	if st.Size() != 2*blob {
		t.Fatalf("data size %d", st.Size())
	}
}

func TestRoundTripAndOverwrite(t *testing.T) {
	s, lp, dp := openTemp(t)
	if err := s.SetChunkData(2, 2, sampleGrid(1)); err != nil {
		t.Fatalf("SetChunkData: %v", err)
	}
	if err := s.SetChunkData(3, 3, sampleGrid(9)); err != nil {
		t.Fatalf("SetChunkData: %v", err)
	}
	got, err := s.GetChunkData(2, 2, 4, 3, 2)
	if err != nil {
		t.Fatalf("GetChunkData: %v", err)
	}
	if !got.Equal(sampleGrid(1)) {
		t.Fatalf("round trip mismatch")
	}

	if err := s.SetChunkData(2, 2, sampleGrid(20)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.GetChunkData(2, 2, 4, 3, 2)
	if !got.Equal(sampleGrid(20)) {
		t.Fatalf("overwrite not visible")
	}
	neighbour, _ := s.GetChunkData(3, 3, 4, 3, 2)
	if !neighbour.Equal(sampleGrid(9)) {
		t.Fatalf("overwrite corrupted neighbour")
	}

	lst, _ := os.Stat(lp)
	dst, _ := os.Stat(dp)
	if lst.Size() != 2*RecordSize || dst.Size() != 2*int64(4*3*2*voxel.BytesPerCell) {
		t.Fatalf("overwrite grew files: lookup=%d data=%d", lst.Size(), dst.Size())
	}
}

func TestOverwriteSizeMismatch(t *testing.T) {
	s, _, _ := openTemp(t)
	if err := s.SetChunkData(0, 0, voxel.New(2, 2, 2)); err != nil {
		t.Fatalf("SetChunkData: %v", err)
	}
	if err := s.SetChunkData(1, 0, voxel.New(2, 2, 2)); err != nil {
		t.Fatalf("SetChunkData: %v", err)
	}
	err := s.SetChunkData(0, 0, voxel.New(3, 3, 3))
	if !errors.Is(err, ErrBlobSizeMismatch) {
		t.Fatalf("expected ErrBlobSizeMismatch, got %v", err)
	}
}

func TestReopenPreservesMapping(t *testing.T) {
	dir := t.TempDir()
	lp := filepath.Join(dir, "table.clt")
	dp := filepath.Join(dir, "data.cfd")
	s, err := Open(lp, dp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.SetChunkData(i, -i, sampleGrid(int16(i))); err != nil {
			t.Fatalf("SetChunkData: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	s2, err := Open(lp, dp)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.Len() != 5 {
		t.Fatalf("reopened len %d", s2.Len())
	}
	for i := 0; i < 5; i++ {
		g, err := s2.GetChunkData(i, -i, 4, 3, 2)
		if err != nil {
			t.Fatalf("GetChunkData(%d): %v", i, err)
		}
		if !g.Equal(sampleGrid(int16(i))) {
			t.Fatalf("chunk %d changed across reopen", i)
		}
	}
	keys := s2.Keys()
	if keys[0] != (Key{X: 0, Z: 0}) || keys[4] != (Key{X: 4, Z: -4}) {
		t.Fatalf("keys not sorted: %v", keys)
	}
}

func TestTornLookupTail(t *testing.T) {
	dir := t.TempDir()
	lp := filepath.Join(dir, "table.clt")
	dp := filepath.Join(dir, "data.cfd")
	s, err := Open(lp, dp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetChunkData(4, 4, sampleGrid(2)); err != nil {
		t.Fatalf("SetChunkData: %v", err)
	}
	_ = s.Close()

	f, err := os.OpenFile(lp, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open lookup: %v", err)
	}
	_, _ = f.Write([]byte{1, 2, 3, 4, 5})
	_ = f.Close()

	s2, err := Open(lp, dp)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if !s2.HasChunk(4, 4) || s2.Len() != 1 {
		t.Fatalf("torn tail lost valid records")
	}
	if err := s2.SetChunkData(5, 5, sampleGrid(3)); err != nil {
		t.Fatalf("append after repair: %v", err)
	}
	st, _ := os.Stat(lp)
	if st.Size() != 2*RecordSize {
		t.Fatalf("lookup size after repair %d", st.Size())
	}
}

func TestOverwriteLastChunkAfterTornTail(t *testing.T) {
	dir := t.TempDir()
	lp := filepath.Join(dir, "table.clt")
	dp := filepath.Join(dir, "data.cfd")
	blob := int64(4 * 3 * 2 * voxel.BytesPerCell)
	s, err := Open(lp, dp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for x := 0; x < 3; x++ {
		if err := s.SetChunkData(x, 0, sampleGrid(int16(x))); err != nil {
			t.Fatalf("SetChunkData(%d): %v", x, err)
		}
	}
	_ = s.Close()

	// The third record is torn; its blob stays in the data file unreferenced.
	if err := os.Truncate(lp, 2*RecordSize+7); err != nil {
		t.Fatalf("truncate lookup: %v", err)
	}
	s2, err := Open(lp, dp)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.Len() != 2 || s2.HasChunk(2, 0) {
		t.Fatalf("reopened len %d", s2.Len())
	}

	edited := sampleGrid(1)
	edited.SetVoxel(1, 1, 1, 42)
	if err := s2.SetChunkData(1, 0, edited); err != nil {
		t.Fatalf("overwrite last chunk: %v", err)
	}
	if off, _ := s2.Offset(1, 0); off != blob {
		t.Fatalf("overwrite moved chunk to %d", off)
	}
	g, err := s2.GetChunkData(1, 0, 4, 3, 2)
	if err != nil {
		t.Fatalf("GetChunkData: %v", err)
	}
	if !g.Equal(edited) {
		t.Fatalf("overwrite not read back")
	}

	if err := s2.SetChunkData(2, 0, sampleGrid(7)); err != nil {
		t.Fatalf("append after repair: %v", err)
	}
	if off, _ := s2.Offset(2, 0); off != 3*blob {
		t.Fatalf("re-added chunk at %d, want %d", off, 3*blob)
	}
	if err := s2.SetChunkData(1, 0, sampleGrid(1)); err != nil {
		t.Fatalf("overwrite interior slot: %v", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s, _, _ := openTemp(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.SetChunkData(i, i, sampleGrid(int16(i))); err != nil {
				t.Errorf("SetChunkData(%d): %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	seen := map[int64]bool{}
	for i := 0; i < 16; i++ {
		off, ok := s.Offset(i, i)
		if !ok || seen[off] {
			t.Fatalf("chunk %d offset %d ok=%v duplicate=%v", i, off, ok, seen[off])
		}
		seen[off] = true
		g, err := s.GetChunkData(i, i, 4, 3, 2)
		if err != nil || !g.Equal(sampleGrid(int16(i))) {
			t.Fatalf("chunk %d mismatch: %v", i, err)
		}
	}
}

func TestClosedStore(t *testing.T) {
	s, _, _ := openTemp(t)
	_ = s.Close()
	if err := s.SetChunkData(0, 0, voxel.New(1, 1, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
