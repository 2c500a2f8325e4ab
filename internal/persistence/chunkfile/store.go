// Package chunkfile persists chunk grids in two files: a lookup table of
// fixed 16-byte records {x int32, z int32, offset int64} (little-endian) and
// a data file holding serialized grids back to back.
//
// New chunks are appended to the data file and get a lookup record; saving a
// known chunk overwrites its slot in place.
package chunkfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"cubicworld.io/internal/sim/voxel"
)

// RecordSize is the size of one lookup table entry.
const RecordSize = 16

type Key struct {
	X, Z int32
}

type Store struct {
	lookupPath string
	dataPath   string
	logger     *log.Logger

	dataMu sync.Mutex
	data   *os.File

	lookupMu sync.Mutex
	lookup   *os.File

	mu      sync.RWMutex
	offsets map[Key]int64
	closed  bool
}

type Option func(*Store)

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (creating if needed) the lookup and data files and loads the
// lookup table into memory.
func Open(lookupPath, dataPath string, opts ...Option) (*Store, error) {
	s := &Store{
		lookupPath: lookupPath,
		dataPath:   dataPath,
		logger:     log.New(io.Discard, "", 0),
		offsets:    map[Key]int64{},
	}
	for _, o := range opts {
		o(s)
	}
	for _, p := range []string{lookupPath, dataPath} {
		if dir := filepath.Dir(p); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
			}
		}
	}
	lf, err := os.OpenFile(lookupPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: lookupPath, Err: err}
	}
	df, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = lf.Close()
		return nil, &StorageError{Op: "open", Path: dataPath, Err: err}
	}
	s.lookup = lf
	s.data = df
	if err := s.loadLookup(); err != nil {
		_ = lf.Close()
		_ = df.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadLookup() error {
	raw, err := io.ReadAll(s.lookup)
	if err != nil {
		return &StorageError{Op: "read", Path: s.lookupPath, Err: err}
	}
	whole := len(raw) - len(raw)%RecordSize
	for o := 0; o < whole; o += RecordSize {
		k, off := decodeRecord(raw[o : o+RecordSize])
		if _, dup := s.offsets[k]; dup {
			continue
		}
		s.offsets[k] = off
	}
	if whole != len(raw) {
		s.logger.Printf("chunkfile: dropping %d-byte torn record at end of %s", len(raw)-whole, s.lookupPath)
		if err := s.lookup.Truncate(int64(whole)); err != nil {
			return &StorageError{Op: "truncate", Path: s.lookupPath, Err: err}
		}
	}
	if _, err := s.lookup.Seek(0, io.SeekEnd); err != nil {
		return &StorageError{Op: "seek", Path: s.lookupPath, Err: err}
	}
	return nil
}

func encodeRecord(k Key, off int64) []byte {
	var b [RecordSize]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(k.X))
	binary.LittleEndian.PutUint32(b[4:], uint32(k.Z))
	binary.LittleEndian.PutUint64(b[8:], uint64(off))
	return b[:]
}

func decodeRecord(b []byte) (Key, int64) {
	k := Key{
		X: int32(binary.LittleEndian.Uint32(b[0:])),
		Z: int32(binary.LittleEndian.Uint32(b[4:])),
	}
	return k, int64(binary.LittleEndian.Uint64(b[8:]))
}

func key(x, z int) Key { return Key{X: int32(x), Z: int32(z)} }

func (s *Store) HasChunk(x, z int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.offsets[key(x, z)]
	return ok
}

func (s *Store) Offset(x, z int) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off, ok := s.offsets[key(x, z)]
	return off, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offsets)
}

// Keys returns every stored chunk key ordered by x then z.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	out := make([]Key, 0, len(s.offsets))
	for k := range s.offsets {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Z < out[j].Z
	})
	return out
}

// GetChunkData reads the stored grid for (x, z) into a new grid of the given
// dimensions.
func (s *Store) GetChunkData(x, z, width, height, depth int) (*voxel.Grid, error) {
	s.mu.RLock()
	off, ok := s.offsets[key(x, z)]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, ErrNotFound
	}
	g := voxel.New(width, height, depth)
	r := io.NewSectionReader(s.data, off, int64(g.EncodedSize()))
	if err := g.Deserialize(r); err != nil {
		return nil, &StorageError{Op: fmt.Sprintf("read chunk %d,%d", x, z), Path: s.dataPath, Err: err}
	}
	return g, nil
}

// SetChunkData writes the grid for (x, z). A new key is appended at the end
// of the data file; an existing key is overwritten in place and the blob
// must fit the slot.
func (s *Store) SetChunkData(x, z int, g *voxel.Grid) error {
	var buf bytes.Buffer
	buf.Grow(g.EncodedSize())
	if err := g.Serialize(&buf); err != nil {
		return fmt.Errorf("chunkfile: serialize %d,%d: %w", x, z, err)
	}
	return s.write(key(x, z), buf.Bytes())
}

func (s *Store) write(k Key, blob []byte) error {
	s.mu.RLock()
	off, exists := s.offsets[k]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	s.dataMu.Lock()
	if exists {
		slot, err := s.slotSize(off)
		if err != nil {
			s.dataMu.Unlock()
			return err
		}
		if int64(len(blob)) > slot {
			s.dataMu.Unlock()
			return fmt.Errorf("%w: chunk %d,%d slot %d bytes, blob %d bytes", ErrBlobSizeMismatch, k.X, k.Z, slot, len(blob))
		}
	} else {
		st, err := s.data.Stat()
		if err != nil {
			s.dataMu.Unlock()
			return &StorageError{Op: "stat", Path: s.dataPath, Err: err}
		}
		off = st.Size()
	}
	if _, err := s.data.WriteAt(blob, off); err != nil {
		s.dataMu.Unlock()
		return &StorageError{Op: "write", Path: s.dataPath, Err: err}
	}
	if err := s.data.Sync(); err != nil {
		s.dataMu.Unlock()
		return &StorageError{Op: "sync", Path: s.dataPath, Err: err}
	}
	if exists {
		s.dataMu.Unlock()
		return nil
	}
	// dataMu stays held until the new offset is registered.
	s.lookupMu.Lock()
	_, err := s.lookup.Write(encodeRecord(k, off))
	if err == nil {
		err = s.lookup.Sync()
	}
	s.lookupMu.Unlock()
	if err != nil {
		s.dataMu.Unlock()
		return &StorageError{Op: "append", Path: s.lookupPath, Err: err}
	}
	s.mu.Lock()
	s.offsets[k] = off
	s.mu.Unlock()
	s.dataMu.Unlock()
	return nil
}

// slotSize returns the bytes between off and the next stored offset, or the
// end of the data file for the last slot. Bytes left by an append whose
// lookup record never landed count toward the preceding slot, so the result
// is an upper bound. Caller holds dataMu.
func (s *Store) slotSize(off int64) (int64, error) {
	st, err := s.data.Stat()
	if err != nil {
		return 0, &StorageError{Op: "stat", Path: s.dataPath, Err: err}
	}
	end := st.Size()
	s.mu.RLock()
	for _, o := range s.offsets {
		if o > off && o < end {
			end = o
		}
	}
	s.mu.RUnlock()
	return end - off, nil
}

// Close is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.dataMu.Lock()
	derr := s.data.Close()
	s.dataMu.Unlock()
	s.lookupMu.Lock()
	lerr := s.lookup.Close()
	s.lookupMu.Unlock()
	if derr != nil {
		return &StorageError{Op: "close", Path: s.dataPath, Err: derr}
	}
	if lerr != nil {
		return &StorageError{Op: "close", Path: s.lookupPath, Err: lerr}
	}
	return nil
}
