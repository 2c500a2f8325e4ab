// Package snapshot writes portable backups of a chunk store: a JSON header
// line followed by a gob body, zstd-compressed.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"cubicworld.io/internal/persistence/chunkfile"
	"cubicworld.io/internal/sim/voxel"
)

const Version = 1

var ErrChunkSize = errors.New("snapshot: chunk size mismatch")

type Header struct {
	Version   int    `json:"version"`
	ChunkSize [3]int `json:"chunk_size"`
	Chunks    int    `json:"chunks"`
	CreatedAt string `json:"created_at"`
	// Palette is the digest of the block catalog the cells refer to.
	Palette string `json:"palette,omitempty"`
}

type SnapshotV1 struct {
	Header Header
	Chunks []ChunkV1
}

// ChunkV1 holds one chunk in the chunk file blob layout.
type ChunkV1 struct {
	X     int
	Z     int
	Cells []byte
}

// Source is the read side of a chunk store.
type Source interface {
	Keys() []chunkfile.Key
	GetChunkData(x, z, width, height, depth int) (*voxel.Grid, error)
}

// Sink is the write side of a chunk store.
type Sink interface {
	SetChunkData(x, z int, g *voxel.Grid) error
}

// Capture copies every chunk of src, in key order.
func Capture(src Source, width, height, depth int, palette string) (SnapshotV1, error) {
	keys := src.Keys()
	snap := SnapshotV1{
		Header: Header{
			Version:   Version,
			ChunkSize: [3]int{width, height, depth},
			Chunks:    len(keys),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			Palette:   palette,
		},
		Chunks: make([]ChunkV1, 0, len(keys)),
	}
	for _, k := range keys {
		g, err := src.GetChunkData(int(k.X), int(k.Z), width, height, depth)
		if err != nil {
			return snap, fmt.Errorf("chunk %d,%d: %w", k.X, k.Z, err)
		}
		b, err := g.MarshalBinary()
		if err != nil {
			return snap, err
		}
		snap.Chunks = append(snap.Chunks, ChunkV1{X: int(k.X), Z: int(k.Z), Cells: b})
	}
	return snap, nil
}

// Restore writes every chunk into dst.
func (s SnapshotV1) Restore(dst Sink) error {
	w, h, d := s.Header.ChunkSize[0], s.Header.ChunkSize[1], s.Header.ChunkSize[2]
	if w <= 0 || h <= 0 || d <= 0 {
		return fmt.Errorf("%w: %v", ErrChunkSize, s.Header.ChunkSize)
	}
	for _, c := range s.Chunks {
		g := voxel.New(w, h, d)
		if err := g.UnmarshalBinary(c.Cells); err != nil {
			return fmt.Errorf("chunk %d,%d: %w", c.X, c.Z, err)
		}
		if err := dst.SetChunkData(c.X, c.Z, g); err != nil {
			return fmt.Errorf("chunk %d,%d: %w", c.X, c.Z, err)
		}
	}
	return nil
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is repeated inside the gob body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}
