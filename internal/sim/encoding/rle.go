// Package encoding holds the compact text form used to ship chunk cells to
// observers.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"cubicworld.io/internal/sim/voxel"
)

// packCell folds a cell into one varint: uint16(block id) << 2 | rotation.
// Air packs as 0xFFFF << 2.
func packCell(c voxel.Cell) uint64 {
	return uint64(uint16(c.BlockID))<<2 | uint64(c.Rotation&3)
}

func unpackCell(v uint64) voxel.Cell {
	return voxel.Cell{BlockID: int16(uint16(v >> 2)), Rotation: uint8(v & 3)}
}

// EncodeCells encodes cells as base64 of (packed cell, run length) uvarint
// pairs.
func EncodeCells(cells []voxel.Cell) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	for i := 0; i < len(cells); {
		c := cells[i]
		run := 1
		for j := i + 1; j < len(cells) && cells[j] == c; j++ {
			run++
		}
		n := binary.PutUvarint(tmp[:], packCell(c))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		i += run
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeCells reverses EncodeCells. limit bounds the decoded length.
func DecodeCells(b64 string, limit int) ([]voxel.Cell, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []voxel.Cell
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if v>>2 > 0xFFFF {
			return nil, fmt.Errorf("block id too large: %d", v>>2)
		}
		if run == 0 || uint64(len(out))+run > uint64(limit) {
			return nil, fmt.Errorf("run of %d exceeds limit %d", run, limit)
		}
		c := unpackCell(v)
		for k := uint64(0); k < run; k++ {
			out = append(out, c)
		}
	}
	return out, nil
}
