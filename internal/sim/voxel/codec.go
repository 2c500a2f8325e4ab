package voxel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodedSize is the exact byte length produced by Serialize.
func (g *Grid) EncodedSize() int { return g.Size() * BytesPerCell }

// Serialize writes every cell in x, y, z order as a little-endian int16
// block id followed by one rotation byte.
func (g *Grid) Serialize(w io.Writer) error {
	buf, _ := g.MarshalBinary()
	_, err := w.Write(buf)
	return err
}

// Deserialize reads exactly EncodedSize bytes and replaces every cell. The
// grid is marked dirty afterwards.
func (g *Grid) Deserialize(r io.Reader) error {
	buf := make([]byte, g.EncodedSize())
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("voxel: read %d bytes: %w", len(buf), err)
	}
	return g.decode(buf)
}

func (g *Grid) decode(buf []byte) error {
	if len(buf) != g.EncodedSize() {
		return fmt.Errorf("voxel: blob is %d bytes, want %d: %w", len(buf), g.EncodedSize(), io.ErrUnexpectedEOF)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.cells {
		o := i * BytesPerCell
		id := int16(binary.LittleEndian.Uint16(buf[o:]))
		if id < 0 {
			id = Air
		}
		g.cells[i] = Cell{BlockID: id, Rotation: buf[o+2] & 3}
	}
	g.touch()
	return nil
}

func (g *Grid) MarshalBinary() ([]byte, error) {
	buf := make([]byte, g.EncodedSize())
	g.mu.Lock()
	for i, c := range g.cells {
		o := i * BytesPerCell
		binary.LittleEndian.PutUint16(buf[o:], uint16(c.BlockID))
		buf[o+2] = c.Rotation
	}
	g.mu.Unlock()
	return buf, nil
}

// UnmarshalBinary requires the receiver to already have its dimensions.
func (g *Grid) UnmarshalBinary(data []byte) error {
	return g.decode(data)
}
