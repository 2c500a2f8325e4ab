// Package observerproto defines the JSON messages exchanged with observer
// clients over HTTP and the observer websocket.
package observerproto

import (
	"cubicworld.io/internal/sim/blocks"
	"cubicworld.io/internal/sim/world/terrain/stream"
)

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeMove      = "MOVE"
	TypeEvent     = "EVENT"
	TypeTick      = "TICK"
)

// Envelope is decoded first to dispatch client messages on Type.
type Envelope struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Events are forwarded only for chunks within ChunkRadius of the
	// observer's chunk.
	ChunkRadius int `json:"chunk_radius"`
	// Kinds filters event kinds; empty means all.
	Kinds []stream.EventKind `json:"kinds,omitempty"`
}

// Client -> Server. Moves the world observer; the streamer admits and evicts
// around the new position on the next tick.
type MoveMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Position        [3]float32 `json:"position"`
}

// Server -> Client.
type EventMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Event           stream.Event `json:"event"`
}

// Server -> Client. Sent once per world tick.
type TickMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Tick            uint64            `json:"tick"`
	Observer        [3]float32        `json:"observer"`
	ObserverChunk   stream.ChunkCoord `json:"observer_chunk"`
	LoadedChunks    int               `json:"loaded_chunks"`
	PendingChunks   int               `json:"pending_chunks"`
	FailedChunks    int               `json:"failed_chunks"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string             `json:"protocol_version"`
	Tick            uint64             `json:"tick"`
	WorldParams     WorldParams        `json:"world_params"`
	Observer        [3]float32         `json:"observer"`
	BlockPalette    []blocks.BlockInfo `json:"block_palette"`
}

type WorldParams struct {
	TickRateHz    int    `json:"tick_rate_hz"`
	ChunkSize     [3]int `json:"chunk_size"`
	PreloadRadius int    `json:"preload_radius"`
	Terrain       string `json:"terrain"`
	Seed          int64  `json:"seed"`
	Persist       bool   `json:"persist"`
}

// BlockRequest is the body of PUT /v1/block. Either Block or Name selects
// the block; block -1 (or name "air") clears the cell.
type BlockRequest struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Z        int    `json:"z"`
	Block    *int16 `json:"block,omitempty"`
	Name     string `json:"name,omitempty"`
	Rotation *int   `json:"rotation,omitempty"`
}

type BlockResponse struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Z        int    `json:"z"`
	Present  bool   `json:"present"`
	Block    int16  `json:"block"`
	Name     string `json:"name,omitempty"`
	Rotation uint8  `json:"rotation"`
}

// ChunkResponse carries a chunk's cells as run-length base64 in x-major,
// then y, then z order.
type ChunkResponse struct {
	Coord   stream.ChunkCoord `json:"coord"`
	Origin  [3]int            `json:"origin"`
	Size    [3]int            `json:"size"`
	Version uint64            `json:"version"`
	Cells   string            `json:"cells"`
}
