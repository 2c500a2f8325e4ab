package stream

type EventKind string

const (
	EventPending    EventKind = "CHUNK_PENDING"
	EventReady      EventKind = "CHUNK_READY"
	EventFailed     EventKind = "CHUNK_FAILED"
	EventEvicted    EventKind = "CHUNK_EVICTED"
	EventRetry      EventKind = "GENERATION_RETRY"
	EventMeshBuilt  EventKind = "MESH_BUILT"
	EventSaved      EventKind = "CHUNK_SAVED"
	EventSaveFailed EventKind = "CHUNK_SAVE_FAILED"
)

// Source tells where a ready chunk's cells came from.
type Source string

const (
	SourceGenerator    Source = "generator"
	SourceStore        Source = "store"
	SourcePendingFlush Source = "pending_flush"
)

type Event struct {
	Tick     uint64     `json:"tick"`
	Kind     EventKind  `json:"kind"`
	Coord    ChunkCoord `json:"coord"`
	Source   Source     `json:"source,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
	Faces    int        `json:"faces,omitempty"`
	Buffers  int        `json:"buffers,omitempty"`
	Version  uint64     `json:"version,omitempty"`
	Offset   *int64     `json:"offset,omitempty"`
	Err      string     `json:"error,omitempty"`
}

// EventSink receives streamer events. It is called from the tick goroutine
// and from background workers, so implementations must be safe for
// concurrent use and must not block.
type EventSink interface {
	ChunkEvent(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) ChunkEvent(e Event) { f(e) }

type nopSink struct{}

func (nopSink) ChunkEvent(Event) {}
