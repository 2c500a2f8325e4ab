package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cubicworld.io/internal/sim/world/terrain/stream"
)

func TestEventLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir, nil)
	off := int64(48)
	l.ChunkEvent(stream.Event{Tick: 1, Kind: stream.EventReady, Coord: stream.ChunkCoord{X: -2, Z: 3}, Source: stream.SourceGenerator})
	l.ChunkEvent(stream.Event{Tick: 2, Kind: stream.EventSaved, Coord: stream.ChunkCoord{X: -2, Z: 3}, Offset: &off})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := EventFiles(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("EventFiles: %v %v", files, err)
	}
	entries, err := ReadEvents(files[0])
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries %d", len(entries))
	}
	if entries[0].Kind != stream.EventReady || entries[0].Coord.X != -2 || entries[0].TS == "" {
		t.Fatalf("entry 0: %+v", entries[0])
	}
	if entries[1].Offset == nil || *entries[1].Offset != 48 {
		t.Fatalf("entry 1 offset: %+v", entries[1])
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "chunks")
	at := time.Date(2024, 5, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return at }
	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	at = at.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, name := range []string{"chunks-2024-05-01-10.jsonl.zst", "chunks-2024-05-01-11.jsonl.zst"} {
		st, err := os.Stat(filepath.Join(dir, name))
		if err != nil || st.Size() == 0 {
			t.Fatalf("missing rotated file %s: %v", name, err)
		}
	}
}
