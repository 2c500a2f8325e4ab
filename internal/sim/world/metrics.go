package world

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"cubicworld.io/internal/sim/world/terrain/stream"
)

// WorldMetrics is a read-only view of the engine, updated from the tick
// goroutine and read from HTTP handlers and tests.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`

	Observer      [3]float32        `json:"observer"`
	ObserverChunk stream.ChunkCoord `json:"observer_chunk"`

	LoadedChunks   int `json:"loaded_chunks"`
	PendingChunks  int `json:"pending_chunks"`
	FailedChunks   int `json:"failed_chunks"`
	PendingFlushes int `json:"pending_flushes"`
	Subscribers    int `json:"subscribers"`

	StepMS float64 `json:"step_ms"`

	LastTick stream.TickStats `json:"last_tick"`
	Totals   stream.Counters  `json:"totals"`
	Dropped  uint64           `json:"dropped_events"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	m, _ := w.metrics.Load().(WorldMetrics)
	return m
}

func (w *World) updateMetrics(st stream.TickStats, pos mgl32.Vec3, took time.Duration) {
	m := WorldMetrics{
		Tick:           st.Tick,
		Observer:       [3]float32{pos.X(), pos.Y(), pos.Z()},
		ObserverChunk:  w.streamer.WorldToChunk(pos),
		PendingFlushes: w.streamer.PendingFlushes(),
		Subscribers:    w.hub.count(),
		StepMS:         float64(took.Microseconds()) / 1000,
		LastTick:       st,
		Totals:         w.streamer.Counters(),
		Dropped:        w.hub.dropped.Load(),
	}
	for _, r := range w.streamer.Records() {
		switch r.State() {
		case stream.StateReady:
			m.LoadedChunks++
		case stream.StatePending:
			m.PendingChunks++
		case stream.StateFailed:
			m.FailedChunks++
		}
	}
	w.metrics.Store(m)
}
