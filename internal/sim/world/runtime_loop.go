package world

import (
	"context"
	"time"

	"cubicworld.io/internal/sim/world/terrain/stream"
)

// Run starts the background workers and ticks until ctx is cancelled or Stop
// is called. Close must be called after Run returns.
func (w *World) Run(ctx context.Context) error {
	w.Start(ctx)
	ticker := time.NewTicker(w.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case <-ticker.C:
			w.Step()
		}
	}
}

// Start launches generation and flush workers without running the ticker,
// for callers that drive Step themselves.
func (w *World) Start(ctx context.Context) {
	w.streamer.Start(ctx)
}

// Step advances the world one tick.
func (w *World) Step() stream.TickStats {
	start := time.Now()
	pos := w.Observer()
	st := w.streamer.Step(pos)
	w.updateMetrics(st, pos, time.Since(start))
	return st
}

func (w *World) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Close stops the loop, saves dirty chunks and releases subscribers.
func (w *World) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.Stop()
	err := w.streamer.Close()
	w.hub.close()
	return err
}
