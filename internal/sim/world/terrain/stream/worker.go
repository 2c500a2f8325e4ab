package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cubicworld.io/internal/persistence/chunkfile"
	"cubicworld.io/internal/sim/voxel"
)

const idlePoll = 250 * time.Millisecond

func (s *Streamer) worker(ctx context.Context) {
	defer s.workers.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		j, wait := s.nextJob()
		if j == nil {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-s.wake:
			case <-t.C:
			}
			t.Stop()
			continue
		}
		s.runJob(j)
		// Let sibling workers see queued jobs without waiting for a tick.
		signal(s.wake)
	}
}

// nextJob claims the queued job closest to the observer. When nothing is
// runnable it returns how long to sleep.
func (s *Streamer) nextJob() (*job, time.Duration) {
	now := time.Now()
	wait := idlePoll
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *job
	bestDist := 0
	for _, j := range s.jobs {
		if j.state != jobQueued {
			continue
		}
		if j.notBefore.After(now) {
			if d := j.notBefore.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		d := j.coord.distSq(s.center)
		if best == nil || d < bestDist {
			best, bestDist = j, d
		}
	}
	if best != nil {
		best.state = jobRunning
	}
	return best, wait
}

func (s *Streamer) runJob(j *job) {
	g, src, noPersist, err := s.produce(j.coord)

	var retry *Event
	s.mu.Lock()
	if s.jobs[j.coord] != j {
		s.mu.Unlock()
		return
	}
	j.attempts++
	switch {
	case err == nil:
		j.grid, j.source, j.noPersist = g, src, noPersist
		j.state = jobDone
	case j.attempts > s.cfg.MaxRetries:
		j.err = fmt.Errorf("%w: chunk %s after %d attempts: %v", ErrGenerationFailed, j.coord, j.attempts, err)
		j.state = jobFailed
	default:
		j.state = jobQueued
		j.notBefore = time.Now().Add(s.backoff(j.attempts))
		retry = &Event{Kind: EventRetry, Coord: j.coord, Attempts: j.attempts, Err: err.Error()}
	}
	s.mu.Unlock()

	if retry != nil {
		s.retries.Add(1)
		s.logger.Printf("chunk %s: generation attempt %d failed: %v", j.coord, j.attempts, err)
		s.emit(*retry)
	}
}

// backoff doubles from RetryBackoff per attempt up to MaxRetryBackoff.
func (s *Streamer) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBackoff
	for i := 1; i < attempt && d < s.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxRetryBackoff {
		d = s.cfg.MaxRetryBackoff
	}
	return d
}

// produce finds the cells for a chunk: an unwritten snapshot first, then
// the store, then the generator.
func (s *Streamer) produce(c ChunkCoord) (*voxel.Grid, Source, bool, error) {
	s.mu.Lock()
	snap := s.pendingFlush[c]
	s.mu.Unlock()
	if snap != nil {
		return snap.Clone(), SourcePendingFlush, false, nil
	}

	noPersist := false
	if s.store != nil && s.store.HasChunk(c.X, c.Z) {
		g, err := s.store.GetChunkData(c.X, c.Z, s.cfg.ChunkWidth, s.cfg.ChunkHeight, s.cfg.ChunkDepth)
		if err == nil {
			return g, SourceStore, false, nil
		}
		if !errors.Is(err, chunkfile.ErrNotFound) {
			// Regenerate but never overwrite the stored copy.
			s.logger.Printf("chunk %s: load failed, regenerating without persistence: %v", c, err)
			noPersist = true
		}
	}

	g := voxel.New(s.cfg.ChunkWidth, s.cfg.ChunkHeight, s.cfg.ChunkDepth)
	if err := s.generate(g, c); err != nil {
		return nil, SourceGenerator, noPersist, err
	}
	return g, SourceGenerator, noPersist, nil
}

func (s *Streamer) generate(g *voxel.Grid, c ChunkCoord) (err error) {
	if s.gen == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return s.gen.GenerateChunk(g, s.ChunkOrigin(c))
}

func (s *Streamer) flushLoop() {
	defer s.flusher.Done()
	for {
		select {
		case <-s.flushWake:
			s.drainFlushes()
		case <-s.flushStop:
			s.drainFlushes()
			return
		}
	}
}

func (s *Streamer) drainFlushes() {
	for {
		s.mu.Lock()
		if len(s.flushQueue) == 0 {
			s.mu.Unlock()
			return
		}
		req := s.flushQueue[0]
		s.flushQueue = s.flushQueue[1:]
		s.mu.Unlock()
		s.save(req)
	}
}

func (s *Streamer) save(req flushReq) {
	if s.store == nil {
		return
	}
	err := s.store.SetChunkData(req.coord.X, req.coord.Z, req.grid)
	if err != nil {
		// The snapshot stays in pendingFlush so a reload still sees it; the
		// next autosave or Close retries it.
		s.mu.Lock()
		if s.pendingFlush[req.coord] == req.grid {
			s.failedFlush[req.coord] = req.grid
		}
		s.mu.Unlock()
		s.saveErrors.Add(1)
		s.logger.Printf("chunk %s: save failed: %v", req.coord, err)
		s.emit(Event{Kind: EventSaveFailed, Coord: req.coord, Version: req.grid.Version(), Err: err.Error()})
		return
	}
	s.mu.Lock()
	if s.pendingFlush[req.coord] == req.grid {
		delete(s.pendingFlush, req.coord)
	}
	s.mu.Unlock()
	s.saves.Add(1)
	ev := Event{Kind: EventSaved, Coord: req.coord, Version: req.grid.Version()}
	if or, ok := s.store.(offsetReporter); ok {
		if off, ok := or.Offset(req.coord.X, req.coord.Z); ok {
			ev.Offset = &off
		}
	}
	s.emit(ev)
}
