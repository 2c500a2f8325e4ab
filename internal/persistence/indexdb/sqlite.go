package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"cubicworld.io/internal/sim/world/terrain/stream"
)

// SQLiteIndex is a queryable read-model over streamer events. The chunk
// files stay authoritative; the index can be deleted and rebuilt at any time.
type SQLiteIndex struct {
	db *sql.DB

	sendMu sync.RWMutex
	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqFlush
)

type req struct {
	kind  reqKind
	event stream.Event
	at    time.Time
	done  chan struct{}
}

// ChunkRow is the persisted state of one chunk as seen by the index.
type ChunkRow struct {
	X         int
	Z         int
	Offset    int64
	Saves     int
	LastTick  uint64
	UpdatedAt string
}

type FailureRow struct {
	X          int
	Z          int
	Kind       string
	Attempts   int
	Error      string
	Tick       uint64
	RecordedAt string
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Dropped       uint64
}

const defaultQueue = 65536

var errClosed = errors.New("indexdb: closed")

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, defaultQueue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			data_offset INTEGER NOT NULL,
			saves INTEGER NOT NULL,
			last_tick INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (x, z)
		);`,
		`CREATE TABLE IF NOT EXISTS failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			kind TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT NOT NULL,
			tick INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_failures_xz ON failures(x, z);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			detail TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_tick ON events(tick);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// ChunkEvent queues e for indexing. It never blocks; events are dropped
// when the writer falls behind.
func (s *SQLiteIndex) ChunkEvent(e stream.Event) {
	if s == nil {
		return
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: e, at: time.Now().UTC()}:
	default:
		s.dropped.Add(1)
	}
}

// Record queues e, waiting for room instead of dropping. Used when
// rebuilding the index from the event log.
func (s *SQLiteIndex) Record(ctx context.Context, e stream.Event, at time.Time) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return errClosed
	}
	select {
	case s.ch <- req{kind: reqEvent, event: e, at: at.UTC()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until every event queued before the call is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.sendMu.RLock()
	if s.closed.Load() {
		s.sendMu.RUnlock()
		return nil
	}
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		s.sendMu.RUnlock()
		return ctx.Err()
	}
	s.sendMu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Dropped:       s.dropped.Load(),
	}
}

// UpsertCatalog records the block palette and the applied engine config so
// offline tools can decode a world directory without the config files.
func (s *SQLiteIndex) UpsertCatalog(name, digest string, v any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`, name, digest, string(b), now)
	return err
}

func (s *SQLiteIndex) Catalog(ctx context.Context, name string) (digest string, raw []byte, err error) {
	var js string
	err = s.db.QueryRowContext(ctx, `SELECT digest,json FROM catalogs WHERE name=?`, name).Scan(&digest, &js)
	if err != nil {
		return "", nil, err
	}
	return digest, []byte(js), nil
}

func (s *SQLiteIndex) Chunks(ctx context.Context) ([]ChunkRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT x,z,data_offset,saves,last_tick,updated_at FROM chunks ORDER BY x,z`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkRow
	for rows.Next() {
		var (
			r    ChunkRow
			tick int64
		)
		if err := rows.Scan(&r.X, &r.Z, &r.Offset, &r.Saves, &tick, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.LastTick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Failures(ctx context.Context) ([]FailureRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT x,z,kind,attempts,error,tick,recorded_at FROM failures ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FailureRow
	for rows.Next() {
		var (
			r    FailureRow
			tick int64
		)
		if err := rows.Scan(&r.X, &r.Z, &r.Kind, &r.Attempts, &r.Error, &tick, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCount returns the number of indexed events of the given kind, or of
// all kinds when kind is empty.
func (s *SQLiteIndex) EventCount(ctx context.Context, kind stream.EventKind) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE kind=?`, string(kind)).Scan(&n)
	}
	return n, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		if err := applyEvent(tx, r.event, r.at); err != nil {
			rollback()
			continue
		}
		opCount++
		// Commit when the queue drains so readers sharing the single
		// connection are never starved by an idle open transaction.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}

func applyEvent(tx *sql.Tx, e stream.Event, at time.Time) error {
	ts := at.Format(time.RFC3339Nano)
	detail, _ := json.Marshal(e)
	if _, err := tx.Exec(`INSERT INTO events(tick,kind,x,z,detail) VALUES(?,?,?,?,?)`,
		int64(e.Tick), string(e.Kind), e.Coord.X, e.Coord.Z, string(detail)); err != nil {
		return err
	}

	switch e.Kind {
	case stream.EventSaved:
		var off int64 = -1
		if e.Offset != nil {
			off = *e.Offset
		}
		_, err := tx.Exec(`INSERT INTO chunks(x,z,data_offset,saves,last_tick,updated_at) VALUES(?,?,?,1,?,?)
			ON CONFLICT(x,z) DO UPDATE SET data_offset=excluded.data_offset, saves=chunks.saves+1,
			last_tick=excluded.last_tick, updated_at=excluded.updated_at`,
			e.Coord.X, e.Coord.Z, off, int64(e.Tick), ts)
		return err
	case stream.EventFailed, stream.EventSaveFailed:
		_, err := tx.Exec(`INSERT INTO failures(x,z,kind,attempts,error,tick,recorded_at) VALUES(?,?,?,?,?,?,?)`,
			e.Coord.X, e.Coord.Z, string(e.Kind), e.Attempts, e.Err, int64(e.Tick), ts)
		return err
	}
	return nil
}
