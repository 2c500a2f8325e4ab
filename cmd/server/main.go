package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cubicworld.io/internal/persistence/chunkfile"
	"cubicworld.io/internal/persistence/indexdb"
	persistlog "cubicworld.io/internal/persistence/log"
	"cubicworld.io/internal/sim/blocks"
	"cubicworld.io/internal/sim/tuning"
	"cubicworld.io/internal/sim/world"
	"cubicworld.io/internal/sim/world/terrain/stream"
	"cubicworld.io/internal/transport/observer"
)

func main() {
	var (
		addr          = flag.String("addr", ":8080", "http listen address")
		configPath    = flag.String("config", "./configs/engine.yaml", "path to engine.yaml (missing file uses defaults)")
		blocksPath    = flag.String("blocks", "", "block catalog json (default: built-in catalog)")
		dataDir       = flag.String("data", "./data", "runtime data directory (index, event log)")
		chunksDir     = flag.String("chunks", "", "chunk file directory (overrides chunk_files.dir)")
		disableDB     = flag.Bool("disable_db", false, "disable the sqlite chunk index")
		disableEvents = flag.Bool("disable_events", false, "disable the zstd event log")
		noPersist     = flag.Bool("no_persist", false, "never read or write chunk files")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := tuning.Load(*configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		cfg = tuning.Defaults()
	}
	if d := strings.TrimSpace(*chunksDir); d != "" {
		cfg.ChunkFiles.Dir = d
	}
	if *noPersist {
		cfg.Persist = false
	}

	cat, err := loadCatalog(*blocksPath)
	if err != nil {
		logger.Fatalf("load blocks: %v", err)
	}

	var store *chunkfile.Store
	if cfg.Persist {
		store, err = chunkfile.Open(cfg.LookupPath(), cfg.DataPath(),
			chunkfile.WithLogger(log.New(os.Stdout, "[chunks] ", log.LstdFlags|log.Lmicroseconds)))
		if err != nil {
			logger.Fatalf("open chunk files: %v", err)
		}
		logger.Printf("chunk files: %s (%d chunks)", cfg.ChunkFiles.Dir, store.Len())
	}

	// Optional read-model index (never authoritative).
	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		upsertCatalogs(idx, cat, cfg, logger)
	}

	var eventLog *persistlog.EventLogger
	if !*disableEvents {
		eventLog = persistlog.NewEventLogger(*dataDir, logger)
	}

	var sinks []stream.EventSink
	if idx != nil {
		sinks = append(sinks, idx)
	}
	if eventLog != nil {
		sinks = append(sinks, eventLog)
	}
	deps := world.Deps{Blocks: cat.Registry, Logger: logger, Sinks: sinks}
	if store != nil {
		deps.Store = store
	}
	w, err := world.New(cfg, deps)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var st indexdb.Stats
		if idx != nil {
			st = idx.Stats()
		}
		writeMetrics(rw, w.Metrics(), st)
	})
	obsSrv := observer.NewServer(w, logger)
	mux.Handle("/v1/", obsSrv.Handler())

	if envBool("CW_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (CW_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}

	<-worldDone
	// Dirty chunks are saved before the sinks and the store go away.
	if err := w.Close(); err != nil {
		logger.Printf("world close: %v", err)
	}
	if eventLog != nil {
		if err := eventLog.Close(); err != nil {
			logger.Printf("event log close: %v", err)
		}
	}
	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Printf("index close: %v", err)
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Printf("chunk files close: %v", err)
		}
	}
	logger.Printf("shutdown complete")
}

func loadCatalog(path string) (*blocks.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return blocks.DefaultCatalog()
	}
	return blocks.LoadCatalog(path)
}

func upsertCatalogs(idx *indexdb.SQLiteIndex, cat *blocks.Catalog, cfg tuning.Config, logger *log.Logger) {
	if err := idx.UpsertCatalog("blocks_palette", cat.Digest, cat.Registry.Palette()); err != nil {
		logger.Printf("index backend: upsert palette: %v", err)
	}
	b, _ := json.Marshal(cfg)
	sum := sha256.Sum256(b)
	if err := idx.UpsertCatalog("engine", hex.EncodeToString(sum[:]), cfg); err != nil {
		logger.Printf("index backend: upsert engine config: %v", err)
	}
}

// writeMetrics emits a minimal Prometheus exposition.
func writeMetrics(w io.Writer, m world.WorldMetrics, idx indexdb.Stats) {
	fmt.Fprintf(w, "# HELP cubicworld_tick Current engine tick.\n")
	fmt.Fprintf(w, "# TYPE cubicworld_tick gauge\n")
	fmt.Fprintf(w, "cubicworld_tick %d\n", m.Tick)

	fmt.Fprintf(w, "# HELP cubicworld_chunks Resident chunks by state.\n")
	fmt.Fprintf(w, "# TYPE cubicworld_chunks gauge\n")
	fmt.Fprintf(w, "cubicworld_chunks{state=%q} %d\n", "ready", m.LoadedChunks)
	fmt.Fprintf(w, "cubicworld_chunks{state=%q} %d\n", "pending", m.PendingChunks)
	fmt.Fprintf(w, "cubicworld_chunks{state=%q} %d\n", "failed", m.FailedChunks)

	fmt.Fprintf(w, "# HELP cubicworld_pending_flushes Evicted chunks waiting to be written.\n")
	fmt.Fprintf(w, "# TYPE cubicworld_pending_flushes gauge\n")
	fmt.Fprintf(w, "cubicworld_pending_flushes %d\n", m.PendingFlushes)

	fmt.Fprintf(w, "# HELP cubicworld_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(w, "# TYPE cubicworld_step_ms gauge\n")
	fmt.Fprintf(w, "cubicworld_step_ms %.3f\n", m.StepMS)

	fmt.Fprintf(w, "# HELP cubicworld_chunk_ops_total Chunk lifecycle operations.\n")
	fmt.Fprintf(w, "# TYPE cubicworld_chunk_ops_total counter\n")
	fmt.Fprintf(w, "cubicworld_chunk_ops_total{op=%q} %d\n", "generated", m.Totals.Generated)
	fmt.Fprintf(w, "cubicworld_chunk_ops_total{op=%q} %d\n", "loaded", m.Totals.Loaded)
	fmt.Fprintf(w, "cubicworld_chunk_ops_total{op=%q} %d\n", "retried", m.Totals.Retries)
	fmt.Fprintf(w, "cubicworld_chunk_ops_total{op=%q} %d\n", "failed", m.Totals.Failures)
	fmt.Fprintf(w, "cubicworld_chunk_ops_total{op=%q} %d\n", "meshed", m.Totals.MeshBuilds)
	fmt.Fprintf(w, "cubicworld_chunk_ops_total{op=%q} %d\n", "saved", m.Totals.Saves)
	fmt.Fprintf(w, "cubicworld_chunk_ops_total{op=%q} %d\n", "save_failed", m.Totals.SaveErrors)

	fmt.Fprintf(w, "# HELP cubicworld_dropped_events_total Events dropped by slow subscribers or the index queue.\n")
	fmt.Fprintf(w, "# TYPE cubicworld_dropped_events_total counter\n")
	fmt.Fprintf(w, "cubicworld_dropped_events_total{sink=%q} %d\n", "subscribers", m.Dropped)
	fmt.Fprintf(w, "cubicworld_dropped_events_total{sink=%q} %d\n", "index", idx.Dropped)

	fmt.Fprintf(w, "# HELP cubicworld_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(w, "# TYPE cubicworld_index_queue_depth gauge\n")
	fmt.Fprintf(w, "cubicworld_index_queue_depth %d\n", idx.QueueDepth)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
