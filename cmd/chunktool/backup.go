package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"cubicworld.io/internal/persistence/chunkfile"
	"cubicworld.io/internal/persistence/snapshot"
	"cubicworld.io/internal/sim/tuning"
)

func exportCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	outPath := fs.String("out", "", "snapshot path (.snap.zst)")
	palette := fs.String("palette", "", "block catalog digest to record (optional)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*outPath) == "" {
		return fmt.Errorf("missing -out: %w", errUsage)
	}
	st, cfg, err := sf.open()
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := snapshot.Capture(st, cfg.Chunk.Width, cfg.Chunk.Height, cfg.Chunk.Depth, *palette)
	if err != nil {
		return err
	}
	if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
		return err
	}
	fmt.Fprintf(out, "exported %d chunks to %s\n", len(snap.Chunks), *outPath)
	return nil
}

// importCmd restores a snapshot into a chunk directory. Existing chunks with
// the same coordinates are overwritten in place.
func importCmd(args []string, out io.Writer) error {
	fset := flag.NewFlagSet("import", flag.ContinueOnError)
	config := fset.String("config", "", "path to engine.yaml (default: built-in defaults)")
	chunks := fset.String("chunks", "", "chunk file directory (overrides chunk_files.dir)")
	inPath := fset.String("in", "", "snapshot path (.snap.zst)")
	if err := fset.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*inPath) == "" {
		return fmt.Errorf("missing -in: %w", errUsage)
	}
	cfg, err := tuning.Load(*config)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if d := strings.TrimSpace(*chunks); d != "" {
		cfg.ChunkFiles.Dir = d
	}

	snap, err := snapshot.ReadSnapshot(*inPath)
	if err != nil {
		return err
	}
	want := [3]int{cfg.Chunk.Width, cfg.Chunk.Height, cfg.Chunk.Depth}
	if snap.Header.ChunkSize != want {
		return fmt.Errorf("%w: snapshot %v, config %v", snapshot.ErrChunkSize, snap.Header.ChunkSize, want)
	}

	st, err := chunkfile.Open(cfg.LookupPath(), cfg.DataPath())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := snap.Restore(st); err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %d chunks into %s\n", len(snap.Chunks), cfg.ChunkFiles.Dir)
	return nil
}
