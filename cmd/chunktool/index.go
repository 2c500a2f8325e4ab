package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cubicworld.io/internal/persistence/indexdb"
)

func indexCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	q := "chunks"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "chunks.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	ctx := context.Background()
	enc := json.NewEncoder(out)
	switch q {
	case "chunks":
		rows, err := idx.Chunks(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "failures":
		rows, err := idx.Failures(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "palette", "engine":
		name := q
		if q == "palette" {
			name = "blocks_palette"
		}
		digest, raw, err := idx.Catalog(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "digest=%s\n%s\n", digest, raw)
	case "count":
		n, err := idx.EventCount(ctx, "")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d events\n", n)
	default:
		return fmt.Errorf("unknown query %q (want chunks, failures, palette, engine or count): %w", q, errUsage)
	}
	return nil
}
