package main

import (
	"encoding/json"
	"flag"
	"io"

	persistlog "cubicworld.io/internal/persistence/log"
	"cubicworld.io/internal/sim/world/terrain/stream"
)

func eventsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	kind := fs.String("kind", "", "event kind filter (e.g. CHUNK_SAVED)")
	limit := fs.Int("limit", 0, "stop after this many events (0: all)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	files, err := persistlog.EventFiles(*dataDir)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	n := 0
	for _, f := range files {
		entries, err := persistlog.ReadEvents(f)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if *kind != "" && e.Kind != stream.EventKind(*kind) {
				continue
			}
			_ = enc.Encode(e)
			n++
			if *limit > 0 && n >= *limit {
				return nil
			}
		}
	}
	return nil
}
