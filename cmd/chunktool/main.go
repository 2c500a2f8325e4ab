// Command chunktool inspects a world's chunk files, index and event log
// offline.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"cubicworld.io/internal/persistence/chunkfile"
	"cubicworld.io/internal/sim/blocks"
	"cubicworld.io/internal/sim/tuning"
	"cubicworld.io/internal/sim/voxel"
)

func main() {
	cmd := "ls"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "ls":
		err = lsCmd(args, os.Stdout)
	case "dump":
		err = dumpCmd(args, os.Stdout)
	case "verify":
		err = verifyCmd(args, os.Stdout)
	case "index":
		err = indexCmd(args, os.Stdout)
	case "events":
		err = eventsCmd(args, os.Stdout)
	case "export":
		err = exportCmd(args, os.Stdout)
	case "import":
		err = importCmd(args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want ls, dump, verify, index, events, export or import)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, cmd+":", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

type storeFlags struct {
	config *string
	chunks *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		config: fs.String("config", "", "path to engine.yaml (default: built-in defaults)"),
		chunks: fs.String("chunks", "", "chunk file directory (overrides chunk_files.dir)"),
	}
}

func (f storeFlags) open() (*chunkfile.Store, tuning.Config, error) {
	cfg, err := tuning.Load(*f.config)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, cfg, err
	}
	if d := strings.TrimSpace(*f.chunks); d != "" {
		cfg.ChunkFiles.Dir = d
	}
	if _, err := os.Stat(cfg.LookupPath()); err != nil {
		return nil, cfg, fmt.Errorf("lookup table: %w", err)
	}
	st, err := chunkfile.Open(cfg.LookupPath(), cfg.DataPath())
	return st, cfg, err
}

func lsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	st, _, err := sf.open()
	if err != nil {
		return err
	}
	defer st.Close()

	for _, k := range st.Keys() {
		off, _ := st.Offset(int(k.X), int(k.Z))
		fmt.Fprintf(out, "%d,%d\t%d\n", k.X, k.Z, off)
	}
	fmt.Fprintf(out, "%d chunks\n", st.Len())
	return nil
}

func dumpCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	x := fs.Int("x", 0, "chunk x")
	z := fs.Int("z", 0, "chunk z")
	layer := fs.Int("y", -1, "print one horizontal layer (-1: counts only)")
	blocksPath := fs.String("blocks", "", "block catalog json for names (default: built-in)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	st, cfg, err := sf.open()
	if err != nil {
		return err
	}
	defer st.Close()

	g, err := st.GetChunkData(*x, *z, cfg.Chunk.Width, cfg.Chunk.Height, cfg.Chunk.Depth)
	if err != nil {
		return err
	}
	names := blockNames(*blocksPath)

	off, _ := st.Offset(*x, *z)
	fmt.Fprintf(out, "chunk %d,%d offset=%d size=%dx%dx%d\n", *x, *z, off, g.Width(), g.Height(), g.Depth())

	counts := map[int16]int{}
	for _, c := range g.Cells() {
		counts[c.BlockID]++
	}
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		name := names[int16(id)]
		if int16(id) == voxel.Air {
			name = "air"
		}
		fmt.Fprintf(out, "%6d\t%-12s\t%d\n", id, name, counts[int16(id)])
	}

	if *layer < 0 {
		return nil
	}
	if *layer >= g.Height() {
		return fmt.Errorf("layer %d outside 0..%d", *layer, g.Height()-1)
	}
	fmt.Fprintf(out, "layer y=%d (rows z, columns x)\n", *layer)
	for lz := 0; lz < g.Depth(); lz++ {
		var b strings.Builder
		for lx := 0; lx < g.Width(); lx++ {
			c, _ := g.GetVoxel(lx, *layer, lz)
			b.WriteByte(cellGlyph(c))
		}
		fmt.Fprintln(out, b.String())
	}
	return nil
}

func cellGlyph(c voxel.Cell) byte {
	if !c.Solid() {
		return '.'
	}
	s := strconv.FormatInt(int64(c.BlockID), 36)
	return s[len(s)-1]
}

func blockNames(path string) map[int16]string {
	var (
		cat *blocks.Catalog
		err error
	)
	if strings.TrimSpace(path) == "" {
		cat, err = blocks.DefaultCatalog()
	} else {
		cat, err = blocks.LoadCatalog(path)
	}
	names := map[int16]string{}
	if err != nil {
		return names
	}
	for _, b := range cat.Registry.Palette() {
		names[b.ID] = b.Name
	}
	return names
}

func verifyCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	st, cfg, err := sf.open()
	if err != nil {
		return err
	}
	defer st.Close()

	bad := 0
	for _, k := range st.Keys() {
		if _, err := st.GetChunkData(int(k.X), int(k.Z), cfg.Chunk.Width, cfg.Chunk.Height, cfg.Chunk.Depth); err != nil {
			bad++
			fmt.Fprintf(out, "BAD %d,%d: %v\n", k.X, k.Z, err)
		}
	}
	fmt.Fprintf(out, "%d chunks, %d bad\n", st.Len(), bad)
	if bad > 0 {
		return fmt.Errorf("%d unreadable chunks", bad)
	}
	return nil
}
