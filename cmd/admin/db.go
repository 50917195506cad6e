package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"atmos.ai/internal/persistence/indexdb"
)

// dbCmd queries a world's sqlite index: snapshots, ticks, events or catalogs.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	from := fs.Uint64("from", 0, "first tick (ticks)")
	to := fs.Uint64("to", 0, "last tick (ticks; default from+100)")
	cell := fs.Uint("cell", 0, "cell id (events)")
	limit := fs.Int("limit", 20, "result limit (events)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := runQuery(ctx, idx, q, *from, *to, uint32(*cell), *limit); err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

func runQuery(ctx context.Context, idx *indexdb.SQLiteIndex, q string, from, to uint64, cell uint32, limit int) error {
	switch q {
	case "snapshots":
		rows, err := idx.Snapshots(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			printJSON(r)
		}
	case "ticks":
		if to == 0 {
			to = from + 100
		}
		rows, err := idx.Ticks(ctx, from, to)
		if err != nil {
			return err
		}
		for _, r := range rows {
			printJSON(r)
		}
	case "events":
		if cell == 0 {
			return fmt.Errorf("missing -cell")
		}
		rows, err := idx.PressureEvents(ctx, cell, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			printJSON(r)
		}
	case "catalogs":
		for _, name := range []string{"species", "tuning"} {
			d, err := idx.CatalogDigest(ctx, name)
			if err != nil {
				return err
			}
			printJSON(map[string]string{"name": name, "digest": d})
		}
	default:
		return fmt.Errorf("unknown query (want snapshots|ticks|events|catalogs)")
	}
	return nil
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
