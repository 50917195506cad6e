package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	persistlog "atmos.ai/internal/persistence/log"
	"atmos.ai/internal/persistence/snapshot"
	"atmos.ai/internal/sim/catalogs"
	"atmos.ai/internal/sim/equalize"
	"atmos.ai/internal/sim/tuning"
	"atmos.ai/internal/sim/world"
)

var errStop = errors.New("stop")

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		worldDir   = flag.String("world_dir", "", "world data dir containing ticks/ and events/ (optional)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml the run used (default: <configs>/tuning.yaml)")
		toTick     = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		budget     = flag.Duration("budget", 10*time.Second, "equalization budget per replayed tick")
		tolerance  = flag.Float64("tolerance", 1e-6, "relative tolerance for total moles")
	)
	flag.Parse()

	if *snapPath == "" && *worldDir == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot or -world_dir")
		os.Exit(2)
	}

	if *worldDir != "" {
		sum, err := summarizeEvents(filepath.Join(*worldDir, "events"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "events:", err)
			os.Exit(1)
		}
		sum.print(os.Stdout)
	}
	if *snapPath == "" {
		return
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	printSnapshot(os.Stdout, *snapPath, snap)

	if *worldDir == "" {
		return
	}

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}
	tp := *tuningPath
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	cfg := replayConfig(snap, tune, *budget)
	w, err := world.NewFromSnapshot(cfg, cats, log.New(io.Discard, "", 0), snap)
	if err != nil {
		fmt.Fprintln(os.Stderr, "import snapshot:", err)
		os.Exit(1)
	}

	files, err := persistlog.Files(filepath.Join(*worldDir, "ticks"), "ticks")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list ticks:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no tick files found in", *worldDir)
		os.Exit(1)
	}
	checked, err := replayTicks(w, files, *toTick, *tolerance)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: checked=%s ticks (from snapshot tick=%d)\n", humanize.Comma(int64(checked)), snap.Header.Tick)
}

// replayConfig keeps the run's equalization settings but lifts the wall-clock
// budgets, so only ticks the live run cancelled come out cancelled.
func replayConfig(snap snapshot.SnapshotV1, tune tuning.Tuning, budget time.Duration) world.WorldConfig {
	eq := equalize.DefaultConfig()
	eq.HardTurfLimit = tune.Equalize.HardTurfLimit
	eq.PlanetEnabled = tune.Equalize.Planet()
	eq.MinMolesDelta = tune.Equalize.MinMolesDelta
	eq.SlowDecompression = tune.Equalize.SlowDecompression
	eq.DecompRemoveRatio = tune.Equalize.DecompRemoveRatio
	eq.Workers = 1
	return world.WorldConfig{
		ID:                snap.Header.WorldID,
		TickRateHz:        snap.TickRate,
		Equalize:          eq,
		EqualizeBudget:    budget,
		CallbackQueueSize: tune.Callbacks.QueueSize,
		HighPressureDelta: tune.Equalize.HighPressureDelta,
	}
}

func printSnapshot(out io.Writer, path string, snap snapshot.SnapshotV1) {
	var size uint64
	if st, err := os.Stat(path); err == nil {
		size = uint64(st.Size())
	}
	var moles float64
	for _, c := range snap.Cells {
		for _, v := range c.Moles {
			moles += v
		}
	}
	fmt.Fprintf(out, "snapshot v%d world=%s tick=%d size=%s cells=%s edges=%s species=%d pending=%d moles=%s floor_rip=%s\n",
		snap.Header.Version, snap.Header.WorldID, snap.Header.Tick, humanize.Bytes(size),
		humanize.Comma(int64(len(snap.Cells))), humanize.Comma(int64(len(snap.Edges))), len(snap.Species),
		len(snap.HighPressureDelta), humanize.FormatFloat("#,###.##", moles),
		humanize.FormatFloat("#,###.##", snap.Counters.FloorRipMoles))
}

// replayTicks steps w once per logged tick and compares the outcome. Entries
// before the world's current tick are skipped.
func replayTicks(w *world.World, files []string, toTick uint64, tol float64) (uint64, error) {
	var checked uint64
	for _, path := range files {
		err := persistlog.ReadFile(path, func(line []byte) error {
			var want world.TickLogEntry
			if err := json.Unmarshal(line, &want); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if want.Tick < w.CurrentTick() {
				return nil
			}
			if toTick != 0 && want.Tick > toTick {
				return errStop
			}
			if want.Tick != w.CurrentTick() {
				return fmt.Errorf("tick gap: want=%d got=%d (file=%s)", w.CurrentTick(), want.Tick, filepath.Base(path))
			}
			got := w.Step()
			if want.Cancelled || got.Cancelled {
				// A budget cut depends on wall time; only the tick is comparable.
				checked++
				return nil
			}
			// Transfer plans depend on batch order, so event counts are not compared.
			if got.Processed != want.Processed || got.Zones != want.Zones {
				return fmt.Errorf("tick %d: got processed=%d zones=%d want processed=%d zones=%d",
					got.Tick, got.Processed, got.Zones, want.Processed, want.Zones)
			}
			if !closeEnough(got.TotalMoles, want.TotalMoles, tol) {
				return fmt.Errorf("tick %d: total moles got=%g want=%g", got.Tick, got.TotalMoles, want.TotalMoles)
			}
			checked++
			return nil
		})
		if errors.Is(err, errStop) {
			break
		}
		if err != nil {
			return checked, err
		}
	}
	return checked, nil
}

func closeEnough(a, b, tol float64) bool {
	d := math.Abs(a - b)
	return d <= tol || d <= tol*math.Max(math.Abs(a), math.Abs(b))
}

type eventSummary struct {
	Files     int
	Lines     uint64
	FirstTick uint64
	LastTick  uint64
	ByType    map[string]uint64
	Moved     float64
	Expelled  float64
	HotCells  map[uint32]uint64
}

func summarizeEvents(dir string) (eventSummary, error) {
	sum := eventSummary{ByType: map[string]uint64{}, HotCells: map[uint32]uint64{}}
	files, err := persistlog.Files(dir, "events")
	if err != nil {
		return sum, err
	}
	sum.Files = len(files)
	for _, path := range files {
		err := persistlog.ReadFile(path, func(line []byte) error {
			var ev world.EventLogEntry
			if err := json.Unmarshal(line, &ev); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if sum.Lines == 0 || ev.Tick < sum.FirstTick {
				sum.FirstTick = ev.Tick
			}
			if ev.Tick > sum.LastTick {
				sum.LastTick = ev.Tick
			}
			sum.Lines++
			sum.ByType[ev.Type]++
			switch ev.Type {
			case world.EventTransfer:
				sum.Moved += math.Abs(ev.Amount)
				sum.HotCells[ev.Cell]++
			case world.EventDecompress:
				sum.Expelled += ev.Expelled
				sum.HotCells[ev.Cell]++
			}
			return nil
		})
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (s eventSummary) print(out io.Writer) {
	fmt.Fprintf(out, "events files=%d lines=%s ticks=%d..%d moved=%s expelled=%s\n",
		s.Files, humanize.Comma(int64(s.Lines)), s.FirstTick, s.LastTick,
		humanize.FormatFloat("#,###.##", s.Moved), humanize.FormatFloat("#,###.##", s.Expelled))
	types := make([]string, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "  %-10s %s\n", t, humanize.Comma(int64(s.ByType[t])))
	}
	for i, c := range s.hottest(5) {
		fmt.Fprintf(out, "  hot #%d cell=%d events=%s\n", i+1, c, humanize.Comma(int64(s.HotCells[c])))
	}
}

// hottest returns up to n cells with the most transfer and decompression
// events, busiest first.
func (s eventSummary) hottest(n int) []uint32 {
	cells := make([]uint32, 0, len(s.HotCells))
	for c := range s.HotCells {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool {
		a, b := s.HotCells[cells[i]], s.HotCells[cells[j]]
		if a != b {
			return a > b
		}
		return cells[i] < cells[j]
	})
	if len(cells) > n {
		cells = cells[:n]
	}
	return cells
}
