package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"atmos.ai/internal/sim/tuning"
	"atmos.ai/internal/sim/world"
)

func TestLatestSnapshot(t *testing.T) {
	dir := t.TempDir()
	if got := latestSnapshot(dir); got != "" {
		t.Fatalf("empty dir: got %q", got)
	}
	snaps := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snaps, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"9.snap.zst", "120.snap.zst", "30.snap.zst", "bogus.snap.zst", "999.tmp"} {
		if err := os.WriteFile(filepath.Join(snaps, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	want := filepath.Join(snaps, "120.snap.zst")
	if got := latestSnapshot(dir); got != want {
		t.Fatalf("latest: got %q want %q", got, want)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:5000":     true,
		"10.0.0.2:5000":  false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("%s: got %v want %v", in, got, want)
		}
	}
}

func TestWorldConfig_FromTuning(t *testing.T) {
	tune := tuning.Defaults()
	off := false
	tune.Equalize.PlanetEnabled = &off
	tune.Equalize.Workers = 3
	cfg := worldConfig("w", tune)
	if cfg.ID != "w" || cfg.Equalize.PlanetEnabled || cfg.Equalize.Workers != 3 {
		t.Fatalf("cfg: %+v", cfg)
	}
	if cfg.EqualizeBudget != tune.Equalize.Budget() || cfg.CallbackQueueSize != tune.Callbacks.QueueSize {
		t.Fatalf("budgets: %+v", cfg)
	}
	if cfg.Width != tune.Mapgen.Width || cfg.Height != tune.Mapgen.Height {
		t.Fatalf("size: %+v", cfg)
	}
}

func TestWriteMetrics(t *testing.T) {
	var sb strings.Builder
	writeMetrics(&sb, "w1", world.Metrics{Tick: 7, LiveMixtures: 3, DecompressionsTotal: 2}, nil)
	out := sb.String()
	for _, want := range []string{
		`atmos_world_tick{world="w1"} 7`,
		`atmos_amt_gases{world="w1"} 3`,
		`atmos_decompressions_total{world="w1"} 2`,
		"# TYPE atmos_pressure_events_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "index_queue_depth") {
		t.Fatalf("index metrics without index")
	}
}

type recTick struct{ n int }

func (r *recTick) WriteTick(world.TickLogEntry) error { r.n++; return nil }

func TestMultiTickLogger(t *testing.T) {
	a, b := &recTick{}, &recTick{}
	l := multiTickLogger{a: a, b: b}
	_ = l.WriteTick(world.TickLogEntry{Tick: 1})
	_ = multiTickLogger{a: a}.WriteTick(world.TickLogEntry{Tick: 2})
	if a.n != 2 || b.n != 1 {
		t.Fatalf("a=%d b=%d", a.n, b.n)
	}
}
