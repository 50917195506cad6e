package worldtest

import (
	"io"
	"log"
	"math"
	"path/filepath"
	"testing"
	"time"

	"atmos.ai/internal/persistence/snapshot"
	"atmos.ai/internal/sim/catalogs"
	"atmos.ai/internal/sim/equalize"
	"atmos.ai/internal/sim/mapgen"
	"atmos.ai/internal/sim/turfs"
	world "atmos.ai/internal/sim/world"
)

// Harness drives a world through its exported API only, so scenarios can
// live outside the world package.
type Harness struct {
	T    *testing.T
	Cats *catalogs.Catalogs
	W    *world.World

	Ticks []world.TickLogEntry
}

func Catalogs(t *testing.T) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	return cats
}

// Config returns a world config with budgets no test machine will hit.
func Config(id string) world.WorldConfig {
	eq := equalize.DefaultConfig()
	eq.Workers = 2
	return world.WorldConfig{
		ID:                id,
		TickRateHz:        20,
		Equalize:          eq,
		EqualizeBudget:    time.Hour,
		CallbackQueueSize: 4096,
		HighPressureDelta: 0.5,
	}
}

func NewHarness(t *testing.T, cfg world.WorldConfig, build world.Builder) *Harness {
	t.Helper()
	cats := Catalogs(t)
	w, err := world.New(cfg, cats, log.New(io.Discard, "", 0), build)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return &Harness{T: t, Cats: cats, W: w}
}

// Station builds a mapgen grid.
func Station(cfg mapgen.Config) world.Builder {
	return func(m *turfs.Mutator) error {
		_, err := mapgen.Generate(m, cfg)
		return err
	}
}

func (h *Harness) StepFor(n int) {
	h.T.Helper()
	for i := 0; i < n; i++ {
		entry := h.W.Step()
		if entry.Err != "" {
			h.T.Fatalf("tick %d: %s", entry.Tick, entry.Err)
		}
		h.Ticks = append(h.Ticks, entry)
	}
}

func (h *Harness) Moles(id turfs.CellID) float64 {
	h.T.Helper()
	var out float64
	var err error
	h.W.Graph().Read(func(v *turfs.View) { out, err = v.TotalMoles(id) })
	if err != nil {
		h.T.Fatalf("cell %d: %v", id, err)
	}
	return out
}

// CellMoles returns every cell's total, keyed by id.
func (h *Harness) CellMoles() map[turfs.CellID]float64 {
	h.T.Helper()
	out := map[turfs.CellID]float64{}
	h.W.Graph().Read(func(v *turfs.View) {
		for _, id := range v.IDs() {
			m, err := v.TotalMoles(id)
			if err == nil {
				out[id] = m
			}
		}
	})
	return out
}

// Resume writes a snapshot to disk and loads it into a new harness.
func (h *Harness) Resume() *Harness {
	h.T.Helper()
	snap, err := h.W.ExportSnapshot()
	if err != nil {
		h.T.Fatalf("export: %v", err)
	}
	path := snapshot.Path(h.T.TempDir(), snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		h.T.Fatalf("write snapshot: %v", err)
	}
	back, err := snapshot.ReadSnapshot(path)
	if err != nil {
		h.T.Fatalf("read snapshot: %v", err)
	}
	w, err := world.NewFromSnapshot(h.W.Config(), h.Cats, log.New(io.Discard, "", 0), back)
	if err != nil {
		h.T.Fatalf("resume: %v", err)
	}
	return &Harness{T: h.T, Cats: h.Cats, W: w}
}

func Near(a, b, eps float64) bool { return math.Abs(a-b) <= eps }
