package world

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"atmos.ai/internal/observerproto"
	"atmos.ai/internal/persistence/snapshot"
	"atmos.ai/internal/sim/catalogs"
	"atmos.ai/internal/sim/equalize"
	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

func testCatalogs(t *testing.T, raw string) *catalogs.Catalogs {
	t.Helper()
	var cat catalogs.SpeciesCatalog
	if err := catalogs.ParseSpecies([]byte(raw), &cat); err != nil {
		t.Fatalf("species: %v", err)
	}
	return &catalogs.Catalogs{Species: cat}
}

const airSpecies = `[{"id":"o2","specific_heat":20},{"id":"n2","specific_heat":20}]`

func testWorldConfig() WorldConfig {
	eq := equalize.DefaultConfig()
	eq.Workers = 2
	return WorldConfig{
		ID:                "test",
		TickRateHz:        50,
		Equalize:          eq,
		EqualizeBudget:    time.Hour,
		CallbackQueueSize: 1024,
		CallbackBudget:    time.Hour,
		HighPressureDelta: 1,
	}
}

// line builds cells 1..n in a row holding o2; a negative amount makes the
// cell vacuum.
func line(moles ...float64) Builder {
	return func(m *turfs.Mutator) error {
		for i, amt := range moles {
			id := turfs.CellID(i + 1)
			if _, err := m.AddCell(id, 2500); err != nil {
				return err
			}
			if amt < 0 {
				if err := m.SetImmutable(id); err != nil {
					return err
				}
			} else if err := m.SetMixture(id, func(mix *gas.Mixture) { mix.Set(0, amt) }); err != nil {
				return err
			}
			if i > 0 {
				if err := m.Link(id-1, id, turfs.AdjacentAny|turfs.AdjacentFirelock); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func newTestWorld(t *testing.T, build Builder) *World {
	t.Helper()
	w, err := New(testWorldConfig(), testCatalogs(t, airSpecies), log.New(io.Discard, "", 0), build)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	return w
}

func cellMoles(t *testing.T, w *World, id turfs.CellID) float64 {
	t.Helper()
	var out float64
	var err error
	w.Graph().Read(func(v *turfs.View) { out, err = v.TotalMoles(id) })
	if err != nil {
		t.Fatalf("cell %d: %v", id, err)
	}
	return out
}

func TestStep_EqualizesChain(t *testing.T) {
	w := newTestWorld(t, line(30, 0, 0))

	entry := w.Step()
	if entry.Batch == 0 || !entry.Submitted {
		t.Fatalf("expected a submitted batch, got %+v", entry)
	}
	if entry.Processed != 3 || entry.Zones != 1 {
		t.Fatalf("processed=%d zones=%d", entry.Processed, entry.Zones)
	}
	for id := turfs.CellID(1); id <= 3; id++ {
		if got := cellMoles(t, w, id); math.Abs(got-10) > 1e-6 {
			t.Fatalf("cell %d: got %v want 10", id, got)
		}
	}
	if math.Abs(entry.TotalMoles-30) > 1e-6 {
		t.Fatalf("total moles: %v", entry.TotalMoles)
	}
	st, ok := w.CellState(1)
	if !ok || !st.HasDirection || st.PressureDirection != 2 {
		t.Fatalf("cell 1 state: %+v ok=%v", st, ok)
	}
	if w.CurrentTick() != 1 {
		t.Fatalf("tick: %d", w.CurrentTick())
	}

	m := w.Metrics()
	if m.PressureEventsTotal != 2 || m.PassesTotal != 1 || m.ProcessedTotal != 3 {
		t.Fatalf("metrics: %+v", m)
	}
	if m.LiveMixtures != 3 || m.Cells != 3 {
		t.Fatalf("metrics cells: %+v", m)
	}

	// Flat now: nothing to batch, direction resets.
	entry = w.Step()
	if entry.Batch != 0 || entry.Processed != 0 {
		t.Fatalf("second tick: %+v", entry)
	}
	if st, _ := w.CellState(1); st.HasDirection {
		t.Fatalf("pressure direction should reset each tick")
	}
}

func TestStep_VacuumDepressurizes(t *testing.T) {
	w := newTestWorld(t, line(10, 20, -1))

	entry := w.Step()
	if entry.Zones != 0 {
		t.Fatalf("vacuum zone should be ignored by the pass, got %d zones", entry.Zones)
	}
	if entry.TotalMoles > 1e-9 {
		t.Fatalf("expected the room vented, total %v", entry.TotalMoles)
	}
	// Host-side decompression steps queued by the vent run next tick.
	if w.Metrics().DecompressionsTotal != 0 {
		t.Fatalf("decompression steps should be deferred")
	}
	w.Step()
	m := w.Metrics()
	if m.DecompressionsTotal != 2 {
		t.Fatalf("decompressions: %d", m.DecompressionsTotal)
	}
	if math.Abs(m.FloorRipMoles-30) > 1e-6 {
		t.Fatalf("floor rip: %v", m.FloorRipMoles)
	}
	st, _ := w.CellState(1)
	if st.SpecificTarget != 3 || st.PressureDirection != 2 {
		t.Fatalf("cell 1 state: %+v", st)
	}
	if _, ok := w.hpd[1]; !ok {
		t.Fatalf("drained cells should be flagged for the next batch")
	}
}

func TestExportSnapshot_RoundTrip(t *testing.T) {
	w := newTestWorld(t, line(30, 0, 5, -1))
	w.Step()

	w.eq.RestoreStats(equalize.Stats{PassesTotal: 7, ProcessedTotal: 40, CancelledTotal: 2})
	w.counters.firelocks = 3
	w.counters.diagnostics = 2
	w.counters.equalizeErrors = 1

	snap, err := w.ExportSnapshot()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if snap.Header.Tick != 1 || len(snap.Cells) != 4 || len(snap.Species) != 2 {
		t.Fatalf("snapshot: tick=%d cells=%d species=%d", snap.Header.Tick, len(snap.Cells), len(snap.Species))
	}
	if !snap.Cells[3].Immutable {
		t.Fatalf("cell 4 should be immutable")
	}

	w2, err := NewFromSnapshot(WorldConfig{}, w.Catalogs(), log.New(io.Discard, "", 0), snap)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if w2.CurrentTick() != 1 || w2.Config().ID != "test" {
		t.Fatalf("imported tick=%d id=%q", w2.CurrentTick(), w2.Config().ID)
	}
	if w2.RunID() == w.RunID() {
		t.Fatalf("resumed world should get a fresh run id")
	}
	for id := turfs.CellID(1); id <= 4; id++ {
		if a, b := cellMoles(t, w, id), cellMoles(t, w2, id); math.Abs(a-b) > 1e-9 {
			t.Fatalf("cell %d: %v != %v", id, a, b)
		}
	}
	w2.Graph().Read(func(v *turfs.View) {
		if f, ok := v.EdgeFlags(1, 2); !ok || !f.Has(turfs.AdjacentFirelock) {
			t.Fatalf("edge 1->2 lost: %v %v", f, ok)
		}
	})
	if w2.Metrics().PressureEventsTotal != w.Metrics().PressureEventsTotal {
		t.Fatalf("counters not restored")
	}
	m := w2.Metrics()
	if m.PassesTotal != 7 || m.ProcessedTotal != 40 || m.CancelledTotal != 2 {
		t.Fatalf("pass counters not restored: %+v", m)
	}
	if m.FirelocksTotal != 3 || m.DiagnosticsTotal != 2 || m.EqualizeErrors != 1 {
		t.Fatalf("host counters not restored: %+v", m)
	}
}

func TestImportBuilder_UnknownSpecies(t *testing.T) {
	snap := snapshot.SnapshotV1{
		Header:  snapshot.Header{Version: snapshot.Version, WorldID: "x"},
		Species: []snapshot.SpeciesV1{{ID: "o2"}, {ID: "unobtainium"}},
		Cells:   []snapshot.CellV1{{ID: 1, Volume: 2500, Enabled: true, Moles: []float64{1, 2}}},
	}
	_, err := NewFromSnapshot(testWorldConfig(), testCatalogs(t, airSpecies), log.New(io.Discard, "", 0), snap)
	if !errors.Is(err, gas.ErrUnresolvableSpecies) {
		t.Fatalf("expected unresolvable species, got %v", err)
	}
}

func TestReloadSpecies_RemapsByName(t *testing.T) {
	w := newTestWorld(t, line(12, 4))
	next := testCatalogs(t, `[{"id":"n2","specific_heat":20},{"id":"co2","specific_heat":30},{"id":"o2","specific_heat":20}]`)

	if err := w.reloadSpecies(next.Species); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if gas.NumSpecies() != 3 {
		t.Fatalf("registry not installed: %d", gas.NumSpecies())
	}
	w.Graph().Read(func(v *turfs.View) {
		c, _ := v.Get(1)
		_ = v.Pool().Read(c.Slot, func(m *gas.Mixture) error {
			if len(m.Moles) != 3 || m.Get(2) != 12 || m.Get(0) != 0 {
				t.Fatalf("cell 1 moles after reload: %v", m.Moles)
			}
			return nil
		})
	})
	if w.Catalogs().Species.Digest != next.Species.Digest {
		t.Fatalf("catalog not swapped")
	}
}

func TestReloadSpecies_FailureLeavesWorldUntouched(t *testing.T) {
	w := newTestWorld(t, line(12, 4, 6))
	before := gas.Current()
	// Cell 3 loses its mixture, so the reload fails after cells 1 and 2
	// would already have been remapped.
	if err := w.ApplyEdit(func(m *turfs.Mutator, _ func(turfs.CellID)) error {
		c, _ := m.Get(3)
		return m.Pool().Release(c.Slot)
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	next := testCatalogs(t, `[{"id":"n2","specific_heat":20},{"id":"co2","specific_heat":30},{"id":"o2","specific_heat":20}]`)
	if err := w.reloadSpecies(next.Species); !errors.Is(err, gas.ErrUnknownSlot) {
		t.Fatalf("reload err=%v want unknown slot", err)
	}
	if gas.Current() != before || gas.NumSpecies() != 2 {
		t.Fatalf("registry changed by a failed reload")
	}
	w.Graph().Read(func(v *turfs.View) {
		for _, id := range []turfs.CellID{1, 2} {
			c, _ := v.Get(id)
			_ = v.Pool().Read(c.Slot, func(m *gas.Mixture) error {
				if len(m.Moles) != 2 || m.Get(1) != 0 || m.Get(0) == 0 {
					t.Fatalf("cell %d remapped by a failed reload: %v", id, m.Moles)
				}
				return nil
			})
		}
	})
	if w.Catalogs().Species.Digest == next.Species.Digest {
		t.Fatalf("catalog swapped by a failed reload")
	}
}

func TestBroadcastTick_Events(t *testing.T) {
	w := newTestWorld(t, line(30, 0, 0))
	plain := make(chan []byte, 1)
	withEvents := make(chan []byte, 1)
	w.handleObserverJoin(ObserverJoinRequest{SessionID: "a", TickOut: plain})
	w.handleObserverJoin(ObserverJoinRequest{SessionID: "b", TickOut: withEvents, Events: true, MaxEvents: 1})

	w.Step()

	var msg observerproto.TickMsg
	if err := json.Unmarshal(<-plain, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "TICK" || msg.Processed != 3 || len(msg.Events) != 0 {
		t.Fatalf("plain tick: %+v", msg)
	}
	msg = observerproto.TickMsg{}
	if err := json.Unmarshal(<-withEvents, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Events) != 1 || msg.Truncated != 1 || msg.Events[0].Type != EventTransfer {
		t.Fatalf("event tick: %+v", msg)
	}

	w.handleObserverLeave("a")
	if _, ok := <-plain; ok {
		t.Fatalf("leave should close the channel")
	}
}

func TestSendLatest_KeepsNewest(t *testing.T) {
	ch := make(chan []byte, 1)
	sendLatest(ch, []byte("old"))
	sendLatest(ch, []byte("new"))
	if got := string(<-ch); got != "new" {
		t.Fatalf("got %q", got)
	}
}

func TestStep_SnapshotSink(t *testing.T) {
	cfg := testWorldConfig()
	cfg.SnapshotEveryTicks = 2
	w, err := New(cfg, testCatalogs(t, airSpecies), log.New(io.Discard, "", 0), line(1, 1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sink := make(chan snapshot.SnapshotV1, 1)
	w.SetSnapshotSink(sink)

	w.Step()
	select {
	case <-sink:
		t.Fatalf("one completed tick should not snapshot")
	default:
	}
	w.Step()
	select {
	case snap := <-sink:
		if snap.Header.Tick != 2 {
			t.Fatalf("snapshot tick: %d", snap.Header.Tick)
		}
	default:
		t.Fatalf("expected a snapshot after two ticks")
	}
}

func TestRun_ServesRequests(t *testing.T) {
	w := newTestWorld(t, line(30, 0, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	snap, err := w.RequestSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Cells) != 3 {
		t.Fatalf("cells: %d", len(snap.Cells))
	}
	next := testCatalogs(t, `[{"id":"o2","specific_heat":20},{"id":"n2","specific_heat":20},{"id":"plasma","specific_heat":200}]`)
	if err := w.ReloadSpecies(ctx, next.Species); err != nil {
		t.Fatalf("reload: %v", err)
	}

	w.Stop()
	w.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("world did not stop")
	}
}

func TestApplyEdit_QueuesTouchedCells(t *testing.T) {
	w := newTestWorld(t, line(0, 0))
	err := w.ApplyEdit(func(m *turfs.Mutator, touch func(turfs.CellID)) error {
		touch(1)
		if err := m.SetMixture(1, func(mix *gas.Mixture) { mix.Set(0, 0.2) }); err != nil {
			return err
		}
		touch(7)
		return m.SetEnabled(7, false)
	})
	if !errors.Is(err, turfs.ErrUnknownCell) {
		t.Fatalf("expected unknown cell, got %v", err)
	}
	if _, ok := w.hpd[1]; !ok {
		t.Fatalf("cells touched before the error stay queued")
	}
	// Below the high pressure delta, only the queued cell is batched.
	entry := w.Step()
	if entry.Batch != 2 {
		t.Fatalf("batch=%d", entry.Batch)
	}
}
