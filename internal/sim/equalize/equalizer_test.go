package equalize

import (
	"math"
	"testing"
	"time"

	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

func TestEqualize_ThreeCellChain(t *testing.T) {
	f := newFixture(t, testConfig(), chain(10, 0, 0))
	res := f.run(t, 1)
	if res.Cancelled || res.Processed != 3 || res.Zones != 1 || res.Events != 2 {
		t.Fatalf("res=%+v", res)
	}
	for id := turfs.CellID(1); id <= 3; id++ {
		if got := f.moles(t, id); !approx(got, 10.0/3) {
			t.Fatalf("cell %d moles=%v want %v", id, got, 10.0/3)
		}
	}

	f.q.Process(0)
	if len(f.rec.events) != 2 {
		t.Fatalf("events=%+v", f.rec.events)
	}
	e0, e1 := f.rec.events[0], f.rec.events[1]
	if e0.From != 1 || e0.To != 2 || !approx(e0.Amount, 20.0/3) {
		t.Fatalf("first event=%+v", e0)
	}
	if e1.From != 2 || e1.To != 3 || !approx(e1.Amount, 10.0/3) {
		t.Fatalf("second event=%+v", e1)
	}
}

func TestEqualize_IdempotentOnceEven(t *testing.T) {
	f := newFixture(t, testConfig(), chain(10, 0, 0))
	f.run(t, 1, 2, 3)
	f.q.Process(0)
	before := len(f.rec.events)

	res := f.run(t, 1, 2, 3)
	if res.Events != 0 {
		t.Fatalf("second pass events=%d want 0", res.Events)
	}
	f.q.Process(0)
	if len(f.rec.events) != before {
		t.Fatalf("second pass reported %d more transfers", len(f.rec.events)-before)
	}
	for id := turfs.CellID(1); id <= 3; id++ {
		if got := f.moles(t, id); !approx(got, 10.0/3) {
			t.Fatalf("cell %d moles=%v", id, got)
		}
	}
}

// grid builds a w*h 4-connected grid; cell ids are row-major from 1.
func grid(w, h int, moles func(x, y int) float64) func(m *turfs.Mutator) error {
	return func(m *turfs.Mutator) error {
		id := func(x, y int) turfs.CellID { return turfs.CellID(y*w + x + 1) }
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if _, err := m.AddCell(id(x, y), 2500); err != nil {
					return err
				}
				amt := moles(x, y)
				if err := m.SetMixture(id(x, y), func(mix *gas.Mixture) { mix.Set(0, amt); mix.Set(1, amt/4) }); err != nil {
					return err
				}
			}
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if x+1 < w {
					if err := m.Link(id(x, y), id(x+1, y), turfs.AdjacentAny); err != nil {
						return err
					}
				}
				if y+1 < h {
					if err := m.Link(id(x, y), id(x, y+1), turfs.AdjacentAny); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
}

func gridMoles(x, y int) float64 {
	return float64((x*37+y*91)%53) + 0.25*float64(x)
}

func (f *fixture) allMoles(t *testing.T, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f.moles(t, turfs.CellID(i+1))
	}
	return out
}

func stats(ms []float64) (total, maxDev float64) {
	for _, m := range ms {
		total += m
	}
	avg := total / float64(len(ms))
	for _, m := range ms {
		maxDev = math.Max(maxDev, math.Abs(m-avg))
	}
	return total, maxDev
}

func TestEqualize_ConservesAndFlattens(t *testing.T) {
	const w, h = 6, 5
	f := newFixture(t, testConfig(), grid(w, h, gridMoles))
	beforeTotal, beforeDev := stats(f.allMoles(t, w*h))

	var all []turfs.CellID
	for i := 1; i <= w*h; i++ {
		all = append(all, turfs.CellID(i))
	}
	res := f.run(t, all...)
	if res.Cancelled || res.Zones != 1 || res.Processed != w*h {
		t.Fatalf("res=%+v", res)
	}
	afterTotal, afterDev := stats(f.allMoles(t, w*h))
	if math.Abs(afterTotal-beforeTotal) > 1e-6 {
		t.Fatalf("total moles %v -> %v", beforeTotal, afterTotal)
	}
	if afterDev > beforeDev {
		t.Fatalf("max deviation grew %v -> %v", beforeDev, afterDev)
	}

	f.q.Process(0)
	var moved float64
	for _, ev := range f.rec.events {
		if ev.Amount <= 0 {
			t.Fatalf("non-positive event %+v", ev)
		}
		moved += ev.Amount
	}
	if moved == 0 {
		t.Fatalf("no transfers reported")
	}
}

func TestDetectZones_DisjointAndDeterministic(t *testing.T) {
	// A disabled column splits the grid into two rooms.
	build := func(m *turfs.Mutator) error {
		if err := grid(5, 3, gridMoles)(m); err != nil {
			return err
		}
		for y := 0; y < 3; y++ {
			if err := m.SetEnabled(turfs.CellID(y*5+3), false); err != nil {
				return err
			}
		}
		return nil
	}
	var all []turfs.CellID
	for i := 15; i >= 1; i-- {
		all = append(all, turfs.CellID(i))
	}

	partition := func() [][]turfs.CellID {
		f := newFixture(t, testConfig(), build)
		var out [][]turfs.CellID
		f.g.Read(func(v *turfs.View) {
			zones, err := f.eq.detectZones(v, NewBatch(all...))
			if err != nil {
				t.Fatalf("detectZones: %v", err)
			}
			for _, z := range zones {
				out = append(out, append([]turfs.CellID(nil), z.ids...))
			}
		})
		return out
	}

	first := partition()
	if len(first) != 2 {
		t.Fatalf("zones=%v want 2", first)
	}
	seen := map[turfs.CellID]bool{}
	for _, z := range first {
		for _, id := range z {
			if seen[id] {
				t.Fatalf("cell %d in two zones: %v", id, first)
			}
			if id%5 == 3 {
				t.Fatalf("disabled cell %d joined a zone", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 12 {
		t.Fatalf("covered %d cells want 12", len(seen))
	}

	second := partition()
	if len(second) != len(first) {
		t.Fatalf("partition changed: %v vs %v", first, second)
	}
	for i := range first {
		if len(first[i]) != len(second[i]) {
			t.Fatalf("partition changed: %v vs %v", first, second)
		}
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Fatalf("partition changed: %v vs %v", first, second)
			}
		}
	}
}

func TestDetectZones_HardLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HardTurfLimit = 2
	f := newFixture(t, cfg, chain(10, 10, 10, 10, 10))
	var sizes []int
	f.g.Read(func(v *turfs.View) {
		zones, err := f.eq.detectZones(v, NewBatch(1, 2, 3, 4, 5))
		if err != nil {
			t.Fatalf("detectZones: %v", err)
		}
		for _, z := range zones {
			sizes = append(sizes, z.len())
		}
	})
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Fatalf("zone sizes=%v want [2 2 1]", sizes)
	}
}

func TestDetectZones_BoundaryPastCap(t *testing.T) {
	cfg := testConfig()
	cfg.HardTurfLimit = 2
	build := func(m *turfs.Mutator) error {
		if err := chain(10, 0, 5)(m); err != nil {
			return err
		}
		if err := m.Link(2, 3, turfs.AdjacentAny|turfs.AdjacentFirelock); err != nil {
			return err
		}
		return m.SetPlanetary(3, "lavaland")
	}
	f := newFixture(t, cfg, build)
	res := f.run(t, 1)
	if res.Zones != 0 || res.Events != 0 {
		t.Fatalf("zone next to a planetary cell past the cap was equalized: %+v", res)
	}
	if f.q.Len() != 1 {
		t.Fatalf("queued=%d want the planetary handler", f.q.Len())
	}

	f = newFixture(t, cfg, func(m *turfs.Mutator) error {
		if err := chain(10, 0, 0)(m); err != nil {
			return err
		}
		return m.SetImmutable(3)
	})
	res = f.run(t, 1)
	if res.Zones != 0 || f.q.Len() != 1 {
		t.Fatalf("vacuum past the cap: res=%+v queued=%d", res, f.q.Len())
	}
}

func TestDetectZones_SkipsUnshareableSeed(t *testing.T) {
	f := newFixture(t, testConfig(), chain(0.1, 0.2, 0.3))
	f.g.Read(func(v *turfs.View) {
		zones, err := f.eq.detectZones(v, NewBatch(1, 2, 3))
		if err != nil {
			t.Fatalf("detectZones: %v", err)
		}
		if len(zones) != 0 {
			t.Fatalf("zones=%d want 0", len(zones))
		}
	})
}

func TestEqualize_ZeroBudgetCancels(t *testing.T) {
	f := newFixture(t, testConfig(), chain(10, 0, 0))
	f.eq.Handoff().Submit([]turfs.CellID{1})
	res, err := f.eq.Equalize(0)
	if err != nil {
		t.Fatalf("Equalize: %v", err)
	}
	if !res.Cancelled || res.Processed != 0 {
		t.Fatalf("res=%+v", res)
	}
	if got := f.moles(t, 1); got != 10 {
		t.Fatalf("cancelled pass moved gas: cell 1=%v", got)
	}
	if st := f.eq.Stats(); st.CancelledTotal != 1 || st.PassesTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestEqualize_CancelAfterPlanningCommitsNothing(t *testing.T) {
	f := newFixture(t, testConfig(), chain(10, 0, 0))
	base := time.Unix(1000, 0)
	calls := 0
	f.eq.SetClock(func() time.Time {
		calls++
		if calls >= 3 {
			return base.Add(time.Second)
		}
		return base
	})
	f.eq.Handoff().Submit([]turfs.CellID{1})
	res, err := f.eq.Equalize(time.Millisecond)
	if err != nil {
		t.Fatalf("Equalize: %v", err)
	}
	if !res.Cancelled || res.Processed != 3 || res.Events != 0 {
		t.Fatalf("res=%+v", res)
	}
	if got := f.moles(t, 1); got != 10 {
		t.Fatalf("cell 1=%v want 10", got)
	}
}

func TestEqualize_NoBatchIsNoop(t *testing.T) {
	f := newFixture(t, testConfig(), chain(10, 0))
	res, err := f.eq.Equalize(time.Hour)
	if err != nil || res != (Result{}) {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestEqualize_VacuumZoneDepressurizes(t *testing.T) {
	build := func(m *turfs.Mutator) error {
		if err := chain(10, 4, 0)(m); err != nil {
			return err
		}
		return m.SetImmutable(3)
	}
	f := newFixture(t, testConfig(), build)
	res := f.run(t, 1)
	if res.Zones != 0 || res.Events != 0 {
		t.Fatalf("zone touching vacuum was equalized: %+v", res)
	}
	if got := f.moles(t, 1); got != 10 {
		t.Fatalf("cell 1=%v before host ran", got)
	}

	f.q.Process(0) // runs the depressurization
	f.q.Process(0) // delivers its reports
	if a, b := f.moles(t, 1), f.moles(t, 2); a != 0 || b != 0 {
		t.Fatalf("moles after vent: %v %v", a, b)
	}
	var vacuumReport bool
	for _, s := range f.rec.steps {
		if s.Cell == 3 && !s.Drained && approx(s.Difference, 14) {
			vacuumReport = true
		}
	}
	if !vacuumReport {
		t.Fatalf("steps=%+v", f.rec.steps)
	}
}

func TestEqualize_PlanetaryBoundary(t *testing.T) {
	build := func(m *turfs.Mutator) error {
		if err := chain(10, 0, 5)(m); err != nil {
			return err
		}
		if err := m.Link(2, 3, turfs.AdjacentAny|turfs.AdjacentFirelock); err != nil {
			return err
		}
		return m.SetPlanetary(3, "lavaland")
	}

	f := newFixture(t, testConfig(), build)
	res := f.run(t, 1)
	if res.Zones != 0 {
		t.Fatalf("planetary zone equalized: %+v", res)
	}
	f.q.Process(0)
	f.q.Process(0)
	if len(f.rec.firelocks) == 0 || f.rec.firelocks[0] != [2]turfs.CellID{2, 3} {
		t.Fatalf("firelocks=%v", f.rec.firelocks)
	}
	if got := f.moles(t, 1); got != 10 {
		t.Fatalf("cell 1=%v want 10", got)
	}

	cfg := testConfig()
	cfg.PlanetEnabled = false
	f = newFixture(t, cfg, build)
	res = f.run(t, 1)
	if res.Zones != 1 || res.Processed != 3 {
		t.Fatalf("planet disabled res=%+v", res)
	}
	if got := f.moles(t, 3); !approx(got, 5) {
		t.Fatalf("cell 3=%v want 5", got)
	}
}

func TestPlanetEqualize_AbortsOnVacuum(t *testing.T) {
	build := func(m *turfs.Mutator) error {
		if err := chain(10, 0, 0, 0)(m); err != nil {
			return err
		}
		if err := m.SetPlanetary(2, "icemoon"); err != nil {
			return err
		}
		return m.SetImmutable(4)
	}
	f := newFixture(t, testConfig(), build)
	res, err := f.eq.PlanetEqualize(1)
	if err != nil {
		t.Fatalf("PlanetEqualize: %v", err)
	}
	if !res.Aborted {
		t.Fatalf("res=%+v want aborted", res)
	}
	if len(res.Planetary) != 1 || res.Planetary[0] != 2 {
		t.Fatalf("planetary=%v", res.Planetary)
	}
}

func TestHandoff_HoldsOneBatch(t *testing.T) {
	h := NewHandoff()
	if !h.Submit([]turfs.CellID{5, 2, 5, 9, 2}) {
		t.Fatalf("first submit rejected")
	}
	if h.Submit([]turfs.CellID{1}) {
		t.Fatalf("second submit accepted while one is pending")
	}
	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d", h.Dropped())
	}
	b, ok := h.TryTake()
	if !ok || len(b) != 3 || b[0] != 2 || b[1] != 5 || b[2] != 9 {
		t.Fatalf("batch=%v ok=%v", b, ok)
	}
	if _, ok := h.TryTake(); ok {
		t.Fatalf("handoff not empty after take")
	}
	h.Submit([]turfs.CellID{3})
	if !h.Flush() || h.Pending() {
		t.Fatalf("flush did not discard the pending batch")
	}
}
