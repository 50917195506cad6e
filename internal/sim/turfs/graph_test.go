package turfs

import (
	"errors"
	"math"
	"os"
	"testing"

	"atmos.ai/internal/sim/gas"
)

func TestMain(m *testing.M) {
	reg, err := gas.NewRegistry([]gas.SpeciesDef{{ID: "o2", SpecificHeat: 20}, {ID: "n2", SpecificHeat: 20}})
	if err != nil {
		panic(err)
	}
	gas.Install(reg)
	os.Exit(m.Run())
}

func TestGraph_BuildAndRead(t *testing.T) {
	g := New(gas.NewPool(0))
	err := g.Write(func(m *Mutator) error {
		for id := CellID(1); id <= 3; id++ {
			if _, err := m.AddCell(id, 2500); err != nil {
				return err
			}
		}
		if err := m.Link(1, 2, AdjacentAny|AdjacentFirelock); err != nil {
			return err
		}
		if err := m.AddEdge(2, 3, AdjacentAny); err != nil {
			return err
		}
		if err := m.SetPlanetary(3, "lavaland"); err != nil {
			return err
		}
		return m.SetMixture(1, func(mix *gas.Mixture) { mix.Set(0, 12) })
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	g.Read(func(v *View) {
		if got := v.Neighbors(2); len(got) != 2 || got[0] != 1 || got[1] != 3 {
			t.Fatalf("Neighbors(2)=%v", got)
		}
		if got := v.Neighbors(3); len(got) != 0 {
			t.Fatalf("edge 3->2 should not exist: %v", got)
		}
		if f, ok := v.EdgeFlags(1, 2); !ok || !f.Has(AdjacentFirelock) {
			t.Fatalf("EdgeFlags(1,2)=%v,%v", f, ok)
		}
		if f, _ := v.EdgeFlags(2, 3); f.Has(AdjacentFirelock) {
			t.Fatalf("2->3 must not be firelock-adjacent")
		}
		c, ok := v.Get(3)
		if !ok || !c.IsPlanetary() || !c.Enabled {
			t.Fatalf("Get(3)=%+v,%v", c, ok)
		}
		if moles, err := v.TotalMoles(1); err != nil || moles != 12 {
			t.Fatalf("TotalMoles(1)=%v,%v", moles, err)
		}
		if _, err := v.TotalMoles(9); !errors.Is(err, ErrUnknownCell) {
			t.Fatalf("TotalMoles(9) err=%v", err)
		}
	})
}

func TestGraph_RemoveCellReleasesSlotAndEdges(t *testing.T) {
	pool := gas.NewPool(0)
	g := New(pool)
	_ = g.Write(func(m *Mutator) error {
		_, _ = m.AddCell(1, 2500)
		_, _ = m.AddCell(2, 2500)
		return m.Link(1, 2, AdjacentAny)
	})
	if err := g.Write(func(m *Mutator) error { return m.RemoveCell(2) }); err != nil {
		t.Fatalf("RemoveCell: %v", err)
	}
	if pool.Live() != 1 {
		t.Fatalf("live=%d want 1", pool.Live())
	}
	g.Read(func(v *View) {
		if v.HasNeighbors(1) {
			t.Fatalf("dangling edge to removed cell")
		}
	})
	if err := g.Write(func(m *Mutator) error { return m.AddEdge(1, 2, AdjacentAny) }); !errors.Is(err, ErrUnknownCell) {
		t.Fatalf("AddEdge to removed cell err=%v", err)
	}
}

func TestGraph_SetImmutableEmptiesMixture(t *testing.T) {
	pool := gas.NewPool(0)
	g := New(pool)
	_ = g.Write(func(m *Mutator) error {
		_, _ = m.AddCell(1, 2500)
		_ = m.SetMixture(1, func(mix *gas.Mixture) { mix.Set(1, 40) })
		return m.SetImmutable(1)
	})
	g.Read(func(v *View) {
		c, _ := v.Get(1)
		if !c.Immutable {
			t.Fatalf("cell not immutable")
		}
		if moles, _ := v.TotalMoles(1); moles != 0 {
			t.Fatalf("moles=%v want 0", moles)
		}
	})
}

func TestMutator_CopyAtmos(t *testing.T) {
	g := New(gas.NewPool(0))
	err := g.Write(func(m *Mutator) error {
		_, _ = m.AddCell(1, 2500)
		_, _ = m.AddCell(2, 5000)
		_ = m.SetMixture(1, func(mix *gas.Mixture) { mix.Set(0, 12); mix.Set(1, 4) })
		if err := m.CopyAtmos(1, 1); err != nil {
			return err
		}
		return m.CopyAtmos(1, 2)
	})
	if err != nil {
		t.Fatalf("CopyAtmos: %v", err)
	}
	g.Read(func(v *View) {
		a, _ := v.Get(1)
		b, _ := v.Get(2)
		_ = v.Pool().ReadPair(a.Slot, b.Slot, func(x, y *gas.Mixture) error {
			if x.TotalMoles() != 16 {
				t.Fatalf("source changed: %v", x.Moles)
			}
			if math.Abs(y.Get(0)-24) > 1e-9 || math.Abs(y.Get(1)-8) > 1e-9 {
				t.Fatalf("copy moles=%v want [24 8]", y.Moles)
			}
			if math.Abs(x.Pressure()-y.Pressure()) > 1e-9 {
				t.Fatalf("pressures %v vs %v", x.Pressure(), y.Pressure())
			}
			return nil
		})
	})
	if err := g.Write(func(m *Mutator) error { return m.CopyAtmos(1, 9) }); !errors.Is(err, ErrUnknownCell) {
		t.Fatalf("unknown target err=%v", err)
	}
}
