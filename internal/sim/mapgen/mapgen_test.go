package mapgen

import (
	"os"
	"testing"

	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

func TestMain(m *testing.M) {
	reg, err := gas.NewRegistry([]gas.SpeciesDef{{ID: "o2", SpecificHeat: 20}, {ID: "n2", SpecificHeat: 20}})
	if err != nil {
		panic(err)
	}
	gas.Install(reg)
	os.Exit(m.Run())
}

func generate(t *testing.T, cfg Config) (*turfs.Graph, Layout) {
	t.Helper()
	g := turfs.New(gas.NewPool(0))
	var l Layout
	if err := g.Write(func(m *turfs.Mutator) error {
		var err error
		l, err = Generate(m, cfg)
		return err
	}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return g, l
}

func TestGenerate_GridShape(t *testing.T) {
	g, l := generate(t, Config{Width: 6, Height: 4, Seed: 7, BaseMoles: 100, NoiseScale: 0.1, SpaceBorder: true, PlanetRows: 1})
	g.Read(func(v *turfs.View) {
		if v.Len() != 24 {
			t.Fatalf("cells=%d want 24", v.Len())
		}
		corner, _ := v.Get(l.ID(0, 0))
		if !corner.Immutable {
			t.Fatalf("border cell not vacuum")
		}
		inner, _ := v.Get(l.ID(2, 1))
		if inner.Immutable || !inner.Enabled || inner.IsPlanetary() {
			t.Fatalf("inner cell=%+v", inner)
		}
		moles, err := v.TotalMoles(inner.ID)
		if err != nil || moles < 75-1e-9 || moles > 125+1e-9 {
			t.Fatalf("inner moles=%v err=%v", moles, err)
		}
		if flags, ok := v.EdgeFlags(l.ID(2, 1), l.ID(3, 1)); !ok || !flags.Has(turfs.AdjacentFirelock) {
			t.Fatalf("missing firelock edge")
		}
		if n := len(v.Neighbors(l.ID(2, 1))); n != 4 {
			t.Fatalf("inner neighbors=%d want 4", n)
		}
	})
	if x, y := l.XY(l.ID(4, 3)); x != 4 || y != 3 {
		t.Fatalf("XY=%d,%d", x, y)
	}
}

func TestGenerate_PlanetRows(t *testing.T) {
	g, l := generate(t, Config{Width: 3, Height: 3, Seed: 1, BaseMoles: 50, NoiseScale: 0.1, PlanetRows: 1})
	g.Read(func(v *turfs.View) {
		for x := 0; x < 3; x++ {
			c, _ := v.Get(l.ID(x, 2))
			if c.Planetary != PlanetAtmos {
				t.Fatalf("bottom cell %d not planetary", c.ID)
			}
			top, _ := v.Get(l.ID(x, 0))
			if top.IsPlanetary() {
				t.Fatalf("top cell %d planetary", top.ID)
			}
		}
	})
}

func TestGenerate_Deterministic(t *testing.T) {
	cfg := Config{Width: 5, Height: 5, Seed: 99, BaseMoles: 100, NoiseScale: 0.2}
	a, l := generate(t, cfg)
	b, _ := generate(t, cfg)
	for i := 1; i <= l.Len(); i++ {
		var ma, mb float64
		a.Read(func(v *turfs.View) { ma, _ = v.TotalMoles(turfs.CellID(i)) })
		b.Read(func(v *turfs.View) { mb, _ = v.TotalMoles(turfs.CellID(i)) })
		if ma != mb {
			t.Fatalf("cell %d: %v vs %v", i, ma, mb)
		}
	}
}

func TestGenerate_RejectsNonEmptyGraph(t *testing.T) {
	g := turfs.New(gas.NewPool(0))
	err := g.Write(func(m *turfs.Mutator) error {
		if _, err := m.AddCell(1, CellVolume); err != nil {
			return err
		}
		_, err := Generate(m, Config{Width: 2, Height: 2})
		return err
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}
