// Package mapgen builds the initial station grid: a rectangle of cells with
// 4-neighbour links and a noise-shaped starting gas field.
package mapgen

import (
	"fmt"

	"github.com/ojrac/opensimplex-go"

	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

// CellVolume is the volume of one generated cell in liters.
const CellVolume = 2500.0

// PlanetAtmos is the planetary atmosphere id assigned to planet rows.
const PlanetAtmos = "planet"

type Config struct {
	Width      int
	Height     int
	Seed       int64
	BaseMoles  float64
	NoiseScale float64
	// SpaceBorder turns the outer ring into vacuum.
	SpaceBorder bool
	// PlanetRows exposes the bottom rows to the planetary atmosphere.
	PlanetRows int
}

// Layout describes a generated grid.
type Layout struct {
	Width  int
	Height int
}

func (l Layout) ID(x, y int) turfs.CellID { return turfs.CellID(y*l.Width + x + 1) }

func (l Layout) XY(id turfs.CellID) (int, int) {
	i := int(id) - 1
	return i % l.Width, i / l.Width
}

func (l Layout) Len() int { return l.Width * l.Height }

// air is the o2/n2 split used when those species exist.
var air = []struct {
	species string
	frac    float64
}{{"o2", 0.21}, {"n2", 0.79}}

// Generate adds the grid to an empty graph.
func Generate(m *turfs.Mutator, cfg Config) (Layout, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Layout{}, fmt.Errorf("mapgen: size %dx%d", cfg.Width, cfg.Height)
	}
	if m.Len() != 0 {
		return Layout{}, fmt.Errorf("mapgen: graph already has %d cells", m.Len())
	}
	l := Layout{Width: cfg.Width, Height: cfg.Height}
	noise := opensimplex.NewNormalized(cfg.Seed)
	split := airSplit()

	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			id := l.ID(x, y)
			if _, err := m.AddCell(id, CellVolume); err != nil {
				return l, err
			}
			if cfg.SpaceBorder && (x == 0 || y == 0 || x == l.Width-1 || y == l.Height-1) {
				if err := m.SetImmutable(id); err != nil {
					return l, err
				}
				continue
			}
			n := noise.Eval2(float64(x)*cfg.NoiseScale, float64(y)*cfg.NoiseScale)
			total := cfg.BaseMoles * (0.75 + 0.5*n)
			if err := m.SetMixture(id, func(mix *gas.Mixture) {
				for _, s := range split {
					mix.Set(s.id, total*s.frac)
				}
			}); err != nil {
				return l, err
			}
			if y >= l.Height-cfg.PlanetRows {
				if err := m.SetPlanetary(id, PlanetAtmos); err != nil {
					return l, err
				}
			}
		}
	}

	flags := turfs.AdjacentAny | turfs.AdjacentFirelock
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			if x+1 < l.Width {
				if err := m.Link(l.ID(x, y), l.ID(x+1, y), flags); err != nil {
					return l, err
				}
			}
			if y+1 < l.Height {
				if err := m.Link(l.ID(x, y), l.ID(x, y+1), flags); err != nil {
					return l, err
				}
			}
		}
	}
	return l, nil
}

type share struct {
	id   int
	frac float64
}

func airSplit() []share {
	reg := gas.Current()
	var out []share
	for _, a := range air {
		if id, err := reg.IDOf(a.species); err == nil {
			out = append(out, share{id: id, frac: a.frac})
		}
	}
	if len(out) == 0 && reg.Len() > 0 {
		out = append(out, share{id: 0, frac: 1})
	}
	return out
}
