package equalize

import "atmos.ai/internal/sim/turfs"

// PlanetResult is the outcome of a planetary equalization walk.
type PlanetResult struct {
	// Aborted is set when the region reaches vacuum; depressurization wins.
	Aborted   bool
	Planetary []turfs.CellID
	Visited   []turfs.CellID
}

// PlanetEqualize walks the region around seed and collects the cells exposed
// to a planetary atmosphere. Mixing toward the planetary baseline is left to
// the host.
func (e *Equalizer) PlanetEqualize(seed turfs.CellID) (*PlanetResult, error) {
	var res *PlanetResult
	e.graph.Read(func(v *turfs.View) {
		res = e.planetEqualize(v, seed)
	})
	return res, nil
}

func (e *Equalizer) planetEqualize(v *turfs.View, seed turfs.CellID) *PlanetResult {
	res := &PlanetResult{}
	region := newOrderedSet(seed)
	planet := newOrderedSet()
	for qi := 0; qi < region.len(); qi++ {
		cur := region.items[qi]
		c, ok := v.Get(cur)
		if !ok {
			continue
		}
		if c.IsPlanetary() {
			planet.insert(cur)
		}
		if c.Immutable {
			res.Aborted = true
			break
		}
		if !c.Enabled || qi+1 > e.cfg.HardTurfLimit {
			continue
		}
		for _, edge := range v.Edges(cur) {
			if _, ok := v.Get(edge.Target); !ok {
				continue
			}
			if region.insert(edge.Target) && edge.Flags.Has(turfs.AdjacentFirelock) {
				e.emitFirelock(cur, edge.Target)
			}
		}
	}
	res.Planetary = planet.items
	res.Visited = region.items
	return res
}
