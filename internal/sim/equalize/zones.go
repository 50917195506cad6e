package equalize

import (
	"math"

	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

// arc is a directed edge between two zone-local node indices.
type arc struct{ from, to int }

// zone is a connected set of shareable cells, built fresh for every pass.
// Node indices are local to the zone and follow discovery order.
type zone struct {
	ids   []turfs.CellID
	slots []gas.Slot
	index map[turfs.CellID]int
	// out lists each node's outgoing in-zone neighbors in edge insertion order.
	out   [][]int
	arcs  map[arc]struct{}
	moles float64
}

func newZone() *zone {
	return &zone{index: map[turfs.CellID]int{}, arcs: map[arc]struct{}{}}
}

func (z *zone) len() int { return len(z.ids) }

func (z *zone) has(id turfs.CellID) bool {
	_, ok := z.index[id]
	return ok
}

func (z *zone) addNode(c turfs.Cell) int {
	i := len(z.ids)
	z.ids = append(z.ids, c.ID)
	z.slots = append(z.slots, c.Slot)
	z.out = append(z.out, nil)
	z.index[c.ID] = i
	return i
}

func (z *zone) addArc(from, to int) {
	a := arc{from, to}
	if _, ok := z.arcs[a]; ok {
		return
	}
	z.arcs[a] = struct{}{}
	z.out[from] = append(z.out[from], to)
}

func (z *zone) hasArc(from, to int) bool {
	_, ok := z.arcs[arc{from, to}]
	return ok
}

// participates reports whether c can be a zone member.
func participates(c turfs.Cell) bool { return c.Enabled && !c.Immutable }

// unshareable: the cell holds less than the threshold and no neighbor
// differs from it by the threshold or more.
func unshareable(v *turfs.View, c turfs.Cell, threshold float64) bool {
	res := true
	v.Pool().WithAll(func(all gas.AllView) {
		own := all.TotalMoles(c.Slot)
		if own >= threshold {
			res = false
			return
		}
		for _, e := range v.Edges(c.ID) {
			n, ok := v.Get(e.Target)
			if !ok {
				continue
			}
			if math.Abs(all.TotalMoles(n.Slot)-own) >= threshold {
				res = false
				return
			}
		}
	})
	return res
}

// detectZones partitions the batch into disjoint zones. Zones touching a
// boundary are not returned; the boundary handler for them is queued instead.
func (e *Equalizer) detectZones(v *turfs.View, batch Batch) ([]*zone, error) {
	found := map[turfs.CellID]struct{}{}
	var zones []*zone
	for _, id := range batch {
		if _, ok := found[id]; ok {
			continue
		}
		c, ok := v.Get(id)
		if !ok || !participates(c) || !v.HasNeighbors(id) {
			continue
		}
		if unshareable(v, c, e.cfg.MinMolesDelta) {
			continue
		}
		z, ignored, err := e.floodFill(v, c, found)
		if err != nil {
			return nil, err
		}
		if ignored || z.len() == 0 {
			continue
		}
		zones = append(zones, z)
	}
	return zones, nil
}

// floodFill grows a zone breadth-first from seed. Cells past the size cap are
// neither added nor marked found, so a later seed may still reach them, but
// they are still checked for boundaries. The first boundary met queues one
// handler; the walk goes on so every reachable
// cell is marked found and not re-seeded this pass.
func (e *Equalizer) floodFill(v *turfs.View, seed turfs.Cell, found map[turfs.CellID]struct{}) (*zone, bool, error) {
	z := newZone()
	z.addNode(seed)
	found[seed.ID] = struct{}{}
	ignored := false
	limit := e.cfg.HardTurfLimit

	for qi := 0; qi < z.len(); qi++ {
		cur := z.ids[qi]
		moles, err := v.TotalMoles(cur)
		if err != nil {
			return nil, false, err
		}
		z.moles += moles

		for _, edge := range v.Edges(cur) {
			adj, ok := v.Get(edge.Target)
			if !ok {
				continue
			}
			if !ignored {
				switch {
				case adj.Immutable:
					ignored = true
					e.dispatchDepressurize(cur)
				case e.cfg.PlanetEnabled && adj.IsPlanetary() && edge.Flags.Has(turfs.AdjacentFirelock):
					ignored = true
					e.dispatchPlanet(cur)
				}
			}
			_, seen := found[adj.ID]
			if !seen {
				if participates(adj) && z.len() >= limit {
					continue
				}
				found[adj.ID] = struct{}{}
				if participates(adj) {
					z.addNode(adj)
				}
			}
			if participates(adj) && z.has(adj.ID) {
				z.addArc(qi, z.index[adj.ID])
			}
		}
	}
	return z, ignored, nil
}

func (e *Equalizer) dispatchDepressurize(seed turfs.CellID) {
	e.queue.TrySend(func() error {
		_, err := e.Depressurize(seed)
		return err
	})
}

func (e *Equalizer) dispatchPlanet(seed turfs.CellID) {
	e.queue.TrySend(func() error {
		_, err := e.PlanetEqualize(seed)
		return err
	})
}
