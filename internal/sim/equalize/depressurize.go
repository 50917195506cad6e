package equalize

import (
	"math"

	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

// orderedSet keeps insertion order and answers membership in O(1).
type orderedSet struct {
	items []turfs.CellID
	index map[turfs.CellID]int
}

func newOrderedSet(ids ...turfs.CellID) *orderedSet {
	s := &orderedSet{index: map[turfs.CellID]int{}}
	for _, id := range ids {
		s.insert(id)
	}
	return s
}

func (s *orderedSet) insert(id turfs.CellID) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = len(s.items)
	s.items = append(s.items, id)
	return true
}

func (s *orderedSet) len() int { return len(s.items) }

// DepressurizeResult summarizes one explosive depressurization.
type DepressurizeResult struct {
	// Aborted is set when the region reaches a planetary atmosphere.
	Aborted bool
	Space   []turfs.CellID
	// Drained lists the cells emptied, last-visited first.
	Drained []turfs.CellID
	// Transfer is the cumulative amount that flowed through each cell.
	Transfer map[turfs.CellID]float64
	Steps    []DecompressionStep
	Expelled float64
}

// Depressurize vents the region around seed into every vacuum it can reach.
// It runs on the host side and takes the graph read lock itself.
func (e *Equalizer) Depressurize(seed turfs.CellID) (*DepressurizeResult, error) {
	var (
		res *DepressurizeResult
		err error
	)
	e.graph.Read(func(v *turfs.View) {
		res, err = e.depressurize(v, seed)
	})
	return res, err
}

func (e *Equalizer) depressurize(v *turfs.View, seed turfs.CellID) (*DepressurizeResult, error) {
	res := &DepressurizeResult{Transfer: map[turfs.CellID]float64{}}
	limit := e.cfg.HardTurfLimit

	// Find the vacuum cells and warn firelocks along the way.
	region := newOrderedSet(seed)
	space := newOrderedSet()
	for qi := 0; qi < region.len(); qi++ {
		cur := region.items[qi]
		c, ok := v.Get(cur)
		if !ok {
			continue
		}
		if c.IsPlanetary() {
			res.Aborted = true
			return res, nil
		}
		if c.Immutable {
			space.insert(cur)
			continue
		}
		if !c.Enabled || qi+1 > limit {
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
	res.Space = append(res.Space, space.items...)
	if space.len() == 0 {
		return res, nil
	}

	// Build the drain tree outward from the vacuum.
	order := newOrderedSet(space.items...)
	parent := map[turfs.CellID]turfs.CellID{}
	target := map[turfs.CellID]turfs.CellID{}
	for _, s := range space.items {
		target[s] = s
	}
	var total float64
	for qi := 0; qi < order.len(); qi++ {
		cur := order.items[qi]
		m, err := v.TotalMoles(cur)
		if err != nil {
			return nil, err
		}
		total += m
		if qi+1 > limit {
			continue
		}
		for _, adj := range v.Neighbors(cur) {
			ac, _ := v.Get(adj)
			if !participates(ac) {
				continue
			}
			if order.insert(adj) {
				parent[adj] = cur
				target[adj] = target[cur]
			}
		}
	}
	average := 0.0
	if n := order.len() - space.len(); n > 0 {
		average = total / float64(n)
	}

	pool := v.Pool()
	for k := order.len() - 1; k >= 0; k-- {
		cur := order.items[k]
		par, ok := parent[cur]
		if !ok {
			continue
		}
		c, _ := v.Get(cur)
		var expelled float64
		if err := pool.Write(c.Slot, func(m *gas.Mixture) error {
			if e.cfg.SlowDecompression {
				removed := m.Remove(math.Abs(average / e.cfg.DecompRemoveRatio))
				expelled = removed.TotalMoles()
				return nil
			}
			expelled = m.TotalMoles()
			m.Clear()
			return nil
		}); err != nil {
			return nil, err
		}
		res.Expelled += expelled
		res.Drained = append(res.Drained, cur)
		res.Transfer[cur] += expelled
		res.Transfer[par] += res.Transfer[cur]

		e.emitDecompression(res, DecompressionStep{
			Cell:       cur,
			Toward:     par,
			Target:     target[cur],
			Difference: res.Transfer[cur],
			Expelled:   expelled,
			Drained:    true,
		})
		if _, ok := parent[par]; !ok {
			e.emitDecompression(res, DecompressionStep{
				Cell:       par,
				Toward:     cur,
				Target:     target[par],
				Difference: res.Transfer[par],
			})
		}
	}
	return res, nil
}

func (e *Equalizer) emitFirelock(from, to turfs.CellID) {
	if e.host == nil {
		return
	}
	e.queue.TrySend(func() error { return e.host.ConsiderFirelocks(from, to) })
}

func (e *Equalizer) emitDecompression(res *DepressurizeResult, step DecompressionStep) {
	res.Steps = append(res.Steps, step)
	if e.host == nil {
		return
	}
	e.queue.TrySend(func() error { return e.host.Decompress(step) })
}
