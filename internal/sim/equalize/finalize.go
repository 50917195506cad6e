package equalize

import (
	"math"

	"atmos.ai/internal/sim/gas"
)

type outflow struct {
	to     int
	amount float64
}

type flowRef struct{ from, k int }

// flows collapses the plan to one positive net amount per node pair, stored
// on the giving side.
func (p *plan) flows() [][]outflow {
	z := p.z
	out := make([][]outflow, z.len())
	for i := range z.out {
		for _, j := range z.out[i] {
			w := p.weight[arc{i, j}]
			switch {
			case w > 0:
				out[i] = append(out[i], outflow{to: j, amount: w})
			case w < 0 && !z.hasArc(j, i):
				out[j] = append(out[j], outflow{to: i, amount: -w})
			}
		}
	}
	return out
}

// cancelCycles removes circulation from the flow graph. Every cycle loses its
// smallest edge, node balances are unchanged, and the result is acyclic.
func cancelCycles(out [][]outflow) {
	for {
		cyc := findCycle(out)
		if cyc == nil {
			return
		}
		least := math.Inf(1)
		for _, r := range cyc {
			least = math.Min(least, out[r.from][r.k].amount)
		}
		for _, r := range cyc {
			o := &out[r.from][r.k]
			if o.amount == least {
				o.amount = 0
			} else {
				o.amount -= least
			}
		}
	}
}

func findCycle(out [][]outflow) []flowRef {
	const (
		white = iota
		grey
		black
	)
	state := make([]uint8, len(out))
	var path, cycle []flowRef
	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = grey
		for k, o := range out[i] {
			if o.amount <= 0 {
				continue
			}
			path = append(path, flowRef{i, k})
			switch state[o.to] {
			case white:
				if visit(o.to) {
					return true
				}
			case grey:
				start := len(path) - 1
				for path[start].from != o.to {
					start--
				}
				cycle = append([]flowRef(nil), path[start:]...)
				return true
			}
			path = path[:len(path)-1]
		}
		state[i] = black
		return false
	}
	for i := range out {
		if state[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}

// finalizeZone commits the plan: gas actually moves between mixtures and one
// event is recorded per transfer, carrying the moles that moved. Nodes are
// settled in topological order of the acyclic flow graph, so every node has
// received all its inflow before it gives.
func finalizeZone(pool *gas.Pool, p *plan) ([]PressureEvent, error) {
	z := p.z
	out := p.flows()
	cancelCycles(out)

	indeg := make([]int, len(out))
	for i := range out {
		for _, o := range out[i] {
			if o.amount > 0 {
				indeg[o.to]++
			}
		}
	}
	ready := make([]int, 0, len(out))
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	var events []PressureEvent
	for qi := 0; qi < len(ready); qi++ {
		i := ready[qi]
		for _, o := range out[i] {
			if o.amount <= 0 {
				continue
			}
			if indeg[o.to]--; indeg[o.to] == 0 {
				ready = append(ready, o.to)
			}
			if z.slots[i] == z.slots[o.to] {
				continue
			}
			var moved float64
			if err := pool.WritePair(z.slots[i], z.slots[o.to], func(src, dst *gas.Mixture) error {
				removed := src.Remove(o.amount)
				moved = removed.TotalMoles()
				dst.Merge(&removed)
				return nil
			}); err != nil {
				return nil, err
			}
			if moved > 0 {
				events = append(events, PressureEvent{Amount: moved, From: z.ids[i], To: z.ids[o.to]})
			}
		}
	}
	return events, nil
}
