package equalize

import (
	"math"

	"atmos.ai/internal/sim/gas"
)

type nodeInfo struct {
	moleDelta      float64
	transferAmount float64
	// transferDir is the node that discovered this one in the current walk,
	// or -1.
	transferDir int
	fastDone    bool
}

// plan is the per-pass transfer side-table for one zone. weight holds the net
// amount planned along every in-zone arc; the zone itself is never mutated.
type plan struct {
	z      *zone
	weight map[arc]float64
	// fast is set when the diffusion pre-pass ran before exact settlement.
	fast bool
}

func newPlan(z *zone) *plan {
	p := &plan{z: z, weight: make(map[arc]float64, len(z.arcs))}
	for a := range z.arcs {
		p.weight[a] = 0
	}
	return p
}

// adjust moves amount along a->b and takes it off b->a.
func (p *plan) adjust(a, b int, amount float64) {
	if _, ok := p.weight[arc{a, b}]; ok {
		p.weight[arc{a, b}] += amount
	}
	if _, ok := p.weight[arc{b, a}]; ok {
		p.weight[arc{b, a}] -= amount
	}
}

// readMoles snapshots the total moles of every zone node.
func readMoles(pool *gas.Pool, z *zone) ([]float64, error) {
	out := make([]float64, z.len())
	for i, s := range z.slots {
		if err := pool.Read(s, func(m *gas.Mixture) error {
			out[i] = m.TotalMoles()
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// redistribute computes the transfer plan that takes every node of z to the
// zone average. When no node is at least threshold away from the average the
// plan is empty.
func redistribute(z *zone, moles []float64, threshold float64) *plan {
	p := newPlan(z)
	n := z.len()
	if n == 0 {
		return p
	}
	var total float64
	for _, m := range moles {
		total += m
	}
	average := total / float64(n)

	info := make([]nodeInfo, n)
	significant := false
	for i := range info {
		info[i] = nodeInfo{moleDelta: moles[i] - average, transferDir: -1}
		if math.Abs(info[i].moleDelta) >= threshold {
			significant = true
		}
	}
	if !significant {
		return p
	}

	givers, takers := split(info)
	logN := int(math.Floor(math.Log2(float64(n))))
	if len(givers) > logN && len(takers) > logN {
		p.fast = true
		for i := range info {
			p.fastProcess(i, info)
		}
		givers, takers = split(info)
	}

	if len(givers) < len(takers) {
		p.giveToTakers(givers, info)
	} else {
		p.takeFromGivers(takers, info)
	}
	return p
}

func split(info []nodeInfo) (givers, takers []int) {
	for i := range info {
		if info[i].moleDelta > 0 {
			givers = append(givers, i)
		} else {
			takers = append(takers, i)
		}
	}
	return givers, takers
}

// fastProcess splits the node's surplus evenly over neighbors that have not
// had their turn yet.
func (p *plan) fastProcess(i int, info []nodeInfo) {
	cur := &info[i]
	cur.fastDone = true
	if cur.moleDelta <= 0 {
		return
	}
	var eligible []int
	for _, adj := range p.z.out[i] {
		if !info[adj].fastDone {
			eligible = append(eligible, adj)
		}
	}
	if len(eligible) == 0 {
		return
	}
	share := cur.moleDelta / float64(len(eligible))
	for _, adj := range eligible {
		p.adjust(i, adj, share)
		cur.moleDelta -= share
		info[adj].moleDelta += share
	}
}

// walk is an insertion-ordered breadth-first queue reused across seeds.
type walk struct {
	order []int
	mark  []int
	stamp int
}

func newWalk(n int) *walk { return &walk{mark: make([]int, n)} }

func (w *walk) reset() {
	w.order = w.order[:0]
	w.stamp++
}

func (w *walk) push(i int) bool {
	if w.mark[i] == w.stamp {
		return false
	}
	w.mark[i] = w.stamp
	w.order = append(w.order, i)
	return true
}

// unwind replays the walk in reverse, pushing each node's accumulated amount
// one hop toward the seed.
func (p *plan) unwind(w *walk, info []nodeInfo) {
	for k := len(w.order) - 1; k >= 0; k-- {
		cur := w.order[k]
		ci := &info[cur]
		if ci.transferAmount == 0 || ci.transferDir < 0 {
			continue
		}
		p.adjust(cur, ci.transferDir, ci.transferAmount)
		info[ci.transferDir].transferAmount += ci.transferAmount
		ci.transferAmount = 0
	}
}

// giveToTakers: each giver searches outward and settles its surplus against
// the takers it meets.
func (p *plan) giveToTakers(givers []int, info []nodeInfo) {
	w := newWalk(p.z.len())
	for _, g := range givers {
		giver := &info[g]
		giver.transferDir = -1
		giver.transferAmount = 0
		w.reset()
		w.push(g)
		for qi := 0; qi < len(w.order) && giver.moleDelta > 0; qi++ {
			cur := w.order[qi]
			for _, adj := range p.z.out[cur] {
				if giver.moleDelta <= 0 {
					break
				}
				if !w.push(adj) {
					continue
				}
				a := &info[adj]
				a.transferDir = cur
				a.transferAmount = 0
				if a.moleDelta >= 0 {
					continue
				}
				if -a.moleDelta > giver.moleDelta {
					a.transferAmount -= giver.moleDelta
					a.moleDelta += giver.moleDelta
					giver.moleDelta = 0
				} else {
					a.transferAmount += a.moleDelta
					giver.moleDelta += a.moleDelta
					a.moleDelta = 0
				}
			}
		}
		p.unwind(w, info)
	}
}

// takeFromGivers is the mirror of giveToTakers, walking out from each taker.
func (p *plan) takeFromGivers(takers []int, info []nodeInfo) {
	w := newWalk(p.z.len())
	for _, t := range takers {
		taker := &info[t]
		taker.transferDir = -1
		taker.transferAmount = 0
		w.reset()
		w.push(t)
		for qi := 0; qi < len(w.order) && taker.moleDelta < 0; qi++ {
			cur := w.order[qi]
			for _, adj := range p.z.out[cur] {
				if taker.moleDelta >= 0 {
					break
				}
				if !w.push(adj) {
					continue
				}
				a := &info[adj]
				a.transferDir = cur
				a.transferAmount = 0
				if a.moleDelta <= 0 {
					continue
				}
				if a.moleDelta > -taker.moleDelta {
					a.transferAmount -= taker.moleDelta
					a.moleDelta += taker.moleDelta
					taker.moleDelta = 0
				} else {
					a.transferAmount += a.moleDelta
					taker.moleDelta += a.moleDelta
					a.moleDelta = 0
				}
			}
		}
		p.unwind(w, info)
	}
}
