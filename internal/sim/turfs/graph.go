// Package turfs is the cell arena: a directed adjacency graph of cells, each
// bound to one slot of the mixture pool.
package turfs

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"atmos.ai/internal/sim/gas"
)

var ErrUnknownCell = errors.New("unknown cell")

// CellID is the host's opaque identifier for a cell.
type CellID uint32

// AdjacentFlags is the bitset carried by a directed edge.
type AdjacentFlags uint8

const (
	AdjacentAny AdjacentFlags = 1 << iota
	// AdjacentFirelock marks an edge a firelock could close. Planetary
	// boundaries only count across these edges.
	AdjacentFirelock
)

func (f AdjacentFlags) Has(flag AdjacentFlags) bool { return f&flag == flag }

// Cell is a read-only view of a node.
type Cell struct {
	ID        CellID
	Slot      gas.Slot
	Enabled   bool
	Immutable bool
	// Planetary names the planetary atmosphere this cell is exposed to, if any.
	Planetary string
}

func (c Cell) IsPlanetary() bool { return c.Planetary != "" }

type Edge struct {
	Flags  AdjacentFlags
	Target CellID
}

type node struct {
	cell  Cell
	edges []Edge
}

// Graph is read-mostly: equalization holds the read lock for a whole pass and
// structural edits take the write lock between passes.
type Graph struct {
	mu    sync.RWMutex
	pool  *gas.Pool
	nodes map[CellID]*node
}

func New(pool *gas.Pool) *Graph {
	return &Graph{pool: pool, nodes: map[CellID]*node{}}
}

func (g *Graph) Pool() *gas.Pool { return g.pool }

// Read runs fn with the graph read lock held.
func (g *Graph) Read(fn func(v *View)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(&View{g: g})
}

// Write runs fn with the graph write lock held.
func (g *Graph) Write(fn func(m *Mutator) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&Mutator{View{g: g}})
}

// View is valid only inside Graph.Read / Graph.Write.
type View struct{ g *Graph }

func (v *View) Pool() *gas.Pool { return v.g.pool }

func (v *View) Get(id CellID) (Cell, bool) {
	n, ok := v.g.nodes[id]
	if !ok {
		return Cell{}, false
	}
	return n.cell, true
}

// Edges returns the outgoing edges of id in insertion order. The slice must
// not be modified.
func (v *View) Edges(id CellID) []Edge {
	n, ok := v.g.nodes[id]
	if !ok {
		return nil
	}
	return n.edges
}

// Neighbors returns the targets of id's outgoing edges that still exist.
func (v *View) Neighbors(id CellID) []CellID {
	n, ok := v.g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]CellID, 0, len(n.edges))
	for _, e := range n.edges {
		if _, ok := v.g.nodes[e.Target]; ok {
			out = append(out, e.Target)
		}
	}
	return out
}

func (v *View) HasNeighbors(id CellID) bool {
	n, ok := v.g.nodes[id]
	if !ok {
		return false
	}
	for _, e := range n.edges {
		if _, ok := v.g.nodes[e.Target]; ok {
			return true
		}
	}
	return false
}

// EdgeFlags reports the flags of from->to.
func (v *View) EdgeFlags(from, to CellID) (AdjacentFlags, bool) {
	n, ok := v.g.nodes[from]
	if !ok {
		return 0, false
	}
	for _, e := range n.edges {
		if e.Target == to {
			return e.Flags, true
		}
	}
	return 0, false
}

// TotalMoles reads the mixture bound to id.
func (v *View) TotalMoles(id CellID) (float64, error) {
	n, ok := v.g.nodes[id]
	if !ok {
		return 0, fmt.Errorf("cell %d: %w", id, ErrUnknownCell)
	}
	var total float64
	err := v.g.pool.Read(n.cell.Slot, func(m *gas.Mixture) error {
		total = m.TotalMoles()
		return nil
	})
	return total, err
}

// Len is the number of cells.
func (v *View) Len() int { return len(v.g.nodes) }

// IDs returns every cell id in ascending order.
func (v *View) IDs() []CellID {
	out := make([]CellID, 0, len(v.g.nodes))
	for id := range v.g.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Mutator is the host's map-build handle. Only valid inside Graph.Write.
type Mutator struct{ View }

// AddCell creates a cell and allocates its mixture.
func (m *Mutator) AddCell(id CellID, volume float64) (Cell, error) {
	if _, ok := m.g.nodes[id]; ok {
		return Cell{}, fmt.Errorf("cell %d already exists", id)
	}
	c := Cell{ID: id, Slot: m.g.pool.Allocate(volume), Enabled: true}
	m.g.nodes[id] = &node{cell: c}
	return c, nil
}

// RemoveCell drops the cell, every edge pointing at it, and releases its slot.
func (m *Mutator) RemoveCell(id CellID) error {
	n, ok := m.g.nodes[id]
	if !ok {
		return fmt.Errorf("cell %d: %w", id, ErrUnknownCell)
	}
	delete(m.g.nodes, id)
	for _, other := range m.g.nodes {
		other.edges = dropEdge(other.edges, id)
	}
	return m.g.pool.Release(n.cell.Slot)
}

func dropEdge(edges []Edge, target CellID) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.Target != target {
			out = append(out, e)
		}
	}
	return out
}

// AddEdge adds or replaces from->to.
func (m *Mutator) AddEdge(from, to CellID, flags AdjacentFlags) error {
	n, ok := m.g.nodes[from]
	if !ok {
		return fmt.Errorf("cell %d: %w", from, ErrUnknownCell)
	}
	if _, ok := m.g.nodes[to]; !ok {
		return fmt.Errorf("cell %d: %w", to, ErrUnknownCell)
	}
	for i := range n.edges {
		if n.edges[i].Target == to {
			n.edges[i].Flags = flags
			return nil
		}
	}
	n.edges = append(n.edges, Edge{Flags: flags, Target: to})
	return nil
}

// Link adds both a->b and b->a.
func (m *Mutator) Link(a, b CellID, flags AdjacentFlags) error {
	if err := m.AddEdge(a, b, flags); err != nil {
		return err
	}
	return m.AddEdge(b, a, flags)
}

func (m *Mutator) RemoveEdge(from, to CellID) error {
	n, ok := m.g.nodes[from]
	if !ok {
		return fmt.Errorf("cell %d: %w", from, ErrUnknownCell)
	}
	n.edges = dropEdge(n.edges, to)
	return nil
}

func (m *Mutator) SetEnabled(id CellID, enabled bool) error {
	n, ok := m.g.nodes[id]
	if !ok {
		return fmt.Errorf("cell %d: %w", id, ErrUnknownCell)
	}
	n.cell.Enabled = enabled
	return nil
}

// SetImmutable turns the cell and its mixture into vacuum.
func (m *Mutator) SetImmutable(id CellID) error {
	n, ok := m.g.nodes[id]
	if !ok {
		return fmt.Errorf("cell %d: %w", id, ErrUnknownCell)
	}
	if err := m.g.pool.Write(n.cell.Slot, func(mix *gas.Mixture) error {
		mix.MarkImmutable()
		return nil
	}); err != nil {
		return err
	}
	n.cell.Immutable = true
	return nil
}

func (m *Mutator) SetPlanetary(id CellID, atmos string) error {
	n, ok := m.g.nodes[id]
	if !ok {
		return fmt.Errorf("cell %d: %w", id, ErrUnknownCell)
	}
	n.cell.Planetary = atmos
	return nil
}

// SetMixture overwrites the cell's gas contents (map load / snapshot import).
func (m *Mutator) SetMixture(id CellID, fn func(mix *gas.Mixture)) error {
	n, ok := m.g.nodes[id]
	if !ok {
		return fmt.Errorf("cell %d: %w", id, ErrUnknownCell)
	}
	return m.g.pool.Write(n.cell.Slot, func(mix *gas.Mixture) error {
		fn(mix)
		return nil
	})
}

// CopyAtmos gives to the atmosphere of from at from's pressure. from is only
// read-locked; a cell copied onto itself is left as is.
func (m *Mutator) CopyAtmos(from, to CellID) error {
	src, ok := m.g.nodes[from]
	if !ok {
		return fmt.Errorf("cell %d: %w", from, ErrUnknownCell)
	}
	dst, ok := m.g.nodes[to]
	if !ok {
		return fmt.Errorf("cell %d: %w", to, ErrUnknownCell)
	}
	a, b := src.cell.Slot, dst.cell.Slot
	return m.g.pool.Custom(a, b, func(x, y *gas.Entry) error {
		if x == y {
			return nil
		}
		if a < b {
			x.RLock()
			y.Lock()
		} else {
			y.Lock()
			x.RLock()
		}
		defer x.RUnlock()
		defer y.Unlock()
		y.Mix().MatchPressure(x.Mix())
		return nil
	})
}
