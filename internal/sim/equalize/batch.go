package equalize

import (
	"sort"
	"sync/atomic"

	"atmos.ai/internal/sim/turfs"
)

// Batch is an ordered, de-duplicated set of high pressure delta cells.
type Batch []turfs.CellID

func NewBatch(ids ...turfs.CellID) Batch {
	out := make(Batch, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

// Handoff passes the latest batch to the scheduler. It holds at most one
// batch; a submit while one is pending is dropped.
type Handoff struct {
	ch      chan Batch
	dropped atomic.Uint64
}

func NewHandoff() *Handoff {
	return &Handoff{ch: make(chan Batch, 1)}
}

// Submit reports whether the batch was accepted.
func (h *Handoff) Submit(ids []turfs.CellID) bool {
	b := NewBatch(ids...)
	select {
	case h.ch <- b:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

func (h *Handoff) TryTake() (Batch, bool) {
	select {
	case b := <-h.ch:
		return b, true
	default:
		return nil, false
	}
}

// Flush discards a pending batch.
func (h *Handoff) Flush() bool {
	_, ok := h.TryTake()
	return ok
}

func (h *Handoff) Pending() bool { return len(h.ch) > 0 }

func (h *Handoff) Dropped() uint64 { return h.dropped.Load() }
