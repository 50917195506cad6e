package world

import (
	"context"

	"atmos.ai/internal/sim/turfs"
)

// EditFunc changes the map. touch queues a cell for the next equalization
// batch.
type EditFunc func(m *turfs.Mutator, touch func(turfs.CellID)) error

type editReq struct {
	fn   EditFunc
	resp chan error
}

// Edit runs fn on the world loop between passes, under the graph write lock.
// Cells touched before an error stay queued.
func (w *World) Edit(ctx context.Context, fn EditFunc) error {
	req := editReq{fn: fn, resp: make(chan error, 1)}
	select {
	case w.edits <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyEdit is Edit for callers that own the loop (tests, tools stepping the
// world by hand).
func (w *World) ApplyEdit(fn EditFunc) error { return w.applyEdit(fn) }

func (w *World) applyEdit(fn EditFunc) error {
	var touched []turfs.CellID
	err := w.graph.Write(func(m *turfs.Mutator) error {
		return fn(m, func(id turfs.CellID) { touched = append(touched, id) })
	})
	for _, id := range touched {
		w.hpd[id] = struct{}{}
	}
	return err
}
