package world

import (
	"atmos.ai/internal/sim/equalize"
	"atmos.ai/internal/sim/turfs"
)

// CellState is what the host remembers about a cell between ticks.
type CellState struct {
	PressureDifference float64      `json:"pressure_difference"`
	PressureDirection  turfs.CellID `json:"pressure_direction"`
	HasDirection       bool         `json:"has_direction"`
	// SpecificTarget is the vacuum cell a decompressing cell drains toward.
	SpecificTarget turfs.CellID `json:"specific_target"`
	FloorRipMoles  float64      `json:"floor_rip_moles"`
	Firelocks      int          `json:"firelocks"`
}

func (w *World) cell(id turfs.CellID) *CellState {
	c := w.cells[id]
	if c == nil {
		c = &CellState{}
		w.cells[id] = c
	}
	return c
}

// CellState returns a copy of the host state for id. Loop goroutine only.
func (w *World) CellState(id turfs.CellID) (CellState, bool) {
	c, ok := w.cells[id]
	if !ok {
		return CellState{}, false
	}
	return *c, true
}

// ConsiderPressureDifference keeps the strongest outgoing transfer per tick.
func (w *World) ConsiderPressureDifference(ev equalize.PressureEvent) error {
	w.counters.pressureEvents++
	c := w.cell(ev.From)
	if ev.Amount > c.PressureDifference {
		c.PressureDifference = ev.Amount
		c.PressureDirection = ev.To
		c.HasDirection = true
	}
	w.tickEvents = append(w.tickEvents, EventLogEntry{
		Tick:   w.tick.Load(),
		Type:   EventTransfer,
		Cell:   uint32(ev.From),
		To:     uint32(ev.To),
		Amount: ev.Amount,
	})
	return nil
}

func (w *World) ConsiderFirelocks(from, to turfs.CellID) error {
	w.counters.firelocks++
	w.cell(from).Firelocks++
	w.tickEvents = append(w.tickEvents, EventLogEntry{
		Tick: w.tick.Load(),
		Type: EventFirelock,
		Cell: uint32(from),
		To:   uint32(to),
	})
	return nil
}

// Decompress applies one step of an explosive depressurization. Drained cells
// go back on the high pressure delta list and rip their floor.
func (w *World) Decompress(step equalize.DecompressionStep) error {
	c := w.cell(step.Cell)
	c.PressureDifference = step.Difference
	c.PressureDirection = step.Toward
	c.HasDirection = true
	c.SpecificTarget = step.Target
	if step.Drained {
		w.counters.decompressions++
		w.hpd[step.Cell] = struct{}{}
		c.FloorRipMoles += step.Expelled
		w.counters.floorRipMoles += step.Expelled
	}
	w.tickEvents = append(w.tickEvents, EventLogEntry{
		Tick:     w.tick.Load(),
		Type:     EventDecompress,
		Cell:     uint32(step.Cell),
		To:       uint32(step.Toward),
		Target:   uint32(step.Target),
		Amount:   step.Difference,
		Expelled: step.Expelled,
	})
	return nil
}

// ReportDiagnostic receives the failure report of a callback that errored or
// panicked.
func (w *World) ReportDiagnostic(msg string) error {
	w.counters.diagnostics++
	w.log.Printf("callback failed: %s", msg)
	w.tickEvents = append(w.tickEvents, EventLogEntry{
		Tick:    w.tick.Load(),
		Type:    EventDiagnostic,
		Message: msg,
	})
	return nil
}

var _ equalize.Host = (*World)(nil)
