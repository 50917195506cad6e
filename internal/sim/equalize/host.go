package equalize

import "atmos.ai/internal/sim/turfs"

// PressureEvent is one committed transfer: Amount moles moved From -> To.
type PressureEvent struct {
	Amount float64      `json:"amount"`
	From   turfs.CellID `json:"from"`
	To     turfs.CellID `json:"to"`
}

// DecompressionStep reports one cell of an explosive depressurization.
type DecompressionStep struct {
	Cell turfs.CellID `json:"cell"`
	// Toward is the neighbor the pressure points at.
	Toward turfs.CellID `json:"toward"`
	// Target is the vacuum cell the region drains into.
	Target turfs.CellID `json:"target"`
	// Difference is the cumulative amount that flowed through Cell.
	Difference float64 `json:"difference"`
	// Expelled is what Cell itself lost; drives the floor-rip effect.
	Expelled float64 `json:"expelled"`
	// Drained is false for the vacuum-side report of the last hop.
	Drained bool `json:"drained"`
}

// Host receives side effects. Every method is called from the host's callback
// executor, never from the equalization workers.
type Host interface {
	ConsiderPressureDifference(ev PressureEvent) error
	ConsiderFirelocks(from, to turfs.CellID) error
	Decompress(step DecompressionStep) error
}
