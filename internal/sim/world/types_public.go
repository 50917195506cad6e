package world

// TickLogEntry is written once per tick.
type TickLogEntry struct {
	Tick  uint64 `json:"tick"`
	RunID string `json:"run_id"`

	Batch     int  `json:"batch"`
	Submitted bool `json:"submitted"`

	Processed int64 `json:"processed"`
	Cancelled bool  `json:"cancelled"`
	Zones     int   `json:"zones"`
	Events    int   `json:"events"`

	ElapsedMs    float64 `json:"elapsed_ms"`
	CostEqualize float64 `json:"cost_equalize"`

	CallbacksRan      int    `json:"callbacks_ran"`
	CallbacksFailed   int    `json:"callbacks_failed"`
	CallbacksDeferred int    `json:"callbacks_deferred"`
	CallbacksDropped  uint64 `json:"callbacks_dropped"`

	TotalMoles float64 `json:"total_moles"`
	Err        string  `json:"err,omitempty"`
}

const (
	EventTransfer   = "TRANSFER"
	EventDecompress = "DECOMPRESS"
	EventFirelock   = "FIRELOCK"
	EventDiagnostic = "DIAGNOSTIC"
)

// EventLogEntry is one host-side effect. Cell is the source of a transfer or
// the decompressing cell; To is the transfer target or pressure direction.
type EventLogEntry struct {
	Tick     uint64  `json:"tick"`
	Type     string  `json:"type"`
	Cell     uint32  `json:"cell,omitempty"`
	To       uint32  `json:"to,omitempty"`
	Target   uint32  `json:"target,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	Expelled float64 `json:"expelled,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Metrics is published after every tick for readers outside the world loop.
type Metrics struct {
	Tick          uint64  `json:"tick"`
	RunID         string  `json:"run_id"`
	Cells         int     `json:"cells"`
	LiveMixtures  int     `json:"amt_gases"`
	TotalSlots    int     `json:"tot_gases"`
	TotalMoles    float64 `json:"total_moles"`
	SpeciesDigest string  `json:"species_digest"`

	CostEqualize         float64 `json:"cost_equalize"`
	NumEqualizeProcessed int64   `json:"num_equalize_processed"`
	LastCancelled        bool    `json:"last_cancelled"`

	PassesTotal    uint64 `json:"passes_total"`
	ProcessedTotal uint64 `json:"processed_total"`
	CancelledTotal uint64 `json:"cancelled_total"`
	EqualizeErrors uint64 `json:"equalize_errors"`
	DroppedBatches uint64 `json:"dropped_batches"`

	PressureEventsTotal uint64  `json:"pressure_events_total"`
	DecompressionsTotal uint64  `json:"decompressions_total"`
	FirelocksTotal      uint64  `json:"firelocks_total"`
	DiagnosticsTotal    uint64  `json:"diagnostics_total"`
	FloorRipMoles       float64 `json:"floor_rip_moles"`

	CallbackQueueDepth   int    `json:"callback_queue_depth"`
	CallbackSentTotal    uint64 `json:"callback_sent_total"`
	CallbackDroppedTotal uint64 `json:"callback_dropped_total"`
	CallbackFailedTotal  uint64 `json:"callback_failed_total"`

	Observers int `json:"observers"`
}
