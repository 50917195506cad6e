package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Events asks for the per-tick host events (transfers, decompressions,
	// firelocks) in addition to the tick summary.
	Events    bool `json:"events"`
	MaxEvents int  `json:"max_events"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	WorldID         string      `json:"world_id"`
	RunID           string      `json:"run_id"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
	Species         []string    `json:"species"`
	SpeciesDigest   string      `json:"species_digest"`
}

type WorldParams struct {
	TickRateHz     int     `json:"tick_rate_hz"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Cells          int     `json:"cells"`
	HardTurfLimit  int     `json:"hard_turf_limit"`
	PlanetEnabled  bool    `json:"planet_enabled"`
	MinMolesDelta  float64 `json:"min_moles_delta"`
	EqualizeBudget int     `json:"equalize_budget_ms"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`

	Processed    int64   `json:"processed"`
	Cancelled    bool    `json:"cancelled"`
	Zones        int     `json:"zones"`
	CostEqualize float64 `json:"cost_equalize"`
	TotalMoles   float64 `json:"total_moles"`

	CallbacksRan     int    `json:"callbacks_ran"`
	CallbacksDropped uint64 `json:"callbacks_dropped"`

	Events []Event `json:"events,omitempty"`
	// Truncated counts events left out by max_events.
	Truncated int `json:"truncated,omitempty"`
}

type Event struct {
	Type     string  `json:"type"`
	Cell     uint32  `json:"cell,omitempty"`
	To       uint32  `json:"to,omitempty"`
	Target   uint32  `json:"target,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	Expelled float64 `json:"expelled,omitempty"`
}
